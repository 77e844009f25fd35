package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Path = %q", lock.Path())
	}

	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("failed to read lock file: %v", err)
	}
	if !strings.HasPrefix(string(content), fmt.Sprintf("pid=%d\n", os.Getpid())) {
		t.Errorf("lock file content = %q", content)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release failed: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file still present: %v", err)
	}
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer first.Release()

	_, err = Acquire(dir)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire error = %v, want ErrLocked", err)
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("error %T is not a *LockError", err)
	}
	if lockErr.Holder.PID != os.Getpid() || !lockErr.Holder.Running {
		t.Errorf("holder = %+v", lockErr.Holder)
	}
	if !strings.Contains(err.Error(), "running") {
		t.Errorf("message = %q", err.Error())
	}

	// The failed attempt must not clobber the holder's details.
	content, _ := os.ReadFile(first.Path())
	if !strings.Contains(string(content), "pid=") {
		t.Errorf("lock file content = %q", content)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	again.Release()
}

func TestParseHolder(t *testing.T) {
	started := time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		wantPID int
		wantAt  time.Time
	}{
		{"full", "pid=4242\nstarted=2025-03-14T15:00:00Z\n", 4242, started},
		{"pid only", "pid=17", 17, time.Time{}},
		{"garbage", "hello\n", 0, time.Time{}},
		{"empty", "", 0, time.Time{}},
	}
	for _, tt := range tests {
		h := parseHolder(bufio.NewScanner(strings.NewReader(tt.content)))
		if h.PID != tt.wantPID || !h.Started.Equal(tt.wantAt) {
			t.Errorf("%s: holder = %+v", tt.name, h)
		}
	}
}

func TestHolderString(t *testing.T) {
	if got := (Holder{}).String(); got != "unknown process" {
		t.Errorf("empty holder = %q", got)
	}
	if got := (Holder{PID: 99}).String(); got != "PID 99 (not running, stale lock)" {
		t.Errorf("stale holder = %q", got)
	}
	err := &LockError{LockPath: "/tmp/x", Holder: Holder{PID: 99}}
	if !strings.Contains(err.Error(), "remove the lock file") {
		t.Errorf("stale lock message = %q", err.Error())
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("current process should be running")
	}
}
