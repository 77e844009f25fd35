package settings

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce coalesces the burst of events editors emit on save.
const DefaultReloadDebounce = 250 * time.Millisecond

// Provider hands out the current settings snapshot. Snapshots are never mutated; a
// reload swaps in a new one.
type Provider struct {
	path     string
	current  atomic.Pointer[Settings]
	debounce time.Duration
	// onReload is called after a successful reload; tests use it to synchronize.
	onReload func(*Settings)
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithReloadDebounce overrides DefaultReloadDebounce.
func WithReloadDebounce(d time.Duration) ProviderOption {
	return func(p *Provider) { p.debounce = d }
}

// WithReloadHook registers a callback run after each successful reload.
func WithReloadHook(fn func(*Settings)) ProviderOption {
	return func(p *Provider) { p.onReload = fn }
}

// NewProvider loads path, or the built-in defaults when path is empty.
func NewProvider(path string, opts ...ProviderOption) (*Provider, error) {
	p := &Provider{path: path, debounce: DefaultReloadDebounce}
	for _, opt := range opts {
		opt(p)
	}

	s := Default()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		s = loaded
	}
	p.store(s)
	return p, nil
}

// NewStaticProvider serves a fixed snapshot.
func NewStaticProvider(s *Settings) *Provider {
	p := &Provider{debounce: DefaultReloadDebounce}
	p.current.Store(s)
	return p
}

// Current returns the active snapshot. Callers must treat it as read-only.
func (p *Provider) Current() *Settings {
	return p.current.Load()
}

// Path returns the watched file, empty for built-in or static settings.
func (p *Provider) Path() string {
	return p.path
}

func (p *Provider) store(s *Settings) {
	warnings, _ := s.Validate()
	for _, w := range warnings {
		slog.Warn("Provider.store: settings warning", "path", p.path, "warning", w)
	}
	p.current.Store(s)
}

// Reload re-reads the settings file. An invalid file leaves the current snapshot in place.
func (p *Provider) Reload() error {
	if p.path == "" {
		return nil
	}
	s, err := Load(p.path)
	if err != nil {
		slog.Error("Provider.Reload: keeping previous settings", "path", p.path, "error", err)
		return err
	}
	p.store(s)
	slog.Info("Provider.Reload: settings reloaded", "path", p.path, "flow_nodes", len(s.Flow.Nodes))
	if p.onReload != nil {
		p.onReload(s)
	}
	return nil
}

// Watch reloads the settings whenever the file changes, until ctx is done. The parent
// directory is watched so that editors replacing the file by rename are noticed.
func (p *Provider) Watch(ctx context.Context) error {
	if p.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	slog.Info("Provider.Watch: watching settings", "path", p.path)

	target := filepath.Clean(p.path)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Provider.Watch: stopped")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(p.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Provider.Watch: watcher error", "error", err)
		case <-timer.C:
			_ = p.Reload()
		}
	}
}
