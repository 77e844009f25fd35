// Package testutil provides common test utilities and helpers for OrderPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

// TB is the part of testing.TB the assertion helpers use.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// FixedNow is the instant test clocks start at.
var FixedNow = time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC)

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// DecodeResult decodes the "result" field of an APIResponse body into target.
func DecodeResult(t *testing.T, rr *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	var envelope struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if err := json.Unmarshal(envelope.Result, target); err != nil {
		t.Fatalf("failed to decode result %s: %v", envelope.Result, err)
	}
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// SeedSession saves a session for the user on the channel and returns it.
func SeedSession(t *testing.T, st store.Store, ch models.Channel, user string, mutate func(*models.ConversationSession)) models.ConversationSession {
	t.Helper()
	sess := models.NewConversationSession(ch, user, FixedNow)
	sess.LastMessageAt = FixedNow
	if mutate != nil {
		mutate(&sess)
	}
	if err := st.SaveSession(context.Background(), &sess); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
	return sess
}

// SeedMessages appends transcript lines alternating between user and bot.
func SeedMessages(t *testing.T, st store.Store, conversationID string, texts ...string) {
	t.Helper()
	for i, text := range texts {
		from := models.AuthorUser
		if i%2 == 1 {
			from = models.AuthorBot
		}
		m := models.ConversationMessage{
			ID:             conversationID + "-" + string(rune('a'+i)),
			ConversationID: conversationID,
			From:           from,
			Text:           text,
			CreatedAt:      FixedNow.Add(time.Duration(i) * time.Second),
		}
		if err := st.AddMessage(context.Background(), m); err != nil {
			t.Fatalf("failed to seed message: %v", err)
		}
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
