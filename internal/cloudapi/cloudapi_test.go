package cloudapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type capturedRequest struct {
	Path          string
	Authorization string
	Body          map[string]any
}

func newGraphServer(t *testing.T, status int, reply string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var got []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("request body is not JSON: %v", err)
		}
		got = append(got, capturedRequest{Path: r.URL.Path, Authorization: r.Header.Get("Authorization"), Body: body})
		w.WriteHeader(status)
		io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestClientSendText(t *testing.T) {
	srv, got := newGraphServer(t, http.StatusOK, `{"messages":[{"id":"wamid.1"}]}`)
	c, err := NewClient(WithBaseURL(srv.URL), WithStaticCredentials("1234", "tok"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if err := c.SendText(context.Background(), "56911112222", "hola"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if len(*got) != 1 {
		t.Fatalf("expected 1 request, got %d", len(*got))
	}
	req := (*got)[0]
	if req.Path != "/1234/messages" {
		t.Errorf("path = %q", req.Path)
	}
	if req.Authorization != "Bearer tok" {
		t.Errorf("authorization = %q", req.Authorization)
	}
	want := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                "56911112222",
		"type":              "text",
		"text":              map[string]any{"body": "hola"},
	}
	if diff := cmp.Diff(want, req.Body); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
}

func TestClientSendInteractive(t *testing.T) {
	srv, got := newGraphServer(t, http.StatusOK, `{}`)
	c, _ := NewClient(WithBaseURL(srv.URL), WithStaticCredentials("1234", "tok"))
	ctx := context.Background()

	if err := c.SendButtons(ctx, "569", "¿Qué necesitas?", []Option{{ID: "btn_1", Title: "Ver menú"}}); err != nil {
		t.Fatalf("SendButtons failed: %v", err)
	}
	if err := c.SendList(ctx, "569", "Elige", "Ver opciones", []Option{{ID: "r1", Title: "Tortas"}, {ID: "r2", Title: "Kuchen"}}); err != nil {
		t.Fatalf("SendList failed: %v", err)
	}
	if err := c.SendImage(ctx, "569", "https://cdn.example/torta.jpg", "Torta"); err != nil {
		t.Fatalf("SendImage failed: %v", err)
	}

	buttons := (*got)[0].Body["interactive"]
	wantButtons := map[string]any{
		"type": "button",
		"body": map[string]any{"body": "¿Qué necesitas?"},
		"action": map[string]any{"buttons": []any{
			map[string]any{"type": "reply", "reply": map[string]any{"id": "btn_1", "title": "Ver menú"}},
		}},
	}
	if diff := cmp.Diff(wantButtons, buttons); diff != "" {
		t.Errorf("buttons mismatch (-want +got):\n%s", diff)
	}

	list := (*got)[1].Body["interactive"].(map[string]any)
	action := list["action"].(map[string]any)
	if list["type"] != "list" || action["button"] != "Ver opciones" {
		t.Errorf("list = %v", list)
	}
	rows := action["sections"].([]any)[0].(map[string]any)["rows"].([]any)
	if len(rows) != 2 {
		t.Errorf("rows = %v", rows)
	}

	image := (*got)[2].Body["image"]
	if diff := cmp.Diff(map[string]any{"link": "https://cdn.example/torta.jpg", "caption": "Torta"}, image); diff != "" {
		t.Errorf("image mismatch (-want +got):\n%s", diff)
	}
}

func TestClientAPIError(t *testing.T) {
	srv, _ := newGraphServer(t, http.StatusBadRequest, `{"error":{"message":"Invalid parameter","type":"OAuthException","code":100}}`)
	c, _ := NewClient(WithBaseURL(srv.URL), WithStaticCredentials("1234", "tok"))

	err := c.SendText(context.Background(), "569", "hola")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != 100 || apiErr.Message != "Invalid parameter" {
		t.Errorf("api error = %+v", apiErr)
	}
}

func TestClientCredentials(t *testing.T) {
	if _, err := NewClient(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("NewClient without credentials error = %v", err)
	}

	srv, got := newGraphServer(t, http.StatusOK, `{}`)
	creds := Credentials{}
	c, _ := NewClient(WithBaseURL(srv.URL), WithCredentialSource(func() Credentials { return creds }))
	if err := c.SendText(context.Background(), "569", "hola"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("send with empty credentials error = %v", err)
	}
	creds = Credentials{PhoneNumberID: "999", AccessToken: "rotated"}
	if err := c.SendText(context.Background(), "569", "hola"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if (*got)[0].Path != "/999/messages" || (*got)[0].Authorization != "Bearer rotated" {
		t.Errorf("request = %+v", (*got)[0])
	}
}

func TestParseWebhook(t *testing.T) {
	body := `{
	  "object": "whatsapp_business_account",
	  "entry": [{"changes": [{"field": "messages", "value": {
	    "statuses": [{"id": "wamid.s", "status": "read"}],
	    "messages": [
	      {"id": "wamid.1", "from": "56911112222", "timestamp": "1710428400", "type": "text", "text": {"body": "hola"}},
	      {"id": "wamid.2", "from": "56911112222", "timestamp": "1710428401", "type": "interactive",
	       "interactive": {"type": "button_reply", "button_reply": {"id": "btn_w2", "title": "Hacer pedido"}}},
	      {"id": "wamid.3", "from": "56911112222", "timestamp": "1710428402", "type": "interactive",
	       "interactive": {"type": "list_reply", "list_reply": {"id": "row_2", "title": "Kuchen"}}},
	      {"id": "wamid.4", "from": "56911112222", "timestamp": "1710428403", "type": "image", "image": {"id": "media"}}
	    ]
	  }}]}]
	}`

	got, err := ParseWebhook([]byte(body))
	if err != nil {
		t.Fatalf("ParseWebhook failed: %v", err)
	}
	want := []Incoming{
		{ID: "wamid.1", From: "56911112222", Text: "hola", Timestamp: time.Unix(1710428400, 0)},
		{ID: "wamid.2", From: "56911112222", Text: "Hacer pedido", SelectedID: "btn_w2", Timestamp: time.Unix(1710428401, 0)},
		{ID: "wamid.3", From: "56911112222", Text: "Kuchen", SelectedID: "row_2", Timestamp: time.Unix(1710428402, 0)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("incoming mismatch (-want +got):\n%s", diff)
	}

	if _, err := ParseWebhook([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
	empty, err := ParseWebhook([]byte(`{"object":"whatsapp_business_account","entry":[]}`))
	if err != nil || len(empty) != 0 {
		t.Errorf("empty payload = %v, %v", empty, err)
	}
}

func TestVerifySubscription(t *testing.T) {
	tests := []struct {
		name  string
		query string
		token string
		want  string
		ok    bool
	}{
		{"valid", "hub.mode=subscribe&hub.verify_token=secret&hub.challenge=42", "secret", "42", true},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", "secret", "", false},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=secret&hub.challenge=42", "secret", "", false},
		{"no challenge", "hub.mode=subscribe&hub.verify_token=secret", "secret", "", false},
		{"unconfigured", "hub.mode=subscribe&hub.verify_token=&hub.challenge=42", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := url.ParseQuery(tt.query)
			got, ok := VerifySubscription(q, tt.token)
			if got != tt.want || ok != tt.ok {
				t.Errorf("VerifySubscription = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestMockClientRecords(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()
	m.SendText(ctx, "1", "a")
	m.SendList(ctx, "1", "b", "Ver", []Option{{ID: "x", Title: "X"}})
	if got := m.Messages(); len(got) != 2 || got[1].Kind != "list" || got[1].ButtonText != "Ver" {
		t.Errorf("messages = %+v", got)
	}
	m.Err = errors.New("boom")
	if err := m.SendImage(ctx, "1", "u", ""); err == nil {
		t.Error("expected configured error")
	}
}
