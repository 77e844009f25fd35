package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/BTreeMap/OrderPipe/internal/catalog"
	"github.com/BTreeMap/OrderPipe/internal/cloudapi"
	"github.com/BTreeMap/OrderPipe/internal/conversation"
	"github.com/BTreeMap/OrderPipe/internal/engine"
	"github.com/BTreeMap/OrderPipe/internal/messaging"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/settings"
	"github.com/BTreeMap/OrderPipe/internal/store"
	"github.com/BTreeMap/OrderPipe/internal/testutil"
	"github.com/BTreeMap/OrderPipe/internal/twiliowhatsapp"
)

const customer = "56911112222"

type testServer struct {
	*Server
	st     *store.InMemoryStore
	cfg    *settings.Settings
	wa     *cloudapi.MockClient
	cloud  *messaging.CloudAPIService
	twilio *twiliowhatsapp.MockClient
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		st:     store.NewInMemoryStore(),
		cfg:    settings.Default(),
		wa:     cloudapi.NewMockClient(),
		twilio: twiliowhatsapp.NewMockClient(),
	}
	ts.cfg.WhatsApp.VerifyToken = "s3cret-verify"
	ts.cloud = messaging.NewCloudAPIService(ts.wa)
	twilioSvc := messaging.NewTwilioService(ts.twilio, "")
	t.Cleanup(func() {
		ts.cloud.Stop()
		twilioSvc.Stop()
	})

	provider := settings.NewStaticProvider(ts.cfg)
	proc := conversation.New(ts.st, engine.New(catalog.Default()), provider,
		conversation.WithDispatcher(messaging.NewDispatcher(ts.cloud)),
		conversation.WithDedup(ts.st))
	ts.Server = NewServer(proc, ts.st, provider, WithCloudAPI(ts.cloud), WithTwilio(twilioSvc))
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rr, req)
	return rr
}

func TestWebhookVerification(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name  string
		query url.Values
		code  int
		body  string
	}{
		{"valid", url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"s3cret-verify"}, "hub.challenge": {"1158201444"}}, http.StatusOK, "1158201444"},
		{"wrong token", url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"nope"}, "hub.challenge": {"1"}}, http.StatusForbidden, ""},
		{"wrong mode", url.Values{"hub.mode": {"unsubscribe"}, "hub.verify_token": {"s3cret-verify"}, "hub.challenge": {"1"}}, http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		rr := ts.do(httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query.Encode(), nil))
		testutil.AssertHTTPStatus(t, tt.code, rr.Code, tt.name)
		if rr.Body.String() != tt.body {
			t.Errorf("%s: body = %q, want %q", tt.name, rr.Body.String(), tt.body)
		}
	}

	rr := ts.do(httptest.NewRequest(http.MethodPut, "/webhook", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "PUT /webhook")
	if rr.Header().Get("Allow") != "GET, POST" {
		t.Errorf("Allow = %q", rr.Header().Get("Allow"))
	}
}

func TestWebhookReceive(t *testing.T) {
	ts := newTestServer(t)

	body := `{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"messages":[
	  {"id":"wamid.1","from":"56911112222","timestamp":"1710428400","type":"text","text":{"body":"hola"}}]}}]}]}`
	rr := ts.do(httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "text message")
	testutil.AssertJSONResponse(t, rr, "ok")

	select {
	case msg := <-ts.cloud.Responses():
		if msg.From != customer || msg.Text != "hola" || msg.MessageID != "wamid.1" {
			t.Errorf("inbound = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook message was not emitted")
	}

	status := `{"entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.1","status":"read"}]}}]}]}`
	rr = ts.do(httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(status)))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "status update")
	testutil.AssertJSONResponse(t, rr, "ignored")

	rr = ts.do(httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{")))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "corrupt payload")
}

func TestWebhookDisabled(t *testing.T) {
	provider := settings.NewStaticProvider(settings.Default())
	st := store.NewInMemoryStore()
	s := NewServer(conversation.New(st, engine.New(catalog.Default()), provider), st, provider)

	for _, path := range []string{"/webhook", "/webhook/twilio"} {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}")))
		testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, path)
	}
}

func TestTwilioWebhook(t *testing.T) {
	ts := newTestServer(t)
	form := url.Values{"From": {"whatsapp:+56911112222"}, "Body": {"hola"}, "MessageSid": {"SM1"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := ts.do(req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "twilio webhook")
	if !strings.Contains(rr.Body.String(), "<Response>") {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestChatHandler(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/chat", ChatRequest{SessionID: "visitor-1", Text: "Hola"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "chat")
	var resp models.BotResponse
	testutil.DecodeResult(t, rr, &resp)
	if resp.Reply == "" || resp.Interactive == nil {
		t.Errorf("response = %+v", resp)
	}
	if _, err := ts.st.GetSession(context.Background(), "web:visitor-1"); err != nil {
		t.Errorf("web session not stored: %v", err)
	}
	if n := len(ts.wa.Messages()); n != 0 {
		t.Errorf("web reply went to WhatsApp: %d messages", n)
	}

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/chat", ChatRequest{SessionID: "visitor-1", Text: "  "}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "empty text")
	testutil.AssertJSONResponse(t, rr, "ignored")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/chat", ChatRequest{Text: "hola"}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing session")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/chat", ChatRequest{SessionID: "visitor-1", Text: strings.Repeat("a", models.MaxMessageTextLength+1)}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "text too long")

	rr = ts.do(httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("not json")))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid JSON")

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/chat", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "GET /chat")
}

func TestConversationEndpoints(t *testing.T) {
	ts := newTestServer(t)
	sess := testutil.SeedSession(t, ts.st, models.ChannelWhatsApp, customer, func(s *models.ConversationSession) {
		s.NeedsHuman = true
		s.Status = models.StatusPending
		s.UnreadCount = 2
	})
	testutil.SeedSession(t, ts.st, models.ChannelTelegram, "4242", nil)
	testutil.SeedMessages(t, ts.st, sess.ID, "quiero hablar con alguien", "Te comunico con una persona 🙋")

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/conversations?pending=true", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list pending")
	var sessions []models.ConversationSession
	testutil.DecodeResult(t, rr, &sessions)
	if len(sessions) != 1 || sessions[0].ID != sess.ID {
		t.Errorf("pending sessions = %+v", sessions)
	}

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/conversations?limit=x", nil))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad limit")

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/conversations/"+sess.ID, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get conversation")
	rr = ts.do(httptest.NewRequest(http.MethodGet, "/conversations/wa:000", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown conversation")

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/conversations/"+sess.ID+"/messages?limit=1", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "messages")
	var msgs []models.ConversationMessage
	testutil.DecodeResult(t, rr, &msgs)
	if len(msgs) != 1 || msgs[0].From != models.AuthorBot {
		t.Errorf("messages = %+v", msgs)
	}

	rr = ts.do(httptest.NewRequest(http.MethodPost, "/conversations/"+sess.ID+"/read", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "mark read")

	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/conversations/"+sess.ID+"/reply", StaffReplyRequest{Text: "Hola, soy Ana"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "staff reply")
	sent := ts.wa.Messages()
	if len(sent) != 1 || sent[0].Body != "Hola, soy Ana" || sent[0].To != customer {
		t.Errorf("sent = %+v", sent)
	}
	rr = ts.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/conversations/"+sess.ID+"/reply", StaffReplyRequest{Text: " "}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty staff reply")

	rr = ts.do(httptest.NewRequest(http.MethodPost, "/conversations/"+sess.ID+"/reset", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "reset")
	got, _ := ts.st.GetSession(context.Background(), sess.ID)
	if got.NeedsHuman || got.UnreadCount != 0 || !got.LastStaffMessageAt.IsZero() {
		t.Errorf("session after reset = %+v", got)
	}
}

func TestOrdersEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	for _, ref := range []string{"DP-AAA111", "DP-BBB222"} {
		o := models.OrderRecord{Reference: ref, ConversationID: "wa:" + customer, Total: 12000, CreatedAt: testutil.FixedNow}
		if err := ts.st.SaveOrder(ctx, o); err != nil {
			t.Fatalf("SaveOrder failed: %v", err)
		}
	}
	rr := ts.do(httptest.NewRequest(http.MethodGet, "/orders?limit=1", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "orders")
	var orders []models.OrderRecord
	testutil.DecodeResult(t, rr, &orders)
	if len(orders) != 1 || orders[0].Reference != "DP-BBB222" {
		t.Errorf("orders = %+v", orders)
	}
}

func TestStaffEndpointsRequireSecret(t *testing.T) {
	ts := newTestServer(t)
	ts.cfg.API.WebhookSecret = "panel-token"

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/orders", nil))
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "no token")

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, ts.do(req).Code, "wrong token")

	req = httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", "Bearer panel-token")
	testutil.AssertHTTPStatus(t, http.StatusOK, ts.do(req).Code, "valid token")

	// Public routes stay open.
	testutil.AssertHTTPStatus(t, http.StatusOK, ts.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Code, "health")
}

func TestMediaHandler(t *testing.T) {
	ts := newTestServer(t)
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	node, _ := ts.cfg.Flow.Node("welcome")
	node.MediaBase64 = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	ts.cfg.Flow.Nodes["welcome"] = node

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/media/welcome", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "media")
	if ct := rr.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "public, max-age=3600" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if !bytes.Equal(rr.Body.Bytes(), png) {
		t.Errorf("body = %v", rr.Body.Bytes())
	}

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/media/node_1", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "node without media")
	rr = ts.do(httptest.NewRequest(http.MethodGet, "/media/nope", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown node")
}

func TestDecodeDataURL(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("img"))
	tests := []struct {
		name    string
		raw     string
		wantCT  string
		wantErr bool
	}{
		{"png", "data:image/png;base64," + payload, "image/png", false},
		{"no media type", "data:;base64," + payload, "image/jpeg", false},
		{"no header prefix", "base64," + payload, "image/jpeg", false},
		{"missing comma", payload, "", true},
		{"bad base64", "data:image/png;base64,***", "", true},
	}
	for _, tt := range tests {
		ct, data, err := decodeDataURL(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if err == nil && (ct != tt.wantCT || string(data) != "img") {
			t.Errorf("%s: got %q %q", tt.name, ct, data)
		}
	}
}

func TestHealthHandler(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	body := testutil.AssertJSONResponse(t, rr, "healthy")
	if body["business"] != ts.cfg.BusinessName {
		t.Errorf("business = %v", body["business"])
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	provider := settings.NewStaticProvider(settings.Default())
	st := store.NewInMemoryStore()
	s := NewServer(conversation.New(st, engine.New(catalog.Default()), provider), st, provider, WithAddr("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
