package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/BTreeMap/OrderPipe/internal/cloudapi"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/telegram"
	"github.com/BTreeMap/OrderPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/OrderPipe/internal/whatsapp"
)

func TestCanonicalPhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+56 9 1111 2222", "56911112222", false},
		{"(555) 123-4567", "5551234567", false},
		{"56911112222", "56911112222", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := canonicalPhone("Test", tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("canonicalPhone(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrUnsupportedRecipient) {
			t.Errorf("canonicalPhone(%q) error %v does not wrap ErrUnsupportedRecipient", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("canonicalPhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInboxStop(t *testing.T) {
	b := newInbox("Test")
	if !b.emit(models.InboundMessage{From: "1", Text: "hola"}) {
		t.Fatal("emit before stop failed")
	}
	if !b.close() || b.close() {
		t.Error("close should report true exactly once")
	}
	if b.emit(models.InboundMessage{From: "1", Text: "tarde"}) {
		t.Error("emit after stop succeeded")
	}
	var got []string
	for msg := range b.responses {
		got = append(got, msg.Text)
	}
	if diff := cmp.Diff([]string{"hola"}, got); diff != "" {
		t.Errorf("drained mismatch (-want +got):\n%s", diff)
	}
}

func receive(t *testing.T, ch <-chan models.InboundMessage) models.InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
	return models.InboundMessage{}
}

func TestCloudAPIService(t *testing.T) {
	client := cloudapi.NewMockClient()
	svc := NewCloudAPIService(client)
	ctx := context.Background()

	if svc.Channel() != models.ChannelWhatsApp || svc.Capabilities() != models.CloudAPICapabilities {
		t.Errorf("channel/caps = %s %+v", svc.Channel(), svc.Capabilities())
	}

	buttons := models.Interactive{Kind: models.InteractiveButtons, Body: "¿Qué necesitas?",
		Options: []models.InteractiveOption{{ID: "btn_1", Title: "Ver menú"}}}
	list := models.Interactive{Kind: models.InteractiveList, Body: "Elige", ButtonText: "Ver opciones",
		Options: []models.InteractiveOption{{ID: "r1", Title: "Tortas"}}}
	if err := svc.SendInteractive(ctx, "+56 9 1111 2222", buttons); err != nil {
		t.Fatalf("SendInteractive(buttons) failed: %v", err)
	}
	if err := svc.SendInteractive(ctx, "56911112222", list); err != nil {
		t.Fatalf("SendInteractive(list) failed: %v", err)
	}
	if err := svc.SendMedia(ctx, "56911112222", models.Media{Ref: "https://cdn.example/t.jpg"}); err != nil {
		t.Fatalf("SendMedia failed: %v", err)
	}

	want := []cloudapi.SentMessage{
		{Kind: "button", To: "56911112222", Body: "¿Qué necesitas?", Options: []cloudapi.Option{{ID: "btn_1", Title: "Ver menú"}}},
		{Kind: "list", To: "56911112222", Body: "Elige", ButtonText: "Ver opciones", Options: []cloudapi.Option{{ID: "r1", Title: "Tortas"}}},
		{Kind: "image", To: "56911112222", Link: "https://cdn.example/t.jpg"},
	}
	if diff := cmp.Diff(want, client.Messages()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}

	body := `{"entry":[{"changes":[{"value":{"messages":[
	  {"id":"wamid.9","from":"56911112222","timestamp":"1710428400","type":"interactive",
	   "interactive":{"type":"button_reply","button_reply":{"id":"btn_w2","title":"Hacer pedido"}}}]}}]}]}`
	n, err := svc.HandleWebhook([]byte(body))
	if err != nil || n != 1 {
		t.Fatalf("HandleWebhook = %d, %v", n, err)
	}
	msg := receive(t, svc.Responses())
	if msg.MessageID != "wamid.9" || msg.Text != "Hacer pedido" || msg.SelectedOptionID != "btn_w2" || msg.Channel != models.ChannelWhatsApp {
		t.Errorf("inbound = %+v", msg)
	}

	svc.Stop()
	if err := svc.SendText(ctx, "56911112222", "hola"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("send after stop error = %v", err)
	}
}

func TestWhatsAppService(t *testing.T) {
	client := whatsapp.NewMockClient()
	svc := NewWhatsAppService(client)
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	client.Deliver(whatsapp.Incoming{ID: "3EB0", From: "56911112222", Text: "hola", Timestamp: time.Unix(1710428400, 0)})
	msg := receive(t, svc.Responses())
	if msg.From != "56911112222" || msg.Text != "hola" || msg.MessageID != "3EB0" {
		t.Errorf("inbound = %+v", msg)
	}

	if err := svc.SendInteractive(ctx, "56911112222", models.Interactive{}); !errors.Is(err, ErrInteractiveUnsupported) {
		t.Errorf("SendInteractive error = %v", err)
	}
	if err := svc.SendText(ctx, "+56 9 1111 2222", "hola"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if sent := client.Messages(); len(sent) != 1 || sent[0].To != "56911112222" {
		t.Errorf("sent = %+v", sent)
	}

	svc.Stop()
	client.Deliver(whatsapp.Incoming{ID: "late", From: "56911112222", Text: "¿sigues ahí?"})
	if _, ok := <-svc.Responses(); ok {
		t.Error("responses channel should be closed after Stop")
	}
}

func TestTwilioService(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(client, "https://pasteleria.example/webhook/twilio")
	ctx := context.Background()

	if err := svc.SendText(ctx, "whatsapp:+56911112222", "hola"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if err := svc.SendMedia(ctx, "56911112222", models.Media{Ref: "https://cdn.example/t.jpg", Caption: "Torta"}); err != nil {
		t.Fatalf("SendMedia failed: %v", err)
	}
	want := []twiliowhatsapp.SentMessage{
		{To: "+56911112222", Body: "hola"},
		{To: "+56911112222", Body: "Torta", MediaURL: "https://cdn.example/t.jpg"},
	}
	if diff := cmp.Diff(want, client.Messages()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}

	post := func(form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Twilio-Signature", "sig")
		rec := httptest.NewRecorder()
		svc.TwilioWebhookHandler(rec, req)
		return rec
	}

	rec := post(url.Values{"From": {"whatsapp:+56911112222"}, "Body": {"quiero una torta"}, "MessageSid": {"SM1"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	msg := receive(t, svc.Responses())
	if msg.From != "56911112222" || msg.Text != "quiero una torta" || msg.MessageID != "SM1" {
		t.Errorf("inbound = %+v", msg)
	}

	if rec := post(url.Values{"From": {"whatsapp:+56911112222"}}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing body status = %d", rec.Code)
	}
	client.RejectSignatures = true
	if rec := post(url.Values{"From": {"whatsapp:+56911112222"}, "Body": {"hola"}}); rec.Code != http.StatusForbidden {
		t.Errorf("bad signature status = %d", rec.Code)
	}
	svc.Stop()
}

func TestTelegramService(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := telegram.NewMockClient()
	svc := NewTelegramService(client)
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	client.Push(telegram.Incoming{ID: "cb:1", ChatID: 4242, Text: "Hacer pedido", SelectedID: "btn_w2", LanguageCode: "es"})
	msg := receive(t, svc.Responses())
	want := models.InboundMessage{MessageID: "cb:1", Channel: models.ChannelTelegram, From: "4242",
		Text: "Hacer pedido", SelectedOptionID: "btn_w2", Locale: "es"}
	if diff := cmp.Diff(want, msg); diff != "" {
		t.Errorf("inbound mismatch (-want +got):\n%s", diff)
	}

	in := models.Interactive{Kind: models.InteractiveButtons, Body: "¿Qué necesitas?",
		Options: []models.InteractiveOption{{ID: "btn_1", Title: "Ver menú"}, {ID: "btn_2", Title: "Hacer pedido"}}}
	if err := svc.SendInteractive(ctx, "4242", in); err != nil {
		t.Fatalf("SendInteractive failed: %v", err)
	}
	sent := client.Messages()
	if len(sent) != 1 || sent[0].ChatID != 4242 || len(sent[0].Buttons) != 2 || sent[0].Text != "¿Qué necesitas?" {
		t.Errorf("sent = %+v", sent)
	}
	if err := svc.SendText(ctx, "@someone", "hola"); !errors.Is(err, ErrUnsupportedRecipient) {
		t.Errorf("invalid chat id error = %v", err)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("responses channel should be closed after Stop")
	}
}
