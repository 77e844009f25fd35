package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	client twiliowhatsapp.TwilioWhatsAppSender // Could be real Twilio client or MockClient
	inbox  *inbox
	// publicURL is the externally visible webhook URL Twilio signs. Empty skips
	// signature validation.
	publicURL string
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService. publicURL is the webhook URL as
// configured in the Twilio console.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, publicURL string) *TwilioService {
	return &TwilioService{client: client, inbox: newInbox("TwilioService"), publicURL: publicURL}
}

func (s *TwilioService) Channel() models.Channel { return models.ChannelWhatsApp }

func (s *TwilioService) Capabilities() models.Capabilities { return models.TextOnlyCapabilities }

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// It removes all non-numeric characters and validates the result has at least 6 digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone("TwilioService", strings.TrimPrefix(recipient, twiliowhatsapp.WhatsAppPrefix))
}

// Start is a no-op for Twilio; messages arrive through TwilioWebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.inbox.close()
	return nil
}

func (s *TwilioService) Responses() <-chan models.InboundMessage {
	return s.inbox.responses
}

func (s *TwilioService) SendText(ctx context.Context, to string, body string) error {
	canonical, err := s.prepare(to)
	if err != nil {
		return err
	}
	return s.client.SendMessage(ctx, "+"+canonical, body)
}

// SendInteractive always fails; Twilio's WhatsApp sandbox only takes text and media.
func (s *TwilioService) SendInteractive(ctx context.Context, to string, in models.Interactive) error {
	return ErrInteractiveUnsupported
}

func (s *TwilioService) SendMedia(ctx context.Context, to string, media models.Media) error {
	canonical, err := s.prepare(to)
	if err != nil {
		return err
	}
	return s.client.SendMedia(ctx, "+"+canonical, media.Ref, media.Caption)
}

func (s *TwilioService) prepare(to string) (string, error) {
	if s.inbox.isStopped() {
		return "", ErrServiceStopped
	}
	return s.ValidateAndCanonicalizeRecipient(to)
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It validates the request signature, parses the message and emits it into Responses().
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.TwilioWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.publicURL != "" {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.client.ValidateSignature(s.publicURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService.TwilioWebhookHandler: invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService.TwilioWebhookHandler: missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	s.inbox.emit(models.InboundMessage{
		MessageID:  r.FormValue("MessageSid"),
		Channel:    models.ChannelWhatsApp,
		From:       canonical,
		Text:       body,
		ReceivedAt: time.Now(),
	})

	// An empty TwiML response keeps Twilio from sending a reply of its own.
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}
