package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
// WhatsApp Web has no native buttons, so options go out as the numbered reply text.
type WhatsAppService struct {
	client whatsapp.WhatsAppSender
	inbox  *inbox

	mu     sync.Mutex
	remove func()
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	return &WhatsAppService{client: client, inbox: newInbox("WhatsAppService")}
}

func (s *WhatsAppService) Channel() models.Channel { return models.ChannelWhatsApp }

func (s *WhatsAppService) Capabilities() models.Capabilities { return models.TextOnlyCapabilities }

// ValidateAndCanonicalizeRecipient keeps only the digits of a phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone("WhatsAppService", recipient)
}

// Start subscribes to incoming messages.
func (s *WhatsAppService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remove != nil {
		return nil
	}
	s.remove = s.client.OnMessage(s.handleIncomingMessage)
	slog.Debug("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop unsubscribes and closes the Responses channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	if s.remove != nil {
		s.remove()
		s.remove = nil
	}
	s.mu.Unlock()
	if s.inbox.close() {
		slog.Info("WhatsAppService.Stop: stopped and channels closed")
	}
	return nil
}

func (s *WhatsAppService) Responses() <-chan models.InboundMessage {
	return s.inbox.responses
}

func (s *WhatsAppService) handleIncomingMessage(in whatsapp.Incoming) {
	s.inbox.emit(models.InboundMessage{
		MessageID:  in.ID,
		Channel:    models.ChannelWhatsApp,
		From:       in.From,
		Text:       in.Text,
		ReceivedAt: in.Timestamp,
	})
}

func (s *WhatsAppService) SendText(ctx context.Context, to string, body string) error {
	canonical, err := s.prepare(to)
	if err != nil {
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// SendInteractive always fails; the dispatcher falls back to the reply text.
func (s *WhatsAppService) SendInteractive(ctx context.Context, to string, in models.Interactive) error {
	return ErrInteractiveUnsupported
}

// SendMedia downloads the image and uploads it to WhatsApp.
func (s *WhatsAppService) SendMedia(ctx context.Context, to string, media models.Media) error {
	canonical, err := s.prepare(to)
	if err != nil {
		return err
	}
	return s.client.SendImageFromURL(ctx, canonical, media.Ref, media.Caption)
}

func (s *WhatsAppService) prepare(to string) (string, error) {
	if s.inbox.isStopped() {
		return "", ErrServiceStopped
	}
	return s.ValidateAndCanonicalizeRecipient(to)
}
