package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/OrderPipe/internal/cloudapi"
	"github.com/BTreeMap/OrderPipe/internal/models"
)

// CloudAPIService implements Service over the WhatsApp Business Cloud API. Incoming
// messages arrive through the HTTP webhook and are handed to HandleWebhook.
type CloudAPIService struct {
	client cloudapi.Sender
	inbox  *inbox
}

var _ Service = (*CloudAPIService)(nil)

// NewCloudAPIService wraps a Cloud API client (real or mock).
func NewCloudAPIService(client cloudapi.Sender) *CloudAPIService {
	return &CloudAPIService{client: client, inbox: newInbox("CloudAPIService")}
}

func (s *CloudAPIService) Channel() models.Channel { return models.ChannelWhatsApp }

func (s *CloudAPIService) Capabilities() models.Capabilities { return models.CloudAPICapabilities }

// ValidateAndCanonicalizeRecipient keeps only the digits of a phone number.
func (s *CloudAPIService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone("CloudAPIService", recipient)
}

// Start is a no-op; the webhook is served by the HTTP API.
func (s *CloudAPIService) Start(ctx context.Context) error {
	return nil
}

func (s *CloudAPIService) Stop() error {
	if s.inbox.close() {
		slog.Info("CloudAPIService.Stop: stopped")
	}
	return nil
}

func (s *CloudAPIService) Responses() <-chan models.InboundMessage {
	return s.inbox.responses
}

func (s *CloudAPIService) SendText(ctx context.Context, to string, body string) error {
	canonical, err := s.prepare(to)
	if err != nil {
		return err
	}
	return s.client.SendText(ctx, canonical, body)
}

// SendInteractive sends reply buttons or a list message.
func (s *CloudAPIService) SendInteractive(ctx context.Context, to string, in models.Interactive) error {
	canonical, err := s.prepare(to)
	if err != nil {
		return err
	}
	opts := make([]cloudapi.Option, len(in.Options))
	for i, o := range in.Options {
		opts[i] = cloudapi.Option{ID: o.ID, Title: o.Title}
	}
	if in.Kind == models.InteractiveList {
		return s.client.SendList(ctx, canonical, in.Body, in.ButtonText, opts)
	}
	return s.client.SendButtons(ctx, canonical, in.Body, opts)
}

func (s *CloudAPIService) SendMedia(ctx context.Context, to string, media models.Media) error {
	canonical, err := s.prepare(to)
	if err != nil {
		return err
	}
	return s.client.SendImage(ctx, canonical, media.Ref, media.Caption)
}

func (s *CloudAPIService) prepare(to string) (string, error) {
	if s.inbox.isStopped() {
		return "", ErrServiceStopped
	}
	return s.ValidateAndCanonicalizeRecipient(to)
}

// HandleWebhook parses a webhook body and emits every user message it carries. It
// returns the number of messages emitted.
func (s *CloudAPIService) HandleWebhook(body []byte) (int, error) {
	incoming, err := cloudapi.ParseWebhook(body)
	if err != nil {
		return 0, err
	}
	emitted := 0
	for _, in := range incoming {
		msg := models.InboundMessage{
			MessageID:        in.ID,
			Channel:          models.ChannelWhatsApp,
			From:             phoneNumberRegex.ReplaceAllString(in.From, ""),
			Text:             in.Text,
			SelectedOptionID: in.SelectedID,
			ReceivedAt:       in.Timestamp,
		}
		if s.inbox.emit(msg) {
			emitted++
		}
	}
	return emitted, nil
}
