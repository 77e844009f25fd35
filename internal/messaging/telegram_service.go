package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/telegram"
)

// TelegramService implements Service over a Telegram bot. Recipients are chat ids.
type TelegramService struct {
	client telegram.Sender
	inbox  *inbox

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Service = (*TelegramService)(nil)

// NewTelegramService wraps a Telegram client (real or mock).
func NewTelegramService(client telegram.Sender) *TelegramService {
	return &TelegramService{client: client, inbox: newInbox("TelegramService")}
}

func (s *TelegramService) Channel() models.Channel { return models.ChannelTelegram }

func (s *TelegramService) Capabilities() models.Capabilities { return models.TelegramCapabilities }

// ValidateAndCanonicalizeRecipient accepts a numeric chat id.
func (s *TelegramService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	_, err := s.chatID(recipient)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(recipient), nil
}

func (s *TelegramService) chatID(recipient string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %q is not a telegram chat id", ErrUnsupportedRecipient, recipient)
	}
	return id, nil
}

// Start begins long polling for updates.
func (s *TelegramService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	updates := s.client.Updates(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for in := range updates {
			s.inbox.emit(models.InboundMessage{
				MessageID:        in.ID,
				Channel:          models.ChannelTelegram,
				From:             strconv.FormatInt(in.ChatID, 10),
				Text:             in.Text,
				SelectedOptionID: in.SelectedID,
				Locale:           in.LanguageCode,
				ReceivedAt:       in.Date,
			})
		}
	}()
	slog.Info("TelegramService.Start: polling for updates")
	return nil
}

// Stop ends polling, waits for the poller to exit and closes Responses.
func (s *TelegramService) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	if s.inbox.close() {
		slog.Info("TelegramService.Stop: stopped")
	}
	return nil
}

func (s *TelegramService) Responses() <-chan models.InboundMessage {
	return s.inbox.responses
}

func (s *TelegramService) SendText(ctx context.Context, to string, body string) error {
	id, err := s.prepare(to)
	if err != nil {
		return err
	}
	return s.client.SendText(ctx, id, body)
}

// SendInteractive renders options as an inline keyboard under the body text.
func (s *TelegramService) SendInteractive(ctx context.Context, to string, in models.Interactive) error {
	id, err := s.prepare(to)
	if err != nil {
		return err
	}
	buttons := make([]telegram.Button, len(in.Options))
	for i, o := range in.Options {
		buttons[i] = telegram.Button{ID: o.ID, Title: o.Title}
	}
	return s.client.SendKeyboard(ctx, id, in.Body, buttons)
}

func (s *TelegramService) SendMedia(ctx context.Context, to string, media models.Media) error {
	id, err := s.prepare(to)
	if err != nil {
		return err
	}
	return s.client.SendPhoto(ctx, id, media.Ref, media.Caption)
}

func (s *TelegramService) prepare(to string) (int64, error) {
	if s.inbox.isStopped() {
		return 0, ErrServiceStopped
	}
	return s.chatID(to)
}
