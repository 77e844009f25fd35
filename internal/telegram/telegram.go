// Package telegram wraps the Telegram Bot API for OrderPipe.
//
// Options are rendered as inline keyboards whose callback data carries the option id.
// Incoming messages and callback queries are delivered as Incoming values.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	// DefaultPollTimeout is the long-poll timeout in seconds for getUpdates.
	DefaultPollTimeout = 30
	// MaxCallbackData is the Bot API limit for callback data, in bytes.
	MaxCallbackData = 64
	// ButtonsPerRow is how many inline buttons share a keyboard row.
	ButtonsPerRow = 2
)

// ErrNoToken is returned when no bot token was supplied.
var ErrNoToken = errors.New("telegram bot token not set")

// Button is one inline keyboard button.
type Button struct {
	ID    string
	Title string
}

// Incoming is a message or button tap received from a chat.
type Incoming struct {
	ID     string
	ChatID int64
	Text   string
	// SelectedID is the callback data of a tapped button.
	SelectedID   string
	LanguageCode string
	Date         time.Time
}

// Sender is implemented by Client and MockClient.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendKeyboard(ctx context.Context, chatID int64, text string, buttons []Button) error
	SendPhoto(ctx context.Context, chatID int64, url, caption string) error
	// Updates streams incoming messages until ctx is cancelled.
	Updates(ctx context.Context) <-chan Incoming
}

// Opts holds configuration options for the Telegram client.
type Opts struct {
	Token       string
	PollTimeout int
}

// Option defines a configuration option for the Telegram client.
type Option func(*Opts)

// WithToken sets the bot token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithPollTimeout sets the getUpdates long-poll timeout in seconds.
func WithPollTimeout(seconds int) Option {
	return func(o *Opts) { o.PollTimeout = seconds }
}

// Client sends and receives through a bot account.
type Client struct {
	bot         *tgbotapi.BotAPI
	pollTimeout int
}

var _ Sender = (*Client)(nil)

// NewClient authenticates the bot. The token falls back to TELEGRAM_BOT_TOKEN.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{PollTimeout: DefaultPollTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if cfg.Token == "" {
		return nil, ErrNoToken
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	slog.Info("Telegram.NewClient: authorized bot", "username", bot.Self.UserName)
	return &Client{bot: bot, pollTimeout: cfg.PollTimeout}, nil
}

// SendText sends a plain message.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	return c.send(tgbotapi.NewMessage(chatID, text), chatID)
}

// SendKeyboard sends text with an inline keyboard, two buttons per row.
func (c *Client) SendKeyboard(ctx context.Context, chatID int64, text string, buttons []Button) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = Keyboard(buttons)
	return c.send(msg, chatID)
}

// SendPhoto sends an image Telegram fetches from url.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, url, caption string) error {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(url))
	photo.Caption = caption
	return c.send(photo, chatID)
}

func (c *Client) send(msg tgbotapi.Chattable, chatID int64) error {
	if _, err := c.bot.Send(msg); err != nil {
		slog.Error("Telegram.send: send failed", "chat_id", chatID, "error", err)
		return fmt.Errorf("failed to send to chat %d: %w", chatID, err)
	}
	slog.Debug("Telegram.send: sent", "chat_id", chatID)
	return nil
}

// Updates long-polls getUpdates and converts messages and callback queries. The
// channel is closed after ctx is cancelled.
func (c *Client) Updates(ctx context.Context) <-chan Incoming {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.pollTimeout
	updates := c.bot.GetUpdatesChan(u)

	out := make(chan Incoming)
	go func() {
		defer close(out)
		defer c.bot.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.CallbackQuery != nil {
					// Acknowledge so the client stops showing a spinner.
					if _, err := c.bot.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "")); err != nil {
						slog.Warn("Telegram.Updates: callback ack failed", "error", err)
					}
				}
				in, ok := FromUpdate(update)
				if !ok {
					continue
				}
				select {
				case out <- in:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Keyboard builds an inline keyboard with ButtonsPerRow buttons per row.
func Keyboard(buttons []Button) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for _, b := range buttons {
		data := b.ID
		if len(data) > MaxCallbackData {
			data = data[:MaxCallbackData]
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Title, data))
		if len(row) == ButtonsPerRow {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// FromUpdate converts a Bot API update. Callback queries carry the tapped button's
// data as SelectedID and its label as Text.
func FromUpdate(update tgbotapi.Update) (Incoming, bool) {
	switch {
	case update.CallbackQuery != nil:
		q := update.CallbackQuery
		if q.Message == nil || q.Message.Chat == nil {
			return Incoming{}, false
		}
		in := Incoming{
			ID:         "cb:" + q.ID,
			ChatID:     q.Message.Chat.ID,
			Text:       buttonTitle(q.Message, q.Data),
			SelectedID: q.Data,
			Date:       time.Now(),
		}
		if q.From != nil {
			in.LanguageCode = q.From.LanguageCode
		}
		return in, true
	case update.Message != nil:
		m := update.Message
		if m.Chat == nil || m.Text == "" {
			return Incoming{}, false
		}
		in := Incoming{
			ID:     strconv.FormatInt(m.Chat.ID, 10) + ":" + strconv.Itoa(m.MessageID),
			ChatID: m.Chat.ID,
			Text:   m.Text,
			Date:   m.Time(),
		}
		if m.From != nil {
			in.LanguageCode = m.From.LanguageCode
		}
		return in, true
	}
	return Incoming{}, false
}

func buttonTitle(msg *tgbotapi.Message, data string) string {
	if msg.ReplyMarkup != nil {
		for _, row := range msg.ReplyMarkup.InlineKeyboard {
			for _, b := range row {
				if b.CallbackData != nil && *b.CallbackData == data {
					return b.Text
				}
			}
		}
	}
	return data
}

// SentMessage records one send on a MockClient.
type SentMessage struct {
	ChatID   int64
	Text     string
	Buttons  []Button
	PhotoURL string
}

// MockClient records sends and replays queued updates (for tests).
type MockClient struct {
	mu       sync.Mutex
	Sent     []SentMessage
	Err      error
	incoming chan Incoming
}

var _ Sender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{incoming: make(chan Incoming, 16)}
}

// Push queues an incoming message for Updates.
func (m *MockClient) Push(in Incoming) {
	m.incoming <- in
}

// Messages returns a copy of the recorded sends.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}

func (m *MockClient) record(msg SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, msg)
	return nil
}

func (m *MockClient) SendText(ctx context.Context, chatID int64, text string) error {
	return m.record(SentMessage{ChatID: chatID, Text: text})
}

func (m *MockClient) SendKeyboard(ctx context.Context, chatID int64, text string, buttons []Button) error {
	return m.record(SentMessage{ChatID: chatID, Text: text, Buttons: buttons})
}

func (m *MockClient) SendPhoto(ctx context.Context, chatID int64, url, caption string) error {
	return m.record(SentMessage{ChatID: chatID, Text: caption, PhotoURL: url})
}

func (m *MockClient) Updates(ctx context.Context) <-chan Incoming {
	out := make(chan Incoming)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case in := <-m.incoming:
				select {
				case out <- in:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
