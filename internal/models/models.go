// Package models defines the core data structures for OrderPipe.
//
// It includes the conversation session, the flow graph, intents, order drafts and the
// engine's response contract, which are shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Validation constants for inbound and staff messages.
const (
	// MaxMessageTextLength is the longest inbound or staff text accepted.
	MaxMessageTextLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptyText           = errors.New("message text cannot be empty")
	ErrTextTooLong         = errors.New("message text exceeds maximum length")
	ErrEmptyConversationID = errors.New("conversation id cannot be empty")
	ErrUnknownChannel      = errors.New("unknown channel")
)

// Channel identifies where a conversation takes place.
type Channel string

const (
	// ChannelWhatsApp covers every WhatsApp transport (Cloud API, WhatsApp Web, Twilio).
	ChannelWhatsApp Channel = "whatsapp"
	// ChannelTelegram is a Telegram bot chat.
	ChannelTelegram Channel = "telegram"
	// ChannelWeb is the synchronous web widget served by the HTTP API.
	ChannelWeb Channel = "web"
)

var channelPrefixes = map[Channel]string{
	ChannelWhatsApp: "wa",
	ChannelTelegram: "tg",
	ChannelWeb:      "web",
}

// IsValid reports whether c is a known channel.
func (c Channel) IsValid() bool {
	_, ok := channelPrefixes[c]
	return ok
}

// ConversationID builds the stable session key for a user on a channel, e.g. "wa:56911112222".
func ConversationID(c Channel, userID string) string {
	return channelPrefixes[c] + ":" + userID
}

// ParseConversationID splits a session key into its channel and user address.
func ParseConversationID(id string) (Channel, string, error) {
	prefix, user, ok := strings.Cut(id, ":")
	if !ok || user == "" {
		return "", "", ErrEmptyConversationID
	}
	for ch, p := range channelPrefixes {
		if p == prefix {
			return ch, user, nil
		}
	}
	return "", "", ErrUnknownChannel
}

// InboundMessage is a user message received from any transport.
type InboundMessage struct {
	MessageID string    `json:"message_id,omitempty"` // transport message id, used for deduplication
	Channel   Channel   `json:"channel"`
	From      string    `json:"from"` // canonical user address on the channel
	Text      string    `json:"text"`
	// SelectedOptionID is set when the user tapped a button or list row.
	SelectedOptionID string    `json:"selected_option_id,omitempty"`
	Locale           string    `json:"locale,omitempty"`
	ReceivedAt       time.Time `json:"received_at"`
}

// ConversationID returns the session key for the message sender.
func (m InboundMessage) ConversationID() string {
	return ConversationID(m.Channel, m.From)
}

// Validate checks the message before it reaches the dialogue engine.
func (m InboundMessage) Validate() error {
	if !m.Channel.IsValid() {
		return ErrUnknownChannel
	}
	if strings.TrimSpace(m.From) == "" {
		return ErrEmptyConversationID
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyText
	}
	if len(m.Text) > MaxMessageTextLength {
		return ErrTextTooLong
	}
	return nil
}

// MessageAuthor says who wrote a conversation message.
type MessageAuthor string

const (
	AuthorUser  MessageAuthor = "user"
	AuthorBot   MessageAuthor = "bot"
	AuthorStaff MessageAuthor = "staff"
)

// ConversationMessage is one line of a conversation's history as shown to operators.
type ConversationMessage struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	From           MessageAuthor `json:"from"`
	Text           string        `json:"text"`
	IntentID       IntentKind    `json:"intent_id,omitempty"`
	Paused         bool          `json:"paused,omitempty"` // received while a human was handling the chat
	CreatedAt      time.Time     `json:"created_at"`
}

// OrderRecord is a confirmed order captured from a conversation.
type OrderRecord struct {
	Reference      string     `json:"reference"`
	ConversationID string     `json:"conversation_id"`
	Draft          OrderDraft `json:"draft"`
	Total          int        `json:"total"`
	CreatedAt      time.Time  `json:"created_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusIgnored indicates the request was accepted but intentionally not processed.
	APIStatusIgnored APIStatus = "ignored"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}

// Ignored creates a response for requests that were accepted but skipped, e.g. duplicates.
func Ignored(reason string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusIgnored).WithMessage(reason).Build()
}
