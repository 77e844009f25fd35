// Package cloudapi talks to the WhatsApp Business Cloud API (Graph API) over HTTP.
//
// It sends text, reply buttons, list messages and images by link, and parses the
// webhook payloads Meta posts for incoming messages.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBaseURL is the Graph API root including the version segment.
	DefaultBaseURL = "https://graph.facebook.com/v21.0"
	// DefaultTimeout bounds a single Graph API call.
	DefaultTimeout = 15 * time.Second
)

// ErrNotConfigured is returned when no phone number id or access token is available.
var ErrNotConfigured = errors.New("cloud api credentials not configured")

// Sender is implemented by Client and MockClient.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
	SendButtons(ctx context.Context, to, body string, buttons []Option) error
	SendList(ctx context.Context, to, body, buttonText string, rows []Option) error
	SendImage(ctx context.Context, to, link, caption string) error
}

// Option is one reply button or list row.
type Option struct {
	ID    string
	Title string
}

// Credentials identify the business number messages are sent from.
type Credentials struct {
	PhoneNumberID string
	AccessToken   string
}

// Opts holds configuration options for the Cloud API client.
type Opts struct {
	BaseURL    string
	HTTPClient *http.Client
	// Credentials is consulted on every send so rotated tokens apply without a restart.
	Credentials func() Credentials
}

// ClientOption defines a configuration option for the Cloud API client.
type ClientOption func(*Opts)

// WithBaseURL overrides the Graph API root, mainly for tests.
func WithBaseURL(u string) ClientOption {
	return func(o *Opts) { o.BaseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client used for Graph API calls.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithStaticCredentials uses a fixed phone number id and token.
func WithStaticCredentials(phoneNumberID, accessToken string) ClientOption {
	return func(o *Opts) {
		o.Credentials = func() Credentials { return Credentials{PhoneNumberID: phoneNumberID, AccessToken: accessToken} }
	}
}

// WithCredentialSource reads credentials from fn before each request.
func WithCredentialSource(fn func() Credentials) ClientOption {
	return func(o *Opts) { o.Credentials = fn }
}

// Client sends messages through the Graph API messages endpoint.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	credentials func() Credentials
}

var _ Sender = (*Client)(nil)

// NewClient creates a Cloud API client.
func NewClient(opts ...ClientOption) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Credentials == nil {
		return nil, ErrNotConfigured
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	slog.Debug("CloudAPI.NewClient: client created", "base_url", cfg.BaseURL)
	return &Client{baseURL: cfg.BaseURL, httpClient: cfg.HTTPClient, credentials: cfg.Credentials}, nil
}

type textBody struct {
	Body string `json:"body"`
}

type imageBody struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type replyButton struct {
	Type  string `json:"type"`
	Reply struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reply"`
}

type listRow struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type listSection struct {
	Title string    `json:"title,omitempty"`
	Rows  []listRow `json:"rows"`
}

type interactiveAction struct {
	Buttons  []replyButton `json:"buttons,omitempty"`
	Button   string        `json:"button,omitempty"`
	Sections []listSection `json:"sections,omitempty"`
}

type interactiveBody struct {
	Type   string            `json:"type"`
	Body   textBody          `json:"body"`
	Action interactiveAction `json:"action"`
}

type outgoingMessage struct {
	MessagingProduct string           `json:"messaging_product"`
	RecipientType    string           `json:"recipient_type,omitempty"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             *textBody        `json:"text,omitempty"`
	Image            *imageBody       `json:"image,omitempty"`
	Interactive      *interactiveBody `json:"interactive,omitempty"`
}

// APIError is the error object the Graph API returns on failure.
type APIError struct {
	StatusCode int
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       int    `json:"code"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph api error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	return c.send(ctx, outgoingMessage{To: to, Type: "text", Text: &textBody{Body: body}})
}

// SendButtons sends up to three reply buttons.
func (c *Client) SendButtons(ctx context.Context, to, body string, buttons []Option) error {
	action := interactiveAction{}
	for _, b := range buttons {
		rb := replyButton{Type: "reply"}
		rb.Reply.ID = b.ID
		rb.Reply.Title = b.Title
		action.Buttons = append(action.Buttons, rb)
	}
	return c.send(ctx, outgoingMessage{
		To:          to,
		Type:        "interactive",
		Interactive: &interactiveBody{Type: "button", Body: textBody{Body: body}, Action: action},
	})
}

// SendList sends a single-section list message.
func (c *Client) SendList(ctx context.Context, to, body, buttonText string, rows []Option) error {
	section := listSection{}
	for _, r := range rows {
		section.Rows = append(section.Rows, listRow{ID: r.ID, Title: r.Title})
	}
	return c.send(ctx, outgoingMessage{
		To:   to,
		Type: "interactive",
		Interactive: &interactiveBody{
			Type:   "list",
			Body:   textBody{Body: body},
			Action: interactiveAction{Button: buttonText, Sections: []listSection{section}},
		},
	})
}

// SendImage sends an image the Graph API downloads from link.
func (c *Client) SendImage(ctx context.Context, to, link, caption string) error {
	return c.send(ctx, outgoingMessage{To: to, Type: "image", Image: &imageBody{Link: link, Caption: caption}})
}

func (c *Client) send(ctx context.Context, msg outgoingMessage) error {
	creds := c.credentials()
	if creds.PhoneNumberID == "" || creds.AccessToken == "" {
		return ErrNotConfigured
	}
	msg.MessagingProduct = "whatsapp"
	msg.RecipientType = "individual"

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	url := fmt.Sprintf("%s/%s/messages", c.baseURL, creds.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("CloudAPI.send: request failed", "to", msg.To, "type", msg.Type, "error", err)
		return fmt.Errorf("failed to send %s message to %s: %w", msg.Type, msg.To, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
			apiErr = envelope.Error
			apiErr.StatusCode = resp.StatusCode
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		slog.Error("CloudAPI.send: graph api rejected message", "to", msg.To, "type", msg.Type, "status", resp.StatusCode, "error", apiErr.Message)
		return apiErr
	}
	io.Copy(io.Discard, resp.Body)
	slog.Debug("CloudAPI.send: message sent", "to", msg.To, "type", msg.Type)
	return nil
}

// SentMessage records one call made on a MockClient.
type SentMessage struct {
	Kind       string // text, button, list or image
	To         string
	Body       string
	ButtonText string
	Options    []Option
	Link       string
}

// MockClient records sends instead of calling the Graph API.
type MockClient struct {
	mu   sync.Mutex
	Sent []SentMessage
	// Err, when set, is returned by every send.
	Err error
}

var _ Sender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
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

// Messages returns a copy of the recorded sends.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}

func (m *MockClient) SendText(ctx context.Context, to, body string) error {
	return m.record(SentMessage{Kind: "text", To: to, Body: body})
}

func (m *MockClient) SendButtons(ctx context.Context, to, body string, buttons []Option) error {
	return m.record(SentMessage{Kind: "button", To: to, Body: body, Options: buttons})
}

func (m *MockClient) SendList(ctx context.Context, to, body, buttonText string, rows []Option) error {
	return m.record(SentMessage{Kind: "list", To: to, Body: body, ButtonText: buttonText, Options: rows})
}

func (m *MockClient) SendImage(ctx context.Context, to, link, caption string) error {
	return m.record(SentMessage{Kind: "image", To: to, Link: link, Body: caption})
}
