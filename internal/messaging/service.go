// Package messaging connects the assistant to chat transports. Each Service sends
// replies over one channel and streams the channel's incoming messages.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// MinPhoneDigits is the shortest phone number accepted as a recipient.
	MinPhoneDigits = 6
)

var (
	// ErrServiceStopped is returned when sending through a stopped service.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrUnsupportedRecipient is returned when a recipient cannot be addressed on a channel.
	ErrUnsupportedRecipient = errors.New("unsupported recipient")
	// ErrInteractiveUnsupported is returned by services that cannot render buttons or lists.
	ErrInteractiveUnsupported = errors.New("interactive messages not supported")
)

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// Channel is the conversation channel this service serves.
	Channel() models.Channel

	// Capabilities describes what the transport renders natively.
	Capabilities() models.Capabilities

	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a plain text message.
	SendText(ctx context.Context, to string, body string) error

	// SendInteractive sends native buttons or a list.
	SendInteractive(ctx context.Context, to string, in models.Interactive) error

	// SendMedia sends an image by public URL.
	SendMedia(ctx context.Context, to string, media models.Media) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the Responses channel.
	Stop() error

	// Responses returns a channel of incoming user messages.
	Responses() <-chan models.InboundMessage
}

// canonicalPhone strips formatting from a phone number and checks its length.
func canonicalPhone(service, recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("%w: recipient cannot be empty", ErrUnsupportedRecipient)
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits found in recipient %q", ErrUnsupportedRecipient, recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("%w: %q is too short (minimum %d digits required)", ErrUnsupportedRecipient, canonical, MinPhoneDigits)
	}
	if canonical != recipient {
		slog.Debug(service+".ValidateAndCanonicalizeRecipient: canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// inbox owns a service's Responses channel. Emits hold the read lock for the whole
// send so close never races a pending send.
type inbox struct {
	name      string
	responses chan models.InboundMessage
	mu        sync.RWMutex
	stopped   bool
}

func newInbox(name string) *inbox {
	return &inbox{name: name, responses: make(chan models.InboundMessage, DefaultChannelBufferSize)}
}

// emit pushes msg, dropping it when the service is stopped or the channel stays full
// for DefaultChannelTimeout.
func (b *inbox) emit(msg models.InboundMessage) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(b.name+".emit: dropping inbound message (service stopped)", "from", msg.From)
		return false
	}
	select {
	case b.responses <- msg:
		slog.Debug(b.name+".emit: emitted inbound message", "from", msg.From, "message_id", msg.MessageID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+".emit: responses channel blocked, dropping message", "from", msg.From)
		return false
	}
}

// close stops the inbox and closes the channel once. It reports whether this call
// did the closing.
func (b *inbox) close() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.stopped = true
	close(b.responses)
	return true
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}
