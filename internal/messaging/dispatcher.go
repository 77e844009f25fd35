package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

// Outbox message kinds.
const (
	KindReply        = "reply"
	KindNotification = "notification"
	KindStaffReply   = "staff_reply"
)

// Outbound is one delivery: optional images, then either native options or text.
// It is the JSON payload stored in the outbox.
type Outbound struct {
	Channel     models.Channel      `json:"channel"`
	To          string              `json:"to"`
	Text        string              `json:"text"`
	Interactive *models.Interactive `json:"interactive,omitempty"`
	Media       []models.Media      `json:"media,omitempty"`
}

// OutboundFromResponse prepares a bot reply for delivery.
func OutboundFromResponse(channel models.Channel, to string, resp models.BotResponse) Outbound {
	return Outbound{Channel: channel, To: to, Text: resp.Reply, Interactive: resp.Interactive, Media: resp.Media}
}

// Dispatcher routes outbound messages to the service registered for their channel.
type Dispatcher struct {
	mu       sync.RWMutex
	services map[models.Channel]Service
}

// NewDispatcher registers services; a later service replaces an earlier one on the same channel.
func NewDispatcher(services ...Service) *Dispatcher {
	d := &Dispatcher{services: make(map[models.Channel]Service)}
	for _, svc := range services {
		d.Register(svc)
	}
	return d
}

// Register adds or replaces the service for its channel.
func (d *Dispatcher) Register(svc Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services[svc.Channel()] = svc
}

// Service returns the service registered for ch.
func (d *Dispatcher) Service(ch models.Channel) (Service, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	svc, ok := d.services[ch]
	return svc, ok
}

// Capabilities returns the render limits of the channel's service. Channels without a
// service render as text only.
func (d *Dispatcher) Capabilities(ch models.Channel) models.Capabilities {
	if ch == models.ChannelWeb {
		return models.WebCapabilities
	}
	if svc, ok := d.Service(ch); ok {
		return svc.Capabilities()
	}
	return models.TextOnlyCapabilities
}

// Send delivers out. Media failures are logged and do not stop the text; a failed
// interactive send falls back to the plain text.
func (d *Dispatcher) Send(ctx context.Context, out Outbound) error {
	svc, ok := d.Service(out.Channel)
	if !ok {
		return fmt.Errorf("%w: no service for channel %q", ErrUnsupportedRecipient, out.Channel)
	}
	to, err := svc.ValidateAndCanonicalizeRecipient(out.To)
	if err != nil {
		return err
	}

	caps := svc.Capabilities()
	if caps.Media {
		for _, m := range out.Media {
			if m.Ref == "" {
				continue
			}
			if err := svc.SendMedia(ctx, to, m); err != nil {
				if errors.Is(err, ErrServiceStopped) {
					return err
				}
				slog.Warn("Dispatcher.Send: media send failed", "channel", out.Channel, "to", to, "error", err)
			}
		}
	}

	if out.Interactive != nil && Fits(caps, *out.Interactive) {
		err := svc.SendInteractive(ctx, to, *out.Interactive)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrServiceStopped) {
			return err
		}
		slog.Warn("Dispatcher.Send: interactive send failed, falling back to text", "channel", out.Channel, "to", to, "error", err)
	}
	if out.Text == "" {
		return nil
	}
	return svc.SendText(ctx, to, out.Text)
}

// Fits reports whether caps can render in natively.
func Fits(caps models.Capabilities, in models.Interactive) bool {
	n := len(in.Options)
	if n == 0 {
		return false
	}
	switch in.Kind {
	case models.InteractiveButtons:
		return n <= caps.MaxButtons
	case models.InteractiveList:
		return n <= caps.MaxListRows
	}
	return false
}

// EncodeOutbound serializes out for the outbox.
func EncodeOutbound(out Outbound) (string, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to encode outbound message: %w", err)
	}
	return string(data), nil
}

// SendOutbox decodes an outbox payload and sends it. It satisfies store.OutboxSendFunc.
func (d *Dispatcher) SendOutbox(ctx context.Context, msg store.OutboxMessage) error {
	var out Outbound
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &out); err != nil {
		return fmt.Errorf("invalid outbox payload %s: %w", msg.ID, err)
	}
	return d.Send(ctx, out)
}
