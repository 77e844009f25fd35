// Package conversation runs one inbound message through the session gate, the dialogue
// engine and the store, and hands the reply to a transport.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/BTreeMap/OrderPipe/internal/engine"
	"github.com/BTreeMap/OrderPipe/internal/messaging"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/nlu"
	"github.com/BTreeMap/OrderPipe/internal/session"
	"github.com/BTreeMap/OrderPipe/internal/settings"
	"github.com/BTreeMap/OrderPipe/internal/store"
	"github.com/BTreeMap/OrderPipe/internal/util"
)

// Processor defaults.
const (
	DefaultHistoryLimit = 20
	DefaultRateInterval = time.Second
	DefaultRateBurst    = 5
	// maxSaveAttempts bounds how often a turn is recomputed after another writer
	// updated the session first.
	maxSaveAttempts = 3
)

// Outcome classifies how an inbound message was handled.
type Outcome string

const (
	OutcomeReplied   Outcome = "replied"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeThrottled Outcome = "throttled"
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomePaused means staff is handling the conversation; no reply was sent.
	OutcomePaused Outcome = "paused"
)

// Result is what HandleInbound did with a message.
type Result struct {
	Outcome  Outcome                    `json:"outcome"`
	Session  models.ConversationSession `json:"session"`
	Response *models.BotResponse        `json:"response,omitempty"`
	// Order is set when the turn confirmed an order.
	Order *models.OrderRecord `json:"order,omitempty"`
}

// ErrEmptyStaffText is returned when an operator sends an empty reply.
var ErrEmptyStaffText = errors.New("staff reply text cannot be empty")

// Opts configures a Processor.
type Opts struct {
	Dispatcher   *messaging.Dispatcher
	Outbox       store.OutboxRepo
	Dedup        store.DedupRepo
	HistoryLimit int
	RateInterval time.Duration
	RateBurst    int
	Clock        func() time.Time
}

// Option mutates Opts.
type Option func(*Opts)

// WithDispatcher sets the transports replies are delivered through.
func WithDispatcher(d *messaging.Dispatcher) Option {
	return func(o *Opts) { o.Dispatcher = d }
}

// WithOutbox queues replies durably instead of sending them inline.
func WithOutbox(repo store.OutboxRepo) Option {
	return func(o *Opts) { o.Outbox = repo }
}

// WithDedup drops redelivered transport messages.
func WithDedup(repo store.DedupRepo) Option {
	return func(o *Opts) { o.Dedup = repo }
}

// WithHistoryLimit sets how many earlier messages the engine sees.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithRateLimit allows burst messages at once and one per interval afterwards, per conversation.
func WithRateLimit(interval time.Duration, burst int) Option {
	return func(o *Opts) {
		o.RateInterval = interval
		o.RateBurst = burst
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Processor serializes turns per conversation. It is safe for concurrent use.
type Processor struct {
	store      store.Store
	engine     *engine.Engine
	settings   *settings.Provider
	dispatcher *messaging.Dispatcher
	outbox     store.OutboxRepo
	dedup      store.DedupRepo
	history    int
	now        func() time.Time
	locks      *keyedMutex
	limiters   *limiterSet
}

// New creates a Processor.
func New(st store.Store, eng *engine.Engine, provider *settings.Provider, opts ...Option) *Processor {
	cfg := Opts{
		HistoryLimit: DefaultHistoryLimit,
		RateInterval: DefaultRateInterval,
		RateBurst:    DefaultRateBurst,
		Clock:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = messaging.NewDispatcher()
	}
	var limit rate.Limit = rate.Inf
	if cfg.RateInterval > 0 {
		limit = rate.Every(cfg.RateInterval)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = DefaultRateBurst
	}
	return &Processor{
		store:      st,
		engine:     eng,
		settings:   provider,
		dispatcher: cfg.Dispatcher,
		outbox:     cfg.Outbox,
		dedup:      cfg.Dedup,
		history:    cfg.HistoryLimit,
		now:        cfg.Clock,
		locks:      newKeyedMutex(),
		limiters:   newLimiterSet(limit, cfg.RateBurst),
	}
}

// HandleMessage adapts HandleInbound to messaging.InboundFunc.
func (p *Processor) HandleMessage(ctx context.Context, msg models.InboundMessage) error {
	_, err := p.HandleInbound(ctx, msg)
	return err
}

// HandleInbound processes one user message end to end.
func (p *Processor) HandleInbound(ctx context.Context, msg models.InboundMessage) (Result, error) {
	if err := msg.Validate(); err != nil {
		if errors.Is(err, models.ErrEmptyText) {
			return Result{Outcome: OutcomeIgnored}, nil
		}
		return Result{}, err
	}
	convID := msg.ConversationID()
	now := p.now()
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}

	// Paused conversations are exempt, so the verdict is applied after the session gate.
	allowed := p.limiters.allow(convID, now)

	if msg.MessageID != "" && p.dedup != nil {
		fresh, err := p.dedup.RecordInbound(msg.MessageID, convID)
		if err != nil {
			return Result{}, fmt.Errorf("failed to record inbound message: %w", err)
		}
		if !fresh {
			slog.Info("Processor.HandleInbound: duplicate message dropped", "conversation", convID, "message_id", msg.MessageID)
			return Result{Outcome: OutcomeDuplicate}, nil
		}
	}

	unlock := p.locks.lock(convID)
	defer unlock()

	res, err := p.turn(ctx, msg, convID, allowed)
	if err == nil && res.Outcome == OutcomeThrottled {
		slog.Warn("Processor.HandleInbound: rate limited", "conversation", convID)
		if msg.MessageID != "" && p.dedup != nil {
			if ferr := p.dedup.ForgetInbound(msg.MessageID); ferr != nil {
				slog.Error("Processor.HandleInbound: failed to forget inbound message", "message_id", msg.MessageID, "error", ferr)
			}
		}
		return res, nil
	}
	if err != nil {
		if msg.MessageID != "" && p.dedup != nil {
			if ferr := p.dedup.ForgetInbound(msg.MessageID); ferr != nil {
				slog.Error("Processor.HandleInbound: failed to forget inbound message", "message_id", msg.MessageID, "error", ferr)
			}
		}
		return Result{}, err
	}
	if msg.MessageID != "" && p.dedup != nil {
		if err := p.dedup.MarkProcessed(msg.MessageID); err != nil {
			slog.Warn("Processor.HandleInbound: failed to mark message processed", "message_id", msg.MessageID, "error", err)
		}
	}

	var deliverErr error
	if res.Outcome == OutcomeReplied && msg.Channel != models.ChannelWeb {
		out := messaging.OutboundFromResponse(msg.Channel, msg.From, *res.Response)
		if err := p.deliver(ctx, convID, messaging.KindReply, dedupeKey(convID, msg.MessageID), out); err != nil {
			// The turn is stored; only the transport failed.
			slog.Error("Processor.HandleInbound: reply delivery failed", "conversation", convID, "error", err)
			deliverErr = fmt.Errorf("failed to deliver reply: %w", err)
		}
	}
	if res.Order != nil {
		p.notifyStaff(ctx, *res.Order)
	}
	return res, deliverErr
}

// turn loads, decides and saves. A version conflict recomputes the turn on the newer session.
func (p *Processor) turn(ctx context.Context, msg models.InboundMessage, convID string, allowed bool) (Result, error) {
	for attempt := 1; ; attempt++ {
		res, err := p.tryTurn(ctx, msg, convID, allowed)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= maxSaveAttempts {
			return Result{}, err
		}
		slog.Warn("Processor.turn: session changed concurrently, retrying", "conversation", convID, "attempt", attempt)
	}
}

// tryTurn runs one attempt. allowed is the rate limiter's verdict, which only applies to
// conversations that are not paused.
func (p *Processor) tryTurn(ctx context.Context, msg models.InboundMessage, convID string, allowed bool) (Result, error) {
	now := p.now()
	cfg := p.settings.Current()

	sess, err := p.loadSession(ctx, msg, convID, now)
	if err != nil {
		return Result{}, err
	}

	policy := policyFor(cfg)
	verdict := policy.Prepare(&sess, now)
	if verdict.Paused {
		session.RecordPaused(&sess, msg.Text, now)
		if err := p.store.SaveSession(ctx, &sess); err != nil {
			return Result{}, fmt.Errorf("failed to save paused session: %w", err)
		}
		p.addMessage(ctx, models.ConversationMessage{
			ConversationID: convID, From: models.AuthorUser, Text: msg.Text, Paused: true, CreatedAt: now,
		})
		slog.Info("Processor.tryTurn: conversation paused for staff", "conversation", convID, "unread", sess.UnreadCount)
		return Result{Outcome: OutcomePaused, Session: sess}, nil
	}
	if !allowed {
		return Result{Outcome: OutcomeThrottled}, nil
	}
	if verdict.TimedOut {
		slog.Debug("Processor.tryTurn: conversation memory reset after inactivity", "conversation", convID)
	}

	history, err := p.loadHistory(ctx, convID)
	if err != nil {
		return Result{}, err
	}

	resp := p.engine.Decide(ctx, engine.Turn{
		Message:      msg,
		Session:      sess,
		History:      history,
		Capabilities: p.dispatcher.Capabilities(msg.Channel),
		Settings:     cfg,
	})
	if resp.Meta.DanglingTarget != "" {
		slog.Warn("Processor.tryTurn: flow option points to a missing node", "conversation", convID, "target", resp.Meta.DanglingTarget)
	}

	wasConfirmed := sess.Metadata.OrderDraft.IsConfirmed()
	session.ApplyTurn(&sess, resp, msg.Text, now)

	var order *models.OrderRecord
	if !wasConfirmed && resp.Meta.OrderDraft.IsConfirmed() {
		draft := *resp.Meta.OrderDraft
		total := draft.Total
		if total == 0 {
			total = p.engine.Responder().Total(&draft)
		}
		order = &models.OrderRecord{
			Reference:      util.GenerateOrderReference(),
			ConversationID: convID,
			Draft:          draft,
			Total:          total,
			CreatedAt:      now,
		}
		sess.Metadata.LastOrderRef = order.Reference
	}

	if err := p.store.SaveSession(ctx, &sess); err != nil {
		return Result{}, fmt.Errorf("failed to save session: %w", err)
	}

	res := Result{Outcome: OutcomeReplied, Session: sess, Response: &resp}
	if order != nil {
		if err := p.store.SaveOrder(ctx, *order); err != nil {
			slog.Error("Processor.tryTurn: failed to save order", "conversation", convID, "reference", order.Reference, "error", err)
		} else {
			res.Order = order
			slog.Info("Processor.tryTurn: order confirmed", "conversation", convID, "reference", order.Reference, "total", order.Total)
		}
	}

	p.addMessage(ctx, models.ConversationMessage{
		ConversationID: convID, From: models.AuthorUser, Text: msg.Text, IntentID: resp.Intent.ID, CreatedAt: now,
	})
	p.addMessage(ctx, models.ConversationMessage{
		ConversationID: convID, From: models.AuthorBot, Text: resp.Reply, IntentID: resp.Intent.ID, CreatedAt: now,
	})
	slog.Debug("Processor.tryTurn: turn complete", "conversation", convID, "intent", resp.Intent.ID,
		"state", sess.State, "needs_human", sess.NeedsHuman)
	return res, nil
}

func (p *Processor) loadSession(ctx context.Context, msg models.InboundMessage, convID string, now time.Time) (models.ConversationSession, error) {
	sess, err := p.store.GetSession(ctx, convID)
	if errors.Is(err, store.ErrNotFound) {
		return models.NewConversationSession(msg.Channel, msg.From, now), nil
	}
	if err != nil {
		return models.ConversationSession{}, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

func (p *Processor) loadHistory(ctx context.Context, convID string) ([]nlu.HistoryEntry, error) {
	if p.history <= 0 {
		return nil, nil
	}
	msgs, err := p.store.ListMessages(ctx, convID, store.ListOptions{Limit: p.history})
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	out := make([]nlu.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, nlu.HistoryEntry{From: m.From, Text: m.Text})
	}
	return out, nil
}

// addMessage records a transcript line. A failure loses the line but not the turn.
func (p *Processor) addMessage(ctx context.Context, m models.ConversationMessage) {
	m.ID = uuid.NewString()
	if err := p.store.AddMessage(ctx, m); err != nil {
		slog.Error("Processor.addMessage: failed to record message", "conversation", m.ConversationID, "from", m.From, "error", err)
	}
}

// deliver queues out in the outbox when one is configured, else sends it now.
func (p *Processor) deliver(ctx context.Context, convID, kind, key string, out messaging.Outbound) error {
	if p.outbox != nil {
		payload, err := messaging.EncodeOutbound(out)
		if err != nil {
			return err
		}
		id, err := p.outbox.EnqueueOutboxMessage(convID, kind, payload, key)
		if err != nil {
			return fmt.Errorf("failed to enqueue %s: %w", kind, err)
		}
		slog.Debug("Processor.deliver: queued", "conversation", convID, "kind", kind, "outbox_id", id)
		return nil
	}
	return p.dispatcher.Send(ctx, out)
}

// notifyStaff tells every notification phone about a confirmed order.
func (p *Processor) notifyStaff(ctx context.Context, order models.OrderRecord) {
	phones := p.settings.Current().WhatsApp.NotificationPhones
	if len(phones) == 0 {
		return
	}
	text := fmt.Sprintf("🔔 Nuevo pedido %s\nCliente: %s\n\n%s",
		order.Reference, order.ConversationID, p.engine.Responder().Summary(&order.Draft))
	for _, phone := range phones {
		out := messaging.Outbound{Channel: models.ChannelWhatsApp, To: phone, Text: text}
		key := "notify:" + order.Reference + ":" + phone
		if err := p.deliver(ctx, order.ConversationID, messaging.KindNotification, key, out); err != nil {
			slog.Error("Processor.notifyStaff: notification failed", "reference", order.Reference, "phone", phone, "error", err)
		}
	}
}

// StaffReply sends an operator message. It starts the pause window, so the bot stays
// quiet while staff is talking.
func (p *Processor) StaffReply(ctx context.Context, convID, text string) (models.ConversationSession, error) {
	if text == "" {
		return models.ConversationSession{}, ErrEmptyStaffText
	}
	if len(text) > models.MaxMessageTextLength {
		return models.ConversationSession{}, models.ErrTextTooLong
	}
	channel, user, err := models.ParseConversationID(convID)
	if err != nil {
		return models.ConversationSession{}, err
	}

	unlock := p.locks.lock(convID)
	defer unlock()

	sess, err := p.store.GetSession(ctx, convID)
	if err != nil {
		return models.ConversationSession{}, err
	}
	if channel != models.ChannelWeb {
		key := "staff:" + convID + ":" + uuid.NewString()
		if err := p.deliver(ctx, convID, messaging.KindStaffReply, key, messaging.Outbound{Channel: channel, To: user, Text: text}); err != nil {
			return models.ConversationSession{}, fmt.Errorf("failed to deliver staff reply: %w", err)
		}
	}

	now := p.now()
	session.ApplyStaffReply(&sess, text, now)
	if err := p.store.SaveSession(ctx, &sess); err != nil {
		return models.ConversationSession{}, fmt.Errorf("failed to save session: %w", err)
	}
	p.addMessage(ctx, models.ConversationMessage{ConversationID: convID, From: models.AuthorStaff, Text: text, CreatedAt: now})
	slog.Info("Processor.StaffReply: staff replied", "conversation", convID)
	return sess, nil
}

// Reset clears the conversation memory and hands it back to the bot.
func (p *Processor) Reset(ctx context.Context, convID string) (models.ConversationSession, error) {
	unlock := p.locks.lock(convID)
	defer unlock()

	sess, err := p.store.GetSession(ctx, convID)
	if err != nil {
		return models.ConversationSession{}, err
	}
	session.Reset(&sess, p.now())
	if err := p.store.SaveSession(ctx, &sess); err != nil {
		return models.ConversationSession{}, fmt.Errorf("failed to save session: %w", err)
	}
	slog.Info("Processor.Reset: conversation reset", "conversation", convID)
	return sess, nil
}

// MarkRead clears the unread counter.
func (p *Processor) MarkRead(ctx context.Context, convID string) error {
	unlock := p.locks.lock(convID)
	defer unlock()
	return p.store.MarkSessionRead(ctx, convID)
}

func policyFor(cfg *settings.Settings) session.Policy {
	policy := session.DefaultPolicy()
	if cfg.Session.InactivityTimeout > 0 {
		policy.InactivityTimeout = cfg.Session.InactivityTimeout
	}
	if cfg.Session.PauseWindow > 0 {
		policy.PauseWindow = cfg.Session.PauseWindow
	}
	return policy
}

func dedupeKey(convID, messageID string) string {
	if messageID == "" {
		return ""
	}
	return "reply:" + convID + ":" + messageID
}
