package store

import (
	"context"
	"log/slog"
	"time"
)

// Outbox sender defaults.
const (
	DefaultOutboxPollInterval = 2 * time.Second
	DefaultOutboxMaxAttempts  = 5
	DefaultOutboxBaseBackoff  = 10 * time.Second
)

// OutboxSendFunc is the callback that performs the actual message send.
// It receives the outbox message and should return an error if sending failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSenderOpts configures an OutboxSender.
type OutboxSenderOpts struct {
	PollInterval time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
}

// OutboxSenderOption mutates OutboxSenderOpts.
type OutboxSenderOption func(*OutboxSenderOpts)

// WithPollInterval sets how often due messages are claimed.
func WithPollInterval(d time.Duration) OutboxSenderOption {
	return func(o *OutboxSenderOpts) { o.PollInterval = d }
}

// WithMaxAttempts sets how many sends are tried before a message is marked failed.
func WithMaxAttempts(n int) OutboxSenderOption {
	return func(o *OutboxSenderOpts) { o.MaxAttempts = n }
}

// WithBaseBackoff sets the delay before the first retry; it doubles on every failure.
func WithBaseBackoff(d time.Duration) OutboxSenderOption {
	return func(o *OutboxSenderOpts) { o.BaseBackoff = d }
}

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	maxAttempts    int
	baseBackoff    time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, opts ...OutboxSenderOption) *OutboxSender {
	cfg := OutboxSenderOpts{
		PollInterval: DefaultOutboxPollInterval,
		MaxAttempts:  DefaultOutboxMaxAttempts,
		BaseBackoff:  DefaultOutboxBaseBackoff,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultOutboxPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultOutboxMaxAttempts
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   cfg.PollInterval,
		maxAttempts:    cfg.MaxAttempts,
		baseBackoff:    cfg.BaseBackoff,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
	}
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages() error {
	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval, "maxAttempts", s.maxAttempts)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll sends every message due now. Run calls it on each tick.
func (s *OutboxSender) Poll(ctx context.Context) {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return
	}

	for _, msg := range msgs {
		slog.Debug("OutboxSender.poll: sending message", "id", msg.ID, "conversation", msg.ConversationID, "kind", msg.Kind)
		err := s.sendFunc(ctx, msg)
		if err == nil {
			if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
				slog.Error("OutboxSender.poll: mark sent error", "id", msg.ID, "error", err)
			}
			continue
		}

		if msg.Attempts+1 >= s.maxAttempts {
			slog.Error("OutboxSender.poll: giving up on message", "id", msg.ID, "conversation", msg.ConversationID,
				"attempts", msg.Attempts+1, "error", err)
			if err := s.repo.GiveUpOutboxMessage(msg.ID, err.Error()); err != nil {
				slog.Error("OutboxSender.poll: give up error", "id", msg.ID, "error", err)
			}
			continue
		}
		// Exponential backoff: base, 2*base, 4*base, ...
		nextAttempt := now.Add(s.baseBackoff * time.Duration(1<<msg.Attempts))
		slog.Warn("OutboxSender.poll: send failed, will retry", "id", msg.ID, "error", err, "nextAttempt", nextAttempt)
		if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), nextAttempt); err != nil {
			slog.Error("OutboxSender.poll: fail message error", "id", msg.ID, "error", err)
		}
	}
}
