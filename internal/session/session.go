// Package session holds the lifecycle rules around a dialogue turn: the human-handoff
// pause, the inactivity timeout and how a turn's decision is written back.
package session

import (
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

const (
	DefaultInactivityTimeout = 5 * time.Minute
	DefaultPauseWindow       = 30 * time.Minute
)

// Policy holds the lifecycle tunables.
type Policy struct {
	InactivityTimeout time.Duration
	PauseWindow       time.Duration
}

// DefaultPolicy returns the default tunables.
func DefaultPolicy() Policy {
	return Policy{InactivityTimeout: DefaultInactivityTimeout, PauseWindow: DefaultPauseWindow}
}

// Verdict is what the gate decided before the engine runs.
type Verdict struct {
	// Paused means a human is handling the conversation and the engine must not run.
	Paused bool
	// TimedOut means the conversation memory was reset for inactivity.
	TimedOut bool
}

// IsPaused reports whether staff wrote within the pause window.
func (p Policy) IsPaused(s *models.ConversationSession, now time.Time) bool {
	if s.LastStaffMessageAt.IsZero() || p.PauseWindow <= 0 {
		return false
	}
	return now.Sub(s.LastStaffMessageAt) < p.PauseWindow
}

// IsExpired reports whether the previous message is older than the inactivity timeout.
func (p Policy) IsExpired(s *models.ConversationSession, now time.Time) bool {
	if s.LastMessageAt.IsZero() || p.InactivityTimeout <= 0 {
		return false
	}
	return now.Sub(s.LastMessageAt) > p.InactivityTimeout
}

// Prepare evaluates the pause first and the timeout second. On timeout the state, order
// draft and AI slots are cleared in place; the flow position is kept.
func (p Policy) Prepare(s *models.ConversationSession, now time.Time) Verdict {
	if p.IsPaused(s, now) {
		return Verdict{Paused: true}
	}
	if p.IsExpired(s, now) {
		s.ClearMemory()
		return Verdict{TimedOut: true}
	}
	return Verdict{}
}

// RecordPaused notes an inbound message that arrived while staff is in charge.
func RecordPaused(s *models.ConversationSession, text string, now time.Time) {
	s.UnreadCount++
	s.LastMessageAt = now
	s.LastMessageText = text
	s.UpdatedAt = now
}

// ApplyTurn writes a turn's decision into the session.
func ApplyTurn(s *models.ConversationSession, resp models.BotResponse, text string, now time.Time) {
	if resp.Meta.FlowNodeID != "" {
		s.Metadata.CurrentFlowNodeID = resp.Meta.FlowNodeID
	}
	if resp.Meta.OrderDraft != nil {
		d := *resp.Meta.OrderDraft
		s.Metadata.OrderDraft = &d
	}
	if resp.Meta.AISlots != nil {
		d := *resp.Meta.AISlots
		s.Metadata.AISlots = &d
	}
	if resp.NextState != models.StateNone {
		s.State = resp.NextState
	}
	if resp.ShouldClearMemory {
		s.ClearMemory()
	}

	s.NeedsHuman = resp.NeedsHuman
	if resp.NeedsHuman {
		s.Status = models.StatusPending
		s.UnreadCount++
	} else {
		s.Status = models.StatusOpen
	}
	s.LastMessageAt = now
	s.LastMessageText = text
	s.UpdatedAt = now
}

// ApplyStaffReply marks a message sent by an operator. It starts the pause window and
// clears the unread counter.
func ApplyStaffReply(s *models.ConversationSession, text string, now time.Time) {
	s.LastStaffMessageAt = now
	s.LastMessageText = text
	s.UnreadCount = 0
	s.UpdatedAt = now
}

// MarkRead clears the unread counter.
func MarkRead(s *models.ConversationSession, now time.Time) {
	s.UnreadCount = 0
	s.UpdatedAt = now
}

// Reset returns the conversation to the state of a first contact and hands it back to
// the bot.
func Reset(s *models.ConversationSession, now time.Time) {
	s.ClearMemory()
	s.Metadata.CurrentFlowNodeID = ""
	s.NeedsHuman = false
	s.Status = models.StatusOpen
	s.LastStaffMessageAt = time.Time{}
	s.UpdatedAt = now
}
