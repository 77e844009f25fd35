package session

import (
	"testing"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

var base = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func sessionWithDraft() models.ConversationSession {
	s := models.NewConversationSession(models.ChannelWhatsApp, "56911112222", base)
	s.State = models.StateCollectingOrderDetails
	s.Metadata.CurrentFlowNodeID = "node_1"
	s.Metadata.OrderDraft = &models.OrderDraft{Producto: models.Str("Torta Alpina")}
	s.Metadata.AISlots = &models.OrderDraft{Tamano: models.Str("grande")}
	return s
}

func TestPrepareTimeout(t *testing.T) {
	p := DefaultPolicy()
	s := sessionWithDraft()
	s.LastMessageAt = base

	if v := p.Prepare(&s, base.Add(4*time.Minute)); v.TimedOut || v.Paused {
		t.Fatalf("4m later: %+v, want no reset", v)
	}
	if s.Metadata.OrderDraft == nil {
		t.Fatal("draft cleared before the timeout")
	}

	v := p.Prepare(&s, base.Add(6*time.Minute))
	if !v.TimedOut {
		t.Fatalf("6m later: %+v, want timeout", v)
	}
	if s.State != models.StateNone || s.Metadata.OrderDraft != nil || s.Metadata.AISlots != nil {
		t.Errorf("timeout left memory behind: %+v", s)
	}
	if s.Metadata.CurrentFlowNodeID != "node_1" {
		t.Errorf("timeout must keep the flow position, got %q", s.Metadata.CurrentFlowNodeID)
	}
}

func TestPreparePauseWinsOverTimeout(t *testing.T) {
	p := DefaultPolicy()
	s := sessionWithDraft()
	s.LastMessageAt = base.Add(-time.Hour)
	s.LastStaffMessageAt = base.Add(-10 * time.Minute)

	v := p.Prepare(&s, base)
	if !v.Paused || v.TimedOut {
		t.Fatalf("verdict = %+v, want paused only", v)
	}
	if s.Metadata.OrderDraft == nil {
		t.Error("a paused turn must not touch the memory")
	}

	if v := p.Prepare(&s, base.Add(25*time.Minute)); v.Paused {
		t.Error("pause should expire 30m after the last staff message")
	}
}

func TestFirstContactIsNeitherPausedNorExpired(t *testing.T) {
	s := models.NewConversationSession(models.ChannelTelegram, "42", base)
	if v := DefaultPolicy().Prepare(&s, base); v.Paused || v.TimedOut {
		t.Errorf("verdict = %+v", v)
	}
}

func TestRecordPaused(t *testing.T) {
	s := sessionWithDraft()
	RecordPaused(&s, "hola?", base)
	RecordPaused(&s, "sigues ahí?", base.Add(time.Minute))
	if s.UnreadCount != 2 || s.LastMessageText != "sigues ahí?" || !s.LastMessageAt.Equal(base.Add(time.Minute)) {
		t.Errorf("unexpected session %+v", s)
	}
}

func TestApplyTurn(t *testing.T) {
	s := sessionWithDraft()
	draft := &models.OrderDraft{Producto: models.Str("Torta Alpina"), TamanoID: models.Str("md")}
	ApplyTurn(&s, models.BotResponse{
		NextState:  models.StateHandoffRequested,
		NeedsHuman: true,
		Meta:       models.ResponseMeta{FlowNodeID: "welcome", OrderDraft: draft},
	}, "si", base)

	if s.State != models.StateHandoffRequested || s.Metadata.CurrentFlowNodeID != "welcome" {
		t.Errorf("state/node = %q/%q", s.State, s.Metadata.CurrentFlowNodeID)
	}
	if s.Status != models.StatusPending || !s.NeedsHuman || s.UnreadCount != 1 {
		t.Errorf("handoff fields = %v %q %d", s.NeedsHuman, s.Status, s.UnreadCount)
	}
	if models.Deref(s.Metadata.OrderDraft.TamanoID) != "md" {
		t.Error("draft not written")
	}
	if s.Metadata.AISlots == nil {
		t.Error("slots absent from the response must be kept")
	}
	if s.LastMessageText != "si" || !s.LastMessageAt.Equal(base) {
		t.Errorf("last message = %q at %v", s.LastMessageText, s.LastMessageAt)
	}

	ApplyTurn(&s, models.BotResponse{Reply: "ok"}, "gracias", base.Add(time.Minute))
	if s.State != models.StateHandoffRequested {
		t.Errorf("empty next state must keep %q, got %q", models.StateHandoffRequested, s.State)
	}
	if s.Status != models.StatusOpen || s.NeedsHuman {
		t.Errorf("status = %q needsHuman = %v", s.Status, s.NeedsHuman)
	}
}

func TestApplyTurnClearMemory(t *testing.T) {
	s := sessionWithDraft()
	ApplyTurn(&s, models.BotResponse{
		NextState:         models.StateIdle,
		ShouldClearMemory: true,
		Meta:              models.ResponseMeta{FlowNodeID: "node_2", OrderDraft: &models.OrderDraft{}},
	}, "chao", base)
	if s.State != models.StateNone || s.Metadata.OrderDraft != nil || s.Metadata.AISlots != nil {
		t.Errorf("memory not cleared: %+v", s)
	}
	if s.Metadata.CurrentFlowNodeID != "node_2" {
		t.Errorf("node = %q", s.Metadata.CurrentFlowNodeID)
	}
}

func TestStaffOperations(t *testing.T) {
	p := DefaultPolicy()
	s := sessionWithDraft()
	s.UnreadCount = 3

	ApplyStaffReply(&s, "Hola, te ayudo yo", base)
	if s.UnreadCount != 0 || !s.LastStaffMessageAt.Equal(base) {
		t.Errorf("staff reply fields: %+v", s)
	}
	if !p.IsPaused(&s, base.Add(time.Minute)) {
		t.Error("staff reply should pause the bot")
	}

	s.UnreadCount = 2
	MarkRead(&s, base)
	if s.UnreadCount != 0 {
		t.Errorf("unread = %d", s.UnreadCount)
	}

	s.NeedsHuman, s.Status = true, models.StatusPending
	Reset(&s, base)
	if p.IsPaused(&s, base.Add(time.Minute)) {
		t.Error("reset should hand the conversation back to the bot")
	}
	if s.State != models.StateNone || s.Metadata.CurrentFlowNodeID != "" || s.Metadata.OrderDraft != nil || s.NeedsHuman || s.Status != models.StatusOpen {
		t.Errorf("reset left state behind: %+v", s)
	}
}
