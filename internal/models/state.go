// Package models defines conversation session structures for OrderPipe.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionState tags the conversational mode; the empty value means no active state.
type SessionState string

const (
	StateNone                   SessionState = ""
	StateIdle                   SessionState = "idle"
	StateAwaitingMenuSelection  SessionState = "awaiting_menu_selection"
	StateCollectingOrderDetails SessionState = "collecting_order_details"
	StateHandoffRequested       SessionState = "handoff_requested"
	StateEnded                  SessionState = "ended"
)

// SessionStatus is what the operator panel shows for a conversation.
type SessionStatus string

const (
	StatusOpen    SessionStatus = "open"
	StatusPending SessionStatus = "pending" // waiting for a human
)

// MetadataSchemaVersion is the current layout of SessionMetadata.
//
// Version 1 stored the flow position under "currentFlowId".
const MetadataSchemaVersion = 2

// SessionMetadata is the carried-forward memory of a conversation.
type SessionMetadata struct {
	SchemaVersion     int         `json:"schemaVersion"`
	CurrentFlowNodeID string      `json:"currentFlowNodeId,omitempty"`
	OrderDraft        *OrderDraft `json:"orderDraft,omitempty"`
	AISlots           *OrderDraft `json:"aiSlots,omitempty"`
	LastOrderRef      string      `json:"lastOrderRef,omitempty"`
}

// DecodeSessionMetadata parses stored metadata, upgrading older layouts.
func DecodeSessionMetadata(raw []byte) (SessionMetadata, error) {
	if len(raw) == 0 {
		return SessionMetadata{SchemaVersion: MetadataSchemaVersion}, nil
	}
	var stored struct {
		SessionMetadata
		LegacyFlowID string `json:"currentFlowId"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return SessionMetadata{}, fmt.Errorf("failed to decode session metadata: %w", err)
	}
	meta := stored.SessionMetadata
	if meta.SchemaVersion < 2 && meta.CurrentFlowNodeID == "" {
		meta.CurrentFlowNodeID = stored.LegacyFlowID
	}
	meta.SchemaVersion = MetadataSchemaVersion
	return meta, nil
}

// Encode serializes the metadata at the current schema version.
func (m SessionMetadata) Encode() ([]byte, error) {
	m.SchemaVersion = MetadataSchemaVersion
	return json.Marshal(m)
}

// ConversationSession is the per-conversation state read and written once per turn.
type ConversationSession struct {
	ID                 string          `json:"id"`
	Channel            Channel         `json:"channel"`
	UserID             string          `json:"user_id"`
	State              SessionState    `json:"state"`
	Metadata           SessionMetadata `json:"metadata"`
	LastMessageAt      time.Time       `json:"last_message_at"`
	LastStaffMessageAt time.Time       `json:"last_staff_message_at"`
	LastMessageText    string          `json:"last_message_text,omitempty"`
	NeedsHuman         bool            `json:"needs_human"`
	Status             SessionStatus   `json:"status"`
	UnreadCount        int             `json:"unread_count"`
	// Version increases on every write; stores reject writes carrying a stale version.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewConversationSession returns the default session for a first message.
func NewConversationSession(ch Channel, userID string, now time.Time) ConversationSession {
	return ConversationSession{
		ID:        ConversationID(ch, userID),
		Channel:   ch,
		UserID:    userID,
		Metadata:  SessionMetadata{SchemaVersion: MetadataSchemaVersion},
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// FlowNodeID returns the current node, or root when none is stored.
func (s ConversationSession) FlowNodeID(root string) string {
	if s.Metadata.CurrentFlowNodeID == "" {
		return root
	}
	return s.Metadata.CurrentFlowNodeID
}

// ClearMemory drops the order draft, the AI slots and the state.
func (s *ConversationSession) ClearMemory() {
	s.State = StateNone
	s.Metadata.OrderDraft = nil
	s.Metadata.AISlots = nil
}
