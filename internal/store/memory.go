package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

var (
	_ Store     = (*InMemoryStore)(nil)
	_ DedupRepo = (*InMemoryStore)(nil)
)

// InMemoryStore keeps everything in process memory. It is safe for concurrent use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.ConversationSession
	messages map[string][]models.ConversationMessage
	orders   []models.OrderRecord
	inbound  map[string]DedupRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.ConversationSession),
		messages: make(map[string][]models.ConversationMessage),
		inbound:  make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) GetSession(_ context.Context, id string) (models.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.ConversationSession{}, ErrNotFound
	}
	return copySession(sess), nil
}

func (s *InMemoryStore) SaveSession(_ context.Context, sess *models.ConversationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[sess.ID]
	switch {
	case !ok && sess.Version != 0:
		return ErrNotFound
	case ok && stored.Version != sess.Version:
		return ErrVersionConflict
	}
	sess.Version++
	s.sessions[sess.ID] = copySession(*sess)
	return nil
}

func (s *InMemoryStore) ListSessions(_ context.Context, opts ListOptions) ([]models.ConversationSession, error) {
	s.mu.RLock()
	out := make([]models.ConversationSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if opts.PendingOnly && sess.Status != models.StatusPending {
			continue
		}
		out = append(out, copySession(sess))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) MarkSessionRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.UnreadCount = 0
	sess.Version++
	sess.UpdatedAt = time.Now()
	s.sessions[id] = sess
	return nil
}

func (s *InMemoryStore) AddMessage(_ context.Context, m models.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, conversationID string, opts ListOptions) ([]models.ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[len(msgs)-opts.Limit:]
	}
	return append([]models.ConversationMessage(nil), msgs...), nil
}

func (s *InMemoryStore) SaveOrder(_ context.Context, o models.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, o)
	return nil
}

func (s *InMemoryStore) ListOrders(_ context.Context, opts ListOptions) ([]models.OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.OrderRecord, 0, len(s.orders))
	for i := len(s.orders) - 1; i >= 0; i-- {
		out = append(out, s.orders[i])
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, ConversationID: conversationID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}

func (s *InMemoryStore) ForgetInbound(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inbound, messageID)
	return nil
}

// copySession detaches the drafts so callers cannot mutate stored state.
func copySession(s models.ConversationSession) models.ConversationSession {
	s.Metadata.OrderDraft = copyDraft(s.Metadata.OrderDraft)
	s.Metadata.AISlots = copyDraft(s.Metadata.AISlots)
	return s
}

func copyDraft(d *models.OrderDraft) *models.OrderDraft {
	if d == nil {
		return nil
	}
	c := *d
	if d.Addons != nil {
		c.Addons = append([]string{}, d.Addons...)
	}
	return &c
}
