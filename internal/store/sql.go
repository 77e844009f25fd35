package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// sqlBackend implements Store over database/sql. Queries are written with "?" placeholders
// and rebound for drivers that number them.
type sqlBackend struct {
	db       *sql.DB
	name     string // used in log messages
	numbered bool   // $1-style placeholders
}

// bind rewrites "?" placeholders for numbered drivers.
func (b *sqlBackend) bind(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

const sessionColumns = `id, channel, user_id, state, metadata, last_message_at, last_staff_message_at,
	last_message_text, needs_human, status, unread_count, version, created_at, updated_at`

func (b *sqlBackend) GetSession(ctx context.Context, id string) (models.ConversationSession, error) {
	row := b.db.QueryRowContext(ctx, b.bind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ConversationSession{}, ErrNotFound
	}
	if err != nil {
		slog.Error(b.name+".GetSession failed", "error", err, "id", id)
		return models.ConversationSession{}, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return sess, nil
}

func (b *sqlBackend) SaveSession(ctx context.Context, s *models.ConversationSession) error {
	meta, err := s.Metadata.Encode()
	if err != nil {
		return err
	}
	var staffAt interface{}
	if !s.LastStaffMessageAt.IsZero() {
		staffAt = s.LastStaffMessageAt
	}

	var res sql.Result
	if s.Version == 0 {
		res, err = b.db.ExecContext(ctx, b.bind(`INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (id) DO NOTHING`),
			s.ID, string(s.Channel), s.UserID, string(s.State), string(meta), s.LastMessageAt, staffAt,
			s.LastMessageText, s.NeedsHuman, string(s.Status), s.UnreadCount, s.CreatedAt, s.UpdatedAt)
	} else {
		res, err = b.db.ExecContext(ctx, b.bind(`UPDATE sessions SET state = ?, metadata = ?, last_message_at = ?,
			last_staff_message_at = ?, last_message_text = ?, needs_human = ?, status = ?, unread_count = ?,
			version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`),
			string(s.State), string(meta), s.LastMessageAt, staffAt, s.LastMessageText, s.NeedsHuman,
			string(s.Status), s.UnreadCount, s.UpdatedAt, s.ID, s.Version)
	}
	if err != nil {
		slog.Error(b.name+".SaveSession failed", "error", err, "id", s.ID)
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	if n == 0 {
		if s.Version != 0 {
			if _, err := b.GetSession(ctx, s.ID); errors.Is(err, ErrNotFound) {
				return ErrNotFound
			}
		}
		slog.Debug(b.name+".SaveSession: stale version", "id", s.ID, "version", s.Version)
		return ErrVersionConflict
	}
	s.Version++
	return nil
}

func (b *sqlBackend) ListSessions(ctx context.Context, opts ListOptions) ([]models.ConversationSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []interface{}
	if opts.PendingOnly {
		query += ` WHERE status = ?`
		args = append(args, string(models.StatusPending))
	}
	query += ` ORDER BY last_message_at DESC, id ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	rows, err := b.db.QueryContext(ctx, b.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return out, nil
}

func (b *sqlBackend) MarkSessionRead(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, b.bind(`UPDATE sessions SET unread_count = 0, version = version + 1, updated_at = ? WHERE id = ?`),
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark session %s read: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *sqlBackend) AddMessage(ctx context.Context, m models.ConversationMessage) error {
	_, err := b.db.ExecContext(ctx, b.bind(`INSERT INTO messages (id, conversation_id, author, text, intent_id, paused, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.ConversationID, string(m.From), m.Text, string(m.IntentID), m.Paused, m.CreatedAt)
	if err != nil {
		slog.Error(b.name+".AddMessage failed", "error", err, "conversation", m.ConversationID)
		return fmt.Errorf("failed to insert message for %s: %w", m.ConversationID, err)
	}
	return nil
}

func (b *sqlBackend) ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]models.ConversationMessage, error) {
	// Newest first so LIMIT keeps the tail, then reversed.
	query := `SELECT id, conversation_id, author, text, intent_id, paused, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, seq DESC`
	args := []interface{}{conversationID}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	rows, err := b.db.QueryContext(ctx, b.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationMessage
	for rows.Next() {
		var m models.ConversationMessage
		var author, intentID string
		if err := rows.Scan(&m.ID, &m.ConversationID, &author, &m.Text, &intentID, &m.Paused, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.From = models.MessageAuthor(author)
		m.IntentID = models.IntentKind(intentID)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (b *sqlBackend) SaveOrder(ctx context.Context, o models.OrderRecord) error {
	draft, err := json.Marshal(o.Draft)
	if err != nil {
		return fmt.Errorf("failed to encode order draft: %w", err)
	}
	_, err = b.db.ExecContext(ctx, b.bind(`INSERT INTO orders (reference, conversation_id, draft, total, created_at) VALUES (?, ?, ?, ?, ?)`),
		o.Reference, o.ConversationID, string(draft), o.Total, o.CreatedAt)
	if err != nil {
		slog.Error(b.name+".SaveOrder failed", "error", err, "reference", o.Reference)
		return fmt.Errorf("failed to insert order %s: %w", o.Reference, err)
	}
	slog.Debug(b.name+".SaveOrder succeeded", "reference", o.Reference, "conversation", o.ConversationID)
	return nil
}

func (b *sqlBackend) ListOrders(ctx context.Context, opts ListOptions) ([]models.OrderRecord, error) {
	query := `SELECT reference, conversation_id, draft, total, created_at FROM orders ORDER BY created_at DESC, reference ASC`
	var args []interface{}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	rows, err := b.db.QueryContext(ctx, b.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []models.OrderRecord
	for rows.Next() {
		var o models.OrderRecord
		var draft string
		if err := rows.Scan(&o.Reference, &o.ConversationID, &draft, &o.Total, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		if err := json.Unmarshal([]byte(draft), &o.Draft); err != nil {
			return nil, fmt.Errorf("failed to decode order %s: %w", o.Reference, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate order rows: %w", err)
	}
	return out, nil
}

func (b *sqlBackend) Close() error {
	slog.Debug("Closing " + b.name + " database connection")
	err := b.db.Close()
	if err != nil {
		slog.Error("Failed to close "+b.name+" database", "error", err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (models.ConversationSession, error) {
	var s models.ConversationSession
	var channel, state, meta, status string
	var staffAt sql.NullTime
	err := row.Scan(&s.ID, &channel, &s.UserID, &state, &meta, &s.LastMessageAt, &staffAt,
		&s.LastMessageText, &s.NeedsHuman, &status, &s.UnreadCount, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	s.Channel = models.Channel(channel)
	s.State = models.SessionState(state)
	s.Status = models.SessionStatus(status)
	if staffAt.Valid {
		s.LastStaffMessageAt = staffAt.Time
	}
	s.Metadata, err = models.DecodeSessionMetadata([]byte(meta))
	if err != nil {
		return s, err
	}
	return s, nil
}
