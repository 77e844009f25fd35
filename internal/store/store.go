// Package store provides storage backends for OrderPipe.
//
// It persists conversation sessions, the message history shown to operators and confirmed
// orders. InMemoryStore is used in tests and for throwaway runs; SQLiteStore and
// PostgresStore are selected by DSN.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a session was written by someone else since it was read.
	ErrVersionConflict = errors.New("session version conflict")
)

// DSN types returned by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite3"
	DSNTypePostgres = "postgres"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string or file path
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType tells Postgres connection strings apart from SQLite file paths.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DSNTypePostgres
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname="):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}

// ListOptions filters ListSessions, ListMessages and ListOrders. A zero Limit means no limit.
type ListOptions struct {
	Limit int
	// PendingOnly restricts ListSessions to conversations waiting for a human.
	PendingOnly bool
}

// Store is the interface for conversation persistence.
type Store interface {
	// GetSession returns ErrNotFound when the conversation has no session yet.
	GetSession(ctx context.Context, id string) (models.ConversationSession, error)
	// SaveSession writes s if the stored version still equals s.Version, then increments
	// s.Version. A zero Version creates the session.
	SaveSession(ctx context.Context, s *models.ConversationSession) error
	// ListSessions returns sessions, most recent activity first.
	ListSessions(ctx context.Context, opts ListOptions) ([]models.ConversationSession, error)
	// MarkSessionRead clears the unread counter.
	MarkSessionRead(ctx context.Context, id string) error

	AddMessage(ctx context.Context, m models.ConversationMessage) error
	// ListMessages returns a conversation's messages in chronological order; with a limit,
	// the most recent ones.
	ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]models.ConversationMessage, error)

	SaveOrder(ctx context.Context, o models.OrderRecord) error
	// ListOrders returns confirmed orders, newest first.
	ListOrders(ctx context.Context, opts ListOptions) ([]models.OrderRecord, error)

	Close() error
}
