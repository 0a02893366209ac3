// Package store defines the conversation storage interface and implementations.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/routeiq/agent/internal/domain"
)

// Store is the durable record of sessions and messages.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpdateSessionState(ctx context.Context, sessionID string, state json.RawMessage, lastActiveAt time.Time) error

	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)

	// DeleteExpiredSessions removes sessions past their expiry, cascading to
	// messages. Returns the number of sessions reclaimed.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// Lifecycle
	Close() error
}
