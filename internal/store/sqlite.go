package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/routeiq/agent/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys so message deletion cascades with sessions
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			router_session_id TEXT,
			mcp_url TEXT,
			state TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_active_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON agent_sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON agent_sessions(expires_at)`,
		`CREATE TABLE IF NOT EXISTS agent_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES agent_sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON agent_messages(session_id, timestamp)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	var state sql.NullString
	if session.State != nil {
		state = sql.NullString{String: string(session.State), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, user_id, router_session_id, mcp_url, state, created_at, last_active_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.RouterSessionID, session.MCPURL, state,
		session.CreatedAt, session.LastActiveAt, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("%w: insert session: %v", domain.ErrPersistence, err)
	}
	return nil
}

// GetSession retrieves a session by ID. Returns (nil, nil) when absent.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	var routerSessionID, mcpURL, state sql.NullString
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, router_session_id, mcp_url, state, created_at, last_active_at, expires_at
		 FROM agent_sessions WHERE id = ?`,
		sessionID).Scan(&session.ID, &session.UserID, &routerSessionID, &mcpURL, &state,
		&session.CreatedAt, &session.LastActiveAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select session: %v", domain.ErrPersistence, err)
	}
	if routerSessionID.Valid {
		session.RouterSessionID = routerSessionID.String
	}
	if mcpURL.Valid {
		session.MCPURL = mcpURL.String
	}
	if state.Valid {
		session.State = json.RawMessage(state.String)
	}
	if expiresAt.Valid {
		session.ExpiresAt = expiresAt.Time
	}
	return &session, nil
}

// UpdateSessionState writes the turn metadata back after a completed turn.
// Expired sessions are never updated.
func (s *SQLiteStore) UpdateSessionState(ctx context.Context, sessionID string, state json.RawMessage, lastActiveAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_sessions SET state = ?, last_active_at = ?
		 WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		string(state), lastActiveAt, sessionID, lastActiveAt)
	if err != nil {
		return fmt.Errorf("%w: update session: %v", domain.ErrPersistence, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// CreateMessage appends a message to a session transcript.
func (s *SQLiteStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	var toolCalls sql.NullString
	if message.ToolCalls != nil {
		toolCalls = sql.NullString{String: string(message.ToolCalls), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_messages (id, session_id, role, content, tool_calls, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		message.ID, message.SessionID, message.Role, message.Content, toolCalls, message.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: insert message: %v", domain.ErrPersistence, err)
	}
	return nil
}

// ListMessages returns a session's messages in strict timestamp order, the
// replay order for the next turn.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	query := `SELECT id, session_id, role, content, tool_calls, timestamp
		 FROM agent_messages WHERE session_id = ? ORDER BY timestamp ASC, id ASC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: select messages: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var toolCalls sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &toolCalls, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan message: %v", domain.ErrPersistence, err)
		}
		if toolCalls.Valid {
			msg.ToolCalls = json.RawMessage(toolCalls.String)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// DeleteExpiredSessions reclaims sessions past their expiry. The foreign key
// cascade removes their messages in the same statement.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_sessions WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("%w: delete expired sessions: %v", domain.ErrPersistence, err)
	}
	return res.RowsAffected()
}
