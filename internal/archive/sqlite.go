// Package archive persists a durable mirror of supervised conversations
// so history survives daemon restarts, plus a full-text index over
// archived message content.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rchen9527/agentdeck/internal/accounting"
	"github.com/rchen9527/agentdeck/internal/domain"
)

// Archive is the SQLite-backed conversation archive.
type Archive struct {
	db *sql.DB
}

// New opens the archive at dsn and runs migrations.
func New(dsn string) (*Archive, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate
	// databases. Keep a single connection so the schema and data stay
	// visible across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate archive: %w", err)
	}
	return a, nil
}

// migrate runs database migrations.
func (a *Archive) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			instance_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			parent_id TEXT,
			title TEXT,
			directory TEXT,
			status TEXT,
			provider_id TEXT,
			model_id TEXT,
			created_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(instance_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			instance_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			status TEXT,
			provider_id TEXT,
			model_id TEXT,
			content TEXT,
			created_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(instance_id, session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS usage_entries (
			instance_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			reasoning_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			available_context INTEGER,
			last_message_id TEXT,
			recorded_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, session_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := a.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// ArchivedMessage is one message row plus its flattened text content.
type ArchivedMessage struct {
	domain.Message
	Content string `json:"content,omitempty"`
}

// UsageRecord is the persisted accounting snapshot of one session.
type UsageRecord struct {
	SessionID        string            `json:"session_id"`
	Totals           accounting.Totals `json:"totals"`
	AvailableContext int64             `json:"available_context"`
	AvailableKnown   bool              `json:"available_known"`
	LastMessageID    string            `json:"last_message_id,omitempty"`
	RecordedAt       int64             `json:"recorded_at"`
}

// UpsertSession writes or replaces one session row.
func (a *Archive) UpsertSession(ctx context.Context, instanceID string, sess domain.Session) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (instance_id, session_id, parent_id, title, directory, status, provider_id, model_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instanceID, sess.ID, nullString(sess.ParentID), nullString(sess.Title), nullString(sess.Directory),
		nullString(string(sess.Status)), nullString(sess.ProviderID), nullString(sess.ModelID),
		sess.CreatedAt, sess.UpdatedAt)
	return err
}

// DeleteSession removes a session with its messages and usage row.
func (a *Archive) DeleteSession(ctx context.Context, instanceID, sessionID string) error {
	if _, err := a.db.ExecContext(ctx,
		`DELETE FROM messages WHERE instance_id = ? AND session_id = ?`, instanceID, sessionID); err != nil {
		return err
	}
	if _, err := a.db.ExecContext(ctx,
		`DELETE FROM usage_entries WHERE instance_id = ? AND session_id = ?`, instanceID, sessionID); err != nil {
		return err
	}
	_, err := a.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE instance_id = ? AND session_id = ?`, instanceID, sessionID)
	return err
}

// RecentSessions lists the most recently updated sessions of an
// instance.
func (a *Archive) RecentSessions(ctx context.Context, instanceID string, limit int) ([]domain.Session, error) {
	query := `SELECT session_id, parent_id, title, directory, status, provider_id, model_id, created_at, updated_at
		 FROM sessions WHERE instance_id = ? ORDER BY updated_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := a.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var sess domain.Session
		var parentID, title, directory, status, providerID, modelID sql.NullString
		if err := rows.Scan(&sess.ID, &parentID, &title, &directory, &status, &providerID, &modelID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sess.ParentID = parentID.String
		sess.Title = title.String
		sess.Directory = directory.String
		sess.Status = domain.SessionStatus(status.String)
		sess.ProviderID = providerID.String
		sess.ModelID = modelID.String
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpsertMessage writes or replaces one message row. content is the
// flattened text of the message's parts.
func (a *Archive) UpsertMessage(ctx context.Context, instanceID string, msg domain.Message, content string) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (instance_id, message_id, session_id, role, status, provider_id, model_id, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instanceID, msg.ID, msg.SessionID, string(msg.Role), nullString(string(msg.Status)),
		nullString(msg.ProviderID), nullString(msg.ModelID), nullString(content),
		msg.CreatedAt, msg.UpdatedAt)
	return err
}

// DeleteMessage removes one message row.
func (a *Archive) DeleteMessage(ctx context.Context, instanceID, messageID string) error {
	_, err := a.db.ExecContext(ctx,
		`DELETE FROM messages WHERE instance_id = ? AND message_id = ?`, instanceID, messageID)
	return err
}

// SessionMessages retrieves archived messages of a session in
// chronological order.
func (a *Archive) SessionMessages(ctx context.Context, instanceID, sessionID string, limit int) ([]ArchivedMessage, error) {
	query := `SELECT message_id, session_id, role, status, provider_id, model_id, content, created_at, updated_at
		 FROM messages WHERE instance_id = ? AND session_id = ? ORDER BY created_at ASC, message_id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := a.db.QueryContext(ctx, query, instanceID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []ArchivedMessage
	for rows.Next() {
		var m ArchivedMessage
		var status, providerID, modelID, content sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &status, &providerID, &modelID, &content, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Status = domain.MessageStatus(status.String)
		m.ProviderID = providerID.String
		m.ModelID = modelID.String
		m.Content = content.String
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// RecordUsage writes or replaces the usage row of a session.
func (a *Archive) RecordUsage(ctx context.Context, instanceID, sessionID string, snap accounting.Snapshot, recordedAt int64) error {
	var available sql.NullInt64
	if snap.AvailableKnown {
		available = sql.NullInt64{Int64: snap.AvailableContext, Valid: true}
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO usage_entries (instance_id, session_id, input_tokens, output_tokens, reasoning_tokens, cache_read_tokens, cost, available_context, last_message_id, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instanceID, sessionID, snap.Totals.InputTokens, snap.Totals.OutputTokens,
		snap.Totals.ReasoningTokens, snap.Totals.CacheReadTokens, snap.Totals.Cost,
		available, nullString(snap.LastMessageID), recordedAt)
	return err
}

// Usage retrieves the persisted usage row of a session, or nil when
// none was recorded.
func (a *Archive) Usage(ctx context.Context, instanceID, sessionID string) (*UsageRecord, error) {
	var rec UsageRecord
	var available sql.NullInt64
	var lastMessageID sql.NullString
	err := a.db.QueryRowContext(ctx,
		`SELECT session_id, input_tokens, output_tokens, reasoning_tokens, cache_read_tokens, cost, available_context, last_message_id, recorded_at
		 FROM usage_entries WHERE instance_id = ? AND session_id = ?`,
		instanceID, sessionID).Scan(&rec.SessionID, &rec.Totals.InputTokens, &rec.Totals.OutputTokens,
		&rec.Totals.ReasoningTokens, &rec.Totals.CacheReadTokens, &rec.Totals.Cost,
		&available, &lastMessageID, &rec.RecordedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if available.Valid {
		rec.AvailableContext = available.Int64
		rec.AvailableKnown = true
	}
	rec.LastMessageID = lastMessageID.String
	return &rec, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
