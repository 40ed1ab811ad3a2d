// Package sqlite is the embedded PersistentStore backend. Every mutating
// call is a single statement or transaction, so concurrent callers can
// never observe a partial write.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/caravel-dev/caravel/internal/domain"
)

const schemaVersion = "1"

type Store struct {
	db            *sql.DB
	applications  *ApplicationRepo
	agents        *AgentRepo
	sessions      *SessionRepo
	conversations *ConversationRepo
}

// New opens (or creates) the store at path. ":memory:" yields an
// in-process ephemeral store, used by tests.
func New(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite.New: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite.New: open: %w", err)
	}

	// A single connection serializes all writers and keeps ":memory:"
	// databases from evaporating between pooled connections.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite.New: %s: %w", pragma, err)
		}
	}

	s := &Store{
		db:            db,
		applications:  NewApplicationRepo(db),
		agents:        NewAgentRepo(db),
		sessions:      NewSessionRepo(db),
		conversations: NewConversationRepo(db),
	}

	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite.New: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite.Store.Close: %w", err)
	}
	return nil
}

func (s *Store) Applications() domain.ApplicationRepository   { return s.applications }
func (s *Store) Agents() domain.AgentRepository               { return s.agents }
func (s *Store) Sessions() domain.SessionRepository           { return s.sessions }
func (s *Store) Conversations() domain.ConversationRepository { return s.conversations }

func (s *Store) createSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS applications (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agents (
			type               TEXT PRIMARY KEY,
			application_id     TEXT NOT NULL,
			status             TEXT NOT NULL,
			deployment_version INTEGER NOT NULL DEFAULT 0,
			source_commit_id   TEXT NOT NULL DEFAULT '',
			machine_definition BLOB,
			source_hash        TEXT NOT NULL DEFAULT '',
			error_message      TEXT NOT NULL DEFAULT '',
			created_at         DATETIME NOT NULL,
			updated_at         DATETIME NOT NULL,
			deployed_at        DATETIME NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_agents_application
			ON agents(application_id);

		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			agent_type    TEXT NOT NULL,
			status        TEXT NOT NULL,
			state_value   TEXT NOT NULL,
			state_context TEXT NOT NULL DEFAULT '{}',
			state_history TEXT NOT NULL DEFAULT '[]',
			created_at    DATETIME NOT NULL,
			updated_at    DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_agent_type
			ON sessions(agent_type);

		CREATE TABLE IF NOT EXISTS conversation_history (
			id           TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			sender       TEXT NOT NULL,
			receiver     TEXT NOT NULL,
			content      TEXT NOT NULL DEFAULT '',
			event        TEXT NOT NULL,
			state_before TEXT NOT NULL,
			state_after  TEXT NOT NULL,
			created_at   DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_history_session_created
			ON conversation_history(session_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?), ('created_at', ?)
		 ON CONFLICT (key) DO NOTHING`,
		schemaVersion, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

// Health returns the aggregate status snapshot of the store.
func (s *Store) Health(ctx context.Context) (*domain.StoreHealth, error) {
	h := &domain.StoreHealth{SchemaVersion: schemaVersion}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM applications),
			(SELECT COUNT(*) FROM agents),
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM sessions WHERE status = ?),
			(SELECT COUNT(*) FROM conversation_history)`,
		domain.SessionStatusActive,
	)
	if err := row.Scan(&h.Applications, &h.Agents, &h.Sessions, &h.ActiveSessions, &h.ConversationEntries); err != nil {
		return nil, fmt.Errorf("sqlite.Store.Health: %w", err)
	}

	var createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'created_at'`).Scan(&createdAt)
	if err == nil {
		h.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	}

	// Timestamps are stored as RFC 3339 UTC strings, which order
	// lexicographically, so MAX gives the most recent write.
	var lastModified sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT MAX(t) FROM (
			SELECT MAX(updated_at) AS t FROM applications
			UNION ALL SELECT MAX(updated_at) FROM agents
			UNION ALL SELECT MAX(updated_at) FROM sessions
			UNION ALL SELECT MAX(created_at) FROM conversation_history
		)`).Scan(&lastModified)
	if err == nil && lastModified.Valid {
		h.LastModified, _ = time.Parse(time.RFC3339Nano, lastModified.String)
	}

	return h, nil
}

// fmtTime and parseTime fix the timestamp representation all repos use.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
