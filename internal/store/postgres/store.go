// Package postgres is the production PersistentStore backend.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caravel-dev/caravel/internal/domain"
)

const schemaVersion = "1"

type Store struct {
	pool          *pgxpool.Pool
	applications  *ApplicationRepo
	agents        *AgentRepo
	sessions      *SessionRepo
	conversations *ConversationRepo
}

func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: parse config: %w", err)
	}

	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		applications:  NewApplicationRepo(pool),
		agents:        NewAgentRepo(pool),
		sessions:      NewSessionRepo(pool),
		conversations: NewConversationRepo(pool),
	}

	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: %w", err)
	}

	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Applications() domain.ApplicationRepository   { return s.applications }
func (s *Store) Agents() domain.AgentRepository               { return s.agents }
func (s *Store) Sessions() domain.SessionRepository           { return s.sessions }
func (s *Store) Conversations() domain.ConversationRepository { return s.conversations }

func (s *Store) createSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS store_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS applications (
			id          UUID PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agents (
			type               TEXT PRIMARY KEY,
			application_id     UUID NOT NULL,
			status             TEXT NOT NULL,
			deployment_version INTEGER NOT NULL DEFAULT 0,
			source_commit_id   TEXT NOT NULL DEFAULT '',
			machine_definition JSONB,
			source_hash        TEXT NOT NULL DEFAULT '',
			error_message      TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL,
			updated_at         TIMESTAMPTZ NOT NULL,
			deployed_at        TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_agents_application ON agents(application_id);

		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			agent_type    TEXT NOT NULL,
			status        TEXT NOT NULL,
			state_value   TEXT NOT NULL,
			state_context JSONB NOT NULL DEFAULT '{}',
			state_history JSONB NOT NULL DEFAULT '[]',
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_agent_type ON sessions(agent_type);

		CREATE TABLE IF NOT EXISTS conversation_history (
			id           UUID PRIMARY KEY,
			session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			sender       TEXT NOT NULL,
			receiver     TEXT NOT NULL,
			content      TEXT NOT NULL DEFAULT '',
			event        TEXT NOT NULL,
			state_before TEXT NOT NULL,
			state_after  TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_history_session_created
			ON conversation_history(session_id, created_at);
	`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO store_meta (key, value) VALUES ('schema_version', $1), ('created_at', now()::text)
		 ON CONFLICT (key) DO NOTHING`, schemaVersion)
	if err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

// Health returns the aggregate status snapshot of the store.
func (s *Store) Health(ctx context.Context) (*domain.StoreHealth, error) {
	h := &domain.StoreHealth{SchemaVersion: schemaVersion}

	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM applications),
			(SELECT COUNT(*) FROM agents),
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM sessions WHERE status = $1),
			(SELECT COUNT(*) FROM conversation_history),
			(SELECT COALESCE(MAX(t), 'epoch'::timestamptz) FROM (
				SELECT MAX(updated_at) AS t FROM applications
				UNION ALL SELECT MAX(updated_at) FROM agents
				UNION ALL SELECT MAX(updated_at) FROM sessions
				UNION ALL SELECT MAX(created_at) FROM conversation_history
			) x)`,
		domain.SessionStatusActive,
	).Scan(&h.Applications, &h.Agents, &h.Sessions, &h.ActiveSessions, &h.ConversationEntries, &h.LastModified)
	if err != nil {
		return nil, fmt.Errorf("postgres.Store.Health: %w", err)
	}

	return h, nil
}
