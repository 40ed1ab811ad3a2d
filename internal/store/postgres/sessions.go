package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caravel-dev/caravel/internal/domain"
)

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

const sessionColumns = `id, agent_type, status, state_value, state_context, state_history, created_at, updated_at`

func (r *SessionRepo) Create(ctx context.Context, s *domain.Session) error {
	stateContext, stateHistory, err := encodeState(s.State)
	if err != nil {
		return fmt.Errorf("sessionRepo.Create(%q): %w", s.ID, err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.AgentType, s.Status, s.State.Value, stateContext, stateHistory,
		s.CreatedAt, s.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("sessionRepo.Create(%q): %w", s.ID, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("sessionRepo.Create(%q): %w", s.ID, err)
	}
	return nil
}

func (r *SessionRepo) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)

	s, err := scanSession(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sessionRepo.GetByID(%q): %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.GetByID(%q): %w", id, err)
	}
	return s, nil
}

func (r *SessionRepo) List(ctx context.Context, agentType string) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if agentType != "" {
		query += ` WHERE agent_type = $1`
		args = append(args, agentType)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.List: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		s, scanErr := scanSession(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("sessionRepo.List: scan: %w", scanErr)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessionRepo.List: rows: %w", err)
	}
	return sessions, nil
}

func (r *SessionRepo) UpdateState(ctx context.Context, id string, state domain.SessionState, status domain.SessionStatus) error {
	stateContext, stateHistory, err := encodeState(state)
	if err != nil {
		return fmt.Errorf("sessionRepo.UpdateState(%q): %w", id, err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, state_value = $2, state_context = $3, state_history = $4, updated_at = now()
		 WHERE id = $5`,
		status, state.Value, stateContext, stateHistory, id,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.UpdateState(%q): %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sessionRepo.UpdateState(%q): %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("sessionRepo.Delete(%q): %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sessionRepo.Delete(%q): %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *SessionRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM sessions WHERE status IN ($1, $2, $3) AND updated_at < $4`,
		domain.SessionStatusCompleted, domain.SessionStatusTimeout, domain.SessionStatusError,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("sessionRepo.DeleteTerminalBefore: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *SessionRepo) CountActiveByType(ctx context.Context, agentType string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE agent_type = $1 AND status = $2`,
		agentType, domain.SessionStatusActive,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sessionRepo.CountActiveByType(%q): %w", agentType, err)
	}
	return count, nil
}

func encodeState(state domain.SessionState) (string, string, error) {
	stateContext, err := json.Marshal(state.Context)
	if err != nil {
		return "", "", fmt.Errorf("marshal context: %w", err)
	}
	stateHistory, err := json.Marshal(state.History)
	if err != nil {
		return "", "", fmt.Errorf("marshal history: %w", err)
	}
	return string(stateContext), string(stateHistory), nil
}

func scanSession(scan func(dest ...any) error) (*domain.Session, error) {
	var s domain.Session
	var stateContext, stateHistory []byte

	err := scan(&s.ID, &s.AgentType, &s.Status, &s.State.Value, &stateContext, &stateHistory, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stateContext, &s.State.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if err := json.Unmarshal(stateHistory, &s.State.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return &s, nil
}
