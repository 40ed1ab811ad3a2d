package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/caravel-dev/caravel/internal/domain"
)

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

const sessionColumns = `id, agent_type, status, state_value, state_context, state_history, created_at, updated_at`

func (r *SessionRepo) Create(ctx context.Context, s *domain.Session) error {
	stateContext, stateHistory, err := encodeState(s.State)
	if err != nil {
		return fmt.Errorf("sessionRepo.Create(%q): %w", s.ID, err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.AgentType, s.Status, s.State.Value, stateContext, stateHistory,
		fmtTime(s.CreatedAt), fmtTime(s.UpdatedAt),
	)
	if isConstraintViolation(err) {
		return fmt.Errorf("sessionRepo.Create(%q): %w", s.ID, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("sessionRepo.Create(%q): %w", s.ID, err)
	}
	return nil
}

func (r *SessionRepo) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	s, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
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
		query += ` WHERE agent_type = ?`
		args = append(args, agentType)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
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

	tag, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, state_value = ?, state_context = ?, state_history = ?, updated_at = ?
		 WHERE id = ?`,
		status, state.Value, stateContext, stateHistory, fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.UpdateState(%q): %w", id, err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return fmt.Errorf("sessionRepo.UpdateState(%q): %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sessionRepo.Delete(%q): %w", id, err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return fmt.Errorf("sessionRepo.Delete(%q): %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *SessionRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sessionRepo.DeleteTerminalBefore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	terminal := []any{
		domain.SessionStatusCompleted, domain.SessionStatusTimeout, domain.SessionStatusError,
		fmtTime(cutoff),
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM conversation_history WHERE session_id IN (
			SELECT id FROM sessions WHERE status IN (?, ?, ?) AND updated_at < ?)`,
		terminal...)
	if err != nil {
		return 0, fmt.Errorf("sessionRepo.DeleteTerminalBefore: history: %w", err)
	}

	tag, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE status IN (?, ?, ?) AND updated_at < ?`,
		terminal...)
	if err != nil {
		return 0, fmt.Errorf("sessionRepo.DeleteTerminalBefore: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sessionRepo.DeleteTerminalBefore: commit: %w", err)
	}

	n, _ := tag.RowsAffected()
	return n, nil
}

func (r *SessionRepo) CountActiveByType(ctx context.Context, agentType string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE agent_type = ? AND status = ?`,
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
	var stateContext, stateHistory, createdAt, updatedAt string

	err := scan(&s.ID, &s.AgentType, &s.Status, &s.State.Value, &stateContext, &stateHistory, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stateContext), &s.State.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if err := json.Unmarshal([]byte(stateHistory), &s.State.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}
