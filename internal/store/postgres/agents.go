package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caravel-dev/caravel/internal/domain"
)

type AgentRepo struct {
	pool *pgxpool.Pool
}

func NewAgentRepo(pool *pgxpool.Pool) *AgentRepo {
	return &AgentRepo{pool: pool}
}

const agentColumns = `type, application_id, status, deployment_version, source_commit_id,
	machine_definition, source_hash, error_message, created_at, updated_at, deployed_at`

func (r *AgentRepo) Create(ctx context.Context, a *domain.AgentRegistration) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.Type, a.ApplicationID, a.Status, a.DeploymentVersion, a.SourceCommitID,
		[]byte(a.MachineDefinition), a.SourceHash, a.ErrorMessage,
		a.CreatedAt, a.UpdatedAt, nullableTime(a.DeployedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("agentRepo.Create(%q): %w", a.Type, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("agentRepo.Create(%q): %w", a.Type, err)
	}
	return nil
}

func (r *AgentRepo) GetByType(ctx context.Context, agentType string) (*domain.AgentRegistration, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE type = $1`, agentType)

	a, err := scanAgent(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agentRepo.GetByType(%q): %w", agentType, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("agentRepo.GetByType(%q): %w", agentType, err)
	}
	return a, nil
}

func (r *AgentRepo) List(ctx context.Context, filter domain.AgentFilter) ([]*domain.AgentRegistration, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var conds []string
	var args []any

	if filter.ApplicationID != uuid.Nil {
		args = append(args, filter.ApplicationID)
		conds = append(conds, "application_id = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, "status = $"+strconv.Itoa(len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY type"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("agentRepo.List: %w", err)
	}
	defer rows.Close()

	var agents []*domain.AgentRegistration
	for rows.Next() {
		a, scanErr := scanAgent(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("agentRepo.List: scan: %w", scanErr)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agentRepo.List: rows: %w", err)
	}
	return agents, nil
}

func (r *AgentRepo) Update(ctx context.Context, a *domain.AgentRegistration) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE agents SET application_id = $1, status = $2, deployment_version = $3,
		        source_commit_id = $4, machine_definition = $5, source_hash = $6,
		        error_message = $7, updated_at = $8, deployed_at = $9
		 WHERE type = $10`,
		a.ApplicationID, a.Status, a.DeploymentVersion,
		a.SourceCommitID, []byte(a.MachineDefinition), a.SourceHash,
		a.ErrorMessage, a.UpdatedAt, nullableTime(a.DeployedAt),
		a.Type,
	)
	if err != nil {
		return fmt.Errorf("agentRepo.Update(%q): %w", a.Type, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agentRepo.Update(%q): %w", a.Type, domain.ErrNotFound)
	}
	return nil
}

func (r *AgentRepo) SetError(ctx context.Context, agentType, message string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE agents SET status = $1, error_message = $2, updated_at = now() WHERE type = $3`,
		domain.AgentStatusError, message, agentType,
	)
	if err != nil {
		return fmt.Errorf("agentRepo.SetError(%q): %w", agentType, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agentRepo.SetError(%q): %w", agentType, domain.ErrNotFound)
	}
	return nil
}

func (r *AgentRepo) Delete(ctx context.Context, agentType string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM agents WHERE type = $1`, agentType)
	if err != nil {
		return fmt.Errorf("agentRepo.Delete(%q): %w", agentType, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agentRepo.Delete(%q): %w", agentType, domain.ErrNotFound)
	}
	return nil
}

func (r *AgentRepo) CountByApplication(ctx context.Context, applicationID uuid.UUID) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agents WHERE application_id = $1`, applicationID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("agentRepo.CountByApplication: %w", err)
	}
	return count, nil
}

func scanAgent(scan func(dest ...any) error) (*domain.AgentRegistration, error) {
	var a domain.AgentRegistration
	var definition []byte
	var deployedAt *time.Time

	err := scan(&a.Type, &a.ApplicationID, &a.Status, &a.DeploymentVersion, &a.SourceCommitID,
		&definition, &a.SourceHash, &a.ErrorMessage, &a.CreatedAt, &a.UpdatedAt, &deployedAt)
	if err != nil {
		return nil, err
	}

	a.MachineDefinition = definition
	if deployedAt != nil {
		a.DeployedAt = *deployedAt
	}
	return &a, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// isUniqueViolation reports whether err is a PostgreSQL unique
// constraint failure (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
