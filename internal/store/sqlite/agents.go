package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlitelib "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/caravel-dev/caravel/internal/domain"
)

type AgentRepo struct {
	db *sql.DB
}

func NewAgentRepo(db *sql.DB) *AgentRepo {
	return &AgentRepo{db: db}
}

const agentColumns = `type, application_id, status, deployment_version, source_commit_id,
	machine_definition, source_hash, error_message, created_at, updated_at, deployed_at`

func (r *AgentRepo) Create(ctx context.Context, a *domain.AgentRegistration) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Type, a.ApplicationID.String(), a.Status, a.DeploymentVersion, a.SourceCommitID,
		[]byte(a.MachineDefinition), a.SourceHash, a.ErrorMessage,
		fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt), fmtTime(a.DeployedAt),
	)
	if isConstraintViolation(err) {
		return fmt.Errorf("agentRepo.Create(%q): %w", a.Type, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("agentRepo.Create(%q): %w", a.Type, err)
	}
	return nil
}

func (r *AgentRepo) GetByType(ctx context.Context, agentType string) (*domain.AgentRegistration, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE type = ?`, agentType)

	a, err := scanAgent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
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
		conds = append(conds, "application_id = ?")
		args = append(args, filter.ApplicationID.String())
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY type"

	rows, err := r.db.QueryContext(ctx, query, args...)
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
	tag, err := r.db.ExecContext(ctx,
		`UPDATE agents SET application_id = ?, status = ?, deployment_version = ?,
		        source_commit_id = ?, machine_definition = ?, source_hash = ?,
		        error_message = ?, updated_at = ?, deployed_at = ?
		 WHERE type = ?`,
		a.ApplicationID.String(), a.Status, a.DeploymentVersion,
		a.SourceCommitID, []byte(a.MachineDefinition), a.SourceHash,
		a.ErrorMessage, fmtTime(a.UpdatedAt), fmtTime(a.DeployedAt),
		a.Type,
	)
	if err != nil {
		return fmt.Errorf("agentRepo.Update(%q): %w", a.Type, err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return fmt.Errorf("agentRepo.Update(%q): %w", a.Type, domain.ErrNotFound)
	}
	return nil
}

func (r *AgentRepo) SetError(ctx context.Context, agentType, message string) error {
	tag, err := r.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, error_message = ?, updated_at = ? WHERE type = ?`,
		domain.AgentStatusError, message, fmtTime(time.Now()), agentType,
	)
	if err != nil {
		return fmt.Errorf("agentRepo.SetError(%q): %w", agentType, err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return fmt.Errorf("agentRepo.SetError(%q): %w", agentType, domain.ErrNotFound)
	}
	return nil
}

func (r *AgentRepo) Delete(ctx context.Context, agentType string) error {
	tag, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE type = ?`, agentType)
	if err != nil {
		return fmt.Errorf("agentRepo.Delete(%q): %w", agentType, err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return fmt.Errorf("agentRepo.Delete(%q): %w", agentType, domain.ErrNotFound)
	}
	return nil
}

func (r *AgentRepo) CountByApplication(ctx context.Context, applicationID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE application_id = ?`, applicationID.String(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("agentRepo.CountByApplication: %w", err)
	}
	return count, nil
}

func scanAgent(scan func(dest ...any) error) (*domain.AgentRegistration, error) {
	var a domain.AgentRegistration
	var appID, createdAt, updatedAt, deployedAt string
	var definition []byte

	err := scan(&a.Type, &appID, &a.Status, &a.DeploymentVersion, &a.SourceCommitID,
		&definition, &a.SourceHash, &a.ErrorMessage, &createdAt, &updatedAt, &deployedAt)
	if err != nil {
		return nil, err
	}

	a.ApplicationID, err = uuid.Parse(appID)
	if err != nil {
		return nil, fmt.Errorf("parse application id: %w", err)
	}
	a.MachineDefinition = definition
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	a.DeployedAt = parseTime(deployedAt)
	return &a, nil
}

// isConstraintViolation reports whether err is a SQLite unique or
// foreign-key constraint failure.
func isConstraintViolation(err error) bool {
	var se *sqlitelib.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT,
			sqlite3.SQLITE_CONSTRAINT_UNIQUE,
			sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY,
			sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return true
		}
	}
	return false
}
