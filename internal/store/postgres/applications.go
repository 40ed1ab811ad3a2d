package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caravel-dev/caravel/internal/domain"
)

type ApplicationRepo struct {
	pool *pgxpool.Pool
}

func NewApplicationRepo(pool *pgxpool.Pool) *ApplicationRepo {
	return &ApplicationRepo{pool: pool}
}

func (r *ApplicationRepo) Create(ctx context.Context, app *domain.Application) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO applications (id, name, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		app.ID, app.Name, app.Description, app.CreatedAt, app.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("applicationRepo.Create(%q): %w", app.Name, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("applicationRepo.Create(%q): %w", app.Name, err)
	}
	return nil
}

func (r *ApplicationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Application, error) {
	var app domain.Application
	err := r.pool.QueryRow(ctx,
		`SELECT a.id, a.name, a.description, a.created_at, a.updated_at,
		        (SELECT COUNT(*) FROM agents WHERE application_id = a.id)
		 FROM applications a WHERE a.id = $1`, id,
	).Scan(&app.ID, &app.Name, &app.Description, &app.CreatedAt, &app.UpdatedAt, &app.AgentsCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("applicationRepo.GetByID(%s): %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("applicationRepo.GetByID(%s): %w", id, err)
	}
	return &app, nil
}

func (r *ApplicationRepo) List(ctx context.Context) ([]*domain.Application, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.name, a.description, a.created_at, a.updated_at,
		        (SELECT COUNT(*) FROM agents WHERE application_id = a.id)
		 FROM applications a ORDER BY a.name`)
	if err != nil {
		return nil, fmt.Errorf("applicationRepo.List: %w", err)
	}
	defer rows.Close()

	var apps []*domain.Application
	for rows.Next() {
		var app domain.Application
		if err := rows.Scan(&app.ID, &app.Name, &app.Description, &app.CreatedAt, &app.UpdatedAt, &app.AgentsCount); err != nil {
			return nil, fmt.Errorf("applicationRepo.List: scan: %w", err)
		}
		apps = append(apps, &app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("applicationRepo.List: rows: %w", err)
	}
	return apps, nil
}

func (r *ApplicationRepo) Update(ctx context.Context, app *domain.Application) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE applications SET name = $1, description = $2, updated_at = $3 WHERE id = $4`,
		app.Name, app.Description, app.UpdatedAt, app.ID,
	)
	if err != nil {
		return fmt.Errorf("applicationRepo.Update(%s): %w", app.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("applicationRepo.Update(%s): %w", app.ID, domain.ErrNotFound)
	}
	return nil
}

// Delete removes the application and cascades to its agents, their
// sessions, and conversation history, in one transaction.
func (r *ApplicationRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("applicationRepo.Delete(%s): begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`DELETE FROM sessions WHERE agent_type IN (
			SELECT type FROM agents WHERE application_id = $1)`, id)
	if err != nil {
		return fmt.Errorf("applicationRepo.Delete(%s): sessions: %w", id, err)
	}

	_, err = tx.Exec(ctx, `DELETE FROM agents WHERE application_id = $1`, id)
	if err != nil {
		return fmt.Errorf("applicationRepo.Delete(%s): agents: %w", id, err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM applications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("applicationRepo.Delete(%s): %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("applicationRepo.Delete(%s): %w", id, domain.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("applicationRepo.Delete(%s): commit: %w", id, err)
	}
	return nil
}
