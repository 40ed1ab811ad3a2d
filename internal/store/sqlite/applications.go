package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/caravel-dev/caravel/internal/domain"
)

type ApplicationRepo struct {
	db *sql.DB
}

func NewApplicationRepo(db *sql.DB) *ApplicationRepo {
	return &ApplicationRepo{db: db}
}

func (r *ApplicationRepo) Create(ctx context.Context, app *domain.Application) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO applications (id, name, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		app.ID.String(), app.Name, app.Description, fmtTime(app.CreatedAt), fmtTime(app.UpdatedAt),
	)
	if isConstraintViolation(err) {
		return fmt.Errorf("applicationRepo.Create(%q): %w", app.Name, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("applicationRepo.Create(%q): %w", app.Name, err)
	}
	return nil
}

func (r *ApplicationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Application, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT a.id, a.name, a.description, a.created_at, a.updated_at,
		        (SELECT COUNT(*) FROM agents WHERE application_id = a.id)
		 FROM applications a WHERE a.id = ?`, id.String())

	app, err := scanApplication(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("applicationRepo.GetByID(%s): %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("applicationRepo.GetByID(%s): %w", id, err)
	}
	return app, nil
}

func (r *ApplicationRepo) List(ctx context.Context) ([]*domain.Application, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT a.id, a.name, a.description, a.created_at, a.updated_at,
		        (SELECT COUNT(*) FROM agents WHERE application_id = a.id)
		 FROM applications a ORDER BY a.name`)
	if err != nil {
		return nil, fmt.Errorf("applicationRepo.List: %w", err)
	}
	defer rows.Close()

	var apps []*domain.Application
	for rows.Next() {
		app, scanErr := scanApplication(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("applicationRepo.List: scan: %w", scanErr)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("applicationRepo.List: rows: %w", err)
	}
	return apps, nil
}

func (r *ApplicationRepo) Update(ctx context.Context, app *domain.Application) error {
	tag, err := r.db.ExecContext(ctx,
		`UPDATE applications SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		app.Name, app.Description, fmtTime(app.UpdatedAt), app.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("applicationRepo.Update(%s): %w", app.ID, err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return fmt.Errorf("applicationRepo.Update(%s): %w", app.ID, domain.ErrNotFound)
	}
	return nil
}

// Delete removes the application and cascades to its agents, their
// sessions, and conversation history, in one transaction.
func (r *ApplicationRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("applicationRepo.Delete(%s): begin: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM conversation_history WHERE session_id IN (
			SELECT s.id FROM sessions s
			JOIN agents ag ON ag.type = s.agent_type
			WHERE ag.application_id = ?)`, id.String())
	if err != nil {
		return fmt.Errorf("applicationRepo.Delete(%s): history: %w", id, err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE agent_type IN (
			SELECT type FROM agents WHERE application_id = ?)`, id.String())
	if err != nil {
		return fmt.Errorf("applicationRepo.Delete(%s): sessions: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM agents WHERE application_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("applicationRepo.Delete(%s): agents: %w", id, err)
	}

	tag, err := tx.ExecContext(ctx, `DELETE FROM applications WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("applicationRepo.Delete(%s): %w", id, err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return fmt.Errorf("applicationRepo.Delete(%s): %w", id, domain.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("applicationRepo.Delete(%s): commit: %w", id, err)
	}
	return nil
}

func scanApplication(scan func(dest ...any) error) (*domain.Application, error) {
	var app domain.Application
	var id, createdAt, updatedAt string

	err := scan(&id, &app.Name, &app.Description, &createdAt, &updatedAt, &app.AgentsCount)
	if err != nil {
		return nil, err
	}

	app.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse application id: %w", err)
	}
	app.CreatedAt = parseTime(createdAt)
	app.UpdatedAt = parseTime(updatedAt)
	return &app, nil
}
