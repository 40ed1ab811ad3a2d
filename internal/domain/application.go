package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Application groups agents under one owner. AgentsCount is derived from
// live agent records at read time, never stored.
type Application struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	AgentsCount int64     `json:"agents_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ApplicationRepository interface {
	// Create inserts a new application. Returns ErrConflict on duplicate name.
	Create(ctx context.Context, app *Application) error
	GetByID(ctx context.Context, id uuid.UUID) (*Application, error)
	List(ctx context.Context) ([]*Application, error)
	Update(ctx context.Context, app *Application) error
	// Delete removes the application and cascades to its agents, their
	// sessions, and session history.
	Delete(ctx context.Context, id uuid.UUID) error
}
