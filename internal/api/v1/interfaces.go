package v1

import (
	"context"

	"github.com/google/uuid"

	"github.com/caravel-dev/caravel/internal/domain"
	"github.com/caravel-dev/caravel/internal/machine"
	"github.com/caravel-dev/caravel/internal/registry"
	"github.com/caravel-dev/caravel/internal/runtime"
)

// DataStore abstracts the repository accessor pattern for handler testing.
// *sqlite.Store and *postgres.Store satisfy this interface.
type DataStore interface {
	Applications() domain.ApplicationRepository
	Agents() domain.AgentRepository
	Sessions() domain.SessionRepository
	Conversations() domain.ConversationRepository
	Health(ctx context.Context) (*domain.StoreHealth, error)
}

// Deployer abstracts agent deployment operations for handler testing.
// *registry.Registry satisfies this interface.
type Deployer interface {
	Deploy(ctx context.Context, req registry.DeployRequest) *registry.DeployResult
	CreateDraft(ctx context.Context, agentType string, applicationID uuid.UUID) (*domain.AgentRegistration, error)
	Remove(ctx context.Context, agentType string) error
}

// SessionManager abstracts session lifecycle operations for handler testing.
// *runtime.Runtime satisfies this interface.
type SessionManager interface {
	CreateSession(ctx context.Context, agentType string, restore *machine.Snapshot) (*runtime.SessionInfo, error)
	SendEvent(ctx context.Context, sessionID, event string, payload map[string]any) (*runtime.EventResult, error)
	AvailableEvents(ctx context.Context, sessionID string) ([]string, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	History(ctx context.Context, sessionID string, limit, offset int) ([]*domain.ConversationEntry, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// DeploymentNotifier receives finished deployment results for out-of-band
// delivery. *notify.Registry satisfies this interface.
type DeploymentNotifier interface {
	DeploymentFinished(ctx context.Context, res *registry.DeployResult)
}
