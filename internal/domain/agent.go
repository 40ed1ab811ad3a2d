package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AgentStatus string

const (
	AgentStatusDraft     AgentStatus = "draft"
	AgentStatusActive    AgentStatus = "active"
	AgentStatusInactive  AgentStatus = "inactive"
	AgentStatusError     AgentStatus = "error"
	AgentStatusReloading AgentStatus = "reloading"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusDraft, AgentStatusActive, AgentStatusInactive, AgentStatusError, AgentStatusReloading:
		return true
	}
	return false
}

// AgentRegistration is the durable record of a deployed (or drafted) agent.
// Exactly one record exists per Type. DeploymentVersion starts at 0 for a
// draft, becomes 1 on the first deployment, and increases by exactly 1 on
// every redeploy. CreatedAt is fixed at first creation and never changes.
type AgentRegistration struct {
	Type              string          `json:"type" doc:"Globally unique agent type, e.g. app/name"`
	ApplicationID     uuid.UUID       `json:"application_id"`
	Status            AgentStatus     `json:"status"`
	DeploymentVersion int             `json:"deployment_version"`
	SourceCommitID    string          `json:"source_commit_id,omitempty" doc:"40-hex commit the deployment was cut from"`
	MachineDefinition json.RawMessage `json:"machine_definition,omitempty"`
	SourceHash        string          `json:"source_hash,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	DeployedAt        time.Time       `json:"deployed_at,omitzero"`
}

// AgentFilter narrows List results. Zero values match everything.
type AgentFilter struct {
	ApplicationID uuid.UUID
	Status        AgentStatus
}

type AgentRepository interface {
	// Create inserts a new registration. Returns ErrConflict when a record
	// with the same Type already exists.
	Create(ctx context.Context, a *AgentRegistration) error
	GetByType(ctx context.Context, agentType string) (*AgentRegistration, error)
	List(ctx context.Context, filter AgentFilter) ([]*AgentRegistration, error)
	// Update replaces the mutable fields of the record identified by a.Type.
	Update(ctx context.Context, a *AgentRegistration) error
	// SetError marks a record as status=error with the given message,
	// leaving version and lineage untouched.
	SetError(ctx context.Context, agentType, message string) error
	Delete(ctx context.Context, agentType string) error
	CountByApplication(ctx context.Context, applicationID uuid.UUID) (int64, error)
}
