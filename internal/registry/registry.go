// Package registry is the versioning authority for agent deployments:
// every deployment flows gate -> validate -> hash -> version decision ->
// persist -> cache update, in that order.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/caravel-dev/caravel/internal/domain"
	"github.com/caravel-dev/caravel/internal/gitgate"
	"github.com/caravel-dev/caravel/internal/machine"
)

// DeployRequest carries everything one deployment needs.
type DeployRequest struct {
	AgentType     string
	ApplicationID uuid.UUID
	Definition    json.RawMessage
	// Strategy is the caller-facing rollout hint (wait|migrate|force).
	// It is carried through to the result but never branched on.
	Strategy string
	// ForceVersion overrides the assigned version for a first deployment.
	ForceVersion int
	// CommitID is a caller-supplied source commit, used when the gate
	// cannot resolve one itself.
	CommitID         string
	GitStrategy      gitgate.Strategy
	GitCommitMessage string
	WorkingDir       string
}

// DeployResult is the complete, inspectable outcome of one deployment
// attempt. Deploy never returns an error; failures are captured here.
type DeployResult struct {
	Success           bool             `json:"success"`
	AgentType         string           `json:"agent_type"`
	OldVersion        int              `json:"old_version"`
	NewVersion        int              `json:"new_version"`
	CommitID          string           `json:"git_commit_id,omitempty"`
	GitStrategyUsed   gitgate.Strategy `json:"git_strategy_used"`
	GitWasDirty       bool             `json:"git_was_dirty"`
	GitCommittedFiles []string         `json:"git_committed_files,omitempty"`
	DeployedAt        time.Time        `json:"deployed_at,omitzero"`
	AffectedSessions  int64            `json:"affected_sessions"`
	Duration          time.Duration    `json:"-"`
	Message           string           `json:"message"`
	Warnings          []string         `json:"warnings,omitempty"`
}

// Registry validates, hashes, version-stamps, and git-gates agent
// deployments, and serves machine definitions from an in-memory cache
// keyed by agent type.
type Registry struct {
	agents   domain.AgentRepository
	sessions domain.SessionRepository
	gate     *gitgate.Gate
	engine   machine.Engine

	cacheMu sync.RWMutex
	cache   map[string]*machine.Definition

	// deployMu serializes deployments per agent type so version
	// assignment is a read-modify-write under a single writer.
	deployMu sync.Mutex
	inflight map[string]*sync.Mutex
}

func New(agents domain.AgentRepository, sessions domain.SessionRepository, gate *gitgate.Gate, engine machine.Engine) *Registry {
	return &Registry{
		agents:   agents,
		sessions: sessions,
		gate:     gate,
		engine:   engine,
		cache:    make(map[string]*machine.Definition),
		inflight: make(map[string]*sync.Mutex),
	}
}

// Deploy runs the full deployment pipeline for req. A gate failure under
// the strict strategy blocks the deployment with zero side effects;
// validation and persistence failures likewise leave no half-written
// record because the store write is the final step.
func (r *Registry) Deploy(ctx context.Context, req DeployRequest) *DeployResult {
	started := time.Now()

	res := &DeployResult{
		AgentType:       req.AgentType,
		GitStrategyUsed: req.GitStrategy,
	}
	defer func() { res.Duration = time.Since(started) }()

	if req.AgentType == "" {
		res.Message = "agent type is required"
		return res
	}

	lock := r.typeLock(req.AgentType)
	lock.Lock()
	defer lock.Unlock()

	// 1. Version-control gate.
	gateRes := r.gate.Enforce(ctx, req.GitStrategy, req.GitCommitMessage, req.WorkingDir)
	res.GitStrategyUsed = gateRes.StrategyUsed
	res.GitWasDirty = gateRes.WasDirty
	res.GitCommittedFiles = gateRes.CommittedFiles
	res.CommitID = gateRes.CommitID
	if res.CommitID == "" {
		res.CommitID = req.CommitID
	}
	if !gateRes.Success {
		res.Message = "git gate blocked deployment: " + gateRes.Message
		return res
	}
	if gateRes.WasDirty && gateRes.StrategyUsed == gitgate.StrategyWarn {
		res.Warnings = append(res.Warnings, gateRes.Message)
	}

	// 2. Structural validation, including instantiability.
	def, err := machine.Decode(req.Definition)
	if err == nil {
		_, err = r.engine.NewInstance(def)
	}
	if err != nil {
		res.Message = "definition validation failed: " + err.Error()
		return res
	}

	// 3. Content hash over the canonical form.
	sourceHash, err := machine.Hash(req.Definition)
	if err != nil {
		res.Message = "failed to hash definition: " + err.Error()
		return res
	}

	// 4. Version decision against the existing record.
	existing, err := r.agents.GetByType(ctx, req.AgentType)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		res.Message = "failed to look up existing registration: " + err.Error()
		return res
	}

	now := time.Now()
	record := &domain.AgentRegistration{
		Type:              req.AgentType,
		ApplicationID:     req.ApplicationID,
		Status:            domain.AgentStatusActive,
		SourceCommitID:    res.CommitID,
		MachineDefinition: req.Definition,
		SourceHash:        sourceHash,
		CreatedAt:         now,
		UpdatedAt:         now,
		DeployedAt:        now,
	}

	isNew := existing == nil
	switch {
	case isNew:
		record.DeploymentVersion = max(req.ForceVersion, 1)
	case existing.Status == domain.AgentStatusDraft:
		// First real deployment of a drafted agent.
		record.DeploymentVersion = 1
		record.CreatedAt = existing.CreatedAt
	default:
		res.OldVersion = existing.DeploymentVersion
		record.DeploymentVersion = existing.DeploymentVersion + 1
		record.CreatedAt = existing.CreatedAt
		if req.ApplicationID == uuid.Nil {
			record.ApplicationID = existing.ApplicationID
		}
	}
	res.NewVersion = record.DeploymentVersion

	// 5. Persist (the single atomic write), then refresh the cache.
	if isNew {
		err = r.agents.Create(ctx, record)
	} else {
		err = r.agents.Update(ctx, record)
	}
	if err != nil {
		res.NewVersion = 0
		res.Message = "failed to persist registration: " + err.Error()
		return res
	}

	r.cacheMu.Lock()
	r.cache[req.AgentType] = def
	r.cacheMu.Unlock()

	affected, err := r.sessions.CountActiveByType(ctx, req.AgentType)
	if err != nil {
		res.Warnings = append(res.Warnings, "could not count affected sessions: "+err.Error())
	}
	res.AffectedSessions = affected

	res.Success = true
	res.DeployedAt = record.DeployedAt
	res.Message = fmt.Sprintf("deployed %s version %d", req.AgentType, record.DeploymentVersion)

	log.Info().
		Str("agent_type", req.AgentType).
		Int("old_version", res.OldVersion).
		Int("new_version", res.NewVersion).
		Str("git_strategy", string(res.GitStrategyUsed)).
		Int64("affected_sessions", res.AffectedSessions).
		Msg("agent deployed")

	return res
}

// CreateDraft registers agentType as a metadata-only draft at version 0,
// ahead of its first real deployment. Returns ErrConflict when the type
// already exists.
func (r *Registry) CreateDraft(ctx context.Context, agentType string, applicationID uuid.UUID) (*domain.AgentRegistration, error) {
	now := time.Now()
	record := &domain.AgentRegistration{
		Type:          agentType,
		ApplicationID: applicationID,
		Status:        domain.AgentStatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := r.agents.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("registry.CreateDraft(%q): %w", agentType, err)
	}
	return record, nil
}

// Get returns the stored registration for agentType.
func (r *Registry) Get(ctx context.Context, agentType string) (*domain.AgentRegistration, error) {
	a, err := r.agents.GetByType(ctx, agentType)
	if err != nil {
		return nil, fmt.Errorf("registry.Get(%q): %w", agentType, err)
	}
	return a, nil
}

// List returns registrations matching the filter.
func (r *Registry) List(ctx context.Context, filter domain.AgentFilter) ([]*domain.AgentRegistration, error) {
	agents, err := r.agents.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("registry.List: %w", err)
	}
	return agents, nil
}

// Remove deletes the registration and evicts its cached definition.
func (r *Registry) Remove(ctx context.Context, agentType string) error {
	if err := r.agents.Delete(ctx, agentType); err != nil {
		return fmt.Errorf("registry.Remove(%q): %w", agentType, err)
	}

	r.cacheMu.Lock()
	delete(r.cache, agentType)
	r.cacheMu.Unlock()

	return nil
}

// HydrateFromStore rebuilds the definition cache from every active
// record, for cold starts. A record whose definition fails to decode is
// marked status=error with a message instead of aborting the load.
func (r *Registry) HydrateFromStore(ctx context.Context) error {
	agents, err := r.agents.List(ctx, domain.AgentFilter{Status: domain.AgentStatusActive})
	if err != nil {
		return fmt.Errorf("registry.HydrateFromStore: %w", err)
	}

	loaded := 0
	for _, a := range agents {
		def, decodeErr := machine.Decode(a.MachineDefinition)
		if decodeErr == nil {
			decodeErr = machine.Validate(def)
		}
		if decodeErr != nil {
			log.Error().Err(decodeErr).Str("agent_type", a.Type).Msg("registry: failed to load machine definition")
			if setErr := r.agents.SetError(ctx, a.Type, decodeErr.Error()); setErr != nil {
				log.Error().Err(setErr).Str("agent_type", a.Type).Msg("registry: failed to mark registration as errored")
			}
			continue
		}

		r.cacheMu.Lock()
		r.cache[a.Type] = def
		r.cacheMu.Unlock()
		loaded++
	}

	log.Info().Int("loaded", loaded).Int("total", len(agents)).Msg("registry hydrated from store")
	return nil
}

// Definition resolves the machine definition for an active agent,
// cache-first with a single-entry lazy hydration from the store.
func (r *Registry) Definition(ctx context.Context, agentType string) (*machine.Definition, error) {
	r.cacheMu.RLock()
	def, ok := r.cache[agentType]
	r.cacheMu.RUnlock()
	if ok {
		return def, nil
	}

	a, err := r.agents.GetByType(ctx, agentType)
	if err != nil {
		return nil, fmt.Errorf("registry.Definition(%q): %w", agentType, err)
	}
	if a.Status != domain.AgentStatusActive {
		return nil, fmt.Errorf("registry.Definition(%q): agent status %q is not active: %w", agentType, a.Status, domain.ErrNotFound)
	}

	def, err = machine.Decode(a.MachineDefinition)
	if err != nil {
		return nil, fmt.Errorf("registry.Definition(%q): %w", agentType, err)
	}

	r.cacheMu.Lock()
	r.cache[agentType] = def
	r.cacheMu.Unlock()

	return def, nil
}

// CreateInstance instantiates an executable instance of agentType's
// machine, either at its initial configuration or seeded at the supplied
// restore snapshot.
func (r *Registry) CreateInstance(ctx context.Context, agentType string, restore *machine.Snapshot) (machine.Instance, error) {
	def, err := r.Definition(ctx, agentType)
	if err != nil {
		return nil, err
	}

	if restore != nil {
		inst, err := r.engine.Restore(def, *restore)
		if err != nil {
			return nil, fmt.Errorf("registry.CreateInstance(%q): %w", agentType, err)
		}
		return inst, nil
	}

	inst, err := r.engine.NewInstance(def)
	if err != nil {
		return nil, fmt.Errorf("registry.CreateInstance(%q): %w", agentType, err)
	}
	return inst, nil
}

func (r *Registry) typeLock(agentType string) *sync.Mutex {
	r.deployMu.Lock()
	defer r.deployMu.Unlock()

	lock, ok := r.inflight[agentType]
	if !ok {
		lock = &sync.Mutex{}
		r.inflight[agentType] = lock
	}
	return lock
}
