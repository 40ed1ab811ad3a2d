// Package runtime executes live sessions against registered agents:
// it instantiates machine instances per session, advances them on
// incoming events, and records each transition.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/caravel-dev/caravel/internal/domain"
	"github.com/caravel-dev/caravel/internal/machine"
)

// genericEvents is the conservative fallback offered when a live
// instance cannot be introspected, e.g. when a stored session references
// a state value that a redeployed definition no longer declares.
var genericEvents = []string{"CANCEL", "CONTINUE", "RESET"}

// InstanceSource resolves agent definitions into executable instances.
// *registry.Registry satisfies this interface.
type InstanceSource interface {
	CreateInstance(ctx context.Context, agentType string, restore *machine.Snapshot) (machine.Instance, error)
}

// Publisher fans transition events out to subscribers. The redis PubSub
// satisfies this interface; a nil Publisher disables fan-out.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// SessionInfo describes a freshly created session.
type SessionInfo struct {
	SessionID       string           `json:"session_id"`
	State           machine.Snapshot `json:"state"`
	CreatedAt       time.Time        `json:"created_at"`
	AvailableEvents []string         `json:"available_events"`
}

// EventResult describes the session after a successful transition.
type EventResult struct {
	SessionID       string           `json:"session_id"`
	State           machine.Snapshot `json:"state"`
	AvailableEvents []string         `json:"available_events"`
	Message         string           `json:"message"`
}

// transitionEvent is the payload published per transition.
type transitionEvent struct {
	SessionID   string `json:"session_id"`
	AgentType   string `json:"agent_type"`
	Event       string `json:"event"`
	StateBefore string `json:"state_before"`
	StateAfter  string `json:"state_after"`
	Final       bool   `json:"final"`
}

// SessionChannel returns the pub/sub channel name for a session's
// transition stream.
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

type liveSession struct {
	mu        sync.Mutex
	agentType string
	inst      machine.Instance
}

// Runtime owns the live session instances. Operations on one session are
// serialized by a per-session lock; distinct sessions run independently.
type Runtime struct {
	source   InstanceSource
	sessions domain.SessionRepository
	history  domain.ConversationRepository
	pubsub   Publisher // may be nil

	mu   sync.RWMutex
	live map[string]*liveSession
}

func New(source InstanceSource, sessions domain.SessionRepository, history domain.ConversationRepository, pubsub Publisher) *Runtime {
	return &Runtime{
		source:   source,
		sessions: sessions,
		history:  history,
		pubsub:   pubsub,
		live:     make(map[string]*liveSession),
	}
}

// CreateSession instantiates a fresh instance of agentType's machine and
// persists the session record. When restore is supplied, the instance is
// seeded at that exact snapshot instead of the initial configuration.
func (rt *Runtime) CreateSession(ctx context.Context, agentType string, restore *machine.Snapshot) (*SessionInfo, error) {
	inst, err := rt.source.CreateInstance(ctx, agentType, restore)
	if err != nil {
		return nil, fmt.Errorf("runtime.CreateSession: %w", err)
	}

	now := time.Now()
	snap := inst.Current()
	session := &domain.Session{
		ID:        domain.NewSessionID(agentType, now),
		AgentType: agentType,
		Status:    domain.SessionStatusActive,
		State:     toSessionState(snap),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := rt.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("runtime.CreateSession: persist: %w", err)
	}

	rt.mu.Lock()
	rt.live[session.ID] = &liveSession{agentType: agentType, inst: inst}
	rt.mu.Unlock()

	log.Info().Str("session_id", session.ID).Str("agent_type", agentType).Str("state", snap.Value).Msg("session created")

	return &SessionInfo{
		SessionID:       session.ID,
		State:           snap,
		CreatedAt:       session.CreatedAt,
		AvailableEvents: availableOrGeneric(inst),
	}, nil
}

// SendEvent delivers one event to a session. An event the current state
// does not accept is rejected without mutating stored state. On success
// the updated snapshot is persisted and one ConversationEntry recording
// the before/after states and the trigger is appended.
func (rt *Runtime) SendEvent(ctx context.Context, sessionID, event string, payload map[string]any) (*EventResult, error) {
	ls, err := rt.resolveLive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	before := ls.inst.Current()

	after, err := ls.inst.Send(event)
	if err != nil {
		return nil, fmt.Errorf("runtime.SendEvent(%q): %w", sessionID, err)
	}

	status := domain.SessionStatusActive
	if ls.inst.Done() {
		status = domain.SessionStatusCompleted
	}

	if err := rt.sessions.UpdateState(ctx, sessionID, toSessionState(after), status); err != nil {
		return nil, fmt.Errorf("runtime.SendEvent(%q): persist state: %w: %w", sessionID, domain.ErrPersistence, err)
	}

	entry := &domain.ConversationEntry{
		ID:          uuid.New(),
		SessionID:   sessionID,
		Sender:      domain.RoleUser,
		Receiver:    domain.RoleAgent,
		Content:     encodePayload(payload),
		Event:       event,
		StateBefore: before.Value,
		StateAfter:  after.Value,
		CreatedAt:   time.Now(),
	}
	if err := rt.history.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("runtime.SendEvent(%q): record transition: %w: %w", sessionID, domain.ErrPersistence, err)
	}

	rt.publishTransition(ctx, sessionID, ls.agentType, event, before.Value, after.Value, ls.inst.Done())

	message := fmt.Sprintf("transitioned %s -> %s on %s", before.Value, after.Value, event)
	if status == domain.SessionStatusCompleted {
		message += " (session completed)"
	}

	return &EventResult{
		SessionID:       sessionID,
		State:           after,
		AvailableEvents: availableOrGeneric(ls.inst),
		Message:         message,
	}, nil
}

// AvailableEvents returns the events the session's machine will
// currently accept.
func (rt *Runtime) AvailableEvents(ctx context.Context, sessionID string) ([]string, error) {
	ls, err := rt.resolveLive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return availableOrGeneric(ls.inst), nil
}

// GetSession returns the persisted session record.
func (rt *Runtime) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := rt.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("runtime.GetSession(%q): %w", sessionID, err)
	}
	return s, nil
}

// History returns the session's ordered conversation entries.
func (rt *Runtime) History(ctx context.Context, sessionID string, limit, offset int) ([]*domain.ConversationEntry, error) {
	if _, err := rt.sessions.GetByID(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("runtime.History(%q): %w", sessionID, err)
	}

	entries, err := rt.history.ListBySession(ctx, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("runtime.History(%q): %w", sessionID, err)
	}
	return entries, nil
}

// DeleteSession removes the live instance, the session record, and its
// conversation history.
func (rt *Runtime) DeleteSession(ctx context.Context, sessionID string) error {
	if err := rt.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("runtime.DeleteSession(%q): %w", sessionID, err)
	}
	if err := rt.history.DeleteBySession(ctx, sessionID); err != nil {
		return fmt.Errorf("runtime.DeleteSession(%q): history: %w", sessionID, err)
	}

	rt.mu.Lock()
	delete(rt.live, sessionID)
	rt.mu.Unlock()

	return nil
}

// CleanupSessions removes terminal sessions last touched before maxAge
// ago, returning the number removed. Live entries for removed sessions
// are dropped opportunistically on next access.
func (rt *Runtime) CleanupSessions(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	removed, err := rt.sessions.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("runtime.CleanupSessions: %w", err)
	}
	if removed > 0 {
		log.Info().Int64("removed", removed).Dur("max_age", maxAge).Msg("cleaned up terminal sessions")
	}
	return removed, nil
}

// resolveLive returns the live session, lazily rebuilding the instance
// from the persisted snapshot when this process has not seen the session
// yet (e.g. after a restart).
func (rt *Runtime) resolveLive(ctx context.Context, sessionID string) (*liveSession, error) {
	rt.mu.RLock()
	ls, ok := rt.live[sessionID]
	rt.mu.RUnlock()
	if ok {
		return ls, nil
	}

	session, err := rt.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("runtime: session %q: %w", sessionID, err)
	}
	if session.Status.Terminal() {
		return nil, fmt.Errorf("runtime: session %q is %s: %w", sessionID, session.Status, domain.ErrInvalidTransition)
	}

	snap := fromSessionState(session.State)
	inst, err := rt.source.CreateInstance(ctx, session.AgentType, &snap)
	if err != nil {
		return nil, fmt.Errorf("runtime: restore session %q: %w", sessionID, err)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if existing, raced := rt.live[sessionID]; raced {
		return existing, nil
	}
	ls = &liveSession{agentType: session.AgentType, inst: inst}
	rt.live[sessionID] = ls
	return ls, nil
}

func (rt *Runtime) publishTransition(ctx context.Context, sessionID, agentType, event, before, after string, final bool) {
	if rt.pubsub == nil {
		return
	}

	payload, err := json.Marshal(transitionEvent{
		SessionID:   sessionID,
		AgentType:   agentType,
		Event:       event,
		StateBefore: before,
		StateAfter:  after,
		Final:       final,
	})
	if err != nil {
		return
	}

	if pubErr := rt.pubsub.Publish(ctx, SessionChannel(sessionID), payload); pubErr != nil {
		log.Warn().Err(pubErr).Str("session_id", sessionID).Msg("runtime: failed to publish transition event")
	}
}

func availableOrGeneric(inst machine.Instance) []string {
	if inst.Done() {
		return []string{}
	}
	if events := inst.AvailableEvents(); len(events) > 0 {
		return events
	}
	return genericEvents
}

func encodePayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}

func toSessionState(snap machine.Snapshot) domain.SessionState {
	return domain.SessionState{
		Value:   snap.Value,
		Context: snap.Context,
		History: snap.History,
	}
}

func fromSessionState(state domain.SessionState) machine.Snapshot {
	return machine.Snapshot{
		Value:   state.Value,
		Context: state.Context,
		History: state.History,
	}
}
