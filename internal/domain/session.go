package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusTimeout   SessionStatus = "timeout"
	SessionStatusError     SessionStatus = "error"
)

// Terminal reports whether the session can no longer receive events.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusTimeout || s == SessionStatusError
}

// SessionState is the persisted snapshot of a running machine instance:
// the current state value, the accumulated context, and the ordered list
// of visited state values.
type SessionState struct {
	Value   string         `json:"value"`
	Context map[string]any `json:"context,omitempty"`
	History []string       `json:"history,omitempty"`
}

// Session is one running instance of an agent's state machine. It
// references the AgentRegistration by type and does not own the cached
// machine definition.
type Session struct {
	ID        string        `json:"session_id"`
	AgentType string        `json:"agent_type"`
	Status    SessionStatus `json:"status"`
	State     SessionState  `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewSessionID derives a unique session identifier from the agent type,
// the current time, and a random suffix.
func NewSessionID(agentType string, now time.Time) string {
	slug := strings.ReplaceAll(agentType, "/", "-")
	return fmt.Sprintf("%s-%d-%s", slug, now.UnixMilli(), uuid.NewString()[:8])
}

type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context, agentType string) ([]*Session, error)
	// UpdateState persists a new snapshot and status for an existing session.
	UpdateState(ctx context.Context, id string, state SessionState, status SessionStatus) error
	Delete(ctx context.Context, id string) error
	// DeleteTerminalBefore removes terminal sessions (and their history)
	// last updated before the cutoff. Returns the number removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountActiveByType(ctx context.Context, agentType string) (int64, error)
}
