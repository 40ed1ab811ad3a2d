package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// ConversationEntry is the append-only record of one session transition.
// Entries are ordered by timestamp and are never mutated; they disappear
// only when their session is deleted or cleaned up.
type ConversationEntry struct {
	ID          uuid.UUID `json:"id"`
	SessionID   string    `json:"session_id"`
	Sender      Role      `json:"sender"`
	Receiver    Role      `json:"receiver"`
	Content     string    `json:"content,omitempty"`
	Event       string    `json:"event"`
	StateBefore string    `json:"state_before"`
	StateAfter  string    `json:"state_after"`
	CreatedAt   time.Time `json:"created_at"`
}

type ConversationRepository interface {
	Append(ctx context.Context, e *ConversationEntry) error
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*ConversationEntry, error)
	CountBySession(ctx context.Context, sessionID string) (int64, error)
	DeleteBySession(ctx context.Context, sessionID string) error
}
