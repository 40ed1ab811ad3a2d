package domain

import "time"

// StoreHealth is the aggregate status snapshot of the persistent store.
type StoreHealth struct {
	Applications        int64     `json:"applications"`
	Agents              int64     `json:"agents"`
	Sessions            int64     `json:"sessions"`
	ActiveSessions      int64     `json:"active_sessions"`
	ConversationEntries int64     `json:"conversation_entries"`
	SchemaVersion       string    `json:"schema_version"`
	CreatedAt           time.Time `json:"created_at"`
	LastModified        time.Time `json:"last_modified"`
}
