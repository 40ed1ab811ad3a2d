package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/caravel-dev/caravel/internal/domain"
)

type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

func (r *ConversationRepo) Append(ctx context.Context, e *domain.ConversationEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO conversation_history (id, session_id, sender, receiver, content, event, state_before, state_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.SessionID, e.Sender, e.Receiver, e.Content, e.Event,
		e.StateBefore, e.StateAfter, fmtTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("conversationRepo.Append(%q): %w", e.SessionID, err)
	}
	return nil
}

func (r *ConversationRepo) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*domain.ConversationEntry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, sender, receiver, content, event, state_before, state_after, created_at
		 FROM conversation_history WHERE session_id = ?
		 ORDER BY created_at, id LIMIT ? OFFSET ?`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.ListBySession(%q): %w", sessionID, err)
	}
	defer rows.Close()

	var entries []*domain.ConversationEntry
	for rows.Next() {
		e, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conversationRepo.ListBySession(%q): scan: %w", sessionID, scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversationRepo.ListBySession(%q): rows: %w", sessionID, err)
	}
	return entries, nil
}

func (r *ConversationRepo) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_history WHERE session_id = ?`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("conversationRepo.CountBySession(%q): %w", sessionID, err)
	}
	return count, nil
}

func (r *ConversationRepo) DeleteBySession(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM conversation_history WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("conversationRepo.DeleteBySession(%q): %w", sessionID, err)
	}
	return nil
}

func scanEntry(rows *sql.Rows) (*domain.ConversationEntry, error) {
	var e domain.ConversationEntry
	var id, createdAt string

	err := rows.Scan(&id, &e.SessionID, &e.Sender, &e.Receiver, &e.Content, &e.Event,
		&e.StateBefore, &e.StateAfter, &createdAt)
	if err != nil {
		return nil, err
	}

	e.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse entry id: %w", err)
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}
