package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caravel-dev/caravel/internal/domain"
)

type ConversationRepo struct {
	pool *pgxpool.Pool
}

func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

func (r *ConversationRepo) Append(ctx context.Context, e *domain.ConversationEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversation_history (id, session_id, sender, receiver, content, event, state_before, state_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.SessionID, e.Sender, e.Receiver, e.Content, e.Event,
		e.StateBefore, e.StateAfter, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("conversationRepo.Append(%q): %w", e.SessionID, err)
	}
	return nil
}

func (r *ConversationRepo) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*domain.ConversationEntry, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, sender, receiver, content, event, state_before, state_after, created_at
		 FROM conversation_history WHERE session_id = $1
		 ORDER BY created_at, id LIMIT $2 OFFSET $3`,
		sessionID, limitArg, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.ListBySession(%q): %w", sessionID, err)
	}
	defer rows.Close()

	var entries []*domain.ConversationEntry
	for rows.Next() {
		var e domain.ConversationEntry
		err := rows.Scan(&e.ID, &e.SessionID, &e.Sender, &e.Receiver, &e.Content, &e.Event,
			&e.StateBefore, &e.StateAfter, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("conversationRepo.ListBySession(%q): scan: %w", sessionID, err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversationRepo.ListBySession(%q): rows: %w", sessionID, err)
	}
	return entries, nil
}

func (r *ConversationRepo) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversation_history WHERE session_id = $1`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("conversationRepo.CountBySession(%q): %w", sessionID, err)
	}
	return count, nil
}

func (r *ConversationRepo) DeleteBySession(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM conversation_history WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("conversationRepo.DeleteBySession(%q): %w", sessionID, err)
	}
	return nil
}
