package memory

import (
	"context"
	"fmt"
	"strings"

	"dealscout/internal/observability"
)

type storedTurn struct {
	id             int64
	userID         int64
	conversationID int64
	role           string
	content        string
}

// Backfill embeds stored conversation turns into memory, oldest first. A zero
// userID covers every user. With reset the affected memories are removed
// first so turns are not stored twice. Turns that fail to embed are logged
// and skipped; the count of stored turns is returned.
func (s *Store) Backfill(ctx context.Context, userID int64, reset bool) (int, error) {
	turns, err := s.storedTurns(ctx, userID)
	if err != nil {
		return 0, err
	}
	if reset {
		query, args := `DELETE FROM memories`, []any{}
		if userID > 0 {
			query, args = query+` WHERE user_id = ?`, append(args, userID)
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("reset memories: %w", err)
		}
	}

	logger := observability.LoggerFromContext(ctx)
	stored := 0
	for _, turn := range turns {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		meta := map[string]any{"message_id": turn.id, "backfill": true}
		if err := s.Store(ctx, turn.userID, turn.conversationID, turn.content, turn.role, meta); err != nil {
			logger.Warn("backfill turn failed", "message_id", turn.id, "error", err)
			continue
		}
		stored++
	}
	return stored, nil
}

// storedTurns reads every user and assistant turn before any write happens,
// since sqlite runs on a single connection.
func (s *Store) storedTurns(ctx context.Context, userID int64) ([]storedTurn, error) {
	query := `SELECT id, user_id, conversation_id, role, content FROM messages WHERE role IN ('user', 'assistant')`
	var args []any
	if userID > 0 {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var turns []storedTurn
	for rows.Next() {
		var t storedTurn
		if err := rows.Scan(&t.id, &t.userID, &t.conversationID, &t.role, &t.content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if strings.TrimSpace(t.content) == "" {
			continue
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
