package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"dealscout/internal/models"
	"dealscout/internal/observability"
	"dealscout/internal/redis"
)

const historyCachePrefix = "conversation:history:"

type cachedHistory struct {
	Conversation *models.Conversation `json:"conversation"`
	Messages     []*models.Message    `json:"messages"`
}

// CreateConversation inserts a new conversation for the user and returns the record.
func (s *Service) CreateConversation(ctx context.Context, userID int64, title string) (*models.Conversation, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.DefaultConversationTitle
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		userID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	return &models.Conversation{ID: id, UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// ListConversations returns all conversations for a user ordered by last activity.
func (s *Service) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// GetConversation loads one conversation owned by userID. Returns sql.ErrNoRows
// when it does not exist or belongs to someone else.
func (s *Service) GetConversation(ctx context.Context, userID, conversationID int64) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// GetConversationWithMessages returns one conversation and its ordered turns.
func (s *Service) GetConversationWithMessages(ctx context.Context, userID, conversationID int64) (*models.Conversation, []*models.Message, error) {
	if cached, ok := s.cachedHistory(ctx, conversationID); ok && cached.Conversation.UserID == userID {
		return cached.Conversation, cached.Messages, nil
	}

	conversation, err := s.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, conversation_id, role, content, image_url, results, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return conversation, nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		m := new(models.Message)
		var image, results sql.NullString
		if err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &m.Role, &m.Content, &image, &results, &m.CreatedAt); err != nil {
			return conversation, nil, fmt.Errorf("scan message: %w", err)
		}
		m.ImageURL = image.String
		if results.Valid && results.String != "" {
			if err := json.Unmarshal([]byte(results.String), &m.Results); err != nil {
				return conversation, nil, fmt.Errorf("decode results for message %d: %w", m.ID, err)
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return conversation, nil, err
	}
	s.storeHistory(ctx, conversation, messages)
	return conversation, messages, nil
}

// ListMessages returns the ordered turns of a conversation owned by userID.
func (s *Service) ListMessages(ctx context.Context, userID, conversationID int64) ([]*models.Message, error) {
	_, messages, err := s.GetConversationWithMessages(ctx, userID, conversationID)
	return messages, err
}

// AppendMessage stores a turn in a conversation the user owns and bumps its
// updated_at timestamp.
func (s *Service) AppendMessage(ctx context.Context, userID, conversationID int64, msg models.Message) (*models.Message, error) {
	saved, err := s.AppendMessages(ctx, userID, conversationID, []models.Message{msg})
	if err != nil {
		return nil, err
	}
	return saved[0], nil
}

// AppendMessages stores the turns in order inside one transaction: either all
// of them are recorded or none is.
func (s *Service) AppendMessages(ctx context.Context, userID, conversationID int64, msgs []models.Message) (saved []*models.Message, err error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if conversationID <= 0 {
		return nil, errors.New("conversation_id is required")
	}
	if len(msgs) == 0 {
		return nil, errors.New("no messages to append")
	}
	for _, msg := range msgs {
		if strings.TrimSpace(msg.Content) == "" {
			return nil, errors.New("content cannot be empty")
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var exists bool
	if err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ? AND user_id = ?)`,
		conversationID, userID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("verify conversation: %w", err)
	}
	if !exists {
		err = sql.ErrNoRows
		return nil, err
	}

	now := s.now().UTC()
	saved = make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		var results sql.NullString
		if len(msg.Results) > 0 {
			data, mErr := json.Marshal(msg.Results)
			if mErr != nil {
				err = fmt.Errorf("encode results: %w", mErr)
				return nil, err
			}
			results = sql.NullString{String: string(data), Valid: true}
		}
		res, execErr := tx.ExecContext(ctx,
			`INSERT INTO messages (user_id, conversation_id, role, content, image_url, results, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			userID, conversationID, msg.Role, msg.Content, nullString(msg.ImageURL), results, now,
		)
		if execErr != nil {
			err = fmt.Errorf("insert message: %w", execErr)
			return nil, err
		}
		id, idErr := res.LastInsertId()
		if idErr != nil {
			err = fmt.Errorf("message id: %w", idErr)
			return nil, err
		}
		msg.ID = id
		msg.UserID = userID
		msg.ConversationID = conversationID
		msg.CreatedAt = now
		saved = append(saved, &msg)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit messages: %w", err)
	}
	s.invalidateHistory(ctx, conversationID)
	return saved, nil
}

// DeleteConversation removes a conversation and all related messages for the user.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID int64) (err error) {
	if conversationID <= 0 {
		return errors.New("invalid conversation id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM memories WHERE conversation_id = ? AND user_id = ?`, conversationID, userID); err != nil {
		return fmt.Errorf("delete memories: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	s.invalidateHistory(ctx, conversationID)
	return nil
}

// UpdateConversationTitle sets a conversation title for the specified user.
func (s *Service) UpdateConversationTitle(ctx context.Context, userID, conversationID int64, title string) error {
	if conversationID <= 0 {
		return errors.New("invalid conversation id")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ? AND user_id = ?`,
		title, conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	s.invalidateHistory(ctx, conversationID)
	return nil
}

func (s *Service) conversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	if s.cache == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM conversations WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversation ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Service) cachedHistory(ctx context.Context, conversationID int64) (*cachedHistory, bool) {
	if s.cache == nil {
		return nil, false
	}
	var entry cachedHistory
	if err := s.cache.GetJSON(ctx, historyKey(conversationID), &entry); err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			observability.LoggerFromContext(ctx).Warn("load history cache failed", "conversation_id", conversationID, "error", err)
		}
		return nil, false
	}
	if entry.Conversation == nil {
		return nil, false
	}
	return &entry, true
}

func (s *Service) storeHistory(ctx context.Context, conversation *models.Conversation, messages []*models.Message) {
	if s.cache == nil || conversation == nil {
		return
	}
	entry := cachedHistory{Conversation: conversation, Messages: messages}
	if err := s.cache.SetJSON(ctx, historyKey(conversation.ID), entry, s.cacheTTL); err != nil {
		observability.LoggerFromContext(ctx).Warn("store history cache failed", "conversation_id", conversation.ID, "error", err)
	}
}

func (s *Service) invalidateHistory(ctx context.Context, conversationID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, historyKey(conversationID)); err != nil {
		observability.LoggerFromContext(ctx).Warn("invalidate history cache failed", "conversation_id", conversationID, "error", err)
	}
}

func historyKey(conversationID int64) string {
	return fmt.Sprintf("%s%d", historyCachePrefix, conversationID)
}
