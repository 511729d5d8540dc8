package books

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ledgerchat/internal/models"
)

// AppendMessage persists one conversation turn. Messages are immutable once
// stored and ordered by creation time.
func (s *Service) AppendMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.UserID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if strings.TrimSpace(msg.ConversationID) == "" {
		return nil, errors.New("conversation_id is required")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil, errors.New("content cannot be empty")
	}
	if msg.Type == "" {
		msg.Type = models.MessageTypeText
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, conversation_id, role, content, type, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.UserID, msg.ConversationID, msg.Role, msg.Content, msg.Type, msg.Metadata, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	msg.ID = id
	msg.CreatedAt = now
	return &msg, nil
}

// ListMessages returns the full ordered history of one conversation.
func (s *Service) ListMessages(ctx context.Context, userID int64, conversationID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, conversation_id, role, content, type, metadata, created_at
		 FROM messages WHERE user_id = ? AND conversation_id = ? ORDER BY created_at ASC, id ASC`,
		userID, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &m.Role, &m.Content, &m.Type, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// RecentMessages returns the last n messages of the conversation in
// chronological order.
func (s *Service) RecentMessages(ctx context.Context, userID int64, conversationID string, n int) ([]*models.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, conversation_id, role, content, type, metadata, created_at
		 FROM messages WHERE user_id = ? AND conversation_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, conversationID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &m.Role, &m.Content, &m.Type, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse into chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
