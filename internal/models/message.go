package models

import "time"

// Message is one immutable turn of a conversation. The prompt builder reads
// them back ordered by creation time.

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageType mirrors the response envelope type the turn produced.
type MessageType string

const (
	MessageTypeText    MessageType = "message"
	MessageTypePreview MessageType = "preview"
	MessageTypeSuccess MessageType = "success"
	MessageTypeError   MessageType = "error"
)

type Message struct {
	ID             int64       `json:"id"`
	UserID         int64       `json:"user_id"`
	ConversationID string      `json:"conversation_id"`
	Role           Role        `json:"role"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	Metadata       string      `json:"metadata,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}
