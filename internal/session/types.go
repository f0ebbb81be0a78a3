package session

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus records whether a message was stored from a finished stream.
type MessageStatus string

const (
	StatusComplete MessageStatus = "complete" // Stream ended normally
	StatusPartial  MessageStatus = "partial"  // Stream failed or the client went away
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Chat groups the messages of one conversation.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one stored turn of a chat.
type Message struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chat_id"`
	UserID    string        `json:"user_id"`
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	Status    MessageStatus `json:"status"`
	Sequence  int           `json:"sequence"`
	CreatedAt time.Time     `json:"created_at"`
}

// File is a code block persisted out of an assistant message.
type File struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Language  string    `json:"language"`
	Extension string    `json:"extension"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult is a full-text hit in a message.
type SearchResult struct {
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id"`
	Role      string    `json:"role"`
	Snippet   string    `json:"snippet"`
	CreatedAt time.Time `json:"created_at"`
}

// NewID returns a random identifier for chats, messages and files.
func NewID() string {
	return uuid.New().String()
}
