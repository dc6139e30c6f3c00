// Package conversations is the durable store facade for conversations and
// their messages, plus the HTTP handlers exposing conversation CRUD.
//
// All reads and writes are authorised against the caller's subject; ownership
// mismatches surface as not_found so conversation IDs cannot be enumerated.
package conversations

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role labels a stored message author.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is the persistent conversation entity. Owned by exactly one
// subject, never reassigned.
type Conversation struct {
	ID             uuid.UUID  `json:"conversation_id"`
	OwnerSubjectID string     `json:"-"`
	Title          *string    `json:"title,omitempty"`
	MessageCount   int        `json:"message_count"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Message is one stored turn of a conversation.
type Message struct {
	ID             uuid.UUID       `json:"message_id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Directives     json.RawMessage `json:"directive_payload,omitempty"`
	Truncated      bool            `json:"truncated,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewMessage is the input to AppendMessage.
type NewMessage struct {
	Role       string
	Content    string
	Directives json.RawMessage
	// Truncated marks a partial assistant message persisted after a client
	// disconnect.
	Truncated bool
}

// Store is the conversation persistence capability.
type Store interface {
	CreateConversation(ctx context.Context, owner string, title *string) (*Conversation, error)

	// AppendMessage serialises concurrent writers per conversation with an
	// optimistic check on message_count; after 3 failed retries it fails
	// with conflict.
	AppendMessage(ctx context.Context, conversationID uuid.UUID, msg NewMessage) (*Message, error)

	// GetConversation returns the conversation and its messages ordered by
	// created_at. Unknown ID or owner mismatch is not_found.
	GetConversation(ctx context.Context, id uuid.UUID, owner string) (*Conversation, []Message, error)

	// ListConversations pages the owner's conversations newest first. The
	// returned cursor is empty on the last page.
	ListConversations(ctx context.Context, owner string, cursor string, limit int) ([]Conversation, string, error)

	// DeleteConversation removes the conversation and cascades to messages.
	DeleteConversation(ctx context.Context, id uuid.UUID, owner string) error

	// Ping verifies the backing connection for readiness checks.
	Ping(ctx context.Context) error
}
