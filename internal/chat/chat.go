// Package chat holds the conversation domain: conversations, messages, the
// storage contract shared by the sqlite and postgres backends, and the rules
// for validating input and deriving titles.
package chat

import (
	"context"
	"errors"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultTitle is used when a conversation is created without one.
const DefaultTitle = "New Chat"

// ErrNotFound is returned when a conversation does not exist or is not owned
// by the caller.
var ErrNotFound = errors.New("chat: conversation not found")

// Conversation is a titled, owned thread of ordered messages.
type Conversation struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one immutable turn of a conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationWithMessages is the read model returned for a single conversation.
type ConversationWithMessages struct {
	Conversation
	Messages []Message `json:"messages"`
}

// Store persists conversations and their messages.
//
// Every method is scoped to an owner; a conversation owned by someone else
// behaves exactly like a missing one.
type Store interface {
	CreateConversation(ctx context.Context, userID int64, title string) (*Conversation, error)
	// GetConversation returns ErrNotFound when absent.
	GetConversation(ctx context.Context, userID, id int64) (*Conversation, error)
	// ListConversations returns the owner's conversations newest first.
	ListConversations(ctx context.Context, userID int64) ([]Conversation, error)
	UpdateTitle(ctx context.Context, userID, id int64, title string) error
	// DeleteConversation removes the conversation and its messages. Deleting an
	// absent conversation is not an error.
	DeleteConversation(ctx context.Context, userID, id int64) error
	CreateMessage(ctx context.Context, conversationID int64, role Role, content string) (*Message, error)
	// ListMessages returns messages oldest first.
	ListMessages(ctx context.Context, conversationID int64) ([]Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// Load fetches a conversation together with its ordered messages.
func Load(ctx context.Context, store Store, userID, id int64) (*ConversationWithMessages, error) {
	conv, err := store.GetConversation(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	messages, err := store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []Message{}
	}
	return &ConversationWithMessages{Conversation: *conv, Messages: messages}, nil
}
