package transcript

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/synapse/internal/apperr"
)

// Role tags who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one immutable turn in a conversation. Seq is the store-assigned
// insertion order used to break CreatedAt ties.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	PrincipalID    string    `json:"principalId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	Seq            int64     `json:"-"`
}

// Conversation groups messages under a principal-owned title.
type Conversation struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principalId"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store is the durable transcript. Message operations treat the conversation
// id as a scoping key only and never check that the conversation exists.
type Store interface {
	AppendMessage(ctx context.Context, conversationID, principalID string, role Role, content string) (Message, error)
	// RecentMessages returns at most limit of the newest messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// ListMessages returns every message in the conversation, newest first.
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	CreateConversation(ctx context.Context, principalID, title string) (Conversation, error)
	ListConversations(ctx context.Context, principalID string) ([]Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	RenameConversation(ctx context.Context, conversationID, title string) (Conversation, error)
	// DeleteConversation removes the conversation and all of its messages.
	DeleteConversation(ctx context.Context, conversationID string) error

	Close() error
}

const defaultRecentLimit = 10

func validateAppend(conversationID string, role Role) error {
	if _, err := uuid.Parse(strings.TrimSpace(conversationID)); err != nil {
		return apperr.Storage("transcript.append", "invalid conversation id", err)
	}
	switch role {
	case RoleUser, RoleModel:
		return nil
	default:
		return apperr.Validation("transcript.append", fmt.Sprintf("unknown role %q", role), nil)
	}
}

func validTitle(op, title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", apperr.Validation(op, "title is required", nil)
	}
	return title, nil
}

func reverse(items []Message) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
