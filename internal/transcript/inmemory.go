package transcript

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/synapse/internal/apperr"
)

// InMemoryStore is a simple in-process transcript for local/dev use.
type InMemoryStore struct {
	mu            sync.RWMutex
	seq           int64
	messages      map[string][]Message
	conversations map[string]Conversation
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages:      make(map[string][]Message),
		conversations: make(map[string]Conversation),
	}
}

func (s *InMemoryStore) AppendMessage(_ context.Context, conversationID, principalID string, role Role, content string) (Message, error) {
	if err := validateAppend(conversationID, role); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		PrincipalID:    principalID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		Seq:            s.seq,
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return msg, nil
}

func (s *InMemoryStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[conversationID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Message, 0, limit)
	out = append(out, arr[len(arr)-limit:]...)
	return out, nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[conversationID]
	out := make([]Message, len(arr))
	copy(out, arr)
	reverse(out)
	return out, nil
}

func (s *InMemoryStore) CreateConversation(_ context.Context, principalID, title string) (Conversation, error) {
	title, err := validTitle("transcript.create_conversation", title)
	if err != nil {
		return Conversation{}, err
	}
	now := time.Now().UTC()
	c := Conversation{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Title:       title,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.mu.Lock()
	s.conversations[c.ID] = c
	s.mu.Unlock()
	return c, nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, principalID string) ([]Conversation, error) {
	s.mu.RLock()
	out := make([]Conversation, 0)
	for _, c := range s.conversations {
		if c.PrincipalID == principalID {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, conversationID string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return Conversation{}, apperr.NotFound("transcript.get_conversation", "chat not found")
	}
	return c, nil
}

func (s *InMemoryStore) RenameConversation(_ context.Context, conversationID, title string) (Conversation, error) {
	title, err := validTitle("transcript.rename_conversation", title)
	if err != nil {
		return Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return Conversation{}, apperr.NotFound("transcript.rename_conversation", "chat not found")
	}
	c.Title = title
	c.UpdatedAt = time.Now().UTC()
	s.conversations[conversationID] = c
	return c, nil
}

func (s *InMemoryStore) DeleteConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return apperr.NotFound("transcript.delete_conversation", "chat not found")
	}
	delete(s.conversations, conversationID)
	delete(s.messages, conversationID)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
