package transcript

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/antoniostano/synapse/internal/apperr"
	"github.com/antoniostano/synapse/internal/storage"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	backend, err := storage.Open(ctx, "sqlite::memory:")
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	sqliteStore, err := NewStore(ctx, backend)
	if err != nil {
		t.Fatalf("NewStore(sqlite) error = %v", err)
	}
	return map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": sqliteStore,
	}
}

func TestAppendMessageRejectsInvalidConversationID(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.AppendMessage(context.Background(), "not-a-uuid", "p1", RoleUser, "hello")
			if !errors.Is(err, apperr.ErrStorage) {
				t.Fatalf("AppendMessage() error = %v, want storage error", err)
			}
		})
	}
}

func TestAppendMessageRejectsUnknownRole(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.AppendMessage(context.Background(), uuid.NewString(), "p1", Role("system"), "hello")
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("AppendMessage() error = %v, want validation error", err)
			}
		})
	}
}

func TestRecentMessagesCapsAndOrdersChronologically(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := uuid.NewString()
			for i := 0; i < 14; i++ {
				role := RoleUser
				if i%2 == 1 {
					role = RoleModel
				}
				if _, err := s.AppendMessage(ctx, conv, "p1", role, fmt.Sprintf("m%02d", i)); err != nil {
					t.Fatalf("AppendMessage(%d) error = %v", i, err)
				}
			}

			got, err := s.RecentMessages(ctx, conv, 10)
			if err != nil {
				t.Fatalf("RecentMessages() error = %v", err)
			}
			if len(got) != 10 {
				t.Fatalf("len(RecentMessages()) = %d, want 10", len(got))
			}
			for i, m := range got {
				want := fmt.Sprintf("m%02d", i+4)
				if m.Content != want {
					t.Fatalf("RecentMessages()[%d] = %q, want %q", i, m.Content, want)
				}
			}
			if got[0].Role != RoleUser || got[1].Role != RoleModel {
				t.Fatalf("roles not preserved: %q %q", got[0].Role, got[1].Role)
			}
		})
	}
}

func TestRecentMessagesShortConversation(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := uuid.NewString()
			got, err := s.RecentMessages(ctx, conv, 10)
			if err != nil {
				t.Fatalf("RecentMessages() error = %v", err)
			}
			if len(got) != 0 {
				t.Fatalf("len(RecentMessages()) = %d, want 0", len(got))
			}
			if _, err := s.AppendMessage(ctx, conv, "p1", RoleUser, "only"); err != nil {
				t.Fatalf("AppendMessage() error = %v", err)
			}
			got, err = s.RecentMessages(ctx, conv, 10)
			if err != nil {
				t.Fatalf("RecentMessages() error = %v", err)
			}
			if len(got) != 1 || got[0].Content != "only" {
				t.Fatalf("RecentMessages() = %+v", got)
			}
		})
	}
}

func TestListMessagesNewestFirst(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := uuid.NewString()
			for _, text := range []string{"a", "b", "c"} {
				if _, err := s.AppendMessage(ctx, conv, "p1", RoleUser, text); err != nil {
					t.Fatalf("AppendMessage() error = %v", err)
				}
			}
			got, err := s.ListMessages(ctx, conv)
			if err != nil {
				t.Fatalf("ListMessages() error = %v", err)
			}
			if len(got) != 3 || got[0].Content != "c" || got[2].Content != "a" {
				t.Fatalf("ListMessages() = %+v, want c,b,a", got)
			}
		})
	}
}

func TestConversationLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := s.CreateConversation(ctx, "p1", "  First chat ")
			if err != nil {
				t.Fatalf("CreateConversation() error = %v", err)
			}
			if c.Title != "First chat" {
				t.Fatalf("Title = %q", c.Title)
			}
			if _, err := s.CreateConversation(ctx, "p2", "Other"); err != nil {
				t.Fatalf("CreateConversation(p2) error = %v", err)
			}
			if _, err := s.CreateConversation(ctx, "p1", "   "); !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("CreateConversation(blank) error = %v, want validation", err)
			}

			list, err := s.ListConversations(ctx, "p1")
			if err != nil {
				t.Fatalf("ListConversations() error = %v", err)
			}
			if len(list) != 1 || list[0].ID != c.ID {
				t.Fatalf("ListConversations() = %+v", list)
			}

			renamed, err := s.RenameConversation(ctx, c.ID, "Renamed")
			if err != nil {
				t.Fatalf("RenameConversation() error = %v", err)
			}
			if renamed.Title != "Renamed" || renamed.PrincipalID != "p1" {
				t.Fatalf("RenameConversation() = %+v", renamed)
			}

			if _, err := s.AppendMessage(ctx, c.ID, "p1", RoleUser, "hi"); err != nil {
				t.Fatalf("AppendMessage() error = %v", err)
			}
			if err := s.DeleteConversation(ctx, c.ID); err != nil {
				t.Fatalf("DeleteConversation() error = %v", err)
			}
			if _, err := s.GetConversation(ctx, c.ID); !errors.Is(err, apperr.ErrNotFound) {
				t.Fatalf("GetConversation() after delete error = %v, want not found", err)
			}
			msgs, err := s.ListMessages(ctx, c.ID)
			if err != nil {
				t.Fatalf("ListMessages() error = %v", err)
			}
			if len(msgs) != 0 {
				t.Fatalf("messages survived delete: %+v", msgs)
			}
			if err := s.DeleteConversation(ctx, c.ID); !errors.Is(err, apperr.ErrNotFound) {
				t.Fatalf("second DeleteConversation() error = %v, want not found", err)
			}
		})
	}
}
