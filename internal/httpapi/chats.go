package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/antoniostano/synapse/internal/apperr"
	"github.com/antoniostano/synapse/internal/auth"
	"github.com/antoniostano/synapse/internal/transcript"
	"github.com/antoniostano/synapse/internal/users"
)

type chatTitleRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	var req chatTitleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	chat, err := s.transcript.CreateConversation(r.Context(), principal.ID, req.Title)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"chat": chat})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	chats, err := s.transcript.ListConversations(r.Context(), principal.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	chatID := chi.URLParam(r, "chatId")
	var req chatTitleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if _, err := s.ownedConversation(r.Context(), principal, chatID); err != nil {
		s.respondError(w, r, err)
		return
	}
	chat, err := s.transcript.RenameConversation(r.Context(), chatID, req.Title)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"chat": chat})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	chatID := chi.URLParam(r, "chatId")
	if _, err := s.ownedConversation(r.Context(), principal, chatID); err != nil {
		s.respondError(w, r, err)
		return
	}
	messages, err := s.transcript.ListMessages(r.Context(), chatID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	chatID := chi.URLParam(r, "chatId")
	if _, err := s.ownedConversation(r.Context(), principal, chatID); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.transcript.DeleteConversation(r.Context(), chatID); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": chatID})
}

// ownedConversation hides conversations of other principals behind the
// same not-found answer as missing ones.
func (s *Server) ownedConversation(ctx context.Context, principal users.Principal, chatID string) (transcript.Conversation, error) {
	if _, err := uuid.Parse(chatID); err != nil {
		return transcript.Conversation{}, apperr.NotFound("httpapi.chat", "chat not found")
	}
	chat, err := s.transcript.GetConversation(ctx, chatID)
	if err != nil {
		return transcript.Conversation{}, err
	}
	if chat.PrincipalID != principal.ID {
		return transcript.Conversation{}, apperr.NotFound("httpapi.chat", "chat not found")
	}
	return chat, nil
}
