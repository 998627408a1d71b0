package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/synapse/internal/auth"
	"github.com/antoniostano/synapse/internal/users"
)

type fullName struct {
	FirstName string `json:"firstName" validate:"required,max=100"`
	LastName  string `json:"lastName" validate:"max=100"`
}

type registerRequest struct {
	FullName fullName `json:"fullName"`
	Email    string   `json:"email" validate:"required,email,max=254"`
	Password string   `json:"password" validate:"required,min=6,max=72"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type authResponse struct {
	User      users.Principal `json:"user"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	sess, err := s.accounts.Register(r.Context(), auth.Registration{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FullName.FirstName,
		LastName:  req.FullName.LastName,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.logger.Info("principal registered", zap.String("principal_id", sess.Principal.ID))
	auth.SetCredentialCookie(w, s.cookie, sess.Token, sess.ExpiresAt)
	respondJSON(w, http.StatusCreated, authResponse{User: sess.Principal, ExpiresAt: sess.ExpiresAt})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	sess, err := s.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.metrics.AuthFailures.WithLabelValues("login").Inc()
		s.respondError(w, r, err)
		return
	}
	auth.SetCredentialCookie(w, s.cookie, sess.Token, sess.ExpiresAt)
	respondJSON(w, http.StatusOK, authResponse{User: sess.Principal, ExpiresAt: sess.ExpiresAt})
}

// handleLogout only clears the cookie. Credentials are stateless, so an
// already-open websocket keeps its principal until it closes.
func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	auth.ClearCredentialCookie(w, s.cookie)
	respondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{"user": principal})
}
