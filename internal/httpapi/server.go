package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/synapse/internal/apperr"
	"github.com/antoniostano/synapse/internal/auth"
	"github.com/antoniostano/synapse/internal/config"
	"github.com/antoniostano/synapse/internal/observability"
	"github.com/antoniostano/synapse/internal/protocol"
	"github.com/antoniostano/synapse/internal/session"
	"github.com/antoniostano/synapse/internal/transcript"
	"github.com/antoniostano/synapse/internal/users"
)

type Orchestrator interface {
	RunConnection(ctx context.Context, conn session.Connection, principal users.Principal, inbound <-chan protocol.SubmitTurn, outbound chan<- protocol.Event) error
}

// Dependencies wires the server to the rest of the application.
type Dependencies struct {
	Sessions     *session.Manager
	Orchestrator Orchestrator
	Gatekeeper   *auth.Gatekeeper
	Accounts     *auth.Accounts
	Transcript   transcript.Store
	Metrics      *observability.Metrics
	Logger       *zap.Logger
	// Ready reports whether the backing stores are reachable.
	Ready func(ctx context.Context) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	gatekeeper   *auth.Gatekeeper
	accounts     *auth.Accounts
	transcript   transcript.Store
	metrics      *observability.Metrics
	logger       *zap.Logger
	ready        func(ctx context.Context) error
	cookie       auth.CookieOptions
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}
	return &Server{
		cfg:          cfg,
		sessions:     deps.Sessions,
		orchestrator: deps.Orchestrator,
		gatekeeper:   deps.Gatekeeper,
		accounts:     deps.Accounts,
		transcript:   deps.Transcript,
		metrics:      metrics,
		logger:       logger,
		ready:        deps.Ready,
		cookie:       auth.CookieOptions{Name: cfg.AuthCookieName, Secure: cfg.AuthCookieSecure},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				for _, allowed := range cfg.AllowedOrigins {
					if strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
						return true
					}
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(s.corsOptions()))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.With(s.requireAuth).Get("/verify", s.handleVerify)
	})

	r.Route("/api/chat", func(r chi.Router) {
		// The websocket authenticates itself before upgrading.
		r.Get("/ws", s.handleChatWS)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/", s.handleCreateChat)
			r.Get("/", s.handleListChats)
			r.Patch("/{chatId}", s.handleRenameChat)
			r.Get("/messages/{chatId}", s.handleListMessages)
			r.Delete("/messages/{chatId}", s.handleDeleteChat)
		})
	})

	return r
}

func (s *Server) corsOptions() cors.Options {
	opts := cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if s.cfg.AllowAnyOrigin {
		// A wildcard cannot be combined with credentials, so echo the origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool { return true }
	}
	return opts
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"active_connections": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// requireAuth resolves the principal once per request and stores it in the
// request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.gatekeeper.Authenticate(r.Context(), r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return apperr.Validation("httpapi.decode", "request body is required", errEmptyBody)
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return apperr.Validation("httpapi.decode", "request body is required", errEmptyBody)
		}
		return apperr.Validation("httpapi.decode", "request body is not valid JSON", err)
	}
	return protocol.Validate(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError maps err onto a status code and a client-safe body. Internal
// details stay in the log.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	respondJSON(w, status, errorResponse{Error: apperr.PublicMessage(err), Code: string(apperr.KindOf(err))})
}
