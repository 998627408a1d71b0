package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/antoniostano/synapse/internal/apperr"
	"github.com/antoniostano/synapse/internal/users"
)

// Gatekeeper resolves the principal behind a request's credential.
type Gatekeeper struct {
	creds      *Credentials
	directory  users.Directory
	cookieName string
	logger     *zap.Logger
	onFailure  func(reason string)
}

func NewGatekeeper(creds *Credentials, directory users.Directory, cookieName string, logger *zap.Logger) *Gatekeeper {
	if cookieName == "" {
		cookieName = "token"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gatekeeper{creds: creds, directory: directory, cookieName: cookieName, logger: logger}
}

// OnFailure registers a hook receiving the reason of every rejection.
func (g *Gatekeeper) OnFailure(hook func(reason string)) {
	g.onFailure = hook
}

func (g *Gatekeeper) CookieName() string { return g.cookieName }

// Authenticate reads the credential from the cookie, falling back to a
// Bearer header, and performs exactly one principal lookup.
func (g *Gatekeeper) Authenticate(ctx context.Context, r *http.Request) (users.Principal, error) {
	raw := g.credentialFrom(r)
	principalID, err := g.creds.Verify(raw)
	if err != nil {
		g.reject(failureReason(err), err)
		return users.Principal{}, err
	}

	principal, err := g.directory.Lookup(ctx, principalID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			authErr := apperr.Authentication("auth.authenticate", "unknown principal", err)
			g.reject("unknown_principal", authErr)
			return users.Principal{}, authErr
		}
		return users.Principal{}, err
	}
	return principal, nil
}

func (g *Gatekeeper) credentialFrom(r *http.Request) string {
	if c, err := r.Cookie(g.cookieName); err == nil && strings.TrimSpace(c.Value) != "" {
		return c.Value
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func (g *Gatekeeper) reject(reason string, err error) {
	g.logger.Debug("authentication rejected", zap.String("reason", reason), zap.Error(err))
	if g.onFailure != nil {
		g.onFailure(reason)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "missing"
	case errors.Is(err, ErrExpiredCredential):
		return "expired"
	default:
		return "invalid"
	}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p users.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached by the auth middleware.
func PrincipalFrom(ctx context.Context) (users.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(users.Principal)
	return p, ok
}
