package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/antoniostano/synapse/internal/apperr"
)

const issuer = "synapse"

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrExpiredCredential = errors.New("credential has expired")
	ErrInvalidCredential = errors.New("invalid credential")
)

type claims struct {
	jwt.RegisteredClaims
}

// Credentials issues and verifies HS256-signed session credentials.
type Credentials struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewCredentials(secret string, ttl time.Duration) (*Credentials, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("credential signing secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Credentials{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (c *Credentials) TTL() time.Duration { return c.ttl }

// Issue signs a credential for principalID and returns it with its expiry.
func (c *Credentials) Issue(principalID string) (string, time.Time, error) {
	if strings.TrimSpace(principalID) == "" {
		return "", time.Time{}, apperr.Validation("auth.issue", "principal id is required", nil)
	}
	now := c.now().UTC()
	expires := now.Add(c.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, apperr.Authentication("auth.issue", "could not sign credential", err)
	}
	return signed, expires, nil
}

// Verify checks signature, issuer and expiry and returns the principal id.
func (c *Credentials) Verify(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", apperr.Authentication("auth.verify", "authentication required", ErrMissingCredential)
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", apperr.Authentication("auth.verify", "credential has expired", ErrExpiredCredential)
		}
		return "", apperr.Authentication("auth.verify", "invalid credential", errors.Join(ErrInvalidCredential, err))
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return "", apperr.Authentication("auth.verify", "invalid credential", ErrInvalidCredential)
	}
	return parsed.Subject, nil
}
