package users

import (
	"context"
	"strings"
	"time"
)

// Principal is the authenticated identity bound to a request or connection.
type Principal struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	CreatedAt time.Time `json:"createdAt"`
}

// Account is a Principal plus its stored password hash. It never leaves the
// auth layer.
type Account struct {
	Principal
	PasswordHash string
}

// Directory persists accounts and resolves principals.
type Directory interface {
	// Create stores a new account. A duplicate email yields a conflict error.
	Create(ctx context.Context, account Account) (Principal, error)
	FindByEmail(ctx context.Context, email string) (Account, error)
	Lookup(ctx context.Context, id string) (Principal, error)
	Close() error
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
