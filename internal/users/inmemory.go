package users

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/synapse/internal/apperr"
)

// InMemoryDirectory keeps accounts in process memory for local/dev use.
type InMemoryDirectory struct {
	mu      sync.RWMutex
	byID    map[string]Account
	byEmail map[string]string
}

func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		byID:    make(map[string]Account),
		byEmail: make(map[string]string),
	}
}

func (d *InMemoryDirectory) Create(_ context.Context, account Account) (Principal, error) {
	account.Email = normalizeEmail(account.Email)
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.byEmail[account.Email]; exists {
		return Principal{}, apperr.Conflict("users.create", "user already exists")
	}
	d.byID[account.ID] = account
	d.byEmail[account.Email] = account.ID
	return account.Principal, nil
}

func (d *InMemoryDirectory) FindByEmail(_ context.Context, email string) (Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byEmail[normalizeEmail(email)]
	if !ok {
		return Account{}, apperr.NotFound("users.find_by_email", "user not found")
	}
	return d.byID[id], nil
}

func (d *InMemoryDirectory) Lookup(_ context.Context, id string) (Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	account, ok := d.byID[id]
	if !ok {
		return Principal{}, apperr.NotFound("users.lookup", "user not found")
	}
	return account.Principal, nil
}

func (d *InMemoryDirectory) Close() error { return nil }
