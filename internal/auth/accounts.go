package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/antoniostano/synapse/internal/apperr"
	"github.com/antoniostano/synapse/internal/users"
)

// Session is a freshly issued credential for a principal.
type Session struct {
	Principal users.Principal
	Token     string
	ExpiresAt time.Time
}

// Registration is the input of Accounts.Register.
type Registration struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Accounts implements register and login on top of a Directory.
type Accounts struct {
	directory users.Directory
	creds     *Credentials
}

func NewAccounts(directory users.Directory, creds *Credentials) *Accounts {
	return &Accounts{directory: directory, creds: creds}
}

func (a *Accounts) Register(ctx context.Context, in Registration) (Session, error) {
	hash, err := HashPassword(in.Password)
	if err != nil {
		return Session{}, err
	}
	principal, err := a.directory.Create(ctx, users.Account{
		Principal: users.Principal{
			Email:     in.Email,
			FirstName: strings.TrimSpace(in.FirstName),
			LastName:  strings.TrimSpace(in.LastName),
		},
		PasswordHash: hash,
	})
	if err != nil {
		return Session{}, err
	}
	return a.issue(principal)
}

// Login never reveals whether the email or the password was wrong.
func (a *Accounts) Login(ctx context.Context, email, password string) (Session, error) {
	account, err := a.directory.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Session{}, apperr.Authentication("auth.login", "invalid email or password", nil)
		}
		return Session{}, err
	}
	if !CheckPassword(account.PasswordHash, password) {
		return Session{}, apperr.Authentication("auth.login", "invalid email or password", nil)
	}
	return a.issue(account.Principal)
}

func (a *Accounts) issue(p users.Principal) (Session, error) {
	token, expires, err := a.creds.Issue(p.ID)
	if err != nil {
		return Session{}, err
	}
	return Session{Principal: p, Token: token, ExpiresAt: expires}, nil
}
