package users

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/synapse/internal/apperr"
	"github.com/antoniostano/synapse/internal/storage"
)

// SQLiteDirectory stores accounts in an embedded SQLite database.
type SQLiteDirectory struct {
	db *sql.DB
}

func NewSQLiteDirectory(ctx context.Context, backend *storage.Backend) (*SQLiteDirectory, error) {
	err := storage.ExecAll(ctx, backend, []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteDirectory{db: backend.SQLite}, nil
}

func (d *SQLiteDirectory) Create(ctx context.Context, account Account) (Principal, error) {
	account.Email = normalizeEmail(account.Email)
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO users (id, email, first_name, last_name, password_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		account.ID, account.Email, account.FirstName, account.LastName, account.PasswordHash, account.CreatedAt.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Principal{}, apperr.Conflict("users.create", "user already exists")
		}
		return Principal{}, apperr.Storage("users.create", "could not create user", err)
	}
	return account.Principal, nil
}

func (d *SQLiteDirectory) FindByEmail(ctx context.Context, email string) (Account, error) {
	var (
		a       Account
		created int64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT id, email, first_name, last_name, password_hash, created_at
		 FROM users WHERE email=?`,
		normalizeEmail(email),
	).Scan(&a.ID, &a.Email, &a.FirstName, &a.LastName, &a.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, apperr.NotFound("users.find_by_email", "user not found")
	}
	if err != nil {
		return Account{}, apperr.Storage("users.find_by_email", "could not load user", err)
	}
	a.CreatedAt = time.Unix(0, created).UTC()
	return a, nil
}

func (d *SQLiteDirectory) Lookup(ctx context.Context, id string) (Principal, error) {
	var (
		p       Principal
		created int64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT id, email, first_name, last_name, created_at FROM users WHERE id=?`,
		id,
	).Scan(&p.ID, &p.Email, &p.FirstName, &p.LastName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Principal{}, apperr.NotFound("users.lookup", "user not found")
	}
	if err != nil {
		return Principal{}, apperr.Storage("users.lookup", "could not load user", err)
	}
	p.CreatedAt = time.Unix(0, created).UTC()
	return p, nil
}

func (d *SQLiteDirectory) Close() error { return nil }
