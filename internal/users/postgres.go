package users

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/synapse/internal/apperr"
	"github.com/antoniostano/synapse/internal/storage"
)

// PostgresDirectory stores accounts in PostgreSQL.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(ctx context.Context, backend *storage.Backend) (*PostgresDirectory, error) {
	err := storage.ExecAll(ctx, backend, []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	})
	if err != nil {
		return nil, err
	}
	return &PostgresDirectory{pool: backend.Postgres}, nil
}

func (d *PostgresDirectory) Create(ctx context.Context, account Account) (Principal, error) {
	account.Email = normalizeEmail(account.Email)
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	_, err := d.pool.Exec(ctx,
		`INSERT INTO users (id, email, first_name, last_name, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		account.ID, account.Email, account.FirstName, account.LastName, account.PasswordHash, account.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Principal{}, apperr.Conflict("users.create", "user already exists")
		}
		return Principal{}, apperr.Storage("users.create", "could not create user", err)
	}
	return account.Principal, nil
}

func (d *PostgresDirectory) FindByEmail(ctx context.Context, email string) (Account, error) {
	var a Account
	err := d.pool.QueryRow(ctx,
		`SELECT id, email, first_name, last_name, password_hash, created_at
		 FROM users WHERE email=$1`,
		normalizeEmail(email),
	).Scan(&a.ID, &a.Email, &a.FirstName, &a.LastName, &a.PasswordHash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, apperr.NotFound("users.find_by_email", "user not found")
	}
	if err != nil {
		return Account{}, apperr.Storage("users.find_by_email", "could not load user", err)
	}
	return a, nil
}

func (d *PostgresDirectory) Lookup(ctx context.Context, id string) (Principal, error) {
	var p Principal
	err := d.pool.QueryRow(ctx,
		`SELECT id, email, first_name, last_name, created_at FROM users WHERE id=$1`,
		id,
	).Scan(&p.ID, &p.Email, &p.FirstName, &p.LastName, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Principal{}, apperr.NotFound("users.lookup", "user not found")
	}
	if err != nil {
		return Principal{}, apperr.Storage("users.lookup", "could not load user", err)
	}
	return p, nil
}

// Close is a no-op; the pool belongs to the storage backend.
func (d *PostgresDirectory) Close() error { return nil }
