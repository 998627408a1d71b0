package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"
)

// Driver names the engine behind a Backend.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// Backend is the shared database handle for every store in the process.
// Exactly one of Postgres and SQLite is set unless Driver is DriverMemory.
type Backend struct {
	Driver   Driver
	Postgres *pgxpool.Pool
	SQLite   *sql.DB
}

// Open picks a backend from the database URL:
//
//	""                         in-process maps
//	postgres://, postgresql:// pgx pool
//	sqlite:<path>, sqlite::memory:
func Open(ctx context.Context, databaseURL string) (*Backend, error) {
	raw := strings.TrimSpace(databaseURL)
	switch {
	case raw == "":
		return &Backend{Driver: DriverMemory}, nil
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		pool, err := pgxpool.New(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return &Backend{Driver: DriverPostgres, Postgres: pool}, nil
	case strings.HasPrefix(raw, "sqlite:"):
		db, err := OpenSQLite(ctx, sqlitePath(raw))
		if err != nil {
			return nil, err
		}
		return &Backend{Driver: DriverSQLite, SQLite: db}, nil
	default:
		return nil, fmt.Errorf("unsupported database url scheme in %q", redactURL(raw))
	}
}

// OpenSQLite opens a pure-Go SQLite database. A single connection is used so
// that ":memory:" databases are shared by every store and writes never race
// the file lock.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if dsn != ":memory:" && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

func sqlitePath(raw string) string {
	path := strings.TrimPrefix(raw, "sqlite:")
	path = strings.TrimPrefix(path, "//")
	if path == "" {
		return ":memory:"
	}
	return path
}

func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	return raw[:scheme+3] + "***" + raw[at:]
}

// Ping reports whether the backing database answers.
func (b *Backend) Ping(ctx context.Context) error {
	switch b.Driver {
	case DriverPostgres:
		return b.Postgres.Ping(ctx)
	case DriverSQLite:
		return b.SQLite.PingContext(ctx)
	default:
		return nil
	}
}

func (b *Backend) Close() error {
	switch b.Driver {
	case DriverPostgres:
		b.Postgres.Close()
	case DriverSQLite:
		return b.SQLite.Close()
	}
	return nil
}

// ExecAll runs schema statements in order, stopping at the first failure.
func ExecAll(ctx context.Context, b *Backend, stmts []string) error {
	for _, stmt := range stmts {
		var err error
		switch b.Driver {
		case DriverPostgres:
			_, err = b.Postgres.Exec(ctx, stmt)
		case DriverSQLite:
			_, err = b.SQLite.ExecContext(ctx, stmt)
		default:
			return nil
		}
		if err != nil {
			return fmt.Errorf("init schema failed on %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}
