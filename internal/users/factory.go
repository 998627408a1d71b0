package users

import (
	"context"

	"github.com/antoniostano/synapse/internal/storage"
)

// NewDirectory creates the directory matching the storage backend.
func NewDirectory(ctx context.Context, backend *storage.Backend) (Directory, error) {
	switch backend.Driver {
	case storage.DriverPostgres:
		return NewPostgresDirectory(ctx, backend)
	case storage.DriverSQLite:
		return NewSQLiteDirectory(ctx, backend)
	default:
		return NewInMemoryDirectory(), nil
	}
}
