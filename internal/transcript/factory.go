package transcript

import (
	"context"

	"github.com/antoniostano/synapse/internal/storage"
)

// NewStore creates a postgres or sqlite store when configured, otherwise in-memory.
func NewStore(ctx context.Context, backend *storage.Backend) (Store, error) {
	switch backend.Driver {
	case storage.DriverPostgres:
		return NewPostgresStore(ctx, backend)
	case storage.DriverSQLite:
		return NewSQLiteStore(ctx, backend)
	default:
		return NewInMemoryStore(), nil
	}
}
