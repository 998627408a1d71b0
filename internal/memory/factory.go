package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/antoniostano/synapse/internal/storage"
)

// Options selects and sizes the memory index.
type Options struct {
	// Backend is "auto", "chromem" or "pgvector". auto picks pgvector when the
	// storage backend is postgres.
	Backend     string
	Dimensions  int
	PersistPath string
}

// NewIndex creates a pgvector index when configured, otherwise an embedded chromem index.
func NewIndex(ctx context.Context, backend *storage.Backend, opts Options) (Index, error) {
	mode := strings.ToLower(strings.TrimSpace(opts.Backend))
	if mode == "" || mode == "auto" {
		mode = "chromem"
		if backend.Driver == storage.DriverPostgres {
			mode = "pgvector"
		}
	}
	switch mode {
	case "chromem":
		return NewChromemIndex(opts.Dimensions, opts.PersistPath)
	case "pgvector":
		if backend.Driver != storage.DriverPostgres {
			return nil, fmt.Errorf("memory index backend pgvector requires a postgres DATABASE_URL")
		}
		return NewPostgresIndex(ctx, backend, opts.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported memory index backend %q", opts.Backend)
	}
}
