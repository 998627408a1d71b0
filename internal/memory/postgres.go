package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/synapse/internal/apperr"
	"github.com/antoniostano/synapse/internal/storage"
)

// PostgresIndex keeps memory records in PostgreSQL using pgvector.
type PostgresIndex struct {
	pool       *pgxpool.Pool
	dimensions int
}

func NewPostgresIndex(ctx context.Context, backend *storage.Backend, dimensions int) (*PostgresIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("pgvector index: dimensions must be positive")
	}
	err := storage.ExecAll(ctx, backend, []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			principal_id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dimensions),
		`CREATE INDEX IF NOT EXISTS idx_memory_records_principal ON memory_records (principal_id);`,
	})
	if err != nil {
		return nil, err
	}
	return &PostgresIndex{pool: backend.Postgres, dimensions: dimensions}, nil
}

func (x *PostgresIndex) Upsert(ctx context.Context, vector []float32, messageID string, md Metadata) (string, error) {
	if err := checkDimensions("memory.upsert", vector, x.dimensions); err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err := x.pool.Exec(ctx,
		`INSERT INTO memory_records (id, message_id, conversation_id, principal_id, content, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::vector, $7)`,
		id, messageID, md.ConversationID, md.PrincipalID, md.Text, vectorLiteral(vector), time.Now().UTC(),
	)
	if err != nil {
		return "", apperr.Storage("memory.upsert", "could not store memory", err)
	}
	return id, nil
}

func (x *PostgresIndex) Query(ctx context.Context, vector []float32, principalID string, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	if err := checkDimensions("memory.query", vector, x.dimensions); err != nil {
		return nil, err
	}
	rows, err := x.pool.Query(ctx,
		`SELECT id, message_id, conversation_id, principal_id, content, 1 - (embedding <=> $1::vector) AS score
		 FROM memory_records WHERE principal_id=$2
		 ORDER BY embedding <=> $1::vector, id LIMIT $3`,
		vectorLiteral(vector), principalID, k,
	)
	if err != nil {
		return nil, apperr.Storage("memory.query", "could not query memory", err)
	}
	defer rows.Close()

	out := make([]Match, 0, k)
	for rows.Next() {
		var (
			m     Match
			score float64
		)
		if err := rows.Scan(&m.RecordID, &m.MessageID, &m.Metadata.ConversationID, &m.Metadata.PrincipalID, &m.Metadata.Text, &score); err != nil {
			return nil, apperr.Storage("memory.query", "could not read memory", err)
		}
		m.Score = float32(score)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("memory.query", "could not read memory", err)
	}
	return out, nil
}

// Close is a no-op; the pool belongs to the storage backend.
func (x *PostgresIndex) Close() error { return nil }

// vectorLiteral renders the pgvector text form, e.g. "[0.1,0.2]".
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
