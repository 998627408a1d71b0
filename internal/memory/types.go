package memory

import (
	"context"
	"fmt"

	"github.com/antoniostano/synapse/internal/apperr"
)

// Metadata travels with every memory record.
type Metadata struct {
	ConversationID string `json:"conversationId"`
	PrincipalID    string `json:"principalId"`
	Text           string `json:"text"`
}

// Match is one similarity hit. MessageID back-references the transcript
// message the record was embedded from.
type Match struct {
	RecordID  string   `json:"recordId"`
	MessageID string   `json:"messageId"`
	Metadata  Metadata `json:"metadata"`
	Score     float32  `json:"score"`
}

// Index is the long-term semantic memory.
type Index interface {
	// Upsert adds a record and returns its id. Repeated calls with the same
	// message id add further records.
	Upsert(ctx context.Context, vector []float32, messageID string, md Metadata) (string, error)
	// Query returns at most k records owned by principalID, most similar first.
	Query(ctx context.Context, vector []float32, principalID string, k int) ([]Match, error)
	Close() error
}

func checkDimensions(op string, vector []float32, want int) error {
	if len(vector) != want {
		return apperr.Validation(op, fmt.Sprintf("vector has %d dimensions, index expects %d", len(vector), want), nil)
	}
	return nil
}
