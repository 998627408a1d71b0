package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/antoniostano/synapse/internal/apperr"
)

const (
	metaConversationID = "conversation_id"
	metaPrincipalID    = "principal_id"
	metaMessageID      = "message_id"
)

// ChromemIndex is an embedded vector index. Every principal gets its own
// collection; queries additionally filter on principal_id.
type ChromemIndex struct {
	db         *chromem.DB
	dimensions int

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewChromemIndex creates an index. A non-empty persistPath keeps the
// collections on disk across restarts.
func NewChromemIndex(dimensions int, persistPath string) (*ChromemIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("chromem index: dimensions must be positive")
	}
	db := chromem.NewDB()
	if p := strings.TrimSpace(persistPath); p != "" {
		var err error
		db, err = chromem.NewPersistentDB(p, false)
		if err != nil {
			return nil, fmt.Errorf("open persistent chromem db: %w", err)
		}
	}
	return &ChromemIndex{
		db:          db,
		dimensions:  dimensions,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (x *ChromemIndex) collection(principalID string) (*chromem.Collection, error) {
	x.mu.RLock()
	col, ok := x.collections[principalID]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[principalID]; ok {
		return col, nil
	}
	col, err := x.db.GetOrCreateCollection("principal_"+principalID, nil, nil)
	if err != nil {
		return nil, err
	}
	x.collections[principalID] = col
	return col, nil
}

func (x *ChromemIndex) Upsert(ctx context.Context, vector []float32, messageID string, md Metadata) (string, error) {
	if err := checkDimensions("memory.upsert", vector, x.dimensions); err != nil {
		return "", err
	}
	col, err := x.collection(md.PrincipalID)
	if err != nil {
		return "", apperr.Storage("memory.upsert", "memory index unavailable", err)
	}
	id := uuid.NewString()
	doc := chromem.Document{
		ID: id,
		Metadata: map[string]string{
			metaConversationID: md.ConversationID,
			metaPrincipalID:    md.PrincipalID,
			metaMessageID:      messageID,
		},
		Embedding: append([]float32(nil), vector...),
		Content:   md.Text,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return "", apperr.Storage("memory.upsert", "could not store memory", err)
	}
	return id, nil
}

func (x *ChromemIndex) Query(ctx context.Context, vector []float32, principalID string, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	if err := checkDimensions("memory.query", vector, x.dimensions); err != nil {
		return nil, err
	}
	col, err := x.collection(principalID)
	if err != nil {
		return nil, apperr.Storage("memory.query", "memory index unavailable", err)
	}

	// chromem rejects nResults larger than the collection.
	n := k
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return []Match{}, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, n, map[string]string{metaPrincipalID: principalID}, nil)
	if err != nil {
		return nil, apperr.Storage("memory.query", "could not query memory", err)
	}

	out := make([]Match, 0, len(results))
	for _, r := range results {
		out = append(out, Match{
			RecordID:  r.ID,
			MessageID: r.Metadata[metaMessageID],
			Metadata: Metadata{
				ConversationID: r.Metadata[metaConversationID],
				PrincipalID:    r.Metadata[metaPrincipalID],
				Text:           r.Content,
			},
			Score: r.Similarity,
		})
	}
	sortMatches(out)
	return out, nil
}

// Close is a no-op; persistent collections are written on every add.
func (x *ChromemIndex) Close() error { return nil }

// sortMatches orders by score, then record id, so equal scores come back in a
// stable order across calls.
func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].RecordID < matches[j].RecordID
	})
}
