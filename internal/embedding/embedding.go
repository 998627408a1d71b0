package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"github.com/antoniostano/synapse/internal/apperr"
	"github.com/antoniostano/synapse/internal/reliability"
)

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

func requireText(text string) error {
	if strings.TrimSpace(text) == "" {
		return apperr.Service("embedding.embed", "cannot embed empty text", nil)
	}
	return nil
}

// FuncEmbedder adapts a chromem embedding function (OpenAI, Ollama, ...) and
// enforces the configured dimensionality.
type FuncEmbedder struct {
	name       string
	fn         chromem.EmbeddingFunc
	dimensions int
}

func NewFuncEmbedder(name string, fn chromem.EmbeddingFunc, dimensions int) *FuncEmbedder {
	return &FuncEmbedder{name: name, fn: fn, dimensions: dimensions}
}

func (e *FuncEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := requireText(text); err != nil {
		return nil, err
	}
	vec, err := e.fn(ctx, text)
	if err != nil {
		return nil, apperr.Service("embedding."+e.name, "embedding request failed", err)
	}
	if len(vec) != e.dimensions {
		return nil, apperr.Service("embedding."+e.name,
			fmt.Sprintf("embedding has %d dimensions, want %d", len(vec), e.dimensions), nil)
	}
	return vec, nil
}

func (e *FuncEmbedder) Dimensions() int { return e.dimensions }

// HashEmbedder produces deterministic unit vectors from an FNV hash of the
// text. It needs no network and is meant for local runs and tests.
type HashEmbedder struct {
	dimensions int
}

func NewHashEmbedder(dimensions int) *HashEmbedder {
	return &HashEmbedder{dimensions: dimensions}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if err := requireText(text); err != nil {
		return nil, err
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, e.dimensions)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float32(int64(seed)) / float32(math.MaxInt64)
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func (e *HashEmbedder) Dimensions() int { return e.dimensions }

// BreakerEmbedder fails fast while the upstream embedder keeps failing.
type BreakerEmbedder struct {
	next    Embedder
	breaker *reliability.Breaker
}

func NewBreakerEmbedder(next Embedder, breaker *reliability.Breaker) *BreakerEmbedder {
	return &BreakerEmbedder{next: next, breaker: breaker}
}

func (e *BreakerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := requireText(text); err != nil {
		return nil, err
	}
	var vec []float32
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		vec, err = e.next.Embed(ctx, text)
		return err
	})
	return vec, err
}

func (e *BreakerEmbedder) Dimensions() int { return e.next.Dimensions() }
