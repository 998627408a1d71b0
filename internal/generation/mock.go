package generation

import (
	"context"
	"fmt"

	"github.com/antoniostano/synapse/internal/apperr"
)

// MockGenerator provides deterministic local replies when no model is configured.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, parts []Part) (string, error) {
	select {
	case <-ctx.Done():
		return "", apperr.Service("generation.mock", "generation cancelled", ctx.Err())
	default:
	}
	if err := validateParts("generation.mock", parts); err != nil {
		return "", err
	}

	base := lastUserText(parts)
	if base == "" {
		base = "I am listening."
	}
	if len(parts) <= 1 {
		return fmt.Sprintf("I heard you: %s", base), nil
	}
	return fmt.Sprintf("I heard you: %s\nI also considered %d earlier messages.", base, len(parts)-1), nil
}
