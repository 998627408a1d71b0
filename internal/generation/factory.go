package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/antoniostano/synapse/internal/reliability"
)

// Options selects the generation backend.
type Options struct {
	// Provider is "auto", "anthropic", "http" or "mock".
	Provider        string
	AnthropicAPIKey string
	AnthropicModel  string
	HTTPURL         string
	MaxTokens       int
}

// New builds the configured generator. auto prefers Anthropic when a key is
// set, then the HTTP endpoint, then the mock.
func New(opts Options, logger *zap.Logger) (Generator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	persona := DefaultPersona()
	if opts.MaxTokens > 0 {
		persona.MaxTokens = opts.MaxTokens
	}

	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" || provider == "auto" {
		switch {
		case strings.TrimSpace(opts.AnthropicAPIKey) != "":
			provider = "anthropic"
		case strings.TrimSpace(opts.HTTPURL) != "":
			provider = "http"
		default:
			provider = "mock"
		}
	}

	var g Generator
	switch provider {
	case "anthropic":
		if strings.TrimSpace(opts.AnthropicAPIKey) == "" {
			return nil, errors.New("generation provider anthropic requires ANTHROPIC_API_KEY")
		}
		g = NewAnthropicGenerator(AnthropicConfig{APIKey: opts.AnthropicAPIKey, Model: opts.AnthropicModel, MaxRetries: 2}, persona)
	case "http":
		if strings.TrimSpace(opts.HTTPURL) == "" {
			return nil, errors.New("generation provider http requires GENERATION_HTTP_URL")
		}
		g = NewHTTPGenerator(opts.HTTPURL, persona)
	case "mock":
		logger.Warn("using mock generator; replies are canned")
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported generation provider %q", opts.Provider)
	}

	logger.Info("generation provider ready", zap.String("provider", provider))
	return NewBreakerGenerator(g, reliability.NewBreaker(reliability.DefaultBreakerConfig("generation"), logger)), nil
}

// BreakerGenerator fails fast while the upstream model keeps failing.
type BreakerGenerator struct {
	next    Generator
	breaker *reliability.Breaker
}

func NewBreakerGenerator(next Generator, breaker *reliability.Breaker) *BreakerGenerator {
	return &BreakerGenerator{next: next, breaker: breaker}
}

func (g *BreakerGenerator) Generate(ctx context.Context, parts []Part) (string, error) {
	if err := validateParts("generation", parts); err != nil {
		return "", err
	}
	var text string
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		text, err = g.next.Generate(ctx, parts)
		return err
	})
	return text, err
}
