package embedding

import (
	"fmt"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/antoniostano/synapse/internal/reliability"
)

// Options selects the embedding provider.
type Options struct {
	// Provider is "auto", "openai", "ollama" or "hash".
	Provider string
	Model    string
	// BaseURL is the Ollama server, or an OpenAI-compatible endpoint when the
	// provider is openai.
	BaseURL      string
	OpenAIAPIKey string
	// Dimensions of zero takes the native size of the selected model.
	Dimensions int
	CacheSize  int
}

const defaultHashDimensions = 768

// modelDimensions lists the native output size of known models. OpenAI
// requests go out without a dimensions override, so these sizes are fixed.
var modelDimensions = map[string]int{
	string(chromem.EmbeddingModelOpenAI3Small): 1536,
	string(chromem.EmbeddingModelOpenAI3Large): 3072,
	string(chromem.EmbeddingModelOpenAI2Ada):   1536,
	"nomic-embed-text":                         768,
	"mxbai-embed-large":                        1024,
	"all-minilm":                               384,
}

// New builds the configured embedder. auto prefers OpenAI when a key is set,
// then Ollama when a base URL is set, then the offline hash embedder.
func New(opts Options, logger *zap.Logger) (Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Dimensions < 0 {
		return nil, fmt.Errorf("embedding dimensions must not be negative")
	}

	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" || provider == "auto" {
		switch {
		case strings.TrimSpace(opts.OpenAIAPIKey) != "":
			provider = "openai"
		case strings.TrimSpace(opts.BaseURL) != "":
			provider = "ollama"
		default:
			provider = "hash"
		}
	}

	var base Embedder
	switch provider {
	case "openai":
		if strings.TrimSpace(opts.OpenAIAPIKey) == "" {
			return nil, fmt.Errorf("embedding provider openai requires OPENAI_API_KEY")
		}
		model := openAIModel(opts.Model)
		dims, err := resolveDimensions(model, opts.Dimensions)
		if err != nil {
			return nil, err
		}
		baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
		var fn chromem.EmbeddingFunc
		if baseURL == "" {
			fn = chromem.NewEmbeddingFuncOpenAI(opts.OpenAIAPIKey, chromem.EmbeddingModelOpenAI(model))
		} else {
			fn = chromem.NewEmbeddingFuncOpenAICompat(baseURL, opts.OpenAIAPIKey, model, nil)
		}
		base = NewFuncEmbedder("openai", fn, dims)
	case "ollama":
		dims, err := resolveDimensions(strings.TrimSpace(opts.Model), opts.Dimensions)
		if err != nil {
			return nil, err
		}
		base = NewFuncEmbedder("ollama", chromem.NewEmbeddingFuncOllama(opts.Model, opts.BaseURL), dims)
	case "hash":
		dims := opts.Dimensions
		if dims == 0 {
			dims = defaultHashDimensions
		}
		logger.Warn("using offline hash embedder; long-term memory recall is lexical noise", zap.Int("dimensions", dims))
		base = NewHashEmbedder(dims)
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", opts.Provider)
	}

	out := base
	if provider != "hash" {
		out = NewBreakerEmbedder(out, reliability.NewBreaker(reliability.DefaultBreakerConfig("embedding"), logger))
	}
	if opts.CacheSize > 0 {
		cached, err := NewCachedEmbedder(out, opts.CacheSize)
		if err != nil {
			return nil, err
		}
		out = cached
	}
	logger.Info("embedding provider ready", zap.String("provider", provider), zap.Int("dimensions", out.Dimensions()))
	return out, nil
}

// openAIModel keeps an explicit OpenAI model and replaces anything else
// (such as the Ollama default) with text-embedding-3-small.
func openAIModel(model string) string {
	if m := strings.TrimSpace(model); strings.HasPrefix(m, "text-embedding-") {
		return m
	}
	return string(chromem.EmbeddingModelOpenAI3Small)
}

// resolveDimensions picks the vector size for model. An explicit size must
// agree with a known model, so a mismatch fails at startup instead of on
// every embedding call.
func resolveDimensions(model string, configured int) (int, error) {
	name, _, _ := strings.Cut(model, ":")
	native, known := modelDimensions[name]
	switch {
	case configured == 0 && known:
		return native, nil
	case configured == 0:
		return 0, fmt.Errorf("embedding model %q has no known size; set MEMORY_EMBEDDING_DIM", model)
	case known && configured != native:
		return 0, fmt.Errorf("MEMORY_EMBEDDING_DIM=%d does not match embedding model %q, which returns %d dimensions", configured, model, native)
	default:
		return configured, nil
	}
}
