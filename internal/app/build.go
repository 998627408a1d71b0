package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/synapse/internal/auth"
	"github.com/antoniostano/synapse/internal/config"
	"github.com/antoniostano/synapse/internal/embedding"
	"github.com/antoniostano/synapse/internal/generation"
	"github.com/antoniostano/synapse/internal/httpapi"
	"github.com/antoniostano/synapse/internal/memory"
	"github.com/antoniostano/synapse/internal/observability"
	"github.com/antoniostano/synapse/internal/session"
	"github.com/antoniostano/synapse/internal/storage"
	"github.com/antoniostano/synapse/internal/transcript"
	"github.com/antoniostano/synapse/internal/turn"
	"github.com/antoniostano/synapse/internal/users"
)

const (
	janitorInterval   = 5 * time.Second
	indexRetryBackoff = 2 * time.Second
)

type BuildResult struct {
	Config       config.Config
	Logger       *zap.Logger
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *turn.Orchestrator
	Accounts     *auth.Accounts
	Credentials  *auth.Credentials
	Metrics      *observability.Metrics

	// Cleanup drains background indexing and releases storage. It should be
	// called once the HTTP server has stopped.
	Cleanup func(ctx context.Context) error
}

// Build wires every component from cfg. The caller owns logger.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	backend, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage init failed: %w", err)
	}
	logger.Info("storage ready", zap.String("driver", string(backend.Driver)))

	var closers []func() error
	closers = append(closers, backend.Close)
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*BuildResult, error) {
		_ = closeAll()
		return nil, err
	}

	directory, err := users.NewDirectory(ctx, backend)
	if err != nil {
		return fail(fmt.Errorf("user directory init failed: %w", err))
	}
	closers = append(closers, directory.Close)

	store, err := transcript.NewStore(ctx, backend)
	if err != nil {
		return fail(fmt.Errorf("transcript store init failed: %w", err))
	}
	closers = append(closers, store.Close)

	embedder, err := embedding.New(embedding.Options{
		Provider:     cfg.EmbeddingProvider,
		Model:        cfg.EmbeddingModel,
		BaseURL:      cfg.EmbeddingBaseURL,
		OpenAIAPIKey: cfg.OpenAIAPIKey,
		Dimensions:   cfg.MemoryEmbeddingDim,
		CacheSize:    cfg.EmbeddingCacheSize,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("embedding init failed: %w", err))
	}
	if c, ok := embedder.(*embedding.CachedEmbedder); ok {
		closers = append(closers, func() error { c.Close(); return nil })
	}

	index, err := memory.NewIndex(ctx, backend, memory.Options{
		Backend:     cfg.MemoryIndexBackend,
		Dimensions:  embedder.Dimensions(),
		PersistPath: cfg.MemoryPersistPath,
	})
	if err != nil {
		return fail(fmt.Errorf("memory index init failed: %w", err))
	}
	closers = append(closers, index.Close)

	generator, err := generation.New(generation.Options{
		Provider:        cfg.GenerationProvider,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		AnthropicModel:  cfg.AnthropicModel,
		HTTPURL:         cfg.GenerationHTTPURL,
		MaxTokens:       cfg.GenerationMaxTokens,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("generation init failed: %w", err))
	}

	sessions := session.NewManager(cfg.ConnectionIdleTimeout)
	sessions.SetExpireHook(func(c session.Connection) {
		metrics.ConnectionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveConnections.Set(float64(sessions.ActiveCount()))
		logger.Info("connection expired", zap.String("connection_id", c.ID), zap.String("principal_id", c.PrincipalID))
	})

	creds, err := auth.NewCredentials(cfg.AuthJWTSecret, cfg.AuthCredentialTTL)
	if err != nil {
		return fail(fmt.Errorf("credentials init failed: %w", err))
	}
	gatekeeper := auth.NewGatekeeper(creds, directory, cfg.AuthCookieName, logger)
	gatekeeper.OnFailure(func(reason string) {
		metrics.AuthFailures.WithLabelValues(reason).Inc()
	})
	accounts := auth.NewAccounts(directory, creds)

	orchestrator, err := turn.NewOrchestrator(turn.Dependencies{
		Embedder:   embedder,
		Generator:  generator,
		Transcript: store,
		Memory:     index,
		Sessions:   sessions,
		Metrics:    metrics,
		Logger:     logger.Named("turn"),
	}, turn.Options{
		HistoryLimit:    cfg.TurnHistoryLimit,
		MemoryTopK:      cfg.TurnMemoryTopK,
		EmbedTimeout:    cfg.TurnEmbedTimeout,
		GenerateTimeout: cfg.TurnGenerateTimeout,
		StoreTimeout:    cfg.TurnStoreTimeout,
		IndexQueueSize:  cfg.IndexQueueSize,
		IndexWorkers:    cfg.IndexWorkers,
	})
	if err != nil {
		return fail(fmt.Errorf("orchestrator init failed: %w", err))
	}

	api := httpapi.New(cfg, httpapi.Dependencies{
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Gatekeeper:   gatekeeper,
		Accounts:     accounts,
		Transcript:   store,
		Metrics:      metrics,
		Logger:       logger.Named("http"),
		Ready:        backend.Ping,
	})

	cleanup := func(ctx context.Context) error {
		// Indexing still writes to the stores, so drain it first.
		drainErr := orchestrator.Close(ctx)
		if drainErr != nil {
			logger.Warn("index queue not drained before shutdown", zap.Error(drainErr))
		}
		return errors.Join(drainErr, closeAll())
	}

	return &BuildResult{
		Config:       cfg,
		Logger:       logger,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Accounts:     accounts,
		Credentials:  creds,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}

// StartBackground launches the idle-connection janitor and the index
// failure reader. Both stop with ctx.
func (b *BuildResult) StartBackground(ctx context.Context) {
	b.Sessions.StartJanitor(ctx, janitorInterval)
	go b.Orchestrator.Indexer().Redeliver(ctx, indexRetryBackoff)
}
