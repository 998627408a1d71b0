package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antoniostano/synapse/internal/config"
	"github.com/antoniostano/synapse/internal/observability"
)

var (
	version = "dev"
	commit  = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "synapse",
		Short: "Realtime chat service with long-term conversational memory",
		Long: `synapse serves authenticated websocket chat. Each message is stored,
embedded into a per-user vector index and answered by a language model that
sees the recent conversation plus the most similar earlier messages.

Configuration comes from APP_CONFIG_FILE (YAML) and environment variables.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	root.AddCommand(newServeCmd(), newTokenCmd(), newReplayCmd())
	return root
}

// loadRuntime reads configuration and builds the process logger.
func loadRuntime() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config: %w", err)
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, logger, nil
}
