package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antoniostano/synapse/internal/app"
	"github.com/antoniostano/synapse/internal/observability"
)

func newServeCmd() *cobra.Command {
	var bindAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if bindAddr != "" {
				cfg.BindAddr = bindAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := observability.InitTracing(ctx, cfg.ServiceName, cfg.TracingEndpoint)
			if err != nil {
				return err
			}

			built, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}

			runCtx, runCancel := context.WithCancel(context.Background())
			defer runCancel()
			built.StartBackground(runCtx)

			httpServer := &http.Server{
				Addr:    cfg.BindAddr,
				Handler: built.API.Router(),
			}
			serveErr := make(chan error, 1)
			go func() {
				logger.Info("server listening", zap.String("addr", cfg.BindAddr))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				if err != nil {
					logger.Error("listen failed", zap.Error(err))
				}
			case <-ctx.Done():
				logger.Info("shutdown signal received")
			}

			runCancel()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("graceful shutdown failed", zap.Error(err))
				_ = httpServer.Close()
			}
			if err := built.Cleanup(shutdownCtx); err != nil {
				logger.Warn("cleanup failed", zap.Error(err))
			}
			if err := shutdownTracing(shutdownCtx); err != nil {
				logger.Warn("tracing shutdown failed", zap.Error(err))
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&bindAddr, "addr", "", "listen address (overrides APP_BIND_ADDR)")
	return cmd
}
