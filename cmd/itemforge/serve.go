package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	ihttp "github.com/fyrsmithlabs/itemforge/internal/http"
	"github.com/fyrsmithlabs/itemforge/internal/services"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the itemforge HTTP API.

Runs are submitted with POST /api/v1/runs and authenticated with the
X-API-Key header. Without auth.keys configured the development key
dev-key-itemforge is accepted.

Examples:
  # Start with defaults
  itemforge serve

  # Override the port through the environment
  ITEMFORGE_SERVER_HTTP_PORT=9090 itemforge serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, host)
		},
	}
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "address to listen on")
	return cmd
}

// serve builds every service, starts the HTTP server and blocks until ctx
// is cancelled or the server fails.
func serve(ctx context.Context, opts *rootOptions, host string) error {
	rt, err := loadEnv(ctx, opts, os.Stdout, nil)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())
	logger := rt.logger

	logger.Info(ctx, "starting itemforge",
		zap.String("version", version),
		zap.Int("port", rt.cfg.Server.Port),
		zap.String("store", rt.cfg.Store.Driver),
		zap.Int("max_workers", rt.cfg.Scheduler.MaxWorkers),
		zap.Duration("shutdown_timeout", rt.cfg.Server.ShutdownTimeout.Duration()))

	keys, err := ihttp.ParseKeys(rt.cfg.Auth.Keys.Value())
	if err != nil {
		return fmt.Errorf("invalid auth.keys: %w", err)
	}

	reg, err := services.Build(ctx, services.Options{
		Config:     rt.cfg,
		Agents:     rt.agents,
		Logger:     logger,
		Telemetry:  rt.telemetry,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	srv, err := ihttp.NewServer(reg.Scheduler(), keys, logger.Underlying().Named("http"),
		&ihttp.Config{Host: host, Port: rt.cfg.Server.Port},
		ihttp.WithSubscriber(reg.Subscriber()),
		ihttp.WithHTTPMetrics(ihttp.NewHTTPMetrics(
			rt.telemetry.Meter("github.com/fyrsmithlabs/itemforge/internal/http"),
			logger.Underlying().Named("http"),
		)),
	)
	if err != nil {
		_ = reg.Close(context.Background())
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown failed", zap.Error(err))
	}
	if err := reg.Close(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "service shutdown failed", zap.Error(err))
	}
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	logger.Info(shutdownCtx, "shutdown complete")
	return nil
}
