// nakurity-id runs the identity service: per-module auth token issuance and
// identity registration for integrations and the backend.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nakurity/neuro-relay/pkg/config"
	"github.com/nakurity/neuro-relay/pkg/identity"
	"github.com/nakurity/neuro-relay/pkg/version"
)

func main() {
	configPath := flag.String("config", "",
		"Path to relay.yaml (default: walk parent directories)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	slog.Info("Starting identity service", "version", version.Full())

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Identity service and server
	svc := identity.NewService()
	srv := identity.NewServer(svc)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Identity.Addr()); err != nil {
			errCh <- err
		}
	}()

	readyCtx, cancelReady := context.WithTimeout(ctx, 5*time.Second)
	defer cancelReady()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		slog.Error("Identity server never became ready", "error", err)
		os.Exit(1)
	}

	slog.Info("Identity service started", "addr", srv.Addr())

	// 3. Wait for shutdown signal or server failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 4. Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Identity server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
