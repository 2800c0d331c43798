// intercept-proxy runs the transparent observation proxy between an
// integration and its real backend, reporting matched commands to the
// Intermediary over a side channel.
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
	"github.com/nakurity/neuro-relay/pkg/proxy"
	"github.com/nakurity/neuro-relay/pkg/version"
)

func main() {
	configPath := flag.String("config", "",
		"Path to relay.yaml (default: walk parent directories)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	slog.Info("Starting intercept proxy", "version", version.Full())

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Side channel into the Intermediary
	side := proxy.NewSideChannel(cfg.Intermediary.URL(),
		cfg.InterceptProxy.IntegrationName, cfg.Intermediary.AuthToken)
	sideCtx, cancelSide := context.WithCancel(ctx)
	defer cancelSide()
	go side.Run(sideCtx)

	// 3. Proxy server
	srv := proxy.NewServer(proxy.Config{
		UpstreamURL:   cfg.InterceptProxy.UpstreamURL,
		MatchCommands: cfg.InterceptProxy.MatchCommands,
	}, side)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.InterceptProxy.Addr()); err != nil {
			errCh <- err
		}
	}()

	readyCtx, cancelReady := context.WithTimeout(ctx, 5*time.Second)
	defer cancelReady()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		slog.Error("Proxy never became ready", "error", err)
		os.Exit(1)
	}

	slog.Info("Intercept proxy started",
		"addr", srv.Addr(),
		"upstream", cfg.InterceptProxy.UpstreamURL,
		"intermediary", cfg.Intermediary.URL())

	// 4. Wait for shutdown signal or server failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 5. Graceful shutdown
	cancelSide()
	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Proxy shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
