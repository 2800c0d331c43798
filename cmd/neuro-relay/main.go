// neuro-relay runs the relay stack in one process: the Intermediary broker,
// the integration-facing backend protocol server, the Linker, the durable
// queue drainer, and the outbound upstream client.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nakurity/neuro-relay/pkg/backend"
	"github.com/nakurity/neuro-relay/pkg/config"
	"github.com/nakurity/neuro-relay/pkg/linker"
	"github.com/nakurity/neuro-relay/pkg/neuro"
	"github.com/nakurity/neuro-relay/pkg/queue"
	"github.com/nakurity/neuro-relay/pkg/relay"
	"github.com/nakurity/neuro-relay/pkg/version"
)

const readyTimeout = 5 * time.Second

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "",
		"Path to relay.yaml (default: walk parent directories)")
	flag.Parse()

	// Load .env so {{.VAR}} expansion in relay.yaml sees it
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	slog.Info("Starting relay", "version", version.Full())

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Open the durable delivery queue, restoring pending entries from disk
	q := queue.Open(cfg.Intermediary.RelayQueue)
	if n := q.Len(); n > 0 {
		slog.Info("Restored pending deliveries", "count", n)
	}

	// 3. Metrics
	promReg := prometheus.NewRegistry()
	metrics := relay.NewMetrics(promReg, q.Len)

	// 4. Broker manager and action registry. The forwarder and the upstream
	// action handler both indirect through the backend constructed in step 6,
	// which is assigned before either server accepts a connection.
	var be *backend.Backend
	forward := relay.ForwarderFunc(func(ctx context.Context, from string, frame json.RawMessage) (any, error) {
		return be.Forward(ctx, from, frame)
	})
	manager := relay.NewManager(cfg.Intermediary.AuthToken, cfg.Intermediary.UploadDir,
		q, forward, metrics, 0)
	registry := relay.NewActionRegistry()

	// 5. Upstream client. The connect hook replays registrations so an
	// upstream restart keeps the action vocabulary.
	client := neuro.NewClient(neuro.ClientConfig{
		URL:         cfg.Upstream.URL(),
		Game:        cfg.Upstream.Game,
		MaxRetries:  cfg.Upstream.MaxRetries,
		BackoffBase: cfg.Upstream.Backoff,
	}, func(ctx context.Context, act neuro.IncomingAction) {
		be.HandleUpstreamAction(ctx, act)
	}, func(ctx context.Context, c *neuro.Client) error {
		if actions := registry.List(); len(actions) > 0 {
			return c.RegisterActions(ctx, actions)
		}
		return nil
	})

	// 6. Linker and backend, then close the loop
	lk := linker.New(client, cfg.Upstream.Game)
	be = backend.New(manager, registry, lk, metrics, 0)
	be.SetUpstream(client)

	protocol := backend.NewProtocolServer(be)
	drainer := queue.NewDrainer(q, manager, queue.DefaultDrainInterval)
	server := relay.NewServer(manager, promReg)

	// 7. Start both servers
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(cfg.Intermediary.Addr()); err != nil {
			return fmt.Errorf("broker server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := protocol.Start(cfg.Backend.Addr()); err != nil {
			return fmt.Errorf("backend server: %w", err)
		}
		return nil
	})

	readyCtx, cancelReady := context.WithTimeout(ctx, readyTimeout)
	defer cancelReady()
	if err := server.WaitUntilReady(readyCtx); err != nil {
		slog.Error("Broker never became ready", "error", err)
		os.Exit(1)
	}
	if err := protocol.WaitUntilReady(readyCtx); err != nil {
		slog.Error("Backend server never became ready", "error", err)
		os.Exit(1)
	}

	// 8. Start the workers
	lk.Start(ctx)
	drainer.Start(ctx)

	// The upstream connection is not on the fatal path: local peers stay
	// served while the backend is away.
	go func() {
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("Upstream client exited", "error", err)
		}
	}()

	slog.Info("Relay started",
		"intermediary", server.Addr(),
		"backend", protocol.Addr(),
		"upstream", cfg.Upstream.URL(),
		"pending", q.Len())

	// 9. Wait for shutdown signal or server failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case <-gctx.Done():
		slog.Error("A server failed, shutting down")
	}

	// 10. Graceful shutdown: workers first, then the servers
	client.Stop()
	lk.Stop()
	drainer.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 5*time.Second)
	defer cancelShutdown()
	if err := protocol.Shutdown(shutdownCtx); err != nil {
		slog.Error("Backend server shutdown error", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Broker shutdown error", "error", err)
	}
	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutdown complete")
}
