// Package e2e provides end-to-end test infrastructure for the relay stack.
package e2e

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/nakurity/neuro-relay/pkg/backend"
	"github.com/nakurity/neuro-relay/pkg/linker"
	"github.com/nakurity/neuro-relay/pkg/neuro"
	"github.com/nakurity/neuro-relay/pkg/queue"
	"github.com/nakurity/neuro-relay/pkg/relay"
)

const (
	testToken = "e2e-test-token"
	testGame  = "relay-outbound"
)

// TestRelay boots a complete relay instance for e2e testing: broker server,
// backend protocol server, delivery queue with drainer, linker, and the
// outbound client connected to a fake upstream.
type TestRelay struct {
	// Core
	Manager  *relay.Manager
	Registry *relay.ActionRegistry
	Backend  *backend.Backend
	Queue    *queue.DeliveryQueue

	// Test wiring
	Upstream *fakeNeuroBackend

	// Runtime
	BrokerURL  string // e.g. "ws://127.0.0.1:54321"
	BackendURL string // e.g. "ws://127.0.0.1:54322"
	QueuePath  string

	t        *testing.T
	stopOnce sync.Once
	stop     func()
}

// testRelayConfig holds options accumulated before creating the TestRelay.
type testRelayConfig struct {
	queuePath    string
	forceTimeout time.Duration
}

// TestRelayOption configures the test relay.
type TestRelayOption func(*testRelayConfig)

// WithQueuePath reuses an existing queue file, simulating a restart with
// pending deliveries on disk.
func WithQueuePath(path string) TestRelayOption {
	return func(c *testRelayConfig) { c.queuePath = path }
}

// WithForceTimeout overrides the forced-action deadline.
func WithForceTimeout(d time.Duration) TestRelayOption {
	return func(c *testRelayConfig) { c.forceTimeout = d }
}

// NewTestRelay creates and starts a full relay test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestRelay(t *testing.T, opts ...TestRelayOption) *TestRelay {
	t.Helper()

	// Apply options.
	tc := &testRelayConfig{forceTimeout: time.Second}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.queuePath == "" {
		tc.queuePath = filepath.Join(t.TempDir(), "relay_queue.bin")
	}

	// 1. Fake upstream backend.
	upstream := newFakeNeuroBackend(t)

	// 2. Queue, metrics, broker manager. The forwarder and the client action
	// handler both indirect through be, which is assigned in step 4 before
	// any server accepts a connection.
	q := queue.Open(tc.queuePath)
	promReg := prometheus.NewRegistry()
	metrics := relay.NewMetrics(promReg, q.Len)
	var be *backend.Backend
	forward := relay.ForwarderFunc(func(ctx context.Context, from string, frame json.RawMessage) (any, error) {
		return be.Forward(ctx, from, frame)
	})
	manager := relay.NewManager(testToken, t.TempDir(), q, forward, metrics, 2*time.Second)
	registry := relay.NewActionRegistry()

	// 3. Outbound client with a short backoff so reconnect tests stay fast.
	client := neuro.NewClient(neuro.ClientConfig{
		URL:         upstream.url(),
		Game:        testGame,
		MaxRetries:  50,
		BackoffBase: 25 * time.Millisecond,
	}, func(ctx context.Context, act neuro.IncomingAction) {
		be.HandleUpstreamAction(ctx, act)
	}, func(ctx context.Context, c *neuro.Client) error {
		if actions := registry.List(); len(actions) > 0 {
			return c.RegisterActions(ctx, actions)
		}
		return nil
	})

	// 4. Linker and backend, then close the loop.
	lk := linker.New(client, testGame)
	be = backend.New(manager, registry, lk, metrics, tc.forceTimeout)
	be.SetUpstream(client)

	// 5. Servers on random ports.
	server := relay.NewServer(manager, promReg)
	protocol := backend.NewProtocolServer(be)
	go func() {
		if err := server.Start("127.0.0.1:0"); err != nil {
			t.Errorf("broker server exited: %v", err)
		}
	}()
	go func() {
		if err := protocol.Start("127.0.0.1:0"); err != nil {
			t.Errorf("backend server exited: %v", err)
		}
	}()

	readyCtx, cancelReady := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelReady()
	require.NoError(t, server.WaitUntilReady(readyCtx))
	require.NoError(t, protocol.WaitUntilReady(readyCtx))

	// 6. Workers: linker, drainer, upstream client.
	runCtx, cancelRun := context.WithCancel(context.Background())
	lk.Start(runCtx)
	drainer := queue.NewDrainer(q, manager, 200*time.Millisecond)
	drainer.Start(runCtx)
	go func() { _ = client.Run(runCtx) }()

	tr := &TestRelay{
		Manager:    manager,
		Registry:   registry,
		Backend:    be,
		Queue:      q,
		Upstream:   upstream,
		BrokerURL:  "ws://" + server.Addr(),
		BackendURL: "ws://" + protocol.Addr(),
		QueuePath:  tc.queuePath,
		t:          t,
	}

	// Shutdown in reverse-creation order.
	tr.stop = func() {
		client.Stop()
		lk.Stop()
		drainer.Stop()
		cancelRun()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = protocol.Shutdown(shutdownCtx)
		_ = server.Shutdown(shutdownCtx)
	}
	t.Cleanup(tr.Stop)

	return tr
}

// Stop shuts the whole stack down. Safe to call more than once; restart
// tests call it mid-test before booting a second instance on the same
// queue file.
func (tr *TestRelay) Stop() {
	tr.stopOnce.Do(tr.stop)
}

// ConnectWatcher registers a neuro-os watcher on the broker.
func (tr *TestRelay) ConnectWatcher(name string) *WSClient {
	tr.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := WSConnect(ctx, tr.BrokerURL)
	require.NoError(tr.t, err)
	tr.t.Cleanup(func() { _ = ws.Close() })
	require.NoError(tr.t, ws.Register(string(relay.KindWatcher), name, testToken))
	return ws
}

// ConnectIntegration registers an integration on the broker.
func (tr *TestRelay) ConnectIntegration(name string) *WSClient {
	tr.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := WSConnect(ctx, tr.BrokerURL)
	require.NoError(tr.t, err)
	tr.t.Cleanup(func() { _ = ws.Close() })
	require.NoError(tr.t, ws.Register(string(relay.KindIntegration), name, testToken))
	return ws
}

// ConnectBackendClient opens a raw Neuro-protocol connection to the backend
// adapter, as a game SDK would.
func (tr *TestRelay) ConnectBackendClient() *WSClient {
	tr.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := WSConnect(ctx, tr.BackendURL)
	require.NoError(tr.t, err)
	tr.t.Cleanup(func() { _ = ws.Close() })
	return ws
}
