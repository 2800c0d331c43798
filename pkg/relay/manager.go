package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nakurity/neuro-relay/pkg/queue"
)

// defaultWriteTimeout bounds every outbound socket write. A peer that cannot
// drain within this window is treated as failed.
const defaultWriteTimeout = 10 * time.Second

// Forwarder receives every well-formed integration text frame after watcher
// fan-out. A non-nil return value is wrapped {"result": ...} and sent back to
// the originating integration; an error is surfaced to it as a forward
// failure reply. Injected at construction; the manager never changes it.
type Forwarder interface {
	Forward(ctx context.Context, from string, frame json.RawMessage) (any, error)
}

// ForwarderFunc adapts a function to the Forwarder interface. Composition
// roots use it to close the manager/backend construction cycle with a closure
// over the later-built backend.
type ForwarderFunc func(ctx context.Context, from string, frame json.RawMessage) (any, error)

// Forward calls f.
func (f ForwarderFunc) Forward(ctx context.Context, from string, frame json.RawMessage) (any, error) {
	return f(ctx, from, frame)
}

// Peer is one live registered connection: its identity plus the send handle.
// Owned by the Manager from registration until disconnect or replacement.
type Peer struct {
	ID          string
	Kind        PeerKind
	Name        string
	ConnectedAt time.Time

	Conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager is the broker core. It authenticates new connections, keeps the
// integration and watcher registries, fans notifications out to watchers, and
// routes targeted sends, spilling payloads for absent integrations into the
// durable queue.
type Manager struct {
	authToken    string
	uploadDir    string
	queue        *queue.DeliveryQueue
	metrics      *Metrics
	forwarder    Forwarder
	writeTimeout time.Duration

	// Registries. Integrations are keyed by name (a reconnect under the same
	// name replaces the previous socket); watchers are keyed by connection ID
	// so several watchers may share a display name.
	mu           sync.RWMutex
	integrations map[string]*Peer
	watchers     map[string]*Peer
}

// NewManager creates a broker manager. q receives payloads addressed to
// integrations that are not currently connected; forwarder may be nil, in
// which case integration frames are fanned to watchers and dropped; metrics
// may be nil.
func NewManager(authToken, uploadDir string, q *queue.DeliveryQueue, forwarder Forwarder, metrics *Metrics, writeTimeout time.Duration) *Manager {
	if uploadDir == "" {
		uploadDir = "."
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Manager{
		authToken:    authToken,
		uploadDir:    uploadDir,
		queue:        q,
		metrics:      metrics,
		forwarder:    forwarder,
		writeTimeout: writeTimeout,
		integrations: make(map[string]*Peer),
		watchers:     make(map[string]*Peer),
	}
}

// HandleConnection runs the lifecycle of one accepted WebSocket connection:
// registration handshake, registry install, then the per-kind read loop.
// Called by the HTTP handler after upgrade; blocks until the connection
// closes.
func (m *Manager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	p := &Peer{
		ID:          uuid.New().String(),
		ConnectedAt: time.Now(),
		Conn:        conn,
		ctx:         ctx,
		cancel:      cancel,
	}

	if !m.handshake(p) {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	m.register(p)
	defer m.unregister(p)

	switch p.Kind {
	case KindIntegration:
		m.integrationLoop(p)
	case KindWatcher:
		m.watcherLoop(p)
	}
}

// handshake reads and validates the registration frame, filling in the
// peer's kind and name. Returns false when the connection must be closed
// without registering.
func (m *Manager) handshake(p *Peer) bool {
	_, data, err := p.Conn.Read(p.ctx)
	if err != nil {
		return false
	}

	var hello Hello
	if err := json.Unmarshal(data, &hello); err != nil {
		m.sendJSON(p, ErrorReply{Error: errRegistrationNotJSON})
		return false
	}
	if hello.AuthToken != m.authToken {
		m.sendJSON(p, ErrorReply{Error: errInvalidAuthToken})
		return false
	}
	switch PeerKind(hello.Type) {
	case KindIntegration, KindWatcher:
		p.Kind = PeerKind(hello.Type)
	default:
		m.sendJSON(p, ErrorReply{Error: errUnknownType})
		return false
	}

	p.Name = hello.Name
	if p.Name == "" {
		p.Name = "unknown"
	}
	return true
}

// register installs the peer and announces it to watchers. An integration
// reconnecting under a name already in use replaces the prior entry; the
// prior socket is closed.
func (m *Manager) register(p *Peer) {
	var prior *Peer
	m.mu.Lock()
	switch p.Kind {
	case KindIntegration:
		prior = m.integrations[p.Name]
		m.integrations[p.Name] = p
	case KindWatcher:
		m.watchers[p.ID] = p
	}
	m.mu.Unlock()

	if prior != nil {
		prior.cancel()
		_ = prior.Conn.Close(websocket.StatusNormalClosure, "replaced")
	}

	m.metrics.PeerConnected(p.Kind)
	slog.Info("Peer registered",
		"kind", p.Kind, "name", p.Name, "connection_id", p.ID)

	event := EventIntegrationConnected
	if p.Kind == KindWatcher {
		event = EventWatcherConnected
	}
	m.NotifyWatchers(PeerEventPayload{Event: event, Name: p.Name})
}

// unregister removes the peer and announces the disconnect. A peer that was
// replaced by a newer connection under the same name leaves the newer entry
// untouched and emits no disconnect event, since the name is still live.
func (m *Manager) unregister(p *Peer) {
	replaced := false
	m.mu.Lock()
	switch p.Kind {
	case KindIntegration:
		if cur := m.integrations[p.Name]; cur == p {
			delete(m.integrations, p.Name)
		} else if cur != nil {
			replaced = true
		}
	case KindWatcher:
		delete(m.watchers, p.ID)
	}
	m.mu.Unlock()

	p.cancel()
	_ = p.Conn.Close(websocket.StatusNormalClosure, "")
	m.metrics.PeerDisconnected(p.Kind)

	if replaced {
		return
	}
	slog.Info("Peer disconnected", "kind", p.Kind, "name", p.Name)

	event := EventIntegrationDisconnected
	if p.Kind == KindWatcher {
		event = EventWatcherDisconnected
	}
	m.NotifyWatchers(PeerEventPayload{Event: event, Name: p.Name})
}

// integrationLoop processes frames from one integration until its socket
// closes. Per-frame errors never terminate the loop.
func (m *Manager) integrationLoop(p *Peer) {
	for {
		typ, data, err := p.Conn.Read(p.ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			m.handleBinaryFrame(p, data)
			continue
		}
		m.handleIntegrationFrame(p, data)
	}
}

// handleIntegrationFrame fans one text frame out to watchers and then hands
// it to the forwarder. Frames that are not valid JSON are wrapped as raw_text
// and processed the same way.
func (m *Manager) handleIntegrationFrame(p *Peer, data []byte) {
	m.metrics.FrameRelayed(directionIntegrationIn)

	if !json.Valid(data) {
		wrapped, err := json.Marshal(RawTextPayload{Action: "raw_text", Raw: string(data)})
		if err != nil {
			slog.Warn("Failed to wrap raw text frame", "from", p.Name, "error", err)
			return
		}
		data = wrapped
	}

	// Watchers observe the frame before the forwarder runs, so they see
	// traffic even when forwarding fails.
	m.NotifyWatchers(IntegrationMessagePayload{
		Event:   EventIntegrationMessage,
		From:    p.Name,
		Payload: json.RawMessage(data),
	})

	if m.forwarder == nil {
		return
	}
	result, err := m.forwarder.Forward(p.ctx, p.Name, json.RawMessage(data))
	if err != nil {
		slog.Error("Forwarding integration frame failed",
			"from", p.Name, "error", err)
		m.sendJSON(p, ErrorReply{Error: errForwardFailed})
		return
	}
	if result != nil {
		m.sendJSON(p, ResultReply{Result: result})
	}
}

// handleBinaryFrame writes a binary frame to the upload file for the sending
// integration (overwriting any previous upload) and summarizes it to
// watchers.
func (m *Manager) handleBinaryFrame(p *Peer, data []byte) {
	m.metrics.FrameRelayed(directionIntegrationIn)

	file := filepath.Join(m.uploadDir, "upload_"+filepath.Base(p.Name)+".bin")
	if err := os.WriteFile(file, data, 0o644); err != nil {
		slog.Error("Failed to store binary frame",
			"from", p.Name, "file", file, "error", err)
		return
	}
	slog.Info("Stored binary frame", "from", p.Name, "size", len(data), "file", file)

	m.NotifyWatchers(BinaryReceivedPayload{
		Event: EventBinaryReceived,
		From:  p.Name,
		Size:  len(data),
		File:  file,
	})
}

// watcherLoop processes command frames from one watcher until its socket
// closes.
func (m *Manager) watcherLoop(p *Peer) {
	for {
		_, data, err := p.Conn.Read(p.ctx)
		if err != nil {
			return
		}
		m.handleWatcherFrame(p, data)
	}
}

// handleWatcherFrame delivers one watcher command to its target integration.
// Malformed frames and unknown targets are answered with an error reply; the
// watcher connection stays open either way.
func (m *Manager) handleWatcherFrame(p *Peer, data []byte) {
	m.metrics.FrameRelayed(directionWatcherIn)

	var cmd WatcherCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		m.sendJSON(p, ErrorReply{Error: errWatcherNotJSON})
		return
	}
	if cmd.Target == "" || len(cmd.Cmd) == 0 || bytes.Equal(cmd.Cmd, []byte("null")) {
		m.sendJSON(p, ErrorReply{Error: errInvalidTargetCmd})
		return
	}

	m.mu.RLock()
	target := m.integrations[cmd.Target]
	m.mu.RUnlock()
	if target == nil {
		m.sendJSON(p, ErrorReply{Error: errInvalidTargetCmd})
		return
	}

	relayed, err := json.Marshal(WatcherRelayPayload{FromWatcher: p.Name, Cmd: cmd.Cmd})
	if err != nil {
		m.sendJSON(p, ErrorReply{Error: errDeliveryFailed})
		return
	}
	if err := m.sendRaw(target, relayed); err != nil {
		slog.Warn("Failed to deliver watcher command",
			"watcher", p.Name, "target", cmd.Target, "error", err)
		m.sendJSON(p, ErrorReply{Error: errDeliveryFailed})
		return
	}
	m.metrics.FrameRelayed(directionIntegrationOut)
	m.sendJSON(p, StatusReply{Status: statusSent})
}

// NotifyWatchers fans a JSON object out to every connected watcher. A watcher
// whose send fails is dropped from the registry; delivery to the remaining
// watchers continues.
func (m *Manager) NotifyWatchers(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal watcher notification", "error", err)
		return
	}

	// Snapshot under the lock, write outside it. A slow watcher must not
	// stall registration or other fan-outs.
	m.mu.RLock()
	targets := make([]*Peer, 0, len(m.watchers))
	for _, w := range m.watchers {
		targets = append(targets, w)
	}
	m.mu.RUnlock()

	for _, w := range targets {
		if err := m.sendRaw(w, data); err != nil {
			slog.Warn("Dropping watcher after failed send",
				"name", w.Name, "connection_id", w.ID, "error", err)
			m.metrics.NotifyFailed()
			m.dropWatcher(w)
			continue
		}
		m.metrics.FrameRelayed(directionWatcherOut)
	}
}

// BroadcastIntegrations sends a JSON object to every connected integration,
// dropping integrations whose send fails.
func (m *Manager) BroadcastIntegrations(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal integration broadcast", "error", err)
		return
	}

	m.mu.RLock()
	targets := make([]*Peer, 0, len(m.integrations))
	for _, p := range m.integrations {
		targets = append(targets, p)
	}
	m.mu.RUnlock()

	for _, p := range targets {
		if err := m.sendRaw(p, data); err != nil {
			slog.Warn("Dropping integration after failed send",
				"name", p.Name, "error", err)
			m.dropIntegration(p)
			continue
		}
		m.metrics.FrameRelayed(directionIntegrationOut)
	}
}

// SendToIntegration delivers a payload to the named integration. If the
// target is not connected the payload goes to the durable queue and nil is
// returned; the drain worker delivers it after the target reconnects. A
// failed send to a connected target is an error and is not queued.
func (m *Manager) SendToIntegration(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", name, err)
	}

	m.mu.RLock()
	p := m.integrations[name]
	m.mu.RUnlock()

	if p == nil {
		m.queue.Enqueue(name, data)
		return nil
	}
	if err := m.sendRaw(p, data); err != nil {
		return fmt.Errorf("sending to integration %s: %w", name, err)
	}
	m.metrics.FrameRelayed(directionIntegrationOut)
	return nil
}

// IsConnected reports whether the named integration has a live connection.
func (m *Manager) IsConnected(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.integrations[name] != nil
}

// DeliverPending sends one queued payload to its reconnected target. Part of
// the queue.Sender contract; the drain worker keeps the entry on failure.
func (m *Manager) DeliverPending(ctx context.Context, target string, payload json.RawMessage) error {
	m.mu.RLock()
	p := m.integrations[target]
	m.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("integration %s not connected", target)
	}

	writeCtx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()
	if err := p.Conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("delivering to integration %s: %w", target, err)
	}
	m.metrics.FrameRelayed(directionIntegrationOut)
	return nil
}

// IntegrationCount returns the number of connected integrations.
func (m *Manager) IntegrationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.integrations)
}

// WatcherCount returns the number of connected watchers.
func (m *Manager) WatcherCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.watchers)
}

// PendingCount returns the durable queue depth.
func (m *Manager) PendingCount() int {
	return m.queue.Len()
}

// dropWatcher removes a watcher whose send failed and cancels its context so
// the read loop unwinds; the disconnect notification comes from the normal
// unregister path.
func (m *Manager) dropWatcher(p *Peer) {
	m.mu.Lock()
	delete(m.watchers, p.ID)
	m.mu.Unlock()
	p.cancel()
}

// dropIntegration removes an integration whose send failed, unless a newer
// connection already replaced it under the same name.
func (m *Manager) dropIntegration(p *Peer) {
	m.mu.Lock()
	if m.integrations[p.Name] == p {
		delete(m.integrations, p.Name)
	}
	m.mu.Unlock()
	p.cancel()
}

// sendJSON marshals and sends a protocol reply to one peer. Failures are
// logged; the peer's read loop notices a dead socket on its own.
func (m *Manager) sendJSON(p *Peer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal reply", "name", p.Name, "error", err)
		return
	}
	if err := m.sendRaw(p, data); err != nil {
		slog.Warn("Failed to send reply", "name", p.Name, "error", err)
	}
}

// sendRaw sends raw bytes to a single peer with the write timeout applied.
func (m *Manager) sendRaw(p *Peer, data []byte) error {
	writeCtx, cancel := context.WithTimeout(p.ctx, m.writeTimeout)
	defer cancel()
	return p.Conn.Write(writeCtx, websocket.MessageText, data)
}
