// Package proxy implements the intercept proxy: a transparent WebSocket
// pass-through between an integration and its real backend that reports
// matched commands to the Intermediary over a side channel.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/nakurity/neuro-relay/pkg/relay"
)

// DefaultMatchCommands are the command values reported when no explicit
// match set is configured.
var DefaultMatchCommands = []string{"startup", "actions/register", "context"}

// Notifier carries side-channel events into the Intermediary.
type Notifier interface {
	Notify(v any)
}

// Config holds the per-stream proxy settings. The listen address is passed
// to Start.
type Config struct {
	// UpstreamURL is the real backend every proxied client is piped to.
	UpstreamURL string
	// MatchCommands lists the command values that trigger observations.
	// Empty falls back to DefaultMatchCommands.
	MatchCommands []string
}

// Server accepts integration sockets and pipes each one to a fresh upstream
// socket, inspecting client frames on the way through.
type Server struct {
	upstreamURL string
	match       map[string]struct{}
	side        Notifier

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server

	ready chan struct{}
}

// NewServer creates a proxy server publishing observations through side.
func NewServer(cfg Config, side Notifier) *Server {
	cmds := cfg.MatchCommands
	if len(cmds) == 0 {
		cmds = DefaultMatchCommands
	}
	match := make(map[string]struct{}, len(cmds))
	for _, cmd := range cmds {
		match[cmd] = struct{}{}
	}
	return &Server{
		upstreamURL: cfg.UpstreamURL,
		match:       match,
		side:        side,
		ready:       make(chan struct{}),
	}
}

// Start binds addr and serves until Shutdown or a listener failure. The
// readiness barrier opens once the listener is bound. Start is called at
// most once.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	srv := &http.Server{Handler: http.HandlerFunc(s.handleWS)}
	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.mu.Unlock()
	close(s.ready)

	slog.Info("Intercept proxy listening", "addr", ln.Addr().String(), "upstream", s.upstreamURL)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving %s: %w", addr, err)
	}
	return nil
}

// WaitUntilReady blocks until the listener is bound or ctx expires.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for proxy readiness: %w", ctx.Err())
	}
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the HTTP server. Live proxied streams unwind when either
// of their peers disconnects.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The proxy is transparent; origin checks belong to the upstream.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("Proxy upgrade failed", "error", err)
		return
	}

	s.proxy(r.Context(), client, r.RemoteAddr)
}

// proxy runs one stream until either side closes, then tears down both
// sockets and reports the disconnect.
func (s *Server) proxy(ctx context.Context, client *websocket.Conn, peer string) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	upstream, _, err := websocket.Dial(dialCtx, s.upstreamURL, nil)
	cancel()
	if err != nil {
		slog.Error("Upstream dial failed", "url", s.upstreamURL, "error", err)
		client.Close(websocket.StatusBadGateway, "upstream unavailable")
		return
	}

	slog.Info("Proxy client connected", "peer", peer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pumpToUpstream(gctx, client, upstream, peer) })
	g.Go(func() error { return pumpToClient(gctx, upstream, client) })

	// The first pump to fail cancels gctx, unblocking the other.
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Debug("Proxy stream ended", "peer", peer, "error", err)
	}

	client.Close(websocket.StatusNormalClosure, "")
	upstream.Close(websocket.StatusNormalClosure, "")

	s.side.Notify(SideEvent{
		Event:   relay.EventIntegrationDisconnected,
		Via:     sideChannelVia,
		Details: DisconnectDetails{Client: peer},
	})
	slog.Info("Proxy client disconnected", "peer", peer)
}

// pumpToUpstream forwards client frames unchanged, reporting matched text
// commands on the side channel first.
func (s *Server) pumpToUpstream(ctx context.Context, client, upstream *websocket.Conn, peer string) error {
	for {
		typ, data, err := client.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageText {
			s.observe(data, peer)
		}
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = upstream.Write(writeCtx, typ, data)
		cancel()
		if err != nil {
			return err
		}
	}
}

func pumpToClient(ctx context.Context, upstream, client *websocket.Conn) error {
	for {
		typ, data, err := upstream.Read(ctx)
		if err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = client.Write(writeCtx, typ, data)
		cancel()
		if err != nil {
			return err
		}
	}
}

// observe reports the frame when its command is in the match set. Non-JSON
// and non-object frames pass through silently.
func (s *Server) observe(data []byte, peer string) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil || payload == nil {
		return
	}
	cmd, _ := payload["command"].(string)
	if cmd == "" {
		return
	}
	if _, ok := s.match[cmd]; !ok {
		return
	}

	s.side.Notify(SideEvent{
		Event: relay.EventIntegrationConnected,
		Via:   sideChannelVia,
		Details: ObservationDetails{
			Client:       peer,
			FirstCommand: cmd,
			Snippet:      snippet(payload["data"]),
		},
	})
}

// snippet keeps the frame's data field when it is an object, list, or
// string; anything else reports null.
func snippet(v any) any {
	switch v.(type) {
	case map[string]any, []any, string:
		return v
	default:
		return nil
	}
}
