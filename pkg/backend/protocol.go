package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// ProtocolServer hosts the integration-facing WebSocket listener. Unlike the
// broker it has no HTTP surface beyond the upgrade: every path accepts a
// client speaking the upstream command vocabulary.
type ProtocolServer struct {
	backend *Backend

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server

	ready chan struct{}
}

// NewProtocolServer creates the protocol server for the given backend.
func NewProtocolServer(b *Backend) *ProtocolServer {
	return &ProtocolServer{
		backend: b,
		ready:   make(chan struct{}),
	}
}

// Start binds addr and serves until Shutdown or a listener failure. The
// readiness barrier opens once the listener is bound. Start is called at
// most once.
func (s *ProtocolServer) Start(addr string) error {
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

	slog.Info("Backend protocol server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving %s: %w", addr, err)
	}
	return nil
}

// WaitUntilReady blocks until the listener is bound or ctx expires.
func (s *ProtocolServer) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for protocol server readiness: %w", ctx.Err())
	}
}

// Addr returns the bound listen address, or "" before Start.
func (s *ProtocolServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the HTTP server. Live WebSocket clients unwind when their
// peers disconnect or the process exits.
func (s *ProtocolServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *ProtocolServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Clients identify through their first frame's game field; origin
		// checks are left to the deployment layer.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("Backend protocol upgrade failed", "error", err)
		return
	}

	// HandleClient blocks until the WebSocket closes.
	s.backend.HandleClient(r.Context(), conn)
}
