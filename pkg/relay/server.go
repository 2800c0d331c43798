package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nakurity/neuro-relay/pkg/version"
)

const (
	healthStatusHealthy = "healthy"
)

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Integrations int    `json:"integrations"`
	Watchers     int    `json:"watchers"`
	Pending      int    `json:"pending"`
}

// Server hosts the broker's HTTP surface: WebSocket upgrades on every path,
// a health endpoint, and Prometheus metrics.
type Server struct {
	manager  *Manager
	metricsH http.Handler

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server

	ready chan struct{}
}

// NewServer creates the broker server. gatherer backs GET /metrics; pass the
// registry the broker metrics were registered with.
func NewServer(manager *Manager, gatherer prometheus.Gatherer) *Server {
	return &Server{
		manager:  manager,
		metricsH: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		ready:    make(chan struct{}),
	}
}

// Start binds addr and serves until Shutdown or a listener failure. The
// readiness barrier opens once the listener is bound, before the first
// accept. Start is called at most once.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	srv := &http.Server{Handler: s.routes()}
	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.mu.Unlock()
	close(s.ready)

	slog.Info("Relay broker listening", "addr", ln.Addr().String())
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
		return fmt.Errorf("waiting for broker readiness: %w", ctx.Err())
	}
}

// Addr returns the bound listen address, or "" before Start. With a :0
// listen address this is how tests learn the assigned port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the HTTP server. Hijacked WebSocket connections are not
// tracked by it; they unwind when their peers disconnect or the process
// exits.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// routes builds the echo engine with the broker's three surfaces.
func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())
	e.GET("/healthz", s.healthHandler)
	e.GET("/metrics", s.metricsHandler)
	e.GET("/", s.wsHandler)
	e.GET("/*", s.wsHandler)
	return e
}

// wsHandler upgrades HTTP connections to WebSocket and delegates to the
// Manager. Peers may connect on any path.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Origin allow-listing is a deployment concern; peers authenticate
		// with the registration token instead.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.manager.HandleConnection(c.Request().Context(), conn)
	return nil
}

// healthHandler handles GET /healthz. Returns a minimal response suitable
// for unauthenticated access.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:       healthStatusHealthy,
		Version:      version.GitCommit,
		Integrations: s.manager.IntegrationCount(),
		Watchers:     s.manager.WatcherCount(),
		Pending:      s.manager.PendingCount(),
	})
}

// metricsHandler handles GET /metrics.
func (s *Server) metricsHandler(c *echo.Context) error {
	s.metricsH.ServeHTTP(c.Response(), c.Request())
	return nil
}
