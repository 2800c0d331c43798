package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	echo "github.com/labstack/echo/v5"
)

// AuthRequest is the body for POST /auth.
type AuthRequest struct {
	ModuleName string `json:"module_name"`
}

// AuthResponse carries a freshly issued token.
type AuthResponse struct {
	AuthToken string `json:"auth_token"`
}

// IdentifyRequest is the body for POST /identify.
type IdentifyRequest struct {
	ModuleName string         `json:"module_name"`
	AuthToken  string         `json:"auth_token"`
	Identity   map[string]any `json:"identity"`
}

// StatusResponse acknowledges a successful registration.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Server hosts the identity HTTP surface.
type Server struct {
	service *Service

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server

	ready chan struct{}
}

// NewServer creates the HTTP server for the given identity service.
func NewServer(service *Service) *Server {
	return &Server{
		service: service,
		ready:   make(chan struct{}),
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

	srv := &http.Server{Handler: s.routes()}
	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.mu.Unlock()
	close(s.ready)

	slog.Info("Identity server listening", "addr", ln.Addr().String())
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
		return fmt.Errorf("waiting for identity server readiness: %w", ctx.Err())
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

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.POST("/auth", s.authHandler)
	e.POST("/identify", s.identifyHandler)
	e.POST("/nakurity/identify", s.identifyBackendHandler)
	e.GET("/identities", s.listHandler)
	return e
}

// authHandler handles POST /auth: an integration requests an auth token.
func (s *Server) authHandler(c *echo.Context) error {
	// 1. Bind HTTP request
	var req AuthRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// 2. Validate required fields
	if req.ModuleName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing module_name")
	}

	// 3. Issue and return the token
	token, err := s.service.IssueToken(req.ModuleName)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &AuthResponse{AuthToken: token})
}

// identifyHandler handles POST /identify: an integration presents its token
// and identity document.
func (s *Server) identifyHandler(c *echo.Context) error {
	var req IdentifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if req.ModuleName == "" || req.AuthToken == "" || len(req.Identity) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing required fields")
	}

	if err := s.service.RegisterIdentity(req.ModuleName, req.AuthToken, req.Identity, SourceIntegration); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &StatusResponse{Status: "ok", Message: "Integration identified"})
}

// identifyBackendHandler handles POST /nakurity/identify: the backend
// reports its own identity document.
func (s *Server) identifyBackendHandler(c *echo.Context) error {
	var identity map[string]any
	if err := c.Bind(&identity); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	s.service.IdentifyBackend(identity)
	return c.JSON(http.StatusOK, &StatusResponse{Status: "ok", Message: "Nakurity registered"})
}

// listHandler handles GET /identities.
func (s *Server) listHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.service.ListIdentities())
}
