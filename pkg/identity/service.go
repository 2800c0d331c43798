// Package identity implements the Nakurity ID service: per-module auth
// token issuance and verified identity registration over HTTP.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Identity sources. Integrations identify with an issued token; the backend
// identifies itself directly.
const (
	SourceIntegration = "integration"
	SourceBackend     = "backend"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	ErrUnknownModule = errors.New("module has no issued token")
	ErrTokenMismatch = errors.New("auth token mismatch")
)

// Record is a verified identity held for one module.
type Record struct {
	ModuleName string         `json:"module_name"`
	Identity   map[string]any `json:"identity"`
	Source     string         `json:"source"`
}

// Summary is the public projection of a Record, keyed by module name in
// ListIdentities.
type Summary struct {
	Source   string         `json:"source"`
	Identity map[string]any `json:"identity"`
}

// Service issues per-module auth tokens and stores verified identities.
// Tokens here are independent of the broker's shared registration token.
type Service struct {
	mu        sync.Mutex
	tokens    map[string]string // module name -> issued token
	records   map[string]Record
	backendID map[string]any // the backend's self-reported identity
}

// NewService creates an empty identity store.
func NewService() *Service {
	return &Service{
		tokens:  make(map[string]string),
		records: make(map[string]Record),
	}
}

// IssueToken creates and stores a fresh 16-byte hex token for the module.
// Re-issuing replaces the prior token and invalidates it.
func (s *Service) IssueToken(module string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token for %s: %w", module, err)
	}
	token := hex.EncodeToString(buf)

	s.mu.Lock()
	s.tokens[module] = token
	s.mu.Unlock()

	slog.Info("Issued auth token", "module", module)
	return token, nil
}

// VerifyToken checks token against the one issued to module.
func (s *Service) VerifyToken(module, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.tokens[module]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, module)
	}
	if stored != token {
		return fmt.Errorf("%w: %s", ErrTokenMismatch, module)
	}
	return nil
}

// RegisterIdentity verifies the token and stores the identity under module.
func (s *Service) RegisterIdentity(module, token string, identity map[string]any, source string) error {
	if err := s.VerifyToken(module, token); err != nil {
		return err
	}

	s.mu.Lock()
	s.records[module] = Record{ModuleName: module, Identity: identity, Source: source}
	s.mu.Unlock()

	slog.Info("Registered identity", "module", module, "source", source)
	return nil
}

// IdentifyBackend stores the backend's self-reported identity. No token is
// required; the backend route is trusted to local callers.
func (s *Service) IdentifyBackend(identity map[string]any) {
	s.mu.Lock()
	s.backendID = identity
	s.mu.Unlock()

	slog.Info("Nakurity backend identified")
}

// BackendIdentity returns the stored backend identity, or nil before the
// backend has identified itself.
func (s *Service) BackendIdentity() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendID
}

// Resolve returns the record held for module.
func (s *Service) Resolve(module string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[module]
	return rec, ok
}

// ListIdentities returns a summary of every registered identity.
func (s *Service) ListIdentities() map[string]Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Summary, len(s.records))
	for name, rec := range s.records {
		out[name] = Summary{Source: rec.Source, Identity: rec.Identity}
	}
	return out
}
