package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nakurity/neuro-relay/pkg/relay"
)

const (
	// reconnectDelay is the fixed wait between side-channel dial attempts.
	reconnectDelay = 2 * time.Second
	dialTimeout    = 5 * time.Second
	writeTimeout   = 10 * time.Second
)

// SideChannel keeps a registered integration connection to the Intermediary
// so the proxy can publish observations where watchers already listen.
// Events raised while the link is down are dropped.
type SideChannel struct {
	url   string
	name  string
	token string
	delay time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewSideChannel creates a side channel that registers with the broker at
// url under the given integration name.
func NewSideChannel(url, name, token string) *SideChannel {
	return &SideChannel{
		url:   url,
		name:  name,
		token: token,
		delay: reconnectDelay,
	}
}

// Connected reports whether the Intermediary link is currently up.
func (s *SideChannel) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Run dials the Intermediary and keeps the link alive until ctx is
// cancelled, waiting a fixed delay between attempts.
func (s *SideChannel) Run(ctx context.Context) {
	for {
		if err := s.session(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("Side channel connection lost", "url", s.url, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.delay):
		}
	}
}

// session runs one connection: dial, register, then hold the socket open,
// discarding broadcast traffic and forward replies so it stays drained.
func (s *SideChannel) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dialing intermediary: %w", err)
	}
	defer func() {
		s.setConn(nil)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	hello, err := json.Marshal(relay.Hello{
		Type:      string(relay.KindIntegration),
		Name:      s.name,
		AuthToken: s.token,
	})
	if err != nil {
		return fmt.Errorf("encoding registration: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, hello)
	cancel()
	if err != nil {
		return fmt.Errorf("registering with intermediary: %w", err)
	}

	s.setConn(conn)
	slog.Info("Side channel registered with intermediary", "name", s.name)

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}
	}
}

func (s *SideChannel) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// Notify publishes one event frame to the Intermediary. Failed writes are
// logged and the event is dropped; the reconnect loop restores the link.
func (s *SideChannel) Notify(v any) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Dropping unencodable side event", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("Side event write failed", "error", err)
	}
}
