package neuro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Reconnect schedule defaults. The delay before attempt n is
// BackoffBase << min(n, backoffMaxShift), never above backoffCap.
const (
	DefaultMaxRetries   = 10
	DefaultBackoffBase  = time.Second
	backoffCap          = 128 * time.Second
	backoffMaxShift     = 6
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// ErrRetriesExhausted is returned by Run after MaxRetries consecutive failed
// dials. The caller decides whether that is fatal; the rest of the relay can
// keep serving without an upstream.
var ErrRetriesExhausted = errors.New("upstream retries exhausted")

// ErrNotConnected is returned by Send when there is no live upstream
// connection.
var ErrNotConnected = errors.New("upstream not connected")

// ActionHandler receives each action request read from the upstream backend.
type ActionHandler func(ctx context.Context, action IncomingAction)

// ConnectHook runs after each successful dial and startup send. Used to
// announce the session and replay already-known action registrations.
type ConnectHook func(ctx context.Context, c *Client) error

// ClientConfig configures the outbound Client.
type ClientConfig struct {
	URL          string        // upstream ws:// URL
	Game         string        // game name stamped on every outbound message
	MaxRetries   int           // consecutive failed dials before Run gives up
	BackoffBase  time.Duration // first retry delay, doubled per failed attempt
	WriteTimeout time.Duration
}

// Client maintains the outbound WebSocket to the upstream backend. Run dials
// with exponential backoff, replays the startup handshake on every reconnect,
// and hands each incoming action frame to the handler.
type Client struct {
	cfg       ClientConfig
	handler   ActionHandler
	onConnect ConnectHook

	mu   sync.RWMutex
	conn *websocket.Conn

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewClient creates an outbound client. handler and onConnect may be nil.
// Zero config fields fall back to the package defaults.
func NewClient(cfg ClientConfig, handler ActionHandler, onConnect ConnectHook) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Client{
		cfg:       cfg,
		handler:   handler,
		onConnect: onConnect,
		stopCh:    make(chan struct{}),
	}
}

// Backoff returns the reconnect delay for the given zero-based attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if attempt > backoffMaxShift {
		attempt = backoffMaxShift
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base << uint(attempt)
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// Run dials the upstream and pumps incoming frames until ctx is cancelled,
// Stop is called, or MaxRetries consecutive dials fail. A successful dial
// resets the retry budget.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			attempt++
			if attempt > c.cfg.MaxRetries {
				slog.Error("Upstream backend unreachable, giving up",
					"url", c.cfg.URL, "attempts", attempt-1)
				return fmt.Errorf("connecting to %s: %w", c.cfg.URL, ErrRetriesExhausted)
			}
			delay := Backoff(c.cfg.BackoffBase, attempt-1)
			slog.Warn("Upstream dial failed, retrying",
				"url", c.cfg.URL, "attempt", attempt, "delay", delay, "error", err)
			if !c.sleep(ctx, delay) {
				return nil
			}
			continue
		}

		attempt = 0
		c.setConn(conn)
		slog.Info("Connected to upstream backend", "url", c.cfg.URL, "game", c.cfg.Game)

		if err := c.Send(ctx, NewStartup(c.cfg.Game)); err != nil {
			slog.Warn("Upstream startup send failed", "error", err)
		} else if c.onConnect != nil {
			if err := c.onConnect(ctx, c); err != nil {
				slog.Warn("Upstream connect hook failed", "error", err)
			}
		}

		readErr := c.readLoop(ctx, conn)
		c.setConn(nil)
		_ = conn.Close(websocket.StatusNormalClosure, "")

		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		slog.Warn("Upstream connection lost, reconnecting", "url", c.cfg.URL, "error", readErr)
	}
}

// Stop terminates Run and closes any live connection. Safe to call more than
// once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
}

// Connected reports whether a live upstream connection exists.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Send writes one message to the upstream, stamping Game when unset.
func (c *Client) Send(ctx context.Context, msg Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	if msg.Game == "" {
		msg.Game = c.cfg.Game
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", msg.Command, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing %s message: %w", msg.Command, err)
	}
	return nil
}

// SendContext sends a "context" message.
func (c *Client) SendContext(ctx context.Context, message string, silent bool) error {
	msg, err := NewContext(c.cfg.Game, message, silent)
	if err != nil {
		return err
	}
	return c.Send(ctx, msg)
}

// RegisterActions sends an "actions/register" message.
func (c *Client) RegisterActions(ctx context.Context, actions []Action) error {
	msg, err := NewRegisterActions(c.cfg.Game, actions)
	if err != nil {
		return err
	}
	return c.Send(ctx, msg)
}

// SendActionResult sends an "action/result" message.
func (c *Client) SendActionResult(ctx context.Context, id string, success bool, message string) error {
	msg, err := NewActionResult(c.cfg.Game, id, success, message)
	if err != nil {
		return err
	}
	return c.Send(ctx, msg)
}

// readLoop decodes upstream frames until the connection drops. Only "action"
// frames are dispatched; anything else is logged and skipped.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Unparseable upstream frame", "error", err)
			continue
		}
		if msg.Command != CommandAction {
			slog.Debug("Ignoring upstream command", "command", msg.Command)
			continue
		}
		var act IncomingAction
		if err := json.Unmarshal(msg.Data, &act); err != nil {
			slog.Warn("Malformed upstream action frame", "error", err)
			continue
		}
		if c.handler != nil {
			c.handler(ctx, act)
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	return conn, err
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// sleep waits for d, returning false early when the client is stopping.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-c.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
