package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nakurity/neuro-relay/pkg/neuro"
)

// fakeNeuroBackend stands in for the upstream Neuro backend. It accepts the
// relay's outbound connection, records every frame it receives, and can push
// "action" frames back down the socket.
type fakeNeuroBackend struct {
	server *httptest.Server
	frames chan map[string]any

	mu   sync.Mutex
	conn *websocket.Conn // latest accepted connection
}

func newFakeNeuroBackend(t *testing.T) *fakeNeuroBackend {
	t.Helper()
	f := &fakeNeuroBackend{frames: make(chan map[string]any, 64)}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				select {
				case f.frames <- msg:
				default:
				}
			}
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeNeuroBackend) url() string {
	return "ws" + f.server.URL[len("http"):]
}

// nextCommand waits for the next frame carrying the given command, skipping
// everything else. The relay sends its own startup on every connect, so
// callers filter rather than count.
func (f *fakeNeuroBackend) nextCommand(t *testing.T, command string) map[string]any {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-f.frames:
			if msg["command"] == command {
				return msg
			}
		case <-deadline:
			t.Fatalf("upstream never received a %q frame", command)
			return nil
		}
	}
}

// sendAction pushes an "action" frame to the relay's outbound client,
// waiting for the relay to dial in first.
func (f *fakeNeuroBackend) sendAction(t *testing.T, id, name, data string) {
	t.Helper()
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		f.mu.Lock()
		conn = f.conn
		f.mu.Unlock()
		return conn != nil
	}, 5*time.Second, 25*time.Millisecond, "relay never connected upstream")

	env, err := neuro.NewAction(id, name, data)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, raw))
}
