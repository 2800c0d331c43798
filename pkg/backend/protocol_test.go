package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nakurity/neuro-relay/pkg/neuro"
	"github.com/nakurity/neuro-relay/pkg/relay"
)

type protoEnv struct {
	*backendEnv
	server *httptest.Server
}

func setupProtocol(t *testing.T) *protoEnv {
	t.Helper()
	env := newTestBackend(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		env.backend.HandleClient(r.Context(), conn)
	}))
	t.Cleanup(server.Close)

	return &protoEnv{backendEnv: env, server: server}
}

func connectWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+url[len("http"):], nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// expectNoFrame asserts nothing arrives on conn within the given window.
func expectNoFrame(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err, "expected no frame")
}

// startupClient connects and announces itself with a startup command.
func startupClient(t *testing.T, env *protoEnv, game string) *websocket.Conn {
	t.Helper()
	conn := connectWS(t, env.server.URL)
	writeJSON(t, conn, map[string]any{"command": "startup", "game": game})
	require.Eventually(t, func() bool {
		for _, ev := range env.rel.watcherEvents() {
			if pe, ok := ev.(relay.PeerEventPayload); ok &&
				pe.Event == EventConnectedViaBackend && pe.Name == game {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "startup never announced")
	return conn
}

func TestClientStartupAnnounces(t *testing.T) {
	env := setupProtocol(t)
	startupClient(t, env, "alpha")

	require.Equal(t, 1, env.backend.ClientCount())

	// The startup frame itself flows upstream as an integration message.
	require.Eventually(t, func() bool {
		return len(env.traffic.allEvents()) == 1
	}, time.Second, 10*time.Millisecond)
	events := env.traffic.allEvents()
	require.Equal(t, "integration_message", events[0].event)
	require.Equal(t, "alpha", events[0].origin)
	require.Equal(t, "startup", events[0].payload["command"])
}

func TestClientNameDefaultsWhenGameMissing(t *testing.T) {
	env := setupProtocol(t)
	conn := connectWS(t, env.server.URL)

	writeJSON(t, conn, map[string]any{"hello": 1})

	require.Eventually(t, func() bool {
		for _, ev := range env.rel.watcherEvents() {
			if pe, ok := ev.(relay.PeerEventPayload); ok && pe.Name == "unknown-client" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestClientRegisterActions(t *testing.T) {
	env := setupProtocol(t)
	conn := startupClient(t, env, "alpha")

	writeJSON(t, conn, map[string]any{
		"command": "actions/register",
		"game":    "alpha",
		"data": map[string]any{
			"actions": []map[string]any{
				{"name": "jump", "description": "jump up"},
				{"name": "duck", "description": "duck down"},
			},
		},
	})

	require.Eventually(t, func() bool {
		return len(env.registry.Actions("alpha")) == 2
	}, time.Second, 10*time.Millisecond)

	registered := env.traffic.allRegistered()
	require.Len(t, registered, 1)
	require.Len(t, registered[0], 2)
	require.Equal(t, "jump", registered[0][0].Name)

	// Registration is transparent; the SDK gets no acknowledgement.
	expectNoFrame(t, conn, 150*time.Millisecond)
}

func TestClientUnregisterActions(t *testing.T) {
	env := setupProtocol(t)
	conn := startupClient(t, env, "alpha")

	writeJSON(t, conn, map[string]any{
		"command": "actions/register",
		"game":    "alpha",
		"data": map[string]any{
			"actions": []map[string]any{
				{"name": "jump"},
				{"name": "duck"},
			},
		},
	})
	require.Eventually(t, func() bool {
		return len(env.registry.Actions("alpha")) == 2
	}, time.Second, 10*time.Millisecond)

	writeJSON(t, conn, map[string]any{
		"command": "actions/unregister",
		"game":    "alpha",
		"data":    map[string]any{"action_names": []string{"jump"}},
	})

	require.Eventually(t, func() bool {
		actions := env.registry.Actions("alpha")
		return len(actions) == 1 && actions[0].Name == "duck"
	}, time.Second, 10*time.Millisecond)
}

func TestClientMalformedRegisterRejected(t *testing.T) {
	env := setupProtocol(t)
	conn := startupClient(t, env, "alpha")

	writeJSON(t, conn, map[string]any{
		"command": "actions/register",
		"game":    "alpha",
		"data":    map[string]any{"actions": 42},
	})

	msg := readJSON(t, conn)
	require.Equal(t, "failed to forward to relay", msg["error"])
}

func TestClientForceRoundAnswered(t *testing.T) {
	env := setupProtocol(t)
	conn := startupClient(t, env, "game-client")

	writeJSON(t, conn, map[string]any{
		"command": "actions/force",
		"game":    "game-client",
		"data": map[string]any{
			"state":        `{"hp":3}`,
			"query":        "what now?",
			"action_names": []string{"jump", "duck"},
		},
	})

	// The question reaches the relay populations.
	require.Eventually(t, func() bool {
		return len(env.rel.broadcastEvents()) == 1
	}, time.Second, 10*time.Millisecond)

	// A relay integration answers.
	forward(t, env.backend, "helper", map[string]any{
		"choice": map[string]any{"selected": "jump", "data": map[string]any{"x": 1}},
	})

	msg := readJSON(t, conn)
	require.Equal(t, "action", msg["command"])
	data, ok := msg["data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "jump", data["name"])
	require.NotEmpty(t, data["id"])
	require.JSONEq(t, `{"x":1}`, data["data"].(string))
	require.Equal(t, 1, env.backend.PendingActions())

	// The client acknowledges and the pending entry closes.
	writeJSON(t, conn, map[string]any{
		"command": "action/result",
		"game":    "game-client",
		"data":    map[string]any{"id": data["id"], "success": true, "message": "ok"},
	})
	require.Eventually(t, func() bool {
		return env.backend.PendingActions() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestClientForceTimeoutFallsBack(t *testing.T) {
	env := setupProtocol(t)
	conn := startupClient(t, env, "game-client")

	writeJSON(t, conn, map[string]any{
		"command": "actions/force",
		"game":    "game-client",
		"data":    map[string]any{"action_names": []string{"first", "second"}},
	})

	msg := readJSON(t, conn)
	require.Equal(t, "action", msg["command"])
	data, ok := msg["data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "first", data["name"])
	require.Equal(t, "{}", data["data"])
}

func TestClientForceEmptyListSendsNothing(t *testing.T) {
	env := setupProtocol(t)
	conn := startupClient(t, env, "game-client")

	writeJSON(t, conn, map[string]any{
		"command": "actions/force",
		"game":    "game-client",
		"data":    map[string]any{"action_names": []string{}},
	})

	// No round, no fallback, no action frame.
	expectNoFrame(t, conn, 400*time.Millisecond)
	require.Empty(t, env.rel.broadcastEvents())
}

func TestClientReplacement(t *testing.T) {
	env := setupProtocol(t)
	first := startupClient(t, env, "dup")
	second := connectWS(t, env.server.URL)
	writeJSON(t, second, map[string]any{"command": "startup", "game": "dup"})

	// The first connection is closed by the replacement.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := first.Read(ctx)
	require.Error(t, err)
	require.Equal(t, 1, env.backend.ClientCount())

	disconnects := func() int {
		n := 0
		for _, ev := range env.rel.watcherEvents() {
			if pe, ok := ev.(relay.PeerEventPayload); ok && pe.Event == EventDisconnectedViaBackend {
				n++
			}
		}
		return n
	}
	// Replacing must not look like a disconnect.
	require.Zero(t, disconnects())

	second.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return disconnects() == 1 }, time.Second, 10*time.Millisecond)
	require.Zero(t, env.backend.ClientCount())
}

func TestClientFreeFormFlowsUpstream(t *testing.T) {
	env := setupProtocol(t)
	conn := startupClient(t, env, "alpha")

	writeJSON(t, conn, map[string]any{
		"command": "context",
		"game":    "alpha",
		"data":    map[string]any{"message": "hello", "silent": true},
	})

	require.Eventually(t, func() bool {
		return len(env.traffic.allEvents()) == 2
	}, time.Second, 10*time.Millisecond)

	events := env.traffic.allEvents()
	require.Equal(t, "integration_message", events[1].event)
	require.Equal(t, "alpha", events[1].origin)
	require.Equal(t, "context", events[1].payload["command"])
}

func TestClientRawTextWrapped(t *testing.T) {
	env := setupProtocol(t)
	conn := startupClient(t, env, "alpha")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("plain text")))

	require.Eventually(t, func() bool {
		for _, ev := range env.traffic.allEvents() {
			if ev.payload["raw"] == "plain text" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestClientActionResultWithoutPending(t *testing.T) {
	env := setupProtocol(t)
	conn := startupClient(t, env, "alpha")

	writeJSON(t, conn, map[string]any{
		"command": "action/result",
		"game":    "alpha",
		"data":    map[string]any{"id": "never-dispatched", "success": false},
	})

	// Unknown results are dropped without an error reply.
	expectNoFrame(t, conn, 150*time.Millisecond)
}

func TestProtocolServerServesAnyPath(t *testing.T) {
	env := newTestBackend(t)
	srv := NewProtocolServer(env.backend)

	go func() {
		if err := srv.Start("127.0.0.1:0"); err != nil {
			t.Errorf("protocol server exited: %v", err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.WaitUntilReady(ctx))
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		require.NoError(t, srv.Shutdown(shutdownCtx))
	})

	conn, _, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/v1/session", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	writeJSON(t, conn, map[string]any{"command": "startup", "game": "alpha"})
	require.Eventually(t, func() bool {
		return env.backend.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestProtocolServerWaitUntilReadyTimeout(t *testing.T) {
	srv := NewProtocolServer(newTestBackend(t).backend)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, srv.WaitUntilReady(ctx), context.DeadlineExceeded)
	require.Empty(t, srv.Addr())
}

// Free-form frames must decode as the neuro envelope too, so the typed
// handlers and the map-based router agree on the wire shape.
func TestEnvelopeRoundTrip(t *testing.T) {
	msg, err := neuro.NewRegisterActions("alpha", []neuro.Action{{Name: "jump", Description: "d"}})
	require.NoError(t, err)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.Equal(t, "actions/register", payload["command"])
	require.Equal(t, "alpha", payload["game"])
}
