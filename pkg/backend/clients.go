package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nakurity/neuro-relay/pkg/neuro"
	"github.com/nakurity/neuro-relay/pkg/relay"
)

// directClient is one integration connected straight to the protocol server
// rather than through the relay broker.
type directClient struct {
	name        string
	conn        *websocket.Conn
	ctx         context.Context
	cancel      context.CancelFunc
	connectedAt time.Time
}

// HandleClient owns one protocol-server connection for its lifetime. Clients
// speak the upstream command vocabulary; there is no registration handshake.
// The client's name comes from the first frame's game field.
func (b *Backend) HandleClient(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	c := &directClient{conn: conn, ctx: ctx, cancel: cancel, connectedAt: time.Now()}
	defer b.dropClient(c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("Backend client read ended", "name", c.name, "error", err)
			return
		}
		b.handleClientFrame(c, data)
	}
}

func (b *Backend) handleClientFrame(c *directClient, data []byte) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil || payload == nil {
		payload = map[string]any{"raw": string(data)}
	}

	if c.name == "" {
		name, _ := payload["game"].(string)
		if name == "" {
			name = "unknown-client"
		}
		b.registerClient(c, name)
	}

	switch cmd, _ := payload["command"].(string); cmd {
	case neuro.CommandRegisterActions:
		b.handleRegister(c, data)
	case neuro.CommandUnregisterActions:
		b.handleUnregister(c, data)
	case neuro.CommandActionResult:
		b.handleResult(c, data)
	case neuro.CommandForceActions:
		b.handleForce(c, data)
	default:
		// startup, context, and free-form frames all flow upstream as
		// translated events.
		b.traffic.EnqueueEvent(eventName(payload), c.name, payload)
	}
}

// handleRegister records the client's action schemas and forwards them
// upstream. There is no reply; the relay is transparent to the SDK.
func (b *Backend) handleRegister(c *directClient, raw []byte) {
	var msg neuro.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.sendError(c, errForwardToRelay)
		return
	}
	var reg neuro.RegisterActionsData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &reg); err != nil {
			slog.Warn("Malformed actions/register frame", "name", c.name, "error", err)
			b.sendError(c, errForwardToRelay)
			return
		}
	}

	b.registry.Replace(c.name, reg.Actions)
	b.traffic.EnqueueRegisterActions(reg.Actions)
	slog.Info("Actions registered via backend", "name", c.name, "count", len(reg.Actions))
}

// handleUnregister drops action names from the registry. The outbound
// vocabulary has no unregister command, so nothing is forwarded upstream.
func (b *Backend) handleUnregister(c *directClient, raw []byte) {
	var msg neuro.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.sendError(c, errForwardToRelay)
		return
	}
	var unreg neuro.UnregisterActionsData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &unreg); err != nil {
			slog.Warn("Malformed actions/unregister frame", "name", c.name, "error", err)
			b.sendError(c, errForwardToRelay)
			return
		}
	}

	b.registry.Unregister(c.name, unreg.ActionNames)
	slog.Info("Actions unregistered via backend", "name", c.name, "count", len(unreg.ActionNames))
}

func (b *Backend) handleResult(c *directClient, raw []byte) {
	var msg neuro.Message
	var res neuro.ActionResultData
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.sendError(c, errForwardToRelay)
		return
	}
	if err := json.Unmarshal(msg.Data, &res); err != nil || res.ID == "" {
		slog.Warn("Malformed action/result frame", "name", c.name, "error", err)
		b.sendError(c, errForwardToRelay)
		return
	}
	b.resolveActionResult(c.ctx, c.name, res)
}

// handleForce starts a forced-action round for the requesting client. The
// round runs off the read loop so the client can keep sending while it is
// open; the chosen action comes back as a {command:"action"} frame.
func (b *Backend) handleForce(c *directClient, raw []byte) {
	var msg neuro.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.sendError(c, errForwardToRelay)
		return
	}
	var force neuro.ForceActionsData
	if err := json.Unmarshal(msg.Data, &force); err != nil {
		slog.Warn("Malformed actions/force frame", "name", c.name, "error", err)
		b.sendError(c, errForwardToRelay)
		return
	}

	title := msg.Game
	if title == "" {
		title = c.name
	}
	req := ForcedActionRequest{
		GameTitle:        title,
		State:            force.State,
		Query:            force.Query,
		EphemeralContext: force.EphemeralContext,
		Actions:          b.summarize(force.ActionNames),
	}
	go b.runForcedAction(c, req)
}

// summarize resolves action names to name/description summaries using the
// registry; names nobody registered keep an empty description.
func (b *Backend) summarize(names []string) []neuro.ActionSummary {
	known := b.registry.Collect()
	out := make([]neuro.ActionSummary, 0, len(names))
	for _, name := range names {
		summary := neuro.ActionSummary{Name: name}
		if a, ok := known[name]; ok {
			summary.Description = a.Description
		}
		out = append(out, summary)
	}
	return out
}

func (b *Backend) runForcedAction(c *directClient, req ForcedActionRequest) {
	selected, data, err := b.ChooseForcedAction(c.ctx, req)
	if err != nil {
		slog.Warn("Forced action round not run", "name", c.name, "error", err)
		return
	}

	id := uuid.NewString()
	env, err := neuro.NewAction(id, selected, data)
	if err != nil {
		slog.Error("Failed to encode chosen action", "name", c.name, "error", err)
		return
	}
	b.trackPending(id, pendingAction{Name: selected, Target: c.name, FromUpstream: false})
	b.sendJSON(c, env)
	slog.Info("Forced action resolved", "name", c.name, "selected", selected, "id", id)
}

// registerClient installs the client under its name. A name collision
// replaces the prior connection, matching the broker's integration
// semantics.
func (b *Backend) registerClient(c *directClient, name string) {
	c.name = name
	b.clientMu.Lock()
	prior := b.clients[name]
	b.clients[name] = c
	b.clientMu.Unlock()

	if prior != nil {
		prior.cancel()
		_ = prior.conn.Close(websocket.StatusNormalClosure, "replaced")
	}

	slog.Info("Integration connected via backend", "name", name)
	b.rel.NotifyWatchers(relay.PeerEventPayload{Event: EventConnectedViaBackend, Name: name})
}

// dropClient removes the client and notifies watchers. A client that was
// replaced by a newer connection under the same name leaves silently.
func (b *Backend) dropClient(c *directClient) {
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	if c.name == "" {
		return
	}

	replaced := false
	b.clientMu.Lock()
	if cur := b.clients[c.name]; cur == c {
		delete(b.clients, c.name)
	} else if cur != nil {
		replaced = true
	}
	b.clientMu.Unlock()
	if replaced {
		return
	}

	slog.Info("Integration disconnected via backend", "name", c.name)
	b.rel.NotifyWatchers(relay.PeerEventPayload{Event: EventDisconnectedViaBackend, Name: c.name})
}

// sendToClientByName writes a payload to a directly-connected client,
// reporting whether one was connected and the write succeeded.
func (b *Backend) sendToClientByName(name string, v any) bool {
	b.clientMu.RLock()
	c := b.clients[name]
	b.clientMu.RUnlock()
	if c == nil {
		return false
	}
	return b.sendJSON(c, v)
}

func (b *Backend) sendJSON(c *directClient, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal backend reply", "name", c.name, "error", err)
		return false
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("Backend client write failed", "name", c.name, "error", err)
		return false
	}
	return true
}

func (b *Backend) sendError(c *directClient, reason string) {
	b.sendJSON(c, relay.ErrorReply{Error: reason})
}

// ClientCount reports the number of directly-connected protocol clients.
func (b *Backend) ClientCount() int {
	b.clientMu.RLock()
	defer b.clientMu.RUnlock()
	return len(b.clients)
}
