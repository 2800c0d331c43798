// Package backend bridges the relay broker to the upstream Neuro backend.
// It routes relay payloads (the broker's forward hook), runs forced-action
// rounds against the connected peers, and hosts the integration-facing
// protocol server that speaks the upstream command vocabulary directly.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nakurity/neuro-relay/pkg/neuro"
	"github.com/nakurity/neuro-relay/pkg/relay"
)

const (
	defaultForceTimeout = 8 * time.Second
	writeTimeout        = 10 * time.Second

	// Dispatched actions whose result never arrives are forgotten after
	// this long.
	pendingTTL = 5 * time.Minute

	// Origin stamped on payloads injected by the upstream read loop.
	originUpstream = "neuro-backend"

	errForwardToRelay = "failed to forward to relay"

	queryRegisteredActions = "get_registered_actions"
)

// ErrNoActions is returned by ChooseForcedAction when the request carries an
// empty action list: there is nothing to fall back to, so no round is run.
var ErrNoActions = errors.New("forced action request has no actions")

// Relay is the broker surface the backend drives: watcher fan-out,
// integration broadcast, and queue-backed targeted delivery.
type Relay interface {
	NotifyWatchers(v any)
	BroadcastIntegrations(v any)
	SendToIntegration(name string, payload any) error
}

// TrafficSink receives translation work bound for the upstream. Satisfied by
// *linker.Linker.
type TrafficSink interface {
	EnqueueRegisterActions(actions []neuro.Action)
	EnqueueEvent(event, origin string, payload map[string]any)
}

// Upstream is the outbound client surface used to acknowledge dispatched
// actions. Satisfied by *neuro.Client.
type Upstream interface {
	Connected() bool
	SendActionResult(ctx context.Context, id string, success bool, message string) error
}

// pendingAction tracks one dispatched action until its result arrives.
type pendingAction struct {
	Name         string
	Target       string
	FromUpstream bool
	Created      time.Time
}

// choiceReply is one answer to a forced-action round.
type choiceReply struct {
	Selected string
	Data     string
}

// forcedRound holds the state of the active forced-action round. Replies are
// validated against valid and the first one wins; the buffered channel plus
// a fresh round value per request keep late and stale replies out.
type forcedRound struct {
	valid map[string]struct{}
	ch    chan choiceReply
}

// Backend routes traffic between the relay broker, directly-connected
// protocol clients, and the upstream. It is the broker's Forwarder and the
// upstream client's action handler.
type Backend struct {
	rel      Relay
	registry *relay.ActionRegistry
	traffic  TrafficSink
	metrics  *relay.Metrics

	forceTimeout time.Duration

	upstreamMu sync.RWMutex
	upstream   Upstream

	// forceMu serializes forced-action rounds; roundMu guards the round
	// pointer the forward hook reads.
	forceMu sync.Mutex
	roundMu sync.Mutex
	round   *forcedRound

	clientMu sync.RWMutex
	clients  map[string]*directClient

	pendingMu sync.Mutex
	pending   map[string]pendingAction
}

// New creates a Backend. metrics may be nil. forceTimeout <= 0 selects the
// default 8 s forced-action deadline.
func New(rel Relay, registry *relay.ActionRegistry, traffic TrafficSink, metrics *relay.Metrics, forceTimeout time.Duration) *Backend {
	if forceTimeout <= 0 {
		forceTimeout = defaultForceTimeout
	}
	return &Backend{
		rel:          rel,
		registry:     registry,
		traffic:      traffic,
		metrics:      metrics,
		forceTimeout: forceTimeout,
		clients:      make(map[string]*directClient),
		pending:      make(map[string]pendingAction),
	}
}

// SetUpstream installs the outbound client used for action/result
// acknowledgements. The upstream client is constructed after the Backend
// (it needs the Backend as its action handler), so this is a setter.
func (b *Backend) SetUpstream(u Upstream) {
	b.upstreamMu.Lock()
	defer b.upstreamMu.Unlock()
	b.upstream = u
}

func (b *Backend) currentUpstream() Upstream {
	b.upstreamMu.RLock()
	defer b.upstreamMu.RUnlock()
	return b.upstream
}

// Forward routes one relay payload. It implements relay.Forwarder: the
// broker hands over every JSON frame an integration sends and wraps the
// returned value as {result: ...}. Routing failures are reported inside the
// result so the sending integration sees them; a returned error means the
// payload itself was unusable.
func (b *Backend) Forward(ctx context.Context, from string, frame json.RawMessage) (any, error) {
	var payload map[string]any
	if err := json.Unmarshal(frame, &payload); err != nil {
		return nil, fmt.Errorf("decoding payload from %s: %w", from, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("payload from %s is not a JSON object", from)
	}

	if choice, ok := payload["choice"]; ok {
		b.submitChoice(from, choice)
		return AcceptedReply{Accepted: true}, nil
	}

	if query, _ := payload["query"].(string); query == queryRegisteredActions {
		return RegisteredActionsReply{Actions: b.registry.Collect()}, nil
	}

	if name, _ := payload["action"].(string); name != "" {
		return b.dispatchAction(ctx, from, name, payload), nil
	}

	switch cmd, _ := payload["command"].(string); cmd {
	case neuro.CommandActionResult:
		if res, ok := decodeActionResult(payload); ok {
			b.resolveActionResult(ctx, from, res)
			return AcceptedReply{Accepted: true}, nil
		}
	case neuro.CommandContext:
		b.notifyAddContext(from, payload)
	}

	// Everything unmatched flows to the upstream as a translated event.
	b.traffic.EnqueueEvent(eventName(payload), from, payload)
	return AcceptedReply{Accepted: true, Echo: payload}, nil
}

// HandleUpstreamAction routes one action read from the upstream socket. It
// implements neuro.ActionHandler by re-entering Forward with the router
// payload, so upstream actions and relay-injected actions share one
// resolution path.
func (b *Backend) HandleUpstreamAction(ctx context.Context, act neuro.IncomingAction) {
	payload := map[string]any{
		"from_neuro_backend": true,
		"action":             act.Name,
		"data":               act.Data,
		"id":                 act.ID,
	}
	frame, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to encode upstream action", "action", act.Name, "error", err)
		return
	}

	result, err := b.Forward(ctx, originUpstream, frame)
	if err != nil {
		slog.Error("Upstream action routing failed", "action", act.Name, "error", err)
		return
	}
	switch r := result.(type) {
	case relay.ErrorReply:
		slog.Warn("Upstream action not routable", "action", act.Name, "id", act.ID, "error", r.Error)
		if act.ID != "" {
			b.ackUpstream(ctx, act.ID, false, r.Error)
		}
	case DispatchedReply:
		slog.Info("Upstream action dispatched", "action", act.Name, "id", r.ID)
	}
}

// dispatchAction resolves the owner of name and delivers the action
// envelope: directly when the owner is a protocol client, otherwise through
// the broker's queue-backed targeted send. The reply is always a result
// map; routing failures are data, not errors.
func (b *Backend) dispatchAction(ctx context.Context, from, name string, payload map[string]any) any {
	owner, ok := b.registry.Resolve(name)
	if !ok {
		slog.Warn("No integration owns action", "action", name, "from", from)
		return relay.ErrorReply{Error: fmt.Sprintf("no integration owns action %s", name)}
	}

	id, _ := payload["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	fromUpstream, _ := payload["from_neuro_backend"].(bool)

	env, err := neuro.NewAction(id, name, stringifyData(payload["data"]))
	if err != nil {
		slog.Error("Failed to encode action envelope", "action", name, "error", err)
		return relay.ErrorReply{Error: fmt.Sprintf("failed to send to %s", owner)}
	}

	b.trackPending(id, pendingAction{Name: name, Target: owner, FromUpstream: fromUpstream})

	if b.sendToClientByName(owner, env) {
		slog.Info("Action dispatched to backend client", "action", name, "id", id, "target", owner)
		return DispatchedReply{Dispatched: true, ID: id}
	}
	if err := b.rel.SendToIntegration(owner, env); err != nil {
		b.dropPending(id)
		slog.Warn("Action dispatch failed", "action", name, "target", owner, "error", err)
		return relay.ErrorReply{Error: fmt.Sprintf("failed to send to %s", owner)}
	}
	slog.Info("Action dispatched via relay", "action", name, "id", id, "target", owner)
	return DispatchedReply{Dispatched: true, ID: id}
}

// ChooseForcedAction runs one forced-action round: fan the question out,
// wait for the first valid choice, and fall back to the first action on
// deadline. Rounds are serialized; a concurrent call waits its turn.
func (b *Backend) ChooseForcedAction(ctx context.Context, req ForcedActionRequest) (string, string, error) {
	if len(req.Actions) == 0 {
		b.metrics.ForcedAction(relay.ForcedOutcomeEmpty)
		slog.Warn("Forced action request with no actions", "game_title", req.GameTitle)
		return "", "{}", ErrNoActions
	}
	if req.State == "" {
		req.State = "{}"
	}
	if req.Query == "" {
		req.Query = "Choose an action"
	}

	b.forceMu.Lock()
	defer b.forceMu.Unlock()

	round := &forcedRound{
		valid: make(map[string]struct{}, len(req.Actions)),
		ch:    make(chan choiceReply, 1),
	}
	for _, a := range req.Actions {
		round.valid[a.Name] = struct{}{}
	}
	b.setRound(round)
	defer b.setRound(nil)

	ask := ChooseActionRequest{
		Type:             EventChooseActionRequest,
		GameTitle:        req.GameTitle,
		State:            req.State,
		Query:            req.Query,
		EphemeralContext: req.EphemeralContext,
		Actions:          req.Actions,
	}
	b.rel.NotifyWatchers(EventPayload{Event: EventChooseAction, Payload: ask})
	b.rel.BroadcastIntegrations(EventPayload{Event: EventChooseActionRequest, Payload: ask})
	slog.Info("Forced action round started",
		"game_title", req.GameTitle, "query", req.Query, "actions", len(req.Actions))

	timer := time.NewTimer(b.forceTimeout)
	defer timer.Stop()

	select {
	case reply := <-round.ch:
		b.metrics.ForcedAction(relay.ForcedOutcomeAnswered)
		slog.Info("Forced action answered", "selected", reply.Selected)
		return reply.Selected, reply.Data, nil
	case <-timer.C:
		b.metrics.ForcedAction(relay.ForcedOutcomeTimeout)
		slog.Warn("Forced action timed out, using first action", "fallback", req.Actions[0].Name)
		return req.Actions[0].Name, "{}", nil
	case <-ctx.Done():
		return "", "{}", ctx.Err()
	}
}

func (b *Backend) setRound(r *forcedRound) {
	b.roundMu.Lock()
	b.round = r
	b.roundMu.Unlock()
}

// submitChoice validates one choice payload against the active round and
// delivers it if it is the first. Late, stale, and invalid replies are
// dropped without disturbing the sender.
func (b *Backend) submitChoice(from string, v any) {
	reply, ok := parseChoice(v)
	if !ok {
		slog.Debug("Malformed choice payload", "from", from)
		return
	}

	b.roundMu.Lock()
	defer b.roundMu.Unlock()
	if b.round == nil {
		slog.Debug("Choice with no round in progress", "from", from, "selected", reply.Selected)
		return
	}
	if _, valid := b.round.valid[reply.Selected]; !valid {
		slog.Debug("Choice names an unknown action", "from", from, "selected", reply.Selected)
		return
	}
	select {
	case b.round.ch <- reply:
		slog.Info("Choice accepted", "from", from, "selected", reply.Selected)
	default:
		slog.Debug("Choice dropped, round already answered", "from", from, "selected", reply.Selected)
	}
}

// parseChoice extracts {selected, data} from a choice payload. Object data
// is serialized to a JSON string per the forced-action reply contract.
func parseChoice(v any) (choiceReply, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return choiceReply{}, false
	}
	selected, _ := m["selected"].(string)
	if selected == "" {
		return choiceReply{}, false
	}
	return choiceReply{Selected: selected, Data: stringifyData(m["data"])}, true
}

// resolveActionResult closes the pending entry for one action result and
// acknowledges upstream-initiated actions.
func (b *Backend) resolveActionResult(ctx context.Context, from string, res neuro.ActionResultData) {
	pa, ok := b.takePending(res.ID)
	if !ok {
		slog.Debug("Action result with no pending dispatch", "id", res.ID, "from", from)
		return
	}
	slog.Info("Action result received",
		"id", res.ID, "action", pa.Name, "from", from, "success", res.Success)
	if pa.FromUpstream {
		b.ackUpstream(ctx, res.ID, res.Success, res.Message)
	}
}

func (b *Backend) ackUpstream(ctx context.Context, id string, success bool, message string) {
	u := b.currentUpstream()
	if u == nil || !u.Connected() {
		slog.Warn("Dropping action result, upstream not connected", "id", id)
		return
	}
	if err := u.SendActionResult(ctx, id, success, message); err != nil {
		slog.Warn("Failed to acknowledge action upstream", "id", id, "error", err)
	}
}

// notifyAddContext surfaces a context command observed on the relay path to
// the watchers.
func (b *Backend) notifyAddContext(from string, payload map[string]any) {
	title, _ := payload["game"].(string)
	if title == "" {
		title = from
	}
	data, _ := payload["data"].(map[string]any)
	message, _ := data["message"].(string)
	silent, _ := data["silent"].(bool)
	b.rel.NotifyWatchers(AddContextPayload{
		Event:          EventAddContext,
		GameTitle:      title,
		Message:        message,
		ReplyIfNotBusy: !silent,
	})
}

func (b *Backend) trackPending(id string, pa pendingAction) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	now := time.Now()
	for pid, old := range b.pending {
		if now.Sub(old.Created) > pendingTTL {
			delete(b.pending, pid)
		}
	}
	pa.Created = now
	b.pending[id] = pa
}

func (b *Backend) takePending(id string) (pendingAction, bool) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	pa, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	return pa, ok
}

func (b *Backend) dropPending(id string) {
	b.pendingMu.Lock()
	delete(b.pending, id)
	b.pendingMu.Unlock()
}

// PendingActions reports dispatched actions still waiting for a result.
func (b *Backend) PendingActions() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}

// decodeActionResult pulls {id, success, message} out of an action/result
// command's data field.
func decodeActionResult(payload map[string]any) (neuro.ActionResultData, bool) {
	data, ok := payload["data"].(map[string]any)
	if !ok {
		return neuro.ActionResultData{}, false
	}
	id, _ := data["id"].(string)
	if id == "" {
		return neuro.ActionResultData{}, false
	}
	success, _ := data["success"].(bool)
	message, _ := data["message"].(string)
	return neuro.ActionResultData{ID: id, Success: success, Message: message}, true
}

// eventName picks the linker event for an unmatched payload: an explicit
// event field wins, anything else is a plain integration message.
func eventName(payload map[string]any) string {
	if e, ok := payload["event"].(string); ok && e != "" {
		return e
	}
	return relay.EventIntegrationMessage
}

// stringifyData renders an action or choice data value as the JSON string
// the wire contract expects. Strings pass through, objects are serialized,
// anything absent becomes "{}".
func stringifyData(v any) string {
	switch d := v.(type) {
	case nil:
		return "{}"
	case string:
		return d
	default:
		enc, err := json.Marshal(d)
		if err != nil {
			return "{}"
		}
		return string(enc)
	}
}
