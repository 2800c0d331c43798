package backend

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nakurity/neuro-relay/pkg/linker"
	"github.com/nakurity/neuro-relay/pkg/neuro"
	"github.com/nakurity/neuro-relay/pkg/relay"
)

// The backend must satisfy the broker's forward hook and the upstream
// client's action handler; its collaborators must be satisfied by the real
// implementations.
var (
	_ relay.Forwarder    = (*Backend)(nil)
	_ Relay              = (*relay.Manager)(nil)
	_ TrafficSink        = (*linker.Linker)(nil)
	_ Upstream           = (*neuro.Client)(nil)
	_ neuro.ActionHandler = (*Backend)(nil).HandleUpstreamAction
)

type targetedSend struct {
	name    string
	payload any
}

type fakeRelay struct {
	mu         sync.Mutex
	watcher    []any
	broadcasts []any
	sends      []targetedSend
	sendErr    error
}

func (f *fakeRelay) NotifyWatchers(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watcher = append(f.watcher, v)
}

func (f *fakeRelay) BroadcastIntegrations(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, v)
}

func (f *fakeRelay) SendToIntegration(name string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, targetedSend{name: name, payload: payload})
	return nil
}

func (f *fakeRelay) watcherEvents() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.watcher...)
}

func (f *fakeRelay) broadcastEvents() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.broadcasts...)
}

func (f *fakeRelay) targetedSends() []targetedSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]targetedSend(nil), f.sends...)
}

type trafficEvent struct {
	event   string
	origin  string
	payload map[string]any
}

type fakeTraffic struct {
	mu         sync.Mutex
	registered [][]neuro.Action
	events     []trafficEvent
}

func (f *fakeTraffic) EnqueueRegisterActions(actions []neuro.Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, actions)
}

func (f *fakeTraffic) EnqueueEvent(event, origin string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, trafficEvent{event: event, origin: origin, payload: payload})
}

func (f *fakeTraffic) allEvents() []trafficEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trafficEvent(nil), f.events...)
}

func (f *fakeTraffic) allRegistered() [][]neuro.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]neuro.Action(nil), f.registered...)
}

type ackCall struct {
	id      string
	success bool
	message string
}

type fakeUpstream struct {
	mu        sync.Mutex
	connected bool
	err       error
	acks      []ackCall
}

func (f *fakeUpstream) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeUpstream) SendActionResult(_ context.Context, id string, success bool, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.acks = append(f.acks, ackCall{id: id, success: success, message: message})
	return nil
}

func (f *fakeUpstream) allAcks() []ackCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ackCall(nil), f.acks...)
}

type backendEnv struct {
	backend  *Backend
	rel      *fakeRelay
	traffic  *fakeTraffic
	registry *relay.ActionRegistry
}

func newTestBackend(t *testing.T) *backendEnv {
	t.Helper()
	rel := &fakeRelay{}
	traffic := &fakeTraffic{}
	registry := relay.NewActionRegistry()
	return &backendEnv{
		backend:  New(rel, registry, traffic, nil, 150*time.Millisecond),
		rel:      rel,
		traffic:  traffic,
		registry: registry,
	}
}

// forward marshals payload and runs it through the forward hook, failing the
// test on a transport-level error.
func forward(t *testing.T, b *Backend, from string, payload any) any {
	t.Helper()
	frame, err := json.Marshal(payload)
	require.NoError(t, err)
	result, err := b.Forward(context.Background(), from, frame)
	require.NoError(t, err)
	return result
}

type forceResult struct {
	selected string
	data     string
	err      error
}

// startForcedAction runs ChooseForcedAction in the background and waits for
// the fan-out so the round is guaranteed open before the test replies.
func startForcedAction(t *testing.T, env *backendEnv, req ForcedActionRequest) <-chan forceResult {
	t.Helper()
	done := make(chan forceResult, 1)
	go func() {
		selected, data, err := env.backend.ChooseForcedAction(context.Background(), req)
		done <- forceResult{selected: selected, data: data, err: err}
	}()
	require.Eventually(t, func() bool {
		return len(env.rel.broadcastEvents()) > 0
	}, time.Second, 5*time.Millisecond, "forced action fan-out never happened")
	return done
}

func twoActions() []neuro.ActionSummary {
	return []neuro.ActionSummary{
		{Name: "A", Description: "first"},
		{Name: "B", Description: "second"},
	}
}

func TestForwardRejectsNonObjectPayloads(t *testing.T) {
	env := newTestBackend(t)

	for _, frame := range []string{`[1,2]`, `"text"`, `null`, `42`} {
		_, err := env.backend.Forward(context.Background(), "alpha", json.RawMessage(frame))
		require.Error(t, err, "frame %s must be rejected", frame)
	}
	require.Empty(t, env.traffic.allEvents())
}

func TestForwardChoiceResolvesRound(t *testing.T) {
	env := newTestBackend(t)
	done := startForcedAction(t, env, ForcedActionRequest{GameTitle: "demo", Actions: twoActions()})

	reply := forward(t, env.backend, "alpha", map[string]any{
		"choice": map[string]any{"selected": "B", "data": map[string]any{"k": 1}},
	})
	require.Equal(t, AcceptedReply{Accepted: true}, reply)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "B", res.selected)
	require.JSONEq(t, `{"k":1}`, res.data)
}

func TestForwardChoiceFirstReplyWins(t *testing.T) {
	env := newTestBackend(t)
	done := startForcedAction(t, env, ForcedActionRequest{GameTitle: "demo", Actions: twoActions()})

	first := forward(t, env.backend, "alpha", map[string]any{
		"choice": map[string]any{"selected": "B", "data": map[string]any{"k": 1}},
	})
	second := forward(t, env.backend, "gamma", map[string]any{
		"choice": map[string]any{"selected": "A"},
	})
	require.Equal(t, AcceptedReply{Accepted: true}, first)
	require.Equal(t, AcceptedReply{Accepted: true}, second)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "B", res.selected)
	require.JSONEq(t, `{"k":1}`, res.data)
}

func TestForwardChoiceInvalidSelectionIgnored(t *testing.T) {
	env := newTestBackend(t)
	done := startForcedAction(t, env, ForcedActionRequest{GameTitle: "demo", Actions: twoActions()})

	forward(t, env.backend, "alpha", map[string]any{
		"choice": map[string]any{"selected": "Z"},
	})
	forward(t, env.backend, "gamma", map[string]any{
		"choice": map[string]any{"selected": "A"},
	})

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "A", res.selected)
	require.Equal(t, "{}", res.data)
}

func TestForwardChoiceStringDataPassesThrough(t *testing.T) {
	env := newTestBackend(t)
	done := startForcedAction(t, env, ForcedActionRequest{GameTitle: "demo", Actions: twoActions()})

	forward(t, env.backend, "alpha", map[string]any{
		"choice": map[string]any{"selected": "A", "data": `{"already":"encoded"}`},
	})

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "A", res.selected)
	require.Equal(t, `{"already":"encoded"}`, res.data)
}

func TestForwardChoiceWithoutRound(t *testing.T) {
	env := newTestBackend(t)

	reply := forward(t, env.backend, "alpha", map[string]any{
		"choice": map[string]any{"selected": "A"},
	})
	require.Equal(t, AcceptedReply{Accepted: true}, reply)
}

func TestChooseForcedActionTimeoutFallsBack(t *testing.T) {
	env := newTestBackend(t)
	start := time.Now()
	selected, data, err := env.backend.ChooseForcedAction(context.Background(), ForcedActionRequest{
		GameTitle: "demo",
		Actions:   twoActions(),
	})
	require.NoError(t, err)
	require.Equal(t, "A", selected)
	require.Equal(t, "{}", data)
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	// Both populations saw the question.
	watcher := env.rel.watcherEvents()
	require.Len(t, watcher, 1)
	wev, ok := watcher[0].(EventPayload)
	require.True(t, ok)
	require.Equal(t, EventChooseAction, wev.Event)

	broadcasts := env.rel.broadcastEvents()
	require.Len(t, broadcasts, 1)
	bev, ok := broadcasts[0].(EventPayload)
	require.True(t, ok)
	require.Equal(t, EventChooseActionRequest, bev.Event)

	ask, ok := bev.Payload.(ChooseActionRequest)
	require.True(t, ok)
	require.Equal(t, EventChooseActionRequest, ask.Type)
	require.Equal(t, "demo", ask.GameTitle)
	require.Equal(t, "{}", ask.State)
	require.Equal(t, "Choose an action", ask.Query)
	require.Equal(t, twoActions(), ask.Actions)
}

func TestChooseForcedActionEmptyList(t *testing.T) {
	env := newTestBackend(t)

	selected, data, err := env.backend.ChooseForcedAction(context.Background(), ForcedActionRequest{
		GameTitle: "demo",
	})
	require.ErrorIs(t, err, ErrNoActions)
	require.Equal(t, "", selected)
	require.Equal(t, "{}", data)
	require.Empty(t, env.rel.watcherEvents())
	require.Empty(t, env.rel.broadcastEvents())
}

func TestForwardQueryCollectsActions(t *testing.T) {
	env := newTestBackend(t)
	env.registry.Replace("alpha", []neuro.Action{{Name: "jump", Description: "jump up"}})

	reply := forward(t, env.backend, "ops-int", map[string]any{"query": "get_registered_actions"})
	actions, ok := reply.(RegisteredActionsReply)
	require.True(t, ok)
	require.Len(t, actions.Actions, 1)
	require.Equal(t, "jump up", actions.Actions["jump"].Description)
}

func TestForwardActionPrefixDispatch(t *testing.T) {
	env := newTestBackend(t)

	reply := forward(t, env.backend, "ops-int", map[string]any{
		"action": "alpha.jump",
		"data":   map[string]any{"x": 2},
		"id":     "id-1",
	})
	require.Equal(t, DispatchedReply{Dispatched: true, ID: "id-1"}, reply)

	sends := env.rel.targetedSends()
	require.Len(t, sends, 1)
	require.Equal(t, "alpha", sends[0].name)

	msg, ok := sends[0].payload.(neuro.Message)
	require.True(t, ok)
	require.Equal(t, neuro.CommandAction, msg.Command)
	var act neuro.IncomingAction
	require.NoError(t, json.Unmarshal(msg.Data, &act))
	require.Equal(t, "id-1", act.ID)
	require.Equal(t, "alpha.jump", act.Name)
	require.JSONEq(t, `{"x":2}`, act.Data)

	require.Equal(t, 1, env.backend.PendingActions())
}

func TestForwardActionRegistrySearch(t *testing.T) {
	env := newTestBackend(t)
	env.registry.Replace("beta", []neuro.Action{{Name: "jump"}})

	reply := forward(t, env.backend, "ops-int", map[string]any{"action": "jump"})
	dispatched, ok := reply.(DispatchedReply)
	require.True(t, ok)
	require.True(t, dispatched.Dispatched)
	require.NotEmpty(t, dispatched.ID)

	sends := env.rel.targetedSends()
	require.Len(t, sends, 1)
	require.Equal(t, "beta", sends[0].name)
}

func TestForwardActionUnknown(t *testing.T) {
	env := newTestBackend(t)

	reply := forward(t, env.backend, "ops-int", map[string]any{"action": "zzz"})
	require.Equal(t, relay.ErrorReply{Error: "no integration owns action zzz"}, reply)
	require.Empty(t, env.rel.targetedSends())
	require.Zero(t, env.backend.PendingActions())
}

func TestForwardActionSendFailure(t *testing.T) {
	env := newTestBackend(t)
	env.rel.sendErr = errors.New("write failed")

	reply := forward(t, env.backend, "ops-int", map[string]any{"action": "alpha.jump"})
	require.Equal(t, relay.ErrorReply{Error: "failed to send to alpha"}, reply)
	require.Zero(t, env.backend.PendingActions())
}

func TestForwardDefaultEnqueuesEvent(t *testing.T) {
	env := newTestBackend(t)

	reply := forward(t, env.backend, "alpha", map[string]any{"status": "ready", "game": "demo"})
	accepted, ok := reply.(AcceptedReply)
	require.True(t, ok)
	require.True(t, accepted.Accepted)
	require.Equal(t, "ready", accepted.Echo["status"])

	events := env.traffic.allEvents()
	require.Len(t, events, 1)
	require.Equal(t, "integration_message", events[0].event)
	require.Equal(t, "alpha", events[0].origin)
	require.Equal(t, "demo", events[0].payload["game"])
}

func TestForwardDefaultHonorsEventField(t *testing.T) {
	env := newTestBackend(t)

	forward(t, env.backend, "intercept-proxy", map[string]any{
		"event": "integration_connected",
		"via":   "intercept-proxy",
	})

	events := env.traffic.allEvents()
	require.Len(t, events, 1)
	require.Equal(t, "integration_connected", events[0].event)
	require.Equal(t, "intercept-proxy", events[0].origin)
}

func TestForwardContextNotifiesAddContext(t *testing.T) {
	env := newTestBackend(t)

	forward(t, env.backend, "alpha", map[string]any{
		"command": "context",
		"game":    "demo",
		"data":    map[string]any{"message": "hello there", "silent": true},
	})

	watcher := env.rel.watcherEvents()
	require.Len(t, watcher, 1)
	require.Equal(t, AddContextPayload{
		Event:          EventAddContext,
		GameTitle:      "demo",
		Message:        "hello there",
		ReplyIfNotBusy: false,
	}, watcher[0])

	// The context still flows upstream as an event.
	require.Len(t, env.traffic.allEvents(), 1)
}

func TestForwardActionResultAcksUpstream(t *testing.T) {
	env := newTestBackend(t)
	up := &fakeUpstream{connected: true}
	env.backend.SetUpstream(up)

	env.backend.HandleUpstreamAction(context.Background(), neuro.IncomingAction{
		ID:   "u-1",
		Name: "alpha.jump",
		Data: `{"a":1}`,
	})

	sends := env.rel.targetedSends()
	require.Len(t, sends, 1)
	require.Equal(t, "alpha", sends[0].name)
	require.Equal(t, 1, env.backend.PendingActions())

	reply := forward(t, env.backend, "alpha", map[string]any{
		"command": "action/result",
		"data":    map[string]any{"id": "u-1", "success": true, "message": "done"},
	})
	require.Equal(t, AcceptedReply{Accepted: true}, reply)
	require.Equal(t, []ackCall{{id: "u-1", success: true, message: "done"}}, up.allAcks())
	require.Zero(t, env.backend.PendingActions())
}

func TestForwardActionResultUnknownID(t *testing.T) {
	env := newTestBackend(t)
	up := &fakeUpstream{connected: true}
	env.backend.SetUpstream(up)

	reply := forward(t, env.backend, "alpha", map[string]any{
		"command": "action/result",
		"data":    map[string]any{"id": "nope", "success": true},
	})
	require.Equal(t, AcceptedReply{Accepted: true}, reply)
	require.Empty(t, up.allAcks())
}

func TestHandleUpstreamActionUnroutable(t *testing.T) {
	env := newTestBackend(t)
	up := &fakeUpstream{connected: true}
	env.backend.SetUpstream(up)

	env.backend.HandleUpstreamAction(context.Background(), neuro.IncomingAction{
		ID:   "u-2",
		Name: "nobody-owns-this",
	})

	require.Equal(t, []ackCall{{
		id:      "u-2",
		success: false,
		message: "no integration owns action nobody-owns-this",
	}}, up.allAcks())
}

func TestHandleUpstreamActionWithoutUpstream(t *testing.T) {
	env := newTestBackend(t)

	// No upstream installed; an unroutable action must not panic.
	env.backend.HandleUpstreamAction(context.Background(), neuro.IncomingAction{
		ID:   "u-3",
		Name: "nobody-owns-this",
	})
	require.Zero(t, env.backend.PendingActions())
}

func TestStringifyData(t *testing.T) {
	require.Equal(t, "{}", stringifyData(nil))
	require.Equal(t, `{"k":1}`, stringifyData(`{"k":1}`))
	require.JSONEq(t, `{"k":1}`, stringifyData(map[string]any{"k": 1}))
	require.Equal(t, "7", stringifyData(float64(7)))
}
