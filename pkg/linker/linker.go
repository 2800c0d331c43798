// Package linker translates broker traffic into upstream command envelopes.
// Producers enqueue registration and event items; a single worker drains
// them in order to the upstream client, waiting out disconnects so items
// survive upstream restarts.
package linker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nakurity/neuro-relay/pkg/neuro"
)

const (
	// queueCapacity bounds the traffic queue. Enqueues beyond it are dropped
	// with a warning rather than stalling a connection handler.
	queueCapacity = 256

	// defaultOfflineDelay is the pause before requeueing when no upstream
	// connection exists.
	defaultOfflineDelay = 2 * time.Second

	// defaultRetryDelay is the pause before requeueing after a transient
	// send failure.
	defaultRetryDelay = 1 * time.Second
)

// TrafficKind discriminates the two item shapes the linker translates.
type TrafficKind string

const (
	KindRegisterActions TrafficKind = "register_actions"
	KindEvent           TrafficKind = "event"
)

// TrafficItem is one unit of pending translation work. Items are transient;
// they live until forwarded upstream or discarded.
type TrafficItem struct {
	ID     uuid.UUID
	Kind   TrafficKind
	Origin string // integration the item came from

	// Event items.
	Event   string
	Payload map[string]any

	// RegisterActions items.
	Actions []neuro.Action
}

// UpstreamSender is the linker's view of the upstream client.
type UpstreamSender interface {
	Connected() bool
	Send(ctx context.Context, msg neuro.Message) error
}

// Linker owns the traffic queue and its single drain worker.
type Linker struct {
	sender UpstreamSender
	game   string

	items chan TrafficItem

	offlineDelay time.Duration
	retryDelay   time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a linker forwarding to sender. game is the name stamped on
// every upstream envelope.
func New(sender UpstreamSender, game string) *Linker {
	return &Linker{
		sender:       sender,
		game:         game,
		items:        make(chan TrafficItem, queueCapacity),
		offlineDelay: defaultOfflineDelay,
		retryDelay:   defaultRetryDelay,
		stopCh:       make(chan struct{}),
	}
}

// EnqueueRegisterActions queues an action registration for upstream
// forwarding.
func (l *Linker) EnqueueRegisterActions(actions []neuro.Action) {
	l.enqueue(TrafficItem{ID: uuid.New(), Kind: KindRegisterActions, Actions: actions})
}

// EnqueueEvent queues one integration event for translation and forwarding.
func (l *Linker) EnqueueEvent(event, origin string, payload map[string]any) {
	l.enqueue(TrafficItem{
		ID:      uuid.New(),
		Kind:    KindEvent,
		Origin:  origin,
		Event:   event,
		Payload: payload,
	})
}

// Pending returns the number of queued items.
func (l *Linker) Pending() int {
	return len(l.items)
}

// Start launches the drain worker.
func (l *Linker) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop terminates the drain worker and waits for it to exit. Safe to call
// more than once.
func (l *Linker) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func (l *Linker) run(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case item := <-l.items:
			l.process(ctx, item)
		}
	}
}

// process forwards one item. Items without an upstream connection and items
// hitting transient send failures are requeued after a delay; translation
// failures and permanent send failures drop the item.
func (l *Linker) process(ctx context.Context, item TrafficItem) {
	if !l.sender.Connected() {
		slog.Debug("Upstream not connected, holding traffic item",
			"traffic_id", item.ID, "kind", item.Kind)
		l.sleep(ctx, l.offlineDelay)
		l.enqueue(item)
		return
	}

	msg, err := translate(item, l.game)
	if err != nil {
		slog.Error("Dropping untranslatable traffic item",
			"traffic_id", item.ID, "kind", item.Kind, "error", err)
		return
	}

	if err := l.sender.Send(ctx, msg); err != nil {
		if isTransient(err) {
			slog.Warn("Transient upstream failure, requeueing traffic item",
				"traffic_id", item.ID, "command", msg.Command, "error", err)
			l.sleep(ctx, l.retryDelay)
			l.enqueue(item)
			return
		}
		slog.Error("Dropping traffic item after send failure",
			"traffic_id", item.ID, "command", msg.Command, "error", err)
		return
	}

	slog.Debug("Forwarded traffic item upstream",
		"traffic_id", item.ID, "command", msg.Command)
}

func (l *Linker) enqueue(item TrafficItem) {
	select {
	case l.items <- item:
	default:
		slog.Warn("Traffic queue full, dropping item",
			"traffic_id", item.ID, "kind", item.Kind, "event", item.Event)
	}
}

// sleep waits for d unless the worker is stopping.
func (l *Linker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-l.stopCh:
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// isTransient classifies send failures worth retrying: a vanished upstream
// connection, or transport errors naming the connection or websocket.
func isTransient(err error) bool {
	if errors.Is(err, neuro.ErrNotConnected) {
		return true
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "connection") || strings.Contains(text, "websocket")
}
