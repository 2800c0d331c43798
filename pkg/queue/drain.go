package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DefaultDrainInterval is the pause between drain passes.
const DefaultDrainInterval = 5 * time.Second

// Sender delivers queued payloads to connected integrations. Implemented by
// the relay manager.
type Sender interface {
	// IsConnected reports whether the named integration currently has a live
	// connection.
	IsConnected(name string) bool
	// DeliverPending sends one queued payload to a connected integration.
	// It does not re-queue on failure; the Drainer keeps the entry instead.
	DeliverPending(ctx context.Context, target string, payload json.RawMessage) error
}

// Drainer periodically retries queued deliveries whose targets have
// reconnected. A single Drainer owns the queue's drain side so deliveries for
// one target always leave in arrival order.
type Drainer struct {
	queue    *DeliveryQueue
	sender   Sender
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDrainer creates a drainer. A non-positive interval falls back to
// DefaultDrainInterval.
func NewDrainer(q *DeliveryQueue, sender Sender, interval time.Duration) *Drainer {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	return &Drainer{
		queue:    q,
		sender:   sender,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the drain loop in a goroutine.
func (d *Drainer) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop signals the drainer to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (d *Drainer) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *Drainer) run(ctx context.Context) {
	defer d.wg.Done()

	slog.Info("Delivery drainer started", "interval", d.interval)
	for {
		select {
		case <-d.stopCh:
			slog.Info("Delivery drainer shutting down")
			return
		case <-ctx.Done():
			slog.Info("Context cancelled, delivery drainer shutting down")
			return
		case <-time.After(d.interval):
			d.DrainOnce(ctx)
		}
	}
}

// DrainOnce attempts every pending delivery whose target is connected and
// returns how many were delivered. The first failure for a target blocks the
// rest of that target's entries for the pass, preserving per-target order.
func (d *Drainer) DrainOnce(ctx context.Context) int {
	pending := d.queue.Snapshot()
	if len(pending) == 0 {
		return 0
	}

	delivered := make([]uint64, 0, len(pending))
	blocked := make(map[string]bool)
	for _, e := range pending {
		if blocked[e.Target] {
			continue
		}
		if !d.sender.IsConnected(e.Target) {
			blocked[e.Target] = true
			continue
		}
		if err := d.sender.DeliverPending(ctx, e.Target, e.Payload); err != nil {
			slog.Warn("Queued delivery failed, will retry",
				"target", e.Target, "error", err)
			blocked[e.Target] = true
			continue
		}
		slog.Info("Delivered queued message", "target", e.Target)
		delivered = append(delivered, e.seq)
	}

	d.queue.remove(delivered)
	return len(delivered)
}
