package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records deliveries and simulates per-target connectivity and
// send failures.
type fakeSender struct {
	mu        sync.Mutex
	connected map[string]bool
	failures  map[string]int // remaining sends to fail per target
	sent      []PendingDelivery
}

func newFakeSender(connected ...string) *fakeSender {
	s := &fakeSender{
		connected: make(map[string]bool),
		failures:  make(map[string]int),
	}
	for _, name := range connected {
		s.connected[name] = true
	}
	return s
}

func (s *fakeSender) IsConnected(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected[name]
}

func (s *fakeSender) DeliverPending(_ context.Context, target string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures[target] > 0 {
		s.failures[target]--
		return errors.New("send failed")
	}
	s.sent = append(s.sent, PendingDelivery{Target: target, Payload: payload})
	return nil
}

func (s *fakeSender) sentTo(target string) []PendingDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingDelivery
	for _, e := range s.sent {
		if e.Target == target {
			out = append(out, e)
		}
	}
	return out
}

func TestDrainOnceDeliversOnlyConnectedTargets(t *testing.T) {
	q := Open(queuePath(t))
	q.Enqueue("online", json.RawMessage(`{"n":1}`))
	q.Enqueue("offline", json.RawMessage(`{"n":2}`))

	sender := newFakeSender("online")
	d := NewDrainer(q, sender, time.Minute)

	n := d.DrainOnce(context.Background())

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, "offline", q.Snapshot()[0].Target)
	require.Len(t, sender.sentTo("online"), 1)
}

func TestDrainOncePreservesPerTargetOrder(t *testing.T) {
	q := Open(queuePath(t))
	q.Enqueue("beta", json.RawMessage(`{"n":1}`))
	q.Enqueue("beta", json.RawMessage(`{"n":2}`))
	q.Enqueue("beta", json.RawMessage(`{"n":3}`))

	sender := newFakeSender("beta")
	d := NewDrainer(q, sender, time.Minute)

	assert.Equal(t, 3, d.DrainOnce(context.Background()))

	sent := sender.sentTo("beta")
	require.Len(t, sent, 3)
	assert.JSONEq(t, `{"n":1}`, string(sent[0].Payload))
	assert.JSONEq(t, `{"n":2}`, string(sent[1].Payload))
	assert.JSONEq(t, `{"n":3}`, string(sent[2].Payload))
	assert.Equal(t, 0, q.Len())
}

func TestDrainOnceFailureBlocksRestOfTarget(t *testing.T) {
	q := Open(queuePath(t))
	q.Enqueue("beta", json.RawMessage(`{"n":1}`))
	q.Enqueue("beta", json.RawMessage(`{"n":2}`))
	q.Enqueue("gamma", json.RawMessage(`{"n":3}`))

	sender := newFakeSender("beta", "gamma")
	sender.failures["beta"] = 1
	d := NewDrainer(q, sender, time.Minute)

	n := d.DrainOnce(context.Background())

	// beta's first send failed, so its second entry must not be attempted;
	// gamma is unaffected.
	assert.Equal(t, 1, n)
	assert.Empty(t, sender.sentTo("beta"))
	assert.Len(t, sender.sentTo("gamma"), 1)
	require.Equal(t, 2, q.Len())
	assert.Equal(t, "beta", q.Snapshot()[0].Target)
	assert.Equal(t, "beta", q.Snapshot()[1].Target)

	// Next pass succeeds and drains beta in order.
	assert.Equal(t, 2, d.DrainOnce(context.Background()))
	sent := sender.sentTo("beta")
	require.Len(t, sent, 2)
	assert.JSONEq(t, `{"n":1}`, string(sent[0].Payload))
	assert.JSONEq(t, `{"n":2}`, string(sent[1].Payload))
}

func TestDrainOncePersistsRemoval(t *testing.T) {
	path := queuePath(t)
	q := Open(path)
	q.Enqueue("online", json.RawMessage(`{"n":1}`))
	q.Enqueue("offline", json.RawMessage(`{"n":2}`))

	d := NewDrainer(q, newFakeSender("online"), time.Minute)
	d.DrainOnce(context.Background())

	restored := Open(path)
	require.Equal(t, 1, restored.Len())
	assert.Equal(t, "offline", restored.Snapshot()[0].Target)
}

func TestDrainerBackgroundLoop(t *testing.T) {
	q := Open(queuePath(t))
	q.Enqueue("beta", json.RawMessage(`{"n":1}`))

	sender := newFakeSender("beta")
	d := NewDrainer(q, sender, 10*time.Millisecond)
	d.Start(context.Background())
	defer d.Stop()

	require.Eventually(t, func() bool { return q.Len() == 0 },
		2*time.Second, 10*time.Millisecond)
	require.Len(t, sender.sentTo("beta"), 1)
}

func TestDrainerStopIdempotent(t *testing.T) {
	d := NewDrainer(Open(queuePath(t)), newFakeSender(), 10*time.Millisecond)
	d.Start(context.Background())
	d.Stop()
	d.Stop()
}
