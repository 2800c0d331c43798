// Package queue implements the durable pending-delivery queue: messages
// addressed to integrations that are not currently connected, spilled to disk
// so a broker restart loses nothing, and drained back out by a background
// worker once the target reconnects.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// formatVersion is the first byte of the queue file. Records follow as
// 4-byte big-endian length prefixes, each framing one JSON-encoded
// PendingDelivery.
const formatVersion byte = 0x01

// ErrCorrupt classifies unreadable queue file content. Loading never fails
// outright; the valid prefix is restored and the rest is logged against this
// error.
var ErrCorrupt = errors.New("corrupt queue file")

// PendingDelivery is one queued message awaiting its target integration.
type PendingDelivery struct {
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`

	// seq orders entries and identifies them across a drain pass. Assigned
	// at enqueue/restore time, never persisted.
	seq uint64
}

// DeliveryQueue holds pending deliveries in arrival order and mirrors every
// mutation to the spill file. Persistence failures degrade to in-memory
// operation with a warning; they never drop entries or fail the caller.
type DeliveryQueue struct {
	path string

	mu      sync.Mutex
	entries []PendingDelivery
	nextSeq uint64
}

// Open returns a queue backed by the spill file at path, restoring any
// entries a previous process persisted. A missing file starts empty. An
// unreadable file (wrong version byte, truncated tail) restores the valid
// prefix and logs the rest.
func Open(path string) *DeliveryQueue {
	q := &DeliveryQueue{path: path}
	q.load()
	return q
}

// Enqueue appends a delivery for target and persists the queue.
func (q *DeliveryQueue) Enqueue(target string, payload json.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, PendingDelivery{
		Target:  target,
		Payload: payload,
		seq:     q.nextSeq,
	})
	q.nextSeq++
	q.persistLocked()

	slog.Info("Queued message for offline integration",
		"target", target, "pending", len(q.entries))
}

// Len returns the number of pending deliveries.
func (q *DeliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the pending deliveries in order.
func (q *DeliveryQueue) Snapshot() []PendingDelivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingDelivery, len(q.entries))
	copy(out, q.entries)
	return out
}

// remove drops the entries with the given sequence numbers and persists the
// queue when anything changed.
func (q *DeliveryQueue) remove(seqs []uint64) {
	if len(seqs) == 0 {
		return
	}
	drop := make(map[uint64]bool, len(seqs))
	for _, s := range seqs {
		drop[s] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0]
	for _, e := range q.entries {
		if !drop[e.seq] {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(q.entries) {
		return
	}
	q.entries = kept
	q.persistLocked()
}

// load restores persisted entries. Called once from Open.
func (q *DeliveryQueue) load() {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Failed to read queue file, starting empty",
				"file", q.path, "error", err)
		}
		return
	}
	if len(data) == 0 {
		return
	}
	if data[0] != formatVersion {
		slog.Warn("Refusing queue file with unknown version, starting empty",
			"file", q.path,
			"error", fmt.Errorf("%w: version byte 0x%02x", ErrCorrupt, data[0]))
		return
	}

	rest := data[1:]
	for len(rest) > 0 {
		if len(rest) < 4 {
			slog.Warn("Queue file ends mid-record, keeping restored prefix",
				"file", q.path, "restored", len(q.entries),
				"error", fmt.Errorf("%w: truncated length prefix", ErrCorrupt))
			break
		}
		n := binary.BigEndian.Uint32(rest[:4])
		if uint64(len(rest)-4) < uint64(n) {
			slog.Warn("Queue file ends mid-record, keeping restored prefix",
				"file", q.path, "restored", len(q.entries),
				"error", fmt.Errorf("%w: record needs %d bytes, %d left", ErrCorrupt, n, len(rest)-4))
			break
		}

		var e PendingDelivery
		if err := json.Unmarshal(rest[4:4+n], &e); err != nil {
			slog.Warn("Unparseable queue record, keeping restored prefix",
				"file", q.path, "restored", len(q.entries),
				"error", fmt.Errorf("%w: %v", ErrCorrupt, err))
			break
		}
		e.seq = q.nextSeq
		q.nextSeq++
		q.entries = append(q.entries, e)
		rest = rest[4+n:]
	}

	if len(q.entries) > 0 {
		slog.Info("Restored queued messages",
			"count", len(q.entries), "file", q.path)
	}
}

// persistLocked rewrites the spill file atomically (temp file + rename).
// Callers hold q.mu.
func (q *DeliveryQueue) persistLocked() {
	data := make([]byte, 0, 64*len(q.entries)+1)
	data = append(data, formatVersion)
	for _, e := range q.entries {
		rec, err := json.Marshal(e)
		if err != nil {
			slog.Warn("Skipping unencodable queue entry", "target", e.Target, "error", err)
			continue
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(rec)))
		data = append(data, lenBuf[:]...)
		data = append(data, rec...)
	}

	if err := writeFileAtomic(q.path, data); err != nil {
		slog.Warn("Queue persist failed, keeping entries in memory",
			"file", q.path, "pending", len(q.entries), "error", err)
	}
}

// writeFileAtomic writes data to a sibling temp file and renames it over
// path, so readers never observe a half-written queue.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	ok = true
	return nil
}
