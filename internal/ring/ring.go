// Package ring implements the bounded, monotonically-sequenced
// in-memory event log described in spec.md §4.2. The locking
// discipline is adapted from pkg/cache.MemoryCache's single-writer
// mutex, replacing the map with a fixed-capacity circular slice since
// the ring needs dense, monotone sequence numbers instead of per-key
// TTL semantics.
package ring

import (
	"sync"
	"sync/atomic"

	"github.com/marketrelay/ingest/pkg/wire"
)

// Ring is safe for one writer and many concurrent readers. latestSeq
// is wait-free per spec.md §4.2.
type Ring struct {
	mu       sync.Mutex
	buf      []wire.RingEvent
	capacity int
	tail     int64 // lowest seq still retained, 0 if empty
	head     atomic.Int64
}

// New creates a ring with the given capacity (default 5000 per spec.md §3).
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 5000
	}
	return &Ring{
		buf:      make([]wire.RingEvent, 0, capacity),
		capacity: capacity,
	}
}

// Push assigns the next seq to evt and appends it, dropping the oldest
// event if the ring is at capacity. It is the only mutating operation
// and must be called from a single producer per spec.md §4.2.
func (r *Ring) Push(payload wire.TradePayload) wire.RingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.head.Add(1)
	evt := wire.RingEvent{Seq: seq, Kind: wire.RingEventTrade, Payload: payload}

	if len(r.buf) >= r.capacity {
		r.buf = r.buf[1:]
		r.tail = r.buf[0].Seq
	}
	r.buf = append(r.buf, evt)
	if len(r.buf) == 1 {
		r.tail = evt.Seq
	}
	return evt
}

// LatestSeq returns the current head sequence number without taking
// the writer lock.
func (r *Ring) LatestSeq() int64 {
	return r.head.Load()
}

// ListSince returns up to max contiguous events with seq > sinceSeq.
// If sinceSeq is older than the retained tail, it returns from the
// tail — the caller (client session) is expected to treat the gap as
// normal backfill loss per spec.md §4.2.
func (r *Ring) ListSince(sinceSeq int64, max int) []wire.RingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buf) == 0 {
		return nil
	}
	if sinceSeq < r.tail {
		sinceSeq = r.tail - 1
	}

	start := int(sinceSeq - r.tail + 1)
	if start < 0 {
		start = 0
	}
	if start >= len(r.buf) {
		return nil
	}

	end := start + max
	if max <= 0 || end > len(r.buf) {
		end = len(r.buf)
	}

	out := make([]wire.RingEvent, end-start)
	copy(out, r.buf[start:end])
	return out
}
