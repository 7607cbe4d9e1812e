// Package eventchan implements the Event Channel (C2): a lossless-in-
// the-common-case, ordered, bounded transport from kernel producers to
// a single userspace consumer, with a bounded reorder window and
// observable drop/abandon counters (§4.2).
package eventchan

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/linnix-io/linnix-core/internal/model"
)

// ReorderMerger buffers events received out of sequence order and
// releases them downstream in ascending Seq once either the buffer
// exceeds the reorder window or Flush is called. An event that arrives
// more than window slots behind the highest seq seen is considered
// unrecoverably late and dropped (B2), incrementing ReorderDrops.
type ReorderMerger struct {
	window int

	mu           sync.Mutex
	buf          []model.Event // kept sorted ascending by Seq
	highWater    uint64
	hasHighWater bool

	reorderDrops atomic.Uint64
}

// NewReorderMerger creates a merger with the given bounded reorder
// window (default: per-CPU batch size, per §4.2).
func NewReorderMerger(window int) *ReorderMerger {
	if window < 1 {
		window = 1
	}
	return &ReorderMerger{window: window}
}

// Push admits one event and returns zero or more events now safe to
// emit downstream in ascending sequence order.
func (m *ReorderMerger) Push(ev model.Event) []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasHighWater && ev.Seq+uint64(m.window) < m.highWater {
		m.reorderDrops.Add(1)
		return nil
	}
	if !m.hasHighWater || ev.Seq > m.highWater {
		m.highWater = ev.Seq
		m.hasHighWater = true
	}

	idx := sort.Search(len(m.buf), func(i int) bool { return m.buf[i].Seq >= ev.Seq })
	if idx < len(m.buf) && m.buf[idx].Seq == ev.Seq {
		// Duplicate sequence number: same event reserved/committed twice
		// is a no-op here; R2 idempotence is enforced at ingest (C3).
		return nil
	}
	m.buf = append(m.buf, model.Event{})
	copy(m.buf[idx+1:], m.buf[idx:])
	m.buf[idx] = ev

	var out []model.Event
	for len(m.buf) > m.window {
		out = append(out, m.buf[0])
		m.buf = m.buf[1:]
	}
	return out
}

// Flush forces emission of every buffered event, in ascending sequence
// order, clearing the buffer. Used when draining at shutdown (§4.7).
func (m *ReorderMerger) Flush() []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.buf
	m.buf = nil
	return out
}

// ReorderDrops returns the count of events dropped for arriving beyond
// the reorder window (B2).
func (m *ReorderMerger) ReorderDrops() uint64 {
	return m.reorderDrops.Load()
}
