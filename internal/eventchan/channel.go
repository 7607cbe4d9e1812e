package eventchan

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnix-io/linnix-core/internal/corelog"
	"github.com/linnix-io/linnix-core/internal/model"
)

// defaultReapInterval is how often the reaper scans for abandoned
// reservations (§4.2, T_reap default).
const defaultReapInterval = 10 * time.Millisecond

// Slot is a reserved, not-yet-committed position in the channel. A
// producer calls Reserve, fills in the event, then calls Commit. A slot
// left uncommitted past T_reap is abandoned by the reaper.
type Slot struct {
	seq        uint64
	reservedAt time.Time
}

// Channel is a single-consumer, multi-producer transport between the
// kernel collector (or fallback sampler) and the process-context
// tracker. It assigns globally increasing sequence numbers at
// reservation time, merges commits back into ascending order within a
// bounded reorder window, and is non-blocking under backpressure: a
// Reserve call on a full channel fails immediately rather than stalling
// the producer (§4.2 "producer never blocks on a full channel").
type Channel struct {
	log *corelog.Logger

	out chan model.Event

	seq     atomic.Uint64
	merger  *ReorderMerger
	mergeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]*Slot

	eventsTotal    atomic.Uint64
	droppedTotal   atomic.Uint64
	abandonedTotal atomic.Uint64
}

// New creates a Channel with the given output buffer capacity and
// reorder window (in events).
func New(capacity, reorderWindow int) *Channel {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel{
		log:     corelog.New("eventchan"),
		out:     make(chan model.Event, capacity),
		merger:  NewReorderMerger(reorderWindow),
		pending: make(map[uint64]*Slot),
	}
}

// Reserve allocates the next sequence number and a pending slot. It
// returns ok=false without allocating a sequence number if the events in
// the output buffer plus outstanding reservations already fill its
// capacity, incrementing DroppedTotal.
func (c *Channel) Reserve() (*Slot, bool) {
	c.mu.Lock()
	if len(c.out)+len(c.pending) >= cap(c.out) {
		c.mu.Unlock()
		c.droppedTotal.Add(1)
		return nil, false
	}
	seq := c.seq.Add(1) - 1
	slot := &Slot{seq: seq, reservedAt: time.Now()}
	c.pending[seq] = slot
	c.mu.Unlock()
	return slot, true
}

// Commit finalizes a reserved slot with the fully-populated event,
// stamping its Seq, and feeds it through the reorder merger. Any events
// the merger now considers safe to release are pushed to the drain
// stream. Commit blocks only as long as it takes to enqueue already-
// ordered events into the output buffer reserved for them at Reserve
// time, so it cannot deadlock against the capacity check in Reserve.
func (c *Channel) Commit(slot *Slot, ev model.Event) {
	ev.Seq = slot.seq

	c.mu.Lock()
	delete(c.pending, slot.seq)
	c.mu.Unlock()

	c.eventsTotal.Add(1)

	c.mergeMu.Lock()
	ready := c.merger.Push(ev)
	c.mergeMu.Unlock()

	for _, r := range ready {
		c.out <- r
	}
}

// Drain returns the channel's output stream. The consumer ranges over
// it until ctx is cancelled and the producer side stops feeding it.
func (c *Channel) Drain() <-chan model.Event {
	return c.out
}

// Flush releases any events still buffered in the reorder merger,
// typically called once producers have stopped during shutdown.
func (c *Channel) Flush() {
	c.mergeMu.Lock()
	ready := c.merger.Flush()
	c.mergeMu.Unlock()
	for _, r := range ready {
		c.out <- r
	}
}

// Close closes the output stream. Callers must ensure no further
// Commit calls are in flight.
func (c *Channel) Close() {
	close(c.out)
}

// RunReaper periodically scans for reserved-but-uncommitted slots older
// than T_reap and abandons them, until ctx is cancelled.
func (c *Channel) RunReaper(ctx context.Context, tReap time.Duration) {
	if tReap <= 0 {
		tReap = defaultReapInterval
	}
	ticker := time.NewTicker(tReap)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reapOnce(tReap)
		}
	}
}

func (c *Channel) reapOnce(tReap time.Duration) {
	cutoff := time.Now().Add(-tReap)
	c.mu.Lock()
	var stale []uint64
	for seq, slot := range c.pending {
		if slot.reservedAt.Before(cutoff) {
			stale = append(stale, seq)
		}
	}
	for _, seq := range stale {
		delete(c.pending, seq)
	}
	c.mu.Unlock()

	if len(stale) > 0 {
		c.abandonedTotal.Add(uint64(len(stale)))
		c.log.Printf("abandoned %d uncommitted reservation(s) past %s", len(stale), tReap)
	}
}

// EventsTotal returns the count of events successfully committed.
func (c *Channel) EventsTotal() uint64 { return c.eventsTotal.Load() }

// DroppedTotal returns the count of reservations refused because the
// output buffer and outstanding reservations filled its capacity.
func (c *Channel) DroppedTotal() uint64 { return c.droppedTotal.Load() }

// AbandonedTotal returns the count of reservations reaped for never
// being committed within T_reap.
func (c *Channel) AbandonedTotal() uint64 { return c.abandonedTotal.Load() }

// ReorderDrops returns the count of events dropped by the merge step
// for arriving beyond the reorder window (B2).
func (c *Channel) ReorderDrops() uint64 { return c.merger.ReorderDrops() }
