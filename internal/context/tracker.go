// Package procctx implements Process Context (C3): the single
// authoritative, exclusively-owned table of live and recently-exited
// process state, built by ingesting the Event Channel's drained stream
// and exposing point-in-time Snapshots to the Rule Engine, the
// Enforcement Engine, and the status surface.
package procctx

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/linnix-io/linnix-core/internal/model"
)

// Config tunes Process Context's retention and smoothing behavior.
type Config struct {
	RetentionSecs    int     // how long an exited process stays queryable
	HardCapProcesses int     // LRU eviction ceiling, independent of retention
	EWMAAlpha        float64 // CPU EWMA smoothing factor, default 0.3
	RSSWindowSize    int     // samples kept for the RSS slope fit, default 30
	BootID           string  // disambiguates StartNS across reboots
}

// DefaultConfig returns the §4.3 defaults.
func DefaultConfig(bootID string) Config {
	return Config{
		RetentionSecs:    60,
		HardCapProcesses: 50000,
		EWMAAlpha:        0.3,
		RSSWindowSize:    30,
		BootID:           bootID,
	}
}

type entry struct {
	proc        *model.Process
	lastSampleNS int64
	sampleIntervalEWMA float64 // seconds
	lastForkNS  int64
	forkIntervalEWMA float64
	lastExecNS  int64
	execIntervalEWMA float64
}

// Tracker is Process Context's mutable store. Safe for concurrent
// ingest and snapshot: Snapshot takes a read lock and clones every
// entry, so a caller holding a Snapshot never observes a later ingest
// or reap (P3).
type Tracker struct {
	cfg Config

	mu      sync.RWMutex
	byKey   map[model.ProcessKey]*entry
	aliveOf map[uint32]model.ProcessKey // pid -> current alive key

	order map[model.ProcessKey]*list.Element
	lru   *list.List // front = least recently touched
}

// NewTracker creates an empty Tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.EWMAAlpha <= 0 {
		cfg.EWMAAlpha = 0.3
	}
	if cfg.RSSWindowSize <= 0 {
		cfg.RSSWindowSize = 30
	}
	return &Tracker{
		cfg:     cfg,
		byKey:   make(map[model.ProcessKey]*entry),
		aliveOf: make(map[uint32]model.ProcessKey),
		order:   make(map[model.ProcessKey]*list.Element),
		lru:     list.New(),
	}
}

// Ingest applies one kernel event to the process table.
func (t *Tracker) Ingest(ev model.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case model.EventFork:
		t.ingestFork(ev)
	case model.EventExec:
		t.ingestExec(ev)
	case model.EventExit:
		t.ingestExit(ev)
	case model.EventSample:
		t.ingestSample(ev)
	}
}

func (t *Tracker) ingestFork(ev model.Event) {
	// Touch the parent, if tracked, to update its fork rate (§4.3).
	if pkey, ok := t.aliveOf[ev.PID]; ok {
		if pe, ok := t.byKey[pkey]; ok {
			t.bumpRate(&pe.lastForkNS, &pe.forkIntervalEWMA, int64(ev.TimestampNS))
			pe.proc.ForksChildrenTotal++
			if pe.forkIntervalEWMA > 0 {
				pe.proc.ForksChildPerSec = 1 / pe.forkIntervalEWMA
			}
			t.touch(pkey)
		}
	}

	// If the child pid is currently Alive under a different key, a Fork
	// arriving without an observed intervening Exit means the kernel
	// reused the pid before we saw it exit (§4.3 edge case, B1). Close
	// out the stale entry synthetically so P2 ("at most one Alive entry
	// per pid") keeps holding before the new one is inserted.
	if oldKey, ok := t.aliveOf[ev.ChildPID]; ok {
		if oe, ok := t.byKey[oldKey]; ok {
			oe.proc.State = model.StateExited
			oe.proc.ExitCode = model.UnknownExitCode
			oe.proc.LastSeenNS = ev.TimestampNS
			t.touch(oldKey)
		}
	}

	// A fork always creates a fresh child entry keyed by its own
	// StartNS — this is what makes pid reuse safe (B1): an old exited
	// entry for the same pid keeps its own key and is never confused
	// with the new one.
	key := model.ProcessKey{PID: ev.ChildPID, BootID: t.cfg.BootID, StartNS: ev.TimestampNS}
	e := &entry{proc: &model.Process{
		Key:        key,
		TGID:       ev.ChildTGID,
		PPID:       ev.PID,
		Comm:       ev.Comm,
		StartNS:    ev.TimestampNS,
		LastSeenNS: ev.TimestampNS,
		State:      model.StateAlive,
	}}
	t.insert(key, e)
	t.aliveOf[ev.ChildPID] = key
}

func (t *Tracker) ingestExec(ev model.Event) {
	e := t.aliveEntry(ev.PID, ev.TimestampNS, ev.TGID, ev.PPID, ev.Comm)
	e.proc.Comm = ev.Comm
	e.proc.LastSeenNS = ev.TimestampNS
	e.proc.ExecsTotal++
	t.bumpRate(&e.lastExecNS, &e.execIntervalEWMA, int64(ev.TimestampNS))
	if e.execIntervalEWMA > 0 {
		e.proc.ExecsPerSec = 1 / e.execIntervalEWMA
	}
	t.touch(e.proc.Key)
}

func (t *Tracker) ingestExit(ev model.Event) {
	key, ok := t.aliveOf[ev.PID]
	if !ok {
		return
	}
	e, ok := t.byKey[key]
	if !ok {
		return
	}
	e.proc.State = model.StateExited
	e.proc.ExitCode = ev.ExitCode
	e.proc.LastSeenNS = ev.TimestampNS
	delete(t.aliveOf, ev.PID) // frees the pid for a future, distinct entry
	t.touch(key)
}

func (t *Tracker) ingestSample(ev model.Event) {
	e := t.aliveEntry(ev.PID, ev.TimestampNS, ev.TGID, ev.PPID, ev.Comm)
	e.proc.LastSeenNS = ev.TimestampNS

	alpha := t.cfg.EWMAAlpha
	e.proc.CPUMilliPctEWMA = alpha*float64(ev.CPUMilliPct) + (1-alpha)*e.proc.CPUMilliPctEWMA

	e.proc.RSSKbSeries = append(e.proc.RSSKbSeries, ev.RSSKb)
	if len(e.proc.RSSKbSeries) > t.cfg.RSSWindowSize {
		e.proc.RSSKbSeries = e.proc.RSSKbSeries[len(e.proc.RSSKbSeries)-t.cfg.RSSWindowSize:]
	}

	t.bumpRate(&e.lastSampleNS, &e.sampleIntervalEWMA, int64(ev.TimestampNS))
	e.proc.RSSKbSlopePerSec = rssSlopePerSec(e.proc.RSSKbSeries, e.sampleIntervalEWMA)

	t.touch(e.proc.Key)
}

// aliveEntry returns the current alive entry for pid, creating one
// (keyed by this event's timestamp as a best-effort StartNS) if none
// exists yet — the collector may emit an Exec or Sample for a process
// forked before the daemon started observing it.
func (t *Tracker) aliveEntry(pid uint32, tsNS uint64, tgid, ppid uint32, comm string) *entry {
	if key, ok := t.aliveOf[pid]; ok {
		if e, ok := t.byKey[key]; ok {
			return e
		}
	}
	key := model.ProcessKey{PID: pid, BootID: t.cfg.BootID, StartNS: tsNS}
	e := &entry{proc: &model.Process{
		Key:        key,
		TGID:       tgid,
		PPID:       ppid,
		Comm:       comm,
		StartNS:    tsNS,
		LastSeenNS: tsNS,
		State:      model.StateAlive,
	}}
	t.insert(key, e)
	t.aliveOf[pid] = key
	return e
}

// bumpRate updates an EWMA of inter-event interval (seconds) given the
// timestamp of the new event.
func (t *Tracker) bumpRate(lastNS *int64, intervalEWMA *float64, nowNS int64) {
	if *lastNS != 0 && nowNS > *lastNS {
		dt := float64(nowNS-*lastNS) / 1e9
		if *intervalEWMA == 0 {
			*intervalEWMA = dt
		} else {
			*intervalEWMA = t.cfg.EWMAAlpha*dt + (1-t.cfg.EWMAAlpha)**intervalEWMA
		}
	}
	*lastNS = nowNS
}

// rssSlopePerSec fits a least-squares line to the windowed RSS samples
// (x = sample index) and rescales the per-sample slope to a per-second
// rate using the EWMA'd sampling interval.
func rssSlopePerSec(series []int64, intervalSecEWMA float64) float64 {
	n := len(series)
	if n < 2 || intervalSecEWMA <= 0 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range series {
		x := float64(i)
		y := float64(v)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slopePerSample := (nf*sumXY - sumX*sumY) / denom
	return slopePerSample / intervalSecEWMA
}

func (t *Tracker) insert(key model.ProcessKey, e *entry) {
	t.byKey[key] = e
	elem := t.lru.PushBack(key)
	t.order[key] = elem
	t.enforceHardCap()
}

func (t *Tracker) touch(key model.ProcessKey) {
	if elem, ok := t.order[key]; ok {
		t.lru.MoveToBack(elem)
	}
}

// enforceHardCap evicts the least-recently-touched entries, regardless
// of state, once the table exceeds HardCapProcesses (§4.3's ceiling
// distinct from time-based retention).
func (t *Tracker) enforceHardCap() {
	if t.cfg.HardCapProcesses <= 0 {
		return
	}
	for len(t.byKey) > t.cfg.HardCapProcesses {
		front := t.lru.Front()
		if front == nil {
			return
		}
		key := front.Value.(model.ProcessKey)
		t.evict(key)
	}
}

func (t *Tracker) evict(key model.ProcessKey) {
	if elem, ok := t.order[key]; ok {
		t.lru.Remove(elem)
		delete(t.order, key)
	}
	delete(t.byKey, key)
	if cur, ok := t.aliveOf[key.PID]; ok && cur == key {
		delete(t.aliveOf, key.PID)
	}
}

// Reap removes exited entries older than RetentionSecs, given the
// current wall-clock time expressed as kernel-clock nanoseconds. A
// Snapshot taken before Reap runs never observes the reap (P3), since
// Snapshot clones every entry under the same lock Reap mutates under.
func (t *Tracker) Reap(nowNS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoffNS := nowNS - int64(t.cfg.RetentionSecs)*1e9
	var stale []model.ProcessKey
	for key, e := range t.byKey {
		if e.proc.State == model.StateExited && int64(e.proc.LastSeenNS) < cutoffNS {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		t.evict(key)
	}
}

// Snapshot returns an immutable, point-in-time view of every tracked
// process (alive and not-yet-reaped exited).
func (t *Tracker) Snapshot() *model.Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	procs := make([]*model.Process, 0, len(t.byKey))
	for _, e := range t.byKey {
		procs = append(procs, e.proc.Clone())
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].Key.PID < procs[j].Key.PID })
	return &model.Snapshot{TakenAtNS: time.Now().UnixNano(), Processes: procs}
}

// Len returns the number of tracked entries (alive + retained exited),
// used by the status surface and tests.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byKey)
}
