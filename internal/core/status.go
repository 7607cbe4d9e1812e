package core

import (
	"context"

	"github.com/linnix-io/linnix-core/internal/model"
)

// Health implements mcp.StatusProvider (§4.7 "expose status endpoint
// internally for collaborators"): probe attach state plus the two
// steady-state counters every component increments on its own failure
// path (dropped events, rule errors).
func (f *Facade) Health() model.Health {
	f.acquireSnapshotSlot()
	defer f.releaseSnapshotSlot()

	f.mu.RLock()
	probes := make(map[string]model.ProbeState, len(f.probeStates))
	for k, v := range f.probeStates {
		probes[k] = v
	}
	f.mu.RUnlock()

	ok := true
	for _, spec := range requiredProgramNames() {
		if probes[spec] == model.ProbeFailed {
			ok = false
		}
	}

	var ruleErrors uint64
	for _, n := range f.engine.RuleErrorsTotal() {
		ruleErrors += n
	}

	return model.Health{
		OK:                 ok,
		Probes:             probes,
		DroppedEventsTotal: f.channel.DroppedTotal() + f.channel.AbandonedTotal() + f.channel.ReorderDrops(),
		RuleErrorsTotal:    ruleErrors,
		UptimeSecs:         f.log.Uptime().Seconds(),
	}
}

// Snapshot implements mcp.StatusProvider: the live Process Context view.
func (f *Facade) Snapshot() *model.Snapshot {
	f.acquireSnapshotSlot()
	defer f.releaseSnapshotSlot()
	return f.tracker.Snapshot()
}

// RecentActions implements mcp.StatusProvider: the Enforcement
// Handler's bounded ActionRecord ring, most recent last, truncated to
// the caller's requested limit.
func (f *Facade) RecentActions(limit int) []model.ActionRecord {
	f.acquireSnapshotSlot()
	defer f.releaseSnapshotSlot()

	all := f.handler.History()
	if limit <= 0 || limit >= len(all) {
		return all
	}
	return all[len(all)-limit:]
}

// acquireSnapshotSlot/releaseSnapshotSlot bound concurrent read-only
// status observers (MCP tool calls) the way the teacher's
// MaxEventsPerCollector caps unbounded fan-out (§5).
func (f *Facade) acquireSnapshotSlot() {
	_ = f.snapshotSem.Acquire(context.Background(), 1)
}

func (f *Facade) releaseSnapshotSlot() {
	f.snapshotSem.Release(1)
}

func requiredProgramNames() []string {
	names := make([]string, 0, 3)
	names = append(names, "sched_process_fork", "sched_process_exec", "sched_process_exit")
	return names
}
