package rules

import (
	"fmt"

	"github.com/linnix-io/linnix-core/internal/model"
)

func violation(r model.Rule, subject model.Subject, now uint64, reason string, evidence map[string]string) model.Violation {
	return model.Violation{
		RuleName:    r.Name,
		Severity:    r.Severity,
		Reason:      reason,
		Subject:     subject,
		TimestampNS: now,
		Evidence:    evidence,
	}
}

func detectForksRate(r model.Rule, snap Snapshot, now uint64) []model.Violation {
	if snap.Processes == nil {
		return nil
	}
	var out []model.Violation
	for _, p := range snap.Processes.Processes {
		if p.State != model.StateAlive {
			continue
		}
		if p.ForksChildPerSec > r.Threshold {
			subject := model.Subject{Kind: model.SubjectProcess, PID: p.Key.PID, Comm: p.Comm}
			out = append(out, violation(r, subject, now,
				fmt.Sprintf("forks_child_per_sec %.2f > %.2f", p.ForksChildPerSec, r.Threshold),
				map[string]string{"forks_child_per_sec": fmt.Sprintf("%.2f", p.ForksChildPerSec)}))
		}
	}
	return out
}

func detectExecFlood(r model.Rule, snap Snapshot, now uint64) []model.Violation {
	if snap.Processes == nil {
		return nil
	}
	var out []model.Violation
	for _, p := range snap.Processes.Processes {
		if p.State != model.StateAlive {
			continue
		}
		if p.ExecsPerSec > r.Threshold {
			subject := model.Subject{Kind: model.SubjectProcess, PID: p.Key.PID, Comm: p.Comm}
			out = append(out, violation(r, subject, now,
				fmt.Sprintf("execs_per_sec %.2f > %.2f", p.ExecsPerSec, r.Threshold),
				map[string]string{"execs_per_sec": fmt.Sprintf("%.2f", p.ExecsPerSec)}))
		}
	}
	return out
}

// detectCPUSustained needs state across ticks (when did this process
// first cross threshold), so it's a method on Engine rather than a free
// function like the other detectors.
func (e *Engine) detectCPUSustained(r model.Rule, snap Snapshot, now uint64) []model.Violation {
	if snap.Processes == nil {
		return nil
	}
	e.mu.Lock()
	st := e.state[r.Name]
	e.mu.Unlock()

	var out []model.Violation
	windowNS := uint64(r.WindowSecs * 1e9)

	seen := make(map[uint32]bool, len(snap.Processes.Processes))
	for _, p := range snap.Processes.Processes {
		if p.State != model.StateAlive {
			continue
		}
		seen[p.Key.PID] = true

		e.mu.Lock()
		since, over := st.sustainSinceNS[p.Key.PID]
		e.mu.Unlock()

		if p.CPUMilliPctEWMA >= r.Threshold {
			if !over {
				e.mu.Lock()
				st.sustainSinceNS[p.Key.PID] = now
				e.mu.Unlock()
				continue
			}
			if now-since >= windowNS {
				subject := model.Subject{Kind: model.SubjectProcess, PID: p.Key.PID, Comm: p.Comm}
				out = append(out, violation(r, subject, now,
					fmt.Sprintf("cpu_milli_pct_ewma %.0f >= %.0f for >= %.0fs", p.CPUMilliPctEWMA, r.Threshold, r.WindowSecs),
					map[string]string{"cpu_milli_pct_ewma": fmt.Sprintf("%.0f", p.CPUMilliPctEWMA)}))
			}
		} else {
			e.mu.Lock()
			delete(st.sustainSinceNS, p.Key.PID)
			e.mu.Unlock()
		}
	}

	// Drop sustain-tracking for pids no longer present (exited/reaped).
	e.mu.Lock()
	for pid := range st.sustainSinceNS {
		if !seen[pid] {
			delete(st.sustainSinceNS, pid)
		}
	}
	e.mu.Unlock()

	return out
}

func detectRSSGrowth(r model.Rule, snap Snapshot, now uint64) []model.Violation {
	if snap.Processes == nil {
		return nil
	}
	var out []model.Violation
	for _, p := range snap.Processes.Processes {
		if p.State != model.StateAlive || len(p.RSSKbSeries) == 0 {
			continue
		}
		curRSS := p.RSSKbSeries[len(p.RSSKbSeries)-1]
		if p.RSSKbSlopePerSec >= r.Threshold && curRSS >= r.MinAbsKb {
			subject := model.Subject{Kind: model.SubjectProcess, PID: p.Key.PID, Comm: p.Comm}
			out = append(out, violation(r, subject, now,
				fmt.Sprintf("rss_kb_slope_per_sec %.1f >= %.1f, rss_kb %d >= %d", p.RSSKbSlopePerSec, r.Threshold, curRSS, r.MinAbsKb),
				map[string]string{"rss_kb_slope_per_sec": fmt.Sprintf("%.1f", p.RSSKbSlopePerSec)}))
		}
	}
	return out
}

func detectPSI(r model.Rule, w *model.PSIWindow, subject model.Subject, now uint64) []model.Violation {
	if w == nil {
		// PSI unavailable on this host (kernel < 4.20): short-circuit
		// false per §4.4/§7 PSIUnavailable; the sampler logs the
		// unavailability on every tick, not once.
		return nil
	}
	windowNS := uint64(r.WindowSecs * 1e9)
	if !w.SustainedAbove(r.Threshold, windowNS) {
		return nil
	}
	return []model.Violation{violation(r, subject, now,
		fmt.Sprintf("%s avg10 sustained >= %.1f for >= %.0fs", w.Signal, r.Threshold, r.WindowSecs),
		map[string]string{"signal": w.Signal})}
}

func detectFanout(r model.Rule, snap Snapshot, now uint64) []model.Violation {
	if snap.Processes == nil {
		return nil
	}
	cutoffNS := int64(now) - int64(r.WindowSecs*1e9)

	var out []model.Violation
	for _, p := range snap.Processes.Processes {
		if p.State != model.StateAlive {
			continue
		}
		count := countRecentDescendants(snap.Processes, p.Key.PID, cutoffNS)
		if float64(count) >= r.Threshold {
			subject := model.Subject{Kind: model.SubjectProcess, PID: p.Key.PID, Comm: p.Comm}
			out = append(out, violation(r, subject, now,
				fmt.Sprintf("%d live descendants within %.0fs >= %.0f", count, r.WindowSecs, r.Threshold),
				map[string]string{"descendants": fmt.Sprintf("%d", count)}))
		}
	}
	return out
}

// countRecentDescendants walks the process tree transitively from
// ppid, counting live descendants started at or after cutoffNS.
func countRecentDescendants(snap *model.Snapshot, ppid uint32, cutoffNS int64) int {
	count := 0
	queue := snap.Children(ppid)
	for len(queue) > 0 {
		child := queue[0]
		queue = queue[1:]
		if int64(child.StartNS) >= cutoffNS {
			count++
		}
		queue = append(queue, snap.Children(child.Key.PID)...)
	}
	return count
}
