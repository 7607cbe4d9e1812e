package core

import (
	"context"
	"errors"
	"time"

	"github.com/linnix-io/linnix-core/internal/kernel"
	"github.com/linnix-io/linnix-core/internal/model"
	"github.com/linnix-io/linnix-core/internal/rules"
	"github.com/linnix-io/linnix-core/internal/errs"
)

// attachProbes loads and attaches the three required lifecycle probes
// plus whichever optional probes cfg.Probes enables. A required probe's
// attach failure is returned as a fatal AttachRequired error (§4.1);
// an optional probe's attach failure is logged and that probe is
// marked ProbeFailed, never fatal. cfg.Runtime.Offline skips native
// eBPF entirely, so no fork/exec/exit events are produced (§9 decision:
// no compiled BPF object ships in this repo for a kernel-side timer
// sampler, so the always-on FallbackSampler is the one source of Sample
// events regardless of online/offline mode). In offline mode Process
// Context creates an entry on a pid's first Sample event; process exits
// are not observed.
func (f *Facade) attachProbes() error {
	if f.cfg.Runtime.Offline {
		for _, spec := range kernel.LifecyclePrograms {
			f.probeStates[spec.Name] = model.ProbeDisabled
		}
		for _, spec := range f.enabledOptionalPrograms() {
			f.probeStates[spec.Name] = model.ProbeDisabled
		}
		return nil
	}

	for i := range kernel.LifecyclePrograms {
		spec := kernel.LifecyclePrograms[i]
		prog, err := f.loader.TryLoad(&spec)
		if err != nil {
			var lerr *kernel.LoadError
			if errors.As(err, &lerr) && lerr.Required {
				return errs.New(errs.KindAttachRequired, "core.attachProbes", err)
			}
			f.probeStates[spec.Name] = model.ProbeFailed
			f.log.Printf("optional-in-name-only probe %q failed to attach: %v", spec.Name, err)
			continue
		}
		coll, err := kernel.NewCollector(prog)
		if err != nil {
			prog.Close()
			return errs.New(errs.KindAttachRequired, "core.attachProbes", err)
		}
		f.programs = append(f.programs, prog)
		f.collectors = append(f.collectors, coll)
		f.probeStates[spec.Name] = model.ProbeAttached
	}

	for _, spec := range f.enabledOptionalPrograms() {
		spec := spec
		prog, err := f.loader.TryLoad(&spec)
		if err != nil {
			f.probeStates[spec.Name] = model.ProbeFailed
			f.log.Printf("optional probe %q disabled: %v", spec.Name, err)
			continue
		}
		coll, err := kernel.NewCollector(prog)
		if err != nil {
			prog.Close()
			f.probeStates[spec.Name] = model.ProbeFailed
			f.log.Printf("optional probe %q disabled: %v", spec.Name, err)
			continue
		}
		f.programs = append(f.programs, prog)
		f.collectors = append(f.collectors, coll)
		f.probeStates[spec.Name] = model.ProbeAttached
	}
	return nil
}

// enabledOptionalPrograms filters kernel.OptionalPrograms by the
// per-category feature flags in cfg.Probes.
func (f *Facade) enabledOptionalPrograms() []kernel.ProgramSpec {
	var out []kernel.ProgramSpec
	for _, spec := range kernel.OptionalPrograms {
		switch spec.Category {
		case "block":
			if f.cfg.Probes.EnableBlock {
				out = append(out, spec)
			}
		case "net":
			if f.cfg.Probes.EnableNet {
				out = append(out, spec)
			}
		case "vfs":
			if f.cfg.Probes.EnableVFS {
				out = append(out, spec)
			}
		case "pagefault":
			if f.cfg.Probes.EnablePageFaults {
				out = append(out, spec)
			}
		}
	}
	return out
}

// runBridge adapts the plain-channel producer contract (kernel.Collector
// and kernel.FallbackSampler both write to a bare chan<- model.Event)
// onto the Event Channel's Reserve/Commit slot protocol (§4.2), so
// every producer funnels through the same sequence-numbering and
// reorder-merge path no matter which probe or fallback emitted it.
func (f *Facade) runBridge(ctx context.Context, raw <-chan model.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-raw:
			if !ok {
				return nil
			}
			slot, ok := f.channel.Reserve()
			if !ok {
				continue
			}
			f.channel.Commit(slot, ev)
		}
	}
}

// runDrain is the C2->C3 dedicated task (§5): ingest every committed
// event into Process Context, optionally mirroring it to the JSONL
// event exporter.
func (f *Facade) runDrain(ctx context.Context) error {
	drain := f.channel.Drain()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-drain:
			if !ok {
				return nil
			}
			f.tracker.Ingest(ev)
			if f.exporter != nil {
				if err := f.exporter.Write(ev); err != nil {
					f.log.Printf("event export: %v", err)
				}
			}
		}
	}
}

// runSampler is the C4 dedicated task: one system-wide pass per tick,
// plus the conditional per-process pass gated on events_per_sec, and a
// periodic Process Context reap.
func (f *Facade) runSampler(ctx context.Context) error {
	interval := sampleInterval(f.cfg)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prevEventsTotal uint64
	var prevTickNS int64

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now().UnixNano()
			total := f.channel.EventsTotal()

			var eventsPerSec float64
			if prevTickNS != 0 && now > prevTickNS {
				eventsPerSec = float64(total-prevEventsTotal) / (float64(now-prevTickNS) / 1e9)
			}
			prevEventsTotal, prevTickNS = total, now

			snap := f.tracker.Snapshot()
			pids := make([]uint32, 0, len(snap.Processes))
			for _, p := range snap.Processes {
				if p.State == model.StateAlive {
					pids = append(pids, p.Key.PID)
				}
			}

			f.metrics.Tick(uint64(now), eventsPerSec, len(snap.Processes), pids, f.sampleOneProcess)
			f.tracker.Reap(now)
		}
	}
}

// sampleOneProcess implements sampler.ProcessSampler by refreshing one
// pid's procfs state via the fallback sampler and routing the resulting
// Sample event through the same Reserve/Commit path as every other
// producer, so Process Context has one single ingestion point.
func (f *Facade) sampleOneProcess(pid uint32) bool {
	ev, ok := f.fallback.SampleOnce(pid)
	if !ok {
		return false
	}
	slot, ok := f.channel.Reserve()
	if !ok {
		return false
	}
	f.channel.Commit(slot, ev)
	return true
}

// runRuleEvaluator is the C5 dedicated task: evaluate the loaded rule
// set against the latest Process Context snapshot and System Snapshot
// every tick, handing surviving Violations to the enforcement task.
func (f *Facade) runRuleEvaluator(ctx context.Context) error {
	interval := sampleInterval(f.cfg)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cpuW, memW, _ := f.metrics.PSIWindows()
			snap := rules.Snapshot{
				Processes: f.tracker.Snapshot(),
				System:    f.metrics.Last(),
				PSICPU:    cpuW,
				PSIMem:    memW,
			}
			violations := f.engine.Evaluate(snap)
			if len(violations) == 0 {
				continue
			}

			f.mu.Lock()
			f.lastViolations = append(f.lastViolations, violations...)
			if len(f.lastViolations) > violationHistoryCap {
				f.lastViolations = f.lastViolations[len(f.lastViolations)-violationHistoryCap:]
			}
			f.mu.Unlock()

			for _, v := range violations {
				select {
				case f.violations <- v:
				case <-ctx.Done():
					return nil
				default:
					f.log.Printf("violation queue full, dropping %s/%s", v.RuleName, v.Subject)
				}
			}
		}
	}
}

// runEnforcement is the C6 dedicated task: feed every Violation to the
// Enforcement Handler's per-target state machine.
func (f *Facade) runEnforcement(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-f.violations:
			f.handler.Handle(ctx, v, time.Now().UnixNano())
		}
	}
}
