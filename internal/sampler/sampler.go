package sampler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnix-io/linnix-core/internal/corelog"
	"github.com/linnix-io/linnix-core/internal/model"
)

// perProcessBudget bounds the per-process pass; a pass that runs long
// is aborted and the system-wide pass still completes (B3).
const perProcessBudget = 100 * time.Millisecond

// ProcessSampler refreshes one tracked process's per-process metrics,
// implemented by whatever already knows how to read /proc/[pid]/stat,
// statm — the kernel package's fallback sampler logic, reused here
// rather than re-parsed, since both need the same fields.
type ProcessSampler func(pid uint32) bool

// Config tunes the Sampler's cadence and conditional-monitoring gate.
type Config struct {
	ProcRoot        string
	SampleInterval  time.Duration // default 1s
	WindowSecs      int           // PSI sustained-window size, default 60
	MinEPSToEnable  float64       // default 20
}

// DefaultConfig returns the §4.4 defaults.
func DefaultConfig(procRoot string) Config {
	return Config{
		ProcRoot:       procRoot,
		SampleInterval: time.Second,
		WindowSecs:     60,
		MinEPSToEnable: 20,
	}
}

// Sampler is the C4 ticking task: system-wide PSI/CPU/memory/loadavg
// refresh every tick, plus a conditionally-gated per-process pass.
type Sampler struct {
	cfg Config
	log *corelog.Logger

	mu       sync.RWMutex
	windows  *windowSet
	last     model.SystemSnapshot
	prevCPU  cpuTimes
	haveCPU  bool

	overBudgetTotal atomic.Uint64
}

// New creates a Sampler, filling zero fields of cfg with their defaults.
// The conditional per-process pass is driven by Tick's alivePIDs and
// processSampler arguments.
func New(cfg Config) *Sampler {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if cfg.WindowSecs <= 0 {
		cfg.WindowSecs = 60
	}
	if cfg.MinEPSToEnable <= 0 {
		cfg.MinEPSToEnable = 20
	}
	return &Sampler{
		cfg:     cfg,
		log:     corelog.New("sampler"),
		windows: newWindowSet(uint64(cfg.WindowSecs) * 1e9),
	}
}

// Tick performs one system-wide pass, and — when eventsPerSec meets the
// conditional-monitoring threshold — a bounded per-process pass over
// alivePIDs via processSampler. now is the kernel-clock timestamp (ns)
// to stamp samples with.
func (s *Sampler) Tick(now uint64, eventsPerSec float64, trackedProcesses int, alivePIDs []uint32, processSampler ProcessSampler) model.SystemSnapshot {
	snap := model.SystemSnapshot{
		TimestampNS:      now,
		EventsPerSec:     eventsPerSec,
		TrackedProcesses: trackedProcesses,
	}

	if cur, ok := readProcStatAggregate(s.cfg.ProcRoot); ok {
		s.mu.Lock()
		if s.haveCPU {
			snap.CPUPct = cpuPctDelta(s.prevCPU, cur)
		}
		s.prevCPU = cur
		s.haveCPU = true
		s.mu.Unlock()
	}
	snap.MemPct = readMemPct(s.cfg.ProcRoot)
	snap.LoadAvg = readLoadAvg(s.cfg.ProcRoot)

	if some, _, ok := readPSI(s.cfg.ProcRoot, "cpu"); ok {
		v := some
		snap.PSICPUSomeAvg10 = &v
		s.windows.cpuSome.Add(now, some)
	} else {
		s.log.Printf("PSI cpu pressure unavailable, short-circuiting cpu PSI rules")
	}
	if _, full, ok := readPSI(s.cfg.ProcRoot, "memory"); ok {
		v := full
		snap.PSIMemFullAvg10 = &v
		s.windows.memFull.Add(now, full)
	} else {
		s.log.Printf("PSI memory pressure unavailable, short-circuiting memory PSI rules")
	}
	if _, full, ok := readPSI(s.cfg.ProcRoot, "io"); ok {
		v := full
		snap.PSIIOFullAvg10 = &v
		s.windows.ioFull.Add(now, full)
	}

	if eventsPerSec >= s.cfg.MinEPSToEnable && processSampler != nil {
		s.runProcessPass(alivePIDs, processSampler)
	}

	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
	return snap
}

// runProcessPass refreshes each alive pid's procfs metrics in order,
// aborting once the aggregate elapsed time exceeds perProcessBudget
// (B3) — the system-wide pass above has already completed regardless.
func (s *Sampler) runProcessPass(pids []uint32, sample ProcessSampler) {
	start := time.Now()
	for i, pid := range pids {
		if time.Since(start) > perProcessBudget {
			s.overBudgetTotal.Add(1)
			s.log.Printf("per-process pass aborted after budget (%s), %d pids left unsampled", perProcessBudget, len(pids)-i)
			return
		}
		sample(pid)
	}
}

// PSIWindows exposes the sliding PSI histories for the Rule Engine.
func (s *Sampler) PSIWindows() (cpuSome, memFull, ioFull *model.PSIWindow) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cpuCopy := s.windows.cpuSome
	memCopy := s.windows.memFull
	ioCopy := s.windows.ioFull
	return &cpuCopy, &memCopy, &ioCopy
}

// Last returns the most recently computed SystemSnapshot.
func (s *Sampler) Last() model.SystemSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// OverBudgetTotal returns the sampler_overbudget counter (B3).
func (s *Sampler) OverBudgetTotal() uint64 {
	return s.overBudgetTotal.Load()
}
