package kernel

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/linnix-io/linnix-core/internal/model"
)

// maxTasksPerTick bounds the periodic sampler's per-tick iteration
// (§4.1 "limit M=4096 per tick"). Tasks beyond the cap are deferred to
// the next tick in round-robin order rather than dropped.
const maxTasksPerTick = 4096

// FallbackSampler emits Sample events by reading procfs directly. It
// runs whether or not native eBPF probes are loaded, and is the only
// event source when they are not (no BTF/CO-RE, no root) — the
// same "optional capability degrades, core keeps working" posture as
// the teacher's tiered collector fallback (Tier 1 procfs / Tier 2 BCC /
// Tier 3 native eBPF). The in-kernel timer-based sampler described in
// §4.1 would do this work inside the BPF program on the scheduler's own
// clock; this Go fallback approximates it with a wall-clock ticker,
// bounded the same way (M tasks per tick, round-robin deferral).
type FallbackSampler struct {
	procRoot string
	interval time.Duration
	cursor   int // round-robin offset into the sorted pid list

	onceMu   sync.Mutex
	prevOnce map[uint32]procTimes // per-pid state for SampleOnce, independent of Run's tick state
}

// NewFallbackSampler creates a FallbackSampler reading procRoot
// (usually "/proc") on the given tick interval.
func NewFallbackSampler(procRoot string, interval time.Duration) *FallbackSampler {
	return &FallbackSampler{procRoot: procRoot, interval: interval, prevOnce: make(map[uint32]procTimes)}
}

// SampleOnce reads a single pid's procfs state and returns a Sample
// event carrying the CPU-delta since the previous SampleOnce call for
// that pid. Used by the Metrics & PSI Sampler's conditional
// per-process pass (§4.4), which refreshes one pid at a time under its
// own budget rather than on FallbackSampler's own tick cadence. Returns
// ok=false on the first observation of a pid (no delta yet) or if the
// pid's procfs entries are unreadable (already exited).
func (s *FallbackSampler) SampleOnce(pid uint32) (model.Event, bool) {
	st, ok := s.readStat(pid)
	if !ok {
		s.onceMu.Lock()
		delete(s.prevOnce, pid)
		s.onceMu.Unlock()
		return model.Event{}, false
	}

	s.onceMu.Lock()
	old, hadPrev := s.prevOnce[pid]
	s.prevOnce[pid] = st
	s.onceMu.Unlock()

	if !hadPrev {
		return model.Event{}, false
	}

	now := st.sampledAtNS
	elapsedNS := now - old.sampledAtNS
	if elapsedNS <= 0 {
		return model.Event{}, false
	}
	const clkTck = int64(100)
	deltaTicks := int64(st.utime+st.stime) - int64(old.utime+old.stime)
	if deltaTicks < 0 {
		deltaTicks = 0
	}
	cpuMilliPct := deltaTicks * 1000 * 1_000_000_000 / clkTck / elapsedNS

	rss, virt := s.readStatm(pid)
	return model.Event{
		TimestampNS: uint64(now),
		PID:         pid,
		TGID:        pid,
		Kind:        model.EventSample,
		CPUMilliPct: cpuMilliPct,
		RSSKb:       rss,
		VirtKb:      virt,
		NrThreads:   st.nrThreads,
	}, true
}

// Run ticks every interval, emitting at most maxTasksPerTick Sample
// events per tick, until ctx is cancelled.
func (s *FallbackSampler) Run(ctx context.Context, out chan<- model.Event) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	prev := make(map[uint32]procTimes)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			prev = s.tick(ctx, out, prev)
		}
	}
}

type procTimes struct {
	utime, stime uint64
	nrThreads    int
	sampledAtNS  int64
}

func (s *FallbackSampler) tick(ctx context.Context, out chan<- model.Event, prev map[uint32]procTimes) map[uint32]procTimes {
	pids := s.listPIDs()
	if len(pids) == 0 {
		return prev
	}

	n := len(pids)
	start := s.cursor % n
	count := n
	if count > maxTasksPerTick {
		count = maxTasksPerTick
	}
	s.cursor = (start + count) % n

	next := make(map[uint32]procTimes, len(prev))
	now := time.Now().UnixNano()

	for i := 0; i < count; i++ {
		pid := pids[(start+i)%n]
		st, ok := s.readStat(pid)
		if !ok {
			continue
		}
		next[pid] = st

		old, hadPrev := prev[pid]
		if !hadPrev {
			continue
		}
		elapsedNS := now - old.sampledAtNS
		if elapsedNS <= 0 {
			continue
		}
		clkTck := int64(100)
		deltaTicks := int64(st.utime+st.stime) - int64(old.utime+old.stime)
		if deltaTicks < 0 {
			deltaTicks = 0
		}
		cpuMilliPct := deltaTicks * 1000 * 1_000_000_000 / clkTck / elapsedNS

		ev := model.Event{
			TimestampNS: uint64(now),
			CPU:         0,
			PID:         pid,
			TGID:        pid,
			Kind:        model.EventSample,
			CPUMilliPct: cpuMilliPct,
			NrThreads:   st.nrThreads,
		}
		rss, virt := s.readStatm(pid)
		ev.RSSKb = rss
		ev.VirtKb = virt

		select {
		case out <- ev:
		case <-ctx.Done():
			return next
		}
	}

	// Carry forward unsampled pids' previous times so a later tick can
	// still compute a delta once they're visited again.
	for pid, st := range prev {
		if _, ok := next[pid]; !ok {
			next[pid] = st
		}
	}
	return next
}

func (s *FallbackSampler) listPIDs() []uint32 {
	entries, err := os.ReadDir(s.procRoot)
	if err != nil {
		return nil
	}
	var pids []uint32
	for _, e := range entries {
		pid, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		pids = append(pids, uint32(pid))
	}
	return pids
}

func (s *FallbackSampler) readStat(pid uint32) (procTimes, bool) {
	data, err := os.ReadFile(filepath.Join(s.procRoot, strconv.FormatUint(uint64(pid), 10), "stat"))
	if err != nil {
		return procTimes{}, false
	}
	str := string(data)
	end := strings.LastIndex(str, ")")
	if end < 0 {
		return procTimes{}, false
	}
	fields := strings.Fields(str[end+2:])
	if len(fields) < 13 {
		return procTimes{}, false
	}
	utime, _ := strconv.ParseUint(fields[11], 10, 64)
	stime, _ := strconv.ParseUint(fields[12], 10, 64)
	nrThreads := 0
	if len(fields) > 17 {
		nrThreads, _ = strconv.Atoi(fields[17])
	}
	return procTimes{utime: utime, stime: stime, nrThreads: nrThreads, sampledAtNS: time.Now().UnixNano()}, true
}

func (s *FallbackSampler) readStatm(pid uint32) (rssKb, virtKb int64) {
	data, err := os.ReadFile(filepath.Join(s.procRoot, strconv.FormatUint(uint64(pid), 10), "statm"))
	if err != nil {
		return 0, 0
	}
	fields := strings.Fields(string(data))
	const pageKb = 4
	if len(fields) >= 2 {
		if v, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			virtKb = v * pageKb
		}
		if v, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			rssKb = v * pageKb
		}
	}
	return rssKb, virtKb
}
