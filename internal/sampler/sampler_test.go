package sampler

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeProcFile(t *testing.T, root, name, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(filepath.Join(root, name)), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestReadPSIParsesAvg10(t *testing.T) {
	root := t.TempDir()
	writeProcFile(t, root, "pressure/memory",
		"some avg10=1.23 avg60=0.50 avg300=0.10 total=1000\n"+
			"full avg10=0.45 avg60=0.20 avg300=0.05 total=500\n")

	some, full, ok := readPSI(root, "memory")
	if !ok {
		t.Fatal("expected PSI to be available")
	}
	if some != 1.23 || full != 0.45 {
		t.Errorf("got some=%v full=%v, want 1.23/0.45", some, full)
	}
}

func TestReadPSIUnavailableWhenFileMissing(t *testing.T) {
	root := t.TempDir()
	if _, _, ok := readPSI(root, "cpu"); ok {
		t.Fatal("expected PSI unavailable for a host with no pressure files")
	}
}

func TestCPUPctDeltaComputesBusyFraction(t *testing.T) {
	prev := cpuTimes{user: 100, idle: 900}
	cur := cpuTimes{user: 150, idle: 950}
	pct := cpuPctDelta(prev, cur)
	if pct <= 0 || pct > 100 {
		t.Errorf("cpuPctDelta = %v, want in (0,100]", pct)
	}
}

func TestReadMemPctFromMeminfo(t *testing.T) {
	root := t.TempDir()
	writeProcFile(t, root, "meminfo", "MemTotal:       1000 kB\nMemAvailable:    250 kB\n")
	pct := readMemPct(root)
	if pct != 75 {
		t.Errorf("readMemPct = %v, want 75", pct)
	}
}

func TestTickSkipsPSIWhenUnavailable(t *testing.T) {
	root := t.TempDir()
	writeProcFile(t, root, "meminfo", "MemTotal: 100 kB\nMemAvailable: 50 kB\n")
	s := New(DefaultConfig(root))

	snap := s.Tick(1, 5, 0, nil, nil)
	if snap.PSICPUSomeAvg10 != nil {
		t.Error("expected nil PSI CPU field on a host without /proc/pressure")
	}
}

func TestTickGatesPerProcessPassByEventsPerSec(t *testing.T) {
	root := t.TempDir()
	s := New(DefaultConfig(root))

	var sampled int
	sampler := func(pid uint32) bool { sampled++; return true }

	s.Tick(1, 1, 0, []uint32{1, 2, 3}, sampler) // below min_eps_to_enable (20)
	if sampled != 0 {
		t.Errorf("expected per-process pass to be skipped below threshold, sampled %d", sampled)
	}

	s.Tick(2, 50, 0, []uint32{1, 2, 3}, sampler) // above threshold
	if sampled != 3 {
		t.Errorf("expected per-process pass to sample all 3 pids, got %d", sampled)
	}
}

func TestRunProcessPassAbortsOverBudget(t *testing.T) {
	s := New(DefaultConfig(t.TempDir()))
	slow := func(pid uint32) bool {
		time.Sleep(perProcessBudget + 10*time.Millisecond)
		return true
	}
	s.runProcessPass([]uint32{1, 2, 3}, slow)
	if s.OverBudgetTotal() != 1 {
		t.Errorf("OverBudgetTotal() = %d, want 1", s.OverBudgetTotal())
	}
}
