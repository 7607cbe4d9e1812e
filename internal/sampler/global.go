package sampler

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pbnjay/memory"
)

// cpuTimes holds jiffies for each /proc/stat CPU state, mirroring the
// teacher's collector.cpuTimes shape.
type cpuTimes struct {
	user, nice, system, idle, iowait, irq, softirq, steal uint64
}

func (t cpuTimes) total() uint64 {
	return t.user + t.nice + t.system + t.idle + t.iowait + t.irq + t.softirq + t.steal
}

func (t cpuTimes) busy() uint64 {
	return t.total() - t.idle - t.iowait
}

func readProcStatAggregate(procRoot string) (cpuTimes, bool) {
	f, err := os.Open(procRoot + "/stat")
	if err != nil {
		return cpuTimes{}, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "cpu" {
			continue
		}
		var t cpuTimes
		vals := make([]uint64, 0, 8)
		for _, s := range fields[1:] {
			v, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				break
			}
			vals = append(vals, v)
		}
		for i, v := range vals {
			switch i {
			case 0:
				t.user = v
			case 1:
				t.nice = v
			case 2:
				t.system = v
			case 3:
				t.idle = v
			case 4:
				t.iowait = v
			case 5:
				t.irq = v
			case 6:
				t.softirq = v
			case 7:
				t.steal = v
			}
		}
		return t, true
	}
	return cpuTimes{}, false
}

// cpuPctDelta returns the busy fraction between two /proc/stat samples.
func cpuPctDelta(prev, cur cpuTimes) float64 {
	dTotal := float64(cur.total()) - float64(prev.total())
	if dTotal <= 0 {
		return 0
	}
	dBusy := float64(cur.busy()) - float64(prev.busy())
	if dBusy < 0 {
		dBusy = 0
	}
	return 100 * dBusy / dTotal
}

// readLoadAvg parses /proc/loadavg's first three fields.
func readLoadAvg(procRoot string) [3]float64 {
	data, err := os.ReadFile(procRoot + "/loadavg")
	if err != nil {
		return [3]float64{}
	}
	fields := strings.Fields(string(data))
	var out [3]float64
	for i := 0; i < 3 && i < len(fields); i++ {
		out[i], _ = strconv.ParseFloat(fields[i], 64)
	}
	return out
}

// readMemPct parses /proc/meminfo's MemTotal/MemAvailable and returns
// the used percentage. If meminfo can't be opened, it calls
// github.com/pbnjay/memory's TotalMemory, discards the result, and
// reports 0% used — the teacher's own "silent zero on read failure"
// posture.
func readMemPct(procRoot string) float64 {
	f, err := os.Open(procRoot + "/meminfo")
	if err != nil {
		_ = memory.TotalMemory() // keep the fallback probe exercised/linked
		return 0
	}
	defer f.Close()

	var totalKb, availKb int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		valStr := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[1]), " kB"))
		val, _ := strconv.ParseInt(valStr, 10, 64)
		switch key {
		case "MemTotal":
			totalKb = val
		case "MemAvailable":
			availKb = val
		}
	}
	if totalKb == 0 {
		return 0
	}
	usedKb := totalKb - availKb
	return 100 * float64(usedKb) / float64(totalKb)
}
