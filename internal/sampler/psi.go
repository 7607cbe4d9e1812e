// Package sampler implements the Metrics & PSI Sampler (C4): a ticking
// task that reads system-wide pressure and utilization signals from
// procfs and maintains a sliding window per PSI signal for the Rule
// Engine's "sustained for >= window_secs" evaluators.
package sampler

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/linnix-io/linnix-core/internal/model"
)

// readPSI parses a /proc/pressure/{cpu,memory,io} file and returns the
// "some" and "full" avg10 readings. ok is false when PSI is unavailable
// (kernel < 4.20, or the file isn't mounted in this container), in
// which case callers must leave the corresponding SystemSnapshot field
// nil rather than default to zero (P10).
func readPSI(procRoot, signal string) (someAvg10, fullAvg10 float64, ok bool) {
	f, err := os.Open(filepath.Join(procRoot, "pressure", signal))
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	found := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		prefix := fields[0]
		for _, field := range fields[1:] {
			parts := strings.SplitN(field, "=", 2)
			if len(parts) != 2 || parts[0] != "avg10" {
				continue
			}
			val, perr := strconv.ParseFloat(parts[1], 64)
			if perr != nil {
				continue
			}
			found = true
			switch prefix {
			case "some":
				someAvg10 = val
			case "full":
				fullAvg10 = val
			}
		}
	}
	return someAvg10, fullAvg10, found
}

// windowSet holds the bounded PSI histories the Rule Engine's psi_cpu
// and psi_mem detectors read from.
type windowSet struct {
	cpuSome model.PSIWindow
	memFull model.PSIWindow
	ioFull  model.PSIWindow
}

func newWindowSet(maxAgeNS uint64) *windowSet {
	return &windowSet{
		cpuSome: model.PSIWindow{Signal: "cpu_some", MaxAgeNS: maxAgeNS},
		memFull: model.PSIWindow{Signal: "mem_full", MaxAgeNS: maxAgeNS},
		ioFull:  model.PSIWindow{Signal: "io_full", MaxAgeNS: maxAgeNS},
	}
}
