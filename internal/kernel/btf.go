// Package kernel loads and attaches the BPF programs behind the Kernel
// Collector (C1): three required scheduler-tracepoint probes
// (sched_process_fork/exec/exit) plus optional block I/O, net, vfs, and
// page-fault probes, draining their output into model.Event records.
package kernel

import (
	"os"
	"strconv"
	"strings"

	"github.com/cilium/ebpf/btf"
)

// BTFInfo describes BTF/CO-RE availability on the host, generalized
// from the teacher's single-purpose tcpretrans gate to cover every
// probe this package can attach.
type BTFInfo struct {
	Available     bool
	KernelVersion string
	MajorVersion  int
	MinorVersion  int
	CORESupport bool // kernel >= 5.8
}

// DetectBTF probes for kernel BTF support. It prefers cilium/ebpf's own
// btf.LoadKernelSpec (which understands /sys/kernel/btf/vmlinux and the
// various distro BTF-in-package fallbacks) over a bare os.Stat, since
// some kernels expose BTF via a split debug package rather than the
// vmlinux file directly.
func DetectBTF() *BTFInfo {
	info := &BTFInfo{}
	info.KernelVersion = readKernelVersion()
	info.MajorVersion, info.MinorVersion = parseKernelVersion(info.KernelVersion)

	if _, err := btf.LoadKernelSpec(); err == nil {
		info.Available = true
	}

	if info.MajorVersion > 5 || (info.MajorVersion == 5 && info.MinorVersion >= 8) {
		info.CORESupport = true
	}

	return info
}

func readKernelVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(data))
	if len(fields) >= 3 {
		return fields[2]
	}
	return ""
}

func parseKernelVersion(version string) (int, int) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return 0, 0
	}
	major, _ := strconv.Atoi(parts[0])
	minorStr := parts[1]
	if idx := strings.IndexAny(minorStr, "-+~"); idx >= 0 {
		minorStr = minorStr[:idx]
	}
	minor, _ := strconv.Atoi(minorStr)
	return major, minor
}
