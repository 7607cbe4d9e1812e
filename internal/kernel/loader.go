package kernel

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

// AttachKind is how a ProgramSpec's program attaches to the kernel.
type AttachKind int

const (
	AttachTracepoint AttachKind = iota
	AttachKprobe
)

// Required marks whether attach failure for this probe is fatal (§4.1).
type Required bool

const (
	RequiredProbe Required = true
	OptionalProbe Required = false
)

// ProgramSpec describes one BPF program to load and attach.
type ProgramSpec struct {
	Name       string
	Category   string // "lifecycle", "block", "net", "vfs", "pagefault"
	ObjectFile string // compiled .o, built out-of-band by the BPF toolchain
	MapName    string // ring buffer map exposing events to userspace
	AttachKind AttachKind
	Group      string // tracepoint group, e.g. "sched"
	Name_      string // tracepoint name, e.g. "sched_process_fork"; kprobe symbol when AttachKind==AttachKprobe
	Required   Required
}

// LoadedProgram is a running BPF program plus its attachment link.
type LoadedProgram struct {
	Spec       *ProgramSpec
	Collection *ebpf.Collection
	Link       link.Link
}

// Close detaches the link and unloads the collection.
func (p *LoadedProgram) Close() error {
	if p.Link != nil {
		p.Link.Close()
	}
	if p.Collection != nil {
		p.Collection.Close()
	}
	return nil
}

// RingBufMap returns the named ring buffer map from the loaded collection.
func (p *LoadedProgram) RingBufMap() (*ebpf.Map, error) {
	m := p.Collection.Maps[p.Spec.MapName]
	if m == nil {
		return nil, fmt.Errorf("map %q not found in collection for %s", p.Spec.MapName, p.Spec.Name)
	}
	return m, nil
}

// LoadError represents a BPF program load or attach failure. Its
// Required field lets callers decide fatal-vs-log per §4.1.
type LoadError struct {
	Program  string
	Required Required
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("BPF program %q: %v", e.Program, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Loader loads and attaches ProgramSpecs.
type Loader struct {
	btf *BTFInfo
}

// NewLoader creates a Loader, probing BTF/CO-RE support up front.
func NewLoader() *Loader {
	return &Loader{btf: DetectBTF()}
}

// CanLoad reports whether native eBPF loading is supported on this host.
func (l *Loader) CanLoad() bool {
	return l.btf.Available && l.btf.CORESupport
}

// TryLoad loads the program's object file, attaches it per its
// AttachKind, and returns the running program. On failure it returns
// a *LoadError carrying the spec's Required flag, letting the caller
// (internal/core.Facade.Startup) decide fatal-vs-log per §4.1.
func (l *Loader) TryLoad(spec *ProgramSpec) (*LoadedProgram, error) {
	if !l.CanLoad() {
		return nil, &LoadError{Program: spec.Name, Required: spec.Required,
			Err: fmt.Errorf("BTF/CO-RE not available (kernel %s)", l.btf.KernelVersion)}
	}

	collSpec, err := ebpf.LoadCollectionSpec(spec.ObjectFile)
	if err != nil {
		return nil, &LoadError{Program: spec.Name, Required: spec.Required,
			Err: fmt.Errorf("load spec: %w", err)}
	}

	coll, err := ebpf.NewCollection(collSpec)
	if err != nil {
		return nil, &LoadError{Program: spec.Name, Required: spec.Required,
			Err: fmt.Errorf("load collection: %w", err)}
	}

	prog := coll.Programs[spec.Name]
	if prog == nil {
		for _, p := range coll.Programs {
			prog = p
			break
		}
	}
	if prog == nil {
		coll.Close()
		return nil, &LoadError{Program: spec.Name, Required: spec.Required,
			Err: fmt.Errorf("program not found in collection")}
	}

	var lk link.Link
	switch spec.AttachKind {
	case AttachTracepoint:
		lk, err = link.Tracepoint(spec.Group, spec.Name_, prog, nil)
	case AttachKprobe:
		lk, err = link.Kprobe(spec.Name_, prog, nil)
	default:
		err = fmt.Errorf("unknown attach kind %d", spec.AttachKind)
	}
	if err != nil {
		coll.Close()
		return nil, &LoadError{Program: spec.Name, Required: spec.Required,
			Err: fmt.Errorf("attach %s: %w", spec.Name_, err)}
	}

	return &LoadedProgram{Spec: spec, Collection: coll, Link: lk}, nil
}

// LifecyclePrograms are the three required scheduler-tracepoint probes
// (§4.1 "Attach points (required)").
var LifecyclePrograms = []ProgramSpec{
	{
		Name: "sched_process_fork", Category: "lifecycle",
		ObjectFile: "internal/kernel/bpf/lifecycle.o", MapName: "events",
		AttachKind: AttachTracepoint, Group: "sched", Name_: "sched_process_fork",
		Required: RequiredProbe,
	},
	{
		Name: "sched_process_exec", Category: "lifecycle",
		ObjectFile: "internal/kernel/bpf/lifecycle.o", MapName: "events",
		AttachKind: AttachTracepoint, Group: "sched", Name_: "sched_process_exec",
		Required: RequiredProbe,
	},
	{
		Name: "sched_process_exit", Category: "lifecycle",
		ObjectFile: "internal/kernel/bpf/lifecycle.o", MapName: "events",
		AttachKind: AttachTracepoint, Group: "sched", Name_: "sched_process_exit",
		Required: RequiredProbe,
	},
}

// OptionalPrograms are the feature-flagged probes (§4.1): block I/O,
// net send/recv, vfs read/write, and page faults. Attach failure here
// is logged and the probe disabled, never fatal.
var OptionalPrograms = []ProgramSpec{
	{
		Name: "block_io", Category: "block",
		ObjectFile: "internal/kernel/bpf/block.o", MapName: "events",
		AttachKind: AttachTracepoint, Group: "block", Name_: "block_rq_complete",
		Required: OptionalProbe,
	},
	{
		Name: "tcp_io", Category: "net",
		ObjectFile: "internal/kernel/bpf/net.o", MapName: "events",
		AttachKind: AttachKprobe, Name_: "tcp_sendmsg",
		Required: OptionalProbe,
	},
	{
		Name: "vfs_io", Category: "vfs",
		ObjectFile: "internal/kernel/bpf/vfs.o", MapName: "events",
		AttachKind: AttachKprobe, Name_: "vfs_read",
		Required: OptionalProbe,
	},
	{
		Name: "page_fault", Category: "pagefault",
		ObjectFile: "internal/kernel/bpf/pagefault.o", MapName: "events",
		AttachKind: AttachTracepoint, Group: "exceptions", Name_: "page_fault_user",
		Required: OptionalProbe,
	},
}
