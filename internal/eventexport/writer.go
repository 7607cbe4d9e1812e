// Package eventexport writes the kernel Event stream to a JSONL sink
// with the stable field names §6 documents, one object per line
// (**[SUPPLEMENT]**: the distilled spec names the format but the
// writer itself is new).
package eventexport

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/linnix-io/linnix-core/internal/model"
)

// record is the exact on-wire shape §6 names: ts_ns, seq, kind, pid,
// tgid, ppid, comm, cpu, payload.
type record struct {
	TimestampNS uint64         `json:"ts_ns"`
	Seq         uint64         `json:"seq"`
	Kind        string         `json:"kind"`
	PID         uint32         `json:"pid"`
	TGID        uint32         `json:"tgid"`
	PPID        uint32         `json:"ppid"`
	Comm        string         `json:"comm"`
	CPU         uint16         `json:"cpu"`
	Payload     map[string]any `json:"payload"`
}

// Writer serializes Events to an underlying io.Writer as JSONL. Safe
// for concurrent use by multiple producers (the drain task is the
// only intended caller, but Write is cheap to guard regardless).
type Writer struct {
	mu  sync.Mutex
	w   *bufio.Writer
	enc *json.Encoder
}

// New wraps dst in a buffered JSONL Writer. Callers must call Flush
// (or Close, if dst is an io.Closer) before shutdown completes.
func New(dst io.Writer) *Writer {
	bw := bufio.NewWriter(dst)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &Writer{w: bw, enc: enc}
}

// Write emits one Event as a single JSON line.
func (w *Writer) Write(ev model.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(toRecord(ev))
}

// Flush pushes buffered output to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Flush()
}

func toRecord(ev model.Event) record {
	r := record{
		TimestampNS: ev.TimestampNS,
		Seq:         ev.Seq,
		Kind:        ev.Kind.String(),
		PID:         ev.PID,
		TGID:        ev.TGID,
		PPID:        ev.PPID,
		Comm:        ev.Comm,
		CPU:         ev.CPU,
	}
	switch ev.Kind {
	case model.EventFork:
		r.Payload = map[string]any{"child_pid": ev.ChildPID, "child_tgid": ev.ChildTGID}
	case model.EventExec:
		r.Payload = map[string]any{"argv_hash": ev.ArgvHash, "filename_hash": ev.FilenameHash}
	case model.EventExit:
		r.Payload = map[string]any{"exit_code": ev.ExitCode}
	case model.EventSample:
		r.Payload = map[string]any{
			"cpu_milli_pct": ev.CPUMilliPct,
			"rss_kb":        ev.RSSKb,
			"virt_kb":       ev.VirtKb,
			"nr_threads":    ev.NrThreads,
			"runtime_ns":    ev.RuntimeNS,
		}
	}
	return r
}
