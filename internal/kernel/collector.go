package kernel

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/cilium/ebpf/ringbuf"

	"github.com/linnix-io/linnix-core/internal/corelog"
	"github.com/linnix-io/linnix-core/internal/model"
)

var log = corelog.New("kernel")

// rawEvent is the wire layout written by the BPF program into its ring
// buffer map. Comm is fixed-length and null-padded; Payload is a
// generic 5-word slot whose interpretation depends on Kind — mirrors
// the teacher's TcpretransEvent raw-struct-plus-binary.Read approach
// in internal/collector/ebpf_tcpretrans.go, generalized to one shared
// layout for all four Event variants instead of one per probe.
type rawEvent struct {
	Seq         uint64
	TimestampNS uint64
	CPU         uint32
	PID         uint32
	TGID        uint32
	PPID        uint32
	Comm        [16]byte
	Kind        uint8
	_           [7]byte // padding
	Payload     [5]int64
}

const rawEventSize = 8 + 8 + 4 + 4 + 4 + 4 + 16 + 1 + 7 + 5*8

// Collector drains one loaded program's ring buffer and converts raw
// records into model.Event, counting drops per §4.2's observable
// counters (events_total, dropped_events_total).
type Collector struct {
	prog *LoadedProgram
	rd   *ringbuf.Reader

	eventsTotal  atomic.Uint64
	droppedTotal atomic.Uint64
}

// NewCollector opens a ring buffer reader over the loaded program's map.
func NewCollector(prog *LoadedProgram) (*Collector, error) {
	m, err := prog.RingBufMap()
	if err != nil {
		return nil, err
	}
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, err
	}
	return &Collector{prog: prog, rd: rd}, nil
}

// Close closes the ring buffer reader, unblocking any in-flight Read.
func (c *Collector) Close() error {
	return c.rd.Close()
}

// EventsTotal and DroppedTotal satisfy the Event Channel's observable
// counters (§4.2) for this collector's producer.
func (c *Collector) EventsTotal() uint64   { return c.eventsTotal.Load() }
func (c *Collector) DroppedTotal() uint64 { return c.droppedTotal.Load() }

// Run drains the ring buffer until ctx is cancelled or the reader is
// closed (ringbuf.ErrClosed ends Run with nil), sending decoded events
// to out. Any other read error, and any record that fails to decode,
// only increments the drop counter — it never aborts the daemon
// (§4.1, §4.2 Failure modes).
func (c *Collector) Run(ctx context.Context, out chan<- model.Event) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.rd.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		record, err := c.rd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			c.droppedTotal.Add(1)
			continue
		}

		ev, ok := decodeRawEvent(record.RawSample)
		if !ok {
			c.droppedTotal.Add(1)
			continue
		}

		c.eventsTotal.Add(1)
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

func decodeRawEvent(raw []byte) (model.Event, bool) {
	if len(raw) < rawEventSize {
		return model.Event{}, false
	}

	var re rawEvent
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &re); err != nil {
		return model.Event{}, false
	}

	ev := model.Event{
		TimestampNS: re.TimestampNS,
		Seq:         re.Seq,
		CPU:         uint16(re.CPU),
		PID:         re.PID,
		TGID:        re.TGID,
		PPID:        re.PPID,
		Comm:        sanitizeComm(re.Comm[:]),
		Kind:        model.EventKind(re.Kind),
	}

	switch ev.Kind {
	case model.EventFork:
		ev.ChildPID = uint32(re.Payload[0])
		ev.ChildTGID = uint32(re.Payload[1])
	case model.EventExec:
		ev.ArgvHash = uint64(re.Payload[0])
		ev.FilenameHash = uint64(re.Payload[1])
	case model.EventExit:
		ev.ExitCode = int32(re.Payload[0])
	case model.EventSample:
		ev.CPUMilliPct = re.Payload[0]
		ev.RSSKb = re.Payload[1]
		ev.VirtKb = re.Payload[2]
		ev.NrThreads = int(re.Payload[3])
		ev.RuntimeNS = uint64(re.Payload[4])
	default:
		return model.Event{}, false
	}

	return ev, true
}

// sanitizeComm trims null padding and replaces any non-printable
// 7-bit-ASCII byte with '?', matching §3's "sanitized 7-bit ASCII
// printable or replaced" invariant.
func sanitizeComm(raw []byte) string {
	end := bytes.IndexByte(raw, 0)
	if end < 0 {
		end = len(raw)
	}
	b := make([]byte, end)
	for i, c := range raw[:end] {
		if c >= 0x20 && c < 0x7f {
			b[i] = c
		} else {
			b[i] = '?'
		}
	}
	return string(b)
}
