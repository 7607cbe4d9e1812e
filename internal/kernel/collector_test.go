package kernel

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/linnix-io/linnix-core/internal/model"
)

func encodeRawEvent(t *testing.T, re rawEvent) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, re); err != nil {
		t.Fatalf("encode raw event: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeRawEventFork(t *testing.T) {
	re := rawEvent{
		Seq: 42, TimestampNS: 100, CPU: 2, PID: 100, TGID: 100, PPID: 1,
		Kind: uint8(model.EventFork),
	}
	copy(re.Comm[:], "bash")
	re.Payload[0] = 200
	re.Payload[1] = 200

	ev, ok := decodeRawEvent(encodeRawEvent(t, re))
	if !ok {
		t.Fatalf("decode failed")
	}
	if ev.Seq != 42 || ev.PID != 100 || ev.Comm != "bash" {
		t.Fatalf("unexpected header: %+v", ev)
	}
	if ev.ChildPID != 200 || ev.ChildTGID != 200 {
		t.Fatalf("unexpected fork payload: %+v", ev)
	}
}

func TestDecodeRawEventSample(t *testing.T) {
	re := rawEvent{Kind: uint8(model.EventSample)}
	re.Payload = [5]int64{550, 1024, 2048, 4, 987654321}

	ev, ok := decodeRawEvent(encodeRawEvent(t, re))
	if !ok {
		t.Fatalf("decode failed")
	}
	if ev.CPUMilliPct != 550 || ev.RSSKb != 1024 || ev.VirtKb != 2048 ||
		ev.NrThreads != 4 || ev.RuntimeNS != 987654321 {
		t.Fatalf("unexpected sample payload: %+v", ev)
	}
}

func TestDecodeRawEventTooShort(t *testing.T) {
	if _, ok := decodeRawEvent([]byte{1, 2, 3}); ok {
		t.Fatalf("expected decode failure on truncated input")
	}
}

func TestDecodeRawEventUnknownKind(t *testing.T) {
	re := rawEvent{Kind: 255}
	if _, ok := decodeRawEvent(encodeRawEvent(t, re)); ok {
		t.Fatalf("expected decode failure on unknown kind")
	}
}

func TestSanitizeComm(t *testing.T) {
	cases := []struct {
		in   []byte
		want string
	}{
		{[]byte("bash\x00\x00\x00"), "bash"},
		{[]byte{0x01, 0x02, 'o', 'k', 0x00}, "??ok"},
		{[]byte("sixteen_byte_nam"), "sixteen_byte_nam"},
	}
	for _, c := range cases {
		if got := sanitizeComm(c.in); got != c.want {
			t.Errorf("sanitizeComm(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}
