package eventexport

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/linnix-io/linnix-core/internal/model"
)

func TestWriteEmitsOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	if err := w.Write(model.Event{Seq: 1, Kind: model.EventFork, PID: 10, ChildPID: 11}); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(model.Event{Seq: 2, Kind: model.EventExit, PID: 10, ExitCode: 1}); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSONL lines, got %d", len(lines))
	}

	var r1 map[string]any
	if err := json.Unmarshal(lines[0], &r1); err != nil {
		t.Fatal(err)
	}
	if r1["kind"] != "fork" || r1["seq"].(float64) != 1 {
		t.Errorf("unexpected first record: %+v", r1)
	}
	payload := r1["payload"].(map[string]any)
	if payload["child_pid"].(float64) != 11 {
		t.Errorf("unexpected fork payload: %+v", payload)
	}
}
