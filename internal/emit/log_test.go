package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterTextLine(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)

	e.Emit(Event{ExecutionID: "exec-1", NodeName: "greeting", ComputationID: "comp-1", Kind: "success", Revision: 3})

	out := buf.String()
	for _, want := range []string{"success", "exec-1", "greeting", "comp-1", "3"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected log line to contain %q, got %q", want, out)
		}
	}
}

func TestLogEmitterJSONLine(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)

	e.Emit(Event{ExecutionID: "exec-1", NodeName: "greeting", Kind: "claimed"})

	var decoded Event
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected a valid JSON line, got %q: %v", buf.String(), err)
	}
	if decoded.Kind != "claimed" || decoded.NodeName != "greeting" {
		t.Fatalf("unexpected decoded event: %+v", decoded)
	}
}

func TestLogEmitterEmitBatch(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)

	if err := e.EmitBatch(context.Background(), []Event{{Kind: "a"}, {Kind: "b"}}); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
	lines := strings.Count(buf.String(), "\n")
	if lines != 2 {
		t.Fatalf("expected 2 lines, got %d (%q)", lines, buf.String())
	}
}

func TestBufferedEmitterFlushForwardsToSink(t *testing.T) {
	sink := NewBufferedEmitter(nil)
	b := NewBufferedEmitter(sink)

	b.Emit(Event{Kind: "claimed"})
	b.Emit(Event{Kind: "success"})
	if got := len(b.Events()); got != 2 {
		t.Fatalf("expected 2 buffered events before flush, got %d", got)
	}

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := len(b.Events()); got != 0 {
		t.Fatalf("expected buffer cleared after flush, got %d", got)
	}
	if got := len(sink.Events()); got != 2 {
		t.Fatalf("expected sink to receive 2 events, got %d", got)
	}
}

func TestNullEmitterDiscardsEverything(t *testing.T) {
	var n NullEmitter
	n.Emit(Event{Kind: "whatever"})
	if err := n.EmitBatch(context.Background(), []Event{{Kind: "a"}}); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
	if err := n.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}
