package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// LogEmitter writes events as text or JSON lines to an io.Writer, ported
// from the teacher's LogEmitter (graph/emit/log.go).
type LogEmitter struct {
	mu     sync.Mutex
	w      io.Writer
	asJSON bool
}

// NewLogEmitter returns a LogEmitter writing to w. When asJSON is true each
// event is written as one JSON object per line.
func NewLogEmitter(w io.Writer, asJSON bool) *LogEmitter {
	return &LogEmitter{w: w, asJSON: asJSON}
}

func (e *LogEmitter) Emit(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.asJSON {
		b, err := json.Marshal(event)
		if err != nil {
			fmt.Fprintf(e.w, "emit: marshal error: %v\n", err)
			return
		}
		e.w.Write(append(b, '\n'))
		return
	}
	fmt.Fprintf(e.w, "[%s] exec=%s node=%s comp=%s rev=%d\n", event.Kind, event.ExecutionID, event.NodeName, event.ComputationID, event.Revision)
}

func (e *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, ev := range events {
		e.Emit(ev)
	}
	return nil
}

func (e *LogEmitter) Flush(context.Context) error { return nil }
