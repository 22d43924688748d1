package emit

import "context"

// Emitter receives scheduler events. Implementations must not block the
// caller for long and must not panic — the same contract the teacher's
// Emitter interface documents (graph/emit/emitter.go).
type Emitter interface {
	Emit(event Event)
	EmitBatch(ctx context.Context, events []Event) error
	Flush(ctx context.Context) error
}

// NullEmitter discards every event. Used as the zero-value default so
// callers never need a nil check.
type NullEmitter struct{}

func (NullEmitter) Emit(Event)                             {}
func (NullEmitter) EmitBatch(context.Context, []Event) error { return nil }
func (NullEmitter) Flush(context.Context) error             { return nil }
