package emit

import (
	"context"
	"sync"
)

// BufferedEmitter accumulates events in memory and forwards them to an
// underlying Emitter only on Flush, ported from the teacher's
// BufferedEmitter (graph/emit/buffered.go). Useful in tests that want to
// assert on the exact event sequence without a real sink.
type BufferedEmitter struct {
	mu     sync.Mutex
	sink   Emitter
	events []Event
}

func NewBufferedEmitter(sink Emitter) *BufferedEmitter {
	return &BufferedEmitter{sink: sink}
}

func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *BufferedEmitter) EmitBatch(_ context.Context, events []Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, events...)
	return nil
}

// Events returns a copy of everything buffered so far, without flushing.
func (b *BufferedEmitter) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

func (b *BufferedEmitter) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.events
	b.events = nil
	b.mu.Unlock()

	if b.sink == nil || len(pending) == 0 {
		return nil
	}
	return b.sink.EmitBatch(ctx, pending)
}
