package bus

import (
	"context"
	"testing"
	"time"
)

func TestInProcSubscribeReceivesPublishedEvent(t *testing.T) {
	b := NewInProc()
	ctx := context.Background()

	ch, unsub, err := b.Subscribe(ctx, "exec-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if err := b.Publish(ctx, Event{ExecutionID: "exec-1", NodeName: "greeting", NewRevision: 2}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.NodeName != "greeting" || ev.NewRevision != 2 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestInProcPublishIgnoresOtherExecutions(t *testing.T) {
	b := NewInProc()
	ctx := context.Background()

	ch, unsub, err := b.Subscribe(ctx, "exec-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if err := b.Publish(ctx, Event{ExecutionID: "exec-2"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-ch:
		t.Fatalf("did not expect an event for a different execution, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInProcUnsubscribeClosesChannel(t *testing.T) {
	b := NewInProc()
	ctx := context.Background()

	ch, unsub, err := b.Subscribe(ctx, "exec-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsub")
	}
}

func TestInProcPublishDropsWhenListenerSlow(t *testing.T) {
	b := NewInProc()
	ctx := context.Background()

	_, unsub, err := b.Subscribe(ctx, "exec-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	// The bus's channel buffer is 16; publishing more than that must not
	// block the caller even though nothing drains the channel.
	for i := 0; i < 32; i++ {
		if err := b.Publish(ctx, Event{ExecutionID: "exec-1", NewRevision: int64(i)}); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
}
