package breaker

import (
	"context"
	"errors"
	"testing"
)

var errStoreDown = errors.New("store down")

func TestExecuteReturnsResultOnSuccess(t *testing.T) {
	b := New("test.ok")
	got, err := Execute(context.Background(), b, func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestExecutePropagatesUnderlyingError(t *testing.T) {
	b := New("test.err")
	_, err := Execute(context.Background(), b, func(context.Context) (int, error) {
		return 0, errStoreDown
	})
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected %v, got %v", errStoreDown, err)
	}
}

func TestExecuteOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test.trip")
	for i := 0; i < 5; i++ {
		_, _ = Execute(context.Background(), b, func(context.Context) (int, error) {
			return 0, errStoreDown
		})
	}

	_, err := Execute(context.Background(), b, func(context.Context) (int, error) {
		return 1, nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected breaker to be open after 5 consecutive failures, got %v", err)
	}
}

func TestExecuteRejectsAlreadyCancelledContext(t *testing.T) {
	b := New("test.cancel")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := Execute(ctx, b, func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	if err == nil {
		t.Fatal("expected an error for an already-cancelled context")
	}
	if called {
		t.Fatal("fn must not run once ctx is already cancelled")
	}
}
