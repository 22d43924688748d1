// Package breaker wraps store calls with a sony/gobreaker circuit breaker
// so a flapping database does not spin the dispatcher/sweeper into a tight
// failure loop. Grounded on citadel-agent/backend's use of gobreaker (this
// engine's teacher, dshills-langgraph-go, has no circuit breaker of its
// own — the store interface there is a single local SQLite/MySQL file with
// no flapping-network failure mode to guard against).
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned when the breaker is open and a call is rejected
// without being attempted. Dispatch/sweeper treat it the same as any other
// store.ErrStoreFailure-shaped error: log and continue, let the next sweep
// retry.
var ErrOpen = gobreaker.ErrOpenState

// Breaker wraps one gobreaker.CircuitBreaker for one logical store
// dependency (e.g. "store.claim", "store.complete").
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New returns a Breaker that opens after 5 consecutive failures and probes
// again after 30 seconds in the half-open state.
func New(name string) *Breaker {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. A nil ctx.Err() is checked first so
// a cancelled caller never counts as a store failure against the breaker.
func Execute[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return zero, ErrOpen
		}
		return zero, err
	}
	return result.(T), nil
}
