package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a distributed Publisher/Subscriber backed by Redis pub/sub, so
// wait_any/wait_new work across multiple flowd coordinator processes
// sharing one store. Grounded on citadel-agent's use of
// github.com/redis/go-redis/v9 — this engine's teacher has no multi-process
// notification mechanism (its workflows run single-process).
//
// Like InProc, this remains best-effort liveness: a missed pub/sub message
// never leaves a waiter stuck forever, because the sweeper periodically
// re-evaluates readiness regardless of bus delivery (spec.md §4.6/§4.7).
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing *redis.Client. Callers own the client's
// lifecycle (Close).
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func channelName(executionID string) string {
	return fmt.Sprintf("flowgraph:exec:%s", executionID)
}

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: encode event: %w", err)
	}
	return r.client.Publish(ctx, channelName(ev.ExecutionID), payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, executionID string) (<-chan Event, func(), error) {
	pubsub := r.client.Subscribe(ctx, channelName(executionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("bus: subscribe: %w", err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue // malformed message, drop and keep listening
			}
			select {
			case out <- ev:
			default:
			}
		}
	}()

	unsub := func() { _ = pubsub.Close() }
	return out, unsub, nil
}
