// Package computation implements the single-attempt lifecycle rules from
// spec.md §4.4: timeout precedence and retry/backoff. It operates purely on
// store.Computation/graphdef.NodeDef values — it owns no state of its own
// and performs no I/O, so the readiness evaluator and the dispatcher can
// both call it without coordinating.
//
// Backoff and timeout precedence are ported from the teacher's
// graph/policy.go (computeBackoff) and graph/timeout.go
// (getNodeTimeout/executeNodeWithTimeout), generalized from "retry a
// workflow node" to "retry a computation attempt."
package computation

import (
	"math/rand"
	"time"

	"github.com/dshills/flowgraph/internal/graphdef"
	"github.com/dshills/flowgraph/internal/store"
)

// DefaultRetryPolicy is what readiness.Ready applies to any node that has no
// entry in the policies map it is given. internal/config's
// max_attempts_per_node/backoff_base/backoff_cap knobs reach only
// dispatch.Options.DefaultRetry, which the Pool stores but never reads, so
// they do not change the policy readiness applies.
var DefaultRetryPolicy = graphdef.RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
}

// EffectivePolicy resolves a NodeDef's retry policy against the engine
// default, the way getNodeTimeout resolves per-node vs. engine-wide
// timeouts.
func EffectivePolicy(nd *graphdef.NodeDef, def graphdef.RetryPolicy) graphdef.RetryPolicy {
	if nd.RetryPolicy != nil {
		return *nd.RetryPolicy
	}
	return def
}

// EffectiveTimeout resolves a NodeDef's attempt timeout against the engine
// default. Precedence: per-node override, then engine default, then the
// caller's own fallback (internal/dispatch always supplies a non-zero
// engine default, so "no timeout" does not occur in practice).
func EffectiveTimeout(nd *graphdef.NodeDef, defaultTimeout time.Duration) time.Duration {
	if nd.Timeout > 0 {
		return nd.Timeout
	}
	return defaultTimeout
}

// computeBackoff mirrors the teacher's exponential-backoff-with-jitter
// formula exactly: delay = min(base * 2^attempt, maxDelay) + jitter(0, base).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	exponential := base * (1 << uint(attempt))
	if maxDelay > 0 && exponential > maxDelay {
		exponential = maxDelay
	}
	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base) + 1))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base) + 1)) // #nosec G404 -- retry timing jitter, not security-sensitive
	}
	return exponential + jitter
}

// BackoffElapsed reports whether enough wall-clock time has passed since a
// failed or abandoned Computation's completion for it to become a
// readiness candidate again (spec.md §4.3 step 3's "backoff elapsed"
// clause). Terminal states other than failed/abandoned never retry via
// backoff — success is stale-checked by revision, cancelled never retries.
func BackoffElapsed(c store.Computation, policy graphdef.RetryPolicy, now time.Time) bool {
	if c.State != store.CompFailed && c.State != store.CompAbandoned {
		return false
	}
	if c.CompletedAt == nil {
		return true
	}
	if policy.MaxAttempts > 0 && c.AttemptIndex+1 >= policy.MaxAttempts {
		return false // retries exhausted
	}
	delay := computeBackoff(c.AttemptIndex, policy.BaseDelay, policy.MaxDelay, nil)
	return now.After(c.CompletedAt.Add(delay))
}

// RetriesExhausted reports whether a node has used up its MaxAttempts,
// matching spec.md §7's "all retries exhausted" unreachable(node,
// last_error) condition for wait_any/wait_new callers.
func RetriesExhausted(c store.Computation, policy graphdef.RetryPolicy) bool {
	if c.State != store.CompFailed && c.State != store.CompAbandoned {
		return false
	}
	return policy.MaxAttempts > 0 && c.AttemptIndex+1 >= policy.MaxAttempts
}
