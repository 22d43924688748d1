// Package readiness implements the pure evaluator from spec.md §4.3: given
// an execution snapshot, which non-input nodes are ready to run. It performs
// no I/O and holds no state — every call is a fresh, side-effect-free pass
// over a store.ExecutionSnapshot, making it trivially safe to call from
// multiple dispatcher workers and from the sweeper concurrently.
package readiness

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/dshills/flowgraph/internal/computation"
	"github.com/dshills/flowgraph/internal/graphdef"
	"github.com/dshills/flowgraph/internal/store"
)

func absTime(unixSeconds int64) time.Time {
	return time.Unix(unixSeconds, 0).UTC()
}

// Candidate is one (node, unblocking-revision-vector) tuple the evaluator
// found ready, plus the execution revision the candidate was evaluated
// against — the dispatcher passes both straight into ClaimRequest.
type Candidate struct {
	NodeName          string
	UpstreamRevisions map[string]int64
	ExRevisionAtStart int64
	AttemptIndex      int
}

// snapshotReader adapts a store.ExecutionSnapshot to graphdef.Snapshot.
type snapshotReader struct {
	snap store.ExecutionSnapshot
	now  int64
}

func (r snapshotReader) Provided(node string) bool {
	return r.snap.Nodes[node].Set
}

// Value decodes the node's JSON-encoded payload so predicates (ValueEquals,
// TimeAfter) compare against the same Go value a Function would have
// received for it, not the opaque wire bytes.
func (r snapshotReader) Value(node string) (any, bool) {
	nv, ok := r.snap.Nodes[node]
	if !ok || !nv.Set {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(nv.Payload, &v); err != nil {
		return nil, false
	}
	return v, true
}

func (r snapshotReader) Now() int64 { return r.now }

// Ready evaluates every non-input node in g against snap and returns the
// nodes that are candidates for dispatch, per spec.md §4.3's three-part
// test: predicate satisfied, no in-flight attempt, and stale relative to
// its last terminal attempt. policies supplies the per-node RetryPolicy
// used only to judge whether a failed/abandoned attempt's backoff window
// has elapsed; nowUnix is the evaluator's clock, threaded in rather than
// read from time.Now() so evaluation stays pure and test-replayable.
func Ready(g *graphdef.Graph, snap store.ExecutionSnapshot, policies map[string]graphdef.RetryPolicy, nowUnix int64) []Candidate {
	reader := snapshotReader{snap: snap, now: nowUnix}

	var out []Candidate
	for _, nd := range g.NonInputNodes() {
		if nd.Upstream == nil || !nd.Upstream.Eval(reader) {
			continue
		}

		latest, hasLatest := snap.LatestComputations[nd.Name]
		if hasLatest && latest.State == store.CompComputing {
			continue
		}

		upstreamRevs := upstreamRevisionVector(nd.Upstream.DependsOn(), snap)

		if !hasLatest {
			out = append(out, candidateFor(nd, upstreamRevs, snap.Execution.Revision, 0))
			continue
		}

		switch latest.State {
		case store.CompSuccess:
			if anyNewer(upstreamRevs, latest.UpstreamRevisions) {
				out = append(out, candidateFor(nd, upstreamRevs, snap.Execution.Revision, latest.AttemptIndex+1))
			}
		case store.CompFailed, store.CompAbandoned:
			policy := policies[nd.Name]
			if policy.MaxAttempts == 0 {
				policy = computation.DefaultRetryPolicy
			}
			if computation.BackoffElapsed(latest, policy, absTime(nowUnix)) {
				out = append(out, candidateFor(nd, upstreamRevs, snap.Execution.Revision, latest.AttemptIndex+1))
			}
		case store.CompCancelled:
			// Cancellation isn't a function failure; it is immediately
			// retryable once the predicate is satisfied again, same as a
			// node that has never been attempted.
			out = append(out, candidateFor(nd, upstreamRevs, snap.Execution.Revision, latest.AttemptIndex+1))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].NodeName < out[j].NodeName })
	return out
}

func candidateFor(nd *graphdef.NodeDef, upstreamRevs map[string]int64, execRev int64, attempt int) Candidate {
	return Candidate{
		NodeName:          nd.Name,
		UpstreamRevisions: upstreamRevs,
		ExRevisionAtStart: execRev,
		AttemptIndex:      attempt,
	}
}

func upstreamRevisionVector(names []string, snap store.ExecutionSnapshot) map[string]int64 {
	out := make(map[string]int64, len(names))
	for _, n := range names {
		out[n] = snap.Nodes[n].SetRevision
	}
	return out
}

// anyNewer reports whether current has any entry strictly greater than the
// matching entry recorded on a prior Computation — the staleness test from
// spec.md §3's Invariants ("a node is stale iff any upstream's set_revision
// exceeds the revision recorded on it").
func anyNewer(current, recorded map[string]int64) bool {
	for name, rev := range current {
		if rev > recorded[name] {
			return true
		}
	}
	return false
}
