// Package diagnostics implements the three read-only queries spec.md §6
// names as external collaborators (summarize, generate_mermaid_graph,
// outstanding_computations) but which SPEC_FULL.md elects to implement
// directly: they are simple read-through queries against internal/store and
// are exercised by the S3 scenario (outstanding computations before any
// input is set). None of these mutate state.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dshills/flowgraph/internal/graphdef"
	"github.com/dshills/flowgraph/internal/store"
)

// Reader is the one store call diagnostics needs, kept narrow so
// these queries don't depend on the full store.Store surface.
type Reader interface {
	LoadExecution(ctx context.Context, id string) (store.ExecutionSnapshot, error)
}

// OutstandingComputation is one not-yet-successful node in an execution,
// with its gating predicate decomposed into conditions_met/
// conditions_not_met per spec.md §3's S3 scenario.
type OutstandingComputation struct {
	NodeName          string
	State             store.CompState
	ConditionsMet     int
	ConditionsNotMet  int
}

// Outstanding reports every non-input node in g that has not yet reached
// store.CompSuccess for executionID, matching spec.md §6's
// outstanding_computations(execution_id) contract. Condition cardinality
// follows graphdef.Leaves' decomposition of the node's Upstream predicate.
func Outstanding(ctx context.Context, rd Reader, g *graphdef.Graph, executionID string) ([]OutstandingComputation, error) {
	snap, err := rd.LoadExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: load execution: %w", err)
	}

	var out []OutstandingComputation
	for _, nd := range g.NonInputNodes() {
		latest, ok := snap.LatestComputations[nd.Name]
		state := store.CompNotSet
		if ok {
			state = latest.State
		}
		if state == store.CompSuccess {
			continue
		}

		met, notMet := 0, 0
		if nd.Upstream != nil {
			reader := snapshotReader{snap: snap}
			for _, leaf := range graphdef.Leaves(nd.Upstream) {
				if leaf.Eval(reader) {
					met++
				} else {
					notMet++
				}
			}
		}

		out = append(out, OutstandingComputation{
			NodeName:         nd.Name,
			State:            state,
			ConditionsMet:    met,
			ConditionsNotMet: notMet,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].NodeName < out[j].NodeName })
	return out, nil
}

// snapshotReader adapts a store.ExecutionSnapshot to graphdef.Snapshot for
// predicate evaluation, mirroring internal/readiness's own adapter. Kept as
// a separate, smaller copy here rather than exported from internal/readiness
// to avoid a diagnostics -> readiness -> store import cycle risk as both
// packages grow; Now() returns the current wall clock so a TimeAfter
// condition counts as met once its schedule time has passed.
type snapshotReader struct {
	snap store.ExecutionSnapshot
}

func (r snapshotReader) Provided(node string) bool {
	return r.snap.Nodes[node].Set
}

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

func (r snapshotReader) Now() int64 { return time.Now().Unix() }

// Summarize renders a short human-readable report of one execution: its
// graph identity, revision, and every node's current state. Grounded on the
// teacher's checkpoint/debug text dumps (graph/checkpoint.go) — same
// "walk the state, print one line per field" shape, generalized from a
// single typed State to per-node NodeValue/Computation pairs.
func Summarize(ctx context.Context, rd Reader, g *graphdef.Graph, executionID string) (string, error) {
	snap, err := rd.LoadExecution(ctx, executionID)
	if err != nil {
		return "", fmt.Errorf("diagnostics: load execution: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "execution %s (graph %s@%s, revision %d)\n", executionID, g.Name, g.Version, snap.Execution.Revision)
	if snap.Execution.ArchivedAt != nil {
		fmt.Fprintf(&b, "  archived_at: %s\n", snap.Execution.ArchivedAt.Format("2006-01-02T15:04:05Z07:00"))
	}

	for _, nd := range g.Nodes() {
		nv := snap.Nodes[nd.Name]
		status := "not_set"
		if nv.Set {
			status = fmt.Sprintf("set (revision %d)", nv.SetRevision)
		}
		line := fmt.Sprintf("  %-24s %-10s %s", nd.Name, nd.Kind, status)
		if comp, ok := snap.LatestComputations[nd.Name]; ok {
			line += fmt.Sprintf("  [attempt %d: %s]", comp.AttemptIndex, comp.State)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// GenerateMermaidGraph renders g as a Mermaid flowchart: one node per
// NodeDef, one edge per upstream dependency. Pure function of the graph
// definition — it takes no store reader because the graph shape does not
// depend on any execution's state.
func GenerateMermaidGraph(g *graphdef.Graph) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	for _, nd := range g.Nodes() {
		fmt.Fprintf(&b, "  %s[\"%s (%s)\"]\n", mermaidID(nd.Name), nd.Name, nd.Kind)
	}
	for _, nd := range g.Nodes() {
		if nd.Upstream == nil {
			continue
		}
		for _, dep := range dedupe(nd.Upstream.DependsOn()) {
			fmt.Fprintf(&b, "  %s --> %s\n", mermaidID(dep), mermaidID(nd.Name))
		}
		if nd.Kind == graphdef.KindMutate && nd.Mutates != "" {
			fmt.Fprintf(&b, "  %s -.mutates.-> %s\n", mermaidID(nd.Name), mermaidID(nd.Mutates))
		}
	}
	return b.String()
}

func mermaidID(name string) string {
	return strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(name)
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
