package readiness

import (
	"testing"
	"time"

	"github.com/dshills/flowgraph/internal/graphdef"
	"github.com/dshills/flowgraph/internal/store"
)

func buildGreetingGraph(t *testing.T) *graphdef.Graph {
	t.Helper()
	g := graphdef.NewGraph("greet", "v1")
	g.AddNode(&graphdef.NodeDef{Name: "user_name", Kind: graphdef.KindInput})
	g.AddNode(&graphdef.NodeDef{
		Name:     "greeting",
		Kind:     graphdef.KindCompute,
		Upstream: graphdef.Provided("user_name"),
		Reads:    []string{"user_name"},
	})
	reg := graphdef.NewRegistry()
	got, err := reg.Register(g)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return got
}

func TestReadyRequiresPredicateSatisfied(t *testing.T) {
	g := buildGreetingGraph(t)
	snap := store.ExecutionSnapshot{
		Execution:          store.Execution{ID: "e1", Revision: 1},
		Nodes:              map[string]store.NodeValue{"user_name": {NodeName: "user_name", Set: false}},
		LatestComputations: map[string]store.Computation{},
	}

	cands := Ready(g, snap, nil, time.Now().Unix())
	if len(cands) != 0 {
		t.Fatalf("expected no candidates before user_name is set, got %v", cands)
	}
}

func TestReadyCandidateOnceInputSet(t *testing.T) {
	g := buildGreetingGraph(t)
	snap := store.ExecutionSnapshot{
		Execution: store.Execution{ID: "e1", Revision: 2},
		Nodes: map[string]store.NodeValue{
			"user_name": {NodeName: "user_name", Set: true, SetRevision: 2},
		},
		LatestComputations: map[string]store.Computation{},
	}

	cands := Ready(g, snap, nil, time.Now().Unix())
	if len(cands) != 1 || cands[0].NodeName != "greeting" {
		t.Fatalf("expected exactly one 'greeting' candidate, got %v", cands)
	}
}

func TestReadyRecomputeCascadeOnNewerUpstream(t *testing.T) {
	g := buildGreetingGraph(t)
	snap := store.ExecutionSnapshot{
		Execution: store.Execution{ID: "e1", Revision: 4},
		Nodes: map[string]store.NodeValue{
			"user_name": {NodeName: "user_name", Set: true, SetRevision: 4},
		},
		LatestComputations: map[string]store.Computation{
			"greeting": {NodeName: "greeting", State: store.CompSuccess, UpstreamRevisions: map[string]int64{"user_name": 2}},
		},
	}

	cands := Ready(g, snap, nil, time.Now().Unix())
	if len(cands) != 1 {
		t.Fatalf("expected recompute cascade to surface 'greeting' again, got %v", cands)
	}
}

func TestReadySkipsInFlightAttempt(t *testing.T) {
	g := buildGreetingGraph(t)
	snap := store.ExecutionSnapshot{
		Execution: store.Execution{ID: "e1", Revision: 2},
		Nodes: map[string]store.NodeValue{
			"user_name": {NodeName: "user_name", Set: true, SetRevision: 2},
		},
		LatestComputations: map[string]store.Computation{
			"greeting": {NodeName: "greeting", State: store.CompComputing},
		},
	}

	cands := Ready(g, snap, nil, time.Now().Unix())
	if len(cands) != 0 {
		t.Fatalf("expected no candidates while an attempt is in flight, got %v", cands)
	}
}
