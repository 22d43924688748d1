package dispatch_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dshills/flowgraph/internal/dispatch"
	"github.com/dshills/flowgraph/internal/graphdef"
	"github.com/dshills/flowgraph/internal/store"
	"github.com/dshills/flowgraph/internal/sweeper"
)

func buildCrashGraph(t *testing.T) *graphdef.Graph {
	t.Helper()
	g := graphdef.NewGraph("crash", "v1")
	g.AddNode(&graphdef.NodeDef{Name: "user_name", Kind: graphdef.KindInput})
	g.AddNode(&graphdef.NodeDef{
		Name:     "greeting",
		Kind:     graphdef.KindCompute,
		Upstream: graphdef.Provided("user_name"),
		Reads:    []string{"user_name"},
		Function: func(ctx context.Context, inputs map[string]any) (graphdef.FunctionResult, error) {
			return graphdef.FunctionResult{Value: "hello, " + inputs["user_name"].(string)}, nil
		},
	})
	reg := graphdef.NewRegistry()
	got, err := reg.Register(g)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return got
}

// TestScenarioS6CrashRecovery matches spec.md S6: an input is set, a worker
// claims the dependent node's computation and then "crashes" (the claim is
// left in computing with an expired deadline and no completion ever
// arrives) — no real dispatcher goroutine runs this claim. After restart (a
// fresh Pool and sweeper are started against the same store), the sweeper
// reclaims the stale claim as abandoned and, once the retry backoff has
// elapsed, the node reaches success with the expected value. The test
// checks the latest computation and the value; it does not count earlier
// computations.
func TestScenarioS6CrashRecovery(t *testing.T) {
	g := buildCrashGraph(t)
	reg := graphdef.NewRegistry()
	if _, err := reg.Register(g); err != nil {
		t.Fatalf("Register: %v", err)
	}
	st := store.NewMemStore()
	ctx := context.Background()

	exec, err := st.CreateExecution(ctx, store.GraphRef{Name: "crash", Version: "v1"}, []string{"user_name", "greeting"})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if _, err := st.WriteValue(ctx, exec.ID, "user_name", mustJSON(t, "ada")); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}

	// Simulate a dispatcher that claimed the node and then died before
	// completing: the claim's deadline is already in the past.
	if _, err := st.ClaimComputation(ctx, store.ClaimRequest{
		ExecutionID: exec.ID,
		NodeName:    "greeting",
		Deadline:    time.Now().Add(-time.Minute),
		ExRevSeen:   2,
	}); err != nil {
		t.Fatalf("ClaimComputation (pre-crash): %v", err)
	}

	// "Restart": a fresh pool and sweeper over the same store.
	pool := dispatch.New(st, reg, dispatch.Options{Workers: 2})
	sw := sweeper.New(st, reg, pool, sweeper.Options{})

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(runCtx)
		close(done)
	}()

	// Drive sweeper ticks: the first reclaims the stale claim as abandoned,
	// a later one nudges "greeting" back into the pool once its retry
	// backoff has elapsed, and the rest give the live pool goroutines time
	// to actually process it.
	var finalErr error
	for i := 0; i < 100; i++ {
		if err := sw.Tick(ctx); err != nil {
			finalErr = err
			break
		}
		snap, err := st.LoadExecution(ctx, exec.ID)
		if err != nil {
			t.Fatalf("LoadExecution: %v", err)
		}
		if comp, ok := snap.LatestComputations["greeting"]; ok && comp.State == store.CompSuccess {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	<-done

	if finalErr != nil {
		t.Fatalf("Tick: %v", finalErr)
	}

	snap, err := st.LoadExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("LoadExecution: %v", err)
	}
	comp, ok := snap.LatestComputations["greeting"]
	if !ok || comp.State != store.CompSuccess {
		t.Fatalf("expected greeting to reach success after recovery, got %+v", comp)
	}

	nv, ok := snap.Nodes["greeting"]
	if !ok || !nv.Set {
		t.Fatal("expected greeting's value to be set after recovery")
	}
	var got string
	if err := json.Unmarshal(nv.Payload, &got); err != nil {
		t.Fatalf("decode greeting: %v", err)
	}
	if got != "hello, ada" {
		t.Fatalf("expected %q, got %q", "hello, ada", got)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
