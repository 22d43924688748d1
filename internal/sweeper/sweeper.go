// Package sweeper is the background recovery task from spec.md §4.6: each
// tick it reclaims stale computing attempts, lets the readiness evaluator's
// own TimeAfter predicate surface due schedule nodes, and nudges every live
// execution's readiness set back into the dispatcher. It is the engine's
// correctness boundary — sweep frequency only affects latency, never
// correctness (spec.md §4.6's closing line) — so Tick is exposed directly
// rather than hidden behind the cron wiring, letting tests drive it
// deterministically.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/dshills/flowgraph/internal/breaker"
	"github.com/dshills/flowgraph/internal/emit"
	"github.com/dshills/flowgraph/internal/graphdef"
	"github.com/dshills/flowgraph/internal/metrics"
	"github.com/dshills/flowgraph/internal/readiness"
	"github.com/dshills/flowgraph/internal/store"
)

// Dispatcher is the subset of dispatch.Pool the sweeper needs: a place to
// push readiness candidates it finds. A narrow interface here keeps this
// package independent of internal/dispatch's worker machinery.
type Dispatcher interface {
	Enqueue(ctx context.Context, executionID string, cand readiness.Candidate) error
}

// Options configures a Sweeper. Metrics, Emitter and Logger default to
// no-ops when left nil, matching internal/dispatch.Options.
type Options struct {
	Interval     time.Duration
	ListPageSize int
	Policies     map[string]graphdef.RetryPolicy
	Metrics      *metrics.Metrics
	Emitter      emit.Emitter
	Logger       *zerolog.Logger
}

// Sweeper holds everything one Tick needs: the store, the graph registry
// (to resolve each live execution's node set), and a Dispatcher to push
// newly-ready candidates into.
type Sweeper struct {
	st       store.Store
	registry *graphdef.Registry
	dispatch Dispatcher

	interval     time.Duration
	listPageSize int
	policies     map[string]graphdef.RetryPolicy

	metrics *metrics.Metrics
	emitter emit.Emitter
	log     zerolog.Logger

	reclaimBreaker *breaker.Breaker
	cron           *cron.Cron
}

// New builds a Sweeper. dispatch is typically a *dispatch.Pool.
func New(st store.Store, registry *graphdef.Registry, dispatch Dispatcher, opts Options) *Sweeper {
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	pageSize := opts.ListPageSize
	if pageSize <= 0 {
		pageSize = 200
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = emit.NullEmitter{}
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	return &Sweeper{
		st:             st,
		registry:       registry,
		dispatch:       dispatch,
		interval:       interval,
		listPageSize:   pageSize,
		policies:       opts.Policies,
		metrics:        opts.Metrics,
		emitter:        emitter,
		log:            log,
		reclaimBreaker: breaker.New("store.sweep_reclaim"),
	}
}

// Start registers Tick on a robfig/cron schedule (spec.md §4.6's default
// 10s period, configurable via Options.Interval) and returns a stop func.
// Grounded on citadel-agent/backend's use of github.com/robfig/cron/v3 —
// the teacher has no periodic background task of its own to generalize
// from.
func (s *Sweeper) Start(ctx context.Context) (stop func(), err error) {
	c := cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", s.interval)
	_, err = c.AddFunc(spec, func() {
		if err := s.Tick(ctx); err != nil {
			s.log.Error().Err(err).Msg("sweep tick failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("sweeper: schedule tick: %w", err)
	}
	c.Start()
	s.cron = c
	return func() { <-c.Stop().Done() }, nil
}

// Tick runs one sweep pass synchronously: reclaim, then nudge. Tests call
// this directly instead of waiting on the cron schedule.
func (s *Sweeper) Tick(ctx context.Context) error {
	if err := s.reclaim(ctx); err != nil {
		return err
	}
	return s.nudge(ctx)
}

// reclaim implements spec.md §4.6 step 1: transition every computing row
// whose deadline has passed to abandoned, making its node a candidate again
// on the first nudge after its retry backoff has elapsed.
func (s *Sweeper) reclaim(ctx context.Context) error {
	stale, err := breaker.Execute(ctx, s.reclaimBreaker, func(ctx context.Context) ([]store.Computation, error) {
		return s.st.ListStaleComputations(ctx, time.Now().UTC())
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("list_stale_computations failed")
		return err
	}

	for _, c := range stale {
		_, err := s.st.CompleteComputation(ctx, store.CompleteRequest{
			ClaimID:      c.ID,
			ExecutionID:  c.ExecutionID,
			NodeName:     c.NodeName,
			Outcome:      store.CompAbandoned,
			ErrorPayload: []byte("reclaimed by sweeper: deadline exceeded"),
		})
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue // the worker itself completed it between the list and this call
			}
			s.log.Warn().Err(err).Str("node", c.NodeName).Str("computation_id", c.ID).Msg("reclaim failed")
			continue
		}
		if s.metrics != nil {
			s.metrics.SweepReclaimsTotal.Inc()
		}
		s.emitter.Emit(emit.Event{
			ExecutionID: c.ExecutionID, NodeName: c.NodeName, ComputationID: c.ID,
			Kind: "abandoned", Time: time.Now().UTC(),
		})
	}
	return nil
}

// nudge implements spec.md §4.6 steps 2-3: for every live execution,
// re-evaluate readiness and push the result into the dispatcher. Step 2
// ("fire schedules") is not a separate code path — a schedule node's
// downstream dependants gate on TimeAfter, which Ready() already evaluates
// against the current wall clock on every pass, so a due schedule surfaces
// its dependants in the same sweep that would otherwise just be step 3.
func (s *Sweeper) nudge(ctx context.Context) error {
	cursor := ""
	for {
		execs, next, err := s.st.ListLiveExecutions(ctx, cursor, s.listPageSize)
		if err != nil {
			return fmt.Errorf("sweeper: list live executions: %w", err)
		}
		for _, exec := range execs {
			if err := s.nudgeExecution(ctx, exec); err != nil {
				s.log.Warn().Err(err).Str("execution_id", exec.ID).Msg("nudge failed")
			}
		}
		if next == "" || next == cursor || len(execs) == 0 {
			break
		}
		cursor = next
	}
	if s.metrics != nil {
		s.metrics.ReadinessPassesTotal.Inc()
	}
	return nil
}

func (s *Sweeper) nudgeExecution(ctx context.Context, exec store.Execution) error {
	g, ok := s.registry.Lookup(exec.GraphRef.Name, exec.GraphRef.Version)
	if !ok {
		return nil // graph definition not loaded in this process; skip rather than error the whole sweep
	}
	snap, err := s.st.LoadExecution(ctx, exec.ID)
	if err != nil {
		return err
	}

	cands := readiness.Ready(g, snap, s.policies, time.Now().Unix())
	for _, cand := range cands {
		if nd, ok := g.Node(cand.NodeName); ok && s.metrics != nil &&
			(nd.Kind == graphdef.KindScheduleOnce || nd.Kind == graphdef.KindScheduleRecurring) {
			s.metrics.ScheduleFiresTotal.Inc()
		}
		if err := s.dispatch.Enqueue(ctx, exec.ID, cand); err != nil {
			return err
		}
	}
	return nil
}
