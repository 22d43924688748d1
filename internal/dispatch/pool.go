package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/flowgraph/internal/breaker"
	"github.com/dshills/flowgraph/internal/computation"
	"github.com/dshills/flowgraph/internal/emit"
	"github.com/dshills/flowgraph/internal/graphdef"
	"github.com/dshills/flowgraph/internal/metrics"
	"github.com/dshills/flowgraph/internal/readiness"
	"github.com/dshills/flowgraph/internal/store"
)

// Pool is the bounded worker pool from spec.md §4.5. Each worker pulls one
// WorkItem off the Frontier, attempts claim_computation, invokes the node's
// Function, and applies the outcome through complete_computation. Grounded
// on the teacher's scheduler worker loop (graph/scheduler.go's runWorker),
// generalized from "execute the next workflow step" to "execute the next
// ready computation," with store access wrapped in internal/breaker the way
// the teacher's loop never needed to (a local SQLite file does not flap the
// way a network database does).
type Pool struct {
	st       store.Store
	registry *graphdef.Registry
	frontier *Frontier
	emitter  emit.Emitter
	metrics  *metrics.Metrics
	log      zerolog.Logger

	claimBreaker    *breaker.Breaker
	completeBreaker *breaker.Breaker

	workers        int
	defaultTimeout time.Duration
	defaultRetry   graphdef.RetryPolicy
}

// Options configures a Pool. Emitter, Metrics and Logger default to no-ops
// if left nil, so callers in tests can omit them. Logger is a pointer
// rather than a zerolog.Logger value so "not configured" is distinguishable
// from a zero-value Logger, which is uncomparable and must never be used
// unconstructed (grounded on citadel-agent's logger_node.go, which always
// builds its zerolog.Logger explicitly rather than relying on the zero
// value).
type Options struct {
	Workers        int
	QueueDepth     int
	DefaultTimeout time.Duration
	DefaultRetry   graphdef.RetryPolicy
	Emitter        emit.Emitter
	Metrics        *metrics.Metrics
	Logger         *zerolog.Logger
}

// New builds a Pool over st and registry. st should already be wrapped with
// store.WithNotifications if the caller wants revision events published.
func New(st store.Store, registry *graphdef.Registry, opts Options) *Pool {
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}
	queueDepth := opts.QueueDepth
	if queueDepth <= 0 {
		queueDepth = 256
	}
	defaultTimeout := opts.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	defaultRetry := opts.DefaultRetry
	if defaultRetry.MaxAttempts == 0 {
		defaultRetry = computation.DefaultRetryPolicy
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = emit.NullEmitter{}
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	return &Pool{
		st:              st,
		registry:        registry,
		frontier:        NewFrontier(queueDepth),
		emitter:         emitter,
		metrics:         opts.Metrics,
		log:             log,
		claimBreaker:    breaker.New("store.claim"),
		completeBreaker: breaker.New("store.complete"),
		workers:         workers,
		defaultTimeout:  defaultTimeout,
		defaultRetry:    defaultRetry,
	}
}

// Enqueue pushes one readiness candidate for executionID onto the frontier.
// Callers are typically the sweeper's readiness-nudge step or a direct
// post-write_value push; either way this is the only entry point new work
// takes to reach the pool.
func (p *Pool) Enqueue(ctx context.Context, executionID string, cand readiness.Candidate) error {
	return p.frontier.Enqueue(ctx, WorkItem{
		ExecutionID:       executionID,
		NodeName:          cand.NodeName,
		OrderKey:          ComputeOrderKey(executionID, cand.NodeName, cand.AttemptIndex),
		UpstreamRevisions: cand.UpstreamRevisions,
		ExRevisionAtStart: cand.ExRevisionAtStart,
		AttemptIndex:      cand.AttemptIndex,
	})
}

// Metrics reports the frontier's current queue depth/throughput counters.
func (p *Pool) Metrics() Metrics {
	return p.frontier.Metrics()
}

// Run starts Workers goroutines, each looping on frontier.Dequeue until ctx
// is cancelled. Run blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{}, p.workers)
	for i := 0; i < p.workers; i++ {
		go func() {
			p.workerLoop(ctx)
			done <- struct{}{}
		}()
	}
	<-ctx.Done()
	for i := 0; i < p.workers; i++ {
		<-done
	}
}

func (p *Pool) workerLoop(ctx context.Context) {
	for {
		item, err := p.frontier.Dequeue(ctx)
		if err != nil {
			return
		}
		if p.metrics != nil {
			p.metrics.QueueDepth.Set(float64(p.frontier.Len()))
		}
		p.process(ctx, item)
	}
}

// process implements spec.md §4.5 steps 2-5 for one WorkItem: claim, build
// inputs, invoke Function, validate its result shape, complete.
func (p *Pool) process(ctx context.Context, item WorkItem) {
	snap, err := p.st.LoadExecution(ctx, item.ExecutionID)
	if err != nil {
		p.log.Warn().Err(err).Str("execution_id", item.ExecutionID).Msg("load_execution failed before claim")
		return
	}
	if snap.Execution.ArchivedAt != nil {
		return
	}

	g, ok := p.registry.Lookup(snap.Execution.GraphRef.Name, snap.Execution.GraphRef.Version)
	if !ok {
		p.log.Error().Str("graph", snap.Execution.GraphRef.Name).Msg("work item references an unregistered graph")
		return
	}
	nd, ok := g.Node(item.NodeName)
	if !ok {
		p.log.Error().Str("node", item.NodeName).Msg("work item references an unknown node")
		return
	}

	deadline := time.Now().Add(computation.EffectiveTimeout(nd, p.defaultTimeout))
	claim, err := breaker.Execute(ctx, p.claimBreaker, func(ctx context.Context) (store.Computation, error) {
		return p.st.ClaimComputation(ctx, store.ClaimRequest{
			ExecutionID:       item.ExecutionID,
			NodeName:          item.NodeName,
			Deadline:          deadline,
			ExRevSeen:         item.ExRevisionAtStart,
			UpstreamRevisions: item.UpstreamRevisions,
			AttemptIndex:      item.AttemptIndex,
		})
	})
	if err != nil {
		p.recordClaimOutcome(err)
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrExecutionArchived) {
			p.log.Warn().Err(err).Str("node", item.NodeName).Msg("claim_computation failed")
		}
		return
	}
	p.recordClaimOutcome(nil)
	if p.metrics != nil {
		p.metrics.InflightComputations.Inc()
		defer p.metrics.InflightComputations.Dec()
	}
	p.emitter.Emit(emit.Event{
		ExecutionID: item.ExecutionID, NodeName: item.NodeName, ComputationID: claim.ID,
		Kind: "claimed", Revision: claim.ExRevisionAtStart, Time: claim.StartedAt,
	})

	inputs, err := p.buildInputs(snap, nd)
	if err != nil {
		p.finish(ctx, claim, nd, store.CompFailed, nil, []byte(err.Error()), false)
		return
	}

	attemptCtx, cancel := context.WithDeadline(ctx, deadline)
	result, fnErr := nd.Function(attemptCtx, inputs)
	cancel()

	switch {
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		p.finish(ctx, claim, nd, store.CompAbandoned, nil, []byte("attempt deadline exceeded"), false)
	case fnErr != nil:
		p.finish(ctx, claim, nd, store.CompFailed, nil, []byte(fnErr.Error()), false)
	default:
		payload, skip, encErr := encodeResult(nd, result)
		if encErr != nil {
			p.finish(ctx, claim, nd, store.CompFailed, nil, []byte(encErr.Error()), false)
			return
		}
		p.finish(ctx, claim, nd, store.CompSuccess, payload, nil, skip)
	}
}

func (p *Pool) recordClaimOutcome(err error) {
	if p.metrics == nil {
		return
	}
	switch {
	case err == nil:
		p.metrics.ClaimsTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, store.ErrConflict):
		p.metrics.ClaimsTotal.WithLabelValues("conflict").Inc()
		p.metrics.ClaimConflictsTotal.Inc()
	case errors.Is(err, store.ErrExecutionArchived):
		p.metrics.ClaimsTotal.WithLabelValues("archived").Inc()
	default:
		p.metrics.ClaimsTotal.WithLabelValues("error").Inc()
	}
}

// buildInputs assembles the {dep_name: value} map from nd.Reads, decoding
// each dependency's JSON-encoded payload. A read node that has never been
// set is represented as a missing map key, not nil — Functions that read an
// optional dependency must check for presence themselves.
func (p *Pool) buildInputs(snap store.ExecutionSnapshot, nd *graphdef.NodeDef) (map[string]any, error) {
	inputs := make(map[string]any, len(nd.Reads))
	for _, dep := range nd.Reads {
		nv, ok := snap.Nodes[dep]
		if !ok || !nv.Set {
			continue
		}
		var v any
		if err := json.Unmarshal(nv.Payload, &v); err != nil {
			return nil, fmt.Errorf("dispatch: decode input %q: %w", dep, err)
		}
		inputs[dep] = v
	}
	return inputs, nil
}

// encodeResult validates and marshals a FunctionResult per spec.md §4.5
// step 4's contract, branching on node kind.
func encodeResult(nd *graphdef.NodeDef, fr graphdef.FunctionResult) (payload []byte, skipWrite bool, err error) {
	switch nd.Kind {
	case graphdef.KindScheduleOnce, graphdef.KindScheduleRecurring:
		if fr.NoSchedule {
			return nil, true, nil
		}
		if fr.ScheduleAt == nil {
			return nil, false, errors.New("dispatch: schedule node returned neither a schedule time nor no_schedule")
		}
		b, err := json.Marshal(*fr.ScheduleAt)
		return b, false, err
	default:
		b, err := json.Marshal(fr.Value)
		return b, false, err
	}
}

func (p *Pool) finish(ctx context.Context, claim store.Computation, nd *graphdef.NodeDef, outcome store.CompState, payload, errPayload []byte, skipValueWrite bool) {
	mutatesTarget := ""
	if nd.Kind == graphdef.KindMutate {
		mutatesTarget = nd.Mutates
	}

	started := claim.StartedAt
	_, err := breaker.Execute(ctx, p.completeBreaker, func(ctx context.Context) (int64, error) {
		return p.st.CompleteComputation(ctx, store.CompleteRequest{
			ClaimID:        claim.ID,
			ExecutionID:    claim.ExecutionID,
			NodeName:       claim.NodeName,
			Outcome:        outcome,
			ResultPayload:  payload,
			ErrorPayload:   errPayload,
			MutatesTarget:  mutatesTarget,
			SkipValueWrite: skipValueWrite,
		})
	})
	if err != nil {
		p.log.Error().Err(err).Str("node", claim.NodeName).Str("claim_id", claim.ID).Msg("complete_computation failed")
		return
	}

	if p.metrics != nil {
		p.metrics.ObserveCompletion(claim.NodeName, string(outcome), started)
	}
	p.emitter.Emit(emit.Event{
		ExecutionID: claim.ExecutionID, NodeName: claim.NodeName, ComputationID: claim.ID,
		Kind: string(outcome), Time: time.Now().UTC(),
	})
}
