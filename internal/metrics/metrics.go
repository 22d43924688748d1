// Package metrics exposes the scheduler's Prometheus instrumentation,
// adapted from the teacher's PrometheusMetrics (graph/metrics.go): same
// gauge/histogram/counter shape and namespacing convention, retargeted from
// workflow-step counters to the scheduler's own units of work — claims,
// readiness passes, sweep reclaims, schedule fires.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/gauge/histogram the scheduler updates.
type Metrics struct {
	ClaimsTotal           *prometheus.CounterVec
	ClaimConflictsTotal   prometheus.Counter
	ReadinessPassesTotal  prometheus.Counter
	SweepReclaimsTotal    prometheus.Counter
	ScheduleFiresTotal    prometheus.Counter
	ComputationDuration   *prometheus.HistogramVec
	InflightComputations  prometheus.Gauge
	QueueDepth            prometheus.Gauge
}

// New registers the scheduler's metric set against reg under the
// "flowgraph_" namespace. Pass prometheus.NewRegistry() in tests to avoid
// colliding with the global default registry across parallel test runs.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ClaimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgraph_claims_total",
			Help: "Claim attempts by outcome (ok, conflict, archived).",
		}, []string{"outcome"}),
		ClaimConflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowgraph_claim_conflicts_total",
			Help: "Claims that lost the optimistic-concurrency race.",
		}),
		ReadinessPassesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowgraph_readiness_passes_total",
			Help: "Completed readiness evaluation passes.",
		}),
		SweepReclaimsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowgraph_sweep_reclaims_total",
			Help: "Computing attempts reclaimed as abandoned by the sweeper.",
		}),
		ScheduleFiresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowgraph_schedule_fires_total",
			Help: "Schedule-kind nodes the sweeper found ready and nudged.",
		}),
		ComputationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowgraph_computation_duration_ms",
			Help:    "Wall-clock duration of a computation attempt, from claim to completion.",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"node_name", "outcome"}),
		InflightComputations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowgraph_inflight_computations",
			Help: "Computations currently in the computing state.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowgraph_queue_depth",
			Help: "Current depth of the dispatcher's work frontier.",
		}),
	}
}

// ObserveCompletion records a finished attempt's duration bucketed by node
// and outcome.
func (m *Metrics) ObserveCompletion(nodeName, outcome string, started time.Time) {
	m.ComputationDuration.WithLabelValues(nodeName, outcome).Observe(float64(time.Since(started).Milliseconds()))
}
