// Package telemetry wires the coordinator's metrics and tracing surface.
// The teacher's common/telemetry package left its Prometheus endpoint as a
// TODO and only ever recorded durations through its own logger; this
// package fills that gap with the concrete otel/prometheus stack the rest
// of the example corpus (goadesign-goa-ai, tombee-conductor,
// dshills-langgraph-go) actually wires, since spec.md's ambient stack still
// carries observability even where metrics ownership is a stated
// functional non-goal.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the coordinator's dispatch-batch tracer and the
// Prometheus counters/histograms spec.md's SPEC_FULL.md domain stack names.
type Telemetry struct {
	tracer trace.Tracer

	DispatchBatches  *prometheus.CounterVec
	DecisionsApplied *prometheus.CounterVec
	FanInActivations prometheus.Counter
	TokenTransitions *prometheus.CounterVec
	BatchDuration    prometheus.Histogram
}

// New registers the coordinator's metrics against registry and returns a
// Telemetry for internal/runctl, the package that records into it.
func New(registry *prometheus.Registry) *Telemetry {
	t := &Telemetry{
		tracer: otel.Tracer("github.com/lyzr/coordinator-core/internal/runctl"),
		DispatchBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_dispatch_batches_total",
			Help: "Decision batches applied by the Dispatch Executor, labeled by outcome.",
		}, []string{"outcome"}),
		DecisionsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_decisions_applied_total",
			Help: "Planner decisions applied, labeled by decision kind.",
		}, []string{"kind"}),
		FanInActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_fanin_activations_total",
			Help: "Fan-in coordination records successfully activated.",
		}),
		TokenTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_token_transitions_total",
			Help: "Token status transitions, labeled by resulting status.",
		}, []string{"status"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coordinator_dispatch_batch_duration_seconds",
			Help:    "Wall time to apply one decision batch end to end.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		t.DispatchBatches,
		t.DecisionsApplied,
		t.FanInActivations,
		t.TokenTransitions,
		t.BatchDuration,
	)
	return t
}

// StartBatchSpan opens a span covering one applyBatch call, the unit of
// work spec.md §5's per-run mutex serializes.
func (t *Telemetry) StartBatchSpan(ctx context.Context, runID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "dispatch.apply_batch", trace.WithAttributes())
}
