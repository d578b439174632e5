package telemetry

import (
	"context"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAllMetricsAgainstRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()

	tel := New(registry)
	require.NotNil(t, tel)

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	assert.True(t, names["coordinator_dispatch_batches_total"])
	assert.True(t, names["coordinator_decisions_applied_total"])
	assert.True(t, names["coordinator_fanin_activations_total"])
	assert.True(t, names["coordinator_token_transitions_total"])
	assert.True(t, names["coordinator_dispatch_batch_duration_seconds"])
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	New(registry)

	assert.Panics(t, func() {
		New(registry)
	})
}

func TestStartBatchSpan_ReturnsNonNilSpanAndContext(t *testing.T) {
	registry := prometheus.NewRegistry()
	tel := New(registry)

	ctx, span := tel.StartBatchSpan(context.Background(), "run-1")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()
}

func TestFanInActivations_CounterIncrements(t *testing.T) {
	registry := prometheus.NewRegistry()
	tel := New(registry)

	tel.FanInActivations.Inc()

	families, err := registry.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() != "coordinator_fanin_activations_total" {
			continue
		}
		found = true
		require.Len(t, f.GetMetric(), 1)
		assert.Equal(t, 1.0, f.GetMetric()[0].GetCounter().GetValue())
	}
	assert.True(t, found)
}

func TestDecisionsApplied_LabeledCounterIncrements(t *testing.T) {
	registry := prometheus.NewRegistry()
	tel := New(registry)

	tel.DecisionsApplied.WithLabelValues("ACTIVATE_FAN_IN").Inc()
	tel.DecisionsApplied.WithLabelValues("ACTIVATE_FAN_IN").Inc()
	tel.DecisionsApplied.WithLabelValues("MARK_WAITING").Inc()

	count := testutilCollect(t, tel.DecisionsApplied)
	assert.Equal(t, 2.0, count["ACTIVATE_FAN_IN"])
	assert.Equal(t, 1.0, count["MARK_WAITING"])
}

func testutilCollect(t *testing.T, vec *prometheus.CounterVec) map[string]float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 16)
	vec.Collect(ch)
	close(ch)

	out := make(map[string]float64)
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		var label string
		for _, lp := range pb.GetLabel() {
			label = lp.GetValue()
		}
		out[label] = pb.GetCounter().GetValue()
	}
	return out
}
