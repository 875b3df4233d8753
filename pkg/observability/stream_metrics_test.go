package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/synopticon/synopticon/pkg/observability"
)

func setupStreamMetrics(t *testing.T) (*observability.StreamMetrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter("test")

	sm, err := observability.NewStreamMetrics(meter)
	require.NoError(t, err)

	return sm, reader
}

func TestStreamMetrics_DataflowCounters(t *testing.T) {
	t.Parallel()
	sm, reader := setupStreamMetrics(t)
	ctx := context.Background()

	sm.RecordSamples(ctx, "gaze", 200)
	sm.RecordTuples(ctx, 30)
	sm.RecordRouted(ctx, "gaze", 30)
	sm.RecordSends(ctx, "udp", 29)
	sm.RecordDrops(ctx, "udp", 1)

	rm := collectMetrics(t, reader)

	for _, name := range []string{
		"synopticon.samples.ingested.total",
		"synopticon.sync.tuples.total",
		"synopticon.distribution.events.routed.total",
		"synopticon.distribution.sends.total",
		"synopticon.distribution.drops.total",
	} {
		require.NotNil(t, findMetric(rm, name), "%s metric not found", name)
	}
}

func TestStreamMetrics_PipelineExecution(t *testing.T) {
	t.Parallel()
	sm, reader := setupStreamMetrics(t)

	sm.RecordPipelineExecution(context.Background(), "gaze-smoother", "ok", 5*time.Millisecond)

	rm := collectMetrics(t, reader)

	require.NotNil(t, findMetric(rm, "synopticon.pipeline.executions.total"))
	require.NotNil(t, findMetric(rm, "synopticon.pipeline.execution.duration.seconds"))
}
