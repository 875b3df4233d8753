package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricSamplesTotal      = "synopticon.samples.ingested.total"
	metricTuplesTotal       = "synopticon.sync.tuples.total"
	metricEventsRoutedTotal = "synopticon.distribution.events.routed.total"
	metricSendsTotal        = "synopticon.distribution.sends.total"
	metricDropsTotal        = "synopticon.distribution.drops.total"
	metricPipelineExecs     = "synopticon.pipeline.executions.total"
	metricPipelineDuration  = "synopticon.pipeline.execution.duration.seconds"

	attrStreamKind  = "stream.kind"
	attrDistributor = "distributor.kind"
	attrPipeline    = "pipeline.name"
)

// StreamMetrics holds OTel instruments for the ingest/sync/distribution
// dataflow.
type StreamMetrics struct {
	samplesTotal     metric.Int64Counter
	tuplesTotal      metric.Int64Counter
	eventsRouted     metric.Int64Counter
	sendsTotal       metric.Int64Counter
	dropsTotal       metric.Int64Counter
	pipelineExecs    metric.Int64Counter
	pipelineDuration metric.Float64Histogram
}

// NewStreamMetrics creates dataflow metric instruments from the given meter.
func NewStreamMetrics(mt metric.Meter) (*StreamMetrics, error) {
	samples, err := mt.Int64Counter(metricSamplesTotal,
		metric.WithDescription("Total samples ingested"),
		metric.WithUnit("{sample}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricSamplesTotal, err)
	}

	tuples, err := mt.Int64Counter(metricTuplesTotal,
		metric.WithDescription("Total synchronized tuples emitted"),
		metric.WithUnit("{tuple}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricTuplesTotal, err)
	}

	routed, err := mt.Int64Counter(metricEventsRoutedTotal,
		metric.WithDescription("Total events routed through distribution sessions"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricEventsRoutedTotal, err)
	}

	sends, err := mt.Int64Counter(metricSendsTotal,
		metric.WithDescription("Total distributor transmissions"),
		metric.WithUnit("{send}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricSendsTotal, err)
	}

	drops, err := mt.Int64Counter(metricDropsTotal,
		metric.WithDescription("Total events dropped by distributor queues and filters"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricDropsTotal, err)
	}

	execs, err := mt.Int64Counter(metricPipelineExecs,
		metric.WithDescription("Total pipeline executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricPipelineExecs, err)
	}

	execDuration, err := mt.Float64Histogram(metricPipelineDuration,
		metric.WithDescription("Pipeline execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricPipelineDuration, err)
	}

	return &StreamMetrics{
		samplesTotal:     samples,
		tuplesTotal:      tuples,
		eventsRouted:     routed,
		sendsTotal:       sends,
		dropsTotal:       drops,
		pipelineExecs:    execs,
		pipelineDuration: execDuration,
	}, nil
}

// RecordSamples counts ingested samples for one stream kind.
func (sm *StreamMetrics) RecordSamples(ctx context.Context, kind string, n int64) {
	sm.samplesTotal.Add(ctx, n, metric.WithAttributes(attribute.String(attrStreamKind, kind)))
}

// RecordTuples counts emitted synchronized tuples.
func (sm *StreamMetrics) RecordTuples(ctx context.Context, n int64) {
	sm.tuplesTotal.Add(ctx, n)
}

// RecordRouted counts events routed to distributors for one event kind.
func (sm *StreamMetrics) RecordRouted(ctx context.Context, eventKind string, n int64) {
	sm.eventsRouted.Add(ctx, n, metric.WithAttributes(attribute.String(attrStreamKind, eventKind)))
}

// RecordSends counts successful distributor transmissions by transport kind.
func (sm *StreamMetrics) RecordSends(ctx context.Context, distributorKind string, n int64) {
	sm.sendsTotal.Add(ctx, n, metric.WithAttributes(attribute.String(attrDistributor, distributorKind)))
}

// RecordDrops counts dropped events by transport kind.
func (sm *StreamMetrics) RecordDrops(ctx context.Context, distributorKind string, n int64) {
	sm.dropsTotal.Add(ctx, n, metric.WithAttributes(attribute.String(attrDistributor, distributorKind)))
}

// RecordPipelineExecution records one pipeline run with its outcome status.
func (sm *StreamMetrics) RecordPipelineExecution(ctx context.Context, name, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(attrPipeline, name),
		attribute.String(attrStatus, status),
	)

	sm.pipelineExecs.Add(ctx, 1, attrs)
	sm.pipelineDuration.Record(ctx, duration.Seconds(), attrs)
}
