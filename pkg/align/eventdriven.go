package align

import (
	"sync"

	"github.com/synopticon/synopticon/pkg/stream"
)

const (
	eventWindowMicros    = 100_000    // snap-to-event window, 100 ms
	eventRetentionMicros = 60_000_000 // event ring retention, 1 minute

	eventSnapConfidence     = 0.9
	eventIdentityConfidence = 0.1

	eventAccuracyMs = 100.0
)

// markerEvent is one entry in the event ring.
type markerEvent struct {
	kind string
	ts   int64
}

// EventAligner snaps samples to nearby discrete events (scenario markers,
// simulator events). Samples with no event within the snap window fall back
// to low-confidence identity alignment.
type EventAligner struct {
	mu     sync.Mutex
	events []markerEvent // ordered by ts, oldest first
}

// NewEventAligner creates an event-driven aligner with an empty event ring.
func NewEventAligner() *EventAligner {
	return &EventAligner{}
}

// RecordEvent adds a reference event to the ring. Events older than the
// retention horizon relative to the newest event are pruned.
func (a *EventAligner) RecordEvent(kind string, ts int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.events = append(a.events, markerEvent{kind: kind, ts: ts})

	horizon := ts - eventRetentionMicros
	drop := 0

	for drop < len(a.events) && a.events[drop].ts < horizon {
		drop++
	}

	if drop > 0 {
		a.events = append(a.events[:0], a.events[drop:]...)
	}
}

// Align snaps the sample to the nearest event within the snap window. A
// sample with no nearby event keeps its capture timestamp at low
// confidence.
func (a *EventAligner) Align(sample stream.Sample) Result {
	return a.AlignToKind(sample, "")
}

// AlignToKind is Align restricted to events of one kind. An empty kind
// matches any event.
func (a *EventAligner) AlignToKind(sample stream.Sample, kind string) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		bestTS   int64
		bestDiff int64 = -1
	)

	for _, ev := range a.events {
		if kind != "" && ev.kind != kind {
			continue
		}

		diff := absMicros(ev.ts - sample.CaptureTS)
		if diff > eventWindowMicros {
			continue
		}

		if bestDiff < 0 || diff < bestDiff {
			bestTS = ev.ts
			bestDiff = diff
		}
	}

	if bestDiff < 0 {
		return Result{
			AlignedTS:  sample.CaptureTS,
			Confidence: eventIdentityConfidence,
		}
	}

	return Result{
		AlignedTS:  bestTS,
		Offset:     bestTS - sample.CaptureTS,
		Confidence: eventSnapConfidence,
	}
}

// Quality reports strategy-typical defaults.
func (a *EventAligner) Quality() Metrics {
	m := Metrics{
		LatencyMs:         eventAccuracyMs,
		JitterMs:          eventAccuracyMs,
		AlignmentAccuracy: eventAccuracyMs,
	}
	m.Recompute()

	return m
}
