package align

import (
	"github.com/synopticon/synopticon/pkg/stream"
)

// bufferAccuracyMs is the typical precision of closest-match buffer lookup.
const bufferAccuracyMs = 5.0

// BufferAligner correlates a set of stream buffers at a target timestamp by
// closest-match lookup. Per-source confidence degrades linearly with the
// distance from the target; sources with no sample inside the tolerance are
// omitted from the tuple.
type BufferAligner struct {
	toleranceMicros int64
}

// NewBufferAligner creates a buffer-based aligner with the given tolerance
// in microseconds.
func NewBufferAligner(toleranceMicros int64) *BufferAligner {
	return &BufferAligner{toleranceMicros: toleranceMicros}
}

// Align is the single-sample degenerate case: identity alignment at full
// confidence, used when the engine has only the triggering sample in hand.
func (a *BufferAligner) Align(sample stream.Sample) Result {
	return Result{
		AlignedTS:  sample.CaptureTS,
		Confidence: 1.0,
	}
}

// AlignAt produces an aligned tuple at the target timestamp from the given
// buffers, keyed by source id. The tuple confidence is the mean of the
// participating per-source confidences; an empty tuple has confidence 0.
func (a *BufferAligner) AlignAt(buffers map[string]*stream.Buffer, targetTS int64) Tuple {
	tuple := Tuple{
		AlignedTS: targetTS,
		Parts:     make(map[string]TuplePart, len(buffers)),
	}

	var confidenceSum float64

	for sourceID, buf := range buffers {
		sample, ok := buf.Closest(targetTS, a.toleranceMicros)
		if !ok {
			continue
		}

		offset := sample.CaptureTS - targetTS
		confidence := 1.0 - float64(absMicros(offset))/float64(a.toleranceMicros)

		tuple.Parts[sourceID] = TuplePart{
			Sample:     sample,
			Offset:     offset,
			Confidence: confidence,
		}
		confidenceSum += confidence
	}

	if len(tuple.Parts) > 0 {
		tuple.Confidence = confidenceSum / float64(len(tuple.Parts))
	}

	return tuple
}

// Quality reports strategy-typical defaults.
func (a *BufferAligner) Quality() Metrics {
	m := Metrics{
		LatencyMs:         bufferAccuracyMs,
		JitterMs:          bufferAccuracyMs,
		AlignmentAccuracy: bufferAccuracyMs,
	}
	m.Recompute()

	return m
}

func absMicros(v int64) int64 {
	if v < 0 {
		return -v
	}

	return v
}
