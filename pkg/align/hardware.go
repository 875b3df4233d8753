package align

import (
	"sync"

	"github.com/synopticon/synopticon/pkg/stream"
)

const (
	hardwareConfidence    = 0.95
	hardwareOffsetHistory = 100
	hardwareDriftWindow   = 10

	// hardwareAccuracyMs is the typical precision of hardware-stamped
	// sources (~1 ms).
	hardwareAccuracyMs = 1.0
)

// HardwareAligner trusts capture timestamps generated by the source's own
// clock and compensates for its drift against the ingest clock. Drift is
// the linear-regression extrapolation of the observed capture-to-ingest
// offset over the most recent observations.
type HardwareAligner struct {
	mu      sync.Mutex
	offsets map[string][]int64 // per-source offset history, newest last
}

// NewHardwareAligner creates a hardware-timestamp aligner.
func NewHardwareAligner() *HardwareAligner {
	return &HardwareAligner{
		offsets: make(map[string][]int64),
	}
}

// Align records the sample's capture-to-ingest offset and returns the
// drift-compensated timestamp.
func (a *HardwareAligner) Align(sample stream.Sample) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	history := append(a.offsets[sample.SourceID], sample.IngestTS-sample.CaptureTS)
	if len(history) > hardwareOffsetHistory {
		history = history[len(history)-hardwareOffsetHistory:]
	}

	a.offsets[sample.SourceID] = history

	drift := extrapolateOffset(history, hardwareDriftWindow)
	aligned := sample.CaptureTS - int64(drift)

	return Result{
		AlignedTS:  aligned,
		Offset:     aligned - sample.CaptureTS,
		Drift:      drift,
		Confidence: hardwareConfidence,
	}
}

// Quality reports strategy-typical defaults.
func (a *HardwareAligner) Quality() Metrics {
	m := Metrics{
		LatencyMs:         hardwareAccuracyMs,
		JitterMs:          hardwareAccuracyMs,
		AlignmentAccuracy: hardwareAccuracyMs,
	}
	m.Recompute()

	return m
}

// extrapolateOffset fits offset-vs-index by least squares over the last
// window observations and evaluates the fit at the newest index. With fewer
// than two observations the raw latest offset is returned.
func extrapolateOffset(history []int64, window int) float64 {
	if len(history) == 0 {
		return 0
	}

	if len(history) > window {
		history = history[len(history)-window:]
	}

	n := float64(len(history))
	if n < 2 {
		return float64(history[len(history)-1])
	}

	var sumX, sumY, sumXY, sumXX float64

	for i, off := range history {
		x, y := float64(i), float64(off)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return sumY / n
	}

	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	return slope*(n-1) + intercept
}
