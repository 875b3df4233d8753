package align

import (
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/synopticon/synopticon/pkg/stream"
)

const (
	softwareConfidence = 0.8

	// softwareAccuracyMs is the typical precision of NTP-style software
	// synchronization.
	softwareAccuracyMs = 10.0
)

// SoftwareAligner compensates for a producer clock that differs from the
// ingest clock. The offset and drift rate are refreshed by explicit clock
// sync exchanges; between syncs the drift is extrapolated forward.
type SoftwareAligner struct {
	mu       sync.Mutex
	clk      clock.Clock
	offset   int64   // server minus client, microseconds
	drift    float64 // microseconds of offset change per microsecond
	lastSync int64   // monotonic microseconds of the last sync exchange
	synced   bool
}

// NewSoftwareAligner creates a software-timestamp aligner on the given
// clock. A nil clock uses the wall clock.
func NewSoftwareAligner(clk clock.Clock) *SoftwareAligner {
	if clk == nil {
		clk = clock.New()
	}

	return &SoftwareAligner{clk: clk}
}

// Align maps the sample's capture timestamp through the current offset and
// forward-extrapolated drift.
func (a *SoftwareAligner) Align(sample stream.Sample) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.nowMicros()
	elapsed := float64(now - a.lastSync)
	correction := a.offset + int64(elapsed*a.drift)
	aligned := sample.CaptureTS + correction

	return Result{
		AlignedTS:  aligned,
		Offset:     correction,
		Drift:      a.drift,
		Confidence: softwareConfidence,
	}
}

// UpdateClockSync records a sync exchange. serverTime and clientTime are
// the two clocks' readings of the same instant, in microseconds. Drift is
// recomputed as the offset change rate since the previous exchange.
func (a *SoftwareAligner) UpdateClockSync(serverTime, clientTime int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.nowMicros()
	newOffset := serverTime - clientTime

	if a.synced {
		dt := float64(now - a.lastSync)
		if dt > 0 {
			a.drift = float64(newOffset-a.offset) / dt
		}
	}

	a.offset = newOffset
	a.lastSync = now
	a.synced = true
}

// Quality reports strategy-typical defaults.
func (a *SoftwareAligner) Quality() Metrics {
	m := Metrics{
		LatencyMs:         softwareAccuracyMs,
		JitterMs:          softwareAccuracyMs,
		AlignmentAccuracy: softwareAccuracyMs,
	}
	m.Recompute()

	return m
}

func (a *SoftwareAligner) nowMicros() int64 {
	return a.clk.Now().UnixMicro()
}
