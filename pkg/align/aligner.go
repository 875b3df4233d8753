// Package align maps raw samples from independently clocked sources onto a
// common timeline. Four strategies are provided; the synchronization engine
// selects one at construction.
package align

import (
	"fmt"

	"github.com/synopticon/synopticon/pkg/stream"
)

// Strategy selects the temporal alignment algorithm.
type Strategy string

// The sealed set of alignment strategies.
const (
	StrategyHardware    Strategy = "hardware_timestamp"
	StrategySoftware    Strategy = "software_timestamp"
	StrategyBufferBased Strategy = "buffer_based"
	StrategyEventDriven Strategy = "event_driven"
)

// ParseStrategy maps a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyHardware, StrategySoftware, StrategyBufferBased, StrategyEventDriven:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown alignment strategy %q", s)
	}
}

// Result is a single-sample alignment outcome.
type Result struct {
	// AlignedTS is the sample's position on the common timeline, in
	// monotonic microseconds.
	AlignedTS int64
	// Offset is aligned minus original capture timestamp.
	Offset int64
	// Drift is the current per-source clock drift estimate in
	// microseconds per sample.
	Drift float64
	// Confidence is the strategy's confidence in this alignment, in [0,1].
	Confidence float64
}

// Aligner aligns one sample at a time and reports strategy-typical quality.
type Aligner interface {
	Align(sample stream.Sample) Result
	Quality() Metrics
}

// TuplePart is one source's contribution to an aligned tuple.
type TuplePart struct {
	Sample     stream.Sample
	Offset     int64
	Drift      float64
	Confidence float64
}

// Tuple is one sample per participating source mapped to a common reference
// timestamp. A source with no sample within tolerance is omitted.
type Tuple struct {
	AlignedTS  int64
	Confidence float64
	Parts      map[string]TuplePart
}

// Sources returns the participating source ids.
func (t Tuple) Sources() []string {
	out := make([]string, 0, len(t.Parts))
	for id := range t.Parts {
		out = append(out, id)
	}

	return out
}
