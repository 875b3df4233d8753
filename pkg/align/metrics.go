package align

// Metrics is the synchronization quality snapshot maintained per engine
// pass. All durations are milliseconds.
type Metrics struct {
	Quality           float64 `json:"quality"`
	LatencyMs         float64 `json:"latency_ms"`
	JitterMs          float64 `json:"jitter_ms"`
	DroppedSamples    uint64  `json:"dropped_samples"`
	AlignmentAccuracy float64 `json:"alignment_accuracy_ms"`
}

// Penalty caps for the quality score. Each degradation axis contributes a
// bounded share so no single axis can zero the score on its own.
const (
	jitterPenaltyCap  = 0.3
	droppedPenaltyCap = 0.4
	latencyPenaltyCap = 0.2

	jitterPenaltyScale  = 100.0
	droppedPenaltyScale = 1000.0
	latencyPenaltyScale = 1000.0
)

// ComputeQuality derives the [0,1] quality score from jitter, drop count,
// and latency.
func ComputeQuality(jitterMs float64, dropped uint64, latencyMs float64) float64 {
	quality := 1.0
	quality -= capped(jitterMs/jitterPenaltyScale, jitterPenaltyCap)
	quality -= capped(float64(dropped)/droppedPenaltyScale, droppedPenaltyCap)
	quality -= capped(latencyMs/latencyPenaltyScale, latencyPenaltyCap)

	if quality < 0 {
		return 0
	}

	return quality
}

// Recompute refreshes the quality score from the other fields.
func (m *Metrics) Recompute() {
	m.Quality = ComputeQuality(m.JitterMs, m.DroppedSamples, m.LatencyMs)
}

func capped(v, limit float64) float64 {
	if v > limit {
		return limit
	}

	return v
}
