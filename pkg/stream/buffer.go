package stream

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfOrder is returned by [Buffer.Add] when a sample's capture
// timestamp regresses beyond the configured slack.
var ErrOutOfOrder = errors.New("sample out of order")

// DefaultCapacity bounds a buffer that was configured with zero capacity.
const DefaultCapacity = 1024

// BufferConfig sizes a stream buffer. Capacity bounds the sample count;
// Window bounds the capture-timestamp span in microseconds. Either bound
// evicts from the front when exceeded.
type BufferConfig struct {
	Capacity int
	// WindowMicros is the maximum newest-to-oldest capture span. Zero
	// disables the time bound.
	WindowMicros int64
	// SlackMicros permits tiny capture-timestamp reordering on Add.
	SlackMicros int64
}

// BufferStats is an observable snapshot of a buffer.
type BufferStats struct {
	Count    int
	Overflow uint64
	OldestTS int64
	NewestTS int64
}

// Buffer is a bounded window of samples for one source, ordered by capture
// timestamp. All methods are safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	cfg      BufferConfig
	samples  []Sample // ordered ring, index 0 oldest
	overflow uint64
}

// NewBuffer creates a buffer for one source.
func NewBuffer(cfg BufferConfig) *Buffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}

	return &Buffer{
		cfg:     cfg,
		samples: make([]Sample, 0, cfg.Capacity),
	}
}

// Add appends a sample, evicting front entries once the count or window
// bound is exceeded. A capture timestamp that regresses beyond the
// configured slack fails with [ErrOutOfOrder].
func (b *Buffer) Add(sample Sample) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.samples); n > 0 {
		newest := b.samples[n-1].CaptureTS
		if sample.CaptureTS < newest-b.cfg.SlackMicros {
			return fmt.Errorf("%w: capture %d behind newest %d", ErrOutOfOrder, sample.CaptureTS, newest)
		}
	}

	b.samples = append(b.samples, sample)
	b.sortTailLocked()
	b.evictLocked()

	return nil
}

// sortTailLocked restores order after an in-slack insertion. Only the last
// element can be misplaced, so one backward pass suffices.
func (b *Buffer) sortTailLocked() {
	for i := len(b.samples) - 1; i > 0; i-- {
		if b.samples[i].CaptureTS >= b.samples[i-1].CaptureTS {
			break
		}

		b.samples[i], b.samples[i-1] = b.samples[i-1], b.samples[i]
	}
}

func (b *Buffer) evictLocked() {
	drop := 0

	for len(b.samples)-drop > b.cfg.Capacity {
		drop++
	}

	if b.cfg.WindowMicros > 0 && len(b.samples) > 0 {
		horizon := b.samples[len(b.samples)-1].CaptureTS - b.cfg.WindowMicros
		for drop < len(b.samples)-1 && b.samples[drop].CaptureTS < horizon {
			drop++
		}
	}

	if drop == 0 {
		return
	}

	b.overflow += uint64(drop)
	b.samples = append(b.samples[:0], b.samples[drop:]...)
}

// Closest returns the sample with minimum |capture − target| within the
// tolerance, or false when none qualifies. Ties break toward the lower
// sequence number.
func (b *Buffer) Closest(targetTS, toleranceMicros int64) (Sample, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		best     Sample
		bestDiff int64 = -1
	)

	for _, s := range b.samples {
		diff := absDiff(s.CaptureTS, targetTS)
		if diff > toleranceMicros {
			continue
		}

		if bestDiff < 0 || diff < bestDiff || (diff == bestDiff && s.Seq < best.Seq) {
			best = s
			bestDiff = diff
		}
	}

	return best, bestDiff >= 0
}

// Range returns the ordered samples with start ≤ capture ≤ end.
func (b *Buffer) Range(startTS, endTS int64) []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Sample

	for _, s := range b.samples {
		if s.CaptureTS >= startTS && s.CaptureTS <= endTS {
			out = append(out, s)
		}
	}

	return out
}

// Latest returns the most recent n samples, newest last.
func (b *Buffer) Latest(n int) []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || len(b.samples) == 0 {
		return nil
	}

	if n > len(b.samples) {
		n = len(b.samples)
	}

	out := make([]Sample, n)
	copy(out, b.samples[len(b.samples)-n:])

	return out
}

// Stats returns an observable snapshot of the buffer.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := BufferStats{
		Count:    len(b.samples),
		Overflow: b.overflow,
	}

	if len(b.samples) > 0 {
		stats.OldestTS = b.samples[0].CaptureTS
		stats.NewestTS = b.samples[len(b.samples)-1].CaptureTS
	}

	return stats
}

// Len reports the current sample count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.samples)
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}

	return b - a
}
