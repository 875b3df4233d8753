package ingest

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/synopticon/synopticon/pkg/stream"
)

// SignalProfile produces one synthetic payload with its confidence for a
// tick. Profiles are deterministic in tick so soak runs are repeatable.
type SignalProfile func(tick uint64, now time.Time) (stream.Payload, float64)

// GazeSweepProfile traces a slow figure across the normalized display with
// a brief validity dropout every 50 ticks, mimicking a blink.
func GazeSweepProfile() SignalProfile {
	return func(tick uint64, _ time.Time) (stream.Payload, float64) {
		phase := float64(tick) * 0.05
		blink := tick%50 < 2

		payload := stream.GazePayload{
			X:          0.5 + 0.4*math.Sin(phase),
			Y:          0.5 + 0.4*math.Sin(2*phase),
			LeftValid:  !blink,
			RightValid: !blink,
		}

		if blink {
			return payload, 0
		}

		return payload, 1
	}
}

// FaceOscillationProfile emits one detection whose confidence breathes
// between 0.6 and 1.0.
func FaceOscillationProfile() SignalProfile {
	return func(tick uint64, _ time.Time) (stream.Payload, float64) {
		confidence := 0.8 + 0.2*math.Sin(float64(tick)*0.1)

		payload := stream.FacePayload{
			FrameIndex: int64(tick),
			Faces: []stream.FaceDetection{{
				Box:        [4]float64{0.3, 0.2, 0.4, 0.5},
				Confidence: confidence,
			}},
		}

		return payload, confidence
	}
}

// Generator drives an adapter with a synthetic signal at a fixed rate,
// for soak tests and demos without hardware.
type Generator struct {
	adapter *Adapter
	profile SignalProfile
	rateHz  float64
	clk     clock.Clock

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	tick   uint64
}

// DefaultGeneratorRateHz is used when no rate is given.
const DefaultGeneratorRateHz = 60.0

// NewGenerator creates a generator over an adapter.
func NewGenerator(adapter *Adapter, profile SignalProfile, rateHz float64) *Generator {
	if rateHz <= 0 {
		rateHz = DefaultGeneratorRateHz
	}

	return &Generator{
		adapter: adapter,
		profile: profile,
		rateHz:  rateHz,
		clk:     clock.New(),
	}
}

// SetClock injects a clock, for tests.
func (g *Generator) SetClock(clk clock.Clock) { g.clk = clk }

// Start begins emitting. The adapter is started if it is not running yet.
func (g *Generator) Start(ctx context.Context) error {
	err := g.adapter.Start()
	if err != nil && !errors.Is(err, ErrAdapterRunning) {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	g.mu.Lock()
	g.cancel = cancel
	g.done = done
	g.mu.Unlock()

	interval := time.Duration(float64(time.Second) / g.rateHz)
	ticker := g.clk.Ticker(interval)

	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				g.emit(now)
			}
		}
	}()

	return nil
}

func (g *Generator) emit(now time.Time) {
	g.mu.Lock()
	tick := g.tick
	g.tick++
	g.mu.Unlock()

	payload, confidence := g.profile(tick, now)

	_ = g.adapter.Push(now.UnixMicro(), payload, confidence)
}

// Stop halts emission. The adapter keeps running so other producers can
// share it.
func (g *Generator) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	done := g.done
	g.cancel = nil
	g.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}
