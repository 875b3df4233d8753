// Package ingest adapts raw sensor output into canonical samples and
// pushes them into the synchronization engine. Adapters own device
// lifecycle; they never own synchronization.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/synopticon/synopticon/pkg/connector"
	"github.com/synopticon/synopticon/pkg/stream"
	"github.com/synopticon/synopticon/pkg/syncengine"
)

var (
	// ErrAdapterRunning is returned by Start on a live adapter.
	ErrAdapterRunning = errors.New("adapter already running")

	// ErrAdapterStopped is returned by Push on a stopped adapter.
	ErrAdapterStopped = errors.New("adapter not running")
)

// Sink accepts canonical samples. The sync engine satisfies this.
type Sink interface {
	ProcessSample(sourceID string, sample stream.Sample) error
}

var _ Sink = (*syncengine.Engine)(nil)

// Stats counts one adapter's traffic.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	LastPush int64  `json:"last_push,omitempty"`
}

// Adapter is the shared push machinery every device adapter embeds: it
// stamps sequence numbers, fills missing capture timestamps, and forwards
// to the sink.
type Adapter struct {
	sourceID string
	kind     stream.Kind
	sink     Sink
	logger   *slog.Logger
	clock    clock.Clock

	mu      sync.Mutex
	running bool
	seq     uint64
	stats   Stats
}

// NewAdapter creates the shared adapter core. A nil logger disables
// logging.
func NewAdapter(sourceID string, kind stream.Kind, sink Sink, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Adapter{
		sourceID: sourceID,
		kind:     kind,
		sink:     sink,
		logger:   logger,
		clock:    clock.New(),
	}
}

// SetClock injects a clock, for tests.
func (a *Adapter) SetClock(clk clock.Clock) { a.clock = clk }

// SourceID returns the stream source this adapter feeds.
func (a *Adapter) SourceID() string { return a.sourceID }

// Start marks the adapter live.
func (a *Adapter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return ErrAdapterRunning
	}

	a.running = true

	return nil
}

// Stop marks the adapter stopped. Pushes after Stop are rejected.
func (a *Adapter) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

// Push normalizes and forwards one observation. A zero captureTS means the
// device did not timestamp the observation; the adapter stamps it on
// arrival. Confidence below zero means unreported.
func (a *Adapter) Push(captureTS int64, payload stream.Payload, confidence float64) error {
	a.mu.Lock()

	if !a.running {
		a.mu.Unlock()

		return ErrAdapterStopped
	}

	a.seq++
	seq := a.seq
	a.mu.Unlock()

	now := a.clock.Now().UnixMicro()

	if captureTS == 0 {
		captureTS = now
	}

	if confidence < 0 {
		confidence = stream.NoConfidence
	}

	sample := stream.Sample{
		SourceID:   a.sourceID,
		Kind:       a.kind,
		CaptureTS:  captureTS,
		Payload:    payload,
		Confidence: confidence,
		Seq:        seq,
	}

	err := a.sink.ProcessSample(a.sourceID, sample)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err != nil {
		a.stats.Rejected++

		return fmt.Errorf("push %s sample: %w", a.kind, err)
	}

	a.stats.Accepted++
	a.stats.LastPush = now

	return nil
}

// Stats returns the adapter's traffic counters.
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.stats
}

// Running reports whether the adapter accepts pushes.
func (a *Adapter) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.running
}

// GazeAdapter ingests eye-tracker observations.
type GazeAdapter struct {
	*Adapter
}

// NewGazeAdapter creates a gaze stream adapter.
func NewGazeAdapter(sourceID string, sink Sink, logger *slog.Logger) *GazeAdapter {
	return &GazeAdapter{Adapter: NewAdapter(sourceID, stream.KindGaze, sink, logger)}
}

// PushGaze forwards one gaze observation. Confidence derives from eye
// validity: both eyes 1.0, one eye 0.5, none 0.
func (g *GazeAdapter) PushGaze(captureTS int64, p stream.GazePayload) error {
	confidence := 0.0

	if p.LeftValid {
		confidence += 0.5
	}

	if p.RightValid {
		confidence += 0.5
	}

	return g.Push(captureTS, p, confidence)
}

// FaceAdapter ingests face detection results from a video analyzer.
type FaceAdapter struct {
	*Adapter
}

// NewFaceAdapter creates a face stream adapter.
func NewFaceAdapter(sourceID string, sink Sink, logger *slog.Logger) *FaceAdapter {
	return &FaceAdapter{Adapter: NewAdapter(sourceID, stream.KindFace, sink, logger)}
}

// PushFrame forwards the detections of one analyzed frame. Confidence is
// the best detection's confidence; zero detections yield confidence 0.
func (f *FaceAdapter) PushFrame(captureTS int64, p stream.FacePayload) error {
	confidence := 0.0

	for _, det := range p.Faces {
		if det.Confidence > confidence {
			confidence = det.Confidence
		}
	}

	return f.Push(captureTS, p, confidence)
}

// EventAdapter ingests discrete scenario and user events.
type EventAdapter struct {
	*Adapter
}

// NewEventAdapter creates an event stream adapter.
func NewEventAdapter(sourceID string, sink Sink, logger *slog.Logger) *EventAdapter {
	return &EventAdapter{Adapter: NewAdapter(sourceID, stream.KindEvent, sink, logger)}
}

// PushEvent forwards one named event. Events are always full confidence.
func (e *EventAdapter) PushEvent(captureTS int64, name string, attrs map[string]string) error {
	return e.Push(captureTS, stream.EventPayload{Name: name, Attributes: attrs}, 1.0)
}

// FrameSource is the telemetry side of the bridge; the connector
// satisfies it.
type FrameSource interface {
	SubscribeFrames() <-chan connector.TelemetryFrame
}

var _ FrameSource = (*connector.Connector)(nil)

// TelemetryBridge subscribes to a simulator frame stream and re-emits each
// frame as a telemetry sample. Frame capture timestamps come from the
// simulator clock, so the bridge pairs naturally with the software or
// buffer-based alignment strategies.
type TelemetryBridge struct {
	*Adapter

	simulator string
	source    FrameSource

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewTelemetryBridge creates a bridge from a simulator frame source to the
// sink.
func NewTelemetryBridge(sourceID, simulator string, source FrameSource, sink Sink, logger *slog.Logger) *TelemetryBridge {
	return &TelemetryBridge{
		Adapter:   NewAdapter(sourceID, stream.KindTelemetry, sink, logger),
		simulator: simulator,
		source:    source,
	}
}

// Start subscribes to the frame stream and pumps frames into the sink
// until Stop is called or the context ends.
func (b *TelemetryBridge) Start(ctx context.Context) error {
	err := b.Adapter.Start()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	b.cancelMu.Lock()
	b.cancel = cancel
	b.done = done
	b.cancelMu.Unlock()

	frames := b.source.SubscribeFrames()

	go func() {
		defer close(done)

		for {
			select {
			case <-runCtx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}

				b.forward(frame)
			}
		}
	}()

	return nil
}

func (b *TelemetryBridge) forward(frame connector.TelemetryFrame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		b.logger.Warn("telemetry frame encode failed",
			"simulator", b.simulator, "error", err)

		return
	}

	payload := stream.TelemetryPayload{
		Simulator: b.simulator,
		Frame:     raw,
	}

	pushErr := b.Push(frame.Timestamp, payload, stream.NoConfidence)
	if pushErr != nil {
		b.logger.Warn("telemetry push failed",
			"simulator", b.simulator, "error", pushErr)
	}
}

// Stop halts the pump and marks the adapter stopped.
func (b *TelemetryBridge) Stop() {
	b.cancelMu.Lock()
	cancel := b.cancel
	done := b.done
	b.cancel = nil
	b.done = nil
	b.cancelMu.Unlock()

	if cancel != nil {
		cancel()
	}

	if done != nil {
		<-done
	}

	b.Adapter.Stop()
}
