// Package syncengine owns a set of stream buffers and one alignment
// strategy, and turns raw per-source samples into synchronized tuples
// fanned out to bounded subscribers.
package syncengine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/synopticon/synopticon/pkg/align"
	"github.com/synopticon/synopticon/pkg/stream"
)

var (
	// ErrNoStreams is returned by SynchronizeAt when no streams are
	// registered.
	ErrNoStreams = errors.New("no streams registered")

	// ErrStreamExists is returned by AddStream for a duplicate source id.
	ErrStreamExists = errors.New("stream already registered")

	// ErrUnknownStream is returned for operations on an unregistered
	// source id.
	ErrUnknownStream = errors.New("unknown stream")
)

// TriggerMode selects when alignment passes run.
type TriggerMode string

// Sync trigger modes. OnSample aligns at every ingested sample once two or
// more streams are registered; Interval aligns on a fixed cadence.
const (
	TriggerOnSample TriggerMode = "on_sample"
	TriggerInterval TriggerMode = "interval"
)

// Defaults for engine construction.
const (
	DefaultToleranceMicros = 50_000 // 50 ms
	DefaultMinConfidence   = 0.3
	DefaultInterval        = 33 * time.Millisecond // ~30 Hz
	defaultDispatchDepth   = 256
	defaultSubscriberDepth = 64
)

// Config configures an Engine.
type Config struct {
	Strategy        align.Strategy
	ToleranceMicros int64
	MinConfidence   float64
	Mode            TriggerMode
	Interval        time.Duration

	// Logger is the structured logger. When nil, logging is disabled.
	Logger *slog.Logger

	// Clock is the time source; nil uses the wall clock. Tests inject a
	// mock.
	Clock clock.Clock
}

func (c *Config) applyDefaults() {
	if c.Strategy == "" {
		c.Strategy = align.StrategyBufferBased
	}

	if c.ToleranceMicros <= 0 {
		c.ToleranceMicros = DefaultToleranceMicros
	}

	if c.MinConfidence <= 0 {
		c.MinConfidence = DefaultMinConfidence
	}

	if c.Mode == "" {
		c.Mode = TriggerOnSample
	}

	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}

	if c.Clock == nil {
		c.Clock = clock.New()
	}

	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// StreamConfig sizes the buffer allocated for one stream.
type StreamConfig struct {
	Capacity int
	Window   time.Duration
}

// SyncedEvent is the legacy subscriber shape: a flat sample map plus the
// pass quality.
type SyncedEvent struct {
	Timestamp int64
	Samples   map[string]stream.Sample
	Quality   float64
}

// Stats exposes engine counters.
type Stats struct {
	TuplesEmitted      uint64
	SkippedSubscribers uint64
	DroppedSamples     uint64
}

type subscriber struct {
	fn func(align.Tuple)
	ch chan align.Tuple // nil while the engine is stopped
}

// Engine is the synchronization engine. One instance is safe to call from
// multiple producer goroutines; subscriber delivery happens on the engine's
// own dispatch goroutine.
type Engine struct {
	cfg Config

	mu      sync.RWMutex
	streams map[string]*stream.Buffer
	running bool

	hardware *align.HardwareAligner
	software *align.SoftwareAligner
	buffered *align.BufferAligner
	events   *align.EventAligner

	metricsMu   sync.Mutex
	metrics     align.Metrics
	lastLatency float64
	lastDropped uint64

	subMu    sync.RWMutex
	subs     []*subscriber
	subsLive bool
	subWg    sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats

	dispatch chan align.Tuple
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates an engine with the given configuration.
func New(cfg Config) *Engine {
	cfg.applyDefaults()

	e := &Engine{
		cfg:      cfg,
		streams:  make(map[string]*stream.Buffer),
		dispatch: make(chan align.Tuple, defaultDispatchDepth),
	}

	switch cfg.Strategy {
	case align.StrategyHardware:
		e.hardware = align.NewHardwareAligner()
	case align.StrategySoftware:
		e.software = align.NewSoftwareAligner(cfg.Clock)
	case align.StrategyEventDriven:
		e.events = align.NewEventAligner()
	case align.StrategyBufferBased:
	}

	// The buffer aligner doubles as the tuple assembler for every
	// strategy.
	e.buffered = align.NewBufferAligner(cfg.ToleranceMicros)

	return e
}

// AddStream allocates a buffer for a new source.
func (e *Engine) AddStream(sourceID string, cfg StreamConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.streams[sourceID]; ok {
		return fmt.Errorf("%w: %s", ErrStreamExists, sourceID)
	}

	e.streams[sourceID] = stream.NewBuffer(stream.BufferConfig{
		Capacity:     cfg.Capacity,
		WindowMicros: cfg.Window.Microseconds(),
	})

	e.cfg.Logger.Info("sync: stream added", "source", sourceID, "capacity", cfg.Capacity)

	return nil
}

// RemoveStream drains and drops a source.
func (e *Engine) RemoveStream(sourceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.streams[sourceID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, sourceID)
	}

	delete(e.streams, sourceID)
	e.cfg.Logger.Info("sync: stream removed", "source", sourceID)

	return nil
}

// StreamIDs returns the registered source ids in stable order.
func (e *Engine) StreamIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.streams))
	for id := range e.streams {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// RecordEvent feeds a reference event to the event-driven strategy. It is a
// no-op under other strategies.
func (e *Engine) RecordEvent(kind string, ts int64) {
	if e.events != nil {
		e.events.RecordEvent(kind, ts)
	}
}

// UpdateClockSync forwards a clock sync exchange to the software strategy.
func (e *Engine) UpdateClockSync(serverTime, clientTime int64) {
	if e.software != nil {
		e.software.UpdateClockSync(serverTime, clientTime)
	}
}

// ProcessSample stamps the ingest timestamp, buffers the sample, and in
// on-sample mode triggers an alignment pass at the sample's capture time
// once at least two streams are registered. The producer never waits for
// subscriber fan-out.
func (e *Engine) ProcessSample(sourceID string, sample stream.Sample) error {
	if sample.IngestTS == 0 {
		sample.IngestTS = e.cfg.Clock.Now().UnixMicro()
	}

	e.mu.RLock()
	buf, ok := e.streams[sourceID]
	running := e.running
	streamCount := len(e.streams)
	e.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, sourceID)
	}

	err := buf.Add(sample)
	if err != nil {
		e.addDropped(1)

		return fmt.Errorf("buffer sample for %s: %w", sourceID, err)
	}

	if running && e.cfg.Mode == TriggerOnSample && streamCount >= 2 {
		_, syncErr := e.SynchronizeAt(sample.CaptureTS)
		if syncErr != nil && !errors.Is(syncErr, ErrNoStreams) {
			return fmt.Errorf("synchronize at %d: %w", sample.CaptureTS, syncErr)
		}
	}

	return nil
}

// SynchronizeAt runs one alignment pass at the target timestamp, updates
// the sync metrics, hands the tuple to the dispatcher, and returns it.
func (e *Engine) SynchronizeAt(targetTS int64) (align.Tuple, error) {
	e.mu.RLock()
	buffers := make(map[string]*stream.Buffer, len(e.streams))
	for id, buf := range e.streams {
		buffers[id] = buf
	}
	e.mu.RUnlock()

	if len(buffers) == 0 {
		return align.Tuple{}, ErrNoStreams
	}

	tuple := e.buffered.AlignAt(buffers, targetTS)
	e.refineTuple(&tuple)
	e.updateMetrics(tuple, buffers)

	select {
	case e.dispatch <- tuple:
	default:
		// Dispatcher saturated; the pass result is still returned to the
		// caller but subscribers miss this tuple.
		e.addSkipped(1)
	}

	e.statsMu.Lock()
	e.stats.TuplesEmitted++
	e.statsMu.Unlock()

	return tuple, nil
}

// refineTuple applies the per-sample strategy on top of the closest-match
// assembly, replacing offsets and confidences with strategy output.
func (e *Engine) refineTuple(tuple *align.Tuple) {
	var aligner align.Aligner

	switch {
	case e.hardware != nil:
		aligner = e.hardware
	case e.software != nil:
		aligner = e.software
	case e.events != nil:
		aligner = e.events
	default:
		return
	}

	var confidenceSum float64

	for id, part := range tuple.Parts {
		res := aligner.Align(part.Sample)
		part.Offset = res.AlignedTS - tuple.AlignedTS
		part.Drift = res.Drift
		part.Confidence = res.Confidence
		tuple.Parts[id] = part
		confidenceSum += res.Confidence
	}

	if len(tuple.Parts) > 0 {
		tuple.Confidence = confidenceSum / float64(len(tuple.Parts))
	}
}

func (e *Engine) updateMetrics(tuple align.Tuple, buffers map[string]*stream.Buffer) {
	now := e.cfg.Clock.Now().UnixMicro()
	latencyMs := float64(now-tuple.AlignedTS) / 1000.0

	if latencyMs < 0 {
		latencyMs = 0
	}

	var dropped uint64
	for _, buf := range buffers {
		dropped += buf.Stats().Overflow
	}

	var offsetSum float64
	for _, part := range tuple.Parts {
		offsetSum += float64(absMicros(part.Offset)) / 1000.0
	}

	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()

	jitterMs := latencyMs - e.lastLatency
	if jitterMs < 0 {
		jitterMs = -jitterMs
	}

	e.lastLatency = latencyMs

	var delta uint64
	if dropped > e.lastDropped {
		delta = dropped - e.lastDropped
	}

	e.lastDropped = dropped

	e.metrics.LatencyMs = latencyMs
	e.metrics.JitterMs = jitterMs
	e.metrics.DroppedSamples += delta

	if len(tuple.Parts) > 0 {
		e.metrics.AlignmentAccuracy = offsetSum / float64(len(tuple.Parts))
	}

	e.metrics.Recompute()

	// Below-threshold passes still emit but score zero.
	if tuple.Confidence < e.cfg.MinConfidence {
		e.metrics.Quality = 0
	}

	e.statsMu.Lock()
	e.stats.DroppedSamples += delta
	e.statsMu.Unlock()
}

// Metrics returns the current sync quality snapshot.
func (e *Engine) Metrics() align.Metrics {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()

	return e.metrics
}

// EngineStats returns the engine counters.
func (e *Engine) EngineStats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	return e.stats
}

// Subscribe registers a tuple consumer. Delivery happens on a dedicated
// goroutine per subscriber over a bounded channel; a slow subscriber is
// skipped and counted, never waited on. Subscriptions survive Stop/Start
// cycles.
func (e *Engine) Subscribe(fn func(align.Tuple)) {
	sub := &subscriber{fn: fn}

	e.subMu.Lock()
	e.subs = append(e.subs, sub)

	if e.subsLive {
		e.armSubscriberLocked(sub)
	}
	e.subMu.Unlock()
}

// armSubscriberLocked gives the subscriber a live channel and a delivery
// goroutine. Caller holds subMu.
func (e *Engine) armSubscriberLocked(sub *subscriber) {
	sub.ch = make(chan align.Tuple, defaultSubscriberDepth)

	e.subWg.Add(1)

	go func(ch chan align.Tuple) {
		defer e.subWg.Done()

		for tuple := range ch {
			sub.fn(tuple)
		}
	}(sub.ch)
}

// SubscribeSync registers a consumer of the legacy flat event shape.
func (e *Engine) SubscribeSync(fn func(SyncedEvent)) {
	e.Subscribe(func(tuple align.Tuple) {
		event := SyncedEvent{
			Timestamp: tuple.AlignedTS,
			Samples:   make(map[string]stream.Sample, len(tuple.Parts)),
			Quality:   tuple.Confidence,
		}

		for id, part := range tuple.Parts {
			event.Samples[id] = part.Sample
		}

		fn(event)
	})
}

// Start begins emitting tuples. In interval mode a ticker goroutine drives
// alignment passes at the configured cadence; samples accumulate either
// way while stopped.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()

		return
	}

	e.running = true
	e.stop = make(chan struct{})
	e.mu.Unlock()

	e.subMu.Lock()
	e.subsLive = true

	for _, sub := range e.subs {
		e.armSubscriberLocked(sub)
	}
	e.subMu.Unlock()

	e.wg.Add(1)

	go e.dispatchLoop()

	if e.cfg.Mode == TriggerInterval {
		e.wg.Add(1)

		go e.intervalLoop()
	}

	e.cfg.Logger.Info("sync: engine started",
		"strategy", string(e.cfg.Strategy), "mode", string(e.cfg.Mode))
}

// Stop halts tuple emission. Buffers keep accumulating samples and
// subscriptions stay registered for the next Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()

		return
	}

	e.running = false
	close(e.stop)
	e.mu.Unlock()

	e.subMu.Lock()
	e.subsLive = false

	for _, sub := range e.subs {
		close(sub.ch)
		sub.ch = nil
	}
	e.subMu.Unlock()

	e.wg.Wait()
	e.subWg.Wait()
	e.cfg.Logger.Info("sync: engine stopped")
}

func (e *Engine) dispatchLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stop:
			return
		case tuple := <-e.dispatch:
			e.fanOut(tuple)
		}
	}
}

func (e *Engine) fanOut(tuple align.Tuple) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()

	for _, sub := range e.subs {
		if sub.ch == nil {
			continue
		}

		select {
		case sub.ch <- tuple:
		default:
			e.addSkipped(1)
		}
	}
}

func (e *Engine) intervalLoop() {
	defer e.wg.Done()

	ticker := e.cfg.Clock.Ticker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case now := <-ticker.C:
			_, err := e.SynchronizeAt(now.UnixMicro())
			if err != nil && !errors.Is(err, ErrNoStreams) {
				e.cfg.Logger.Warn("sync: interval pass failed", "error", err)
			}
		}
	}
}

func (e *Engine) addSkipped(n uint64) {
	e.statsMu.Lock()
	e.stats.SkippedSubscribers += n
	e.statsMu.Unlock()
}

func (e *Engine) addDropped(n uint64) {
	e.statsMu.Lock()
	e.stats.DroppedSamples += n
	e.statsMu.Unlock()
}

func absMicros(v int64) int64 {
	if v < 0 {
		return -v
	}

	return v
}
