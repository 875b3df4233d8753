package syncengine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synopticon/synopticon/pkg/align"
	"github.com/synopticon/synopticon/pkg/stream"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()

	e := New(cfg)

	require.NoError(t, e.AddStream("gaze", StreamConfig{Capacity: 64}))
	require.NoError(t, e.AddStream("face", StreamConfig{Capacity: 64}))

	return e
}

func gazeAt(captureTS int64, seq uint64) stream.Sample {
	return stream.Sample{
		SourceID:   "gaze",
		Kind:       stream.KindGaze,
		CaptureTS:  captureTS,
		Payload:    stream.GazePayload{X: 0.5, Y: 0.5},
		Confidence: stream.NoConfidence,
		Seq:        seq,
	}
}

func faceAt(captureTS int64, seq uint64) stream.Sample {
	return stream.Sample{
		SourceID:   "face",
		Kind:       stream.KindFace,
		CaptureTS:  captureTS,
		Payload:    stream.FacePayload{Faces: []stream.FaceDetection{{Confidence: 0.9}}},
		Confidence: stream.NoConfidence,
		Seq:        seq,
	}
}

func TestEngine_AddRemoveStream(t *testing.T) {
	t.Parallel()

	e := New(Config{})

	require.NoError(t, e.AddStream("gaze", StreamConfig{}))
	require.ErrorIs(t, e.AddStream("gaze", StreamConfig{}), ErrStreamExists)

	assert.Equal(t, []string{"gaze"}, e.StreamIDs())

	require.NoError(t, e.RemoveStream("gaze"))
	require.ErrorIs(t, e.RemoveStream("gaze"), ErrUnknownStream)
}

func TestEngine_SynchronizeAtEmpty(t *testing.T) {
	t.Parallel()

	e := New(Config{})

	_, err := e.SynchronizeAt(1_000_000)
	require.ErrorIs(t, err, ErrNoStreams)
}

func TestEngine_TwoStreamAlignment(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{Strategy: align.StrategyBufferBased})

	require.NoError(t, e.ProcessSample("gaze", gazeAt(1_000_000, 0)))
	require.NoError(t, e.ProcessSample("face", faceAt(1_030_000, 0)))

	tuple, err := e.SynchronizeAt(1_000_000)
	require.NoError(t, err)

	require.Len(t, tuple.Parts, 2)
	assert.EqualValues(t, 0, tuple.Parts["gaze"].Offset)
	assert.EqualValues(t, 30_000, tuple.Parts["face"].Offset)
	assert.InDelta(t, 1.0, tuple.Parts["gaze"].Confidence, 1e-9)
	assert.InDelta(t, 0.4, tuple.Parts["face"].Confidence, 1e-9)
}

func TestEngine_ToleranceOmitsStaleSource(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{ToleranceMicros: 10_000})

	require.NoError(t, e.ProcessSample("gaze", gazeAt(1_000_000, 0)))
	require.NoError(t, e.ProcessSample("face", faceAt(2_000_000, 0)))

	tuple, err := e.SynchronizeAt(1_000_000)
	require.NoError(t, err)

	require.Len(t, tuple.Parts, 1)

	for _, part := range tuple.Parts {
		assert.LessOrEqual(t, absMicros(part.Sample.CaptureTS-tuple.AlignedTS), int64(10_000))
	}
}

func TestEngine_OnSampleTriggerFansOutToSubscriber(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{})

	var (
		mu     sync.Mutex
		tuples []align.Tuple
	)

	done := make(chan struct{}, 8)

	e.Subscribe(func(tuple align.Tuple) {
		mu.Lock()
		tuples = append(tuples, tuple)
		mu.Unlock()
		done <- struct{}{}
	})

	e.Start()

	require.NoError(t, e.ProcessSample("gaze", gazeAt(1_000_000, 0)))
	require.NoError(t, e.ProcessSample("face", faceAt(1_010_000, 0)))

	// Two samples, two on-sample passes.
	for range 2 {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber did not receive tuple")
		}
	}

	e.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, tuples)
}

func TestEngine_SubscriptionsSurviveRestart(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{})

	tuples := make(chan align.Tuple, 8)

	e.Subscribe(func(tuple align.Tuple) {
		tuples <- tuple
	})

	e.Start()
	e.Stop()

	// The restarted engine still delivers to the earlier subscriber.
	e.Start()
	defer e.Stop()

	require.NoError(t, e.ProcessSample("gaze", gazeAt(1_000_000, 0)))
	require.NoError(t, e.ProcessSample("face", faceAt(1_010_000, 0)))

	select {
	case tuple := <-tuples:
		assert.NotEmpty(t, tuple.Parts)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber lost across restart")
	}
}

func TestEngine_SubscribeSyncLegacyShape(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{})

	events := make(chan SyncedEvent, 8)

	e.SubscribeSync(func(ev SyncedEvent) {
		events <- ev
	})

	e.Start()
	defer e.Stop()

	require.NoError(t, e.ProcessSample("gaze", gazeAt(1_000_000, 0)))
	require.NoError(t, e.ProcessSample("face", faceAt(1_010_000, 0)))

	select {
	case ev := <-events:
		assert.NotEmpty(t, ev.Samples)
		assert.Positive(t, ev.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("legacy subscriber did not receive event")
	}
}

func TestEngine_StoppedEngineStillBuffers(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{})

	require.NoError(t, e.ProcessSample("gaze", gazeAt(1_000_000, 0)))

	// Not started: no pass ran, but the sample is buffered.
	assert.Zero(t, e.EngineStats().TuplesEmitted)

	tuple, err := e.SynchronizeAt(1_000_000)
	require.NoError(t, err)
	require.Len(t, tuple.Parts, 1)
}

func TestEngine_MetricsUpdatedPerPass(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{})

	require.NoError(t, e.ProcessSample("gaze", gazeAt(1_000_000, 0)))
	require.NoError(t, e.ProcessSample("face", faceAt(1_010_000, 0)))

	_, err := e.SynchronizeAt(1_000_000)
	require.NoError(t, err)

	m := e.Metrics()
	assert.GreaterOrEqual(t, m.Quality, 0.0)
	assert.LessOrEqual(t, m.Quality, 1.0)
}

func TestEngine_LowConfidencePassZeroesQuality(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{ToleranceMicros: 100_000, MinConfidence: 0.99})

	// Both sources near the tolerance edge: per-source confidence is low.
	require.NoError(t, e.ProcessSample("gaze", gazeAt(1_095_000, 0)))
	require.NoError(t, e.ProcessSample("face", faceAt(1_090_000, 0)))

	tuple, err := e.SynchronizeAt(1_000_000)
	require.NoError(t, err)
	require.NotEmpty(t, tuple.Parts)

	assert.Zero(t, e.Metrics().Quality)
}

func TestEngine_PerSourceOrderingPreserved(t *testing.T) {
	t.Parallel()

	e := New(Config{})
	require.NoError(t, e.AddStream("gaze", StreamConfig{Capacity: 128}))
	require.NoError(t, e.AddStream("face", StreamConfig{Capacity: 128}))

	var (
		mu   sync.Mutex
		seqs []uint64
	)

	e.SubscribeSync(func(ev SyncedEvent) {
		if s, ok := ev.Samples["gaze"]; ok {
			mu.Lock()
			seqs = append(seqs, s.Seq)
			mu.Unlock()
		}
	})

	e.Start()

	for i := range 20 {
		require.NoError(t, e.ProcessSample("gaze", gazeAt(int64(1_000_000+i*5000), uint64(i))))
		require.NoError(t, e.ProcessSample("face", faceAt(int64(1_000_000+i*5000), uint64(i))))
	}

	time.Sleep(200 * time.Millisecond)
	e.Stop()

	mu.Lock()
	defer mu.Unlock()

	// The observed gaze sequence must be a non-decreasing subsequence of
	// what was added.
	for i := 1; i < len(seqs); i++ {
		assert.GreaterOrEqual(t, seqs[i], seqs[i-1])
	}
}

func TestEngine_HardwareStrategyRefinesTuple(t *testing.T) {
	t.Parallel()

	e := New(Config{Strategy: align.StrategyHardware})
	require.NoError(t, e.AddStream("tracker", StreamConfig{Capacity: 128}))
	require.NoError(t, e.AddStream("face", StreamConfig{Capacity: 128}))

	base := int64(1_000_000)

	for i := range 50 {
		capture := base + int64(i)*5000
		s := gazeAt(capture, uint64(i))
		s.SourceID = "tracker"
		s.IngestTS = capture + int64(i)
		require.NoError(t, e.ProcessSample("tracker", s))
	}

	target := base + 49*5000
	tuple, err := e.SynchronizeAt(target)
	require.NoError(t, err)

	part, ok := tuple.Parts["tracker"]
	require.True(t, ok)
	assert.InDelta(t, 0.95, part.Confidence, 1e-9)
	assert.InDelta(t, -49, float64(part.Offset), 3.0)
}
