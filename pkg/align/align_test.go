package align

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synopticon/synopticon/pkg/stream"
)

func sampleAt(source string, seq uint64, captureTS, ingestTS int64) stream.Sample {
	return stream.Sample{
		SourceID:   source,
		Kind:       stream.KindGaze,
		CaptureTS:  captureTS,
		IngestTS:   ingestTS,
		Payload:    stream.GazePayload{X: 0.5, Y: 0.5},
		Confidence: stream.NoConfidence,
		Seq:        seq,
	}
}

func TestComputeQuality_Bounds(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, ComputeQuality(0, 0, 0), 1e-9)

	// Each penalty axis saturates at its cap.
	assert.InDelta(t, 1.0-0.3-0.4-0.2, ComputeQuality(10_000, 1_000_000, 1_000_000), 1e-9)

	// Never negative.
	assert.GreaterOrEqual(t, ComputeQuality(1e9, 1<<40, 1e9), 0.0)
}

func TestHardwareAligner_DriftExtrapolation(t *testing.T) {
	t.Parallel()

	a := NewHardwareAligner()

	// Offsets grow one microsecond per sample: ingest = capture + i.
	base := int64(1_000_000)

	var last Result

	for i := range 50 {
		capture := base + int64(i)*5000
		last = a.Align(sampleAt("tracker", uint64(i), capture, capture+int64(i)))
	}

	finalCapture := base + 49*5000
	assert.InDelta(t, float64(finalCapture-49), float64(last.AlignedTS), 2.0)
	assert.InDelta(t, 0.95, last.Confidence, 1e-9)
}

func TestHardwareAligner_ConcurrentProducers(t *testing.T) {
	t.Parallel()

	a := NewHardwareAligner()

	sources := []string{"gaze", "face", "telemetry", "events"}

	var wg sync.WaitGroup

	for _, source := range sources {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range 500 {
				capture := int64(1000 * (i + 1))
				a.Align(sampleAt(source, uint64(i), capture, capture+int64(i)))
			}
		}()
	}

	wg.Wait()

	// Each source keeps its own bounded history.
	for _, source := range sources {
		res := a.Align(sampleAt(source, 501, 1_000_000, 1_000_500))
		assert.InDelta(t, 0.95, res.Confidence, 1e-9)
	}
}

func TestHardwareAligner_ZeroOffsetIsIdentity(t *testing.T) {
	t.Parallel()

	a := NewHardwareAligner()

	var res Result

	for i := range 20 {
		capture := int64(1000 * (i + 1))
		res = a.Align(sampleAt("tracker", uint64(i), capture, capture))
	}

	assert.EqualValues(t, 20_000, res.AlignedTS)
	assert.Zero(t, res.Offset)
}

func TestSoftwareAligner_OffsetAndDrift(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	a := NewSoftwareAligner(mock)

	// First exchange: server 500 μs ahead of client.
	a.UpdateClockSync(10_500, 10_000)

	res := a.Align(sampleAt("remote", 0, 20_000, 0))
	assert.EqualValues(t, 20_500, res.AlignedTS)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)

	// One second later the offset grew by 100 μs: drift = 100 μs/s.
	mock.Add(time.Second)
	a.UpdateClockSync(1_010_600, 1_010_000)

	// Half a second of extrapolated drift adds 50 μs on top of the offset.
	mock.Add(500 * time.Millisecond)

	res = a.Align(sampleAt("remote", 1, 20_000, 0))
	assert.EqualValues(t, 20_000+600+50, res.AlignedTS)
}

func TestBufferAligner_TwoStreamTuple(t *testing.T) {
	t.Parallel()

	gaze := stream.NewBuffer(stream.BufferConfig{Capacity: 16})
	face := stream.NewBuffer(stream.BufferConfig{Capacity: 16})

	require.NoError(t, gaze.Add(sampleAt("gaze", 0, 1_000_000, 1_000_000)))
	require.NoError(t, face.Add(stream.Sample{
		SourceID:   "face",
		Kind:       stream.KindFace,
		CaptureTS:  1_030_000,
		Payload:    stream.FacePayload{Faces: []stream.FaceDetection{{Confidence: 0.9}}},
		Confidence: stream.NoConfidence,
	}))

	a := NewBufferAligner(50_000)
	tuple := a.AlignAt(map[string]*stream.Buffer{"gaze": gaze, "face": face}, 1_000_000)

	require.Len(t, tuple.Parts, 2)
	assert.EqualValues(t, 0, tuple.Parts["gaze"].Offset)
	assert.EqualValues(t, 30_000, tuple.Parts["face"].Offset)
	assert.InDelta(t, 1.0, tuple.Parts["gaze"].Confidence, 1e-9)
	assert.InDelta(t, 0.4, tuple.Parts["face"].Confidence, 1e-9)
}

func TestBufferAligner_OmitsSourceOutsideTolerance(t *testing.T) {
	t.Parallel()

	gaze := stream.NewBuffer(stream.BufferConfig{Capacity: 16})
	face := stream.NewBuffer(stream.BufferConfig{Capacity: 16})

	require.NoError(t, gaze.Add(sampleAt("gaze", 0, 1_000_000, 1_000_000)))
	require.NoError(t, face.Add(sampleAt("face", 0, 2_000_000, 2_000_000)))

	a := NewBufferAligner(50_000)
	tuple := a.AlignAt(map[string]*stream.Buffer{"gaze": gaze, "face": face}, 1_000_000)

	require.Len(t, tuple.Parts, 1)
	_, hasFace := tuple.Parts["face"]
	assert.False(t, hasFace)
}

func TestEventAligner_SnapsToNearestEvent(t *testing.T) {
	t.Parallel()

	a := NewEventAligner()
	a.RecordEvent("scenario_start", 1_000_000)
	a.RecordEvent("scenario_start", 1_200_000)

	res := a.Align(sampleAt("gaze", 0, 1_040_000, 1_040_000))
	assert.EqualValues(t, 1_000_000, res.AlignedTS)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
}

func TestEventAligner_IdentityWhenNoEventNearby(t *testing.T) {
	t.Parallel()

	a := NewEventAligner()
	a.RecordEvent("scenario_start", 1_000_000)

	res := a.Align(sampleAt("gaze", 0, 5_000_000, 5_000_000))
	assert.EqualValues(t, 5_000_000, res.AlignedTS)
	assert.InDelta(t, 0.1, res.Confidence, 1e-9)
}

func TestEventAligner_RetentionPrunesOldEvents(t *testing.T) {
	t.Parallel()

	a := NewEventAligner()
	a.RecordEvent("old", 0)
	a.RecordEvent("new", 61_000_000)

	// The old event is gone: a sample near it gets identity alignment.
	res := a.Align(sampleAt("gaze", 0, 10_000, 10_000))
	assert.InDelta(t, 0.1, res.Confidence, 1e-9)
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"hardware_timestamp", "software_timestamp", "buffer_based", "event_driven"} {
		got, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.EqualValues(t, name, got)
	}

	_, err := ParseStrategy("psychic")
	require.Error(t, err)
}
