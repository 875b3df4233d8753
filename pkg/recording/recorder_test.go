package recording_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synopticon/synopticon/pkg/recording"
)

func TestRecorderWritesJSONLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	rec, err := recording.New("stream-1", recording.Config{
		FilePath: "session.jsonl",
		Dir:      dir,
	})
	require.NoError(t, err)

	require.NoError(t, rec.Record("gaze", map[string]any{"x": 0.1, "y": 0.2}))
	require.NoError(t, rec.Record("gaze", map[string]any{"x": 0.3, "y": 0.4}))
	require.NoError(t, rec.Stop())

	file, err := os.Open(filepath.Join(dir, "session.jsonl"))
	require.NoError(t, err)

	defer func() { require.NoError(t, file.Close()) }()

	var entries []recording.Entry

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry recording.Entry

		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}

	require.Len(t, entries, 2)
	assert.Equal(t, "gaze", entries[0].Event)
	assert.Equal(t, "stream-1", entries[0].Source)
	assert.Positive(t, entries[0].Timestamp)
}

func TestRecorderLZ4RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	rec, err := recording.New("stream-1", recording.Config{
		FilePath: "session.jsonl.lz4",
		Dir:      dir,
		Format:   recording.FormatJSONLinesLZ4,
	})
	require.NoError(t, err)

	require.NoError(t, rec.Record("telemetry", map[string]any{"speed": 120.5}))
	require.NoError(t, rec.Stop())

	file, err := os.Open(filepath.Join(dir, "session.jsonl.lz4"))
	require.NoError(t, err)

	defer func() { require.NoError(t, file.Close()) }()

	scanner := bufio.NewScanner(lz4.NewReader(file))
	require.True(t, scanner.Scan())

	var entry recording.Entry

	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
	assert.Equal(t, "telemetry", entry.Event)
}

func TestRecorderRejectsAfterStop(t *testing.T) {
	t.Parallel()

	rec, err := recording.New("stream-1", recording.Config{
		FilePath: "x.jsonl",
		Dir:      t.TempDir(),
	})
	require.NoError(t, err)

	require.NoError(t, rec.Stop())
	require.NoError(t, rec.Stop(), "stop is idempotent")

	err = rec.Record("gaze", nil)
	require.ErrorIs(t, err, recording.ErrRecorderClosed)

	assert.False(t, rec.Status().Active)
}

func TestRecorderRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	_, err := recording.New("stream-1", recording.Config{
		FilePath: "x.bin",
		Dir:      t.TempDir(),
		Format:   recording.Format("protobuf"),
	})
	require.ErrorIs(t, err, recording.ErrUnknownFormat)
}

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := recording.NewStore()
	dir := t.TempDir()

	rec, err := recording.New("stream-7", recording.Config{FilePath: "a.jsonl", Dir: dir})
	require.NoError(t, err)

	store.Add(rec)

	got, err := store.Get(rec.ID())
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	bySource := store.BySource("stream-7")
	require.Len(t, bySource, 1)

	status, err := store.Stop(rec.ID())
	require.NoError(t, err)
	assert.False(t, status.Active)

	_, err = store.Stop(rec.ID())
	require.ErrorIs(t, err, recording.ErrRecordingNotFound)

	_, err = store.Get(rec.ID())
	require.ErrorIs(t, err, recording.ErrRecordingNotFound)
}
