package vatsim

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synopticon/synopticon/pkg/connector"
)

const feedFixture = `{
  "pilots": [
    {
      "cid": 123456,
      "callsign": "DLH4EK",
      "latitude": 50.03,
      "longitude": 8.57,
      "altitude": 34000,
      "groundspeed": 455,
      "heading": 270,
      "transponder": "2000",
      "flight_plan": {
        "departure": "EDDF",
        "arrival": "KJFK",
        "aircraft": "B748",
        "altitude": "FL340",
        "route": "DCT"
      },
      "last_updated": "2026-08-25T12:00:00Z"
    },
    {
      "cid": 654321,
      "callsign": "BAW17",
      "latitude": 51.47,
      "longitude": -0.45,
      "altitude": 120,
      "groundspeed": 0,
      "heading": 90,
      "transponder": "7000"
    }
  ]
}`

func fixtureServer(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(feedFixture))
	}))

	t.Cleanup(srv.Close)

	return srv
}

func TestFetchAndFrame(t *testing.T) {
	t.Parallel()

	srv := fixtureServer(t)
	d := NewDriver(Config{FeedURL: srv.URL, SourceID: "net-1"})

	doc, err := d.fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Pilots, 2)

	frame := d.frame(doc.Pilots[0])
	assert.Equal(t, "vatsim", frame.Simulator)
	assert.Equal(t, "net-1", frame.SourceID)
	assert.Equal(t, [3]float64{50.03, 8.57, 34000}, frame.Vehicle.Position)
	assert.InDelta(t, 270, frame.Vehicle.Heading, 1e-9)
	assert.InDelta(t, 455, frame.Performance.Speed, 1e-9)
	assert.Equal(t, "DLH4EK", frame.Metadata["callsign"])
	assert.Equal(t, "EDDF", frame.Metadata["departure"])
	assert.Equal(t, "KJFK", frame.Metadata["arrival"])

	wantTS := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC).UnixMicro()
	assert.Equal(t, wantTS, frame.Timestamp)

	// Pilots without a flight plan or last_updated still normalize.
	frame = d.frame(doc.Pilots[1])
	assert.Equal(t, "BAW17", frame.Metadata["callsign"])
	assert.NotContains(t, frame.Metadata, "departure")
	assert.Positive(t, frame.Timestamp)
}

func TestCallsignFilter(t *testing.T) {
	t.Parallel()

	srv := fixtureServer(t)

	d := NewDriver(Config{FeedURL: srv.URL, Callsign: "BAW17"})
	require.NoError(t, d.Open(context.Background()))

	frames := make(chan connector.TelemetryFrame, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = d.Run(ctx, func(f connector.TelemetryFrame) { frames <- f })
	}()

	select {
	case frame := <-frames:
		assert.Equal(t, "BAW17", frame.Metadata["callsign"])
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from first poll")
	}

	// Only the matching pilot is emitted.
	select {
	case frame := <-frames:
		t.Fatalf("unexpected extra frame for %s", frame.Metadata["callsign"])
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPollIntervalClampedToRateLimit(t *testing.T) {
	t.Parallel()

	d := NewDriver(Config{PollInterval: time.Second})
	assert.Equal(t, minPollInterval, d.cfg.PollInterval)
}

func TestCommandPathIsReadOnly(t *testing.T) {
	t.Parallel()

	d := NewDriver(Config{})

	require.Error(t, d.SendCommand(context.Background(), connector.Command{}))
	assert.Empty(t, d.Capabilities())
}
