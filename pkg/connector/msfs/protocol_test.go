package msfs

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	body := []byte{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, writeMessage(&buf, ReqRequestDataOnSimObject, 7, body))

	h, got, err := readMessage(&buf)
	require.NoError(t, err)

	assert.EqualValues(t, headerSize+len(body), h.Size)
	assert.EqualValues(t, ProtocolVersion, h.Version)
	assert.EqualValues(t, ReqRequestDataOnSimObject, h.ID)
	assert.EqualValues(t, 7, h.CallIndex)
	assert.Equal(t, body, got)
}

func TestReadMessage_RejectsShortFrame(t *testing.T) {
	t.Parallel()

	raw := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(raw, headerSize-1)

	_, _, err := readMessage(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestReadMessage_RejectsOversizedFrame(t *testing.T) {
	t.Parallel()

	// A corrupt size field must fail before any body allocation.
	raw := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(raw, math.MaxUint32)

	_, _, err := readMessage(bytes.NewReader(raw))
	require.ErrorContains(t, err, "exceeds limit")
}

func TestDecodeFlightFrame(t *testing.T) {
	t.Parallel()

	values := []float64{47.45, -122.31, 3500, 270, 140, -600, 2300, 42}

	body := make([]byte, simObjectPreamble+len(values)*8)
	binary.LittleEndian.PutUint32(body, flightRequestID)

	for i, v := range values {
		binary.LittleEndian.PutUint64(body[simObjectPreamble+i*8:], math.Float64bits(v))
	}

	d := NewDriver(Config{SourceID: "msfs-1"})

	frame, ok := d.decodeFlightFrame(body)
	require.True(t, ok)

	assert.Equal(t, "msfs", frame.Simulator)
	assert.Equal(t, "msfs-1", frame.SourceID)
	assert.Equal(t, [3]float64{47.45, -122.31, 3500}, frame.Vehicle.Position)
	assert.InDelta(t, 270, frame.Vehicle.Heading, 1e-9)
	assert.InDelta(t, 140, frame.Performance.Speed, 1e-9)
	assert.InDelta(t, 2300, frame.Performance.EngineRPM, 1e-9)
	assert.InDelta(t, 42, frame.Performance.Fuel, 1e-9)
	assert.InDelta(t, -600, frame.Environment["vertical_speed_fpm"], 1e-9)
}

func TestDecodeFlightFrame_WrongRequest(t *testing.T) {
	t.Parallel()

	body := make([]byte, simObjectPreamble+len(flightVars)*8)
	binary.LittleEndian.PutUint32(body, 99)

	d := NewDriver(Config{})

	_, ok := d.decodeFlightFrame(body)
	assert.False(t, ok)
}
