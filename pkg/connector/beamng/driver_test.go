package beamng

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synopticon/synopticon/pkg/connector"
)

func TestFrameMapping(t *testing.T) {
	t.Parallel()

	d := NewDriver(Config{SourceID: "beam-1"})

	frame := d.frame(vehicleState{
		Position:      [3]float64{10, 20, 0},
		Velocity:      [3]float64{3, 4, 0},
		ThrottleInput: 0.9,
		BrakeInput:    0.1,
		Gear:          3,
		EngineRPM:     4500,
		Fuel:          0.8,
		Damage:        0.02,
		EngineTemp:    92,
		TirePressure:  [4]float64{2.1, 2.1, 2.0, 2.0},
	})

	assert.Equal(t, "beamng", frame.Simulator)
	assert.Equal(t, "beam-1", frame.SourceID)
	assert.InDelta(t, 5, frame.Performance.Speed, 1e-9)
	assert.InDelta(t, 0.9, frame.Controls.Throttle, 1e-9)
	assert.Equal(t, 3, frame.Controls.Gear)
	assert.InDelta(t, 92, frame.Environment["engine_temp"], 1e-9)
	assert.InDelta(t, 2.0, frame.Environment["tire_pressure_rr"], 1e-9)
}

func TestRun_DecodesSocketFrames(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	defer listener.Close()

	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			return
		}

		defer conn.Close()

		enc := json.NewEncoder(conn)
		_ = enc.Encode(vehicleState{EngineRPM: 3000, Gear: 2})
		_, _ = conn.Write([]byte("not json\n"))
		_ = enc.Encode(vehicleState{EngineRPM: 3100, Gear: 3})

		// Read back the command line the driver sends.
		line, readErr := bufio.NewReader(conn).ReadBytes('\n')
		if readErr == nil {
			var cmd map[string]any
			if json.Unmarshal(line, &cmd) == nil && cmd["action"] == "reset" {
				_ = enc.Encode(vehicleState{EngineRPM: 0, Gear: 0})
			}
		}
	}()

	d := NewDriver(Config{Addr: listener.Addr().String(), SourceID: "beam-1"})
	require.NoError(t, d.Open(context.Background()))

	t.Cleanup(func() { _ = d.Close(context.Background()) })

	frames := make(chan connector.TelemetryFrame, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = d.Run(ctx, func(f connector.TelemetryFrame) { frames <- f })
	}()

	first := <-frames
	assert.InDelta(t, 3000, first.Performance.EngineRPM, 1e-9)

	// The foreign line is skipped; the next decoded frame follows.
	second := <-frames
	assert.Equal(t, 3, second.Controls.Gear)

	require.NoError(t, d.SendCommand(ctx, connector.Command{
		ID: "c1", Kind: "vehicle", Action: "reset",
	}))

	select {
	case third := <-frames:
		assert.Equal(t, 0, third.Controls.Gear)
	case <-time.After(2 * time.Second):
		t.Fatal("no acknowledgement frame after command")
	}
}
