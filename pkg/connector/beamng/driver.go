// Package beamng binds BeamNG.drive through its TCP JSON telemetry socket.
package beamng

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/synopticon/synopticon/pkg/connector"
)

// DefaultAddr is the stock telemetry socket.
const DefaultAddr = "127.0.0.1:64256"

const (
	dialTimeout  = 5 * time.Second
	maxLineBytes = 1 << 20
)

// vehicleState is one JSON frame off the socket.
type vehicleState struct {
	Position      [3]float64 `json:"position"`
	Velocity      [3]float64 `json:"velocity"`
	Acceleration  [3]float64 `json:"acceleration"`
	Rotation      [4]float64 `json:"rotation"`
	WheelSpeed    [4]float64 `json:"wheelSpeed"`
	EngineRPM     float64    `json:"engineRpm"`
	ThrottleInput float64    `json:"throttleInput"`
	BrakeInput    float64    `json:"brakeInput"`
	SteeringInput float64    `json:"steeringInput"`
	ClutchInput   float64    `json:"clutchInput"`
	Gear          int        `json:"gear"`
	Fuel          float64    `json:"fuel"`
	Damage        float64    `json:"damage"`
	EngineTemp    float64    `json:"engineTemp"`
	WheelTemp     [4]float64 `json:"wheelTemp"`
	TirePressure  [4]float64 `json:"tirePressure"`
}

// Config tunes the BeamNG driver.
type Config struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	SourceID string `json:"source_id" mapstructure:"source_id"`
}

// Driver reads newline-delimited JSON vehicle state frames over TCP.
type Driver struct {
	cfg Config

	mu   sync.Mutex
	conn net.Conn
}

// NewDriver creates a BeamNG driver.
func NewDriver(cfg Config) *Driver {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	return &Driver{cfg: cfg}
}

func (d *Driver) Simulator() string { return "beamng" }

func (d *Driver) Open(ctx context.Context) error {
	dialer := net.Dialer{Timeout: dialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", d.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial beamng %s: %w", d.cfg.Addr, err)
	}

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	return nil
}

func (d *Driver) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}

	err := d.conn.Close()
	d.conn = nil

	if err != nil {
		return fmt.Errorf("close beamng: %w", err)
	}

	return nil
}

// Run decodes vehicle state lines until the context ends or the stream
// breaks.
func (d *Driver) Run(ctx context.Context, emit func(connector.TelemetryFrame)) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	if conn == nil {
		return errors.New("beamng not open")
	}

	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		var state vehicleState

		err := json.Unmarshal(scanner.Bytes(), &state)
		if err != nil {
			// Partial or foreign lines are skipped, not fatal.
			continue
		}

		emit(d.frame(state))
	}

	if ctx.Err() != nil {
		return nil
	}

	err := scanner.Err()
	if err != nil {
		return fmt.Errorf("read beamng: %w", err)
	}

	return errors.New("beamng socket closed")
}

func (d *Driver) frame(state vehicleState) connector.TelemetryFrame {
	return connector.TelemetryFrame{
		Timestamp: time.Now().UnixMicro(),
		SourceID:  d.cfg.SourceID,
		Simulator: d.Simulator(),
		Vehicle: connector.Vehicle{
			Position: state.Position,
			Velocity: state.Velocity,
			Rotation: state.Rotation,
		},
		Controls: connector.Controls{
			Throttle: state.ThrottleInput,
			Brake:    state.BrakeInput,
			Steering: state.SteeringInput,
			Gear:     state.Gear,
			Custom: map[string]float64{
				"clutch": state.ClutchInput,
			},
		},
		Performance: connector.Performance{
			Speed:     speedFrom(state.Velocity),
			Fuel:      state.Fuel,
			EngineRPM: state.EngineRPM,
			Damage:    state.Damage,
		},
		Environment: map[string]float64{
			"engine_temp":      state.EngineTemp,
			"wheel_speed_fl":   state.WheelSpeed[0],
			"wheel_speed_fr":   state.WheelSpeed[1],
			"wheel_speed_rl":   state.WheelSpeed[2],
			"wheel_speed_rr":   state.WheelSpeed[3],
			"tire_pressure_fl": state.TirePressure[0],
			"tire_pressure_fr": state.TirePressure[1],
			"tire_pressure_rl": state.TirePressure[2],
			"tire_pressure_rr": state.TirePressure[3],
		},
	}
}

func speedFrom(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

// SendCommand writes the command as one JSON line. BeamNG's scripting
// bridge echoes acknowledgements as regular frames.
func (d *Driver) SendCommand(_ context.Context, cmd connector.Command) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	if conn == nil {
		return errors.New("beamng not open")
	}

	body, err := json.Marshal(map[string]any{
		"id":         cmd.ID,
		"kind":       cmd.Kind,
		"action":     cmd.Action,
		"parameters": cmd.Parameters,
	})
	if err != nil {
		return fmt.Errorf("encode beamng command: %w", err)
	}

	_, err = conn.Write(append(body, '\n'))
	if err != nil {
		return fmt.Errorf("write beamng command: %w", err)
	}

	return nil
}

func (d *Driver) Capabilities() []connector.Capability {
	return []connector.Capability{
		{Kind: "vehicle", Action: "reset", Description: "reset vehicle to spawn point"},
		{Kind: "vehicle", Action: "teleport", Description: "move vehicle to coordinates"},
		{Kind: "scenario", Action: "restart", Description: "restart the active scenario"},
	}
}

// MockProfile is the deterministic fallback generator: laps on an oval
// track.
func MockProfile() connector.Profile {
	return connector.TrackProfile()
}
