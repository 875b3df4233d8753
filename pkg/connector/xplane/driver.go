// Package xplane binds X-Plane through its UDP DataRef protocol: RREF
// subscriptions for telemetry in, DREF writes for commands out.
package xplane

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/synopticon/synopticon/pkg/connector"
)

// Defaults for the UDP transport.
const (
	DefaultAddr      = "127.0.0.1:49000"
	DefaultFrequency = 30 // RREF samples per second
)

// Wire constants. RREF requests are 413 bytes: tag, freq, index, padded
// name. DREF writes are 509 bytes: tag, value, padded name.
const (
	rrefRequestSize = 413
	drefRequestSize = 509
	rrefNameWidth   = 400
	drefNameWidth   = 500
	readBufferSize  = 2048
)

// defaultDataRefs is the subscription set, in index order.
var defaultDataRefs = []string{
	"sim/flightmodel/position/latitude",
	"sim/flightmodel/position/longitude",
	"sim/flightmodel/position/elevation",
	"sim/flightmodel/position/psi",
	"sim/flightmodel/position/indicated_airspeed",
	"sim/flightmodel/position/vh_ind",
	"sim/flightmodel/controls/throttle_ratio",
	"sim/flightmodel/controls/rudder_deflection_aero",
}

// DataRef value slots, matching defaultDataRefs order.
const (
	refLatitude = iota
	refLongitude
	refElevation
	refHeading
	refAirspeed
	refVerticalSpeed
	refThrottle
	refRudder
)

// Config tunes the X-Plane driver.
type Config struct {
	Addr      string `json:"addr" mapstructure:"addr"`
	SourceID  string `json:"source_id" mapstructure:"source_id"`
	Frequency int    `json:"frequency" mapstructure:"frequency"`
}

// Driver subscribes to DataRefs over UDP and assembles frames from RREF
// responses.
type Driver struct {
	cfg Config

	mu     sync.Mutex
	conn   *net.UDPConn
	values []float64
	seen   []bool
}

// NewDriver creates an X-Plane driver.
func NewDriver(cfg Config) *Driver {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	if cfg.Frequency <= 0 {
		cfg.Frequency = DefaultFrequency
	}

	return &Driver{
		cfg:    cfg,
		values: make([]float64, len(defaultDataRefs)),
		seen:   make([]bool, len(defaultDataRefs)),
	}
}

func (d *Driver) Simulator() string { return "xplane" }

// Open dials the simulator and sends one RREF subscription per DataRef.
func (d *Driver) Open(_ context.Context) error {
	raddr, err := net.ResolveUDPAddr("udp", d.cfg.Addr)
	if err != nil {
		return fmt.Errorf("resolve x-plane %s: %w", d.cfg.Addr, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("dial x-plane %s: %w", d.cfg.Addr, err)
	}

	for index, name := range defaultDataRefs {
		_, err = conn.Write(rrefRequest(uint32(d.cfg.Frequency), uint32(index), name))
		if err != nil {
			_ = conn.Close()

			return fmt.Errorf("subscribe dataref %s: %w", name, err)
		}
	}

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	return nil
}

// rrefRequest builds one RREF subscription packet:
// "RREF\0" + freq(u32) + index(u32) + name + NUL padding.
func rrefRequest(freq, index uint32, name string) []byte {
	buf := make([]byte, rrefRequestSize)
	copy(buf, "RREF\x00")
	binary.LittleEndian.PutUint32(buf[5:], freq)
	binary.LittleEndian.PutUint32(buf[9:], index)
	copy(buf[13:13+rrefNameWidth], name)

	return buf
}

// drefRequest builds one DREF write packet:
// "DREF\0" + value(f32) + name + NUL padding.
func drefRequest(value float32, name string) []byte {
	buf := make([]byte, drefRequestSize)
	copy(buf, "DREF\x00")
	binary.LittleEndian.PutUint32(buf[5:], math.Float32bits(value))
	copy(buf[9:9+drefNameWidth], name)

	return buf
}

func (d *Driver) Close(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}

	// Zero-frequency resubscription tells the simulator to stop sending.
	for index, name := range defaultDataRefs {
		_, _ = d.conn.Write(rrefRequest(0, uint32(index), name))
	}

	err := d.conn.Close()
	d.conn = nil

	if err != nil {
		return fmt.Errorf("close x-plane: %w", err)
	}

	return nil
}

// Run reads RREF response packets and emits a frame once every DataRef
// slot has been seen at least once, then on every packet.
func (d *Driver) Run(ctx context.Context, emit func(connector.TelemetryFrame)) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	if conn == nil {
		return errors.New("x-plane not open")
	}

	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	buf := make([]byte, readBufferSize)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("read x-plane: %w", err)
		}

		if !d.applyPacket(buf[:n]) {
			continue
		}

		emit(d.frame())
	}
}

// applyPacket decodes one RREF response: "RREF," then (index i32,
// value f32) pairs. Returns whether every slot has a value yet.
func (d *Driver) applyPacket(pkt []byte) bool {
	if len(pkt) < 5 || string(pkt[:4]) != "RREF" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for off := 5; off+8 <= len(pkt); off += 8 {
		index := int(int32(binary.LittleEndian.Uint32(pkt[off:])))
		value := math.Float32frombits(binary.LittleEndian.Uint32(pkt[off+4:]))

		if index < 0 || index >= len(d.values) {
			continue
		}

		d.values[index] = float64(value)
		d.seen[index] = true
	}

	for _, ok := range d.seen {
		if !ok {
			return false
		}
	}

	return true
}

func (d *Driver) frame() connector.TelemetryFrame {
	d.mu.Lock()
	values := append([]float64(nil), d.values...)
	d.mu.Unlock()

	return connector.TelemetryFrame{
		Timestamp: time.Now().UnixMicro(),
		SourceID:  d.cfg.SourceID,
		Simulator: d.Simulator(),
		Vehicle: connector.Vehicle{
			Position: [3]float64{values[refLatitude], values[refLongitude], values[refElevation]},
			Velocity: [3]float64{0, 0, values[refVerticalSpeed]},
			Heading:  values[refHeading],
		},
		Controls: connector.Controls{
			Throttle: values[refThrottle],
			Custom:   map[string]float64{"rudder_deflection": values[refRudder]},
		},
		Performance: connector.Performance{
			Speed: values[refAirspeed],
		},
	}
}

// throttleDataRef is the writable all-engines throttle actuator.
const throttleDataRef = "sim/cockpit2/engine/actuators/throttle_ratio_all"

// actionDataRefs maps advertised command actions onto their DataRefs. An
// explicit dataref parameter still wins.
var actionDataRefs = map[string]string{
	"set_throttle": throttleDataRef,
}

// SendCommand writes a DataRef. The target is the dataref parameter when
// present, otherwise the DataRef bound to the command action.
func (d *Driver) SendCommand(_ context.Context, cmd connector.Command) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	if conn == nil {
		return errors.New("x-plane not open")
	}

	name, ok := cmd.Parameters["dataref"].(string)
	if !ok || name == "" {
		name = actionDataRefs[cmd.Action]
	}

	if name == "" {
		return fmt.Errorf("command %s: missing dataref parameter", cmd.ID)
	}

	value, ok := cmd.Parameters["value"].(float64)
	if !ok {
		return fmt.Errorf("command %s: missing numeric value parameter", cmd.ID)
	}

	_, err := conn.Write(drefRequest(float32(value), name))
	if err != nil {
		return fmt.Errorf("write dataref %s: %w", name, err)
	}

	return nil
}

func (d *Driver) Capabilities() []connector.Capability {
	return []connector.Capability{
		{Kind: "dataref", Action: "write", Description: "write one DataRef value"},
		{Kind: "flight_controls", Action: "set_throttle", Description: "write the throttle ratio DataRef"},
	}
}

// MockProfile is the deterministic fallback generator: a circuit over
// Innsbruck at 8000 ft.
func MockProfile() connector.Profile {
	return connector.CircuitProfile(47.26, 11.34, 8000)
}
