package msfs

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synopticon/synopticon/pkg/connector"
)

// Defaults for the TCP transport.
const (
	DefaultAddr        = "127.0.0.1:500"
	defaultDialTimeout = 5 * time.Second
	appName            = "synopticon"
)

// flightDefineID is the data definition the driver registers for the
// default flight variable set.
const flightDefineID = 1

// flightRequestID tags the periodic sim object data request.
const flightRequestID = 1

// flightVars is the default flight data definition, in wire order. Each
// entry arrives as one FLOAT64 in SIMOBJECT_DATA frames.
var flightVars = []struct {
	name string
	unit string
}{
	{"PLANE LATITUDE", "degrees"},
	{"PLANE LONGITUDE", "degrees"},
	{"PLANE ALTITUDE", "feet"},
	{"PLANE HEADING DEGREES TRUE", "degrees"},
	{"AIRSPEED INDICATED", "knots"},
	{"VERTICAL SPEED", "feet per minute"},
	{"GENERAL ENG RPM:1", "rpm"},
	{"FUEL TOTAL QUANTITY", "gallons"},
}

// simObjectPreamble is the SIMOBJECT_DATA body before the variable block:
// requestID, objectID, defineID, flags, entryNumber, outOf, defineCount.
const simObjectPreamble = 28

// Config tunes the MSFS driver.
type Config struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	SourceID string `json:"source_id" mapstructure:"source_id"`
}

// Driver speaks SimConnect over TCP and normalizes SIMOBJECT_DATA frames.
type Driver struct {
	cfg       Config
	callIndex atomic.Uint32

	mu   sync.Mutex
	conn net.Conn
}

// NewDriver creates an MSFS driver.
func NewDriver(cfg Config) *Driver {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	return &Driver{cfg: cfg}
}

func (d *Driver) Simulator() string { return "msfs" }

// Open dials the SimConnect endpoint, performs the open handshake, and
// registers the default flight data definition.
func (d *Driver) Open(ctx context.Context) error {
	dialer := net.Dialer{Timeout: defaultDialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", d.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial simconnect %s: %w", d.cfg.Addr, err)
	}

	err = writeMessage(conn, ReqOpen, d.nextCall(), fixedString(appName, 256))
	if err != nil {
		_ = conn.Close()

		return err
	}

	err = d.defineFlightData(conn)
	if err != nil {
		_ = conn.Close()

		return err
	}

	err = d.requestFlightData(conn)
	if err != nil {
		_ = conn.Close()

		return err
	}

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	return nil
}

// defineFlightData registers every default flight variable under one
// definition id.
func (d *Driver) defineFlightData(conn net.Conn) error {
	for _, v := range flightVars {
		body := make([]byte, 0, 4+256+256+4+4)
		body = binary.LittleEndian.AppendUint32(body, flightDefineID)
		body = append(body, fixedString(v.name, 256)...)
		body = append(body, fixedString(v.unit, 256)...)
		body = binary.LittleEndian.AppendUint32(body, DataTypeFloat64)
		body = binary.LittleEndian.AppendUint32(body, 0)

		err := writeMessage(conn, ReqAddToDataDefinition, d.nextCall(), body)
		if err != nil {
			return fmt.Errorf("add data definition %q: %w", v.name, err)
		}
	}

	return nil
}

// requestFlightData asks for the flight definition every sim frame.
func (d *Driver) requestFlightData(conn net.Conn) error {
	body := make([]byte, 0, 24)
	body = binary.LittleEndian.AppendUint32(body, flightRequestID)
	body = binary.LittleEndian.AppendUint32(body, flightDefineID)
	body = binary.LittleEndian.AppendUint32(body, 0) // user aircraft
	body = binary.LittleEndian.AppendUint32(body, 3) // period: sim frame
	body = binary.LittleEndian.AppendUint32(body, 0) // flags
	body = binary.LittleEndian.AppendUint32(body, 0) // origin

	err := writeMessage(conn, ReqRequestDataOnSimObject, d.nextCall(), body)
	if err != nil {
		return fmt.Errorf("request flight data: %w", err)
	}

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
		return fmt.Errorf("close simconnect: %w", err)
	}

	return nil
}

// Run decodes incoming messages until the context ends or the stream
// breaks. QUIT from the simulator counts as link loss.
func (d *Driver) Run(ctx context.Context, emit func(connector.TelemetryFrame)) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	if conn == nil {
		return errors.New("simconnect not open")
	}

	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		h, body, err := readMessage(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		switch h.ID {
		case RecvSimObjectData, RecvSimObjectDataByType:
			frame, ok := d.decodeFlightFrame(body)
			if ok {
				emit(frame)
			}
		case RecvException:
			code := binary.LittleEndian.Uint32(body)
			text, known := exceptionText[code]

			if !known {
				text = fmt.Sprintf("code %d", code)
			}

			return fmt.Errorf("simconnect exception: %s", text)
		case RecvQuit:
			return errors.New("simulator quit")
		}
	}
}

// decodeFlightFrame parses a SIMOBJECT_DATA body for the flight
// definition into the canonical frame.
func (d *Driver) decodeFlightFrame(body []byte) (connector.TelemetryFrame, bool) {
	want := simObjectPreamble + len(flightVars)*8
	if len(body) < want {
		return connector.TelemetryFrame{}, false
	}

	if binary.LittleEndian.Uint32(body) != flightRequestID {
		return connector.TelemetryFrame{}, false
	}

	values := make([]float64, len(flightVars))
	for i := range values {
		bits := binary.LittleEndian.Uint64(body[simObjectPreamble+i*8:])
		values[i] = math.Float64frombits(bits)
	}

	lat, lon, alt := values[0], values[1], values[2]
	heading, ias, vs := values[3], values[4], values[5]
	rpm, fuel := values[6], values[7]

	return connector.TelemetryFrame{
		Timestamp: time.Now().UnixMicro(),
		SourceID:  d.cfg.SourceID,
		Simulator: d.Simulator(),
		Vehicle: connector.Vehicle{
			Position: [3]float64{lat, lon, alt},
			Velocity: [3]float64{0, 0, vs / 60}, // fpm to fps
			Heading:  heading,
		},
		Performance: connector.Performance{
			Speed:     ias,
			Fuel:      fuel,
			EngineRPM: rpm,
		},
		Environment: map[string]float64{
			"vertical_speed_fpm": vs,
		},
	}, true
}

// SendCommand writes flight variables through SET_DATA_ON_SIM_OBJECT.
func (d *Driver) SendCommand(_ context.Context, cmd connector.Command) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	if conn == nil {
		return errors.New("simconnect not open")
	}

	value, err := commandValue(cmd)
	if err != nil {
		return err
	}

	body := make([]byte, 0, 24+8)
	body = binary.LittleEndian.AppendUint32(body, flightDefineID)
	body = binary.LittleEndian.AppendUint32(body, 0) // user aircraft
	body = binary.LittleEndian.AppendUint32(body, 0) // flags
	body = binary.LittleEndian.AppendUint32(body, 0) // array count
	body = binary.LittleEndian.AppendUint32(body, 8) // unit size
	body = binary.LittleEndian.AppendUint64(body, math.Float64bits(value))

	return writeMessage(conn, ReqSetDataOnSimObject, d.nextCall(), body)
}

func commandValue(cmd connector.Command) (float64, error) {
	raw, ok := cmd.Parameters["value"]
	if !ok {
		return 0, fmt.Errorf("command %s: missing value parameter", cmd.ID)
	}

	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("command %s: value must be numeric", cmd.ID)
	}
}

func (d *Driver) Capabilities() []connector.Capability {
	return []connector.Capability{
		{Kind: "flight_controls", Action: "set_throttle", Description: "set engine throttle ratio"},
		{Kind: "flight_controls", Action: "set_heading_bug", Description: "set autopilot heading bug"},
		{Kind: "simulation", Action: "set_variable", Description: "write one simulation variable"},
	}
}

func (d *Driver) nextCall() uint32 {
	return d.callIndex.Add(1)
}

// MockProfile is the deterministic fallback generator: a traffic pattern
// around Seattle-Tacoma at 3500 ft.
func MockProfile() connector.Profile {
	return connector.CircuitProfile(47.45, -122.31, 3500)
}
