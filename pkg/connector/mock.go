package connector

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

// Profile generates one synthetic frame for the given tick. Generators are
// deterministic: the same tick always yields the same frame, so recorded
// mock sessions replay identically.
type Profile func(tick uint64, now time.Time) TelemetryFrame

// MockDriver is the synthetic fallback transport. It produces frames from
// a deterministic profile at a fixed rate and accepts every command its
// capability set advertises.
type MockDriver struct {
	simulator string
	profile   Profile
	rateHz    float64
	caps      []Capability
	clock     clock.Clock
}

// NewMockDriver creates a mock transport for one simulator.
func NewMockDriver(simulator string, profile Profile, rateHz float64, caps []Capability) *MockDriver {
	if rateHz <= 0 {
		rateHz = DefaultMockRateHz
	}

	return &MockDriver{
		simulator: simulator,
		profile:   profile,
		rateHz:    rateHz,
		caps:      caps,
		clock:     clock.New(),
	}
}

// SetClock injects a clock, for tests.
func (d *MockDriver) SetClock(clk clock.Clock) { d.clock = clk }

func (d *MockDriver) Simulator() string { return d.simulator }

func (d *MockDriver) Open(context.Context) error { return nil }

func (d *MockDriver) Close(context.Context) error { return nil }

// Run emits profile frames on a fixed ticker until the context ends.
func (d *MockDriver) Run(ctx context.Context, emit func(TelemetryFrame)) error {
	interval := time.Duration(float64(time.Second) / d.rateHz)
	ticker := d.clock.Ticker(interval)

	defer ticker.Stop()

	var tick uint64

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			frame := d.profile(tick, now)
			frame.Timestamp = now.UnixMicro()
			frame.Simulator = d.simulator

			if frame.Metadata == nil {
				frame.Metadata = map[string]string{}
			}

			frame.Metadata["data_mode"] = string(ModeMock)

			emit(frame)
			tick++
		}
	}
}

func (d *MockDriver) SendCommand(context.Context, Command) error { return nil }

func (d *MockDriver) Capabilities() []Capability { return d.caps }

// CircuitProfile is a reusable flight-style profile: the vehicle flies a
// circular pattern at a steady speed. Suitable default for flight
// simulator mocks.
func CircuitProfile(originLat, originLon, altitude float64) Profile {
	const (
		radiusDeg = 0.05
		periodS   = 120.0
		speedKts  = 140.0
	)

	return func(tick uint64, _ time.Time) TelemetryFrame {
		phase := 2 * math.Pi * math.Mod(float64(tick)/periodS, 1)

		return TelemetryFrame{
			Vehicle: Vehicle{
				Position: [3]float64{
					originLat + radiusDeg*math.Sin(phase),
					originLon + radiusDeg*math.Cos(phase),
					altitude,
				},
				Heading: math.Mod(phase*180/math.Pi+90, 360),
			},
			Controls: Controls{Throttle: 0.65},
			Performance: Performance{
				Speed:     speedKts,
				Fuel:      math.Max(0, 1-float64(tick)/100_000),
				EngineRPM: 2300,
			},
		}
	}
}

// TrackProfile is a reusable driving-style profile: the vehicle laps an
// oval with throttle and brake phases. Suitable default for driving
// simulator mocks.
func TrackProfile() Profile {
	const lapTicks = 600.0

	return func(tick uint64, _ time.Time) TelemetryFrame {
		phase := 2 * math.Pi * math.Mod(float64(tick)/lapTicks, 1)
		braking := math.Sin(phase) < -0.7

		throttle := 0.9
		brake := 0.0

		if braking {
			throttle = 0.0
			brake = 0.8
		}

		speed := 40 + 25*math.Cos(phase)

		return TelemetryFrame{
			Vehicle: Vehicle{
				Position: [3]float64{500 * math.Cos(phase), 200 * math.Sin(phase), 0},
				Velocity: [3]float64{-speed * math.Sin(phase), speed * math.Cos(phase), 0},
				Heading:  math.Mod(phase*180/math.Pi+90, 360),
			},
			Controls: Controls{
				Throttle: throttle,
				Brake:    brake,
				Steering: 0.2 * math.Sin(phase),
				Gear:     4,
			},
			Performance: Performance{
				Speed:     speed,
				Fuel:      math.Max(0, 1-float64(tick)/200_000),
				EngineRPM: 2000 + 3000*throttle,
			},
		}
	}
}
