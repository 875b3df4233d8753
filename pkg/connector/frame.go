package connector

// Vehicle is the spatial state of the simulated vehicle. Position is
// latitude, longitude, altitude for flight simulators and world x, y, z
// for driving simulators; the Simulator field of the frame disambiguates.
type Vehicle struct {
	Position [3]float64 `json:"position"`
	Velocity [3]float64 `json:"velocity"`
	Rotation [4]float64 `json:"rotation"`
	Heading  float64    `json:"heading"`
}

// Controls is the pilot or driver input state.
type Controls struct {
	Throttle float64            `json:"throttle"`
	Brake    float64            `json:"brake"`
	Steering float64            `json:"steering"`
	Gear     int                `json:"gear"`
	Custom   map[string]float64 `json:"custom,omitempty"`
}

// Performance aggregates powertrain and airframe readouts.
type Performance struct {
	Speed     float64 `json:"speed"`
	Fuel      float64 `json:"fuel"`
	EngineRPM float64 `json:"engine_rpm"`
	Damage    float64 `json:"damage"`
}

// TelemetryFrame is the canonical frame every driver normalizes to,
// regardless of the native wire protocol.
type TelemetryFrame struct {
	// Timestamp is the capture time in microseconds.
	Timestamp int64  `json:"timestamp"`
	Sequence  uint64 `json:"sequence"`
	SourceID  string `json:"source_id"`
	Simulator string `json:"simulator"`

	Vehicle     Vehicle            `json:"vehicle"`
	Controls    Controls           `json:"controls"`
	Performance Performance        `json:"performance"`
	Environment map[string]float64 `json:"environment,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}
