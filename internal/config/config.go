// Package config loads and validates the synopticon configuration from
// file, environment, and defaults.
package config

import "errors"

// Config is the top-level configuration struct for synopticon.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Distribution DistributionConfig `mapstructure:"distribution"`
	Connectors   ConnectorsConfig   `mapstructure:"connectors"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Recording    RecordingConfig    `mapstructure:"recording"`
}

// ServerConfig holds the HTTP/WebSocket API settings.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	// APIKey guards the /api surface; empty disables authentication.
	APIKey string `mapstructure:"api_key"`
	// HeartbeatSec is the WebSocket status push cadence in seconds.
	HeartbeatSec int `mapstructure:"heartbeat_sec"`
}

// SyncConfig holds synchronization engine settings.
type SyncConfig struct {
	// Strategy selects the temporal aligner: hardware, software,
	// buffer_based, or event_driven.
	Strategy string `mapstructure:"strategy"`
	// ToleranceMs is the maximum sample-to-target distance in milliseconds.
	ToleranceMs int `mapstructure:"tolerance_ms"`
	// MinConfidence is the pass-quality floor; passes below it score zero.
	MinConfidence float64 `mapstructure:"min_confidence"`
	// TriggerMode is on_sample or interval.
	TriggerMode string `mapstructure:"trigger_mode"`
	// IntervalMs is the alignment cadence for interval mode.
	IntervalMs int `mapstructure:"interval_ms"`
	// BufferCapacity and BufferWindowMs size per-stream buffers.
	BufferCapacity int `mapstructure:"buffer_capacity"`
	BufferWindowMs int `mapstructure:"buffer_window_ms"`
}

// DistributionConfig holds session manager settings.
type DistributionConfig struct {
	// TemplatesFile is a YAML document of predefined session templates.
	TemplatesFile string `mapstructure:"templates_file"`
	// QueueDepth is the default per-distributor outbound queue bound.
	QueueDepth int `mapstructure:"queue_depth"`
	// DegradedThreshold is the default consecutive-failure count before a
	// distributor is marked degraded.
	DegradedThreshold int `mapstructure:"degraded_threshold"`
}

// ConnectorsConfig holds per-simulator connector settings.
type ConnectorsConfig struct {
	MSFS   ConnectorConfig `mapstructure:"msfs"`
	XPlane ConnectorConfig `mapstructure:"xplane"`
	VATSIM ConnectorConfig `mapstructure:"vatsim"`
	BeamNG ConnectorConfig `mapstructure:"beamng"`
}

// ConnectorConfig holds one simulator connector's settings.
type ConnectorConfig struct {
	UseNativeProtocol bool   `mapstructure:"use_native_protocol"`
	FallbackToMock    bool   `mapstructure:"fallback_to_mock"`
	AutoReconnect     bool   `mapstructure:"auto_reconnect"`
	ReconnectDelayMs  int    `mapstructure:"reconnect_delay_ms"`
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	// UpdateRateHz is the mock generator frame rate.
	UpdateRateHz float64 `mapstructure:"update_rate_hz"`
}

// PipelineConfig holds orchestrator settings.
type PipelineConfig struct {
	// TimeoutSec bounds one pipeline execution.
	TimeoutSec int `mapstructure:"timeout_sec"`
	// MaxConcurrent bounds the parallel execution strategy.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// MaxRetries, InitialDelayMs, MaxDelayMs, and BackoffMultiplier shape
	// the retry policy.
	MaxRetries        int     `mapstructure:"max_retries"`
	InitialDelayMs    int     `mapstructure:"initial_delay_ms"`
	MaxDelayMs        int     `mapstructure:"max_delay_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
}

// RecordingConfig holds event recording settings.
type RecordingConfig struct {
	// Dir is where recording files are written when a request gives a
	// relative path.
	Dir string `mapstructure:"dir"`
	// Compress enables lz4 frame compression for new recordings.
	Compress bool `mapstructure:"compress"`
}

// Sentinel errors for configuration validation.
var (
	// ErrInvalidListenAddr indicates the server listen address is empty.
	ErrInvalidListenAddr = errors.New("server.listen_addr must not be empty")
	// ErrInvalidHeartbeat indicates the heartbeat cadence is negative.
	ErrInvalidHeartbeat = errors.New("server.heartbeat_sec must be non-negative")
	// ErrInvalidStrategy indicates an unknown alignment strategy name.
	ErrInvalidStrategy = errors.New("sync.strategy must be one of hardware, software, buffer_based, event_driven")
	// ErrInvalidTolerance indicates the tolerance is not positive.
	ErrInvalidTolerance = errors.New("sync.tolerance_ms must be positive")
	// ErrInvalidMinConfidence indicates the confidence floor is out of range.
	ErrInvalidMinConfidence = errors.New("sync.min_confidence must be between 0 and 1")
	// ErrInvalidTriggerMode indicates an unknown trigger mode.
	ErrInvalidTriggerMode = errors.New("sync.trigger_mode must be on_sample or interval")
	// ErrInvalidInterval indicates the interval is not positive.
	ErrInvalidInterval = errors.New("sync.interval_ms must be positive")
	// ErrInvalidBufferCapacity indicates the buffer capacity is not positive.
	ErrInvalidBufferCapacity = errors.New("sync.buffer_capacity must be positive")
	// ErrInvalidQueueDepth indicates the queue depth is negative.
	ErrInvalidQueueDepth = errors.New("distribution.queue_depth must be non-negative")
	// ErrInvalidTimeout indicates the pipeline timeout is negative.
	ErrInvalidTimeout = errors.New("pipeline.timeout_sec must be non-negative")
	// ErrInvalidMaxConcurrent indicates the parallel bound is negative.
	ErrInvalidMaxConcurrent = errors.New("pipeline.max_concurrent must be non-negative")
	// ErrInvalidBackoff indicates the backoff multiplier is below one.
	ErrInvalidBackoff = errors.New("pipeline.backoff_multiplier must be at least 1")
)

// knownStrategies is the closed set of aligner strategy names.
var knownStrategies = map[string]bool{
	"hardware":     true,
	"software":     true,
	"buffer_based": true,
	"event_driven": true,
}

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	serverErr := c.validateServer()
	if serverErr != nil {
		return serverErr
	}

	syncErr := c.validateSync()
	if syncErr != nil {
		return syncErr
	}

	return c.validatePipeline()
}

func (c *Config) validateServer() error {
	if c.Server.ListenAddr == "" {
		return ErrInvalidListenAddr
	}

	if c.Server.HeartbeatSec < 0 {
		return ErrInvalidHeartbeat
	}

	if c.Distribution.QueueDepth < 0 {
		return ErrInvalidQueueDepth
	}

	return nil
}

func (c *Config) validateSync() error {
	if !knownStrategies[c.Sync.Strategy] {
		return ErrInvalidStrategy
	}

	if c.Sync.ToleranceMs <= 0 {
		return ErrInvalidTolerance
	}

	if c.Sync.MinConfidence < 0 || c.Sync.MinConfidence > 1 {
		return ErrInvalidMinConfidence
	}

	if c.Sync.TriggerMode != "on_sample" && c.Sync.TriggerMode != "interval" {
		return ErrInvalidTriggerMode
	}

	if c.Sync.IntervalMs <= 0 {
		return ErrInvalidInterval
	}

	if c.Sync.BufferCapacity <= 0 {
		return ErrInvalidBufferCapacity
	}

	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.TimeoutSec < 0 {
		return ErrInvalidTimeout
	}

	if c.Pipeline.MaxConcurrent < 0 {
		return ErrInvalidMaxConcurrent
	}

	if c.Pipeline.BackoffMultiplier != 0 && c.Pipeline.BackoffMultiplier < 1 {
		return ErrInvalidBackoff
	}

	return nil
}
