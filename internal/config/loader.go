package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".synopticon"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for synopticon settings.
const envPrefix = "SYNOPTICON"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Defaults applied before any file or environment value is read.
const (
	DefaultListenAddr        = ":8080"
	DefaultHeartbeatSec      = 2
	DefaultStrategy          = "buffer_based"
	DefaultToleranceMs       = 50
	DefaultMinConfidence     = 0.3
	DefaultTriggerMode       = "on_sample"
	DefaultIntervalMs        = 33
	DefaultBufferCapacity    = 1000
	DefaultBufferWindowMs    = 10_000
	DefaultQueueDepth        = 512
	DefaultDegradedThreshold = 5
	DefaultTimeoutSec        = 30
	DefaultMaxConcurrent     = 4
	DefaultMaxRetries        = 3
	DefaultInitialDelayMs    = 100
	DefaultMaxDelayMs        = 5000
	DefaultBackoffMultiplier = 2.0
	DefaultReconnectDelayMs  = 3000
	DefaultRecordingDir      = "recordings"
)

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("server.listen_addr", DefaultListenAddr)
	viperCfg.SetDefault("server.api_key", "")
	viperCfg.SetDefault("server.heartbeat_sec", DefaultHeartbeatSec)

	viperCfg.SetDefault("sync.strategy", DefaultStrategy)
	viperCfg.SetDefault("sync.tolerance_ms", DefaultToleranceMs)
	viperCfg.SetDefault("sync.min_confidence", DefaultMinConfidence)
	viperCfg.SetDefault("sync.trigger_mode", DefaultTriggerMode)
	viperCfg.SetDefault("sync.interval_ms", DefaultIntervalMs)
	viperCfg.SetDefault("sync.buffer_capacity", DefaultBufferCapacity)
	viperCfg.SetDefault("sync.buffer_window_ms", DefaultBufferWindowMs)

	viperCfg.SetDefault("distribution.templates_file", "")
	viperCfg.SetDefault("distribution.queue_depth", DefaultQueueDepth)
	viperCfg.SetDefault("distribution.degraded_threshold", DefaultDegradedThreshold)

	viperCfg.SetDefault("pipeline.timeout_sec", DefaultTimeoutSec)
	viperCfg.SetDefault("pipeline.max_concurrent", DefaultMaxConcurrent)
	viperCfg.SetDefault("pipeline.max_retries", DefaultMaxRetries)
	viperCfg.SetDefault("pipeline.initial_delay_ms", DefaultInitialDelayMs)
	viperCfg.SetDefault("pipeline.max_delay_ms", DefaultMaxDelayMs)
	viperCfg.SetDefault("pipeline.backoff_multiplier", DefaultBackoffMultiplier)

	viperCfg.SetDefault("recording.dir", DefaultRecordingDir)
	viperCfg.SetDefault("recording.compress", false)

	for _, sim := range []string{"msfs", "xplane", "vatsim", "beamng"} {
		viperCfg.SetDefault("connectors."+sim+".use_native_protocol", true)
		viperCfg.SetDefault("connectors."+sim+".fallback_to_mock", true)
		viperCfg.SetDefault("connectors."+sim+".auto_reconnect", true)
		viperCfg.SetDefault("connectors."+sim+".reconnect_delay_ms", DefaultReconnectDelayMs)
	}
}
