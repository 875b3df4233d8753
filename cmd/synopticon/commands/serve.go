// Package commands implements the synopticon CLI commands.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/synopticon/synopticon/internal/api"
	"github.com/synopticon/synopticon/internal/config"
	"github.com/synopticon/synopticon/pkg/align"
	"github.com/synopticon/synopticon/pkg/connector"
	"github.com/synopticon/synopticon/pkg/connector/beamng"
	"github.com/synopticon/synopticon/pkg/connector/msfs"
	"github.com/synopticon/synopticon/pkg/connector/vatsim"
	"github.com/synopticon/synopticon/pkg/connector/xplane"
	"github.com/synopticon/synopticon/pkg/distribution"
	"github.com/synopticon/synopticon/pkg/observability"
	"github.com/synopticon/synopticon/pkg/pipeline"
	"github.com/synopticon/synopticon/pkg/recording"
	"github.com/synopticon/synopticon/pkg/syncengine"
	"github.com/synopticon/synopticon/pkg/version"
)

// NewServeCommand creates the server command.
func NewServeCommand() *cobra.Command {
	var (
		configPath string
		listenAddr string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the synchronization and distribution server",
		Long: `Start the Synopticon server: the sync engine, the distribution session
manager, the simulator connectors, the pipeline orchestrator, and the
HTTP/WebSocket API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}

			providers, err := initServeObservability(debug)
			if err != nil {
				return err
			}

			defer func() {
				shutdownErr := providers.Shutdown(context.Background())
				if shutdownErr != nil {
					providers.Logger.Warn("observability shutdown failed", "error", shutdownErr)
				}
			}()

			ctx, stop := signal.NotifyContext(cobraCmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServer(ctx, cfg, providers)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address override")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	return cmd
}

func initServeObservability(debug bool) (observability.Providers, error) {
	cfg := observability.DefaultConfig()
	cfg.ServiceVersion = version.Version
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.OTLPHeaders = observability.ParseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	cfg.OTLPInsecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	cfg.Mode = observability.ModeServe
	cfg.LogJSON = true

	if debug {
		cfg.LogLevel = slog.LevelDebug
		cfg.DebugTrace = true
	}

	return observability.Init(cfg)
}

// stateRelay forwards distributor state changes to a late-bound sink. The
// distribution manager takes its observer at construction time, before the
// API server that consumes the changes exists.
type stateRelay struct {
	mu   sync.RWMutex
	sink func(distribution.StateChange)
}

func (sr *stateRelay) observe(change distribution.StateChange) {
	sr.mu.RLock()
	sink := sr.sink
	sr.mu.RUnlock()

	if sink != nil {
		sink(change)
	}
}

func (sr *stateRelay) bind(sink func(distribution.StateChange)) {
	sr.mu.Lock()
	sr.sink = sink
	sr.mu.Unlock()
}

func runServer(ctx context.Context, cfg *config.Config, providers observability.Providers) error {
	logger := providers.Logger

	metrics, err := observability.NewStreamMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("stream metrics: %w", err)
	}

	red, err := observability.NewREDMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("red metrics: %w", err)
	}

	engine := syncengine.New(syncengine.Config{
		Strategy:        alignStrategy(cfg.Sync.Strategy),
		ToleranceMicros: int64(cfg.Sync.ToleranceMs) * 1000,
		MinConfidence:   cfg.Sync.MinConfidence,
		Mode:            syncengine.TriggerMode(cfg.Sync.TriggerMode),
		Interval:        time.Duration(cfg.Sync.IntervalMs) * time.Millisecond,
		Logger:          logger,
	})

	relay := &stateRelay{}

	manager := distribution.NewManager(logger, distribution.WithObserver(relay.observe))

	// Synchronized tuples fan out to every session that routes the
	// participating source kinds.
	engine.Subscribe(func(tuple align.Tuple) {
		metrics.RecordTuples(ctx, 1)

		for sourceID, part := range tuple.Parts {
			manager.Broadcast(sourceID, part.Sample)
		}

		manager.Broadcast("synchronized", tuple)
	})

	engine.Start()
	defer engine.Stop()

	templates := distribution.NewTemplateStore()

	if cfg.Distribution.TemplatesFile != "" {
		loadErr := templates.LoadFile(cfg.Distribution.TemplatesFile)
		if loadErr != nil {
			return fmt.Errorf("load templates: %w", loadErr)
		}
	}

	recordings := recording.NewStore()
	defer recordings.StopAll()

	sims := connector.NewManager(logger)
	registerDrivers(sims, cfg.Connectors, logger)

	defer sims.Shutdown(context.Background())

	registry := pipeline.NewRegistry(logger)
	orchestrator := pipeline.NewOrchestrator(registry, logger)

	srv, err := api.New(api.Config{
		ListenAddr:   cfg.Server.ListenAddr,
		APIKey:       cfg.Server.APIKey,
		Heartbeat:    time.Duration(cfg.Server.HeartbeatSec) * time.Second,
		RecordingDir: cfg.Recording.Dir,
		Version:      version.Version,
	}, api.Deps{
		Logger:       logger,
		Engine:       engine,
		Distribution: manager,
		Clients:      distribution.NewClientRegistry(),
		Templates:    templates,
		Simulators:   sims,
		Registry:     registry,
		Orchestrator: orchestrator,
		Recordings:   recordings,
		Tracer:       providers.Tracer,
		RED:          red,
	})
	if err != nil {
		return err
	}

	relay.bind(srv.OnStateChange)

	defer func() {
		shutdownErr := manager.Shutdown(context.Background())
		if shutdownErr != nil {
			logger.Warn("distribution shutdown failed", "error", shutdownErr)
		}
	}()

	logger.Info("synopticon starting",
		"version", version.Version,
		"listen", cfg.Server.ListenAddr,
		"strategy", cfg.Sync.Strategy,
		"trigger", cfg.Sync.TriggerMode)

	return srv.Run(ctx)
}

// alignStrategy maps the short configuration names onto the aligner
// strategy identifiers.
func alignStrategy(name string) align.Strategy {
	switch name {
	case "hardware":
		return align.StrategyHardware
	case "software":
		return align.StrategySoftware
	case "event_driven":
		return align.StrategyEventDriven
	default:
		return align.StrategyBufferBased
	}
}

// registerDrivers installs the builder for each simulator type. Builders
// run at connect time, so an unreachable simulator costs nothing until a
// client asks for it.
func registerDrivers(sims *connector.Manager, cfgs config.ConnectorsConfig, logger *slog.Logger) {
	addr := func(host string, port int) string {
		if host == "" {
			return ""
		}

		return net.JoinHostPort(host, strconv.Itoa(port))
	}

	sims.Register("msfs", func(cc connector.Config) (*connector.Connector, error) {
		merged := mergeConnectorConfig(cc, cfgs.MSFS, "msfs")
		driver := msfs.NewDriver(msfs.Config{Addr: addr(cfgs.MSFS.Host, cfgs.MSFS.Port), SourceID: merged.SourceID})

		return connector.New(driver, merged, logger), nil
	})

	sims.Register("xplane", func(cc connector.Config) (*connector.Connector, error) {
		merged := mergeConnectorConfig(cc, cfgs.XPlane, "xplane")
		driver := xplane.NewDriver(xplane.Config{Addr: addr(cfgs.XPlane.Host, cfgs.XPlane.Port), SourceID: merged.SourceID})

		return connector.New(driver, merged, logger), nil
	})

	sims.Register("vatsim", func(cc connector.Config) (*connector.Connector, error) {
		merged := mergeConnectorConfig(cc, cfgs.VATSIM, "vatsim")
		driver := vatsim.NewDriver(vatsim.Config{SourceID: merged.SourceID})

		return connector.New(driver, merged, logger), nil
	})

	sims.Register("beamng", func(cc connector.Config) (*connector.Connector, error) {
		merged := mergeConnectorConfig(cc, cfgs.BeamNG, "beamng")
		driver := beamng.NewDriver(beamng.Config{Addr: addr(cfgs.BeamNG.Host, cfgs.BeamNG.Port), SourceID: merged.SourceID})

		return connector.New(driver, merged, logger), nil
	})
}

// mergeConnectorConfig overlays the file-level connector defaults onto a
// per-request config. Request fields win where set.
func mergeConnectorConfig(req connector.Config, file config.ConnectorConfig, simType string) connector.Config {
	merged := req

	if merged.SourceID == "" {
		merged.SourceID = simType + "-telemetry"
	}

	if !merged.UseNativeProtocol {
		merged.UseNativeProtocol = file.UseNativeProtocol
	}

	if !merged.FallbackToMock {
		merged.FallbackToMock = file.FallbackToMock
	}

	if !merged.AutoReconnect {
		merged.AutoReconnect = file.AutoReconnect
	}

	if merged.ReconnectDelay <= 0 && file.ReconnectDelayMs > 0 {
		merged.ReconnectDelay = time.Duration(file.ReconnectDelayMs) * time.Millisecond
	}

	if merged.UpdateRateHz <= 0 {
		merged.UpdateRateHz = file.UpdateRateHz
	}

	return merged
}
