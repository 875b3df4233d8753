// Package api exposes the distribution and telemetry surfaces over HTTP
// and WebSocket, mapping the stream-oriented public contract onto the
// session, connector, and pipeline machinery.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/synopticon/synopticon/pkg/connector"
	"github.com/synopticon/synopticon/pkg/distribution"
	"github.com/synopticon/synopticon/pkg/ingest"
	"github.com/synopticon/synopticon/pkg/observability"
	"github.com/synopticon/synopticon/pkg/pipeline"
	"github.com/synopticon/synopticon/pkg/recording"
	"github.com/synopticon/synopticon/pkg/syncengine"
)

// Config carries the server's own settings; component wiring comes in
// through Deps.
type Config struct {
	ListenAddr   string
	APIKey       string
	Heartbeat    time.Duration
	RecordingDir string
	Version      string
}

// Deps are the wired subsystems. Nil registries and stores are replaced
// with empty ones; a nil simulator manager disables the telemetry routes.
type Deps struct {
	Logger       *slog.Logger
	Engine       *syncengine.Engine
	Distribution *distribution.Manager
	Clients      *distribution.ClientRegistry
	Templates    *distribution.TemplateStore
	Simulators   *connector.Manager
	Registry     *pipeline.Registry
	Orchestrator *pipeline.Orchestrator
	Recordings   *recording.Store
	Tracer       trace.Tracer
	RED          *observability.REDMetrics
	Clock        clock.Clock
}

// Server is the HTTP front. Construct with New, serve with Run.
type Server struct {
	cfg    Config
	logger *slog.Logger

	engine     *syncengine.Engine
	dist       *distribution.Manager
	clients    *distribution.ClientRegistry
	templates  *distribution.TemplateStore
	sims       *connector.Manager
	registry   *pipeline.Registry
	orch       *pipeline.Orchestrator
	recordings *recording.Store
	streams    *StreamService
	hub        *wsHub
	tracer     trace.Tracer
	red        *observability.REDMetrics

	// bridges pump connected simulators' frames into the sync engine,
	// one per simulator type.
	bridgeMu sync.Mutex
	bridges  map[string]*ingest.TelemetryBridge

	httpServer *http.Server
	metrics    http.Handler
}

// New wires the server. The distribution manager is required.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Distribution == nil {
		return nil, errors.New("distribution manager is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if deps.Clients == nil {
		deps.Clients = distribution.NewClientRegistry()
	}

	if deps.Templates == nil {
		deps.Templates = distribution.NewTemplateStore()
	}

	if deps.Recordings == nil {
		deps.Recordings = recording.NewStore()
	}

	metrics, err := observability.PrometheusHandler()
	if err != nil {
		return nil, fmt.Errorf("metrics handler: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		engine:     deps.Engine,
		dist:       deps.Distribution,
		clients:    deps.Clients,
		templates:  deps.Templates,
		sims:       deps.Simulators,
		registry:   deps.Registry,
		orch:       deps.Orchestrator,
		recordings: deps.Recordings,
		tracer:     deps.Tracer,
		red:        deps.RED,
		metrics:    metrics,
		bridges:    make(map[string]*ingest.TelemetryBridge),
	}

	s.streams = NewStreamService(deps.Distribution, deps.Clients, deps.Recordings, cfg.RecordingDir, logger)
	s.hub = newWSHub(logger, cfg.Heartbeat, deps.Clock, s.overallStatus)
	s.streams.SetOnChange(s.hub.StreamChange)

	return s, nil
}

// OnStateChange feeds distributor state transitions into the event push
// channel. Intended as the distribution manager's observer.
func (s *Server) OnStateChange(change distribution.StateChange) {
	s.hub.StateChange(change)
}

// Streams exposes the stream facade for in-process callers.
func (s *Server) Streams() *StreamService { return s.streams }

// knownEndpoints backs discovery responses and the not-found hint.
var knownEndpoints = []string{
	"GET /api/distribution/status",
	"GET /api/distribution/discovery",
	"POST /api/distribution/streams",
	"GET /api/distribution/streams",
	"GET /api/distribution/streams/{id}",
	"PUT /api/distribution/streams/{id}",
	"DELETE /api/distribution/streams/{id}",
	"POST /api/distribution/streams/{id}/record",
	"POST /api/distribution/streams/{id}/share",
	"POST /api/distribution/recordings/{id}/stop",
	"POST /api/distribution/clients",
	"GET /api/distribution/clients",
	"GET /api/distribution/clients/{id}",
	"GET /api/distribution/templates",
	"POST /api/distribution/templates/{id}/instantiate",
	"GET /api/distribution/events",
	"GET /api/sync/status",
	"GET /api/pipelines",
	"GET /api/pipelines/{name}",
	"POST /api/pipelines/execute",
	"GET /api/telemetry/simulators",
	"POST /api/telemetry/connect",
	"GET /api/telemetry/status/{type}",
	"POST /api/telemetry/stream/start",
	"GET /api/telemetry/stream/{streamId}",
	"DELETE /api/telemetry/stream/{streamId}",
	"POST /api/telemetry/command",
	"GET /api/telemetry/commands/{type}",
	"POST /api/telemetry/commands/batch",
	"DELETE /api/telemetry/disconnect/{type}",
}

// Router builds the full handler tree.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.Handle("/healthz", observability.HealthHandler()).Methods(http.MethodGet)
	r.Handle("/readyz", observability.ReadyHandler(s.readyCheck)).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireAPIKey)
	api.Use(s.recordRequest)

	dist := api.PathPrefix("/distribution").Subrouter()
	dist.HandleFunc("/status", s.handleDistributionStatus).Methods(http.MethodGet)
	dist.HandleFunc("/discovery", s.handleDiscovery).Methods(http.MethodGet)
	dist.HandleFunc("/streams", s.handleStreamCreate).Methods(http.MethodPost)
	dist.HandleFunc("/streams", s.handleStreamList).Methods(http.MethodGet)
	dist.HandleFunc("/streams/{id}", s.handleStreamGet).Methods(http.MethodGet)
	dist.HandleFunc("/streams/{id}", s.handleStreamUpdate).Methods(http.MethodPut)
	dist.HandleFunc("/streams/{id}", s.handleStreamDelete).Methods(http.MethodDelete)
	dist.HandleFunc("/streams/{id}/record", s.handleStreamRecord).Methods(http.MethodPost)
	dist.HandleFunc("/streams/{id}/share", s.handleStreamShare).Methods(http.MethodPost)
	dist.HandleFunc("/recordings/{id}/stop", s.handleRecordingStop).Methods(http.MethodPost)
	dist.HandleFunc("/clients", s.handleClientRegister).Methods(http.MethodPost)
	dist.HandleFunc("/clients", s.handleClientList).Methods(http.MethodGet)
	dist.HandleFunc("/clients/{id}", s.handleClientGet).Methods(http.MethodGet)
	dist.HandleFunc("/templates", s.handleTemplateList).Methods(http.MethodGet)
	dist.HandleFunc("/templates/{id}/instantiate", s.handleTemplateInstantiate).Methods(http.MethodPost)
	dist.Handle("/events", s.hub).Methods(http.MethodGet)

	api.HandleFunc("/sync/status", s.handleSyncStatus).Methods(http.MethodGet)

	pipelines := api.PathPrefix("/pipelines").Subrouter()
	pipelines.HandleFunc("", s.handlePipelineList).Methods(http.MethodGet)
	pipelines.HandleFunc("/execute", s.handlePipelineExecute).Methods(http.MethodPost)
	pipelines.HandleFunc("/{name}", s.handlePipelineGet).Methods(http.MethodGet)

	if s.sims != nil {
		tele := api.PathPrefix("/telemetry").Subrouter()
		tele.HandleFunc("/simulators", s.handleSimulators).Methods(http.MethodGet)
		tele.HandleFunc("/connect", s.handleTelemetryConnect).Methods(http.MethodPost)
		tele.HandleFunc("/status/{type}", s.handleTelemetryStatus).Methods(http.MethodGet)
		tele.HandleFunc("/stream/start", s.handleTelemetryStreamStart).Methods(http.MethodPost)
		tele.HandleFunc("/stream/{streamId}", s.handleTelemetryStreamQuery).Methods(http.MethodGet)
		tele.HandleFunc("/stream/{streamId}", s.handleTelemetryStreamStop).Methods(http.MethodDelete)
		tele.HandleFunc("/command", s.handleTelemetryCommand).Methods(http.MethodPost)
		tele.HandleFunc("/commands/batch", s.handleTelemetryBatch).Methods(http.MethodPost)
		tele.HandleFunc("/commands/{type}", s.handleTelemetryCapabilities).Methods(http.MethodGet)
		tele.HandleFunc("/disconnect/{type}", s.handleTelemetryDisconnect).Methods(http.MethodDelete)
	}

	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)

	var handler http.Handler = r
	if s.tracer != nil {
		traced := observability.HTTPMiddleware(s.tracer, r)

		handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if websocket.IsWebSocketUpgrade(req) {
				r.ServeHTTP(w, req)

				return
			}

			traced.ServeHTTP(w, req)
		})
	}

	return handler
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusNotFound, envelope{
		Success:            false,
		Error:              "unknown endpoint: " + r.Method + " " + r.URL.Path,
		AvailableEndpoints: knownEndpoints,
	})
}

// requireAPIKey gates the API when a key is configured. The key travels
// in the X-API-Key header; WebSocket clients that cannot set headers may
// use the api_key query parameter instead.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)

			return
		}

		presented := r.Header.Get("X-API-Key")
		if presented == "" {
			presented = r.URL.Query().Get("api_key")
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.APIKey)) != 1 {
			writeEnvelope(w, http.StatusUnauthorized, envelope{Success: false, Error: "invalid api key"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter

	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// recordRequest emits RED metrics per matched route.
func (s *Server) recordRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Upgraded connections keep the raw writer; wrapping would hide
		// the Hijacker the upgrade needs.
		if s.red == nil || websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)

			return
		}

		op := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, tmplErr := route.GetPathTemplate(); tmplErr == nil {
				op = tmpl
			}
		}

		op = r.Method + " " + op

		done := s.red.TrackInflight(r.Context(), op)
		defer done()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		status := "ok"
		if rec.status >= http.StatusInternalServerError {
			status = "error"
		}

		s.red.RecordRequest(r.Context(), op, status, time.Since(start))
	})
}

func (s *Server) readyCheck(_ context.Context) error {
	if s.dist == nil {
		return errors.New("distribution manager not wired")
	}

	return nil
}

// overallStatus is the snapshot pushed in WebSocket greetings and
// heartbeats.
func (s *Server) overallStatus() map[string]any {
	total, active := s.streams.Counts()

	status := map[string]any{
		"streams_total":  total,
		"streams_active": active,
		"sessions":       len(s.dist.SessionIDs()),
	}

	if s.engine != nil {
		stats := s.engine.EngineStats()
		status["tuples_emitted"] = stats.TuplesEmitted
	}

	return status
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		writeEnvelope(w, http.StatusServiceUnavailable, envelope{Success: false, Error: "sync engine not running"})

		return
	}

	stats := s.engine.EngineStats()

	writeData(w, http.StatusOK, map[string]any{
		"streams": s.engine.StreamIDs(),
		"metrics": s.engine.Metrics(),
		"stats": map[string]uint64{
			"tuples_emitted":      stats.TuplesEmitted,
			"skipped_subscribers": stats.SkippedSubscribers,
			"dropped_samples":     stats.DroppedSamples,
		},
	})
}

// Run serves until the context ends, then drains with a shutdown grace.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("api server listening", "addr", s.cfg.ListenAddr)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.bridgeMu.Lock()
	for simType, bridge := range s.bridges {
		bridge.Stop()
		delete(s.bridges, simType)
	}
	s.bridgeMu.Unlock()

	s.hub.Shutdown()

	err := s.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}

	return nil
}
