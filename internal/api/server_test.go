package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synopticon/synopticon/internal/api"
	"github.com/synopticon/synopticon/pkg/connector"
	"github.com/synopticon/synopticon/pkg/distribution"
	"github.com/synopticon/synopticon/pkg/pipeline"
	"github.com/synopticon/synopticon/pkg/recording"
)

const testKey = "test-key"

// fakeDist is an in-memory distributor for exercising the HTTP surface
// without sockets.
type fakeDist struct {
	name string
	kind distribution.Kind
}

func (f *fakeDist) Name() string            { return f.name }
func (f *fakeDist) Kind() distribution.Kind { return f.kind }

func (f *fakeDist) Open(context.Context) error  { return nil }
func (f *fakeDist) Close(context.Context) error { return nil }

func (f *fakeDist) Send(_ string, payload []byte, _ distribution.SendOptions) (distribution.SendResult, error) {
	return distribution.SendResult{BytesSent: len(payload), ClientsReached: 1}, nil
}

func fakeFactory(cfg distribution.Config, _ *slog.Logger) (distribution.Distributor, error) {
	return &fakeDist{name: cfg.Name, kind: cfg.Kind}, nil
}

type echoPipeline struct{}

func (echoPipeline) ID() string              { return "echo" }
func (echoPipeline) Capabilities() []string  { return []string{"echo"} }
func (echoPipeline) Priority() int           { return 5 }
func (echoPipeline) Process(_ context.Context, input any, _ map[string]any) (any, error) {
	return input, nil
}

func newTestServer(t *testing.T) (*api.Server, *httptest.Server) {
	t.Helper()

	manager := distribution.NewManager(nil, distribution.WithFactory(fakeFactory))

	templates := distribution.NewTemplateStore()
	templates.Add(distribution.Template{
		ID: "gaze-udp",
		Distributors: []distribution.Config{
			{Name: "udp-out", Kind: distribution.KindUDP, Host: "127.0.0.1", Port: 9999},
		},
		EventRouting: map[string][]string{"gaze": {"udp-out"}},
	})

	registry := pipeline.NewRegistry(nil)
	require.NoError(t, registry.RegisterPipeline(echoPipeline{}, pipeline.Metadata{
		Category:     "test",
		Capabilities: []string{"echo"},
	}))

	sims := connector.NewManager(nil)
	sims.Register("testsim", func(cfg connector.Config) (*connector.Connector, error) {
		driver := connector.NewMockDriver("testsim", connector.TrackProfile(), 100, nil)

		return connector.New(driver, cfg, nil), nil
	})

	srv, err := api.New(api.Config{
		APIKey:       testKey,
		Heartbeat:    time.Minute,
		RecordingDir: t.TempDir(),
		Version:      "test",
	}, api.Deps{
		Distribution: manager,
		Templates:    templates,
		Simulators:   sims,
		Registry:     registry,
		Orchestrator: pipeline.NewOrchestrator(registry, nil),
		Recordings:   recording.NewStore(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { sims.Shutdown(context.Background()) })
	t.Cleanup(func() { require.NoError(t, manager.Shutdown(context.Background())) })

	return srv, ts
}

type response struct {
	Success            bool            `json:"success"`
	Data               json.RawMessage `json:"data"`
	Error              string          `json:"error"`
	AvailableEndpoints []string        `json:"available_endpoints"`
}

func doJSON(t *testing.T, method, url string, body any) (int, response) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, reader)
	require.NoError(t, err)

	req.Header.Set("X-API-Key", testKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer func() { require.NoError(t, resp.Body.Close()) }()

	var env response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))

	return resp.StatusCode, env
}

func TestAPIKeyRequired(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/distribution/status")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	status, env := doJSON(t, http.MethodGet, ts.URL+"/api/distribution/status", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)
}

func TestHealthEndpointsSkipAuth(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestUnknownEndpointListsAvailable(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	status, env := doJSON(t, http.MethodGet, ts.URL+"/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.AvailableEndpoints)
}

func TestStreamLifecycle(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	status, env := doJSON(t, http.MethodPost, ts.URL+"/api/distribution/streams", map[string]any{
		"type":        "udp",
		"source":      "gaze",
		"destination": map[string]any{"host": "127.0.0.1", "port": 9999},
	})
	require.Equal(t, http.StatusCreated, status)
	require.True(t, env.Success)

	var created struct {
		StreamID string `json:"stream_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.StreamID)

	status, env = doJSON(t, http.MethodGet, ts.URL+"/api/distribution/streams", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), created.StreamID)

	status, _ = doJSON(t, http.MethodGet, ts.URL+"/api/distribution/streams/"+created.StreamID, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = doJSON(t, http.MethodPut, ts.URL+"/api/distribution/streams/"+created.StreamID, map[string]any{
		"queue_depth": 64,
	})
	assert.Equal(t, http.StatusOK, status)

	status, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/distribution/streams/"+created.StreamID, nil)
	assert.Equal(t, http.StatusOK, status)

	status, env = doJSON(t, http.MethodGet, ts.URL+"/api/distribution/streams/"+created.StreamID, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, env.Success)
}

func TestStreamCreateRejectsBadShape(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown type", map[string]any{"type": "carrier-pigeon", "source": "gaze", "destination": map[string]any{}}},
		{"missing source", map[string]any{"type": "udp", "destination": map[string]any{}}},
		{"missing destination", map[string]any{"type": "udp", "source": "gaze"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			status, env := doJSON(t, http.MethodPost, ts.URL+"/api/distribution/streams", tc.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.False(t, env.Success)
		})
	}
}

func TestStreamRecordWritesRoutedEvents(t *testing.T) {
	t.Parallel()

	srv, ts := newTestServer(t)

	status, env := doJSON(t, http.MethodPost, ts.URL+"/api/distribution/streams", map[string]any{
		"type":        "udp",
		"source":      "gaze",
		"destination": map[string]any{"host": "127.0.0.1", "port": 9999},
	})
	require.Equal(t, http.StatusCreated, status)

	var created struct {
		StreamID string `json:"stream_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))

	status, env = doJSON(t, http.MethodPost,
		ts.URL+"/api/distribution/streams/"+created.StreamID+"/record",
		map[string]any{"file_path": "capture.jsonl"})
	require.Equal(t, http.StatusCreated, status)

	var rec recording.Status
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	require.NotEmpty(t, rec.ID)

	stream, err := srv.Streams().Get(created.StreamID)
	require.NoError(t, err)

	status, env = doJSON(t, http.MethodPost,
		ts.URL+"/api/distribution/recordings/"+rec.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)
	assert.NotEmpty(t, stream.SessionID)
}

func TestClientRegistration(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	status, env := doJSON(t, http.MethodPost, ts.URL+"/api/distribution/clients", map[string]any{
		"name":     "dashboard",
		"metadata": map[string]string{"team": "hmi"},
	})
	require.Equal(t, http.StatusCreated, status)

	var client distribution.Client
	require.NoError(t, json.Unmarshal(env.Data, &client))
	require.NotEmpty(t, client.ID)

	status, _ = doJSON(t, http.MethodGet, ts.URL+"/api/distribution/clients/"+client.ID, nil)
	assert.Equal(t, http.StatusOK, status)

	status, env = doJSON(t, http.MethodGet, ts.URL+"/api/distribution/clients/ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, env.Success)
}

func TestTemplateInstantiate(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	status, env := doJSON(t, http.MethodPost, ts.URL+"/api/distribution/templates/gaze-udp/instantiate", nil)
	require.Equal(t, http.StatusCreated, status)

	var data struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.True(t, strings.HasPrefix(data.SessionID, "gaze-udp-"))

	status, _ = doJSON(t, http.MethodPost, ts.URL+"/api/distribution/templates/ghost/instantiate", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPipelineExecute(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	status, env := doJSON(t, http.MethodPost, ts.URL+"/api/pipelines/execute", map[string]any{
		"capabilities": []string{"echo"},
		"input":        map[string]any{"ok": 1},
	})
	require.Equal(t, http.StatusOK, status)

	var result pipeline.Result
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.True(t, result.Success)
	assert.Equal(t, "echo", result.Metadata.PipelineID)

	status, env = doJSON(t, http.MethodPost, ts.URL+"/api/pipelines/execute", map[string]any{
		"input": 1,
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, env.Success)
}

func TestTelemetryRoundTrip(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	status, _ := doJSON(t, http.MethodPost, ts.URL+"/api/telemetry/connect", map[string]any{
		"type": "testsim",
	})
	require.Equal(t, http.StatusOK, status)

	status, _ = doJSON(t, http.MethodGet, ts.URL+"/api/telemetry/status/testsim", nil)
	assert.Equal(t, http.StatusOK, status)

	status, env := doJSON(t, http.MethodPost, ts.URL+"/api/telemetry/stream/start", map[string]any{
		"type": "testsim",
	})
	require.Equal(t, http.StatusCreated, status)

	var started struct {
		StreamID string `json:"stream_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &started))

	status, _ = doJSON(t, http.MethodGet, ts.URL+"/api/telemetry/stream/"+started.StreamID+"?limit=10", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/telemetry/stream/"+started.StreamID, nil)
	assert.Equal(t, http.StatusOK, status)

	status, env = doJSON(t, http.MethodGet, ts.URL+"/api/telemetry/status/ghostsim", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, env.Success)

	status, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/telemetry/disconnect/testsim", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestEventsWebSocketPingPong(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/distribution/events?api_key=" + testKey

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	if resp != nil {
		require.NoError(t, resp.Body.Close())
	}

	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var greeting map[string]any
	require.NoError(t, conn.ReadJSON(&greeting))
	assert.Equal(t, "connected", greeting["type"])
	assert.Contains(t, greeting, "overall_status")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	var pong map[string]any
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])
}

func TestStreamUpdatePushedToSubscribers(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/distribution/events?api_key=" + testKey

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	if resp != nil {
		require.NoError(t, resp.Body.Close())
	}

	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var greeting map[string]any
	require.NoError(t, conn.ReadJSON(&greeting))

	status, _ := doJSON(t, http.MethodPost, ts.URL+"/api/distribution/streams", map[string]any{
		"type":        "udp",
		"source":      "gaze",
		"destination": map[string]any{"host": "127.0.0.1", "port": 9999},
	})
	require.Equal(t, http.StatusCreated, status)

	var update map[string]any
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "stream_update", update["type"])
	assert.Equal(t, "created", update["change"])
}

func TestDiscoveryDescribesService(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	status, env := doJSON(t, http.MethodGet, ts.URL+"/api/distribution/discovery", nil)
	require.Equal(t, http.StatusOK, status)

	var data struct {
		Service    string   `json:"service"`
		Transports []string `json:"transports"`
		Simulators []string `json:"simulators"`
		Pipelines  []string `json:"pipelines"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "synopticon", data.Service)
	assert.Contains(t, data.Transports, "udp")
	assert.Contains(t, data.Simulators, "testsim")
	assert.Contains(t, data.Pipelines, "echo")
}
