package distribution

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPDistributor_RoundTrip(t *testing.T) {
	t.Parallel()

	listener, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	defer listener.Close()

	port := listener.LocalAddr().(*net.UDPAddr).Port

	d := newUDPDistributor(Config{Name: "udp", Kind: KindUDP, Host: "127.0.0.1", Port: port})
	require.NoError(t, d.Open(context.Background()))

	defer d.Close(context.Background())

	result, err := d.Send("gaze", []byte(`{"x":0.5}`), SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 9, result.BytesSent)

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))

	buf := make([]byte, 256)
	n, _, err := listener.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, `{"x":0.5}`, string(buf[:n]))
}

func TestUDPDistributor_OversizePayload(t *testing.T) {
	t.Parallel()

	d := newUDPDistributor(Config{Name: "udp", Kind: KindUDP, Host: "127.0.0.1", Port: 9})
	require.NoError(t, d.Open(context.Background()))

	defer d.Close(context.Background())

	_, err := d.Send("gaze", make([]byte, maxDatagramSize+1), SendOptions{})
	require.ErrorIs(t, err, ErrOversizePayload)
}

func TestUDPDistributor_SendAfterClose(t *testing.T) {
	t.Parallel()

	d := newUDPDistributor(Config{Name: "udp", Kind: KindUDP, Host: "127.0.0.1", Port: 9})
	require.NoError(t, d.Open(context.Background()))
	require.NoError(t, d.Close(context.Background()))

	_, err := d.Send("gaze", []byte("x"), SendOptions{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestMQTTDistributor_TopicMapping(t *testing.T) {
	t.Parallel()

	// Default prefix namespaces per-kind topics.
	d := newMQTTDistributor(Config{Name: "mqtt", Kind: KindMQTT, BrokerURL: "tcp://127.0.0.1:1883"})
	assert.Equal(t, "eyetracking/gaze", d.topicFor("gaze"))
	assert.Equal(t, "eyetracking/face", d.topicFor("face"))

	// Explicit topic map wins over the prefix.
	d = newMQTTDistributor(Config{
		Name:        "mqtt",
		Kind:        KindMQTT,
		BrokerURL:   "tcp://127.0.0.1:1883",
		TopicPrefix: "sim",
		Topics:      map[string]string{"gaze": "lab/eye/left"},
	})
	assert.Equal(t, "lab/eye/left", d.topicFor("gaze"))
	assert.Equal(t, "sim/telemetry", d.topicFor("telemetry"))
}

func TestMQTTDistributor_GeneratedClientID(t *testing.T) {
	t.Parallel()

	a := newMQTTDistributor(Config{Name: "a", Kind: KindMQTT, BrokerURL: "tcp://x:1883"})
	b := newMQTTDistributor(Config{Name: "b", Kind: KindMQTT, BrokerURL: "tcp://x:1883"})

	assert.NotEmpty(t, a.cfg.ClientID)
	assert.NotEqual(t, a.cfg.ClientID, b.cfg.ClientID)
}

func TestHTTPDistributor_PostsPerKindPath(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		paths []string
		auths []string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := newHTTPDistributor(Config{
		Name:       "http",
		Kind:       KindHTTP,
		BaseURL:    srv.URL,
		PathByKind: map[string]string{"gaze": "/ingest/gaze"},
		Headers:    map[string]string{"Authorization": "Bearer tok"},
	})
	require.NoError(t, d.Open(context.Background()))

	defer d.Close(context.Background())

	_, err := d.Send("gaze", []byte(`{}`), SendOptions{})
	require.NoError(t, err)

	_, err = d.Send("face", []byte(`{}`), SendOptions{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{"/ingest/gaze", "/events/face"}, paths)
	assert.Equal(t, []string{"Bearer tok", "Bearer tok"}, auths)
}

func TestHTTPDistributor_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	d := newHTTPDistributor(Config{Name: "http", Kind: KindHTTP, BaseURL: srv.URL})
	require.NoError(t, d.Open(context.Background()))

	_, err := d.Send("gaze", []byte(`{}`), SendOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"udp ok", Config{Name: "u", Kind: KindUDP, Host: "h", Port: 1}, false},
		{"udp missing port", Config{Name: "u", Kind: KindUDP, Host: "h"}, true},
		{"mqtt ok", Config{Name: "m", Kind: KindMQTT, BrokerURL: "tcp://b:1883"}, false},
		{"mqtt missing broker", Config{Name: "m", Kind: KindMQTT}, true},
		{"websocket ok", Config{Name: "w", Kind: KindWebSocket, ListenAddr: ":0"}, false},
		{"websocket missing addr", Config{Name: "w", Kind: KindWebSocket}, true},
		{"http ok", Config{Name: "h", Kind: KindHTTP, BaseURL: "http://x"}, false},
		{"http missing base", Config{Name: "h", Kind: KindHTTP}, true},
		{"unknown kind", Config{Name: "x", Kind: "carrier-pigeon"}, true},
		{"missing name", Config{Kind: KindUDP, Host: "h", Port: 1}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestWSDistributor_Broadcast(t *testing.T) {
	t.Parallel()

	d := newWSDistributor(Config{Name: "ws", Kind: KindWebSocket, ListenAddr: "127.0.0.1:0", Path: "/stream"}, nil)
	require.NoError(t, d.Open(context.Background()))

	defer d.Close(context.Background())

	addr := d.Addr()
	require.NotEmpty(t, addr)

	u := url.URL{Scheme: "ws", Host: addr, Path: "/stream"}

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)

	if resp != nil {
		defer resp.Body.Close()
	}

	defer conn.Close()

	require.Eventually(t, func() bool {
		return d.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	result, err := d.Send("gaze", []byte(`{"x":1}`), SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ClientsReached)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(msg))
}
