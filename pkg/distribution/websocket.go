package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWSPath     = "/stream"
	wsWriteTimeout    = 5 * time.Second
	wsShutdownTimeout = 3 * time.Second
)

// wsDistributor runs a WebSocket server and broadcasts each event as one
// text JSON frame to every connected client.
type wsDistributor struct {
	name   string
	cfg    Config
	logger *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	mu       sync.Mutex
	clients  map[*websocket.Conn]struct{}
	closed   bool
	boundTo  string
}

func newWSDistributor(cfg Config, logger *slog.Logger) *wsDistributor {
	if cfg.Path == "" {
		cfg.Path = defaultWSPath
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &wsDistributor{
		name:   cfg.Name,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			EnableCompression: cfg.Compression,
			CheckOrigin:       func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (d *wsDistributor) Name() string { return d.name }
func (d *wsDistributor) Kind() Kind   { return KindWebSocket }

func (d *wsDistributor) Open(_ context.Context) error {
	listener, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen websocket %s: %w", d.cfg.ListenAddr, err)
	}

	d.mu.Lock()
	d.boundTo = listener.Addr().String()
	d.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(d.cfg.Path, d.handleUpgrade)

	d.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		serveErr := d.server.Serve(listener)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			d.logger.Warn("websocket distributor server stopped", "name", d.name, "error", serveErr)
		}
	}()

	return nil
}

func (d *wsDistributor) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn("websocket upgrade failed", "name", d.name, "error", err)

		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = conn.Close()

		return
	}

	d.clients[conn] = struct{}{}
	d.mu.Unlock()

	// Reader loop exists only to notice disconnects.
	go func() {
		for {
			_, _, readErr := conn.ReadMessage()
			if readErr != nil {
				d.dropClient(conn)

				return
			}
		}
	}()
}

func (d *wsDistributor) dropClient(conn *websocket.Conn) {
	d.mu.Lock()
	delete(d.clients, conn)
	d.mu.Unlock()

	_ = conn.Close()
}

func (d *wsDistributor) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true

	for conn := range d.clients {
		_ = conn.Close()
	}

	d.clients = make(map[*websocket.Conn]struct{})
	d.mu.Unlock()

	if d.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, wsShutdownTimeout)
	defer cancel()

	err := d.server.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("shutdown websocket distributor %s: %w", d.name, err)
	}

	return nil
}

func (d *wsDistributor) Send(_ string, payload []byte, _ SendOptions) (SendResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return SendResult{}, ErrClosed
	}

	var (
		reached int
		failed  []*websocket.Conn
	)

	for conn := range d.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))

		err := conn.WriteMessage(websocket.TextMessage, payload)
		if err != nil {
			failed = append(failed, conn)

			continue
		}

		reached++
	}

	for _, conn := range failed {
		delete(d.clients, conn)
		_ = conn.Close()
	}

	return SendResult{BytesSent: len(payload) * reached, ClientsReached: reached}, nil
}

// Addr returns the bound listen address, useful when the config requested
// an ephemeral port.
func (d *wsDistributor) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.boundTo
}

// ClientCount reports the number of connected clients.
func (d *wsDistributor) ClientCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.clients)
}
