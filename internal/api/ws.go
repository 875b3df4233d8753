package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/synopticon/synopticon/pkg/distribution"
)

// DefaultHeartbeat is the push interval for liveness messages.
const DefaultHeartbeat = 2 * time.Second

// wsSendDepth bounds each client's outbound queue. Slow readers drop
// messages rather than stalling the hub.
const wsSendDepth = 32

// wsHub fans change notifications out to connected event subscribers.
type wsHub struct {
	logger    *slog.Logger
	heartbeat time.Duration
	clk       clock.Clock
	upgrader  websocket.Upgrader

	// status produces the overall_status snapshot for greetings and
	// heartbeats.
	status func() map[string]any

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newWSHub(logger *slog.Logger, heartbeat time.Duration, clk clock.Clock, status func() map[string]any) *wsHub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}

	if clk == nil {
		clk = clock.New()
	}

	if status == nil {
		status = func() map[string]any { return map[string]any{} }
	}

	return &wsHub{
		logger:    logger,
		heartbeat: heartbeat,
		clk:       clk,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		status:    status,
		clients:   make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the connection and runs the read loop until the peer
// disconnects.
func (h *wsHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)

		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendDepth)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()

		closeErr := conn.Close()
		if closeErr != nil {
			h.logger.Warn("close refused connection failed", "error", closeErr)
		}

		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	client.enqueue(h.message("connected", map[string]any{"overall_status": h.status()}))

	go h.writePump(client)

	h.readLoop(client)
}

func (h *wsHub) readLoop(client *wsClient) {
	defer h.remove(client)

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Type string `json:"type"`
		}

		parseErr := json.Unmarshal(raw, &msg)
		if parseErr != nil {
			continue
		}

		if msg.Type == "ping" {
			client.enqueue(h.message("pong", nil))
		}
	}
}

func (h *wsHub) writePump(client *wsClient) {
	ticker := h.clk.Ticker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case raw := <-client.send:
			err := client.conn.WriteMessage(websocket.TextMessage, raw)
			if err != nil {
				h.remove(client)

				return
			}
		case <-ticker.C:
			raw := h.message("heartbeat", map[string]any{"overall_status": h.status()})

			err := client.conn.WriteMessage(websocket.TextMessage, raw)
			if err != nil {
				h.remove(client)

				return
			}
		}
	}
}

func (h *wsHub) remove(client *wsClient) {
	h.mu.Lock()
	_, present := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if !present {
		return
	}

	// The send channel stays open; the write pump notices the closed
	// connection on its next write and exits.
	err := client.conn.Close()
	if err != nil {
		h.logger.Debug("close websocket failed", "error", err)
	}
}

// Broadcast pushes one typed message to every connected client. Clients
// with full queues miss the message.
func (h *wsHub) Broadcast(msgType string, fields map[string]any) {
	raw := h.message(msgType, fields)

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.enqueue(raw)
	}
}

// StateChange adapts distribution state transitions into push messages.
// Degradations get their own message type so clients can alert on them.
func (h *wsHub) StateChange(change distribution.StateChange) {
	msgType := "session_update"
	if change.NewState == distribution.StateDegraded {
		msgType = "distributor_degraded"
	}

	h.Broadcast(msgType, map[string]any{
		"session":     change.SessionID,
		"distributor": change.Distributor,
		"old_state":   change.OldState,
		"new_state":   change.NewState,
	})
}

// StreamChange adapts stream lifecycle transitions into push messages.
func (h *wsHub) StreamChange(change string, stream Stream) {
	h.Broadcast("stream_update", map[string]any{
		"change": change,
		"stream": stream,
	})
}

// Shutdown disconnects every client and refuses new ones.
func (h *wsHub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.remove(client)
	}
}

func (h *wsHub) message(msgType string, fields map[string]any) []byte {
	msg := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		msg[k] = v
	}

	msg["type"] = msgType
	msg["timestamp"] = h.clk.Now().UnixMilli()

	raw, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("marshal push message failed", "type", msgType, "error", err)

		return []byte(`{"type":"` + msgType + `"}`)
	}

	return raw
}

func (c *wsClient) enqueue(raw []byte) {
	select {
	case c.send <- raw:
	default:
	}
}
