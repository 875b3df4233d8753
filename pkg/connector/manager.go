package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

var (
	// ErrUnknownSimulator is returned for operations on an unregistered
	// simulator type.
	ErrUnknownSimulator = errors.New("unknown simulator type")

	// ErrUnknownStream is returned for operations on an unknown telemetry
	// stream id.
	ErrUnknownStream = errors.New("unknown telemetry stream")
)

// Frame history retention. Idle streams age out of the cache.
const (
	streamTTL           = 5 * time.Minute
	streamSweepInterval = 10 * time.Minute
	streamCapacity      = 4096
)

// streamBuffer is the bounded frame history of one telemetry stream.
type streamBuffer struct {
	mu        sync.Mutex
	simulator string
	frames    []TelemetryFrame
	cancel    context.CancelFunc
}

func (sb *streamBuffer) append(frame TelemetryFrame) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.frames = append(sb.frames, frame)
	if len(sb.frames) > streamCapacity {
		sb.frames = sb.frames[len(sb.frames)-streamCapacity:]
	}
}

// query returns up to limit frames newer than since, oldest first.
func (sb *streamBuffer) query(limit int, since int64) []TelemetryFrame {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	start := 0
	for start < len(sb.frames) && sb.frames[start].Timestamp <= since {
		start++
	}

	out := sb.frames[start:]
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}

	return append([]TelemetryFrame(nil), out...)
}

// Manager owns the registered connectors and their telemetry streams.
type Manager struct {
	logger *slog.Logger

	mu         sync.RWMutex
	builders   map[string]func(cfg Config) (*Connector, error)
	connectors map[string]*Connector

	// streams caches frame history per stream id; idle streams expire.
	streams *gocache.Cache
}

// NewManager creates an empty connector manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Manager{
		logger:     logger,
		builders:   make(map[string]func(cfg Config) (*Connector, error)),
		connectors: make(map[string]*Connector),
		streams:    gocache.New(streamTTL, streamSweepInterval),
	}
}

// Register adds a connector builder for a simulator type.
func (m *Manager) Register(simType string, build func(cfg Config) (*Connector, error)) {
	m.mu.Lock()
	m.builders[simType] = build
	m.mu.Unlock()
}

// Simulators lists the registered simulator types, sorted.
func (m *Manager) Simulators() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.builders))
	for simType := range m.builders {
		out = append(out, simType)
	}

	sort.Strings(out)

	return out
}

// Connect builds and connects a connector for the simulator type. A live
// connector for the same type is reused.
func (m *Manager) Connect(ctx context.Context, simType string, cfg Config) (*Connector, error) {
	m.mu.Lock()
	if existing, ok := m.connectors[simType]; ok {
		m.mu.Unlock()

		if existing.IsConnected() {
			return existing, nil
		}

		err := existing.Connect(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", simType, err)
		}

		return existing, nil
	}

	build, ok := m.builders[simType]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSimulator, simType)
	}

	conn, err := build(cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s connector: %w", simType, err)
	}

	err = conn.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", simType, err)
	}

	m.mu.Lock()
	m.connectors[simType] = conn
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "simulator connected",
		"simulator", simType, "data_mode", conn.Status().DataMode)

	return conn, nil
}

// Connector returns the live connector for a simulator type.
func (m *Manager) Connector(simType string) (*Connector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.connectors[simType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSimulator, simType)
	}

	return conn, nil
}

// Status returns one connector's snapshot.
func (m *Manager) Status(simType string) (Status, error) {
	conn, err := m.Connector(simType)
	if err != nil {
		return Status{}, err
	}

	return conn.Status(), nil
}

// StatusAll returns snapshots for every live connector.
func (m *Manager) StatusAll() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.connectors))
	for _, conn := range m.connectors {
		out = append(out, conn.Status())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Simulator < out[j].Simulator })

	return out
}

// Disconnect closes a connector and removes it.
func (m *Manager) Disconnect(ctx context.Context, simType string) error {
	m.mu.Lock()
	conn, ok := m.connectors[simType]
	delete(m.connectors, simType)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSimulator, simType)
	}

	err := conn.Disconnect(ctx)
	if err != nil {
		return fmt.Errorf("disconnect %s: %w", simType, err)
	}

	m.logger.InfoContext(ctx, "simulator disconnected", "simulator", simType)

	return nil
}

// StartStream subscribes to a connector's frames and buffers them under a
// fresh stream id. The buffer is bounded and expires after idle TTL.
func (m *Manager) StartStream(simType string) (string, error) {
	conn, err := m.Connector(simType)
	if err != nil {
		return "", err
	}

	streamID := uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	sb := &streamBuffer{simulator: simType, cancel: cancel}

	m.streams.Set(streamID, sb, gocache.DefaultExpiration)

	frames := conn.SubscribeFrames()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}

				sb.append(frame)
				// Touch the cache entry so active streams never expire.
				m.streams.Set(streamID, sb, gocache.DefaultExpiration)
			}
		}
	}()

	return streamID, nil
}

// StreamFrames returns up to limit buffered frames newer than since.
func (m *Manager) StreamFrames(streamID string, limit int, since int64) ([]TelemetryFrame, error) {
	raw, ok := m.streams.Get(streamID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}

	sb, ok := raw.(*streamBuffer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}

	return sb.query(limit, since), nil
}

// StopStream tears down a telemetry stream buffer.
func (m *Manager) StopStream(streamID string) error {
	raw, ok := m.streams.Get(streamID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}

	if sb, isBuf := raw.(*streamBuffer); isBuf && sb.cancel != nil {
		sb.cancel()
	}

	m.streams.Delete(streamID)

	return nil
}

// SendCommand routes one command to a connector.
func (m *Manager) SendCommand(ctx context.Context, simType string, cmd Command) (CommandResult, error) {
	conn, err := m.Connector(simType)
	if err != nil {
		return CommandResult{}, err
	}

	return conn.SendCommand(ctx, cmd)
}

// SendCommands routes a command batch to a connector.
func (m *Manager) SendCommands(ctx context.Context, simType string, cmds []Command) ([]CommandResult, error) {
	conn, err := m.Connector(simType)
	if err != nil {
		return nil, err
	}

	return conn.SendCommands(ctx, cmds), nil
}

// Capabilities returns a connector's supported command set.
func (m *Manager) Capabilities(simType string) ([]Capability, error) {
	conn, err := m.Connector(simType)
	if err != nil {
		return nil, err
	}

	return conn.Capabilities(), nil
}

// Shutdown disconnects every connector.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, status := range m.StatusAll() {
		err := m.Disconnect(ctx, status.Simulator)
		if err != nil {
			m.logger.Warn("shutdown connector failed",
				"simulator", status.Simulator, "error", err)
		}
	}
}
