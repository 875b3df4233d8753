// Package connector provides the uniform simulator connector contract:
// a reconnecting lifecycle around a protocol driver, frame fan-out to
// bounded subscriber channels, a command path with queueing, and a
// deterministic mock fallback when the native protocol is unavailable.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

var (
	// ErrNotConnected is returned by the command path while the link is
	// down. Use QueueCommand to defer until reconnect.
	ErrNotConnected = errors.New("connector not connected")

	// ErrAlreadyConnected is returned by Connect on a live connector.
	ErrAlreadyConnected = errors.New("connector already connected")

	// ErrNoTransport is returned when native init fails and mock fallback
	// is disabled or absent.
	ErrNoTransport = errors.New("no usable transport")

	// ErrUnsupportedCommand is returned for a command kind/action pair
	// outside the driver's capability set.
	ErrUnsupportedCommand = errors.New("unsupported command")
)

// ConnState is the connector lifecycle state.
type ConnState string

// Connector lifecycle states. A link loss moves connected to reconnecting
// when auto-reconnect is on, otherwise to disconnected.
const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// DataMode reports which transport produced the frames.
type DataMode string

// Data modes. Mock means the deterministic synthetic generator is active.
const (
	ModeNative DataMode = "native"
	ModeMock   DataMode = "mock"
)

// Command is one typed instruction for the simulator.
type Command struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Priority   int            `json:"priority,omitempty"`
}

// CommandResult reports the outcome of one command.
type CommandResult struct {
	CommandID  string    `json:"commandId"`
	Success    bool      `json:"success"`
	ExecutedAt time.Time `json:"executedAt"`
	Error      string    `json:"error,omitempty"`
}

// Capability is one supported (kind, action) pair, advertised so clients
// can negotiate before sending commands.
type Capability struct {
	Kind        string `json:"kind"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

// EventKind classifies connector events.
type EventKind string

// Connector event kinds.
const (
	EventConnectionChange EventKind = "connection_change"
	EventCommandExecuted  EventKind = "command_executed"
)

// Event is a connector lifecycle notification.
type Event struct {
	Kind      EventKind `json:"type"`
	Simulator string    `json:"simulator"`
	OldState  ConnState `json:"oldState,omitempty"`
	NewState  ConnState `json:"newState,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is the observable connector snapshot.
type Status struct {
	Simulator      string    `json:"simulator"`
	SourceID       string    `json:"source_id"`
	State          ConnState `json:"state"`
	DataMode       DataMode  `json:"data_mode"`
	FramesEmitted  uint64    `json:"frames_emitted"`
	LastFrameAt    time.Time `json:"last_frame_at,omitzero"`
	Reconnects     uint64    `json:"reconnects"`
	QueuedCommands int       `json:"queued_commands"`
}

// Driver binds one simulator's native protocol. Run pumps frames until the
// context ends or the link drops; a non-nil return signals loss and hands
// control back to the connector's reconnect machinery.
type Driver interface {
	Simulator() string
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Run(ctx context.Context, emit func(TelemetryFrame)) error
	SendCommand(ctx context.Context, cmd Command) error
	Capabilities() []Capability
}

// Defaults for Config zero values.
const (
	DefaultReconnectDelay    = 100 * time.Millisecond
	DefaultMaxReconnectDelay = 60 * time.Second
	DefaultSubscriberDepth   = 64
	DefaultMockRateHz        = 20.0
)

// Config tunes one connector.
type Config struct {
	SourceID string `json:"source_id" mapstructure:"source_id"`

	// UseNativeProtocol attempts the real wire protocol first. When false
	// the connector goes straight to mock.
	UseNativeProtocol bool `json:"use_native_protocol" mapstructure:"use_native_protocol"`
	// FallbackToMock switches to the synthetic generator when native init
	// fails instead of surfacing the error.
	FallbackToMock bool `json:"fallback_to_mock" mapstructure:"fallback_to_mock"`

	AutoReconnect     bool          `json:"auto_reconnect" mapstructure:"auto_reconnect"`
	ReconnectDelay    time.Duration `json:"reconnect_delay" mapstructure:"reconnect_delay"`
	MaxReconnectDelay time.Duration `json:"max_reconnect_delay" mapstructure:"max_reconnect_delay"`

	// UpdateRateHz is the mock generator frame rate.
	UpdateRateHz float64 `json:"update_rate_hz" mapstructure:"update_rate_hz"`

	SubscriberDepth int `json:"subscriber_depth" mapstructure:"subscriber_depth"`
}

func (c *Config) applyDefaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}

	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}

	if c.UpdateRateHz <= 0 {
		c.UpdateRateHz = DefaultMockRateHz
	}

	if c.SubscriberDepth <= 0 {
		c.SubscriberDepth = DefaultSubscriberDepth
	}
}

// Option customizes connector construction.
type Option func(*Connector)

// WithMock supplies the fallback driver used when native init fails or
// native mode is off.
func WithMock(mock Driver) Option {
	return func(c *Connector) { c.mock = mock }
}

// WithClock injects a clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Connector) { c.clock = clk }
}

// Connector wraps a Driver with the uniform lifecycle: reconnect state
// machine, frame and event fan-out, and the command queue.
type Connector struct {
	cfg    Config
	native Driver
	mock   Driver
	logger *slog.Logger
	clock  clock.Clock

	mu         sync.Mutex
	state      ConnState
	mode       DataMode
	active     Driver
	cancelRun  context.CancelFunc
	runDone    chan struct{}
	queue      []Command
	frames     uint64
	lastFrame  time.Time
	reconnects uint64
	seq        uint64

	subMu     sync.Mutex
	frameSubs []chan TelemetryFrame
	eventSubs []chan Event
}

// New creates a connector around the native driver. A nil logger disables
// logging.
func New(native Driver, cfg Config, logger *slog.Logger, opts ...Option) *Connector {
	cfg.applyDefaults()

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Connector{
		cfg:    cfg,
		native: native,
		logger: logger,
		clock:  clock.New(),
		state:  StateDisconnected,
		mode:   ModeNative,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Simulator returns the native driver's simulator name.
func (c *Connector) Simulator() string { return c.native.Simulator() }

// Connect opens the transport. When native init fails and mock fallback is
// enabled, the connector transparently switches to the synthetic generator.
// Queued commands are drained once the link is up.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()

		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	c.setState(StateConnecting)

	driver, mode, err := c.openTransport(ctx)
	if err != nil {
		c.setState(StateDisconnected)

		return err
	}

	c.mu.Lock()
	c.active = driver
	c.mode = mode
	c.mu.Unlock()

	c.setState(StateConnected)
	c.startRun(driver)
	c.drainQueue(ctx)

	return nil
}

// openTransport tries native first when configured, then mock.
func (c *Connector) openTransport(ctx context.Context) (Driver, DataMode, error) {
	if c.cfg.UseNativeProtocol {
		err := c.native.Open(ctx)
		if err == nil {
			return c.native, ModeNative, nil
		}

		c.logger.WarnContext(ctx, "native transport init failed",
			"simulator", c.native.Simulator(), "error", err)

		if !c.cfg.FallbackToMock {
			return nil, "", fmt.Errorf("%s: %w", c.native.Simulator(), err)
		}
	}

	if c.mock == nil {
		return nil, "", fmt.Errorf("%s: %w", c.native.Simulator(), ErrNoTransport)
	}

	err := c.mock.Open(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("%s mock: %w", c.native.Simulator(), err)
	}

	return c.mock, ModeMock, nil
}

func (c *Connector) startRun(driver Driver) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.cancelRun = cancel
	c.runDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)

		err := driver.Run(runCtx, c.emitFrame)
		if err == nil || runCtx.Err() != nil {
			return
		}

		c.logger.Warn("connector link lost",
			"simulator", driver.Simulator(), "error", err)
		c.handleLoss(driver)
	}()
}

// handleLoss implements the reconnecting half of the state machine.
func (c *Connector) handleLoss(driver Driver) {
	_ = driver.Close(context.Background())

	if !c.cfg.AutoReconnect {
		c.setState(StateDisconnected)

		return
	}

	c.setState(StateReconnecting)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ReconnectDelay
	policy.MaxInterval = c.cfg.MaxReconnectDelay
	policy.MaxElapsedTime = 0

	for {
		c.mu.Lock()
		stopped := c.state != StateReconnecting
		c.mu.Unlock()

		if stopped {
			return
		}

		c.setState(StateConnecting)

		ctx := context.Background()

		next, mode, err := c.openTransport(ctx)
		if err == nil {
			c.mu.Lock()
			c.active = next
			c.mode = mode
			c.reconnects++
			c.mu.Unlock()

			c.setState(StateConnected)
			c.startRun(next)
			c.drainQueue(ctx)

			return
		}

		c.setState(StateReconnecting)

		wait := policy.NextBackOff()
		c.logger.Warn("reconnect attempt failed",
			"simulator", c.native.Simulator(), "retry_in", wait, "error", err)
		c.clock.Sleep(wait)
	}
}

// Disconnect stops the run loop and closes the transport.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancelRun
	done := c.runDone
	driver := c.active
	c.cancelRun = nil
	c.runDone = nil
	c.active = nil
	c.mu.Unlock()

	c.setState(StateDisconnected)

	if cancel != nil {
		cancel()
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if driver == nil {
		return nil
	}

	err := driver.Close(ctx)
	if err != nil {
		return fmt.Errorf("close %s: %w", driver.Simulator(), err)
	}

	return nil
}

// IsConnected reports whether the link is up.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state == StateConnected
}

// SubscribeFrames returns a bounded frame channel. A slow subscriber loses
// frames rather than stalling the pump.
func (c *Connector) SubscribeFrames() <-chan TelemetryFrame {
	ch := make(chan TelemetryFrame, c.cfg.SubscriberDepth)

	c.subMu.Lock()
	c.frameSubs = append(c.frameSubs, ch)
	c.subMu.Unlock()

	return ch
}

// SubscribeEvents returns a bounded lifecycle event channel.
func (c *Connector) SubscribeEvents() <-chan Event {
	ch := make(chan Event, c.cfg.SubscriberDepth)

	c.subMu.Lock()
	c.eventSubs = append(c.eventSubs, ch)
	c.subMu.Unlock()

	return ch
}

func (c *Connector) emitFrame(frame TelemetryFrame) {
	c.mu.Lock()
	c.seq++
	frame.Sequence = c.seq
	c.frames++
	c.lastFrame = c.clock.Now()
	c.mu.Unlock()

	if frame.SourceID == "" {
		frame.SourceID = c.cfg.SourceID
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	for _, ch := range c.frameSubs {
		select {
		case ch <- frame:
		default:
		}
	}
}

func (c *Connector) setState(next ConnState) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()

	if prev == next {
		return
	}

	event := Event{
		Kind:      EventConnectionChange,
		Simulator: c.native.Simulator(),
		OldState:  prev,
		NewState:  next,
		Timestamp: c.clock.Now(),
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	for _, ch := range c.eventSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// SendCommand executes one command over the live transport.
func (c *Connector) SendCommand(ctx context.Context, cmd Command) (CommandResult, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	c.mu.Lock()
	driver := c.active
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || driver == nil {
		return CommandResult{CommandID: cmd.ID}, ErrNotConnected
	}

	if !c.supports(driver, cmd) {
		return CommandResult{CommandID: cmd.ID},
			fmt.Errorf("%w: %s/%s", ErrUnsupportedCommand, cmd.Kind, cmd.Action)
	}

	err := driver.SendCommand(ctx, cmd)
	result := CommandResult{
		CommandID:  cmd.ID,
		Success:    err == nil,
		ExecutedAt: c.clock.Now(),
	}

	if err != nil {
		result.Error = err.Error()

		return result, fmt.Errorf("command %s: %w", cmd.ID, err)
	}

	return result, nil
}

// SendCommands executes a batch in order, collecting per-command results.
// A failure does not stop the batch.
func (c *Connector) SendCommands(ctx context.Context, cmds []Command) []CommandResult {
	results := make([]CommandResult, 0, len(cmds))

	for _, cmd := range cmds {
		result, err := c.SendCommand(ctx, cmd)
		if err != nil && result.Error == "" {
			result.Error = err.Error()
		}

		results = append(results, result)
	}

	return results
}

// QueueCommand defers a command until the connector is connected. Queued
// commands drain in priority order, highest first, on connect.
func (c *Connector) QueueCommand(cmd Command) string {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := len(c.queue)
	for idx > 0 && c.queue[idx-1].Priority < cmd.Priority {
		idx--
	}

	c.queue = append(c.queue, Command{})
	copy(c.queue[idx+1:], c.queue[idx:])
	c.queue[idx] = cmd

	return cmd.ID
}

// ClearCommandQueue drops all queued commands and returns how many were
// dropped.
func (c *Connector) ClearCommandQueue() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.queue)
	c.queue = nil

	return n
}

func (c *Connector) drainQueue(ctx context.Context) {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, cmd := range pending {
		_, err := c.SendCommand(ctx, cmd)
		if err != nil {
			c.logger.Warn("queued command failed",
				"simulator", c.native.Simulator(), "command", cmd.ID, "error", err)
		}
	}
}

// Capabilities returns the active driver's capability set; the native
// driver's when disconnected.
func (c *Connector) Capabilities() []Capability {
	c.mu.Lock()
	driver := c.active
	c.mu.Unlock()

	if driver == nil {
		driver = c.native
	}

	return driver.Capabilities()
}

func (c *Connector) supports(driver Driver, cmd Command) bool {
	for _, capability := range driver.Capabilities() {
		if capability.Kind == cmd.Kind && capability.Action == cmd.Action {
			return true
		}
	}

	return false
}

// Status returns the connector snapshot.
func (c *Connector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		Simulator:      c.native.Simulator(),
		SourceID:       c.cfg.SourceID,
		State:          c.state,
		DataMode:       c.mode,
		FramesEmitted:  c.frames,
		LastFrameAt:    c.lastFrame,
		Reconnects:     c.reconnects,
		QueuedCommands: len(c.queue),
	}
}
