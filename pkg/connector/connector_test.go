package connector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLinkDown = errors.New("link down")

// scriptedDriver is a controllable in-memory driver. openErrs is consumed
// one per Open call; a nil entry means success.
type scriptedDriver struct {
	mu        sync.Mutex
	openErrs  []error
	opens     int
	commands  []Command
	runErr    chan error
	frameFeed chan TelemetryFrame
}

func newScriptedDriver(openErrs ...error) *scriptedDriver {
	return &scriptedDriver{
		openErrs:  openErrs,
		runErr:    make(chan error, 4),
		frameFeed: make(chan TelemetryFrame, 16),
	}
}

func (d *scriptedDriver) Simulator() string { return "scripted" }

func (d *scriptedDriver) Open(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := d.opens
	d.opens++

	if idx < len(d.openErrs) {
		return d.openErrs[idx]
	}

	return nil
}

func (d *scriptedDriver) Close(context.Context) error { return nil }

func (d *scriptedDriver) Run(ctx context.Context, emit func(TelemetryFrame)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-d.runErr:
			return err
		case frame := <-d.frameFeed:
			emit(frame)
		}
	}
}

func (d *scriptedDriver) SendCommand(_ context.Context, cmd Command) error {
	d.mu.Lock()
	d.commands = append(d.commands, cmd)
	d.mu.Unlock()

	return nil
}

func (d *scriptedDriver) Capabilities() []Capability {
	return []Capability{
		{Kind: "vehicle", Action: "reset"},
		{Kind: "vehicle", Action: "teleport"},
	}
}

func (d *scriptedDriver) sentCommands() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]Command(nil), d.commands...)
}

func (d *scriptedDriver) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.opens
}

func nativeConfig() Config {
	return Config{
		SourceID:          "sim-1",
		UseNativeProtocol: true,
		ReconnectDelay:    5 * time.Millisecond,
		MaxReconnectDelay: 20 * time.Millisecond,
	}
}

func TestConnector_ConnectAndFrameFanOut(t *testing.T) {
	t.Parallel()

	driver := newScriptedDriver()
	c := New(driver, nativeConfig(), nil)

	frames := c.SubscribeFrames()

	require.NoError(t, c.Connect(context.Background()))

	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })

	assert.True(t, c.IsConnected())
	assert.Equal(t, ModeNative, c.Status().DataMode)

	driver.frameFeed <- TelemetryFrame{Simulator: "scripted"}

	select {
	case frame := <-frames:
		assert.Equal(t, "sim-1", frame.SourceID)
		assert.EqualValues(t, 1, frame.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}

	assert.EqualValues(t, 1, c.Status().FramesEmitted)
}

func TestConnector_MockFallback(t *testing.T) {
	t.Parallel()

	driver := newScriptedDriver(errLinkDown)
	mock := NewMockDriver("scripted", TrackProfile(), 200, driver.Capabilities())

	cfg := nativeConfig()
	cfg.FallbackToMock = true

	c := New(driver, cfg, nil, WithMock(mock))

	frames := c.SubscribeFrames()

	require.NoError(t, c.Connect(context.Background()))

	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })

	assert.Equal(t, ModeMock, c.Status().DataMode)

	select {
	case frame := <-frames:
		assert.Equal(t, "scripted", frame.Simulator)
		assert.Equal(t, string(ModeMock), frame.Metadata["data_mode"])
	case <-time.After(2 * time.Second):
		t.Fatal("mock generator produced no frame")
	}
}

func TestConnector_NativeFailureWithoutFallback(t *testing.T) {
	t.Parallel()

	driver := newScriptedDriver(errLinkDown)
	c := New(driver, nativeConfig(), nil)

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, errLinkDown)
	assert.Equal(t, StateDisconnected, c.Status().State)
}

func TestConnector_AutoReconnect(t *testing.T) {
	t.Parallel()

	// First open succeeds, the reconnect open fails once, then succeeds.
	driver := newScriptedDriver(nil, errLinkDown, nil)

	cfg := nativeConfig()
	cfg.AutoReconnect = true

	c := New(driver, cfg, nil)

	events := c.SubscribeEvents()

	require.NoError(t, c.Connect(context.Background()))

	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })

	driver.runErr <- errLinkDown

	require.Eventually(t, func() bool {
		status := c.Status()

		return status.State == StateConnected && status.Reconnects == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, driver.openCount(), 3)

	var sawReconnecting bool

	for done := false; !done; {
		select {
		case event := <-events:
			if event.NewState == StateReconnecting {
				sawReconnecting = true
			}
		default:
			done = true
		}
	}

	assert.True(t, sawReconnecting)
}

func TestConnector_NoAutoReconnectTerminatesOnLoss(t *testing.T) {
	t.Parallel()

	driver := newScriptedDriver()
	c := New(driver, nativeConfig(), nil)

	require.NoError(t, c.Connect(context.Background()))

	driver.runErr <- errLinkDown

	require.Eventually(t, func() bool {
		return c.Status().State == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnector_CommandQueueDrainsOnConnect(t *testing.T) {
	t.Parallel()

	driver := newScriptedDriver()
	c := New(driver, nativeConfig(), nil)

	c.QueueCommand(Command{Kind: "vehicle", Action: "reset", Priority: 1})
	c.QueueCommand(Command{Kind: "vehicle", Action: "teleport", Priority: 9})
	assert.Equal(t, 2, c.Status().QueuedCommands)

	require.NoError(t, c.Connect(context.Background()))

	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })

	sent := driver.sentCommands()
	require.Len(t, sent, 2)

	// Highest priority drains first.
	assert.Equal(t, "teleport", sent[0].Action)
	assert.Equal(t, "reset", sent[1].Action)
	assert.Equal(t, 0, c.Status().QueuedCommands)
}

func TestConnector_ClearCommandQueue(t *testing.T) {
	t.Parallel()

	c := New(newScriptedDriver(), nativeConfig(), nil)

	c.QueueCommand(Command{Kind: "vehicle", Action: "reset"})
	c.QueueCommand(Command{Kind: "vehicle", Action: "reset"})

	assert.Equal(t, 2, c.ClearCommandQueue())
	assert.Equal(t, 0, c.Status().QueuedCommands)
}

func TestConnector_SendCommandChecks(t *testing.T) {
	t.Parallel()

	driver := newScriptedDriver()
	c := New(driver, nativeConfig(), nil)

	// Disconnected: command path refuses.
	_, err := c.SendCommand(context.Background(), Command{Kind: "vehicle", Action: "reset"})
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))

	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })

	// Outside the capability set: refused before hitting the wire.
	_, err = c.SendCommand(context.Background(), Command{Kind: "weather", Action: "set_wind"})
	require.ErrorIs(t, err, ErrUnsupportedCommand)

	result, err := c.SendCommand(context.Background(), Command{Kind: "vehicle", Action: "reset"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.CommandID)
}

func TestConnector_SendCommandsCollectsResults(t *testing.T) {
	t.Parallel()

	driver := newScriptedDriver()
	c := New(driver, nativeConfig(), nil)

	require.NoError(t, c.Connect(context.Background()))

	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })

	results := c.SendCommands(context.Background(), []Command{
		{Kind: "vehicle", Action: "reset"},
		{Kind: "weather", Action: "set_wind"},
		{Kind: "vehicle", Action: "teleport"},
	})

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.True(t, results[2].Success)
}

func TestEventAndResultWireShape(t *testing.T) {
	t.Parallel()

	// External consumers match on these exact keys.
	raw, err := json.Marshal(Event{
		Kind:     EventConnectionChange,
		OldState: StateConnected,
		NewState: StateReconnecting,
	})
	require.NoError(t, err)

	var event map[string]any

	require.NoError(t, json.Unmarshal(raw, &event))
	assert.Equal(t, "connection_change", event["type"])
	assert.Equal(t, "connected", event["oldState"])
	assert.Equal(t, "reconnecting", event["newState"])
	assert.NotContains(t, event, "kind")

	raw, err = json.Marshal(CommandResult{CommandID: "c1", Success: true})
	require.NoError(t, err)

	var result map[string]any

	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "c1", result["commandId"])
	assert.Contains(t, result, "executedAt")
}

func TestMockDriver_Deterministic(t *testing.T) {
	t.Parallel()

	profile := CircuitProfile(47.45, -122.31, 3500)

	now := time.Now()
	a := profile(10, now)
	b := profile(10, now.Add(time.Hour))

	assert.Equal(t, a.Vehicle, b.Vehicle)
	assert.Equal(t, a.Performance, b.Performance)
}
