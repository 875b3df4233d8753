package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scriptedManager(t *testing.T) (*Manager, *scriptedDriver) {
	t.Helper()

	driver := newScriptedDriver()
	m := NewManager(nil)

	m.Register("scripted", func(cfg Config) (*Connector, error) {
		return New(driver, cfg, nil), nil
	})

	return m, driver
}

func TestManager_ConnectAndStatus(t *testing.T) {
	t.Parallel()

	m, _ := scriptedManager(t)

	assert.Equal(t, []string{"scripted"}, m.Simulators())

	conn, err := m.Connect(context.Background(), "scripted", nativeConfig())
	require.NoError(t, err)

	t.Cleanup(func() { _ = m.Disconnect(context.Background(), "scripted") })

	assert.True(t, conn.IsConnected())

	status, err := m.Status("scripted")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, status.State)

	// Connecting again reuses the live connector.
	again, err := m.Connect(context.Background(), "scripted", nativeConfig())
	require.NoError(t, err)
	assert.Same(t, conn, again)
}

func TestManager_UnknownSimulator(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)

	_, err := m.Connect(context.Background(), "ghost", Config{})
	require.ErrorIs(t, err, ErrUnknownSimulator)

	_, err = m.Status("ghost")
	require.ErrorIs(t, err, ErrUnknownSimulator)

	require.ErrorIs(t, m.Disconnect(context.Background(), "ghost"), ErrUnknownSimulator)
}

func TestManager_StreamLifecycle(t *testing.T) {
	t.Parallel()

	m, driver := scriptedManager(t)

	_, err := m.Connect(context.Background(), "scripted", nativeConfig())
	require.NoError(t, err)

	t.Cleanup(func() { _ = m.Disconnect(context.Background(), "scripted") })

	streamID, err := m.StartStream("scripted")
	require.NoError(t, err)

	driver.frameFeed <- TelemetryFrame{Timestamp: 100}
	driver.frameFeed <- TelemetryFrame{Timestamp: 200}
	driver.frameFeed <- TelemetryFrame{Timestamp: 300}

	require.Eventually(t, func() bool {
		frames, queryErr := m.StreamFrames(streamID, 0, 0)

		return queryErr == nil && len(frames) == 3
	}, 2*time.Second, 10*time.Millisecond)

	// Since-filter and limit.
	frames, err := m.StreamFrames(streamID, 0, 100)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.EqualValues(t, 200, frames[0].Timestamp)

	frames, err = m.StreamFrames(streamID, 1, 0)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.EqualValues(t, 300, frames[0].Timestamp)

	require.NoError(t, m.StopStream(streamID))

	_, err = m.StreamFrames(streamID, 0, 0)
	require.ErrorIs(t, err, ErrUnknownStream)
}

func TestManager_CommandRouting(t *testing.T) {
	t.Parallel()

	m, driver := scriptedManager(t)

	_, err := m.Connect(context.Background(), "scripted", nativeConfig())
	require.NoError(t, err)

	t.Cleanup(func() { _ = m.Disconnect(context.Background(), "scripted") })

	result, err := m.SendCommand(context.Background(), "scripted",
		Command{Kind: "vehicle", Action: "reset"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, driver.sentCommands(), 1)

	caps, err := m.Capabilities("scripted")
	require.NoError(t, err)
	assert.Len(t, caps, 2)
}
