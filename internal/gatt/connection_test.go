package gatt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_FullSequence(t *testing.T) {
	p := heartRatePeripheral()
	d := connectedDevice(t, p, heartRateSchema(), nil)

	assert.Equal(t, StateConnected, d.State())
	assert.True(t, d.Connected())
	assert.Equal(t, uint64(1), d.Generation())
	assert.Equal(t, 1, d.DiscoveryAttempts())

	ev := waitForEvent(t, d, EventConnected, time.Second)
	assert.Equal(t, d.Address(), ev.Device)
}

func TestConnect_AlreadyConnected(t *testing.T) {
	d := connectedDevice(t, heartRatePeripheral(), heartRateSchema(), nil)

	err := d.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConnection))
}

func TestConnect_DialFailure(t *testing.T) {
	p := heartRatePeripheral()
	p.dialErr = errors.New("adapter powered off")

	d, err := NewDevice("AA:BB:CC:DD:EE:FF", "t", heartRateSchema(), p.transport(), testConfig(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	err = d.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConnection))
	assert.ErrorIs(t, err, p.dialErr)
	assert.Equal(t, StateDisconnected, d.State())
}

func TestConnect_Timeout(t *testing.T) {
	p := heartRatePeripheral()
	p.dialDelay = 300 * time.Millisecond

	cfg := testConfig()
	cfg.ConnectTimeout = 50 * time.Millisecond

	d, err := NewDevice("AA:BB:CC:DD:EE:FF", "t", heartRateSchema(), p.transport(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	start := time.Now()
	err = d.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConnectionTimeout))
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, StateDisconnected, d.State())
}

func TestConnect_TimeoutDisabled(t *testing.T) {
	p := heartRatePeripheral()
	p.dialDelay = 50 * time.Millisecond

	cfg := testConfig()
	cfg.ConnectTimeout = 0

	d, err := NewDevice("AA:BB:CC:DD:EE:FF", "t", heartRateSchema(), p.transport(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, d.Connect(context.Background()))
	assert.True(t, d.Connected())
}

func TestDisconnect_Intentional(t *testing.T) {
	p := heartRatePeripheral()
	d := connectedDevice(t, p, heartRateSchema(), nil)
	drainEvents(d)

	require.NoError(t, d.Disconnect(context.Background()))

	assert.Equal(t, StateDisconnected, d.State())
	assert.Empty(t, d.Services(), "the object graph must be discarded on disconnect")
	assert.True(t, p.closed)

	// Intentional teardown emits disconnected, never connection-lost.
	events := drainEvents(d)
	var sawDisconnected, sawLost bool
	for _, ev := range events {
		switch ev.Type {
		case EventDisconnected:
			sawDisconnected = true
		case EventConnectionLost:
			sawLost = true
		}
	}
	assert.True(t, sawDisconnected)
	assert.False(t, sawLost)
}

func TestDisconnect_UnsubscribesFirst(t *testing.T) {
	p := heartRatePeripheral()
	d := connectedDevice(t, p, heartRateSchema(), nil)
	require.True(t, p.subscribedTo("2a37"))

	require.NoError(t, d.Disconnect(context.Background()))

	p.mu.Lock()
	unsubs := append([]string(nil), p.unsubscribed...)
	p.mu.Unlock()
	assert.Contains(t, unsubs, "2a37")
}

func TestDisconnect_WhenNotConnected(t *testing.T) {
	d, err := NewDevice("AA:BB:CC:DD:EE:FF", "t", heartRateSchema(), heartRatePeripheral().transport(), testConfig(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	assert.NoError(t, d.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, d.State())
}

func TestClose_Idempotent(t *testing.T) {
	p := heartRatePeripheral()
	d := connectedDevice(t, p, heartRateSchema(), nil)

	require.NoError(t, d.Close())
	assert.NotPanics(t, func() {
		assert.NoError(t, d.Close())
	})
	assert.Equal(t, StateDisconnected, d.State())
}

func TestClose_LateNativeDisconnectIgnored(t *testing.T) {
	p := heartRatePeripheral()
	d := connectedDevice(t, p, heartRateSchema(), nil)
	require.NoError(t, d.Close())

	// Platform disconnect callbacks race with teardown and can arrive
	// after the device is closed.
	assert.NotPanics(t, func() { p.dropConnection(errors.New("supervision timeout")) })
	assert.Equal(t, StateDisconnected, d.State())

	// The closed stream drains what was buffered before Close and nothing
	// else; the late callback must not classify a loss.
	for {
		ev, ok := <-d.Events()
		if !ok {
			break
		}
		assert.NotEqual(t, EventConnectionLost, ev.Type)
	}
}

func TestConnectionLost_Classification(t *testing.T) {
	p := heartRatePeripheral()
	d := connectedDevice(t, p, heartRateSchema(), nil)
	drainEvents(d)

	cause := errors.New("supervision timeout")
	p.dropConnection(cause)

	ev := waitForEvent(t, d, EventConnectionLost, time.Second)
	assert.ErrorIs(t, ev.Err, cause)
	waitForEvent(t, d, EventDisconnected, time.Second)

	assert.Equal(t, StateDisconnected, d.State())
	assert.Empty(t, d.Services())
}

func TestConnectionLost_StaleNodesFail(t *testing.T) {
	p := heartRatePeripheral()
	d := connectedDevice(t, p, heartRateSchema(), nil)

	chr, ok := d.CharacteristicByID("hrcp")
	require.True(t, ok)

	p.dropConnection(errors.New("link dropped"))
	waitForEvent(t, d, EventDisconnected, time.Second)

	// A node held across the loss belongs to a dead generation.
	_, err := chr.Read(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConnection))
}

func TestReconnect_BumpsGeneration(t *testing.T) {
	p := heartRatePeripheral()
	d := connectedDevice(t, p, heartRateSchema(), nil)
	require.Equal(t, uint64(1), d.Generation())

	oldChr, _ := d.CharacteristicByID("hrm")

	require.NoError(t, d.Disconnect(context.Background()))
	require.NoError(t, d.Connect(context.Background()))

	assert.Equal(t, uint64(2), d.Generation())
	newChr, ok := d.CharacteristicByID("hrm")
	require.True(t, ok)
	assert.NotSame(t, oldChr, newChr, "reconnect must rebuild the graph with fresh nodes")
}

func TestReconnect_AfterConnectionLost(t *testing.T) {
	p := heartRatePeripheral()
	d := connectedDevice(t, p, heartRateSchema(), nil)

	p.dropConnection(errors.New("out of range"))
	waitForEvent(t, d, EventDisconnected, time.Second)

	require.NoError(t, d.Connect(context.Background()))
	assert.True(t, d.Connected())
	assert.Equal(t, uint64(2), d.Generation())
}

func TestState_Strings(t *testing.T) {
	cases := map[State]string{
		StateDisconnected:         "disconnected",
		StateConnecting:           "connecting",
		StateDiscoveringInterface: "discovering-interface",
		StateInitializing:         "initializing",
		StateConnected:            "connected",
		StateDisconnecting:        "disconnecting",
		StateConnectionLost:       "connection-lost",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
	assert.Equal(t, "state(42)", State(42).String())
}
