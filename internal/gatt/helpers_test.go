package gatt

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gattkit/gattkit/pkg/config"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ConnectTimeout = 5 * time.Second
	cfg.OperationTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.DiscoveryRetryDelay = 10 * time.Millisecond
	cfg.DescriptorReadTimeout = 500 * time.Millisecond
	return cfg
}

// heartRateSchema declares the profile most tests run against: one service
// with a notify characteristic (plus its CCCD) and a read/write one.
func heartRateSchema() *Schema {
	return &Schema{
		Services: []*ServiceSchema{
			{
				UUID: "180d",
				ID:   "hrs",
				Characteristics: []*CharacteristicSchema{
					{
						UUID:       "2a37",
						ID:         "hrm",
						Properties: PropNotify,
						Descriptors: []*DescriptorSchema{
							{UUID: "2902", ID: "hrm-cccd"},
						},
					},
					{
						UUID:       "2a39",
						ID:         "hrcp",
						Properties: PropRead | PropWrite,
					},
				},
			},
		},
	}
}

// heartRatePeripheral builds a fake device matching heartRateSchema.
func heartRatePeripheral() *fakePeripheral {
	return newFakePeripheral().
		withService("180d").
		withCharacteristic("2a37", PropNotify, nil).
		withDescriptor("2902", []byte{0x00, 0x00}).
		withCharacteristic("2a39", PropRead|PropWrite, []byte{0x01})
}

// connectedDevice builds a device over the given peripheral and connects
// it, failing the test on any error.
func connectedDevice(t *testing.T, p *fakePeripheral, schema *Schema, cfg *config.Config) *Device {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	d, err := NewDevice("AA:BB:CC:DD:EE:FF", "test-device", schema, p.transport(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, d.Connect(context.Background()))
	return d
}

// drainEvents collects events already buffered on the device stream.
func drainEvents(d *Device) []Event {
	var events []Event
	for {
		select {
		case ev := <-d.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

// waitForEvent waits for the next event of the given type, skipping others.
func waitForEvent(t *testing.T, d *Device, typ EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-d.Events():
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %q event within %s", typ, timeout)
			return Event{}
		}
	}
}
