// Package goble adapts the go-ble host stack to the engine's Transport and
// Link interfaces. It is the only package that touches platform BLE APIs.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/gattkit/gattkit/internal/gatt"
	"github.com/gattkit/gattkit/internal/groutine"
)

// ErrBluetoothOff indicates the host adapter is powered off or unavailable.
var ErrBluetoothOff = errors.New("bluetooth is turned off or unavailable")

// DeviceFactory creates ble.Device instances (can be overridden in tests).
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}

// Transport dials devices through the go-ble host stack. One host device is
// created lazily on the first dial and reused afterwards.
type Transport struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// New creates a Transport.
func New(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

func (t *Transport) hostDevice() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev == nil {
		dev, err := DeviceFactory()
		if err != nil {
			return nil, fmt.Errorf("failed to create BLE host device: %w", normalizeError(err))
		}
		ble.SetDefaultDevice(dev)
		t.dev = dev
	}
	return t.dev, nil
}

// Dial connects to the peripheral at the given address.
func (t *Transport) Dial(ctx context.Context, address string) (gatt.Link, error) {
	if _, err := t.hostDevice(); err != nil {
		return nil, err
	}

	t.logger.WithField("address", address).Debug("Dialing BLE device")
	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, normalizeError(err)
	}

	l := &link{
		client: client,
		logger: t.logger.WithField("address", address),
		done:   make(chan struct{}),
	}

	// CoreBluetooth exposes a disconnect signal through a Darwin-only
	// channel; other client implementations simply never fire the callback
	// from here.
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "goble-disconnect-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				l.fireDisconnect(ErrConnectionLost)
			case <-l.done:
			}
		})
	} else {
		l.logger.Debug("Client does not expose a Disconnected() channel")
	}

	return l, nil
}

// ErrConnectionLost is the reason reported when the host stack signals an
// unsolicited disconnect.
var ErrConnectionLost = errors.New("host stack reported disconnection")

type link struct {
	client ble.Client
	logger *logrus.Entry
	done   chan struct{}

	mu           sync.Mutex
	onDisconnect func(error)
	fired        bool
	closeOnce    sync.Once
}

func (l *link) fireDisconnect(reason error) {
	l.mu.Lock()
	cb := l.onDisconnect
	already := l.fired
	l.fired = true
	l.mu.Unlock()

	if cb != nil && !already {
		cb(reason)
	}
}

func (l *link) OnDisconnect(fn func(error)) {
	l.mu.Lock()
	l.onDisconnect = fn
	l.mu.Unlock()
}

func (l *link) FindService(ctx context.Context, uuid string) (*gatt.ServiceHandle, error) {
	u, err := ble.Parse(uuid)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", uuid, err)
	}

	services, err := l.client.DiscoverServices([]ble.UUID{u})
	if err != nil {
		return nil, normalizeError(err)
	}
	for _, svc := range services {
		if svc.UUID.Equal(u) {
			return &gatt.ServiceHandle{UUID: gatt.NormalizeUUID(svc.UUID.String()), Native: svc}, nil
		}
	}
	return nil, &gatt.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
}

func (l *link) FindCharacteristic(ctx context.Context, svc *gatt.ServiceHandle, uuid string) (*gatt.CharacteristicHandle, error) {
	bleSvc, ok := svc.Native.(*ble.Service)
	if !ok {
		return nil, fmt.Errorf("service %q carries no native handle", svc.UUID)
	}
	u, err := ble.Parse(uuid)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", uuid, err)
	}

	chars, err := l.client.DiscoverCharacteristics([]ble.UUID{u}, bleSvc)
	if err != nil {
		return nil, normalizeError(err)
	}
	for _, chr := range chars {
		if chr.UUID.Equal(u) {
			return &gatt.CharacteristicHandle{
				UUID:       gatt.NormalizeUUID(chr.UUID.String()),
				Properties: convertProperties(chr.Property),
				Native:     chr,
			}, nil
		}
	}
	return nil, &gatt.NotFoundError{Resource: "characteristic", UUIDs: []string{svc.UUID, uuid}}
}

func (l *link) FindDescriptor(ctx context.Context, chr *gatt.CharacteristicHandle, uuid string) (*gatt.DescriptorHandle, error) {
	bleChr, ok := chr.Native.(*ble.Characteristic)
	if !ok {
		return nil, fmt.Errorf("characteristic %q carries no native handle", chr.UUID)
	}
	u, err := ble.Parse(uuid)
	if err != nil {
		return nil, fmt.Errorf("invalid descriptor UUID %q: %w", uuid, err)
	}

	descs, err := l.client.DiscoverDescriptors([]ble.UUID{u}, bleChr)
	if err != nil {
		return nil, normalizeError(err)
	}
	for _, d := range descs {
		if d.UUID.Equal(u) {
			return &gatt.DescriptorHandle{UUID: gatt.NormalizeUUID(d.UUID.String()), Native: d}, nil
		}
	}
	return nil, &gatt.NotFoundError{Resource: "descriptor", UUIDs: []string{chr.UUID, uuid}}
}

func (l *link) Enumerate(ctx context.Context) (*gatt.Profile, error) {
	bleProfile, err := l.client.DiscoverProfile(true)
	if err != nil {
		return nil, normalizeError(err)
	}

	profile := &gatt.Profile{}
	for _, svc := range bleProfile.Services {
		ps := gatt.ProfileService{
			Service: gatt.ServiceHandle{UUID: gatt.NormalizeUUID(svc.UUID.String()), Native: svc},
		}
		for _, chr := range svc.Characteristics {
			pc := gatt.ProfileCharacteristic{
				Characteristic: gatt.CharacteristicHandle{
					UUID:       gatt.NormalizeUUID(chr.UUID.String()),
					Properties: convertProperties(chr.Property),
					Native:     chr,
				},
			}
			for _, d := range chr.Descriptors {
				pc.Descriptors = append(pc.Descriptors, gatt.DescriptorHandle{
					UUID:   gatt.NormalizeUUID(d.UUID.String()),
					Native: d,
				})
			}
			ps.Characteristics = append(ps.Characteristics, pc)
		}
		profile.Services = append(profile.Services, ps)
	}
	return profile, nil
}

func (l *link) ReadCharacteristic(ctx context.Context, chr *gatt.CharacteristicHandle) ([]byte, error) {
	bleChr, ok := chr.Native.(*ble.Characteristic)
	if !ok {
		return nil, fmt.Errorf("characteristic %q carries no native handle", chr.UUID)
	}
	data, err := l.client.ReadCharacteristic(bleChr)
	if err != nil {
		return nil, normalizeError(err)
	}
	return data, nil
}

func (l *link) WriteCharacteristic(ctx context.Context, chr *gatt.CharacteristicHandle, data []byte, withResponse bool) error {
	bleChr, ok := chr.Native.(*ble.Characteristic)
	if !ok {
		return fmt.Errorf("characteristic %q carries no native handle", chr.UUID)
	}
	return normalizeError(l.client.WriteCharacteristic(bleChr, data, !withResponse))
}

func (l *link) ReadDescriptor(ctx context.Context, desc *gatt.DescriptorHandle) ([]byte, error) {
	bleDesc, ok := desc.Native.(*ble.Descriptor)
	if !ok {
		return nil, fmt.Errorf("descriptor %q carries no native handle", desc.UUID)
	}
	data, err := l.client.ReadDescriptor(bleDesc)
	if err != nil {
		return nil, normalizeError(err)
	}
	return data, nil
}

func (l *link) Subscribe(chr *gatt.CharacteristicHandle, h gatt.NotificationHandler) error {
	bleChr, ok := chr.Native.(*ble.Characteristic)
	if !ok {
		return fmt.Errorf("characteristic %q carries no native handle", chr.UUID)
	}

	// Prefer notifications; fall back to indications for indicate-only
	// characteristics.
	indicate := bleChr.Property&ble.CharNotify == 0 && bleChr.Property&ble.CharIndicate != 0
	return normalizeError(l.client.Subscribe(bleChr, indicate, ble.NotificationHandler(h)))
}

func (l *link) Unsubscribe(chr *gatt.CharacteristicHandle) error {
	bleChr, ok := chr.Native.(*ble.Characteristic)
	if !ok {
		return fmt.Errorf("characteristic %q carries no native handle", chr.UUID)
	}

	// Both modes are attempted; peripherals differ in which one was
	// actually armed.
	errNotify := normalizeError(l.client.Unsubscribe(bleChr, false))
	errIndicate := normalizeError(l.client.Unsubscribe(bleChr, true))
	if errNotify != nil && errIndicate != nil {
		return fmt.Errorf("failed to unsubscribe (notify: %v, indicate: %v)", errNotify, errIndicate)
	}
	return nil
}

func (l *link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = normalizeError(l.client.CancelConnection())
	})
	return err
}

// convertProperties maps go-ble property flags onto the engine's layout.
func convertProperties(p ble.Property) gatt.Properties {
	var out gatt.Properties
	if p&ble.CharBroadcast != 0 {
		out |= gatt.PropBroadcast
	}
	if p&ble.CharRead != 0 {
		out |= gatt.PropRead
	}
	if p&ble.CharWriteNR != 0 {
		out |= gatt.PropWriteWithoutResponse
	}
	if p&ble.CharWrite != 0 {
		out |= gatt.PropWrite
	}
	if p&ble.CharNotify != 0 {
		out |= gatt.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= gatt.PropIndicate
	}
	return out
}

// normalizeError maps known go-ble error strings to structured errors, so
// callers do not depend on upstream message wording.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "is bluetooth turned on"),
		strings.Contains(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	default:
		return err
	}
}
