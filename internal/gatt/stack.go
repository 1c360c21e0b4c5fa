package gatt

import (
	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/gattkit/gattkit/pkg/config"
)

// Stack is the top-level registry: one transport, one configuration, and
// the devices created against them, keyed by normalized address.
type Stack struct {
	cfg       *config.Config
	logger    *logrus.Logger
	transport Transport
	devices   *hashmap.Map[string, *Device]
}

// NewStack creates a stack over the given transport.
func NewStack(tr Transport, cfg *config.Config, logger *logrus.Logger) (*Stack, error) {
	if tr == nil {
		return nil, errf(KindConstruction, "stack transport must not be nil")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errf(KindConstruction, "invalid configuration: %v", err)
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}

	return &Stack{
		cfg:       cfg,
		logger:    logger,
		transport: tr,
		devices:   hashmap.New[string, *Device](),
	}, nil
}

// Config returns the stack configuration.
func (s *Stack) Config() *config.Config { return s.cfg }

// Logger returns the stack logger.
func (s *Stack) Logger() *logrus.Logger { return s.logger }

// NewDevice creates and registers a device for the given address. A second
// registration of the same address is a construction error; use Device to
// retrieve the existing one.
func (s *Stack) NewDevice(address, name string, schema *Schema) (*Device, error) {
	d, err := NewDevice(address, name, schema, s.transport, s.cfg, s.logger)
	if err != nil {
		return nil, err
	}

	if _, loaded := s.devices.GetOrInsert(d.Address(), d); loaded {
		_ = d.Close()
		return nil, &Error{
			Kind:   KindConstruction,
			Msg:    "device already registered",
			Device: d.Address(),
		}
	}

	s.logger.WithField("device", d.Address()).Debug("Device registered")
	return d, nil
}

// Device retrieves a registered device by address.
func (s *Stack) Device(address string) (*Device, bool) {
	return s.devices.Get(NormalizeAddress(address))
}

// Devices returns all registered devices, in no particular order.
func (s *Stack) Devices() []*Device {
	var result []*Device
	s.devices.Range(func(_ string, d *Device) bool {
		result = append(result, d)
		return true
	})
	return result
}

// HandleAdvertisement routes an advertisement sighting to the registered
// device, if any. It satisfies the scanner's sink interface; sightings of
// unregistered addresses are ignored.
func (s *Stack) HandleAdvertisement(address, name string, rssi int) {
	if d, ok := s.devices.Get(NormalizeAddress(address)); ok {
		d.MarkAdvertised(name, rssi)
	}
}

// Remove closes a device and drops it from the registry.
func (s *Stack) Remove(address string) error {
	addr := NormalizeAddress(address)
	d, ok := s.devices.Get(addr)
	if !ok {
		return &NotFoundError{Resource: "device", UUIDs: []string{address}}
	}
	s.devices.Del(addr)
	return d.Close()
}

// Close releases every registered device.
func (s *Stack) Close() error {
	var first error
	s.devices.Range(func(addr string, d *Device) bool {
		if err := d.Close(); err != nil && first == nil {
			first = err
		}
		s.devices.Del(addr)
		return true
	})
	return first
}
