// Package scanner implements BLE advertisement discovery. It is the
// entry point for finding peripherals before a Device is created for them.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cornelk/hashmap"
	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/gattkit/gattkit/internal/gatt"
	"github.com/gattkit/gattkit/internal/ringchan"
	"github.com/gattkit/gattkit/internal/transport/goble"
)

// ProgressCallback is called when the scan phase changes.
type ProgressCallback func(phase string)

// AdvertisementSink receives every accepted advertisement sighting.
// A *gatt.Stack satisfies it, so devices registered there observe their
// own re-advertisements as advertised events.
type AdvertisementSink interface {
	HandleAdvertisement(address, name string, rssi int)
}

// DeviceEventType marks if the device was newly discovered or updated.
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

// DeviceEvent is emitted on every accepted advertisement.
type DeviceEvent struct {
	Type DeviceEventType
	Info *DeviceInfo
}

// DeviceInfo is the accumulated advertisement record of one peripheral.
type DeviceInfo struct {
	Address     string
	Name        string
	RSSI        int
	TxPower     *int
	Connectable bool

	// Services advertised by the peripheral, normalized and sorted.
	Services         []string
	ManufacturerData []byte
	ServiceData      map[string][]byte

	LastSeen  time.Time
	Sightings int
}

// ScanOptions configures scanning behavior.
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	ServiceUUIDs    []blelib.UUID
	AllowList       []string
	BlockList       []string
}

// DefaultScanOptions returns default scanning options.
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// Scanner handles BLE device discovery.
type Scanner struct {
	devices *hashmap.Map[string, *DeviceInfo]
	events  *ringchan.RingChannel[DeviceEvent]
	logger  *logrus.Logger
	sink    AdvertisementSink

	scanOptions *ScanOptions
}

// NewScanner creates a new BLE scanner.
func NewScanner(logger *logrus.Logger) (*Scanner, error) {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		events: ringchan.New[DeviceEvent](100),
		logger: logger,
	}, nil
}

// Scan performs BLE discovery with the provided options. It blocks until
// the configured duration elapses or the context is cancelled, then returns
// a snapshot of everything seen.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) (map[string]*DeviceInfo, error) {
	s.devices = hashmap.New[string, *DeviceInfo]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progressCallback("Scanning")

	dev, err := goble.DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	blelib.SetDefaultDevice(dev)

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()
	err = dev.Scan(scanCtx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	progressCallback("Processing results")

	devices := make(map[string]*DeviceInfo, s.devices.Len())
	s.devices.Range(func(key string, value *DeviceInfo) bool {
		devices[key] = value
		return true
	})
	return devices, nil
}

// Events returns a read-only channel of device events. Delivery is lossy
// under backpressure.
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// SetSink routes accepted advertisements to the sink in addition to the
// event channel. Must be set before Scan.
func (s *Scanner) SetSink(sink AdvertisementSink) {
	s.sink = sink
}

// handleAdvertisement updates an existing record or adds a new one.
func (s *Scanner) handleAdvertisement(adv blelib.Advertisement) {
	address := gatt.NormalizeAddress(adv.Addr().String())

	info, existing := s.devices.Get(address)
	if !existing {
		if !s.shouldIncludeDevice(adv, s.scanOptions) {
			return
		}
		info, existing = s.devices.GetOrInsert(address, newDeviceInfo(address, adv))
	}

	event := DeviceEvent{Info: info}
	if existing {
		info.update(adv)
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  info.Name,
			"address": info.Address,
			"rssi":    info.RSSI,
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	s.events.ForceSend(event)

	if s.sink != nil {
		s.sink.HandleAdvertisement(info.Address, adv.LocalName(), adv.RSSI())
	}
}

// shouldIncludeDevice applies the allow/block/service filters.
func (s *Scanner) shouldIncludeDevice(adv blelib.Advertisement, opts *ScanOptions) bool {
	addr := gatt.NormalizeAddress(adv.Addr().String())

	for _, blocked := range opts.BlockList {
		if addr == gatt.NormalizeAddress(blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if addr == gatt.NormalizeAddress(a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		hasRequired := false
		for _, required := range opts.ServiceUUIDs {
			for _, advUUID := range adv.Services() {
				if required.Equal(advUUID) {
					hasRequired = true
					break
				}
			}
			if hasRequired {
				break
			}
		}
		if !hasRequired {
			return false
		}
	}

	return true
}

func newDeviceInfo(address string, adv blelib.Advertisement) *DeviceInfo {
	info := &DeviceInfo{
		Address:     address,
		ServiceData: make(map[string][]byte),
	}
	info.update(adv)
	return info
}

func (i *DeviceInfo) update(adv blelib.Advertisement) {
	if name := adv.LocalName(); name != "" {
		i.Name = name
	}
	i.RSSI = adv.RSSI()
	i.Connectable = adv.Connectable()
	if md := adv.ManufacturerData(); len(md) > 0 {
		i.ManufacturerData = md
	}

	// 127 means TX power not available.
	if adv.TxPowerLevel() != 127 {
		tx := adv.TxPowerLevel()
		i.TxPower = &tx
	}

	for _, u := range adv.Services() {
		uuid := gatt.NormalizeUUID(u.String())
		if !containsString(i.Services, uuid) {
			i.Services = append(i.Services, uuid)
		}
	}
	sort.Strings(i.Services)

	for _, sd := range adv.ServiceData() {
		i.ServiceData[gatt.NormalizeUUID(sd.UUID.String())] = sd.Data
	}

	i.LastSeen = time.Now()
	i.Sightings++
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
