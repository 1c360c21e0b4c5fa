package gatt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/gattkit/gattkit/internal/bledb"
	"github.com/gattkit/gattkit/internal/ringchan"
	"github.com/gattkit/gattkit/pkg/config"
)

const eventBuffer = 128

// Device is one BLE peripheral: identity, the declared schema, one
// OperationQueue, and the discovered object graph of the current
// connection generation. The graph is rebuilt on every connection attempt
// and discarded on disconnect; nodes never outlive their generation.
type Device struct {
	address string
	schema  *Schema
	cfg     *config.Config
	logger  *logrus.Entry

	transport Transport
	queue     *OperationQueue
	events    *ringchan.RingChannel[Event]

	// connMu serializes Connect/Disconnect against each other.
	connMu sync.Mutex

	// closeOnce makes Close idempotent. closed gates event emission once
	// the stream is closed; native disconnect callbacks can arrive after
	// Close and must not reach the channel. Guarded by eventsMu.
	closeOnce sync.Once
	eventsMu  sync.RWMutex
	closed    bool

	mu       sync.RWMutex
	name     string
	link     Link
	services *orderedmap.OrderedMap[string, *Service]
	byID     map[string]interface{} // schema id -> *Service/*Characteristic/*Descriptor

	state             atomic.Int32
	generation        atomic.Uint64
	aboutToDisconnect atomic.Bool
	suppressNative    atomic.Bool

	// discovery attempts of the most recent connect, for introspection
	discoveryAttempts atomic.Int32
}

// NewDevice creates a Device for the given address. The schema is
// validated synchronously; an invalid schema or a missing transport is a
// construction error. The device's OperationQueue starts immediately and
// lives as long as the device.
func NewDevice(address, name string, schema *Schema, tr Transport, cfg *config.Config, logger *logrus.Logger) (*Device, error) {
	if address == "" {
		return nil, errf(KindConstruction, "device address must not be empty")
	}
	if tr == nil {
		return nil, &Error{Kind: KindConstruction, Msg: "transport must not be nil", Device: address}
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}
	if schema == nil {
		schema = &Schema{}
	}
	if err := schema.validate(); err != nil {
		return nil, err
	}

	d := &Device{
		address:   NormalizeAddress(address),
		name:      name,
		schema:    schema,
		cfg:       cfg,
		logger:    logger.WithField("device", NormalizeAddress(address)),
		transport: tr,
		queue:     NewOperationQueue(address, cfg.OperationTimeout, logger),
		events:    ringchan.New[Event](eventBuffer),
		services:  orderedmap.New[string, *Service](),
		byID:      make(map[string]interface{}),
	}
	return d, nil
}

// NormalizeAddress canonicalizes a device address the same way UUIDs are
// normalized; MAC-style colon separators are stripped as well (macOS hands
// out UUIDs where Linux hands out MAC addresses).
func NormalizeAddress(address string) string {
	return NormalizeUUID(strings.ReplaceAll(address, ":", ""))
}

// Address returns the device address (normalized).
func (d *Device) Address() string {
	return d.address
}

// Name returns the display name, which advertisements may update.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// Queue exposes the device's operation queue. Application code normally
// does not need it; reads, writes, and requests are already serialized.
func (d *Device) Queue() *OperationQueue {
	return d.queue
}

// Events returns the device's event stream: lifecycle events plus
// characteristic-scoped notification events.
func (d *Device) Events() <-chan Event {
	return d.events.C()
}

// Generation returns the current connection generation. It increments on
// every connect attempt; nodes retrieved before a reconnect belong to a
// previous generation and must be re-fetched.
func (d *Device) Generation() uint64 {
	return d.generation.Load()
}

// DiscoveryAttempts reports how many discovery passes the most recent
// connect needed.
func (d *Device) DiscoveryAttempts() int {
	return int(d.discoveryAttempts.Load())
}

// MarkAdvertised records a new advertisement sighting (typically wired to
// a scanner) and emits an advertised event.
func (d *Device) MarkAdvertised(name string, rssi int) {
	if name != "" {
		d.mu.Lock()
		d.name = name
		d.mu.Unlock()
	}
	d.logger.WithFields(logrus.Fields{
		"name": name,
		"rssi": rssi,
	}).Debug("Advertisement received")
	d.emit(Event{Type: EventAdvertised, Device: d.address})
}

// Services returns the discovered services in discovery order. Empty when
// not connected.
func (d *Device) Services() []*Service {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]*Service, 0, d.services.Len())
	for pair := d.services.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// Service retrieves a discovered service by UUID.
func (d *Device) Service(uuid string) (*Service, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	svc, ok := d.services.Get(NormalizeUUID(uuid))
	if !ok {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return svc, nil
}

// ServiceByID retrieves a discovered service by its schema identifier.
func (d *Device) ServiceByID(id string) (*Service, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	svc, ok := d.byID[id].(*Service)
	return svc, ok
}

// CharacteristicByID retrieves a discovered characteristic by its schema
// identifier.
func (d *Device) CharacteristicByID(id string) (*Characteristic, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	chr, ok := d.byID[id].(*Characteristic)
	return chr, ok
}

// DescriptorByID retrieves a discovered descriptor by its schema
// identifier.
func (d *Device) DescriptorByID(id string) (*Descriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	desc, ok := d.byID[id].(*Descriptor)
	return desc, ok
}

// currentLink returns the live link or a connection error.
func (d *Device) currentLink() (Link, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.link == nil {
		return nil, &Error{Kind: KindConnection, Msg: "device not connected", Device: d.address}
	}
	return d.link, nil
}

func (d *Device) emit(ev Event) {
	if ev.Device == "" {
		ev.Device = d.address
	}
	d.eventsMu.RLock()
	defer d.eventsMu.RUnlock()
	if d.closed {
		return
	}
	d.events.ForceSend(ev)
}

func (d *Device) isClosed() bool {
	d.eventsMu.RLock()
	defer d.eventsMu.RUnlock()
	return d.closed
}

// resetGraph discards the discovered object graph. Held nodes become
// stale; their operations will fail with a connection error.
func (d *Device) resetGraph() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for pair := d.services.Oldest(); pair != nil; pair = pair.Next() {
		for cp := pair.Value.chars.Oldest(); cp != nil; cp = cp.Next() {
			cp.Value.subscribed.Store(false)
		}
	}
	d.services = orderedmap.New[string, *Service]()
	d.byID = make(map[string]interface{})
}

// ----------------------------
// Service
// ----------------------------

// Service is a discovered GATT service bound to a physical endpoint and to
// at most one schema node (a synthetic generic node when undeclared).
type Service struct {
	uuid   string
	schema *ServiceSchema
	handle *ServiceHandle
	device *Device
	chars  *orderedmap.OrderedMap[string, *Characteristic]
}

func newService(d *Device, schema *ServiceSchema, handle *ServiceHandle) *Service {
	return &Service{
		uuid:   NormalizeUUID(handle.UUID),
		schema: schema,
		handle: handle,
		device: d,
		chars:  orderedmap.New[string, *Characteristic](),
	}
}

// UUID returns the normalized service UUID.
func (s *Service) UUID() string { return s.uuid }

// ID returns the schema identifier, empty for undeclared services.
func (s *Service) ID() string { return s.schema.ID }

// Name returns the display name.
func (s *Service) Name() string {
	return displayName(s.schema.Name, s.uuid, bledb.LookupService)
}

// Declared reports whether this service was declared in the schema rather
// than found by extensive discovery.
func (s *Service) Declared() bool { return !s.schema.generic }

// Characteristics returns the discovered characteristics in discovery
// order.
func (s *Service) Characteristics() []*Characteristic {
	result := make([]*Characteristic, 0, s.chars.Len())
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// Characteristic retrieves a discovered characteristic by UUID.
func (s *Service) Characteristic(uuid string) (*Characteristic, error) {
	chr, ok := s.chars.Get(NormalizeUUID(uuid))
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{s.uuid, uuid}}
	}
	return chr, nil
}

// ----------------------------
// Characteristic
// ----------------------------

// Characteristic is a discovered GATT characteristic: capability record,
// cached value, descriptors, notification dispatch, and the request/
// response correlation surface (see request.go).
type Characteristic struct {
	uuid    string
	schema  *CharacteristicSchema
	handle  *CharacteristicHandle
	service *Service
	device  *Device
	logger  *logrus.Entry

	props      Properties
	subscribed atomic.Bool

	descs *orderedmap.OrderedMap[string, *Descriptor]

	mu      sync.RWMutex
	value   []byte
	subs    []NotificationHandler
	waiters []*waiter

	threadsOnce sync.Once
	threads     *ThreadManager
}

func newCharacteristic(svc *Service, schema *CharacteristicSchema, handle *CharacteristicHandle) *Characteristic {
	uuid := NormalizeUUID(handle.UUID)
	return &Characteristic{
		uuid:    uuid,
		schema:  schema,
		handle:  handle,
		service: svc,
		device:  svc.device,
		logger:  svc.device.logger.WithField("characteristic", uuid),
		props:   handle.Properties,
		descs:   orderedmap.New[string, *Descriptor](),
	}
}

// UUID returns the normalized characteristic UUID.
func (c *Characteristic) UUID() string { return c.uuid }

// ID returns the schema identifier, empty for undeclared characteristics.
func (c *Characteristic) ID() string { return c.schema.ID }

// Name returns the display name.
func (c *Characteristic) Name() string {
	return displayName(c.schema.Name, c.uuid, bledb.LookupCharacteristic)
}

// Service returns the owning service.
func (c *Characteristic) Service() *Service { return c.service }

// Properties returns the physically discovered capability flags.
func (c *Characteristic) Properties() Properties { return c.props }

// Subscribed reports whether notification delivery is currently enabled.
func (c *Characteristic) Subscribed() bool { return c.subscribed.Load() }

// Declared reports whether this characteristic was declared in the schema
// rather than found by extensive discovery.
func (c *Characteristic) Declared() bool { return !c.schema.generic }

// Descriptors returns the discovered descriptors in discovery order.
func (c *Characteristic) Descriptors() []*Descriptor {
	result := make([]*Descriptor, 0, c.descs.Len())
	for pair := c.descs.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// Descriptor retrieves a discovered descriptor by UUID.
func (c *Characteristic) Descriptor(uuid string) (*Descriptor, error) {
	desc, ok := c.descs.Get(NormalizeUUID(uuid))
	if !ok {
		return nil, &NotFoundError{Resource: "descriptor", UUIDs: []string{c.uuid, uuid}}
	}
	return desc, nil
}

// Value returns the cached value: the last read result or notification
// payload. The returned slice is read-only.
func (c *Characteristic) Value() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

func (c *Characteristic) setValue(data []byte) {
	c.mu.Lock()
	c.value = data
	c.mu.Unlock()
}

// Read reads the characteristic value from the device through the
// operation queue and refreshes the cache. If the queue times out, a late
// native completion still refreshes the cache but this caller stays
// rejected.
func (c *Characteristic) Read(ctx context.Context) ([]byte, error) {
	var data []byte
	err := c.device.queue.Enqueue(ctx, "read "+c.uuid, func(opCtx context.Context) error {
		link, err := c.device.currentLink()
		if err != nil {
			return err
		}
		b, err := link.ReadCharacteristic(opCtx, c.handle)
		if err != nil {
			return err
		}
		data = b
		c.setValue(b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write writes the characteristic value through the operation queue.
func (c *Characteristic) Write(ctx context.Context, data []byte, withResponse bool) error {
	return c.device.queue.Enqueue(ctx, "write "+c.uuid, func(opCtx context.Context) error {
		link, err := c.device.currentLink()
		if err != nil {
			return err
		}
		return link.WriteCharacteristic(opCtx, c.handle, data, withResponse)
	})
}

// OnNotification registers a handler for every incoming notification of
// this characteristic. Handlers must copy the payload if they retain it.
func (c *Characteristic) OnNotification(fn NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// EnableNotifications starts notification delivery. No-op when already
// subscribed.
func (c *Characteristic) EnableNotifications(ctx context.Context) error {
	if !c.props.Notifiable() {
		return &Error{
			Kind:           KindOperation,
			Msg:            "characteristic does not support notifications",
			Characteristic: c.uuid,
		}
	}
	if c.subscribed.Load() {
		return nil
	}

	err := c.device.queue.Enqueue(ctx, "subscribe "+c.uuid, func(context.Context) error {
		link, err := c.device.currentLink()
		if err != nil {
			return err
		}
		return link.Subscribe(c.handle, c.handleNotification)
	})
	if err != nil {
		return err
	}
	c.subscribed.Store(true)
	return nil
}

// DisableNotifications stops notification delivery.
func (c *Characteristic) DisableNotifications(ctx context.Context) error {
	if !c.subscribed.Load() {
		return nil
	}

	err := c.device.queue.Enqueue(ctx, "unsubscribe "+c.uuid, func(context.Context) error {
		link, err := c.device.currentLink()
		if err != nil {
			return err
		}
		return link.Unsubscribe(c.handle)
	})
	if err != nil {
		return err
	}
	c.subscribed.Store(false)
	return nil
}

// Threads returns this characteristic's response thread manager, created
// on first use.
func (c *Characteristic) Threads() *ThreadManager {
	c.threadsOnce.Do(func() {
		c.threads = NewThreadManager(c.logger)
	})
	return c.threads
}

// AddPartial appends a notification payload as a partial response to the
// given thread. The caller's own predicate decides when the thread is
// complete.
func (c *Characteristic) AddPartial(id string, data []byte) {
	c.Threads().Add(id, &Response{
		Name:       id,
		Data:       append([]byte(nil), data...),
		ReceivedAt: time.Now(),
	})
}

// ResolveThread consumes the accumulated partials of a thread and emits a
// compound-notification event.
func (c *Characteristic) ResolveThread(id string) ([]*Response, error) {
	parts, err := c.Threads().Resolve(id)
	if err != nil {
		return nil, err
	}
	c.device.emit(Event{
		Type:           EventCompound,
		Service:        c.service.uuid,
		Characteristic: c.uuid,
		Thread:         id,
	})
	return parts, nil
}

// handleNotification is the single entry point for incoming notification
// payloads: cache refresh first, then request correlation, then subscriber
// fan-out, then event emission.
func (c *Characteristic) handleNotification(data []byte) {
	if c.device.cfg.LogNotifications {
		c.logger.WithField("bytes", len(data)).Debug("Notification received")
	}

	c.setValue(append([]byte(nil), data...))

	// First matching request waiter consumes the notification; plain
	// subscribers observe every notification regardless.
	c.dispatchToWaiters(data)

	c.mu.RLock()
	subs := make([]NotificationHandler, len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()
	for _, fn := range subs {
		fn(data)
	}

	c.device.emit(Event{
		Type:           EventNotification,
		Service:        c.service.uuid,
		Characteristic: c.uuid,
		Data:           append([]byte(nil), data...),
	})
}

// ----------------------------
// Descriptor
// ----------------------------

// Descriptor is a discovered GATT descriptor. Its value is read
// best-effort during discovery; Read refreshes it on demand.
type Descriptor struct {
	uuid   string
	schema *DescriptorSchema
	handle *DescriptorHandle
	char   *Characteristic

	mu      sync.RWMutex
	value   []byte
	readErr error
}

func newDescriptor(chr *Characteristic, schema *DescriptorSchema, handle *DescriptorHandle) *Descriptor {
	return &Descriptor{
		uuid:   NormalizeUUID(handle.UUID),
		schema: schema,
		handle: handle,
		char:   chr,
	}
}

// UUID returns the normalized descriptor UUID.
func (d *Descriptor) UUID() string { return d.uuid }

// ID returns the schema identifier, empty for undeclared descriptors.
func (d *Descriptor) ID() string { return d.schema.ID }

// Name returns the display name.
func (d *Descriptor) Name() string {
	return displayName(d.schema.Name, d.uuid, bledb.LookupDescriptor)
}

// Characteristic returns the owning characteristic.
func (d *Descriptor) Characteristic() *Characteristic { return d.char }

// Value returns the cached descriptor value, nil if never read or the
// read failed.
func (d *Descriptor) Value() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.value
}

// ReadError returns the error of the discovery-time best-effort read, if
// any.
func (d *Descriptor) ReadError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.readErr
}

func (d *Descriptor) setValue(data []byte, err error) {
	d.mu.Lock()
	d.value = data
	d.readErr = err
	d.mu.Unlock()
}

// Read reads the descriptor value from the device through the operation
// queue and refreshes the cache.
func (d *Descriptor) Read(ctx context.Context) ([]byte, error) {
	dev := d.char.device
	var data []byte
	err := dev.queue.Enqueue(ctx, fmt.Sprintf("read descriptor %s", d.uuid), func(opCtx context.Context) error {
		link, err := dev.currentLink()
		if err != nil {
			return err
		}
		b, err := link.ReadDescriptor(opCtx, d.handle)
		if err != nil {
			return err
		}
		data = b
		d.setValue(b, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
