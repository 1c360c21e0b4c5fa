package gatt

import (
	"context"
	"sync"
	"time"
)

// fakePeripheral is a scriptable in-memory device profile shared by a
// fakeTransport and the fakeLink it dials. Tests build the profile with the
// fluent with* methods, then script failures and inject notifications.
type fakePeripheral struct {
	mu sync.Mutex

	order    []string
	services map[string]*fakeService

	dialErr   error
	dialDelay time.Duration
	dialCount int

	// remaining lookup failures per node key ("svc:<uuid>", "chr:<uuid>",
	// "dsc:<uuid>"); each failed lookup decrements.
	failFind map[string]int

	readDelay  time.Duration
	writeDelay time.Duration
	readErr    map[string]error
	writeErr   map[string]error
	subErr     map[string]error

	writes       []fakeWrite
	onWrite      func(chrUUID string, data []byte)
	subs         map[string]NotificationHandler
	unsubscribed []string

	onDisconnect func(error)
	closed       bool
}

type fakeService struct {
	uuid  string
	order []string
	chars map[string]*fakeChar
}

type fakeChar struct {
	uuid  string
	props Properties
	value []byte
	order []string
	descs map[string][]byte
}

type fakeWrite struct {
	chr          string
	data         []byte
	withResponse bool
}

func newFakePeripheral() *fakePeripheral {
	return &fakePeripheral{
		services: make(map[string]*fakeService),
		failFind: make(map[string]int),
		readErr:  make(map[string]error),
		writeErr: make(map[string]error),
		subErr:   make(map[string]error),
		subs:     make(map[string]NotificationHandler),
	}
}

func (p *fakePeripheral) withService(uuid string) *fakePeripheral {
	uuid = NormalizeUUID(uuid)
	p.services[uuid] = &fakeService{uuid: uuid, chars: make(map[string]*fakeChar)}
	p.order = append(p.order, uuid)
	return p
}

// withCharacteristic adds a characteristic to the most recently added
// service.
func (p *fakePeripheral) withCharacteristic(uuid string, props Properties, value []byte) *fakePeripheral {
	if len(p.order) == 0 {
		panic("withCharacteristic: call withService first")
	}
	svc := p.services[p.order[len(p.order)-1]]
	uuid = NormalizeUUID(uuid)
	svc.chars[uuid] = &fakeChar{uuid: uuid, props: props, value: value, descs: make(map[string][]byte)}
	svc.order = append(svc.order, uuid)
	return p
}

// withDescriptor adds a descriptor to the most recently added
// characteristic.
func (p *fakePeripheral) withDescriptor(uuid string, value []byte) *fakePeripheral {
	if len(p.order) == 0 {
		panic("withDescriptor: call withService and withCharacteristic first")
	}
	svc := p.services[p.order[len(p.order)-1]]
	if len(svc.order) == 0 {
		panic("withDescriptor: call withCharacteristic first")
	}
	chr := svc.chars[svc.order[len(svc.order)-1]]
	uuid = NormalizeUUID(uuid)
	chr.descs[uuid] = value
	chr.order = append(chr.order, uuid)
	return p
}

// failFindTimes makes the next n lookups of the given node fail before
// lookups succeed again. Used for discovery retry tests.
func (p *fakePeripheral) failFindTimes(kind, uuid string, n int) *fakePeripheral {
	p.mu.Lock()
	p.failFind[kind+":"+NormalizeUUID(uuid)] = n
	p.mu.Unlock()
	return p
}

func (p *fakePeripheral) transport() *fakeTransport {
	return &fakeTransport{peripheral: p}
}

// notify delivers a notification payload to the subscribed handler of the
// given characteristic, as the native stack would.
func (p *fakePeripheral) notify(chrUUID string, data []byte) {
	p.mu.Lock()
	h := p.subs[NormalizeUUID(chrUUID)]
	p.mu.Unlock()
	if h != nil {
		h(data)
	}
}

func (p *fakePeripheral) subscribedTo(chrUUID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.subs[NormalizeUUID(chrUUID)]
	return ok
}

func (p *fakePeripheral) writtenPayloads() []fakeWrite {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]fakeWrite(nil), p.writes...)
}

// dropConnection simulates an unsolicited link loss.
func (p *fakePeripheral) dropConnection(cause error) {
	p.mu.Lock()
	cb := p.onDisconnect
	p.mu.Unlock()
	if cb != nil {
		cb(cause)
	}
}

func (p *fakePeripheral) consumeFailure(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.failFind[key]; n > 0 {
		p.failFind[key] = n - 1
		return true
	}
	return false
}

// fakeTransport dials fakeLink views over one fakePeripheral.
type fakeTransport struct {
	peripheral *fakePeripheral
}

func (t *fakeTransport) Dial(ctx context.Context, address string) (Link, error) {
	p := t.peripheral
	p.mu.Lock()
	p.dialCount++
	delay, dialErr := p.dialDelay, p.dialErr
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &fakeLink{p: p}, nil
}

type fakeLink struct {
	p *fakePeripheral
}

func (l *fakeLink) FindService(ctx context.Context, uuid string) (*ServiceHandle, error) {
	uuid = NormalizeUUID(uuid)
	if l.p.consumeFailure("svc:" + uuid) {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}

	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	svc, ok := l.p.services[uuid]
	if !ok {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return &ServiceHandle{UUID: svc.uuid, Native: svc}, nil
}

func (l *fakeLink) FindCharacteristic(ctx context.Context, svc *ServiceHandle, uuid string) (*CharacteristicHandle, error) {
	uuid = NormalizeUUID(uuid)
	if l.p.consumeFailure("chr:" + uuid) {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}

	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	fs, ok := l.p.services[svc.UUID]
	if !ok {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{svc.UUID}}
	}
	chr, ok := fs.chars[uuid]
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{svc.UUID, uuid}}
	}
	return &CharacteristicHandle{UUID: chr.uuid, Properties: chr.props, Native: chr}, nil
}

func (l *fakeLink) FindDescriptor(ctx context.Context, chr *CharacteristicHandle, uuid string) (*DescriptorHandle, error) {
	uuid = NormalizeUUID(uuid)
	if l.p.consumeFailure("dsc:" + uuid) {
		return nil, &NotFoundError{Resource: "descriptor", UUIDs: []string{uuid}}
	}

	fc, ok := chr.Native.(*fakeChar)
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{chr.UUID}}
	}
	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	if _, ok := fc.descs[uuid]; !ok {
		return nil, &NotFoundError{Resource: "descriptor", UUIDs: []string{chr.UUID, uuid}}
	}
	return &DescriptorHandle{UUID: uuid, Native: fc}, nil
}

func (l *fakeLink) Enumerate(ctx context.Context) (*Profile, error) {
	l.p.mu.Lock()
	defer l.p.mu.Unlock()

	profile := &Profile{}
	for _, su := range l.p.order {
		fs := l.p.services[su]
		ps := ProfileService{Service: ServiceHandle{UUID: fs.uuid, Native: fs}}
		for _, cu := range fs.order {
			fc := fs.chars[cu]
			pc := ProfileCharacteristic{
				Characteristic: CharacteristicHandle{UUID: fc.uuid, Properties: fc.props, Native: fc},
			}
			for du := range fc.descs {
				pc.Descriptors = append(pc.Descriptors, DescriptorHandle{UUID: du, Native: fc})
			}
			ps.Characteristics = append(ps.Characteristics, pc)
		}
		profile.Services = append(profile.Services, ps)
	}
	return profile, nil
}

func (l *fakeLink) ReadCharacteristic(ctx context.Context, chr *CharacteristicHandle) ([]byte, error) {
	l.p.mu.Lock()
	delay := l.p.readDelay
	err := l.p.readErr[chr.UUID]
	l.p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	fc, _ := chr.Native.(*fakeChar)
	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	return append([]byte(nil), fc.value...), nil
}

func (l *fakeLink) WriteCharacteristic(ctx context.Context, chr *CharacteristicHandle, data []byte, withResponse bool) error {
	l.p.mu.Lock()
	delay := l.p.writeDelay
	err := l.p.writeErr[chr.UUID]
	onWrite := l.p.onWrite
	l.p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	l.p.mu.Lock()
	l.p.writes = append(l.p.writes, fakeWrite{chr: chr.UUID, data: append([]byte(nil), data...), withResponse: withResponse})
	if fc, ok := chr.Native.(*fakeChar); ok {
		fc.value = append([]byte(nil), data...)
	}
	l.p.mu.Unlock()

	if onWrite != nil {
		onWrite(chr.UUID, data)
	}
	return nil
}

func (l *fakeLink) ReadDescriptor(ctx context.Context, desc *DescriptorHandle) ([]byte, error) {
	fc, ok := desc.Native.(*fakeChar)
	if !ok {
		return nil, &NotFoundError{Resource: "descriptor", UUIDs: []string{desc.UUID}}
	}
	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	if err := l.p.readErr["dsc:"+desc.UUID]; err != nil {
		return nil, err
	}
	return append([]byte(nil), fc.descs[desc.UUID]...), nil
}

func (l *fakeLink) Subscribe(chr *CharacteristicHandle, h NotificationHandler) error {
	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	if err := l.p.subErr[chr.UUID]; err != nil {
		return err
	}
	l.p.subs[chr.UUID] = h
	return nil
}

func (l *fakeLink) Unsubscribe(chr *CharacteristicHandle) error {
	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	delete(l.p.subs, chr.UUID)
	l.p.unsubscribed = append(l.p.unsubscribed, chr.UUID)
	return nil
}

func (l *fakeLink) OnDisconnect(fn func(error)) {
	l.p.mu.Lock()
	l.p.onDisconnect = fn
	l.p.mu.Unlock()
}

func (l *fakeLink) Close() error {
	l.p.mu.Lock()
	l.p.closed = true
	l.p.subs = make(map[string]NotificationHandler)
	l.p.mu.Unlock()
	return nil
}
