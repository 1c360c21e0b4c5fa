package gatt

import (
	"context"
	"strings"
)

// Properties is the capability record of a characteristic, using the GATT
// property bit layout.
type Properties uint8

const (
	PropBroadcast Properties = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
)

// Has reports whether all the given flags are present.
func (p Properties) Has(flags Properties) bool {
	return p&flags == flags
}

// Notifiable reports whether the characteristic can push unsolicited
// values (notify or indicate).
func (p Properties) Notifiable() bool {
	return p&(PropNotify|PropIndicate) != 0
}

func (p Properties) String() string {
	var names []string
	for _, f := range []struct {
		flag Properties
		name string
	}{
		{PropBroadcast, "broadcast"},
		{PropRead, "read"},
		{PropWriteWithoutResponse, "write-without-response"},
		{PropWrite, "write"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
	} {
		if p&f.flag != 0 {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// NormalizeUUID converts a UUID string to the canonical internal format
// (lowercase, no dashes). Handles both standard UUID format and already
// normalized input.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(uuids []string) []string {
	normalized := make([]string, len(uuids))
	for i, uuid := range uuids {
		normalized[i] = NormalizeUUID(uuid)
	}
	return normalized
}

// ServiceHandle is a transport-level reference to a physical GATT service.
// Native carries the transport's own object and is opaque to the engine.
type ServiceHandle struct {
	UUID   string
	Native interface{}
}

// CharacteristicHandle is a transport-level reference to a physical GATT
// characteristic.
type CharacteristicHandle struct {
	UUID       string
	Properties Properties
	Native     interface{}
}

// DescriptorHandle is a transport-level reference to a physical GATT
// descriptor.
type DescriptorHandle struct {
	UUID   string
	Native interface{}
}

// Profile is a full enumeration snapshot of a device, used by extensive
// discovery.
type Profile struct {
	Services []ProfileService
}

type ProfileService struct {
	Service         ServiceHandle
	Characteristics []ProfileCharacteristic
}

type ProfileCharacteristic struct {
	Characteristic CharacteristicHandle
	Descriptors    []DescriptorHandle
}

// NotificationHandler receives raw notification payloads. The data slice is
// only valid for the duration of the call; handlers must copy it if they
// retain it.
type NotificationHandler func(data []byte)

// Link is the primitive capability of an established device connection, as
// supplied by the host platform. All calls are issued by the engine through
// the device's OperationQueue; implementations do not need to serialize
// internally.
type Link interface {
	// FindService resolves a service by UUID. Returns a *NotFoundError
	// when the device does not expose it.
	FindService(ctx context.Context, uuid string) (*ServiceHandle, error)

	// FindCharacteristic resolves a characteristic by UUID within a
	// previously resolved service.
	FindCharacteristic(ctx context.Context, svc *ServiceHandle, uuid string) (*CharacteristicHandle, error)

	// FindDescriptor resolves a descriptor by UUID within a previously
	// resolved characteristic.
	FindDescriptor(ctx context.Context, chr *CharacteristicHandle, uuid string) (*DescriptorHandle, error)

	// Enumerate performs a full service/characteristic/descriptor scan.
	Enumerate(ctx context.Context) (*Profile, error)

	ReadCharacteristic(ctx context.Context, chr *CharacteristicHandle) ([]byte, error)
	WriteCharacteristic(ctx context.Context, chr *CharacteristicHandle, data []byte, withResponse bool) error
	ReadDescriptor(ctx context.Context, d *DescriptorHandle) ([]byte, error)

	// Subscribe starts notification delivery for the characteristic.
	Subscribe(chr *CharacteristicHandle, h NotificationHandler) error
	// Unsubscribe stops notification delivery.
	Unsubscribe(chr *CharacteristicHandle) error

	// OnDisconnect installs the handler invoked once when the link drops,
	// whether caller-initiated or not.
	OnDisconnect(fn func(reason error))

	// Close tears the link down. Idempotent.
	Close() error
}

// Transport establishes logical links to devices. It is the boundary to the
// host platform's BLE stack; everything above it is platform-independent.
type Transport interface {
	Dial(ctx context.Context, address string) (Link, error)
}
