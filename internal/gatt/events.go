package gatt

// EventType names a lifecycle or data event emitted by a Device.
type EventType string

const (
	// Device-scoped lifecycle events.
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
	EventConnectionLost EventType = "connection-lost"
	EventAdvertised     EventType = "advertised"

	// Characteristic-scoped data events.
	EventNotification EventType = "notification"
	EventCompound     EventType = "compound-notification"
)

// Event is delivered on Device.Events(). Delivery is lossy under
// backpressure (oldest events are dropped first); events are a consumer
// surface, never an internal control channel.
type Event struct {
	Type    EventType
	Device  string // device address
	Service string // set for characteristic-scoped events
	// Characteristic UUID for notification/compound events.
	Characteristic string
	// Data is the notification payload, or nil.
	Data []byte
	// Thread is the resolved thread id for compound events.
	Thread string
	// Err carries the disconnect reason for connection-lost events.
	Err error
}
