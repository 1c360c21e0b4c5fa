package gatt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the connection lifecycle state of a Device.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateDiscoveringInterface
	StateInitializing
	StateConnected
	StateDisconnecting
	StateConnectionLost
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateDiscoveringInterface:
		return "discovering-interface"
	case StateInitializing:
		return "initializing"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateConnectionLost:
		return "connection-lost"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// State returns the current connection state.
func (d *Device) State() State {
	return State(d.state.Load())
}

// Connected reports whether the device is fully connected, i.e. the
// interface has been discovered and initialized.
func (d *Device) Connected() bool {
	return d.State() == StateConnected
}

func (d *Device) setState(s State) {
	prev := State(d.state.Swap(int32(s)))
	if prev != s {
		d.logger.WithFields(logrus.Fields{
			"from": prev.String(),
			"to":   s.String(),
		}).Debug("Connection state changed")
	}
}

// Connect establishes the link, discovers the declared interface, and runs
// initialization. On return the device is either fully Connected or back
// in Disconnected with no partial graph left behind.
//
// Connect attempts are serialized against Disconnect; a Connect on an
// already connected device is an error. A configured connect timeout bounds
// the whole sequence including discovery; a zero timeout disables the
// bound, leaving cancellation to the caller's context.
func (d *Device) Connect(ctx context.Context) error {
	d.connMu.Lock()
	defer d.connMu.Unlock()

	switch d.State() {
	case StateDisconnected, StateConnectionLost:
	default:
		return &Error{
			Kind:   KindConnection,
			Msg:    fmt.Sprintf("connect attempted in state %s", d.State()),
			Device: d.address,
		}
	}

	if d.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ConnectTimeout)
		defer cancel()
	}

	d.generation.Add(1)
	d.setState(StateConnecting)
	d.logger.Info("Connecting to device")

	link, err := d.transport.Dial(ctx, d.address)
	if err != nil {
		d.setState(StateDisconnected)
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Error{
				Kind:   KindConnectionTimeout,
				Msg:    fmt.Sprintf("connection not established within %s", d.cfg.ConnectTimeout),
				Device: d.address,
				Err:    err,
			}
		}
		return &Error{Kind: KindConnection, Msg: "failed to establish connection", Device: d.address, Err: err}
	}

	d.mu.Lock()
	d.link = link
	d.mu.Unlock()

	d.setState(StateDiscoveringInterface)
	if err := d.discoverInterface(ctx, link); err != nil {
		d.teardown(link)
		d.setState(StateDisconnected)
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Error{
				Kind:   KindConnectionTimeout,
				Msg:    fmt.Sprintf("connection sequence not completed within %s", d.cfg.ConnectTimeout),
				Device: d.address,
				Err:    err,
			}
		}
		return err
	}

	// The native disconnect callback is only armed once the connection is
	// fully established; failures before this point are reported by Connect
	// itself, not as a lost connection.
	link.OnDisconnect(d.handleNativeDisconnect)

	d.setState(StateConnected)
	d.logger.WithField("attempts", d.DiscoveryAttempts()).Info("Device connected")
	d.emit(Event{Type: EventConnected})
	return nil
}

// Disconnect tears the connection down intentionally. Safe to call in any
// state; disconnecting an already disconnected device is a no-op.
func (d *Device) Disconnect(ctx context.Context) error {
	d.connMu.Lock()
	defer d.connMu.Unlock()

	switch d.State() {
	case StateDisconnected, StateConnectionLost:
		d.setState(StateDisconnected)
		return nil
	default:
	}

	d.setState(StateDisconnecting)
	d.logger.Info("Disconnecting from device")

	// Mark the teardown as intentional so the native disconnect callback
	// racing with it does not classify this as a lost connection.
	d.aboutToDisconnect.Store(true)
	defer d.aboutToDisconnect.Store(false)

	d.unsubscribeAll(ctx)

	d.mu.Lock()
	link := d.link
	d.mu.Unlock()
	if link != nil {
		d.teardown(link)
	}

	d.setState(StateDisconnected)
	d.emit(Event{Type: EventDisconnected})
	return nil
}

// Close releases the device permanently: disconnects, stops the operation
// queue, and closes the event stream. Safe to call more than once; the
// device must not be used after.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err = d.Disconnect(ctx)
		d.queue.Close()

		d.eventsMu.Lock()
		d.closed = true
		d.events.Close()
		d.eventsMu.Unlock()
	})
	return err
}

// unsubscribeAll best-effort disables notifications on every subscribed
// characteristic before an intentional disconnect. Some peripherals
// misbehave when a bond terminates with subscriptions still armed.
func (d *Device) unsubscribeAll(ctx context.Context) {
	for _, svc := range d.Services() {
		for _, chr := range svc.Characteristics() {
			if !chr.Subscribed() {
				continue
			}
			if err := chr.DisableNotifications(ctx); err != nil {
				d.logger.WithFields(logrus.Fields{
					"characteristic": chr.UUID(),
					"error":          err,
				}).Debug("Failed to unsubscribe during disconnect")
			}
		}
	}
}

// teardown closes the native link and discards the object graph. Native
// close errors are logged, never surfaced; the graph is gone either way.
func (d *Device) teardown(link Link) {
	// The link's own disconnect signal will fire as a consequence of the
	// close; suppress its classification as a connection loss.
	d.suppressNative.Store(true)
	defer d.suppressNative.Store(false)

	if err := link.Close(); err != nil {
		d.logger.WithField("error", err).Debug("Native link close reported an error")
	}

	d.mu.Lock()
	d.link = nil
	d.mu.Unlock()
	d.resetGraph()
}

// handleNativeDisconnect classifies an unsolicited link drop. Drops caused
// by our own teardown are ignored, as are callbacks the platform delivers
// after the device is closed; everything else is a lost connection.
func (d *Device) handleNativeDisconnect(cause error) {
	if d.suppressNative.Load() || d.aboutToDisconnect.Load() || d.isClosed() {
		return
	}

	d.logger.WithField("cause", cause).Warn("Connection lost")
	d.setState(StateConnectionLost)
	d.emit(Event{Type: EventConnectionLost, Err: cause})

	d.mu.Lock()
	d.link = nil
	d.mu.Unlock()
	d.resetGraph()

	d.setState(StateDisconnected)
	d.emit(Event{Type: EventDisconnected})
}
