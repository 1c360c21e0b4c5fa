package gatt

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ResponseSpec describes the reply a request expects: a validator that
// recognizes the matching notification among unrelated device traffic, and
// an optional parser producing a typed value from the raw payload.
type ResponseSpec struct {
	Name string

	// Matches decides whether a notification payload is the reply to the
	// pending request. A non-matching notification is ignored and left
	// available to any other waiter.
	Matches func(data []byte) bool

	// Parse optionally converts the raw payload. A parse failure settles
	// the request with a response error. When nil, the response carries
	// the raw bytes only.
	Parse func(data []byte) (interface{}, error)
}

// Request carries an opaque payload and the spec of its expected reply.
type Request struct {
	Name         string
	Payload      []byte
	WithResponse bool // use a write-with-response at the GATT level
	Expect       *ResponseSpec
}

// Response is a reply received from the device, either correlated to a
// request or accumulated as a partial in a response thread.
type Response struct {
	Name       string
	Data       []byte
	Value      interface{} // result of ResponseSpec.Parse, if any
	ReceivedAt time.Time
}

// waiter is a one-shot registration for the next notification matching its
// spec. The channel is buffered so a delivery never blocks the notification
// path, and removal before delivery makes late notifications no-ops.
type waiter struct {
	spec *ResponseSpec
	ch   chan waiterResult
}

type waiterResult struct {
	resp *Response
	err  error
}

// Request writes the request payload and waits for the next notification
// accepted by the expected response's validator.
//
// The matcher is registered before the write is issued, so a reply arriving
// between write completion and listener installation cannot be lost. The
// write itself goes through the device's OperationQueue. A non-positive
// timeout selects the configured request timeout.
//
// Concurrent Request calls on the same characteristic race for the next
// matching notification; only RequestAll guarantees ordering.
func (c *Characteristic) Request(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	if req == nil || req.Expect == nil || req.Expect.Matches == nil {
		return nil, &Error{
			Kind:           KindConstruction,
			Msg:            "request must carry an expected response with a validator",
			Characteristic: c.uuid,
		}
	}
	if timeout <= 0 {
		timeout = c.device.cfg.RequestTimeout
	}

	w := c.addWaiter(req.Expect)

	opName := fmt.Sprintf("request %s on %s", req.Name, c.uuid)
	err := c.device.queue.Enqueue(ctx, opName, func(opCtx context.Context) error {
		link, err := c.device.currentLink()
		if err != nil {
			return err
		}
		return link.WriteCharacteristic(opCtx, c.handle, req.Payload, req.WithResponse)
	})
	if err != nil {
		// Deregister before surfacing the write failure; a notification
		// arriving after this point must not settle anything.
		c.removeWaiter(w)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-w.ch:
		return r.resp, r.err
	case <-timer.C:
		c.removeWaiter(w)
		// A match may have been delivered between timer fire and removal;
		// prefer the real response over the timeout.
		select {
		case r := <-w.ch:
			return r.resp, r.err
		default:
		}
		c.logger.WithFields(logrus.Fields{
			"request": req.Name,
			"timeout": timeout,
		}).Warn("No matching notification before deadline")
		return nil, &Error{
			Kind:           KindRequestTimeout,
			Msg:            fmt.Sprintf("no matching notification within %s", timeout),
			Device:         c.device.address,
			Service:        c.service.uuid,
			Characteristic: c.uuid,
		}
	case <-ctx.Done():
		c.removeWaiter(w)
		return nil, &Error{
			Kind:           KindOperation,
			Msg:            fmt.Sprintf("request %s cancelled", req.Name),
			Characteristic: c.uuid,
			Err:            ctx.Err(),
		}
	}
}

// RequestAll issues the requests strictly sequentially: each subsequent
// write is only sent after the previous response settles. This guarantees
// that the i-th result is the response to the i-th request, an ordering
// the transport cannot provide by itself against unsolicited device
// traffic. The first failure aborts the remainder.
func (c *Characteristic) RequestAll(ctx context.Context, reqs []*Request, timeout time.Duration) ([]*Response, error) {
	responses := make([]*Response, 0, len(reqs))
	for i, req := range reqs {
		resp, err := c.Request(ctx, req, timeout)
		if err != nil {
			return nil, fmt.Errorf("request %d of %d failed: %w", i+1, len(reqs), err)
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

func (c *Characteristic) addWaiter(spec *ResponseSpec) *waiter {
	w := &waiter{
		spec: spec,
		ch:   make(chan waiterResult, 1),
	}

	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	return w
}

func (c *Characteristic) removeWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, cur := range c.waiters {
		if cur == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// dispatchToWaiters offers a notification to pending request waiters in
// registration order. The first waiter whose validator accepts the payload
// consumes it. Returns true if a waiter consumed the notification.
func (c *Characteristic) dispatchToWaiters(data []byte) bool {
	c.mu.Lock()
	var matched *waiter
	for i, w := range c.waiters {
		if w.spec.Matches(data) {
			matched = w
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if matched == nil {
		return false
	}

	resp := &Response{
		Name:       matched.spec.Name,
		Data:       append([]byte(nil), data...),
		ReceivedAt: time.Now(),
	}

	if matched.spec.Parse != nil {
		value, err := matched.spec.Parse(data)
		if err != nil {
			matched.ch <- waiterResult{err: &Error{
				Kind:           KindResponse,
				Msg:            fmt.Sprintf("malformed %s reply", matched.spec.Name),
				Characteristic: c.uuid,
				Err:            err,
			}}
			return true
		}
		resp.Value = value
	}

	matched.ch <- waiterResult{resp: resp}
	return true
}
