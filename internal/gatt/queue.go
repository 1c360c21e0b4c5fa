package gatt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gattkit/gattkit/internal/groutine"
)

// DefaultOperationTimeout bounds a single queued hardware operation when
// the configuration does not say otherwise.
const DefaultOperationTimeout = 5 * time.Second

// Operation is a single hardware call. The context carries the worker
// goroutine identity; operations must not assume it is cancelled on
// timeout (see OperationQueue).
type Operation func(ctx context.Context) error

// OperationQueue serializes all hardware operations of one device onto a
// single-flight FIFO lane. A single worker drains the queue strictly one
// operation at a time, so at most one native call is in flight per device.
//
// Each dequeued operation runs under a fixed timeout. When the timeout
// elapses the caller is rejected and the queue immediately proceeds to the
// next item; the in-flight native call is NOT aborted, its result lands
// in an abandoned buffered channel and is discarded. Side effects the
// operation already applied (e.g. a cached-value refresh) stand, but the
// rejected caller is never re-resolved.
type OperationQueue struct {
	name    string
	timeout time.Duration
	logger  *logrus.Entry

	ops       chan *queuedOp
	quit      chan struct{}
	closeOnce sync.Once

	// test seams, observed by the worker around every operation
	onStarted  func(name string)
	onFinished func(name string)
}

type queuedOp struct {
	name   string
	fn     Operation
	result chan error // buffered; exactly one send by the worker
}

// NewOperationQueue creates a queue and starts its worker. A non-positive
// timeout selects DefaultOperationTimeout.
func NewOperationQueue(name string, timeout time.Duration, logger *logrus.Logger) *OperationQueue {
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}

	q := &OperationQueue{
		name:    name,
		timeout: timeout,
		logger:  logger.WithField("queue", name),
		ops:     make(chan *queuedOp, 64),
		quit:    make(chan struct{}),
	}

	groutine.Go(context.Background(), "opqueue-"+name, q.run)
	return q
}

// Enqueue appends the operation to the FIFO and blocks until it settles.
// A nil operation is a queue-usage error, checked synchronously and out of
// queue order. All other failures surface as operation errors wrapping the
// native failure or the per-operation timeout.
func (q *OperationQueue) Enqueue(ctx context.Context, name string, fn Operation) error {
	if fn == nil {
		return errf(KindQueueUsage, "operation %q must not be nil", name)
	}

	// Checked before the send: the ops channel is buffered, so a send can
	// succeed even when the worker is already gone.
	select {
	case <-q.quit:
		return errf(KindQueueUsage, "queue %q is closed", q.name)
	default:
	}

	op := &queuedOp{
		name:   name,
		fn:     fn,
		result: make(chan error, 1),
	}

	select {
	case q.ops <- op:
	case <-q.quit:
		return errf(KindQueueUsage, "queue %q is closed", q.name)
	case <-ctx.Done():
		return &Error{Kind: KindOperation, Msg: fmt.Sprintf("operation %q abandoned before start", name), Err: ctx.Err()}
	}

	select {
	case err := <-op.result:
		return err
	case <-q.quit:
		// The worker may have settled the operation in the same instant;
		// prefer the real outcome.
		select {
		case err := <-op.result:
			return err
		default:
		}
		return errf(KindQueueUsage, "queue %q closed while operation %q was pending", q.name, name)
	case <-ctx.Done():
		// The worker will still execute (or is executing) the operation;
		// the buffered result channel absorbs its outcome.
		return &Error{Kind: KindOperation, Msg: fmt.Sprintf("operation %q cancelled", name), Err: ctx.Err()}
	}
}

// Close stops the worker. Pending operations that were not yet dequeued
// are rejected on their next Enqueue wait only via queue closure; Close is
// intended for device teardown in tests and at end of life.
func (q *OperationQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.quit)
	})
}

func (q *OperationQueue) run(ctx context.Context) {
	for {
		select {
		case <-q.quit:
			return
		case op := <-q.ops:
			q.execute(ctx, op)
		}
	}
}

func (q *OperationQueue) execute(ctx context.Context, op *queuedOp) {
	if q.onStarted != nil {
		q.onStarted(op.name)
	}
	q.logger.WithField("operation", op.name).Debug("Operation started")

	// Run the native call in its own goroutine and race it against the
	// timer. The buffered channel makes a late completion a provable
	// no-op: the send succeeds, nobody reads it.
	done := make(chan error, 1)
	groutine.Go(ctx, "op-"+op.name, func(opCtx context.Context) {
		done <- op.fn(opCtx)
	})

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			err = &Error{Kind: KindOperation, Msg: fmt.Sprintf("operation %q failed", op.name), Err: err}
		}
		op.result <- err
	case <-timer.C:
		q.logger.WithFields(logrus.Fields{
			"operation": op.name,
			"timeout":   q.timeout,
		}).Warn("Operation timed out, abandoning result")
		op.result <- errf(KindOperation, "operation %q timed out after %s", op.name, q.timeout)
	}

	if q.onFinished != nil {
		q.onFinished(op.name)
	}
	q.logger.WithField("operation", op.name).Debug("Operation finished")
}
