package gatt

import (
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ThreadManager groups unsolicited partial responses that jointly form one
// compound reply. A thread is keyed by an application-chosen identifier
// (typically an opcode) and accumulates partials in arrival order.
//
// The manager never decides when a thread is complete; the consuming
// characteristic's own per-partial predicate makes that call and then
// resolves the thread.
type ThreadManager struct {
	mu      sync.Mutex
	threads *orderedmap.OrderedMap[string, []*Response]
	logger  *logrus.Entry
}

// NewThreadManager creates an empty manager.
func NewThreadManager(logger *logrus.Entry) *ThreadManager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &ThreadManager{
		threads: orderedmap.New[string, []*Response](),
		logger:  logger,
	}
}

// Add appends a partial response to the thread with the given id, creating
// the thread if it does not exist yet.
func (m *ThreadManager) Add(id string, partial *Response) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts, _ := m.threads.Get(id)
	m.threads.Set(id, append(parts, partial))

	m.logger.WithFields(logrus.Fields{
		"thread": id,
		"parts":  len(parts) + 1,
	}).Debug("Partial response appended to thread")
}

// Has reports whether a thread with the given id exists.
func (m *ThreadManager) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.threads.Get(id)
	return ok
}

// Len returns the number of accumulated partials for id, 0 if absent.
func (m *ThreadManager) Len(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts, _ := m.threads.Get(id)
	return len(parts)
}

// Resolve returns the accumulated partials in insertion order and removes
// the thread. Resolving an unknown id is an error.
func (m *ThreadManager) Resolve(id string) ([]*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts, ok := m.threads.Get(id)
	if !ok {
		return nil, errf(KindResponse, "cannot resolve unknown response thread %q", id)
	}
	m.threads.Delete(id)

	m.logger.WithFields(logrus.Fields{
		"thread": id,
		"parts":  len(parts),
	}).Debug("Response thread resolved")
	return parts, nil
}
