package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kotlin-analyzer/kotlin-analyzer/internal/logging"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/protocol"
)

// outcome is the terminal result of a pending request.
type outcome struct {
	result json.RawMessage
	err    error
}

// pendingRequest tracks one in-flight or queued request from registration
// until a response, cancellation, or crash completes it. Completion happens
// exactly once; later responses for the same id are discarded.
type pendingRequest struct {
	id          uint64
	method      string
	uri         string
	submittedAt time.Time

	done chan outcome

	mu       sync.Mutex
	settled  bool
	sent     bool
	onSettle func() // releases the single-flight slot, may be nil
}

// complete settles the request. Safe to call multiple times; only the first
// call wins.
func (p *pendingRequest) complete(result json.RawMessage, err error) {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return
	}
	p.settled = true
	onSettle := p.onSettle
	p.mu.Unlock()

	p.done <- outcome{result: result, err: err}
	if onSettle != nil {
		onSettle()
	}
}

// bindSlot marks the request as dispatched and arranges for release to run
// when it settles. Returns false if the request settled first, in which case
// the caller keeps ownership of the slot.
func (p *pendingRequest) bindSlot(release func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	p.onSettle = release
	p.sent = true
	return true
}

// wasSent reports whether the request was already written to the sidecar.
func (p *pendingRequest) wasSent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// correlator owns the pending-request mapping. IDs are bridge-local,
// monotonic, and never reused, even across sidecar restarts.
type correlator struct {
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingRequest
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[uint64]*pendingRequest)}
}

// register allocates an id and inserts a pending entry for it.
func (c *correlator) register(method, uri string) *pendingRequest {
	pr := &pendingRequest{
		id:          c.nextID.Add(1),
		method:      method,
		uri:         uri,
		submittedAt: time.Now(),
		done:        make(chan outcome, 1),
	}

	c.mu.Lock()
	c.pending[pr.id] = pr
	c.mu.Unlock()
	return pr
}

// lookup returns the pending entry for id, if any.
func (c *correlator) lookup(id uint64) (*pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr, ok := c.pending[id]
	return pr, ok
}

// remove deletes the entry without completing it.
func (c *correlator) remove(id uint64) (*pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return pr, ok
}

// resolve matches a sidecar response to its pending request. Unmatched
// responses (from cancelled or superseded requests) are dropped with a
// warning.
func (c *correlator) resolve(msg *protocol.Message) {
	id, ok := msg.NumericID()
	if !ok {
		logging.Warn().Msg("sidecar response without numeric id, dropping")
		return
	}

	pr, found := c.remove(id)
	if !found {
		logging.Warn().Uint64("id", id).Msg("response for unknown request id, dropping")
		return
	}

	if msg.Error != nil {
		pr.complete(nil, responseError(msg.Error))
		return
	}
	result := msg.Result
	if result == nil {
		result = json.RawMessage("null")
	}
	pr.complete(result, nil)
}

// fail removes the entry for id and completes it with err. Returns false if
// no such entry existed.
func (c *correlator) fail(id uint64, err error) bool {
	pr, ok := c.remove(id)
	if !ok {
		return false
	}
	pr.complete(nil, err)
	return true
}

// failAll completes every pending request with err and empties the mapping.
// Invoked on crash detection so callers never wait on a dead process.
func (c *correlator) failAll(err error) int {
	c.mu.Lock()
	drained := make([]*pendingRequest, 0, len(c.pending))
	for _, pr := range c.pending {
		drained = append(drained, pr)
	}
	c.pending = make(map[uint64]*pendingRequest)
	c.mu.Unlock()

	for _, pr := range drained {
		pr.complete(nil, err)
	}
	return len(drained)
}

// pendingCount reports the number of outstanding requests.
func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// responseError maps a JSON-RPC error object onto the bridge taxonomy.
func responseError(e *protocol.ResponseError) error {
	if e.Code == protocol.CodeMethodNotFound {
		return fmt.Errorf("%w: %s", ErrMethodNotSupported, e.Message)
	}
	return fmt.Errorf("%w: error %d: %s", ErrMalformedResponse, e.Code, e.Message)
}
