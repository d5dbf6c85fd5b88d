package bridge

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kotlin-analyzer/kotlin-analyzer/internal/event"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/logging"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/protocol"
)

// admissionEntry is a queued outbound analysis request.
type admissionEntry struct {
	pr         *pendingRequest
	msg        *protocol.Message
	enqueuedAt time.Time
}

// admission bounds the outbound analysis backlog. Two independent
// mechanisms:
//
//   - a bounded FIFO queue with supersession: at most one entry per
//     method+URI class occupies the queue at a time. Submitting a request
//     evicts any queued request of the same class, completing it with
//     ErrCancelled, so rapid typing never accumulates stale work against a
//     slow sidecar. Capacity pressure from distinct classes falls back to
//     evicting the oldest entry overall;
//   - a weight-1 semaphore taken by the dispatcher before each send, because
//     the sidecar's analysis engine is single-threaded and must never see
//     two semantic requests at once.
//
// Document-sync notifications bypass admission entirely.
type admission struct {
	sem *semaphore.Weighted
	bus *event.Bus

	mu       sync.Mutex
	capacity int
	queue    []*admissionEntry
	closed   bool
	wake     chan struct{}
}

func newAdmission(capacity int, bus *event.Bus) *admission {
	return &admission{
		sem:      semaphore.NewWeighted(1),
		bus:      bus,
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// enqueue appends the entry, superseding any queued same-class request. The
// evicted request is completed with ErrCancelled before the new one is
// admitted.
func (a *admission) enqueue(e *admissionEntry) {
	var evicted *pendingRequest

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		e.pr.complete(nil, ErrNotReady)
		return
	}

	// A newer request makes any queued one of the same method and URI
	// stale, regardless of queue pressure. One eviction at most: the
	// class invariant guarantees a single candidate.
	evicted = a.evictClassLocked(e.pr.method, e.pr.uri)
	if evicted == nil && len(a.queue) >= a.capacity {
		evicted = a.evictOldestLocked()
	}
	a.queue = append(a.queue, e)
	a.mu.Unlock()

	if evicted != nil {
		logging.Debug().
			Uint64("id", evicted.id).
			Str("method", evicted.method).
			Msg("superseded queued request")
		evicted.complete(nil, ErrCancelled)
		if a.bus != nil {
			a.bus.Publish(event.Event{
				Type: event.RequestSuperseded,
				Data: event.SupersededData{ID: evicted.id, Method: evicted.method, URI: evicted.uri},
			})
		}
	}

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// evictClassLocked removes and returns the queued entry matching
// method+uri, or nil if none is queued.
func (a *admission) evictClassLocked(method, uri string) *pendingRequest {
	for i, e := range a.queue {
		if e.pr.method == method && e.pr.uri == uri {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			return e.pr
		}
	}
	return nil
}

// evictOldestLocked removes and returns the head of the queue so a new
// entry fits when distinct classes fill it to capacity.
func (a *admission) evictOldestLocked() *pendingRequest {
	victim := a.queue[0].pr
	a.queue = a.queue[1:]
	return victim
}

// dequeue blocks until an entry is available or the context ends.
func (a *admission) dequeue(ctx context.Context) (*admissionEntry, bool) {
	for {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return nil, false
		}
		if len(a.queue) > 0 {
			e := a.queue[0]
			a.queue = a.queue[1:]
			a.mu.Unlock()
			return e, true
		}
		a.mu.Unlock()

		select {
		case <-a.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// remove takes a still-queued request out of the queue. Returns false if the
// request was already dispatched (or never queued).
func (a *admission) remove(id uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, e := range a.queue {
		if e.pr.id == id {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			return true
		}
	}
	return false
}

// drain empties the queue, completing every entry with err.
func (a *admission) drain(err error) int {
	a.mu.Lock()
	drained := a.queue
	a.queue = nil
	a.mu.Unlock()

	for _, e := range drained {
		e.pr.complete(nil, err)
	}
	return len(drained)
}

// close drains the queue and refuses future submissions.
func (a *admission) close() {
	a.mu.Lock()
	a.closed = true
	drained := a.queue
	a.queue = nil
	a.mu.Unlock()

	for _, e := range drained {
		e.pr.complete(nil, ErrCancelled)
	}

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// queueLen reports the current backlog.
func (a *admission) queueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// acquireSlot takes the single-flight semaphore.
func (a *admission) acquireSlot(ctx context.Context) error {
	return a.sem.Acquire(ctx, 1)
}

// releaseSlot returns the single-flight semaphore.
func (a *admission) releaseSlot() {
	a.sem.Release(1)
}
