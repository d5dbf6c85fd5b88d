package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kotlin-analyzer/kotlin-analyzer/internal/protocol"
)

func queuedEntry(c *correlator, method, uri string) *admissionEntry {
	pr := c.register(method, uri)
	msg, _ := protocol.NewRequest(pr.id, method, map[string]any{"uri": uri})
	return &admissionEntry{pr: pr, msg: msg, enqueuedAt: time.Now()}
}

// settled reports the outcome if the entry has one, without blocking.
func settled(pr *pendingRequest) (outcome, bool) {
	select {
	case out := <-pr.done:
		return out, true
	default:
		return outcome{}, false
	}
}

func TestEnqueueWithinCapacity(t *testing.T) {
	c := newCorrelator()
	a := newAdmission(2, nil)

	a.enqueue(queuedEntry(c, "analyze", "file:///a.kt"))
	a.enqueue(queuedEntry(c, "analyze", "file:///b.kt"))
	assert.Equal(t, 2, a.queueLen())
}

func TestSupersedesOldestSameMethodAndURI(t *testing.T) {
	c := newCorrelator()
	a := newAdmission(2, nil)

	first := queuedEntry(c, "analyze", "file:///a.kt")
	other := queuedEntry(c, "analyze", "file:///b.kt")
	a.enqueue(first)
	a.enqueue(other)
	a.enqueue(queuedEntry(c, "analyze", "file:///a.kt"))

	assert.Equal(t, 2, a.queueLen())

	out, ok := settled(first.pr)
	require.True(t, ok, "same-class victim must be completed")
	assert.True(t, errors.Is(out.err, ErrCancelled))

	_, ok = settled(other.pr)
	assert.False(t, ok, "unrelated entry must survive")
}

func TestSameClassNeverCoOccupiesQueue(t *testing.T) {
	c := newCorrelator()
	a := newAdmission(4, nil)

	first := queuedEntry(c, "analyze", "file:///a.kt")
	a.enqueue(first)
	a.enqueue(queuedEntry(c, "analyze", "file:///a.kt"))

	// Eviction happens even with room to spare: a newer request for the
	// same document makes the queued one stale.
	assert.Equal(t, 1, a.queueLen())
	out, ok := settled(first.pr)
	require.True(t, ok)
	assert.True(t, errors.Is(out.err, ErrCancelled))
}

func TestRapidSameClassSubmissionsKeepOnlyNewest(t *testing.T) {
	c := newCorrelator()
	a := newAdmission(2, nil)

	entries := []*admissionEntry{
		queuedEntry(c, "completion", "file:///a.kt"),
		queuedEntry(c, "completion", "file:///a.kt"),
		queuedEntry(c, "completion", "file:///a.kt"),
	}
	for _, e := range entries {
		a.enqueue(e)
	}

	assert.Equal(t, 1, a.queueLen())
	for i := 0; i < 2; i++ {
		out, ok := settled(entries[i].pr)
		require.True(t, ok, "entry %d must be cancelled", i)
		assert.True(t, errors.Is(out.err, ErrCancelled))
	}
	_, ok := settled(entries[2].pr)
	assert.False(t, ok, "newest entry must stay queued")

	got, ok := a.dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, entries[2].pr.id, got.pr.id)
}

func TestSupersedesOldestOverallWhenNoSameClass(t *testing.T) {
	c := newCorrelator()
	a := newAdmission(2, nil)

	oldest := queuedEntry(c, "hover", "file:///a.kt")
	a.enqueue(oldest)
	a.enqueue(queuedEntry(c, "definition", "file:///b.kt"))
	a.enqueue(queuedEntry(c, "analyze", "file:///c.kt"))

	assert.Equal(t, 2, a.queueLen())
	out, ok := settled(oldest.pr)
	require.True(t, ok)
	assert.True(t, errors.Is(out.err, ErrCancelled))
}

func TestDequeueOrderIsFIFO(t *testing.T) {
	c := newCorrelator()
	a := newAdmission(4, nil)

	e1 := queuedEntry(c, "analyze", "file:///a.kt")
	e2 := queuedEntry(c, "analyze", "file:///b.kt")
	a.enqueue(e1)
	a.enqueue(e2)

	got, ok := a.dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, e1.pr.id, got.pr.id)

	got, ok = a.dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, e2.pr.id, got.pr.id)
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	c := newCorrelator()
	a := newAdmission(4, nil)

	ch := make(chan *admissionEntry, 1)
	go func() {
		e, ok := a.dequeue(context.Background())
		if ok {
			ch <- e
		}
	}()

	time.Sleep(20 * time.Millisecond)
	want := queuedEntry(c, "analyze", "file:///a.kt")
	a.enqueue(want)

	select {
	case got := <-ch:
		assert.Equal(t, want.pr.id, got.pr.id)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake")
	}
}

func TestRemoveQueuedRequest(t *testing.T) {
	c := newCorrelator()
	a := newAdmission(4, nil)

	e := queuedEntry(c, "analyze", "file:///a.kt")
	a.enqueue(e)

	assert.True(t, a.remove(e.pr.id))
	assert.False(t, a.remove(e.pr.id))
	assert.Equal(t, 0, a.queueLen())
}

func TestDrainCompletesEverything(t *testing.T) {
	c := newCorrelator()
	a := newAdmission(4, nil)

	entries := []*admissionEntry{
		queuedEntry(c, "analyze", "file:///a.kt"),
		queuedEntry(c, "hover", "file:///b.kt"),
		queuedEntry(c, "definition", "file:///c.kt"),
	}
	for _, e := range entries {
		a.enqueue(e)
	}

	assert.Equal(t, 3, a.drain(ErrCrashed))
	for _, e := range entries {
		out, ok := settled(e.pr)
		require.True(t, ok)
		assert.True(t, errors.Is(out.err, ErrCrashed))
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	c := newCorrelator()
	a := newAdmission(4, nil)
	a.close()

	e := queuedEntry(c, "analyze", "file:///a.kt")
	a.enqueue(e)

	out, ok := settled(e.pr)
	require.True(t, ok)
	assert.True(t, errors.Is(out.err, ErrNotReady))

	_, ok = a.dequeue(context.Background())
	assert.False(t, ok)
}
