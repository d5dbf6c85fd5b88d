package bridge

import (
	"sync"
	"time"
)

// debouncer coalesces rapid per-document edit bursts into one analysis per
// quiet period. Each Schedule restarts that document's timer; only a timer
// that fires uninterrupted submits work. User-initiated requests never pass
// through here; debouncing is for edit-triggered analysis only.
type debouncer struct {
	interval time.Duration
	fire     func(uri string)

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func newDebouncer(interval time.Duration, fire func(uri string)) *debouncer {
	return &debouncer{
		interval: interval,
		fire:     fire,
		timers:   make(map[string]*time.Timer),
	}
}

// schedule restarts the quiet-period timer for uri.
func (d *debouncer) schedule(uri string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if t, ok := d.timers[uri]; ok {
		t.Stop()
	}
	d.timers[uri] = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return
		}
		delete(d.timers, uri)
		d.mu.Unlock()
		d.fire(uri)
	})
}

// cancel drops any pending timer for uri, e.g. when the document closes.
func (d *debouncer) cancel(uri string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[uri]; ok {
		t.Stop()
		delete(d.timers, uri)
	}
}

// stop cancels every timer and refuses further scheduling.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for uri, t := range d.timers {
		t.Stop()
		delete(d.timers, uri)
	}
}
