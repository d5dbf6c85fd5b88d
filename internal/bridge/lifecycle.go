package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kotlin-analyzer/kotlin-analyzer/internal/event"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/logging"
)

// State is the sidecar lifecycle state. Exactly one authoritative copy
// exists per bridge, owned by the lifecycle machine and mutated only by the
// supervisor.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateDegraded
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateReady:
		return "Ready"
	case StateDegraded:
		return "Degraded"
	case StateRestarting:
		return "Restarting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// lifecycle tracks sidecar readiness and wakes gated callers on transitions.
// Waiters subscribe to a change channel that is closed and replaced on every
// transition, so WaitForReady wakes promptly instead of polling.
type lifecycle struct {
	mu       sync.Mutex
	state    State
	terminal bool
	changed  chan struct{}
	bus      *event.Bus
}

func newLifecycle(bus *event.Bus) *lifecycle {
	return &lifecycle{
		state:   StateStopped,
		changed: make(chan struct{}),
		bus:     bus,
	}
}

// get returns the current state.
func (l *lifecycle) get() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// set transitions to next. Returns false if the transition was refused:
// after stop() the machine is terminal and never leaves Stopped, and the
// initial Stopped state only leaves through an explicit start.
func (l *lifecycle) set(next State) bool {
	l.mu.Lock()
	prev := l.state
	if l.terminal {
		l.mu.Unlock()
		return false
	}
	if prev == next {
		l.mu.Unlock()
		return true
	}
	if prev == StateStopped && next != StateStarting {
		l.mu.Unlock()
		return false
	}
	l.state = next
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()

	logging.Debug().
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("sidecar state transition")

	if l.bus != nil {
		l.bus.Publish(event.Event{
			Type: event.SidecarStateChanged,
			Data: event.StateChangedData{Previous: prev.String(), Current: next.String()},
		})
	}
	return true
}

// stop moves to Stopped and marks the machine terminal. Used on shutdown;
// crash recovery goes through Degraded instead.
func (l *lifecycle) stop() {
	l.mu.Lock()
	prev := l.state
	l.state = StateStopped
	l.terminal = true
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()

	if prev != StateStopped && l.bus != nil {
		l.bus.Publish(event.Event{
			Type: event.SidecarStateChanged,
			Data: event.StateChangedData{Previous: prev.String(), Current: StateStopped.String()},
		})
	}
}

// waitForReady blocks while the state is Starting or Restarting, until the
// state becomes Ready or the timeout elapses. In Stopped or Degraded it
// fails immediately with ErrNotReady: those states do not self-resolve, so
// waiting would only delay the inevitable.
func (l *lifecycle) waitForReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		l.mu.Lock()
		state := l.state
		changed := l.changed
		l.mu.Unlock()

		switch state {
		case StateReady:
			return nil
		case StateStopped, StateDegraded:
			return fmt.Errorf("%w: sidecar is %s", ErrNotReady, state)
		}

		select {
		case <-changed:
		case <-timer.C:
			return fmt.Errorf("%w: sidecar still %s after %s", ErrTimeout, state, timeout)
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
		}
	}
}
