package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kotlin-analyzer/kotlin-analyzer/internal/config"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/event"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/logging"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/protocol"
)

const (
	// RestartInitialInterval is the first restart delay after a crash.
	RestartInitialInterval = 500 * time.Millisecond
	// RestartMaxInterval caps the restart delay.
	RestartMaxInterval = 30 * time.Second
	// RestartResetAfter is how long the sidecar must stay Ready before the
	// restart delay resets to RestartInitialInterval.
	RestartResetAfter = 60 * time.Second

	// writeBuffer bounds outbound messages queued for the writer goroutine.
	writeBuffer = 64
)

// newRestartBackoff creates the exponential backoff used between restart
// attempts. Jitter avoids lockstep restarts when several workspaces share a
// machine; MaxElapsedTime is zero because the supervisor retries until the
// server shuts down.
func newRestartBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RestartInitialInterval
	b.MaxInterval = RestartMaxInterval
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return b
}

// childInstance is one generation of the sidecar. The supervisor tears the
// whole instance down on any stream failure and spawns a fresh one; stale
// generations are recognized by pointer identity.
type childInstance struct {
	stream  *protocol.Stream
	writeCh chan *protocol.Message
	done    chan struct{}
	once    sync.Once
	kill    func()
}

func (c *childInstance) teardown() {
	c.once.Do(func() {
		close(c.done)
		c.kill()
	})
}

// supervisor owns the sidecar process: spawning, the reader and writer
// goroutines, crash detection, and restart with backoff plus document replay.
type supervisor struct {
	cfg    *config.Config
	launch launchFunc
	life   *lifecycle
	corr   *correlator
	adm    *admission
	docs   *DocumentStore
	bus    *event.Bus

	// initParams returns the initialize payload for the engine. Read on
	// every (re)start so configuration pushes apply to the next child.
	initParams func() any

	mu        sync.Mutex
	cur       *childInstance
	restarts  int
	backoff   *backoff.ExponentialBackOff
	stability *time.Timer
}

func newSupervisor(cfg *config.Config, life *lifecycle, corr *correlator, adm *admission, docs *DocumentStore, bus *event.Bus) *supervisor {
	return &supervisor{
		cfg:     cfg,
		life:    life,
		corr:    corr,
		adm:     adm,
		docs:    docs,
		bus:     bus,
		backoff: newRestartBackoff(),
	}
}

// start spawns the first sidecar and performs the initialize handshake.
// Called once; later crashes are handled internally via restart.
func (s *supervisor) start(ctx context.Context) error {
	if !s.life.set(StateStarting) {
		return fmt.Errorf("%w: supervisor already shut down", ErrNotReady)
	}
	return s.spawnAndInit(ctx, false)
}

// spawnAndInit brings up one child generation: spawn, handshake, replay,
// Ready. On any failure the child is torn down, the state moves to
// Degraded, and the next attempt is scheduled with backoff.
func (s *supervisor) spawnAndInit(ctx context.Context, isRestart bool) error {
	proc, err := s.launch()
	if err != nil {
		s.life.set(StateDegraded)
		s.mu.Lock()
		attempt := s.restarts
		s.mu.Unlock()
		s.bus.Publish(event.Event{
			Type: event.SidecarSpawnFailed,
			Data: event.SpawnFailedData{Attempt: attempt, Reason: err.Error()},
		})
		s.scheduleRestart()
		return fmt.Errorf("%w: %v", ErrCrashed, err)
	}

	c := &childInstance{
		stream:  proc.stream,
		writeCh: make(chan *protocol.Message, writeBuffer),
		done:    make(chan struct{}),
		kill:    proc.kill,
	}

	// The handle is stored before the handshake so a crash mid-handshake
	// still has a child to tear down.
	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()

	go s.writerLoop(c)
	go s.readerLoop(c)

	s.life.set(StateStarting)

	if err := s.initialize(ctx, c); err != nil {
		// If detach fails the child already crashed and onChildFailure
		// owns recovery; scheduling here would double it up.
		if s.detach(c) {
			c.teardown()
			s.life.set(StateDegraded)
			s.scheduleRestart()
		}
		return err
	}

	replayed := s.replay(c)
	s.life.set(StateReady)
	s.armStabilityReset()

	if isRestart {
		s.mu.Lock()
		attempt := s.restarts
		s.mu.Unlock()
		logging.Info().
			Int("attempt", attempt).
			Int("replayed", replayed).
			Msg("sidecar restarted")
		s.bus.Publish(event.Event{
			Type: event.SidecarRestarted,
			Data: event.RestartedData{Attempt: attempt, Replayed: replayed},
		})
	}
	return nil
}

// initialize performs the engine handshake and waits up to the configured
// ready timeout for the response.
func (s *supervisor) initialize(ctx context.Context, c *childInstance) error {
	pr := s.corr.register("initialize", "")
	msg, err := protocol.NewRequest(pr.id, "initialize", s.initParams())
	if err != nil {
		s.corr.remove(pr.id)
		return err
	}
	if err := s.sendTo(ctx, c, msg); err != nil {
		s.corr.fail(pr.id, err)
		return err
	}

	timeout := s.cfg.ReadyTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-pr.done:
		if out.err != nil {
			return fmt.Errorf("initialize: %w", out.err)
		}
		return nil
	case <-timer.C:
		s.corr.fail(pr.id, ErrTimeout)
		return fmt.Errorf("%w: no initialize response after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		s.corr.fail(pr.id, ErrCancelled)
		return fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
	}
}

// replay re-sends every open document to a fresh child as didOpen, in
// deterministic URI order, before the state turns Ready.
func (s *supervisor) replay(c *childInstance) int {
	docs := s.docs.All()
	for _, doc := range docs {
		msg, err := protocol.NewNotification("textDocument/didOpen", map[string]any{
			"uri":     doc.URI,
			"version": doc.Version,
			"text":    doc.Text,
		})
		if err != nil {
			logging.Warn().Err(err).Str("uri", doc.URI).Msg("replay encode failed")
			continue
		}
		if err := s.sendTo(context.Background(), c, msg); err != nil {
			logging.Warn().Err(err).Str("uri", doc.URI).Msg("replay send failed")
			break
		}
	}
	return len(docs)
}

// send writes msg to the current child, blocking while its write buffer is
// full. Fails with ErrCrashed if the child dies first and ErrNotReady if
// there is no child at all.
func (s *supervisor) send(ctx context.Context, msg *protocol.Message) error {
	s.mu.Lock()
	c := s.cur
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("%w: no sidecar process", ErrNotReady)
	}
	return s.sendTo(ctx, c, msg)
}

func (s *supervisor) sendTo(ctx context.Context, c *childInstance, msg *protocol.Message) error {
	select {
	case c.writeCh <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: sidecar exited", ErrCrashed)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
	}
}

// writerLoop serializes outbound frames for one child generation.
func (s *supervisor) writerLoop(c *childInstance) {
	for {
		select {
		case msg := <-c.writeCh:
			if err := c.stream.Send(msg); err != nil {
				s.onChildFailure(c, fmt.Errorf("write to sidecar: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// readerLoop consumes frames from one child generation until the stream
// fails. EOF means the child exited.
func (s *supervisor) readerLoop(c *childInstance) {
	for {
		msg, err := c.stream.Receive()
		if err != nil {
			s.onChildFailure(c, fmt.Errorf("read from sidecar: %w", err))
			return
		}
		if msg.IsResponse() {
			s.corr.resolve(msg)
			continue
		}
		// The engine is request/response only; anything else is noise.
		logging.Debug().Str("method", msg.Method).Msg("ignoring unsolicited sidecar message")
	}
}

// onChildFailure handles a dead or broken child. Only the current
// generation triggers recovery; failures from already-replaced children are
// ignored. All pending and queued requests fail with ErrCrashed and a
// restart is scheduled unless the supervisor was shut down.
func (s *supervisor) onChildFailure(c *childInstance, cause error) {
	if !s.detach(c) {
		c.teardown()
		return
	}
	c.teardown()

	if s.life.get() == StateStopped {
		return
	}

	logging.Warn().Err(cause).Msg("sidecar failed")
	s.life.set(StateDegraded)

	failed := s.corr.failAll(ErrCrashed)
	drained := s.adm.drain(ErrCrashed)
	if failed > 0 || drained > 0 {
		logging.Info().
			Int("inFlight", failed).
			Int("queued", drained).
			Msg("cancelled requests after sidecar crash")
	}

	s.disarmStabilityReset()
	s.scheduleRestart()
}

// detach removes c as the current child. Returns false if c was already
// replaced or detached.
func (s *supervisor) detach(c *childInstance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != c {
		return false
	}
	s.cur = nil
	return true
}

func (s *supervisor) scheduleRestart() {
	s.mu.Lock()
	delay := s.backoff.NextBackOff()
	s.restarts++
	attempt := s.restarts
	s.mu.Unlock()

	logging.Info().
		Dur("delay", delay).
		Int("attempt", attempt).
		Msg("scheduling sidecar restart")
	time.AfterFunc(delay, s.restart)
}

func (s *supervisor) restart() {
	if !s.life.set(StateRestarting) {
		// Shut down while the timer was pending.
		return
	}
	if err := s.spawnAndInit(context.Background(), true); err != nil {
		logging.Warn().Err(err).Msg("sidecar restart failed")
	}
}

// armStabilityReset resets the restart backoff once the sidecar has stayed
// Ready long enough. A crash before the timer fires keeps the grown delay.
func (s *supervisor) armStabilityReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stability != nil {
		s.stability.Stop()
	}
	s.stability = time.AfterFunc(RestartResetAfter, func() {
		s.mu.Lock()
		s.backoff.Reset()
		s.restarts = 0
		s.mu.Unlock()
		logging.Debug().Msg("sidecar stable, restart backoff reset")
	})
}

func (s *supervisor) disarmStabilityReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stability != nil {
		s.stability.Stop()
		s.stability = nil
	}
}

// shutdown tears down the current child, if any. The lifecycle is expected
// to be terminal already so crash recovery does not kick in.
func (s *supervisor) shutdown() {
	s.mu.Lock()
	c := s.cur
	s.cur = nil
	s.mu.Unlock()
	s.disarmStabilityReset()
	if c != nil {
		c.teardown()
	}
}
