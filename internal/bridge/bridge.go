// Package bridge supervises the JVM analysis sidecar and mediates every
// request to it: framing, process lifecycle, request correlation, admission
// control with supersession, cancellation, debounced analysis, and document
// replay after a crash.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kotlin-analyzer/kotlin-analyzer/internal/config"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/event"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/logging"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/protocol"
)

// shutdownGrace bounds how long Shutdown waits for the engine to answer the
// shutdown request before killing it anyway.
const shutdownGrace = 2 * time.Second

// Bridge is the single owner of the sidecar connection. All engine traffic
// flows through Call and Notify; document state flows through the document
// methods, which also drive debounced analysis.
type Bridge struct {
	cfg  *config.Config
	bus  *event.Bus
	life *lifecycle
	corr *correlator
	adm  *admission
	deb  *debouncer
	docs *DocumentStore
	sup  *supervisor

	dispatchCancel context.CancelFunc

	inflightMu sync.Mutex
	inflight   map[string]uint64 // uri -> pending analyze request id

	initMu     sync.Mutex
	initParams any
}

// New builds an unstarted bridge. The sidecar is not spawned until Start.
func New(cfg *config.Config, bus *event.Bus) *Bridge {
	life := newLifecycle(bus)
	corr := newCorrelator()
	adm := newAdmission(cfg.QueueCapacity, bus)
	docs := NewDocumentStore()

	b := &Bridge{
		cfg:      cfg,
		bus:      bus,
		life:     life,
		corr:     corr,
		adm:      adm,
		docs:     docs,
		inflight: make(map[string]uint64),
	}
	b.deb = newDebouncer(cfg.Debounce(), b.fireAnalysis)
	b.sup = newSupervisor(cfg, life, corr, adm, docs, bus)
	b.sup.initParams = b.currentInitParams
	return b
}

// Start spawns the sidecar described by cmd, performs the initialize
// handshake with initParams, and begins dispatching queued requests.
func (b *Bridge) Start(ctx context.Context, cmd Command, initParams any) error {
	b.SetInitParams(initParams)
	if b.sup.launch == nil {
		b.sup.launch = execLauncher(cmd)
	}

	dispatchCtx, cancel := context.WithCancel(context.Background())
	b.dispatchCancel = cancel
	go b.dispatchLoop(dispatchCtx)

	return b.sup.start(ctx)
}

// SetInitParams replaces the initialize payload used on the next sidecar
// (re)start. Configuration pushes land here; a running child is unaffected.
func (b *Bridge) SetInitParams(params any) {
	b.initMu.Lock()
	b.initParams = params
	b.initMu.Unlock()
}

func (b *Bridge) currentInitParams() any {
	b.initMu.Lock()
	defer b.initMu.Unlock()
	return b.initParams
}

// State reports the current sidecar lifecycle state.
func (b *Bridge) State() State {
	return b.life.get()
}

// WaitForReady blocks until the sidecar is Ready, the configured ready
// timeout elapses, or ctx is cancelled. Fails fast in Stopped or Degraded.
func (b *Bridge) WaitForReady(ctx context.Context) error {
	return b.life.waitForReady(ctx, b.cfg.ReadyTimeout())
}

// Call sends a request to the engine and waits for its response. uri scopes
// supersession: a queued request with the same method and uri is evicted
// when the queue is full. Pass "" for requests with no document affinity.
//
// Errors unwrap to the bridge taxonomy: ErrNotReady, ErrTimeout,
// ErrCancelled, ErrCrashed, ErrMalformedResponse, ErrMethodNotSupported.
func (b *Bridge) Call(ctx context.Context, method, uri string, params any) (json.RawMessage, error) {
	pr, err := b.startCall(ctx, method, uri, params)
	if err != nil {
		return nil, err
	}
	out := b.await(ctx, pr)
	return out.result, out.err
}

// startCall runs the admission path up to enqueue: gate on readiness,
// register the correlation id, queue the request.
func (b *Bridge) startCall(ctx context.Context, method, uri string, params any) (*pendingRequest, error) {
	if err := b.WaitForReady(ctx); err != nil {
		return nil, err
	}
	pr := b.corr.register(method, uri)
	msg, err := protocol.NewRequest(pr.id, method, params)
	if err != nil {
		b.corr.remove(pr.id)
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	b.adm.enqueue(&admissionEntry{pr: pr, msg: msg, enqueuedAt: time.Now()})
	return pr, nil
}

// await blocks until pr settles, times out, or ctx is cancelled. Timeout and
// cancellation both run the cancellation flow, which guarantees pr settles.
func (b *Bridge) await(ctx context.Context, pr *pendingRequest) outcome {
	timeout := b.cfg.RequestTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-pr.done:
		// Superseded and drained requests settle without going through
		// the correlator; drop the map entry here so it cannot leak.
		b.corr.remove(pr.id)
		return out
	case <-timer.C:
		b.Cancel(pr.id)
		<-pr.done
		return outcome{err: fmt.Errorf("%w: %s after %s", ErrTimeout, pr.method, timeout)}
	case <-ctx.Done():
		b.Cancel(pr.id)
		<-pr.done
		return outcome{err: fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))}
	}
}

// Notify sends a notification straight to the engine, bypassing admission
// control. Notifications have no response and are never queued behind
// requests.
func (b *Bridge) Notify(ctx context.Context, method string, params any) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", method, err)
	}
	return b.sup.send(ctx, msg)
}

// dispatchLoop moves queued requests to the writer one at a time. The
// single-flight slot is held from just before the write until the request
// settles, so the engine never sees a second request while one is pending.
// The slot is acquired before dequeue so that waiting requests stay in the
// queue, where supersession and Cancel can still reach them.
func (b *Bridge) dispatchLoop(ctx context.Context) {
	for {
		if err := b.adm.acquireSlot(ctx); err != nil {
			return
		}
		e, ok := b.adm.dequeue(ctx)
		if !ok {
			b.adm.releaseSlot()
			return
		}
		if !e.pr.bindSlot(b.adm.releaseSlot) {
			// Settled while queued (cancelled or superseded after
			// dequeue); the slot never transferred.
			b.adm.releaseSlot()
			continue
		}
		if err := b.sup.send(ctx, e.msg); err != nil {
			b.corr.fail(e.pr.id, err)
		}
	}
}

// Cancel cancels the request with the given bridge id. A still-queued
// request is removed locally; an in-flight one additionally gets a
// $/cancelRequest notification so the engine can stop working on it. Either
// way the caller's Call settles with ErrCancelled. Unknown ids are ignored.
func (b *Bridge) Cancel(id uint64) {
	if b.adm.remove(id) {
		b.corr.fail(id, ErrCancelled)
		return
	}
	pr, ok := b.corr.lookup(id)
	if !ok {
		return
	}
	if pr.wasSent() {
		note, err := protocol.NewNotification("$/cancelRequest", map[string]any{"id": id})
		if err == nil {
			if err := b.sup.send(context.Background(), note); err != nil {
				logging.Debug().Uint64("id", id).Err(err).Msg("cancel notification not delivered")
			}
		}
	}
	b.corr.fail(id, ErrCancelled)
}

// OpenDocument records the document, forwards didOpen, and schedules an
// initial analysis.
func (b *Bridge) OpenDocument(ctx context.Context, uri, text string, version int) {
	b.docs.Open(uri, text, version)
	if err := b.Notify(ctx, "textDocument/didOpen", map[string]any{
		"uri":     uri,
		"version": version,
		"text":    text,
	}); err != nil {
		logging.Debug().Str("uri", uri).Err(err).Msg("didOpen not delivered")
	}
	b.bus.Publish(event.Event{
		Type: event.DocumentOpened,
		Data: event.DocumentData{URI: uri, Version: version},
	})
	b.deb.schedule(uri)
}

// ChangeDocument updates the snapshot, forwards didChange with the full new
// text, cancels any analysis already running for the document, and resets
// its debounce window.
func (b *Bridge) ChangeDocument(ctx context.Context, uri, text string, version int) {
	if !b.docs.Change(uri, text, version) {
		logging.Warn().Str("uri", uri).Msg("change for unopened document")
		return
	}
	if err := b.Notify(ctx, "textDocument/didChange", map[string]any{
		"uri":     uri,
		"version": version,
		"text":    text,
	}); err != nil {
		logging.Debug().Str("uri", uri).Err(err).Msg("didChange not delivered")
	}
	b.cancelInflightAnalysis(uri)
	b.deb.schedule(uri)
}

// CloseDocument drops the snapshot, cancels pending work for the document,
// and forwards didClose. Diagnostics already published for the document are
// left to the caller; closing does not retract them.
func (b *Bridge) CloseDocument(ctx context.Context, uri string) {
	if !b.docs.Close(uri) {
		return
	}
	b.deb.cancel(uri)
	b.cancelInflightAnalysis(uri)
	if err := b.Notify(ctx, "textDocument/didClose", map[string]any{"uri": uri}); err != nil {
		logging.Debug().Str("uri", uri).Err(err).Msg("didClose not delivered")
	}
	b.bus.Publish(event.Event{
		Type: event.DocumentClosed,
		Data: event.DocumentData{URI: uri},
	})
}

// Documents exposes the replay store, mainly for the editor-facing server.
func (b *Bridge) Documents() *DocumentStore {
	return b.docs
}

// fireAnalysis runs when a document's debounce window elapses.
func (b *Bridge) fireAnalysis(uri string) {
	doc, ok := b.docs.Get(uri)
	if !ok {
		return
	}
	go b.analyze(uri, doc.Version)
}

// analyze requests analysis for the document's current snapshot and
// publishes the result. A new edit during the request cancels it via
// cancelInflightAnalysis; that is the normal case while typing, so
// cancellation is logged quietly.
func (b *Bridge) analyze(uri string, version int) {
	ctx := context.Background()
	pr, err := b.startCall(ctx, "analyze", uri, map[string]any{"uri": uri})
	if err != nil {
		logging.Debug().Str("uri", uri).Err(err).Msg("analysis not started")
		return
	}

	b.inflightMu.Lock()
	b.inflight[uri] = pr.id
	b.inflightMu.Unlock()

	out := b.await(ctx, pr)

	b.inflightMu.Lock()
	if b.inflight[uri] == pr.id {
		delete(b.inflight, uri)
	}
	b.inflightMu.Unlock()

	if out.err != nil {
		logging.Debug().Str("uri", uri).Err(out.err).Msg("analysis not completed")
		return
	}
	b.bus.Publish(event.Event{
		Type: event.AnalysisCompleted,
		Data: event.AnalysisCompletedData{URI: uri, Version: version, Result: out.result},
	})
}

func (b *Bridge) cancelInflightAnalysis(uri string) {
	b.inflightMu.Lock()
	id, ok := b.inflight[uri]
	if ok {
		delete(b.inflight, uri)
	}
	b.inflightMu.Unlock()
	if ok {
		b.Cancel(id)
	}
}

// Shutdown asks the engine to exit, then tears everything down. The
// lifecycle becomes terminally Stopped: no restart fires and every later
// Call fails with ErrNotReady.
func (b *Bridge) Shutdown(ctx context.Context) {
	if b.life.get() == StateReady {
		pr := b.corr.register("shutdown", "")
		if msg, err := protocol.NewRequest(pr.id, "shutdown", nil); err == nil {
			if err := b.sup.send(ctx, msg); err == nil {
				timer := time.NewTimer(shutdownGrace)
				select {
				case <-pr.done:
				case <-timer.C:
					b.corr.fail(pr.id, ErrTimeout)
				case <-ctx.Done():
					b.corr.fail(pr.id, ErrCancelled)
				}
				timer.Stop()
			} else {
				b.corr.fail(pr.id, err)
			}
		} else {
			b.corr.remove(pr.id)
		}
	}

	b.life.stop()
	b.deb.stop()
	if b.dispatchCancel != nil {
		b.dispatchCancel()
	}
	b.adm.drain(ErrCancelled)
	b.adm.close()
	b.corr.failAll(ErrCancelled)
	b.sup.shutdown()
	logging.Info().Msg("bridge shut down")
}
