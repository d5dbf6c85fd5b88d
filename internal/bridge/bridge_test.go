package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kotlin-analyzer/kotlin-analyzer/internal/config"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/event"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/protocol"
)

// fakeEngine plays the sidecar over in-memory pipes. initialize is always
// answered; other requests go through onRequest, or get an {"ok":true}
// reply when no handler is set.
type fakeEngine struct {
	stream *protocol.Stream
	kill   func()

	mu            sync.Mutex
	requests      []*protocol.Message
	notifications []*protocol.Message
	onRequest     func(e *fakeEngine, msg *protocol.Message)
}

func (e *fakeEngine) run() {
	for {
		msg, err := e.stream.Receive()
		if err != nil {
			return
		}
		if msg.IsNotification() {
			e.mu.Lock()
			e.notifications = append(e.notifications, msg)
			e.mu.Unlock()
			continue
		}
		if msg.Method == "initialize" {
			e.reply(msg, map[string]any{"serverInfo": "fake-engine"})
			continue
		}
		e.mu.Lock()
		e.requests = append(e.requests, msg)
		handler := e.onRequest
		e.mu.Unlock()
		if handler != nil {
			handler(e, msg)
			continue
		}
		e.reply(msg, map[string]any{"ok": true})
	}
}

func (e *fakeEngine) reply(msg *protocol.Message, result any) {
	resp, err := protocol.NewResponse(msg.ID, result)
	if err == nil {
		_ = e.stream.Send(resp)
	}
}

func (e *fakeEngine) requestCount(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, m := range e.requests {
		if m.Method == method {
			n++
		}
	}
	return n
}

func (e *fakeEngine) heldRequests() []*protocol.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*protocol.Message(nil), e.requests...)
}

func (e *fakeEngine) notified(method string) []*protocol.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*protocol.Message
	for _, m := range e.notifications {
		if m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

func (e *fakeEngine) setOnRequest(fn func(e *fakeEngine, msg *protocol.Message)) {
	e.mu.Lock()
	e.onRequest = fn
	e.mu.Unlock()
}

// fakeLauncher produces a fresh fakeEngine per spawn, so restart tests can
// inspect each generation separately.
type fakeLauncher struct {
	mu        sync.Mutex
	engines   []*fakeEngine
	onRequest func(e *fakeEngine, msg *protocol.Message)
	spawnErr  error
}

func (l *fakeLauncher) launch() (*childProc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.spawnErr != nil {
		return nil, l.spawnErr
	}

	toEngineR, toEngineW := io.Pipe()
	fromEngineR, fromEngineW := io.Pipe()
	kill := func() {
		_ = toEngineW.Close()
		_ = toEngineR.Close()
		_ = fromEngineW.Close()
		_ = fromEngineR.Close()
	}
	e := &fakeEngine{
		stream:    protocol.NewStream(toEngineR, fromEngineW),
		kill:      kill,
		onRequest: l.onRequest,
	}
	go e.run()
	l.engines = append(l.engines, e)

	return &childProc{stream: protocol.NewStream(fromEngineR, toEngineW), kill: kill}, nil
}

func (l *fakeLauncher) setOnRequest(fn func(e *fakeEngine, msg *protocol.Message)) {
	l.mu.Lock()
	l.onRequest = fn
	l.mu.Unlock()
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.engines)
}

func (l *fakeLauncher) engine(i int) *fakeEngine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engines[i]
}

func testBridgeConfig() *config.Config {
	cfg := config.Default()
	cfg.DebounceMS = 40
	cfg.ReadyTimeoutMS = 2000
	cfg.RequestTimeoutMS = 2000
	return cfg
}

func newTestBridge(t *testing.T, l *fakeLauncher, cfg *config.Config) *Bridge {
	t.Helper()
	if cfg == nil {
		cfg = testBridgeConfig()
	}
	bus := event.NewBus()
	b := New(cfg, bus)
	b.sup.launch = l.launch
	require.NoError(t, b.Start(context.Background(), Command{}, map[string]any{"projectRoot": "/tmp/project"}))
	t.Cleanup(func() {
		b.Shutdown(context.Background())
		_ = bus.Close()
	})
	return b
}

type uriParams struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
	Text    string `json:"text"`
}

func paramsOf(t *testing.T, msg *protocol.Message) uriParams {
	t.Helper()
	var p uriParams
	require.NoError(t, json.Unmarshal(msg.Params, &p))
	return p
}

func TestCallRoundTrip(t *testing.T) {
	l := &fakeLauncher{}
	b := newTestBridge(t, l, nil)

	res, err := b.Call(context.Background(), "textDocument/hover", "file:///a.kt", map[string]any{"uri": "file:///a.kt"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))
	assert.Equal(t, StateReady, b.State())
}

func TestCallsAreSingleFlight(t *testing.T) {
	var inflight, peak atomic.Int32
	l := &fakeLauncher{}
	l.onRequest = func(e *fakeEngine, msg *protocol.Message) {
		cur := inflight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		go func() {
			time.Sleep(20 * time.Millisecond)
			inflight.Add(-1)
			e.reply(msg, map[string]any{"ok": true})
		}()
	}
	b := newTestBridge(t, l, nil)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Call(context.Background(), "textDocument/hover", "file:///a.kt", nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "call %d", i)
	}
	assert.Equal(t, int32(1), peak.Load(), "engine must never see overlapping requests")
}

func TestQueueSupersession(t *testing.T) {
	l := &fakeLauncher{}
	l.onRequest = func(e *fakeEngine, msg *protocol.Message) {
		// Hold everything; the test releases by swapping the handler
		// and replying to the held requests.
	}
	cfg := testBridgeConfig()
	cfg.QueueCapacity = 2
	b := newTestBridge(t, l, cfg)
	e := l.engine(0)

	// Occupy the single-flight slot so later calls stay queued.
	blockerErr := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), "semantic/resolve", "file:///blocker.kt", nil)
		blockerErr <- err
	}()
	require.Eventually(t, func() bool {
		return e.requestCount("semantic/resolve") == 1
	}, time.Second, 5*time.Millisecond)

	errs := make([]chan error, 3)
	for i := range errs {
		errs[i] = make(chan error, 1)
	}
	for i := range errs {
		i := i
		go func() {
			_, err := b.Call(context.Background(), "analyze", "file:///a.kt", map[string]any{"uri": "file:///a.kt"})
			errs[i] <- err
		}()
		time.Sleep(20 * time.Millisecond)
	}

	// Each newer analyze for the same document supersedes the queued one,
	// so only the newest survives.
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs[i]:
			require.Error(t, err, "call %d", i)
			assert.True(t, errors.Is(err, ErrCancelled), "call %d", i)
		case <-time.After(time.Second):
			t.Fatalf("queued analyze %d was not superseded", i)
		}
	}

	e.setOnRequest(nil)
	for _, msg := range e.heldRequests() {
		e.reply(msg, map[string]any{"ok": true})
	}

	assert.NoError(t, <-blockerErr)
	assert.NoError(t, <-errs[2])
}

func TestEditsDebounceIntoOneAnalysis(t *testing.T) {
	l := &fakeLauncher{}
	b := newTestBridge(t, l, nil)
	e := l.engine(0)
	ctx := context.Background()
	uri := "file:///src/Main.kt"

	b.OpenDocument(ctx, uri, "fun main() {}", 1)
	b.ChangeDocument(ctx, uri, "fun main() { p }", 2)
	time.Sleep(10 * time.Millisecond)
	b.ChangeDocument(ctx, uri, "fun main() { pr }", 3)
	time.Sleep(10 * time.Millisecond)
	b.ChangeDocument(ctx, uri, "fun main() { println() }", 4)

	require.Eventually(t, func() bool {
		return e.requestCount("analyze") == 1
	}, time.Second, 5*time.Millisecond)

	// The window was reset by each edit, so no further analysis fires.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, e.requestCount("analyze"))

	changes := e.notified("textDocument/didChange")
	require.Len(t, changes, 3)
	last := paramsOf(t, changes[2])
	assert.Equal(t, "fun main() { println() }", last.Text)
	assert.Equal(t, 4, last.Version)
}

func TestCrashFailsInFlightAndReplaysDocuments(t *testing.T) {
	l := &fakeLauncher{}
	l.onRequest = func(e *fakeEngine, msg *protocol.Message) {}
	cfg := testBridgeConfig()
	// Keep debounced analyses out of the way; this test drives its own
	// request against the held engine.
	cfg.DebounceMS = 60_000
	b := newTestBridge(t, l, cfg)
	ctx := context.Background()

	b.OpenDocument(ctx, "file:///src/B.kt", "class B", 1)
	b.OpenDocument(ctx, "file:///src/A.kt", "class A", 1)
	b.OpenDocument(ctx, "file:///src/C.kt", "class C", 1)

	e0 := l.engine(0)
	require.Eventually(t, func() bool {
		return len(e0.notified("textDocument/didOpen")) == 3
	}, time.Second, 5*time.Millisecond)

	callErr := make(chan error, 1)
	go func() {
		_, err := b.Call(ctx, "semantic/resolve", "file:///src/B.kt", nil)
		callErr <- err
	}()
	require.Eventually(t, func() bool {
		return e0.requestCount("semantic/resolve") == 1
	}, time.Second, 5*time.Millisecond)

	// Replacement engines answer everything so the restart can finish.
	l.setOnRequest(nil)
	e0.kill()

	select {
	case err := <-callErr:
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCrashed))
	case <-time.After(time.Second):
		t.Fatal("in-flight call did not fail on crash")
	}

	require.Eventually(t, func() bool {
		return l.count() == 2 && b.State() == StateReady
	}, 5*time.Second, 10*time.Millisecond)

	e1 := l.engine(1)
	replayed := e1.notified("textDocument/didOpen")
	require.Len(t, replayed, 3)
	var uris []string
	for _, msg := range replayed {
		uris = append(uris, paramsOf(t, msg).URI)
	}
	assert.Equal(t, []string{"file:///src/A.kt", "file:///src/B.kt", "file:///src/C.kt"}, uris)

	res, err := b.Call(ctx, "textDocument/hover", "file:///src/A.kt", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))
}

func TestCancelForwardsToEngineAndDiscardsLateReply(t *testing.T) {
	l := &fakeLauncher{}
	l.onRequest = func(e *fakeEngine, msg *protocol.Message) {}
	b := newTestBridge(t, l, nil)
	e := l.engine(0)

	ctx, cancel := context.WithCancel(context.Background())
	callErr := make(chan error, 1)
	go func() {
		_, err := b.Call(ctx, "textDocument/hover", "file:///a.kt", nil)
		callErr <- err
	}()
	require.Eventually(t, func() bool {
		return e.requestCount("textDocument/hover") == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-callErr:
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCancelled))
	case <-time.After(time.Second):
		t.Fatal("cancelled call did not return")
	}

	held := e.heldRequests()[0]
	wantID, ok := held.NumericID()
	require.True(t, ok)
	require.Eventually(t, func() bool {
		notes := e.notified("$/cancelRequest")
		if len(notes) != 1 {
			return false
		}
		var p struct {
			ID uint64 `json:"id"`
		}
		return json.Unmarshal(notes[0].Params, &p) == nil && p.ID == wantID
	}, time.Second, 5*time.Millisecond)

	// A late reply for the cancelled id is dropped, not delivered.
	e.reply(held, map[string]any{"ok": true})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, b.corr.pendingCount())
}

func TestCloseDocumentCancelsPendingWork(t *testing.T) {
	l := &fakeLauncher{}
	b := newTestBridge(t, l, nil)
	e := l.engine(0)
	ctx := context.Background()
	uri := "file:///src/Main.kt"

	b.OpenDocument(ctx, uri, "fun main() {}", 1)
	b.CloseDocument(ctx, uri)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, e.requestCount("analyze"), "closing inside the debounce window must drop the analysis")
	require.Len(t, e.notified("textDocument/didClose"), 1)
	assert.Equal(t, 0, b.Documents().Len())
}

func TestShutdownIsTerminal(t *testing.T) {
	l := &fakeLauncher{}
	b := newTestBridge(t, l, nil)
	e := l.engine(0)

	b.Shutdown(context.Background())

	assert.Equal(t, StateStopped, b.State())
	assert.Equal(t, 1, e.requestCount("shutdown"))

	_, err := b.Call(context.Background(), "textDocument/hover", "file:///a.kt", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotReady))

	// No restart fires for the killed child.
	time.Sleep(900 * time.Millisecond)
	assert.Equal(t, 1, l.count())
	assert.Equal(t, StateStopped, b.State())
}

func TestSpawnFailureDegrades(t *testing.T) {
	l := &fakeLauncher{spawnErr: errors.New("java: no such file or directory")}
	cfg := testBridgeConfig()
	bus := event.NewBus()
	t.Cleanup(func() { _ = bus.Close() })

	b := New(cfg, bus)
	b.sup.launch = l.launch
	err := b.Start(context.Background(), Command{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCrashed))
	assert.Equal(t, StateDegraded, b.State())

	_, err = b.Call(context.Background(), "textDocument/hover", "file:///a.kt", nil)
	assert.True(t, errors.Is(err, ErrNotReady))
	b.Shutdown(context.Background())
}
