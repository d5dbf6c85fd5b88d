// Package server runs the editor-facing language server loop and hands
// every semantic request to the sidecar bridge.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/kotlin-analyzer/kotlin-analyzer/internal/bridge"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/config"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/event"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/logging"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/project"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/protocol"
)

const (
	serverName    = "kotlin-analyzer"
	serverVersion = "0.3.0"
)

// Server owns the editor link. Requests run concurrently, each with a
// context that $/cancelRequest can cancel; notifications run inline to
// preserve document-sync ordering.
type Server struct {
	cfg    *config.Config
	bus    *event.Bus
	stream *protocol.Stream

	mu       sync.Mutex
	bridge   *bridge.Bridge
	root     string
	model    *project.Model
	watcher  *project.Watcher
	shutdown bool

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	diagMu sync.Mutex
	// diagnostics cache survives didClose so reopening a tab restores
	// squiggles before the next analysis lands.
	diagnostics map[string][]diagnostic

	unsubscribe []func()
}

// New builds a server over the given editor stream.
func New(cfg *config.Config, bus *event.Bus, stream *protocol.Stream) *Server {
	return &Server{
		cfg:         cfg,
		bus:         bus,
		stream:      stream,
		cancels:     make(map[string]context.CancelFunc),
		diagnostics: make(map[string][]diagnostic),
	}
}

// Run processes editor messages until the editor closes the stream or sends
// exit. Always returns after releasing the bridge and watcher.
func (s *Server) Run(ctx context.Context) error {
	s.unsubscribe = append(s.unsubscribe,
		s.bus.Subscribe(event.AnalysisCompleted, s.onAnalysisCompleted),
		s.bus.Subscribe(event.SidecarSpawnFailed, s.onSpawnFailed),
		s.bus.Subscribe(event.ProjectChanged, s.onProjectChanged),
	)
	defer s.teardown(ctx)

	for {
		msg, err := s.stream.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logging.Info().Msg("editor closed the stream")
				return nil
			}
			return fmt.Errorf("editor stream: %w", err)
		}

		switch {
		case msg.IsNotification():
			if exit := s.handleNotification(ctx, msg); exit {
				return nil
			}
		case msg.IsResponse():
			// We never request anything from the editor.
			logging.Debug().Msg("ignoring response from editor")
		default:
			s.dispatchRequest(ctx, msg)
		}
	}
}

// dispatchRequest runs a request handler in its own goroutine with a
// cancellable context registered under the editor's request id.
func (s *Server) dispatchRequest(ctx context.Context, msg *protocol.Message) {
	reqCtx, cancel := context.WithCancel(ctx)
	key := idKey(msg.ID)
	s.cancelMu.Lock()
	s.cancels[key] = cancel
	s.cancelMu.Unlock()

	go func() {
		defer func() {
			s.cancelMu.Lock()
			delete(s.cancels, key)
			s.cancelMu.Unlock()
			cancel()
		}()
		s.handleRequest(reqCtx, msg)
	}()
}

func (s *Server) handleRequest(ctx context.Context, msg *protocol.Message) {
	switch msg.Method {
	case "initialize":
		s.handleInitialize(ctx, msg)
	case "shutdown":
		s.handleShutdown(ctx, msg)
	case "textDocument/hover":
		s.handlePositionRequest(ctx, msg, "hover", false)
	case "textDocument/definition":
		s.handlePositionRequest(ctx, msg, "definition", false)
	case "textDocument/completion":
		s.handlePositionRequest(ctx, msg, "completion", false)
	case "textDocument/references":
		s.handlePositionRequest(ctx, msg, "references", true)
	case "textDocument/signatureHelp":
		s.handlePositionRequest(ctx, msg, "signatureHelp", false)
	case "textDocument/prepareRename":
		s.handlePrepareRename(msg)
	case "textDocument/rename":
		s.handleRename(ctx, msg)
	case "textDocument/codeAction":
		s.handleCodeAction(ctx, msg)
	case "workspace/symbol":
		s.handleWorkspaceSymbol(ctx, msg)
	case "textDocument/inlayHint":
		s.handleInlayHint(ctx, msg)
	default:
		s.replyError(msg, protocol.CodeMethodNotFound, fmt.Sprintf("unhandled method %q", msg.Method))
	}
}

// handleNotification returns true when the loop should exit.
func (s *Server) handleNotification(ctx context.Context, msg *protocol.Message) bool {
	switch msg.Method {
	case "initialized":
	case "exit":
		return true
	case "textDocument/didOpen":
		s.handleDidOpen(ctx, msg)
	case "textDocument/didChange":
		s.handleDidChange(ctx, msg)
	case "textDocument/didClose":
		s.handleDidClose(ctx, msg)
	case "workspace/didChangeConfiguration":
		s.handleConfigurationChange(msg)
	case "$/cancelRequest":
		s.handleCancel(msg)
	default:
		logging.Debug().Str("method", msg.Method).Msg("ignoring notification")
	}
	return false
}

func (s *Server) handleCancel(msg *protocol.Message) {
	var p struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return
	}
	key := idKey((*json.RawMessage)(&p.ID))
	s.cancelMu.Lock()
	cancel, ok := s.cancels[key]
	s.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Server) teardown(ctx context.Context) {
	for _, unsub := range s.unsubscribe {
		unsub()
	}
	s.mu.Lock()
	b := s.bridge
	w := s.watcher
	s.mu.Unlock()
	if w != nil {
		_ = w.Stop()
	}
	if b != nil {
		b.Shutdown(ctx)
	}
}

func (s *Server) currentBridge() *bridge.Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

func (s *Server) reply(msg *protocol.Message, result any) {
	resp, err := protocol.NewResponse(msg.ID, result)
	if err != nil {
		logging.Error().Err(err).Str("method", msg.Method).Msg("encode response")
		resp = protocol.NewErrorResponse(msg.ID, protocol.CodeInternalError, err.Error())
	}
	if err := s.stream.Send(resp); err != nil {
		logging.Warn().Err(err).Msg("send response to editor")
	}
}

func (s *Server) replyRaw(msg *protocol.Message, result json.RawMessage) {
	resp := &protocol.Message{JSONRPC: "2.0", ID: msg.ID, Result: result}
	if err := s.stream.Send(resp); err != nil {
		logging.Warn().Err(err).Msg("send response to editor")
	}
}

func (s *Server) replyError(msg *protocol.Message, code int, message string) {
	if err := s.stream.Send(protocol.NewErrorResponse(msg.ID, code, message)); err != nil {
		logging.Warn().Err(err).Msg("send error response to editor")
	}
}

// notify pushes a server-initiated notification to the editor.
func (s *Server) notify(method string, params any) {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		logging.Error().Err(err).Str("method", method).Msg("encode notification")
		return
	}
	if err := s.stream.Send(msg); err != nil {
		logging.Warn().Err(err).Str("method", method).Msg("send notification to editor")
	}
}

// showMessage surfaces a user-visible message in the editor.
// type 1 = error, 2 = warning, 3 = info.
func (s *Server) showMessage(typ int, text string) {
	s.notify("window/showMessage", map[string]any{"type": typ, "message": text})
}

// bridgeErrorCode maps bridge failures onto LSP response codes so the
// editor can distinguish "try again shortly" from "give up".
func bridgeErrorCode(err error) int {
	switch {
	case errors.Is(err, bridge.ErrNotReady):
		return protocol.CodeServerNotInitialized
	case errors.Is(err, bridge.ErrCancelled):
		return protocol.CodeRequestCancelled
	case errors.Is(err, bridge.ErrMethodNotSupported):
		return protocol.CodeMethodNotFound
	case errors.Is(err, bridge.ErrTimeout), errors.Is(err, bridge.ErrCrashed):
		return protocol.CodeRequestFailed
	default:
		return protocol.CodeInternalError
	}
}

// idKey canonicalizes a request id for the cancel map.
func idKey(id *json.RawMessage) string {
	if id == nil {
		return ""
	}
	return string(*id)
}

func workingDirectory() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
