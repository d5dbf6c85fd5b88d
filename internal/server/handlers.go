package server

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"

	"github.com/kotlin-analyzer/kotlin-analyzer/internal/bridge"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/config"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/event"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/logging"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/project"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/protocol"
)

type position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type textDocumentID struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

func (s *Server) handleInitialize(ctx context.Context, msg *protocol.Message) {
	var p struct {
		RootURI               string          `json:"rootUri"`
		RootPath              string          `json:"rootPath"`
		InitializationOptions json.RawMessage `json:"initializationOptions"`
	}
	if msg.Params != nil {
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			s.replyError(msg, protocol.CodeInvalidParams, err.Error())
			return
		}
	}

	root := uriToPath(p.RootURI)
	if root == "" {
		root = p.RootPath
	}
	if root == "" {
		root = workingDirectory()
	}

	cfg, err := config.Load(root)
	if err != nil {
		logging.Warn().Err(err).Msg("config load failed, using defaults")
		cfg = s.cfg
	}
	if len(p.InitializationOptions) > 0 {
		var opts config.Config
		if err := json.Unmarshal(p.InitializationOptions, &opts); err == nil {
			cfg.Merge(&opts)
		}
	}

	model := s.resolveModel(ctx, root, cfg)

	s.mu.Lock()
	s.cfg = cfg
	s.root = root
	s.model = model
	s.mu.Unlock()

	s.startBridge(root, cfg, model)

	if watcher, err := project.NewWatcher(root, s.bus); err != nil {
		logging.Warn().Err(err).Msg("build file watcher unavailable")
	} else {
		watcher.Start()
		s.mu.Lock()
		s.watcher = watcher
		s.mu.Unlock()
	}

	logging.Info().
		Str("root", root).
		Str("buildSystem", string(model.BuildSystem)).
		Msg("initialized")

	s.reply(msg, map[string]any{
		"capabilities": map[string]any{
			"textDocumentSync": map[string]any{
				"openClose": true,
				"change":    1, // full document sync
			},
			"hoverProvider":      true,
			"definitionProvider": true,
			"completionProvider": map[string]any{
				"triggerCharacters": []string{".", ":"},
			},
			"referencesProvider": true,
			"signatureHelpProvider": map[string]any{
				"triggerCharacters": []string{"(", ","},
			},
			"renameProvider": map[string]any{
				"prepareProvider": true,
			},
			"codeActionProvider":      true,
			"workspaceSymbolProvider": true,
			"inlayHintProvider":       true,
		},
		"serverInfo": map[string]any{
			"name":    serverName,
			"version": serverVersion,
		},
	})
}

// resolveModel builds the project model, falling back to the cached model
// and then to stdlib-only analysis when extraction fails.
func (s *Server) resolveModel(ctx context.Context, root string, cfg *config.Config) *project.Model {
	model, err := project.Resolve(ctx, root, cfg)
	if err == nil {
		if err := project.SaveCache(model, cacheDir(root)); err != nil {
			logging.Debug().Err(err).Msg("project model cache not written")
		}
		return model
	}

	logging.Warn().Err(err).Msg("project resolution failed")
	if cached, ok := project.LoadCache(cacheDir(root)); ok {
		logging.Info().Msg("using cached project model")
		return cached
	}
	s.showMessage(2, fmt.Sprintf("%s: project resolution failed, analyzing with kotlin stdlib only", serverName))
	m := project.NoBuildSystem(root)
	m.CompilerFlags = cfg.CompilerFlags
	m.JDKHome = cfg.JavaHome
	return m
}

// startBridge spawns the sidecar. Discovery failures surface as editor
// messages; the server keeps running without semantic features.
func (s *Server) startBridge(root string, cfg *config.Config, model *project.Model) {
	var java string
	var err error
	if cfg.JavaHome != "" {
		java, err = project.JavaFromHome(cfg.JavaHome)
		if err != nil {
			logging.Warn().Err(err).Msg("configured javaHome unusable, discovering")
		}
	}
	if java == "" {
		java, err = project.FindJava()
		if err != nil {
			s.showMessage(1, fmt.Sprintf("%s: JDK 17+ required but not found. Set JAVA_HOME or KOTLIN_ANALYZER_JAVA_HOME.", serverName))
			return
		}
	}

	jar, err := project.FindSidecarJar()
	if err != nil {
		s.showMessage(1, fmt.Sprintf("%s: analysis engine jar not found: %v", serverName, err))
		return
	}

	b := bridge.New(cfg, s.bus)
	s.mu.Lock()
	s.bridge = b
	s.mu.Unlock()

	cmd := bridge.Command{
		JavaPath:  java,
		JarPath:   jar,
		MaxMemory: cfg.SidecarMaxMemory,
		Dir:       root,
	}
	// The handshake can take tens of seconds on large projects; the
	// initialize response must not wait for it.
	go func() {
		if err := b.Start(context.Background(), cmd, model.InitializeParams(cfg)); err != nil {
			logging.Warn().Err(err).Msg("sidecar start failed")
		}
	}()
}

func (s *Server) handleShutdown(ctx context.Context, msg *protocol.Message) {
	s.mu.Lock()
	s.shutdown = true
	b := s.bridge
	s.mu.Unlock()
	if b != nil {
		b.Shutdown(ctx)
	}
	s.reply(msg, nil)
}

func (s *Server) handleDidOpen(ctx context.Context, msg *protocol.Message) {
	var p struct {
		TextDocument struct {
			URI     string `json:"uri"`
			Version int    `json:"version"`
			Text    string `json:"text"`
		} `json:"textDocument"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		logging.Warn().Err(err).Msg("malformed didOpen")
		return
	}
	if b := s.currentBridge(); b != nil {
		b.OpenDocument(ctx, p.TextDocument.URI, p.TextDocument.Text, p.TextDocument.Version)
	}
	// Reopened tab: restore the last known diagnostics immediately.
	if cached, ok := s.cachedDiagnostics(p.TextDocument.URI); ok {
		s.publishDiagnostics(p.TextDocument.URI, p.TextDocument.Version, cached)
	}
}

func (s *Server) handleDidChange(ctx context.Context, msg *protocol.Message) {
	var p struct {
		TextDocument   textDocumentID `json:"textDocument"`
		ContentChanges []struct {
			Text string `json:"text"`
		} `json:"contentChanges"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		logging.Warn().Err(err).Msg("malformed didChange")
		return
	}
	if len(p.ContentChanges) == 0 {
		return
	}
	// Full sync: the last change carries the whole document.
	text := p.ContentChanges[len(p.ContentChanges)-1].Text
	if b := s.currentBridge(); b != nil {
		b.ChangeDocument(ctx, p.TextDocument.URI, text, p.TextDocument.Version)
	}
}

func (s *Server) handleDidClose(ctx context.Context, msg *protocol.Message) {
	var p struct {
		TextDocument struct {
			URI string `json:"uri"`
		} `json:"textDocument"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		logging.Warn().Err(err).Msg("malformed didClose")
		return
	}
	if b := s.currentBridge(); b != nil {
		b.CloseDocument(ctx, p.TextDocument.URI)
	}
	// Clear the editor's squiggles but keep the cache for reopen.
	s.publishDiagnostics(p.TextDocument.URI, 0, []diagnostic{})
}

func (s *Server) handleConfigurationChange(msg *protocol.Message) {
	var p struct {
		Settings json.RawMessage `json:"settings"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil || len(p.Settings) == 0 {
		return
	}
	var opts config.Config
	if err := json.Unmarshal(p.Settings, &opts); err != nil {
		logging.Warn().Err(err).Msg("malformed configuration settings")
		return
	}

	s.mu.Lock()
	s.cfg.Merge(&opts)
	cfg := s.cfg
	model := s.model
	b := s.bridge
	s.mu.Unlock()

	logging.Info().Msg("configuration updated")
	if b != nil && model != nil {
		// Applies on the next sidecar (re)start.
		b.SetInitParams(model.InitializeParams(cfg))
	}
}

// handlePositionRequest forwards a position-based semantic request to the
// engine and relays the raw result. withContext adds includeDeclaration for
// reference requests.
func (s *Server) handlePositionRequest(ctx context.Context, msg *protocol.Message, engineMethod string, withContext bool) {
	b := s.currentBridge()
	if b == nil {
		s.replyError(msg, protocol.CodeServerNotInitialized, "analysis engine not started")
		return
	}

	var p struct {
		TextDocument struct {
			URI string `json:"uri"`
		} `json:"textDocument"`
		Position position `json:"position"`
		Context  *struct {
			IncludeDeclaration bool `json:"includeDeclaration"`
		} `json:"context"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		s.replyError(msg, protocol.CodeInvalidParams, err.Error())
		return
	}

	// The engine counts lines from 1 and characters from 0.
	params := map[string]any{
		"uri":       p.TextDocument.URI,
		"line":      p.Position.Line + 1,
		"character": p.Position.Character,
	}
	if withContext && p.Context != nil {
		params["includeDeclaration"] = p.Context.IncludeDeclaration
	}

	result, err := b.Call(ctx, engineMethod, p.TextDocument.URI, params)
	if err != nil {
		logging.Debug().Str("method", engineMethod).Err(err).Msg("engine request failed")
		s.replyError(msg, bridgeErrorCode(err), err.Error())
		return
	}
	s.replyRaw(msg, result)
}

// handlePrepareRename accepts every identifier position; the editor falls
// back to word-boundary selection of the rename target.
func (s *Server) handlePrepareRename(msg *protocol.Message) {
	s.reply(msg, map[string]any{"defaultBehavior": true})
}

func (s *Server) handleRename(ctx context.Context, msg *protocol.Message) {
	b := s.currentBridge()
	if b == nil {
		s.replyError(msg, protocol.CodeServerNotInitialized, "analysis engine not started")
		return
	}

	var p struct {
		TextDocument struct {
			URI string `json:"uri"`
		} `json:"textDocument"`
		Position position `json:"position"`
		NewName  string   `json:"newName"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		s.replyError(msg, protocol.CodeInvalidParams, err.Error())
		return
	}

	result, err := b.Call(ctx, "rename", p.TextDocument.URI, map[string]any{
		"uri":       p.TextDocument.URI,
		"line":      p.Position.Line + 1,
		"character": p.Position.Character,
		"newName":   p.NewName,
	})
	if err != nil {
		logging.Debug().Err(err).Msg("rename failed")
		s.replyError(msg, bridgeErrorCode(err), err.Error())
		return
	}
	s.replyRaw(msg, result)
}

func (s *Server) handleCodeAction(ctx context.Context, msg *protocol.Message) {
	b := s.currentBridge()
	if b == nil {
		s.replyError(msg, protocol.CodeServerNotInitialized, "analysis engine not started")
		return
	}

	var p struct {
		TextDocument struct {
			URI string `json:"uri"`
		} `json:"textDocument"`
		Range   span `json:"range"`
		Context struct {
			Diagnostics []diagnostic `json:"diagnostics"`
		} `json:"context"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		s.replyError(msg, protocol.CodeInvalidParams, err.Error())
		return
	}

	diags := make([]map[string]any, 0, len(p.Context.Diagnostics))
	for _, d := range p.Context.Diagnostics {
		diags = append(diags, map[string]any{
			"severity": d.Severity,
			"message":  d.Message,
			"code":     d.Code,
		})
	}

	result, err := b.Call(ctx, "codeActions", p.TextDocument.URI, map[string]any{
		"uri":         p.TextDocument.URI,
		"line":        p.Range.Start.Line + 1,
		"character":   p.Range.Start.Character,
		"diagnostics": diags,
	})
	if err != nil {
		logging.Debug().Err(err).Msg("code actions failed")
		s.replyError(msg, bridgeErrorCode(err), err.Error())
		return
	}
	s.replyRaw(msg, result)
}

func (s *Server) handleWorkspaceSymbol(ctx context.Context, msg *protocol.Message) {
	b := s.currentBridge()
	if b == nil {
		s.replyError(msg, protocol.CodeServerNotInitialized, "analysis engine not started")
		return
	}

	var p struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		s.replyError(msg, protocol.CodeInvalidParams, err.Error())
		return
	}

	result, err := b.Call(ctx, "workspaceSymbols", "", map[string]any{"query": p.Query})
	if err != nil {
		logging.Debug().Err(err).Msg("workspace symbols failed")
		s.replyError(msg, bridgeErrorCode(err), err.Error())
		return
	}
	s.replyRaw(msg, result)
}

func (s *Server) handleInlayHint(ctx context.Context, msg *protocol.Message) {
	b := s.currentBridge()
	if b == nil {
		s.replyError(msg, protocol.CodeServerNotInitialized, "analysis engine not started")
		return
	}

	var p struct {
		TextDocument struct {
			URI string `json:"uri"`
		} `json:"textDocument"`
		Range span `json:"range"`
	}
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		s.replyError(msg, protocol.CodeInvalidParams, err.Error())
		return
	}

	result, err := b.Call(ctx, "inlayHints", p.TextDocument.URI, map[string]any{
		"uri":       p.TextDocument.URI,
		"startLine": p.Range.Start.Line + 1,
		"endLine":   p.Range.End.Line + 1,
	})
	if err != nil {
		logging.Debug().Err(err).Msg("inlay hints failed")
		s.replyError(msg, bridgeErrorCode(err), err.Error())
		return
	}
	s.replyRaw(msg, result)
}

func (s *Server) onProjectChanged(e event.Event) {
	s.mu.Lock()
	root := s.root
	cfg := s.cfg
	b := s.bridge
	s.mu.Unlock()
	if root == "" {
		return
	}

	logging.Info().Msg("re-resolving project after build file change")
	model, err := project.Resolve(context.Background(), root, cfg)
	if err != nil {
		logging.Warn().Err(err).Msg("project re-resolution failed, keeping previous model")
		return
	}
	if err := project.SaveCache(model, cacheDir(root)); err != nil {
		logging.Debug().Err(err).Msg("project model cache not written")
	}

	s.mu.Lock()
	s.model = model
	s.mu.Unlock()

	if b != nil {
		b.SetInitParams(model.InitializeParams(cfg))
		if err := b.Notify(context.Background(), "workspace/didChangeConfiguration", model.InitializeParams(cfg)); err != nil {
			logging.Debug().Err(err).Msg("engine configuration push not delivered")
		}
	}
}

func (s *Server) onSpawnFailed(e event.Event) {
	data, ok := e.Data.(event.SpawnFailedData)
	if !ok {
		return
	}
	// Only the first failure gets a popup; retries would spam the editor.
	if data.Attempt <= 1 {
		s.showMessage(1, fmt.Sprintf("%s: analysis engine failed to start: %s", serverName, data.Reason))
	}
}

// uriToPath converts a file:// URI to a filesystem path.
func uriToPath(uri string) string {
	if uri == "" {
		return ""
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return ""
	}
	return u.Path
}

// cacheDir is the per-project model cache location.
func cacheDir(root string) string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	h := fnv.New64a()
	h.Write([]byte(root))
	return filepath.Join(base, "kotlin-analyzer", fmt.Sprintf("%x", h.Sum64()))
}
