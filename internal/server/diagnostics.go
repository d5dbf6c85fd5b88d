package server

import (
	"encoding/json"

	"github.com/kotlin-analyzer/kotlin-analyzer/internal/event"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/logging"
)

// LSP severity values.
const (
	severityError   = 1
	severityWarning = 2
	severityInfo    = 3
	severityHint    = 4
)

type pos struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type span struct {
	Start pos `json:"start"`
	End   pos `json:"end"`
}

// diagnostic is the LSP wire shape published to the editor.
type diagnostic struct {
	Range    span   `json:"range"`
	Severity int    `json:"severity"`
	Code     string `json:"code,omitempty"`
	Source   string `json:"source"`
	Message  string `json:"message"`
}

// engineDiagnostic is what the analysis engine reports: 1-based lines,
// string severities.
type engineDiagnostic struct {
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Code      string `json:"code"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	EndLine   int    `json:"endLine"`
	EndColumn int    `json:"endColumn"`
}

func (s *Server) onAnalysisCompleted(e event.Event) {
	data, ok := e.Data.(event.AnalysisCompletedData)
	if !ok {
		return
	}
	diags := parseDiagnostics(data.Result)

	s.diagMu.Lock()
	s.diagnostics[data.URI] = diags
	s.diagMu.Unlock()

	s.publishDiagnostics(data.URI, data.Version, diags)
}

func (s *Server) publishDiagnostics(uri string, version int, diags []diagnostic) {
	params := map[string]any{
		"uri":         uri,
		"diagnostics": diags,
	}
	if version > 0 {
		params["version"] = version
	}
	s.notify("textDocument/publishDiagnostics", params)
}

func (s *Server) cachedDiagnostics(uri string) ([]diagnostic, bool) {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	diags, ok := s.diagnostics[uri]
	return diags, ok
}

// parseDiagnostics converts an analyze result into LSP diagnostics. Items
// missing a message are dropped; everything else degrades to defaults.
func parseDiagnostics(result json.RawMessage) []diagnostic {
	var payload struct {
		Diagnostics []engineDiagnostic `json:"diagnostics"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		logging.Warn().Err(err).Msg("unparseable analyze result")
		return []diagnostic{}
	}

	diags := make([]diagnostic, 0, len(payload.Diagnostics))
	for _, d := range payload.Diagnostics {
		if d.Message == "" {
			continue
		}
		diags = append(diags, diagnostic{
			Range:    convertRange(d),
			Severity: convertSeverity(d.Severity),
			Code:     d.Code,
			Source:   serverName,
			Message:  d.Message,
		})
	}
	return diags
}

func convertSeverity(s string) int {
	switch s {
	case "WARNING":
		return severityWarning
	case "INFO", "INFORMATION":
		return severityInfo
	case "HINT":
		return severityHint
	default:
		return severityError
	}
}

func convertRange(d engineDiagnostic) span {
	line := d.Line - 1
	if line < 0 {
		line = 0
	}
	endLine := d.EndLine - 1
	if endLine < line {
		endLine = line
	}
	endCol := d.EndColumn
	if endCol <= 0 {
		endCol = d.Column + 1
	}
	return span{
		Start: pos{Line: line, Character: d.Column},
		End:   pos{Line: endLine, Character: endCol},
	}
}
