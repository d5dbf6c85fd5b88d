package event

import "encoding/json"

// StateChangedData is the data for sidecar.state.changed events.
type StateChangedData struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// RestartedData is the data for sidecar.restarted events.
type RestartedData struct {
	Attempt  int `json:"attempt"`
	Replayed int `json:"replayed"`
}

// SpawnFailedData is the data for sidecar.spawn.failed events.
type SpawnFailedData struct {
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason"`
}

// AnalysisCompletedData is the data for analysis.completed events.
// Result carries the sidecar's raw analyze payload; the server turns it
// into publishDiagnostics.
type AnalysisCompletedData struct {
	URI     string          `json:"uri"`
	Version int             `json:"version"`
	Result  json.RawMessage `json:"result"`
}

// DocumentData is the data for document.opened and document.closed events.
type DocumentData struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

// ProjectChangedData is the data for project.changed events.
type ProjectChangedData struct {
	Path string `json:"path"`
}

// SupersededData is the data for request.superseded events.
type SupersededData struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	URI    string `json:"uri,omitempty"`
}
