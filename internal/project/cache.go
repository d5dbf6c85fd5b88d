package project

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const cacheFile = "project-model.json"

// SaveCache persists the resolved model so the next startup can analyze
// immediately while a fresh resolution runs in the background.
func SaveCache(m *Model, cacheDir string) error {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cacheDir, cacheFile), data, 0o644)
}

// LoadCache reads a previously saved model. Returns false when there is no
// usable cache.
func LoadCache(cacheDir string) (*Model, bool) {
	data, err := os.ReadFile(filepath.Join(cacheDir, cacheFile))
	if err != nil {
		return nil, false
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return &m, true
}
