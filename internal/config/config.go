// Package config loads kotlin-analyzer configuration from layered sources.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"
)

// Defaults for the bridge's tunables.
const (
	DefaultQueueCapacity  = 32
	DefaultDebounce       = 300 * time.Millisecond
	DefaultReadyTimeout   = 30 * time.Second
	DefaultRequestTimeout = 60 * time.Second
	DefaultMaxMemory      = "512m"
)

// Config holds the analyzer configuration. JSON field names match the
// editor-side settings schema.
type Config struct {
	// JavaHome overrides JDK discovery. Falls back to JAVA_HOME.
	JavaHome string `json:"javaHome,omitempty"`
	// CompilerFlags are passed to the sidecar's initialize request.
	CompilerFlags []string `json:"compilerFlags,omitempty"`
	// SidecarMaxMemory is the sidecar JVM -Xmx value, e.g. "512m" or "1g".
	SidecarMaxMemory string `json:"sidecarMaxMemory,omitempty"`
	// TraceServer mirrors the LSP trace setting: off, messages, verbose.
	TraceServer string `json:"traceServer,omitempty"`

	// QueueCapacity bounds the outbound analysis request queue.
	QueueCapacity int `json:"queueCapacity,omitempty"`
	// DebounceMS is the edit-quiet period before analysis, in milliseconds.
	DebounceMS int `json:"debounceMs,omitempty"`
	// ReadyTimeoutMS bounds how long a call waits for the sidecar to
	// become ready, in milliseconds.
	ReadyTimeoutMS int `json:"readyTimeoutMs,omitempty"`
	// RequestTimeoutMS bounds each individual sidecar request, in milliseconds.
	RequestTimeoutMS int `json:"requestTimeoutMs,omitempty"`
}

// Default returns a config populated with defaults.
func Default() *Config {
	return &Config{
		SidecarMaxMemory: DefaultMaxMemory,
		TraceServer:      "off",
		QueueCapacity:    DefaultQueueCapacity,
		DebounceMS:       int(DefaultDebounce / time.Millisecond),
		ReadyTimeoutMS:   int(DefaultReadyTimeout / time.Millisecond),
		RequestTimeoutMS: int(DefaultRequestTimeout / time.Millisecond),
	}
}

// Debounce returns the debounce interval as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// ReadyTimeout returns the readiness timeout as a duration.
func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutMS) * time.Millisecond
}

// RequestTimeout returns the per-request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/kotlin-analyzer/)
// 2. Project config (<root>/.kotlin-analyzer.json[c])
// 3. KOTLIN_ANALYZER_CONFIG file
// 4. Environment variables
func Load(directory string) (*Config, error) {
	cfg := Default()

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, cfg) == nil {
			loaded[absPath] = true
		}
	}

	// 1. Global config
	globalDir := globalConfigDir()
	loadOnce(filepath.Join(globalDir, "config.json"))
	loadOnce(filepath.Join(globalDir, "config.jsonc"))

	// 2. Project config
	if directory != "" {
		loadOnce(filepath.Join(directory, ".kotlin-analyzer.json"))
		loadOnce(filepath.Join(directory, ".kotlin-analyzer.jsonc"))
	}

	// 3. KOTLIN_ANALYZER_CONFIG override
	if configPath := os.Getenv("KOTLIN_ANALYZER_CONFIG"); configPath != "" {
		loadOnce(configPath)
	}

	// 4. Environment variables (highest priority)
	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge applies non-zero fields of other on top of c. Used for
// workspace/didChangeConfiguration settings pushed by the editor.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.JavaHome != "" {
		c.JavaHome = other.JavaHome
	}
	if len(other.CompilerFlags) > 0 {
		c.CompilerFlags = other.CompilerFlags
	}
	if other.SidecarMaxMemory != "" {
		c.SidecarMaxMemory = other.SidecarMaxMemory
	}
	if other.TraceServer != "" {
		c.TraceServer = other.TraceServer
	}
	if other.QueueCapacity > 0 {
		c.QueueCapacity = other.QueueCapacity
	}
	if other.DebounceMS > 0 {
		c.DebounceMS = other.DebounceMS
	}
	if other.ReadyTimeoutMS > 0 {
		c.ReadyTimeoutMS = other.ReadyTimeoutMS
	}
	if other.RequestTimeoutMS > 0 {
		c.RequestTimeoutMS = other.RequestTimeoutMS
	}
}

// loadConfigFile loads a single config file, tolerating JSONC comments.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	cfg.Merge(&fileConfig)
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if home := os.Getenv("KOTLIN_ANALYZER_JAVA_HOME"); home != "" {
		cfg.JavaHome = home
	}
	if v := os.Getenv("KOTLIN_ANALYZER_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.QueueCapacity = n
		}
	}
	if v := os.Getenv("KOTLIN_ANALYZER_DEBOUNCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DebounceMS = n
		}
	}
	if v := os.Getenv("KOTLIN_ANALYZER_READY_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ReadyTimeoutMS = n
		}
	}
	if v := os.Getenv("KOTLIN_ANALYZER_MAX_MEMORY"); v != "" {
		cfg.SidecarMaxMemory = v
	}
}

func (c *Config) validate() error {
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queueCapacity must be positive, got %d", c.QueueCapacity)
	}
	if c.DebounceMS <= 0 {
		return fmt.Errorf("debounceMs must be positive, got %d", c.DebounceMS)
	}
	switch c.TraceServer {
	case "", "off", "messages", "verbose":
	default:
		return fmt.Errorf("traceServer must be off, messages, or verbose, got %q", c.TraceServer)
	}
	return nil
}

// globalConfigDir returns the global config directory.
// Prefers KOTLIN_ANALYZER_CONFIG_DIR, then XDG, then ~/.config.
func globalConfigDir() string {
	if dir := os.Getenv("KOTLIN_ANALYZER_CONFIG_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "kotlin-analyzer")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "kotlin-analyzer")
}
