package project

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/kotlin-analyzer/kotlin-analyzer/internal/event"
	"github.com/kotlin-analyzer/kotlin-analyzer/internal/logging"
)

// buildFiles are the files whose changes invalidate the project model.
var buildFiles = map[string]bool{
	"build.gradle.kts":    true,
	"build.gradle":        true,
	"settings.gradle.kts": true,
	"settings.gradle":     true,
	"gradle.properties":   true,
	"libs.versions.toml":  true,
	"pom.xml":             true,
	manualConfigFile:      true,
}

// Watcher publishes project.changed when a build file in the workspace root
// is modified. The server listens and re-resolves the model.
type Watcher struct {
	watcher *fsnotify.Watcher
	bus     *event.Bus
	root    string

	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	started bool
}

// NewWatcher watches root and the gradle version catalog directory.
func NewWatcher(root string, bus *event.Bus) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(root); err != nil {
		fw.Close()
		return nil, err
	}
	// Version catalogs live under gradle/; missing is fine.
	if err := fw.Add(filepath.Join(root, "gradle")); err != nil {
		logging.Debug().Err(err).Msg("no gradle directory to watch")
	}

	return &Watcher{
		watcher: fw,
		bus:     bus,
		root:    root,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins delivering change events.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !buildFiles[filepath.Base(ev.Name)] {
				continue
			}
			logging.Info().Str("path", ev.Name).Msg("build file changed")
			w.bus.Publish(event.Event{
				Type: event.ProjectChanged,
				Data: event.ProjectChangedData{Path: ev.Name},
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("build file watcher error")
		}
	}
}

// Stop halts the watcher and releases its OS resources.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	if started {
		<-w.doneCh
	}
	return w.watcher.Close()
}
