package project

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kotlin-analyzer/kotlin-analyzer/internal/event"
)

func TestWatcherPublishesOnBuildFileChange(t *testing.T) {
	dir := t.TempDir()
	bus := event.NewBus()
	t.Cleanup(func() { _ = bus.Close() })

	var mu sync.Mutex
	var got []string
	bus.Subscribe(event.ProjectChanged, func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		if data, ok := e.Data.(event.ProjectChangedData); ok {
			got = append(got, filepath.Base(data.Path))
		}
	})

	w, err := NewWatcher(dir, bus)
	require.NoError(t, err)
	w.Start()
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "build.gradle.kts"), []byte("plugins {}"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, got, "build.gradle.kts")
}

func TestWatcherIgnoresSourceFiles(t *testing.T) {
	dir := t.TempDir()
	bus := event.NewBus()
	t.Cleanup(func() { _ = bus.Close() })

	fired := make(chan struct{}, 1)
	bus.Subscribe(event.ProjectChanged, func(e event.Event) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	w, err := NewWatcher(dir, bus)
	require.NoError(t, err)
	w.Start()
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Main.kt"), []byte("fun main() {}"), 0o644))

	select {
	case <-fired:
		t.Fatal("source file edits must not invalidate the project model")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), event.NewBus())
	require.NoError(t, err)
	w.Start()
	require.NoError(t, w.Stop())
	assert.NotPanics(t, func() { _ = w.Stop() })
}
