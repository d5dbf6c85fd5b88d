package event

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var received Event
	var wg sync.WaitGroup
	wg.Add(1)

	unsub := bus.Subscribe(SidecarStateChanged, func(e Event) {
		received = e
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: SidecarStateChanged, Data: StateChangedData{Previous: "Starting", Current: "Ready"}})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Type != SidecarStateChanged {
			t.Errorf("Expected SidecarStateChanged, got %v", received.Type)
		}
		data := received.Data.(StateChangedData)
		if data.Current != "Ready" {
			t.Errorf("Expected Ready, got %v", data.Current)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: SidecarStateChanged, Data: nil})
	bus.Publish(Event{Type: AnalysisCompleted, Data: nil})
	bus.Publish(Event{Type: DocumentOpened, Data: nil})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if atomic.LoadInt32(&count) != 3 {
			t.Errorf("Expected 3 events, got %d", count)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for events")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	unsub := bus.Subscribe(DocumentOpened, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.PublishSync(Event{Type: DocumentOpened})
	unsub()
	bus.PublishSync(Event{Type: DocumentOpened})

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("Expected 1 delivery after unsubscribe, got %d", got)
	}
}

func TestBus_PublishSync_Ordering(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var order []string
	bus.Subscribe(SidecarStateChanged, func(e Event) {
		order = append(order, e.Data.(StateChangedData).Current)
	})

	for _, s := range []string{"Starting", "Ready", "Degraded"} {
		bus.PublishSync(Event{Type: SidecarStateChanged, Data: StateChangedData{Current: s}})
	}

	if len(order) != 3 || order[0] != "Starting" || order[2] != "Degraded" {
		t.Errorf("PublishSync delivered out of order: %v", order)
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus()

	var count int32
	bus.Subscribe(DocumentClosed, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Must not panic or deliver.
	bus.PublishSync(Event{Type: DocumentClosed})
	if atomic.LoadInt32(&count) != 0 {
		t.Error("Event delivered after Close")
	}
}

func TestBus_SubscribeAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()

	unsub := bus.Subscribe(DocumentOpened, func(e Event) {})
	// Returned func must still be callable.
	unsub()
}

func TestGlobalBus_Reset(t *testing.T) {
	defer Reset()

	var count int32
	Subscribe(ProjectChanged, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	Reset()
	PublishSync(Event{Type: ProjectChanged})

	if atomic.LoadInt32(&count) != 0 {
		t.Error("Subscriber survived Reset")
	}
}
