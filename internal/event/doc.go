/*
Package event provides a pub/sub event system for the kotlin-analyzer bridge.

The event system decouples the sidecar supervisor from everything that wants
to observe it: components publish events and subscribers react without direct
dependencies. The package is built on top of watermill's gochannel for
infrastructure while keeping direct-call semantics to preserve type
information.

# Event Types

Sidecar Events:
  - sidecar.state.changed: lifecycle transition (Starting, Ready, Degraded, ...)
  - sidecar.restarted: supervisor completed a restart and replayed documents
  - sidecar.spawn.failed: a restart attempt failed to spawn the process

Analysis Events:
  - analysis.completed: an analyze request finished; data carries the raw result
  - request.superseded: a queued request was evicted by a newer one

Document Events:
  - document.opened, document.closed

Project Events:
  - project.changed: a build file changed on disk

# Basic Usage

	unsubscribe := event.Subscribe(event.SidecarStateChanged, func(e event.Event) {
		data := e.Data.(event.StateChangedData)
		logging.Info().Str("state", data.Current).Msg("sidecar state")
	})
	defer unsubscribe()

Subscribers called through PublishSync run in the publisher's goroutine and
must complete quickly, never publish re-entrantly, and never acquire locks
the publisher might hold.

# Custom Event Bus

For testing or isolation, create bus instances with event.NewBus and close
them with Close. event.Reset clears the global bus between tests.
*/
package event
