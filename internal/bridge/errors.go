package bridge

import "errors"

// Caller-visible error taxonomy. Every error returned from a bridge call
// wraps exactly one of these sentinels; raw transport or process errors are
// never surfaced to callers.
var (
	// ErrNotReady means the sidecar is Stopped or Degraded. These states do
	// not resolve without supervisor intervention, so no wait is performed.
	ErrNotReady = errors.New("sidecar not ready")

	// ErrTimeout means a readiness or per-request wait exceeded its bound.
	ErrTimeout = errors.New("sidecar timeout")

	// ErrCancelled means the request was cancelled explicitly or evicted by
	// a newer request of the same class.
	ErrCancelled = errors.New("request cancelled")

	// ErrCrashed means the sidecar exited while the request was in flight.
	ErrCrashed = errors.New("sidecar crashed")

	// ErrMalformedResponse means the sidecar sent unparsable or unmatched JSON.
	ErrMalformedResponse = errors.New("malformed sidecar response")

	// ErrMethodNotSupported means the sidecar rejected the method.
	ErrMethodNotSupported = errors.New("method not supported by sidecar")
)
