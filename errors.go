package tscb

import "errors"

// Sentinel error kinds, per the error handling design: creation/registration
// failures are reported as wrapped errors a caller can unwrap with
// errors.Is; disconnect and modify are infallible post-construction.
var (
	// ErrResourceExhausted is returned from constructors (NewReactor, the
	// lazily created event trigger) when a pipe or backend fd could not be
	// allocated.
	ErrResourceExhausted = errors.New("tscb: resource exhausted")

	// ErrAllocationFailed is returned from Watch/Timer/AsyncProcedure when
	// the link could not be registered.
	ErrAllocationFailed = errors.New("tscb: allocation failed")

	// ErrCallbackFailed wraps a panic recovered from an I/O or async
	// procedure callback invoked during Dispatch. The core does not swallow
	// it: it restores the event flag and propagates to the caller of
	// Dispatch. Callbacks already invoked earlier in the same batch are not
	// re-invoked; callbacks not yet reached remain pending for the next
	// Dispatch call. Panics from timer and child-watch callbacks are
	// recovered and logged instead; they are not returned from Dispatch.
	ErrCallbackFailed = errors.New("tscb: callback failed")
)
