package constants

import "errors"

// Error taxonomy of the sync layer. Components wrap these with %w so that
// callers can classify failures with errors.Is regardless of where in the
// stack they originated.
var (
	// ErrConnection indicates the transport to the backend is down or a
	// connection attempt failed. Recovered locally by the state machine.
	ErrConnection = errors.New("connection error")

	// ErrTimeout indicates an operation exceeded its deadline. Deadline
	// overruns are failures, never hangs.
	ErrTimeout = errors.New("timeout")

	// ErrSubscription indicates a change-feed subscription failed at the
	// transport level. Delivered via the subscription's error channel,
	// never thrown into callbacks.
	ErrSubscription = errors.New("subscription error")

	// ErrMutation indicates a write was rejected by the backend. Always
	// surfaced to the caller after rollback, never swallowed.
	ErrMutation = errors.New("mutation rejected")

	// ErrCancelled indicates an operation was superseded by a newer call
	// under the same key. Intentional, not a real failure; callers treat
	// it as silence.
	ErrCancelled = errors.New("cancelled")
)

var (
	ErrIDInUse       = errors.New("id already in use")
	ErrNoBaseURL     = errors.New("base url not set")
	ErrNoMarshaler   = errors.New("marshaler is not set")
	ErrNoUnmarshaler = errors.New("unmarshaler is not set")
	ErrClosed        = errors.New("client is closed")
	ErrNotConnected  = errors.New("not connected")
)
