// Package dispatch routes protocol messages between a connected frontend and
// the backends serving it. The Dispatcher assigns request identifiers,
// forwards requests to the backend registered for their method namespace,
// matches responses to pending callers, and enforces per-call cancellation
// and timeout.
//
// Every pending call resolves exactly once: response arrival, cancellation,
// timeout, and backend termination race for a single compare-and-set flag.
// Responses and notifications that match nothing are dropped and logged,
// never treated as errors.
package dispatch
