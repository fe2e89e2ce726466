// Package supervisor owns the lifecycle of every external backend process a
// session spawns: language servers, debug adapters, formatters. Each process
// speaks the framed wire protocol on its standard streams and is driven
// through an explicit state machine (Starting, Running, Degraded,
// Terminated) with an exponential-backoff restart policy.
//
// A handle transitioning to Terminated resolves every call routed to it
// with "backend gone" before the handle leaves the dispatcher's route
// tables, so unrelated in-flight calls are never disturbed and no caller is
// left hanging.
package supervisor
