// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces that the engine uses to report run activity. Events are
// batched on a background goroutine and fanned out to pluggable sinks such as
// Prometheus collectors or structured logs.
package progress
