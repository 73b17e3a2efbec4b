// Package optrc measures user-perceived operations, like "open a ticket" or
// "load the dashboard", from a stream of timed spans observed in a client
// runtime: long tasks, resource loads, component renders, marks, and so on.
//
// An operation is described once, as a [TracerConfig], and registered with a
// [TraceManager] to produce a [Tracer]. The config says which spans must be
// seen before the operation can be considered done (required spans), which
// spans postpone completion while they keep arriving (debounce spans), which
// spans abort the operation (interrupt spans), and how long each variant of
// the operation may take. Matching is expressed with composable [Matcher]
// values.
//
// The manager owns at most one trace at a time. Starting a trace, from any
// tracer, interrupts the previous one. Every span fed to the manager via
// [TraceManager.ProcessSpan] is routed to the current trace, which annotates
// and records it, and advances its state machine: draft, active, debouncing,
// waiting-for-interactive, and finally complete or interrupted. When a trace
// reaches a terminal state, the manager emits exactly one [TraceRecording],
// which includes the operation duration, the time until the page became
// interactive, computed spans and values, and every recorded span.
//
// Page interactivity is detected with a [QuietWindowProcessor], which looks
// for the first sufficiently long period without heavy clusters of long tasks
// after the operation completed.
//
// Timers use an injectable [github.com/zoobzio/clockz.Clock], so that tests
// and replays can drive time deterministically.
package optrc
