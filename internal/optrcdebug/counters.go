// Package optrcdebug holds counters used to observe the trace engine.
package optrcdebug

import "sync/atomic"

// TraceCounters track trace and span throughput of a trace manager.
type TraceCounters struct {
	TracesStarted     atomic.Uint64
	TracesCompleted   atomic.Uint64
	TracesInterrupted atomic.Uint64
	SpansProcessed    atomic.Uint64
	SpansRecorded     atomic.Uint64
	SpansDeduplicated atomic.Uint64
	Panics            atomic.Uint64
}

// Active returns the number of started traces that haven't finished.
func (tc *TraceCounters) Active() uint64 {
	var (
		started     = tc.TracesStarted.Load()
		completed   = tc.TracesCompleted.Load()
		interrupted = tc.TracesInterrupted.Load()
	)
	if completed+interrupted >= started {
		return 0
	}
	return started - completed - interrupted
}

// DedupePercent returns the percent (0..100) of recorded or deduplicated
// spans which were duplicates.
func (tc *TraceCounters) DedupePercent() float64 {
	var (
		recorded = tc.SpansRecorded.Load()
		deduped  = tc.SpansDeduplicated.Load()
		total    = recorded + deduped
	)
	if total <= 0 {
		return 0.0
	}
	return 100 * float64(deduped) / float64(total)
}
