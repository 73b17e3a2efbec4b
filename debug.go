package optrc

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// DebugEventKind identifies the kind of a debug event.
type DebugEventKind string

// Debug event kinds.
const (
	DebugTraceStart       DebugEventKind = "trace-start"
	DebugStateTransition  DebugEventKind = "state-transition"
	DebugRequiredSpanSeen DebugEventKind = "required-span-seen"
)

// DebugEvent describes a change in the lifecycle of a trace. Debug events are
// copies, and don't share any mutable state with the trace.
type DebugEvent struct {
	Kind      DebugEventKind `json:"kind"`
	Time      time.Time      `json:"time"`
	TraceID   string         `json:"trace_id"`
	TraceName string         `json:"trace_name"`
	Variant   string         `json:"variant"`

	// From and To are set for state transitions.
	From State `json:"from,omitempty"`
	To   State `json:"to,omitempty"`

	// InterruptionReason is set for transitions to the interrupted state.
	InterruptionReason InterruptionReason `json:"interruption_reason,omitempty"`

	// Item is the span that caused the event, if any.
	Item *SpanAndAnnotation `json:"item,omitempty"`

	// RequiredIndex is the index of the required matcher that was satisfied,
	// for required-span-seen events.
	RequiredIndex int `json:"required_index,omitempty"`
}

// clone detaches the event from the trace. The broker calls it once per
// delivery, so subscribers share nothing with the trace or with each other.
func (ev DebugEvent) clone() DebugEvent {
	if ev.Item != nil {
		item := SpanAndAnnotation{Span: ev.Item.Span.clone(), Annotation: ev.Item.Annotation}
		ev.Item = &item
	}
	return ev
}

// newDebugEvent refers to the live item; it's only safe to publish under the
// manager lock, via a broker that clones events.
func (tr *trace) newDebugEvent(kind DebugEventKind, item *SpanAndAnnotation, fn func(*DebugEvent)) DebugEvent {
	ev := DebugEvent{
		Kind:               kind,
		Time:               tr.mgr.clock.Now(),
		TraceID:            tr.id,
		TraceName:          tr.def.name,
		Variant:            tr.variant,
		InterruptionReason: tr.reason,
	}

	if item != nil {
		ev.Item = item
	}

	if fn != nil {
		fn(&ev)
	}

	return ev
}

var traceIDEntropy = ulid.DefaultEntropy()

func newTraceID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), traceIDEntropy).String()
}
