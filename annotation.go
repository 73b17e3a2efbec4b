package optrc

import "time"

// State is the lifecycle state of a trace.
type State string

// Trace states. Debouncing and WaitingForInteractive are sub-phases of an
// active trace.
const (
	StateDraft                 State = "draft"
	StateActive                State = "active"
	StateDebouncing            State = "debouncing"
	StateWaitingForInteractive State = "waiting-for-interactive"
	StateComplete              State = "complete"
	StateInterrupted           State = "interrupted"
)

// Terminal returns true for complete and interrupted.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateInterrupted
}

// SpanAnnotation is the per-trace metadata attached to a span when it's
// recorded by a trace.
type SpanAnnotation struct {
	// TraceID of the trace that recorded the span.
	TraceID string `json:"trace_id"`

	// OperationRelativeStartTime is the span start relative to the trace start.
	OperationRelativeStartTime time.Duration `json:"operation_relative_start_time"`

	// OperationRelativeEndTime is the span end relative to the trace start.
	OperationRelativeEndTime time.Duration `json:"operation_relative_end_time"`

	// Occurrence is the 1-based count of same-named spans in the trace.
	Occurrence int `json:"occurrence"`

	// RecordedInState is the trace state when the span was recorded.
	RecordedInState State `json:"recorded_in_state"`

	MarkedRequirementsMet bool `json:"marked_requirements_met,omitempty"`
	MarkedComplete        bool `json:"marked_complete,omitempty"`
	MarkedPageInteractive bool `json:"marked_page_interactive,omitempty"`
}

// SpanAndAnnotation pairs a span with the annotation given to it by a trace.
type SpanAndAnnotation struct {
	Span       Span           `json:"span"`
	Annotation SpanAnnotation `json:"annotation"`
}
