package optrc

import (
	"encoding/json"
	"time"
)

// SpanType is the discriminant for the different kinds of span. Per-type
// details, e.g. render or resource information, are only meaningful for the
// corresponding types.
type SpanType string

// Span types produced by the platform and by application adapters.
const (
	SpanTypeLongTask       SpanType = "longtask"
	SpanTypeLongFrame      SpanType = "long-animation-frame"
	SpanTypeScriptTask     SpanType = "script"
	SpanTypeResource       SpanType = "resource"
	SpanTypeNavigation     SpanType = "navigation"
	SpanTypeMark           SpanType = "mark"
	SpanTypeMeasure        SpanType = "measure"
	SpanTypePaint          SpanType = "paint"
	SpanTypeElement        SpanType = "element"
	SpanTypeEvent          SpanType = "event"
	SpanTypeRenderStart    SpanType = "component-render-start"
	SpanTypeRender         SpanType = "component-render"
	SpanTypeUnmount        SpanType = "component-unmount"
	SpanTypeError          SpanType = "error"
	SpanTypeOperationStart SpanType = "operation-start"
)

// IsRender returns true for the application-defined component lifecycle
// types, which are the only spans that carry render details.
func (t SpanType) IsRender() bool {
	switch t {
	case SpanTypeRenderStart, SpanTypeRender, SpanTypeUnmount:
		return true
	default:
		return false
	}
}

// IsBusy returns true for span types that represent the main thread being
// occupied, and which therefore feed the quiet-window processor.
func (t SpanType) IsBusy() bool {
	return t == SpanTypeLongTask || t == SpanTypeLongFrame
}

// Status of a span or a recording.
type Status string

// Statuses. StatusInterrupted is only used for recordings.
const (
	StatusOK          Status = "ok"
	StatusError       Status = "error"
	StatusInterrupted Status = "interrupted"
)

// Scope identifies what a span or a trace is about, e.g. a ticket ID. Values
// are compared with simple string equality.
type Scope map[string]string

// Clone returns a copy of the scope.
func (s Scope) Clone() Scope {
	if s == nil {
		return nil
	}
	c := make(Scope, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// Span is a single timed event or marker fed into the engine. Spans are
// treated as immutable values once they've been handed to a trace manager.
type Span struct {
	Type       SpanType       `json:"type"`
	Name       string         `json:"name"`
	StartTime  time.Time      `json:"start_time"`
	Duration   time.Duration  `json:"duration"`
	Status     Status         `json:"status,omitempty"`
	Scope      Scope          `json:"scope,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`

	// Entry is the raw platform entry the span was derived from, if any. It's
	// used by deduplication, both by identity and by content.
	Entry *PerformanceEntry `json:"-"`

	// Render is only set for render types, see SpanType.IsRender.
	Render *RenderDetails `json:"render,omitempty"`

	// Resource is only set for SpanTypeResource.
	Resource *ResourceDetails `json:"resource,omitempty"`

	// Err is the cause of an error span, if any.
	Err error `json:"-"`
}

// EndTime returns the time at which the span ended.
func (s Span) EndTime() time.Time {
	return s.StartTime.Add(s.Duration)
}

// Errored returns true if the span has an error status.
func (s Span) Errored() bool {
	return s.Status == StatusError
}

// RenderDetails are the per-render fields of component lifecycle spans.
type RenderDetails struct {
	// IsIdle is true when the component rendered its final, settled state.
	IsIdle bool `json:"is_idle"`

	// RenderCount is the number of times the component has rendered so far.
	RenderCount int `json:"render_count"`

	// Output describes what the render produced.
	Output RenderedOutput `json:"output,omitempty"`
}

// RenderedOutput describes the visual result of a render.
type RenderedOutput string

// Rendered outputs.
const (
	RenderedNull    RenderedOutput = "null"
	RenderedLoading RenderedOutput = "loading"
	RenderedContent RenderedOutput = "content"
	RenderedError   RenderedOutput = "error"
)

// ResourceDetails are the network fields of resource spans.
type ResourceDetails struct {
	URL          string `json:"url"`
	Initiator    string `json:"initiator,omitempty"`
	Method       string `json:"method,omitempty"`
	StatusCode   int    `json:"status_code,omitempty"`
	TransferSize int64  `json:"transfer_size,omitempty"`
}

// PerformanceEntry is the raw shape of a platform performance entry. Entries
// are usually passed by pointer, so that re-deliveries of the same entry can
// be recognized by identity.
type PerformanceEntry struct {
	EntryType string          `json:"entry_type"`
	Name      string          `json:"name"`
	StartTime time.Time       `json:"start_time"`
	Duration  time.Duration   `json:"duration"`
	Detail    json.RawMessage `json:"detail,omitempty"`

	// Resource-only fields.
	InitiatorType  string `json:"initiator_type,omitempty"`
	ResponseStatus int    `json:"response_status,omitempty"`
	TransferSize   int64  `json:"transfer_size,omitempty"`
	RequestMethod  string `json:"request_method,omitempty"`
}

// NameNormalizer maps a raw platform name to a span name, e.g. to strip
// query strings or IDs from resource URLs. A nil normalizer is the identity.
type NameNormalizer func(entryType, name string) string

var entryTypes = map[string]SpanType{
	"longtask":             SpanTypeLongTask,
	"long-animation-frame": SpanTypeLongFrame,
	"resource":             SpanTypeResource,
	"navigation":           SpanTypeNavigation,
	"mark":                 SpanTypeMark,
	"measure":              SpanTypeMeasure,
	"paint":                SpanTypePaint,
	"element":              SpanTypeElement,
	"event":                SpanTypeEvent,
	"first-input":          SpanTypeEvent,
}

// SpanFromEntry converts a raw platform entry to a span. The returned span
// keeps a reference to the entry, for deduplication. Unknown entry types are
// passed through as-is.
func SpanFromEntry(entry *PerformanceEntry, normalize NameNormalizer) Span {
	typ, ok := entryTypes[entry.EntryType]
	if !ok {
		typ = SpanType(entry.EntryType)
	}

	name := entry.Name
	if normalize != nil {
		name = normalize(entry.EntryType, entry.Name)
	}

	span := Span{
		Type:      typ,
		Name:      name,
		StartTime: entry.StartTime,
		Duration:  entry.Duration,
		Status:    StatusOK,
		Entry:     entry,
	}

	if typ == SpanTypeResource {
		span.Resource = &ResourceDetails{
			URL:          entry.Name,
			Initiator:    entry.InitiatorType,
			Method:       entry.RequestMethod,
			StatusCode:   entry.ResponseStatus,
			TransferSize: entry.TransferSize,
		}
		if entry.ResponseStatus >= 400 {
			span.Status = StatusError
		}
	}

	return span
}

// normalize fills in defaults, drops per-type details that don't belong to
// the span's type, and detaches the span from the caller's values.
func (s Span) normalize() Span {
	if s.Status == "" {
		s.Status = StatusOK
	}
	if !s.Type.IsRender() {
		s.Render = nil
	}
	if s.Type != SpanTypeResource {
		s.Resource = nil
	}
	return s.clone()
}

// clone returns a copy of the span that shares no mutable state with s. The
// platform entry is kept as is, since it identifies the span for
// deduplication.
func (s Span) clone() Span {
	s.Scope = s.Scope.Clone()
	s.Attributes = mergeAttributes(nil, s.Attributes)
	if s.Render != nil {
		r := *s.Render
		s.Render = &r
	}
	if s.Resource != nil {
		r := *s.Resource
		s.Resource = &r
	}
	return s
}
