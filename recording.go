package optrc

import (
	"fmt"
	"time"
)

// ComputedSpan is a derived span, relative to the start of the operation.
type ComputedSpan struct {
	StartOffset time.Duration `json:"start_offset"`
	Duration    time.Duration `json:"duration"`
}

// RenderSummary aggregates the render spans of a single component.
type RenderSummary struct {
	StartOffset            time.Duration  `json:"start_offset"`
	RenderCount            int            `json:"render_count"`
	SumOfRenderDurations   time.Duration  `json:"sum_of_render_durations"`
	FirstRenderTillLoading *time.Duration `json:"first_render_till_loading,omitempty"`
	FirstRenderTillContent *time.Duration `json:"first_render_till_content,omitempty"`
	ErrorCount             int            `json:"error_count"`
}

// TraceRecording is the immutable output of a trace, produced when it reaches
// a terminal state.
type TraceRecording struct {
	ID                      string                    `json:"id"`
	Name                    string                    `json:"name"`
	Variant                 string                    `json:"variant"`
	Scope                   Scope                     `json:"scope,omitempty"`
	StartTime               time.Time                 `json:"start_time"`
	Status                  Status                    `json:"status"`
	InterruptionReason      InterruptionReason        `json:"interruption_reason,omitempty"`
	Duration                *time.Duration            `json:"duration,omitempty"`
	StartTillInteractive    *time.Duration            `json:"start_till_interactive,omitempty"`
	CompleteTillInteractive *time.Duration            `json:"complete_till_interactive,omitempty"`
	Attributes              map[string]any            `json:"attributes,omitempty"`
	ComputedSpans           map[string]ComputedSpan   `json:"computed_spans,omitempty"`
	ComputedValues          map[string]float64        `json:"computed_values,omitempty"`
	SpanAttributes          map[string]map[string]any `json:"span_attributes,omitempty"`
	RenderSummaries         map[string]RenderSummary  `json:"render_summaries,omitempty"`
	Entries                 []SpanAndAnnotation       `json:"entries"`
}

func (tr *trace) buildRecording() *TraceRecording {
	rec := &TraceRecording{
		ID:                 tr.id,
		Name:               tr.def.name,
		Variant:            tr.variant,
		Scope:              tr.scope.Clone(),
		StartTime:          tr.start,
		Status:             tr.recordingStatus(),
		InterruptionReason: tr.reason,
		Attributes:         mergeAttributes(nil, tr.attributes),
		Entries:            make([]SpanAndAnnotation, len(tr.items)),
	}

	for i, item := range tr.items {
		rec.Entries[i] = *item
	}

	switch {
	case tr.completed != nil:
		rec.Duration = durationPtr(tr.completed.Span.EndTime().Sub(tr.start))
	case tr.lastRelevant != nil:
		rec.Duration = durationPtr(tr.lastRelevant.Span.EndTime().Sub(tr.start))
	}

	if tr.hasInteractive {
		rec.StartTillInteractive = durationPtr(tr.interactiveAt.Sub(tr.start))
		rec.CompleteTillInteractive = durationPtr(tr.interactiveAt.Sub(tr.completed.Span.EndTime()))
	}

	rec.SpanAttributes = spanAttributes(rec.Entries)
	rec.RenderSummaries = renderSummaries(rec.Entries)

	if tr.completed != nil {
		rec.ComputedSpans = tr.computeSpans(rec)
		rec.ComputedValues = tr.computeValues(rec)
	}

	return rec
}

func (tr *trace) recordingStatus() Status {
	if tr.state == StateInterrupted && tr.reason != ReasonWaitingForInteractiveTimeout {
		return StatusInterrupted
	}

	status := StatusOK
	mc := tr.matchContext()
	tr.guard("status", func() {
		for _, item := range tr.items {
			if item.Span.Errored() && !tr.suppressed(item, mc) {
				status = StatusError
				return
			}
		}
	})
	return status
}

func (tr *trace) computeSpans(rec *TraceRecording) map[string]ComputedSpan {
	if len(tr.computedSpans) <= 0 {
		return nil
	}

	mc := tr.matchContext()
	res := map[string]ComputedSpan{}
	for _, def := range tr.computedSpans {
		tr.guard(fmt.Sprintf("computed span %q", def.Name), func() {
			start, ok := boundaryOffset(def.Start, true, rec, mc)
			if !ok {
				return
			}
			end, ok := boundaryOffset(def.End, false, rec, mc)
			if !ok || end < start {
				return
			}
			res[def.Name] = ComputedSpan{StartOffset: start, Duration: end - start}
		})
	}
	return res
}

// boundaryOffset resolves a boundary to an offset from the operation start.
// Span boundaries resolve to the first matching start, or the last matching
// end.
func boundaryOffset(b Boundary, isStart bool, rec *TraceRecording, mc MatchContext) (time.Duration, bool) {
	switch b.kind {
	case boundaryOperationStart:
		return 0, true

	case boundaryOperationEnd:
		if rec.Duration == nil {
			return 0, false
		}
		return *rec.Duration, true

	case boundaryInteractive:
		if rec.StartTillInteractive == nil {
			return 0, false
		}
		return *rec.StartTillInteractive, true

	default:
		var (
			offset time.Duration
			found  bool
		)
		for _, item := range rec.Entries {
			if !b.matcher.Match(item, mc) {
				continue
			}
			if isStart {
				return item.Annotation.OperationRelativeStartTime, true
			}
			offset, found = item.Annotation.OperationRelativeEndTime, true
		}
		return offset, found
	}
}

func (tr *trace) computeValues(rec *TraceRecording) map[string]float64 {
	if len(tr.computedValues) <= 0 {
		return nil
	}

	mc := tr.matchContext()
	res := map[string]float64{}
	for _, def := range tr.computedValues {
		tr.guard(fmt.Sprintf("computed value %q", def.Name), func() {
			matches := make([][]SpanAndAnnotation, len(def.Matches))
			for i, m := range def.Matches {
				for _, item := range rec.Entries {
					if m.Match(item, mc) {
						matches[i] = append(matches[i], item)
					}
				}
			}

			switch {
			case def.Compute != nil:
				res[def.Name] = def.Compute(matches...)
			case len(matches) > 0:
				res[def.Name] = float64(len(matches[0]))
			}
		})
	}
	return res
}

// guard calls fn, which runs user code like matchers, and reports a panic as
// an error instead of letting it unwind the trace. It returns false if fn
// panicked.
func (tr *trace) guard(what string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			tr.mgr.counters.Panics.Add(1)
			tr.mgr.reportError(fmt.Errorf("%s: %s: %w: %v", tr.def.name, what, ErrPanic, r))
			ok = false
		}
	}()
	fn()
	return true
}

func spanAttributes(entries []SpanAndAnnotation) map[string]map[string]any {
	res := map[string]map[string]any{}
	for _, item := range entries {
		if len(item.Span.Attributes) <= 0 {
			continue
		}
		res[item.Span.Name] = mergeAttributes(res[item.Span.Name], item.Span.Attributes)
	}
	if len(res) <= 0 {
		return nil
	}
	return res
}

func renderSummaries(entries []SpanAndAnnotation) map[string]RenderSummary {
	var (
		res   = map[string]RenderSummary{}
		first = map[string]time.Duration{}
	)

	for _, item := range entries {
		if !item.Span.Type.IsRender() {
			continue
		}

		var (
			name  = item.Span.Name
			start = item.Annotation.OperationRelativeStartTime
			end   = item.Annotation.OperationRelativeEndTime
			sum   = res[name]
		)

		firstStart, ok := first[name]
		if !ok {
			firstStart = start
			first[name] = start
			sum.StartOffset = start
		}

		if item.Span.Type == SpanTypeRender {
			sum.RenderCount++
			sum.SumOfRenderDurations += item.Span.Duration

			if item.Span.Render != nil {
				switch item.Span.Render.Output {
				case RenderedLoading:
					if sum.FirstRenderTillLoading == nil {
						sum.FirstRenderTillLoading = durationPtr(end - firstStart)
					}
				case RenderedContent:
					if sum.FirstRenderTillContent == nil {
						sum.FirstRenderTillContent = durationPtr(end - firstStart)
					}
				}
			}
		}

		if item.Span.Errored() {
			sum.ErrorCount++
		}

		res[name] = sum
	}

	if len(res) <= 0 {
		return nil
	}
	return res
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}
