package optrc

import (
	"sort"
	"time"
)

// InterruptionReason explains why a trace ended without completing.
type InterruptionReason string

// Interruption reasons.
const (
	ReasonTimeout                        InterruptionReason = "timeout"
	ReasonWaitingForInteractiveTimeout   InterruptionReason = "waiting-for-interactive-timeout"
	ReasonAnotherTraceStarted            InterruptionReason = "another-trace-started"
	ReasonDraftCancelled                 InterruptionReason = "draft-cancelled"
	ReasonMatchedOnInterrupt             InterruptionReason = "matched-on-interrupt"
	ReasonMatchedOnRequiredSpanWithError InterruptionReason = "matched-on-required-span-with-error"
	ReasonAborted                        InterruptionReason = "aborted"
)

// DraftInput describes a new trace.
type DraftInput struct {
	// Variant selects the variant configuration. Required.
	Variant string

	// StartTime of the operation. Optional. By default, the current time of
	// the trace manager's clock.
	StartTime time.Time

	// Attributes are copied to the recording. Optional.
	Attributes map[string]any
}

// StartInput describes a new trace that's immediately activated.
type StartInput struct {
	DraftInput

	// Scope is bound to the trace on activation.
	Scope Scope
}

// Modifications are applied to a draft trace when it's activated.
type Modifications struct {
	// TraceID, if set, must identify the current trace.
	TraceID string

	// Scope is bound to the trace.
	Scope Scope

	// AdditionalRequiredSpans and AdditionalDebounceOnSpans apply only to
	// this trace.
	AdditionalRequiredSpans   []Matcher
	AdditionalDebounceOnSpans []Matcher

	// Attributes are merged into the trace attributes.
	Attributes map[string]any
}

// InterruptOptions describe an explicit interruption.
type InterruptOptions struct {
	// TraceID, if set, must identify the current trace.
	TraceID string

	// Err, if set, is recorded as a synthetic error span before the trace is
	// interrupted.
	Err error
}

// requirement tracks one required matcher of a trace.
type requirement struct {
	matcher     Matcher
	matched     bool
	matchedName string
}

type timerKind int

// Timers are listed in the order they fire when their deadlines are equal.
const (
	timerDebounce timerKind = iota
	timerIdleCheck
	timerInteractive
	timerTimeout
	timerCount
)

// traceTimer is one pending deadline of a trace. The callback is called with
// the deadline, not the time at which it was noticed.
type traceTimer struct {
	armed    bool
	deadline time.Time
	fn       func(at time.Time)
	cancel   func()
}

// trace is a single instance of an operation, from draft to a terminal state.
// Traces are owned by a trace manager, and all methods that change a trace are
// called with the manager's lock held.
type trace struct {
	mgr    *TraceManager
	tracer *Tracer
	def    *traceDefinition

	computedSpans  []ComputedSpanDefinition
	computedValues []ComputedValueDefinition

	id         string
	variant    string
	timeout    time.Duration
	start      time.Time
	attributes map[string]any
	scope      Scope
	state      State
	reason     InterruptionReason

	items       []*SpanAndAnnotation
	occurrences map[string]int
	required    []requirement
	outstanding int
	debounce    []Matcher

	debounceDeadline time.Time
	lastRelevant     *SpanAndAnnotation
	requirementsMet  *SpanAndAnnotation
	completed        *SpanAndAnnotation

	interactive         *QuietWindowProcessor
	interactiveDeadline time.Time
	interactiveAt       time.Time
	hasInteractive      bool

	timers [timerCount]traceTimer

	recording *TraceRecording
}

func newTrace(mgr *TraceManager, tracer *Tracer, id string, input DraftInput) *trace {
	start := input.StartTime
	if start.IsZero() {
		start = mgr.clock.Now()
	}

	return &trace{
		mgr:            mgr,
		tracer:         tracer,
		def:            tracer.def,
		computedSpans:  tracer.def.computedSpans,
		computedValues: tracer.def.computedValues,
		id:             id,
		variant:        input.Variant,
		timeout:        tracer.def.variants[input.Variant].Timeout,
		start:          start,
		attributes:     mergeAttributes(nil, input.Attributes),
		state:          StateDraft,
		occurrences:    map[string]int{},
	}
}

func (tr *trace) matchContext() MatchContext {
	return MatchContext{
		TraceName: tr.def.name,
		Variant:   tr.variant,
		Scope:     tr.scope,
	}
}

func (tr *trace) timeoutDeadline() time.Time {
	return tr.start.Add(tr.timeout)
}

//
//
//

// activate binds the scope, merges modifications, starts the timeout timer,
// and evaluates any spans that were recorded while the trace was a draft.
func (tr *trace) activate(mods Modifications) {
	variant := tr.def.variants[tr.variant]

	tr.scope = mods.Scope.Clone()
	tr.attributes = mergeAttributes(tr.attributes, mods.Attributes)

	var required []Matcher
	required = append(required, tr.def.requiredSpans...)
	required = append(required, variant.AdditionalRequiredSpans...)
	required = append(required, tagged(mods.AdditionalRequiredSpans, TagRequiredSpan)...)
	for _, m := range required {
		tr.required = append(tr.required, requirement{matcher: m})
	}
	tr.outstanding = len(tr.required)

	tr.debounce = append(tr.debounce, tr.def.debounceOnSpans...)
	tr.debounce = append(tr.debounce, variant.AdditionalDebounceOnSpans...)
	tr.debounce = append(tr.debounce, mods.AdditionalDebounceOnSpans...)

	tr.transition(StateActive, nil)
	tr.setTimer(timerTimeout, tr.timeoutDeadline(), tr.onTimeout)

	for _, item := range append([]*SpanAndAnnotation(nil), tr.items...) {
		if item.Span.EndTime().After(tr.timeoutDeadline()) {
			tr.onTimeout(tr.timeoutDeadline())
			return
		}

		switch tr.state {
		case StateActive:
			tr.evaluateActive(item)
		case StateDebouncing:
			if item.Span.StartTime.After(tr.debounceDeadline) {
				tr.finishDebounce()
				return
			}
			tr.evaluateDebouncing(item)
		default:
			return
		}
	}
}

// processSpan routes the span according to the current state. It returns the
// annotation of the span, if it was recorded.
func (tr *trace) processSpan(span Span) (SpanAnnotation, bool) {
	if tr.state.Terminal() {
		return SpanAnnotation{}, false
	}

	if span.StartTime.Before(tr.start) {
		return SpanAnnotation{}, false
	}

	if existing, ok := tr.mgr.dedupe.FindDuplicate(span); ok {
		preferred := tr.mgr.dedupe.SelectPreferredSpan(existing.Span, span)
		*existing = SpanAndAnnotation{Span: preferred, Annotation: existing.Annotation}
		tr.mgr.dedupe.RecordSpan(span, existing)
		tr.mgr.counters.SpansDeduplicated.Add(1)
		return existing.Annotation, true
	}

	var item *SpanAndAnnotation
	switch tr.state {
	case StateDraft:
		item = tr.record(span)
	case StateActive:
		item = tr.processActive(span)
	case StateDebouncing:
		item = tr.processDebouncing(span)
	case StateWaitingForInteractive:
		item = tr.processWaitingForInteractive(span)
	}

	if item == nil {
		return SpanAnnotation{}, false
	}
	return item.Annotation, true
}

func (tr *trace) processActive(span Span) *SpanAndAnnotation {
	if span.EndTime().After(tr.timeoutDeadline()) {
		tr.onTimeout(tr.timeoutDeadline())
		return nil
	}

	item := tr.record(span)
	tr.evaluateActive(item)
	return item
}

func (tr *trace) evaluateActive(item *SpanAndAnnotation) {
	mc := tr.matchContext()

	if matchesAny(tr.def.interruptOnSpans, *item, mc) {
		tr.finish(StateInterrupted, ReasonMatchedOnInterrupt, item)
		return
	}

	if tr.requiredSpanErrored(item, mc) {
		tr.finish(StateInterrupted, ReasonMatchedOnRequiredSpanWithError, item)
		return
	}

	for i := range tr.required {
		req := &tr.required[i]

		if req.matched {
			if req.matcher.Tags().Has(TagIdle) && isNonIdleRender(item.Span) && item.Span.Name == req.matchedName {
				req.matched = false
				tr.outstanding++
			}
			continue
		}

		if req.matcher.Match(*item, mc) {
			req.matched = true
			req.matchedName = item.Span.Name
			tr.outstanding--
			tr.mgr.publish(tr.newDebugEvent(DebugRequiredSpanSeen, item, func(ev *DebugEvent) {
				ev.RequiredIndex = i
			}))
		}
	}

	if tr.outstanding > 0 {
		return
	}

	item.Annotation.MarkedRequirementsMet = true
	tr.requirementsMet = item
	tr.lastRelevant = item

	if len(tr.debounce) <= 0 {
		tr.complete(item)
		return
	}

	tr.transition(StateDebouncing, item)
	tr.extendDebounce(item)
}

func (tr *trace) processDebouncing(span Span) *SpanAndAnnotation {
	if span.StartTime.After(tr.debounceDeadline) && !tr.debounceDeadline.After(tr.timeoutDeadline()) {
		tr.finishDebounce()
		if tr.state != StateWaitingForInteractive {
			return nil
		}
		return tr.processWaitingForInteractive(span)
	}

	if span.EndTime().After(tr.timeoutDeadline()) {
		tr.onTimeout(tr.timeoutDeadline())
		return nil
	}

	item := tr.record(span)
	tr.evaluateDebouncing(item)
	return item
}

func (tr *trace) evaluateDebouncing(item *SpanAndAnnotation) {
	mc := tr.matchContext()

	if matchesAny(tr.def.interruptOnSpans, *item, mc) {
		tr.finish(StateInterrupted, ReasonMatchedOnInterrupt, item)
		return
	}

	if tr.requiredSpanErrored(item, mc) {
		tr.finish(StateInterrupted, ReasonMatchedOnRequiredSpanWithError, item)
		return
	}

	if matchesAny(tr.debounce, *item, mc) {
		tr.lastRelevant = item
		tr.extendDebounce(item)
	}
}

func (tr *trace) extendDebounce(item *SpanAndAnnotation) {
	tr.debounceDeadline = item.Span.EndTime().Add(tr.def.debounceWindow)
	tr.setTimer(timerDebounce, tr.debounceDeadline, func(time.Time) { tr.finishDebounce() })
}

func (tr *trace) finishDebounce() {
	if tr.state != StateDebouncing {
		return
	}
	tr.complete(tr.lastRelevant)
}

// complete marks the operation as done, and either finishes the trace or
// starts waiting for the page to become interactive.
func (tr *trace) complete(item *SpanAndAnnotation) {
	item.Annotation.MarkedComplete = true
	tr.completed = item
	tr.cancelTimer(timerDebounce)

	capture := tr.def.captureInteractive
	if capture == nil {
		tr.finish(StateComplete, "", item)
		return
	}

	completedAt := item.Span.EndTime()
	tr.interactive = NewQuietWindowProcessor(completedAt, capture.QuietWindowConfig)
	tr.interactiveDeadline = completedAt.Add(capture.Timeout)
	tr.transition(StateWaitingForInteractive, item)

	// Spans recorded while debouncing may already be relevant to
	// interactivity. They're replayed in the order they happened, but only
	// spans recorded after the completing span can carry the marker.
	var pending []*SpanAndAnnotation
	for _, other := range tr.items {
		if other != item && other.Span.EndTime().After(completedAt) {
			pending = append(pending, other)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Span.StartTime.Before(pending[j].Span.StartTime)
	})
	for _, other := range pending {
		if at, ok := tr.interactive.Process(other.Span); ok {
			if tr.indexOf(other) < tr.indexOf(item) {
				other = tr.itemAt(at)
			}
			tr.finishInteractive(at, other)
			return
		}
	}

	tr.setTimer(timerInteractive, tr.interactiveDeadline, tr.onInteractiveTimeout)
	tr.scheduleIdleCheck()
}

func (tr *trace) processWaitingForInteractive(span Span) *SpanAndAnnotation {
	at, ok := tr.interactive.Process(span)
	if ok {
		item := tr.record(span)
		tr.finishInteractive(at, item)
		return item
	}

	if deadline := minTime(tr.interactiveDeadline, tr.timeoutDeadline()); span.EndTime().After(deadline) {
		tr.onInteractiveTimeout(deadline)
		return nil
	}

	item := tr.record(span)

	if matchesAny(tr.def.interruptOnSpans, *item, tr.matchContext()) {
		tr.finish(StateInterrupted, ReasonMatchedOnInterrupt, item)
		return item
	}

	tr.scheduleIdleCheck()
	return item
}

func (tr *trace) scheduleIdleCheck() {
	tr.setTimer(timerIdleCheck, tr.interactive.NextCheck(), tr.onIdleCheck)
}

func (tr *trace) onIdleCheck(at time.Time) {
	if tr.state != StateWaitingForInteractive {
		return
	}
	if idle, ok := tr.interactive.Poll(at); ok {
		tr.finishInteractive(idle, tr.itemAt(idle))
		return
	}

	next := tr.interactive.NextCheck()
	if !next.After(at) {
		next = at.Add(time.Millisecond)
	}
	tr.setTimer(timerIdleCheck, next, tr.onIdleCheck)
}

func (tr *trace) finishInteractive(at time.Time, item *SpanAndAnnotation) {
	item.Annotation.MarkedPageInteractive = true
	tr.interactiveAt = at
	tr.hasInteractive = true
	tr.finish(StateComplete, "", item)
}

// itemAt returns the span in effect at the idle timestamp: the latest ending
// span, recorded no earlier than the completing span, that ended by then.
func (tr *trace) itemAt(t time.Time) *SpanAndAnnotation {
	item := tr.completed
	for _, other := range tr.items[tr.indexOf(tr.completed)+1:] {
		end := other.Span.EndTime()
		if !end.After(t) && !end.Before(item.Span.EndTime()) {
			item = other
		}
	}
	return item
}

func (tr *trace) indexOf(item *SpanAndAnnotation) int {
	for i, other := range tr.items {
		if other == item {
			return i
		}
	}
	return -1
}

// onTimeout handles the variant timeout. Once the requirements of the
// operation have been met, a timeout only means interactivity wasn't
// captured in time.
func (tr *trace) onTimeout(at time.Time) {
	if tr.state == StateDebouncing && !tr.debounceDeadline.After(tr.timeoutDeadline()) {
		tr.finishDebounce()
	}

	switch tr.state {
	case StateWaitingForInteractive:
		tr.onInteractiveTimeout(at)
	case StateActive, StateDebouncing:
		tr.finish(StateInterrupted, ReasonTimeout, nil)
	}
}

func (tr *trace) onInteractiveTimeout(at time.Time) {
	if tr.state != StateWaitingForInteractive {
		return
	}
	if idle, ok := tr.interactive.Poll(at); ok {
		tr.finishInteractive(idle, tr.itemAt(idle))
		return
	}
	tr.finish(StateInterrupted, ReasonWaitingForInteractiveTimeout, nil)
}

// interrupt handles explicit interruption by a tracer.
func (tr *trace) interrupt(err error) {
	switch {
	case tr.state == StateDraft:
		tr.finish(StateInterrupted, ReasonDraftCancelled, nil)
	case tr.state.Terminal():
		return
	default:
		var item *SpanAndAnnotation
		if err != nil {
			item = tr.record(Span{
				Type:       SpanTypeError,
				Name:       "error",
				StartTime:  maxTime(tr.mgr.clock.Now(), tr.start),
				Status:     StatusError,
				Attributes: map[string]any{"error": err.Error()},
				Err:        err,
			})
		}
		tr.finish(StateInterrupted, ReasonAborted, item)
	}
}

//
//
//

func (tr *trace) record(span Span) *SpanAndAnnotation {
	tr.occurrences[span.Name]++

	item := &SpanAndAnnotation{
		Span: span,
		Annotation: SpanAnnotation{
			TraceID:                    tr.id,
			OperationRelativeStartTime: span.StartTime.Sub(tr.start),
			OperationRelativeEndTime:   span.EndTime().Sub(tr.start),
			Occurrence:                 tr.occurrences[span.Name],
			RecordedInState:            tr.state,
		},
	}

	tr.items = append(tr.items, item)
	tr.mgr.dedupe.RecordSpan(span, item)
	tr.mgr.counters.SpansRecorded.Add(1)
	return item
}

func (tr *trace) requiredSpanErrored(item *SpanAndAnnotation, mc MatchContext) bool {
	if !item.Span.Errored() || tr.suppressed(item, mc) {
		return false
	}
	for _, req := range tr.required {
		if req.matcher.Tags().Has(TagContinueWithErrorStatus) {
			continue
		}
		if req.matcher.Match(*item, mc) {
			return true
		}
	}
	return false
}

func (tr *trace) suppressed(item *SpanAndAnnotation, mc MatchContext) bool {
	return matchesAny(tr.def.suppressErrorOnSpans, *item, mc)
}

func (tr *trace) transition(next State, item *SpanAndAnnotation) {
	prev := tr.state
	tr.state = next
	tr.publishTransition(prev, next, item)
}

func (tr *trace) publishTransition(prev, next State, item *SpanAndAnnotation) {
	tr.mgr.publish(tr.newDebugEvent(DebugStateTransition, item, func(ev *DebugEvent) {
		ev.From, ev.To = prev, next
	}))
}

// finish moves the trace to a terminal state, freezes the recording, and
// hands it to the manager.
func (tr *trace) finish(state State, reason InterruptionReason, item *SpanAndAnnotation) {
	if tr.state.Terminal() {
		return
	}

	for kind := timerKind(0); kind < timerCount; kind++ {
		tr.cancelTimer(kind)
	}

	prev := tr.state
	tr.state, tr.reason = state, reason
	tr.recording = tr.buildRecording()
	tr.mgr.dedupe.Reset()
	tr.mgr.traceFinished(tr)
	tr.publishTransition(prev, state, item)
}

//
//
//

func (tr *trace) setTimer(kind timerKind, deadline time.Time, fn func(time.Time)) {
	tr.cancelTimer(kind)

	d := deadline.Sub(tr.mgr.clock.Now())
	if d < 0 {
		d = 0
	}

	tr.timers[kind] = traceTimer{
		armed:    true,
		deadline: deadline,
		fn:       fn,
		cancel:   tr.mgr.schedule(d, tr.runDueTimers),
	}
}

func (tr *trace) cancelTimer(kind timerKind) {
	if cancel := tr.timers[kind].cancel; cancel != nil {
		cancel()
	}
	tr.timers[kind] = traceTimer{}
}

// runDueTimers fires every armed timer whose deadline has passed, earliest
// deadline first, regardless of which scheduled callback noticed it. Timers
// that were cancelled or re-armed with a later deadline are ignored.
func (tr *trace) runDueTimers() {
	now := tr.mgr.clock.Now()
	for !tr.state.Terminal() {
		kind, ok := tr.nextDueTimer(now)
		if !ok {
			return
		}
		timer := tr.timers[kind]
		tr.cancelTimer(kind)
		timer.fn(timer.deadline)
	}
}

func (tr *trace) nextDueTimer(now time.Time) (timerKind, bool) {
	var (
		next  timerKind
		found bool
	)
	for kind := timerKind(0); kind < timerCount; kind++ {
		t := tr.timers[kind]
		if !t.armed || t.deadline.After(now) {
			continue
		}
		if !found || t.deadline.Before(tr.timers[next].deadline) {
			next, found = kind, true
		}
	}
	return next, found
}

func isNonIdleRender(span Span) bool {
	return span.Type == SpanTypeRender && span.Render != nil && !span.Render.IsIdle
}

func mergeAttributes(dst, src map[string]any) map[string]any {
	if len(src) <= 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
