package optrc

import (
	"fmt"
)

// Tracer is the user-facing handle for one operation definition. It creates,
// activates and interrupts traces of its definition, via the trace manager it
// was created by. A tracer can only act on the manager's current trace, and
// only if that trace was created by the same tracer.
type Tracer struct {
	mgr *TraceManager
	def *traceDefinition
}

// Name returns the name of the operation.
func (t *Tracer) Name() string {
	return t.def.name
}

// Variants returns the sorted variant names of the operation.
func (t *Tracer) Variants() []string {
	return t.def.variantNames()
}

// CreateDraft starts a new trace in the draft state, replacing the current
// trace, if any. Spans are recorded by a draft, but not evaluated until the
// trace is activated. It returns the ID of the new trace, or the empty string
// if the variant is unknown.
func (t *Tracer) CreateDraft(input DraftInput) string {
	var id string
	t.mgr.exec(func() {
		if tr := t.createDraft(input); tr != nil {
			id = tr.id
		}
	})
	return id
}

// Start creates a trace and immediately activates it with the given scope.
// It returns the ID of the new trace, or the empty string if the variant is
// unknown.
func (t *Tracer) Start(input StartInput) string {
	var id string
	t.mgr.exec(func() {
		tr := t.createDraft(input.DraftInput)
		if tr == nil {
			return
		}
		id = tr.id
		tr.activate(Modifications{Scope: input.Scope})
	})
	return id
}

// TransitionDraftToActive activates the current trace, if it's a draft
// created by this tracer.
func (t *Tracer) TransitionDraftToActive(mods Modifications) {
	t.mgr.exec(func() {
		tr, ok := t.currentTrace("activate", mods.TraceID)
		if !ok {
			return
		}
		if tr.state != StateDraft {
			t.mgr.reportWarning(t.newError("activate", tr.id, fmt.Errorf("%w (%s)", ErrNotDraft, tr.state)))
			return
		}
		tr.activate(mods)
	})
}

// Interrupt the current trace, if it was created by this tracer. A draft is
// cancelled. An active trace is aborted; if an error is given, it's recorded
// as an error span first.
func (t *Tracer) Interrupt(opts InterruptOptions) {
	t.mgr.exec(func() {
		tr, ok := t.currentTrace("interrupt", opts.TraceID)
		if !ok {
			return
		}
		tr.interrupt(opts.Err)
	})
}

// DefineComputedSpan adds a computed span to the definition. It applies to
// traces created after the call.
func (t *Tracer) DefineComputedSpan(def ComputedSpanDefinition) {
	t.mgr.exec(func() {
		t.def.computedSpans = append(t.def.computedSpans[:len(t.def.computedSpans):len(t.def.computedSpans)], def)
	})
}

// DefineComputedValue adds a computed value to the definition. It applies to
// traces created after the call.
func (t *Tracer) DefineComputedValue(def ComputedValueDefinition) {
	t.mgr.exec(func() {
		t.def.computedValues = append(t.def.computedValues[:len(t.def.computedValues):len(t.def.computedValues)], def)
	})
}

//
//
//

func (t *Tracer) createDraft(input DraftInput) *trace {
	if _, ok := t.def.variants[input.Variant]; !ok {
		t.mgr.reportWarning(t.newError("create", "", fmt.Errorf("%w %q (known: %v)", ErrUnknownVariant, input.Variant, t.def.variantNames())))
		return nil
	}

	now := t.mgr.clock.Now()
	if input.StartTime.IsZero() {
		input.StartTime = now
	}

	tr := newTrace(t.mgr, t, newTraceID(now), input)
	t.mgr.replaceCurrentTrace(tr)
	return tr
}

// currentTrace returns the current trace if it belongs to this tracer, and,
// if id is given, if it has that ID. Otherwise, it reports why not.
func (t *Tracer) currentTrace(op, id string) (*trace, bool) {
	tr := t.mgr.current
	switch {
	case tr == nil:
		t.mgr.reportError(t.newError(op, id, ErrNoCurrentTrace))
		return nil, false
	case id != "" && tr.id != id:
		t.mgr.reportWarning(t.newError(op, id, fmt.Errorf("%w (current %s)", ErrNotCurrent, tr.id)))
		return nil, false
	case tr.tracer != t:
		t.mgr.reportWarning(t.newError(op, tr.id, fmt.Errorf("%w (%s)", ErrDefinitionMismatch, tr.def.name)))
		return nil, false
	default:
		return tr, true
	}
}

func (t *Tracer) newError(op, traceID string, err error) error {
	return &TraceError{
		Op:      op,
		Tracer:  t.def.name,
		TraceID: traceID,
		Err:     err,
	}
}
