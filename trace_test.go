package optrc_test

import (
	"errors"
	"testing"
	"time"

	"github.com/peterbourgon/optrc"
)

func TestTraceComplete(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	tr := h.tracer(optrc.TracerConfig{
		Name:          "ticket/open",
		RequiredSpans: []optrc.Matcher{optrc.WithName("end")},
		Variants:      variants(5 * time.Second),
	})

	id := tr.Start(optrc.StartInput{
		DraftInput: optrc.DraftInput{Variant: "default", Attributes: map[string]any{"source": "click"}},
		Scope:      optrc.Scope{"ticketId": "7"},
	})
	ExpectEqual(t, true, id != "")

	h.process(mark("start", 50), mark("end", 200))

	rec := h.only()
	ExpectEqual(t, id, rec.ID)
	ExpectEqual(t, "ticket/open", rec.Name)
	ExpectEqual(t, "default", rec.Variant)
	ExpectEqual(t, "7", rec.Scope["ticketId"])
	ExpectEqual(t, "click", rec.Attributes["source"])
	ExpectEqual(t, optrc.StatusOK, rec.Status)
	ExpectEqual(t, optrc.InterruptionReason(""), rec.InterruptionReason)
	ExpectDuration(t, 200*time.Millisecond, rec.Duration)
	ExpectNilDuration(t, rec.StartTillInteractive)

	AssertEqual(t, 2, len(rec.Entries))
	end := rec.Entries[1].Annotation
	ExpectEqual(t, id, end.TraceID)
	ExpectEqual(t, 200*time.Millisecond, end.OperationRelativeStartTime)
	ExpectEqual(t, optrc.StateActive, end.RecordedInState)
	ExpectEqual(t, true, end.MarkedRequirementsMet)
	ExpectEqual(t, true, end.MarkedComplete)
	ExpectEqual(t, false, end.MarkedPageInteractive)

	_, _, ok := h.mgr.CurrentTrace()
	ExpectEqual(t, false, ok)

	// Spans after completion are ignored.
	_, ok = h.mgr.ProcessSpan(mark("late", 300))
	ExpectEqual(t, false, ok)
	ExpectEqual(t, 1, len(h.Recordings()))
}

func TestTraceInteractive(t *testing.T) {
	t.Parallel()

	config := optrc.TracerConfig{
		Name:               "demo",
		RequiredSpans:      []optrc.Matcher{optrc.WithName("end")},
		Variants:           variants(45 * time.Second),
		CaptureInteractive: &optrc.CaptureInteractiveConfig{},
	}

	t.Run("long task after quiet window", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.tracer(config).Start(start("default"))

		h.process(mark("start", 0), mark("end", 200))
		AssertEqual(t, 0, len(h.Recordings()))

		_, _, ok := h.mgr.CurrentTrace()
		ExpectEqual(t, true, ok)

		h.process(longTask(4600, 400))

		rec := h.only()
		ExpectEqual(t, optrc.StatusOK, rec.Status)
		ExpectDuration(t, 200*time.Millisecond, rec.Duration)
		ExpectDuration(t, 200*time.Millisecond, rec.StartTillInteractive)
		ExpectDuration(t, 0, rec.CompleteTillInteractive)

		AssertEqual(t, 3, len(rec.Entries))
		ExpectEqual(t, true, rec.Entries[1].Annotation.MarkedComplete)
		ExpectEqual(t, true, rec.Entries[2].Annotation.MarkedPageInteractive)
		ExpectEqual(t, optrc.StateWaitingForInteractive, rec.Entries[2].Annotation.RecordedInState)
	})

	t.Run("idle check", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.tracer(config).Start(start("default"))

		h.process(mark("end", 200))
		h.advanceTo(2200 * time.Millisecond)
		AssertEqual(t, 0, len(h.Recordings()))

		h.advanceTo(2201 * time.Millisecond)
		rec := h.only()
		ExpectEqual(t, optrc.StatusOK, rec.Status)
		ExpectDuration(t, 200*time.Millisecond, rec.StartTillInteractive)
		ExpectDuration(t, 0, rec.CompleteTillInteractive)
	})

	t.Run("heavy cluster delays interactive", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.tracer(config).Start(start("default"))

		h.process(mark("end", 200), longTask(300, 50), longTask(400, 200), longTask(650, 50))
		h.advanceTo(2700 * time.Millisecond)
		AssertEqual(t, 0, len(h.Recordings()))

		h.advanceTo(2701 * time.Millisecond)
		rec := h.only()
		ExpectDuration(t, 200*time.Millisecond, rec.Duration)
		ExpectDuration(t, 700*time.Millisecond, rec.StartTillInteractive)
		ExpectDuration(t, 500*time.Millisecond, rec.CompleteTillInteractive)
	})

	t.Run("interactive timeout", func(t *testing.T) {
		t.Parallel()

		cfg := config
		cfg.CaptureInteractive = &optrc.CaptureInteractiveConfig{Timeout: 5 * time.Second}

		h := newHarness(t)
		h.tracer(cfg).Start(start("default"))

		h.process(mark("start", 0), mark("end", 200))
		h.process(longTask(200, 5000))
		h.advanceTo(5200 * time.Millisecond)

		rec := h.only()
		ExpectEqual(t, optrc.StatusOK, rec.Status)
		ExpectEqual(t, optrc.ReasonWaitingForInteractiveTimeout, rec.InterruptionReason)
		ExpectDuration(t, 200*time.Millisecond, rec.Duration)
		ExpectNilDuration(t, rec.StartTillInteractive)
		ExpectNilDuration(t, rec.CompleteTillInteractive)
	})

	t.Run("variant timeout while waiting", func(t *testing.T) {
		t.Parallel()

		cfg := config
		cfg.Variants = variants(time.Second)

		h := newHarness(t)
		h.tracer(cfg).Start(start("default"))

		h.process(mark("end", 200), longTask(300, 500))
		h.advanceTo(time.Second)

		rec := h.only()
		ExpectEqual(t, optrc.StatusOK, rec.Status)
		ExpectEqual(t, optrc.ReasonWaitingForInteractiveTimeout, rec.InterruptionReason)
		ExpectDuration(t, 200*time.Millisecond, rec.Duration)
		ExpectNilDuration(t, rec.StartTillInteractive)
	})
}

func TestTraceTimeout(t *testing.T) {
	t.Parallel()

	config := optrc.TracerConfig{
		Name:          "slow",
		RequiredSpans: []optrc.Matcher{optrc.WithName("end")},
		Variants:      variants(time.Second),
	}

	t.Run("timer", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.tracer(config).Start(start("default"))
		h.process(mark("start", 100))

		h.advanceTo(999 * time.Millisecond)
		AssertEqual(t, 0, len(h.Recordings()))

		h.advanceTo(time.Second)
		rec := h.only()
		ExpectEqual(t, optrc.StatusInterrupted, rec.Status)
		ExpectEqual(t, optrc.ReasonTimeout, rec.InterruptionReason)
		ExpectNilDuration(t, rec.Duration)
		ExpectEqual(t, 1, len(rec.Entries))
	})

	t.Run("span past deadline", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.tracer(config).Start(start("default"))

		_, ok := h.mgr.ProcessSpan(mark("end", 1001))
		ExpectEqual(t, false, ok)

		rec := h.only()
		ExpectEqual(t, optrc.ReasonTimeout, rec.InterruptionReason)
		ExpectEqual(t, 0, len(rec.Entries))
	})
}

func TestTraceDebounce(t *testing.T) {
	t.Parallel()

	config := optrc.TracerConfig{
		Name:            "debounced",
		RequiredSpans:   []optrc.Matcher{optrc.WithName("end")},
		DebounceOnSpans: []optrc.Matcher{optrc.WithName("fetch")},
		Variants:        variants(10 * time.Second),
	}

	t.Run("extended by debounce span", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.tracer(config).Start(start("default"))

		h.process(mark("end", 100))
		h.process(optrc.Span{Type: optrc.SpanTypeResource, Name: "fetch", StartTime: at(300), Duration: ms(100)})

		h.advanceTo(600 * time.Millisecond)
		AssertEqual(t, 0, len(h.Recordings()))

		h.advanceTo(900 * time.Millisecond)
		rec := h.only()
		ExpectEqual(t, optrc.StatusOK, rec.Status)
		ExpectDuration(t, 400*time.Millisecond, rec.Duration)

		AssertEqual(t, 2, len(rec.Entries))
		ExpectEqual(t, true, rec.Entries[0].Annotation.MarkedRequirementsMet)
		ExpectEqual(t, false, rec.Entries[0].Annotation.MarkedComplete)
		ExpectEqual(t, optrc.StateDebouncing, rec.Entries[1].Annotation.RecordedInState)
		ExpectEqual(t, true, rec.Entries[1].Annotation.MarkedComplete)
	})

	t.Run("span after window", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.tracer(config).Start(start("default"))

		h.process(mark("end", 100), mark("other", 700))

		rec := h.only()
		ExpectDuration(t, 100*time.Millisecond, rec.Duration)
		AssertEqual(t, 1, len(rec.Entries))
		ExpectEqual(t, true, rec.Entries[0].Annotation.MarkedComplete)
	})

	t.Run("timeout while debouncing", func(t *testing.T) {
		t.Parallel()

		cfg := config
		cfg.Variants = variants(time.Second)

		h := newHarness(t)
		h.tracer(cfg).Start(start("default"))

		h.process(mark("end", 100))
		for i := 0; i < 5; i++ {
			h.process(optrc.Span{Type: optrc.SpanTypeResource, Name: "fetch", StartTime: at(200 + 150*i), Duration: ms(100)})
		}
		h.advanceTo(time.Second)

		rec := h.only()
		ExpectEqual(t, optrc.StatusInterrupted, rec.Status)
		ExpectEqual(t, optrc.ReasonTimeout, rec.InterruptionReason)
		ExpectDuration(t, 900*time.Millisecond, rec.Duration)
	})
}

func TestTraceInterruptOn(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tracer(optrc.TracerConfig{
		Name:             "ticket/open",
		RequiredSpans:    []optrc.Matcher{optrc.WithName("end")},
		InterruptOnSpans: []optrc.Matcher{optrc.WithName("navigate-away")},
		Variants:         variants(5 * time.Second),
	}).Start(start("default"))

	h.process(mark("start", 10), mark("navigate-away", 20), mark("end", 30))

	rec := h.only()
	ExpectEqual(t, optrc.StatusInterrupted, rec.Status)
	ExpectEqual(t, optrc.ReasonMatchedOnInterrupt, rec.InterruptionReason)
	ExpectEqual(t, 2, len(rec.Entries))
}

func TestTraceRequiredSpanError(t *testing.T) {
	t.Parallel()

	failed := optrc.Span{Type: optrc.SpanTypeResource, Name: "fetch", StartTime: at(50), Duration: ms(50), Status: optrc.StatusError}

	t.Run("interrupts", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.tracer(optrc.TracerConfig{
			Name:          "ticket/open",
			RequiredSpans: []optrc.Matcher{optrc.WithName("fetch")},
			Variants:      variants(5 * time.Second),
		}).Start(start("default"))

		h.process(failed)

		rec := h.only()
		ExpectEqual(t, optrc.StatusInterrupted, rec.Status)
		ExpectEqual(t, optrc.ReasonMatchedOnRequiredSpanWithError, rec.InterruptionReason)
	})

	t.Run("suppressed", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.tracer(optrc.TracerConfig{
			Name:                                  "ticket/open",
			RequiredSpans:                         []optrc.Matcher{optrc.WithName("fetch")},
			SuppressErrorStatusPropagationOnSpans: []optrc.Matcher{optrc.WithName("fetch")},
			Variants:                              variants(5 * time.Second),
		}).Start(start("default"))

		h.process(failed)

		rec := h.only()
		ExpectEqual(t, optrc.StatusOK, rec.Status)
		ExpectDuration(t, 100*time.Millisecond, rec.Duration)
	})

	t.Run("continue with error status", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.tracer(optrc.TracerConfig{
			Name:          "ticket/open",
			RequiredSpans: []optrc.Matcher{optrc.WithName("fetch").WithTags(optrc.TagContinueWithErrorStatus)},
			Variants:      variants(5 * time.Second),
		}).Start(start("default"))

		h.process(failed)

		rec := h.only()
		ExpectEqual(t, optrc.StatusError, rec.Status)
		ExpectEqual(t, optrc.InterruptionReason(""), rec.InterruptionReason)
		ExpectDuration(t, 100*time.Millisecond, rec.Duration)
	})

	t.Run("unrelated error", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		h.tracer(optrc.TracerConfig{
			Name:          "ticket/open",
			RequiredSpans: []optrc.Matcher{optrc.WithName("end")},
			Variants:      variants(5 * time.Second),
		}).Start(start("default"))

		h.process(failed, mark("end", 200))

		rec := h.only()
		ExpectEqual(t, optrc.StatusError, rec.Status)
		ExpectDuration(t, 200*time.Millisecond, rec.Duration)
	})
}

func TestTraceDraft(t *testing.T) {
	t.Parallel()

	config := optrc.TracerConfig{
		Name:          "ticket/open",
		RequiredSpans: []optrc.Matcher{optrc.All(optrc.WithName("ticket-loaded"), optrc.WithScopeKeys("ticketId"))},
		Variants:      variants(5 * time.Second),
	}

	t.Run("activate", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		tr := h.tracer(config)

		id := tr.CreateDraft(optrc.DraftInput{Variant: "default"})
		loaded := mark("ticket-loaded", 100)
		loaded.Scope = optrc.Scope{"ticketId": "42"}

		ann, ok := h.mgr.ProcessSpan(loaded)
		AssertEqual(t, true, ok)
		ExpectEqual(t, optrc.StateDraft, ann.RecordedInState)
		AssertEqual(t, 0, len(h.Recordings()))

		h.advanceTo(150 * time.Millisecond)
		tr.TransitionDraftToActive(optrc.Modifications{
			TraceID:    id,
			Scope:      optrc.Scope{"ticketId": "42"},
			Attributes: map[string]any{"route": "/tickets/:id"},
		})

		rec := h.only()
		ExpectEqual(t, optrc.StatusOK, rec.Status)
		ExpectEqual(t, "42", rec.Scope["ticketId"])
		ExpectEqual(t, "/tickets/:id", rec.Attributes["route"])
		ExpectDuration(t, 100*time.Millisecond, rec.Duration)
		ExpectEqual(t, 0, len(h.Warnings()))
	})

	t.Run("scope mismatch", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		tr := h.tracer(config)

		tr.CreateDraft(optrc.DraftInput{Variant: "default"})
		loaded := mark("ticket-loaded", 100)
		loaded.Scope = optrc.Scope{"ticketId": "41"}
		h.process(loaded)

		tr.TransitionDraftToActive(optrc.Modifications{Scope: optrc.Scope{"ticketId": "42"}})
		AssertEqual(t, 0, len(h.Recordings()))

		loaded.Scope = optrc.Scope{"ticketId": "42"}
		loaded.StartTime = at(300)
		h.process(loaded)

		rec := h.only()
		ExpectDuration(t, 300*time.Millisecond, rec.Duration)
		ExpectEqual(t, 2, len(rec.Entries))
	})

	t.Run("additional required spans", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		tr := h.tracer(config)

		tr.CreateDraft(optrc.DraftInput{Variant: "default"})
		tr.TransitionDraftToActive(optrc.Modifications{
			Scope:                   optrc.Scope{"ticketId": "42"},
			AdditionalRequiredSpans: []optrc.Matcher{optrc.WithName("comments-loaded")},
		})

		loaded := mark("ticket-loaded", 100)
		loaded.Scope = optrc.Scope{"ticketId": "42"}
		h.process(loaded)
		AssertEqual(t, 0, len(h.Recordings()))

		h.process(mark("comments-loaded", 250))
		ExpectDuration(t, 250*time.Millisecond, h.only().Duration)
	})

	t.Run("cancel", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		tr := h.tracer(config)

		tr.CreateDraft(optrc.DraftInput{Variant: "default"})
		tr.Interrupt(optrc.InterruptOptions{})

		rec := h.only()
		ExpectEqual(t, optrc.StatusInterrupted, rec.Status)
		ExpectEqual(t, optrc.ReasonDraftCancelled, rec.InterruptionReason)
	})

	t.Run("draft has no timeout", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		tr := h.tracer(config)

		tr.CreateDraft(optrc.DraftInput{Variant: "default"})
		h.advanceTo(10 * time.Second)
		AssertEqual(t, 0, len(h.Recordings()))

		// On activation, the draft's lifetime already exceeds the timeout.
		tr.TransitionDraftToActive(optrc.Modifications{Scope: optrc.Scope{"ticketId": "1"}})
		h.advanceTo(10 * time.Second)

		rec := h.only()
		ExpectEqual(t, optrc.ReasonTimeout, rec.InterruptionReason)
	})
}

func TestTraceIdleRequirement(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tracer(optrc.TracerConfig{
		Name: "ticket/open",
		RequiredSpans: []optrc.Matcher{
			optrc.All(optrc.WithName("TicketView"), optrc.WithIdle(true)),
			optrc.WithName("end"),
		},
		Variants: variants(5 * time.Second),
	}).Start(start("default"))

	h.process(
		render("TicketView", 100, 10, true, optrc.RenderedContent),
		render("TicketView", 150, 10, false, optrc.RenderedLoading),
		mark("end", 200),
	)
	AssertEqual(t, 0, len(h.Recordings()))

	h.process(render("TicketView", 300, 10, true, optrc.RenderedContent))

	rec := h.only()
	ExpectDuration(t, 310*time.Millisecond, rec.Duration)
	ExpectEqual(t, true, rec.Entries[len(rec.Entries)-1].Annotation.MarkedRequirementsMet)
}

func TestTraceInterrupt(t *testing.T) {
	t.Parallel()

	config := optrc.TracerConfig{
		Name:          "ticket/open",
		RequiredSpans: []optrc.Matcher{optrc.WithName("end")},
		Variants:      variants(5 * time.Second),
	}

	t.Run("abort", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		tr := h.tracer(config)
		tr.Start(start("default"))

		tr.Interrupt(optrc.InterruptOptions{})

		rec := h.only()
		ExpectEqual(t, optrc.StatusInterrupted, rec.Status)
		ExpectEqual(t, optrc.ReasonAborted, rec.InterruptionReason)
		ExpectEqual(t, 0, len(rec.Entries))
	})

	t.Run("abort with error", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		tr := h.tracer(config)
		tr.Start(start("default"))

		h.advanceTo(300 * time.Millisecond)
		cause := errors.New("ticket not found")
		tr.Interrupt(optrc.InterruptOptions{Err: cause})

		rec := h.only()
		ExpectEqual(t, optrc.ReasonAborted, rec.InterruptionReason)
		AssertEqual(t, 1, len(rec.Entries))

		span := rec.Entries[0].Span
		ExpectEqual(t, optrc.SpanTypeError, span.Type)
		ExpectEqual(t, optrc.StatusError, span.Status)
		ExpectEqual(t, "ticket not found", span.Attributes["error"])
		ExpectEqual(t, true, errors.Is(span.Err, cause))
		ExpectEqual(t, 300*time.Millisecond, rec.Entries[0].Annotation.OperationRelativeStartTime)
	})

	t.Run("another trace started", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		first := h.tracer(config)
		second := h.tracer(optrc.TracerConfig{
			Name:          "dashboard/load",
			RequiredSpans: []optrc.Matcher{optrc.WithName("end")},
			Variants:      variants(5 * time.Second),
		})

		firstID := first.Start(start("default"))
		h.process(mark("start", 50))
		secondID := second.Start(start("default"))
		ExpectEqual(t, true, firstID != secondID)

		rec := h.only()
		ExpectEqual(t, firstID, rec.ID)
		ExpectEqual(t, optrc.StatusInterrupted, rec.Status)
		ExpectEqual(t, optrc.ReasonAnotherTraceStarted, rec.InterruptionReason)

		id, name, ok := h.mgr.CurrentTrace()
		AssertEqual(t, true, ok)
		ExpectEqual(t, secondID, id)
		ExpectEqual(t, "dashboard/load", name)
	})
}

func TestTraceIgnoresEarlySpans(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tracer(optrc.TracerConfig{
		Name:          "ticket/open",
		RequiredSpans: []optrc.Matcher{optrc.WithName("end")},
		Variants:      variants(5 * time.Second),
	}).Start(optrc.StartInput{DraftInput: optrc.DraftInput{Variant: "default", StartTime: at(100)}})

	_, ok := h.mgr.ProcessSpan(mark("end", 50))
	ExpectEqual(t, false, ok)
	AssertEqual(t, 0, len(h.Recordings()))

	h.process(mark("end", 150))
	rec := h.only()
	ExpectEqual(t, at(100), rec.StartTime)
	ExpectDuration(t, 50*time.Millisecond, rec.Duration)
}

func TestTraceOccurrence(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tracer(optrc.TracerConfig{
		Name:          "ticket/open",
		RequiredSpans: []optrc.Matcher{optrc.All(optrc.WithName("poll"), optrc.WithOccurrence(3))},
		Variants:      variants(5 * time.Second),
	}).Start(start("default"))

	h.process(mark("poll", 10), mark("poll", 20))
	AssertEqual(t, 0, len(h.Recordings()))

	h.process(mark("poll", 30))
	rec := h.only()
	AssertEqual(t, 3, len(rec.Entries))
	for i, item := range rec.Entries {
		ExpectEqual(t, i+1, item.Annotation.Occurrence)
	}
}

func TestTraceDeadlinesInOneAdvance(t *testing.T) {
	t.Parallel()

	// Every timer that's due after a single clock jump fires in deadline
	// order, no matter which timer goroutine wins the lock.
	for _, tc := range []struct {
		name   string
		config optrc.TracerConfig
		check  func(*testing.T, optrc.TraceRecording)
	}{
		{
			name: "debounce before timeout",
			config: optrc.TracerConfig{
				Name:            "debounced",
				RequiredSpans:   []optrc.Matcher{optrc.WithName("end")},
				DebounceOnSpans: []optrc.Matcher{optrc.WithName("end")},
				Variants:        variants(time.Second),
			},
			check: func(t *testing.T, rec optrc.TraceRecording) {
				ExpectEqual(t, optrc.StatusOK, rec.Status)
				ExpectEqual(t, optrc.InterruptionReason(""), rec.InterruptionReason)
				ExpectDuration(t, 200*time.Millisecond, rec.Duration)
			},
		},
		{
			name: "idle check before interactive timeout",
			config: optrc.TracerConfig{
				Name:               "interactive",
				RequiredSpans:      []optrc.Matcher{optrc.WithName("end")},
				Variants:           variants(10 * time.Second),
				CaptureInteractive: &optrc.CaptureInteractiveConfig{Timeout: 3 * time.Second},
			},
			check: func(t *testing.T, rec optrc.TraceRecording) {
				ExpectEqual(t, optrc.StatusOK, rec.Status)
				ExpectEqual(t, optrc.InterruptionReason(""), rec.InterruptionReason)
				ExpectDuration(t, 200*time.Millisecond, rec.StartTillInteractive)
			},
		},
		{
			name: "timeout before idle check",
			config: optrc.TracerConfig{
				Name:               "interactive",
				RequiredSpans:      []optrc.Matcher{optrc.WithName("end")},
				Variants:           variants(time.Second),
				CaptureInteractive: &optrc.CaptureInteractiveConfig{},
			},
			check: func(t *testing.T, rec optrc.TraceRecording) {
				ExpectEqual(t, optrc.ReasonWaitingForInteractiveTimeout, rec.InterruptionReason)
				ExpectNilDuration(t, rec.StartTillInteractive)
			},
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			for i := 0; i < 50; i++ {
				h := newHarness(t)
				h.tracer(tc.config).Start(start("default"))
				h.process(mark("end", 200))
				h.advanceTo(20 * time.Second)

				rec := h.only()
				tc.check(t, rec)
				checkMarkers(t, rec)
			}
		})
	}
}

func TestTraceMarkers(t *testing.T) {
	t.Parallel()

	interactive := &optrc.CaptureInteractiveConfig{}

	for _, tc := range []struct {
		name   string
		config optrc.TracerConfig
		spans  []optrc.Span
	}{
		{
			name: "complete",
			config: optrc.TracerConfig{
				RequiredSpans: []optrc.Matcher{optrc.WithName("end")},
			},
			spans: []optrc.Span{mark("start", 0), mark("end", 200), mark("late", 300)},
		},
		{
			name: "debounce",
			config: optrc.TracerConfig{
				RequiredSpans:   []optrc.Matcher{optrc.WithName("end")},
				DebounceOnSpans: []optrc.Matcher{optrc.WithName("fetch")},
			},
			spans: []optrc.Span{mark("end", 100), mark("fetch", 300), mark("other", 350), mark("fetch", 500)},
		},
		{
			name: "interactive",
			config: optrc.TracerConfig{
				RequiredSpans:      []optrc.Matcher{optrc.WithName("end")},
				CaptureInteractive: interactive,
			},
			spans: []optrc.Span{mark("end", 200), longTask(300, 300), mark("other", 700), longTask(3000, 50)},
		},
		{
			name: "debounce and interactive",
			config: optrc.TracerConfig{
				RequiredSpans:      []optrc.Matcher{optrc.WithName("end")},
				DebounceOnSpans:    []optrc.Matcher{optrc.WithName("fetch")},
				CaptureInteractive: interactive,
			},
			spans: []optrc.Span{mark("end", 100), longTask(200, 400), mark("fetch", 400), mark("idle", 5000)},
		},
		{
			name: "busy span recorded before the completing span",
			config: optrc.TracerConfig{
				RequiredSpans:      []optrc.Matcher{optrc.WithName("end")},
				DebounceOnSpans:    []optrc.Matcher{optrc.WithName("d")},
				DebounceWindow:     5 * time.Second,
				CaptureInteractive: interactive,
			},
			spans: []optrc.Span{mark("end", 200), longTask(2500, 50), mark("d", 300)},
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := tc.config
			cfg.Name = "markers"
			cfg.Variants = variants(45 * time.Second)

			h := newHarness(t)
			h.tracer(cfg).Start(start("default"))
			h.process(tc.spans...)
			h.advanceTo(20 * time.Second)

			rec := h.only()
			ExpectEqual(t, optrc.StatusOK, rec.Status)
			checkMarkers(t, rec)
		})
	}
}

func TestTraceInteractiveMarkerNotBeforeComplete(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tracer(optrc.TracerConfig{
		Name:               "ticket/open",
		RequiredSpans:      []optrc.Matcher{optrc.WithName("end")},
		DebounceOnSpans:    []optrc.Matcher{optrc.WithName("d")},
		DebounceWindow:     5 * time.Second,
		Variants:           variants(45 * time.Second),
		CaptureInteractive: &optrc.CaptureInteractiveConfig{},
	}).Start(start("default"))

	// The long task is delivered before the span that completes the
	// operation, but happened more than a quiet window after it.
	h.process(mark("end", 200), longTask(2500, 50), mark("d", 300))
	h.advanceTo(10 * time.Second)

	rec := h.only()
	ExpectDuration(t, 300*time.Millisecond, rec.Duration)
	ExpectDuration(t, 300*time.Millisecond, rec.StartTillInteractive)

	AssertEqual(t, 3, len(rec.Entries))
	ExpectEqual(t, true, rec.Entries[0].Annotation.MarkedRequirementsMet)
	ExpectEqual(t, false, rec.Entries[1].Annotation.MarkedPageInteractive)
	ExpectEqual(t, true, rec.Entries[2].Annotation.MarkedComplete)
	ExpectEqual(t, true, rec.Entries[2].Annotation.MarkedPageInteractive)
}

func TestTraceInteractiveMarkerAtIdlePoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tracer(optrc.TracerConfig{
		Name:               "ticket/open",
		RequiredSpans:      []optrc.Matcher{optrc.WithName("end")},
		Variants:           variants(45 * time.Second),
		CaptureInteractive: &optrc.CaptureInteractiveConfig{},
	}).Start(start("default"))

	// The heavy cluster ends at 700. The fetch ends later, but the idle
	// point is found by polling, so the marker goes to the last long task.
	h.process(
		mark("end", 200),
		longTask(300, 50),
		longTask(400, 200),
		longTask(650, 50),
		optrc.Span{Type: optrc.SpanTypeResource, Name: "fetch", StartTime: at(800), Duration: ms(100)},
	)
	h.advanceTo(3 * time.Second)

	rec := h.only()
	ExpectDuration(t, 700*time.Millisecond, rec.StartTillInteractive)
	AssertEqual(t, 5, len(rec.Entries))
	ExpectEqual(t, true, rec.Entries[3].Annotation.MarkedPageInteractive)
	ExpectEqual(t, false, rec.Entries[4].Annotation.MarkedPageInteractive)
	checkMarkers(t, rec)
}

// checkMarkers verifies that each marker is set on at most one entry, and
// that requirements-met, complete, and page-interactive appear in that order.
func checkMarkers(t *testing.T, rec optrc.TraceRecording) {
	t.Helper()

	index := map[string]int{"met": -1, "complete": -1, "interactive": -1}
	set := func(name string, i int) {
		if index[name] >= 0 {
			t.Errorf("%s: set on entries %d and %d", name, index[name], i)
		}
		index[name] = i
	}

	for i, item := range rec.Entries {
		if item.Annotation.MarkedRequirementsMet {
			set("met", i)
		}
		if item.Annotation.MarkedComplete {
			set("complete", i)
		}
		if item.Annotation.MarkedPageInteractive {
			set("interactive", i)
		}
	}

	if index["complete"] >= 0 && index["complete"] < index["met"] {
		t.Errorf("complete (%d) before requirements met (%d)", index["complete"], index["met"])
	}
	if index["interactive"] >= 0 && index["interactive"] < index["complete"] {
		t.Errorf("page interactive (%d) before complete (%d)", index["interactive"], index["complete"])
	}
	if index["interactive"] >= 0 && index["complete"] < 0 {
		t.Errorf("page interactive (%d) without complete", index["interactive"])
	}
}
