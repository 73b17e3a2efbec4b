package optrc_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/peterbourgon/optrc"
	"github.com/zoobzio/clockz"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func AssertEqual[X comparable](t *testing.T, want, have X) {
	t.Helper()
	if want != have {
		t.Fatalf("want %v, have %v", want, have)
	}
}

func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("error %v", err)
	}
}

func ExpectEqual[X comparable](t *testing.T, want, have X) {
	t.Helper()
	if want != have {
		t.Errorf("want %v, have %v", want, have)
	}
}

func ExpectDuration(t *testing.T, want time.Duration, have *time.Duration) {
	t.Helper()
	switch {
	case have == nil:
		t.Errorf("want %v, have nil", want)
	case want != *have:
		t.Errorf("want %v, have %v", want, *have)
	}
}

func ExpectNilDuration(t *testing.T, have *time.Duration) {
	t.Helper()
	if have != nil {
		t.Errorf("want nil, have %v", *have)
	}
}

//
//
//

// harness is a trace manager driven by a fake clock, which collects
// everything the manager reports.
type harness struct {
	t       *testing.T
	now     func() time.Time
	advance func(time.Duration)
	mgr     *optrc.TraceManager

	mtx        sync.Mutex
	recordings []optrc.TraceRecording
	warnings   []error
	errors     []error
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := clockz.NewFakeClockAt(epoch)

	h := &harness{t: t, now: clock.Now}
	h.advance = func(d time.Duration) {
		clock.Advance(d)
		clock.BlockUntilReady()
	}
	h.mgr = optrc.NewTraceManager(optrc.ManagerConfig{
		Clock: clock,
		Report: func(rec optrc.TraceRecording) {
			h.mtx.Lock()
			defer h.mtx.Unlock()
			h.recordings = append(h.recordings, rec)
		},
		Warn: func(err error) {
			h.mtx.Lock()
			defer h.mtx.Unlock()
			h.warnings = append(h.warnings, err)
		},
		Error: func(err error) {
			h.mtx.Lock()
			defer h.mtx.Unlock()
			h.errors = append(h.errors, err)
		},
	})
	t.Cleanup(h.mgr.Close)

	return h
}

func (h *harness) tracer(cfg optrc.TracerConfig) *optrc.Tracer {
	h.t.Helper()
	tr, err := h.mgr.NewTracer(cfg)
	AssertNoError(h.t, err)
	return tr
}

// advanceTo moves the fake clock to the given offset from the epoch, and
// waits for every due timer to fire.
func (h *harness) advanceTo(offset time.Duration) {
	h.t.Helper()

	if d := epoch.Add(offset).Sub(h.now()); d > 0 {
		h.advance(d)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	AssertNoError(h.t, h.mgr.Settle(ctx))
}

func (h *harness) process(spans ...optrc.Span) {
	for _, span := range spans {
		h.mgr.ProcessSpan(span)
	}
}

func (h *harness) Recordings() []optrc.TraceRecording {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return append([]optrc.TraceRecording(nil), h.recordings...)
}

func (h *harness) Warnings() []error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return append([]error(nil), h.warnings...)
}

func (h *harness) Errors() []error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return append([]error(nil), h.errors...)
}

// only asserts exactly one recording, and returns it.
func (h *harness) only() optrc.TraceRecording {
	h.t.Helper()
	recs := h.Recordings()
	if want, have := 1, len(recs); want != have {
		h.t.Fatalf("recordings: want %d, have %d", want, have)
	}
	return recs[0]
}

//
//
//

func mark(name string, startMs int) optrc.Span {
	return optrc.Span{Type: optrc.SpanTypeMark, Name: name, StartTime: at(startMs)}
}

func longTask(startMs, durationMs int) optrc.Span {
	return optrc.Span{Type: optrc.SpanTypeLongTask, Name: "self", StartTime: at(startMs), Duration: ms(durationMs)}
}

func render(name string, startMs, durationMs int, idle bool, output optrc.RenderedOutput) optrc.Span {
	return optrc.Span{
		Type:      optrc.SpanTypeRender,
		Name:      name,
		StartTime: at(startMs),
		Duration:  ms(durationMs),
		Render:    &optrc.RenderDetails{IsIdle: idle, Output: output},
	}
}

func variants(timeout time.Duration) map[string]optrc.VariantConfig {
	return map[string]optrc.VariantConfig{"default": {Timeout: timeout}}
}

func start(variant string) optrc.StartInput {
	return optrc.StartInput{DraftInput: optrc.DraftInput{Variant: variant}}
}
