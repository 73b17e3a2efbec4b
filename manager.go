package optrc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/peterbourgon/optrc/internal/optrcdebug"
	"github.com/peterbourgon/optrc/internal/optrcpubsub"
	"github.com/peterbourgon/optrc/internal/optrcringbuf"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// ManagerConfig configures a trace manager.
type ManagerConfig struct {
	// Clock is used for trace start times and timers. Optional. By default,
	// clockz.RealClock.
	Clock clockz.Clock

	// Report is called with every recording, once per trace, when the trace
	// reaches a terminal state. Optional. By default, recordings are
	// discarded.
	Report func(TraceRecording)

	// Warn is called for API misuse, e.g. activating a trace that isn't a
	// draft. Optional. By default, warnings are logged to Logger.
	Warn func(error)

	// Error is called for invariant violations, including recovered panics.
	// Optional. By default, errors are logged to Logger.
	Error func(error)

	// Logger is used by the default Warn and Error handlers. Optional. By
	// default, a no-op logger.
	Logger *zap.Logger

	// Deduplication recognizes re-delivered spans. Optional. By default,
	// NewDeduplicationStrategy.
	Deduplication DeduplicationStrategy

	// RecentRecordings is how many recordings are kept per tracer name, for
	// TraceManager.Recent. Optional. By default, DefaultRecentRecordings. A
	// negative value keeps none.
	RecentRecordings int
}

// DefaultRecentRecordings is the default for ManagerConfig.RecentRecordings.
const DefaultRecentRecordings = 16

// TraceManager is the single coordinator of all traces in a process. At most
// one trace is current at any time: starting a trace interrupts the previous
// one. All spans are fed to the manager, which routes them to the current
// trace.
//
// All entry points, including timer callbacks, are serialized. Callbacks
// provided in the config are never called with internal locks held.
type TraceManager struct {
	mtx      sync.Mutex
	clock    clockz.Clock
	onReport func(TraceRecording)
	onWarn   func(error)
	onError  func(error)
	dedupe   DeduplicationStrategy
	current  *trace
	outbox   []func()
	done     chan struct{}
	closed   bool

	broker   *optrcpubsub.Broker[DebugEvent]
	counters optrcdebug.TraceCounters
	recent   *optrcringbuf.Rings[TraceRecording]

	timersMtx sync.Mutex
	timers    map[*pendingTimer]struct{}
}

type pendingTimer struct {
	deadline time.Time
}

// NewTraceManager returns a trace manager with the given config.
func NewTraceManager(cfg ManagerConfig) *TraceManager {
	if cfg.Clock == nil {
		cfg.Clock = clockz.RealClock
	}

	if cfg.Report == nil {
		cfg.Report = func(TraceRecording) {}
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	warnFn, errorFn := ZapHandlers(cfg.Logger)
	if cfg.Warn == nil {
		cfg.Warn = warnFn
	}
	if cfg.Error == nil {
		cfg.Error = errorFn
	}

	if cfg.Deduplication == nil {
		cfg.Deduplication = NewDeduplicationStrategy()
	}

	if cfg.RecentRecordings == 0 {
		cfg.RecentRecordings = DefaultRecentRecordings
	}

	return &TraceManager{
		clock:    cfg.Clock,
		onReport: cfg.Report,
		onWarn:   cfg.Warn,
		onError:  cfg.Error,
		dedupe:   cfg.Deduplication,
		done:     make(chan struct{}),
		broker:   optrcpubsub.NewBroker(DebugEvent.clone),
		recent:   optrcringbuf.NewRings[TraceRecording](cfg.RecentRecordings),
		timers:   map[*pendingTimer]struct{}{},
	}
}

// NewDefaultTraceManager returns a trace manager with a default config.
func NewDefaultTraceManager() *TraceManager {
	return NewTraceManager(ManagerConfig{})
}

// NewTracer validates the config and returns a tracer for it.
func (m *TraceManager) NewTracer(cfg TracerConfig) (*Tracer, error) {
	def, err := newTraceDefinition(cfg)
	if err != nil {
		return nil, err
	}
	return &Tracer{mgr: m, def: def}, nil
}

// ProcessSpan routes the span to the current trace. It returns the span's
// annotation if the trace recorded it, or if it's a duplicate of a span that
// the trace already recorded.
func (m *TraceManager) ProcessSpan(span Span) (annotation SpanAnnotation, ok bool) {
	span = span.normalize()
	m.exec(func() {
		m.counters.SpansProcessed.Add(1)
		if m.current == nil {
			return
		}
		annotation, ok = m.current.processSpan(span)
	})
	return annotation, ok
}

// CurrentTrace returns the ID and name of the current trace, if any.
func (m *TraceManager) CurrentTrace() (id, name string, ok bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.current == nil {
		return "", "", false
	}
	return m.current.id, m.current.def.name, true
}

// Recent returns up to n of the most recent recordings of the named tracer,
// newest first. If n is zero or less, all kept recordings are returned.
func (m *TraceManager) Recent(name string, n int) []TraceRecording {
	ring, ok := m.recent.Lookup(name)
	if !ok {
		return nil
	}
	return ring.Recent(n)
}

// SubscribeDebug forwards debug events which pass allow to ch, until the
// context is canceled. A nil allow function allows every event. Events are
// dropped if ch is full. SubscribeDebug blocks.
func (m *TraceManager) SubscribeDebug(ctx context.Context, allow func(DebugEvent) bool, ch chan<- DebugEvent) (StreamStats, error) {
	if allow != nil {
		allow = safeAllow(allow)
	}
	stats, err := m.broker.Subscribe(ctx, allow, ch)
	return StreamStats{Skips: stats.Skips, Sends: stats.Sends, Drops: stats.Drops}, err
}

// safeAllow runs under the manager lock, so a panicking filter skips the
// event instead of unwinding a trace.
func safeAllow(allow func(DebugEvent) bool) func(DebugEvent) bool {
	return func(ev DebugEvent) (ok bool) {
		defer func() {
			if recover() != nil {
				ok = false
			}
		}()
		return allow(ev)
	}
}

// DebugStats returns the current stats of an active debug subscription.
func (m *TraceManager) DebugStats(ch chan<- DebugEvent) (StreamStats, error) {
	stats, err := m.broker.Stats(ch)
	return StreamStats{Skips: stats.Skips, Sends: stats.Sends, Drops: stats.Drops}, err
}

// StreamStats describe what happened to the events of a subscription.
type StreamStats struct {
	Skips uint64 `json:"skips"`
	Sends uint64 `json:"sends"`
	Drops uint64 `json:"drops"`
}

// ManagerStats are lifetime counters of a trace manager.
type ManagerStats struct {
	TracesStarted     uint64 `json:"traces_started"`
	TracesCompleted   uint64 `json:"traces_completed"`
	TracesInterrupted uint64 `json:"traces_interrupted"`
	TracesActive      uint64 `json:"traces_active"`
	SpansProcessed    uint64 `json:"spans_processed"`
	SpansRecorded     uint64 `json:"spans_recorded"`
	SpansDeduplicated uint64 `json:"spans_deduplicated"`
	Panics            uint64 `json:"panics"`
}

// Stats returns the current counters of the manager.
func (m *TraceManager) Stats() ManagerStats {
	return ManagerStats{
		TracesStarted:     m.counters.TracesStarted.Load(),
		TracesCompleted:   m.counters.TracesCompleted.Load(),
		TracesInterrupted: m.counters.TracesInterrupted.Load(),
		TracesActive:      m.counters.Active(),
		SpansProcessed:    m.counters.SpansProcessed.Load(),
		SpansRecorded:     m.counters.SpansRecorded.Load(),
		SpansDeduplicated: m.counters.SpansDeduplicated.Load(),
		Panics:            m.counters.Panics.Load(),
	}
}

// Close stops all pending timers. The current trace, if any, is left as it
// is, and will never complete by itself.
func (m *TraceManager) Close() {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if !m.closed {
		close(m.done)
		m.closed = true
	}
}

//
//
//

// exec runs fn with the lock held, and then delivers any callbacks that fn
// queued, after the lock is released. Timers of the current trace that are
// already due fire before fn, so the outcome of a trace only depends on its
// deadlines and the order of calls, never on goroutine scheduling.
func (m *TraceManager) exec(fn func()) {
	m.mtx.Lock()
	m.safeCall(m.runDueTimers)
	m.safeCall(fn)
	outbox := m.outbox
	m.outbox = nil
	m.mtx.Unlock()

	for _, f := range outbox {
		m.deliver(f)
	}
}

func (m *TraceManager) runDueTimers() {
	if m.current != nil {
		m.current.runDueTimers()
	}
}

func (m *TraceManager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.counters.Panics.Add(1)
			m.reportError(fmt.Errorf("%w: %v", ErrPanic, r))
		}
	}()
	fn()
}

func (m *TraceManager) deliver(f func()) {
	defer func() {
		if r := recover(); r != nil {
			m.counters.Panics.Add(1)
			func() {
				defer func() { recover() }()
				m.onError(fmt.Errorf("%w: in callback: %v", ErrPanic, r))
			}()
		}
	}()
	f()
}

// schedule calls fn via exec after d has elapsed on the manager's clock,
// unless the returned cancel func is called first.
func (m *TraceManager) schedule(d time.Duration, fn func()) (cancel func()) {
	var (
		now   = m.clock.Now()
		stop  = make(chan struct{})
		once  sync.Once
		timer = &pendingTimer{deadline: now.Add(d)}
		fire  <-chan time.Time
	)

	if d > 0 {
		fire = m.clock.After(d)
	} else {
		c := make(chan time.Time, 1)
		c <- now
		fire = c
	}

	m.timersMtx.Lock()
	m.timers[timer] = struct{}{}
	m.timersMtx.Unlock()

	go func() {
		defer func() {
			m.timersMtx.Lock()
			delete(m.timers, timer)
			m.timersMtx.Unlock()
		}()

		select {
		case <-fire:
			m.exec(fn)
		case <-stop:
		case <-m.done:
		}
	}()

	return func() { once.Do(func() { close(stop) }) }
}

// Settle blocks until every timer that's due, according to the manager's
// clock, has fired and its callback has returned. It's meant to be called
// after advancing a fake clock.
func (m *TraceManager) Settle(ctx context.Context) error {
	for m.timersDue() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

func (m *TraceManager) timersDue() bool {
	now := m.clock.Now()

	m.timersMtx.Lock()
	defer m.timersMtx.Unlock()

	for timer := range m.timers {
		if !timer.deadline.After(now) {
			return true
		}
	}
	return false
}

func (m *TraceManager) publish(ev DebugEvent) {
	m.broker.Publish(ev)
}

func (m *TraceManager) reportWarning(err error) {
	m.outbox = append(m.outbox, func() { m.onWarn(err) })
}

func (m *TraceManager) reportError(err error) {
	m.outbox = append(m.outbox, func() { m.onError(err) })
}

// replaceCurrentTrace interrupts the current trace, if any, and makes tr the
// current trace.
func (m *TraceManager) replaceCurrentTrace(tr *trace) {
	if prev := m.current; prev != nil {
		prev.finish(StateInterrupted, ReasonAnotherTraceStarted, nil)
	}

	m.current = tr
	m.counters.TracesStarted.Add(1)
	m.publish(tr.newDebugEvent(DebugTraceStart, nil, func(ev *DebugEvent) {
		ev.To = tr.state
	}))
}

// traceFinished is called by a trace when it reaches a terminal state.
func (m *TraceManager) traceFinished(tr *trace) {
	m.cleanupCurrentTrace(tr)

	if tr.state == StateComplete {
		m.counters.TracesCompleted.Add(1)
	} else {
		m.counters.TracesInterrupted.Add(1)
	}

	rec := *tr.recording
	m.recent.Get(rec.Name).Push(rec)
	m.outbox = append(m.outbox, func() { m.onReport(rec) })
}

// cleanupCurrentTrace clears the current trace, but only if it's tr.
func (m *TraceManager) cleanupCurrentTrace(tr *trace) {
	if m.current == tr {
		m.current = nil
	}
}
