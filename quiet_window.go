package optrc

import (
	"math"
	"time"
)

// Quiet-window defaults.
const (
	DefaultQuietWindow           = 2 * time.Second
	DefaultClusterPadding        = 1 * time.Second
	DefaultHeavyClusterThreshold = 250 * time.Millisecond
)

// QuietWindowFunc returns the quiet window duration that applies at a given
// point in time, expressed as the time elapsed since the reference point.
type QuietWindowFunc func(sinceReference time.Duration) time.Duration

// ConstantQuietWindow always returns d.
func ConstantQuietWindow(d time.Duration) QuietWindowFunc {
	return func(time.Duration) time.Duration { return d }
}

// ExponentialQuietWindow shrinks the quiet window as time passes, starting at
// 5s and approaching 1s, following 4·e^(−0.045·t)+1 with t in seconds.
func ExponentialQuietWindow(sinceReference time.Duration) time.Duration {
	t := sinceReference.Seconds()
	if t < 0 {
		t = 0
	}
	seconds := 4*math.Exp(-0.045*t) + 1
	return time.Duration(seconds * float64(time.Second))
}

// QuietWindowConfig parameterizes the quiet-window processor.
type QuietWindowConfig struct {
	// QuietWindow is the idle duration required after the last heavy cluster.
	// Optional. By default, DefaultQuietWindow.
	QuietWindow QuietWindowFunc

	// ClusterPadding is the maximum gap between two busy spans in the same
	// cluster. Optional. By default, DefaultClusterPadding.
	ClusterPadding time.Duration

	// HeavyClusterThreshold is the cumulative duration at which a cluster is
	// considered heavy. Optional. By default, DefaultHeavyClusterThreshold.
	HeavyClusterThreshold time.Duration
}

func (cfg QuietWindowConfig) withDefaults() QuietWindowConfig {
	if cfg.QuietWindow == nil {
		cfg.QuietWindow = ConstantQuietWindow(DefaultQuietWindow)
	}
	if cfg.ClusterPadding <= 0 {
		cfg.ClusterPadding = DefaultClusterPadding
	}
	if cfg.HeavyClusterThreshold <= 0 {
		cfg.HeavyClusterThreshold = DefaultHeavyClusterThreshold
	}
	return cfg
}

// QuietWindowProcessor incrementally detects the first sustained idle period
// after a reference point, i.e. "first CPU idle". Busy spans (long tasks) are
// grouped into clusters; only heavy clusters push the idle candidate forward.
// Once a full quiet window passes after the candidate, the candidate is the
// result, and it never changes afterwards.
//
// The processor only depends on the order of its inputs. It isn't safe for
// concurrent use.
type QuietWindowProcessor struct {
	cfg          QuietWindowConfig
	reference    time.Time
	candidate    time.Time
	lastBusyEnd  time.Time
	haveBusy     bool
	clusterTotal time.Duration
	result       time.Time
	done         bool
}

// NewQuietWindowProcessor returns a processor with the given reference point,
// typically the moment the operation's requirements were met.
func NewQuietWindowProcessor(reference time.Time, cfg QuietWindowConfig) *QuietWindowProcessor {
	return &QuietWindowProcessor{
		cfg:       cfg.withDefaults(),
		reference: reference,
		candidate: reference,
	}
}

// Process ingests the next span. It returns the idle timestamp once it's
// known. Non-busy spans only advance time.
func (p *QuietWindowProcessor) Process(span Span) (time.Time, bool) {
	if p.done {
		return p.result, true
	}

	start, end := span.StartTime, span.EndTime()

	if p.quietSince(start) {
		return p.result, true
	}

	if !span.Type.IsBusy() || !end.After(p.reference) {
		return time.Time{}, false
	}

	switch {
	case start.Before(p.reference):
		// The reference point sits inside a cluster already in progress.
		p.clusterTotal = end.Sub(p.reference)
	case p.haveBusy && start.Sub(p.lastBusyEnd) <= p.cfg.ClusterPadding:
		if end.After(p.lastBusyEnd) {
			p.clusterTotal += end.Sub(maxTime(p.lastBusyEnd, p.reference))
		}
	default:
		p.clusterTotal = span.Duration
	}

	if !p.haveBusy || end.After(p.lastBusyEnd) {
		p.lastBusyEnd = end
	}
	p.haveBusy = true

	if p.clusterTotal >= p.cfg.HeavyClusterThreshold && p.lastBusyEnd.After(p.candidate) {
		p.candidate = p.lastBusyEnd
	}

	return time.Time{}, false
}

// Poll checks whether a full quiet window has passed by the given time.
func (p *QuietWindowProcessor) Poll(now time.Time) (time.Time, bool) {
	if p.done {
		return p.result, true
	}
	if p.quietSince(now) {
		return p.result, true
	}
	return time.Time{}, false
}

// Result returns the idle timestamp, if it's known.
func (p *QuietWindowProcessor) Result() (time.Time, bool) {
	return p.result, p.done
}

// Candidate returns the current idle candidate.
func (p *QuietWindowProcessor) Candidate() time.Time {
	return p.candidate
}

// NextCheck returns the earliest time at which a Poll could succeed, assuming
// no further busy spans arrive and a quiet window that doesn't grow.
func (p *QuietWindowProcessor) NextCheck() time.Time {
	if p.done {
		return p.result
	}
	return p.candidate.Add(p.cfg.QuietWindow(p.candidate.Sub(p.reference)) + time.Nanosecond)
}

// quietSince reports whether the gap between the candidate and t exceeds the
// quiet window.
func (p *QuietWindowProcessor) quietSince(t time.Time) bool {
	window := p.cfg.QuietWindow(t.Sub(p.reference))
	if t.Sub(p.candidate) <= window {
		return false
	}
	p.result, p.done = p.candidate, true
	return true
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
