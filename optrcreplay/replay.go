// Package optrcreplay replays recorded span fixtures through a trace manager
// driven by a fake clock, so that the resulting recordings are deterministic.
package optrcreplay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/peterbourgon/optrc"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Step kinds.
const (
	StepDraft     = "draft"
	StepStart     = "start"
	StepActivate  = "activate"
	StepInterrupt = "interrupt"
	StepSpan      = "span"
	StepAdvance   = "advance"
)

// Step is one line of a fixture. Offsets and durations are strings in
// time.ParseDuration format, and offsets are relative to the replay epoch.
type Step struct {
	Step       string         `json:"step"`
	Tracer     string         `json:"tracer,omitempty"`
	Variant    string         `json:"variant,omitempty"`
	At         string         `json:"at,omitempty"`
	Scope      optrc.Scope    `json:"scope,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Error      string         `json:"error,omitempty"`
	Duration   string         `json:"duration,omitempty"`
	Span       *SpanStep      `json:"span,omitempty"`
}

// SpanStep describes a span relative to the replay epoch.
type SpanStep struct {
	Type       optrc.SpanType       `json:"type"`
	Name       string               `json:"name"`
	Start      string               `json:"start"`
	Duration   string               `json:"duration,omitempty"`
	Status     optrc.Status         `json:"status,omitempty"`
	Scope      optrc.Scope          `json:"scope,omitempty"`
	Attributes map[string]any       `json:"attributes,omitempty"`
	Render     *optrc.RenderDetails `json:"render,omitempty"`

	// Entry, if true, derives a platform entry for the span, which makes it
	// eligible for deduplication.
	Entry bool `json:"entry,omitempty"`
}

// ReadSteps parses a fixture of JSON lines. Blank lines and lines starting
// with # are ignored.
func ReadSteps(r io.Reader) ([]Step, error) {
	var (
		steps []Step
		s     = bufio.NewScanner(r)
		line  int
	)
	for s.Scan() {
		line++
		text := strings.TrimSpace(s.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var step Step
		if err := json.Unmarshal([]byte(text), &step); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		steps = append(steps, step)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("reading steps: %w", err)
	}
	return steps, nil
}

// DefaultEpoch is the fake clock's initial time when Config.Epoch is zero.
var DefaultEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Config for a replay.
type Config struct {
	// Tracers are registered with the manager before the replay starts.
	// Steps refer to tracers by name. Required.
	Tracers []optrc.TracerConfig

	// Epoch is the fake clock's initial time. Optional. By default,
	// DefaultEpoch.
	Epoch time.Time

	// Logger receives manager warnings and errors, and replay progress.
	// Optional. By default, a no-op logger.
	Logger *zap.Logger

	// Debug, if non-nil, receives the manager's debug events.
	Debug chan<- optrc.DebugEvent
}

// Result of a replay.
type Result struct {
	Recordings []optrc.TraceRecording `json:"recordings"`
	Warnings   []string               `json:"warnings,omitempty"`
	Errors     []string               `json:"errors,omitempty"`
	Stats      optrc.ManagerStats     `json:"stats"`
}

// Run replays the steps, and returns every recording that was produced, in
// order. A trace that hasn't finished when the steps run out produces no
// recording.
func Run(ctx context.Context, cfg Config, steps []Step) (*Result, error) {
	if cfg.Epoch.IsZero() {
		cfg.Epoch = DefaultEpoch
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	var mtx sync.Mutex
	res := &Result{}
	clock := clockz.NewFakeClockAt(cfg.Epoch)
	logWarn, logErr := optrc.ZapHandlers(cfg.Logger)

	mgr := optrc.NewTraceManager(optrc.ManagerConfig{
		Clock: clock,
		Report: func(rec optrc.TraceRecording) {
			mtx.Lock()
			defer mtx.Unlock()
			res.Recordings = append(res.Recordings, rec)
		},
		Warn: func(err error) {
			logWarn(err)
			mtx.Lock()
			defer mtx.Unlock()
			res.Warnings = append(res.Warnings, err.Error())
		},
		Error: func(err error) {
			logErr(err)
			mtx.Lock()
			defer mtx.Unlock()
			res.Errors = append(res.Errors, err.Error())
		},
	})
	defer mgr.Close()

	if cfg.Debug != nil {
		debugCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			mgr.SubscribeDebug(debugCtx, nil, cfg.Debug)
		}()
		defer func() { cancel(); <-done }()

		for {
			if _, err := mgr.DebugStats(cfg.Debug); err == nil {
				break
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}

	tracers := map[string]*optrc.Tracer{}
	for _, tc := range cfg.Tracers {
		tracer, err := mgr.NewTracer(tc)
		if err != nil {
			return nil, fmt.Errorf("create tracer: %w", err)
		}
		tracers[tracer.Name()] = tracer
	}

	advanceTo := func(t time.Time) error {
		if d := t.Sub(clock.Now()); d > 0 {
			clock.Advance(d)
			clock.BlockUntilReady()
		}
		return mgr.Settle(ctx)
	}

	offset := func(s string) (time.Time, error) {
		if s == "" {
			return clock.Now(), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return time.Time{}, err
		}
		return cfg.Epoch.Add(d), nil
	}

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := func() error {
			tracer := tracers[step.Tracer]
			switch step.Step {
			case StepDraft, StepStart, StepActivate, StepInterrupt:
				if tracer == nil {
					return fmt.Errorf("unknown tracer %q", step.Tracer)
				}
			}

			switch step.Step {
			case StepDraft, StepStart:
				at, err := offset(step.At)
				if err != nil {
					return fmt.Errorf("at: %w", err)
				}
				if err := advanceTo(at); err != nil {
					return err
				}
				input := optrc.DraftInput{Variant: step.Variant, StartTime: at, Attributes: step.Attributes}
				var id string
				if step.Step == StepDraft {
					id = tracer.CreateDraft(input)
				} else {
					id = tracer.Start(optrc.StartInput{DraftInput: input, Scope: step.Scope})
				}
				cfg.Logger.Debug("trace created", zap.String("tracer", step.Tracer), zap.String("trace_id", id))

			case StepActivate:
				tracer.TransitionDraftToActive(optrc.Modifications{Scope: step.Scope, Attributes: step.Attributes})

			case StepInterrupt:
				var err error
				if step.Error != "" {
					err = errors.New(step.Error)
				}
				tracer.Interrupt(optrc.InterruptOptions{Err: err})

			case StepSpan:
				if step.Span == nil {
					return fmt.Errorf("span is required")
				}
				span, err := step.Span.span(cfg.Epoch)
				if err != nil {
					return err
				}
				if err := advanceTo(span.EndTime()); err != nil {
					return err
				}
				mgr.ProcessSpan(span)

			case StepAdvance:
				d, err := time.ParseDuration(step.Duration)
				if err != nil {
					return fmt.Errorf("duration: %w", err)
				}
				if err := advanceTo(clock.Now().Add(d)); err != nil {
					return err
				}

			default:
				return fmt.Errorf("unknown step %q", step.Step)
			}

			return mgr.Settle(ctx)
		}(); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Step, err)
		}
	}

	mtx.Lock()
	defer mtx.Unlock()

	res.Stats = mgr.Stats()
	return res, nil
}

func (s *SpanStep) span(epoch time.Time) (optrc.Span, error) {
	start, err := time.ParseDuration(s.Start)
	if err != nil {
		return optrc.Span{}, fmt.Errorf("span start: %w", err)
	}

	var duration time.Duration
	if s.Duration != "" {
		if duration, err = time.ParseDuration(s.Duration); err != nil {
			return optrc.Span{}, fmt.Errorf("span duration: %w", err)
		}
	}

	span := optrc.Span{
		Type:       s.Type,
		Name:       s.Name,
		StartTime:  epoch.Add(start),
		Duration:   duration,
		Status:     s.Status,
		Scope:      s.Scope,
		Attributes: s.Attributes,
		Render:     s.Render,
	}

	if s.Entry {
		span.Entry = &optrc.PerformanceEntry{
			EntryType: string(s.Type),
			Name:      s.Name,
			StartTime: span.StartTime,
			Duration:  duration,
		}
	}

	return span, nil
}
