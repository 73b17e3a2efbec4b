package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/optrc"
	"github.com/peterbourgon/optrc/internal/optrcutil"
	"github.com/peterbourgon/optrc/optrcreplay"
	"go.uber.org/zap"
)

type replayConfig struct {
	*rootConfig

	debugEvents bool
	entries     bool
}

func (cfg *replayConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "debug-events" /* */, Value: ffval.NewValue(&cfg.debugEvents) /* */, Usage: "log trace lifecycle debug events", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 'e', LongName: "entries" /*      */, Value: ffval.NewValue(&cfg.entries) /*     */, Usage: "include recorded spans in table output", NoDefault: true})
}

func (cfg *replayConfig) Exec(ctx context.Context, args []string) error {
	f, err := cfg.loadDefinitions()
	if err != nil {
		return err
	}

	tracers, err := f.TracerConfigs()
	if err != nil {
		return fmt.Errorf("%s: %w", cfg.definitions, err)
	}

	steps, err := cfg.readSteps(args)
	if err != nil {
		return err
	}

	cfg.logger.Debug("replaying", zap.Int("tracers", len(tracers)), zap.Int("steps", len(steps)))

	var (
		g      run.Group
		result *optrcreplay.Result
	)

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			replayCfg := optrcreplay.Config{Tracers: tracers, Logger: cfg.logger}
			if cfg.debugEvents {
				events := make(chan optrc.DebugEvent, 1024)
				defer cfg.logDebugEvents(events)
				replayCfg.Debug = events
			}
			res, err := optrcreplay.Run(ctx, replayCfg, steps)
			if err != nil {
				return err
			}
			result = res
			return nil
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	if err := g.Run(); err != nil {
		return err
	}

	cfg.logger.Info("replay finished",
		zap.Int("recordings", len(result.Recordings)),
		zap.Int("warnings", len(result.Warnings)),
		zap.Int("errors", len(result.Errors)),
		zap.Uint64("spans_deduplicated", result.Stats.SpansDeduplicated),
	)

	return cfg.writeResult(result)
}

func (cfg *replayConfig) readSteps(args []string) ([]optrcreplay.Step, error) {
	if len(args) <= 0 {
		return optrcreplay.ReadSteps(cfg.stdin)
	}

	var steps []optrcreplay.Step
	for _, filename := range args {
		s, err := func() ([]optrcreplay.Step, error) {
			var r io.Reader = cfg.stdin
			if filename != "-" {
				fh, err := os.Open(filename)
				if err != nil {
					return nil, err
				}
				defer fh.Close()
				r = fh
			}
			return optrcreplay.ReadSteps(r)
		}()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		steps = append(steps, s...)
	}
	return steps, nil
}

func (cfg *replayConfig) logDebugEvents(events chan optrc.DebugEvent) {
	for len(events) > 0 {
		ev := <-events
		fields := []zap.Field{
			zap.String("kind", string(ev.Kind)),
			zap.String("trace_id", ev.TraceID),
			zap.String("trace_name", ev.TraceName),
		}
		if ev.Kind == optrc.DebugStateTransition {
			fields = append(fields, zap.String("from", string(ev.From)), zap.String("to", string(ev.To)))
		}
		if ev.Item != nil {
			fields = append(fields, zap.String("span", ev.Item.Span.Name))
		}
		cfg.logger.Info("debug event", fields...)
	}
}

func (cfg *replayConfig) writeResult(res *optrcreplay.Result) error {
	switch cfg.output {
	case "ndjson", "prettyjson":
		for _, rec := range res.Recordings {
			if err := writeJSON(cfg.stdout, cfg.output, rec); err != nil {
				return err
			}
		}
		return nil
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(cfg.stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"ID", "Name", "Variant", "Status", "Reason", "Duration", "Interactive", "Spans"})
	for _, rec := range res.Recordings {
		tw.AppendRow(table.Row{
			rec.ID,
			rec.Name,
			rec.Variant,
			rec.Status,
			rec.InterruptionReason,
			optrcutil.HumanizeDuration(rec.Duration),
			optrcutil.HumanizeDuration(rec.StartTillInteractive),
			len(rec.Entries),
		})
		if cfg.entries {
			for _, item := range rec.Entries {
				offset := item.Annotation.OperationRelativeStartTime
				tw.AppendRow(table.Row{
					"",
					"  " + item.Span.Name,
					item.Span.Type,
					item.Span.Status,
					item.Annotation.RecordedInState,
					optrcutil.HumanizeDuration(&offset),
					markers(item.Annotation),
					"",
				})
			}
		}
	}
	tw.Render()

	for _, w := range res.Warnings {
		fmt.Fprintf(cfg.stderr, "warning: %s\n", w)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(cfg.stderr, "error: %s\n", e)
	}

	return nil
}

func markers(a optrc.SpanAnnotation) string {
	var s string
	if a.MarkedRequirementsMet {
		s += "R"
	}
	if a.MarkedComplete {
		s += "C"
	}
	if a.MarkedPageInteractive {
		s += "I"
	}
	return s
}
