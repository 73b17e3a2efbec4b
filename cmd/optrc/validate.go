package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/peterbourgon/optrc/internal/optrcutil"
	"github.com/peterbourgon/optrc/optrcconfig"
	"go.uber.org/zap"
)

type validateConfig struct {
	*rootConfig
}

func (cfg *validateConfig) Exec(ctx context.Context, args []string) error {
	f, err := cfg.loadDefinitions()
	if err != nil {
		return err
	}

	if errs := optrcconfig.Validate(f); len(errs) > 0 {
		for _, msg := range optrcutil.FlattenErrors(errs...) {
			fmt.Fprintf(cfg.stdout, "%s\n", msg)
		}
		return fmt.Errorf("%s: %d problem(s)", cfg.definitions, len(errs))
	}

	cfg.logger.Info("definitions are valid", zap.String("file", cfg.definitions))

	switch cfg.output {
	case "ndjson", "prettyjson":
		return writeJSON(cfg.stdout, cfg.output, f)
	default:
		tw := table.NewWriter()
		tw.SetOutputMirror(cfg.stdout)
		tw.SetStyle(table.StyleLight)
		tw.AppendHeader(table.Row{"Tracer", "Variants", "Required", "Debounce", "Interrupt", "Interactive"})
		for _, def := range f.Tracers {
			variants := make([]string, 0, len(def.Variants))
			for name, v := range def.Variants {
				variants = append(variants, name+"="+v.Timeout)
			}
			sort.Strings(variants)
			tw.AppendRow(table.Row{
				def.Name,
				strings.Join(variants, " "),
				len(def.RequiredSpans),
				len(def.DebounceOnSpans),
				len(def.InterruptOnSpans),
				def.CaptureInteractive != nil,
			})
		}
		tw.Render()
		return nil
	}
}
