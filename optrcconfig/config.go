// Package optrcconfig loads tracer definitions from YAML files, and converts
// them to tracer configs.
package optrcconfig

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/peterbourgon/optrc"
	"gopkg.in/yaml.v3"
)

// File is the top-level structure of a definitions file.
type File struct {
	Tracers []TracerDefinition `yaml:"tracers"`
}

// TracerDefinition is the YAML representation of an optrc.TracerConfig.
// Durations are strings in time.ParseDuration format.
type TracerDefinition struct {
	Name                                  string                       `yaml:"name"`
	RequiredSpans                         []optrc.MatchDefinition      `yaml:"required_spans"`
	DebounceOnSpans                       []optrc.MatchDefinition      `yaml:"debounce_on_spans,omitempty"`
	InterruptOnSpans                      []optrc.MatchDefinition      `yaml:"interrupt_on_spans,omitempty"`
	SuppressErrorStatusPropagationOnSpans []optrc.MatchDefinition      `yaml:"suppress_error_status_propagation_on_spans,omitempty"`
	DebounceWindow                        string                       `yaml:"debounce_window,omitempty"`
	Variants                              map[string]VariantDefinition `yaml:"variants"`
	CaptureInteractive                    *CaptureInteractive          `yaml:"capture_interactive,omitempty"`
	ComputedSpans                         []ComputedSpan               `yaml:"computed_spans,omitempty"`
	ComputedValues                        []ComputedValue              `yaml:"computed_values,omitempty"`
}

// VariantDefinition is the YAML representation of an optrc.VariantConfig.
type VariantDefinition struct {
	Timeout                   string                  `yaml:"timeout"`
	AdditionalRequiredSpans   []optrc.MatchDefinition `yaml:"additional_required_spans,omitempty"`
	AdditionalDebounceOnSpans []optrc.MatchDefinition `yaml:"additional_debounce_on_spans,omitempty"`
}

// CaptureInteractive is the YAML representation of an
// optrc.CaptureInteractiveConfig. QuietWindow is either a duration, or
// "exponential" for optrc.ExponentialQuietWindow. Empty fields take the
// library defaults.
type CaptureInteractive struct {
	Timeout               string `yaml:"timeout,omitempty"`
	QuietWindow           string `yaml:"quiet_window,omitempty"`
	ClusterPadding        string `yaml:"cluster_padding,omitempty"`
	HeavyClusterThreshold string `yaml:"heavy_cluster_threshold,omitempty"`
}

// ComputedSpan is the YAML representation of an
// optrc.ComputedSpanDefinition.
type ComputedSpan struct {
	Name  string   `yaml:"name"`
	Start Boundary `yaml:"start"`
	End   Boundary `yaml:"end"`
}

// Boundary is either one of the special boundaries "operation-start",
// "operation-end" or "interactive", or a match definition.
type Boundary struct {
	Special string                 `yaml:"special,omitempty"`
	Match   *optrc.MatchDefinition `yaml:"match,omitempty"`
}

// ComputedValue is the YAML representation of an
// optrc.ComputedValueDefinition. Compute names one of the built-in reducers,
// see Reducers.
type ComputedValue struct {
	Name    string                  `yaml:"name"`
	Matches []optrc.MatchDefinition `yaml:"matches"`
	Compute string                  `yaml:"compute,omitempty"`
}

// Load reads and parses a YAML definitions file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definitions: %w", err)
	}

	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return f, nil
}

// Parse parses YAML definitions.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing definitions: %w", err)
	}
	return &f, nil
}

// Validate checks every tracer definition in the file, including the checks
// done when a tracer is constructed, and returns all of the problems it
// finds.
func Validate(f *File) []error {
	if len(f.Tracers) <= 0 {
		return []error{fmt.Errorf("at least one tracer is required")}
	}

	var (
		errs = []error{}
		seen = map[string]bool{}
		mgr  = optrc.NewDefaultTraceManager()
	)
	defer mgr.Close()

	for i, def := range f.Tracers {
		if def.Name != "" && seen[def.Name] {
			errs = append(errs, fmt.Errorf("tracer %d: duplicate name %q", i+1, def.Name))
		}
		seen[def.Name] = true

		cfg, err := def.TracerConfig()
		if err != nil {
			errs = append(errs, fmt.Errorf("tracer %d: %w", i+1, err))
			continue
		}

		if _, err := mgr.NewTracer(cfg); err != nil {
			errs = append(errs, fmt.Errorf("tracer %d: %w", i+1, err))
		}
	}

	if len(errs) <= 0 {
		return nil
	}
	return errs
}

// TracerConfigs converts every tracer definition in the file.
func (f *File) TracerConfigs() ([]optrc.TracerConfig, error) {
	cfgs := make([]optrc.TracerConfig, 0, len(f.Tracers))
	for i, def := range f.Tracers {
		cfg, err := def.TracerConfig()
		if err != nil {
			return nil, fmt.Errorf("tracer %d: %w", i+1, err)
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}

// TracerConfig converts the definition to a tracer config. Problems are
// joined, so that all of them are reported at once.
func (d TracerDefinition) TracerConfig() (optrc.TracerConfig, error) {
	var (
		errs []error
		cfg  = optrc.TracerConfig{Name: d.Name}
	)

	matchers := func(field string, defs []optrc.MatchDefinition) []optrc.Matcher {
		ms, err := optrc.MatchersFromDefinitions(defs...)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return ms
	}

	duration := func(field, s string) time.Duration {
		if s == "" {
			return 0
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return v
	}

	cfg.RequiredSpans = matchers("required_spans", d.RequiredSpans)
	cfg.DebounceOnSpans = matchers("debounce_on_spans", d.DebounceOnSpans)
	cfg.InterruptOnSpans = matchers("interrupt_on_spans", d.InterruptOnSpans)
	cfg.SuppressErrorStatusPropagationOnSpans = matchers("suppress_error_status_propagation_on_spans", d.SuppressErrorStatusPropagationOnSpans)
	cfg.DebounceWindow = duration("debounce_window", d.DebounceWindow)

	if len(d.Variants) > 0 {
		cfg.Variants = make(map[string]optrc.VariantConfig, len(d.Variants))
	}
	for _, name := range sortedKeys(d.Variants) {
		v := d.Variants[name]
		prefix := "variants." + name
		cfg.Variants[name] = optrc.VariantConfig{
			Timeout:                   duration(prefix+".timeout", v.Timeout),
			AdditionalRequiredSpans:   matchers(prefix+".additional_required_spans", v.AdditionalRequiredSpans),
			AdditionalDebounceOnSpans: matchers(prefix+".additional_debounce_on_spans", v.AdditionalDebounceOnSpans),
		}
	}

	if ci := d.CaptureInteractive; ci != nil {
		c := &optrc.CaptureInteractiveConfig{
			Timeout: duration("capture_interactive.timeout", ci.Timeout),
		}
		c.ClusterPadding = duration("capture_interactive.cluster_padding", ci.ClusterPadding)
		c.HeavyClusterThreshold = duration("capture_interactive.heavy_cluster_threshold", ci.HeavyClusterThreshold)
		switch ci.QuietWindow {
		case "":
		case "exponential":
			c.QuietWindow = optrc.ExponentialQuietWindow
		default:
			if qw := duration("capture_interactive.quiet_window", ci.QuietWindow); qw > 0 {
				c.QuietWindow = optrc.ConstantQuietWindow(qw)
			}
		}
		cfg.CaptureInteractive = c
	}

	for i, cs := range d.ComputedSpans {
		field := fmt.Sprintf("computed_spans[%d]", i)
		start, err := cs.Start.boundary()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.start: %w", field, err))
		}
		end, err := cs.End.boundary()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.end: %w", field, err))
		}
		if cs.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", field))
		}
		cfg.ComputedSpans = append(cfg.ComputedSpans, optrc.ComputedSpanDefinition{Name: cs.Name, Start: start, End: end})
	}

	for i, cv := range d.ComputedValues {
		field := fmt.Sprintf("computed_values[%d]", i)
		if cv.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", field))
		}
		if len(cv.Matches) <= 0 {
			errs = append(errs, fmt.Errorf("%s: at least one match is required", field))
		}
		compute, ok := Reducers[cv.Compute]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: unknown compute %q", field, cv.Compute))
		}
		cfg.ComputedValues = append(cfg.ComputedValues, optrc.ComputedValueDefinition{
			Name:    cv.Name,
			Matches: matchers(field+".matches", cv.Matches),
			Compute: compute,
		})
	}

	if err := errors.Join(errs...); err != nil {
		return optrc.TracerConfig{}, err
	}

	return cfg, nil
}

func (b Boundary) boundary() (optrc.Boundary, error) {
	switch {
	case b.Special != "" && b.Match != nil:
		return optrc.Boundary{}, fmt.Errorf("special and match are mutually exclusive")
	case b.Match != nil:
		m, err := b.Match.Matcher()
		if err != nil {
			return optrc.Boundary{}, err
		}
		return optrc.SpanBoundary(m), nil
	}

	switch b.Special {
	case "operation-start":
		return optrc.OperationStart, nil
	case "operation-end":
		return optrc.OperationEnd, nil
	case "interactive":
		return optrc.Interactive, nil
	case "":
		return optrc.Boundary{}, fmt.Errorf("special or match is required")
	default:
		return optrc.Boundary{}, fmt.Errorf("unknown special boundary %q", b.Special)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
