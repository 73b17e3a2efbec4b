package optrc

import (
	"fmt"
	"sort"
	"time"
)

// DefaultDebounceWindow is used when a tracer has debounce matchers but
// doesn't specify a debounce window.
const DefaultDebounceWindow = 500 * time.Millisecond

// DefaultInteractiveTimeout bounds the wait for page interactivity after an
// operation completes, when capture-interactive is enabled without a timeout.
const DefaultInteractiveTimeout = 10 * time.Second

// TracerConfig defines an operation. It becomes an immutable trace definition
// when a tracer is constructed from it.
type TracerConfig struct {
	// Name of the operation, e.g. "ticket/open". Required.
	Name string

	// RequiredSpans must each be matched at least once before the operation
	// can complete. Required, at least one.
	RequiredSpans []Matcher

	// DebounceOnSpans postpone completion while they keep occurring.
	// Optional.
	DebounceOnSpans []Matcher

	// InterruptOnSpans immediately interrupt the operation. Optional.
	InterruptOnSpans []Matcher

	// SuppressErrorStatusPropagationOnSpans exempt matching error spans from
	// making the recording errored, and matching required spans from
	// interrupting the operation. Optional.
	SuppressErrorStatusPropagationOnSpans []Matcher

	// DebounceWindow is how long the operation must be free of debounce spans
	// before it completes. Optional. By default, DefaultDebounceWindow.
	DebounceWindow time.Duration

	// Variants are named alternate configurations of the operation. Required,
	// at least one.
	Variants map[string]VariantConfig

	// CaptureInteractive enables waiting for page interactivity after the
	// operation completes. Optional. By default, nil, which means disabled.
	CaptureInteractive *CaptureInteractiveConfig

	// ComputedSpans and ComputedValues are derived metrics, computed when a
	// trace completes. Optional.
	ComputedSpans  []ComputedSpanDefinition
	ComputedValues []ComputedValueDefinition
}

// VariantConfig configures one variant of an operation.
type VariantConfig struct {
	// Timeout is the maximum duration of the operation. Required.
	Timeout time.Duration

	// AdditionalRequiredSpans are required on top of the definition's.
	AdditionalRequiredSpans []Matcher

	// AdditionalDebounceOnSpans are debounced on top of the definition's.
	AdditionalDebounceOnSpans []Matcher
}

// CaptureInteractiveConfig configures the wait for page interactivity.
type CaptureInteractiveConfig struct {
	QuietWindowConfig

	// Timeout is the maximum wait for interactivity, measured from the moment
	// the operation completes. Optional. By default, DefaultInteractiveTimeout.
	Timeout time.Duration
}

// Boundary is one end of a computed span: a matcher, or one of the special
// operation boundaries.
type Boundary struct {
	kind    boundaryKind
	matcher Matcher
}

type boundaryKind uint8

const (
	boundarySpan boundaryKind = iota
	boundaryOperationStart
	boundaryOperationEnd
	boundaryInteractive
)

// Special boundaries for computed spans.
var (
	OperationStart = Boundary{kind: boundaryOperationStart}
	OperationEnd   = Boundary{kind: boundaryOperationEnd}
	Interactive    = Boundary{kind: boundaryInteractive}
)

// SpanBoundary is a boundary defined by matching spans. As a start boundary,
// the first matching span's start is used; as an end boundary, the last
// matching span's end is used.
func SpanBoundary(m Matcher) Boundary {
	return Boundary{kind: boundarySpan, matcher: m}
}

// ComputedSpanDefinition derives a named span from recorded spans.
type ComputedSpanDefinition struct {
	Name  string
	Start Boundary
	End   Boundary
}

// ComputedValueDefinition derives a named value from recorded spans. Compute
// is given, for each matcher in Matches, the recorded items it matched.
type ComputedValueDefinition struct {
	Name    string
	Matches []Matcher
	Compute func(matches ...[]SpanAndAnnotation) float64
}

// traceDefinition is the validated, immutable form of a tracer config.
type traceDefinition struct {
	name                 string
	requiredSpans        []Matcher
	debounceOnSpans      []Matcher
	interruptOnSpans     []Matcher
	suppressErrorOnSpans []Matcher
	debounceWindow       time.Duration
	variants             map[string]VariantConfig
	captureInteractive   *CaptureInteractiveConfig
	computedSpans        []ComputedSpanDefinition
	computedValues       []ComputedValueDefinition
}

func newTraceDefinition(cfg TracerConfig) (*traceDefinition, error) {
	if cfg.Name == "" {
		return nil, ErrNoName
	}

	if len(cfg.RequiredSpans) <= 0 {
		return nil, fmt.Errorf("%s: %w", cfg.Name, ErrNoRequiredSpans)
	}

	for i, m := range cfg.RequiredSpans {
		if !m.Valid() {
			return nil, fmt.Errorf("%s: required span %d: %w", cfg.Name, i+1, ErrInvalidMatcher)
		}
	}

	if len(cfg.Variants) <= 0 {
		return nil, fmt.Errorf("%s: %w", cfg.Name, ErrNoVariants)
	}

	variants := make(map[string]VariantConfig, len(cfg.Variants))
	for _, name := range sortedKeys(cfg.Variants) {
		v := cfg.Variants[name]
		if v.Timeout <= 0 {
			return nil, fmt.Errorf("%s: variant %q: %w", cfg.Name, name, ErrInvalidVariant)
		}
		variants[name] = VariantConfig{
			Timeout:                   v.Timeout,
			AdditionalRequiredSpans:   tagged(v.AdditionalRequiredSpans, TagRequiredSpan),
			AdditionalDebounceOnSpans: append([]Matcher(nil), v.AdditionalDebounceOnSpans...),
		}
	}

	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}

	var capture *CaptureInteractiveConfig
	if cfg.CaptureInteractive != nil {
		c := *cfg.CaptureInteractive
		c.QuietWindowConfig = c.QuietWindowConfig.withDefaults()
		if c.Timeout <= 0 {
			c.Timeout = DefaultInteractiveTimeout
		}
		capture = &c
	}

	return &traceDefinition{
		name:                 cfg.Name,
		requiredSpans:        tagged(cfg.RequiredSpans, TagRequiredSpan),
		debounceOnSpans:      append([]Matcher(nil), cfg.DebounceOnSpans...),
		interruptOnSpans:     append([]Matcher(nil), cfg.InterruptOnSpans...),
		suppressErrorOnSpans: append([]Matcher(nil), cfg.SuppressErrorStatusPropagationOnSpans...),
		debounceWindow:       cfg.DebounceWindow,
		variants:             variants,
		captureInteractive:   capture,
		computedSpans:        append([]ComputedSpanDefinition(nil), cfg.ComputedSpans...),
		computedValues:       append([]ComputedValueDefinition(nil), cfg.ComputedValues...),
	}, nil
}

// variantNames returns the sorted variant names of the definition.
func (d *traceDefinition) variantNames() []string {
	return sortedKeys(d.variants)
}

func tagged(ms []Matcher, tags Tags) []Matcher {
	res := make([]Matcher, len(ms))
	for i, m := range ms {
		res[i] = m.WithTags(tags)
	}
	return res
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
