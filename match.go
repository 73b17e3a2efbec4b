package optrc

import (
	"reflect"
	"regexp"
)

// Tags are static, declarative properties of a matcher, which can be
// inspected without invoking it.
type Tags uint8

// Matcher tags.
const (
	// TagIdle marks matchers that only match idle renders.
	TagIdle Tags = 1 << iota

	// TagRequiredSpan marks matchers used as required spans.
	TagRequiredSpan

	// TagContinueWithErrorStatus marks required matchers whose error status
	// shouldn't interrupt the trace.
	TagContinueWithErrorStatus
)

// Has returns true if all of the given tags are set.
func (t Tags) Has(tags Tags) bool {
	return t&tags == tags
}

// MatchContext is the trace-level context available to matchers.
type MatchContext struct {
	TraceName string
	Variant   string
	Scope     Scope
}

// MatchFunc is the predicate at the core of a matcher.
type MatchFunc func(item SpanAndAnnotation, mc MatchContext) bool

// Matcher is a predicate over a recorded span, plus a static set of tags. The
// zero value matches nothing.
type Matcher struct {
	fn   MatchFunc
	tags Tags
}

// NewMatcher returns a matcher for the given predicate and tags.
func NewMatcher(fn MatchFunc, tags Tags) Matcher {
	return Matcher{fn: fn, tags: tags}
}

// Match evaluates the matcher.
func (m Matcher) Match(item SpanAndAnnotation, mc MatchContext) bool {
	if m.fn == nil {
		return false
	}
	return m.fn(item, mc)
}

// Tags returns the static tags of the matcher.
func (m Matcher) Tags() Tags {
	return m.tags
}

// WithTags returns a copy of the matcher with additional tags.
func (m Matcher) WithTags(tags Tags) Matcher {
	m.tags |= tags
	return m
}

// Valid returns false for the zero value.
func (m Matcher) Valid() bool {
	return m.fn != nil
}

//
//
//

// WithName matches spans with exactly the given name.
func WithName(name string) Matcher {
	return NewMatcher(func(item SpanAndAnnotation, _ MatchContext) bool {
		return item.Span.Name == name
	}, 0)
}

// WithNameMatching matches spans whose name matches the regexp.
func WithNameMatching(re *regexp.Regexp) Matcher {
	return NewMatcher(func(item SpanAndAnnotation, _ MatchContext) bool {
		return re.MatchString(item.Span.Name)
	}, 0)
}

// WithNameFunc matches spans whose name satisfies the predicate.
func WithNameFunc(fn func(name string) bool) Matcher {
	return NewMatcher(func(item SpanAndAnnotation, _ MatchContext) bool {
		return fn(item.Span.Name)
	}, 0)
}

// WithEntryName matches spans derived from a platform entry with the given
// raw, un-normalized name.
func WithEntryName(name string) Matcher {
	return NewMatcher(func(item SpanAndAnnotation, _ MatchContext) bool {
		return item.Span.Entry != nil && item.Span.Entry.Name == name
	}, 0)
}

// WithType matches spans of any of the given types.
func WithType(types ...SpanType) Matcher {
	return NewMatcher(func(item SpanAndAnnotation, _ MatchContext) bool {
		for _, t := range types {
			if item.Span.Type == t {
				return true
			}
		}
		return false
	}, 0)
}

// WithStatus matches spans with the given status.
func WithStatus(status Status) Matcher {
	return NewMatcher(func(item SpanAndAnnotation, _ MatchContext) bool {
		return item.Span.Status == status
	}, 0)
}

// WithAttributes matches spans whose attributes contain every given key with
// an equal value.
func WithAttributes(attrs map[string]any) Matcher {
	return NewMatcher(func(item SpanAndAnnotation, _ MatchContext) bool {
		for k, want := range attrs {
			have, ok := item.Span.Attributes[k]
			if !ok || !reflect.DeepEqual(want, have) {
				return false
			}
		}
		return true
	}, 0)
}

// WithScopeKeys matches spans whose scope agrees with the trace scope on every
// given key. Keys missing from either scope never match.
func WithScopeKeys(keys ...string) Matcher {
	return NewMatcher(func(item SpanAndAnnotation, mc MatchContext) bool {
		for _, k := range keys {
			want, ok := mc.Scope[k]
			if !ok {
				return false
			}
			have, ok := item.Span.Scope[k]
			if !ok || have != want {
				return false
			}
		}
		return true
	}, 0)
}

// WithOccurrence matches the n-th (1-based) same-named span in a trace.
func WithOccurrence(n int) Matcher {
	return WithOccurrenceFunc(func(occurrence int) bool { return occurrence == n })
}

// WithOccurrenceFunc matches spans whose occurrence satisfies the predicate.
func WithOccurrenceFunc(fn func(occurrence int) bool) Matcher {
	return NewMatcher(func(item SpanAndAnnotation, _ MatchContext) bool {
		return fn(item.Annotation.Occurrence)
	}, 0)
}

// WithIdle matches render spans whose idle flag equals idle. Non-render spans
// never match. WithIdle(true) is tagged TagIdle.
func WithIdle(idle bool) Matcher {
	var tags Tags
	if idle {
		tags = TagIdle
	}
	return NewMatcher(func(item SpanAndAnnotation, _ MatchContext) bool {
		if !item.Span.Type.IsRender() || item.Span.Render == nil {
			return false
		}
		return item.Span.Render.IsIdle == idle
	}, tags)
}

//
//
//

// All matches when every matcher matches, evaluated in order and stopping at
// the first failure. Tags are the union of all operand tags. All with no
// operands matches everything.
func All(matchers ...Matcher) Matcher {
	ms := append([]Matcher(nil), matchers...)
	return NewMatcher(func(item SpanAndAnnotation, mc MatchContext) bool {
		for _, m := range ms {
			if !m.Match(item, mc) {
				return false
			}
		}
		return true
	}, unionTags(ms))
}

// Some matches when at least one matcher matches. Tags are the union of all
// operand tags. Some with no operands matches nothing.
func Some(matchers ...Matcher) Matcher {
	ms := append([]Matcher(nil), matchers...)
	return NewMatcher(func(item SpanAndAnnotation, mc MatchContext) bool {
		for _, m := range ms {
			if m.Match(item, mc) {
				return true
			}
		}
		return false
	}, unionTags(ms))
}

// Not negates a matcher. Tags are not carried over.
func Not(m Matcher) Matcher {
	return NewMatcher(func(item SpanAndAnnotation, mc MatchContext) bool {
		return !m.Match(item, mc)
	}, 0)
}

func unionTags(ms []Matcher) Tags {
	var tags Tags
	for _, m := range ms {
		tags |= m.tags
	}
	return tags
}

func matchesAny(ms []Matcher, item SpanAndAnnotation, mc MatchContext) bool {
	for _, m := range ms {
		if m.Match(item, mc) {
			return true
		}
	}
	return false
}
