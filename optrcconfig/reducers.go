package optrcconfig

import (
	"time"

	"github.com/peterbourgon/optrc"
)

// Reducers are the built-in computations available to computed values, by
// name. Each is applied to the items matched by the first match definition.
// The empty name is the same as "count".
var Reducers = map[string]func(matches ...[]optrc.SpanAndAnnotation) float64{
	"":                countFirst,
	"count":           countFirst,
	"count-all":       countAll,
	"sum-duration-ms": sumDurationMillis,
	"max-duration-ms": maxDurationMillis,
}

func countFirst(matches ...[]optrc.SpanAndAnnotation) float64 {
	if len(matches) <= 0 {
		return 0
	}
	return float64(len(matches[0]))
}

func countAll(matches ...[]optrc.SpanAndAnnotation) float64 {
	var n int
	for _, m := range matches {
		n += len(m)
	}
	return float64(n)
}

func sumDurationMillis(matches ...[]optrc.SpanAndAnnotation) float64 {
	if len(matches) <= 0 {
		return 0
	}
	var sum time.Duration
	for _, item := range matches[0] {
		sum += item.Span.Duration
	}
	return millis(sum)
}

func maxDurationMillis(matches ...[]optrc.SpanAndAnnotation) float64 {
	if len(matches) <= 0 {
		return 0
	}
	var longest time.Duration
	for _, item := range matches[0] {
		if item.Span.Duration > longest {
			longest = item.Span.Duration
		}
	}
	return millis(longest)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
