package optrc

import "time"

// DeduplicationStrategy recognizes spans which are re-deliveries of a span
// that was already recorded by the current trace.
type DeduplicationStrategy interface {
	// FindDuplicate returns the recorded item that the span duplicates, if
	// any.
	FindDuplicate(span Span) (*SpanAndAnnotation, bool)

	// RecordSpan remembers the span, and the item it was recorded as.
	RecordSpan(span Span, item *SpanAndAnnotation)

	// Reset forgets everything. It's called when a trace becomes terminal.
	Reset()

	// SelectPreferredSpan decides which span data to keep for a duplicate.
	SelectPreferredSpan(existing, incoming Span) Span
}

// NewDeduplicationStrategy returns the default strategy. Spans derived from a
// platform entry are deduplicated by entry identity first, and then by entry
// content, i.e. type, name, start time and duration. Spans without an entry
// are never considered duplicates. The newer span's data is preferred.
func NewDeduplicationStrategy() DeduplicationStrategy {
	return &entryDeduplication{
		byEntry: map[*PerformanceEntry]*SpanAndAnnotation{},
		byHash:  map[spanHash]*SpanAndAnnotation{},
	}
}

type entryDeduplication struct {
	byEntry map[*PerformanceEntry]*SpanAndAnnotation
	byHash  map[spanHash]*SpanAndAnnotation
}

type spanHash struct {
	typ      SpanType
	name     string
	start    int64
	duration time.Duration
}

func hashSpan(span Span) spanHash {
	return spanHash{
		typ:      span.Type,
		name:     span.Name,
		start:    span.StartTime.UnixNano(),
		duration: span.Duration,
	}
}

func (d *entryDeduplication) FindDuplicate(span Span) (*SpanAndAnnotation, bool) {
	if span.Entry == nil {
		return nil, false
	}
	if item, ok := d.byEntry[span.Entry]; ok {
		return item, true
	}
	if item, ok := d.byHash[hashSpan(span)]; ok {
		return item, true
	}
	return nil, false
}

func (d *entryDeduplication) RecordSpan(span Span, item *SpanAndAnnotation) {
	if span.Entry == nil {
		return
	}
	d.byEntry[span.Entry] = item
	d.byHash[hashSpan(span)] = item
}

func (d *entryDeduplication) Reset() {
	clear(d.byEntry)
	clear(d.byHash)
}

func (d *entryDeduplication) SelectPreferredSpan(existing, incoming Span) Span {
	return incoming
}
