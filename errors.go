package optrc

import "errors"

// Configuration errors, returned when constructing a tracer.
var (
	ErrNoName          = errors.New("tracer name is required")
	ErrNoRequiredSpans = errors.New("at least one required span matcher is required")
	ErrInvalidMatcher  = errors.New("invalid (zero value) matcher")
	ErrNoVariants      = errors.New("at least one variant is required")
	ErrInvalidVariant  = errors.New("variant timeout must be greater than zero")
)

// Usage warnings, delivered to the warning handler. The operation that
// produced the warning has no effect.
var (
	ErrNotCurrent         = errors.New("trace is not the current trace")
	ErrDefinitionMismatch = errors.New("current trace belongs to a different tracer")
	ErrNotDraft           = errors.New("current trace is not a draft")
	ErrUnknownVariant     = errors.New("unknown variant")
)

// Invariant violations, delivered to the error handler.
var (
	ErrNoCurrentTrace = errors.New("no current trace")
	ErrPanic          = errors.New("recovered panic")
)
