package optrc

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// TraceError wraps a warning or error with the trace it relates to.
type TraceError struct {
	Op      string
	Tracer  string
	TraceID string
	Err     error
}

// Error implements error.
func (e *TraceError) Error() string {
	switch {
	case e.TraceID != "":
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Tracer, e.TraceID, e.Err)
	case e.Tracer != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Tracer, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *TraceError) Unwrap() error {
	return e.Err
}

// ZapHandlers returns warning and error handlers, suitable for ManagerConfig,
// which log to the given logger. Trace details are logged as fields.
func ZapHandlers(logger *zap.Logger) (warnFn, errorFn func(error)) {
	fields := func(err error) []zap.Field {
		var te *TraceError
		if !errors.As(err, &te) {
			return []zap.Field{zap.Error(err)}
		}
		return []zap.Field{
			zap.String("op", te.Op),
			zap.String("tracer", te.Tracer),
			zap.String("trace_id", te.TraceID),
			zap.Error(te.Err),
		}
	}

	warnFn = func(err error) {
		logger.Warn("trace warning", fields(err)...)
	}

	errorFn = func(err error) {
		logger.Error("trace error", fields(err)...)
	}

	return warnFn, errorFn
}
