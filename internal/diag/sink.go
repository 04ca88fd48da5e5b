package diag

import (
	"context"
	"fmt"
	"log/slog"
)

// Sink forwards diagnostics to an optional Observer and to the logger.
//
// A nil *Sink is valid and only logs. Observer panics are recovered and
// logged so a faulty observer can never break the core.
type Sink struct {
	observer Observer
}

// NewSink creates a sink for the given observer, which may be nil.
func NewSink(o Observer) *Sink {
	return &Sink{observer: o}
}

// Observer returns the wrapped observer, or nil.
func (s *Sink) Observer() Observer {
	if s == nil {
		return nil
	}
	return s.observer
}

// Report delivers one diagnostic.
func (s *Sink) Report(severity Severity, category Category, object uint64, message string) {
	Logger().Log(context.Background(), severity.level(), message,
		slog.String("category", category.String()),
		slog.Uint64("object", object))

	if s == nil || s.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			Logger().Warn("diag: observer panicked", slog.Any("panic", r))
		}
	}()
	s.observer.Report(severity, category, object, message)
}

// Errorf reports an error-severity diagnostic.
func (s *Sink) Errorf(category Category, object uint64, format string, args ...any) {
	s.Report(SeverityError, category, object, fmt.Sprintf(format, args...))
}

// Warnf reports a warning-severity diagnostic.
func (s *Sink) Warnf(category Category, object uint64, format string, args ...any) {
	s.Report(SeverityWarning, category, object, fmt.Sprintf(format, args...))
}

// Infof reports an info-severity diagnostic.
func (s *Sink) Infof(category Category, object uint64, format string, args ...any) {
	s.Report(SeverityInfo, category, object, fmt.Sprintf(format, args...))
}
