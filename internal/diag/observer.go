// Package diag delivers diagnostics to the debug observer and the logger.
package diag

import (
	"fmt"
	"log/slog"
	"sync"
)

// Severity classifies a diagnostic.
type Severity uint8

const (
	// SeverityVerbose is for trace-level messages.
	SeverityVerbose Severity = iota
	// SeverityInfo is for lifecycle information.
	SeverityInfo
	// SeverityWarning is for recoverable misuse or degraded behavior.
	SeverityWarning
	// SeverityError is for failures that affected the requested operation.
	SeverityError
)

var severityNames = [...]string{
	SeverityVerbose: "Verbose",
	SeverityInfo:    "Info",
	SeverityWarning: "Warning",
	SeverityError:   "Error",
}

// String returns the severity name.
func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// level maps a severity onto a slog level.
func (s Severity) level() slog.Level {
	switch s {
	case SeverityVerbose:
		return slog.LevelDebug
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Category says which concern produced a diagnostic.
type Category uint8

const (
	// CategoryGeneral covers native failures and lifecycle events.
	CategoryGeneral Category = iota
	// CategoryValidation covers API misuse.
	CategoryValidation
	// CategoryPerformance covers slow paths taken on the caller's behalf.
	CategoryPerformance
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryGeneral:
		return "General"
	case CategoryValidation:
		return "Validation"
	case CategoryPerformance:
		return "Performance"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// Observer receives diagnostics.
//
// Report is fire-and-forget: implementations must return promptly and must
// not call back into the device that produced the report.
type Observer interface {
	Report(severity Severity, category Category, object uint64, message string)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(severity Severity, category Category, object uint64, message string)

// Report implements Observer.
func (f ObserverFunc) Report(severity Severity, category Category, object uint64, message string) {
	f(severity, category, object, message)
}

// Report is one recorded diagnostic.
type Report struct {
	Severity Severity
	Category Category
	Object   uint64
	Message  string
}

// Collector is an Observer that keeps every report in memory.
// The zero value is ready to use and safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	reports []Report
}

// Report implements Observer.
func (c *Collector) Report(severity Severity, category Category, object uint64, message string) {
	c.mu.Lock()
	c.reports = append(c.reports, Report{severity, category, object, message})
	c.mu.Unlock()
}

// Reports returns a copy of the collected reports.
func (c *Collector) Reports() []Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Report, len(c.reports))
	copy(out, c.reports)
	return out
}

// Count returns how many reports have at least the given severity.
func (c *Collector) Count(min Severity) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.reports {
		if r.Severity >= min {
			n++
		}
	}
	return n
}

// Reset drops all collected reports.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.reports = nil
	c.mu.Unlock()
}
