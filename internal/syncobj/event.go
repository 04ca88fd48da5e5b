package syncobj

import (
	"sync/atomic"

	"github.com/gogpu/explicit/internal/diag"
)

// Event is a two-state flag set and reset by the host or by replayed
// commands. Replay is synchronous, so a device-side set is visible to the
// host as soon as the command that sets it has been replayed.
type Event struct {
	label string
	set   atomic.Bool
}

// NewEvent creates a reset event.
func NewEvent(label string) *Event { return &Event{label: label} }

// Set sets the event.
func (e *Event) Set() { e.set.Store(true) }

// Reset resets the event.
func (e *Event) Reset() { e.set.Store(false) }

// Status reports whether the event is set.
func (e *Event) Status() bool { return e.set.Load() }

// Label returns the debug label.
func (e *Event) Label() string { return e.label }

// Semaphore orders submissions on the queue. Signal and wait happen at
// submission time.
type Semaphore struct {
	label    string
	signaled atomic.Bool
}

// NewSemaphore creates an unsignaled semaphore.
func NewSemaphore(label string) *Semaphore { return &Semaphore{label: label} }

// Signal signals the semaphore.
func (s *Semaphore) Signal() { s.signaled.Store(true) }

// Signaled reports whether a signal is pending.
func (s *Semaphore) Signaled() bool { return s.signaled.Load() }

// Wait consumes the pending signal. Without one it reports a warning and
// proceeds, since the single queue has nothing that could still signal it.
func (s *Semaphore) Wait(sink *diag.Sink, object uint64) bool {
	if s.signaled.Swap(false) {
		return true
	}
	sink.Warnf(diag.CategoryValidation, object, "wait on semaphore %q with no pending signal", s.label)
	return false
}

// Label returns the debug label.
func (s *Semaphore) Label() string { return s.label }
