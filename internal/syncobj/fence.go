// Package syncobj emulates fences, events, and semaphores.
//
// The substrate has no blocking wait. A fence is an event query ended
// after the work it guards; waiting polls the query with a short sleep
// between polls, or blocks on a condition variable driven by a Poller.
// A fence is reported signaled only after its query returned data for the
// submission it was last attached to.
package syncobj

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/native"
)

var (
	// ErrTimeout is returned when a wait gives up.
	ErrTimeout = errors.New("syncobj: timeout")

	// ErrInUse is returned when attaching a fence that is already pending.
	ErrInUse = errors.New("syncobj: fence already pending")
)

// Fence signals the host when submitted work completes.
type Fence struct {
	q        native.Query
	ctx      *exec.Context
	interval time.Duration
	poller   *Poller

	mu       sync.Mutex
	signaled bool
	pending  bool
	// gen increases on every submit and reset so a stale poll never
	// signals a newer submission.
	gen uint64

	once sync.Once
}

// NewFence creates a fence, signaled if requested. poller may be nil.
func NewFence(ctx *exec.Context, signaled bool, interval time.Duration, poller *Poller) (*Fence, error) {
	q, err := ctx.Device().CreateQuery(native.QueryEvent)
	if err != nil {
		return nil, fmt.Errorf("syncobj: fence query: %w", err)
	}
	if interval <= 0 {
		interval = exec.DefaultPollInterval
	}
	return &Fence{q: q, ctx: ctx, interval: interval, poller: poller, signaled: signaled}, nil
}

// SubmitLocked ends the fence's event query after the work replayed so
// far. The caller holds the execution context lock and flushes afterwards.
func (f *Fence) SubmitLocked() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending {
		return ErrInUse
	}
	f.signaled, f.pending = false, true
	f.gen++
	f.ctx.Native().End(f.q)
	return nil
}

// Pending reports whether the fence is attached to a submission that has
// not been observed complete.
func (f *Fence) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

// SignalNow marks the fence signaled without GPU work, as for a submit
// with no command buffers after the queue went idle.
func (f *Fence) SignalNow() {
	f.mu.Lock()
	f.signaled, f.pending = true, false
	f.gen++
	f.mu.Unlock()
	f.poller.broadcast()
}

// Reset returns the fence to unsignaled.
func (f *Fence) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signaled, f.pending = false, false
	f.gen++
}

// snapshot returns the state needed to poll without holding f.mu.
func (f *Fence) snapshot() (signaled, pending bool, gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled, f.pending, f.gen
}

// complete marks submission gen signaled. It reports false when the fence
// moved on since gen.
func (f *Fence) complete(gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen != gen || !f.pending {
		return false
	}
	f.signaled, f.pending = true, false
	return true
}

// poll checks the query once.
func (f *Fence) poll() (bool, error) {
	signaled, pending, gen := f.snapshot()
	if signaled || !pending {
		return signaled, nil
	}
	f.ctx.Lock()
	_, ok, err := f.ctx.QueryLocked(f.q)
	f.ctx.Unlock()
	if err != nil {
		return false, err
	}
	if ok && f.complete(gen) {
		f.poller.broadcast()
		return true, nil
	}
	signaled, _, _ = f.snapshot()
	return signaled, nil
}

// Status polls the fence once and reports whether it is signaled.
func (f *Fence) Status() (bool, error) { return f.poll() }

// Signaled reports the last known state without polling.
func (f *Fence) Signaled() bool {
	s, _, _ := f.snapshot()
	return s
}

// Wait blocks until the fence is signaled or c is done.
func (f *Fence) Wait(c context.Context) error {
	return WaitMany(c, []*Fence{f}, true)
}

// Destroy releases the native query.
func (f *Fence) Destroy() {
	f.once.Do(func() {
		if f.poller != nil {
			f.poller.forget(f)
		}
		f.q.Release()
	})
}

// WaitMany waits until all fences (or any, when all is false) are
// signaled, or c is done. Fences sharing a Poller wait on it; others are
// polled with their own interval.
func WaitMany(c context.Context, fences []*Fence, all bool) error {
	if len(fences) == 0 {
		return nil
	}
	done := func() (bool, error) {
		n := 0
		for _, f := range fences {
			ok, err := f.poll()
			if err != nil {
				return false, err
			}
			if ok {
				n++
			}
		}
		if all {
			return n == len(fences), nil
		}
		return n > 0, nil
	}
	if p := fences[0].poller; p != nil {
		return p.wait(c, fences, done)
	}
	return pollWait(c, fences[0].interval, done)
}

// pollWait calls done every interval until it reports true or c is done.
// done runs once more after c is done so completed work is never reported
// as a timeout.
func pollWait(c context.Context, interval time.Duration, done func() (bool, error)) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for polls := 1; ; polls++ {
		ok, err := done()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if c.Err() != nil {
			diag.Logger().Debug("syncobj: wait timed out", "polls", polls)
			return ErrTimeout
		}
		timer.Reset(interval)
		select {
		case <-c.Done():
		case <-timer.C:
		}
	}
}
