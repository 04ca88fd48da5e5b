// Package queue submits command buffers to the execution context.
//
// A submission replays each command buffer in order on the single native
// immediate context. Between buffers the bindings a buffer set are
// removed unless the next buffer sets the same group again, so no state
// leaks from one buffer into another. The fence of a submission is an
// event query ended after the last buffer.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gogpu/explicit/internal/command"
	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/internal/memory"
	"github.com/gogpu/explicit/internal/syncobj"
	"github.com/gogpu/explicit/native"
)

// Queue errors.
var (
	// ErrDeviceLost is returned once the native device was removed.
	ErrDeviceLost = errors.New("queue: device lost")

	// ErrTimeout is returned when WaitIdle gives up.
	ErrTimeout = errors.New("queue: timeout")

	// ErrInvalidSubmit is returned for a submission rejected before any
	// work was replayed.
	ErrInvalidSubmit = errors.New("queue: invalid submission")
)

// DefaultWaitIdleTimeout bounds WaitIdle when no timeout is configured.
const DefaultWaitIdleTimeout = 5 * time.Second

// Batch is one element of a submission.
type Batch struct {
	Waits   []*syncobj.Semaphore
	Buffers []*command.CommandBuffer
	Signals []*syncobj.Semaphore
}

// Presenter is a presentation target.
type Presenter interface {
	Present(index uint32) error
}

// Config configures a queue.
type Config struct {
	PollInterval    time.Duration
	WaitIdleTimeout time.Duration
}

// Queue is the single queue of a device.
type Queue struct {
	ctx    *exec.Context
	binder *memory.Binder
	cfg    Config
	idle   native.Query

	submits atomic.Uint64
}

// New creates the queue of ctx. binder flushes and invalidates coherent
// mappings around submissions and waits.
func New(ctx *exec.Context, binder *memory.Binder, cfg Config) (*Queue, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = exec.DefaultPollInterval
	}
	if cfg.WaitIdleTimeout <= 0 {
		cfg.WaitIdleTimeout = DefaultWaitIdleTimeout
	}
	q, err := ctx.Device().CreateQuery(native.QueryEvent)
	if err != nil {
		return nil, fmt.Errorf("queue: idle query: %w", err)
	}
	return &Queue{ctx: ctx, binder: binder, cfg: cfg, idle: q}, nil
}

// Submissions returns the number of accepted submissions.
func (q *Queue) Submissions() uint64 { return q.submits.Load() }

func (q *Queue) lost() error {
	if err := q.ctx.Lost(); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceLost, err)
	}
	return nil
}

func check(batches []Batch, fence *syncobj.Fence) error {
	for i, batch := range batches {
		for j, b := range batch.Buffers {
			if b == nil || b.Level() != command.LevelPrimary || b.Status() != command.StatusExecutable {
				return fmt.Errorf("%w: batch %d buffer %d is not an executable primary", ErrInvalidSubmit, i, j)
			}
		}
		for j, s := range batch.Waits {
			if s == nil {
				return fmt.Errorf("%w: batch %d wait %d is nil", ErrInvalidSubmit, i, j)
			}
		}
		for j, s := range batch.Signals {
			if s == nil {
				return fmt.Errorf("%w: batch %d signal %d is nil", ErrInvalidSubmit, i, j)
			}
		}
	}
	if fence != nil && fence.Pending() {
		return fmt.Errorf("%w: %w", ErrInvalidSubmit, syncobj.ErrInUse)
	}
	return nil
}

// Submit replays batches in order and attaches fence, which may be nil,
// to their completion. Per-command failures are reported through the
// context's sink and do not fail the submission; device loss does.
func (q *Queue) Submit(batches []Batch, fence *syncobj.Fence) error {
	if err := q.lost(); err != nil {
		return err
	}
	if err := check(batches, fence); err != nil {
		return err
	}
	if err := q.binder.FlushMapped(); err != nil {
		q.ctx.Sink().Warnf(diag.CategoryGeneral, 0, "queue: flush mapped memory: %v", err)
	}

	var bufs []*command.CommandBuffer
	for _, batch := range batches {
		bufs = append(bufs, batch.Buffers...)
	}
	n := q.submits.Add(1)

	q.ctx.Lock()
	defer q.ctx.Unlock()
	next := 0
	for _, batch := range batches {
		for _, s := range batch.Waits {
			s.Wait(q.ctx.Sink(), 0)
		}
		for _, b := range batch.Buffers {
			next++
			var following *command.CommandBuffer
			if next < len(bufs) {
				following = bufs[next]
			}
			err := b.Execute(q.ctx)
			if err != nil && native.IsDeviceLost(err) {
				return fmt.Errorf("%w: %w", ErrDeviceLost, err)
			}
			if err != nil {
				diag.Logger().Warn("queue: command buffer aborted", "submission", n, "buffer", b.Object(), "err", err)
			}
			b.Unwind(q.ctx, following)
			q.ctx.ResetTransientLocked()
			b.Submitted()
		}
		for _, s := range batch.Signals {
			s.Signal()
		}
	}
	if fence != nil {
		if err := fence.SubmitLocked(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSubmit, err)
		}
	}
	q.ctx.Native().Flush()
	diag.Logger().Debug("queue: submitted", "submission", n, "buffers", len(bufs), "fence", fence != nil)
	return q.lost()
}

// WaitIdle blocks until all submitted work completed, then refreshes
// mapped coherent memory. ctx bounds the wait in addition to the
// configured timeout.
func (q *Queue) WaitIdle(ctx context.Context) error {
	if err := q.lost(); err != nil {
		return err
	}
	q.ctx.Lock()
	nc := q.ctx.Native()
	nc.End(q.idle)
	nc.Flush()
	q.ctx.Unlock()

	ctx, cancel := context.WithTimeout(ctx, q.cfg.WaitIdleTimeout)
	defer cancel()
	if _, err := q.ctx.Poll(ctx, q.idle, q.cfg.PollInterval); err != nil {
		if errors.Is(err, exec.ErrTimeout) {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		if native.IsDeviceLost(err) {
			return fmt.Errorf("%w: %w", ErrDeviceLost, err)
		}
		return err
	}
	return q.binder.InvalidateMapped()
}

// Present consumes waits and presents one image per target. Every target
// is presented even if an earlier one fails; the errors are joined.
func (q *Queue) Present(targets []Presenter, indices []uint32, waits []*syncobj.Semaphore) error {
	if len(targets) != len(indices) {
		return fmt.Errorf("%w: %d targets, %d indices", ErrInvalidSubmit, len(targets), len(indices))
	}
	if err := q.lost(); err != nil {
		return err
	}
	for _, s := range waits {
		if s != nil {
			s.Wait(q.ctx.Sink(), 0)
		}
	}
	q.ctx.Lock()
	q.ctx.Native().Flush()
	q.ctx.Unlock()

	var errs []error
	for i, t := range targets {
		if err := t.Present(indices[i]); err != nil {
			errs = append(errs, fmt.Errorf("present %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Destroy releases the idle query.
func (q *Queue) Destroy() {
	q.idle.Release()
}
