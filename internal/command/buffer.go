package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/internal/pipeline"
)

// Command buffer errors.
var (
	// ErrNotRecording is returned by End, and remembered for End, when a
	// command is recorded outside Begin and End.
	ErrNotRecording = errors.New("command: buffer is not recording")

	// ErrNotExecutable is returned when executing a buffer that has not
	// been ended, was invalidated, or was already submitted once.
	ErrNotExecutable = errors.New("command: buffer is not executable")

	// ErrResetNotAllowed is returned when resetting a single buffer of a
	// pool created without PoolResetIndividual.
	ErrResetNotAllowed = errors.New("command: pool does not allow individual reset")

	// ErrPoolDestroyed is returned for allocations from a destroyed pool.
	ErrPoolDestroyed = errors.New("command: pool was destroyed")

	// ErrFreed is returned for operations on a freed buffer.
	ErrFreed = errors.New("command: buffer was freed")

	// ErrInvalidUsage is returned by End when a command was recorded with
	// arguments that cannot be replayed.
	ErrInvalidUsage = errors.New("command: invalid command arguments")

	// ErrAborted is returned by Execute when AbortCommandBuffer stopped the
	// buffer at a failing command.
	ErrAborted = errors.New("command: buffer aborted")
)

// FailurePolicy decides what replay does after a command fails.
type FailurePolicy uint8

// Failure policies.
const (
	// ContinueOnFailure reports the failure and runs the remaining
	// commands.
	ContinueOnFailure FailurePolicy = iota
	// AbortCommandBuffer reports the failure and skips the rest of the
	// buffer. Later buffers of the submission still run.
	AbortCommandBuffer
)

func (p FailurePolicy) String() string {
	if p == AbortCommandBuffer {
		return "abort"
	}
	return "continue"
}

// Level is the command buffer level.
type Level uint8

// Levels.
const (
	LevelPrimary Level = iota
	LevelSecondary
)

func (l Level) String() string {
	if l == LevelSecondary {
		return "secondary"
	}
	return "primary"
}

// Status is the lifecycle state of a command buffer.
type Status uint8

// Command buffer states.
const (
	StatusInitial Status = iota
	StatusRecording
	StatusExecutable
	StatusInvalid
)

var statusNames = [...]string{
	StatusInitial:    "initial",
	StatusRecording:  "recording",
	StatusExecutable: "executable",
	StatusInvalid:    "invalid",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// Usage flags passed to Begin.
type Usage uint8

// Usage flags.
const (
	// OneTimeSubmit makes the buffer invalid after its first submission.
	OneTimeSubmit Usage = 1 << iota
	// RenderPassContinue marks a secondary buffer recorded entirely inside
	// the render pass given by its Inheritance.
	RenderPassContinue
	// SimultaneousUse allows a buffer to be submitted while pending.
	SimultaneousUse
)

// Has reports whether all flags in f are set.
func (u Usage) Has(f Usage) bool { return u&f == f }

// PoolFlags are command pool creation flags.
type PoolFlags uint8

// Pool flags.
const (
	// PoolTransient hints that buffers are short-lived.
	PoolTransient PoolFlags = 1 << iota
	// PoolResetIndividual allows Reset and implicit reset in Begin on
	// single buffers.
	PoolResetIndividual
)

// Has reports whether all flags in f are set.
func (f PoolFlags) Has(g PoolFlags) bool { return f&g == g }

// DefaultWaitTimeout bounds the waits commands perform during replay.
const DefaultWaitTimeout = 5 * time.Second

// Config carries what recording and replay need from the device.
type Config struct {
	// Policy decides what replay does after a failing command.
	Policy FailurePolicy
	// WaitTimeout bounds waits inside replay, such as copying query
	// results with the wait flag. Zero means DefaultWaitTimeout.
	WaitTimeout time.Duration
	// Cache supplies depth-stencil and rasterizer objects for dynamic
	// state. It is required for dynamic depth bias and depth-stencil.
	Cache *pipeline.StateCache
	// Sink receives recording diagnostics.
	Sink *diag.Sink
}

// Pool allocates command buffers and owns their lifetime.
type Pool struct {
	flags PoolFlags
	cfg   Config

	mu        sync.Mutex
	buffers   map[*CommandBuffer]struct{}
	destroyed bool
}

// NewPool creates a command pool.
func NewPool(flags PoolFlags, cfg Config) *Pool {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	return &Pool{flags: flags, cfg: cfg, buffers: make(map[*CommandBuffer]struct{})}
}

// Flags returns the creation flags.
func (p *Pool) Flags() PoolFlags { return p.flags }

// Config returns the pool configuration.
func (p *Pool) Config() Config { return p.cfg }

// Allocate creates n buffers of level in the initial state.
func (p *Pool) Allocate(level Level, n int) ([]*CommandBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil, ErrPoolDestroyed
	}
	bufs := make([]*CommandBuffer, n)
	for i := range bufs {
		b := &CommandBuffer{pool: p, level: level}
		p.buffers[b] = struct{}{}
		bufs[i] = b
	}
	diag.Logger().Debug("command: allocated buffers", "level", level, "count", n)
	return bufs, nil
}

// Free releases buffers back to the pool. Freed buffers are invalid.
func (p *Pool) Free(bufs ...*CommandBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range bufs {
		if b == nil || b.pool != p {
			continue
		}
		delete(p.buffers, b)
		b.invalidate(true)
	}
}

// Reset returns every buffer of the pool to the initial state.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for b := range p.buffers {
		b.mu.Lock()
		b.resetLocked()
		b.mu.Unlock()
	}
}

// Destroy invalidates every buffer the pool produced.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for b := range p.buffers {
		b.invalidate(true)
	}
	clear(p.buffers)
	p.destroyed = true
}

// Live returns the number of buffers allocated and not freed.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// CommandBuffer is a recorded command sequence plus the recording-time
// state used to bake each command's inputs.
//
// Recording is single-writer. Execute may run any number of times and
// never mutates the buffer.
type CommandBuffer struct {
	pool   *Pool
	level  Level
	object uint64

	mu       sync.Mutex
	status   Status
	freed    bool
	usage    Usage
	commands []Command
	mask     StateMask
	err      error

	rec recordState
}

// SetObject sets the handle reported with diagnostics.
func (b *CommandBuffer) SetObject(h uint64) { b.object = h }

// Object returns the handle reported with diagnostics.
func (b *CommandBuffer) Object() uint64 { return b.object }

// Level returns the buffer level.
func (b *CommandBuffer) Level() Level { return b.level }

// Pool returns the owning pool, or nil for a clone.
func (b *CommandBuffer) Pool() *Pool { return b.pool }

// Status returns the lifecycle state.
func (b *CommandBuffer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Usage returns the flags given to Begin.
func (b *CommandBuffer) Usage() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usage
}

// Commands returns the recorded commands. The slice must not be modified.
func (b *CommandBuffer) Commands() []Command { return b.commands }

// Len returns the number of recorded commands.
func (b *CommandBuffer) Len() int { return len(b.commands) }

// Mask returns the binding groups the buffer sets, including those of the
// secondary buffers it executes.
func (b *CommandBuffer) Mask() StateMask { return b.mask }

func (b *CommandBuffer) config() Config {
	if b.pool == nil {
		return Config{WaitTimeout: DefaultWaitTimeout}
	}
	return b.pool.cfg
}

// Begin starts recording. A buffer that is not in the initial state is
// reset first, which its pool must allow. inherit is the render pass
// state of a secondary buffer and may be nil.
func (b *CommandBuffer) Begin(usage Usage, inherit *Inheritance) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return ErrFreed
	}
	switch b.status {
	case StatusInitial:
	case StatusRecording, StatusExecutable, StatusInvalid:
		if b.pool == nil || !b.pool.flags.Has(PoolResetIndividual) {
			return ErrResetNotAllowed
		}
		b.resetLocked()
	}
	b.status, b.usage = StatusRecording, usage
	b.rec = newRecordState()
	if b.level == LevelSecondary && inherit != nil && usage.Has(RenderPassContinue) {
		b.rec.pass, b.rec.framebuffer, b.rec.subpass = inherit.Pass, inherit.Framebuffer, inherit.Subpass
		b.rec.inPass = true
	}
	return nil
}

// End finishes recording. It returns the first recording error, in which
// case the buffer becomes invalid.
func (b *CommandBuffer) End() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return ErrFreed
	}
	if b.status != StatusRecording {
		return ErrNotRecording
	}
	if b.err == nil && b.level == LevelPrimary && b.rec.inPass {
		b.err = fmt.Errorf("%w: render pass not ended", ErrInvalidUsage)
	}
	if b.err != nil {
		b.status = StatusInvalid
		return b.err
	}
	b.status = StatusExecutable
	diag.Logger().Debug("command: recorded", "object", b.object, "commands", len(b.commands), "mask", b.mask)
	return nil
}

// Reset clears the commands and recording state. The pool must allow
// individual reset.
func (b *CommandBuffer) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return ErrFreed
	}
	if b.pool == nil || !b.pool.flags.Has(PoolResetIndividual) {
		return ErrResetNotAllowed
	}
	b.resetLocked()
	return nil
}

func (b *CommandBuffer) resetLocked() {
	if b.freed {
		return
	}
	b.status = StatusInitial
	b.usage = 0
	b.commands = nil
	b.mask = 0
	b.err = nil
	b.rec = recordState{}
}

func (b *CommandBuffer) invalidate(freed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = StatusInvalid
	b.commands = nil
	b.rec = recordState{}
	b.freed = b.freed || freed
}

// Submitted marks the buffer as submitted once. A one-time-submit buffer
// becomes invalid.
func (b *CommandBuffer) Submitted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusExecutable && b.usage.Has(OneTimeSubmit) {
		b.status = StatusInvalid
	}
}

// Execute replays the commands in order on ctx. The caller holds the
// context lock. Failing commands are reported through the context; the
// returned error is non-nil only for device loss, or when the failure
// policy aborted the buffer.
func (b *CommandBuffer) Execute(ctx *exec.Context) error {
	if st := b.Status(); st != StatusExecutable {
		return fmt.Errorf("%w: %v", ErrNotExecutable, st)
	}
	if b.level != LevelPrimary {
		return fmt.Errorf("%w: secondary buffers run through ExecuteSecondary", ErrNotExecutable)
	}
	cfg := b.config()
	wait, cancel := context.WithTimeout(context.Background(), cfg.WaitTimeout)
	defer cancel()
	r := &replayer{ctx: ctx, wait: wait, policy: cfg.Policy, object: b.object}
	return r.run(b.commands)
}

// Unwind runs the remove steps of the binding commands whose group the
// next buffer does not set. next may be nil when b was the last buffer.
// The caller holds the context lock.
func (b *CommandBuffer) Unwind(ctx *exec.Context, next *CommandBuffer) {
	var keep StateMask
	if next != nil {
		keep = next.mask
	}
	var done StateMask
	unwind(ctx, b.commands, keep, &done)
}

// unwind walks cmds backwards, secondary buffers included. Pipeline and
// index buffer groups are single-slot, so only their last binding is
// removed.
func unwind(ctx *exec.Context, cmds []Command, keep StateMask, done *StateMask) {
	const single = GroupGraphicsPipeline | GroupComputePipeline | GroupIndexBuffer
	for i := len(cmds) - 1; i >= 0; i-- {
		if sec, ok := cmds[i].(ExecuteSecondaryCommand); ok {
			for j := len(sec.Buffers) - 1; j >= 0; j-- {
				unwind(ctx, sec.Buffers[j].commands, keep, done)
			}
			continue
		}
		g := group(cmds[i])
		if g == 0 || keep.Has(g) || (g&single != 0 && done.Has(g)) {
			continue
		}
		remove(ctx, cmds[i])
		*done |= g
	}
}

// Clone returns an executable copy of b that owns deep copies of its
// commands and belongs to no pool.
func (b *CommandBuffer) Clone() *CommandBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &CommandBuffer{
		level:  b.level,
		object: b.object,
		status: b.status,
		usage:  b.usage &^ OneTimeSubmit,
		mask:   b.mask,
	}
	if b.status == StatusRecording {
		c.status = StatusExecutable
	}
	c.commands = make([]Command, len(b.commands))
	for i, cmd := range b.commands {
		c.commands[i] = clone(cmd)
	}
	return c
}

func (b *CommandBuffer) String() string {
	return fmt.Sprintf("CommandBuffer{%v, %v, %d commands}", b.level, b.Status(), len(b.commands))
}
