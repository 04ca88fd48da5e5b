// Package exec wraps the native immediate context that every submission
// replays against.
//
// A Context serializes access to the native context with a mutex shared by
// the queue (which holds it for a whole submission) and the memory binder
// (which takes it for each host transfer). Methods with a Locked suffix
// expect the caller to hold the lock.
package exec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/native"
)

// Errors returned by transfers.
var (
	// ErrNotReadable is returned when reading back a resource whose native
	// usage has no read path.
	ErrNotReadable = errors.New("exec: resource is not readable")

	// ErrPartialDiscard is returned for a partial write to a dynamic
	// resource, which would discard the rest of its contents.
	ErrPartialDiscard = errors.New("exec: partial write to a discard-mapped resource")
)

// Context is the execution context of one queue.
type Context struct {
	mu sync.Mutex

	dev  native.Device
	nc   native.Context
	sink *diag.Sink

	// uavs is the number of UAV slots bound per stage since the last
	// ResetTransient.
	uavs [native.NumStages]uint32

	lost     error
	failures int

	scratchBuffers  map[uint64]native.Buffer
	scratchTextures map[native.TextureDesc]native.Texture
}

// New wraps the immediate context of dev.
func New(dev native.Device, sink *diag.Sink) *Context {
	return &Context{
		dev:             dev,
		nc:              dev.ImmediateContext(),
		sink:            sink,
		scratchBuffers:  make(map[uint64]native.Buffer),
		scratchTextures: make(map[native.TextureDesc]native.Texture),
	}
}

// Lock acquires exclusive use of the native context.
func (c *Context) Lock() { c.mu.Lock() }

// Unlock releases the native context.
func (c *Context) Unlock() { c.mu.Unlock() }

// Native returns the native immediate context.
func (c *Context) Native() native.Context { return c.nc }

// Device returns the native device.
func (c *Context) Device() native.Device { return c.dev }

// Sink returns the diagnostics sink.
func (c *Context) Sink() *diag.Sink { return c.sink }

// BindUAVsLocked binds unordered access views and remembers them as
// transient state.
func (c *Context) BindUAVsLocked(stage native.Stage, start uint32, views []native.UnorderedAccessView) {
	c.nc.SetUnorderedAccessViews(stage, start, views)
	if end := start + uint32(len(views)); end > c.uavs[stage] {
		c.uavs[stage] = end
	}
}

// ResetTransientLocked unbinds every UAV bound since the last reset.
func (c *Context) ResetTransientLocked() {
	for stage, n := range c.uavs {
		if n == 0 {
			continue
		}
		c.nc.SetUnorderedAccessViews(native.Stage(stage), 0, make([]native.UnorderedAccessView, n))
		c.uavs[stage] = 0
	}
}

// TransientUAVs returns the number of UAV slots currently tracked for stage.
func (c *Context) TransientUAVs(stage native.Stage) uint32 { return c.uavs[stage] }

// Fail reports a failed operation and records device loss. It returns err.
func (c *Context) Fail(op string, object uint64, err error) error {
	c.failures++
	if native.IsDeviceLost(err) {
		if c.lost == nil {
			c.lost = err
			diag.Logger().Error("exec: device lost", "op", op, "err", err)
		}
		c.sink.Errorf(diag.CategoryGeneral, object, "%s: device lost: %v", op, err)
		return err
	}
	c.sink.Warnf(diag.CategoryGeneral, object, "%s: %v", op, err)
	return err
}

// Lost returns the device-loss error seen during replay, if any.
func (c *Context) Lost() error {
	if c.lost != nil {
		return c.lost
	}
	if err := c.dev.RemovedReason(); err != nil {
		c.lost = err
	}
	return c.lost
}

// Failures returns the number of failures reported through Fail.
func (c *Context) Failures() int { return c.failures }

// ResetLocked returns the native context to its default state.
func (c *Context) ResetLocked() {
	c.nc.ClearState()
	c.uavs = [native.NumStages]uint32{}
}

// Close releases the scratch resources.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, b := range c.scratchBuffers {
		b.Release()
		delete(c.scratchBuffers, k)
	}
	for k, t := range c.scratchTextures {
		t.Release()
		delete(c.scratchTextures, k)
	}
}

func (c *Context) String() string {
	return fmt.Sprintf("exec.Context{failures: %d, lost: %v}", c.failures, c.lost != nil)
}
