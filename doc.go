// Package explicit provides an explicit GPU programming interface on top of
// an immediate-mode native device.
//
// # Overview
//
// Applications allocate memory and bind it to buffers and images, build
// immutable pipelines once, record command buffers once, and submit them to
// the device queue as often as they like. The native device underneath
// knows none of this: it has a single immediate context on which state is
// set incrementally and work runs in call order. explicit bridges the two
// models:
//
//   - command buffers record value-typed commands that bake in every input
//     at record time and replay them on the immediate context
//   - pipelines create every native state object at creation time
//   - memory allocations keep a host shadow and create native resources
//     lazily on first bind
//   - fences and events are emulated with native event queries
//
// # Quick Start
//
//	nd, _, _ := native.Open("")
//	dev, err := explicit.NewDevice(nd, explicit.WithObserver(myObserver))
//	if err != nil {
//	    return err
//	}
//	defer dev.Destroy()
//
//	mem, _ := dev.AllocateMemory(256, explicit.MemoryTypeHostCoherent)
//	buf, _ := dev.CreateBuffer(explicit.BufferCreateInfo{
//	    Size:  256,
//	    Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
//	})
//	_ = dev.BindBufferMemory(buf, mem, 0)
//
// # Handles
//
// Every entity is an opaque handle into a per-type table owned by the
// Device. A zero handle is the null handle. Using a destroyed or foreign
// handle returns ErrorInvalidHandle.
//
// # Errors
//
// Entry points return nil or a [Result]. Native failures are mapped through
// a fixed table and also reported to the observer. Failures of individual
// commands during replay are reported to the observer only.
//
// # Concurrency
//
// A command buffer must be recorded by one goroutine at a time. Queue
// operations are serialized internally on the single native context.
package explicit
