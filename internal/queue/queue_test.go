package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/explicit/internal/command"
	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/internal/memory"
	"github.com/gogpu/explicit/internal/syncobj"
	"github.com/gogpu/explicit/native"
	"github.com/gogpu/explicit/native/soft"
	"github.com/gogpu/explicit/swapchain"
)

type fixture struct {
	dev    *soft.Device
	ctx    *exec.Context
	obs    *diag.Collector
	binder *memory.Binder
	queue  *Queue
	pool   *command.Pool
	mem    *memory.Memory
	offset uint64
}

func newFixture(t *testing.T, opts soft.Options, cfg Config) *fixture {
	t.Helper()
	f := &fixture{dev: soft.New(opts), obs: &diag.Collector{}}
	sink := diag.NewSink(f.obs)
	f.ctx = exec.New(f.dev, sink)
	f.binder = memory.NewBinder(f.dev, f.ctx, sink)
	var err error
	if f.queue, err = New(f.ctx, f.binder, cfg); err != nil {
		t.Fatal(err)
	}
	if f.mem, err = f.binder.Allocate(1<<16, memory.TypeHostCoherent); err != nil {
		t.Fatal(err)
	}
	f.pool = command.NewPool(command.PoolResetIndividual, command.Config{Sink: sink})
	t.Cleanup(func() {
		f.pool.Destroy()
		f.mem.Free()
		f.queue.Destroy()
		f.ctx.Close()
		_ = f.dev.Close()
	})
	return f
}

func (f *fixture) buffer(t *testing.T, size uint64, usage gputypes.BufferUsage) *memory.Buffer {
	t.Helper()
	buf, err := f.binder.NewBuffer(memory.BufferInfo{Size: size, Usage: usage})
	if err != nil {
		t.Fatal(err)
	}
	req := buf.Requirements()
	f.offset = (f.offset + req.Alignment - 1) / req.Alignment * req.Alignment
	if err := f.binder.BindBuffer(buf, f.mem, f.offset); err != nil {
		t.Fatal(err)
	}
	f.offset += req.Size
	t.Cleanup(buf.Destroy)
	return buf
}

func (f *fixture) record(t *testing.T, usage command.Usage, fn func(b *command.CommandBuffer)) *command.CommandBuffer {
	t.Helper()
	bufs, err := f.pool.Allocate(command.LevelPrimary, 1)
	if err != nil {
		t.Fatal(err)
	}
	b := bufs[0]
	if err := b.Begin(usage, nil); err != nil {
		t.Fatal(err)
	}
	fn(b)
	if err := b.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	return b
}

func count(entries []soft.Entry, op string) int {
	n := 0
	for _, e := range entries {
		if e.Op == op {
			n++
		}
	}
	return n
}

func TestSubmitUnwindsBetweenBuffers(t *testing.T) {
	f := newFixture(t, soft.Options{}, Config{})
	ib := f.buffer(t, 64, gputypes.BufferUsageIndex)
	vb := f.buffer(t, 64, gputypes.BufferUsageVertex)
	first := f.record(t, 0, func(b *command.CommandBuffer) {
		b.BindIndexBuffer(ib, 0, gputypes.IndexFormatUint16)
		b.BindVertexBuffers(0, []*memory.Buffer{vb}, []uint64{0})
	})
	second := f.record(t, 0, func(b *command.CommandBuffer) {
		b.BindIndexBuffer(ib, 4, gputypes.IndexFormatUint32)
	})

	trace := f.dev.Trace()
	start := trace.Len()
	if err := f.queue.Submit([]Batch{{Buffers: []*command.CommandBuffer{first}}, {Buffers: []*command.CommandBuffer{second}}}, nil); err != nil {
		t.Fatal(err)
	}
	entries := trace.Since(start)
	// Two binds and one final removal; the first buffer's index buffer is
	// not removed because the second binds one.
	if got := count(entries, "IASetIndexBuffer"); got != 3 {
		t.Errorf("IASetIndexBuffer calls = %d, want 3:\n%v", got, entries)
	}
	if got := count(entries, "IASetVertexBuffers"); got != 2 {
		t.Errorf("IASetVertexBuffers calls = %d, want bind and removal", got)
	}
	if got := count(entries, "Flush"); got != 1 {
		t.Errorf("Flush calls = %d, want 1", got)
	}
	st := f.dev.Context().State()
	if st.IndexBuffer != nil || st.VertexBuffers[0].Buffer != nil {
		t.Errorf("state leaked after submission: index %v vertex %v", st.IndexBuffer, st.VertexBuffers[0].Buffer)
	}
	if f.queue.Submissions() != 1 {
		t.Errorf("Submissions = %d", f.queue.Submissions())
	}
}

func TestSubmitRejectsWithoutSideEffects(t *testing.T) {
	f := newFixture(t, soft.Options{QueryLatency: 1 << 20}, Config{})
	ready := f.record(t, 0, func(b *command.CommandBuffer) { b.PipelineBarrier() })
	bufs, err := f.pool.Allocate(command.LevelPrimary, 1)
	if err != nil {
		t.Fatal(err)
	}
	fence, err := syncobj.NewFence(f.ctx, false, time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer fence.Destroy()
	if err := f.queue.Submit(nil, fence); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		batches []Batch
		fence   *syncobj.Fence
	}{
		{"initial buffer", []Batch{{Buffers: []*command.CommandBuffer{ready, bufs[0]}}}, nil},
		{"nil signal", []Batch{{Buffers: []*command.CommandBuffer{ready}, Signals: []*syncobj.Semaphore{nil}}}, nil},
		{"pending fence", []Batch{{Buffers: []*command.CommandBuffer{ready}}}, fence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := f.dev.Trace().Len()
			if err := f.queue.Submit(tt.batches, tt.fence); !errors.Is(err, ErrInvalidSubmit) {
				t.Errorf("Submit = %v, want ErrInvalidSubmit", err)
			}
			if got := f.dev.Trace().Since(start); len(got) != 0 {
				t.Errorf("rejected submit replayed %v", got)
			}
		})
	}
}

func TestSubmitSignalsFence(t *testing.T) {
	f := newFixture(t, soft.Options{QueryLatency: 2}, Config{})
	b := f.record(t, command.OneTimeSubmit, func(b *command.CommandBuffer) { b.PipelineBarrier() })
	fence, err := syncobj.NewFence(f.ctx, false, time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer fence.Destroy()

	if err := f.queue.Submit([]Batch{{Buffers: []*command.CommandBuffer{b}}}, fence); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fence.Wait(ctx); err != nil {
		t.Fatalf("fence wait: %v", err)
	}
	if b.Status() != command.StatusInvalid {
		t.Errorf("one-time buffer status = %v, want Invalid", b.Status())
	}
	if err := f.queue.Submit([]Batch{{Buffers: []*command.CommandBuffer{b}}}, nil); !errors.Is(err, ErrInvalidSubmit) {
		t.Errorf("resubmit = %v, want ErrInvalidSubmit", err)
	}
}

func TestSemaphores(t *testing.T) {
	f := newFixture(t, soft.Options{}, Config{})
	s := syncobj.NewSemaphore("frame")
	b := f.record(t, 0, func(b *command.CommandBuffer) { b.PipelineBarrier() })
	batches := []Batch{
		{Buffers: []*command.CommandBuffer{b}, Signals: []*syncobj.Semaphore{s}},
		{Waits: []*syncobj.Semaphore{s}, Buffers: []*command.CommandBuffer{b}},
	}
	if err := f.queue.Submit(batches, nil); err != nil {
		t.Fatal(err)
	}
	if n := f.obs.Count(diag.SeverityWarning); n != 0 {
		t.Errorf("signalled wait reported %v", f.obs.Reports())
	}
	if s.Signaled() {
		t.Error("wait did not consume the signal")
	}
	if err := f.queue.Submit([]Batch{{Waits: []*syncobj.Semaphore{s}}}, nil); err != nil {
		t.Fatal(err)
	}
	if n := f.obs.Count(diag.SeverityWarning); n != 1 {
		t.Errorf("unsignalled wait warnings = %d, want 1", n)
	}
}

func TestWaitIdle(t *testing.T) {
	f := newFixture(t, soft.Options{QueryLatency: 3}, Config{PollInterval: time.Microsecond})
	buf := f.buffer(t, 16, gputypes.BufferUsageCopyDst)
	data, err := f.mem.Map(0, memory.WholeSize)
	if err != nil {
		t.Fatal(err)
	}
	defer f.mem.Unmap()
	b := f.record(t, 0, func(b *command.CommandBuffer) {
		b.FillBuffer(buf, 0, command.WholeSize, 0xDEADBEEF)
	})
	if err := f.queue.Submit([]Batch{{Buffers: []*command.CommandBuffer{b}}}, nil); err != nil {
		t.Fatal(err)
	}
	if err := f.queue.WaitIdle(context.Background()); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if got := binary.LittleEndian.Uint32(data); got != 0xDEADBEEF {
		t.Errorf("mapped word after WaitIdle = %#x, want the fill", got)
	}
}

func TestWaitIdleTimeout(t *testing.T) {
	f := newFixture(t, soft.Options{QueryLatency: 1 << 20}, Config{PollInterval: time.Millisecond, WaitIdleTimeout: 5 * time.Millisecond})
	if err := f.queue.WaitIdle(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Errorf("WaitIdle = %v, want ErrTimeout", err)
	}
}

func TestDeviceLost(t *testing.T) {
	f := newFixture(t, soft.Options{}, Config{})
	b := f.record(t, 0, func(b *command.CommandBuffer) { b.Dispatch(1, 1, 1) })
	f.dev.Remove(native.CodeDeviceRemoved)
	if err := f.queue.Submit([]Batch{{Buffers: []*command.CommandBuffer{b}}}, nil); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("Submit = %v, want ErrDeviceLost", err)
	}
	if err := f.queue.WaitIdle(context.Background()); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("WaitIdle = %v, want ErrDeviceLost", err)
	}
}

func TestPresent(t *testing.T) {
	f := newFixture(t, soft.Options{}, Config{})
	sc, err := swapchain.NewOffscreen(f.dev, 4, 4, gputypes.TextureFormatRGBA8Unorm, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer sc.Destroy()
	i, err := sc.AcquireNextImage(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.queue.Present([]Presenter{sc}, []uint32{i, 0}, nil); !errors.Is(err, ErrInvalidSubmit) {
		t.Errorf("mismatched Present = %v, want ErrInvalidSubmit", err)
	}
	if err := f.queue.Present([]Presenter{sc}, []uint32{i}, nil); err != nil {
		t.Fatal(err)
	}
	if got := sc.Presented(); len(got) != 1 || got[0] != i {
		t.Errorf("Presented = %v, want [%d]", got, i)
	}
	if err := f.queue.Present([]Presenter{sc}, []uint32{i}, nil); !errors.Is(err, swapchain.ErrNotAcquired) {
		t.Errorf("second Present = %v, want ErrNotAcquired", err)
	}
}
