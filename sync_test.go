package explicit

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/explicit/native"
	"github.com/gogpu/explicit/swapchain"
)

func TestFenceSemantics(t *testing.T) {
	for _, background := range []bool{false, true} {
		name := "polling"
		if background {
			name = "background"
		}
		t.Run(name, func(t *testing.T) {
			f := newDevice(t, WithBackgroundPoller(background))
			d := f.d
			fence, err := d.CreateFence(false)
			if err != nil {
				t.Fatal(err)
			}
			if got, err := d.GetFenceStatus(fence); err != nil || got != NotReady {
				t.Fatalf("new fence status = %v, %v; want NotReady", got, err)
			}
			if err := d.WaitForFences(context.Background(), []Fence{fence}, true, 0); !errors.Is(err, Timeout) {
				t.Errorf("zero-timeout wait on unsignaled fence = %v, want Timeout", err)
			}

			cb := f.record(t, f.commandPool(t), 0, func(cb CommandBuffer) { d.CmdPipelineBarrier(cb) })
			if err := d.QueueSubmit([]SubmitInfo{{CommandBuffers: []CommandBuffer{cb}}}, fence); err != nil {
				t.Fatal(err)
			}
			if err := d.QueueSubmit(nil, fence); !errors.Is(err, ErrorValidationFailed) {
				t.Errorf("submit with a pending fence = %v, want ErrorValidationFailed", err)
			}
			if err := d.WaitForFences(context.Background(), []Fence{fence}, true, time.Second); err != nil {
				t.Fatalf("WaitForFences: %v", err)
			}
			if got, _ := d.GetFenceStatus(fence); got != Success {
				t.Errorf("status after wait = %v, want Success", got)
			}
			if err := d.ResetFences([]Fence{fence}); err != nil {
				t.Fatal(err)
			}
			if got, _ := d.GetFenceStatus(fence); got != NotReady {
				t.Errorf("status after reset = %v, want NotReady", got)
			}
		})
	}
}

func TestWaitForAnyFence(t *testing.T) {
	f := newDevice(t)
	d := f.d
	signaled, err := d.CreateFence(true)
	if err != nil {
		t.Fatal(err)
	}
	pending, err := d.CreateFence(false)
	if err != nil {
		t.Fatal(err)
	}
	fences := []Fence{pending, signaled}
	if err := d.WaitForFences(context.Background(), fences, false, time.Millisecond); err != nil {
		t.Errorf("wait any = %v, want success", err)
	}
	if err := d.WaitForFences(context.Background(), fences, true, time.Millisecond); !errors.Is(err, Timeout) {
		t.Errorf("wait all = %v, want Timeout", err)
	}
	if err := d.WaitForFences(context.Background(), []Fence{99}, true, 0); !errors.Is(err, ErrorInvalidHandle) {
		t.Errorf("wait on unknown fence = %v, want ErrorInvalidHandle", err)
	}
}

func TestEvents(t *testing.T) {
	f := newDevice(t)
	d := f.d
	e, err := d.CreateEvent()
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := d.GetEventStatus(e); got != EventReset {
		t.Fatalf("new event = %v, want EventReset", got)
	}
	if err := d.SetEvent(e); err != nil {
		t.Fatal(err)
	}
	if got, _ := d.GetEventStatus(e); got != EventSet {
		t.Errorf("after SetEvent = %v, want EventSet", got)
	}

	cb := f.record(t, f.commandPool(t), 0, func(cb CommandBuffer) {
		d.CmdResetEvent(cb, e)
		d.CmdWaitEvents(cb, []Event{e})
		d.CmdSetEvent(cb, e)
	})
	if err := d.ResetEvent(e); err != nil {
		t.Fatal(err)
	}
	if err := d.QueueSubmit([]SubmitInfo{{CommandBuffers: []CommandBuffer{cb}}}, 0); err != nil {
		t.Fatal(err)
	}
	if got, _ := d.GetEventStatus(e); got != EventSet {
		t.Errorf("after replay = %v, want EventSet", got)
	}
	if f.obs.Count(SeverityWarning) == 0 {
		t.Error("waiting on a reset event was not reported")
	}
	if err := d.DestroyEvent(e); err != nil {
		t.Fatal(err)
	}
	if _, err := d.GetEventStatus(e); !errors.Is(err, ErrorInvalidHandle) {
		t.Errorf("status of destroyed event = %v, want ErrorInvalidHandle", err)
	}
}

func TestSemaphoreChain(t *testing.T) {
	f := newDevice(t)
	d := f.d
	sem, err := d.CreateSemaphore()
	if err != nil {
		t.Fatal(err)
	}
	pool := f.commandPool(t)
	a := f.record(t, pool, 0, func(cb CommandBuffer) { d.CmdPipelineBarrier(cb) })
	b := f.record(t, pool, 0, func(cb CommandBuffer) { d.CmdPipelineBarrier(cb) })
	err = d.QueueSubmit([]SubmitInfo{
		{CommandBuffers: []CommandBuffer{a}, SignalSemaphores: []Semaphore{sem}},
		{WaitSemaphores: []Semaphore{sem}, CommandBuffers: []CommandBuffer{b}},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n := f.obs.Count(SeverityWarning); n != 0 {
		t.Errorf("signaled semaphore wait reported: %v", f.obs.Reports())
	}

	if err := d.QueueSubmit([]SubmitInfo{{WaitSemaphores: []Semaphore{sem}, CommandBuffers: []CommandBuffer{b}}}, 0); err != nil {
		t.Fatal(err)
	}
	if f.obs.Count(SeverityWarning) == 0 {
		t.Error("wait on an unsignaled semaphore was not reported")
	}
	if err := d.DestroySemaphore(sem); err != nil {
		t.Fatal(err)
	}
}

func TestSwapchainPresent(t *testing.T) {
	f := newDevice(t)
	d := f.d
	sc, err := d.CreateSwapchain(SwapchainCreateInfo{Width: 4, Height: 4, Format: rgba, ImageCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	images, err := d.GetSwapchainImages(sc)
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 2 {
		t.Fatalf("images = %d, want 2", len(images))
	}
	if err := d.DestroyImage(images[0]); !errors.Is(err, ErrorValidationFailed) {
		t.Errorf("DestroyImage on a swapchain image = %v, want ErrorValidationFailed", err)
	}

	sem, _ := d.CreateSemaphore()
	fence, _ := d.CreateFence(false)
	i, err := d.AcquireNextImage(sc, time.Second, sem, fence)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := d.GetFenceStatus(fence); got != Success {
		t.Errorf("acquire fence = %v, want Success", got)
	}

	cb := f.record(t, f.commandPool(t), 0, func(cb CommandBuffer) {
		d.CmdClearColorImage(cb, images[i], f32.Vec4{0, 1, 0, 1}, []SubresourceRange{{MipCount: 1, LayerCount: 1}})
	})
	done, _ := d.CreateSemaphore()
	err = d.QueueSubmit([]SubmitInfo{{
		WaitSemaphores:   []Semaphore{sem},
		CommandBuffers:   []CommandBuffer{cb},
		SignalSemaphores: []Semaphore{done},
	}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.QueuePresent([]SwapchainKHR{sc}, []uint32{i}, []Semaphore{done}); err != nil {
		t.Fatalf("QueuePresent: %v", err)
	}
	if err := d.QueuePresent([]SwapchainKHR{sc}, []uint32{i}, nil); !errors.Is(err, ErrorValidationFailed) {
		t.Errorf("presenting an unacquired image = %v, want ErrorValidationFailed", err)
	}
	f.noErrors(t)

	if err := d.DestroySwapchain(sc); err != nil {
		t.Fatal(err)
	}
	if _, err := d.GetSwapchainImages(sc); !errors.Is(err, ErrorInvalidHandle) {
		t.Errorf("images of destroyed swapchain = %v, want ErrorInvalidHandle", err)
	}
	if err := d.DestroyImage(images[1]); !errors.Is(err, ErrorInvalidHandle) {
		t.Errorf("image of destroyed swapchain = %v, want ErrorInvalidHandle", err)
	}
}

func TestRegisteredSwapchain(t *testing.T) {
	f := newDevice(t)
	off, err := swapchain.NewOffscreen(f.nd, 2, 2, rgba, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer off.Destroy()
	sc, err := f.d.RegisterSwapchain(off)
	if err != nil {
		t.Fatal(err)
	}
	i, err := f.d.AcquireNextImage(sc, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.d.AcquireNextImage(sc, 0, 0, 0); !errors.Is(err, NotReady) {
		t.Errorf("acquire with no free image = %v, want NotReady", err)
	}
	if err := f.d.QueuePresent([]SwapchainKHR{sc}, []uint32{i}, nil); err != nil {
		t.Fatal(err)
	}
	if got := off.Presented(); len(got) != 1 || got[0] != i {
		t.Errorf("Presented = %v, want [%d]", got, i)
	}
	if err := f.d.DestroySwapchain(sc); err != nil {
		t.Fatal(err)
	}
	if _, err := off.AcquireNextImage(0); err != nil {
		t.Errorf("registered swapchain was destroyed with the handle: %v", err)
	}
}

func TestOcclusionQuery(t *testing.T) {
	f := newDevice(t)
	d := f.d
	pool, err := d.CreateQueryPool(QueryTypeOcclusion, 2)
	if err != nil {
		t.Fatal(err)
	}
	buf, _ := f.hostBuffer(t, 64, gputypes.BufferUsageVertex)
	p := f.pipeline(t, 0)
	cb := f.record(t, f.commandPool(t), 0, func(cb CommandBuffer) {
		d.CmdResetQueryPool(cb, pool, 0, 2)
		d.CmdBindPipeline(cb, p)
		d.CmdBindVertexBuffers(cb, 0, []Buffer{buf}, []uint64{0})
		d.CmdBeginQuery(cb, pool, 0)
		d.CmdDraw(cb, 3, 2, 0, 0)
		d.CmdEndQuery(cb, pool, 0)
	})
	if err := d.QueueSubmit([]SubmitInfo{{CommandBuffers: []CommandBuffer{cb}}}, 0); err != nil {
		t.Fatal(err)
	}

	data := make([]byte, 16)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.GetQueryPoolResults(ctx, pool, 0, 1, data, 8, QueryResult64|QueryResultWait); err != nil {
		t.Fatalf("GetQueryPoolResults: %v", err)
	}
	if got := binary.LittleEndian.Uint64(data); got != 6 {
		t.Errorf("samples = %d, want 6", got)
	}
	if err := d.GetQueryPoolResults(ctx, pool, 1, 1, data, 8, QueryResult64); !errors.Is(err, NotReady) {
		t.Errorf("unissued query = %v, want NotReady", err)
	}
	if err := d.GetQueryPoolResults(ctx, pool, 0, 3, data, 8, 0); !errors.Is(err, ErrorValidationFailed) {
		t.Errorf("out of range = %v, want ErrorValidationFailed", err)
	}
	if err := d.DestroyQueryPool(pool); err != nil {
		t.Fatal(err)
	}
}

func TestTimestampQueriesNeedFeature(t *testing.T) {
	f := newDevice(t)
	if _, err := f.d.CreateQueryPool(QueryTypeTimestamp, 1); !errors.Is(err, ErrorFeatureNotPresent) {
		t.Errorf("timestamp pool without the feature = %v, want ErrorFeatureNotPresent", err)
	}
	f = newDevice(t, WithFeatures(Features{Timestamps: true}))
	if _, err := f.d.CreateQueryPool(QueryTypeTimestamp, 1); err != nil {
		t.Errorf("timestamp pool = %v", err)
	}
	if _, err := f.d.CreateQueryPool(QueryTypePipelineStatistics, 1); !errors.Is(err, ErrorFeatureNotPresent) {
		t.Errorf("statistics pool = %v, want ErrorFeatureNotPresent", err)
	}
}

func TestDeviceLost(t *testing.T) {
	f := newDevice(t)
	cb := f.record(t, f.commandPool(t), 0, func(cb CommandBuffer) { f.d.CmdPipelineBarrier(cb) })
	f.nd.Remove(native.CodeDeviceRemoved)
	if err := f.d.QueueSubmit([]SubmitInfo{{CommandBuffers: []CommandBuffer{cb}}}, 0); !errors.Is(err, ErrorDeviceLost) {
		t.Errorf("submit after removal = %v, want ErrorDeviceLost", err)
	}
	if f.obs.Count(SeverityError) == 0 {
		t.Error("device loss was not reported at error severity")
	}
}
