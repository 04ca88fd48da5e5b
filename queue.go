package explicit

import (
	"context"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/explicit/internal/queue"
	"github.com/gogpu/explicit/swapchain"
)

// Swapchain is a presentation target that can be registered with a device.
type Swapchain = swapchain.Swapchain

// SubmitInfo is one batch of a submission. Waits are consumed before the
// buffers run and signals are set after them.
type SubmitInfo struct {
	WaitSemaphores   []Semaphore
	CommandBuffers   []CommandBuffer
	SignalSemaphores []Semaphore
}

// QueueSubmit replays the command buffers of batches in order on the
// device queue. fence, if not null, signals when the work completes.
// Nothing runs when any handle is invalid.
func (d *Device) QueueSubmit(batches []SubmitInfo, fence Fence) error {
	f, err := d.fences.getOpt(fence)
	if err != nil {
		return d.fail("QueueSubmit", uint64(fence), err)
	}
	qb := make([]queue.Batch, len(batches))
	for i, b := range batches {
		waits, err := getAll(d.semaphores, b.WaitSemaphores)
		if err != nil {
			return d.fail("QueueSubmit", 0, err)
		}
		bufs, err := getAll(d.cmdBuffers, b.CommandBuffers)
		if err != nil {
			return d.fail("QueueSubmit", 0, err)
		}
		signals, err := getAll(d.semaphores, b.SignalSemaphores)
		if err != nil {
			return d.fail("QueueSubmit", 0, err)
		}
		qb[i] = queue.Batch{Waits: waits, Buffers: bufs, Signals: signals}
	}
	return d.fail("QueueSubmit", uint64(fence), d.queue.Submit(qb, f))
}

// QueueWaitIdle waits until all submitted work completed, bounded by the
// configured idle timeout and ctx.
func (d *Device) QueueWaitIdle(ctx context.Context) error {
	return d.fail("QueueWaitIdle", 0, d.queue.WaitIdle(ctx))
}

// QueuePresent presents images[i] of swapchains[i] after consuming waits.
func (d *Device) QueuePresent(swapchains []SwapchainKHR, images []uint32, waits []Semaphore) error {
	entries, err := getAll(d.swapchains, swapchains)
	if err != nil {
		return d.fail("QueuePresent", 0, err)
	}
	sems, err := getAll(d.semaphores, waits)
	if err != nil {
		return d.fail("QueuePresent", 0, err)
	}
	targets := make([]queue.Presenter, len(entries))
	for i, e := range entries {
		targets[i] = e.sc
	}
	return d.fail("QueuePresent", 0, d.queue.Present(targets, images, sems))
}

// SwapchainCreateInfo describes an offscreen swapchain.
type SwapchainCreateInfo struct {
	Width      uint32
	Height     uint32
	Format     gputypes.TextureFormat
	ImageCount int
}

type swapchainEntry struct {
	sc     Swapchain
	owned  bool
	images []Image
}

// CreateSwapchain creates an offscreen swapchain owned by the device.
func (d *Device) CreateSwapchain(info SwapchainCreateInfo) (SwapchainKHR, error) {
	n := info.ImageCount
	if n <= 0 {
		n = 2
	}
	sc, err := swapchain.NewOffscreen(d.nd, info.Width, info.Height, info.Format, n)
	if err != nil {
		return 0, d.fail("CreateSwapchain", 0, err)
	}
	return d.addSwapchain(sc, true), nil
}

// RegisterSwapchain makes sc usable with the device. The caller keeps
// ownership of sc and its textures.
func (d *Device) RegisterSwapchain(sc Swapchain) (SwapchainKHR, error) {
	if sc == nil {
		return 0, d.fail("RegisterSwapchain", 0, ErrorValidationFailed)
	}
	return d.addSwapchain(sc, false), nil
}

func (d *Device) addSwapchain(sc Swapchain, owned bool) SwapchainKHR {
	e := &swapchainEntry{sc: sc, owned: owned}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, tex := range sc.Images() {
		e.images = append(e.images, d.images.insert(d.binder.NewExternalImage(tex)))
	}
	return d.swapchains.insert(e)
}

// GetSwapchainImages returns the images of sc in index order. They cannot
// be destroyed and become invalid with the swapchain.
func (d *Device) GetSwapchainImages(sc SwapchainKHR) ([]Image, error) {
	e, err := d.swapchains.get(sc)
	if err != nil {
		return nil, d.fail("GetSwapchainImages", uint64(sc), err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Image(nil), e.images...), nil
}

// AcquireNextImage returns the index of a free image of sc, waiting up to
// timeout. semaphore and fence, if not null, are signaled on success.
// It returns NotReady when no image became free in time.
func (d *Device) AcquireNextImage(sc SwapchainKHR, timeout time.Duration, semaphore Semaphore, fence Fence) (uint32, error) {
	e, err := d.swapchains.get(sc)
	if err != nil {
		return 0, d.fail("AcquireNextImage", uint64(sc), err)
	}
	s, err := d.semaphores.getOpt(semaphore)
	if err != nil {
		return 0, d.fail("AcquireNextImage", uint64(semaphore), err)
	}
	f, err := d.fences.getOpt(fence)
	if err != nil {
		return 0, d.fail("AcquireNextImage", uint64(fence), err)
	}
	i, err := e.sc.AcquireNextImage(timeout)
	if err != nil {
		return 0, d.fail("AcquireNextImage", uint64(sc), err)
	}
	if s != nil {
		s.Signal()
	}
	if f != nil {
		f.SignalNow()
	}
	return i, nil
}

// DestroySwapchain destroys sc and invalidates its images.
func (d *Device) DestroySwapchain(sc SwapchainKHR) error {
	e, ok, err := d.swapchains.remove(sc)
	if err != nil {
		return d.fail("DestroySwapchain", uint64(sc), err)
	}
	if ok {
		d.releaseSwapchain(e)
	}
	return nil
}

func (d *Device) releaseSwapchain(e *swapchainEntry) {
	d.mu.Lock()
	for _, h := range e.images {
		if img, ok, _ := d.images.remove(h); ok {
			img.Destroy()
		}
	}
	e.images = nil
	d.mu.Unlock()
	if o, ok := e.sc.(interface{ Destroy() }); ok && e.owned {
		o.Destroy()
	}
}

var _ queue.Presenter = Swapchain(nil)
