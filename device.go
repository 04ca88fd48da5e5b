package explicit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gogpu/explicit/internal/arena"
	"github.com/gogpu/explicit/internal/command"
	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/internal/memory"
	"github.com/gogpu/explicit/internal/pass"
	"github.com/gogpu/explicit/internal/pipeline"
	"github.com/gogpu/explicit/internal/query"
	"github.com/gogpu/explicit/internal/queue"
	"github.com/gogpu/explicit/internal/syncobj"
	"github.com/gogpu/explicit/native"
)

// Device is a logical device with a single queue. It owns every entity
// created through it.
type Device struct {
	cfg    Config
	nd     native.Device
	sink   *diag.Sink
	ctx    *exec.Context
	binder *memory.Binder
	cache  *pipeline.StateCache
	queue  *queue.Queue
	poller *syncobj.Poller
	cmdCfg command.Config

	// mu guards the child sets of pools and swapchain image lists.
	mu        sync.Mutex
	destroyed atomic.Bool

	memories     table[DeviceMemory, *memory.Memory]
	buffers      table[Buffer, *memory.Buffer]
	images       table[Image, *memory.Image]
	views        table[ImageView, *memory.ImageView]
	samplers     table[Sampler, *memory.Sampler]
	modules      table[ShaderModule, *shaderModule]
	setLayouts   table[DescriptorSetLayout, *pipeline.SetLayout]
	layouts      table[PipelineLayout, *pipeline.Layout]
	descPools    table[DescriptorPool, *descriptorPool]
	sets         table[DescriptorSet, *pipeline.Set]
	pipelines    table[Pipeline, *pipeline.Pipeline]
	passes       table[RenderPass, *pass.RenderPass]
	framebuffers table[Framebuffer, *pass.Framebuffer]
	cmdPools     table[CommandPool, *commandPool]
	cmdBuffers   table[CommandBuffer, *command.CommandBuffer]
	fences       table[Fence, *syncobj.Fence]
	events       table[Event, *syncobj.Event]
	semaphores   table[Semaphore, *syncobj.Semaphore]
	queryPools   table[QueryPool, *query.Pool]
	swapchains   table[SwapchainKHR, *swapchainEntry]
}

// NewDevice creates a device on nd. The caller keeps ownership of nd and
// closes it after Destroy.
func NewDevice(nd native.Device, opts ...Option) (*Device, error) {
	if nd == nil {
		return nil, ErrorInitializationFailed
	}
	cfg := resolve(opts)
	caps := nd.Caps()
	if (cfg.Features.Timestamps && !caps.Timestamps) ||
		(cfg.Features.Compute && !caps.Compute) ||
		(cfg.Features.IndirectDraw && !caps.IndirectDraw) {
		return nil, ErrorFeatureNotPresent
	}

	d := &Device{
		cfg:          cfg,
		nd:           nd,
		sink:         diag.NewSink(cfg.Observer),
		memories:     newTable[DeviceMemory, *memory.Memory](),
		buffers:      newTable[Buffer, *memory.Buffer](),
		images:       newTable[Image, *memory.Image](),
		views:        newTable[ImageView, *memory.ImageView](),
		samplers:     newTable[Sampler, *memory.Sampler](),
		modules:      newTable[ShaderModule, *shaderModule](),
		setLayouts:   newTable[DescriptorSetLayout, *pipeline.SetLayout](),
		layouts:      newTable[PipelineLayout, *pipeline.Layout](),
		descPools:    newTable[DescriptorPool, *descriptorPool](),
		sets:         newTable[DescriptorSet, *pipeline.Set](),
		pipelines:    newTable[Pipeline, *pipeline.Pipeline](),
		passes:       newTable[RenderPass, *pass.RenderPass](),
		framebuffers: newTable[Framebuffer, *pass.Framebuffer](),
		cmdPools:     newTable[CommandPool, *commandPool](),
		cmdBuffers:   newTable[CommandBuffer, *command.CommandBuffer](),
		fences:       newTable[Fence, *syncobj.Fence](),
		events:       newTable[Event, *syncobj.Event](),
		semaphores:   newTable[Semaphore, *syncobj.Semaphore](),
		queryPools:   newTable[QueryPool, *query.Pool](),
		swapchains:   newTable[SwapchainKHR, *swapchainEntry](),
	}
	d.ctx = exec.New(nd, d.sink)
	d.binder = memory.NewBinder(nd, d.ctx, d.sink)
	d.cache = pipeline.NewStateCache(nd)
	q, err := queue.New(d.ctx, d.binder, queue.Config{
		PollInterval:    cfg.PollInterval,
		WaitIdleTimeout: cfg.WaitIdleTimeout,
	})
	if err != nil {
		d.cache.Release()
		d.ctx.Close()
		return nil, d.fail("NewDevice", 0, err)
	}
	d.queue = q
	d.cmdCfg = command.Config{
		Policy:      cfg.FailurePolicy,
		WaitTimeout: cfg.WaitIdleTimeout,
		Cache:       d.cache,
		Sink:        d.sink,
	}
	if cfg.BackgroundPoller {
		d.poller = syncobj.NewPoller(cfg.PollInterval)
	}

	info := nd.Info()
	Logger().Info("explicit: device created",
		"adapter", info.Name,
		"policy", cfg.FailurePolicy,
		"pollInterval", cfg.PollInterval,
		"backgroundPoller", cfg.BackgroundPoller)
	return d, nil
}

// Config returns the resolved device configuration.
func (d *Device) Config() Config { return d.cfg }

// Native returns the native device.
func (d *Device) Native() native.Device { return d.nd }

// DeviceWaitIdle waits until all submitted work completed.
func (d *Device) DeviceWaitIdle(ctx context.Context) error {
	return d.QueueWaitIdle(ctx)
}

// Destroy releases every entity still alive and the device's own native
// objects. Handles of the device become invalid. Destroy is idempotent.
func (d *Device) Destroy() {
	if d.destroyed.Swap(true) {
		return
	}
	drain(d.cmdPools, func(p *commandPool) { p.pool.Destroy() })
	drain(d.cmdBuffers, func(*command.CommandBuffer) {})
	drain(d.descPools, func(p *descriptorPool) { p.pool.Destroy() })
	drain(d.sets, func(*pipeline.Set) {})
	drain(d.pipelines, (*pipeline.Pipeline).Destroy)
	drain(d.framebuffers, func(*pass.Framebuffer) {})
	drain(d.passes, func(*pass.RenderPass) {})
	drain(d.layouts, func(*pipeline.Layout) {})
	drain(d.setLayouts, func(*pipeline.SetLayout) {})
	drain(d.modules, func(*shaderModule) {})
	drain(d.swapchains, func(e *swapchainEntry) { d.releaseSwapchain(e) })
	drain(d.views, (*memory.ImageView).Destroy)
	drain(d.images, (*memory.Image).Destroy)
	drain(d.buffers, (*memory.Buffer).Destroy)
	drain(d.samplers, (*memory.Sampler).Destroy)
	drain(d.memories, (*memory.Memory).Free)
	drain(d.queryPools, (*query.Pool).Destroy)
	drain(d.fences, (*syncobj.Fence).Destroy)
	drain(d.events, func(*syncobj.Event) {})
	drain(d.semaphores, func(*syncobj.Semaphore) {})

	if d.poller != nil {
		d.poller.Close()
	}
	d.queue.Destroy()
	d.cache.Release()
	d.ctx.Close()
	Logger().Info("explicit: device destroyed", "adapter", d.nd.Info().Name)
}

// drain removes every entity of t and releases it.
func drain[H handle, T any](t table[H, T], release func(T)) {
	var hs []arena.Handle
	t.Each(func(h arena.Handle, _ T) bool {
		hs = append(hs, h)
		return true
	})
	for _, h := range hs {
		if v, ok := t.Remove(h); ok {
			release(v)
		}
	}
}
