package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/explicit"
)

const triangleWGSL = `
@vertex
fn vs_main(@location(0) pos: vec2<f32>) -> @builtin(position) vec4<f32> {
    return vec4<f32>(pos, 0.0, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(1.0, 0.5, 0.0, 1.0);
}
`

var triangle = [...]float32{0, 0.5, -0.5, -0.5, 0.5, -0.5}

const format = gputypes.TextureFormatRGBA8Unorm

type result struct {
	images []uint32
	pixels [][4]byte
}

// frame holds the objects one replay creates. release destroys them in
// reverse dependency order.
type frame struct {
	dev *explicit.Device

	vertices, readback     explicit.Buffer
	vertexMem, readbackMem explicit.DeviceMemory
	readbackData           []byte
	layout                 explicit.PipelineLayout
	module                 explicit.ShaderModule
	pipeline               explicit.Pipeline
	pass                   explicit.RenderPass
	swapchain              explicit.SwapchainKHR
	views                  []explicit.ImageView
	framebuffers           []explicit.Framebuffer
	pool                   explicit.CommandPool
	fence                  explicit.Fence
	acquired, rendered     explicit.Semaphore
}

func (f *frame) release() {
	d := f.dev
	_ = d.DestroySemaphore(f.rendered)
	_ = d.DestroySemaphore(f.acquired)
	_ = d.DestroyFence(f.fence)
	_ = d.DestroyCommandPool(f.pool)
	for _, fb := range f.framebuffers {
		_ = d.DestroyFramebuffer(fb)
	}
	for _, v := range f.views {
		_ = d.DestroyImageView(v)
	}
	_ = d.DestroySwapchain(f.swapchain)
	_ = d.DestroyRenderPass(f.pass)
	_ = d.DestroyPipeline(f.pipeline)
	_ = d.DestroyShaderModule(f.module)
	_ = d.DestroyPipelineLayout(f.layout)
	_ = d.DestroyBuffer(f.readback)
	_ = d.DestroyBuffer(f.vertices)
	if f.readbackData != nil {
		_ = d.UnmapMemory(f.readbackMem)
	}
	_ = d.FreeMemory(f.readbackMem)
	_ = d.FreeMemory(f.vertexMem)
}

// replay uploads a triangle into a host-visible vertex buffer, then for
// every frame acquires a swapchain image, clears it and draws the triangle
// in a render pass, copies the image into a readback buffer and presents.
func replay(ctx context.Context, dev *explicit.Device, cfg Config) (*result, error) {
	f := &frame{dev: dev}
	defer f.release()
	if err := f.setup(cfg); err != nil {
		return nil, err
	}

	res := &result{}
	for range cfg.Frames {
		i, err := dev.AcquireNextImage(f.swapchain, time.Second, f.acquired, 0)
		if err != nil {
			return nil, fmt.Errorf("acquire: %w", err)
		}
		cb, err := f.record(cfg, i)
		if err != nil {
			return nil, err
		}
		err = dev.QueueSubmit([]explicit.SubmitInfo{{
			WaitSemaphores:   []explicit.Semaphore{f.acquired},
			CommandBuffers:   []explicit.CommandBuffer{cb},
			SignalSemaphores: []explicit.Semaphore{f.rendered},
		}}, f.fence)
		if err != nil {
			return nil, fmt.Errorf("submit: %w", err)
		}
		if err := dev.WaitForFences(ctx, []explicit.Fence{f.fence}, true, 5*time.Second); err != nil {
			return nil, fmt.Errorf("wait: %w", err)
		}
		if err := dev.ResetFences([]explicit.Fence{f.fence}); err != nil {
			return nil, err
		}

		px, err := f.firstTexel()
		if err != nil {
			return nil, err
		}
		if err := dev.QueuePresent([]explicit.SwapchainKHR{f.swapchain}, []uint32{i}, []explicit.Semaphore{f.rendered}); err != nil {
			return nil, fmt.Errorf("present: %w", err)
		}
		res.images = append(res.images, i)
		res.pixels = append(res.pixels, px)
	}
	return res, dev.DeviceWaitIdle(ctx)
}

func (f *frame) setup(cfg Config) error {
	d := f.dev
	var err error

	data := make([]byte, 256)
	for i, v := range triangle {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	if f.vertices, f.vertexMem, err = hostBuffer(d, 256, gputypes.BufferUsageVertex|gputypes.BufferUsageCopyDst); err != nil {
		return fmt.Errorf("vertex buffer: %w", err)
	}
	mapped, err := d.MapMemory(f.vertexMem, 0, 256)
	if err != nil {
		return fmt.Errorf("map vertices: %w", err)
	}
	copy(mapped, data)
	if err := d.UnmapMemory(f.vertexMem); err != nil {
		return err
	}
	if f.readback, f.readbackMem, err = hostBuffer(d, uint64(cfg.Width)*uint64(cfg.Height)*4, gputypes.BufferUsageCopyDst); err != nil {
		return fmt.Errorf("readback buffer: %w", err)
	}
	// Coherent memory stays mapped so that fence waits refresh it.
	if f.readbackData, err = d.MapMemory(f.readbackMem, 0, 4); err != nil {
		return fmt.Errorf("map readback: %w", err)
	}

	if f.layout, err = d.CreatePipelineLayout(nil, nil); err != nil {
		return err
	}
	if f.module, err = d.CreateShaderModule([]byte(triangleWGSL)); err != nil {
		return err
	}
	full := explicit.Viewport{Width: float32(cfg.Width), Height: float32(cfg.Height), MaxDepth: 1}
	f.pipeline, err = d.CreateGraphicsPipeline(explicit.GraphicsPipelineCreateInfo{
		Label: "triangle",
		Stages: []explicit.PipelineShaderStage{
			{Stage: gputypes.ShaderStageVertex, Module: f.module, EntryPoint: "vs_main"},
			{Stage: gputypes.ShaderStageFragment, Module: f.module, EntryPoint: "fs_main"},
		},
		Bindings:   []explicit.VertexBinding{{Binding: 0, Stride: 8}},
		Attributes: []explicit.VertexAttribute{{Location: 0, Binding: 0, Format: gputypes.VertexFormatFloat32x2}},
		Topology:   gputypes.PrimitiveTopologyTriangleList,
		Blend:      explicit.BlendState{Attachments: []explicit.BlendAttachment{{WriteMask: gputypes.ColorWriteMaskAll}}},
		Viewports:  []explicit.Viewport{full},
		Scissors:   []explicit.Rect{{Right: int32(cfg.Width), Bottom: int32(cfg.Height)}}, // #nosec G115 -- small sizes
		Layout:     f.layout,
	})
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	f.pass, err = d.CreateRenderPass(
		[]explicit.AttachmentDescription{{Format: format, Samples: 1, Load: gputypes.LoadOpClear, Store: gputypes.StoreOpStore}},
		[]explicit.SubpassDescription{{Colors: []uint32{0}, DepthStencil: explicit.AttachmentUnused}},
	)
	if err != nil {
		return fmt.Errorf("render pass: %w", err)
	}

	if f.swapchain, err = d.CreateSwapchain(explicit.SwapchainCreateInfo{Width: cfg.Width, Height: cfg.Height, Format: format, ImageCount: 2}); err != nil {
		return fmt.Errorf("swapchain: %w", err)
	}
	images, err := d.GetSwapchainImages(f.swapchain)
	if err != nil {
		return err
	}
	for _, img := range images {
		v, err := d.CreateImageView(img, explicit.ImageViewInfo{})
		if err != nil {
			return fmt.Errorf("swapchain view: %w", err)
		}
		f.views = append(f.views, v)
		fb, err := d.CreateFramebuffer(explicit.FramebufferCreateInfo{
			RenderPass:  f.pass,
			Attachments: []explicit.ImageView{v},
			Width:       cfg.Width,
			Height:      cfg.Height,
		})
		if err != nil {
			return fmt.Errorf("framebuffer: %w", err)
		}
		f.framebuffers = append(f.framebuffers, fb)
	}

	if f.pool, err = d.CreateCommandPool(explicit.CommandPoolTransient); err != nil {
		return err
	}
	if f.fence, err = d.CreateFence(false); err != nil {
		return err
	}
	if f.acquired, err = d.CreateSemaphore(); err != nil {
		return err
	}
	f.rendered, err = d.CreateSemaphore()
	return err
}

// record builds a one-time command buffer rendering into swapchain image i.
func (f *frame) record(cfg Config, i uint32) (explicit.CommandBuffer, error) {
	d := f.dev
	cbs, err := d.AllocateCommandBuffers(f.pool, explicit.CommandBufferLevelPrimary, 1)
	if err != nil {
		return 0, err
	}
	cb := cbs[0]
	if err := d.BeginCommandBuffer(cb, explicit.UsageOneTimeSubmit, nil); err != nil {
		return 0, err
	}
	images, err := d.GetSwapchainImages(f.swapchain)
	if err != nil {
		return 0, err
	}
	clear := explicit.ClearValue{Color: f32.Vec4{0.1, 0.2, 0.3, 1}}
	d.CmdBeginRenderPass(cb, f.pass, f.framebuffers[i], []explicit.ClearValue{clear})
	d.CmdBindPipeline(cb, f.pipeline)
	d.CmdBindVertexBuffers(cb, 0, []explicit.Buffer{f.vertices}, []uint64{0})
	d.CmdDraw(cb, 3, 1, 0, 0)
	d.CmdEndRenderPass(cb)
	d.CmdPipelineBarrier(cb)
	d.CmdCopyImageToBuffer(cb, images[i], f.readback, []explicit.BufferImageCopy{{
		Image:  explicit.ImageSubresource{LayerCount: 1},
		Extent: gputypes.Extent3D{Width: cfg.Width, Height: cfg.Height, DepthOrArrayLayers: 1},
	}})
	if err := d.EndCommandBuffer(cb); err != nil {
		return 0, fmt.Errorf("record: %w", err)
	}
	return cb, nil
}

func (f *frame) firstTexel() ([4]byte, error) {
	var px [4]byte
	if len(f.readbackData) < len(px) {
		return px, fmt.Errorf("readback: %d bytes mapped", len(f.readbackData))
	}
	copy(px[:], f.readbackData)
	return px, nil
}

// hostBuffer creates a buffer of size bytes bound to its own host-coherent
// allocation.
func hostBuffer(d *explicit.Device, size uint64, usage gputypes.BufferUsage) (explicit.Buffer, explicit.DeviceMemory, error) {
	buf, err := d.CreateBuffer(explicit.BufferCreateInfo{Size: size, Usage: usage})
	if err != nil {
		return 0, 0, err
	}
	req, err := d.GetBufferMemoryRequirements(buf)
	if err != nil {
		return 0, 0, err
	}
	mem, err := d.AllocateMemory(req.Size, explicit.MemoryTypeHostCoherent)
	if err != nil {
		_ = d.DestroyBuffer(buf)
		return 0, 0, err
	}
	if err := d.BindBufferMemory(buf, mem, 0); err != nil {
		_ = d.DestroyBuffer(buf)
		_ = d.FreeMemory(mem)
		return 0, 0, err
	}
	return buf, mem, nil
}
