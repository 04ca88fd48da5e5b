package explicit

import (
	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/explicit/internal/command"
	"github.com/gogpu/explicit/internal/memory"
	"github.com/gogpu/explicit/internal/query"
	"github.com/gogpu/explicit/native"
)

// Command buffer flags and levels.
type (
	CommandPoolFlags   = command.PoolFlags
	CommandBufferLevel = command.Level
	CommandBufferUsage = command.Usage
)

// Command pool flags.
const (
	CommandPoolTransient       = command.PoolTransient
	CommandPoolResetIndividual = command.PoolResetIndividual
)

// Command buffer levels.
const (
	CommandBufferLevelPrimary   = command.LevelPrimary
	CommandBufferLevelSecondary = command.LevelSecondary
)

// Command buffer usage flags.
const (
	UsageOneTimeSubmit      = command.OneTimeSubmit
	UsageRenderPassContinue = command.RenderPassContinue
	UsageSimultaneousUse    = command.SimultaneousUse
)

// Command arguments.
type (
	BufferCopy       = command.BufferCopy
	ImageSubresource = command.ImageSubresource
	ImageCopy        = command.ImageCopy
	BufferImageCopy  = command.BufferImageCopy
	SubresourceRange = command.SubresourceRange
	ImageResolve     = command.ImageResolve
	ClearAttachment  = command.AttachmentClear
	ClearFlags       = native.ClearFlags
)

// Depth-stencil clear aspects.
const (
	ClearDepth   = native.ClearDepth
	ClearStencil = native.ClearStencil
)

// CommandBufferInheritance is the render pass state a secondary buffer
// continues when begun with UsageRenderPassContinue.
type CommandBufferInheritance struct {
	RenderPass  RenderPass
	Subpass     int
	Framebuffer Framebuffer
}

// commandPool tracks the buffers of a pool so that pool destruction
// invalidates their handles.
type commandPool struct {
	pool    *command.Pool
	buffers map[CommandBuffer]struct{}
}

// CreateCommandPool creates a command pool.
func (d *Device) CreateCommandPool(flags CommandPoolFlags) (CommandPool, error) {
	p := &commandPool{
		pool:    command.NewPool(flags, d.cmdCfg),
		buffers: make(map[CommandBuffer]struct{}),
	}
	return d.cmdPools.insert(p), nil
}

// DestroyCommandPool destroys pool and frees its command buffers.
func (d *Device) DestroyCommandPool(pool CommandPool) error {
	p, ok, err := d.cmdPools.remove(pool)
	if err != nil || !ok {
		return d.fail("DestroyCommandPool", uint64(pool), err)
	}
	d.mu.Lock()
	for h := range p.buffers {
		_, _, _ = d.cmdBuffers.remove(h)
	}
	clear(p.buffers)
	d.mu.Unlock()
	p.pool.Destroy()
	return nil
}

// ResetCommandPool returns every buffer of pool to the initial state.
func (d *Device) ResetCommandPool(pool CommandPool) error {
	p, err := d.cmdPools.get(pool)
	if err != nil {
		return d.fail("ResetCommandPool", uint64(pool), err)
	}
	p.pool.Reset()
	return nil
}

// AllocateCommandBuffers allocates n command buffers of level.
func (d *Device) AllocateCommandBuffers(pool CommandPool, level CommandBufferLevel, n int) ([]CommandBuffer, error) {
	p, err := d.cmdPools.get(pool)
	if err != nil {
		return nil, d.fail("AllocateCommandBuffers", uint64(pool), err)
	}
	bufs, err := p.pool.Allocate(level, n)
	if err != nil {
		return nil, d.fail("AllocateCommandBuffers", uint64(pool), err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]CommandBuffer, len(bufs))
	for i, b := range bufs {
		out[i] = d.cmdBuffers.insert(b)
		b.SetObject(uint64(out[i]))
		p.buffers[out[i]] = struct{}{}
	}
	return out, nil
}

// FreeCommandBuffers frees buffers allocated from pool.
func (d *Device) FreeCommandBuffers(pool CommandPool, bufs []CommandBuffer) error {
	p, err := d.cmdPools.get(pool)
	if err != nil {
		return d.fail("FreeCommandBuffers", uint64(pool), err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range bufs {
		if h == 0 {
			continue
		}
		if _, ok := p.buffers[h]; !ok {
			return d.fail("FreeCommandBuffers", uint64(h), ErrorInvalidHandle)
		}
	}
	for _, h := range bufs {
		if b, ok, _ := d.cmdBuffers.remove(h); ok {
			p.pool.Free(b)
			delete(p.buffers, h)
		}
	}
	return nil
}

// BeginCommandBuffer starts recording cb. inherit is only used by
// secondary buffers and may be nil.
func (d *Device) BeginCommandBuffer(cb CommandBuffer, usage CommandBufferUsage, inherit *CommandBufferInheritance) error {
	b, err := d.cmdBuffers.get(cb)
	if err != nil {
		return d.fail("BeginCommandBuffer", uint64(cb), err)
	}
	var in *command.Inheritance
	if inherit != nil {
		rp, err := d.passes.get(inherit.RenderPass)
		if err != nil {
			return d.fail("BeginCommandBuffer", uint64(inherit.RenderPass), err)
		}
		fb, err := d.framebuffers.getOpt(inherit.Framebuffer)
		if err != nil {
			return d.fail("BeginCommandBuffer", uint64(inherit.Framebuffer), err)
		}
		in = &command.Inheritance{Pass: rp, Subpass: inherit.Subpass, Framebuffer: fb}
	}
	return d.fail("BeginCommandBuffer", uint64(cb), b.Begin(usage, in))
}

// EndCommandBuffer finishes recording cb. It reports the first command
// recorded with invalid arguments, which leaves cb invalid.
func (d *Device) EndCommandBuffer(cb CommandBuffer) error {
	b, err := d.cmdBuffers.get(cb)
	if err != nil {
		return d.fail("EndCommandBuffer", uint64(cb), err)
	}
	return d.fail("EndCommandBuffer", uint64(cb), b.End())
}

// ResetCommandBuffer clears cb. Its pool must allow individual reset.
func (d *Device) ResetCommandBuffer(cb CommandBuffer) error {
	b, err := d.cmdBuffers.get(cb)
	if err != nil {
		return d.fail("ResetCommandBuffer", uint64(cb), err)
	}
	return d.fail("ResetCommandBuffer", uint64(cb), b.Reset())
}

// recorder resolves the buffer a Cmd function records into. An unknown
// buffer is reported and the command dropped.
func (d *Device) recorder(op string, cb CommandBuffer) *command.CommandBuffer {
	b, err := d.cmdBuffers.get(cb)
	if err != nil {
		_ = d.fail(op, uint64(cb), err)
		return nil
	}
	return b
}

// arg resolves a handle argument of a command. An unknown handle makes
// EndCommandBuffer fail.
func arg[H handle, T any](b *command.CommandBuffer, op string, t table[H, T], h H) (T, bool) {
	v, err := t.get(h)
	if err != nil {
		b.Reject("%s: invalid handle %#x", op, uint64(h))
		return v, false
	}
	return v, true
}

func args[H handle, T any](b *command.CommandBuffer, op string, t table[H, T], hs []H) ([]T, bool) {
	out := make([]T, len(hs))
	for i, h := range hs {
		v, ok := arg(b, op, t, h)
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func (d *Device) feature(b *command.CommandBuffer, op string, enabled bool) bool {
	if !enabled {
		b.Reject("%s: feature not enabled", op)
	}
	return enabled
}

// CmdBindPipeline binds p at its bind point.
func (d *Device) CmdBindPipeline(cb CommandBuffer, p Pipeline) {
	const op = "CmdBindPipeline"
	if b := d.recorder(op, cb); b != nil {
		if v, ok := arg(b, op, d.pipelines, p); ok {
			b.BindPipeline(v)
		}
	}
}

// CmdBindVertexBuffers binds buffers to consecutive slots from first.
func (d *Device) CmdBindVertexBuffers(cb CommandBuffer, first uint32, bufs []Buffer, offsets []uint64) {
	const op = "CmdBindVertexBuffers"
	if b := d.recorder(op, cb); b != nil {
		if vs, ok := args(b, op, d.buffers, bufs); ok {
			b.BindVertexBuffers(first, vs, offsets)
		}
	}
}

// CmdBindIndexBuffer binds the index buffer.
func (d *Device) CmdBindIndexBuffer(cb CommandBuffer, buf Buffer, offset uint64, format gputypes.IndexFormat) {
	const op = "CmdBindIndexBuffer"
	if b := d.recorder(op, cb); b != nil {
		if v, ok := arg(b, op, d.buffers, buf); ok {
			b.BindIndexBuffer(v, offset, format)
		}
	}
}

// CmdBindDescriptorSets binds sets from index first of layout.
func (d *Device) CmdBindDescriptorSets(cb CommandBuffer, bind PipelineBindPoint, layout PipelineLayout, first uint32, sets []DescriptorSet, dynamicOffsets []uint32) {
	const op = "CmdBindDescriptorSets"
	b := d.recorder(op, cb)
	if b == nil {
		return
	}
	l, ok := arg(b, op, d.layouts, layout)
	if !ok {
		return
	}
	if vs, ok := args(b, op, d.sets, sets); ok {
		b.BindDescriptorSets(bind, l, first, vs, dynamicOffsets)
	}
}

// CmdDraw records a non-indexed draw.
func (d *Device) CmdDraw(cb CommandBuffer, vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if b := d.recorder("CmdDraw", cb); b != nil {
		b.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
	}
}

// CmdDrawIndexed records an indexed draw.
func (d *Device) CmdDrawIndexed(cb CommandBuffer, indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	if b := d.recorder("CmdDrawIndexed", cb); b != nil {
		b.DrawIndexed(indexCount, instanceCount, firstIndex, vertexOffset, firstInstance)
	}
}

// CmdDrawIndirect records count draws whose arguments are read from buf.
func (d *Device) CmdDrawIndirect(cb CommandBuffer, buf Buffer, offset uint64, count, stride uint32) {
	const op = "CmdDrawIndirect"
	if b := d.recorder(op, cb); b != nil && d.feature(b, op, d.cfg.Features.IndirectDraw) {
		if v, ok := arg(b, op, d.buffers, buf); ok {
			b.DrawIndirect(v, offset, count, stride)
		}
	}
}

// CmdDrawIndexedIndirect records count indexed draws whose arguments are
// read from buf.
func (d *Device) CmdDrawIndexedIndirect(cb CommandBuffer, buf Buffer, offset uint64, count, stride uint32) {
	const op = "CmdDrawIndexedIndirect"
	if b := d.recorder(op, cb); b != nil && d.feature(b, op, d.cfg.Features.IndirectDraw) {
		if v, ok := arg(b, op, d.buffers, buf); ok {
			b.DrawIndexedIndirect(v, offset, count, stride)
		}
	}
}

// CmdDispatch records a compute dispatch.
func (d *Device) CmdDispatch(cb CommandBuffer, x, y, z uint32) {
	const op = "CmdDispatch"
	if b := d.recorder(op, cb); b != nil && d.feature(b, op, d.cfg.Features.Compute) {
		b.Dispatch(x, y, z)
	}
}

// CmdDispatchIndirect records a dispatch whose group counts are read
// from buf.
func (d *Device) CmdDispatchIndirect(cb CommandBuffer, buf Buffer, offset uint64) {
	const op = "CmdDispatchIndirect"
	if b := d.recorder(op, cb); b != nil && d.feature(b, op, d.cfg.Features.Compute && d.cfg.Features.IndirectDraw) {
		if v, ok := arg(b, op, d.buffers, buf); ok {
			b.DispatchIndirect(v, offset)
		}
	}
}

func (d *Device) bufferPair(op string, cb CommandBuffer, src, dst Buffer) (*command.CommandBuffer, *memory.Buffer, *memory.Buffer) {
	b := d.recorder(op, cb)
	if b == nil {
		return nil, nil, nil
	}
	s, ok := arg(b, op, d.buffers, src)
	if !ok {
		return nil, nil, nil
	}
	t, ok := arg(b, op, d.buffers, dst)
	if !ok {
		return nil, nil, nil
	}
	return b, s, t
}

func (d *Device) imagePair(op string, cb CommandBuffer, src, dst Image) (*command.CommandBuffer, *memory.Image, *memory.Image) {
	b := d.recorder(op, cb)
	if b == nil {
		return nil, nil, nil
	}
	s, ok := arg(b, op, d.images, src)
	if !ok {
		return nil, nil, nil
	}
	t, ok := arg(b, op, d.images, dst)
	if !ok {
		return nil, nil, nil
	}
	return b, s, t
}

// CmdCopyBuffer copies regions between buffers.
func (d *Device) CmdCopyBuffer(cb CommandBuffer, src, dst Buffer, regions []BufferCopy) {
	if b, s, t := d.bufferPair("CmdCopyBuffer", cb, src, dst); b != nil {
		b.CopyBuffer(s, t, regions)
	}
}

// CmdCopyImage copies regions between images.
func (d *Device) CmdCopyImage(cb CommandBuffer, src, dst Image, regions []ImageCopy) {
	if b, s, t := d.imagePair("CmdCopyImage", cb, src, dst); b != nil {
		b.CopyImage(s, t, regions)
	}
}

// CmdCopyBufferToImage copies buffer regions into an image.
func (d *Device) CmdCopyBufferToImage(cb CommandBuffer, src Buffer, dst Image, regions []BufferImageCopy) {
	const op = "CmdCopyBufferToImage"
	b := d.recorder(op, cb)
	if b == nil {
		return
	}
	s, ok := arg(b, op, d.buffers, src)
	if !ok {
		return
	}
	if t, ok := arg(b, op, d.images, dst); ok {
		b.CopyBufferToImage(s, t, regions)
	}
}

// CmdCopyImageToBuffer copies image regions into a buffer.
func (d *Device) CmdCopyImageToBuffer(cb CommandBuffer, src Image, dst Buffer, regions []BufferImageCopy) {
	const op = "CmdCopyImageToBuffer"
	b := d.recorder(op, cb)
	if b == nil {
		return
	}
	s, ok := arg(b, op, d.images, src)
	if !ok {
		return
	}
	if t, ok := arg(b, op, d.buffers, dst); ok {
		b.CopyImageToBuffer(s, t, regions)
	}
}

// CmdUpdateBuffer writes data, copied now, into dst at offset.
func (d *Device) CmdUpdateBuffer(cb CommandBuffer, dst Buffer, offset uint64, data []byte) {
	const op = "CmdUpdateBuffer"
	if b := d.recorder(op, cb); b != nil {
		if v, ok := arg(b, op, d.buffers, dst); ok {
			b.UpdateBuffer(v, offset, data)
		}
	}
}

// CmdFillBuffer fills size bytes of dst with value. size may be
// WholeSize.
func (d *Device) CmdFillBuffer(cb CommandBuffer, dst Buffer, offset, size uint64, value uint32) {
	const op = "CmdFillBuffer"
	if b := d.recorder(op, cb); b != nil {
		if v, ok := arg(b, op, d.buffers, dst); ok {
			b.FillBuffer(v, offset, size, value)
		}
	}
}

// CmdClearColorImage clears ranges of a colour image.
func (d *Device) CmdClearColorImage(cb CommandBuffer, img Image, color f32.Vec4, ranges []SubresourceRange) {
	const op = "CmdClearColorImage"
	if b := d.recorder(op, cb); b != nil {
		if v, ok := arg(b, op, d.images, img); ok {
			b.ClearColor(v, color, ranges)
		}
	}
}

// CmdClearDepthStencilImage clears the aspects in flags of ranges of a
// depth-stencil image.
func (d *Device) CmdClearDepthStencilImage(cb CommandBuffer, img Image, flags ClearFlags, depth float32, stencil uint8, ranges []SubresourceRange) {
	const op = "CmdClearDepthStencilImage"
	if b := d.recorder(op, cb); b != nil {
		if v, ok := arg(b, op, d.images, img); ok {
			b.ClearDepthStencil(v, flags, depth, stencil, ranges)
		}
	}
}

// CmdClearAttachments clears attachments of the current subpass.
func (d *Device) CmdClearAttachments(cb CommandBuffer, clears []ClearAttachment, rects []Rect) {
	if b := d.recorder("CmdClearAttachments", cb); b != nil {
		b.ClearAttachments(clears, rects)
	}
}

// CmdResolveImage resolves a multisampled image into dst.
func (d *Device) CmdResolveImage(cb CommandBuffer, src, dst Image, regions []ImageResolve) {
	if b, s, t := d.imagePair("CmdResolveImage", cb, src, dst); b != nil {
		b.ResolveImage(s, t, regions)
	}
}

// CmdGenerateMips fills the mip chain of view from its base mip.
func (d *Device) CmdGenerateMips(cb CommandBuffer, view ImageView) {
	const op = "CmdGenerateMips"
	if b := d.recorder(op, cb); b != nil {
		if v, ok := arg(b, op, d.views, view); ok {
			b.GenerateMips(v)
		}
	}
}

func (d *Device) queryArg(op string, cb CommandBuffer, pool QueryPool) (*command.CommandBuffer, *query.Pool) {
	b := d.recorder(op, cb)
	if b == nil {
		return nil, nil
	}
	p, ok := arg(b, op, d.queryPools, pool)
	if !ok {
		return nil, nil
	}
	return b, p
}

// CmdBeginQuery begins query index of pool.
func (d *Device) CmdBeginQuery(cb CommandBuffer, pool QueryPool, index uint32) {
	if b, p := d.queryArg("CmdBeginQuery", cb, pool); b != nil {
		b.BeginQuery(p, index)
	}
}

// CmdEndQuery ends query index of pool.
func (d *Device) CmdEndQuery(cb CommandBuffer, pool QueryPool, index uint32) {
	if b, p := d.queryArg("CmdEndQuery", cb, pool); b != nil {
		b.EndQuery(p, index)
	}
}

// CmdWriteTimestamp writes a timestamp into query index of pool.
func (d *Device) CmdWriteTimestamp(cb CommandBuffer, pool QueryPool, index uint32) {
	if b, p := d.queryArg("CmdWriteTimestamp", cb, pool); b != nil {
		b.WriteTimestamp(p, index)
	}
}

// CmdResetQueryPool resets count queries of pool from first.
func (d *Device) CmdResetQueryPool(cb CommandBuffer, pool QueryPool, first, count uint32) {
	if b, p := d.queryArg("CmdResetQueryPool", cb, pool); b != nil {
		b.ResetQueryPool(p, first, count)
	}
}

// CmdCopyQueryPoolResults writes results of count queries into dst.
func (d *Device) CmdCopyQueryPoolResults(cb CommandBuffer, pool QueryPool, first, count uint32, dst Buffer, offset, stride uint64, flags QueryResultFlags) {
	const op = "CmdCopyQueryPoolResults"
	b, p := d.queryArg(op, cb, pool)
	if b == nil {
		return
	}
	if v, ok := arg(b, op, d.buffers, dst); ok {
		b.CopyQueryResults(p, first, count, v, offset, stride, flags)
	}
}

// CmdSetViewport sets viewports from index first.
func (d *Device) CmdSetViewport(cb CommandBuffer, first uint32, viewports []Viewport) {
	if b := d.recorder("CmdSetViewport", cb); b != nil {
		b.SetViewport(first, viewports)
	}
}

// CmdSetScissor sets scissor rectangles from index first.
func (d *Device) CmdSetScissor(cb CommandBuffer, first uint32, scissors []Rect) {
	if b := d.recorder("CmdSetScissor", cb); b != nil {
		b.SetScissor(first, scissors)
	}
}

// CmdSetBlendConstants sets the blend constants.
func (d *Device) CmdSetBlendConstants(cb CommandBuffer, c f32.Vec4) {
	if b := d.recorder("CmdSetBlendConstants", cb); b != nil {
		b.SetBlendConstants(c)
	}
}

// CmdSetStencilReference sets the stencil reference.
func (d *Device) CmdSetStencilReference(cb CommandBuffer, ref uint32) {
	if b := d.recorder("CmdSetStencilReference", cb); b != nil {
		b.SetStencilReference(ref)
	}
}

// CmdSetDepthBias sets the depth bias of pipelines with dynamic bias.
func (d *Device) CmdSetDepthBias(cb CommandBuffer, bias DepthBias) {
	if b := d.recorder("CmdSetDepthBias", cb); b != nil {
		b.SetDepthBias(bias)
	}
}

// CmdSetDepthStencilState supplies the depth-stencil state of pipelines
// with dynamic depth-stencil.
func (d *Device) CmdSetDepthStencilState(cb CommandBuffer, s DepthStencilState) {
	if b := d.recorder("CmdSetDepthStencilState", cb); b != nil {
		b.SetDepthStencilState(s)
	}
}

// CmdPushConstants updates push constants of stages at offset. An update
// no bound pipeline can receive does nothing.
func (d *Device) CmdPushConstants(cb CommandBuffer, layout PipelineLayout, stages gputypes.ShaderStage, offset uint32, data []byte) {
	const op = "CmdPushConstants"
	if b := d.recorder(op, cb); b != nil {
		if l, ok := arg(b, op, d.layouts, layout); ok {
			b.PushConstants(l, stages, offset, data)
		}
	}
}

// CmdPipelineBarrier records a barrier. Commands already run in order on
// the native context, so it has no effect on replay.
func (d *Device) CmdPipelineBarrier(cb CommandBuffer) {
	if b := d.recorder("CmdPipelineBarrier", cb); b != nil {
		b.PipelineBarrier()
	}
}

// CmdSetEvent sets e when replay reaches the command.
func (d *Device) CmdSetEvent(cb CommandBuffer, e Event) {
	const op = "CmdSetEvent"
	if b := d.recorder(op, cb); b != nil {
		if v, ok := arg(b, op, d.events, e); ok {
			b.SetEvent(v)
		}
	}
}

// CmdResetEvent resets e when replay reaches the command.
func (d *Device) CmdResetEvent(cb CommandBuffer, e Event) {
	const op = "CmdResetEvent"
	if b := d.recorder(op, cb); b != nil {
		if v, ok := arg(b, op, d.events, e); ok {
			b.ResetEvent(v)
		}
	}
}

// CmdWaitEvents waits for events. Replay reports events that are not set.
func (d *Device) CmdWaitEvents(cb CommandBuffer, events []Event) {
	const op = "CmdWaitEvents"
	if b := d.recorder(op, cb); b != nil {
		if vs, ok := args(b, op, d.events, events); ok {
			b.WaitEvents(vs)
		}
	}
}

// CmdExecuteCommands runs executable secondary buffers from a primary.
// The secondaries are copied now; later changes to them do not affect cb.
func (d *Device) CmdExecuteCommands(cb CommandBuffer, secondaries []CommandBuffer) {
	const op = "CmdExecuteCommands"
	if b := d.recorder(op, cb); b != nil {
		if vs, ok := args(b, op, d.cmdBuffers, secondaries); ok {
			b.ExecuteSecondary(vs...)
		}
	}
}

// CmdBeginRenderPass begins rp on fb, clearing attachments whose first
// use loads with clear.
func (d *Device) CmdBeginRenderPass(cb CommandBuffer, rp RenderPass, fb Framebuffer, clears []ClearValue) {
	const op = "CmdBeginRenderPass"
	b := d.recorder(op, cb)
	if b == nil {
		return
	}
	p, ok := arg(b, op, d.passes, rp)
	if !ok {
		return
	}
	if f, ok := arg(b, op, d.framebuffers, fb); ok {
		b.BeginRenderPass(p, f, clears)
	}
}

// CmdNextSubpass advances to the next subpass.
func (d *Device) CmdNextSubpass(cb CommandBuffer, clears []ClearValue) {
	if b := d.recorder("CmdNextSubpass", cb); b != nil {
		b.NextSubpass(clears)
	}
}

// CmdEndRenderPass ends the current render pass.
func (d *Device) CmdEndRenderPass(cb CommandBuffer) {
	if b := d.recorder("CmdEndRenderPass", cb); b != nil {
		b.EndRenderPass()
	}
}
