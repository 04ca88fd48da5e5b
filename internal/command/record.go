package command

import (
	"fmt"
	"math"
	"slices"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/internal/memory"
	"github.com/gogpu/explicit/internal/pass"
	"github.com/gogpu/explicit/internal/pipeline"
	"github.com/gogpu/explicit/internal/query"
	"github.com/gogpu/explicit/internal/syncobj"
	"github.com/gogpu/explicit/native"
)

// PushConstantSize is the size of the push-constant staging area.
const PushConstantSize = 256

// WholeSize selects the rest of a buffer in FillBuffer.
const WholeSize = ^uint64(0)

// MaxUpdateSize is the largest inline update.
const MaxUpdateSize = 65536

// Inheritance is the render pass state a secondary buffer continues.
// Framebuffer may be nil when unknown.
type Inheritance struct {
	Pass        *pass.RenderPass
	Subpass     int
	Framebuffer *pass.Framebuffer
}

// AttachmentClear is one attachment cleared by ClearAttachments. Flags
// zero clears colour attachment Color of the current subpass; otherwise
// the depth-stencil attachment is cleared in the aspects of Flags.
type AttachmentClear struct {
	Flags native.ClearFlags
	Color uint32
	Value pass.ClearValue
}

type vertexSlot struct {
	buffer *memory.Buffer
	offset uint32
	stride uint32
	bound  bool
}

// recordState is the state commands bake their inputs from.
type recordState struct {
	graphics *pipeline.Pipeline
	compute  *pipeline.Pipeline

	pass        *pass.RenderPass
	framebuffer *pass.Framebuffer
	subpass     int
	inPass      bool

	vertex [native.MaxVertexBuffers]vertexSlot
	sets   [2][]*pipeline.Set

	push   [PushConstantSize]byte
	pushed bool

	viewports      []native.Viewport
	scissors       []native.Rect
	blendConstants f32.Vec4
	stencilRef     uint32
	bias           pipeline.DepthBias
	depthStencil   native.DepthStencilState
}

func newRecordState() recordState {
	return recordState{blendConstants: f32.Vec4{1, 1, 1, 1}}
}

// recording reports whether commands may be recorded, remembering
// ErrNotRecording for End otherwise.
func (b *CommandBuffer) recording() bool {
	if b.status == StatusRecording {
		return true
	}
	if b.err == nil {
		b.err = ErrNotRecording
	}
	return false
}

func (b *CommandBuffer) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf("%w: %s", ErrInvalidUsage, fmt.Sprintf(format, args...))
	}
}

// Reject records a caller error found before a command could be built,
// such as an unknown handle. End returns it.
func (b *CommandBuffer) Reject(format string, args ...any) {
	if b.recording() {
		b.fail(format, args...)
	}
}

func (b *CommandBuffer) add(cmd Command) {
	b.commands = append(b.commands, cmd)
	b.mask |= group(cmd)
}

func u32(v uint64) (uint32, bool) {
	return uint32(v), v <= math.MaxUint32 // #nosec G115 -- checked
}

// BindPipeline binds p with the dynamic values and push constants current
// now. Binding a graphics pipeline whose vertex strides differ from the
// ones baked into bound vertex buffers rebinds those buffers.
func (b *CommandBuffer) BindPipeline(p *pipeline.Pipeline) {
	if !b.recording() {
		return
	}
	if p == nil {
		b.fail("BindPipeline: nil pipeline")
		return
	}
	b.add(BindPipelineCommand{Pipeline: p, State: b.dynamicState(p)})
	if p.BindPoint() == pipeline.BindCompute {
		b.rec.compute = p
		return
	}
	prev := b.rec.graphics
	b.rec.graphics = p
	if prev == nil || prev.VertexHash() != p.VertexHash() {
		b.restride(p)
	}
}

func (b *CommandBuffer) dynamicState(p *pipeline.Pipeline) pipeline.State {
	var st pipeline.State
	d := p.Dynamic()
	if d.Has(pipeline.DynamicBlendConstants) {
		st.BlendConstants = b.rec.blendConstants
	}
	if d.Has(pipeline.DynamicStencilReference) {
		st.StencilReference = b.rec.stencilRef
	}
	if d.Has(pipeline.DynamicDepthStencil) {
		st.DepthStencil = b.rec.depthStencil
	}
	if d.Has(pipeline.DynamicDepthBias) {
		st.Rasterizer = b.biasedRasterizer(p)
	}
	if d.Has(pipeline.DynamicViewport) && len(b.rec.viewports) > 0 {
		st.Viewports = slices.Clone(b.rec.viewports)
	}
	if d.Has(pipeline.DynamicScissor) && len(b.rec.scissors) > 0 {
		st.Scissors = slices.Clone(b.rec.scissors)
	}
	if b.rec.pushed && len(p.PushBuffers()) > 0 {
		st.PushConstants = slices.Clone(b.rec.push[:])
	}
	return st
}

func (b *CommandBuffer) biasedRasterizer(p *pipeline.Pipeline) native.RasterizerState {
	cfg := b.config()
	if cfg.Cache == nil {
		cfg.Sink.Errorf(diag.CategoryGeneral, b.object, "depth bias for %q: no state cache", p.Label())
		return nil
	}
	rs, err := cfg.Cache.Rasterizer(pipeline.WithBias(p.RasterizerDesc(), b.rec.bias))
	if err != nil {
		cfg.Sink.Errorf(diag.CategoryGeneral, b.object, "depth bias for %q: %v", p.Label(), err)
		return nil
	}
	return rs
}

// restride re-emits bound vertex buffers whose baked stride differs from
// the stride p declares for their slot.
func (b *CommandBuffer) restride(p *pipeline.Pipeline) {
	for slot := range b.rec.vertex {
		vs := &b.rec.vertex[slot]
		if !vs.bound {
			continue
		}
		stride, ok := p.Stride(uint32(slot)) // #nosec G115 -- slot < MaxVertexBuffers
		if !ok || stride == vs.stride {
			continue
		}
		vs.stride = stride
		b.add(BindVertexBuffersCommand{
			First:   uint32(slot), // #nosec G115 -- slot < MaxVertexBuffers
			Buffers: []*memory.Buffer{vs.buffer},
			Offsets: []uint32{vs.offset},
			Strides: []uint32{stride},
		})
	}
}

// BindVertexBuffers binds buffers to slots starting at first with the
// strides of the current graphics pipeline.
func (b *CommandBuffer) BindVertexBuffers(first uint32, bufs []*memory.Buffer, offsets []uint64) {
	if !b.recording() {
		return
	}
	if len(bufs) != len(offsets) || uint64(first)+uint64(len(bufs)) > native.MaxVertexBuffers {
		b.fail("BindVertexBuffers: %d buffers, %d offsets at slot %d", len(bufs), len(offsets), first)
		return
	}
	cmd := BindVertexBuffersCommand{
		First:   first,
		Buffers: slices.Clone(bufs),
		Offsets: make([]uint32, len(bufs)),
		Strides: make([]uint32, len(bufs)),
	}
	for i, buf := range bufs {
		off, ok := u32(offsets[i])
		if buf == nil || !ok {
			b.fail("BindVertexBuffers: slot %d", first+uint32(i)) // #nosec G115 -- bounded above
			return
		}
		slot := first + uint32(i) // #nosec G115 -- bounded above
		if g := b.rec.graphics; g != nil {
			cmd.Strides[i], _ = g.Stride(slot)
		}
		cmd.Offsets[i] = off
		b.rec.vertex[slot] = vertexSlot{buffer: buf, offset: off, stride: cmd.Strides[i], bound: true}
	}
	b.add(cmd)
}

// BindIndexBuffer binds an index buffer.
func (b *CommandBuffer) BindIndexBuffer(buf *memory.Buffer, offset uint64, format gputypes.IndexFormat) {
	if !b.recording() {
		return
	}
	off, ok := u32(offset)
	if buf == nil || !ok {
		b.fail("BindIndexBuffer: offset %d", offset)
		return
	}
	b.add(BindIndexBufferCommand{Buffer: buf, Offset: off, Format: format})
}

// BindDescriptorSets binds sets at set indices starting at first. dynamic
// holds the dynamic offsets of all sets in order.
func (b *CommandBuffer) BindDescriptorSets(bind pipeline.BindPoint, layout *pipeline.Layout, first uint32, sets []*pipeline.Set, dynamic []uint32) {
	if !b.recording() {
		return
	}
	if layout == nil || int(first)+len(sets) > len(layout.Sets()) {
		b.fail("BindDescriptorSets: sets [%d,+%d) outside layout", first, len(sets))
		return
	}
	cmd := BindDescriptorSetsCommand{Bind: bind, Layout: layout, First: first, Sets: slices.Clone(sets), Dynamic: make([][]uint32, len(sets))}
	rest := dynamic
	for i, s := range sets {
		if s == nil {
			b.fail("BindDescriptorSets: set %d is nil", first+uint32(i)) // #nosec G115 -- bounded by the layout
			return
		}
		n := int(s.Layout().DynamicCount())
		if n > len(rest) {
			b.fail("BindDescriptorSets: %d dynamic offsets for %d sets", len(dynamic), len(sets))
			return
		}
		cmd.Dynamic[i], rest = slices.Clone(rest[:n]), rest[n:]
	}
	if len(rest) != 0 {
		b.fail("BindDescriptorSets: %d unused dynamic offsets", len(rest))
		return
	}
	bound := b.rec.sets[bind]
	if need := int(first) + len(sets); len(bound) < need {
		bound = append(bound, make([]*pipeline.Set, need-len(bound))...)
	}
	copy(bound[first:], sets)
	b.rec.sets[bind] = bound
	b.add(cmd)
}

// Draw records a non-indexed draw.
func (b *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if b.recording() {
		b.add(DrawCommand{VertexCount: vertexCount, InstanceCount: instanceCount, FirstVertex: firstVertex, FirstInstance: firstInstance})
	}
}

// DrawIndexed records an indexed draw.
func (b *CommandBuffer) DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	if b.recording() {
		b.add(DrawIndexedCommand{IndexCount: indexCount, InstanceCount: instanceCount, FirstIndex: firstIndex, VertexOffset: vertexOffset, FirstInstance: firstInstance})
	}
}

func (b *CommandBuffer) indirect(name string, buf *memory.Buffer, offset uint64, count, stride uint32) (uint32, bool) {
	off, ok := u32(offset)
	if buf == nil || !ok || off%4 != 0 || uint64(off)+uint64(count)*uint64(stride) > math.MaxUint32 {
		b.fail("%s: offset %d, %d draws of stride %d", name, offset, count, stride)
		return 0, false
	}
	return off, true
}

// DrawIndirect records count draws with arguments read from buf.
func (b *CommandBuffer) DrawIndirect(buf *memory.Buffer, offset uint64, count, stride uint32) {
	if !b.recording() {
		return
	}
	if off, ok := b.indirect("DrawIndirect", buf, offset, count, stride); ok {
		b.add(DrawIndirectCommand{Buffer: buf, Offset: off, Count: count, Stride: stride})
	}
}

// DrawIndexedIndirect records count indexed draws with arguments read
// from buf.
func (b *CommandBuffer) DrawIndexedIndirect(buf *memory.Buffer, offset uint64, count, stride uint32) {
	if !b.recording() {
		return
	}
	if off, ok := b.indirect("DrawIndexedIndirect", buf, offset, count, stride); ok {
		b.add(DrawIndexedIndirectCommand{Buffer: buf, Offset: off, Count: count, Stride: stride})
	}
}

// Dispatch records a compute dispatch.
func (b *CommandBuffer) Dispatch(x, y, z uint32) {
	if b.recording() {
		b.add(DispatchCommand{X: x, Y: y, Z: z})
	}
}

// DispatchIndirect records a dispatch with group counts read from buf.
func (b *CommandBuffer) DispatchIndirect(buf *memory.Buffer, offset uint64) {
	if !b.recording() {
		return
	}
	if off, ok := b.indirect("DispatchIndirect", buf, offset, 1, 0); ok {
		b.add(DispatchIndirectCommand{Buffer: buf, Offset: off})
	}
}

// CopyBuffer records buffer-to-buffer copies.
func (b *CommandBuffer) CopyBuffer(src, dst *memory.Buffer, regions []BufferCopy) {
	if !b.recording() {
		return
	}
	if src == nil || dst == nil {
		b.fail("CopyBuffer: nil buffer")
		return
	}
	b.add(CopyBufferCommand{Src: src, Dst: dst, Regions: slices.Clone(regions)})
}

// CopyImage records image-to-image copies.
func (b *CommandBuffer) CopyImage(src, dst *memory.Image, regions []ImageCopy) {
	if !b.recording() {
		return
	}
	if src == nil || dst == nil {
		b.fail("CopyImage: nil image")
		return
	}
	b.add(CopyImageCommand{Src: src, Dst: dst, Regions: slices.Clone(regions)})
}

// CopyBufferToImage records buffer-to-image copies.
func (b *CommandBuffer) CopyBufferToImage(src *memory.Buffer, dst *memory.Image, regions []BufferImageCopy) {
	if !b.recording() {
		return
	}
	if src == nil || dst == nil {
		b.fail("CopyBufferToImage: nil resource")
		return
	}
	b.add(CopyBufferToImageCommand{Src: src, Dst: dst, Regions: slices.Clone(regions)})
}

// CopyImageToBuffer records image-to-buffer copies.
func (b *CommandBuffer) CopyImageToBuffer(src *memory.Image, dst *memory.Buffer, regions []BufferImageCopy) {
	if !b.recording() {
		return
	}
	if src == nil || dst == nil {
		b.fail("CopyImageToBuffer: nil resource")
		return
	}
	b.add(CopyImageToBufferCommand{Src: src, Dst: dst, Regions: slices.Clone(regions)})
}

// UpdateBuffer records an inline write. data is copied.
func (b *CommandBuffer) UpdateBuffer(dst *memory.Buffer, offset uint64, data []byte) {
	if !b.recording() {
		return
	}
	if dst == nil || offset%4 != 0 || len(data)%4 != 0 || len(data) == 0 || len(data) > MaxUpdateSize {
		b.fail("UpdateBuffer: %d bytes at %d", len(data), offset)
		return
	}
	b.add(UpdateBufferCommand{Dst: dst, Offset: offset, Data: slices.Clone(data)})
}

// FillBuffer records a fill of size bytes with value. WholeSize fills to
// the end of the buffer, rounded down to a multiple of four.
func (b *CommandBuffer) FillBuffer(dst *memory.Buffer, offset, size uint64, value uint32) {
	if !b.recording() {
		return
	}
	if dst == nil || offset%4 != 0 || offset >= dst.Info().Size {
		b.fail("FillBuffer: offset %d", offset)
		return
	}
	if size == WholeSize {
		size = (dst.Info().Size - offset) &^ 3
	}
	if size%4 != 0 || offset+size > dst.Info().Size {
		b.fail("FillBuffer: %d bytes at %d", size, offset)
		return
	}
	b.add(FillBufferCommand{Dst: dst, Offset: offset, Size: size, Value: value})
}

// ClearColor records a clear of colour image ranges.
func (b *CommandBuffer) ClearColor(img *memory.Image, color f32.Vec4, ranges []SubresourceRange) {
	if !b.recording() {
		return
	}
	if img == nil || img.Info().Format.IsDepthStencil() {
		b.fail("ClearColor: not a colour image")
		return
	}
	b.add(ClearColorCommand{Image: img, Color: color, Ranges: slices.Clone(ranges)})
}

// ClearDepthStencil records a clear of depth-stencil image ranges.
func (b *CommandBuffer) ClearDepthStencil(img *memory.Image, flags native.ClearFlags, depth float32, stencil uint8, ranges []SubresourceRange) {
	if !b.recording() {
		return
	}
	if img == nil || !img.Info().Format.IsDepthStencil() || flags == 0 {
		b.fail("ClearDepthStencil: not a depth-stencil image or no aspect")
		return
	}
	b.add(ClearDepthStencilCommand{Image: img, Flags: flags, Depth: depth, Stencil: stencil, Ranges: slices.Clone(ranges)})
}

// ClearAttachments records a clear of attachments of the current subpass.
func (b *CommandBuffer) ClearAttachments(clears []AttachmentClear, rects []native.Rect) {
	if !b.recording() {
		return
	}
	if !b.rec.inPass || b.rec.framebuffer == nil {
		b.fail("ClearAttachments: outside a render pass with a known framebuffer")
		return
	}
	sp := b.rec.pass.Subpass(b.rec.subpass)
	views := b.rec.framebuffer.Views()
	cmd := ClearAttachmentsCommand{Rects: slices.Clone(rects)}
	for _, c := range clears {
		idx := sp.DepthStencil
		if c.Flags == 0 {
			if int(c.Color) >= len(sp.Colors) {
				b.fail("ClearAttachments: colour attachment %d of %d", c.Color, len(sp.Colors))
				return
			}
			idx = sp.Colors[c.Color]
		}
		if idx == pass.Unused {
			continue
		}
		cmd.Attachments = append(cmd.Attachments, ClearAttachment{View: views[idx], Flags: c.Flags, Value: c.Value})
	}
	b.add(cmd)
}

// ResolveImage records a resolve of a multisampled image.
func (b *CommandBuffer) ResolveImage(src, dst *memory.Image, regions []ImageResolve) {
	if !b.recording() {
		return
	}
	if src == nil || dst == nil {
		b.fail("ResolveImage: nil image")
		return
	}
	b.add(ResolveImageCommand{Src: src, Dst: dst, Regions: slices.Clone(regions)})
}

// GenerateMips records mip generation for view.
func (b *CommandBuffer) GenerateMips(view *memory.ImageView) {
	if !b.recording() {
		return
	}
	if view == nil || view.SRV() == nil {
		b.fail("GenerateMips: view is not sampleable")
		return
	}
	b.add(GenerateMipsCommand{View: view})
}

func (b *CommandBuffer) querySlot(name string, p *query.Pool, first, count uint32) bool {
	if p == nil || uint64(first)+uint64(count) > uint64(p.Len()) {
		b.fail("%s: slots [%d,+%d)", name, first, count)
		return false
	}
	return true
}

// BeginQuery records the start of a query.
func (b *CommandBuffer) BeginQuery(p *query.Pool, index uint32) {
	if b.recording() && b.querySlot("BeginQuery", p, index, 1) {
		b.add(BeginQueryCommand{Pool: p, Index: index})
	}
}

// EndQuery records the end of a query.
func (b *CommandBuffer) EndQuery(p *query.Pool, index uint32) {
	if b.recording() && b.querySlot("EndQuery", p, index, 1) {
		b.add(EndQueryCommand{Pool: p, Index: index})
	}
}

// WriteTimestamp records a timestamp write.
func (b *CommandBuffer) WriteTimestamp(p *query.Pool, index uint32) {
	if !b.recording() || !b.querySlot("WriteTimestamp", p, index, 1) {
		return
	}
	if p.Kind() != query.KindTimestamp {
		b.fail("WriteTimestamp: %v pool", p.Kind())
		return
	}
	b.add(WriteTimestampCommand{Pool: p, Index: index})
}

// ResetQueryPool records a reset of query slots.
func (b *CommandBuffer) ResetQueryPool(p *query.Pool, first, count uint32) {
	if b.recording() && b.querySlot("ResetQueryPool", p, first, count) {
		b.add(ResetQueryPoolCommand{Pool: p, First: first, Count: count})
	}
}

// CopyQueryResults records a copy of query results into dst.
func (b *CommandBuffer) CopyQueryResults(p *query.Pool, first, count uint32, dst *memory.Buffer, offset, stride uint64, flags query.ResultFlags) {
	if !b.recording() || !b.querySlot("CopyQueryResults", p, first, count) {
		return
	}
	if dst == nil || (count > 0 && stride < flags.Stride()) {
		b.fail("CopyQueryResults: stride %d", stride)
		return
	}
	b.add(CopyQueryResultsCommand{Pool: p, First: first, Count: count, Dst: dst, Offset: offset, Stride: stride, Flags: flags})
}

func (b *CommandBuffer) graphicsDynamic(d pipeline.Dynamic) (*pipeline.Pipeline, bool) {
	g := b.rec.graphics
	return g, g != nil && g.Dynamic().Has(d)
}

// SetViewport records viewports starting at first. The command carries
// the whole viewport array.
func (b *CommandBuffer) SetViewport(first uint32, vps []native.Viewport) {
	if !b.recording() {
		return
	}
	if uint64(first)+uint64(len(vps)) > native.MaxViewports {
		b.fail("SetViewport: [%d,+%d)", first, len(vps))
		return
	}
	if need := int(first) + len(vps); len(b.rec.viewports) < need {
		b.rec.viewports = append(b.rec.viewports, make([]native.Viewport, need-len(b.rec.viewports))...)
	}
	copy(b.rec.viewports[first:], vps)
	if _, ok := b.graphicsDynamic(pipeline.DynamicViewport); ok || b.rec.graphics == nil {
		b.add(SetViewportCommand{Viewports: slices.Clone(b.rec.viewports)})
	}
}

// SetScissor records scissor rectangles starting at first.
func (b *CommandBuffer) SetScissor(first uint32, rects []native.Rect) {
	if !b.recording() {
		return
	}
	if uint64(first)+uint64(len(rects)) > native.MaxViewports {
		b.fail("SetScissor: [%d,+%d)", first, len(rects))
		return
	}
	if need := int(first) + len(rects); len(b.rec.scissors) < need {
		b.rec.scissors = append(b.rec.scissors, make([]native.Rect, need-len(b.rec.scissors))...)
	}
	copy(b.rec.scissors[first:], rects)
	if _, ok := b.graphicsDynamic(pipeline.DynamicScissor); ok || b.rec.graphics == nil {
		b.add(SetScissorCommand{Rects: slices.Clone(b.rec.scissors)})
	}
}

// SetBlendConstants records blend constants. Pipelines bound later bake
// them; the current pipeline is rebound with them if they are dynamic
// for it.
func (b *CommandBuffer) SetBlendConstants(c f32.Vec4) {
	if !b.recording() {
		return
	}
	b.rec.blendConstants = c
	if g, ok := b.graphicsDynamic(pipeline.DynamicBlendConstants); ok {
		b.add(SetBlendConstantsCommand{Blend: g.BlendState(), Constants: c, SampleMask: g.SampleMask()})
	}
}

func (b *CommandBuffer) currentDepthStencil(g *pipeline.Pipeline) (native.DepthStencilState, uint32) {
	ds, ref := g.DepthStencilState(), g.StencilReference()
	if g.Dynamic().Has(pipeline.DynamicDepthStencil) {
		ds = b.rec.depthStencil
	}
	if g.Dynamic().Has(pipeline.DynamicStencilReference) {
		ref = b.rec.stencilRef
	}
	return ds, ref
}

// SetStencilReference records the stencil reference.
func (b *CommandBuffer) SetStencilReference(ref uint32) {
	if !b.recording() {
		return
	}
	b.rec.stencilRef = ref
	if g, ok := b.graphicsDynamic(pipeline.DynamicStencilReference); ok {
		ds, _ := b.currentDepthStencil(g)
		b.add(SetStencilReferenceCommand{DepthStencil: ds, Reference: ref})
	}
}

// SetDepthBias records the depth bias.
func (b *CommandBuffer) SetDepthBias(bias pipeline.DepthBias) {
	if !b.recording() {
		return
	}
	b.rec.bias = bias
	if g, ok := b.graphicsDynamic(pipeline.DynamicDepthBias); ok {
		b.add(SetDepthBiasCommand{Rasterizer: b.biasedRasterizer(g)})
	}
}

// SetDepthStencilState records a depth-stencil state for pipelines that
// take it dynamically. The native object comes from the state cache.
func (b *CommandBuffer) SetDepthStencilState(s pipeline.DepthStencilState) {
	if !b.recording() {
		return
	}
	cfg := b.config()
	if cfg.Cache == nil {
		b.fail("SetDepthStencilState: no state cache")
		return
	}
	ds, err := cfg.Cache.DepthStencil(s.Native())
	if err != nil {
		cfg.Sink.Errorf(diag.CategoryGeneral, b.object, "depth-stencil state: %v", err)
	}
	b.rec.depthStencil = ds
	if g, ok := b.graphicsDynamic(pipeline.DynamicDepthStencil); ok {
		_, ref := b.currentDepthStencil(g)
		b.add(SetDepthStencilStateCommand{DepthStencil: ds, Reference: ref})
	}
}

// PushConstants writes data into the staging area at offset and uploads
// a snapshot to the matching push buffer of each bound pipeline. An update
// no push buffer matches only changes the staging area.
func (b *CommandBuffer) PushConstants(layout *pipeline.Layout, stages gputypes.ShaderStage, offset uint32, data []byte) {
	if !b.recording() {
		return
	}
	if uint64(offset)+uint64(len(data)) > PushConstantSize || stages == 0 {
		b.fail("PushConstants: [%d,+%d) for %v", offset, len(data), stages)
		return
	}
	if layout != nil && layout.PushStages()&stages != stages {
		b.fail("PushConstants: stages %v outside layout %v", stages, layout.PushStages())
		return
	}
	copy(b.rec.push[offset:], data)
	b.rec.pushed = true
	for _, p := range []*pipeline.Pipeline{b.rec.graphics, b.rec.compute} {
		if p == nil {
			continue
		}
		var bits gputypes.ShaderStage
		for _, st := range p.BindPoint().Stages() {
			bits |= st.Bit()
		}
		mask := stages & bits
		if mask == 0 {
			continue
		}
		if pb := p.FindPushConstantBuffer(mask, offset, uint32(len(data))); pb != nil { // #nosec G115 -- bounded by PushConstantSize
			b.add(PushConstantsCommand{Buffer: pb, Data: slices.Clone(b.rec.push[:])})
		}
	}
}

// PipelineBarrier records a barrier.
func (b *CommandBuffer) PipelineBarrier() {
	if b.recording() {
		b.add(PipelineBarrierCommand{})
	}
}

// SetEvent records setting e.
func (b *CommandBuffer) SetEvent(e *syncobj.Event) {
	if !b.recording() {
		return
	}
	if e == nil {
		b.fail("SetEvent: nil event")
		return
	}
	b.add(SetEventCommand{Event: e})
}

// ResetEvent records resetting e.
func (b *CommandBuffer) ResetEvent(e *syncobj.Event) {
	if !b.recording() {
		return
	}
	if e == nil {
		b.fail("ResetEvent: nil event")
		return
	}
	b.add(ResetEventCommand{Event: e})
}

// WaitEvents records a wait for events.
func (b *CommandBuffer) WaitEvents(events []*syncobj.Event) {
	if !b.recording() {
		return
	}
	if slices.Contains(events, nil) {
		b.fail("WaitEvents: nil event")
		return
	}
	b.add(WaitEventsCommand{Events: slices.Clone(events)})
}

// ExecuteSecondary records execution of secondary buffers. Each buffer is
// cloned now, so later resets of it do not affect b. Bound pipelines are
// unknown afterwards.
func (b *CommandBuffer) ExecuteSecondary(bufs ...*CommandBuffer) {
	if !b.recording() {
		return
	}
	if b.level != LevelPrimary {
		b.fail("ExecuteSecondary: from a secondary buffer")
		return
	}
	cmd := ExecuteSecondaryCommand{Buffers: make([]*CommandBuffer, len(bufs))}
	for i, sec := range bufs {
		if sec == nil || sec.level != LevelSecondary || sec.Status() != StatusExecutable {
			b.fail("ExecuteSecondary: buffer %d is not an executable secondary", i)
			return
		}
		cmd.Buffers[i] = sec.Clone()
		b.mask |= sec.mask
	}
	b.add(cmd)
	b.rec.graphics, b.rec.compute = nil, nil
}

// BeginRenderPass records the start of a render pass on fb.
func (b *CommandBuffer) BeginRenderPass(rp *pass.RenderPass, fb *pass.Framebuffer, clears []pass.ClearValue) {
	if !b.recording() {
		return
	}
	if rp == nil || fb == nil || b.rec.inPass || b.level != LevelPrimary {
		b.fail("BeginRenderPass: nested, secondary, or nil pass")
		return
	}
	b.rec.pass, b.rec.framebuffer, b.rec.subpass, b.rec.inPass = rp, fb, 0, true
	b.add(BeginRenderPassCommand{Pass: rp, Framebuffer: fb, Clears: slices.Clone(clears)})
}

// NextSubpass records the transition to the next subpass. clears are the
// clear values given to BeginRenderPass.
func (b *CommandBuffer) NextSubpass(clears []pass.ClearValue) {
	if !b.recording() {
		return
	}
	if !b.rec.inPass || b.level != LevelPrimary || b.rec.subpass+1 >= b.rec.pass.Subpasses() {
		b.fail("NextSubpass: no next subpass")
		return
	}
	b.rec.subpass++
	b.add(NextSubpassCommand{Pass: b.rec.pass, Framebuffer: b.rec.framebuffer, Subpass: b.rec.subpass, Clears: slices.Clone(clears)})
}

// EndRenderPass records the end of the render pass.
func (b *CommandBuffer) EndRenderPass() {
	if !b.recording() {
		return
	}
	if !b.rec.inPass || b.level != LevelPrimary {
		b.fail("EndRenderPass: no render pass")
		return
	}
	b.add(EndRenderPassCommand{Pass: b.rec.pass, Framebuffer: b.rec.framebuffer, Subpass: b.rec.subpass})
	b.rec.pass, b.rec.framebuffer, b.rec.inPass = nil, nil, false
}
