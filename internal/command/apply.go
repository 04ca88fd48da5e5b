package command

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/internal/memory"
	"github.com/gogpu/explicit/internal/pipeline"
	"github.com/gogpu/explicit/native"
)

// replayer applies commands to an execution context.
type replayer struct {
	ctx    *exec.Context
	wait   context.Context
	policy FailurePolicy
	object uint64
}

// run applies cmds in order. Failures are reported through the context and
// do not stop the stream unless the device is lost or the policy aborts.
func (r *replayer) run(cmds []Command) error {
	for i, cmd := range cmds {
		if sec, ok := cmd.(ExecuteSecondaryCommand); ok {
			for _, b := range sec.Buffers {
				if err := r.run(b.commands); err != nil {
					return err
				}
			}
			continue
		}
		err := r.apply(cmd)
		if err == nil {
			continue
		}
		_ = r.ctx.Fail(cmd.Type().String(), r.object, err)
		if native.IsDeviceLost(err) {
			return err
		}
		if r.policy == AbortCommandBuffer {
			return fmt.Errorf("%w at command %d (%v): %w", ErrAborted, i, cmd.Type(), err)
		}
	}
	return nil
}

func nativeBuffer(b *memory.Buffer) (native.Buffer, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil buffer", memory.ErrNotBound)
	}
	n := b.Native()
	if n == nil {
		return nil, fmt.Errorf("%w: buffer %q", memory.ErrNotBound, b.Info().Label)
	}
	return n, nil
}

func nativeImage(img *memory.Image) (native.Texture, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", memory.ErrNotBound)
	}
	n := img.Native()
	if n == nil {
		return nil, fmt.Errorf("%w: image %q", memory.ErrNotBound, img.Info().Label)
	}
	return n, nil
}

// apply runs the apply step of one command. The caller holds the context
// lock.
func (r *replayer) apply(cmd Command) error {
	ctx := r.ctx
	nc := ctx.Native()
	switch c := cmd.(type) {
	case BindPipelineCommand:
		return c.Pipeline.Bind(ctx, c.State)
	case BindVertexBuffersCommand:
		bufs := make([]native.Buffer, len(c.Buffers))
		var errs []error
		for i, b := range c.Buffers {
			n, err := nativeBuffer(b)
			errs = append(errs, err)
			bufs[i] = n
		}
		nc.IASetVertexBuffers(c.First, bufs, c.Strides, c.Offsets)
		return errors.Join(errs...)
	case BindIndexBufferCommand:
		n, err := nativeBuffer(c.Buffer)
		if err != nil {
			return err
		}
		nc.IASetIndexBuffer(n, c.Format, c.Offset)
		return nil
	case BindDescriptorSetsCommand:
		var errs []error
		for i, s := range c.Sets {
			errs = append(errs, s.Apply(ctx, c.Layout, c.First+uint32(i), c.Bind.Stages(), c.Dynamic[i])) // #nosec G115 -- set count is bounded by the layout
		}
		return errors.Join(errs...)

	case DrawCommand:
		return nc.DrawInstanced(c.VertexCount, c.InstanceCount, c.FirstVertex, c.FirstInstance)
	case DrawIndexedCommand:
		return nc.DrawIndexedInstanced(c.IndexCount, c.InstanceCount, c.FirstIndex, c.VertexOffset, c.FirstInstance)
	case DrawIndirectCommand:
		return drawIndirect(c.Buffer, c.Offset, c.Count, c.Stride, nc.DrawInstancedIndirect)
	case DrawIndexedIndirectCommand:
		return drawIndirect(c.Buffer, c.Offset, c.Count, c.Stride, nc.DrawIndexedInstancedIndirect)
	case DispatchCommand:
		return nc.Dispatch(c.X, c.Y, c.Z)
	case DispatchIndirectCommand:
		n, err := nativeBuffer(c.Buffer)
		if err != nil {
			return err
		}
		return nc.DispatchIndirect(n, c.Offset)

	case CopyBufferCommand:
		src, err := nativeBuffer(c.Src)
		if err != nil {
			return err
		}
		dst, err := nativeBuffer(c.Dst)
		if err != nil {
			return err
		}
		var errs []error
		for _, reg := range c.Regions {
			errs = append(errs, nc.CopyBufferRegion(dst, reg.DstOffset, src, reg.SrcOffset, reg.Size))
		}
		return errors.Join(errs...)
	case CopyImageCommand:
		return copyImage(nc, c)
	case CopyBufferToImageCommand:
		return r.copyBufferToImage(c)
	case CopyImageToBufferCommand:
		return r.copyImageToBuffer(c)
	case UpdateBufferCommand:
		dst, err := nativeBuffer(c.Dst)
		if err != nil {
			return err
		}
		return ctx.WriteBufferLocked(dst, c.Offset, c.Data)
	case FillBufferCommand:
		dst, err := nativeBuffer(c.Dst)
		if err != nil {
			return err
		}
		data := make([]byte, c.Size)
		for i := 0; i+4 <= len(data); i += 4 {
			binary.LittleEndian.PutUint32(data[i:], c.Value)
		}
		return ctx.WriteBufferLocked(dst, c.Offset, data)
	case ClearColorCommand:
		return r.clearColor(c)
	case ClearDepthStencilCommand:
		return r.clearDepthStencil(c)
	case ClearAttachmentsCommand:
		var errs []error
		for _, a := range c.Attachments {
			if a.Flags == 0 {
				errs = append(errs, nc.ClearRenderTargetView(a.View.RTV(), a.Value.Color))
			} else {
				errs = append(errs, nc.ClearDepthStencilView(a.View.DSV(), a.Flags, a.Value.Depth, a.Value.Stencil))
			}
		}
		return errors.Join(errs...)
	case ResolveImageCommand:
		src, err := nativeImage(c.Src)
		if err != nil {
			return err
		}
		dst, err := nativeImage(c.Dst)
		if err != nil {
			return err
		}
		sd, dd := src.Desc(), dst.Desc()
		var errs []error
		for _, reg := range c.Regions {
			for l := range max(reg.Src.LayerCount, 1) {
				errs = append(errs, nc.ResolveSubresource(
					dst, native.Subresource(reg.Dst.Mip, reg.Dst.BaseLayer+l, dd.MipLevels),
					src, native.Subresource(reg.Src.Mip, reg.Src.BaseLayer+l, sd.MipLevels),
					dd.Format))
			}
		}
		return errors.Join(errs...)
	case GenerateMipsCommand:
		return nc.GenerateMips(c.View.SRV())

	case BeginQueryCommand:
		return c.Pool.BeginLocked(ctx, c.Index)
	case EndQueryCommand:
		return c.Pool.EndLocked(ctx, c.Index)
	case WriteTimestampCommand:
		return c.Pool.EndLocked(ctx, c.Index)
	case ResetQueryPoolCommand:
		return c.Pool.Reset(c.First, c.Count)
	case CopyQueryResultsCommand:
		dst, err := nativeBuffer(c.Dst)
		if err != nil {
			return err
		}
		return c.Pool.CopyLocked(r.wait, ctx, c.First, c.Count, dst, c.Offset, c.Stride, c.Flags)

	case SetViewportCommand:
		nc.RSSetViewports(c.Viewports)
	case SetScissorCommand:
		nc.RSSetScissorRects(c.Rects)
	case SetBlendConstantsCommand:
		nc.OMSetBlendState(c.Blend, c.Constants, c.SampleMask)
	case SetStencilReferenceCommand:
		nc.OMSetDepthStencilState(c.DepthStencil, c.Reference)
	case SetDepthBiasCommand:
		nc.RSSetState(c.Rasterizer)
	case SetDepthStencilStateCommand:
		nc.OMSetDepthStencilState(c.DepthStencil, c.Reference)
	case PushConstantsCommand:
		return c.Buffer.Update(ctx, c.Data)

	case PipelineBarrierCommand:
	case SetEventCommand:
		c.Event.Set()
	case ResetEventCommand:
		c.Event.Reset()
	case WaitEventsCommand:
		for _, e := range c.Events {
			if !e.Status() {
				ctx.Sink().Warnf(diag.CategoryValidation, r.object, "wait on event %q that is not set", e.Label())
			}
		}

	case BeginRenderPassCommand:
		return c.Framebuffer.BeginSubpass(ctx, c.Pass, 0, c.Clears)
	case NextSubpassCommand:
		err := c.Framebuffer.EndSubpass(ctx, c.Pass, c.Subpass-1)
		return errors.Join(err, c.Framebuffer.BeginSubpass(ctx, c.Pass, c.Subpass, c.Clears))
	case EndRenderPassCommand:
		err := c.Framebuffer.EndSubpass(ctx, c.Pass, c.Subpass)
		c.Framebuffer.End(ctx)
		return err
	default:
		return fmt.Errorf("command: no apply step for %v", cmd.Type())
	}
	return nil
}

// remove reverses the binding a command made. It reports false for
// commands without a remove step.
func remove(ctx *exec.Context, cmd Command) bool {
	nc := ctx.Native()
	switch c := cmd.(type) {
	case BindPipelineCommand:
		c.Pipeline.Unbind(ctx)
	case BindVertexBuffersCommand:
		n := len(c.Buffers)
		nc.IASetVertexBuffers(c.First, make([]native.Buffer, n), make([]uint32, n), make([]uint32, n))
	case BindIndexBufferCommand:
		nc.IASetIndexBuffer(nil, c.Format, 0)
	case BindDescriptorSetsCommand:
		for i := range c.Sets {
			pipeline.Unbind(ctx, c.Layout, c.First+uint32(i), c.Bind.Stages()) // #nosec G115 -- set count is bounded by the layout
		}
	default:
		return false
	}
	return true
}

// group returns the binding group a command with a remove step sets.
func group(cmd Command) StateMask {
	switch c := cmd.(type) {
	case BindPipelineCommand:
		if c.Pipeline.BindPoint() == pipeline.BindCompute {
			return GroupComputePipeline
		}
		return GroupGraphicsPipeline
	case BindVertexBuffersCommand:
		return GroupVertexBuffers
	case BindIndexBufferCommand:
		return GroupIndexBuffer
	case BindDescriptorSetsCommand:
		if c.Bind == pipeline.BindCompute {
			return GroupComputeSets
		}
		return GroupGraphicsSets
	}
	return 0
}

func drawIndirect(b *memory.Buffer, offset, count, stride uint32, draw func(native.Buffer, uint32) error) error {
	n, err := nativeBuffer(b)
	if err != nil {
		return err
	}
	var errs []error
	for i := range count {
		errs = append(errs, draw(n, offset+i*stride))
	}
	return errors.Join(errs...)
}

func copyImage(nc native.Context, c CopyImageCommand) error {
	src, err := nativeImage(c.Src)
	if err != nil {
		return err
	}
	dst, err := nativeImage(c.Dst)
	if err != nil {
		return err
	}
	sd, dd := src.Desc(), dst.Desc()
	var errs []error
	for _, reg := range c.Regions {
		e := reg.Extent
		box := native.Box{
			Left: reg.SrcOffset.X, Right: reg.SrcOffset.X + e.Width,
			Top: reg.SrcOffset.Y, Bottom: reg.SrcOffset.Y + max(e.Height, 1),
			Front: reg.SrcOffset.Z, Back: reg.SrcOffset.Z + max(e.DepthOrArrayLayers, 1),
		}
		if sd.Dimension != gputypes.TextureDimension3D {
			box.Front, box.Back = 0, 1
		}
		for l := range max(reg.Src.LayerCount, 1) {
			errs = append(errs, nc.CopyTextureRegion(
				dst, native.Subresource(reg.Dst.Mip, reg.Dst.BaseLayer+l, dd.MipLevels),
				reg.DstOffset.X, reg.DstOffset.Y, reg.DstOffset.Z,
				src, native.Subresource(reg.Src.Mip, reg.Src.BaseLayer+l, sd.MipLevels), &box))
		}
	}
	return errors.Join(errs...)
}

// bufferLayout returns the byte layout of a buffer-image region: pitches,
// the size of one layer, and the box it covers in the image.
func bufferLayout(desc native.TextureDesc, reg BufferImageCopy) (rowPitch, slicePitch uint32, layerSize uint64, box native.Box) {
	rowLength, imageHeight := reg.RowLength, reg.ImageHeight
	if rowLength == 0 {
		rowLength = reg.Extent.Width
	}
	if imageHeight == 0 {
		imageHeight = reg.Extent.Height
	}
	depth := max(reg.Extent.DepthOrArrayLayers, 1)
	if desc.Dimension != gputypes.TextureDimension3D {
		depth = 1
	}
	rowPitch = native.RowPitch(desc.Format, rowLength)
	slicePitch = rowPitch * native.RowCount(desc.Format, imageHeight)
	box = native.Box{
		Left: reg.Offset.X, Right: reg.Offset.X + reg.Extent.Width,
		Top: reg.Offset.Y, Bottom: reg.Offset.Y + max(reg.Extent.Height, 1),
		Front: reg.Offset.Z, Back: reg.Offset.Z + depth,
	}
	layerSize = uint64(slicePitch)*uint64(depth-1) +
		uint64(rowPitch)*uint64(native.RowCount(desc.Format, max(reg.Extent.Height, 1))-1) +
		uint64(native.RowPitch(desc.Format, reg.Extent.Width))
	return rowPitch, slicePitch, layerSize, box
}

// copyBufferToImage stages the buffer bytes on the host; the substrate
// has no buffer-to-texture copy.
func (r *replayer) copyBufferToImage(c CopyBufferToImageCommand) error {
	src, err := nativeBuffer(c.Src)
	if err != nil {
		return err
	}
	dst, err := nativeImage(c.Dst)
	if err != nil {
		return err
	}
	desc := dst.Desc()
	var errs []error
	for _, reg := range c.Regions {
		rowPitch, slicePitch, size, box := bufferLayout(desc, reg)
		layerStride := uint64(slicePitch) * uint64(box.Back-box.Front)
		for l := range max(reg.Image.LayerCount, 1) {
			data := make([]byte, size)
			if err := r.ctx.ReadBufferLocked(src, reg.BufferOffset+uint64(l)*layerStride, data); err != nil {
				errs = append(errs, err)
				continue
			}
			sub := native.Subresource(reg.Image.Mip, reg.Image.BaseLayer+l, desc.MipLevels)
			errs = append(errs, r.ctx.WriteTextureRegionLocked(dst, sub, box, data, rowPitch, slicePitch))
		}
	}
	return errors.Join(errs...)
}

func (r *replayer) copyImageToBuffer(c CopyImageToBufferCommand) error {
	src, err := nativeImage(c.Src)
	if err != nil {
		return err
	}
	dst, err := nativeBuffer(c.Dst)
	if err != nil {
		return err
	}
	desc := src.Desc()
	var errs []error
	for _, reg := range c.Regions {
		rowPitch, slicePitch, size, box := bufferLayout(desc, reg)
		layerStride := uint64(slicePitch) * uint64(box.Back-box.Front)
		for l := range max(reg.Image.LayerCount, 1) {
			sub := native.Subresource(reg.Image.Mip, reg.Image.BaseLayer+l, desc.MipLevels)
			data := make([]byte, size)
			if err := r.ctx.ReadTextureRegionLocked(src, sub, box, data, rowPitch, slicePitch); err != nil {
				errs = append(errs, err)
				continue
			}
			off := reg.BufferOffset + uint64(l)*layerStride
			if rowPitch == native.RowPitch(desc.Format, box.Right-box.Left) {
				errs = append(errs, r.ctx.WriteBufferLocked(dst, off, data))
				continue
			}
			// Write row by row so bytes between rows keep their contents.
			rows := native.RowCount(desc.Format, box.Bottom-box.Top)
			row := uint64(native.RowPitch(desc.Format, box.Right-box.Left))
			for z := range box.Back - box.Front {
				for y := range rows {
					o := uint64(z)*uint64(slicePitch) + uint64(y)*uint64(rowPitch)
					errs = append(errs, r.ctx.WriteBufferLocked(dst, off+o, data[o:o+row]))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// eachSubresource calls fn for every mip of every range, with the layer
// span of the range.
func eachSubresource(desc native.TextureDesc, ranges []SubresourceRange, fn func(mip, baseLayer, layers uint32) error) error {
	var errs []error
	for _, rg := range ranges {
		mips, layers := rg.MipCount, rg.LayerCount
		if mips == 0 {
			mips = desc.MipLevels - min(rg.BaseMip, desc.MipLevels)
		}
		if layers == 0 {
			layers = desc.ArraySize - min(rg.BaseLayer, desc.ArraySize)
		}
		for m := rg.BaseMip; m < rg.BaseMip+mips; m++ {
			errs = append(errs, fn(m, rg.BaseLayer, layers))
		}
	}
	return errors.Join(errs...)
}

// clearColor clears through transient render target views, or by writing
// encoded texels when the image cannot be a render target.
func (r *replayer) clearColor(c ClearColorCommand) error {
	tex, err := nativeImage(c.Image)
	if err != nil {
		return err
	}
	desc := tex.Desc()
	dev, nc := r.ctx.Device(), r.ctx.Native()
	return eachSubresource(desc, c.Ranges, func(mip, base, layers uint32) error {
		if desc.Bind.Has(native.BindRenderTarget) {
			rtv, err := dev.CreateRenderTargetView(tex, native.ViewDesc{BaseMip: mip, MipCount: 1, BaseLayer: base, LayerCount: layers})
			if err != nil {
				return err
			}
			defer rtv.Release()
			return nc.ClearRenderTargetView(rtv, c.Color)
		}
		texel, ok := native.EncodeColor(desc.Format, c.Color)
		if !ok {
			return native.Errorf("ClearColor", native.CodeUnsupported, "clear of format %v", desc.Format)
		}
		data := make([]byte, native.SubresourceSize(desc, mip))
		for i := 0; i+len(texel) <= len(data); i += len(texel) {
			copy(data[i:], texel)
		}
		var errs []error
		for l := base; l < base+layers; l++ {
			errs = append(errs, r.ctx.WriteTextureLocked(tex, native.Subresource(mip, l, desc.MipLevels), data, 0, 0))
		}
		return errors.Join(errs...)
	})
}

// clearDepthStencil clears through transient depth-stencil views, or by a
// read-modify-write of host-visible images.
func (r *replayer) clearDepthStencil(c ClearDepthStencilCommand) error {
	tex, err := nativeImage(c.Image)
	if err != nil {
		return err
	}
	desc := tex.Desc()
	dev, nc := r.ctx.Device(), r.ctx.Native()
	return eachSubresource(desc, c.Ranges, func(mip, base, layers uint32) error {
		if desc.Bind.Has(native.BindDepthStencil) {
			dsv, err := dev.CreateDepthStencilView(tex, native.ViewDesc{BaseMip: mip, MipCount: 1, BaseLayer: base, LayerCount: layers})
			if err != nil {
				return err
			}
			defer dsv.Release()
			return nc.ClearDepthStencilView(dsv, c.Flags, c.Depth, c.Stencil)
		}
		bi, _ := native.FormatInfo(desc.Format)
		var errs []error
		for l := base; l < base+layers; l++ {
			sub := native.Subresource(mip, l, desc.MipLevels)
			data := make([]byte, native.SubresourceSize(desc, mip))
			if err := r.ctx.ReadTextureLocked(tex, sub, data, 0, 0); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := fillDepthStencil(desc.Format, int(bi.Size), data, c); err != nil {
				errs = append(errs, err)
				break
			}
			errs = append(errs, r.ctx.WriteTextureLocked(tex, sub, data, 0, 0))
		}
		return errors.Join(errs...)
	})
}

// fillDepthStencil applies the clear of c to every texel of data.
func fillDepthStencil(format gputypes.TextureFormat, size int, data []byte, c ClearDepthStencilCommand) error {
	if size <= 0 {
		return native.Errorf("ClearDepthStencil", native.CodeUnsupported, "clear of format %v", format)
	}
	for i := 0; i+size <= len(data); i += size {
		if !native.EncodeDepthStencil(format, data[i:i+size], c.Flags, c.Depth, c.Stencil) {
			return native.Errorf("ClearDepthStencil", native.CodeUnsupported, "clear of format %v", format)
		}
	}
	return nil
}

// clone returns an independently owned copy of cmd.
func clone(cmd Command) Command {
	switch c := cmd.(type) {
	case BindPipelineCommand:
		c.State.PushConstants = slices.Clone(c.State.PushConstants)
		c.State.Viewports = slices.Clone(c.State.Viewports)
		c.State.Scissors = slices.Clone(c.State.Scissors)
		return c
	case BindVertexBuffersCommand:
		c.Buffers, c.Offsets, c.Strides = slices.Clone(c.Buffers), slices.Clone(c.Offsets), slices.Clone(c.Strides)
		return c
	case BindDescriptorSetsCommand:
		c.Sets = slices.Clone(c.Sets)
		dyn := make([][]uint32, len(c.Dynamic))
		for i, d := range c.Dynamic {
			dyn[i] = slices.Clone(d)
		}
		c.Dynamic = dyn
		return c
	case CopyBufferCommand:
		c.Regions = slices.Clone(c.Regions)
		return c
	case CopyImageCommand:
		c.Regions = slices.Clone(c.Regions)
		return c
	case CopyBufferToImageCommand:
		c.Regions = slices.Clone(c.Regions)
		return c
	case CopyImageToBufferCommand:
		c.Regions = slices.Clone(c.Regions)
		return c
	case UpdateBufferCommand:
		c.Data = slices.Clone(c.Data)
		return c
	case ClearColorCommand:
		c.Ranges = slices.Clone(c.Ranges)
		return c
	case ClearDepthStencilCommand:
		c.Ranges = slices.Clone(c.Ranges)
		return c
	case ClearAttachmentsCommand:
		c.Attachments, c.Rects = slices.Clone(c.Attachments), slices.Clone(c.Rects)
		return c
	case ResolveImageCommand:
		c.Regions = slices.Clone(c.Regions)
		return c
	case SetViewportCommand:
		c.Viewports = slices.Clone(c.Viewports)
		return c
	case SetScissorCommand:
		c.Rects = slices.Clone(c.Rects)
		return c
	case PushConstantsCommand:
		c.Data = slices.Clone(c.Data)
		return c
	case WaitEventsCommand:
		c.Events = slices.Clone(c.Events)
		return c
	case ExecuteSecondaryCommand:
		bufs := make([]*CommandBuffer, len(c.Buffers))
		for i, b := range c.Buffers {
			bufs[i] = b.Clone()
		}
		c.Buffers = bufs
		return c
	case BeginRenderPassCommand:
		c.Clears = slices.Clone(c.Clears)
		return c
	case NextSubpassCommand:
		c.Clears = slices.Clone(c.Clears)
		return c
	}
	// The remaining commands hold no slices.
	return cmd
}
