package soft

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/explicit/native"
)

// begin checks device health, records the call, and advances the tick
// counter used by timestamp queries.
func (c *Context) begin(op string, args ...any) error {
	c.trace.add(op, args...)
	c.ticks++
	return c.dev.check(op)
}

func (c *Context) drawState(op string) error {
	if c.invalid != nil {
		err := native.Errorf(op, native.CodeInvalidArg, "%w", c.invalid)
		c.invalid = nil
		return err
	}
	vs := c.state.Shaders[native.StageVertex]
	if vs == nil {
		return native.Errorf(op, native.CodeInvalidArg, "no vertex shader bound")
	}
	if l := c.state.InputLayout; l != nil {
		for _, e := range l.Elements() {
			if c.state.VertexBuffers[e.Slot].Buffer == nil {
				return native.Errorf(op, native.CodeInvalidArg, "input slot %d (%s) has no vertex buffer", e.Slot, e.Semantic)
			}
		}
	}
	return nil
}

func (c *Context) recordDraw(op string, vertices, instances uint32) {
	c.calls = append(c.calls, Call{Op: op, Vertices: vertices, Instances: instances, State: c.state.clone()})
	for _, q := range c.activeOcclusion() {
		q.value += uint64(vertices) * uint64(instances)
	}
}

func (c *Context) activeOcclusion() []*query {
	var out []*query
	for _, q := range c.open {
		if q.kind == native.QueryOcclusion {
			out = append(out, q)
		}
	}
	return out
}

// DrawInstanced implements native.Context.
func (c *Context) DrawInstanced(vertexCount, instanceCount, startVertex, startInstance uint32) error {
	const op = "DrawInstanced"
	if err := c.begin(op, vertexCount, instanceCount, startVertex, startInstance); err != nil {
		return err
	}
	if err := c.drawState(op); err != nil {
		return err
	}
	c.recordDraw(op, vertexCount, instanceCount)
	return nil
}

// DrawIndexedInstanced implements native.Context.
func (c *Context) DrawIndexedInstanced(indexCount, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32) error {
	const op = "DrawIndexedInstanced"
	if err := c.begin(op, indexCount, instanceCount, startIndex, baseVertex, startInstance); err != nil {
		return err
	}
	if err := c.drawState(op); err != nil {
		return err
	}
	if c.state.IndexBuffer == nil {
		return native.Errorf(op, native.CodeInvalidArg, "no index buffer bound")
	}
	c.recordDraw(op, indexCount, instanceCount)
	return nil
}

func (c *Context) indirectArgs(op string, args native.Buffer, offset uint32, n int) ([]uint32, error) {
	b, ok := args.(*Buffer)
	if !ok || b.Released() {
		return nil, native.Errorf(op, native.CodeInvalidArg, "argument buffer %v", args)
	}
	if !b.desc.Misc.Has(native.MiscDrawIndirectArgs) {
		return nil, native.Errorf(op, native.CodeInvalidArg, "%v lacks indirect-args flag", b)
	}
	if offset%4 != 0 || uint64(offset)+uint64(n)*4 > b.desc.Size {
		return nil, native.Errorf(op, native.CodeInvalidArg, "arguments at %d exceed %v", offset, b)
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b.data[int(offset)+i*4:])
	}
	return out, nil
}

// DrawInstancedIndirect implements native.Context.
func (c *Context) DrawInstancedIndirect(args native.Buffer, offset uint32) error {
	const op = "DrawInstancedIndirect"
	if err := c.begin(op, args, offset); err != nil {
		return err
	}
	if !c.dev.caps.IndirectDraw {
		return native.Errorf(op, native.CodeUnsupported, "indirect draws")
	}
	if err := c.drawState(op); err != nil {
		return err
	}
	a, err := c.indirectArgs(op, args, offset, 4)
	if err != nil {
		return err
	}
	c.recordDraw(op, a[0], a[1])
	return nil
}

// DrawIndexedInstancedIndirect implements native.Context.
func (c *Context) DrawIndexedInstancedIndirect(args native.Buffer, offset uint32) error {
	const op = "DrawIndexedInstancedIndirect"
	if err := c.begin(op, args, offset); err != nil {
		return err
	}
	if !c.dev.caps.IndirectDraw {
		return native.Errorf(op, native.CodeUnsupported, "indirect draws")
	}
	if err := c.drawState(op); err != nil {
		return err
	}
	if c.state.IndexBuffer == nil {
		return native.Errorf(op, native.CodeInvalidArg, "no index buffer bound")
	}
	a, err := c.indirectArgs(op, args, offset, 5)
	if err != nil {
		return err
	}
	c.recordDraw(op, a[0], a[1])
	return nil
}

func (c *Context) dispatchState(op string) error {
	if !c.dev.caps.Compute {
		return native.Errorf(op, native.CodeUnsupported, "compute")
	}
	if c.invalid != nil {
		err := native.Errorf(op, native.CodeInvalidArg, "%w", c.invalid)
		c.invalid = nil
		return err
	}
	if c.state.Shaders[native.StageCompute] == nil {
		return native.Errorf(op, native.CodeInvalidArg, "no compute shader bound")
	}
	return nil
}

// Dispatch implements native.Context.
func (c *Context) Dispatch(x, y, z uint32) error {
	const op = "Dispatch"
	if err := c.begin(op, x, y, z); err != nil {
		return err
	}
	if err := c.dispatchState(op); err != nil {
		return err
	}
	c.calls = append(c.calls, Call{Op: op, Vertices: x * y * z, Instances: 1, State: c.state.clone()})
	return nil
}

// DispatchIndirect implements native.Context.
func (c *Context) DispatchIndirect(args native.Buffer, offset uint32) error {
	const op = "DispatchIndirect"
	if err := c.begin(op, args, offset); err != nil {
		return err
	}
	if err := c.dispatchState(op); err != nil {
		return err
	}
	a, err := c.indirectArgs(op, args, offset, 3)
	if err != nil {
		return err
	}
	c.calls = append(c.calls, Call{Op: op, Vertices: a[0] * a[1] * a[2], Instances: 1, State: c.state.clone()})
	return nil
}

// gpuWritable reports whether copies may target resources of usage u.
func gpuWritable(u native.Usage) bool {
	return u == native.UsageDefault || u == native.UsageStaging
}

// CopyResource implements native.Context.
func (c *Context) CopyResource(dst, src native.Resource) error {
	const op = "CopyResource"
	if err := c.begin(op, dst, src); err != nil {
		return err
	}
	switch d := dst.(type) {
	case *Buffer:
		s, ok := src.(*Buffer)
		if !ok || s.desc.Size != d.desc.Size {
			return native.Errorf(op, native.CodeInvalidArg, "%v and %v differ in shape", dst, src)
		}
		if err := c.copyable(op, d.desc.Usage, d, s); err != nil {
			return err
		}
		copy(d.data, s.data)
	case *Texture:
		s, ok := src.(*Texture)
		if !ok || !sameShape(d.desc, s.desc) {
			return native.Errorf(op, native.CodeInvalidArg, "%v and %v differ in shape", dst, src)
		}
		if err := c.copyable(op, d.desc.Usage, d, s); err != nil {
			return err
		}
		for i := range d.subs {
			copy(d.subs[i], s.subs[i])
		}
	default:
		return native.Errorf(op, native.CodeInvalidArg, "foreign resource %T", dst)
	}
	return nil
}

func sameShape(a, b native.TextureDesc) bool {
	return a.Width == b.Width && a.Height == b.Height && a.Depth == b.Depth &&
		a.ArraySize == b.ArraySize && a.MipLevels == b.MipLevels && a.SampleCount == b.SampleCount &&
		compatible(a.Format, b.Format)
}

func (c *Context) copyable(op string, dstUsage native.Usage, dst, src native.Object) error {
	if !gpuWritable(dstUsage) {
		return native.Errorf(op, native.CodeInvalidArg, "%v has %v usage and cannot be a copy destination", dst, dstUsage)
	}
	type mappable interface{ isMapped() bool }
	for _, o := range []native.Object{dst, src} {
		if m, ok := o.(mappable); ok && m.isMapped() {
			return native.Errorf(op, native.CodeInvalidArg, "%v is mapped", o)
		}
		if r, ok := o.(interface{ Released() bool }); ok && r.Released() {
			return native.Errorf(op, native.CodeInvalidArg, "%v is released", o)
		}
	}
	return nil
}

func (b *Buffer) isMapped() bool { return b.mapped }

func (t *Texture) isMapped() bool { return len(t.mapped) != 0 }

// CopyBufferRegion implements native.Context.
func (c *Context) CopyBufferRegion(dst native.Buffer, dstOffset uint64, src native.Buffer, srcOffset, size uint64) error {
	const op = "CopyBufferRegion"
	if err := c.begin(op, dst, dstOffset, src, srcOffset, size); err != nil {
		return err
	}
	d, ok1 := dst.(*Buffer)
	s, ok2 := src.(*Buffer)
	if !ok1 || !ok2 {
		return native.Errorf(op, native.CodeInvalidArg, "foreign buffer")
	}
	if err := c.copyable(op, d.desc.Usage, d, s); err != nil {
		return err
	}
	if dstOffset+size > d.desc.Size || srcOffset+size > s.desc.Size {
		return native.Errorf(op, native.CodeInvalidArg, "range %d bytes at %d->%d exceeds %v or %v", size, srcOffset, dstOffset, s, d)
	}
	copy(d.data[dstOffset:dstOffset+size], s.data[srcOffset:srcOffset+size])
	return nil
}

// region is a box converted to blocks of a subresource.
type region struct {
	x0, y0, z0 uint32
	w, h, d    uint32 // in blocks
}

func blockRegion(t *Texture, mip uint32, box *native.Box) (region, bool) {
	w, h, depth := t.desc.MipExtent(mip)
	b, _ := native.FormatInfo(t.desc.Format)
	if box == nil {
		return region{w: (w + b.Width - 1) / b.Width, h: (h + b.Height - 1) / b.Height, d: depth}, true
	}
	if box.Right <= box.Left || box.Bottom <= box.Top || box.Back <= box.Front ||
		box.Right > w || box.Bottom > h || box.Back > depth {
		return region{}, false
	}
	if box.Left%b.Width != 0 || box.Top%b.Height != 0 {
		return region{}, false
	}
	return region{
		x0: box.Left / b.Width, y0: box.Top / b.Height, z0: box.Front,
		w: (box.Right - box.Left + b.Width - 1) / b.Width,
		h: (box.Bottom - box.Top + b.Height - 1) / b.Height,
		d: box.Back - box.Front,
	}, true
}

// CopyTextureRegion implements native.Context.
func (c *Context) CopyTextureRegion(dst native.Texture, dstSub, x, y, z uint32, src native.Texture, srcSub uint32, box *native.Box) error {
	const op = "CopyTextureRegion"
	if err := c.begin(op, dst, dstSub, x, y, z, src, srcSub, boxString(box)); err != nil {
		return err
	}
	d, ok1 := dst.(*Texture)
	s, ok2 := src.(*Texture)
	if !ok1 || !ok2 {
		return native.Errorf(op, native.CodeInvalidArg, "foreign texture")
	}
	if err := c.copyable(op, d.desc.Usage, d, s); err != nil {
		return err
	}
	if int(dstSub) >= len(d.subs) || int(srcSub) >= len(s.subs) || !compatible(d.desc.Format, s.desc.Format) {
		return native.Errorf(op, native.CodeInvalidArg, "subresources %d/%d or formats %v/%v", dstSub, srcSub, d.desc.Format, s.desc.Format)
	}
	srcMip, _ := native.SplitSubresource(srcSub, s.desc.MipLevels)
	dstMip, _ := native.SplitSubresource(dstSub, d.desc.MipLevels)
	sr, ok := blockRegion(s, srcMip, box)
	if !ok {
		return native.Errorf(op, native.CodeInvalidArg, "source box %s", boxString(box))
	}
	bi, _ := native.FormatInfo(d.desc.Format)
	dstBox := native.Box{Left: x, Top: y, Front: z,
		Right: x + sr.w*bi.Width, Bottom: y + sr.h*bi.Height, Back: z + sr.d}
	dw, dh, dd := d.desc.MipExtent(dstMip)
	dstBox.Right, dstBox.Bottom, dstBox.Back = min(dstBox.Right, dw), min(dstBox.Bottom, dh), min(dstBox.Back, dd)
	dr, ok := blockRegion(d, dstMip, &dstBox)
	if !ok || dr.w != sr.w || dr.h != sr.h || dr.d != sr.d {
		return native.Errorf(op, native.CodeInvalidArg, "destination region at (%d,%d,%d) out of bounds", x, y, z)
	}
	copyRegion(d.subs[dstSub], d.rowPitch(dstMip), d.slicePitch(dstMip), dr,
		s.subs[srcSub], s.rowPitch(srcMip), s.slicePitch(srcMip), sr, bi.Size)
	return nil
}

func copyRegion(dst []byte, dstRow, dstSlice uint32, dr region, src []byte, srcRow, srcSlice uint32, sr region, block uint32) {
	n := sr.w * block
	for z := range sr.d {
		for y := range sr.h {
			so := (sr.z0+z)*srcSlice + (sr.y0+y)*srcRow + sr.x0*block
			do := (dr.z0+z)*dstSlice + (dr.y0+y)*dstRow + dr.x0*block
			copy(dst[do:do+n], src[so:so+n])
		}
	}
}

func boxString(b *native.Box) string {
	if b == nil {
		return "whole"
	}
	return fmt.Sprintf("[%d,%d,%d)-(%d,%d,%d)", b.Left, b.Top, b.Front, b.Right, b.Bottom, b.Back)
}

// UpdateSubresource implements native.Context.
func (c *Context) UpdateSubresource(dst native.Resource, sub uint32, box *native.Box, data []byte, rowPitch, depthPitch uint32) error {
	const op = "UpdateSubresource"
	if err := c.begin(op, dst, sub, boxString(box), len(data), rowPitch, depthPitch); err != nil {
		return err
	}
	switch d := dst.(type) {
	case *Buffer:
		if d.desc.Usage != native.UsageDefault || d.Released() {
			return native.Errorf(op, native.CodeInvalidArg, "%v has %v usage", d, d.desc.Usage)
		}
		lo, hi := uint64(0), d.desc.Size
		if box != nil {
			lo, hi = uint64(box.Left), uint64(box.Right)
		}
		if sub != 0 || lo >= hi || hi > d.desc.Size || uint64(len(data)) < hi-lo {
			return native.Errorf(op, native.CodeInvalidArg, "range [%d,%d) of %v with %d bytes", lo, hi, d, len(data))
		}
		copy(d.data[lo:hi], data)
	case *Texture:
		if d.desc.Usage != native.UsageDefault || d.Released() {
			return native.Errorf(op, native.CodeInvalidArg, "%v has %v usage", d, d.desc.Usage)
		}
		if int(sub) >= len(d.subs) || d.desc.SampleCount > 1 || d.desc.Bind.Has(native.BindDepthStencil) {
			return native.Errorf(op, native.CodeInvalidArg, "subresource %d of %v", sub, d)
		}
		mip, _ := native.SplitSubresource(sub, d.desc.MipLevels)
		dr, ok := blockRegion(d, mip, box)
		if !ok {
			return native.Errorf(op, native.CodeInvalidArg, "box %s", boxString(box))
		}
		bi, _ := native.FormatInfo(d.desc.Format)
		if rowPitch == 0 {
			rowPitch = dr.w * bi.Size
		}
		if depthPitch == 0 {
			depthPitch = rowPitch * dr.h
		}
		need := uint64(dr.d-1)*uint64(depthPitch) + uint64(dr.h-1)*uint64(rowPitch) + uint64(dr.w*bi.Size)
		if rowPitch < dr.w*bi.Size || uint64(len(data)) < need {
			return native.Errorf(op, native.CodeInvalidArg, "%d bytes with pitch %d for %dx%dx%d blocks", len(data), rowPitch, dr.w, dr.h, dr.d)
		}
		copyRegion(d.subs[sub], d.rowPitch(mip), d.slicePitch(mip), dr,
			data, rowPitch, depthPitch, region{w: dr.w, h: dr.h, d: dr.d}, bi.Size)
	default:
		return native.Errorf(op, native.CodeInvalidArg, "foreign resource %T", dst)
	}
	return nil
}

// viewSubresources calls fn for every subresource covered by a single-mip view.
func viewSubresources(v *view, fn func(t *Texture, sub uint32)) bool {
	t, ok := v.texture()
	if !ok {
		return false
	}
	for layer := v.desc.BaseLayer; layer < v.desc.BaseLayer+v.desc.LayerCount; layer++ {
		fn(t, native.Subresource(v.desc.BaseMip, layer, t.desc.MipLevels))
	}
	return true
}

// ClearRenderTargetView implements native.Context.
func (c *Context) ClearRenderTargetView(rtv native.RenderTargetView, color f32.Vec4) error {
	const op = "ClearRenderTargetView"
	if err := c.begin(op, rtv, format(color)); err != nil {
		return err
	}
	v, ok := rtv.(*view)
	if !ok || v.kind != native.ViewRenderTarget || v.Released() {
		return native.Errorf(op, native.CodeInvalidArg, "%v is not a live render target view", rtv)
	}
	texel, ok := native.EncodeColor(v.desc.Format, color)
	if !ok {
		return native.Errorf(op, native.CodeUnsupported, "clear of format %v", v.desc.Format)
	}
	viewSubresources(v, func(t *Texture, sub uint32) {
		fill(t.subs[sub], texel)
	})
	return nil
}

func fill(dst, pattern []byte) {
	for i := 0; i+len(pattern) <= len(dst); i += len(pattern) {
		copy(dst[i:], pattern)
	}
}

// ClearDepthStencilView implements native.Context.
func (c *Context) ClearDepthStencilView(dsv native.DepthStencilView, flags native.ClearFlags, depth float32, stencil uint8) error {
	const op = "ClearDepthStencilView"
	if err := c.begin(op, dsv, flags, depth, stencil); err != nil {
		return err
	}
	v, ok := dsv.(*view)
	if !ok || v.kind != native.ViewDepthStencil || v.Released() {
		return native.Errorf(op, native.CodeInvalidArg, "%v is not a live depth-stencil view", dsv)
	}
	bi, _ := native.FormatInfo(v.desc.Format)
	var bad bool
	viewSubresources(v, func(t *Texture, sub uint32) {
		data := t.subs[sub]
		for i := 0; i+int(bi.Size) <= len(data); i += int(bi.Size) {
			if !native.EncodeDepthStencil(v.desc.Format, data[i:i+int(bi.Size)], flags, depth, stencil) {
				bad = true
				return
			}
		}
	})
	if bad {
		return native.Errorf(op, native.CodeInvalidArg, "format %v", v.desc.Format)
	}
	return nil
}

// ResolveSubresource implements native.Context.
func (c *Context) ResolveSubresource(dst native.Texture, dstSub uint32, src native.Texture, srcSub uint32, as gputypes.TextureFormat) error {
	const op = "ResolveSubresource"
	if err := c.begin(op, dst, dstSub, src, srcSub, as); err != nil {
		return err
	}
	if !c.dev.caps.Resolve {
		return native.Errorf(op, native.CodeUnsupported, "resolve")
	}
	d, ok1 := dst.(*Texture)
	s, ok2 := src.(*Texture)
	if !ok1 || !ok2 || d.desc.Usage != native.UsageDefault {
		return native.Errorf(op, native.CodeInvalidArg, "%v -> %v", src, dst)
	}
	if s.desc.SampleCount <= 1 || d.desc.SampleCount != 1 || int(dstSub) >= len(d.subs) || int(srcSub) >= len(s.subs) ||
		!compatible(d.desc.Format, as) || !compatible(s.desc.Format, as) {
		return native.Errorf(op, native.CodeInvalidArg, "resolve %v (%dx) to %v (%dx) as %v",
			s, s.desc.SampleCount, d, d.desc.SampleCount, as)
	}
	if len(d.subs[dstSub]) != len(s.subs[srcSub]) {
		return native.Errorf(op, native.CodeInvalidArg, "extent mismatch")
	}
	// Samples are stored resolved.
	copy(d.subs[dstSub], s.subs[srcSub])
	return nil
}

// GenerateMips implements native.Context.
func (c *Context) GenerateMips(srv native.ShaderResourceView) error {
	const op = "GenerateMips"
	if err := c.begin(op, srv); err != nil {
		return err
	}
	if !c.dev.caps.GenerateMips {
		return native.Errorf(op, native.CodeUnsupported, "mip generation")
	}
	v, ok := srv.(*view)
	if !ok || v.kind != native.ViewShaderResource {
		return native.Errorf(op, native.CodeInvalidArg, "%v is not a shader resource view", srv)
	}
	t, ok := v.texture()
	if !ok || !t.desc.Misc.Has(native.MiscGenerateMips) {
		return native.Errorf(op, native.CodeInvalidArg, "%v does not allow mip generation", v.res)
	}
	bi, _ := native.FormatInfo(t.desc.Format)
	if bi.Width != 1 {
		return native.Errorf(op, native.CodeUnsupported, "compressed format %v", t.desc.Format)
	}
	for layer := v.desc.BaseLayer; layer < v.desc.BaseLayer+v.desc.LayerCount; layer++ {
		for mip := v.desc.BaseMip + 1; mip < v.desc.BaseMip+v.desc.MipCount; mip++ {
			downsample(t, layer, mip, bi.Size)
		}
	}
	return nil
}

// downsample fills mip from mip-1 with a 2x2 box filter for 8-bit unorm
// formats and nearest sampling otherwise.
func downsample(t *Texture, layer, mip, size uint32) {
	src := t.subs[native.Subresource(mip-1, layer, t.desc.MipLevels)]
	dst := t.subs[native.Subresource(mip, layer, t.desc.MipLevels)]
	sw, sh, _ := t.desc.MipExtent(mip - 1)
	w, h, depth := t.desc.MipExtent(mip)
	sRow, sSlice := sw*size, sw*size*sh
	_, _, sd := t.desc.MipExtent(mip - 1)
	box := unorm8Format(t.desc.Format)
	for z := range depth {
		sz := min(z*2, sd-1)
		for y := range h {
			for x := range w {
				do := ((z*h+y)*w + x) * size
				x0, y0 := x*2, y*2
				x1, y1 := min(x0+1, sw-1), min(y0+1, sh-1)
				for ch := range size {
					at := func(px, py uint32) uint32 {
						return uint32(src[sz*sSlice+py*sRow+px*size+ch])
					}
					if box {
						dst[do+ch] = byte((at(x0, y0) + at(x1, y0) + at(x0, y1) + at(x1, y1) + 2) / 4)
					} else {
						dst[do+ch] = src[sz*sSlice+y0*sRow+x0*size+ch]
					}
				}
			}
		}
	}
}

func unorm8Format(f gputypes.TextureFormat) bool {
	switch f {
	case gputypes.TextureFormatR8Unorm, gputypes.TextureFormatRG8Unorm,
		gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb:
		return true
	}
	return false
}
