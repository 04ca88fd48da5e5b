package wgpuhal

import (
	"sync"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/explicit/native"
)

// Context is the immediate context of a HAL device. Bound state is kept
// for inspection only.
type Context struct {
	dev *Device

	mu         sync.Mutex
	lastSubmit uint64

	layout   native.InputLayout
	topology gputypes.PrimitiveTopology
	shaders  [native.NumStages]native.Shader
	rtvs     []native.RenderTargetView
	dsv      native.DepthStencilView
}

var _ native.Context = (*Context)(nil)

// Submitted returns the index of the last submission made by the context.
func (c *Context) Submitted() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSubmit
}

// encode records fn into a one-shot encoder and submits it.
func (c *Context) encode(op string, fn func(enc hal.CommandEncoder)) error {
	d := c.dev
	if err := d.check(op); err != nil {
		return err
	}
	enc, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: op})
	if err != nil {
		return d.fail(op, err)
	}
	defer enc.Destroy()
	if err := enc.BeginEncoding(op); err != nil {
		return d.fail(op, err)
	}
	fn(enc)
	cb, err := enc.EndEncoding()
	if err != nil {
		return d.fail(op, err)
	}
	defer d.dev.FreeCommandBuffer(cb)
	idx, err := d.queue.Submit([]hal.CommandBuffer{cb})
	if err != nil {
		return d.fail(op, err)
	}
	c.mu.Lock()
	c.lastSubmit = idx
	c.mu.Unlock()
	return nil
}

func (c *Context) IASetInputLayout(layout native.InputLayout) { c.layout = layout }

func (c *Context) IASetPrimitiveTopology(topology gputypes.PrimitiveTopology) {
	c.topology = topology
}

func (c *Context) IASetVertexBuffers(uint32, []native.Buffer, []uint32, []uint32) {}

func (c *Context) IASetIndexBuffer(native.Buffer, gputypes.IndexFormat, uint32) {}

func (c *Context) SetShader(stage native.Stage, s native.Shader) {
	if stage < native.NumStages {
		c.shaders[stage] = s
	}
}

func (c *Context) SetConstantBuffers(native.Stage, uint32, []native.ConstantBufferBinding) {}

func (c *Context) SetShaderResources(native.Stage, uint32, []native.ShaderResourceView) {}

func (c *Context) SetSamplers(native.Stage, uint32, []native.SamplerState) {}

func (c *Context) SetUnorderedAccessViews(native.Stage, uint32, []native.UnorderedAccessView) {}

func (c *Context) RSSetState(native.RasterizerState) {}

func (c *Context) RSSetViewports([]native.Viewport) {}

func (c *Context) RSSetScissorRects([]native.Rect) {}

func (c *Context) OMSetBlendState(native.BlendState, f32.Vec4, uint32) {}

func (c *Context) OMSetDepthStencilState(native.DepthStencilState, uint32) {}

func (c *Context) OMSetRenderTargets(rtvs []native.RenderTargetView, dsv native.DepthStencilView) {
	c.rtvs = append(c.rtvs[:0], rtvs...)
	c.dsv = dsv
}

func unsupported(op string) error {
	return native.Errorf(op, native.CodeUnsupported, "no immediate HAL equivalent")
}

func (c *Context) DrawInstanced(uint32, uint32, uint32, uint32) error {
	return unsupported("DrawInstanced")
}

func (c *Context) DrawIndexedInstanced(uint32, uint32, uint32, int32, uint32) error {
	return unsupported("DrawIndexedInstanced")
}

func (c *Context) DrawInstancedIndirect(native.Buffer, uint32) error {
	return unsupported("DrawInstancedIndirect")
}

func (c *Context) DrawIndexedInstancedIndirect(native.Buffer, uint32) error {
	return unsupported("DrawIndexedInstancedIndirect")
}

func (c *Context) Dispatch(uint32, uint32, uint32) error { return unsupported("Dispatch") }

func (c *Context) DispatchIndirect(native.Buffer, uint32) error {
	return unsupported("DispatchIndirect")
}

func (c *Context) ResolveSubresource(native.Texture, uint32, native.Texture, uint32, gputypes.TextureFormat) error {
	return unsupported("ResolveSubresource")
}

func (c *Context) GenerateMips(native.ShaderResourceView) error { return unsupported("GenerateMips") }

func asBuffer(op string, r native.Resource) (*Buffer, error) {
	b, ok := r.(*Buffer)
	if !ok || b == nil || b.isReleased() {
		return nil, native.Errorf(op, native.CodeInvalidArg, "not a live buffer: %T", r)
	}
	return b, nil
}

func asTexture(op string, r native.Resource) (*Texture, error) {
	t, ok := r.(*Texture)
	if !ok || t == nil || t.isReleased() {
		return nil, native.Errorf(op, native.CodeInvalidArg, "not a live texture: %T", r)
	}
	return t, nil
}

func writable(op string, u native.Usage) error {
	if u != native.UsageDefault && u != native.UsageStaging {
		return native.Errorf(op, native.CodeInvalidArg, "destination usage %v", u)
	}
	return nil
}

// CopyResource implements native.Context.
func (c *Context) CopyResource(dst, src native.Resource) error {
	const op = "CopyResource"
	if db, ok := dst.(*Buffer); ok {
		sb, err := asBuffer(op, src)
		if err != nil {
			return err
		}
		if sb.desc.Size != db.desc.Size {
			return native.Errorf(op, native.CodeInvalidArg, "size %d != %d", db.desc.Size, sb.desc.Size)
		}
		return c.CopyBufferRegion(db, 0, sb, 0, sb.desc.Size)
	}
	dt, err := asTexture(op, dst)
	if err != nil {
		return err
	}
	st, err := asTexture(op, src)
	if err != nil {
		return err
	}
	if dt.desc.Width != st.desc.Width || dt.desc.Height != st.desc.Height ||
		dt.desc.MipLevels != st.desc.MipLevels || dt.desc.ArraySize != st.desc.ArraySize {
		return native.Errorf(op, native.CodeInvalidArg, "texture shapes differ")
	}
	for sub := range st.desc.SubresourceCount() {
		if err := c.CopyTextureRegion(dt, sub, 0, 0, 0, st, sub, nil); err != nil {
			return err
		}
	}
	return nil
}

// CopyBufferRegion implements native.Context.
func (c *Context) CopyBufferRegion(dst native.Buffer, dstOffset uint64, src native.Buffer, srcOffset, size uint64) error {
	const op = "CopyBufferRegion"
	db, err := asBuffer(op, dst)
	if err != nil {
		return err
	}
	sb, err := asBuffer(op, src)
	if err != nil {
		return err
	}
	if err := writable(op, db.desc.Usage); err != nil {
		return err
	}
	if db.mapped || sb.mapped {
		return native.Errorf(op, native.CodeInvalidArg, "buffer is mapped")
	}
	if srcOffset+size > sb.desc.Size || dstOffset+size > db.desc.Size {
		return native.Errorf(op, native.CodeInvalidArg, "range out of bounds")
	}
	return c.encode(op, func(enc hal.CommandEncoder) {
		enc.CopyBufferToBuffer(sb.raw, db.raw, []hal.BufferCopy{{SrcOffset: srcOffset, DstOffset: dstOffset, Size: size}})
	})
}

// location is a texel position inside one subresource.
type location struct {
	t       *Texture
	mip     uint32
	layer   uint32
	x, y, z uint32
}

func (l location) image() hal.ImageCopyTexture {
	z := l.z
	if l.t.desc.Dimension != gputypes.TextureDimension3D {
		z = l.layer
	}
	return hal.ImageCopyTexture{
		Texture:  l.t.raw,
		MipLevel: l.mip,
		Origin:   hal.Origin3D{X: l.x, Y: l.y, Z: z},
		Aspect:   gputypes.TextureAspectAll,
	}
}

// layout returns the staging buffer layout whose offset points at the
// location.
func (l location) layout() hal.ImageDataLayout {
	desc := l.t.desc
	b, _ := native.FormatInfo(desc.Format)
	w, h, _ := desc.MipExtent(l.mip)
	row := native.RowPitch(desc.Format, w)
	rows := native.RowCount(desc.Format, h)
	off := l.t.offsets[native.Subresource(l.mip, l.layer, desc.MipLevels)]
	off += uint64(l.z)*uint64(row)*uint64(rows) + uint64(l.y/b.Height)*uint64(row) + uint64(l.x/b.Width)*uint64(b.Size)
	return hal.ImageDataLayout{Offset: off, BytesPerRow: row, RowsPerImage: rows}
}

// CopyTextureRegion implements native.Context.
func (c *Context) CopyTextureRegion(dst native.Texture, dstSub, x, y, z uint32, src native.Texture, srcSub uint32, box *native.Box) error {
	const op = "CopyTextureRegion"
	dt, err := asTexture(op, dst)
	if err != nil {
		return err
	}
	st, err := asTexture(op, src)
	if err != nil {
		return err
	}
	if err := writable(op, dt.desc.Usage); err != nil {
		return err
	}
	if len(dt.mapped) > 0 || len(st.mapped) > 0 {
		return native.Errorf(op, native.CodeInvalidArg, "texture is mapped")
	}
	if dstSub >= dt.desc.SubresourceCount() || srcSub >= st.desc.SubresourceCount() {
		return native.Errorf(op, native.CodeInvalidArg, "subresource out of range")
	}
	if native.RowPitch(dt.desc.Format, 1) != native.RowPitch(st.desc.Format, 1) {
		return native.Errorf(op, native.CodeInvalidArg, "formats %v and %v are not copy compatible", dt.desc.Format, st.desc.Format)
	}
	smip, slayer := native.SplitSubresource(srcSub, st.desc.MipLevels)
	dmip, dlayer := native.SplitSubresource(dstSub, dt.desc.MipLevels)
	sw, sh, sd := st.desc.MipExtent(smip)
	b := native.Box{Right: sw, Bottom: sh, Back: sd}
	if box != nil {
		b = *box
	}
	dw, dh, dd := dt.desc.MipExtent(dmip)
	if b.Right <= b.Left || b.Bottom <= b.Top || b.Back <= b.Front ||
		b.Right > sw || b.Bottom > sh || b.Back > sd ||
		x+b.Right-b.Left > dw || y+b.Bottom-b.Top > dh || z+b.Back-b.Front > dd {
		return native.Errorf(op, native.CodeInvalidArg, "region out of bounds")
	}
	from := location{t: st, mip: smip, layer: slayer, x: b.Left, y: b.Top, z: b.Front}
	to := location{t: dt, mip: dmip, layer: dlayer, x: x, y: y, z: z}
	size := hal.Extent3D{Width: b.Right - b.Left, Height: b.Bottom - b.Top, DepthOrArrayLayers: b.Back - b.Front}
	return c.encode(op, func(enc hal.CommandEncoder) {
		switch {
		case st.staging == nil && dt.staging == nil:
			enc.CopyTextureToTexture(st.raw, dt.raw, []hal.TextureCopy{{SrcBase: from.image(), DstBase: to.image(), Size: size}})
		case st.staging == nil:
			enc.CopyTextureToBuffer(st.raw, dt.staging, []hal.BufferTextureCopy{{BufferLayout: to.layout(), TextureBase: from.image(), Size: size}})
		case dt.staging == nil:
			enc.CopyBufferToTexture(st.staging, dt.raw, []hal.BufferTextureCopy{{BufferLayout: from.layout(), TextureBase: to.image(), Size: size}})
		default:
			enc.CopyBufferToBuffer(st.staging, dt.staging, stagingRows(from, to, size))
		}
	})
}

// stagingRows splits a copy between two staging textures into row copies.
func stagingRows(from, to location, size hal.Extent3D) []hal.BufferCopy {
	sl, dl := from.layout(), to.layout()
	rowBytes := uint64(native.RowPitch(from.t.desc.Format, size.Width))
	rows := native.RowCount(from.t.desc.Format, size.Height)
	var regions []hal.BufferCopy
	for z := range uint64(size.DepthOrArrayLayers) {
		for r := range uint64(rows) {
			regions = append(regions, hal.BufferCopy{
				SrcOffset: sl.Offset + z*uint64(sl.BytesPerRow)*uint64(sl.RowsPerImage) + r*uint64(sl.BytesPerRow),
				DstOffset: dl.Offset + z*uint64(dl.BytesPerRow)*uint64(dl.RowsPerImage) + r*uint64(dl.BytesPerRow),
				Size:      rowBytes,
			})
		}
	}
	return regions
}

// UpdateSubresource implements native.Context.
func (c *Context) UpdateSubresource(dst native.Resource, sub uint32, box *native.Box, data []byte, rowPitch, depthPitch uint32) error {
	const op = "UpdateSubresource"
	if err := c.dev.check(op); err != nil {
		return err
	}
	if b, ok := dst.(*Buffer); ok {
		if b.isReleased() || b.desc.Usage != native.UsageDefault || sub != 0 {
			return native.Errorf(op, native.CodeInvalidArg, "buffer is not an updatable default resource")
		}
		off, end := uint64(0), b.desc.Size
		if box != nil {
			off, end = uint64(box.Left), uint64(box.Right)
		}
		if end <= off || end > b.desc.Size || uint64(len(data)) < end-off {
			return native.Errorf(op, native.CodeInvalidArg, "range [%d,%d) with %d bytes", off, end, len(data))
		}
		if err := c.dev.queue.WriteBuffer(b.raw, off, data[:end-off]); err != nil {
			return c.dev.fail(op, err)
		}
		return nil
	}
	t, err := asTexture(op, dst)
	if err != nil {
		return err
	}
	if t.desc.Usage != native.UsageDefault || sub >= t.desc.SubresourceCount() {
		return native.Errorf(op, native.CodeInvalidArg, "texture is not an updatable default resource")
	}
	mip, layer := native.SplitSubresource(sub, t.desc.MipLevels)
	w, h, d := t.desc.MipExtent(mip)
	bx := native.Box{Right: w, Bottom: h, Back: d}
	if box != nil {
		bx = *box
	}
	if bx.Right <= bx.Left || bx.Bottom <= bx.Top || bx.Back <= bx.Front || bx.Right > w || bx.Bottom > h || bx.Back > d {
		return native.Errorf(op, native.CodeInvalidArg, "box out of bounds")
	}
	rows := native.RowCount(t.desc.Format, bx.Bottom-bx.Top)
	if rowPitch == 0 {
		rowPitch = native.RowPitch(t.desc.Format, bx.Right-bx.Left)
	}
	if depthPitch == 0 {
		depthPitch = rowPitch * rows
	}
	if need := uint64(depthPitch)*uint64(bx.Back-bx.Front-1) + uint64(rowPitch)*uint64(rows); uint64(len(data)) < need {
		return native.Errorf(op, native.CodeInvalidArg, "%d bytes, need %d", len(data), need)
	}
	at := location{t: t, mip: mip, layer: layer, x: bx.Left, y: bx.Top, z: bx.Front}.image()
	err = c.dev.queue.WriteTexture(&at, data,
		&hal.ImageDataLayout{BytesPerRow: rowPitch, RowsPerImage: depthPitch / rowPitch},
		&hal.Extent3D{Width: bx.Right - bx.Left, Height: bx.Bottom - bx.Top, DepthOrArrayLayers: bx.Back - bx.Front})
	if err != nil {
		return c.dev.fail(op, err)
	}
	return nil
}

// fill writes texel repeated over every layer of the view at its base mip.
func (c *Context) fill(op string, v native.View, texel []byte) error {
	t, err := asTexture(op, v.Resource())
	if err != nil {
		return err
	}
	desc := v.Desc()
	w, h, d := t.desc.MipExtent(desc.BaseMip)
	data := make([]byte, 0, int(w)*int(h)*int(d)*len(texel))
	for range int(w) * int(h) * int(d) {
		data = append(data, texel...)
	}
	for layer := desc.BaseLayer; layer < desc.BaseLayer+desc.LayerCount; layer++ {
		at := location{t: t, mip: desc.BaseMip, layer: layer}.image()
		err := c.dev.queue.WriteTexture(&at, data,
			&hal.ImageDataLayout{BytesPerRow: w * uint32(len(texel)), RowsPerImage: h},
			&hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: d})
		if err != nil {
			return c.dev.fail(op, err)
		}
	}
	return nil
}

// ClearRenderTargetView implements native.Context.
func (c *Context) ClearRenderTargetView(rtv native.RenderTargetView, color f32.Vec4) error {
	const op = "ClearRenderTargetView"
	if err := c.dev.check(op); err != nil {
		return err
	}
	if rtv == nil || rtv.Kind() != native.ViewRenderTarget {
		return native.Errorf(op, native.CodeInvalidArg, "not a render target view")
	}
	texel, ok := native.EncodeColor(rtv.Desc().Format, color)
	if !ok {
		return native.Errorf(op, native.CodeUnsupported, "clear of %v", rtv.Desc().Format)
	}
	return c.fill(op, rtv, texel)
}

// ClearDepthStencilView implements native.Context. Partial clears of a
// combined depth-stencil format need a read-back and are unsupported.
func (c *Context) ClearDepthStencilView(dsv native.DepthStencilView, flags native.ClearFlags, depth float32, stencil uint8) error {
	const op = "ClearDepthStencilView"
	if err := c.dev.check(op); err != nil {
		return err
	}
	if dsv == nil || dsv.Kind() != native.ViewDepthStencil {
		return native.Errorf(op, native.CodeInvalidArg, "not a depth-stencil view")
	}
	format := dsv.Desc().Format
	if native.HasStencil(format) && format != gputypes.TextureFormatStencil8 && flags != native.ClearDepth|native.ClearStencil {
		return native.Errorf(op, native.CodeUnsupported, "partial clear of %v", format)
	}
	b, _ := native.FormatInfo(format)
	texel := make([]byte, b.Size)
	if !native.EncodeDepthStencil(format, texel, flags, depth, stencil) {
		return native.Errorf(op, native.CodeUnsupported, "clear of %v", format)
	}
	return c.fill(op, dsv, texel)
}

// Begin implements native.Context. Event queries have no begin.
func (c *Context) Begin(native.Query) {}

// End implements native.Context.
func (c *Context) End(q native.Query) {
	if hq, ok := q.(*query); ok {
		hq.issued = c.Submitted()
		hq.ended = true
	}
}

// GetData implements native.Context.
func (c *Context) GetData(q native.Query) (uint64, bool, error) {
	const op = "GetData"
	if err := c.dev.check(op); err != nil {
		return 0, false, err
	}
	hq, ok := q.(*query)
	if !ok || hq.isReleased() {
		return 0, false, native.Errorf(op, native.CodeInvalidArg, "not a live query")
	}
	if !hq.ended || c.dev.queue.PollCompleted() < hq.issued {
		return 0, false, nil
	}
	return 1, true, nil
}

func mapAllowed(usage native.Usage, access native.CPUAccess, mode native.MapType) bool {
	switch mode {
	case native.MapRead:
		return usage == native.UsageStaging && access.Has(native.CPUAccessRead)
	case native.MapWrite:
		return usage == native.UsageStaging && access.Has(native.CPUAccessWrite)
	case native.MapReadWrite:
		return usage == native.UsageStaging && access.Has(native.CPUAccessRead|native.CPUAccessWrite)
	case native.MapWriteDiscard, native.MapWriteNoOverwrite:
		return usage == native.UsageDynamic && access.Has(native.CPUAccessWrite)
	}
	return false
}

// mapRange maps size bytes of raw, waiting for outstanding submissions
// first because HAL mappings do not synchronize.
func (c *Context) mapRange(op string, raw hal.Buffer, size uint64) ([]byte, error) {
	if c.dev.queue.PollCompleted() < c.Submitted() {
		if err := c.dev.dev.WaitIdle(); err != nil {
			return nil, c.dev.fail(op, err)
		}
	}
	m, err := c.dev.dev.MapBuffer(raw, 0, size)
	if err != nil {
		return nil, c.dev.fail(op, err)
	}
	return unsafe.Slice((*byte)(m.Ptr), size), nil
}

// Map implements native.Context.
func (c *Context) Map(res native.Resource, sub uint32, mode native.MapType) (native.Mapped, error) {
	const op = "Map"
	if err := c.dev.check(op); err != nil {
		return native.Mapped{}, err
	}
	switch r := res.(type) {
	case *Buffer:
		if r.isReleased() || sub != 0 || r.mapped || !mapAllowed(r.desc.Usage, r.desc.CPUAccess, mode) {
			return native.Mapped{}, native.Errorf(op, native.CodeInvalidArg, "cannot map %s buffer with %v", r.desc.Usage, mode)
		}
		data, err := c.mapRange(op, r.raw, r.desc.Size)
		if err != nil {
			return native.Mapped{}, err
		}
		r.mapped = true
		return native.Mapped{Data: data, RowPitch: uint32(r.desc.Size), DepthPitch: uint32(r.desc.Size)}, nil
	case *Texture:
		if r.isReleased() || r.staging == nil || sub >= r.desc.SubresourceCount() || r.mapped[sub] ||
			!mapAllowed(r.desc.Usage, r.desc.CPUAccess, mode) {
			return native.Mapped{}, native.Errorf(op, native.CodeInvalidArg, "cannot map subresource %d with %v", sub, mode)
		}
		mip, _ := native.SplitSubresource(sub, r.desc.MipLevels)
		if len(r.mapped) == 0 {
			var size uint64
			if n := len(r.offsets); n > 0 {
				last := r.desc.SubresourceCount() - 1
				lm, _ := native.SplitSubresource(last, r.desc.MipLevels)
				size = r.offsets[n-1] + native.SubresourceSize(r.desc, lm)
			}
			data, err := c.mapRange(op, r.staging, size)
			if err != nil {
				return native.Mapped{}, err
			}
			r.base = data
		}
		r.mapped[sub] = true
		w, h, _ := r.desc.MipExtent(mip)
		row := native.RowPitch(r.desc.Format, w)
		off := r.offsets[sub]
		size := native.SubresourceSize(r.desc, mip)
		return native.Mapped{
			Data:       r.base[off : off+size : off+size],
			RowPitch:   row,
			DepthPitch: row * native.RowCount(r.desc.Format, h),
		}, nil
	}
	return native.Mapped{}, native.Errorf(op, native.CodeInvalidArg, "foreign resource %T", res)
}

// Unmap implements native.Context.
func (c *Context) Unmap(res native.Resource, sub uint32) {
	switch r := res.(type) {
	case *Buffer:
		if r.mapped {
			r.mapped = false
			_ = c.dev.dev.UnmapBuffer(r.raw)
		}
	case *Texture:
		if !r.mapped[sub] {
			return
		}
		delete(r.mapped, sub)
		if len(r.mapped) == 0 {
			r.base = nil
			_ = c.dev.dev.UnmapBuffer(r.staging)
		}
	}
}

// Flush implements native.Context. Work is submitted as it is issued.
func (c *Context) Flush() {}

// ClearState implements native.Context.
func (c *Context) ClearState() {
	c.layout = nil
	c.topology = 0
	c.shaders = [native.NumStages]native.Shader{}
	c.rtvs = nil
	c.dsv = nil
}
