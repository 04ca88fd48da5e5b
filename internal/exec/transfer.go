package exec

import (
	"fmt"
	"math/bits"

	"github.com/gogpu/explicit/native"
)

// WriteBuffer copies data into dst at offset.
//
// Staging buffers are mapped for writing, dynamic buffers are
// discard-mapped (data must cover the whole buffer), default buffers go
// through UpdateSubresource.
func (c *Context) WriteBuffer(dst native.Buffer, offset uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WriteBufferLocked(dst, offset, data)
}

// WriteBufferLocked is WriteBuffer with the lock held.
func (c *Context) WriteBufferLocked(dst native.Buffer, offset uint64, data []byte) error {
	desc := dst.Desc()
	if offset+uint64(len(data)) > desc.Size {
		return fmt.Errorf("exec: write [%d,+%d) past buffer end %d", offset, len(data), desc.Size)
	}
	switch desc.Usage {
	case native.UsageStaging:
		m, err := c.nc.Map(dst, 0, native.MapWrite)
		if err != nil {
			return err
		}
		copy(m.Data[offset:], data)
		c.nc.Unmap(dst, 0)
		return nil
	case native.UsageDynamic:
		if offset != 0 || uint64(len(data)) != desc.Size {
			return ErrPartialDiscard
		}
		m, err := c.nc.Map(dst, 0, native.MapWriteDiscard)
		if err != nil {
			return err
		}
		copy(m.Data, data)
		c.nc.Unmap(dst, 0)
		return nil
	}
	box := &native.Box{Left: uint32(offset), Right: uint32(offset) + uint32(len(data)), Bottom: 1, Back: 1}
	return c.nc.UpdateSubresource(dst, 0, box, data, 0, 0)
}

// ReadBuffer copies len(out) bytes of src at offset into out. Default
// buffers are read through a cached staging copy.
func (c *Context) ReadBuffer(src native.Buffer, offset uint64, out []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ReadBufferLocked(src, offset, out)
}

// ReadBufferLocked is ReadBuffer with the lock held.
func (c *Context) ReadBufferLocked(src native.Buffer, offset uint64, out []byte) error {
	desc := src.Desc()
	if offset+uint64(len(out)) > desc.Size {
		return fmt.Errorf("exec: read [%d,+%d) past buffer end %d", offset, len(out), desc.Size)
	}
	switch desc.Usage {
	case native.UsageStaging:
		m, err := c.nc.Map(src, 0, native.MapRead)
		if err != nil {
			return err
		}
		copy(out, m.Data[offset:])
		c.nc.Unmap(src, 0)
		return nil
	case native.UsageDynamic, native.UsageImmutable:
		return fmt.Errorf("%w: %v buffer", ErrNotReadable, desc.Usage)
	}
	scratch, err := c.scratchBuffer(uint64(len(out)))
	if err != nil {
		return err
	}
	if err := c.nc.CopyBufferRegion(scratch, 0, src, offset, uint64(len(out))); err != nil {
		return err
	}
	m, err := c.nc.Map(scratch, 0, native.MapRead)
	if err != nil {
		return err
	}
	copy(out, m.Data)
	c.nc.Unmap(scratch, 0)
	return nil
}

// scratchBuffer returns a cached staging buffer of at least size bytes.
// Sizes are bucketed to powers of two.
func (c *Context) scratchBuffer(size uint64) (native.Buffer, error) {
	bucket := uint64(256)
	if size > bucket {
		bucket = 1 << bits.Len64(size-1)
	}
	if b, ok := c.scratchBuffers[bucket]; ok {
		return b, nil
	}
	b, err := c.dev.CreateBuffer(native.BufferDesc{
		Label:     "scratch",
		Size:      bucket,
		Usage:     native.UsageStaging,
		CPUAccess: native.CPUAccessRead | native.CPUAccessWrite,
	}, nil)
	if err != nil {
		return nil, err
	}
	c.scratchBuffers[bucket] = b
	return b, nil
}

// WriteTexture copies one tightly or explicitly pitched subresource into dst.
func (c *Context) WriteTexture(dst native.Texture, sub uint32, data []byte, rowPitch, depthPitch uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WriteTextureLocked(dst, sub, data, rowPitch, depthPitch)
}

// WriteTextureLocked is WriteTexture with the lock held.
func (c *Context) WriteTextureLocked(dst native.Texture, sub uint32, data []byte, rowPitch, depthPitch uint32) error {
	desc := dst.Desc()
	if desc.Usage != native.UsageStaging {
		return c.nc.UpdateSubresource(dst, sub, nil, data, rowPitch, depthPitch)
	}
	m, err := c.nc.Map(dst, sub, native.MapWrite)
	if err != nil {
		return err
	}
	copyPitched(desc, sub, m.Data, m.RowPitch, m.DepthPitch, data, rowPitch, depthPitch)
	c.nc.Unmap(dst, sub)
	return nil
}

// ReadTexture copies one subresource of src into out using the given
// pitches. Default textures are read through a cached staging texture.
func (c *Context) ReadTexture(src native.Texture, sub uint32, out []byte, rowPitch, depthPitch uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ReadTextureLocked(src, sub, out, rowPitch, depthPitch)
}

// ReadTextureLocked is ReadTexture with the lock held.
func (c *Context) ReadTextureLocked(src native.Texture, sub uint32, out []byte, rowPitch, depthPitch uint32) error {
	desc := src.Desc()
	switch {
	case desc.Usage == native.UsageStaging:
		m, err := c.nc.Map(src, sub, native.MapRead)
		if err != nil {
			return err
		}
		copyPitched(desc, sub, out, rowPitch, depthPitch, m.Data, m.RowPitch, m.DepthPitch)
		c.nc.Unmap(src, sub)
		return nil
	case desc.SampleCount > 1:
		return fmt.Errorf("%w: multisampled texture", ErrNotReadable)
	case desc.Usage != native.UsageDefault:
		return fmt.Errorf("%w: %v texture", ErrNotReadable, desc.Usage)
	}
	mip, _ := native.SplitSubresource(sub, desc.MipLevels)
	w, h, d := desc.MipExtent(mip)
	sd := native.TextureDesc{
		Label:     "scratch",
		Dimension: desc.Dimension,
		Width:     w, Height: h, Depth: d,
		ArraySize: 1, MipLevels: 1, SampleCount: 1,
		Format:    desc.Format,
		Usage:     native.UsageStaging,
		CPUAccess: native.CPUAccessRead | native.CPUAccessWrite,
	}
	scratch, ok := c.scratchTextures[sd]
	if !ok {
		var err error
		if scratch, err = c.dev.CreateTexture(sd); err != nil {
			return err
		}
		c.scratchTextures[sd] = scratch
	}
	if err := c.nc.CopyTextureRegion(scratch, 0, 0, 0, 0, src, sub, nil); err != nil {
		return err
	}
	m, err := c.nc.Map(scratch, 0, native.MapRead)
	if err != nil {
		return err
	}
	copyPitched(sd, 0, out, rowPitch, depthPitch, m.Data, m.RowPitch, m.DepthPitch)
	c.nc.Unmap(scratch, 0)
	return nil
}

// copyPitched copies one subresource of desc between two pitched layouts.
// Zero pitches mean tightly packed.
func copyPitched(desc native.TextureDesc, sub uint32, dst []byte, dstRow, dstSlice uint32, src []byte, srcRow, srcSlice uint32) {
	mip, _ := native.SplitSubresource(sub, desc.MipLevels)
	w, h, d := desc.MipExtent(mip)
	row := native.RowPitch(desc.Format, w)
	rows := native.RowCount(desc.Format, h)
	if dstRow == 0 {
		dstRow = row
	}
	if srcRow == 0 {
		srcRow = row
	}
	if dstSlice == 0 {
		dstSlice = dstRow * rows
	}
	if srcSlice == 0 {
		srcSlice = srcRow * rows
	}
	for z := range d {
		for y := range rows {
			so := uint64(z)*uint64(srcSlice) + uint64(y)*uint64(srcRow)
			do := uint64(z)*uint64(dstSlice) + uint64(y)*uint64(dstRow)
			if so+uint64(row) > uint64(len(src)) || do+uint64(row) > uint64(len(dst)) {
				return
			}
			copy(dst[do:do+uint64(row)], src[so:so+uint64(row)])
		}
	}
}
