package exec

import (
	"fmt"

	"github.com/gogpu/explicit/native"
)

// boxBytes returns the byte offsets of a box inside a subresource laid out
// with the given pitches, and the bytes per box row and number of rows.
func boxBytes(desc native.TextureDesc, box native.Box, rowPitch, depthPitch uint32) (start uint64, row, rows uint32) {
	start = uint64(box.Front)*uint64(depthPitch) +
		uint64(native.RowCount(desc.Format, box.Top))*uint64(rowPitch) +
		uint64(native.RowPitch(desc.Format, box.Left))
	row = native.RowPitch(desc.Format, box.Right) - native.RowPitch(desc.Format, box.Left)
	rows = native.RowCount(desc.Format, box.Bottom) - native.RowCount(desc.Format, box.Top)
	return start, row, rows
}

func checkBox(desc native.TextureDesc, sub uint32, box native.Box) error {
	mip, _ := native.SplitSubresource(sub, desc.MipLevels)
	w, h, d := desc.MipExtent(mip)
	if box.Left >= box.Right || box.Top >= box.Bottom || box.Front >= box.Back ||
		box.Right > w || box.Bottom > h || box.Back > d {
		return fmt.Errorf("exec: box %+v outside %dx%dx%d subresource %d", box, w, h, d, sub)
	}
	return nil
}

// WriteTextureRegionLocked writes data, laid out with rowPitch and
// depthPitch (zero for tight), into box of subresource sub. The caller
// holds the lock.
func (c *Context) WriteTextureRegionLocked(dst native.Texture, sub uint32, box native.Box, data []byte, rowPitch, depthPitch uint32) error {
	desc := dst.Desc()
	if err := checkBox(desc, sub, box); err != nil {
		return err
	}
	_, row, rows := boxBytes(desc, native.Box{Right: box.Right - box.Left, Bottom: box.Bottom - box.Top, Back: 1}, 0, 0)
	if rowPitch == 0 {
		rowPitch = row
	}
	if depthPitch == 0 {
		depthPitch = rowPitch * rows
	}
	switch desc.Usage {
	case native.UsageDefault:
		return c.nc.UpdateSubresource(dst, sub, &box, data, rowPitch, depthPitch)
	case native.UsageStaging:
	default:
		return fmt.Errorf("%w: region write to %v texture", ErrPartialDiscard, desc.Usage)
	}
	m, err := c.nc.Map(dst, sub, native.MapReadWrite)
	if err != nil {
		return err
	}
	defer c.nc.Unmap(dst, sub)
	start, _, _ := boxBytes(desc, box, m.RowPitch, m.DepthPitch)
	for z := range box.Back - box.Front {
		for y := range rows {
			so := uint64(z)*uint64(depthPitch) + uint64(y)*uint64(rowPitch)
			do := start + uint64(z)*uint64(m.DepthPitch) + uint64(y)*uint64(m.RowPitch)
			if so+uint64(row) > uint64(len(data)) || do+uint64(row) > uint64(len(m.Data)) {
				return fmt.Errorf("exec: region write of %d bytes is short", len(data))
			}
			copy(m.Data[do:do+uint64(row)], data[so:so+uint64(row)])
		}
	}
	return nil
}

// ReadTextureRegionLocked reads box of subresource sub into out, laid out
// with rowPitch and depthPitch (zero for tight). The caller holds the lock.
func (c *Context) ReadTextureRegionLocked(src native.Texture, sub uint32, box native.Box, out []byte, rowPitch, depthPitch uint32) error {
	desc := src.Desc()
	if err := checkBox(desc, sub, box); err != nil {
		return err
	}
	mip, _ := native.SplitSubresource(sub, desc.MipLevels)
	w, h, _ := desc.MipExtent(mip)
	full := make([]byte, native.SubresourceSize(desc, mip))
	if err := c.ReadTextureLocked(src, sub, full, 0, 0); err != nil {
		return err
	}
	fullRow := native.RowPitch(desc.Format, w)
	fullSlice := fullRow * native.RowCount(desc.Format, h)
	_, row, rows := boxBytes(desc, native.Box{Right: box.Right - box.Left, Bottom: box.Bottom - box.Top, Back: 1}, 0, 0)
	if rowPitch == 0 {
		rowPitch = row
	}
	if depthPitch == 0 {
		depthPitch = rowPitch * rows
	}
	start, _, _ := boxBytes(desc, box, fullRow, fullSlice)
	for z := range box.Back - box.Front {
		for y := range rows {
			so := start + uint64(z)*uint64(fullSlice) + uint64(y)*uint64(fullRow)
			do := uint64(z)*uint64(depthPitch) + uint64(y)*uint64(rowPitch)
			if do+uint64(row) > uint64(len(out)) {
				return fmt.Errorf("exec: region read into %d bytes is short", len(out))
			}
			copy(out[do:do+uint64(row)], full[so:so+uint64(row)])
		}
	}
	return nil
}
