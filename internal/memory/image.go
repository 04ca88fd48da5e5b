package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/native"
)

// ErrFormat is returned for image formats without a native layout.
var ErrFormat = errors.New("memory: unsupported image format")

// ImageInfo describes an image. Zero MipLevels, ArrayLayers and Samples
// mean one.
type ImageInfo struct {
	Label       string
	Dimension   gputypes.TextureDimension
	Format      gputypes.TextureFormat
	Extent      gputypes.Extent3D
	MipLevels   uint32
	ArrayLayers uint32
	Samples     uint32
	Usage       gputypes.TextureUsage
	// Cube allows cube views of a six-layer-multiple 2D image.
	Cube bool
}

// SubresourceLayout is the placement of one subresource in the linear
// shadow, relative to the bind offset.
type SubresourceLayout struct {
	Offset     uint64
	Size       uint64
	RowPitch   uint64
	ArrayPitch uint64
	DepthPitch uint64
}

// Image is an image whose native texture exists once it is bound.
type Image struct {
	b    *Binder
	info ImageInfo
	desc native.TextureDesc

	// subs is indexed by native subresource: mip + layer*MipLevels.
	subs  []SubresourceLayout
	total uint64

	mu        sync.Mutex
	obj       *Object
	destroyed bool
	external  bool
}

// NewImage creates an unbound image.
func (b *Binder) NewImage(info ImageInfo) (*Image, error) {
	if _, ok := native.FormatInfo(info.Format); !ok {
		return nil, fmt.Errorf("%w: %v", ErrFormat, info.Format)
	}
	if info.Extent.Width == 0 || info.Extent.Height == 0 {
		return nil, fmt.Errorf("%w: image %q extent %dx%d", ErrZeroSize, info.Label, info.Extent.Width, info.Extent.Height)
	}
	info.MipLevels = max(info.MipLevels, 1)
	info.ArrayLayers = max(info.ArrayLayers, 1)
	info.Samples = max(info.Samples, 1)
	info.Extent.DepthOrArrayLayers = max(info.Extent.DepthOrArrayLayers, 1)
	if info.Dimension == gputypes.TextureDimensionUndefined {
		info.Dimension = gputypes.TextureDimension2D
	}

	desc := native.TextureDesc{
		Label:       info.Label,
		Dimension:   info.Dimension,
		Width:       info.Extent.Width,
		Height:      info.Extent.Height,
		Depth:       1,
		ArraySize:   info.ArrayLayers,
		MipLevels:   info.MipLevels,
		SampleCount: info.Samples,
		Format:      info.Format,
	}
	switch info.Dimension {
	case gputypes.TextureDimension1D:
		desc.Height = 1
	case gputypes.TextureDimension3D:
		desc.Depth = info.Extent.DepthOrArrayLayers
		desc.ArraySize = 1
	}
	if info.Usage.Contains(gputypes.TextureUsageTextureBinding) {
		desc.Bind |= native.BindShaderResource
	}
	if info.Usage.Contains(gputypes.TextureUsageStorageBinding) {
		desc.Bind |= native.BindUnorderedAccess
	}
	if info.Usage.Contains(gputypes.TextureUsageRenderAttachment) {
		if info.Format.IsDepthStencil() {
			desc.Bind |= native.BindDepthStencil
		} else {
			desc.Bind |= native.BindRenderTarget
		}
	}
	if desc.Bind.Has(native.BindRenderTarget|native.BindShaderResource) && desc.MipLevels > 1 {
		desc.Misc |= native.MiscGenerateMips
	}
	if info.Cube {
		if desc.ArraySize%6 != 0 {
			return nil, fmt.Errorf("%w: cube image %q with %d layers", ErrUsage, info.Label, desc.ArraySize)
		}
		desc.Misc |= native.MiscTextureCube
	}

	img := &Image{b: b, info: info, desc: desc, subs: make([]SubresourceLayout, desc.SubresourceCount())}
	var off uint64
	for layer := range desc.ArraySize {
		start := off
		for mip := range desc.MipLevels {
			w, h, _ := desc.MipExtent(mip)
			row := uint64(native.RowPitch(desc.Format, w))
			slice := row * uint64(native.RowCount(desc.Format, h))
			size := native.SubresourceSize(desc, mip) * uint64(desc.SampleCount)
			img.subs[native.Subresource(mip, layer, desc.MipLevels)] = SubresourceLayout{
				Offset:     off,
				Size:       size,
				RowPitch:   row,
				DepthPitch: slice,
			}
			off += size
		}
		for mip := range desc.MipLevels {
			img.subs[native.Subresource(mip, layer, desc.MipLevels)].ArrayPitch = off - start
		}
	}
	img.total = off
	return img, nil
}

// NewExternalImage wraps a texture owned by someone else, such as a
// swapchain. The binder never releases it.
func (b *Binder) NewExternalImage(tex native.Texture) *Image {
	d := tex.Desc()
	info := ImageInfo{
		Label:       d.Label,
		Dimension:   d.Dimension,
		Format:      d.Format,
		Extent:      gputypes.Extent3D{Width: d.Width, Height: d.Height, DepthOrArrayLayers: d.Depth},
		MipLevels:   d.MipLevels,
		ArrayLayers: d.ArraySize,
		Samples:     d.SampleCount,
	}
	if d.Bind.Has(native.BindShaderResource) {
		info.Usage |= gputypes.TextureUsageTextureBinding
	}
	if d.Bind&(native.BindRenderTarget|native.BindDepthStencil) != 0 {
		info.Usage |= gputypes.TextureUsageRenderAttachment
	}
	if d.Bind.Has(native.BindUnorderedAccess) {
		info.Usage |= gputypes.TextureUsageStorageBinding
	}
	return &Image{
		b:        b,
		info:     info,
		desc:     d,
		external: true,
		obj:      &Object{res: tex, transfer: b.transfer},
	}
}

// Info returns the normalized creation parameters.
func (img *Image) Info() ImageInfo { return img.info }

// External reports whether the image wraps a foreign texture.
func (img *Image) External() bool { return img.external }

// Requirements returns the memory requirements of the image. Multisampled
// and depth-stencil images accept device-local memory only.
func (img *Image) Requirements() Requirements {
	bits := uint32(AllTypes)
	if img.info.Samples > 1 || img.info.Format.IsDepthStencil() {
		bits = 1 << TypeDeviceLocal
	}
	return Requirements{Size: alignUp(img.total, ImageAlignment), Alignment: ImageAlignment, TypeBits: bits}
}

// SubresourceLayout returns the shadow layout of (mip, layer).
func (img *Image) SubresourceLayout(mip, layer uint32) (SubresourceLayout, bool) {
	if img.external || mip >= img.desc.MipLevels || layer >= img.desc.ArraySize {
		return SubresourceLayout{}, false
	}
	return img.subs[native.Subresource(mip, layer, img.desc.MipLevels)], true
}

// Native returns the native texture, or nil while unbound.
func (img *Image) Native() native.Texture {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.obj == nil || img.obj.res == nil {
		return nil
	}
	return img.obj.res.(native.Texture)
}

// BindImage binds img to mem at offset and creates its native texture.
// Host-visible images are refreshed from the shadow.
func (b *Binder) BindImage(img *Image, mem *Memory, offset uint64) error {
	if img.external {
		return fmt.Errorf("%w: image %q is external", ErrUsage, img.info.Label)
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	o, err := b.bindImageLocked(img, mem, offset)
	if err != nil {
		return err
	}
	return mem.refreshLocked(o, true)
}

func (b *Binder) bindImageLocked(img *Image, mem *Memory, offset uint64) (*Object, error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.destroyed {
		return nil, ErrDestroyed
	}
	if err := mem.bindCheck(img.Requirements(), offset); err != nil {
		return nil, fmt.Errorf("bind image %q: %w", img.info.Label, err)
	}
	desc := img.desc
	if mem.props.Has(PropHostVisible) && img.info.Usage&^(gputypes.TextureUsageCopySrc|gputypes.TextureUsageCopyDst) == 0 {
		desc.Usage = native.UsageStaging
		desc.CPUAccess = native.CPUAccessRead | native.CPUAccessWrite
	}
	if o := img.obj; o != nil && o.res != nil {
		if o.res.(native.Texture).Desc().Usage == desc.Usage {
			mem.attachObject(o, offset)
			return o, nil
		}
		o.release()
	}
	tex, err := b.dev.CreateTexture(desc)
	if err != nil {
		b.sink.Errorf(diag.CategoryGeneral, 0, "memory: create image %q: %v", img.info.Label, err)
		return nil, err
	}
	o := img.obj
	if o == nil {
		o = &Object{transfer: b.transfer, image: img}
		img.obj = o
	}
	o.res, o.size, o.readable = tex, img.total, img.info.Samples == 1
	mem.attachObject(o, offset)
	diag.Logger().Debug("memory: bind image", "label", img.info.Label, "usage", desc.Usage, "offset", offset)
	return o, nil
}

// flush writes every subresource overlapping [lo, hi) from the shadow.
func (img *Image) flush(o *Object, shadow []byte, lo, hi uint64) error {
	tex := o.res.(native.Texture)
	var errs []error
	for sub, l := range img.subs {
		start := o.offset + l.Offset
		if _, _, ok := overlap(lo, hi, start, start+l.Size); !ok {
			continue
		}
		err := o.transfer.WriteTexture(tex, uint32(sub), shadow[start:start+l.Size], uint32(l.RowPitch), uint32(l.DepthPitch)) // #nosec G115 -- bounded by texture caps
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// invalidate reads back every subresource overlapping [lo, hi) and copies
// the overlapping bytes into dst, where dst[0] holds allocation byte base.
func (img *Image) invalidate(o *Object, dst []byte, base, lo, hi uint64) error {
	tex := o.res.(native.Texture)
	var errs []error
	for sub, l := range img.subs {
		start := o.offset + l.Offset
		olo, ohi, ok := overlap(lo, hi, start, start+l.Size)
		if !ok {
			continue
		}
		tmp := make([]byte, l.Size)
		if err := o.transfer.ReadTexture(tex, uint32(sub), tmp, uint32(l.RowPitch), uint32(l.DepthPitch)); err != nil { // #nosec G115 -- bounded by texture caps
			errs = append(errs, err)
			continue
		}
		copy(dst[olo-base:ohi-base], tmp[olo-start:ohi-start])
	}
	return errors.Join(errs...)
}

// Destroy releases the native texture unless the memory already did.
// External textures are left to their owner.
func (img *Image) Destroy() {
	img.mu.Lock()
	o := img.obj
	img.destroyed = true
	img.obj = nil
	img.mu.Unlock()
	if o == nil || img.external {
		return
	}
	if m := o.mem; m != nil {
		m.mu.Lock()
		m.detach(o)
		o.release()
		m.mu.Unlock()
		return
	}
	o.release()
}
