package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/explicit/native"
)

// ViewInfo selects a range of an image. Zero counts mean all remaining.
type ViewInfo struct {
	Format     gputypes.TextureFormat
	Dimension  gputypes.TextureViewDimension
	BaseMip    uint32
	MipCount   uint32
	BaseLayer  uint32
	LayerCount uint32
}

// ImageView holds the native views an image's usage allows, created
// eagerly.
type ImageView struct {
	image *Image
	info  ViewInfo

	srv, uav, rtv, dsv native.View
	once               sync.Once
}

// NewImageView creates the native views of img. The image must be bound.
func (b *Binder) NewImageView(img *Image, info ViewInfo) (*ImageView, error) {
	tex := img.Native()
	if tex == nil {
		return nil, fmt.Errorf("%w: image %q", ErrNotBound, img.info.Label)
	}
	if info.Format == gputypes.TextureFormatUndefined {
		info.Format = img.info.Format
	}
	if info.MipCount == 0 {
		info.MipCount = img.desc.MipLevels - min(info.BaseMip, img.desc.MipLevels)
	}
	if info.LayerCount == 0 {
		info.LayerCount = img.desc.ArraySize - min(info.BaseLayer, img.desc.ArraySize)
	}
	v := &ImageView{image: img, info: info}
	desc := native.ViewDesc{
		Format:     info.Format,
		Dimension:  info.Dimension,
		BaseMip:    info.BaseMip,
		MipCount:   info.MipCount,
		BaseLayer:  info.BaseLayer,
		LayerCount: info.LayerCount,
	}
	// Attachment and storage views address a single mip.
	single := desc
	single.MipCount = 1
	if single.Dimension == gputypes.TextureViewDimensionCube || single.Dimension == gputypes.TextureViewDimensionCubeArray {
		single.Dimension = gputypes.TextureViewDimension2DArray
	}

	bind := tex.Desc().Bind
	var err error
	if bind.Has(native.BindShaderResource) {
		v.srv, err = b.dev.CreateShaderResourceView(tex, desc)
	}
	if err == nil && bind.Has(native.BindUnorderedAccess) {
		v.uav, err = b.dev.CreateUnorderedAccessView(tex, single)
	}
	if err == nil && bind.Has(native.BindRenderTarget) {
		v.rtv, err = b.dev.CreateRenderTargetView(tex, single)
	}
	if err == nil && bind.Has(native.BindDepthStencil) {
		v.dsv, err = b.dev.CreateDepthStencilView(tex, single)
	}
	if err != nil {
		v.Destroy()
		return nil, fmt.Errorf("image view of %q: %w", img.info.Label, err)
	}
	return v, nil
}

// Image returns the viewed image.
func (v *ImageView) Image() *Image { return v.image }

// Info returns the normalized view range.
func (v *ImageView) Info() ViewInfo { return v.info }

// SRV returns the shader resource view, if any.
func (v *ImageView) SRV() native.ShaderResourceView { return v.srv }

// UAV returns the unordered access view, if any.
func (v *ImageView) UAV() native.UnorderedAccessView { return v.uav }

// RTV returns the render target view, if any.
func (v *ImageView) RTV() native.RenderTargetView { return v.rtv }

// DSV returns the depth-stencil view, if any.
func (v *ImageView) DSV() native.DepthStencilView { return v.dsv }

// Destroy releases the native views once.
func (v *ImageView) Destroy() {
	v.once.Do(func() {
		for _, n := range []native.View{v.srv, v.uav, v.rtv, v.dsv} {
			if n != nil {
				n.Release()
			}
		}
	})
}

// ErrNoSampler is returned when the device cannot create a sampler state.
var ErrNoSampler = errors.New("memory: sampler state creation failed")

// Sampler wraps a native sampler state.
type Sampler struct {
	state native.SamplerState
	once  sync.Once
}

// NewSampler creates a native sampler state.
func (b *Binder) NewSampler(desc native.SamplerDesc) (*Sampler, error) {
	st, err := b.dev.CreateSamplerState(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoSampler, err)
	}
	return &Sampler{state: st}, nil
}

// Native returns the sampler state.
func (s *Sampler) Native() native.SamplerState { return s.state }

// Destroy releases the sampler state once.
func (s *Sampler) Destroy() {
	s.once.Do(s.state.Release)
}
