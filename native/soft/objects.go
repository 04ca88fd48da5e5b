package soft

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/explicit/native"
)

// Buffer is a soft buffer.
type Buffer struct {
	object
	desc   native.BufferDesc
	data   []byte
	mapped bool
}

// Dimension implements native.Resource.
func (b *Buffer) Dimension() native.ResourceDimension { return native.DimensionBuffer }

// Desc implements native.Buffer.
func (b *Buffer) Desc() native.BufferDesc { return b.desc }

// Bytes returns a copy of the buffer contents.
func (b *Buffer) Bytes() []byte { return append([]byte(nil), b.data...) }

// Texture is a soft texture. Each subresource is stored tightly packed.
type Texture struct {
	object
	desc   native.TextureDesc
	subs   [][]byte
	mapped map[uint32]bool
}

// Dimension implements native.Resource.
func (t *Texture) Dimension() native.ResourceDimension {
	switch t.desc.Dimension {
	case gputypes.TextureDimension1D:
		return native.DimensionTexture1D
	case gputypes.TextureDimension3D:
		return native.DimensionTexture3D
	}
	return native.DimensionTexture2D
}

// Desc implements native.Texture.
func (t *Texture) Desc() native.TextureDesc { return t.desc }

// Subresource returns a copy of subresource sub.
func (t *Texture) Subresource(sub uint32) []byte {
	if int(sub) >= len(t.subs) {
		return nil
	}
	return append([]byte(nil), t.subs[sub]...)
}

func (t *Texture) rowPitch(mip uint32) uint32 {
	w, _, _ := t.desc.MipExtent(mip)
	return native.RowPitch(t.desc.Format, w)
}

func (t *Texture) slicePitch(mip uint32) uint32 {
	_, h, _ := t.desc.MipExtent(mip)
	return t.rowPitch(mip) * native.RowCount(t.desc.Format, h)
}

type view struct {
	object
	kind native.ViewKind
	res  native.Resource
	desc native.ViewDesc
}

func (v *view) Kind() native.ViewKind     { return v.kind }
func (v *view) Resource() native.Resource { return v.res }
func (v *view) Desc() native.ViewDesc     { return v.desc }
func (v *view) texture() (*Texture, bool) { t, ok := v.res.(*Texture); return t, ok }

type samplerState struct {
	object
	desc native.SamplerDesc
}

func (s *samplerState) Desc() native.SamplerDesc { return s.desc }

type blendState struct {
	object
	desc native.BlendDesc
}

func (s *blendState) Desc() native.BlendDesc { return s.desc }

type rasterizerState struct {
	object
	desc native.RasterizerDesc
}

func (s *rasterizerState) Desc() native.RasterizerDesc { return s.desc }

type depthStencilState struct {
	object
	desc native.DepthStencilDesc
}

func (s *depthStencilState) Desc() native.DepthStencilDesc { return s.desc }

type shader struct {
	object
	desc native.ShaderDesc
}

func (s *shader) Stage() native.Stage { return s.desc.Stage }

type inputLayout struct {
	object
	elements []native.InputElement
}

func (l *inputLayout) Elements() []native.InputElement { return l.elements }

type query struct {
	object
	kind native.QueryKind

	active  bool
	ended   bool
	flushed bool
	polls   int
	value   uint64
	// issued is the context flush count when End was called.
	issued uint64
}

func (q *query) Kind() native.QueryKind { return q.kind }
