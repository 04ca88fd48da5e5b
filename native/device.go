package native

import (
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"
)

// Object is a native object with explicit release.
// Releasing an object twice is a caller bug; implementations may report it.
type Object interface {
	Release()
}

// Resource is a buffer or a texture.
type Resource interface {
	Object
	Dimension() ResourceDimension
}

// Buffer is a native buffer.
type Buffer interface {
	Resource
	Desc() BufferDesc
}

// Texture is a native 1D, 2D, or 3D texture.
type Texture interface {
	Resource
	Desc() TextureDesc
}

// View is a typed window onto a resource.
type View interface {
	Object
	Kind() ViewKind
	Resource() Resource
	Desc() ViewDesc
}

// ViewKind says which pipeline slot a View is created for.
type ViewKind uint8

// View kinds.
const (
	ViewShaderResource ViewKind = iota
	ViewUnorderedAccess
	ViewRenderTarget
	ViewDepthStencil
)

// String returns the view kind name.
func (k ViewKind) String() string {
	switch k {
	case ViewShaderResource:
		return "SRV"
	case ViewUnorderedAccess:
		return "UAV"
	case ViewRenderTarget:
		return "RTV"
	case ViewDepthStencil:
		return "DSV"
	default:
		return "ViewKind(?)"
	}
}

// View flavours. Implementations return views whose Kind matches the
// creating call, and contexts reject views of the wrong kind.
type (
	ShaderResourceView  = View
	UnorderedAccessView = View
	RenderTargetView    = View
	DepthStencilView    = View
)

// SamplerState is an immutable sampler object.
type SamplerState interface {
	Object
	Desc() SamplerDesc
}

// BlendState is an immutable blend object.
type BlendState interface {
	Object
	Desc() BlendDesc
}

// RasterizerState is an immutable rasterizer object.
type RasterizerState interface {
	Object
	Desc() RasterizerDesc
}

// DepthStencilState is an immutable depth-stencil object.
type DepthStencilState interface {
	Object
	Desc() DepthStencilDesc
}

// Shader is a compiled shader of one stage.
type Shader interface {
	Object
	Stage() Stage
}

// InputLayout maps vertex buffer contents to vertex shader inputs.
type InputLayout interface {
	Object
	Elements() []InputElement
}

// Query is an asynchronous GPU query.
type Query interface {
	Object
	Kind() QueryKind
}

// Device creates native objects.
//
// Device methods are safe for concurrent use. The Context returned by
// ImmediateContext is not; callers serialize access to it.
type Device interface {
	// CreateBuffer creates a buffer, optionally filled with initial data.
	// Immutable buffers require initial data.
	CreateBuffer(desc BufferDesc, initial []byte) (Buffer, error)
	CreateTexture(desc TextureDesc) (Texture, error)

	CreateShaderResourceView(res Resource, desc ViewDesc) (ShaderResourceView, error)
	CreateUnorderedAccessView(res Resource, desc ViewDesc) (UnorderedAccessView, error)
	CreateRenderTargetView(tex Texture, desc ViewDesc) (RenderTargetView, error)
	CreateDepthStencilView(tex Texture, desc ViewDesc) (DepthStencilView, error)

	CreateSamplerState(desc SamplerDesc) (SamplerState, error)
	CreateBlendState(desc BlendDesc) (BlendState, error)
	CreateRasterizerState(desc RasterizerDesc) (RasterizerState, error)
	CreateDepthStencilState(desc DepthStencilDesc) (DepthStencilState, error)

	// CreateShader compiles native shader source.
	CreateShader(desc ShaderDesc) (Shader, error)
	// CreateInputLayout validates elements against the input signature of
	// vs and creates the layout.
	CreateInputLayout(elements []InputElement, vs Shader) (InputLayout, error)

	CreateQuery(kind QueryKind) (Query, error)

	// ImmediateContext returns the single immediate context of the device.
	ImmediateContext() Context

	Info() gpucontext.AdapterInfo
	Caps() Caps

	// RemovedReason returns nil while the device is usable and the removal
	// error afterwards.
	RemovedReason() error

	// Close releases the device. Objects created from it become invalid.
	Close() error
}

// Context is the immediate context. State set on it persists until changed;
// draws, dispatches, and copies take effect immediately, in call order.
//
// Setters never fail. Operations that can be rejected return an error,
// which is a *Error with a device-removed code once the device is lost.
type Context interface {
	IASetInputLayout(layout InputLayout)
	IASetPrimitiveTopology(topology gputypes.PrimitiveTopology)
	// IASetVertexBuffers binds len(buffers) vertex buffers starting at slot
	// start. A nil buffer unbinds its slot.
	IASetVertexBuffers(start uint32, buffers []Buffer, strides, offsets []uint32)
	IASetIndexBuffer(buf Buffer, format gputypes.IndexFormat, offset uint32)

	SetShader(stage Stage, shader Shader)
	SetConstantBuffers(stage Stage, start uint32, buffers []ConstantBufferBinding)
	SetShaderResources(stage Stage, start uint32, views []ShaderResourceView)
	SetSamplers(stage Stage, start uint32, samplers []SamplerState)
	SetUnorderedAccessViews(stage Stage, start uint32, views []UnorderedAccessView)

	RSSetState(state RasterizerState)
	RSSetViewports(viewports []Viewport)
	RSSetScissorRects(rects []Rect)

	OMSetBlendState(state BlendState, factor f32.Vec4, sampleMask uint32)
	OMSetDepthStencilState(state DepthStencilState, stencilRef uint32)
	OMSetRenderTargets(rtvs []RenderTargetView, dsv DepthStencilView)

	DrawInstanced(vertexCount, instanceCount, startVertex, startInstance uint32) error
	DrawIndexedInstanced(indexCount, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32) error
	DrawInstancedIndirect(args Buffer, offset uint32) error
	DrawIndexedInstancedIndirect(args Buffer, offset uint32) error
	Dispatch(x, y, z uint32) error
	DispatchIndirect(args Buffer, offset uint32) error

	// CopyResource copies all of src into dst. Both must have identical
	// shape.
	CopyResource(dst, src Resource) error
	CopyBufferRegion(dst Buffer, dstOffset uint64, src Buffer, srcOffset, size uint64) error
	// CopyTextureRegion copies box of src subresource srcSub to dst
	// subresource dstSub at (x, y, z). A nil box copies the whole
	// subresource.
	CopyTextureRegion(dst Texture, dstSub, x, y, z uint32, src Texture, srcSub uint32, box *Box) error
	// UpdateSubresource writes data into a default-usage resource. For
	// buffers, box selects a byte range on the X axis; a nil box means the
	// whole subresource.
	UpdateSubresource(dst Resource, sub uint32, box *Box, data []byte, rowPitch, depthPitch uint32) error

	ClearRenderTargetView(rtv RenderTargetView, color f32.Vec4) error
	ClearDepthStencilView(dsv DepthStencilView, flags ClearFlags, depth float32, stencil uint8) error
	ResolveSubresource(dst Texture, dstSub uint32, src Texture, srcSub uint32, format gputypes.TextureFormat) error
	GenerateMips(srv ShaderResourceView) error

	Begin(q Query)
	End(q Query)
	// GetData polls a query. It returns ok false while the result is not
	// yet available. Event queries report 1 when complete.
	GetData(q Query) (value uint64, ok bool, err error)

	Map(res Resource, sub uint32, mode MapType) (Mapped, error)
	Unmap(res Resource, sub uint32)

	// Flush submits all queued work to the device.
	Flush()
	// ClearState restores every binding and state to its default.
	ClearState()
}
