package native

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"
)

// Limits of the immediate context binding model.
const (
	MaxVertexBuffers   = 32
	MaxConstantBuffers = 14
	MaxShaderResources = 128
	MaxSamplers        = 16
	MaxUAVs            = 8
	MaxRenderTargets   = 8
	MaxViewports       = 16

	// ConstantSize is the granularity of constant buffer offsets, in bytes.
	ConstantSize = 16
)

// Usage is the CPU/GPU access class of a resource.
type Usage uint8

const (
	// UsageDefault resources are GPU read/write and updated through
	// UpdateSubresource or copies.
	UsageDefault Usage = iota
	// UsageImmutable resources are initialised at creation and never change.
	UsageImmutable
	// UsageDynamic resources are GPU read-only and CPU write-only.
	UsageDynamic
	// UsageStaging resources are copy-only and CPU readable/writable.
	UsageStaging
)

// String returns the usage name.
func (u Usage) String() string {
	switch u {
	case UsageDefault:
		return "Default"
	case UsageImmutable:
		return "Immutable"
	case UsageDynamic:
		return "Dynamic"
	case UsageStaging:
		return "Staging"
	default:
		return fmt.Sprintf("Usage(%d)", int(u))
	}
}

// BindFlags says where a resource may be bound.
type BindFlags uint32

// Bind flags.
const (
	BindVertexBuffer BindFlags = 1 << iota
	BindIndexBuffer
	BindConstantBuffer
	BindShaderResource
	BindRenderTarget
	BindDepthStencil
	BindUnorderedAccess
)

// Has reports whether all bits of f are set.
func (b BindFlags) Has(f BindFlags) bool { return b&f == f }

// CPUAccess says how the CPU may map a resource.
type CPUAccess uint8

// CPU access flags.
const (
	CPUAccessWrite CPUAccess = 1 << iota
	CPUAccessRead
)

// Has reports whether all bits of f are set.
func (c CPUAccess) Has(f CPUAccess) bool { return c&f == f }

// MiscFlags carries rarely used creation options.
type MiscFlags uint32

// Misc flags.
const (
	// MiscGenerateMips allows GenerateMips on shader resource views.
	MiscGenerateMips MiscFlags = 1 << iota
	// MiscDrawIndirectArgs allows a buffer to hold indirect arguments.
	MiscDrawIndirectArgs
	// MiscBufferRaw allows byte-address views of a buffer.
	MiscBufferRaw
	// MiscTextureCube allows cube views of a 2D array texture.
	MiscTextureCube
)

// Has reports whether all bits of f are set.
func (m MiscFlags) Has(f MiscFlags) bool { return m&f == f }

// BufferDesc describes a native buffer.
type BufferDesc struct {
	Label     string
	Size      uint64
	Usage     Usage
	Bind      BindFlags
	CPUAccess CPUAccess
	Misc      MiscFlags
}

// TextureDesc describes a native texture.
type TextureDesc struct {
	Label     string
	Dimension gputypes.TextureDimension
	Width     uint32
	Height    uint32
	// Depth is the depth of 3D textures and 1 otherwise.
	Depth uint32
	// ArraySize is the layer count of 1D/2D textures and 1 for 3D.
	ArraySize   uint32
	MipLevels   uint32
	SampleCount uint32
	Format      gputypes.TextureFormat
	Usage       Usage
	Bind        BindFlags
	CPUAccess   CPUAccess
	Misc        MiscFlags
}

// SubresourceCount returns MipLevels*ArraySize.
func (d TextureDesc) SubresourceCount() uint32 {
	return d.MipLevels * d.ArraySize
}

// MipExtent returns the size of mip level mip.
func (d TextureDesc) MipExtent(mip uint32) (w, h, depth uint32) {
	w, h, depth = d.Width>>mip, d.Height>>mip, d.Depth>>mip
	return max(w, 1), max(h, 1), max(depth, 1)
}

// Subresource computes a subresource index.
func Subresource(mip, layer, mipLevels uint32) uint32 {
	return mip + layer*mipLevels
}

// SplitSubresource is the inverse of Subresource.
func SplitSubresource(sub, mipLevels uint32) (mip, layer uint32) {
	return sub % mipLevels, sub / mipLevels
}

// ResourceDimension identifies the resource kind.
type ResourceDimension uint8

// Resource dimensions.
const (
	DimensionBuffer ResourceDimension = iota
	DimensionTexture1D
	DimensionTexture2D
	DimensionTexture3D
)

// ViewDesc describes a view of a resource.
// Zero counts mean "all remaining".
type ViewDesc struct {
	Format     gputypes.TextureFormat
	Dimension  gputypes.TextureViewDimension
	BaseMip    uint32
	MipCount   uint32
	BaseLayer  uint32
	LayerCount uint32

	// FirstElement and NumElements select a range of a buffer in 4-byte
	// elements.
	FirstElement uint32
	NumElements  uint32
}

// SamplerDesc describes a sampler state.
type SamplerDesc struct {
	MinFilter     gputypes.FilterMode
	MagFilter     gputypes.FilterMode
	MipFilter     gputypes.MipmapFilterMode
	AddressU      gputypes.AddressMode
	AddressV      gputypes.AddressMode
	AddressW      gputypes.AddressMode
	MipLODBias    float32
	MaxAnisotropy uint32
	Compare       gputypes.CompareFunction
	BorderColor   f32.Vec4
	MinLOD        float32
	MaxLOD        float32
}

// RenderTargetBlend is the blend configuration of one render target.
type RenderTargetBlend struct {
	Enable    bool
	Color     gputypes.BlendComponent
	Alpha     gputypes.BlendComponent
	WriteMask gputypes.ColorWriteMask
}

// BlendDesc describes a blend state.
type BlendDesc struct {
	AlphaToCoverage  bool
	IndependentBlend bool
	Targets          [MaxRenderTargets]RenderTargetBlend
}

// FillMode selects solid or wireframe rasterization.
type FillMode uint8

// Fill modes.
const (
	FillSolid FillMode = iota
	FillWireframe
)

// RasterizerDesc describes a rasterizer state.
type RasterizerDesc struct {
	Fill                  FillMode
	Cull                  gputypes.CullMode
	FrontCounterClockwise bool
	DepthBias             int32
	DepthBiasClamp        float32
	SlopeScaledDepthBias  float32
	DepthClip             bool
	Scissor               bool
	Multisample           bool
	AntialiasedLine       bool
}

// DepthStencilDesc describes a depth-stencil state.
type DepthStencilDesc struct {
	DepthEnable      bool
	DepthWrite       bool
	DepthFunc        gputypes.CompareFunction
	StencilEnable    bool
	StencilReadMask  uint8
	StencilWriteMask uint8
	Front            gputypes.StencilFaceState
	Back             gputypes.StencilFaceState
}

// InputElement describes one vertex attribute of an input layout.
type InputElement struct {
	Semantic      string
	SemanticIndex uint32
	Format        gputypes.VertexFormat
	Slot          uint32
	Offset        uint32
	PerInstance   bool
	StepRate      uint32
}

// Stage is a programmable stage of the immediate context.
type Stage uint8

// Programmable stages.
const (
	StageVertex Stage = iota
	StagePixel
	StageCompute

	// NumStages is the number of programmable stages.
	NumStages = 3
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageVertex:
		return "VS"
	case StagePixel:
		return "PS"
	case StageCompute:
		return "CS"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// StageOf maps a single explicit shader stage bit to a native stage.
func StageOf(s gputypes.ShaderStage) (Stage, bool) {
	switch s {
	case gputypes.ShaderStageVertex:
		return StageVertex, true
	case gputypes.ShaderStageFragment:
		return StagePixel, true
	case gputypes.ShaderStageCompute:
		return StageCompute, true
	}
	return 0, false
}

// Bit returns the explicit shader stage bit of s.
func (s Stage) Bit() gputypes.ShaderStage {
	switch s {
	case StageVertex:
		return gputypes.ShaderStageVertex
	case StagePixel:
		return gputypes.ShaderStageFragment
	default:
		return gputypes.ShaderStageCompute
	}
}

// Semantic names one element of a shader input signature.
type Semantic struct {
	Name  string
	Index uint32
}

// ShaderDesc describes a shader to create.
type ShaderDesc struct {
	Stage      Stage
	Source     string
	EntryPoint string
	// Inputs is the input signature. Only meaningful for vertex shaders,
	// where CreateInputLayout validates against it.
	Inputs []Semantic
}

// QueryKind selects what a query measures.
type QueryKind uint8

// Query kinds.
const (
	// QueryEvent completes when all preceding commands have completed.
	QueryEvent QueryKind = iota
	// QueryOcclusion counts samples passing depth/stencil between Begin and End.
	QueryOcclusion
	// QueryTimestamp records a tick count at End.
	QueryTimestamp
	// QueryTimestampDisjoint reports the tick frequency between Begin and End.
	QueryTimestampDisjoint
)

// String returns the query kind name.
func (k QueryKind) String() string {
	switch k {
	case QueryEvent:
		return "Event"
	case QueryOcclusion:
		return "Occlusion"
	case QueryTimestamp:
		return "Timestamp"
	case QueryTimestampDisjoint:
		return "TimestampDisjoint"
	default:
		return fmt.Sprintf("QueryKind(%d)", int(k))
	}
}

// Viewport is a rasterizer viewport.
type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

// Rect is a scissor rectangle.
type Rect struct {
	Left, Top, Right, Bottom int32
}

// Box selects a region of a subresource. Right, Bottom, and Back are
// exclusive.
type Box struct {
	Left, Top, Front    uint32
	Right, Bottom, Back uint32
}

// ClearFlags selects the aspects cleared by ClearDepthStencilView.
type ClearFlags uint8

// Clear flags.
const (
	ClearDepth ClearFlags = 1 << iota
	ClearStencil
)

// MapType selects the access of a Map call.
type MapType uint8

// Map types.
const (
	MapRead MapType = iota
	MapWrite
	MapReadWrite
	MapWriteDiscard
	MapWriteNoOverwrite
)

// String returns the map type name.
func (m MapType) String() string {
	switch m {
	case MapRead:
		return "Read"
	case MapWrite:
		return "Write"
	case MapReadWrite:
		return "ReadWrite"
	case MapWriteDiscard:
		return "WriteDiscard"
	case MapWriteNoOverwrite:
		return "WriteNoOverwrite"
	default:
		return fmt.Sprintf("MapType(%d)", int(m))
	}
}

// Mapped is a CPU view of a mapped subresource.
type Mapped struct {
	Data       []byte
	RowPitch   uint32
	DepthPitch uint32
}

// ConstantBufferBinding binds a window of a constant buffer.
// FirstConstant and NumConstants count 16-byte constants; NumConstants 0
// binds the whole buffer.
type ConstantBufferBinding struct {
	Buffer        Buffer
	FirstConstant uint32
	NumConstants  uint32
}

// Caps reports substrate capabilities.
type Caps struct {
	MaxTextureDimension2D uint32
	MaxTextureArrayLayers uint32
	IndirectDraw          bool
	Compute               bool
	Timestamps            bool
	GenerateMips          bool
	Resolve               bool
}

// DefaultCaps returns the capabilities of a full-featured substrate.
func DefaultCaps() Caps {
	return Caps{
		MaxTextureDimension2D: 16384,
		MaxTextureArrayLayers: 2048,
		IndirectDraw:          true,
		Compute:               true,
		Timestamps:            true,
		GenerateMips:          true,
		Resolve:               true,
	}
}
