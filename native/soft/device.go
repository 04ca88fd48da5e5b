package soft

import (
	"fmt"
	"math/bits"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/explicit/native"
)

func init() {
	native.Register("soft", func() (native.Device, error) {
		return New(Options{}), nil
	})
}

// Options configures a soft device.
type Options struct {
	// Name is reported through Info. Defaults to "soft".
	Name string
	// QueryLatency is the number of GetData polls after a flush before a
	// query result becomes available.
	QueryLatency int
	// MemoryBudget limits the bytes of live buffers and textures.
	// Zero means unlimited.
	MemoryBudget uint64
	// Caps overrides the reported capabilities. The zero value means
	// native.DefaultCaps.
	Caps *native.Caps
}

// Device is a soft native device.
type Device struct {
	opts Options
	caps native.Caps
	ctx  *Context

	nextID         atomic.Uint64
	live           atomic.Int64
	doubleReleases atomic.Int64

	mu      sync.Mutex
	used    uint64
	removed error
}

var _ native.Device = (*Device)(nil)

// New creates a soft device.
func New(opts Options) *Device {
	if opts.Name == "" {
		opts.Name = "soft"
	}
	d := &Device{opts: opts, caps: native.DefaultCaps()}
	if opts.Caps != nil {
		d.caps = *opts.Caps
	}
	d.ctx = newContext(d)
	return d
}

// Remove simulates device removal with the given code. Every later
// operation fails with that code.
func (d *Device) Remove(code native.Code) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed == nil {
		d.removed = &native.Error{Op: "Device", Code: code}
	}
}

// RemovedReason implements native.Device.
func (d *Device) RemovedReason() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

// LiveObjects returns the number of created and not yet released objects.
func (d *Device) LiveObjects() int { return int(d.live.Load()) }

// DoubleReleases counts Release calls on already released objects.
func (d *Device) DoubleReleases() int { return int(d.doubleReleases.Load()) }

// MemoryUsed returns the bytes held by live resources.
func (d *Device) MemoryUsed() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// Trace returns the trace of the immediate context.
func (d *Device) Trace() *Trace { return &d.ctx.trace }

// Info implements native.Device.
func (d *Device) Info() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Name: d.opts.Name, Type: gpucontext.AdapterTypeSoftware}
}

// Caps implements native.Device.
func (d *Device) Caps() native.Caps { return d.caps }

// ImmediateContext implements native.Device.
func (d *Device) ImmediateContext() native.Context { return d.ctx }

// Context returns the immediate context with its concrete type.
func (d *Device) Context() *Context { return d.ctx }

// Close implements native.Device.
func (d *Device) Close() error {
	d.ctx.ClearState()
	return nil
}

func (d *Device) check(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed != nil {
		return &native.Error{Op: op, Code: native.CodeOf(d.removed), Err: d.removed}
	}
	return nil
}

func (d *Device) reserve(op string, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed != nil {
		return &native.Error{Op: op, Code: native.CodeOf(d.removed), Err: d.removed}
	}
	if d.opts.MemoryBudget != 0 && d.used+size > d.opts.MemoryBudget {
		return native.Errorf(op, native.CodeOutOfMemory, "%d bytes requested, %d of %d in use",
			size, d.used, d.opts.MemoryBudget)
	}
	d.used += size
	return nil
}

func (d *Device) unreserve(size uint64) {
	d.mu.Lock()
	d.used -= size
	d.mu.Unlock()
}

// object is the common part of every soft object.
type object struct {
	dev      *Device
	id       uint64
	kind     string
	size     uint64
	released atomic.Bool
}

func (d *Device) newObject(kind string, size uint64) object {
	d.live.Add(1)
	return object{dev: d, id: d.nextID.Add(1), kind: kind, size: size}
}

// Release implements native.Object.
func (o *object) Release() {
	if !o.released.CompareAndSwap(false, true) {
		o.dev.doubleReleases.Add(1)
		return
	}
	o.dev.live.Add(-1)
	if o.size != 0 {
		o.dev.unreserve(o.size)
	}
}

// String returns kind#id, the name used in traces.
func (o *object) String() string { return fmt.Sprintf("%s#%d", o.kind, o.id) }

// ID returns the object's unique id.
func (o *object) ID() uint64 { return o.id }

// Released reports whether Release was called.
func (o *object) Released() bool { return o.released.Load() }

// CreateBuffer implements native.Device.
func (d *Device) CreateBuffer(desc native.BufferDesc, initial []byte) (native.Buffer, error) {
	const op = "CreateBuffer"
	if err := validateBuffer(desc, initial); err != nil {
		return nil, native.Errorf(op, native.CodeInvalidArg, "%s: %w", desc.Label, err)
	}
	if err := d.reserve(op, desc.Size); err != nil {
		return nil, err
	}
	b := &Buffer{object: d.newObject("Buffer", desc.Size), desc: desc, data: make([]byte, desc.Size)}
	copy(b.data, initial)
	return b, nil
}

func validateBuffer(desc native.BufferDesc, initial []byte) error {
	switch {
	case desc.Size == 0:
		return fmt.Errorf("zero size")
	case uint64(len(initial)) > desc.Size:
		return fmt.Errorf("%d bytes of initial data for %d byte buffer", len(initial), desc.Size)
	case desc.Bind.Has(native.BindConstantBuffer) && desc.Size%native.ConstantSize != 0:
		return fmt.Errorf("constant buffer size %d is not a multiple of %d", desc.Size, native.ConstantSize)
	case desc.Bind.Has(native.BindConstantBuffer) && desc.Bind != native.BindConstantBuffer:
		return fmt.Errorf("constant buffers cannot have other bind flags")
	}
	return validateUsage(desc.Usage, desc.Bind, desc.CPUAccess, initial != nil)
}

func validateUsage(usage native.Usage, bind native.BindFlags, cpu native.CPUAccess, hasInitial bool) error {
	switch usage {
	case native.UsageDefault:
		if cpu != 0 {
			return fmt.Errorf("default usage with CPU access")
		}
	case native.UsageImmutable:
		if cpu != 0 || !hasInitial {
			return fmt.Errorf("immutable usage needs initial data and no CPU access")
		}
		if bind&(native.BindUnorderedAccess|native.BindRenderTarget|native.BindDepthStencil) != 0 {
			return fmt.Errorf("immutable resources are read-only")
		}
	case native.UsageDynamic:
		if cpu != native.CPUAccessWrite {
			return fmt.Errorf("dynamic usage needs write-only CPU access")
		}
		if bind&(native.BindUnorderedAccess|native.BindRenderTarget|native.BindDepthStencil) != 0 {
			return fmt.Errorf("dynamic resources are GPU read-only")
		}
	case native.UsageStaging:
		if bind != 0 {
			return fmt.Errorf("staging resources cannot have bind flags")
		}
		if cpu == 0 {
			return fmt.Errorf("staging usage needs CPU access")
		}
	default:
		return fmt.Errorf("unknown usage %v", usage)
	}
	return nil
}

// CreateTexture implements native.Device.
func (d *Device) CreateTexture(desc native.TextureDesc) (native.Texture, error) {
	const op = "CreateTexture"
	desc, err := d.normalizeTexture(desc)
	if err != nil {
		return nil, native.Errorf(op, native.CodeInvalidArg, "%s: %w", desc.Label, err)
	}
	var total uint64
	subs := make([][]byte, desc.SubresourceCount())
	for layer := range desc.ArraySize {
		for mip := range desc.MipLevels {
			n := native.SubresourceSize(desc, mip)
			subs[native.Subresource(mip, layer, desc.MipLevels)] = make([]byte, n)
			total += n
		}
	}
	if err := d.reserve(op, total); err != nil {
		return nil, err
	}
	return &Texture{object: d.newObject("Texture", total), desc: desc, subs: subs, mapped: map[uint32]bool{}}, nil
}

func (d *Device) normalizeTexture(desc native.TextureDesc) (native.TextureDesc, error) {
	if _, ok := native.FormatInfo(desc.Format); !ok {
		return desc, fmt.Errorf("unsupported format %v", desc.Format)
	}
	if desc.Width == 0 || desc.Height == 0 {
		return desc, fmt.Errorf("zero extent %dx%d", desc.Width, desc.Height)
	}
	if desc.Depth == 0 {
		desc.Depth = 1
	}
	if desc.ArraySize == 0 {
		desc.ArraySize = 1
	}
	if desc.SampleCount == 0 {
		desc.SampleCount = 1
	}
	switch desc.Dimension {
	case gputypes.TextureDimensionUndefined, gputypes.TextureDimension2D:
		desc.Dimension = gputypes.TextureDimension2D
		desc.Depth = 1
	case gputypes.TextureDimension1D:
		desc.Height, desc.Depth = 1, 1
	case gputypes.TextureDimension3D:
		desc.ArraySize = 1
	}
	if max(desc.Width, desc.Height) > d.caps.MaxTextureDimension2D {
		return desc, fmt.Errorf("extent %dx%d exceeds %d", desc.Width, desc.Height, d.caps.MaxTextureDimension2D)
	}
	if desc.ArraySize > d.caps.MaxTextureArrayLayers {
		return desc, fmt.Errorf("%d layers exceed %d", desc.ArraySize, d.caps.MaxTextureArrayLayers)
	}
	full := uint32(bits.Len32(max(desc.Width, desc.Height, desc.Depth)))
	if desc.MipLevels == 0 {
		desc.MipLevels = full
	}
	if desc.MipLevels > full {
		return desc, fmt.Errorf("%d mip levels, at most %d", desc.MipLevels, full)
	}
	if desc.SampleCount > 1 && (desc.MipLevels != 1 || desc.Usage == native.UsageStaging) {
		return desc, fmt.Errorf("multisampled textures have one mip level and no staging usage")
	}
	isDepth := desc.Format.IsDepthStencil()
	if desc.Bind.Has(native.BindDepthStencil) != isDepth && desc.Bind&(native.BindDepthStencil|native.BindRenderTarget) != 0 {
		return desc, fmt.Errorf("attachment bind flags do not match format %v", desc.Format)
	}
	if desc.Misc.Has(native.MiscGenerateMips) && !desc.Bind.Has(native.BindRenderTarget|native.BindShaderResource) {
		return desc, fmt.Errorf("mip generation needs render-target and shader-resource binding")
	}
	if desc.Bind&(native.BindVertexBuffer|native.BindIndexBuffer|native.BindConstantBuffer) != 0 {
		return desc, fmt.Errorf("buffer bind flags on a texture")
	}
	return desc, validateUsage(desc.Usage, desc.Bind, desc.CPUAccess, true)
}

// CreateShaderResourceView implements native.Device.
func (d *Device) CreateShaderResourceView(res native.Resource, desc native.ViewDesc) (native.ShaderResourceView, error) {
	return d.createView("CreateShaderResourceView", native.ViewShaderResource, native.BindShaderResource, res, desc)
}

// CreateUnorderedAccessView implements native.Device.
func (d *Device) CreateUnorderedAccessView(res native.Resource, desc native.ViewDesc) (native.UnorderedAccessView, error) {
	return d.createView("CreateUnorderedAccessView", native.ViewUnorderedAccess, native.BindUnorderedAccess, res, desc)
}

// CreateRenderTargetView implements native.Device.
func (d *Device) CreateRenderTargetView(tex native.Texture, desc native.ViewDesc) (native.RenderTargetView, error) {
	return d.createView("CreateRenderTargetView", native.ViewRenderTarget, native.BindRenderTarget, tex, desc)
}

// CreateDepthStencilView implements native.Device.
func (d *Device) CreateDepthStencilView(tex native.Texture, desc native.ViewDesc) (native.DepthStencilView, error) {
	return d.createView("CreateDepthStencilView", native.ViewDepthStencil, native.BindDepthStencil, tex, desc)
}

func (d *Device) createView(op string, kind native.ViewKind, bind native.BindFlags, res native.Resource, desc native.ViewDesc) (native.View, error) {
	if err := d.check(op); err != nil {
		return nil, err
	}
	switch r := res.(type) {
	case *Buffer:
		if kind == native.ViewRenderTarget || kind == native.ViewDepthStencil {
			return nil, native.Errorf(op, native.CodeInvalidArg, "%v of a buffer", kind)
		}
		if !r.desc.Bind.Has(bind) || r.Released() {
			return nil, native.Errorf(op, native.CodeInvalidArg, "%v lacks bind flag or is released", r)
		}
		if desc.NumElements == 0 {
			desc.NumElements = uint32(r.desc.Size/4) - desc.FirstElement // #nosec G115 -- bounded by caps
		}
		if uint64(desc.FirstElement+desc.NumElements)*4 > r.desc.Size {
			return nil, native.Errorf(op, native.CodeInvalidArg, "elements [%d,+%d) exceed %v", desc.FirstElement, desc.NumElements, r)
		}
	case *Texture:
		if !r.desc.Bind.Has(bind) || r.Released() {
			return nil, native.Errorf(op, native.CodeInvalidArg, "%v lacks bind flag or is released", r)
		}
		var err error
		if desc, err = normalizeTextureView(r.desc, kind, desc); err != nil {
			return nil, native.Errorf(op, native.CodeInvalidArg, "%v: %w", r, err)
		}
	default:
		return nil, native.Errorf(op, native.CodeInvalidArg, "foreign resource %T", res)
	}
	return &view{object: d.newObject(kind.String(), 0), kind: kind, res: res, desc: desc}, nil
}

func normalizeTextureView(td native.TextureDesc, kind native.ViewKind, desc native.ViewDesc) (native.ViewDesc, error) {
	if desc.Format == 0 {
		desc.Format = td.Format
	}
	if desc.Dimension == gputypes.TextureViewDimensionUndefined {
		switch {
		case td.Dimension == gputypes.TextureDimension1D:
			desc.Dimension = gputypes.TextureViewDimension1D
		case td.Dimension == gputypes.TextureDimension3D:
			desc.Dimension = gputypes.TextureViewDimension3D
		case td.ArraySize > 1:
			desc.Dimension = gputypes.TextureViewDimension2DArray
		default:
			desc.Dimension = gputypes.TextureViewDimension2D
		}
	}
	if desc.MipCount == 0 {
		desc.MipCount = td.MipLevels - min(desc.BaseMip, td.MipLevels)
		if kind != native.ViewShaderResource {
			desc.MipCount = 1
		}
	}
	if desc.LayerCount == 0 {
		desc.LayerCount = td.ArraySize - min(desc.BaseLayer, td.ArraySize)
	}
	switch {
	case desc.MipCount == 0 || desc.BaseMip+desc.MipCount > td.MipLevels:
		return desc, fmt.Errorf("mips [%d,+%d) of %d", desc.BaseMip, desc.MipCount, td.MipLevels)
	case desc.LayerCount == 0 || desc.BaseLayer+desc.LayerCount > td.ArraySize:
		return desc, fmt.Errorf("layers [%d,+%d) of %d", desc.BaseLayer, desc.LayerCount, td.ArraySize)
	case kind != native.ViewShaderResource && desc.MipCount != 1:
		return desc, fmt.Errorf("%v covers %d mips", kind, desc.MipCount)
	case desc.Format != td.Format && !compatible(desc.Format, td.Format):
		return desc, fmt.Errorf("view format %v incompatible with %v", desc.Format, td.Format)
	}
	return desc, nil
}

func compatible(a, b gputypes.TextureFormat) bool {
	ba, _ := native.FormatInfo(a)
	bb, _ := native.FormatInfo(b)
	return ba == bb && a.IsDepthStencil() == b.IsDepthStencil()
}

// CreateSamplerState implements native.Device.
func (d *Device) CreateSamplerState(desc native.SamplerDesc) (native.SamplerState, error) {
	const op = "CreateSamplerState"
	if err := d.check(op); err != nil {
		return nil, err
	}
	if desc.MaxAnisotropy > 16 || desc.MinLOD > desc.MaxLOD {
		return nil, native.Errorf(op, native.CodeInvalidArg, "anisotropy %d, lod [%g,%g]", desc.MaxAnisotropy, desc.MinLOD, desc.MaxLOD)
	}
	return &samplerState{object: d.newObject("Sampler", 0), desc: desc}, nil
}

// CreateBlendState implements native.Device.
func (d *Device) CreateBlendState(desc native.BlendDesc) (native.BlendState, error) {
	const op = "CreateBlendState"
	if err := d.check(op); err != nil {
		return nil, err
	}
	for i, t := range desc.Targets {
		if !t.Enable {
			continue
		}
		if t.Color.SrcFactor == 0 || t.Color.DstFactor == 0 || t.Color.Operation == 0 ||
			t.Alpha.SrcFactor == 0 || t.Alpha.DstFactor == 0 || t.Alpha.Operation == 0 {
			return nil, native.Errorf(op, native.CodeInvalidArg, "target %d has undefined factors", i)
		}
	}
	return &blendState{object: d.newObject("Blend", 0), desc: desc}, nil
}

// CreateRasterizerState implements native.Device.
func (d *Device) CreateRasterizerState(desc native.RasterizerDesc) (native.RasterizerState, error) {
	const op = "CreateRasterizerState"
	if err := d.check(op); err != nil {
		return nil, err
	}
	if desc.Fill > native.FillWireframe || desc.Cull > 2 {
		return nil, native.Errorf(op, native.CodeInvalidArg, "fill %d cull %d", desc.Fill, desc.Cull)
	}
	return &rasterizerState{object: d.newObject("Rasterizer", 0), desc: desc}, nil
}

// CreateDepthStencilState implements native.Device.
func (d *Device) CreateDepthStencilState(desc native.DepthStencilDesc) (native.DepthStencilState, error) {
	const op = "CreateDepthStencilState"
	if err := d.check(op); err != nil {
		return nil, err
	}
	if desc.DepthEnable && desc.DepthFunc == 0 {
		return nil, native.Errorf(op, native.CodeInvalidArg, "depth test without compare function")
	}
	if desc.StencilEnable && (desc.Front.Compare == 0 || desc.Back.Compare == 0) {
		return nil, native.Errorf(op, native.CodeInvalidArg, "stencil test without compare function")
	}
	return &depthStencilState{object: d.newObject("DepthStencil", 0), desc: desc}, nil
}

// CreateShader implements native.Device.
func (d *Device) CreateShader(desc native.ShaderDesc) (native.Shader, error) {
	const op = "CreateShader"
	if err := d.check(op); err != nil {
		return nil, err
	}
	if desc.Source == "" || desc.EntryPoint == "" || !strings.Contains(desc.Source, desc.EntryPoint) {
		return nil, native.Errorf(op, native.CodeInvalidArg, "%v entry point %q not found", desc.Stage, desc.EntryPoint)
	}
	if desc.Stage == native.StageCompute && !d.caps.Compute {
		return nil, native.Errorf(op, native.CodeUnsupported, "compute shaders")
	}
	desc.Inputs = append([]native.Semantic(nil), desc.Inputs...)
	return &shader{object: d.newObject(desc.Stage.String(), 0), desc: desc}, nil
}

// CreateInputLayout implements native.Device.
func (d *Device) CreateInputLayout(elements []native.InputElement, vs native.Shader) (native.InputLayout, error) {
	const op = "CreateInputLayout"
	if err := d.check(op); err != nil {
		return nil, err
	}
	s, ok := vs.(*shader)
	if !ok || s.desc.Stage != native.StageVertex {
		return nil, native.Errorf(op, native.CodeInvalidArg, "input signature needs a vertex shader")
	}
	for _, e := range elements {
		if e.Slot >= native.MaxVertexBuffers || e.Format.Size() == 0 {
			return nil, native.Errorf(op, native.CodeInvalidArg, "element %s%d: slot %d format %v",
				e.Semantic, e.SemanticIndex, e.Slot, e.Format)
		}
	}
	for _, in := range s.desc.Inputs {
		found := false
		for _, e := range elements {
			if strings.EqualFold(e.Semantic, in.Name) && e.SemanticIndex == in.Index {
				found = true
				break
			}
		}
		if !found {
			return nil, native.Errorf(op, native.CodeInvalidArg, "shader input %s%d has no element", in.Name, in.Index)
		}
	}
	return &inputLayout{object: d.newObject("InputLayout", 0), elements: append([]native.InputElement(nil), elements...)}, nil
}

// CreateQuery implements native.Device.
func (d *Device) CreateQuery(kind native.QueryKind) (native.Query, error) {
	const op = "CreateQuery"
	if err := d.check(op); err != nil {
		return nil, err
	}
	if kind > native.QueryTimestampDisjoint {
		return nil, native.Errorf(op, native.CodeInvalidArg, "query kind %v", kind)
	}
	if (kind == native.QueryTimestamp || kind == native.QueryTimestampDisjoint) && !d.caps.Timestamps {
		return nil, native.Errorf(op, native.CodeUnsupported, "timestamps")
	}
	return &query{object: d.newObject("Query", 0), kind: kind}, nil
}
