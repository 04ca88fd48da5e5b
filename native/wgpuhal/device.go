package wgpuhal

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/gogpu/wgpu/hal/software"

	"github.com/gogpu/explicit/native"
)

func init() {
	native.Register("wgpu-software", func() (native.Device, error) { return Open(software.API{}) })
	native.Register("wgpu-noop", func() (native.Device, error) { return Open(noop.API{}) })
}

// Device is a native device backed by a HAL device and queue.
type Device struct {
	instance hal.Instance
	dev      hal.Device
	queue    hal.Queue
	info     gpucontext.AdapterInfo
	ctx      *Context

	live atomic.Int64

	mu      sync.Mutex
	removed error
}

var _ native.Device = (*Device)(nil)

// Open creates an instance of backend and opens its first adapter.
func Open(backend hal.Backend) (*Device, error) {
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{})
	if err != nil {
		return nil, fmt.Errorf("wgpuhal: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("wgpuhal: no adapters")
	}
	open, err := adapters[0].Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("wgpuhal: open device: %w", err)
	}
	d := New(open, adapters[0].Info)
	d.instance = instance
	return d, nil
}

// New wraps an already opened HAL device.
func New(open hal.OpenDevice, info gputypes.AdapterInfo) *Device {
	d := &Device{
		dev:   open.Device,
		queue: open.Queue,
		info:  gpucontext.AdapterInfo{Name: info.Name, Type: adapterType(info.DeviceType)},
	}
	d.ctx = &Context{dev: d}
	return d
}

func adapterType(t gputypes.DeviceType) gpucontext.AdapterType {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return gpucontext.AdapterTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		return gpucontext.AdapterTypeIntegrated
	case gputypes.DeviceTypeCPU:
		return gpucontext.AdapterTypeSoftware
	}
	return gpucontext.AdapterTypeUnknown
}

// Info implements native.Device.
func (d *Device) Info() gpucontext.AdapterInfo { return d.info }

// Caps implements native.Device.
func (d *Device) Caps() native.Caps {
	return native.Caps{MaxTextureDimension2D: 8192, MaxTextureArrayLayers: 256}
}

// ImmediateContext implements native.Device.
func (d *Device) ImmediateContext() native.Context { return d.ctx }

// LiveObjects returns the number of objects not yet released.
func (d *Device) LiveObjects() int { return int(d.live.Load()) }

// RemovedReason implements native.Device.
func (d *Device) RemovedReason() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

// Close implements native.Device.
func (d *Device) Close() error {
	err := d.dev.WaitIdle()
	d.dev.Destroy()
	if d.instance != nil {
		d.instance.Destroy()
	}
	return err
}

func (d *Device) check(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed != nil {
		return &native.Error{Op: op, Code: native.CodeOf(d.removed), Err: d.removed}
	}
	return nil
}

// fail converts a HAL error and marks the device removed on device loss.
func (d *Device) fail(op string, err error) error {
	code := native.CodeFail
	switch {
	case errors.Is(err, hal.ErrDeviceLost):
		code = native.CodeDeviceRemoved
		d.mu.Lock()
		if d.removed == nil {
			d.removed = &native.Error{Op: op, Code: code, Err: err}
		}
		d.mu.Unlock()
	case errors.Is(err, hal.ErrDeviceOutOfMemory):
		code = native.CodeOutOfMemory
	case errors.Is(err, hal.ErrInvalidMapRange):
		code = native.CodeInvalidArg
	case errors.Is(err, hal.ErrTimeout), errors.Is(err, hal.ErrNotReady):
		code = native.CodeWasStillDrawing
	}
	return &native.Error{Op: op, Code: code, Err: err}
}

type object struct {
	dev      *Device
	released atomic.Bool
	destroy  func()
}

func (d *Device) newObject(destroy func()) object {
	d.live.Add(1)
	return object{dev: d, destroy: destroy}
}

// Release implements native.Object.
func (o *object) Release() {
	if !o.released.CompareAndSwap(false, true) {
		return
	}
	o.dev.live.Add(-1)
	if o.destroy != nil {
		o.destroy()
	}
}

func (o *object) isReleased() bool { return o.released.Load() }

// bufferUsage maps native usage to HAL usage.
func bufferUsage(desc native.BufferDesc) gputypes.BufferUsage {
	var u gputypes.BufferUsage
	switch desc.Usage {
	case native.UsageStaging:
		u = gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
		if desc.CPUAccess.Has(native.CPUAccessRead) {
			u |= gputypes.BufferUsageMapRead
		}
		if desc.CPUAccess.Has(native.CPUAccessWrite) {
			u |= gputypes.BufferUsageMapWrite
		}
		return u
	case native.UsageDynamic:
		u = gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc
	default:
		u = gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	}
	if desc.Bind.Has(native.BindVertexBuffer) {
		u |= gputypes.BufferUsageVertex
	}
	if desc.Bind.Has(native.BindIndexBuffer) {
		u |= gputypes.BufferUsageIndex
	}
	if desc.Bind.Has(native.BindConstantBuffer) {
		u |= gputypes.BufferUsageUniform
	}
	if desc.Bind&(native.BindShaderResource|native.BindUnorderedAccess) != 0 {
		u |= gputypes.BufferUsageStorage
	}
	if desc.Misc.Has(native.MiscDrawIndirectArgs) {
		u |= gputypes.BufferUsageIndirect
	}
	return u
}

// Buffer is a HAL-backed buffer.
type Buffer struct {
	object
	desc   native.BufferDesc
	raw    hal.Buffer
	mapped bool
}

// Dimension implements native.Resource.
func (b *Buffer) Dimension() native.ResourceDimension { return native.DimensionBuffer }

// Desc implements native.Buffer.
func (b *Buffer) Desc() native.BufferDesc { return b.desc }

// Raw returns the HAL buffer.
func (b *Buffer) Raw() hal.Buffer { return b.raw }

// CreateBuffer implements native.Device.
func (d *Device) CreateBuffer(desc native.BufferDesc, initial []byte) (native.Buffer, error) {
	const op = "CreateBuffer"
	if err := d.check(op); err != nil {
		return nil, err
	}
	if desc.Size == 0 || uint64(len(initial)) > desc.Size {
		return nil, native.Errorf(op, native.CodeInvalidArg, "size %d with %d initial bytes", desc.Size, len(initial))
	}
	if desc.Usage == native.UsageStaging && desc.Bind != 0 {
		return nil, native.Errorf(op, native.CodeInvalidArg, "staging buffers cannot have bind flags")
	}
	if desc.Usage == native.UsageImmutable && initial == nil {
		return nil, native.Errorf(op, native.CodeInvalidArg, "immutable buffer without initial data")
	}
	raw, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: bufferUsage(desc),
	})
	if err != nil {
		return nil, d.fail(op, err)
	}
	if len(initial) > 0 {
		if err := d.queue.WriteBuffer(raw, 0, initial); err != nil {
			d.dev.DestroyBuffer(raw)
			return nil, d.fail(op, err)
		}
	}
	b := &Buffer{desc: desc, raw: raw}
	b.object = d.newObject(func() { d.dev.DestroyBuffer(raw) })
	return b, nil
}

// Texture is a HAL-backed texture. Staging textures hold a buffer instead.
type Texture struct {
	object
	desc    native.TextureDesc
	raw     hal.Texture
	staging hal.Buffer
	// offsets of each subresource inside staging.
	offsets []uint64
	mapped  map[uint32]bool
	base    []byte
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

func textureUsage(b native.BindFlags) gputypes.TextureUsage {
	u := gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst
	if b.Has(native.BindShaderResource) {
		u |= gputypes.TextureUsageTextureBinding
	}
	if b.Has(native.BindUnorderedAccess) {
		u |= gputypes.TextureUsageStorageBinding
	}
	if b&(native.BindRenderTarget|native.BindDepthStencil) != 0 {
		u |= gputypes.TextureUsageRenderAttachment
	}
	return u
}

// CreateTexture implements native.Device.
func (d *Device) CreateTexture(desc native.TextureDesc) (native.Texture, error) {
	const op = "CreateTexture"
	if err := d.check(op); err != nil {
		return nil, err
	}
	if _, ok := native.FormatInfo(desc.Format); !ok || desc.Width == 0 || desc.Height == 0 {
		return nil, native.Errorf(op, native.CodeInvalidArg, "format %v extent %dx%d", desc.Format, desc.Width, desc.Height)
	}
	if desc.Usage == native.UsageDynamic {
		return nil, native.Errorf(op, native.CodeUnsupported, "dynamic textures")
	}
	desc.Depth, desc.ArraySize, desc.SampleCount = max(desc.Depth, 1), max(desc.ArraySize, 1), max(desc.SampleCount, 1)
	if desc.Dimension == gputypes.TextureDimensionUndefined {
		desc.Dimension = gputypes.TextureDimension2D
	}
	if desc.MipLevels == 0 {
		desc.MipLevels = uint32(bits.Len32(max(desc.Width, desc.Height, desc.Depth)))
	}
	t := &Texture{desc: desc, mapped: map[uint32]bool{}}
	if desc.Usage == native.UsageStaging {
		if desc.Bind != 0 {
			return nil, native.Errorf(op, native.CodeInvalidArg, "staging textures cannot have bind flags")
		}
		var size uint64
		for range desc.ArraySize {
			for mip := range desc.MipLevels {
				t.offsets = append(t.offsets, size)
				size += native.SubresourceSize(desc, mip)
			}
		}
		raw, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
			Label: desc.Label,
			Size:  size,
			Usage: bufferUsage(native.BufferDesc{Usage: native.UsageStaging, CPUAccess: desc.CPUAccess}),
		})
		if err != nil {
			return nil, d.fail(op, err)
		}
		t.staging = raw
		t.object = d.newObject(func() { d.dev.DestroyBuffer(raw) })
		return t, nil
	}
	layers := desc.ArraySize
	if desc.Dimension == gputypes.TextureDimension3D {
		layers = desc.Depth
	}
	raw, err := d.dev.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: layers},
		MipLevelCount: desc.MipLevels,
		SampleCount:   desc.SampleCount,
		Dimension:     desc.Dimension,
		Format:        desc.Format,
		Usage:         textureUsage(desc.Bind),
	})
	if err != nil {
		return nil, d.fail(op, err)
	}
	t.raw = raw
	t.object = d.newObject(func() { d.dev.DestroyTexture(raw) })
	return t, nil
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

func (d *Device) createView(op string, kind native.ViewKind, bind native.BindFlags, res native.Resource, desc native.ViewDesc) (native.View, error) {
	if err := d.check(op); err != nil {
		return nil, err
	}
	switch r := res.(type) {
	case *Buffer:
		if kind == native.ViewRenderTarget || kind == native.ViewDepthStencil || !r.desc.Bind.Has(bind) {
			return nil, native.Errorf(op, native.CodeInvalidArg, "%v of a buffer without bind flag", kind)
		}
		v := &view{kind: kind, res: res, desc: desc}
		v.object = d.newObject(nil)
		return v, nil
	case *Texture:
		if !r.desc.Bind.Has(bind) {
			return nil, native.Errorf(op, native.CodeInvalidArg, "texture lacks %v bind flag", kind)
		}
		if desc.Format == 0 {
			desc.Format = r.desc.Format
		}
		if desc.MipCount == 0 {
			desc.MipCount = 1
			if kind == native.ViewShaderResource {
				desc.MipCount = r.desc.MipLevels - desc.BaseMip
			}
		}
		if desc.LayerCount == 0 {
			desc.LayerCount = r.desc.ArraySize - desc.BaseLayer
		}
		if desc.BaseMip+desc.MipCount > r.desc.MipLevels || desc.BaseLayer+desc.LayerCount > r.desc.ArraySize {
			return nil, native.Errorf(op, native.CodeInvalidArg, "view range out of bounds")
		}
		raw, err := d.dev.CreateTextureView(r.raw, &hal.TextureViewDescriptor{
			Format:          desc.Format,
			Dimension:       desc.Dimension,
			BaseMipLevel:    desc.BaseMip,
			MipLevelCount:   desc.MipCount,
			BaseArrayLayer:  desc.BaseLayer,
			ArrayLayerCount: desc.LayerCount,
		})
		if err != nil {
			return nil, d.fail(op, err)
		}
		v := &view{kind: kind, res: res, desc: desc}
		v.object = d.newObject(func() { d.dev.DestroyTextureView(raw) })
		return v, nil
	}
	return nil, native.Errorf(op, native.CodeInvalidArg, "foreign resource %T", res)
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

// holder is a validated descriptor with no HAL counterpart.
type holder[T any] struct {
	object
	desc T
}

func (h *holder[T]) Desc() T { return h.desc }

// CreateSamplerState implements native.Device.
func (d *Device) CreateSamplerState(desc native.SamplerDesc) (native.SamplerState, error) {
	if err := d.check("CreateSamplerState"); err != nil {
		return nil, err
	}
	if desc.MaxAnisotropy > 16 {
		return nil, native.Errorf("CreateSamplerState", native.CodeInvalidArg, "anisotropy %d", desc.MaxAnisotropy)
	}
	return &holder[native.SamplerDesc]{object: d.newObject(nil), desc: desc}, nil
}

// CreateBlendState implements native.Device.
func (d *Device) CreateBlendState(desc native.BlendDesc) (native.BlendState, error) {
	if err := d.check("CreateBlendState"); err != nil {
		return nil, err
	}
	return &holder[native.BlendDesc]{object: d.newObject(nil), desc: desc}, nil
}

// CreateRasterizerState implements native.Device.
func (d *Device) CreateRasterizerState(desc native.RasterizerDesc) (native.RasterizerState, error) {
	if err := d.check("CreateRasterizerState"); err != nil {
		return nil, err
	}
	return &holder[native.RasterizerDesc]{object: d.newObject(nil), desc: desc}, nil
}

// CreateDepthStencilState implements native.Device.
func (d *Device) CreateDepthStencilState(desc native.DepthStencilDesc) (native.DepthStencilState, error) {
	if err := d.check("CreateDepthStencilState"); err != nil {
		return nil, err
	}
	if desc.DepthEnable && desc.DepthFunc == 0 {
		return nil, native.Errorf("CreateDepthStencilState", native.CodeInvalidArg, "depth test without compare function")
	}
	return &holder[native.DepthStencilDesc]{object: d.newObject(nil), desc: desc}, nil
}

type shader struct {
	object
	desc native.ShaderDesc
}

func (s *shader) Stage() native.Stage { return s.desc.Stage }

// CreateShader implements native.Device. The source is kept for
// inspection; HAL pipelines cannot consume it.
func (d *Device) CreateShader(desc native.ShaderDesc) (native.Shader, error) {
	if err := d.check("CreateShader"); err != nil {
		return nil, err
	}
	if desc.EntryPoint == "" || !strings.Contains(desc.Source, desc.EntryPoint) {
		return nil, native.Errorf("CreateShader", native.CodeInvalidArg, "entry point %q not found", desc.EntryPoint)
	}
	return &shader{object: d.newObject(nil), desc: desc}, nil
}

type inputLayout struct {
	object
	elements []native.InputElement
}

func (l *inputLayout) Elements() []native.InputElement { return l.elements }

// CreateInputLayout implements native.Device.
func (d *Device) CreateInputLayout(elements []native.InputElement, vs native.Shader) (native.InputLayout, error) {
	if err := d.check("CreateInputLayout"); err != nil {
		return nil, err
	}
	if vs == nil || vs.Stage() != native.StageVertex {
		return nil, native.Errorf("CreateInputLayout", native.CodeInvalidArg, "input signature needs a vertex shader")
	}
	return &inputLayout{object: d.newObject(nil), elements: append([]native.InputElement(nil), elements...)}, nil
}

type query struct {
	object
	kind   native.QueryKind
	issued uint64
	ended  bool
}

func (q *query) Kind() native.QueryKind { return q.kind }

// CreateQuery implements native.Device. Only event queries exist.
func (d *Device) CreateQuery(kind native.QueryKind) (native.Query, error) {
	if err := d.check("CreateQuery"); err != nil {
		return nil, err
	}
	if kind != native.QueryEvent {
		return nil, native.Errorf("CreateQuery", native.CodeUnsupported, "%v queries", kind)
	}
	return &query{object: d.newObject(nil), kind: kind}, nil
}
