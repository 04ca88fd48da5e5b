// Package pipeline synthesizes native state for explicit pipelines.
//
// A Pipeline is built once from a declarative description: every
// fixed-function group becomes one native state object, every shader stage
// is cross-compiled and created once, and push-constant blocks get small
// native constant buffers owned by the pipeline. Binding a pipeline sets
// all of it on the immediate context; nothing is created at replay.
//
// Groups marked dynamic are not baked in. The command buffer supplies
// their values when it binds the pipeline.
package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/native"
	"github.com/gogpu/explicit/shader"
)

// Pipeline errors.
var (
	// ErrNoLayout is returned for a pipeline description without a layout.
	ErrNoLayout = errors.New("pipeline: layout is nil")

	// ErrStages is returned when a description lacks a required stage or
	// repeats one.
	ErrStages = errors.New("pipeline: invalid shader stage set")

	// ErrVertexInput is returned for attributes referencing an undeclared
	// vertex binding.
	ErrVertexInput = errors.New("pipeline: invalid vertex input")
)

// Dynamic is the set of state groups supplied at record time instead of
// being baked into the pipeline.
type Dynamic uint16

// Dynamic state flags.
const (
	DynamicViewport Dynamic = 1 << iota
	DynamicScissor
	DynamicDepthBias
	DynamicBlendConstants
	DynamicStencilReference
	DynamicDepthStencil
)

// Has reports whether all flags in f are set.
func (d Dynamic) Has(f Dynamic) bool { return d&f == f }

// BindPoint says whether a pipeline is bound for draws or dispatches.
type BindPoint uint8

// Bind points.
const (
	BindGraphics BindPoint = iota
	BindCompute
)

func (b BindPoint) String() string {
	if b == BindCompute {
		return "compute"
	}
	return "graphics"
}

// Stages returns the native stages of the bind point.
func (b BindPoint) Stages() []native.Stage {
	if b == BindCompute {
		return []native.Stage{native.StageCompute}
	}
	return []native.Stage{native.StageVertex, native.StagePixel}
}

// StageDesc is one shader stage of a pipeline.
type StageDesc struct {
	Stage      gputypes.ShaderStage
	Module     []byte
	EntryPoint string
}

// VertexBinding declares one vertex buffer binding.
type VertexBinding struct {
	Binding     uint32
	Stride      uint32
	PerInstance bool
}

// VertexAttribute declares one vertex attribute.
type VertexAttribute struct {
	Location uint32
	Binding  uint32
	Format   gputypes.VertexFormat
	Offset   uint32
}

// DepthBias is a depth bias configuration.
type DepthBias struct {
	Constant float32
	Clamp    float32
	Slope    float32
}

// RasterState is the rasterization group.
type RasterState struct {
	Wireframe  bool
	Cull       gputypes.CullMode
	FrontFace  gputypes.FrontFace
	DepthClamp bool
	BiasEnable bool
	Bias       DepthBias
}

// MultisampleState is the multisample group.
type MultisampleState struct {
	Samples         uint32
	AlphaToCoverage bool
	// SampleMask zero means all samples.
	SampleMask uint32
}

// StencilFace is the stencil configuration of one face.
type StencilFace struct {
	gputypes.StencilFaceState
	ReadMask  uint8
	WriteMask uint8
	Reference uint32
}

// DepthStencilState is the depth-stencil group.
type DepthStencilState struct {
	DepthTest    bool
	DepthWrite   bool
	DepthCompare gputypes.CompareFunction
	StencilTest  bool
	Front, Back  StencilFace
}

// Native translates s to its native descriptor.
func (s DepthStencilState) Native() native.DepthStencilDesc {
	return native.DepthStencilDesc{
		DepthEnable:      s.DepthTest,
		DepthWrite:       s.DepthWrite,
		DepthFunc:        s.DepthCompare,
		StencilEnable:    s.StencilTest,
		StencilReadMask:  s.Front.ReadMask,
		StencilWriteMask: s.Front.WriteMask,
		Front:            s.Front.StencilFaceState,
		Back:             s.Back.StencilFaceState,
	}
}

// BlendAttachment is the blend configuration of one color attachment.
type BlendAttachment struct {
	Enable    bool
	Color     gputypes.BlendComponent
	Alpha     gputypes.BlendComponent
	WriteMask gputypes.ColorWriteMask
}

// BlendState is the color blend group.
type BlendState struct {
	Attachments []BlendAttachment
	Constants   f32.Vec4
}

// GraphicsDesc describes a graphics pipeline.
type GraphicsDesc struct {
	Label      string
	Stages     []StageDesc
	Bindings   []VertexBinding
	Attributes []VertexAttribute
	Topology   gputypes.PrimitiveTopology

	Raster       RasterState
	Multisample  MultisampleState
	DepthStencil DepthStencilState
	Blend        BlendState

	Viewports []native.Viewport
	Scissors  []native.Rect
	Dynamic   Dynamic

	Layout *Layout
}

// ComputeDesc describes a compute pipeline.
type ComputeDesc struct {
	Label  string
	Stage  StageDesc
	Layout *Layout
}

// State bundles the values a command buffer supplies for dynamic groups
// when it binds a pipeline.
type State struct {
	BlendConstants   f32.Vec4
	StencilReference uint32
	DepthStencil     native.DepthStencilState
	Rasterizer       native.RasterizerState
	// Viewports and Scissors are the arrays last set while recording; nil
	// keeps what the context has bound.
	Viewports []native.Viewport
	Scissors  []native.Rect
	// PushConstants is the push-constant staging snapshot.
	PushConstants []byte
}

// Pipeline is an immutable bundle of native state.
type Pipeline struct {
	label  string
	bind   BindPoint
	layout *Layout

	shaders     [native.NumStages]native.Shader
	reflections [native.NumStages]*shader.Reflection
	inputLayout native.InputLayout
	topology    gputypes.PrimitiveTopology

	blend        native.BlendState
	rasterizer   native.RasterizerState
	rasterDesc   native.RasterizerDesc
	depthStencil native.DepthStencilState

	blendConstants f32.Vec4
	sampleMask     uint32
	stencilRef     uint32
	viewports      []native.Viewport
	scissors       []native.Rect
	dynamic        Dynamic

	strides    [native.MaxVertexBuffers]uint32
	strideMask uint32
	vertexHash uint64

	push []*PushBuffer

	once sync.Once
}

// builder collects created objects so a failed creation can be unwound.
type builder struct {
	dev      native.Device
	compiler shader.Compiler
	sink     *diag.Sink
	p        *Pipeline
}

func (b *builder) diag(format string, args ...any) {
	b.sink.Errorf(diag.CategoryValidation, 0, "pipeline %q: "+format, append([]any{b.p.label}, args...)...)
}

// compile cross-compiles and creates one stage. Failures leave the slot
// nil and report a diagnostic.
func (b *builder) compile(sd StageDesc) {
	st, ok := native.StageOf(sd.Stage)
	if !ok {
		b.diag("unsupported stage %v", sd.Stage)
		return
	}
	out, err := b.compiler.Compile(shader.Request{
		Module:     sd.Module,
		EntryPoint: sd.EntryPoint,
		Stage:      st,
		Bindings:   b.p.layout.Bindings(st),
	})
	if err != nil {
		b.diag("compile %v %q: %v", st, sd.EntryPoint, err)
		return
	}
	sh, err := b.dev.CreateShader(native.ShaderDesc{
		Stage:      st,
		Source:     out.Source,
		EntryPoint: out.EntryPoint,
		Inputs:     out.Reflection.Semantics(),
	})
	if err != nil {
		b.diag("create %v: %v", st, err)
		return
	}
	b.p.shaders[st] = sh
	b.p.reflections[st] = &out.Reflection
}

func checkStages(stages []StageDesc, allowed gputypes.ShaderStage, required gputypes.ShaderStage) error {
	var seen gputypes.ShaderStage
	for _, s := range stages {
		if s.Stage&allowed != s.Stage || seen&s.Stage != 0 {
			return fmt.Errorf("%w: %v", ErrStages, s.Stage)
		}
		seen |= s.Stage
	}
	if seen&required != required {
		return fmt.Errorf("%w: missing %v", ErrStages, required&^seen)
	}
	return nil
}

// NewGraphics synthesizes a graphics pipeline. Caller errors in desc are
// returned; failures creating individual native objects are diagnosed and
// leave that object nil.
func NewGraphics(dev native.Device, compiler shader.Compiler, sink *diag.Sink, desc *GraphicsDesc) (*Pipeline, error) {
	if desc.Layout == nil {
		return nil, ErrNoLayout
	}
	if err := checkStages(desc.Stages, gputypes.ShaderStagesVertexFragment, gputypes.ShaderStageVertex); err != nil {
		return nil, err
	}
	p := &Pipeline{
		label:          desc.Label,
		bind:           BindGraphics,
		layout:         desc.Layout,
		topology:       desc.Topology,
		blendConstants: desc.Blend.Constants,
		sampleMask:     desc.Multisample.SampleMask,
		stencilRef:     desc.DepthStencil.Front.Reference,
		dynamic:        desc.Dynamic,
	}
	if p.sampleMask == 0 {
		p.sampleMask = 0xFFFFFFFF
	}
	if !desc.Dynamic.Has(DynamicViewport) {
		p.viewports = append([]native.Viewport(nil), desc.Viewports...)
	}
	if !desc.Dynamic.Has(DynamicScissor) {
		p.scissors = append([]native.Rect(nil), desc.Scissors...)
	}
	if err := p.vertexInput(desc.Bindings, desc.Attributes); err != nil {
		return nil, err
	}

	b := &builder{dev: dev, compiler: compiler, sink: sink, p: p}
	for _, sd := range desc.Stages {
		b.compile(sd)
	}
	if vs := p.shaders[native.StageVertex]; vs != nil && len(desc.Attributes) > 0 {
		layout, err := dev.CreateInputLayout(p.inputElements(desc.Bindings, desc.Attributes), vs)
		if err != nil {
			b.diag("input layout: %v", err)
		} else {
			p.inputLayout = layout
		}
	}

	bd := blendDesc(desc.Blend, desc.Multisample)
	if bs, err := dev.CreateBlendState(bd); err != nil {
		b.diag("blend state: %v", err)
	} else {
		p.blend = bs
	}

	p.rasterDesc = rasterDesc(desc.Raster, desc.Multisample)
	if !desc.Dynamic.Has(DynamicDepthBias) {
		if rs, err := dev.CreateRasterizerState(p.rasterDesc); err != nil {
			b.diag("rasterizer state: %v", err)
		} else {
			p.rasterizer = rs
		}
	}
	if !desc.Dynamic.Has(DynamicDepthStencil) {
		if ds, err := dev.CreateDepthStencilState(desc.DepthStencil.Native()); err != nil {
			b.diag("depth-stencil state: %v", err)
		} else {
			p.depthStencil = ds
		}
	}

	b.pushBuffers()
	diag.Logger().Debug("pipeline: graphics created", "label", desc.Label, "vertexHash", p.vertexHash, "push", len(p.push))
	return p, nil
}

// NewCompute synthesizes a compute pipeline.
func NewCompute(dev native.Device, compiler shader.Compiler, sink *diag.Sink, desc *ComputeDesc) (*Pipeline, error) {
	if desc.Layout == nil {
		return nil, ErrNoLayout
	}
	if err := checkStages([]StageDesc{desc.Stage}, gputypes.ShaderStageCompute, gputypes.ShaderStageCompute); err != nil {
		return nil, err
	}
	p := &Pipeline{label: desc.Label, bind: BindCompute, layout: desc.Layout, sampleMask: 0xFFFFFFFF}
	b := &builder{dev: dev, compiler: compiler, sink: sink, p: p}
	b.compile(desc.Stage)
	b.pushBuffers()
	diag.Logger().Debug("pipeline: compute created", "label", desc.Label, "push", len(p.push))
	return p, nil
}

func (p *Pipeline) vertexInput(bindings []VertexBinding, attrs []VertexAttribute) error {
	h := fnv.New64a()
	var buf [16]byte
	for _, vb := range bindings {
		if vb.Binding >= native.MaxVertexBuffers {
			return fmt.Errorf("%w: binding %d", ErrVertexInput, vb.Binding)
		}
		p.strides[vb.Binding] = vb.Stride
		p.strideMask |= 1 << vb.Binding
		binary.LittleEndian.PutUint32(buf[0:], vb.Binding)
		binary.LittleEndian.PutUint32(buf[4:], vb.Stride)
		buf[8] = 0
		if vb.PerInstance {
			buf[8] = 1
		}
		_, _ = h.Write(buf[:9])
	}
	for _, a := range attrs {
		if a.Binding >= native.MaxVertexBuffers || p.strideMask&(1<<a.Binding) == 0 {
			return fmt.Errorf("%w: attribute %d uses undeclared binding %d", ErrVertexInput, a.Location, a.Binding)
		}
		binary.LittleEndian.PutUint32(buf[0:], a.Location)
		binary.LittleEndian.PutUint32(buf[4:], a.Binding)
		binary.LittleEndian.PutUint32(buf[8:], uint32(a.Format))
		binary.LittleEndian.PutUint32(buf[12:], a.Offset)
		_, _ = h.Write(buf[:16])
	}
	p.vertexHash = h.Sum64()
	return nil
}

func (p *Pipeline) inputElements(bindings []VertexBinding, attrs []VertexAttribute) []native.InputElement {
	instanced := make(map[uint32]bool, len(bindings))
	for _, vb := range bindings {
		instanced[vb.Binding] = vb.PerInstance
	}
	semantics := make(map[uint32]native.Semantic)
	if r := p.reflections[native.StageVertex]; r != nil {
		for _, in := range r.Inputs {
			semantics[in.Location] = in.Semantic
		}
	}
	out := make([]native.InputElement, 0, len(attrs))
	for _, a := range attrs {
		sem, ok := semantics[a.Location]
		if !ok {
			sem = native.Semantic{Name: "LOC", Index: a.Location}
		}
		e := native.InputElement{
			Semantic:      sem.Name,
			SemanticIndex: sem.Index,
			Format:        a.Format,
			Slot:          a.Binding,
			Offset:        a.Offset,
			PerInstance:   instanced[a.Binding],
		}
		if e.PerInstance {
			e.StepRate = 1
		}
		out = append(out, e)
	}
	return out
}

func blendDesc(s BlendState, ms MultisampleState) native.BlendDesc {
	d := native.BlendDesc{AlphaToCoverage: ms.AlphaToCoverage, IndependentBlend: len(s.Attachments) > 1}
	for i, a := range s.Attachments {
		if i >= native.MaxRenderTargets {
			break
		}
		d.Targets[i] = native.RenderTargetBlend{Enable: a.Enable, Color: a.Color, Alpha: a.Alpha, WriteMask: a.WriteMask}
	}
	return d
}

func rasterDesc(s RasterState, ms MultisampleState) native.RasterizerDesc {
	d := native.RasterizerDesc{
		Cull:                  s.Cull,
		FrontCounterClockwise: s.FrontFace == gputypes.FrontFaceCCW,
		DepthClip:             !s.DepthClamp,
		Scissor:               true,
		Multisample:           ms.Samples > 1,
	}
	if s.Wireframe {
		d.Fill = native.FillWireframe
	}
	if s.BiasEnable {
		d = WithBias(d, s.Bias)
	}
	return d
}

// WithBias returns d with the depth bias of b.
func WithBias(d native.RasterizerDesc, b DepthBias) native.RasterizerDesc {
	d.DepthBias = int32(b.Constant)
	d.DepthBiasClamp = b.Clamp
	d.SlopeScaledDepthBias = b.Slope
	return d
}

// Label returns the debug label.
func (p *Pipeline) Label() string { return p.label }

// BindPoint returns whether p is a graphics or compute pipeline.
func (p *Pipeline) BindPoint() BindPoint { return p.bind }

// Layout returns the pipeline layout.
func (p *Pipeline) Layout() *Layout { return p.layout }

// Dynamic returns the dynamic state groups.
func (p *Pipeline) Dynamic() Dynamic { return p.dynamic }

// Shader returns the native shader of st, nil if absent or failed.
func (p *Pipeline) Shader(st native.Stage) native.Shader { return p.shaders[st] }

// InputLayout returns the native input layout.
func (p *Pipeline) InputLayout() native.InputLayout { return p.inputLayout }

// BlendState returns the baked blend object.
func (p *Pipeline) BlendState() native.BlendState { return p.blend }

// RasterizerState returns the baked rasterizer object, nil when depth bias
// is dynamic.
func (p *Pipeline) RasterizerState() native.RasterizerState { return p.rasterizer }

// RasterizerDesc returns the rasterizer descriptor the pipeline was built
// from.
func (p *Pipeline) RasterizerDesc() native.RasterizerDesc { return p.rasterDesc }

// DepthStencilState returns the baked depth-stencil object, nil when
// depth-stencil state is dynamic.
func (p *Pipeline) DepthStencilState() native.DepthStencilState { return p.depthStencil }

// Topology returns the primitive topology.
func (p *Pipeline) Topology() gputypes.PrimitiveTopology { return p.topology }

// Stride returns the vertex stride of binding and whether it is declared.
func (p *Pipeline) Stride(binding uint32) (uint32, bool) {
	if binding >= native.MaxVertexBuffers {
		return 0, false
	}
	return p.strides[binding], p.strideMask&(1<<binding) != 0
}

// VertexHash identifies the vertex input layout.
func (p *Pipeline) VertexHash() uint64 { return p.vertexHash }

// BlendConstants returns the baked blend constants.
func (p *Pipeline) BlendConstants() f32.Vec4 { return p.blendConstants }

// SampleMask returns the multisample coverage mask.
func (p *Pipeline) SampleMask() uint32 { return p.sampleMask }

// StencilReference returns the baked stencil reference.
func (p *Pipeline) StencilReference() uint32 { return p.stencilRef }

// Bind sets the pipeline's state on the immediate context. The caller
// holds the execution context lock.
func (p *Pipeline) Bind(ctx *exec.Context, s State) error {
	nc := ctx.Native()
	if p.bind == BindCompute {
		nc.SetShader(native.StageCompute, p.shaders[native.StageCompute])
		return p.bindPush(ctx, s.PushConstants)
	}
	nc.SetShader(native.StageVertex, p.shaders[native.StageVertex])
	nc.SetShader(native.StagePixel, p.shaders[native.StagePixel])
	nc.IASetInputLayout(p.inputLayout)
	nc.IASetPrimitiveTopology(p.topology)

	rs := p.rasterizer
	if p.dynamic.Has(DynamicDepthBias) {
		rs = s.Rasterizer
	}
	nc.RSSetState(rs)
	switch {
	case !p.dynamic.Has(DynamicViewport):
		nc.RSSetViewports(p.viewports)
	case s.Viewports != nil:
		nc.RSSetViewports(s.Viewports)
	}
	switch {
	case !p.dynamic.Has(DynamicScissor):
		nc.RSSetScissorRects(p.scissors)
	case s.Scissors != nil:
		nc.RSSetScissorRects(s.Scissors)
	}

	factor := p.blendConstants
	if p.dynamic.Has(DynamicBlendConstants) {
		factor = s.BlendConstants
	}
	nc.OMSetBlendState(p.blend, factor, p.sampleMask)

	ds, ref := p.depthStencil, p.stencilRef
	if p.dynamic.Has(DynamicDepthStencil) {
		ds = s.DepthStencil
	}
	if p.dynamic.Has(DynamicStencilReference) {
		ref = s.StencilReference
	}
	nc.OMSetDepthStencilState(ds, ref)
	return p.bindPush(ctx, s.PushConstants)
}

// Unbind clears the shader stages p set.
func (p *Pipeline) Unbind(ctx *exec.Context) {
	nc := ctx.Native()
	for _, st := range p.bind.Stages() {
		nc.SetShader(st, nil)
		if p.reflections[st] != nil && len(p.reflections[st].Anonymous()) > 0 {
			nc.SetConstantBuffers(st, 0, []native.ConstantBufferBinding{{}})
		}
	}
	if p.bind == BindGraphics {
		nc.IASetInputLayout(nil)
	}
}

// Destroy releases every native object the pipeline owns, once.
func (p *Pipeline) Destroy() {
	p.once.Do(func() {
		for i, sh := range p.shaders {
			if sh != nil {
				sh.Release()
				p.shaders[i] = nil
			}
		}
		objs := []native.Object{p.inputLayout, p.blend, p.rasterizer, p.depthStencil}
		for _, o := range objs {
			if o != nil {
				o.Release()
			}
		}
		for _, pb := range p.push {
			pb.buffer.Release()
		}
		p.push = nil
	})
}
