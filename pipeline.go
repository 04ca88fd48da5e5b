package explicit

import (
	"slices"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/explicit/internal/pipeline"
	"github.com/gogpu/explicit/native"
)

// Pipeline descriptions shared with the synthesis layer.
type (
	VertexBinding       = pipeline.VertexBinding
	VertexAttribute     = pipeline.VertexAttribute
	RasterState         = pipeline.RasterState
	DepthBias           = pipeline.DepthBias
	MultisampleState    = pipeline.MultisampleState
	DepthStencilState   = pipeline.DepthStencilState
	StencilFace         = pipeline.StencilFace
	BlendState          = pipeline.BlendState
	BlendAttachment     = pipeline.BlendAttachment
	DynamicState        = pipeline.Dynamic
	PushConstantRange   = pipeline.PushConstantRange
	SetLayoutBinding    = pipeline.SetLayoutBinding
	DescriptorType      = pipeline.DescriptorType
	PipelineBindPoint   = pipeline.BindPoint
	Viewport            = native.Viewport
	Rect                = native.Rect
	DescriptorPoolSizes = map[DescriptorType]uint32
)

// Dynamic state flags.
const (
	DynamicViewport         = pipeline.DynamicViewport
	DynamicScissor          = pipeline.DynamicScissor
	DynamicDepthBias        = pipeline.DynamicDepthBias
	DynamicBlendConstants   = pipeline.DynamicBlendConstants
	DynamicStencilReference = pipeline.DynamicStencilReference
	DynamicDepthStencil     = pipeline.DynamicDepthStencil
)

// Bind points.
const (
	BindPointGraphics = pipeline.BindGraphics
	BindPointCompute  = pipeline.BindCompute
)

// Descriptor types.
const (
	DescriptorTypeSampler              = pipeline.DescriptorSampler
	DescriptorTypeCombinedImageSampler = pipeline.DescriptorCombinedImageSampler
	DescriptorTypeSampledImage         = pipeline.DescriptorSampledImage
	DescriptorTypeStorageImage         = pipeline.DescriptorStorageImage
	DescriptorTypeUniformTexelBuffer   = pipeline.DescriptorUniformTexelBuffer
	DescriptorTypeStorageTexelBuffer   = pipeline.DescriptorStorageTexelBuffer
	DescriptorTypeUniformBuffer        = pipeline.DescriptorUniformBuffer
	DescriptorTypeStorageBuffer        = pipeline.DescriptorStorageBuffer
	DescriptorTypeUniformBufferDynamic = pipeline.DescriptorUniformBufferDynamic
	DescriptorTypeStorageBufferDynamic = pipeline.DescriptorStorageBufferDynamic
	DescriptorTypeInputAttachment      = pipeline.DescriptorInputAttachment
)

type shaderModule struct {
	code []byte
}

// PipelineShaderStage is one shader stage of a pipeline.
type PipelineShaderStage struct {
	Stage      gputypes.ShaderStage
	Module     ShaderModule
	EntryPoint string
}

// GraphicsPipelineCreateInfo describes a graphics pipeline. Groups named
// in Dynamic are not baked and must be supplied while recording.
type GraphicsPipelineCreateInfo struct {
	Label      string
	Stages     []PipelineShaderStage
	Bindings   []VertexBinding
	Attributes []VertexAttribute
	Topology   gputypes.PrimitiveTopology

	Raster       RasterState
	Multisample  MultisampleState
	DepthStencil DepthStencilState
	Blend        BlendState

	Viewports []Viewport
	Scissors  []Rect
	Dynamic   DynamicState

	Layout PipelineLayout
}

// ComputePipelineCreateInfo describes a compute pipeline.
type ComputePipelineCreateInfo struct {
	Label  string
	Stage  PipelineShaderStage
	Layout PipelineLayout
}

// descriptorPool tracks the sets handed out by a pool so that pool reset
// and destruction invalidate their handles.
type descriptorPool struct {
	pool *pipeline.Pool
	sets map[DescriptorSet]struct{}
}

// CreateShaderModule stores a shader module. code is copied and compiled
// when a pipeline uses it.
func (d *Device) CreateShaderModule(code []byte) (ShaderModule, error) {
	if len(code) == 0 {
		return 0, d.fail("CreateShaderModule", 0, ErrorValidationFailed)
	}
	return d.modules.insert(&shaderModule{code: slices.Clone(code)}), nil
}

// DestroyShaderModule destroys m. Pipelines created from it are unaffected.
func (d *Device) DestroyShaderModule(m ShaderModule) error {
	_, _, err := d.modules.remove(m)
	return d.fail("DestroyShaderModule", uint64(m), err)
}

// CreateDescriptorSetLayout creates a descriptor set layout.
func (d *Device) CreateDescriptorSetLayout(bindings []SetLayoutBinding) (DescriptorSetLayout, error) {
	l, err := pipeline.NewSetLayout(bindings)
	if err != nil {
		return 0, d.fail("CreateDescriptorSetLayout", 0, err)
	}
	return d.setLayouts.insert(l), nil
}

// DestroyDescriptorSetLayout destroys l.
func (d *Device) DestroyDescriptorSetLayout(l DescriptorSetLayout) error {
	_, _, err := d.setLayouts.remove(l)
	return d.fail("DestroyDescriptorSetLayout", uint64(l), err)
}

// CreatePipelineLayout creates a pipeline layout and assigns native
// registers to its bindings.
func (d *Device) CreatePipelineLayout(sets []DescriptorSetLayout, push []PushConstantRange) (PipelineLayout, error) {
	ls, err := getAll(d.setLayouts, sets)
	if err != nil {
		return 0, d.fail("CreatePipelineLayout", 0, err)
	}
	l, err := pipeline.NewLayout(ls, slices.Clone(push))
	if err != nil {
		return 0, d.fail("CreatePipelineLayout", 0, err)
	}
	return d.layouts.insert(l), nil
}

// DestroyPipelineLayout destroys l.
func (d *Device) DestroyPipelineLayout(l PipelineLayout) error {
	_, _, err := d.layouts.remove(l)
	return d.fail("DestroyPipelineLayout", uint64(l), err)
}

// CreateDescriptorPool creates a pool for maxSets sets with the given
// per-type capacities.
func (d *Device) CreateDescriptorPool(maxSets uint32, sizes DescriptorPoolSizes, freeIndividual bool) (DescriptorPool, error) {
	p := &descriptorPool{
		pool: pipeline.NewPool(maxSets, sizes, freeIndividual),
		sets: make(map[DescriptorSet]struct{}),
	}
	return d.descPools.insert(p), nil
}

// DestroyDescriptorPool destroys pool and frees its sets.
func (d *Device) DestroyDescriptorPool(pool DescriptorPool) error {
	p, ok, err := d.descPools.remove(pool)
	if err != nil || !ok {
		return d.fail("DestroyDescriptorPool", uint64(pool), err)
	}
	d.dropSets(p)
	p.pool.Destroy()
	return nil
}

// ResetDescriptorPool frees every set of pool.
func (d *Device) ResetDescriptorPool(pool DescriptorPool) error {
	p, err := d.descPools.get(pool)
	if err != nil {
		return d.fail("ResetDescriptorPool", uint64(pool), err)
	}
	d.dropSets(p)
	p.pool.Reset()
	return nil
}

func (d *Device) dropSets(p *descriptorPool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := range p.sets {
		_, _, _ = d.sets.remove(s)
	}
	clear(p.sets)
}

// AllocateDescriptorSets allocates one set per layout. On failure no set
// is allocated.
func (d *Device) AllocateDescriptorSets(pool DescriptorPool, layouts []DescriptorSetLayout) ([]DescriptorSet, error) {
	p, err := d.descPools.get(pool)
	if err != nil {
		return nil, d.fail("AllocateDescriptorSets", uint64(pool), err)
	}
	ls, err := getAll(d.setLayouts, layouts)
	if err != nil {
		return nil, d.fail("AllocateDescriptorSets", uint64(pool), err)
	}
	sets := make([]*pipeline.Set, 0, len(ls))
	for _, l := range ls {
		s, err := p.pool.Allocate(l)
		if err != nil {
			p.pool.Discard(sets...)
			return nil, d.fail("AllocateDescriptorSets", uint64(pool), err)
		}
		sets = append(sets, s)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DescriptorSet, len(sets))
	for i, s := range sets {
		out[i] = d.sets.insert(s)
		p.sets[out[i]] = struct{}{}
	}
	return out, nil
}

// FreeDescriptorSets frees sets. The pool must allow freeing individual
// sets.
func (d *Device) FreeDescriptorSets(pool DescriptorPool, sets []DescriptorSet) error {
	p, err := d.descPools.get(pool)
	if err != nil {
		return d.fail("FreeDescriptorSets", uint64(pool), err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ss := make([]*pipeline.Set, 0, len(sets))
	for _, h := range sets {
		if h == 0 {
			continue
		}
		if _, ok := p.sets[h]; !ok {
			return d.fail("FreeDescriptorSets", uint64(h), ErrorInvalidHandle)
		}
		s, err := d.sets.get(h)
		if err != nil {
			return d.fail("FreeDescriptorSets", uint64(h), err)
		}
		ss = append(ss, s)
	}
	if err := p.pool.Free(ss...); err != nil {
		return d.fail("FreeDescriptorSets", uint64(pool), err)
	}
	for _, h := range sets {
		if h != 0 {
			_, _, _ = d.sets.remove(h)
			delete(p.sets, h)
		}
	}
	return nil
}

// DescriptorInfo is one descriptor written to a set. Which fields are
// used depends on the binding type.
type DescriptorInfo struct {
	Buffer Buffer
	Offset uint64
	// Range is the byte count from Offset; WholeSize means the rest of the
	// buffer.
	Range uint64

	View    ImageView
	Sampler Sampler
}

// WriteDescriptorSet writes descriptors starting at ArrayElement of
// Binding.
type WriteDescriptorSet struct {
	Set          DescriptorSet
	Binding      uint32
	ArrayElement uint32
	Descriptors  []DescriptorInfo
}

// CopyDescriptorSet copies Count descriptors between sets.
type CopyDescriptorSet struct {
	Src             DescriptorSet
	SrcBinding      uint32
	SrcArrayElement uint32
	Dst             DescriptorSet
	DstBinding      uint32
	DstArrayElement uint32
	Count           uint32
}

func (d *Device) descriptor(info DescriptorInfo) (pipeline.Descriptor, error) {
	var (
		out pipeline.Descriptor
		err error
	)
	out.Offset, out.Range = info.Offset, info.Range
	if out.Buffer, err = d.buffers.getOpt(info.Buffer); err != nil {
		return out, err
	}
	if out.View, err = d.views.getOpt(info.View); err != nil {
		return out, err
	}
	out.Sampler, err = d.samplers.getOpt(info.Sampler)
	return out, err
}

// UpdateDescriptorSets applies writes, then copies, in order. It stops at
// the first invalid element; earlier elements stay applied.
func (d *Device) UpdateDescriptorSets(writes []WriteDescriptorSet, copies []CopyDescriptorSet) error {
	for _, w := range writes {
		s, err := d.sets.get(w.Set)
		if err != nil {
			return d.fail("UpdateDescriptorSets", uint64(w.Set), err)
		}
		descs := make([]pipeline.Descriptor, len(w.Descriptors))
		for i, info := range w.Descriptors {
			if descs[i], err = d.descriptor(info); err != nil {
				return d.fail("UpdateDescriptorSets", uint64(w.Set), err)
			}
		}
		if err := s.Write(w.Binding, w.ArrayElement, descs); err != nil {
			return d.fail("UpdateDescriptorSets", uint64(w.Set), err)
		}
	}
	for _, c := range copies {
		src, err := d.sets.get(c.Src)
		if err != nil {
			return d.fail("UpdateDescriptorSets", uint64(c.Src), err)
		}
		dst, err := d.sets.get(c.Dst)
		if err != nil {
			return d.fail("UpdateDescriptorSets", uint64(c.Dst), err)
		}
		if err := dst.Copy(c.DstBinding, c.DstArrayElement, src, c.SrcBinding, c.SrcArrayElement, c.Count); err != nil {
			return d.fail("UpdateDescriptorSets", uint64(c.Dst), err)
		}
	}
	return nil
}

func (d *Device) stage(s PipelineShaderStage) (pipeline.StageDesc, error) {
	m, err := d.modules.get(s.Module)
	if err != nil {
		return pipeline.StageDesc{}, err
	}
	return pipeline.StageDesc{Stage: s.Stage, Module: m.code, EntryPoint: s.EntryPoint}, nil
}

// CreateGraphicsPipeline synthesizes every native state object of a
// graphics pipeline. A native object that cannot be created is reported to
// the observer and left unset; the pipeline is still returned.
func (d *Device) CreateGraphicsPipeline(info GraphicsPipelineCreateInfo) (Pipeline, error) {
	layout, err := d.layouts.get(info.Layout)
	if err != nil {
		return 0, d.fail("CreateGraphicsPipeline", uint64(info.Layout), err)
	}
	desc := &pipeline.GraphicsDesc{
		Label:        info.Label,
		Bindings:     info.Bindings,
		Attributes:   info.Attributes,
		Topology:     info.Topology,
		Raster:       info.Raster,
		Multisample:  info.Multisample,
		DepthStencil: info.DepthStencil,
		Blend:        info.Blend,
		Viewports:    info.Viewports,
		Scissors:     info.Scissors,
		Dynamic:      info.Dynamic,
		Layout:       layout,
	}
	for _, s := range info.Stages {
		sd, err := d.stage(s)
		if err != nil {
			return 0, d.fail("CreateGraphicsPipeline", uint64(s.Module), err)
		}
		desc.Stages = append(desc.Stages, sd)
	}
	p, err := pipeline.NewGraphics(d.nd, d.cfg.Compiler, d.sink, desc)
	if err != nil {
		return 0, d.fail("CreateGraphicsPipeline", 0, err)
	}
	return d.pipelines.insert(p), nil
}

// CreateGraphicsPipelines creates several pipelines. If one fails, the
// ones already created are destroyed and none is returned.
func (d *Device) CreateGraphicsPipelines(infos []GraphicsPipelineCreateInfo) ([]Pipeline, error) {
	out := make([]Pipeline, 0, len(infos))
	for _, info := range infos {
		p, err := d.CreateGraphicsPipeline(info)
		if err != nil {
			for _, q := range out {
				_ = d.DestroyPipeline(q)
			}
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// CreateComputePipeline synthesizes a compute pipeline. It requires the
// Compute feature.
func (d *Device) CreateComputePipeline(info ComputePipelineCreateInfo) (Pipeline, error) {
	if !d.cfg.Features.Compute {
		return 0, d.fail("CreateComputePipeline", 0, ErrorFeatureNotPresent)
	}
	layout, err := d.layouts.get(info.Layout)
	if err != nil {
		return 0, d.fail("CreateComputePipeline", uint64(info.Layout), err)
	}
	sd, err := d.stage(info.Stage)
	if err != nil {
		return 0, d.fail("CreateComputePipeline", uint64(info.Stage.Module), err)
	}
	p, err := pipeline.NewCompute(d.nd, d.cfg.Compiler, d.sink, &pipeline.ComputeDesc{Label: info.Label, Stage: sd, Layout: layout})
	if err != nil {
		return 0, d.fail("CreateComputePipeline", 0, err)
	}
	return d.pipelines.insert(p), nil
}

// DestroyPipeline destroys p and releases its native objects.
func (d *Device) DestroyPipeline(p Pipeline) error {
	v, ok, err := d.pipelines.remove(p)
	if err != nil {
		return d.fail("DestroyPipeline", uint64(p), err)
	}
	if ok {
		v.Destroy()
	}
	return nil
}
