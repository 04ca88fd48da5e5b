package soft

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/explicit/native"
)

// VertexBinding is one bound vertex buffer slot.
type VertexBinding struct {
	Buffer native.Buffer
	Stride uint32
	Offset uint32
}

// State is the full binding state of the immediate context.
type State struct {
	InputLayout   native.InputLayout
	Topology      gputypes.PrimitiveTopology
	VertexBuffers [native.MaxVertexBuffers]VertexBinding
	IndexBuffer   native.Buffer
	IndexFormat   gputypes.IndexFormat
	IndexOffset   uint32

	Shaders         [native.NumStages]native.Shader
	ConstantBuffers [native.NumStages][native.MaxConstantBuffers]native.ConstantBufferBinding
	Resources       [native.NumStages][native.MaxShaderResources]native.ShaderResourceView
	Samplers        [native.NumStages][native.MaxSamplers]native.SamplerState
	UAVs            [native.NumStages][native.MaxUAVs]native.UnorderedAccessView

	Rasterizer native.RasterizerState
	Viewports  []native.Viewport
	Scissors   []native.Rect

	Blend        native.BlendState
	BlendFactor  f32.Vec4
	SampleMask   uint32
	DepthStencil native.DepthStencilState
	StencilRef   uint32

	RenderTargets    []native.RenderTargetView
	DepthStencilView native.DepthStencilView
}

func defaultState() State {
	return State{BlendFactor: f32.Vec4{1, 1, 1, 1}, SampleMask: 0xFFFFFFFF}
}

func (s *State) clone() State {
	c := *s
	c.Viewports = append([]native.Viewport(nil), s.Viewports...)
	c.Scissors = append([]native.Rect(nil), s.Scissors...)
	c.RenderTargets = append([]native.RenderTargetView(nil), s.RenderTargets...)
	return c
}

// Call is a logged draw or dispatch with the state it observed.
type Call struct {
	Op        string
	Vertices  uint32
	Instances uint32
	State     State
}

// Context is the soft immediate context. It is not safe for concurrent use.
type Context struct {
	dev   *Device
	trace Trace
	state State
	calls []Call

	// invalid holds the first rejected setter argument since the last
	// successful draw or dispatch.
	invalid error
	flushes uint64
	ticks   uint64
	// queries are ended and waiting for a flush; open are begun.
	queries []*query
	open    []*query
}

var _ native.Context = (*Context)(nil)

func newContext(d *Device) *Context {
	return &Context{dev: d, state: defaultState()}
}

// Trace returns the call trace.
func (c *Context) Trace() *Trace { return &c.trace }

// State returns a copy of the current binding state.
func (c *Context) State() State { return c.state.clone() }

// Calls returns the logged draws and dispatches.
func (c *Context) Calls() []Call { return append([]Call(nil), c.calls...) }

// Flushes returns the number of Flush calls.
func (c *Context) Flushes() uint64 { return c.flushes }

func (c *Context) reject(format string, args ...any) {
	if c.invalid == nil {
		c.invalid = fmt.Errorf(format, args...)
	}
}

func (c *Context) live(o native.Object) bool {
	type releaser interface{ Released() bool }
	if r, ok := o.(releaser); ok && r.Released() {
		c.reject("use of released %v", o)
		return false
	}
	return true
}

// IASetInputLayout implements native.Context.
func (c *Context) IASetInputLayout(layout native.InputLayout) {
	c.trace.add("IASetInputLayout", layout)
	if layout != nil {
		c.live(layout)
	}
	c.state.InputLayout = layout
}

// IASetPrimitiveTopology implements native.Context.
func (c *Context) IASetPrimitiveTopology(topology gputypes.PrimitiveTopology) {
	c.trace.add("IASetPrimitiveTopology", topology)
	c.state.Topology = topology
}

// IASetVertexBuffers implements native.Context.
func (c *Context) IASetVertexBuffers(start uint32, buffers []native.Buffer, strides, offsets []uint32) {
	c.trace.add("IASetVertexBuffers", start, names(buffers), strides, offsets)
	if int(start)+len(buffers) > native.MaxVertexBuffers || len(strides) < len(buffers) || len(offsets) < len(buffers) {
		c.reject("vertex buffer range %d+%d", start, len(buffers))
		return
	}
	for i, b := range buffers {
		if b != nil && (!c.live(b) || !b.Desc().Bind.Has(native.BindVertexBuffer)) {
			c.reject("%v bound as vertex buffer without vertex bind flag", b)
		}
		c.state.VertexBuffers[int(start)+i] = VertexBinding{Buffer: b, Stride: strides[i], Offset: offsets[i]}
	}
}

// IASetIndexBuffer implements native.Context.
func (c *Context) IASetIndexBuffer(buf native.Buffer, format gputypes.IndexFormat, offset uint32) {
	c.trace.add("IASetIndexBuffer", buf, format, offset)
	if buf != nil && (!c.live(buf) || !buf.Desc().Bind.Has(native.BindIndexBuffer)) {
		c.reject("%v bound as index buffer without index bind flag", buf)
	}
	c.state.IndexBuffer, c.state.IndexFormat, c.state.IndexOffset = buf, format, offset
}

// SetShader implements native.Context.
func (c *Context) SetShader(stage native.Stage, s native.Shader) {
	c.trace.add("Set"+stage.String()+"Shader", s)
	if stage >= native.NumStages {
		c.reject("stage %v", stage)
		return
	}
	if s != nil && c.live(s) && s.Stage() != stage {
		c.reject("%v bound to %v", s, stage)
	}
	c.state.Shaders[stage] = s
}

// SetConstantBuffers implements native.Context.
func (c *Context) SetConstantBuffers(stage native.Stage, start uint32, buffers []native.ConstantBufferBinding) {
	args := make([]string, len(buffers))
	for i, b := range buffers {
		args[i] = fmt.Sprintf("%s@%d+%d", format(b.Buffer), b.FirstConstant, b.NumConstants)
	}
	c.trace.add(stage.String()+"SetConstantBuffers", start, args)
	if stage >= native.NumStages || int(start)+len(buffers) > native.MaxConstantBuffers {
		c.reject("constant buffer range %v %d+%d", stage, start, len(buffers))
		return
	}
	for i, b := range buffers {
		if b.Buffer != nil {
			d := b.Buffer.Desc()
			switch {
			case !c.live(b.Buffer):
			case !d.Bind.Has(native.BindConstantBuffer):
				c.reject("%v bound as constant buffer without constant bind flag", b.Buffer)
			case uint64(b.FirstConstant+b.NumConstants)*native.ConstantSize > d.Size:
				c.reject("constants [%d,+%d) exceed %v", b.FirstConstant, b.NumConstants, b.Buffer)
			}
		}
		c.state.ConstantBuffers[stage][int(start)+i] = b
	}
}

// SetShaderResources implements native.Context.
func (c *Context) SetShaderResources(stage native.Stage, start uint32, views []native.ShaderResourceView) {
	c.trace.add(stage.String()+"SetShaderResources", start, names(views))
	if stage >= native.NumStages || int(start)+len(views) > native.MaxShaderResources {
		c.reject("shader resource range %v %d+%d", stage, start, len(views))
		return
	}
	for i, v := range views {
		c.checkView(v, native.ViewShaderResource)
		c.state.Resources[stage][int(start)+i] = v
	}
}

// SetSamplers implements native.Context.
func (c *Context) SetSamplers(stage native.Stage, start uint32, samplers []native.SamplerState) {
	c.trace.add(stage.String()+"SetSamplers", start, names(samplers))
	if stage >= native.NumStages || int(start)+len(samplers) > native.MaxSamplers {
		c.reject("sampler range %v %d+%d", stage, start, len(samplers))
		return
	}
	for i, s := range samplers {
		if s != nil {
			c.live(s)
		}
		c.state.Samplers[stage][int(start)+i] = s
	}
}

// SetUnorderedAccessViews implements native.Context.
func (c *Context) SetUnorderedAccessViews(stage native.Stage, start uint32, views []native.UnorderedAccessView) {
	c.trace.add(stage.String()+"SetUnorderedAccessViews", start, names(views))
	if stage >= native.NumStages || int(start)+len(views) > native.MaxUAVs {
		c.reject("UAV range %v %d+%d", stage, start, len(views))
		return
	}
	for i, v := range views {
		c.checkView(v, native.ViewUnorderedAccess)
		c.state.UAVs[stage][int(start)+i] = v
	}
}

func (c *Context) checkView(v native.View, kind native.ViewKind) {
	if v == nil {
		return
	}
	if c.live(v) && v.Kind() != kind {
		c.reject("%v bound as %v", v, kind)
	}
}

// RSSetState implements native.Context.
func (c *Context) RSSetState(state native.RasterizerState) {
	c.trace.add("RSSetState", state)
	if state != nil {
		c.live(state)
	}
	c.state.Rasterizer = state
}

// RSSetViewports implements native.Context.
func (c *Context) RSSetViewports(viewports []native.Viewport) {
	c.trace.add("RSSetViewports", fmt.Sprint(viewports))
	if len(viewports) > native.MaxViewports {
		c.reject("%d viewports", len(viewports))
		return
	}
	c.state.Viewports = append(c.state.Viewports[:0:0], viewports...)
}

// RSSetScissorRects implements native.Context.
func (c *Context) RSSetScissorRects(rects []native.Rect) {
	c.trace.add("RSSetScissorRects", fmt.Sprint(rects))
	if len(rects) > native.MaxViewports {
		c.reject("%d scissor rects", len(rects))
		return
	}
	c.state.Scissors = append(c.state.Scissors[:0:0], rects...)
}

// OMSetBlendState implements native.Context.
func (c *Context) OMSetBlendState(state native.BlendState, factor f32.Vec4, sampleMask uint32) {
	c.trace.add("OMSetBlendState", state, fmt.Sprint(factor), fmt.Sprintf("%#x", sampleMask))
	if state != nil {
		c.live(state)
	}
	c.state.Blend, c.state.BlendFactor, c.state.SampleMask = state, factor, sampleMask
}

// OMSetDepthStencilState implements native.Context.
func (c *Context) OMSetDepthStencilState(state native.DepthStencilState, stencilRef uint32) {
	c.trace.add("OMSetDepthStencilState", state, stencilRef)
	if state != nil {
		c.live(state)
	}
	c.state.DepthStencil, c.state.StencilRef = state, stencilRef
}

// OMSetRenderTargets implements native.Context.
func (c *Context) OMSetRenderTargets(rtvs []native.RenderTargetView, dsv native.DepthStencilView) {
	c.trace.add("OMSetRenderTargets", names(rtvs), dsv)
	if len(rtvs) > native.MaxRenderTargets {
		c.reject("%d render targets", len(rtvs))
		return
	}
	for _, v := range rtvs {
		c.checkView(v, native.ViewRenderTarget)
	}
	c.checkView(dsv, native.ViewDepthStencil)
	c.state.RenderTargets = append(c.state.RenderTargets[:0:0], rtvs...)
	c.state.DepthStencilView = dsv
}

// ClearState implements native.Context.
func (c *Context) ClearState() {
	c.trace.add("ClearState")
	c.state = defaultState()
	c.invalid = nil
	c.open = c.open[:0]
}

// Flush implements native.Context.
func (c *Context) Flush() {
	c.trace.add("Flush")
	c.flushes++
	for _, q := range c.queries {
		q.flushed = true
	}
	c.queries = c.queries[:0]
}
