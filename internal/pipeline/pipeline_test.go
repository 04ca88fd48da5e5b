package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/native"
	"github.com/gogpu/explicit/native/soft"
	"github.com/gogpu/explicit/shader"
)

const (
	vs  = gputypes.ShaderStageVertex
	fs  = gputypes.ShaderStageFragment
	cs  = gputypes.ShaderStageCompute
	vfs = gputypes.ShaderStagesVertexFragment
)

// fakeCompiler returns canned reflections per stage and fails entry points
// named "broken".
type fakeCompiler struct {
	refl  map[native.Stage]shader.Reflection
	calls int
}

func (c *fakeCompiler) Compile(req shader.Request) (*shader.Output, error) {
	c.calls++
	if req.EntryPoint == "broken" {
		return nil, fmt.Errorf("%w: %s", shader.ErrEntryPoint, req.EntryPoint)
	}
	return &shader.Output{
		Source:     "void " + req.EntryPoint + "() {}",
		EntryPoint: req.EntryPoint,
		Reflection: c.refl[req.Stage],
	}, nil
}

func newCompiler() *fakeCompiler {
	return &fakeCompiler{refl: map[native.Stage]shader.Reflection{
		native.StageVertex: {
			Inputs: []shader.Input{
				{Location: 0, Semantic: native.Semantic{Name: "LOC", Index: 0}},
				{Location: 1, Semantic: native.Semantic{Name: "LOC", Index: 1}},
			},
			ConstantBlocks: []shader.ConstantBlock{{Name: "pc", Size: 16, Anonymous: true}},
		},
		native.StagePixel: {
			ConstantBlocks: []shader.ConstantBlock{{Name: "pc", Size: 8, Anonymous: true}},
		},
		native.StageCompute: {},
	}}
}

func mustSetLayout(t *testing.T, bindings ...SetLayoutBinding) *SetLayout {
	t.Helper()
	l, err := NewSetLayout(bindings)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func mustLayout(t *testing.T, sets []*SetLayout, push ...PushConstantRange) *Layout {
	t.Helper()
	l, err := NewLayout(sets, push)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func graphicsDesc(layout *Layout) *GraphicsDesc {
	return &GraphicsDesc{
		Label: "triangle",
		Stages: []StageDesc{
			{Stage: vs, EntryPoint: "vs_main"},
			{Stage: fs, EntryPoint: "fs_main"},
		},
		Bindings: []VertexBinding{{Binding: 0, Stride: 24}},
		Attributes: []VertexAttribute{
			{Location: 0, Binding: 0, Format: gputypes.VertexFormatFloat32x2},
			{Location: 1, Binding: 0, Format: gputypes.VertexFormatFloat32x4, Offset: 8},
		},
		Topology: gputypes.PrimitiveTopologyTriangleList,
		Raster:   RasterState{Cull: gputypes.CullModeBack},
		DepthStencil: DepthStencilState{
			DepthTest: true, DepthWrite: true, DepthCompare: gputypes.CompareFunctionLess,
		},
		Blend: BlendState{
			Attachments: []BlendAttachment{{WriteMask: gputypes.ColorWriteMaskAll}},
			Constants:   f32.Vec4{0.5, 0.5, 0.5, 1},
		},
		Viewports: []native.Viewport{{Width: 64, Height: 64, MaxDepth: 1}},
		Scissors:  []native.Rect{{Right: 64, Bottom: 64}},
		Layout:    layout,
	}
}

func TestLayoutRegisters(t *testing.T) {
	set0 := mustSetLayout(t,
		SetLayoutBinding{Binding: 0, Type: DescriptorUniformBuffer, Count: 1, Stages: vfs},
		SetLayoutBinding{Binding: 1, Type: DescriptorCombinedImageSampler, Count: 1, Stages: fs},
		SetLayoutBinding{Binding: 2, Type: DescriptorStorageBuffer, Count: 1, Stages: cs},
	)
	set1 := mustSetLayout(t,
		SetLayoutBinding{Binding: 0, Type: DescriptorUniformBuffer, Count: 2, Stages: vs},
		SetLayoutBinding{Binding: 3, Type: DescriptorSampledImage, Count: 1, Stages: fs | cs},
	)
	l := mustLayout(t, []*SetLayout{set0, set1}, PushConstantRange{Stages: vs, Size: 16})

	tests := []struct {
		stage        native.Stage
		set, binding uint32
		class        shader.Class
		want         uint32
		ok           bool
	}{
		{native.StageVertex, 0, 0, shader.ClassConstant, 1, true},
		{native.StageVertex, 1, 0, shader.ClassConstant, 2, true},
		{native.StagePixel, 0, 0, shader.ClassConstant, 0, true},
		{native.StagePixel, 0, 1, shader.ClassResource, 0, true},
		{native.StagePixel, 0, 1, shader.ClassSampler, 0, true},
		{native.StagePixel, 1, 3, shader.ClassResource, 1, true},
		{native.StageCompute, 0, 2, shader.ClassUnordered, 0, true},
		{native.StageCompute, 1, 3, shader.ClassResource, 0, true},
		{native.StageVertex, 0, 1, shader.ClassResource, 0, false},
		{native.StageVertex, 2, 0, shader.ClassConstant, 0, false},
	}
	for _, tt := range tests {
		got, ok := l.Register(tt.stage, tt.set, tt.binding, tt.class)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Register(%v, %d, %d, %v) = %d, %v; want %d, %v", tt.stage, tt.set, tt.binding, tt.class, got, ok, tt.want, tt.ok)
		}
	}

	regs := l.Bindings(native.StagePixel)
	if got := regs[shader.Binding{Group: 0, Binding: 1}]; got != (shader.Register{Class: shader.ClassResource, Index: 0}) {
		t.Errorf("compiler map for combined sampler = %+v, want t0", got)
	}
	if got := l.PushStages(); got != vs {
		t.Errorf("PushStages() = %v, want %v", got, vs)
	}
}

func TestLayoutErrors(t *testing.T) {
	many := make([]SetLayoutBinding, 9)
	for i := range many {
		many[i] = SetLayoutBinding{Binding: uint32(i), Type: DescriptorStorageBuffer, Count: 1, Stages: cs}
	}
	if _, err := NewLayout([]*SetLayout{mustSetLayout(t, many...)}, nil); !errors.Is(err, ErrRegisterLimit) {
		t.Errorf("9 storage buffers = %v, want ErrRegisterLimit", err)
	}
	if _, err := NewSetLayout([]SetLayoutBinding{{Binding: 1}, {Binding: 1}}); !errors.Is(err, ErrDuplicateBinding) {
		t.Errorf("duplicate binding = %v, want ErrDuplicateBinding", err)
	}
	if _, err := NewLayout(nil, []PushConstantRange{{Stages: vs, Offset: 240, Size: 32}}); err == nil {
		t.Error("push range past 256 bytes accepted")
	}
}

func TestFindPushConstantBuffer(t *testing.T) {
	p := &Pipeline{push: []*PushBuffer{
		{Stages: vs, Size: 16},
		{Stages: vfs, Size: 16},
		{Stages: vs, Size: 32},
		{Stages: vfs, Size: 64},
	}}
	tests := []struct {
		name         string
		mask         gputypes.ShaderStage
		offset, size uint32
		want         int
	}{
		{"exact mask exact size", vs, 0, 16, 0},
		{"exact mask larger", vs, 0, 20, 2},
		{"exact mask size counts offset", vs, 16, 16, 2},
		{"superset exact size", fs, 0, 16, 1},
		{"superset larger", fs, 8, 40, 3},
		{"exact mask beats superset", vfs, 0, 8, 1},
		{"no stage match", cs, 0, 4, -1},
		{"too large", vs, 0, 128, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 3 {
				got := p.FindPushConstantBuffer(tt.mask, tt.offset, tt.size)
				if tt.want < 0 {
					if got != nil {
						t.Fatalf("got %+v, want nil", got)
					}
					continue
				}
				if got != p.push[tt.want] {
					t.Fatalf("got %+v, want push[%d] %+v", got, tt.want, p.push[tt.want])
				}
			}
		})
	}
}

type fixture struct {
	dev  *soft.Device
	ctx  *exec.Context
	obs  *diag.Collector
	sink *diag.Sink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dev: soft.New(soft.Options{}), obs: &diag.Collector{}}
	f.sink = diag.NewSink(f.obs)
	f.ctx = exec.New(f.dev, f.sink)
	t.Cleanup(func() {
		f.ctx.Close()
		_ = f.dev.Close()
	})
	return f
}

func TestNewGraphics(t *testing.T) {
	f := newFixture(t)
	layout := mustLayout(t, nil, PushConstantRange{Stages: vfs, Size: 16})
	p, err := NewGraphics(f.dev, newCompiler(), f.sink, graphicsDesc(layout))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Destroy()

	if p.Shader(native.StageVertex) == nil || p.Shader(native.StagePixel) == nil {
		t.Fatal("missing shader stage")
	}
	if p.InputLayout() == nil || p.BlendState() == nil || p.RasterizerState() == nil || p.DepthStencilState() == nil {
		t.Errorf("missing fixed-function object: il=%v blend=%v rs=%v ds=%v",
			p.InputLayout(), p.BlendState(), p.RasterizerState(), p.DepthStencilState())
	}
	if got := len(p.InputLayout().Elements()); got != 2 {
		t.Errorf("input elements = %d, want 2", got)
	}
	if stride, ok := p.Stride(0); !ok || stride != 24 {
		t.Errorf("Stride(0) = %d, %v; want 24, true", stride, ok)
	}
	if _, ok := p.Stride(1); ok {
		t.Error("Stride(1) declared")
	}
	push := p.PushBuffers()
	if len(push) != 1 || push[0].Stages != vfs || push[0].Size != 16 {
		t.Fatalf("push buffers = %+v, want one VS|FS buffer of 16 bytes", push)
	}
	if got := push[0].Native().Desc(); got.Size != 16 || !got.Bind.Has(native.BindConstantBuffer) {
		t.Errorf("push native desc = %+v", got)
	}
	if n := f.obs.Count(diag.SeverityWarning); n != 0 {
		t.Errorf("diagnostics = %v", f.obs.Reports())
	}
}

func TestVertexHash(t *testing.T) {
	f := newFixture(t)
	layout := mustLayout(t, nil)
	a, _ := NewGraphics(f.dev, newCompiler(), f.sink, graphicsDesc(layout))
	b, _ := NewGraphics(f.dev, newCompiler(), f.sink, graphicsDesc(layout))
	desc := graphicsDesc(layout)
	desc.Bindings[0].Stride = 32
	c, _ := NewGraphics(f.dev, newCompiler(), f.sink, desc)
	for _, p := range []*Pipeline{a, b, c} {
		defer p.Destroy()
	}
	if a.VertexHash() != b.VertexHash() {
		t.Errorf("identical vertex input hashes differ: %#x != %#x", a.VertexHash(), b.VertexHash())
	}
	if a.VertexHash() == c.VertexHash() {
		t.Errorf("different strides hash alike: %#x", a.VertexHash())
	}
}

func TestNewGraphicsCallerErrors(t *testing.T) {
	f := newFixture(t)
	layout := mustLayout(t, nil)
	tests := []struct {
		name   string
		modify func(*GraphicsDesc)
		want   error
	}{
		{"no layout", func(d *GraphicsDesc) { d.Layout = nil }, ErrNoLayout},
		{"no vertex stage", func(d *GraphicsDesc) { d.Stages = d.Stages[1:] }, ErrStages},
		{"compute stage", func(d *GraphicsDesc) { d.Stages = append(d.Stages, StageDesc{Stage: cs}) }, ErrStages},
		{"repeated stage", func(d *GraphicsDesc) { d.Stages = append(d.Stages, d.Stages[0]) }, ErrStages},
		{"undeclared binding", func(d *GraphicsDesc) { d.Attributes[1].Binding = 3 }, ErrVertexInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := f.dev.LiveObjects()
			desc := graphicsDesc(layout)
			tt.modify(desc)
			if _, err := NewGraphics(f.dev, newCompiler(), f.sink, desc); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if got := f.dev.LiveObjects(); got != base {
				t.Errorf("failed creation left %d native objects", got-base)
			}
		})
	}
}

func TestCompileFailureLeavesNullStage(t *testing.T) {
	f := newFixture(t)
	desc := graphicsDesc(mustLayout(t, nil))
	desc.Stages[1].EntryPoint = "broken"
	p, err := NewGraphics(f.dev, newCompiler(), f.sink, desc)
	if err != nil {
		t.Fatalf("NewGraphics: %v", err)
	}
	defer p.Destroy()
	if p.Shader(native.StagePixel) != nil {
		t.Error("failed stage has a shader")
	}
	if p.Shader(native.StageVertex) == nil {
		t.Error("vertex stage missing after unrelated failure")
	}
	reports := f.obs.Reports()
	if len(reports) != 1 || reports[0].Severity != diag.SeverityError || !strings.Contains(reports[0].Message, "broken") {
		t.Errorf("reports = %+v, want one error naming the entry point", reports)
	}
}

func TestDynamicDepthStencilNotBaked(t *testing.T) {
	f := newFixture(t)
	desc := graphicsDesc(mustLayout(t, nil))
	desc.Dynamic = DynamicDepthStencil | DynamicViewport
	p, err := NewGraphics(f.dev, newCompiler(), f.sink, desc)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Destroy()
	if p.DepthStencilState() != nil {
		t.Error("dynamic depth-stencil state was baked")
	}

	f.ctx.Lock()
	err = p.Bind(f.ctx, State{})
	f.ctx.Unlock()
	if err != nil {
		t.Fatalf("Bind without depth-stencil state: %v", err)
	}
	st := f.dev.Context().State()
	if st.DepthStencil != nil {
		t.Errorf("bound depth-stencil = %v, want none", st.DepthStencil)
	}
	if len(st.Viewports) != 0 {
		t.Errorf("dynamic viewports were set: %v", st.Viewports)
	}
	if len(st.Scissors) != 1 {
		t.Errorf("scissors = %v, want baked rect", st.Scissors)
	}
}

func TestBindUsesSameObjects(t *testing.T) {
	f := newFixture(t)
	p, err := NewGraphics(f.dev, newCompiler(), f.sink, graphicsDesc(mustLayout(t, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Destroy()
	other, err := f.dev.CreateBlendState(native.BlendDesc{})
	if err != nil {
		t.Fatal(err)
	}
	defer other.Release()

	nc := f.ctx.Native()
	f.ctx.Lock()
	defer f.ctx.Unlock()
	if err := p.Bind(f.ctx, State{}); err != nil {
		t.Fatal(err)
	}
	first := f.dev.Context().State()
	nc.OMSetBlendState(other, f32.Vec4{}, 1)
	nc.RSSetState(nil)
	if err := p.Bind(f.ctx, State{}); err != nil {
		t.Fatal(err)
	}
	second := f.dev.Context().State()
	if first.Blend != second.Blend || first.Rasterizer != second.Rasterizer ||
		first.DepthStencil != second.DepthStencil || first.InputLayout != second.InputLayout {
		t.Error("rebinding the pipeline bound different native objects")
	}
	if second.Blend != p.BlendState() || second.BlendFactor != (f32.Vec4{0.5, 0.5, 0.5, 1}) {
		t.Errorf("blend = %v factor %v", second.Blend, second.BlendFactor)
	}
}

func TestDynamicValuesFromState(t *testing.T) {
	f := newFixture(t)
	cache := NewStateCache(f.dev)
	defer cache.Release()

	desc := graphicsDesc(mustLayout(t, nil))
	desc.Dynamic = DynamicBlendConstants | DynamicStencilReference | DynamicDepthBias
	p, err := NewGraphics(f.dev, newCompiler(), f.sink, desc)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Destroy()
	if p.RasterizerState() != nil {
		t.Error("dynamic depth bias rasterizer was baked")
	}
	rs, err := cache.Rasterizer(WithBias(p.RasterizerDesc(), DepthBias{Constant: 4, Slope: 1}))
	if err != nil {
		t.Fatal(err)
	}
	f.ctx.Lock()
	err = p.Bind(f.ctx, State{BlendConstants: f32.Vec4{1, 0, 0, 1}, StencilReference: 7, Rasterizer: rs})
	f.ctx.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	st := f.dev.Context().State()
	if st.BlendFactor != (f32.Vec4{1, 0, 0, 1}) || st.StencilRef != 7 || st.Rasterizer != rs {
		t.Errorf("factor %v ref %d rs %v", st.BlendFactor, st.StencilRef, st.Rasterizer)
	}
	if got := st.Rasterizer.Desc().DepthBias; got != 4 {
		t.Errorf("DepthBias = %d, want 4", got)
	}
}

func TestPushConstantsUpload(t *testing.T) {
	f := newFixture(t)
	p, err := NewGraphics(f.dev, newCompiler(), f.sink, graphicsDesc(mustLayout(t, nil, PushConstantRange{Stages: vfs, Size: 16})))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Destroy()
	staging := make([]byte, MaxPushConstantSize)
	copy(staging, "pushconstants!!!")

	f.ctx.Lock()
	err = p.Bind(f.ctx, State{PushConstants: staging})
	f.ctx.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	pb := p.PushBuffers()[0]
	st := f.dev.Context().State()
	for _, stage := range []native.Stage{native.StageVertex, native.StagePixel} {
		if got := st.ConstantBuffers[stage][0].Buffer; got != pb.Native() {
			t.Errorf("%v b0 = %v, want push buffer", stage, got)
		}
	}
	got := make([]byte, 16)
	if err := f.ctx.ReadBuffer(pb.Native(), 0, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "pushconstants!!!" {
		t.Errorf("push buffer = %q", got)
	}
}

func TestDestroyReleasesOnce(t *testing.T) {
	f := newFixture(t)
	base := f.dev.LiveObjects()
	p, err := NewGraphics(f.dev, newCompiler(), f.sink, graphicsDesc(mustLayout(t, nil, PushConstantRange{Stages: vs, Size: 16})))
	if err != nil {
		t.Fatal(err)
	}
	if f.dev.LiveObjects() <= base {
		t.Fatal("pipeline created no native objects")
	}
	p.Destroy()
	p.Destroy()
	if got := f.dev.LiveObjects(); got != base {
		t.Errorf("LiveObjects() = %d, want %d", got, base)
	}
	if got := f.dev.DoubleReleases(); got != 0 {
		t.Errorf("DoubleReleases() = %d", got)
	}
}

func TestNewCompute(t *testing.T) {
	f := newFixture(t)
	layout := mustLayout(t, nil)
	p, err := NewCompute(f.dev, newCompiler(), f.sink, &ComputeDesc{Label: "cs", Stage: StageDesc{Stage: cs, EntryPoint: "main"}, Layout: layout})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Destroy()
	if p.BindPoint() != BindCompute || p.Shader(native.StageCompute) == nil {
		t.Errorf("compute pipeline = %v, shader %v", p.BindPoint(), p.Shader(native.StageCompute))
	}
	if _, err := NewCompute(f.dev, newCompiler(), f.sink, &ComputeDesc{Stage: StageDesc{Stage: vs}, Layout: layout}); !errors.Is(err, ErrStages) {
		t.Errorf("vertex stage in compute pipeline = %v, want ErrStages", err)
	}
}

func TestStateCache(t *testing.T) {
	f := newFixture(t)
	base := f.dev.LiveObjects()
	c := NewStateCache(f.dev)
	desc := native.DepthStencilDesc{DepthEnable: true, DepthFunc: gputypes.CompareFunctionLess}
	a, err := c.DepthStencil(desc)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := c.DepthStencil(desc)
	if a != b {
		t.Error("same descriptor returned different objects")
	}
	if hits, misses := c.Stats(); hits != 1 || misses != 1 {
		t.Errorf("Stats() = %d, %d; want 1, 1", hits, misses)
	}
	if _, err := c.DepthStencil(native.DepthStencilDesc{DepthEnable: true}); err == nil {
		t.Error("invalid descriptor accepted")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
	c.Release()
	if got := f.dev.LiveObjects(); got != base {
		t.Errorf("LiveObjects() = %d, want %d", got, base)
	}
}
