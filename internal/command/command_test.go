package command

import (
	"encoding/binary"
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/internal/memory"
	"github.com/gogpu/explicit/internal/pass"
	"github.com/gogpu/explicit/internal/pipeline"
	"github.com/gogpu/explicit/native"
	"github.com/gogpu/explicit/native/soft"
	"github.com/gogpu/explicit/shader"
)

const rgba = gputypes.TextureFormatRGBA8Unorm

type fakeCompiler struct{}

func (fakeCompiler) Compile(req shader.Request) (*shader.Output, error) {
	out := &shader.Output{Source: "void " + req.EntryPoint + "() {}", EntryPoint: req.EntryPoint}
	switch req.Stage {
	case native.StageVertex:
		out.Reflection = shader.Reflection{
			Inputs:         []shader.Input{{Location: 0, Semantic: native.Semantic{Name: "LOC", Index: 0}}},
			ConstantBlocks: []shader.ConstantBlock{{Name: "pc", Size: 16, Anonymous: true}},
		}
	case native.StageCompute:
		out.Reflection = shader.Reflection{
			ConstantBlocks: []shader.ConstantBlock{{Name: "pc", Size: 16, Anonymous: true}},
		}
	}
	return out, nil
}

type fixture struct {
	dev    *soft.Device
	ctx    *exec.Context
	obs    *diag.Collector
	sink   *diag.Sink
	binder *memory.Binder
	cache  *pipeline.StateCache
	mem    *memory.Memory
	offset uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dev: soft.New(soft.Options{}), obs: &diag.Collector{}}
	f.sink = diag.NewSink(f.obs)
	f.ctx = exec.New(f.dev, f.sink)
	f.binder = memory.NewBinder(f.dev, f.ctx, f.sink)
	f.cache = pipeline.NewStateCache(f.dev)
	var err error
	if f.mem, err = f.binder.Allocate(1<<18, memory.TypeDeviceLocal); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		f.mem.Free()
		f.cache.Release()
		f.ctx.Close()
		_ = f.dev.Close()
	})
	return f
}

func (f *fixture) pool(flags PoolFlags, policy FailurePolicy) *Pool {
	return NewPool(flags, Config{Policy: policy, Cache: f.cache, Sink: f.sink})
}

func (f *fixture) buffer(t *testing.T, size uint64, usage gputypes.BufferUsage) *memory.Buffer {
	t.Helper()
	buf, err := f.binder.NewBuffer(memory.BufferInfo{Size: size, Usage: usage})
	if err != nil {
		t.Fatal(err)
	}
	req := buf.Requirements()
	f.offset = (f.offset + req.Alignment - 1) / req.Alignment * req.Alignment
	if err := f.binder.BindBuffer(buf, f.mem, f.offset); err != nil {
		t.Fatal(err)
	}
	f.offset += req.Size
	t.Cleanup(buf.Destroy)
	return buf
}

func (f *fixture) image(t *testing.T, w, h uint32, usage gputypes.TextureUsage) *memory.Image {
	t.Helper()
	img, err := f.binder.NewImage(memory.ImageInfo{
		Dimension: gputypes.TextureDimension2D,
		Format:    rgba,
		Extent:    gputypes.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
		Usage:     usage,
	})
	if err != nil {
		t.Fatal(err)
	}
	req := img.Requirements()
	f.offset = (f.offset + req.Alignment - 1) / req.Alignment * req.Alignment
	if err := f.binder.BindImage(img, f.mem, f.offset); err != nil {
		t.Fatal(err)
	}
	f.offset += req.Size
	t.Cleanup(img.Destroy)
	return img
}

func (f *fixture) view(t *testing.T, img *memory.Image) *memory.ImageView {
	t.Helper()
	v, err := f.binder.NewImageView(img, memory.ViewInfo{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(v.Destroy)
	return v
}

func (f *fixture) graphics(t *testing.T, stride uint32, dyn pipeline.Dynamic) *pipeline.Pipeline {
	t.Helper()
	layout, err := pipeline.NewLayout(nil, []pipeline.PushConstantRange{{Stages: gputypes.ShaderStageVertex, Size: 16}})
	if err != nil {
		t.Fatal(err)
	}
	p, err := pipeline.NewGraphics(f.dev, fakeCompiler{}, f.sink, &pipeline.GraphicsDesc{
		Label: "tri",
		Stages: []pipeline.StageDesc{
			{Stage: gputypes.ShaderStageVertex, EntryPoint: "vs_main"},
			{Stage: gputypes.ShaderStageFragment, EntryPoint: "fs_main"},
		},
		Bindings:   []pipeline.VertexBinding{{Binding: 0, Stride: stride}},
		Attributes: []pipeline.VertexAttribute{{Location: 0, Binding: 0, Format: gputypes.VertexFormatFloat32x2}},
		Topology:   gputypes.PrimitiveTopologyTriangleList,
		Blend: pipeline.BlendState{
			Attachments: []pipeline.BlendAttachment{{WriteMask: gputypes.ColorWriteMaskAll}},
			Constants:   f32.Vec4{0.5, 0.5, 0.5, 1},
		},
		Viewports: []native.Viewport{{Width: 8, Height: 8, MaxDepth: 1}},
		Scissors:  []native.Rect{{Right: 8, Bottom: 8}},
		Dynamic:   dyn,
		Layout:    layout,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Destroy)
	return p
}

func record(t *testing.T, b *CommandBuffer, usage Usage, fn func(b *CommandBuffer)) {
	t.Helper()
	if err := b.Begin(usage, nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	fn(b)
	if err := b.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func allocate(t *testing.T, p *Pool, level Level, n int) []*CommandBuffer {
	t.Helper()
	bufs, err := p.Allocate(level, n)
	if err != nil {
		t.Fatal(err)
	}
	return bufs
}

func (f *fixture) execute(t *testing.T, b *CommandBuffer) ([]soft.Entry, error) {
	t.Helper()
	trace := f.dev.Trace()
	f.ctx.Lock()
	defer f.ctx.Unlock()
	start := trace.Len()
	err := b.Execute(f.ctx)
	return trace.Since(start), err
}

func types(cmds []Command) []CommandType {
	out := make([]CommandType, len(cmds))
	for i, c := range cmds {
		out[i] = c.Type()
	}
	return out
}

func TestCommandTypeString(t *testing.T) {
	tests := []struct {
		typ  CommandType
		want string
	}{
		{CmdBindPipeline, "BindPipeline"},
		{CmdDrawIndexedIndirect, "DrawIndexedIndirect"},
		{CmdEndRenderPass, "EndRenderPass"},
		{CommandType(200), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("CommandType(%d).String() = %q, want %q", tt.typ, got, tt.want)
		}
	}
	if len(commandTypeNames) != int(CmdEndRenderPass)+1 {
		t.Errorf("%d names for %d command types", len(commandTypeNames), CmdEndRenderPass+1)
	}
	for typ, name := range commandTypeNames {
		if name == "" {
			t.Errorf("CommandType(%d) has no name", typ)
		}
	}
}

func TestRecordingErrors(t *testing.T) {
	f := newFixture(t)
	vb := f.buffer(t, 64, gputypes.BufferUsageVertex)
	tests := []struct {
		name string
		fn   func(b *CommandBuffer)
	}{
		{"offsets mismatch", func(b *CommandBuffer) {
			b.BindVertexBuffers(0, []*memory.Buffer{vb}, nil)
		}},
		{"slot overflow", func(b *CommandBuffer) {
			b.BindVertexBuffers(native.MaxVertexBuffers, []*memory.Buffer{vb}, []uint64{0})
		}},
		{"offset overflow", func(b *CommandBuffer) {
			b.BindIndexBuffer(vb, 1<<40, gputypes.IndexFormatUint16)
		}},
		{"unaligned update", func(b *CommandBuffer) {
			b.UpdateBuffer(vb, 2, []byte{1, 2, 3, 4})
		}},
		{"push overflow", func(b *CommandBuffer) {
			b.PushConstants(nil, gputypes.ShaderStageVertex, 250, make([]byte, 8))
		}},
		{"subpass without pass", func(b *CommandBuffer) {
			b.NextSubpass(nil)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := allocate(t, f.pool(0, ContinueOnFailure), LevelPrimary, 1)[0]
			if err := b.Begin(0, nil); err != nil {
				t.Fatal(err)
			}
			tt.fn(b)
			if err := b.End(); !errors.Is(err, ErrInvalidUsage) {
				t.Errorf("End = %v, want ErrInvalidUsage", err)
			}
			if b.Status() != StatusInvalid {
				t.Errorf("Status = %v, want Invalid", b.Status())
			}
		})
	}
}

func TestRecordWhileNotRecording(t *testing.T) {
	f := newFixture(t)
	b := allocate(t, f.pool(PoolResetIndividual, ContinueOnFailure), LevelPrimary, 1)[0]
	b.Draw(3, 1, 0, 0)
	if b.Len() != 0 {
		t.Errorf("Len = %d after recording outside Begin", b.Len())
	}
	if err := b.End(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("End = %v, want ErrNotRecording", err)
	}
}

func TestReplayIsRepeatable(t *testing.T) {
	f := newFixture(t)
	p := f.graphics(t, 8, 0)
	vb := f.buffer(t, 64, gputypes.BufferUsageVertex)
	b := allocate(t, f.pool(0, ContinueOnFailure), LevelPrimary, 1)[0]
	record(t, b, 0, func(b *CommandBuffer) {
		b.BindPipeline(p)
		b.BindVertexBuffers(0, []*memory.Buffer{vb}, []uint64{0})
		b.Draw(3, 1, 0, 0)
	})

	first, err := f.execute(t, b)
	if err != nil {
		t.Fatal(err)
	}
	f.ctx.Lock()
	f.ctx.ResetLocked()
	f.ctx.Unlock()
	second, err := f.execute(t, b)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(first, second) {
		t.Errorf("replays differ:\n%v\n%v", first, second)
	}
	if f.ctx.Failures() != 0 {
		t.Errorf("failures = %d: %v", f.ctx.Failures(), f.obs.Reports())
	}
	calls := f.dev.Context().Calls()
	if len(calls) != 2 || calls[1].State.VertexBuffers[0].Stride != 8 {
		t.Errorf("calls = %+v, want two draws with stride 8", calls)
	}
}

func TestBindPipelineRebindsStrides(t *testing.T) {
	f := newFixture(t)
	narrow := f.graphics(t, 8, 0)
	wide := f.graphics(t, 16, 0)
	vb := f.buffer(t, 64, gputypes.BufferUsageVertex)
	b := allocate(t, f.pool(0, ContinueOnFailure), LevelPrimary, 1)[0]
	record(t, b, 0, func(b *CommandBuffer) {
		b.BindVertexBuffers(0, []*memory.Buffer{vb}, []uint64{4})
		b.BindPipeline(narrow)
		b.BindPipeline(narrow)
		b.BindPipeline(wide)
	})

	want := []CommandType{CmdBindVertexBuffers, CmdBindPipeline, CmdBindVertexBuffers, CmdBindPipeline, CmdBindPipeline, CmdBindVertexBuffers}
	if got := types(b.Commands()); !slices.Equal(got, want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i, stride := range map[int]uint32{0: 0, 2: 8, 5: 16} {
		c := b.Commands()[i].(BindVertexBuffersCommand)
		if c.Strides[0] != stride || c.Offsets[0] != 4 {
			t.Errorf("command %d: stride %d offset %d, want %d and 4", i, c.Strides[0], c.Offsets[0], stride)
		}
	}
}

func TestDynamicStateBaking(t *testing.T) {
	f := newFixture(t)
	dynamic := f.graphics(t, 8, pipeline.DynamicBlendConstants|pipeline.DynamicViewport)
	static := f.graphics(t, 8, 0)
	red := f32.Vec4{1, 0, 0, 1}
	blue := f32.Vec4{0, 0, 1, 1}

	b := allocate(t, f.pool(0, ContinueOnFailure), LevelPrimary, 1)[0]
	record(t, b, 0, func(b *CommandBuffer) {
		b.SetBlendConstants(red)
		b.BindPipeline(dynamic)
		b.SetBlendConstants(blue)
		b.BindPipeline(static)
		b.SetBlendConstants(red)
		b.SetViewport(0, []native.Viewport{{Width: 4, Height: 4}})
	})

	want := []CommandType{CmdBindPipeline, CmdSetBlendConstants, CmdBindPipeline}
	if got := types(b.Commands()); !slices.Equal(got, want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	if got := b.Commands()[0].(BindPipelineCommand).State.BlendConstants; got != red {
		t.Errorf("baked blend constants = %v, want %v", got, red)
	}
	if got := b.Commands()[1].(SetBlendConstantsCommand).Constants; got != blue {
		t.Errorf("dynamic blend constants = %v, want %v", got, blue)
	}

	if _, err := f.execute(t, b); err != nil {
		t.Fatal(err)
	}
	if got := f.dev.Context().State().BlendFactor; got != (f32.Vec4{0.5, 0.5, 0.5, 1}) {
		t.Errorf("blend factor after static bind = %v, want pipeline constants", got)
	}
}

func TestViewportCarriesIntoDynamicPipeline(t *testing.T) {
	f := newFixture(t)
	static := f.graphics(t, 8, 0)
	dynamic := f.graphics(t, 8, pipeline.DynamicViewport|pipeline.DynamicScissor)
	vp := []native.Viewport{{Width: 3, Height: 3, MaxDepth: 1}}
	sc := []native.Rect{{Right: 3, Bottom: 3}}

	b := allocate(t, f.pool(0, ContinueOnFailure), LevelPrimary, 1)[0]
	record(t, b, 0, func(b *CommandBuffer) {
		b.BindPipeline(static)
		b.SetViewport(0, vp)
		b.SetScissor(0, sc)
		b.BindPipeline(dynamic)
	})

	bind := b.Commands()[len(b.Commands())-1].(BindPipelineCommand)
	if !slices.Equal(bind.State.Viewports, vp) {
		t.Errorf("baked viewports = %v, want %v", bind.State.Viewports, vp)
	}
	if !slices.Equal(bind.State.Scissors, sc) {
		t.Errorf("baked scissors = %v, want %v", bind.State.Scissors, sc)
	}

	if _, err := f.execute(t, b); err != nil {
		t.Fatal(err)
	}
	st := f.dev.Context().State()
	if !slices.Equal(st.Viewports, vp) {
		t.Errorf("bound viewports = %v, want %v", st.Viewports, vp)
	}
	if !slices.Equal(st.Scissors, sc) {
		t.Errorf("bound scissors = %v, want %v", st.Scissors, sc)
	}
}

func TestPushConstantsSnapshot(t *testing.T) {
	f := newFixture(t)
	p := f.graphics(t, 8, 0)
	b := allocate(t, f.pool(0, ContinueOnFailure), LevelPrimary, 1)[0]
	record(t, b, 0, func(b *CommandBuffer) {
		b.PushConstants(nil, gputypes.ShaderStageVertex, 0, []byte{1, 2, 3, 4})
		b.BindPipeline(p)
		b.PushConstants(nil, gputypes.ShaderStageVertex, 4, []byte{5, 6, 7, 8})
		b.PushConstants(nil, gputypes.ShaderStageFragment, 8, []byte{9})
	})
	want := []CommandType{CmdBindPipeline, CmdPushConstants}
	if got := types(b.Commands()); !slices.Equal(got, want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	bind := b.Commands()[0].(BindPipelineCommand)
	if got := bind.State.PushConstants[:8]; !slices.Equal(got, []byte{1, 2, 3, 4, 0, 0, 0, 0}) {
		t.Errorf("baked push constants = %v", got)
	}
	push := b.Commands()[1].(PushConstantsCommand)
	if got := push.Data[:8]; !slices.Equal(got, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("pushed data = %v", got)
	}
}

func TestUnwindKeepsGroupsOfNextBuffer(t *testing.T) {
	f := newFixture(t)
	p := f.graphics(t, 8, 0)
	vb := f.buffer(t, 64, gputypes.BufferUsageVertex)
	ib := f.buffer(t, 64, gputypes.BufferUsageIndex)
	pool := f.pool(0, ContinueOnFailure)
	bufs := allocate(t, pool, LevelPrimary, 2)
	record(t, bufs[0], 0, func(b *CommandBuffer) {
		b.BindPipeline(p)
		b.BindVertexBuffers(0, []*memory.Buffer{vb}, []uint64{0})
		b.BindIndexBuffer(ib, 0, gputypes.IndexFormatUint16)
	})
	record(t, bufs[1], 0, func(b *CommandBuffer) {
		b.BindPipeline(p)
	})
	if got, want := bufs[0].Mask(), GroupGraphicsPipeline|GroupVertexBuffers|GroupIndexBuffer; got != want {
		t.Errorf("Mask = %v, want %v", got, want)
	}
	if _, err := f.execute(t, bufs[0]); err != nil {
		t.Fatal(err)
	}

	f.ctx.Lock()
	bufs[0].Unwind(f.ctx, bufs[1])
	f.ctx.Unlock()
	st := f.dev.Context().State()
	if st.VertexBuffers[0].Buffer != nil || st.IndexBuffer != nil {
		t.Errorf("vertex %v index %v after unwind, want both cleared", st.VertexBuffers[0].Buffer, st.IndexBuffer)
	}
	if st.Shaders[native.StageVertex] == nil {
		t.Error("pipeline unbound although the next buffer binds one")
	}

	f.ctx.Lock()
	bufs[1].Unwind(f.ctx, nil)
	f.ctx.Unlock()
	if f.dev.Context().State().Shaders[native.StageVertex] != nil {
		t.Error("pipeline still bound after the last buffer")
	}
}

func TestFailurePolicy(t *testing.T) {
	tests := []struct {
		policy    FailurePolicy
		wantErr   error
		wantDraws int
	}{
		{ContinueOnFailure, nil, 1},
		{AbortCommandBuffer, ErrAborted, 0},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			f := newFixture(t)
			p := f.graphics(t, 8, 0)
			vb := f.buffer(t, 64, gputypes.BufferUsageVertex)
			unbound, err := f.binder.NewBuffer(memory.BufferInfo{Size: 16, Usage: gputypes.BufferUsageCopySrc})
			if err != nil {
				t.Fatal(err)
			}
			b := allocate(t, f.pool(0, tt.policy), LevelPrimary, 1)[0]
			record(t, b, 0, func(b *CommandBuffer) {
				b.BindPipeline(p)
				b.BindVertexBuffers(0, []*memory.Buffer{vb}, []uint64{0})
				b.CopyBuffer(unbound, vb, []BufferCopy{{Size: 16}})
				b.Draw(3, 1, 0, 0)
			})
			_, err = f.execute(t, b)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Execute = %v, want %v", err, tt.wantErr)
			}
			if f.ctx.Failures() != 1 {
				t.Errorf("failures = %d, want 1", f.ctx.Failures())
			}
			if got := len(f.dev.Context().Calls()); got != tt.wantDraws {
				t.Errorf("draws = %d, want %d", got, tt.wantDraws)
			}
			if f.obs.Count(diag.SeverityWarning) == 0 {
				t.Error("failure not reported")
			}
		})
	}
}

func TestOneTimeSubmit(t *testing.T) {
	f := newFixture(t)
	b := allocate(t, f.pool(PoolResetIndividual, ContinueOnFailure), LevelPrimary, 1)[0]
	record(t, b, OneTimeSubmit, func(b *CommandBuffer) { b.PipelineBarrier() })
	if _, err := f.execute(t, b); err != nil {
		t.Fatal(err)
	}
	b.Submitted()
	if b.Status() != StatusInvalid {
		t.Fatalf("Status = %v, want Invalid", b.Status())
	}
	if _, err := f.execute(t, b); !errors.Is(err, ErrNotExecutable) {
		t.Errorf("second Execute = %v, want ErrNotExecutable", err)
	}
	record(t, b, 0, func(b *CommandBuffer) { b.PipelineBarrier() })
	b.Submitted()
	if b.Status() != StatusExecutable {
		t.Errorf("Status after reusable submit = %v", b.Status())
	}
}

func TestPoolLifecycle(t *testing.T) {
	f := newFixture(t)
	pool := f.pool(0, ContinueOnFailure)
	bufs := allocate(t, pool, LevelPrimary, 3)
	for _, b := range bufs {
		record(t, b, 0, func(b *CommandBuffer) { b.Dispatch(1, 1, 1) })
	}
	if err := bufs[0].Reset(); !errors.Is(err, ErrResetNotAllowed) {
		t.Errorf("Reset = %v, want ErrResetNotAllowed", err)
	}
	if err := bufs[0].Begin(0, nil); !errors.Is(err, ErrResetNotAllowed) {
		t.Errorf("implicit reset = %v, want ErrResetNotAllowed", err)
	}

	pool.Reset()
	for i, b := range bufs {
		if b.Status() != StatusInitial || b.Len() != 0 {
			t.Errorf("buffer %d after pool reset: %v with %d commands", i, b.Status(), b.Len())
		}
	}

	pool.Free(bufs[0])
	if pool.Live() != 2 {
		t.Errorf("Live = %d, want 2", pool.Live())
	}
	if err := bufs[0].Begin(0, nil); !errors.Is(err, ErrFreed) {
		t.Errorf("Begin on freed = %v, want ErrFreed", err)
	}

	pool.Destroy()
	if _, err := pool.Allocate(LevelPrimary, 1); !errors.Is(err, ErrPoolDestroyed) {
		t.Errorf("Allocate = %v, want ErrPoolDestroyed", err)
	}
	if bufs[1].Status() != StatusInvalid {
		t.Errorf("Status after destroy = %v", bufs[1].Status())
	}
}

func TestSecondaryExecution(t *testing.T) {
	f := newFixture(t)
	p := f.graphics(t, 8, 0)
	vb := f.buffer(t, 64, gputypes.BufferUsageVertex)
	pool := f.pool(PoolResetIndividual, ContinueOnFailure)
	sec := allocate(t, pool, LevelSecondary, 1)[0]
	prim := allocate(t, pool, LevelPrimary, 1)[0]
	record(t, sec, 0, func(b *CommandBuffer) {
		b.BindVertexBuffers(0, []*memory.Buffer{vb}, []uint64{0})
		b.Draw(6, 2, 0, 0)
	})
	record(t, prim, 0, func(b *CommandBuffer) {
		b.BindPipeline(p)
		b.ExecuteSecondary(sec)
	})
	if err := sec.Reset(); err != nil {
		t.Fatal(err)
	}
	if !prim.Mask().Has(GroupVertexBuffers) {
		t.Errorf("primary mask %v lacks the secondary's vertex buffers", prim.Mask())
	}
	if _, err := f.execute(t, sec); !errors.Is(err, ErrNotExecutable) {
		t.Errorf("executing a reset secondary = %v", err)
	}
	if _, err := f.execute(t, prim); err != nil {
		t.Fatal(err)
	}
	calls := f.dev.Context().Calls()
	if len(calls) != 1 || calls[0].Vertices != 6 || calls[0].Instances != 2 {
		t.Errorf("calls = %+v, want one 6x2 draw", calls)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	f := newFixture(t)
	dst := f.buffer(t, 16, gputypes.BufferUsageCopyDst)
	b := allocate(t, f.pool(PoolResetIndividual, ContinueOnFailure), LevelPrimary, 1)[0]
	data := []byte{1, 2, 3, 4}
	record(t, b, OneTimeSubmit, func(b *CommandBuffer) { b.UpdateBuffer(dst, 0, data) })
	data[0] = 9

	c := b.Clone()
	if err := b.Reset(); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 || c.Pool() != nil || c.Usage().Has(OneTimeSubmit) {
		t.Fatalf("clone = %v, usage %v", c, c.Usage())
	}
	if got := c.Commands()[0].(UpdateBufferCommand).Data; !slices.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("cloned data = %v", got)
	}
}

func TestFillAndUpdateBuffer(t *testing.T) {
	f := newFixture(t)
	dst := f.buffer(t, 22, gputypes.BufferUsageCopyDst|gputypes.BufferUsageCopySrc)
	b := allocate(t, f.pool(0, ContinueOnFailure), LevelPrimary, 1)[0]
	record(t, b, 0, func(b *CommandBuffer) {
		b.FillBuffer(dst, 4, WholeSize, 0x01020304)
		b.UpdateBuffer(dst, 8, []byte{0xAA, 0xBB, 0xCC, 0xDD})
	})
	if got := b.Commands()[0].(FillBufferCommand).Size; got != 16 {
		t.Errorf("whole-size fill = %d bytes, want 16", got)
	}
	if _, err := f.execute(t, b); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 22)
	if err := f.ctx.ReadBuffer(dst.Native(), 0, got); err != nil {
		t.Fatal(err)
	}
	if v := binary.LittleEndian.Uint32(got[4:]); v != 0x01020304 {
		t.Errorf("filled word = %#x", v)
	}
	if !slices.Equal(got[8:12], []byte{0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Errorf("updated bytes = %v", got[8:12])
	}
	if v := binary.LittleEndian.Uint32(got[16:]); v != 0x01020304 {
		t.Errorf("last filled word = %#x", v)
	}
	if got[20] == 0x04 {
		t.Error("fill wrote past the rounded size")
	}
}

func TestCopyBufferImageRoundTrip(t *testing.T) {
	f := newFixture(t)
	usage := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	src := f.buffer(t, 256, usage)
	dst := f.buffer(t, 256, usage)
	img := f.image(t, 4, 4, gputypes.TextureUsageCopySrc|gputypes.TextureUsageCopyDst)

	pattern := make([]byte, 4*4*4)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	if err := f.ctx.WriteBuffer(src.Native(), 0, pattern); err != nil {
		t.Fatal(err)
	}
	region := BufferImageCopy{
		Image:  ImageSubresource{LayerCount: 1},
		Offset: gputypes.Origin3D{X: 1, Y: 1},
		Extent: gputypes.Extent3D{Width: 2, Height: 2, DepthOrArrayLayers: 1},
	}
	b := allocate(t, f.pool(0, ContinueOnFailure), LevelPrimary, 1)[0]
	record(t, b, 0, func(b *CommandBuffer) {
		b.CopyBufferToImage(src, img, []BufferImageCopy{region})
		b.CopyImageToBuffer(img, dst, []BufferImageCopy{region})
	})
	if _, err := f.execute(t, b); err != nil {
		t.Fatal(err)
	}
	if f.ctx.Failures() != 0 {
		t.Fatalf("failures: %v", f.obs.Reports())
	}
	got := make([]byte, 16)
	if err := f.ctx.ReadBuffer(dst.Native(), 0, got); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, pattern[:16]) {
		t.Errorf("round trip = %v, want %v", got, pattern[:16])
	}

	texels := make([]byte, 4*4*4)
	if err := f.ctx.ReadTexture(img.Native(), 0, texels, 16, 64); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(texels[16+4:16+12], pattern[:8]) {
		t.Errorf("row 1 = %v, want %v at x=1", texels[16:32], pattern[:8])
	}
}

func TestClearColorImage(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		usage gputypes.TextureUsage
	}{
		{"render target", gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc},
		{"copy only", gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := f.image(t, 2, 2, tt.usage)
			b := allocate(t, f.pool(0, ContinueOnFailure), LevelPrimary, 1)[0]
			record(t, b, 0, func(b *CommandBuffer) {
				b.ClearColor(img, f32.Vec4{0, 1, 0, 1}, []SubresourceRange{{}})
			})
			if _, err := f.execute(t, b); err != nil {
				t.Fatal(err)
			}
			px := make([]byte, 2*2*4)
			if err := f.ctx.ReadTexture(img.Native(), 0, px, 8, 16); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < len(px); i += 4 {
				if !slices.Equal(px[i:i+4], []byte{0, 0xff, 0, 0xff}) {
					t.Fatalf("texel %d = %v, want green", i/4, px[i:i+4])
				}
			}
		})
	}
}

func TestClearDepthStencilLayers(t *testing.T) {
	f := newFixture(t)
	img, err := f.binder.NewImage(memory.ImageInfo{
		Format:      gputypes.TextureFormatDepth24PlusStencil8,
		Extent:      gputypes.Extent3D{Width: 2, Height: 2},
		ArrayLayers: 2,
		Usage:       gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(img.Destroy)
	if err := f.binder.BindImage(img, f.mem, 0); err != nil {
		t.Fatal(err)
	}

	b := allocate(t, f.pool(0, ContinueOnFailure), LevelPrimary, 1)[0]
	record(t, b, 0, func(b *CommandBuffer) {
		b.ClearDepthStencil(img, native.ClearDepth|native.ClearStencil, 1, 3, []SubresourceRange{{}})
	})
	if _, err := f.execute(t, b); err != nil {
		t.Fatal(err)
	}
	for layer := range uint32(2) {
		px := make([]byte, 2*2*4)
		if err := f.ctx.ReadTexture(img.Native(), native.Subresource(0, layer, 1), px, 8, 16); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < len(px); i += 4 {
			if !slices.Equal(px[i:i+4], []byte{0xff, 0xff, 0xff, 3}) {
				t.Fatalf("layer %d texel %d = %v", layer, i/4, px[i:i+4])
			}
		}
	}
}

func TestFillDepthStencilUnsupported(t *testing.T) {
	c := ClearDepthStencilCommand{Flags: native.ClearDepth, Depth: 1}
	tests := []struct {
		name   string
		format gputypes.TextureFormat
		size   int
	}{
		{"colour format", rgba, 4},
		{"unknown texel size", gputypes.TextureFormatDepth32Float, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, 16)
			err := fillDepthStencil(tt.format, tt.size, data, c)
			if native.CodeOf(err) != native.CodeUnsupported {
				t.Fatalf("err = %v, want Unsupported", err)
			}
			if !slices.Equal(data, make([]byte, 16)) {
				t.Errorf("data modified: %v", data)
			}
		})
	}
}

func TestRenderPassReplay(t *testing.T) {
	f := newFixture(t)
	rp, err := pass.New(
		[]pass.Attachment{
			{Format: rgba, Samples: 1, Load: gputypes.LoadOpClear, Store: gputypes.StoreOpStore},
			{Format: rgba, Samples: 1, Load: gputypes.LoadOpLoad, Store: gputypes.StoreOpStore},
		},
		[]pass.Subpass{
			{Colors: []uint32{0}, DepthStencil: pass.Unused},
			{Colors: []uint32{1}, DepthStencil: pass.Unused, Inputs: []uint32{0}},
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	usage := gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc
	views := []*memory.ImageView{f.view(t, f.image(t, 4, 4, usage)), f.view(t, f.image(t, 4, 4, usage))}
	fb, err := pass.NewFramebuffer(rp, views, 4, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	clears := []pass.ClearValue{{Color: f32.Vec4{1, 0, 0, 1}}, {}}

	b := allocate(t, f.pool(PoolResetIndividual, ContinueOnFailure), LevelPrimary, 1)[0]
	if err := b.Begin(0, nil); err != nil {
		t.Fatal(err)
	}
	b.BeginRenderPass(rp, fb, clears)
	if err := b.End(); !errors.Is(err, ErrInvalidUsage) {
		t.Fatalf("End inside a pass = %v, want ErrInvalidUsage", err)
	}

	record(t, b, 0, func(b *CommandBuffer) {
		b.BeginRenderPass(rp, fb, clears)
		b.NextSubpass(clears)
		b.ClearAttachments([]AttachmentClear{{Color: 0, Value: pass.ClearValue{Color: f32.Vec4{0, 0, 1, 1}}}}, nil)
		b.EndRenderPass()
	})
	clear := b.Commands()[2].(ClearAttachmentsCommand)
	if len(clear.Attachments) != 1 || clear.Attachments[0].View != views[1] {
		t.Fatalf("ClearAttachments resolved to %+v, want the subpass 1 colour view", clear.Attachments)
	}
	if _, err := f.execute(t, b); err != nil {
		t.Fatal(err)
	}
	if f.ctx.Failures() != 0 {
		t.Fatalf("failures: %v", f.obs.Reports())
	}
	if st := f.dev.Context().State(); len(st.RenderTargets) != 0 {
		t.Errorf("render targets after the pass = %v", st.RenderTargets)
	}
	for i, want := range [][]byte{{0xff, 0, 0, 0xff}, {0, 0, 0xff, 0xff}} {
		px := make([]byte, 4*4*4)
		if err := f.ctx.ReadTexture(views[i].Image().Native(), 0, px, 16, 64); err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(px[:4], want) {
			t.Errorf("attachment %d texel = %v, want %v", i, px[:4], want)
		}
	}
}

func TestSecondaryInheritsRenderPass(t *testing.T) {
	f := newFixture(t)
	rp, err := pass.New([]pass.Attachment{{Format: rgba, Samples: 1}}, []pass.Subpass{{Colors: []uint32{0}, DepthStencil: pass.Unused}})
	if err != nil {
		t.Fatal(err)
	}
	view := f.view(t, f.image(t, 2, 2, gputypes.TextureUsageRenderAttachment))
	fb, err := pass.NewFramebuffer(rp, []*memory.ImageView{view}, 2, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	sec := allocate(t, f.pool(0, ContinueOnFailure), LevelSecondary, 1)[0]
	if err := sec.Begin(RenderPassContinue, &Inheritance{Pass: rp, Framebuffer: fb}); err != nil {
		t.Fatal(err)
	}
	sec.ClearAttachments([]AttachmentClear{{Value: pass.ClearValue{Color: f32.Vec4{1, 1, 1, 1}}}}, nil)
	if err := sec.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if got := sec.Commands()[0].(ClearAttachmentsCommand).Attachments[0].View; got != view {
		t.Errorf("inherited clear view = %v, want the framebuffer view", got)
	}
}
