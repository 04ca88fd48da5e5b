package pipeline

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/internal/memory"
	"github.com/gogpu/explicit/native"
	"github.com/gogpu/explicit/native/soft"
)

type setFixture struct {
	dev     *soft.Device
	ctx     *exec.Context
	uniform *memory.Buffer
	storage *memory.Buffer
	set     *SetLayout
	layout  *Layout
}

func newSetFixture(t *testing.T) *setFixture {
	t.Helper()
	dev := soft.New(soft.Options{})
	ctx := exec.New(dev, nil)
	binder := memory.NewBinder(dev, ctx, nil)
	f := &setFixture{dev: dev, ctx: ctx}

	mem, err := binder.Allocate(4096, memory.TypeDeviceLocal)
	if err != nil {
		t.Fatal(err)
	}
	f.uniform, err = binder.NewBuffer(memory.BufferInfo{Label: "ubo", Size: 512, Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst})
	if err != nil {
		t.Fatal(err)
	}
	f.storage, err = binder.NewBuffer(memory.BufferInfo{Label: "ssbo", Size: 256, Usage: gputypes.BufferUsageStorage})
	if err != nil {
		t.Fatal(err)
	}
	if err := binder.BindBuffer(f.uniform, mem, 0); err != nil {
		t.Fatal(err)
	}
	if err := binder.BindBuffer(f.storage, mem, 1024); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		f.uniform.Destroy()
		f.storage.Destroy()
		mem.Free()
		ctx.Close()
		_ = dev.Close()
	})

	f.set = mustSetLayout(t,
		SetLayoutBinding{Binding: 0, Type: DescriptorUniformBufferDynamic, Count: 1, Stages: vfs},
		SetLayoutBinding{Binding: 2, Type: DescriptorStorageBuffer, Count: 1, Stages: cs},
	)
	f.layout = mustLayout(t, []*SetLayout{f.set})
	return f
}

func (f *setFixture) write(t *testing.T, s *Set) {
	t.Helper()
	if err := s.Write(0, 0, []Descriptor{{Buffer: f.uniform, Range: 64}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(2, 0, []Descriptor{{Buffer: f.storage, Range: memory.WholeSize}}); err != nil {
		t.Fatal(err)
	}
}

var allStages = []native.Stage{native.StageVertex, native.StagePixel, native.StageCompute}

func TestSetApply(t *testing.T) {
	f := newSetFixture(t)
	pool := NewPool(4, map[DescriptorType]uint32{DescriptorUniformBufferDynamic: 4, DescriptorStorageBuffer: 4}, true)
	defer pool.Destroy()
	s, err := pool.Allocate(f.set)
	if err != nil {
		t.Fatal(err)
	}
	f.write(t, s)
	if got := f.set.DynamicCount(); got != 1 {
		t.Fatalf("DynamicCount() = %d, want 1", got)
	}

	f.ctx.Lock()
	err = s.Apply(f.ctx, f.layout, 0, allStages, []uint32{256})
	f.ctx.Unlock()
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	st := f.dev.Context().State()
	want := native.ConstantBufferBinding{Buffer: f.uniform.Native(), FirstConstant: 16, NumConstants: 4}
	for _, stage := range []native.Stage{native.StageVertex, native.StagePixel} {
		if got := st.ConstantBuffers[stage][0]; got != want {
			t.Errorf("%v b0 = %+v, want %+v", stage, got, want)
		}
	}
	if st.ConstantBuffers[native.StageCompute][0].Buffer != nil {
		t.Error("uniform bound to compute stage")
	}
	uav := st.UAVs[native.StageCompute][0]
	if uav == nil {
		t.Fatal("storage buffer not bound at u0")
	}
	if uav.Resource() != f.storage.Native() || uav.Desc().NumElements != 64 {
		t.Errorf("u0 = %v elements %d, want storage buffer with 64 elements", uav.Resource(), uav.Desc().NumElements)
	}

	live := f.dev.LiveObjects()
	f.ctx.Lock()
	err = s.Apply(f.ctx, f.layout, 0, allStages, []uint32{256})
	f.ctx.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if got := f.dev.LiveObjects(); got != live {
		t.Errorf("reapplying created %d views", got-live)
	}

	f.ctx.Lock()
	Unbind(f.ctx, f.layout, 0, allStages)
	f.ctx.Unlock()
	st = f.dev.Context().State()
	if st.ConstantBuffers[native.StageVertex][0].Buffer != nil || st.UAVs[native.StageCompute][0] != nil {
		t.Error("Unbind left bindings behind")
	}
}

func TestSetWriteErrors(t *testing.T) {
	f := newSetFixture(t)
	pool := NewPool(1, map[DescriptorType]uint32{DescriptorUniformBufferDynamic: 1, DescriptorStorageBuffer: 1}, false)
	defer pool.Destroy()
	s, err := pool.Allocate(f.set)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		binding uint32
		first   uint32
		desc    Descriptor
		want    error
	}{
		{"missing binding", 1, 0, Descriptor{Buffer: f.uniform, Range: 16}, ErrNoBinding},
		{"element out of range", 0, 1, Descriptor{Buffer: f.uniform, Range: 16}, ErrNoBinding},
		{"no buffer", 2, 0, Descriptor{Range: memory.WholeSize}, ErrDescriptorType},
		{"range past end", 0, 0, Descriptor{Buffer: f.uniform, Offset: 500, Range: 16}, ErrDescriptorType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Write(tt.binding, tt.first, []Descriptor{tt.desc}); !errors.Is(err, tt.want) {
				t.Errorf("Write = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSetWriteReplacesViews(t *testing.T) {
	f := newSetFixture(t)
	pool := NewPool(1, map[DescriptorType]uint32{DescriptorUniformBufferDynamic: 1, DescriptorStorageBuffer: 1}, true)
	defer pool.Destroy()
	s, _ := pool.Allocate(f.set)
	f.write(t, s)

	apply := func() {
		t.Helper()
		f.ctx.Lock()
		defer f.ctx.Unlock()
		if err := s.Apply(f.ctx, f.layout, 0, allStages, []uint32{0}); err != nil {
			t.Fatal(err)
		}
	}
	apply()
	live := f.dev.LiveObjects()
	if err := s.Write(2, 0, []Descriptor{{Buffer: f.storage, Offset: 128, Range: 64}}); err != nil {
		t.Fatal(err)
	}
	if got := f.dev.LiveObjects(); got != live-1 {
		t.Errorf("rewrite kept %d stale views", got-live+1)
	}
	apply()
	if got := f.dev.Context().State().UAVs[native.StageCompute][0].Desc(); got.FirstElement != 32 || got.NumElements != 16 {
		t.Errorf("u0 elements [%d,+%d), want [32,+16)", got.FirstElement, got.NumElements)
	}

	if err := pool.Free(s); err != nil {
		t.Fatal(err)
	}
	if got := f.dev.LiveObjects(); got != live-1 {
		t.Errorf("freed set kept views: live %d, want %d", got, live-1)
	}
	f.ctx.Lock()
	err := s.Apply(f.ctx, f.layout, 0, allStages, nil)
	f.ctx.Unlock()
	if !errors.Is(err, ErrSetFreed) {
		t.Errorf("Apply on freed set = %v, want ErrSetFreed", err)
	}
}

func TestPoolLimits(t *testing.T) {
	one := mustSetLayout(t, SetLayoutBinding{Binding: 0, Type: DescriptorUniformBuffer, Count: 1, Stages: vs})
	two := mustSetLayout(t, SetLayoutBinding{Binding: 0, Type: DescriptorUniformBuffer, Count: 2, Stages: vs})

	p := NewPool(2, map[DescriptorType]uint32{DescriptorUniformBuffer: 3}, false)
	if _, err := p.Allocate(two); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Allocate(two); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("over type capacity = %v, want ErrPoolExhausted", err)
	}
	s, err := p.Allocate(one)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Allocate(one); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("over set count = %v, want ErrPoolExhausted", err)
	}
	if err := p.Free(s); !errors.Is(err, ErrFreeSet) {
		t.Errorf("Free without individual free = %v, want ErrFreeSet", err)
	}
	p.Reset()
	if p.Live() != 0 {
		t.Errorf("Live() after Reset = %d", p.Live())
	}
	if _, err := p.Allocate(two); err != nil {
		t.Errorf("Allocate after Reset: %v", err)
	}
}
