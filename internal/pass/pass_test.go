package pass

import (
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/internal/memory"
	"github.com/gogpu/explicit/native/soft"
)

const (
	rgba = gputypes.TextureFormatRGBA8Unorm
	d24  = gputypes.TextureFormatDepth24PlusStencil8
)

func TestNewErrors(t *testing.T) {
	color := Attachment{Format: rgba, Samples: 1}
	depth := Attachment{Format: d24, Samples: 1}
	tests := []struct {
		name        string
		attachments []Attachment
		subpasses   []Subpass
		want        error
	}{
		{"no subpasses", []Attachment{color}, nil, ErrNoSubpass},
		{"out of range", []Attachment{color}, []Subpass{{Colors: []uint32{1}, DepthStencil: Unused}}, ErrAttachment},
		{"depth as colour", []Attachment{depth}, []Subpass{{Colors: []uint32{0}, DepthStencil: Unused}}, ErrAttachment},
		{"colour as depth", []Attachment{color}, []Subpass{{DepthStencil: 0}}, ErrAttachment},
		{"resolve count", []Attachment{color, color}, []Subpass{{Colors: []uint32{0}, Resolves: []uint32{1, 1}, DepthStencil: Unused}}, ErrAttachment},
		{"input out of range", []Attachment{color}, []Subpass{{Inputs: []uint32{4}, DepthStencil: Unused}}, ErrAttachment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.attachments, tt.subpasses); !errors.Is(err, tt.want) {
				t.Errorf("New = %v, want %v", err, tt.want)
			}
		})
	}
}

func testPass(t *testing.T) *RenderPass {
	t.Helper()
	rp, err := New(
		[]Attachment{
			{Format: rgba, Samples: 4, Load: gputypes.LoadOpClear, Store: gputypes.StoreOpDiscard},
			{Format: rgba, Samples: 1, Load: gputypes.LoadOpLoad, Store: gputypes.StoreOpStore},
			{Format: d24, Samples: 1, Load: gputypes.LoadOpClear, StencilLoad: gputypes.LoadOpLoad},
			{Format: rgba, Samples: 1, Load: gputypes.LoadOpClear},
		},
		[]Subpass{
			{Colors: []uint32{0}, Resolves: []uint32{1}, DepthStencil: Unused},
			{Colors: []uint32{1}, DepthStencil: 2, Inputs: []uint32{0}},
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	return rp
}

func TestFirstUse(t *testing.T) {
	rp := testPass(t)
	want := []int{0, 0, 1, -1}
	for a, w := range want {
		if got := rp.FirstUse(uint32(a)); got != w {
			t.Errorf("FirstUse(%d) = %d, want %d", a, got, w)
		}
	}
	if rp.Subpasses() != 2 {
		t.Errorf("Subpasses() = %d, want 2", rp.Subpasses())
	}
}

func TestCompatible(t *testing.T) {
	a := testPass(t)
	b := testPass(t)
	if !a.Compatible(b) {
		t.Error("identical passes are incompatible")
	}
	c, _ := New([]Attachment{{Format: rgba}}, []Subpass{{Colors: []uint32{0}, DepthStencil: Unused}})
	if a.Compatible(c) {
		t.Error("different attachment counts are compatible")
	}
}

type target struct {
	img  *memory.Image
	view *memory.ImageView
}

type fixture struct {
	dev     *soft.Device
	ctx     *exec.Context
	binder  *memory.Binder
	mem     *memory.Memory
	offset  uint64
	targets []target
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := soft.New(soft.Options{})
	ctx := exec.New(dev, nil)
	f := &fixture{dev: dev, ctx: ctx, binder: memory.NewBinder(dev, ctx, nil)}
	var err error
	if f.mem, err = f.binder.Allocate(1<<16, memory.TypeDeviceLocal); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		for _, tg := range f.targets {
			tg.view.Destroy()
			tg.img.Destroy()
		}
		f.mem.Free()
		ctx.Close()
		_ = dev.Close()
	})
	return f
}

func (f *fixture) target(t *testing.T, format gputypes.TextureFormat, samples uint32) *memory.ImageView {
	t.Helper()
	img, err := f.binder.NewImage(memory.ImageInfo{
		Dimension: gputypes.TextureDimension2D,
		Format:    format,
		Extent:    gputypes.Extent3D{Width: 8, Height: 8, DepthOrArrayLayers: 1},
		Samples:   samples,
		Usage:     gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		t.Fatal(err)
	}
	req := img.Requirements()
	if err := f.binder.BindImage(img, f.mem, f.offset); err != nil {
		t.Fatal(err)
	}
	f.offset += req.Size
	view, err := f.binder.NewImageView(img, memory.ViewInfo{})
	if err != nil {
		t.Fatal(err)
	}
	f.targets = append(f.targets, target{img: img, view: view})
	return view
}

func TestNewFramebuffer(t *testing.T) {
	f := newFixture(t)
	rp := testPass(t)
	ms := f.target(t, rgba, 4)
	single := f.target(t, rgba, 1)
	depth := f.target(t, d24, 1)
	extra := f.target(t, rgba, 1)

	if _, err := NewFramebuffer(rp, []*memory.ImageView{ms, single, depth, extra}, 8, 8, 1); err != nil {
		t.Fatalf("NewFramebuffer: %v", err)
	}
	tests := []struct {
		name  string
		views []*memory.ImageView
	}{
		{"too few", []*memory.ImageView{ms, single, depth}},
		{"sample mismatch", []*memory.ImageView{single, single, depth, extra}},
		{"format mismatch", []*memory.ImageView{ms, depth, depth, extra}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewFramebuffer(rp, tt.views, 8, 8, 1); !errors.Is(err, ErrFramebuffer) {
				t.Errorf("NewFramebuffer = %v, want ErrFramebuffer", err)
			}
		})
	}
}

func TestSubpassReplay(t *testing.T) {
	f := newFixture(t)
	rp := testPass(t)
	views := []*memory.ImageView{f.target(t, rgba, 4), f.target(t, rgba, 1), f.target(t, d24, 1), f.target(t, rgba, 1)}
	fb, err := NewFramebuffer(rp, views, 8, 8, 1)
	if err != nil {
		t.Fatal(err)
	}
	clears := []ClearValue{{Color: f32.Vec4{1, 0, 0, 1}}, {}, {Depth: 1}, {}}
	trace := f.dev.Trace()

	f.ctx.Lock()
	start := trace.Len()
	if err := fb.BeginSubpass(f.ctx, rp, 0, clears); err != nil {
		t.Fatalf("BeginSubpass(0): %v", err)
	}
	if err := fb.EndSubpass(f.ctx, rp, 0); err != nil {
		t.Fatalf("EndSubpass(0): %v", err)
	}
	first := trace.Ops(start)
	start = trace.Len()
	if err := fb.BeginSubpass(f.ctx, rp, 1, clears); err != nil {
		t.Fatalf("BeginSubpass(1): %v", err)
	}
	if err := fb.EndSubpass(f.ctx, rp, 1); err != nil {
		t.Fatalf("EndSubpass(1): %v", err)
	}
	fb.End(f.ctx)
	second := trace.Since(start)
	f.ctx.Unlock()

	if want := []string{"OMSetRenderTargets", "ClearRenderTargetView", "ResolveSubresource"}; !slices.Equal(first, want) {
		t.Errorf("subpass 0 ops = %v, want %v", first, want)
	}
	var ops []string
	for _, e := range second {
		ops = append(ops, e.Op)
	}
	if want := []string{"OMSetRenderTargets", "ClearDepthStencilView", "OMSetRenderTargets"}; !slices.Equal(ops, want) {
		t.Errorf("subpass 1 ops = %v, want %v", ops, want)
	}
	if st := f.dev.Context().State(); len(st.RenderTargets) != 0 || st.DepthStencilView != nil {
		t.Errorf("targets after End = %v, %v", st.RenderTargets, st.DepthStencilView)
	}

	px := make([]byte, 8*8*4)
	if err := f.ctx.ReadTexture(views[1].Image().Native(), 0, px, 8*4, 8*8*4); err != nil {
		t.Fatal(err)
	}
	if got := px[:4]; !slices.Equal(got, []byte{0xff, 0, 0, 0xff}) {
		t.Errorf("resolved pixel = %v, want red", got)
	}
}
