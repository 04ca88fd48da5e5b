// Package pass models render passes and framebuffers and replays their
// begin, subpass, and end transitions on the immediate context.
//
// A render pass has no native counterpart. Beginning a subpass binds the
// framebuffer views it references as render targets and clears the
// attachments whose first use it is and whose load op is clear. Ending a
// subpass resolves multisampled colour attachments into their resolve
// targets.
package pass

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/internal/memory"
	"github.com/gogpu/explicit/native"
)

// Unused marks an attachment reference that references nothing.
const Unused = ^uint32(0)

var (
	// ErrAttachment is returned for a subpass referencing an attachment
	// the pass does not declare, or of the wrong aspect.
	ErrAttachment = errors.New("pass: invalid attachment reference")

	// ErrNoSubpass is returned for a render pass without subpasses.
	ErrNoSubpass = errors.New("pass: render pass has no subpasses")

	// ErrFramebuffer is returned when framebuffer views do not match the
	// render pass attachments.
	ErrFramebuffer = errors.New("pass: framebuffer does not match render pass")
)

// Attachment describes one render pass attachment.
type Attachment struct {
	Format       gputypes.TextureFormat
	Samples      uint32
	Load         gputypes.LoadOp
	Store        gputypes.StoreOp
	StencilLoad  gputypes.LoadOp
	StencilStore gputypes.StoreOp
}

// Subpass lists the attachments one subpass uses. Resolves, when set, has
// one entry per colour attachment; Unused entries resolve nothing.
type Subpass struct {
	Colors       []uint32
	Resolves     []uint32
	DepthStencil uint32
	Inputs       []uint32
}

// RenderPass is an immutable render pass description.
type RenderPass struct {
	attachments []Attachment
	subpasses   []Subpass
	// firstUse[i] is the subpass index attachment i is first used in, or
	// -1 when no subpass uses it.
	firstUse []int
}

// New validates attachments and subpasses and computes first uses.
// Subpasses without a depth-stencil attachment set DepthStencil to Unused.
func New(attachments []Attachment, subpasses []Subpass) (*RenderPass, error) {
	if len(subpasses) == 0 {
		return nil, ErrNoSubpass
	}
	rp := &RenderPass{
		attachments: append([]Attachment(nil), attachments...),
		subpasses:   make([]Subpass, len(subpasses)),
		firstUse:    make([]int, len(attachments)),
	}
	for i := range rp.firstUse {
		rp.firstUse[i] = -1
	}
	n := uint32(len(attachments)) // #nosec G115 -- attachment count is small
	use := func(sp int, ref uint32, depth bool) error {
		if ref == Unused {
			return nil
		}
		if ref >= n {
			return fmt.Errorf("%w: subpass %d references %d of %d", ErrAttachment, sp, ref, n)
		}
		if depth != rp.attachments[ref].Format.IsDepthStencil() {
			return fmt.Errorf("%w: subpass %d attachment %d has format %v", ErrAttachment, sp, ref, rp.attachments[ref].Format)
		}
		if rp.firstUse[ref] < 0 {
			rp.firstUse[ref] = sp
		}
		return nil
	}
	for i, sp := range subpasses {
		if len(sp.Colors) > native.MaxRenderTargets {
			return nil, fmt.Errorf("%w: subpass %d has %d colour attachments", ErrAttachment, i, len(sp.Colors))
		}
		if len(sp.Resolves) != 0 && len(sp.Resolves) != len(sp.Colors) {
			return nil, fmt.Errorf("%w: subpass %d has %d resolves for %d colours", ErrAttachment, i, len(sp.Resolves), len(sp.Colors))
		}
		for _, ref := range sp.Colors {
			if err := use(i, ref, false); err != nil {
				return nil, err
			}
		}
		for _, ref := range sp.Resolves {
			if err := use(i, ref, false); err != nil {
				return nil, err
			}
		}
		if err := use(i, sp.DepthStencil, true); err != nil {
			return nil, err
		}
		for _, ref := range sp.Inputs {
			if ref != Unused && ref >= n {
				return nil, fmt.Errorf("%w: subpass %d input %d", ErrAttachment, i, ref)
			}
			if ref != Unused && rp.firstUse[ref] < 0 {
				rp.firstUse[ref] = i
			}
		}
		rp.subpasses[i] = Subpass{
			Colors:       append([]uint32(nil), sp.Colors...),
			Resolves:     append([]uint32(nil), sp.Resolves...),
			DepthStencil: sp.DepthStencil,
			Inputs:       append([]uint32(nil), sp.Inputs...),
		}
	}
	return rp, nil
}

// Attachments returns the attachment descriptions.
func (rp *RenderPass) Attachments() []Attachment { return rp.attachments }

// Subpasses returns the number of subpasses.
func (rp *RenderPass) Subpasses() int { return len(rp.subpasses) }

// Subpass returns subpass i.
func (rp *RenderPass) Subpass(i int) Subpass { return rp.subpasses[i] }

// FirstUse returns the subpass attachment a is first used in, or -1.
func (rp *RenderPass) FirstUse(a uint32) int { return rp.firstUse[a] }

// Compatible reports whether framebuffers of o can be used with rp: same
// attachment count with matching formats and sample counts.
func (rp *RenderPass) Compatible(o *RenderPass) bool {
	if rp == o {
		return true
	}
	if len(rp.attachments) != len(o.attachments) {
		return false
	}
	for i, a := range rp.attachments {
		b := o.attachments[i]
		if a.Format != b.Format || max(a.Samples, 1) != max(b.Samples, 1) {
			return false
		}
	}
	return true
}

// ClearValue is the clear colour or depth-stencil value of an attachment.
type ClearValue struct {
	Color   f32.Vec4
	Depth   float32
	Stencil uint8
}

// Framebuffer binds image views to the attachments of a render pass.
type Framebuffer struct {
	pass   *RenderPass
	views  []*memory.ImageView
	Width  uint32
	Height uint32
	Layers uint32
}

// NewFramebuffer checks views against the attachments of rp.
func NewFramebuffer(rp *RenderPass, views []*memory.ImageView, width, height, layers uint32) (*Framebuffer, error) {
	if len(views) != len(rp.attachments) {
		return nil, fmt.Errorf("%w: %d views for %d attachments", ErrFramebuffer, len(views), len(rp.attachments))
	}
	for i, v := range views {
		a := rp.attachments[i]
		info := v.Image().Info()
		if v.Info().Format != a.Format || max(info.Samples, 1) != max(a.Samples, 1) {
			return nil, fmt.Errorf("%w: attachment %d is %v x%d, view is %v x%d",
				ErrFramebuffer, i, a.Format, max(a.Samples, 1), v.Info().Format, max(info.Samples, 1))
		}
		if a.Format.IsDepthStencil() && v.DSV() == nil || !a.Format.IsDepthStencil() && v.RTV() == nil {
			return nil, fmt.Errorf("%w: attachment %d view is not renderable", ErrFramebuffer, i)
		}
	}
	return &Framebuffer{
		pass:   rp,
		views:  append([]*memory.ImageView(nil), views...),
		Width:  width,
		Height: height,
		Layers: max(layers, 1),
	}, nil
}

// Pass returns the render pass the framebuffer was created for.
func (fb *Framebuffer) Pass() *RenderPass { return fb.pass }

// Views returns the attachment views.
func (fb *Framebuffer) Views() []*memory.ImageView { return fb.views }

// Targets returns the native colour and depth-stencil views of subpass sp
// of rp.
func (fb *Framebuffer) Targets(rp *RenderPass, sp int) ([]native.RenderTargetView, native.DepthStencilView) {
	s := rp.subpasses[sp]
	rtvs := make([]native.RenderTargetView, len(s.Colors))
	for i, ref := range s.Colors {
		if ref != Unused {
			rtvs[i] = fb.views[ref].RTV()
		}
	}
	var dsv native.DepthStencilView
	if s.DepthStencil != Unused {
		dsv = fb.views[s.DepthStencil].DSV()
	}
	return rtvs, dsv
}

// BeginSubpass binds the targets of subpass sp and clears the attachments
// first used in it with a clear load op. The caller holds the execution
// context lock.
func (fb *Framebuffer) BeginSubpass(ctx *exec.Context, rp *RenderPass, sp int, clears []ClearValue) error {
	nc := ctx.Native()
	rtvs, dsv := fb.Targets(rp, sp)
	nc.OMSetRenderTargets(rtvs, dsv)

	var errs []error
	for i, a := range rp.attachments {
		if rp.firstUse[i] != sp {
			continue
		}
		var cv ClearValue
		if i < len(clears) {
			cv = clears[i]
		}
		v := fb.views[i]
		if !a.Format.IsDepthStencil() {
			if a.Load == gputypes.LoadOpClear {
				errs = append(errs, nc.ClearRenderTargetView(v.RTV(), cv.Color))
			}
			continue
		}
		var flags native.ClearFlags
		if a.Format.HasDepth() && a.Load == gputypes.LoadOpClear {
			flags |= native.ClearDepth
		}
		if a.Format.HasStencil() && a.StencilLoad == gputypes.LoadOpClear {
			flags |= native.ClearStencil
		}
		if flags != 0 {
			errs = append(errs, nc.ClearDepthStencilView(v.DSV(), flags, cv.Depth, cv.Stencil))
		}
	}
	return errors.Join(errs...)
}

// EndSubpass resolves the multisampled colour attachments of subpass sp.
// The caller holds the execution context lock.
func (fb *Framebuffer) EndSubpass(ctx *exec.Context, rp *RenderPass, sp int) error {
	s := rp.subpasses[sp]
	var errs []error
	for i, dst := range s.Resolves {
		src := s.Colors[i]
		if dst == Unused || src == Unused {
			continue
		}
		sv, dv := fb.views[src], fb.views[dst]
		st, dt := sv.Image().Native(), dv.Image().Native()
		if st == nil || dt == nil {
			errs = append(errs, fmt.Errorf("resolve %d to %d: %w", src, dst, memory.ErrNotBound))
			continue
		}
		err := ctx.Native().ResolveSubresource(
			dt, subresource(dv), st, subresource(sv), rp.attachments[dst].Format)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// End unbinds the render targets. The caller holds the execution context
// lock.
func (fb *Framebuffer) End(ctx *exec.Context) {
	ctx.Native().OMSetRenderTargets(nil, nil)
}

func subresource(v *memory.ImageView) uint32 {
	info := v.Info()
	return native.Subresource(info.BaseMip, info.BaseLayer, v.Image().Info().MipLevels)
}
