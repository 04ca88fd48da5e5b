package pipeline

import (
	"errors"
	"slices"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/native"
)

// PushBuffer is a native constant buffer emulating the push constants of
// the stages in Stages. It is bound at constant register 0.
type PushBuffer struct {
	Stages gputypes.ShaderStage
	// Size is the reflected block size in bytes.
	Size   uint32
	buffer native.Buffer
}

// Native returns the native constant buffer.
func (pb *PushBuffer) Native() native.Buffer { return pb.buffer }

// Update writes the first Size bytes of staging into the buffer.
func (pb *PushBuffer) Update(ctx *exec.Context, staging []byte) error {
	data := make([]byte, pb.buffer.Desc().Size)
	copy(data, staging[:min(len(staging), int(pb.Size))])
	return ctx.Native().UpdateSubresource(pb.buffer, 0, nil, data, 0, 0)
}

// pushBuffers allocates one push buffer per distinct stage mask among the
// stages whose reflection has an anonymous constant block.
func (b *builder) pushBuffers() {
	type group struct {
		mask gputypes.ShaderStage
		size uint32
	}
	var groups []group
	for st, r := range b.p.reflections {
		if r == nil {
			continue
		}
		blocks := r.Anonymous()
		if len(blocks) == 0 {
			continue
		}
		bit := native.Stage(st).Bit()
		mask := bit
		for _, pr := range b.p.layout.push {
			if pr.Stages&bit != 0 {
				mask |= pr.Stages
			}
		}
		i := slices.IndexFunc(groups, func(g group) bool { return g.mask == mask })
		if i < 0 {
			groups = append(groups, group{mask: mask})
			i = len(groups) - 1
		}
		groups[i].size = max(groups[i].size, blocks[0].Size)
	}
	for _, g := range groups {
		size := (uint64(g.size) + native.ConstantSize - 1) / native.ConstantSize * native.ConstantSize
		buf, err := b.dev.CreateBuffer(native.BufferDesc{
			Label: b.p.label + " push constants",
			Size:  max(size, native.ConstantSize),
			Usage: native.UsageDefault,
			Bind:  native.BindConstantBuffer,
		}, nil)
		if err != nil {
			b.diag("push-constant buffer for %v: %v", g.mask, err)
			continue
		}
		b.p.push = append(b.p.push, &PushBuffer{Stages: g.mask, Size: g.size, buffer: buf})
	}
}

// PushBuffers returns the push-constant buffers in allocation order.
func (p *Pipeline) PushBuffers() []*PushBuffer { return p.push }

// FindPushConstantBuffer returns the push buffer an update of
// [offset, offset+size) for the stages in mask goes to, trying in order:
// exact mask and exact size, exact mask and larger, superset mask and
// exact size, superset mask and larger. It returns nil when none fits.
func (p *Pipeline) FindPushConstantBuffer(mask gputypes.ShaderStage, offset, size uint32) *PushBuffer {
	end := offset + size
	tiers := [...]func(pb *PushBuffer) bool{
		func(pb *PushBuffer) bool { return pb.Stages == mask && pb.Size == end },
		func(pb *PushBuffer) bool { return pb.Stages == mask && pb.Size > end },
		func(pb *PushBuffer) bool { return pb.Stages&mask == mask && pb.Size == end },
		func(pb *PushBuffer) bool { return pb.Stages&mask == mask && pb.Size > end },
	}
	for _, match := range tiers {
		for _, pb := range p.push {
			if match(pb) {
				return pb
			}
		}
	}
	diag.Logger().Debug("pipeline: no push-constant buffer", "pipeline", p.label, "stages", mask, "offset", offset, "size", size)
	return nil
}

func (p *Pipeline) bindPush(ctx *exec.Context, staging []byte) error {
	nc := ctx.Native()
	var errs []error
	for _, pb := range p.push {
		if staging != nil {
			if err := pb.Update(ctx, staging); err != nil {
				errs = append(errs, err)
			}
		}
		for _, st := range p.bind.Stages() {
			if pb.Stages&st.Bit() != 0 && p.reflections[st] != nil {
				nc.SetConstantBuffers(st, 0, []native.ConstantBufferBinding{{Buffer: pb.buffer}})
			}
		}
	}
	return errors.Join(errs...)
}
