package pipeline

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/explicit/native"
	"github.com/gogpu/explicit/shader"
)

// ErrRegisterLimit is returned when a layout needs more registers of a
// class than the native context has.
var ErrRegisterLimit = errors.New("pipeline: register limit exceeded")

// MaxPushConstantSize is the push-constant budget of a layout, in bytes.
const MaxPushConstantSize = 256

// PushConstantRange is a push-constant range of a pipeline layout.
type PushConstantRange struct {
	Stages gputypes.ShaderStage
	Offset uint32
	Size   uint32
}

var registerLimits = [shader.NumClasses]uint32{
	shader.ClassConstant:  native.MaxConstantBuffers,
	shader.ClassResource:  native.MaxShaderResources,
	shader.ClassSampler:   native.MaxSamplers,
	shader.ClassUnordered: native.MaxUAVs,
}

// slot is the register range one binding occupies in one stage.
type slot struct {
	set   uint32
	pos   int
	class shader.Class
	reg   uint32
	count uint32
}

// Layout is a pipeline layout: descriptor set layouts plus push-constant
// ranges, with registers assigned per stage.
//
// Registers are handed out per stage and class in (set, binding) order.
// Constant register b0 is reserved in every stage a push-constant range
// covers.
type Layout struct {
	sets  []*SetLayout
	push  []PushConstantRange
	slots [native.NumStages][]slot
	regs  [native.NumStages]map[shader.Binding]shader.Register
	// pushStages is the union of the push-constant range stages.
	pushStages gputypes.ShaderStage
}

// NewLayout assigns registers for sets and push.
func NewLayout(sets []*SetLayout, push []PushConstantRange) (*Layout, error) {
	l := &Layout{sets: sets, push: push}
	for _, r := range push {
		if r.Size == 0 || r.Offset%4 != 0 || r.Size%4 != 0 || r.Offset+r.Size > MaxPushConstantSize {
			return nil, fmt.Errorf("pipeline: push-constant range [%d,+%d) of %d", r.Offset, r.Size, MaxPushConstantSize)
		}
		l.pushStages |= r.Stages
	}
	for st := range native.Stage(native.NumStages) {
		var next [shader.NumClasses]uint32
		if l.pushStages&st.Bit() != 0 {
			next[shader.ClassConstant] = 1
		}
		l.regs[st] = make(map[shader.Binding]shader.Register)
		for si, set := range sets {
			for pos, b := range set.bindings {
				if b.Stages&st.Bit() == 0 {
					continue
				}
				for i, class := range b.Type.Classes() {
					reg := next[class]
					next[class] += b.Count
					if next[class] > registerLimits[class] {
						return nil, fmt.Errorf("%w: %v stage needs %d %v registers", ErrRegisterLimit, st, next[class], class)
					}
					l.slots[st] = append(l.slots[st], slot{set: uint32(si), pos: pos, class: class, reg: reg, count: b.Count}) // #nosec G115 -- set count is small
					if i == 0 {
						l.regs[st][shader.Binding{Group: uint32(si), Binding: b.Binding}] = shader.Register{Class: class, Index: reg} // #nosec G115 -- set count is small
					}
				}
			}
		}
	}
	return l, nil
}

// Sets returns the descriptor set layouts.
func (l *Layout) Sets() []*SetLayout { return l.sets }

// PushConstants returns the push-constant ranges.
func (l *Layout) PushConstants() []PushConstantRange { return l.push }

// PushStages returns the stages any push-constant range covers.
func (l *Layout) PushStages() gputypes.ShaderStage { return l.pushStages }

// Bindings returns the register map of stage st, for the shader compiler.
func (l *Layout) Bindings(st native.Stage) map[shader.Binding]shader.Register {
	return l.regs[st]
}

// Register returns the first register of (set, binding) in class c of
// stage st.
func (l *Layout) Register(st native.Stage, set, binding uint32, c shader.Class) (uint32, bool) {
	if set >= uint32(len(l.sets)) { // #nosec G115 -- set count is small
		return 0, false
	}
	pos, ok := l.sets[set].index(binding)
	if !ok {
		return 0, false
	}
	for _, sl := range l.slots[st] {
		if sl.set == set && sl.pos == pos && sl.class == c {
			return sl.reg, true
		}
	}
	return 0, false
}

// Compatible reports whether sets [0, n) of l and o are laid out alike, so
// descriptor sets bound for one stay valid for the other.
func (l *Layout) Compatible(o *Layout, n int) bool {
	if len(l.sets) < n || len(o.sets) < n || l.pushStages != o.pushStages {
		return false
	}
	for i := range n {
		if l.sets[i] != o.sets[i] {
			return false
		}
	}
	return true
}
