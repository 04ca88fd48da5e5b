package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/explicit/internal/exec"
	"github.com/gogpu/explicit/internal/memory"
	"github.com/gogpu/explicit/native"
	"github.com/gogpu/explicit/shader"
)

// Descriptor errors.
var (
	// ErrDuplicateBinding is returned for a set layout listing a binding twice.
	ErrDuplicateBinding = errors.New("pipeline: duplicate binding")

	// ErrNoBinding is returned when writing a binding the layout lacks.
	ErrNoBinding = errors.New("pipeline: binding not in set layout")

	// ErrDescriptorType is returned when a descriptor does not match the
	// binding's type.
	ErrDescriptorType = errors.New("pipeline: descriptor does not match binding type")

	// ErrPoolExhausted is returned when a descriptor pool cannot hold a set.
	ErrPoolExhausted = errors.New("pipeline: descriptor pool exhausted")

	// ErrFreeSet is returned when freeing sets from a pool without the
	// free-individual flag.
	ErrFreeSet = errors.New("pipeline: pool does not allow freeing individual sets")

	// ErrSetFreed is returned when replaying a bind of a freed set.
	ErrSetFreed = errors.New("pipeline: descriptor set was freed")
)

// DescriptorType is the kind of resource a binding holds.
type DescriptorType uint8

// Descriptor types.
const (
	DescriptorSampler DescriptorType = iota
	DescriptorCombinedImageSampler
	DescriptorSampledImage
	DescriptorStorageImage
	DescriptorUniformTexelBuffer
	DescriptorStorageTexelBuffer
	DescriptorUniformBuffer
	DescriptorStorageBuffer
	DescriptorUniformBufferDynamic
	DescriptorStorageBufferDynamic
	DescriptorInputAttachment

	// NumDescriptorTypes is the number of descriptor types.
	NumDescriptorTypes
)

var descriptorTypeNames = [NumDescriptorTypes]string{
	"Sampler", "CombinedImageSampler", "SampledImage", "StorageImage",
	"UniformTexelBuffer", "StorageTexelBuffer", "UniformBuffer", "StorageBuffer",
	"UniformBufferDynamic", "StorageBufferDynamic", "InputAttachment",
}

func (t DescriptorType) String() string {
	if t < NumDescriptorTypes {
		return descriptorTypeNames[t]
	}
	return fmt.Sprintf("DescriptorType(%d)", int(t))
}

// Classes returns the register classes a descriptor of type t occupies.
func (t DescriptorType) Classes() []shader.Class {
	switch t {
	case DescriptorSampler:
		return []shader.Class{shader.ClassSampler}
	case DescriptorCombinedImageSampler:
		return []shader.Class{shader.ClassResource, shader.ClassSampler}
	case DescriptorSampledImage, DescriptorUniformTexelBuffer, DescriptorInputAttachment:
		return []shader.Class{shader.ClassResource}
	case DescriptorStorageImage, DescriptorStorageTexelBuffer, DescriptorStorageBuffer, DescriptorStorageBufferDynamic:
		return []shader.Class{shader.ClassUnordered}
	case DescriptorUniformBuffer, DescriptorUniformBufferDynamic:
		return []shader.Class{shader.ClassConstant}
	}
	return nil
}

// Dynamic reports whether t takes a dynamic offset at bind time.
func (t DescriptorType) Dynamic() bool {
	return t == DescriptorUniformBufferDynamic || t == DescriptorStorageBufferDynamic
}

func (t DescriptorType) buffer() bool {
	return t >= DescriptorUniformTexelBuffer && t <= DescriptorStorageBufferDynamic
}

// SetLayoutBinding is one binding of a descriptor set layout.
type SetLayoutBinding struct {
	Binding uint32
	Type    DescriptorType
	// Count is the array size; zero reserves the binding without slots.
	Count  uint32
	Stages gputypes.ShaderStage
}

// SetLayout is an immutable descriptor set layout.
type SetLayout struct {
	bindings []SetLayoutBinding
	dynamic  uint32
}

// NewSetLayout sorts bindings by number and validates them.
func NewSetLayout(bindings []SetLayoutBinding) (*SetLayout, error) {
	l := &SetLayout{bindings: slices.Clone(bindings)}
	slices.SortFunc(l.bindings, func(a, b SetLayoutBinding) int { return int(a.Binding) - int(b.Binding) })
	for i, b := range l.bindings {
		if i > 0 && l.bindings[i-1].Binding == b.Binding {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateBinding, b.Binding)
		}
		if b.Type >= NumDescriptorTypes {
			return nil, fmt.Errorf("%w: binding %d has %v", ErrDescriptorType, b.Binding, b.Type)
		}
		if b.Type.Dynamic() {
			l.dynamic += b.Count
		}
	}
	return l, nil
}

// Bindings returns the bindings sorted by number.
func (l *SetLayout) Bindings() []SetLayoutBinding { return l.bindings }

// DynamicCount returns the number of dynamic offsets a set consumes.
func (l *SetLayout) DynamicCount() uint32 { return l.dynamic }

func (l *SetLayout) index(binding uint32) (int, bool) {
	return slices.BinarySearchFunc(l.bindings, binding, func(b SetLayoutBinding, n uint32) int {
		return int(b.Binding) - int(n)
	})
}

// Descriptor is one array element of a binding. Which fields are used
// depends on the binding type.
type Descriptor struct {
	Buffer *memory.Buffer
	Offset uint64
	// Range is the byte count from Offset; memory.WholeSize means the rest
	// of the buffer.
	Range uint64

	View    *memory.ImageView
	Sampler *memory.Sampler
}

func (d Descriptor) check(t DescriptorType) error {
	switch {
	case t == DescriptorSampler && d.Sampler == nil,
		t == DescriptorCombinedImageSampler && (d.View == nil || d.Sampler == nil),
		(t == DescriptorSampledImage || t == DescriptorStorageImage || t == DescriptorInputAttachment) && d.View == nil,
		t.buffer() && d.Buffer == nil:
		return fmt.Errorf("%w: %v", ErrDescriptorType, t)
	}
	if t.buffer() && d.Range != memory.WholeSize && d.Offset+d.Range > d.Buffer.Info().Size {
		return fmt.Errorf("%w: range [%d,+%d) exceeds buffer", ErrDescriptorType, d.Offset, d.Range)
	}
	return nil
}

func (d Descriptor) span(dyn uint32) (off, size uint64) {
	off = d.Offset + uint64(dyn)
	size = d.Range
	if size == memory.WholeSize {
		size = d.Buffer.Info().Size - min(d.Offset, d.Buffer.Info().Size)
	}
	return off, size
}

// Pool hands out descriptor sets up to fixed per-type capacities.
type Pool struct {
	maxSets        uint32
	capacity       [NumDescriptorTypes]uint32
	freeIndividual bool

	mu   sync.Mutex
	used [NumDescriptorTypes]uint32
	sets map[*Set]struct{}
}

// NewPool creates a pool for maxSets sets with the given per-type sizes.
func NewPool(maxSets uint32, sizes map[DescriptorType]uint32, freeIndividual bool) *Pool {
	p := &Pool{maxSets: maxSets, freeIndividual: freeIndividual, sets: make(map[*Set]struct{})}
	for t, n := range sizes {
		if t < NumDescriptorTypes {
			p.capacity[t] += n
		}
	}
	return p
}

// Allocate creates a set of layout l.
func (p *Pool) Allocate(l *SetLayout) (*Set, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if uint32(len(p.sets)) >= p.maxSets {
		return nil, fmt.Errorf("%w: %d sets", ErrPoolExhausted, p.maxSets)
	}
	var need [NumDescriptorTypes]uint32
	for _, b := range l.bindings {
		need[b.Type] += b.Count
	}
	for t, n := range need {
		if p.used[t]+n > p.capacity[t] {
			return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, DescriptorType(t))
		}
	}
	for t, n := range need {
		p.used[t] += n
	}
	s := &Set{pool: p, layout: l, slots: make([][]Descriptor, len(l.bindings)), views: make(map[viewKey]native.View)}
	for i, b := range l.bindings {
		s.slots[i] = make([]Descriptor, b.Count)
	}
	p.sets[s] = struct{}{}
	return s, nil
}

// Free returns sets to the pool.
func (p *Pool) Free(sets ...*Set) error {
	if !p.freeIndividual {
		return ErrFreeSet
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range sets {
		p.freeLocked(s)
	}
	return nil
}

// Discard returns sets to the pool regardless of the free-individual flag.
// It undoes a partial allocation.
func (p *Pool) Discard(sets ...*Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range sets {
		p.freeLocked(s)
	}
}

func (p *Pool) freeLocked(s *Set) {
	if _, ok := p.sets[s]; !ok {
		return
	}
	delete(p.sets, s)
	for _, b := range s.layout.bindings {
		p.used[b.Type] -= b.Count
	}
	s.release()
}

// Reset frees every set allocated from the pool.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := range p.sets {
		p.freeLocked(s)
	}
}

// Destroy frees every set; the pool must not be used afterwards.
func (p *Pool) Destroy() { p.Reset() }

// Live returns the number of allocated sets.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sets)
}

// viewKey identifies a native view created for a buffer descriptor at one
// dynamic offset.
type viewKey struct {
	slot, elem int
	offset     uint64
	kind       native.ViewKind
}

// Set is a descriptor set. Writes and replay may happen on different
// goroutines.
type Set struct {
	pool   *Pool
	layout *SetLayout

	mu    sync.Mutex
	slots [][]Descriptor
	views map[viewKey]native.View
	freed bool
}

// Layout returns the layout the set was allocated with.
func (s *Set) Layout() *SetLayout { return s.layout }

// Write stores descriptors starting at array element first of binding.
func (s *Set) Write(binding, first uint32, descs []Descriptor) error {
	i, ok := s.layout.index(binding)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoBinding, binding)
	}
	b := s.layout.bindings[i]
	if uint64(first)+uint64(len(descs)) > uint64(b.Count) {
		return fmt.Errorf("%w: elements [%d,+%d) of %d", ErrNoBinding, first, len(descs), b.Count)
	}
	for _, d := range descs {
		if err := d.check(b.Type); err != nil {
			return fmt.Errorf("binding %d: %w", binding, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.slots[i][first:], descs)
	for k, v := range s.views {
		if k.slot == i && k.elem >= int(first) && k.elem < int(first)+len(descs) {
			v.Release()
			delete(s.views, k)
		}
	}
	return nil
}

// Copy copies count descriptors from src into s.
func (s *Set) Copy(dstBinding, dstFirst uint32, src *Set, srcBinding, srcFirst, count uint32) error {
	i, ok := src.layout.index(srcBinding)
	if !ok {
		return fmt.Errorf("%w: source %d", ErrNoBinding, srcBinding)
	}
	src.mu.Lock()
	if uint64(srcFirst)+uint64(count) > uint64(len(src.slots[i])) {
		src.mu.Unlock()
		return fmt.Errorf("%w: source elements [%d,+%d)", ErrNoBinding, srcFirst, count)
	}
	descs := slices.Clone(src.slots[i][srcFirst : srcFirst+count])
	src.mu.Unlock()
	return s.Write(dstBinding, dstFirst, descs)
}

func (s *Set) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.views {
		v.Release()
		delete(s.views, k)
	}
	s.freed = true
}

// bufferView returns the native view of a buffer descriptor, created on
// first use at the given offset.
func (s *Set) bufferView(dev native.Device, slot, elem int, kind native.ViewKind, dyn uint32) (native.View, error) {
	d := s.slots[slot][elem]
	buf := d.Buffer.Native()
	if buf == nil {
		return nil, fmt.Errorf("%w: descriptor buffer %q", memory.ErrNotBound, d.Buffer.Info().Label)
	}
	off, size := d.span(dyn)
	key := viewKey{slot: slot, elem: elem, offset: off, kind: kind}
	if v, ok := s.views[key]; ok {
		return v, nil
	}
	desc := native.ViewDesc{FirstElement: uint32(off / 4), NumElements: uint32(size / 4)} // #nosec G115 -- bounded by buffer size
	var (
		v   native.View
		err error
	)
	if kind == native.ViewUnorderedAccess {
		v, err = dev.CreateUnorderedAccessView(buf, desc)
	} else {
		v, err = dev.CreateShaderResourceView(buf, desc)
	}
	if err != nil {
		return nil, err
	}
	s.views[key] = v
	return v, nil
}

// Apply binds the set as set number index of layout l for the given
// stages. dyn holds the set's dynamic offsets in binding order. The caller
// holds the execution context lock.
func (s *Set) Apply(ctx *exec.Context, l *Layout, index uint32, stages []native.Stage, dyn []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return ErrSetFreed
	}
	dynAt := s.dynamicOffsets(dyn)
	nc := ctx.Native()
	var errs []error
	for _, st := range stages {
		for _, sl := range l.slots[st] {
			if sl.set != index {
				continue
			}
			b := s.layout.bindings[sl.pos]
			for e := range b.Count {
				d := s.slots[sl.pos][e]
				reg := sl.reg + e
				var off uint32
				if b.Type.Dynamic() {
					off = dynAt[sl.pos][e]
				}
				if err := s.bind(ctx, nc, st, sl.class, b.Type, sl.pos, int(e), reg, d, off); err != nil {
					errs = append(errs, fmt.Errorf("set %d binding %d[%d]: %w", index, b.Binding, e, err))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Set) dynamicOffsets(dyn []uint32) map[int][]uint32 {
	out := make(map[int][]uint32)
	n := 0
	for i, b := range s.layout.bindings {
		if !b.Type.Dynamic() {
			continue
		}
		offs := make([]uint32, b.Count)
		for e := range offs {
			if n < len(dyn) {
				offs[e] = dyn[n]
			}
			n++
		}
		out[i] = offs
	}
	return out
}

func (s *Set) bind(ctx *exec.Context, nc native.Context, st native.Stage, class shader.Class, t DescriptorType, pos, elem int, reg uint32, d Descriptor, dyn uint32) error {
	empty := d.Buffer == nil && d.View == nil && d.Sampler == nil
	switch class {
	case shader.ClassConstant:
		var cb native.ConstantBufferBinding
		if !empty {
			buf := d.Buffer.Native()
			if buf == nil {
				return memory.ErrNotBound
			}
			off, size := d.span(dyn)
			cb = native.ConstantBufferBinding{
				Buffer:        buf,
				FirstConstant: uint32(off / native.ConstantSize),                              // #nosec G115 -- bounded by buffer size
				NumConstants:  uint32((size + native.ConstantSize - 1) / native.ConstantSize), // #nosec G115 -- bounded by buffer size
			}
		}
		nc.SetConstantBuffers(st, reg, []native.ConstantBufferBinding{cb})
	case shader.ClassSampler:
		var ss native.SamplerState
		if d.Sampler != nil {
			ss = d.Sampler.Native()
		}
		nc.SetSamplers(st, reg, []native.SamplerState{ss})
	case shader.ClassResource:
		var v native.View
		switch {
		case empty:
		case t.buffer():
			var err error
			if v, err = s.bufferView(ctx.Device(), pos, elem, native.ViewShaderResource, dyn); err != nil {
				return err
			}
		default:
			v = d.View.SRV()
		}
		nc.SetShaderResources(st, reg, []native.ShaderResourceView{v})
	case shader.ClassUnordered:
		var v native.View
		switch {
		case empty:
		case t.buffer():
			var err error
			if v, err = s.bufferView(ctx.Device(), pos, elem, native.ViewUnorderedAccess, dyn); err != nil {
				return err
			}
		default:
			v = d.View.UAV()
		}
		ctx.BindUAVsLocked(st, reg, []native.UnorderedAccessView{v})
	}
	return nil
}

// Unbind clears the slots set number index of layout l occupies.
func Unbind(ctx *exec.Context, l *Layout, index uint32, stages []native.Stage) {
	nc := ctx.Native()
	for _, st := range stages {
		for _, sl := range l.slots[st] {
			if sl.set != index || sl.count == 0 {
				continue
			}
			switch sl.class {
			case shader.ClassConstant:
				nc.SetConstantBuffers(st, sl.reg, make([]native.ConstantBufferBinding, sl.count))
			case shader.ClassSampler:
				nc.SetSamplers(st, sl.reg, make([]native.SamplerState, sl.count))
			case shader.ClassResource:
				nc.SetShaderResources(st, sl.reg, make([]native.ShaderResourceView, sl.count))
			case shader.ClassUnordered:
				ctx.BindUAVsLocked(st, sl.reg, make([]native.UnorderedAccessView, sl.count))
			}
		}
	}
}
