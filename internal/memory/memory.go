// Package memory implements the resource memory binder: logical
// allocations (Memory) with a host shadow copy, and the bind records
// (Object) tying a range of an allocation to one lazily created native
// resource.
//
// The shadow of a host-visible allocation is the source of truth while the
// memory is unmapped. Native resources are refreshed from it on bind and on
// Flush; Invalidate copies native contents back into it.
//
// While mapped, an allocation also keeps the bytes of the mapped range as
// last exchanged with its native resources. Bytes where the shadow differs
// from that copy were written by the host; bytes where native contents
// differ from it were written by the device. Unmap and the coherent
// flush push only the former, the coherent invalidate pulls only the
// latter, so neither side's writes are lost to the other.
package memory

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/native"
)

// Memory type indices.
const (
	TypeDeviceLocal uint32 = iota
	TypeHostCoherent
	TypeHostCached

	// NumTypes is the number of memory types.
	NumTypes
)

// AllTypes is a memory-type mask accepting every type.
const AllTypes = 1<<NumTypes - 1

// Property is a memory property flag set.
type Property uint32

// Memory properties.
const (
	PropDeviceLocal Property = 1 << iota
	PropHostVisible
	PropHostCoherent
	PropHostCached
)

var typeProperties = [NumTypes]Property{
	TypeDeviceLocal:  PropDeviceLocal,
	TypeHostCoherent: PropHostVisible | PropHostCoherent,
	TypeHostCached:   PropHostVisible | PropHostCached,
}

// Properties returns the property flags of memory type t.
func Properties(t uint32) Property {
	if t >= NumTypes {
		return 0
	}
	return typeProperties[t]
}

// Has reports whether all flags in f are set.
func (p Property) Has(f Property) bool { return p&f == f }

// WholeSize selects the rest of an allocation.
const WholeSize = ^uint64(0)

// FillPattern is the byte a new shadow is filled with.
const FillPattern = 0xCD

// Errors returned by the binder.
var (
	// ErrMemoryType is returned for an unknown memory type index.
	ErrMemoryType = errors.New("memory: unknown memory type")

	// ErrZeroSize is returned when allocating zero bytes.
	ErrZeroSize = errors.New("memory: zero size")

	// ErrNotHostVisible is returned when mapping device-local memory.
	ErrNotHostVisible = errors.New("memory: memory is not host visible")

	// ErrAlreadyMapped is returned when mapping mapped memory.
	ErrAlreadyMapped = errors.New("memory: memory is already mapped")

	// ErrNotMapped is returned when unmapping unmapped memory.
	ErrNotMapped = errors.New("memory: memory is not mapped")

	// ErrMapRange is returned for an empty or out-of-bounds range.
	ErrMapRange = errors.New("memory: range outside allocation")

	// ErrFreed is returned for operations on freed memory.
	ErrFreed = errors.New("memory: memory was freed")

	// ErrAlignment is returned when a bind offset breaks the alignment
	// requirement.
	ErrAlignment = errors.New("memory: misaligned bind offset")

	// ErrTooSmall is returned when a resource does not fit at the bind offset.
	ErrTooSmall = errors.New("memory: resource does not fit in allocation")

	// ErrTypeMask is returned when binding to a memory type the resource
	// does not accept.
	ErrTypeMask = errors.New("memory: memory type not allowed for resource")

	// ErrUsage is returned for usage combinations without a native form.
	ErrUsage = errors.New("memory: unsupported usage combination")

	// ErrDestroyed is returned for operations on destroyed resources.
	ErrDestroyed = errors.New("memory: resource was destroyed")

	// ErrNotBound is returned when a resource has no native object yet.
	ErrNotBound = errors.New("memory: resource is not bound")
)

// Transfer moves bytes between host memory and native resources. The
// execution context implements it.
type Transfer interface {
	WriteBuffer(dst native.Buffer, offset uint64, data []byte) error
	ReadBuffer(src native.Buffer, offset uint64, out []byte) error
	WriteTexture(dst native.Texture, sub uint32, data []byte, rowPitch, depthPitch uint32) error
	ReadTexture(src native.Texture, sub uint32, out []byte, rowPitch, depthPitch uint32) error
}

// Requirements describes what memory a resource can be bound to.
type Requirements struct {
	Size      uint64
	Alignment uint64
	TypeBits  uint32
}

// Binder creates native resources for bound memory and keeps track of
// mapped coherent allocations.
type Binder struct {
	dev      native.Device
	transfer Transfer
	sink     *diag.Sink

	mu       sync.Mutex
	coherent map[*Memory]struct{}
}

// NewBinder returns a binder creating resources on dev.
func NewBinder(dev native.Device, transfer Transfer, sink *diag.Sink) *Binder {
	return &Binder{
		dev:      dev,
		transfer: transfer,
		sink:     sink,
		coherent: make(map[*Memory]struct{}),
	}
}

// Memory is one logical allocation.
type Memory struct {
	b     *Binder
	size  uint64
	typ   uint32
	props Property

	mu      sync.Mutex
	shadow  []byte
	mapped  bool
	mapOff  uint64
	mapSize uint64
	synced  []byte
	objects []*Object
	freed   bool
}

// Allocate creates an allocation of size bytes of memory type typ.
// Host-visible allocations get a shadow filled with FillPattern.
func (b *Binder) Allocate(size uint64, typ uint32) (*Memory, error) {
	if typ >= NumTypes {
		return nil, fmt.Errorf("%w: %d", ErrMemoryType, typ)
	}
	if size == 0 {
		return nil, ErrZeroSize
	}
	m := &Memory{b: b, size: size, typ: typ, props: typeProperties[typ]}
	if m.props.Has(PropHostVisible) {
		m.shadow = make([]byte, size)
		for i := range m.shadow {
			m.shadow[i] = FillPattern
		}
	}
	diag.Logger().Debug("memory: allocate", "size", size, "type", typ)
	return m, nil
}

// Size returns the allocation size.
func (m *Memory) Size() uint64 { return m.size }

// Type returns the memory type index.
func (m *Memory) Type() uint32 { return m.typ }

// Properties returns the memory properties.
func (m *Memory) Properties() Property { return m.props }

// Objects returns the number of live bind records.
func (m *Memory) Objects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.objects {
		if o.res != nil {
			n++
		}
	}
	return n
}

func (m *Memory) span(offset, size uint64) (lo, hi uint64, err error) {
	if offset >= m.size {
		return 0, 0, fmt.Errorf("%w: offset %d of %d", ErrMapRange, offset, m.size)
	}
	if size == WholeSize {
		return offset, m.size, nil
	}
	if size == 0 || size > m.size-offset {
		return 0, 0, fmt.Errorf("%w: [%d,+%d) of %d", ErrMapRange, offset, size, m.size)
	}
	return offset, offset + size, nil
}

// Map returns the shadow bytes of [offset, offset+size).
func (m *Memory) Map(offset, size uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.freed:
		return nil, ErrFreed
	case !m.props.Has(PropHostVisible):
		return nil, ErrNotHostVisible
	case m.mapped:
		return nil, ErrAlreadyMapped
	}
	lo, hi, err := m.span(offset, size)
	if err != nil {
		return nil, err
	}
	if m.props.Has(PropHostCoherent) {
		// Device writes made while unmapped become visible.
		if err := m.invalidateLocked(lo, hi); err != nil {
			return nil, err
		}
		m.b.mu.Lock()
		m.b.coherent[m] = struct{}{}
		m.b.mu.Unlock()
	}
	m.mapped, m.mapOff, m.mapSize = true, lo, hi-lo
	m.synced = slices.Clone(m.shadow[lo:hi])
	return m.shadow[lo:hi:hi], nil
}

// Mapped returns the mapped range.
func (m *Memory) Mapped() (offset, size uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapOff, m.mapSize, m.mapped
}

// Unmap ends the mapping and flushes the bytes the host wrote.
func (m *Memory) Unmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mapped {
		return ErrNotMapped
	}
	err := m.flushDirtyLocked()
	m.mapped, m.synced = false, nil
	m.b.mu.Lock()
	delete(m.b.coherent, m)
	m.b.mu.Unlock()
	return err
}

// Flush copies the shadow range into every native resource bound inside it.
func (m *Memory) Flush(offset, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed {
		return ErrFreed
	}
	if !m.props.Has(PropHostVisible) {
		return ErrNotHostVisible
	}
	lo, hi, err := m.span(offset, size)
	if err != nil {
		return err
	}
	err = m.flushLocked(lo, hi)
	m.markSyncedLocked(lo, hi)
	return err
}

// Invalidate copies native contents of the range back into the shadow.
func (m *Memory) Invalidate(offset, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed {
		return ErrFreed
	}
	if !m.props.Has(PropHostVisible) {
		return ErrNotHostVisible
	}
	lo, hi, err := m.span(offset, size)
	if err != nil {
		return err
	}
	err = m.invalidateLocked(lo, hi)
	m.markSyncedLocked(lo, hi)
	return err
}

func (m *Memory) flushLocked(lo, hi uint64) error {
	var errs []error
	for _, o := range m.objects {
		if err := o.flush(m.shadow, lo, hi); err != nil {
			m.b.sink.Errorf(diag.CategoryGeneral, 0, "memory: flush %v: %v", o, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Memory) invalidateLocked(lo, hi uint64) error {
	return m.readLocked(m.objects, m.shadow, 0, lo, hi)
}

// readLocked reads the native contents of [lo, hi) of objs into dst, where
// dst[0] holds allocation byte base.
func (m *Memory) readLocked(objs []*Object, dst []byte, base, lo, hi uint64) error {
	var errs []error
	for _, o := range objs {
		if err := o.invalidate(dst, base, lo, hi); err != nil {
			m.b.sink.Errorf(diag.CategoryGeneral, 0, "memory: invalidate %v: %v", o, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// markSyncedLocked records the shadow bytes of [lo, hi) as matching the
// native resources.
func (m *Memory) markSyncedLocked(lo, hi uint64) {
	if m.synced == nil {
		return
	}
	if lo, hi, ok := overlap(lo, hi, m.mapOff, m.mapOff+m.mapSize); ok {
		copy(m.synced[lo-m.mapOff:hi-m.mapOff], m.shadow[lo:hi])
	}
}

// dirtyRuns returns the maximal runs [lo, hi), relative to the mapped
// range, where the shadow differs from the synced copy.
func (m *Memory) dirtyRuns() [][2]uint64 {
	view := m.shadow[m.mapOff : m.mapOff+m.mapSize]
	if bytes.Equal(view, m.synced) {
		return nil
	}
	var runs [][2]uint64
	for i := 0; i < len(view); {
		if view[i] == m.synced[i] {
			i++
			continue
		}
		j := i + 1
		for j < len(view) && view[j] != m.synced[j] {
			j++
		}
		runs = append(runs, [2]uint64{uint64(i), uint64(j)})
		i = j
	}
	return runs
}

// flushDirtyLocked writes the bytes the host changed since the last
// exchange to the native resources.
func (m *Memory) flushDirtyLocked() error {
	if m.synced == nil {
		return nil
	}
	runs := m.dirtyRuns()
	if len(runs) == 0 {
		return nil
	}
	base := m.mapOff
	var errs []error
	for _, o := range m.objects {
		if o.res == nil {
			continue
		}
		start, end := o.offset, o.offset+o.size
		if o.image != nil || o.whole {
			// Rewritten at least a subresource at a time: device writes
			// around the dirty bytes are pulled in first.
			lo, hi, ok := bounds(runs, base, start, end)
			if !ok {
				continue
			}
			if o.readable {
				errs = append(errs, m.pullLocked([]*Object{o}, start, end))
			}
			errs = append(errs, m.flushObject(o, lo, hi))
			continue
		}
		for _, r := range runs {
			if lo, hi, ok := overlap(base+r[0], base+r[1], start, end); ok {
				errs = append(errs, m.flushObject(o, lo, hi))
			}
		}
	}
	copy(m.synced, m.shadow[base:base+m.mapSize])
	return errors.Join(errs...)
}

func (m *Memory) flushObject(o *Object, lo, hi uint64) error {
	err := o.flush(m.shadow, lo, hi)
	if err != nil {
		m.b.sink.Errorf(diag.CategoryGeneral, 0, "memory: flush %v: %v", o, err)
	}
	return err
}

// bounds returns the smallest range covering every run, offset by base,
// that overlaps [start, end), clipped to it.
func bounds(runs [][2]uint64, base, start, end uint64) (lo, hi uint64, ok bool) {
	for _, r := range runs {
		rlo, rhi, hit := overlap(base+r[0], base+r[1], start, end)
		if !hit {
			continue
		}
		if !ok {
			lo, hi, ok = rlo, rhi, true
			continue
		}
		lo, hi = min(lo, rlo), max(hi, rhi)
	}
	return lo, hi, ok
}

// pullLocked copies the bytes of [lo, hi) the device changed since the last
// exchange into the shadow. Inside the mapped range, bytes the host changed
// in the meantime are kept; outside it the device contents win.
func (m *Memory) pullLocked(objs []*Object, lo, hi uint64) error {
	cur := slices.Clone(m.shadow[lo:hi])
	if m.synced != nil {
		if slo, shi, ok := overlap(lo, hi, m.mapOff, m.mapOff+m.mapSize); ok {
			copy(cur[slo-lo:shi-lo], m.synced[slo-m.mapOff:shi-m.mapOff])
		}
	}
	err := m.readLocked(objs, cur, lo, lo, hi)
	mapEnd := m.mapOff + m.mapSize
	for i, v := range cur {
		at := lo + uint64(i)
		if m.synced == nil || at < m.mapOff || at >= mapEnd {
			m.shadow[at] = v
			continue
		}
		s := &m.synced[at-m.mapOff]
		if v == *s {
			continue
		}
		if m.shadow[at] == *s {
			m.shadow[at] = v
		}
		*s = v
	}
	return err
}

// Free releases every native resource bound to the memory.
func (m *Memory) Free() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed {
		return
	}
	m.freed = true
	m.mapped, m.synced = false, nil
	m.b.mu.Lock()
	delete(m.b.coherent, m)
	m.b.mu.Unlock()
	for _, o := range m.objects {
		o.release()
	}
	m.objects = nil
	m.shadow = nil
}

func (m *Memory) attach(o *Object) {
	m.objects = append(m.objects, o)
}

func (m *Memory) detach(o *Object) {
	for i, x := range m.objects {
		if x == o {
			m.objects = append(m.objects[:i], m.objects[i+1:]...)
			return
		}
	}
}

// FlushMapped writes the host's changes to every mapped host-coherent
// allocation to its native resources. The queue calls it before replaying
// a submission.
func (b *Binder) FlushMapped() error {
	return b.eachCoherent(func(m *Memory) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.mapped {
			return nil
		}
		return m.flushDirtyLocked()
	})
}

// InvalidateMapped copies the device's changes to every mapped
// host-coherent allocation into its shadow. Bytes the host wrote since the
// last flush are kept. The queue calls it after a wait observed completed
// work.
func (b *Binder) InvalidateMapped() error {
	return b.eachCoherent(func(m *Memory) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.mapped {
			return nil
		}
		return m.pullLocked(m.objects, m.mapOff, m.mapOff+m.mapSize)
	})
}

func (b *Binder) eachCoherent(fn func(*Memory) error) error {
	b.mu.Lock()
	mems := make([]*Memory, 0, len(b.coherent))
	for m := range b.coherent {
		mems = append(mems, m)
	}
	b.mu.Unlock()
	var errs []error
	for _, m := range mems {
		if err := fn(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Object binds a range of a Memory to one native resource. The native
// resource is released exactly once, by the first of Memory.Free and the
// owning resource's Destroy.
type Object struct {
	mem    *Memory
	offset uint64
	size   uint64
	res    native.Resource

	// whole is set for discard-mapped resources, which are always rewritten
	// completely.
	whole bool
	// readable is false when native contents cannot change behind the
	// shadow's back, making Invalidate a no-op.
	readable bool

	transfer Transfer
	image    *Image
}

func (o *Object) String() string {
	return fmt.Sprintf("object[%d,+%d)", o.offset, o.size)
}

// Offset returns the bind offset inside the allocation.
func (o *Object) Offset() uint64 { return o.offset }

// Size returns the number of allocation bytes the resource covers.
func (o *Object) Size() uint64 { return o.size }

func (o *Object) release() {
	if o.res == nil {
		return
	}
	o.res.Release()
	o.res = nil
}

func overlap(alo, ahi, blo, bhi uint64) (lo, hi uint64, ok bool) {
	lo, hi = max(alo, blo), min(ahi, bhi)
	return lo, hi, lo < hi
}

func (o *Object) flush(shadow []byte, lo, hi uint64) error {
	if o.res == nil {
		return nil
	}
	start, end := o.offset, o.offset+o.size
	olo, ohi, ok := overlap(lo, hi, start, end)
	if !ok {
		return nil
	}
	if o.image != nil {
		return o.image.flush(o, shadow, olo, ohi)
	}
	buf := o.res.(native.Buffer)
	if o.whole {
		return o.transfer.WriteBuffer(buf, 0, shadow[start:end])
	}
	return o.transfer.WriteBuffer(buf, olo-start, shadow[olo:ohi])
}

// invalidate reads the native contents of [lo, hi) into dst, where dst[0]
// holds allocation byte base.
func (o *Object) invalidate(dst []byte, base, lo, hi uint64) error {
	if o.res == nil || !o.readable {
		return nil
	}
	olo, ohi, ok := overlap(lo, hi, o.offset, o.offset+o.size)
	if !ok {
		return nil
	}
	if o.image != nil {
		return o.image.invalidate(o, dst, base, olo, ohi)
	}
	return o.transfer.ReadBuffer(o.res.(native.Buffer), olo-o.offset, dst[olo-base:ohi-base])
}

// bindCheck validates a bind of a resource with requirements r at offset.
func (m *Memory) bindCheck(r Requirements, offset uint64) error {
	switch {
	case m.freed:
		return ErrFreed
	case r.TypeBits&(1<<m.typ) == 0:
		return fmt.Errorf("%w: type %d, mask %#b", ErrTypeMask, m.typ, r.TypeBits)
	case offset%r.Alignment != 0:
		return fmt.Errorf("%w: offset %d, alignment %d", ErrAlignment, offset, r.Alignment)
	case offset > m.size || r.Size > m.size-offset:
		return fmt.Errorf("%w: %d bytes at %d of %d", ErrTooSmall, r.Size, offset, m.size)
	}
	return nil
}

// attachObject moves o to memory m at offset. The caller refreshes the
// native resource with refreshLocked once it released the resource lock.
func (m *Memory) attachObject(o *Object, offset uint64) {
	if o.mem != nil && o.mem != m {
		o.mem.mu.Lock()
		o.mem.detach(o)
		o.mem.mu.Unlock()
	}
	if o.mem != m {
		m.attach(o)
	}
	o.mem, o.offset = m, offset
}

// refreshLocked writes the shadow bytes o covers to its native resource,
// or only records them as synced when the resource was created from them.
// Transfers take the execution context lock, which replay holds while it
// takes resource locks, so no resource lock may be held here.
func (m *Memory) refreshLocked(o *Object, write bool) error {
	if m.shadow == nil || o.res == nil {
		return nil
	}
	lo, hi := o.offset, min(o.offset+o.size, m.size)
	var err error
	if write {
		err = o.flush(m.shadow, lo, hi)
	}
	m.markSyncedLocked(lo, hi)
	return err
}

func alignUp(v, a uint64) uint64 { return (v + a - 1) / a * a }
