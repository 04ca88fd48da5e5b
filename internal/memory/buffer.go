package memory

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/explicit/internal/diag"
	"github.com/gogpu/explicit/native"
)

// Alignments of bind offsets.
const (
	BufferAlignment = 16
	ImageAlignment  = 256
)

// gpuRead are buffer usages the GPU only reads.
const gpuRead = gputypes.BufferUsageVertex | gputypes.BufferUsageIndex |
	gputypes.BufferUsageUniform | gputypes.BufferUsageIndirect

// BufferInfo describes a buffer.
type BufferInfo struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage
}

// Buffer is a buffer whose native object exists once it is bound.
type Buffer struct {
	b    *Binder
	info BufferInfo

	mu        sync.Mutex
	obj       *Object
	destroyed bool
}

// NewBuffer creates an unbound buffer.
func (b *Binder) NewBuffer(info BufferInfo) (*Buffer, error) {
	if info.Size == 0 {
		return nil, fmt.Errorf("%w: buffer %q", ErrZeroSize, info.Label)
	}
	u := info.Usage
	if u.Contains(gputypes.BufferUsageUniform) && u&(gpuRead|gputypes.BufferUsageStorage)&^gputypes.BufferUsageUniform != 0 {
		return nil, fmt.Errorf("%w: uniform buffer %q with other bind usage %v", ErrUsage, info.Label, u)
	}
	return &Buffer{b: b, info: info}, nil
}

// Info returns the creation parameters.
func (buf *Buffer) Info() BufferInfo { return buf.info }

// Requirements returns the memory requirements of the buffer.
func (buf *Buffer) Requirements() Requirements {
	return Requirements{
		Size:      alignUp(buf.info.Size, BufferAlignment),
		Alignment: BufferAlignment,
		TypeBits:  AllTypes,
	}
}

// Native returns the native buffer, or nil while unbound.
func (buf *Buffer) Native() native.Buffer {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.obj == nil || buf.obj.res == nil {
		return nil
	}
	return buf.obj.res.(native.Buffer)
}

// Memory returns the bound memory and offset.
func (buf *Buffer) Memory() (*Memory, uint64) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.obj == nil {
		return nil, 0
	}
	return buf.obj.mem, buf.obj.offset
}

// nativeBufferDesc selects the native usage class of a buffer bound to
// memory with properties props.
func nativeBufferDesc(info BufferInfo, props Property) (desc native.BufferDesc, whole, readable bool) {
	u := info.Usage
	desc = native.BufferDesc{Label: info.Label, Size: info.Size}
	if u.Contains(gputypes.BufferUsageVertex) {
		desc.Bind |= native.BindVertexBuffer
	}
	if u.Contains(gputypes.BufferUsageIndex) {
		desc.Bind |= native.BindIndexBuffer
	}
	if u.Contains(gputypes.BufferUsageUniform) {
		desc.Bind |= native.BindConstantBuffer
		desc.Size = alignUp(desc.Size, native.ConstantSize)
	}
	if u.Contains(gputypes.BufferUsageStorage) {
		desc.Bind |= native.BindShaderResource | native.BindUnorderedAccess
		desc.Misc |= native.MiscBufferRaw
	}
	if u.Contains(gputypes.BufferUsageIndirect) {
		desc.Misc |= native.MiscDrawIndirectArgs
	}
	switch {
	case !props.Has(PropHostVisible):
		desc.Usage = native.UsageDefault
		readable = true
	case u&(gpuRead|gputypes.BufferUsageStorage) == 0:
		desc.Usage = native.UsageStaging
		desc.CPUAccess = native.CPUAccessRead | native.CPUAccessWrite
		desc.Bind = 0
		desc.Misc = 0
		readable = true
	case u.Contains(gputypes.BufferUsageStorage) || u.Contains(gputypes.BufferUsageCopyDst):
		desc.Usage = native.UsageDefault
		readable = true
	default:
		desc.Usage = native.UsageDynamic
		desc.CPUAccess = native.CPUAccessWrite
		whole = true
	}
	return desc, whole, readable
}

// BindBuffer binds buf to mem at offset and creates its native buffer,
// initialised from the shadow for host-visible memory. Rebinding to memory
// of the same property class keeps the native buffer.
func (b *Binder) BindBuffer(buf *Buffer, mem *Memory, offset uint64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	o, write, err := b.bindBufferLocked(buf, mem, offset)
	if err != nil {
		return err
	}
	return mem.refreshLocked(o, write)
}

// bindBufferLocked attaches buf to mem under buf.mu. write reports whether
// the kept native buffer still holds stale contents.
func (b *Binder) bindBufferLocked(buf *Buffer, mem *Memory, offset uint64) (o *Object, write bool, err error) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.destroyed {
		return nil, false, ErrDestroyed
	}
	if err := mem.bindCheck(buf.Requirements(), offset); err != nil {
		return nil, false, fmt.Errorf("bind buffer %q: %w", buf.info.Label, err)
	}
	desc, whole, readable := nativeBufferDesc(buf.info, mem.props)
	if o := buf.obj; o != nil && o.res != nil {
		if o.res.(native.Buffer).Desc().Usage == desc.Usage {
			mem.attachObject(o, offset)
			return o, true, nil
		}
		o.release()
	}
	var initial []byte
	if mem.shadow != nil {
		initial = make([]byte, desc.Size)
		copy(initial, mem.shadow[offset:min(offset+desc.Size, mem.size)])
	}
	res, err := b.dev.CreateBuffer(desc, initial)
	if err != nil {
		b.sink.Errorf(diag.CategoryGeneral, 0, "memory: create buffer %q: %v", buf.info.Label, err)
		return nil, false, err
	}
	o = buf.obj
	if o == nil {
		o = &Object{transfer: b.transfer}
		buf.obj = o
	}
	o.res, o.size, o.whole, o.readable = res, desc.Size, whole, readable
	mem.attachObject(o, offset)
	diag.Logger().Debug("memory: bind buffer", "label", buf.info.Label, "usage", desc.Usage, "offset", offset)
	return o, false, nil
}

// Destroy releases the native buffer unless the memory already did.
func (buf *Buffer) Destroy() {
	buf.mu.Lock()
	o := buf.obj
	buf.destroyed = true
	buf.obj = nil
	buf.mu.Unlock()
	if o == nil {
		return
	}
	if m := o.mem; m != nil {
		m.mu.Lock()
		m.detach(o)
		o.release()
		m.mu.Unlock()
		return
	}
	o.release()
}
