package explicit

import (
	"github.com/gogpu/explicit/internal/memory"
	"github.com/gogpu/explicit/native"
)

// Memory type indices accepted by AllocateMemory.
const (
	MemoryTypeDeviceLocal  = memory.TypeDeviceLocal
	MemoryTypeHostCoherent = memory.TypeHostCoherent
	MemoryTypeHostCached   = memory.TypeHostCached
)

// MemoryProperty is a memory property flag set.
type MemoryProperty = memory.Property

// Memory properties.
const (
	MemoryPropertyDeviceLocal  = memory.PropDeviceLocal
	MemoryPropertyHostVisible  = memory.PropHostVisible
	MemoryPropertyHostCoherent = memory.PropHostCoherent
	MemoryPropertyHostCached   = memory.PropHostCached
)

// WholeSize selects the rest of an allocation or buffer.
const WholeSize = memory.WholeSize

// Resource descriptions.
type (
	MemoryRequirements = memory.Requirements
	SubresourceLayout  = memory.SubresourceLayout
	BufferCreateInfo   = memory.BufferInfo
	ImageCreateInfo    = memory.ImageInfo
	ImageViewInfo      = memory.ViewInfo
	SamplerCreateInfo  = native.SamplerDesc
)

// MappedMemoryRange is a range of a mapped allocation.
type MappedMemoryRange struct {
	Memory DeviceMemory
	Offset uint64
	Size   uint64
}

// MemoryTypeProperties returns the properties of memory type t, or zero
// for an unknown type.
func MemoryTypeProperties(t uint32) MemoryProperty { return memory.Properties(t) }

// AllocateMemory allocates size bytes of memory type typ. Host-visible
// memory gets a shadow filled with a fixed pattern.
func (d *Device) AllocateMemory(size uint64, typ uint32) (DeviceMemory, error) {
	m, err := d.binder.Allocate(size, typ)
	if err != nil {
		return 0, d.fail("AllocateMemory", 0, err)
	}
	return d.memories.insert(m), nil
}

// FreeMemory frees mem and releases the native resources bound to it.
// Freeing the null handle does nothing.
func (d *Device) FreeMemory(mem DeviceMemory) error {
	m, ok, err := d.memories.remove(mem)
	if err != nil {
		return d.fail("FreeMemory", uint64(mem), err)
	}
	if ok {
		m.Free()
	}
	return nil
}

// MapMemory maps size bytes at offset and returns the shadow range.
// size may be WholeSize. Memory can be mapped once at a time.
func (d *Device) MapMemory(mem DeviceMemory, offset, size uint64) ([]byte, error) {
	m, err := d.memories.get(mem)
	if err != nil {
		return nil, d.fail("MapMemory", uint64(mem), err)
	}
	data, err := m.Map(offset, size)
	if err != nil {
		return nil, d.fail("MapMemory", uint64(mem), err)
	}
	return data, nil
}

// UnmapMemory unmaps mem, flushing the mapped range.
func (d *Device) UnmapMemory(mem DeviceMemory) error {
	m, err := d.memories.get(mem)
	if err != nil {
		return d.fail("UnmapMemory", uint64(mem), err)
	}
	return d.fail("UnmapMemory", uint64(mem), m.Unmap())
}

// FlushMappedMemoryRanges copies the shadow ranges to the bound native
// resources.
func (d *Device) FlushMappedMemoryRanges(ranges []MappedMemoryRange) error {
	return d.eachRange("FlushMappedMemoryRanges", ranges, (*memory.Memory).Flush)
}

// InvalidateMappedMemoryRanges refreshes the shadow ranges from the bound
// native resources.
func (d *Device) InvalidateMappedMemoryRanges(ranges []MappedMemoryRange) error {
	return d.eachRange("InvalidateMappedMemoryRanges", ranges, (*memory.Memory).Invalidate)
}

func (d *Device) eachRange(op string, ranges []MappedMemoryRange, fn func(*memory.Memory, uint64, uint64) error) error {
	mems := make([]*memory.Memory, len(ranges))
	for i, r := range ranges {
		m, err := d.memories.get(r.Memory)
		if err != nil {
			return d.fail(op, uint64(r.Memory), err)
		}
		mems[i] = m
	}
	for i, r := range ranges {
		if err := fn(mems[i], r.Offset, r.Size); err != nil {
			return d.fail(op, uint64(r.Memory), err)
		}
	}
	return nil
}

// CreateBuffer creates a buffer. Its native buffer is created when it is
// first bound to memory.
func (d *Device) CreateBuffer(info BufferCreateInfo) (Buffer, error) {
	b, err := d.binder.NewBuffer(info)
	if err != nil {
		return 0, d.fail("CreateBuffer", 0, err)
	}
	return d.buffers.insert(b), nil
}

// DestroyBuffer destroys buf.
func (d *Device) DestroyBuffer(buf Buffer) error {
	b, ok, err := d.buffers.remove(buf)
	if err != nil {
		return d.fail("DestroyBuffer", uint64(buf), err)
	}
	if ok {
		b.Destroy()
	}
	return nil
}

// GetBufferMemoryRequirements returns the size, alignment and memory types
// buf can be bound with.
func (d *Device) GetBufferMemoryRequirements(buf Buffer) (MemoryRequirements, error) {
	b, err := d.buffers.get(buf)
	if err != nil {
		return MemoryRequirements{}, d.fail("GetBufferMemoryRequirements", uint64(buf), err)
	}
	return b.Requirements(), nil
}

// BindBufferMemory binds buf to mem at offset and creates its native
// buffer.
func (d *Device) BindBufferMemory(buf Buffer, mem DeviceMemory, offset uint64) error {
	b, err := d.buffers.get(buf)
	if err != nil {
		return d.fail("BindBufferMemory", uint64(buf), err)
	}
	m, err := d.memories.get(mem)
	if err != nil {
		return d.fail("BindBufferMemory", uint64(mem), err)
	}
	return d.fail("BindBufferMemory", uint64(buf), d.binder.BindBuffer(b, m, offset))
}

// CreateImage creates an image. Its native texture is created when it is
// first bound to memory.
func (d *Device) CreateImage(info ImageCreateInfo) (Image, error) {
	img, err := d.binder.NewImage(info)
	if err != nil {
		return 0, d.fail("CreateImage", 0, err)
	}
	return d.images.insert(img), nil
}

// DestroyImage destroys img. Swapchain images cannot be destroyed.
func (d *Device) DestroyImage(img Image) error {
	i, err := d.images.getOpt(img)
	if err != nil {
		return d.fail("DestroyImage", uint64(img), err)
	}
	if i == nil {
		return nil
	}
	if i.External() {
		return d.fail("DestroyImage", uint64(img), ErrorValidationFailed)
	}
	if _, ok, _ := d.images.remove(img); ok {
		i.Destroy()
	}
	return nil
}

// GetImageMemoryRequirements returns the size, alignment and memory types
// img can be bound with.
func (d *Device) GetImageMemoryRequirements(img Image) (MemoryRequirements, error) {
	i, err := d.images.get(img)
	if err != nil {
		return MemoryRequirements{}, d.fail("GetImageMemoryRequirements", uint64(img), err)
	}
	return i.Requirements(), nil
}

// GetImageSubresourceLayout returns where a subresource of img lives in
// its memory, relative to the bind offset.
func (d *Device) GetImageSubresourceLayout(img Image, mip, layer uint32) (SubresourceLayout, error) {
	i, err := d.images.get(img)
	if err != nil {
		return SubresourceLayout{}, d.fail("GetImageSubresourceLayout", uint64(img), err)
	}
	l, ok := i.SubresourceLayout(mip, layer)
	if !ok {
		return SubresourceLayout{}, d.fail("GetImageSubresourceLayout", uint64(img), ErrorValidationFailed)
	}
	return l, nil
}

// BindImageMemory binds img to mem at offset and creates its native
// texture.
func (d *Device) BindImageMemory(img Image, mem DeviceMemory, offset uint64) error {
	i, err := d.images.get(img)
	if err != nil {
		return d.fail("BindImageMemory", uint64(img), err)
	}
	m, err := d.memories.get(mem)
	if err != nil {
		return d.fail("BindImageMemory", uint64(mem), err)
	}
	return d.fail("BindImageMemory", uint64(img), d.binder.BindImage(i, m, offset))
}

// CreateImageView creates a view of a bound image.
func (d *Device) CreateImageView(img Image, info ImageViewInfo) (ImageView, error) {
	i, err := d.images.get(img)
	if err != nil {
		return 0, d.fail("CreateImageView", uint64(img), err)
	}
	v, err := d.binder.NewImageView(i, info)
	if err != nil {
		return 0, d.fail("CreateImageView", uint64(img), err)
	}
	return d.views.insert(v), nil
}

// DestroyImageView destroys view.
func (d *Device) DestroyImageView(view ImageView) error {
	v, ok, err := d.views.remove(view)
	if err != nil {
		return d.fail("DestroyImageView", uint64(view), err)
	}
	if ok {
		v.Destroy()
	}
	return nil
}

// CreateSampler creates a sampler.
func (d *Device) CreateSampler(info SamplerCreateInfo) (Sampler, error) {
	s, err := d.binder.NewSampler(info)
	if err != nil {
		return 0, d.fail("CreateSampler", 0, err)
	}
	return d.samplers.insert(s), nil
}

// DestroySampler destroys s.
func (d *Device) DestroySampler(s Sampler) error {
	v, ok, err := d.samplers.remove(s)
	if err != nil {
		return d.fail("DestroySampler", uint64(s), err)
	}
	if ok {
		v.Destroy()
	}
	return nil
}
