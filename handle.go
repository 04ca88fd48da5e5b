package explicit

import "github.com/gogpu/explicit/internal/arena"

// Handle types. The zero value of each is the null handle.
type (
	DeviceMemory        uint64
	Buffer              uint64
	Image               uint64
	ImageView           uint64
	Sampler             uint64
	ShaderModule        uint64
	DescriptorSetLayout uint64
	PipelineLayout      uint64
	DescriptorPool      uint64
	DescriptorSet       uint64
	Pipeline            uint64
	RenderPass          uint64
	Framebuffer         uint64
	CommandPool         uint64
	CommandBuffer       uint64
	Fence               uint64
	Event               uint64
	Semaphore           uint64
	QueryPool           uint64
	SwapchainKHR        uint64
)

// handle is the constraint of the handle types.
type handle interface {
	~uint64
}

// table is the owning table of one entity kind.
type table[H handle, T any] struct {
	*arena.Table[T]
}

func newTable[H handle, T any]() table[H, T] {
	return table[H, T]{arena.NewTable[T](16)}
}

func (t table[H, T]) insert(v T) H { return H(t.Insert(v)) }

// get returns the entity of h, or ErrorInvalidHandle.
func (t table[H, T]) get(h H) (T, error) {
	v, ok := t.Get(arena.Handle(h))
	if !ok {
		return v, ErrorInvalidHandle
	}
	return v, nil
}

// getOpt is get with the null handle allowed; it yields the zero value.
func (t table[H, T]) getOpt(h H) (T, error) {
	if h == 0 {
		var zero T
		return zero, nil
	}
	return t.get(h)
}

// remove takes h out of the table. Removing the null handle is a no-op.
func (t table[H, T]) remove(h H) (T, bool, error) {
	var zero T
	if h == 0 {
		return zero, false, nil
	}
	v, ok := t.Remove(arena.Handle(h))
	if !ok {
		return zero, false, ErrorInvalidHandle
	}
	return v, true, nil
}

// getAll resolves a handle list.
func getAll[H handle, T any](t table[H, T], hs []H) ([]T, error) {
	out := make([]T, len(hs))
	for i, h := range hs {
		v, err := t.get(h)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
