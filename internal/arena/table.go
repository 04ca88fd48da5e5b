// Package arena provides generation-checked entity tables.
//
// Every explicit API object lives in exactly one Table owned by its device.
// Callers hold an opaque Handle; releasing an object is a table operation,
// after which the handle no longer resolves even if the slot is reused.
package arena

import (
	"sync"
)

// Handle is an opaque reference into a Table.
// The low 32 bits hold the slot index plus one, the high 32 bits hold the
// slot generation. The zero value is the null handle.
type Handle uint64

// Null is the handle that never resolves.
const Null Handle = 0

// IsNull reports whether h is the null handle.
func (h Handle) IsNull() bool {
	return h == Null
}

// index returns the zero-based slot index.
func (h Handle) index() uint32 {
	return uint32(h) - 1 // #nosec G115 -- masked low half
}

// generation returns the slot generation encoded in h.
func (h Handle) generation() uint32 {
	return uint32(h >> 32) // #nosec G115 -- high half
}

func makeHandle(index, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index+1))
}

type slot[T any] struct {
	value T
	gen   uint32
	live  bool
}

// Table stores entities of one kind.
//
// Table is safe for concurrent use. Values are returned by copy, so T is
// normally a pointer type.
type Table[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	live  int
}

// NewTable creates an empty table with room for capacity entities.
func NewTable[T any](capacity int) *Table[T] {
	return &Table[T]{
		slots: make([]slot[T], 0, capacity),
	}
}

// Insert stores v and returns its handle.
func (t *Table[T]) Insert(v T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.live++
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		s := &t.slots[idx]
		s.value = v
		s.live = true
		return makeHandle(idx, s.gen)
	}

	// #nosec G115 -- table size is bounded by available memory, well under uint32 max
	idx := uint32(len(t.slots))
	t.slots = append(t.slots, slot[T]{value: v, gen: 1, live: true})
	return makeHandle(idx, 1)
}

// Get returns the entity for h.
// The boolean is false for null, stale, or foreign handles.
func (t *Table[T]) Get(h Handle) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.lookupLocked(h)
	if !ok {
		var zero T
		return zero, false
	}
	return s.value, true
}

// Remove deletes the entity for h and returns it.
// The slot generation is bumped so h and every copy of it become stale.
func (t *Table[T]) Remove(h Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	s, ok := t.lookupLocked(h)
	if !ok {
		return zero, false
	}
	v := s.value
	s.value = zero
	s.live = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	t.free = append(t.free, h.index())
	t.live--
	return v, true
}

// Len returns the number of live entities.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// Each calls fn for every live entity in slot order until fn returns false.
// fn must not call back into the table.
func (t *Table[T]) Each(fn func(Handle, T) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := range t.slots {
		s := &t.slots[i]
		if !s.live {
			continue
		}
		// #nosec G115 -- slot index fits uint32, see Insert
		if !fn(makeHandle(uint32(i), s.gen), s.value) {
			return
		}
	}
}

func (t *Table[T]) lookupLocked(h Handle) (*slot[T], bool) {
	if h.IsNull() {
		return nil, false
	}
	idx := h.index()
	if int(idx) >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[idx]
	if !s.live || s.gen != h.generation() {
		return nil, false
	}
	return s, true
}
