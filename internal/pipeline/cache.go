package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/gogpu/explicit/native"
)

// StateCache deduplicates the depth-stencil and rasterizer objects that
// command buffers create for dynamic state while recording.
//
// StateCache is safe for concurrent use. Lookups take a read lock; misses
// take the write lock and check again before creating.
type StateCache struct {
	dev native.Device

	mu           sync.RWMutex
	depthStencil map[native.DepthStencilDesc]native.DepthStencilState
	rasterizer   map[native.RasterizerDesc]native.RasterizerState

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewStateCache returns an empty cache creating objects on dev.
func NewStateCache(dev native.Device) *StateCache {
	return &StateCache{
		dev:          dev,
		depthStencil: make(map[native.DepthStencilDesc]native.DepthStencilState),
		rasterizer:   make(map[native.RasterizerDesc]native.RasterizerState),
	}
}

// DepthStencil returns the shared depth-stencil object for desc.
func (c *StateCache) DepthStencil(desc native.DepthStencilDesc) (native.DepthStencilState, error) {
	return lookup(c, c.depthStencil, desc, c.dev.CreateDepthStencilState)
}

// Rasterizer returns the shared rasterizer object for desc.
func (c *StateCache) Rasterizer(desc native.RasterizerDesc) (native.RasterizerState, error) {
	return lookup(c, c.rasterizer, desc, c.dev.CreateRasterizerState)
}

func lookup[K comparable, V any](c *StateCache, m map[K]V, key K, create func(K) (V, error)) (V, error) {
	c.mu.RLock()
	if v, ok := m[key]; ok {
		c.mu.RUnlock()
		c.hits.Add(1)
		return v, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := m[key]; ok {
		c.hits.Add(1)
		return v, nil
	}
	v, err := create(key)
	if err != nil {
		return v, err
	}
	m[key] = v
	c.misses.Add(1)
	return v, nil
}

// Stats returns cache hits and misses.
func (c *StateCache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached objects.
func (c *StateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.depthStencil) + len(c.rasterizer)
}

// Release releases every cached object and empties the cache.
func (c *StateCache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.depthStencil {
		v.Release()
		delete(c.depthStencil, k)
	}
	for k, v := range c.rasterizer {
		v.Release()
		delete(c.rasterizer, k)
	}
}
