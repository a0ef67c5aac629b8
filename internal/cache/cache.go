package cache

import (
	"sync"
)

// Cache defines the lookup interface shared by the tuning and validation caches.
type Cache[K comparable, V any] interface {
	// Get retrieves a value from the cache.
	Get(key K) (V, bool)
	// Put stores a value in the cache.
	Put(key K, val V)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of Cache.
type MapCache[K comparable, V any] struct {
	data map[K]V
	mu   sync.RWMutex
	// clone, when set, copies values on the way in and out so callers can't
	// mutate what is cached.
	clone func(V) V
}

func NewMapCache[K comparable, V any]() *MapCache[K, V] {
	return &MapCache[K, V]{
		data: make(map[K]V),
	}
}

// NewSliceCache returns a cache that stores private copies of float32 slices.
func NewSliceCache[K comparable]() *MapCache[K, []float32] {
	c := NewMapCache[K, []float32]()
	c.clone = func(v []float32) []float32 {
		dst := make([]float32, len(v))
		copy(dst, v)
		return dst
	}
	return c
}

func (c *MapCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.data[key]
	if ok && c.clone != nil {
		v = c.clone(v)
	}
	return v, ok
}

func (c *MapCache[K, V]) Put(key K, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clone != nil {
		val = c.clone(val)
	}
	c.data[key] = val
}

// GetOrCompute returns the cached value for key, computing and storing it on a
// miss. Concurrent misses on the same key may compute more than once; the last
// result wins.
func (c *MapCache[K, V]) GetOrCompute(key K, fn func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := fn()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Put(key, v)
	return v, nil
}

func (c *MapCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
