package hashmap

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// ConcurrentMap is a thin, generic wrapper around concurrent-map that exposes
// a sync.Map-shaped API. The underlying map is sharded, so concurrent access
// to unrelated keys does not contend on a single lock.
type ConcurrentMap[V any] struct {
	backend cmap.ConcurrentMap[string, V]
}

// NewConcurrentMap creates a new, empty ConcurrentMap.
//
// All maps share concurrent-map's package-wide shard count. It is read by the
// backend on every Count/iteration call, so it must never be reconfigured per
// map; maps built under different shard counts would index each other's shard
// slices out of range.
func NewConcurrentMap[V any]() *ConcurrentMap[V] {
	return &ConcurrentMap[V]{
		backend: cmap.New[V](),
	}
}

// Store sets the value for the given key.
func (m *ConcurrentMap[V]) Store(key string, value V) {
	m.backend.Set(key, value)
}

// Load returns the value stored for the given key, if present.
func (m *ConcurrentMap[V]) Load(key string) (ret V, ok bool) {
	return m.backend.Get(key)
}

// LoadAndDelete removes the key and returns the value that was stored for
// it, if any.
func (m *ConcurrentMap[V]) LoadAndDelete(key string) (retVal V, retExists bool) {
	m.backend.RemoveCb(key, func(key string, val V, exists bool) bool {
		retVal = val
		retExists = exists
		return true
	})
	return
}

// LoadOrStore stores value for the key if the key is absent. It returns the
// value that is in the map afterwards, and true if the value was already
// present.
func (m *ConcurrentMap[V]) LoadOrStore(key string, value V) (V, bool) {
	set := m.backend.SetIfAbsent(key, value)
	if set {
		return value, false
	}

	ret, _ := m.backend.Get(key)
	return ret, true
}

// Delete removes the key from the map.
func (m *ConcurrentMap[V]) Delete(key string) {
	m.backend.Remove(key)
}

// Has reports whether the map contains the given key.
func (m *ConcurrentMap[V]) Has(key string) bool {
	return m.backend.Has(key)
}

// Len returns the number of entries in the map.
func (m *ConcurrentMap[V]) Len() int {
	return m.backend.Count()
}

// Range calls fn for each key/value pair in the map. If fn returns false,
// Range stops the iteration. The iteration order is unspecified.
func (m *ConcurrentMap[V]) Range(fn func(key string, value V) bool) {
	for item := range m.backend.IterBuffered() {
		if !fn(item.Key, item.Val) {
			return
		}
	}
}

// Keys returns a snapshot of all keys currently in the map.
func (m *ConcurrentMap[V]) Keys() []string {
	return m.backend.Keys()
}
