// Package sizedmap implements the BoundedMap / SizedMap of spec §2.B: an
// ordered uint64-keyed map with a capacity ceiling and eviction of the
// smallest key once that ceiling is exceeded. Timeslice indices and
// descriptor indices are both monotonically increasing, so "smallest
// key" eviction is equivalent to the oldest-entry LRU policy the spec
// describes without needing a separate access-order list.
package sizedmap

import "github.com/google/btree"

const treeDegree = 32

type item struct {
	key uint64
}

func (i item) Less(than btree.Item) bool { return i.key < than.(item).key }

// Map is an ordered key->value store bounded to a fixed capacity.
type Map[V any] struct {
	tree *btree.BTree
	idx  map[uint64]V
	cap  int
}

// New creates a Map that evicts its smallest key once more than capacity
// entries are held. capacity <= 0 means unbounded.
func New[V any](capacity int) *Map[V] {
	return &Map[V]{tree: btree.New(treeDegree), idx: make(map[uint64]V), cap: capacity}
}

// Put inserts or replaces key's value. If the map is over capacity after
// the insert, the smallest remaining key is evicted and returned.
func (m *Map[V]) Put(key uint64, val V) (evictedKey uint64, evicted bool) {
	if _, exists := m.idx[key]; !exists {
		m.tree.ReplaceOrInsert(item{key: key})
	}
	m.idx[key] = val
	if m.cap > 0 && len(m.idx) > m.cap {
		min := m.tree.Min().(item)
		m.tree.Delete(min)
		delete(m.idx, min.key)
		return min.key, true
	}
	return 0, false
}

// Get returns the value stored for key, if any.
func (m *Map[V]) Get(key uint64) (V, bool) {
	v, ok := m.idx[key]
	return v, ok
}

// Contains reports whether key is present.
func (m *Map[V]) Contains(key uint64) bool {
	_, ok := m.idx[key]
	return ok
}

// Delete removes key, returning its prior value.
func (m *Map[V]) Delete(key uint64) (V, bool) {
	v, ok := m.idx[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(m.idx, key)
	m.tree.Delete(item{key: key})
	return v, true
}

// Len returns the number of entries held.
func (m *Map[V]) Len() int { return len(m.idx) }

// FirstKey returns the smallest key held, if any.
func (m *Map[V]) FirstKey() (uint64, bool) {
	if m.tree.Len() == 0 {
		return 0, false
	}
	return m.tree.Min().(item).key, true
}

// LastKey returns the largest key held, if any.
func (m *Map[V]) LastKey() (uint64, bool) {
	if m.tree.Len() == 0 {
		return 0, false
	}
	return m.tree.Max().(item).key, true
}

// Ascend visits entries in ascending key order until fn returns false.
func (m *Map[V]) Ascend(fn func(key uint64, val V) bool) {
	m.tree.Ascend(func(bi btree.Item) bool {
		it := bi.(item)
		return fn(it.key, m.idx[it.key])
	})
}

// AscendRange visits entries with key in [from, to) in ascending order.
func (m *Map[V]) AscendRange(from, to uint64, fn func(key uint64, val V) bool) {
	m.tree.AscendRange(item{key: from}, item{key: to}, func(bi btree.Item) bool {
		it := bi.(item)
		return fn(it.key, m.idx[it.key])
	})
}
