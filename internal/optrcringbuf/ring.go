// Package optrcringbuf keeps the most recent values of a stream, grouped by
// category.
package optrcringbuf

import (
	"sort"
	"sync"
)

// Ring is a fixed-capacity collection of the most recent values added to it.
type Ring[T any] struct {
	mtx  sync.Mutex
	vals []T // allocated at construction
	next int // write position, read backwards from here
	n    int // number of values stored
}

// NewRing returns an empty ring with the given capacity. A capacity of zero
// or less produces a ring which stores nothing.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Ring[T]{vals: make([]T, capacity)}
}

// Push adds the value to the ring. If the ring was full, the oldest value is
// evicted, and returned along with true.
func (r *Ring[T]) Push(val T) (evicted T, ok bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if len(r.vals) <= 0 {
		return evicted, false
	}

	if r.n >= len(r.vals) {
		evicted, ok = r.vals[r.next], true
	} else {
		r.n++
	}

	r.vals[r.next] = val
	r.next = (r.next + 1) % len(r.vals)

	return evicted, ok
}

// Recent returns up to n values, newest first. If n is zero or less, all
// stored values are returned.
func (r *Ring[T]) Recent(n int) []T {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if n <= 0 || n > r.n {
		n = r.n
	}

	res := make([]T, 0, n)
	for i := 0; i < n; i++ {
		idx := r.next - 1 - i
		if idx < 0 {
			idx += len(r.vals)
		}
		res = append(res, r.vals[idx])
	}
	return res
}

// Len returns the number of stored values.
func (r *Ring[T]) Len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.n
}

//
//
//

// Rings is a set of rings with the same capacity, keyed by category.
type Rings[T any] struct {
	mtx      sync.Mutex
	capacity int
	rings    map[string]*Ring[T]
}

// NewRings returns an empty set, which creates rings of the given capacity
// on demand.
func NewRings[T any](capacity int) *Rings[T] {
	return &Rings[T]{
		capacity: capacity,
		rings:    map[string]*Ring[T]{},
	}
}

// Get returns the ring for the category, creating it if necessary.
func (rs *Rings[T]) Get(category string) *Ring[T] {
	rs.mtx.Lock()
	defer rs.mtx.Unlock()

	r, ok := rs.rings[category]
	if !ok {
		r = NewRing[T](rs.capacity)
		rs.rings[category] = r
	}
	return r
}

// Lookup returns the ring for the category, if it exists.
func (rs *Rings[T]) Lookup(category string) (*Ring[T], bool) {
	rs.mtx.Lock()
	defer rs.mtx.Unlock()

	r, ok := rs.rings[category]
	return r, ok
}

// Categories returns the sorted categories with a ring.
func (rs *Rings[T]) Categories() []string {
	rs.mtx.Lock()
	defer rs.mtx.Unlock()

	res := make([]string, 0, len(rs.rings))
	for category := range rs.rings {
		res = append(res, category)
	}
	sort.Strings(res)
	return res
}
