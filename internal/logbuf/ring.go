// Package logbuf keeps the most recent output of a process so it can be
// shown after the fact.
package logbuf

import "sync"

// DefaultCapacity is the number of lines kept per process when the caller
// does not choose.
const DefaultCapacity = 1000

// Ring is a fixed-capacity buffer holding the newest items pushed into it.
// Once full, each push overwrites the oldest item. Safe for concurrent use.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	next  int    // slot the next push writes
	count int    // items currently held
	total uint64 // items ever pushed
}

// New creates a ring holding up to capacity items. A non-positive capacity
// selects DefaultCapacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest item when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[r.next] = v
	r.next = (r.next + 1) % len(r.items)
	if r.count < len(r.items) {
		r.count++
	}
	r.total++
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the ring's capacity.
func (r *Ring[T]) Cap() int { return len(r.items) }

// Total returns how many items were ever pushed, including evicted ones.
func (r *Ring[T]) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Tail returns a copy of the newest n items, oldest first. It returns
// everything held when n exceeds Len, and nil when n is not positive.
func (r *Ring[T]) Tail(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || r.count == 0 {
		return nil
	}
	n = min(n, r.count)

	out := make([]T, n)
	start := (r.next - n + len(r.items)) % len(r.items)
	for i := range n {
		out[i] = r.items[(start+i)%len(r.items)]
	}
	return out
}
