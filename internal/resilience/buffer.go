package resilience

import "sync"

// Ring is a bounded FIFO safe for concurrent producers and one consumer.
// Push is O(1); when the ring is full the oldest element is evicted.
//
// Elements are addressed by an absolute position that only grows, so a
// consumer can Peek a batch, deliver it without holding the lock, and Ack
// it afterwards even if evictions happened meanwhile.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	head  int    // index of the oldest element in items
	count int    // number of live elements
	base  uint64 // absolute position of the oldest element
}

// NewRing creates a ring with the given capacity (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.items) }

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Push appends v. If the ring was full, the oldest element is evicted and
// returned with evicted=true.
func (r *Ring[T]) Push(v T) (old T, evicted bool, depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.items) {
		old = r.items[r.head]
		r.items[r.head] = v
		r.head = (r.head + 1) % len(r.items)
		r.base++
		return old, true, r.count
	}
	r.items[(r.head+r.count)%len(r.items)] = v
	r.count++
	return old, false, r.count
}

// Peek copies up to n of the oldest elements and returns them with the
// absolute position of the first one.
func (r *Ring[T]) Peek(n int) ([]T, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > r.count {
		n = r.count
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out, r.base
}

// Ack removes the elements [start, start+n) that are still buffered.
// Elements already evicted are skipped. It returns the remaining depth.
func (r *Ring[T]) Ack(start uint64, n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := start + uint64(n)
	if end <= r.base {
		return r.count
	}
	drop := int(end - r.base)
	if drop > r.count {
		drop = r.count
	}
	var zero T
	for i := 0; i < drop; i++ {
		r.items[r.head] = zero
		r.head = (r.head + 1) % len(r.items)
	}
	r.count -= drop
	r.base += uint64(drop)
	return r.count
}

// Snapshot returns every buffered element, oldest first.
func (r *Ring[T]) Snapshot() []T {
	out, _ := r.Peek(r.Cap())
	return out
}
