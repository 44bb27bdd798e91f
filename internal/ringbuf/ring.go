// Package ringbuf provides a fixed-capacity FIFO buffer that evicts the
// oldest entry on push.
package ringbuf

// Ring is a bounded FIFO. It is not safe for concurrent use; callers that
// share a Ring must guard it themselves.
type Ring[T any] struct {
	items    []T
	head     int
	count    int
	capacity int
}

// New creates a ring holding at most capacity items. A capacity below 1 is
// treated as 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends v, evicting the oldest item when the ring is full.
// It reports whether an item was evicted.
func (r *Ring[T]) Push(v T) bool {
	r.items[r.head] = v
	r.head = (r.head + 1) % r.capacity

	if r.count < r.capacity {
		r.count++
		return false
	}
	return true
}

// Values returns the buffered items ordered oldest to newest.
func (r *Ring[T]) Values() []T {
	result := make([]T, r.count)
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		result[i] = r.items[(start+i)%r.capacity]
	}
	return result
}

// Recent returns the newest n items ordered oldest to newest.
func (r *Ring[T]) Recent(n int) []T {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return []T{}
	}

	result := make([]T, n)
	start := (r.head - n + r.capacity) % r.capacity
	for i := 0; i < n; i++ {
		result[i] = r.items[(start+i)%r.capacity]
	}
	return result
}

// Last returns the most recently pushed item.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.items[(r.head-1+r.capacity)%r.capacity], true
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	return r.count
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return r.capacity
}

// Clear drops all items.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.count = 0
}
