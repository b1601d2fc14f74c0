package buffer

import (
	"sync"

	"go.uber.org/zap"
)

// RingBuffer is a thread-safe generic circular buffer that keeps the most recent items.
// Once full, every Add evicts the oldest entry.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	size     int
	head     int
	evicted  uint64
	logger   *zap.Logger
}

// New creates a RingBuffer with the specified capacity.
// A non-positive capacity is raised to 1.
func New[T any](capacity int, logger *zap.Logger) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// Add inserts an item, overwriting the oldest one when the buffer is full
func (rb *RingBuffer[T]) Add(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == rb.capacity {
		rb.evicted++
		rb.logger.Debug("ring buffer full, evicting oldest entry",
			zap.Int("capacity", rb.capacity),
			zap.Uint64("evicted_total", rb.evicted))
	}

	rb.data[rb.head] = item
	rb.head = (rb.head + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
	}
}

// Snapshot returns a copy of the buffered items ordered oldest to newest.
// The buffer is left untouched.
func (rb *RingBuffer[T]) Snapshot() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return nil
	}

	items := make([]T, rb.size)
	start := (rb.head - rb.size + rb.capacity) % rb.capacity
	for i := 0; i < rb.size; i++ {
		items[i] = rb.data[(start+i)%rb.capacity]
	}
	return items
}

// Latest returns the most recently added item
func (rb *RingBuffer[T]) Latest() (T, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var zero T
	if rb.size == 0 {
		return zero, false
	}
	return rb.data[(rb.head-1+rb.capacity)%rb.capacity], true
}

// Size returns the current number of entries in the buffer
func (rb *RingBuffer[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the maximum capacity of the buffer
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}

// Evicted returns how many entries were overwritten since creation
func (rb *RingBuffer[T]) Evicted() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.evicted
}
