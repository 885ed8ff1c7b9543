package quality

import "sync"

// sampleRing stores the most recent samples with a fixed capacity.
type sampleRing struct {
	mu       sync.RWMutex
	data     []Sample
	capacity int
	size     int
	head     int
	tail     int
}

func newSampleRing(capacity int) *sampleRing {
	if capacity < 1 {
		capacity = 1
	}
	return &sampleRing{
		data:     make([]Sample, capacity),
		capacity: capacity,
	}
}

func (r *sampleRing) Add(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[r.head] = s
	r.head = (r.head + 1) % r.capacity

	if r.size < r.capacity {
		r.size++
	} else {
		r.tail = (r.tail + 1) % r.capacity
	}
}

// Recent returns up to n samples, most recent first.
func (r *sampleRing) Recent(n int) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.size {
		n = r.size
	}
	result := make([]Sample, n)
	pos := (r.head - 1 + r.capacity) % r.capacity
	for i := 0; i < n; i++ {
		result[i] = r.data[pos]
		pos = (pos - 1 + r.capacity) % r.capacity
	}
	return result
}

// All returns every stored sample in chronological order.
func (r *sampleRing) All() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return nil
	}
	result := make([]Sample, r.size)
	pos := r.tail
	for i := 0; i < r.size; i++ {
		result[i] = r.data[pos]
		pos = (pos + 1) % r.capacity
	}
	return result
}

func (r *sampleRing) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
