package utils

// -----------------------------------------------------------------------------
// RingBuffer is a fixed-size circular buffer of float samples.
// Appending to a full buffer overwrites the oldest sample.
// -----------------------------------------------------------------------------

type RingBuffer struct {
	data     []float64
	capacity int
	index    int // Next write position
	size     int // Current number of elements
}

// -----------------------------------------------------------------------------

// NewRingBuffer creates a new buffer with fixed capacity
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 50
	}

	return &RingBuffer{
		data:     make([]float64, capacity),
		capacity: capacity,
	}
}

// -----------------------------------------------------------------------------

// Append adds a sample
func (rb *RingBuffer) Append(v float64) {
	rb.data[rb.index] = v
	rb.index = (rb.index + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
	}
}

// -----------------------------------------------------------------------------

// Latest returns up to n newest samples, oldest first
func (rb *RingBuffer) Latest(n int) []float64 {
	if rb.size == 0 || n <= 0 {
		return []float64{}
	}
	if n > rb.size {
		n = rb.size
	}

	result := make([]float64, n)
	start := (rb.index - n + rb.capacity) % rb.capacity
	for i := 0; i < n; i++ {
		result[i] = rb.data[(start+i)%rb.capacity]
	}
	return result
}

// -----------------------------------------------------------------------------

// All returns every sample in insertion order (oldest to newest)
func (rb *RingBuffer) All() []float64 {
	return rb.Latest(rb.size)
}

// -----------------------------------------------------------------------------

// Size returns current number of elements
func (rb *RingBuffer) Size() int {
	return rb.size
}
