package session

import "sync"

// RingBuffer is a fixed-capacity circular buffer of audio frames. When full,
// Write overwrites the oldest frame.
type RingBuffer struct {
	mu       sync.Mutex
	buf      [][]byte
	capacity int
	pos      int // next write position
	full     bool
	dropped  uint64
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([][]byte, capacity),
		capacity: capacity,
	}
}

// Write appends a frame and reports whether an older frame was dropped.
func (rb *RingBuffer) Write(frame []byte) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	dropped := rb.full
	if dropped {
		rb.dropped++
	}
	rb.buf[rb.pos] = frame
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
	return dropped
}

// Len returns the number of buffered frames.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.full {
		return rb.capacity
	}
	return rb.pos
}

// Dropped returns how many frames were overwritten since creation.
func (rb *RingBuffer) Dropped() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.dropped
}

// Drain returns all frames in arrival order and empties the buffer.
func (rb *RingBuffer) Drain() [][]byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var result [][]byte
	if !rb.full {
		result = make([][]byte, rb.pos)
		copy(result, rb.buf[:rb.pos])
	} else {
		result = make([][]byte, rb.capacity)
		copy(result, rb.buf[rb.pos:])
		copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	}

	clear(rb.buf)
	rb.pos = 0
	rb.full = false
	return result
}
