package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(id int) []byte {
	return []byte(fmt.Sprintf("frame-%d", id))
}

func TestRingBuffer_EmptyDrain(t *testing.T) {
	rb := NewRingBuffer(10)
	assert.Empty(t, rb.Drain())
	assert.Zero(t, rb.Len())
}

func TestRingBuffer_PartialFill(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 5; i++ {
		assert.False(t, rb.Write(frame(i)))
	}

	frames := rb.Drain()
	require.Len(t, frames, 5)
	for i, f := range frames {
		assert.Equal(t, frame(i), f)
	}
	assert.Zero(t, rb.Len())
}

func TestRingBuffer_OverflowDropsOldest(t *testing.T) {
	rb := NewRingBuffer(5)
	dropped := 0
	for i := 0; i < 8; i++ {
		if rb.Write(frame(i)) {
			dropped++
		}
	}
	assert.Equal(t, 3, dropped)
	assert.EqualValues(t, 3, rb.Dropped())
	assert.Equal(t, 5, rb.Len())

	// Should have frames 3..7.
	frames := rb.Drain()
	require.Len(t, frames, 5)
	for i, f := range frames {
		assert.Equal(t, frame(i+3), f)
	}
}

func TestRingBuffer_ReusableAfterDrain(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 3; i++ {
		rb.Write(frame(i))
	}
	rb.Drain()

	rb.Write(frame(9))
	assert.Equal(t, [][]byte{frame(9)}, rb.Drain())
}
