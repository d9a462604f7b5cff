package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type micRecorder struct {
	mu   sync.Mutex
	sent []bool
}

func (r *micRecorder) send(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, enabled)
}

func (r *micRecorder) values() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.sent...)
}

func TestMicDebouncerFirstChangeImmediate(t *testing.T) {
	t.Parallel()
	rec := &micRecorder{}
	d := newMicDebouncer(time.Hour, rec.send)
	defer d.stop()

	d.set(true)
	assert.Equal(t, []bool{true}, rec.values())
}

func TestMicDebouncerCoalescesToSentState(t *testing.T) {
	t.Parallel()
	rec := &micRecorder{}
	d := newMicDebouncer(30*time.Millisecond, rec.send)
	defer d.stop()

	d.set(true)
	d.set(false)
	d.set(true)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []bool{true}, rec.values())
}

func TestMicDebouncerSendsFinalDifferingState(t *testing.T) {
	t.Parallel()
	rec := &micRecorder{}
	d := newMicDebouncer(30*time.Millisecond, rec.send)
	defer d.stop()

	d.set(true)
	d.set(false)
	d.set(true)
	d.set(false)

	assert.Eventually(t, func() bool {
		v := rec.values()
		return len(v) == 2 && v[0] && !v[1]
	}, time.Second, 5*time.Millisecond)
}

func TestMicDebouncerNewWindowAfterFire(t *testing.T) {
	t.Parallel()
	rec := &micRecorder{}
	d := newMicDebouncer(20*time.Millisecond, rec.send)
	defer d.stop()

	d.set(false)
	time.Sleep(60 * time.Millisecond)
	d.set(true)
	assert.Equal(t, []bool{false, true}, rec.values())
}

func TestMicDebouncerStopped(t *testing.T) {
	t.Parallel()
	rec := &micRecorder{}
	d := newMicDebouncer(10*time.Millisecond, rec.send)

	d.stop()
	d.set(true)
	assert.Empty(t, rec.values())
}
