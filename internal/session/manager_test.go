package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"glasshub/internal/display"
	"glasshub/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []protocol.GlassesOutbound
	closed int
}

func (f *fakeTransport) SendJSON(msg protocol.GlassesOutbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed > 0 {
		return errors.New("closed")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeConn struct {
	mu     sync.Mutex
	closed int
}

func (c *fakeConn) SendJSON(protocol.TPAOutbound) error { return nil }
func (c *fakeConn) SendBinary([]byte) error             { return nil }
func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (s *recordingSink) WriteAudio(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("pipeline closed")
	}
	s.frames = append(s.frames, frame)
	return nil
}

func newTestRegistry(grace time.Duration) *Registry {
	return NewRegistry(Options{
		ReconnectGrace:    grace,
		AudioBufferFrames: 8,
		Display:           display.Options{SystemPackage: "org.augmentos.dashboard"},
	}, nil)
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := newTestRegistry(time.Minute)
	s := r.Create(&fakeTransport{})

	got, err := r.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Empty(t, s.ActiveApps())
	assert.Empty(t, s.LoadingApps())
	assert.True(t, s.DisconnectedAt().IsZero())
	assert.NotNil(t, s.Display())

	_, err = r.Get("nonexistent")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_ReconnectWithoutPrior(t *testing.T) {
	r := newTestRegistry(time.Minute)
	s := r.Create(&fakeTransport{})
	tmp := s.ID()

	prior, err := r.Reconnect(s, "user@example.com")
	require.NoError(t, err)
	assert.Nil(t, prior)
	assert.Equal(t, "user@example.com", s.ID())
	assert.Equal(t, "user@example.com", s.UserID())

	_, err = r.Get(tmp)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Len(t, r.List(), 1)
}

func TestRegistry_ReconnectMigratesState(t *testing.T) {
	r := newTestRegistry(time.Minute)
	oldT := &fakeTransport{}
	old := r.Create(oldT)
	_, err := r.Reconnect(old, "u1")
	require.NoError(t, err)

	conn := &fakeConn{}
	require.True(t, old.MarkLoading("com.a"))
	old.BindConnection("com.a", conn)
	require.True(t, old.MarkLoading("com.b"))
	sink := &recordingSink{}
	require.NoError(t, old.AttachAudio(sink))
	old.SetCapturing(true)
	arbiter := old.Display()
	r.MarkDisconnected(old)

	fresh := r.Create(&fakeTransport{})
	prior, err := r.Reconnect(fresh, "u1")
	require.NoError(t, err)
	assert.Same(t, old, prior)
	assert.True(t, old.Retired())
	assert.Equal(t, 1, oldT.closeCount())

	assert.Equal(t, []string{"com.a"}, fresh.ActiveApps())
	assert.Equal(t, []string{"com.b"}, fresh.LoadingApps())
	c, ok := fresh.Connection("com.a")
	require.True(t, ok)
	assert.Same(t, conn, c)
	assert.Same(t, arbiter, fresh.Display())
	assert.True(t, fresh.DisconnectedAt().IsZero())
	assert.False(t, old.Capturing())
}

func TestRegistry_ReconnectIsIdempotent(t *testing.T) {
	r := newTestRegistry(time.Minute)
	t0 := &fakeTransport{}
	s0 := r.Create(t0)
	_, err := r.Reconnect(s0, "u1")
	require.NoError(t, err)
	require.True(t, s0.MarkLoading("com.a"))
	s0.BindConnection("com.a", &fakeConn{})

	t1 := &fakeTransport{}
	s1 := r.Create(t1)
	require.True(t, s1.MarkLoading("com.b"))
	s1.BindConnection("com.b", &fakeConn{})
	t2 := &fakeTransport{}
	s2 := r.Create(t2)

	_, err = r.Reconnect(s1, "u1")
	require.NoError(t, err)
	_, err = r.Reconnect(s2, "u1")
	require.NoError(t, err)
	prior, err := r.Reconnect(s2, "u1")
	require.NoError(t, err)
	assert.Nil(t, prior)

	sessions := r.List()
	require.Len(t, sessions, 1)
	assert.Same(t, s2, sessions[0])
	assert.ElementsMatch(t, []string{"com.a", "com.b"}, s2.ActiveApps())
	assert.Equal(t, 1, t0.closeCount())
	assert.Equal(t, 1, t1.closeCount())
	assert.Equal(t, 0, t2.closeCount())

	_, err = r.Reconnect(s1, "u1")
	assert.ErrorIs(t, err, ErrSessionRetired)
}

func TestRegistry_ReconnectRequiresUserID(t *testing.T) {
	r := newTestRegistry(time.Minute)
	_, err := r.Reconnect(r.Create(&fakeTransport{}), "")
	assert.ErrorIs(t, err, ErrUserIDRequired)
}

func TestRegistry_GraceExpiry(t *testing.T) {
	r := newTestRegistry(30 * time.Millisecond)
	expired := make(chan *UserSession, 1)
	r.OnExpire(func(s *UserSession) { expired <- s })

	tr := &fakeTransport{}
	s := r.Create(tr)
	_, err := r.Reconnect(s, "u1")
	require.NoError(t, err)

	r.MarkDisconnected(s)
	assert.False(t, s.DisconnectedAt().IsZero())
	assert.False(t, r.IsExpired("u1"))

	select {
	case got := <-expired:
		assert.Same(t, s, got)
	case <-time.After(time.Second):
		t.Fatal("session did not expire")
	}
	_, err = r.Get("u1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.True(t, s.Retired())
}

func TestRegistry_ReconnectCancelsGraceTimer(t *testing.T) {
	r := newTestRegistry(30 * time.Millisecond)
	expired := make(chan *UserSession, 1)
	r.OnExpire(func(s *UserSession) { expired <- s })

	s := r.Create(&fakeTransport{})
	_, err := r.Reconnect(s, "u1")
	require.NoError(t, err)
	r.MarkDisconnected(s)

	fresh := r.Create(&fakeTransport{})
	_, err = r.Reconnect(fresh, "u1")
	require.NoError(t, err)

	select {
	case <-expired:
		t.Fatal("reconnected session expired")
	case <-time.After(100 * time.Millisecond):
	}
	got, err := r.Get("u1")
	require.NoError(t, err)
	assert.Same(t, fresh, got)
}

func TestRegistry_IsExpired(t *testing.T) {
	r := newTestRegistry(time.Hour)
	s := r.Create(&fakeTransport{})
	base := time.Now()
	r.now = func() time.Time { return base }
	r.MarkDisconnected(s)

	r.now = func() time.Time { return base.Add(30 * time.Minute) }
	assert.False(t, r.IsExpired(s.ID()))
	r.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.True(t, r.IsExpired(s.ID()))
	require.NoError(t, r.End(s.ID()))
}

func TestRegistry_MarkDisconnectedIgnoresRetired(t *testing.T) {
	r := newTestRegistry(time.Minute)
	old := r.Create(&fakeTransport{})
	_, _ = r.Reconnect(old, "u1")
	fresh := r.Create(&fakeTransport{})
	_, _ = r.Reconnect(fresh, "u1")

	r.MarkDisconnected(old)
	assert.True(t, fresh.DisconnectedAt().IsZero())
	assert.True(t, old.DisconnectedAt().IsZero())
}

func TestSession_AudioBufferedThenDrainedInOrder(t *testing.T) {
	r := newTestRegistry(time.Minute)
	s := r.Create(&fakeTransport{})

	for i := 0; i < 3; i++ {
		forwarded, err := s.BufferOrForwardAudio(frame(i))
		require.NoError(t, err)
		assert.False(t, forwarded)
	}
	assert.Equal(t, 3, s.BufferedAudio())

	sink := &recordingSink{}
	require.NoError(t, s.AttachAudio(sink))
	forwarded, err := s.BufferOrForwardAudio(frame(3))
	require.NoError(t, err)
	assert.True(t, forwarded)

	assert.Equal(t, [][]byte{frame(0), frame(1), frame(2), frame(3)}, sink.frames)
	assert.Zero(t, s.BufferedAudio())
}

func TestSession_FailingSinkFallsBackToBuffer(t *testing.T) {
	r := newTestRegistry(time.Minute)
	s := r.Create(&fakeTransport{})
	require.NoError(t, s.AttachAudio(&recordingSink{fail: true}))

	forwarded, err := s.BufferOrForwardAudio(frame(0))
	require.NoError(t, err)
	assert.False(t, forwarded)
	assert.Equal(t, 1, s.BufferedAudio())
	assert.Nil(t, s.DetachAudio())
}

func TestSession_AudioBufferIsBounded(t *testing.T) {
	r := newTestRegistry(time.Minute)
	s := r.Create(&fakeTransport{})
	for i := 0; i < 20; i++ {
		_, _ = s.BufferOrForwardAudio(frame(i))
	}
	assert.Equal(t, 8, s.BufferedAudio())
	assert.EqualValues(t, 12, s.DroppedAudio())
}

func TestSession_LoadingActiveExclusive(t *testing.T) {
	r := newTestRegistry(time.Minute)
	s := r.Create(&fakeTransport{})

	require.True(t, s.MarkLoading("com.a"))
	assert.False(t, s.MarkLoading("com.a"))

	conn := &fakeConn{}
	assert.Nil(t, s.BindConnection("com.a", conn))
	assert.Empty(t, s.LoadingApps())
	assert.Equal(t, []string{"com.a"}, s.ActiveApps())
	assert.False(t, s.MarkLoading("com.a"))

	other := &fakeConn{}
	assert.Same(t, conn, s.BindConnection("com.a", other))
	assert.False(t, s.DetachConnection("com.a", conn))
	assert.True(t, s.DetachConnection("com.a", other))
}

func TestSession_DropConnectionIdempotent(t *testing.T) {
	r := newTestRegistry(time.Minute)
	s := r.Create(&fakeTransport{})
	conn := &fakeConn{}
	s.BindConnection("com.a", conn)

	s.DropConnection("com.a")
	s.DropConnection("com.a")
	assert.Equal(t, 1, conn.closed)
}

func TestSession_SendAfterCloseIsDropped(t *testing.T) {
	r := newTestRegistry(time.Minute)
	tr := &fakeTransport{}
	s := r.Create(tr)
	require.NoError(t, r.End(s.ID()))

	assert.NotPanics(t, func() { s.SendJSON(protocol.NewAuthError("x")) })
	assert.Equal(t, 1, tr.closeCount())
}
