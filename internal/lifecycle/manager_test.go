package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"glasshub/internal/auth"
	"glasshub/internal/directory"
	"glasshub/internal/display"
	"glasshub/internal/protocol"
	"glasshub/internal/session"
	"glasshub/internal/stream"
	"glasshub/internal/subscription"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopTransport struct{}

func (nopTransport) SendJSON(protocol.GlassesOutbound) error { return nil }
func (nopTransport) Close() error                            { return nil }

type fakeConn struct {
	mu     sync.Mutex
	sent   []protocol.TPAOutbound
	closed bool
}

func (c *fakeConn) SendJSON(msg protocol.TPAOutbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) SendBinary([]byte) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type call struct {
	kind, url, sessionID, userID, reason string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (n *fakeNotifier) SendSessionRequest(_ context.Context, url, sid, uid string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, call{kind: "start", url: url, sessionID: sid, userID: uid})
	return n.err
}

func (n *fakeNotifier) SendStopRequest(_ context.Context, url, sid, uid, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, call{kind: "stop", url: url, sessionID: sid, userID: uid, reason: reason})
	return n.err
}

func (n *fakeNotifier) snapshot() []call {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]call(nil), n.calls...)
}

type fixture struct {
	mgr      *Manager
	reg      *session.Registry
	subs     *subscription.Registry
	notifier *fakeNotifier
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	dir := directory.NewMemory(
		directory.App{PackageName: "com.a", Name: "A", WebhookURL: "http://a.example/webhook"},
		directory.App{PackageName: "com.b", Name: "B", WebhookURL: "http://b.example/webhook",
			HashedAPIKey: auth.HashAPIKey("secret")},
	)
	reg := session.NewRegistry(session.Options{
		Display: display.Options{BootDuration: time.Minute, SystemPackage: "sys"},
	}, zap.NewNop())
	t.Cleanup(reg.Shutdown)

	subs := subscription.NewRegistry()
	n := &fakeNotifier{}
	mgr := NewManager(dir, subs, n, nil, Options{ActivationTimeout: timeout}, zap.NewNop())
	return &fixture{mgr: mgr, reg: reg, subs: subs, notifier: n}
}

func TestStartAppUnknown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Minute)
	s := f.reg.Create(nopTransport{})

	started, err := f.mgr.StartApp(context.Background(), s, "com.missing")
	assert.False(t, started)
	assert.ErrorIs(t, err, directory.ErrAppNotFound)
	assert.False(t, s.IsLoading("com.missing"))
	assert.Empty(t, f.notifier.snapshot())
}

func TestStartAppMarksLoadingAndCallsWebhook(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Minute)
	s := f.reg.Create(nopTransport{})

	started, err := f.mgr.StartApp(context.Background(), s, "com.a")
	require.NoError(t, err)
	assert.True(t, started)
	assert.True(t, s.IsLoading("com.a"))
	assert.True(t, f.mgr.Pending(s, "com.a"))

	booting, pkgs := s.Display().Booting()
	assert.True(t, booting)
	assert.Equal(t, []string{"com.a"}, pkgs)

	calls := f.notifier.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, call{kind: "start", url: "http://a.example/webhook", sessionID: s.ID() + "-com.a"}, calls[0])

	again, err := f.mgr.StartApp(context.Background(), s, "com.a")
	require.NoError(t, err)
	assert.False(t, again)
	assert.Len(t, f.notifier.snapshot(), 1)
}

func TestActivationTimeoutClearsLoading(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20*time.Millisecond)
	s := f.reg.Create(nopTransport{})

	_, err := f.mgr.StartApp(context.Background(), s, "com.a")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		booting, _ := s.Display().Booting()
		return !s.IsLoading("com.a") && !booting
	}, time.Second, 5*time.Millisecond)
	assert.False(t, s.IsActive("com.a"))
	assert.False(t, f.mgr.Pending(s, "com.a"))
}

func TestWebhookFailureLeavesTimeoutInCharge(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20*time.Millisecond)
	f.notifier.err = errors.New("status 500")
	s := f.reg.Create(nopTransport{})

	started, err := f.mgr.StartApp(context.Background(), s, "com.a")
	assert.True(t, started)
	assert.ErrorIs(t, err, ErrWebhookFailed)
	assert.True(t, s.IsLoading("com.a"))

	assert.Eventually(t, func() bool {
		return !s.IsLoading("com.a")
	}, time.Second, 5*time.Millisecond)
}

func TestCancelActivationKeepsConnectedApp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 20*time.Millisecond)
	s := f.reg.Create(nopTransport{})

	_, err := f.mgr.StartApp(context.Background(), s, "com.a")
	require.NoError(t, err)
	s.BindConnection("com.a", &fakeConn{})
	f.mgr.CancelActivation(s, "com.a")

	time.Sleep(60 * time.Millisecond)
	assert.True(t, s.IsActive("com.a"))
	assert.False(t, f.mgr.Pending(s, "com.a"))
}

func TestMoveActivations(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Minute)
	old := f.reg.Create(nopTransport{})
	next := f.reg.Create(nopTransport{})

	_, err := f.mgr.StartApp(context.Background(), old, "com.a")
	require.NoError(t, err)
	f.mgr.MoveActivations(old, next)

	assert.False(t, f.mgr.Pending(old, "com.a"))
	assert.True(t, f.mgr.Pending(next, "com.a"))
}

func TestStopAppTearsDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Minute)
	s := f.reg.Create(nopTransport{})
	conn := &fakeConn{}
	s.BindConnection("com.a", conn)
	require.NoError(t, f.subs.Update(s.ID(), "com.a", []stream.Type{stream.ButtonPress}))

	require.NoError(t, f.mgr.StopApp(context.Background(), s, "com.a", ReasonUserStopped))

	assert.False(t, s.IsActive("com.a"))
	assert.Empty(t, f.subs.Subscriptions(s.ID(), "com.a"))
	_, bound := s.Connection("com.a")
	assert.False(t, bound)

	conn.mu.Lock()
	assert.True(t, conn.closed)
	require.Len(t, conn.sent, 1)
	stopped, ok := conn.sent[0].(protocol.AppStopped)
	conn.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, ReasonUserStopped, stopped.Reason)

	assert.Eventually(t, func() bool {
		calls := f.notifier.snapshot()
		return len(calls) == 1 && calls[0].kind == "stop" && calls[0].reason == ReasonUserStopped
	}, time.Second, 5*time.Millisecond)
}

func TestStopAppNotRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Minute)
	s := f.reg.Create(nopTransport{})

	err := f.mgr.StopApp(context.Background(), s, "com.a", ReasonUserStopped)
	assert.ErrorIs(t, err, ErrAppNotRunning)
}

func TestValidateAPIKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	assert.NoError(t, f.mgr.ValidateAPIKey(ctx, "com.a", ""))
	assert.NoError(t, f.mgr.ValidateAPIKey(ctx, "com.b", "secret"))
	assert.ErrorIs(t, f.mgr.ValidateAPIKey(ctx, "com.b", "wrong"), auth.ErrInvalidAPIKey)
	assert.ErrorIs(t, f.mgr.ValidateAPIKey(ctx, "com.x", "k"), directory.ErrAppNotFound)
}
