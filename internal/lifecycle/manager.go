// Package lifecycle starts and stops third-party apps inside a user session.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"glasshub/internal/auth"
	"glasshub/internal/directory"
	"glasshub/internal/observe"
	"glasshub/internal/protocol"
	"glasshub/internal/session"
	"glasshub/internal/subscription"

	"go.uber.org/zap"
)

const DefaultActivationTimeout = 5 * time.Second

// Stop reasons carried by stop webhooks and app_stopped messages.
const (
	ReasonUserStopped    = "user_stopped"
	ReasonSessionEnded   = "session_ended"
	ReasonOperatorStop   = "operator_stopped"
	ReasonActivationLost = "activation_timeout"
)

var (
	ErrAppNotRunning = errors.New("app not running")
	ErrWebhookFailed = errors.New("webhook failed")
)

// Notifier delivers activation and stop requests to an app's webhook.
type Notifier interface {
	SendSessionRequest(ctx context.Context, url, tpaSessionID, userID string) error
	SendStopRequest(ctx context.Context, url, tpaSessionID, userID, reason string) error
}

// Options tunes a Manager.
type Options struct {
	ActivationTimeout time.Duration
}

type activationKey struct {
	sess *session.UserSession
	pkg  string
}

type activation struct {
	key   activationKey
	timer *time.Timer
}

// Manager drives app activation and teardown for every session.
type Manager struct {
	dir      directory.Directory
	subs     *subscription.Registry
	notifier Notifier
	keys     auth.KeyValidator
	observer observe.Observer
	opts     Options
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[activationKey]*activation
}

// NewManager creates a Manager. A nil observer discards events.
func NewManager(dir directory.Directory, subs *subscription.Registry, notifier Notifier,
	observer observe.Observer, opts Options, logger *zap.Logger) *Manager {
	if opts.ActivationTimeout <= 0 {
		opts.ActivationTimeout = DefaultActivationTimeout
	}
	if observer == nil {
		observer = observe.Nop{}
	}
	return &Manager{
		dir:      dir,
		subs:     subs,
		notifier: notifier,
		observer: observer,
		opts:     opts,
		logger:   logger.Named("lifecycle"),
		pending:  make(map[activationKey]*activation),
	}
}

// StartApp begins activating pkg in s. It reports false without error when
// pkg is already loading or active. A webhook failure is returned after the
// loading mark, boot screen and activation timer are in place; the timer still
// clears them if the app never connects.
func (m *Manager) StartApp(ctx context.Context, s *session.UserSession, pkg string) (bool, error) {
	if s.IsActive(pkg) || s.IsLoading(pkg) {
		m.observer.AppStart(pkg, observe.OutcomeNoop)
		return false, nil
	}

	app, err := m.dir.GetApp(ctx, pkg)
	if err != nil {
		m.observer.AppStart(pkg, observe.OutcomeFailed)
		return false, err
	}

	if !s.MarkLoading(pkg) {
		m.observer.AppStart(pkg, observe.OutcomeNoop)
		return false, nil
	}
	if arb := s.Display(); arb != nil {
		arb.OnAppStart(pkg)
	}
	m.arm(s, pkg)

	log := m.logger.With(zap.String("session_id", s.ID()), zap.String("package", pkg))
	if app.WebhookURL == "" {
		log.Debug("app has no webhook, waiting for connection")
		m.observer.AppStart(pkg, observe.OutcomeStarted)
		return true, nil
	}

	tpaSessionID := protocol.TPASessionID(s.ID(), pkg)
	if err := m.notifier.SendSessionRequest(ctx, app.WebhookURL, tpaSessionID, s.UserID()); err != nil {
		log.Warn("start webhook failed", zap.Error(err))
		m.observer.WebhookFailed(pkg)
		m.observer.AppStart(pkg, observe.OutcomeFailed)
		return true, fmt.Errorf("%w: %w", ErrWebhookFailed, err)
	}

	log.Info("app activation requested")
	m.observer.AppStart(pkg, observe.OutcomeStarted)
	return true, nil
}

func (m *Manager) arm(s *session.UserSession, pkg string) {
	key := activationKey{sess: s, pkg: pkg}
	act := &activation{key: key}

	m.mu.Lock()
	if prev, ok := m.pending[key]; ok {
		prev.timer.Stop()
	}
	m.pending[key] = act
	act.timer = time.AfterFunc(m.opts.ActivationTimeout, func() { m.expire(act) })
	m.mu.Unlock()
}

func (m *Manager) expire(act *activation) {
	m.mu.Lock()
	if m.pending[act.key] != act {
		m.mu.Unlock()
		return
	}
	delete(m.pending, act.key)
	key := act.key
	m.mu.Unlock()

	if !key.sess.ClearLoading(key.pkg) {
		return
	}
	if arb := key.sess.Display(); arb != nil {
		arb.EndBoot(key.pkg)
	}
	m.logger.Info("app activation timed out",
		zap.String("session_id", key.sess.ID()),
		zap.String("package", key.pkg))
	m.observer.AppStart(key.pkg, observe.OutcomeTimedOut)
}

// CancelActivation stops the activation timer for pkg, normally because its
// TPA completed the handshake.
func (m *Manager) CancelActivation(s *session.UserSession, pkg string) {
	key := activationKey{sess: s, pkg: pkg}

	m.mu.Lock()
	act, ok := m.pending[key]
	delete(m.pending, key)
	m.mu.Unlock()

	if ok {
		act.timer.Stop()
	}
}

// Pending reports whether pkg has an activation timer armed in s.
func (m *Manager) Pending(s *session.UserSession, pkg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[activationKey{sess: s, pkg: pkg}]
	return ok
}

// MoveActivations re-homes armed timers from a session replaced by a
// reconnect onto its successor.
func (m *Manager) MoveActivations(from, to *session.UserSession) {
	if from == nil || from == to {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, act := range m.pending {
		if key.sess != from {
			continue
		}
		delete(m.pending, key)
		act.key = activationKey{sess: to, pkg: key.pkg}
		m.pending[act.key] = act
	}
}

// StopApp tears pkg down in s. Local state is always cleaned; the stop
// webhook is sent in the background and never blocks.
func (m *Manager) StopApp(ctx context.Context, s *session.UserSession, pkg, reason string) error {
	m.CancelActivation(s, pkg)

	if !s.IsActive(pkg) && !s.IsLoading(pkg) {
		return fmt.Errorf("%w: %s", ErrAppNotRunning, pkg)
	}

	tpaSessionID := protocol.TPASessionID(s.ID(), pkg)
	if conn, ok := s.Connection(pkg); ok {
		if err := conn.SendJSON(protocol.NewAppStopped(tpaSessionID, reason)); err != nil {
			m.logger.Debug("notify app of stop", zap.String("package", pkg), zap.Error(err))
		}
	}

	m.subs.Remove(s.ID(), pkg, s)
	if arb := s.Display(); arb != nil {
		arb.OnAppStop(pkg)
	}
	s.Deactivate(pkg)
	m.observer.AppStop(pkg)

	app, err := m.dir.GetApp(ctx, pkg)
	if err != nil || app.WebhookURL == "" {
		return nil
	}
	userID := s.UserID()
	go func() {
		bg := context.WithoutCancel(ctx)
		if err := m.notifier.SendStopRequest(bg, app.WebhookURL, tpaSessionID, userID, reason); err != nil {
			m.logger.Warn("stop webhook failed", zap.String("package", pkg), zap.Error(err))
			m.observer.WebhookFailed(pkg)
		}
	}()
	return nil
}

// StopAll stops every active or loading app in s.
func (m *Manager) StopAll(ctx context.Context, s *session.UserSession, reason string) {
	apps := append(s.ActiveApps(), s.LoadingApps()...)
	for _, pkg := range apps {
		if err := m.StopApp(ctx, s, pkg, reason); err != nil && !errors.Is(err, ErrAppNotRunning) {
			m.logger.Warn("stop app", zap.String("package", pkg), zap.Error(err))
		}
	}
}

// ValidateAPIKey checks key against the stored hash for pkg.
func (m *Manager) ValidateAPIKey(ctx context.Context, pkg, key string) error {
	app, err := m.dir.GetApp(ctx, pkg)
	if err != nil {
		return err
	}
	if err := m.keys.ValidateAPIKey(app.HashedAPIKey, key); err != nil {
		return fmt.Errorf("%s: %w", pkg, err)
	}
	return nil
}
