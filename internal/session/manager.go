// Package session owns the live glasses sessions and their reconnect lifecycle.
package session

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"glasshub/internal/display"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultReconnectGrace    = 5 * time.Minute
	DefaultAudioBufferFrames = 512
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrUserIDRequired  = errors.New("user id is required")
)

// Options tunes a Registry.
type Options struct {
	ReconnectGrace    time.Duration
	AudioBufferFrames int
	Display           display.Options
}

// ExpireFunc is called once a disconnected session outlives its grace window.
type ExpireFunc func(s *UserSession)

// Registry holds every live session keyed by its external id. Lock order is
// registry, then arbiter, then session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*UserSession
	timers   map[string]*time.Timer // grace timers by session id

	opts     Options
	logger   *zap.Logger
	onExpire ExpireFunc
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, logger *zap.Logger) *Registry {
	if opts.ReconnectGrace <= 0 {
		opts.ReconnectGrace = DefaultReconnectGrace
	}
	if opts.AudioBufferFrames <= 0 {
		opts.AudioBufferFrames = DefaultAudioBufferFrames
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*UserSession),
		timers:   make(map[string]*time.Timer),
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// OnExpire registers the hook run after a session expires.
func (r *Registry) OnExpire(fn ExpireFunc) {
	r.mu.Lock()
	r.onExpire = fn
	r.mu.Unlock()
}

// Create registers a fresh session for a newly accepted glasses transport.
func (r *Registry) Create(t Transport) *UserSession {
	id := uuid.New().String()
	s := newUserSession(id, t, r.opts.AudioBufferFrames, r.logger.With(zap.String("session", id)))
	s.display = display.NewArbiter(s, r.opts.Display, r.logger.Named("display").With(zap.String("session", id)))

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*UserSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns all sessions ordered by id.
func (r *Registry) List() []*UserSession {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*UserSession, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.sessions[id])
	}
	r.mu.RUnlock()
	return out
}

// Reconnect binds s to userID. A prior session for the same user hands over
// its active apps, loading marks, TPA connections and display state, has its
// audio detached and its transport closed, and is returned so the caller can
// release anything else tied to it. s is re-keyed to userID, so repeating the
// call is a no-op.
func (r *Registry) Reconnect(s *UserSession, userID string) (*UserSession, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	r.mu.Lock()
	if s.Retired() {
		r.mu.Unlock()
		return nil, ErrSessionRetired
	}
	prior := r.sessions[userID]
	if prior == s {
		r.mu.Unlock()
		return nil, nil
	}

	if t, ok := r.timers[userID]; ok {
		t.Stop()
		delete(r.timers, userID)
	}

	var spare *display.Arbiter
	if prior != nil {
		prior.mu.Lock()
		prior.retired = true
		apps := prior.activeApps
		loading := prior.loading
		conns := prior.conns
		arbiter := prior.display
		prior.activeApps = nil
		prior.loading = nil
		prior.conns = make(map[string]AppConnection)
		prior.mu.Unlock()

		s.mu.Lock()
		merged := slices.Clone(apps)
		for _, pkg := range s.activeApps {
			if !slices.Contains(merged, pkg) {
				merged = append(merged, pkg)
			}
		}
		s.activeApps = merged
		for _, pkg := range loading {
			if !slices.Contains(s.loading, pkg) && !slices.Contains(merged, pkg) {
				s.loading = append(s.loading, pkg)
			}
		}
		for pkg, c := range conns {
			if _, exists := s.conns[pkg]; !exists {
				s.conns[pkg] = c
			}
		}
		spare = s.display
		s.display = arbiter
		s.mu.Unlock()

		arbiter.Rebind(s)
	}

	s.mu.Lock()
	delete(r.sessions, s.id)
	s.id = userID
	s.userID = userID
	s.disconnectedAt = time.Time{}
	s.mu.Unlock()
	r.sessions[userID] = s
	r.mu.Unlock()

	if spare != nil {
		spare.Shutdown()
	}
	if prior != nil {
		prior.DetachAudio()
		prior.SetCapturing(false)
		prior.closeTransport()
		r.logger.Info("session reconnected", zap.String("user", userID))
	}
	return prior, nil
}

// MarkDisconnected stops audio capture, records the disconnect time and arms
// the grace timer. Retired sessions are ignored.
func (r *Registry) MarkDisconnected(s *UserSession) {
	if s.Retired() {
		return
	}
	s.DetachAudio()
	s.SetCapturing(false)

	r.mu.Lock()
	defer r.mu.Unlock()

	s.mu.Lock()
	id := s.id
	s.disconnectedAt = r.now()
	s.mu.Unlock()

	if r.sessions[id] != s {
		return
	}
	if t, ok := r.timers[id]; ok {
		t.Stop()
	}
	r.timers[id] = time.AfterFunc(r.opts.ReconnectGrace, func() { r.expire(id, s) })
}

func (r *Registry) expire(id string, s *UserSession) {
	r.mu.Lock()
	if r.sessions[id] != s || s.DisconnectedAt().IsZero() {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	delete(r.timers, id)
	fn := r.onExpire
	r.mu.Unlock()

	r.retire(s)
	r.logger.Info("session expired", zap.String("session", id))
	if fn != nil {
		fn(s)
	}
}

func (r *Registry) retire(s *UserSession) {
	s.mu.Lock()
	s.retired = true
	arbiter := s.display
	s.mu.Unlock()

	if arbiter != nil {
		arbiter.Shutdown()
	}
	s.DetachAudio()
	s.SetCapturing(false)
	s.closeTransport()
}

// IsExpired reports whether the session has been disconnected for longer than
// the grace period.
func (r *Registry) IsExpired(id string) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	at := s.DisconnectedAt()
	return !at.IsZero() && r.now().Sub(at) > r.opts.ReconnectGrace
}

// End removes a session immediately.
func (r *Registry) End(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(r.sessions, id)
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()

	r.retire(s)
	return nil
}

// Shutdown ends every session.
func (r *Registry) Shutdown() {
	for _, s := range r.List() {
		_ = r.End(s.ID())
	}
}
