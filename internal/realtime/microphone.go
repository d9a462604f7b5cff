package realtime

import (
	"sync"
	"time"

	"glasshub/internal/protocol"
	"glasshub/internal/session"
)

// micDebouncer coalesces microphone state changes. The first change in a
// window is sent at once. Later changes restart the window, and when it
// closes the final state is sent if it differs from the last one sent.
type micDebouncer struct {
	mu        sync.Mutex
	delay     time.Duration
	send      func(enabled bool)
	timer     *time.Timer
	gen       uint64
	lastState bool
	lastSent  bool
	stopped   bool
}

func newMicDebouncer(delay time.Duration, send func(bool)) *micDebouncer {
	return &micDebouncer{delay: delay, send: send}
}

func (d *micDebouncer) set(enabled bool) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.lastState = enabled
	d.gen++
	gen := d.gen

	if d.timer == nil {
		d.lastSent = enabled
		d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
		d.mu.Unlock()
		d.send(enabled)
		return
	}

	d.timer.Stop()
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
	d.mu.Unlock()
}

func (d *micDebouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	changed := d.lastState != d.lastSent
	state := d.lastState
	if changed {
		d.lastSent = state
	}
	d.mu.Unlock()

	if changed {
		d.send(state)
	}
}

func (d *micDebouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (s *Server) micFor(sess *session.UserSession) *micDebouncer {
	s.micsMu.Lock()
	defer s.micsMu.Unlock()

	d, ok := s.mics[sess]
	if !ok {
		d = newMicDebouncer(s.opts.MicDebounce, func(enabled bool) {
			s.applyMicrophone(sess, enabled)
		})
		s.mics[sess] = d
	}
	return d
}

func (s *Server) dropMicrophone(sess *session.UserSession) {
	s.micsMu.Lock()
	d, ok := s.mics[sess]
	delete(s.mics, sess)
	s.micsMu.Unlock()

	if ok {
		d.stop()
	}
}

// listening reports whether sess has a live glasses transport. Retired
// sessions and sessions in their reconnect grace window have none.
func listening(sess *session.UserSession) bool {
	return !sess.Retired() && sess.DisconnectedAt().IsZero()
}

// updateMicrophone recomputes whether any app needs audio.
func (s *Server) updateMicrophone(sess *session.UserSession) {
	if !listening(sess) {
		return
	}
	s.micFor(sess).set(s.subs.HasMediaSubscription(sess.ID()))
}

func (s *Server) applyMicrophone(sess *session.UserSession, enabled bool) {
	if !listening(sess) {
		return
	}
	sess.SendJSON(protocol.NewMicrophoneStateChange(sess.MicrophoneSession(), enabled))
	if enabled {
		s.startTranscription(s.ctx, sess)
	} else {
		s.stopTranscription(s.ctx, sess)
	}
}
