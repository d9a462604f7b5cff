package session

import (
	"errors"
	"slices"
	"sync"
	"time"

	"glasshub/internal/display"
	"glasshub/internal/protocol"

	"go.uber.org/zap"
)

// ErrSessionRetired is returned for operations on a session replaced by a reconnect.
var ErrSessionRetired = errors.New("session retired")

// Transport is the glasses side of a session.
type Transport interface {
	SendJSON(msg protocol.GlassesOutbound) error
	Close() error
}

// AppConnection is a connected TPA.
type AppConnection interface {
	SendJSON(msg protocol.TPAOutbound) error
	SendBinary(data []byte) error
	Close() error
}

// AudioSink is an attached recognizer pipeline.
type AudioSink interface {
	WriteAudio(frame []byte) error
}

// UserSession is the state of one connected glasses client.
type UserSession struct {
	mu             sync.Mutex
	id             string
	userID         string
	createdAt      time.Time
	disconnectedAt time.Time
	retired        bool

	transport Transport
	closeOnce sync.Once

	activeApps []string // priority order
	loading    []string
	conns      map[string]AppConnection

	audioMu   sync.Mutex
	audio     *RingBuffer
	sink      AudioSink
	capturing bool

	display *display.Arbiter
	logger  *zap.Logger
}

func newUserSession(id string, transport Transport, audioFrames int, logger *zap.Logger) *UserSession {
	return &UserSession{
		id:        id,
		createdAt: time.Now().UTC(),
		transport: transport,
		conns:     make(map[string]AppConnection),
		audio:     NewRingBuffer(audioFrames),
		logger:    logger,
	}
}

func (s *UserSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *UserSession) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *UserSession) CreatedAt() time.Time {
	return s.createdAt
}

// DisconnectedAt is zero unless the session is in its reconnect grace window.
func (s *UserSession) DisconnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectedAt
}

// Retired reports whether a reconnect replaced this session.
func (s *UserSession) Retired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired
}

// Display returns the session's arbiter.
func (s *UserSession) Display() *display.Arbiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.display
}

// SendJSON writes to the glasses. Failures are logged and dropped.
func (s *UserSession) SendJSON(msg protocol.GlassesOutbound) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	if t == nil {
		return
	}
	if err := t.SendJSON(msg); err != nil {
		s.logger.Debug("dropped glasses message", zap.Error(err))
	}
}

// SendDisplay implements display.Host.
func (s *UserSession) SendDisplay(ev protocol.DisplayEvent) {
	s.SendJSON(ev)
}

// ActiveApps implements display.Host.
func (s *UserSession) ActiveApps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.activeApps)
}

func (s *UserSession) LoadingApps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.loading)
}

func (s *UserSession) IsActive(pkg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.activeApps, pkg)
}

func (s *UserSession) IsLoading(pkg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.loading, pkg)
}

// MarkLoading adds pkg to the loading set unless it is already loading or
// active. It reports whether the mark was placed.
func (s *UserSession) MarkLoading(pkg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.loading, pkg) || slices.Contains(s.activeApps, pkg) {
		return false
	}
	s.loading = append(s.loading, pkg)
	return true
}

// ClearLoading removes pkg from the loading set.
func (s *UserSession) ClearLoading(pkg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.loading, pkg)
	if i < 0 {
		return false
	}
	s.loading = slices.Delete(s.loading, i, i+1)
	return true
}

// Deactivate removes pkg from both the active list and the loading set.
func (s *UserSession) Deactivate(pkg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	if i := slices.Index(s.activeApps, pkg); i >= 0 {
		s.activeApps = slices.Delete(s.activeApps, i, i+1)
		found = true
	}
	if i := slices.Index(s.loading, pkg); i >= 0 {
		s.loading = slices.Delete(s.loading, i, i+1)
		found = true
	}
	return found
}

// BindConnection stores conn for pkg and promotes pkg from loading to active.
// A different connection previously bound for pkg is returned so the caller
// can close it.
func (s *UserSession) BindConnection(pkg string, conn AppConnection) AppConnection {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.conns[pkg]
	s.conns[pkg] = conn
	if i := slices.Index(s.loading, pkg); i >= 0 {
		s.loading = slices.Delete(s.loading, i, i+1)
	}
	if !slices.Contains(s.activeApps, pkg) {
		s.activeApps = append(s.activeApps, pkg)
	}
	if prev == conn {
		return nil
	}
	return prev
}

// Connection returns the TPA connection bound for pkg.
func (s *UserSession) Connection(pkg string) (AppConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[pkg]
	return c, ok
}

// Connections returns a copy of the bound TPA connections.
func (s *UserSession) Connections() map[string]AppConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]AppConnection, len(s.conns))
	for k, v := range s.conns {
		out[k] = v
	}
	return out
}

// DetachConnection removes pkg's handle only if it is still conn.
func (s *UserSession) DetachConnection(pkg string, conn AppConnection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.conns[pkg]; ok && cur == conn {
		delete(s.conns, pkg)
		return true
	}
	return false
}

// DropConnection removes and closes pkg's handle. Safe to call twice.
func (s *UserSession) DropConnection(pkg string) {
	s.mu.Lock()
	conn, ok := s.conns[pkg]
	delete(s.conns, pkg)
	s.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
}

// BufferOrForwardAudio hands frame to the attached pipeline, or buffers it
// when none is attached. A pipeline that fails a write is detached and the
// frame is buffered for the next one. It reports whether the frame reached a
// pipeline.
func (s *UserSession) BufferOrForwardAudio(frame []byte) (bool, error) {
	if s.Retired() {
		return false, ErrSessionRetired
	}

	s.audioMu.Lock()
	defer s.audioMu.Unlock()

	if s.sink != nil {
		err := s.sink.WriteAudio(frame)
		if err == nil {
			return true, nil
		}
		s.logger.Warn("audio pipeline write failed, buffering", zap.Error(err))
		s.sink = nil
	}
	if s.audio.Write(frame) {
		s.logger.Debug("audio buffer full, dropped oldest frame")
	}
	return false, nil
}

// AttachAudio connects a pipeline and drains buffered frames into it in order.
func (s *UserSession) AttachAudio(sink AudioSink) error {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()

	s.sink = sink
	for _, frame := range s.audio.Drain() {
		if err := sink.WriteAudio(frame); err != nil {
			s.sink = nil
			return err
		}
	}
	return nil
}

// DetachAudio disconnects the pipeline and returns it.
func (s *UserSession) DetachAudio() AudioSink {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	sink := s.sink
	s.sink = nil
	return sink
}

// BufferedAudio reports the number of frames waiting for a pipeline.
func (s *UserSession) BufferedAudio() int {
	return s.audio.Len()
}

// DroppedAudio reports frames lost to buffer overflow.
func (s *UserSession) DroppedAudio() uint64 {
	return s.audio.Dropped()
}

// SetCapturing records whether audio capture is running. It returns the
// previous value.
func (s *UserSession) SetCapturing(on bool) bool {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	prev := s.capturing
	s.capturing = on
	return prev
}

func (s *UserSession) Capturing() bool {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	return s.capturing
}

// MicrophoneSession summarizes the session for microphone updates.
func (s *UserSession) MicrophoneSession() protocol.MicrophoneSession {
	capturing := s.Capturing()
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.MicrophoneSession{
		SessionID:         s.id,
		UserID:            s.userID,
		StartTime:         s.createdAt,
		ActiveAppSessions: slices.Clone(s.activeApps),
		LoadingApps:       slices.Clone(s.loading),
		IsTranscribing:    capturing,
	}
}

// closeTransport closes the glasses transport at most once.
func (s *UserSession) closeTransport() {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		if t != nil {
			if err := t.Close(); err != nil {
				s.logger.Debug("close glasses transport", zap.Error(err))
			}
		}
	})
}
