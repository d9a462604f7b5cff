package realtime

import (
	"context"
	"errors"
	"net/http"

	"glasshub/internal/auth"
	"glasshub/internal/directory"
	"glasshub/internal/lifecycle"
	"glasshub/internal/observe"
	"glasshub/internal/protocol"
	"glasshub/internal/session"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const reactivateConcurrency = 4

// glassesState is what one glasses loop knows about its handshake.
type glassesState struct {
	sess     *session.UserSession
	identity auth.Identity
	ready    bool
}

func (s *Server) handleGlassesSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("glasses websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(conn, s.logger.Named("glasses"))
	s.addClient(c)
	st := &glassesState{sess: s.sessions.Create(glassesConn{c})}
	s.observer.SessionOpened()

	go c.writePump()
	go func() {
		ctx, cancel := context.WithCancel(s.ctx)
		defer cancel()
		defer s.closeGlasses(ctx, c, st)

		c.readPump(func(messageType int, data []byte) {
			if messageType == websocket.BinaryMessage {
				s.handleAudio(st.sess, data)
				return
			}
			s.handleGlassesMessage(ctx, c, st, data)
		})
	}()
}

func (s *Server) handleGlassesMessage(ctx context.Context, c *client, st *glassesState, raw []byte) {
	msg, err := protocol.DecodeGlassesMessage(raw)
	if err != nil {
		s.observer.MessageReceived(observe.SourceGlasses, "invalid")
		st.sess.SendJSON(protocol.NewConnectionError(protocol.ErrInvalidMessage, err.Error()))
		return
	}
	s.observer.MessageReceived(observe.SourceGlasses, glassesMessageType(msg))

	if hs, ok := msg.(protocol.ConnectionInit); ok {
		s.handleHandshake(ctx, c, st, hs)
		return
	}
	if !st.ready {
		st.sess.SendJSON(protocol.NewConnectionError(protocol.ErrNotInitialized, "connection_init required"))
		return
	}

	switch m := msg.(type) {
	case protocol.StartApp:
		s.handleGlassesStartApp(ctx, st, m.PackageName)
	case protocol.StopApp:
		s.handleGlassesStopApp(ctx, st, m.PackageName)
	case protocol.VoiceActivity:
		if m.Speaking {
			s.startTranscription(ctx, st.sess)
		} else {
			s.stopTranscription(ctx, st.sess)
		}
	case protocol.GlassesEvent:
		s.broadcast(st.sess, protocol.EffectiveStream(m), m.Raw)
	}
}

func glassesMessageType(msg protocol.GlassesMessage) string {
	switch m := msg.(type) {
	case protocol.ConnectionInit:
		return protocol.TypeConnectionInit
	case protocol.StartApp:
		return protocol.TypeStartApp
	case protocol.StopApp:
		return protocol.TypeStopApp
	case protocol.VoiceActivity:
		return protocol.TypeVAD
	case protocol.GlassesEvent:
		return string(m.Stream)
	}
	return "unknown"
}

func (s *Server) handleHandshake(ctx context.Context, c *client, st *glassesState, m protocol.ConnectionInit) {
	ident, err := s.verifier.Verify(ctx, m.CoreToken)
	if err != nil {
		s.logger.Info("glasses authentication failed", zap.Error(err))
		st.sess.SendJSON(protocol.NewAuthError(err.Error()))
		_ = c.CloseWith(websocket.ClosePolicyViolation, "authentication failed")
		return
	}

	sess := st.sess
	if !ident.Anonymous {
		oldID := sess.ID()
		prior, err := s.sessions.Reconnect(sess, ident.UserID)
		if err != nil {
			st.sess.SendJSON(protocol.NewConnectionError(protocol.ErrInternal, err.Error()))
			_ = c.CloseWith(websocket.CloseInternalServerErr, "session unavailable")
			return
		}
		s.subs.Rekey(oldID, sess.ID())
		if prior != nil {
			s.apps.MoveActivations(prior, sess)
			s.dropMicrophone(prior)
			if err := s.provider.Stop(ctx, sess.ID()); err != nil {
				s.logger.Debug("stop prior transcription", zap.Error(err))
			}
		}
	}
	st.identity = ident
	st.ready = true

	log := s.logger.With(zap.String("session_id", sess.ID()), zap.String("user_id", ident.UserID))
	if !ident.Anonymous {
		s.reactivateApps(ctx, sess, ident.UserID, log)
	}

	sess.SendJSON(protocol.NewConnectionAck(s.snapshot(ctx, sess)))
	s.updateMicrophone(sess)
	log.Info("glasses connected", zap.Bool("anonymous", ident.Anonymous))
}

// reactivateApps starts every app the user had running plus the system
// dashboard. One failure does not stop the others.
func (s *Server) reactivateApps(ctx context.Context, sess *session.UserSession, userID string, log *zap.Logger) {
	running, err := s.users.RunningApps(ctx, userID)
	if err != nil {
		log.Warn("load running apps", zap.Error(err))
	}
	if s.opts.SystemPackage != "" {
		running = append(running, s.opts.SystemPackage)
	}

	var g errgroup.Group
	g.SetLimit(reactivateConcurrency)
	for _, pkg := range running {
		g.Go(func() error {
			if _, err := s.apps.StartApp(ctx, sess, pkg); err != nil {
				log.Warn("reactivate app", zap.String("package", pkg), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Server) handleGlassesStartApp(ctx context.Context, st *glassesState, pkg string) {
	sess := st.sess
	_, err := s.apps.StartApp(ctx, sess, pkg)
	switch {
	case errors.Is(err, directory.ErrAppNotFound):
		sess.SendJSON(protocol.NewConnectionError(protocol.ErrAppNotFound, "app not found: "+pkg))
		return
	case err != nil:
		s.logger.Warn("start app", zap.String("package", pkg), zap.Error(err))
	}

	if !st.identity.Anonymous {
		if err := s.users.AddRunningApp(ctx, st.identity.UserID, pkg); err != nil {
			s.logger.Warn("persist running app", zap.String("package", pkg), zap.Error(err))
		}
	}
	s.sendStateChange(ctx, sess)
	s.updateMicrophone(sess)
}

func (s *Server) handleGlassesStopApp(ctx context.Context, st *glassesState, pkg string) {
	sess := st.sess
	err := s.stopApp(ctx, sess, pkg, lifecycle.ReasonUserStopped)
	if err != nil && !errors.Is(err, lifecycle.ErrAppNotRunning) {
		s.logger.Warn("stop app", zap.String("package", pkg), zap.Error(err))
	}

	if !st.identity.Anonymous {
		if err := s.users.RemoveRunningApp(ctx, st.identity.UserID, pkg); err != nil {
			s.logger.Warn("persist stopped app", zap.String("package", pkg), zap.Error(err))
		}
	}
	s.sendStateChange(ctx, sess)
}

// stopApp stops pkg through the lifecycle manager and reconciles the
// recognizer with the subscriptions the stop removed.
func (s *Server) stopApp(ctx context.Context, sess *session.UserSession, pkg, reason string) error {
	return s.changeSubscriptions(ctx, sess, func() error {
		return s.apps.StopApp(ctx, sess, pkg, reason)
	})
}

// handleAudio buffers or forwards one frame, then passes it on to TPAs
// subscribed to raw audio.
func (s *Server) handleAudio(sess *session.UserSession, frame []byte) {
	dropped := sess.DroppedAudio()
	forwarded, err := sess.BufferOrForwardAudio(frame)
	if err != nil {
		return
	}
	s.observer.AudioFrame(forwarded)
	if sess.DroppedAudio() > dropped {
		s.observer.AudioDropped()
	}
	s.broadcastAudio(sess, frame)
}

func (s *Server) closeGlasses(ctx context.Context, c *client, st *glassesState) {
	s.removeClient(c)
	s.observer.SessionClosed()

	sess := st.sess
	if sess.Retired() {
		return
	}
	s.dropMicrophone(sess)

	// A socket that never completed the handshake has nothing to resume.
	if !st.ready {
		if err := s.sessions.End(sess.ID()); err != nil {
			s.logger.Debug("end unauthenticated session", zap.Error(err))
		}
		return
	}

	s.sessions.MarkDisconnected(sess)
	if err := s.provider.Stop(ctx, sess.ID()); err != nil {
		s.logger.Debug("stop transcription", zap.Error(err))
	}
	s.logger.Info("glasses disconnected", zap.String("session_id", sess.ID()))
}
