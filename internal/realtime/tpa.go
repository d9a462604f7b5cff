package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"glasshub/internal/auth"
	"glasshub/internal/directory"
	"glasshub/internal/display"
	"glasshub/internal/observe"
	"glasshub/internal/protocol"
	"glasshub/internal/session"
	"glasshub/internal/subscription"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// tpaBinding is set once a TPA completes tpa_connection_init.
type tpaBinding struct {
	sessionID   string
	packageName string
}

func (s *Server) handleTPASocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("tpa websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(conn, s.logger.Named("tpa"))
	s.addClient(c)
	tc := &tpaConn{client: c}

	go c.writePump()
	go func() {
		ctx, cancel := context.WithCancel(s.ctx)
		defer cancel()

		var bound *tpaBinding
		defer func() { s.closeTPA(tc, bound) }()

		c.readPump(func(messageType int, data []byte) {
			if messageType != websocket.TextMessage {
				return
			}
			bound = s.handleTPAMessage(ctx, tc, bound, data)
		})
	}()
}

// handleTPAMessage processes one frame and returns the connection's binding.
func (s *Server) handleTPAMessage(ctx context.Context, tc *tpaConn, bound *tpaBinding, raw []byte) *tpaBinding {
	msg, err := protocol.DecodeTPAMessage(raw)
	if err != nil {
		s.observer.MessageReceived(observe.SourceTPA, "invalid")
		_ = tc.SendJSON(protocol.NewTPAConnectionError(protocol.ErrInvalidMessage, err.Error()))
		return bound
	}
	s.observer.MessageReceived(observe.SourceTPA, tpaMessageType(msg))

	if req, ok := msg.(protocol.TPAConnectionInit); ok {
		b, err := s.handleTPAInit(ctx, tc, req)
		if err != nil {
			s.rejectTPA(tc, err)
			return bound
		}
		return b
	}

	if bound == nil {
		s.rejectTPA(tc, &tpaError{code: protocol.ErrNotInitialized, msg: "tpa_connection_init required"})
		return nil
	}
	if msg.Package() != bound.packageName {
		_ = tc.SendJSON(protocol.NewTPAConnectionError(protocol.ErrUnauthorizedApp,
			fmt.Sprintf("connection is bound to %s", bound.packageName)))
		return bound
	}

	sess, err := s.sessions.Get(bound.sessionID)
	if err != nil {
		_ = tc.SendJSON(protocol.NewTPAConnectionError(protocol.ErrSessionNotFound, err.Error()))
		return bound
	}

	switch m := msg.(type) {
	case protocol.SubscriptionUpdate:
		s.handleSubscriptionUpdate(ctx, tc, sess, m)
	case protocol.DisplayRequest:
		arb := sess.Display()
		if arb == nil {
			break
		}
		if m.Clears() {
			arb.Clear(m.View, m.PackageName)
			break
		}
		arb.Post(display.Request{
			View:        m.View,
			PackageName: m.PackageName,
			Layout:      m.Layout,
			Duration:    m.Duration(),
		})
	}
	return bound
}

func tpaMessageType(msg protocol.TPAMessage) string {
	switch msg.(type) {
	case protocol.TPAConnectionInit:
		return protocol.TypeTPAConnectionInit
	case protocol.SubscriptionUpdate:
		return protocol.TypeSubscriptionUpdate
	case protocol.DisplayRequest:
		return protocol.TypeDisplayEvent
	}
	return "unknown"
}

type tpaError struct {
	code string
	msg  string
}

func (e *tpaError) Error() string { return e.msg }

// rejectTPA reports err and closes the socket as a policy violation.
func (s *Server) rejectTPA(tc *tpaConn, err error) {
	code := protocol.ErrInternal
	var te *tpaError
	if errors.As(err, &te) {
		code = te.code
	}
	s.logger.Info("tpa rejected", zap.String("code", code), zap.Error(err))
	_ = tc.SendJSON(protocol.NewTPAConnectionError(code, err.Error()))
	_ = tc.CloseWith(websocket.ClosePolicyViolation, code)
}

// userSessionID strips the -<packageName> suffix from a TPA session id.
func userSessionID(tpaSessionID, pkg string) string {
	if id, ok := strings.CutSuffix(tpaSessionID, "-"+pkg); ok && id != "" {
		return id
	}
	return tpaSessionID
}

func (s *Server) handleTPAInit(ctx context.Context, tc *tpaConn, m protocol.TPAConnectionInit) (*tpaBinding, error) {
	pkg := m.PackageName
	sess, err := s.sessions.Get(userSessionID(m.SessionID, pkg))
	if err != nil {
		return nil, &tpaError{code: protocol.ErrSessionNotFound, msg: err.Error()}
	}
	if !sess.IsLoading(pkg) && !sess.IsActive(pkg) {
		return nil, &tpaError{code: protocol.ErrUnauthorizedApp,
			msg: fmt.Sprintf("%s was not started in session %s", pkg, sess.ID())}
	}
	if err := s.apps.ValidateAPIKey(ctx, pkg, m.APIKey); err != nil {
		code := protocol.ErrUnauthorizedApp
		if errors.Is(err, directory.ErrAppNotFound) {
			code = protocol.ErrAppNotFound
		} else if !errors.Is(err, auth.ErrInvalidAPIKey) {
			code = protocol.ErrInternal
		}
		return nil, &tpaError{code: code, msg: err.Error()}
	}

	if prev := sess.BindConnection(pkg, tc); prev != nil {
		_ = prev.Close()
	}
	s.apps.CancelActivation(sess, pkg)

	tpaSessionID := protocol.TPASessionID(sess.ID(), pkg)
	_ = tc.SendJSON(protocol.NewTPAConnectionAck(tpaSessionID))
	s.sendStateChange(ctx, sess)

	s.logger.Info("tpa connected", zap.String("session_id", sess.ID()), zap.String("package", pkg))
	return &tpaBinding{sessionID: sess.ID(), packageName: pkg}, nil
}

func (s *Server) handleSubscriptionUpdate(ctx context.Context, tc *tpaConn, sess *session.UserSession, m protocol.SubscriptionUpdate) {
	err := s.changeSubscriptions(ctx, sess, func() error {
		return s.subs.Update(sess.ID(), m.PackageName, m.Subscriptions)
	})
	if err != nil {
		code := protocol.ErrInternal
		var invalid *subscription.InvalidSubscriptionError
		if errors.As(err, &invalid) {
			code = protocol.ErrInvalidSubscription
		}
		_ = tc.SendJSON(protocol.NewTPAConnectionError(code, err.Error()))
		return
	}
	s.sendStateChange(ctx, sess)
}

// changeSubscriptions runs change and then restarts the recognizer's language
// streams if the session's minimal language set moved, and recomputes the
// microphone state. Nothing is recomputed when change fails.
func (s *Server) changeSubscriptions(ctx context.Context, sess *session.UserSession, change func() error) error {
	id := sess.ID()
	before := s.subs.MinimalLanguageSubscriptions(id)
	if err := change(); err != nil {
		return err
	}
	after := s.subs.MinimalLanguageSubscriptions(id)

	if !slices.Equal(before, after) && sess.Capturing() {
		if err := s.provider.UpdateLanguages(ctx, id, after); err != nil {
			s.logger.Warn("update transcription languages", zap.String("session_id", id), zap.Error(err))
		}
	}
	s.updateMicrophone(sess)
	return nil
}

// closeTPA forgets the connection if it is still the one bound for its package.
func (s *Server) closeTPA(tc *tpaConn, bound *tpaBinding) {
	s.removeClient(tc.client)
	if bound == nil {
		return
	}

	sess, err := s.sessions.Get(bound.sessionID)
	if err != nil {
		return
	}
	if sess.DetachConnection(bound.packageName, tc) {
		_ = s.changeSubscriptions(s.ctx, sess, func() error {
			s.subs.Remove(sess.ID(), bound.packageName, nil)
			return nil
		})
		s.logger.Info("tpa disconnected", zap.String("session_id", sess.ID()), zap.String("package", bound.packageName))
	}
}
