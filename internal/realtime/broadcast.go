package realtime

import (
	"context"
	"encoding/json"
	"sort"

	"glasshub/internal/protocol"
	"glasshub/internal/session"
	"glasshub/internal/stream"
	"glasshub/internal/transcription"

	"go.uber.org/zap"
)

// broadcast sends data to every app in sess subscribed to t.
func (s *Server) broadcast(sess *session.UserSession, t stream.Type, data json.RawMessage) {
	id := sess.ID()
	delivered := 0
	for _, pkg := range s.subs.SubscribedApps(id, t) {
		conn, ok := sess.Connection(pkg)
		if !ok {
			continue
		}
		msg := protocol.NewDataStream(protocol.TPASessionID(id, pkg), t, data)
		if err := conn.SendJSON(msg); err != nil {
			s.logger.Debug("dropped data stream",
				zap.String("package", pkg), zap.String("stream", string(t)), zap.Error(err))
			continue
		}
		delivered++
	}
	s.observer.Broadcast(t, delivered)
}

func (s *Server) broadcastAudio(sess *session.UserSession, frame []byte) {
	for _, pkg := range s.subs.SubscribedApps(sess.ID(), stream.AudioChunk) {
		if conn, ok := sess.Connection(pkg); ok {
			if err := conn.SendBinary(frame); err != nil {
				s.logger.Debug("dropped audio frame", zap.String("package", pkg), zap.Error(err))
			}
		}
	}
}

// emitter returns the callback a recognizer started for sess reports through.
// Results arriving after the session was replaced or ended are dropped.
func (s *Server) emitter(sess *session.UserSession) transcription.EmitFunc {
	return func(ev transcription.Event) {
		if sess.Retired() {
			s.logger.Debug("transcription for retired session", zap.String("session_id", sess.ID()))
			return
		}
		s.broadcast(sess, ev.Stream(), ev.Payload())
	}
}

func (s *Server) startTranscription(ctx context.Context, sess *session.UserSession) {
	if !listening(sess) || sess.SetCapturing(true) {
		return
	}
	id := sess.ID()
	sink, err := s.provider.Start(ctx, id, s.subs.MinimalLanguageSubscriptions(id), s.emitter(sess))
	if err != nil {
		sess.SetCapturing(false)
		s.logger.Warn("start transcription", zap.String("session_id", id), zap.Error(err))
		return
	}
	if err := sess.AttachAudio(sink); err != nil {
		s.logger.Warn("drain buffered audio", zap.String("session_id", id), zap.Error(err))
	}
}

func (s *Server) stopTranscription(ctx context.Context, sess *session.UserSession) {
	if !sess.SetCapturing(false) {
		return
	}
	sess.DetachAudio()
	if err := s.provider.Stop(ctx, sess.ID()); err != nil {
		s.logger.Warn("stop transcription", zap.String("session_id", sess.ID()), zap.Error(err))
	}
}

// snapshot summarizes sess for the glasses.
func (s *Server) snapshot(ctx context.Context, sess *session.UserSession) protocol.Snapshot {
	id := sess.ID()
	subs := s.subs.SessionSubscriptions(id)

	seen := make(map[stream.Type]bool)
	what := []stream.Type{}
	for _, set := range subs {
		for _, t := range set {
			if !seen[t] {
				seen[t] = true
				what = append(what, t)
			}
		}
	}
	sort.Slice(what, func(i, j int) bool { return what[i] < what[j] })

	installed := []protocol.AppInfo{}
	if s.dir != nil {
		apps, err := s.dir.AllApps(ctx)
		if err != nil {
			s.logger.Debug("list installed apps", zap.Error(err))
		}
		for _, app := range apps {
			installed = append(installed, protocol.AppInfo{
				PackageName: app.PackageName,
				Name:        app.Name,
				Category:    string(app.Category),
			})
		}
	}

	var booting []string
	if arb := sess.Display(); arb != nil {
		_, booting = arb.Booting()
	}

	return protocol.Snapshot{
		SessionID:             id,
		UserID:                sess.UserID(),
		StartTime:             sess.CreatedAt(),
		InstalledApps:         installed,
		AppSubscriptions:      subs,
		ActiveAppPackageNames: orEmpty(sess.ActiveApps()),
		LoadingApps:           orEmpty(sess.LoadingApps()),
		BootingApps:           orEmpty(booting),
		WhatToStream:          what,
	}
}

func (s *Server) sendStateChange(ctx context.Context, sess *session.UserSession) {
	sess.SendJSON(protocol.NewAppStateChange(s.snapshot(ctx, sess)))
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
