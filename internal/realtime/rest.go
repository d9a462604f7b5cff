package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"glasshub/internal/directory"
	"glasshub/internal/lifecycle"
	"glasshub/internal/protocol"
	"glasshub/internal/session"
	"glasshub/internal/stream"
	"glasshub/internal/subscription"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.sessions.List()),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.List()
	out := make([]protocol.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, s.snapshot(r.Context(), sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, sessionStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(r.Context(), sess))
}

func (s *Server) handleStartApp(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, sessionStatus(err), err)
		return
	}

	started, err := s.apps.StartApp(r.Context(), sess, r.PathValue("pkg"))
	switch {
	case errors.Is(err, directory.ErrAppNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, lifecycle.ErrWebhookFailed):
		s.sendStateChange(r.Context(), sess)
		writeError(w, http.StatusBadGateway, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.sendStateChange(r.Context(), sess)
	s.updateMicrophone(sess)
	writeJSON(w, http.StatusOK, map[string]bool{"started": started})
}

func (s *Server) handleStopApp(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, sessionStatus(err), err)
		return
	}

	err = s.stopApp(r.Context(), sess, r.PathValue("pkg"), lifecycle.ReasonOperatorStop)
	if errors.Is(err, lifecycle.ErrAppNotRunning) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.sendStateChange(r.Context(), sess)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type subscriptionsResponse struct {
	PackageName   string                      `json:"packageName"`
	Subscriptions []stream.Type               `json:"subscriptions"`
	History       []subscription.HistoryEntry `json:"history"`
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, sessionStatus(err), err)
		return
	}

	pkg := r.PathValue("pkg")
	resp := subscriptionsResponse{
		PackageName:   pkg,
		Subscriptions: s.subs.Subscriptions(sess.ID(), pkg),
		History:       s.subs.History(sess.ID(), pkg),
	}
	if resp.Subscriptions == nil {
		resp.Subscriptions = []stream.Type{}
	}
	if resp.History == nil {
		resp.History = []subscription.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	if s.dir == nil {
		writeJSON(w, http.StatusOK, []directory.App{})
		return
	}
	apps, err := s.dir.AllApps(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

// sessionStatus maps registry errors onto HTTP statuses.
func sessionStatus(err error) int {
	if errors.Is(err, session.ErrSessionNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
