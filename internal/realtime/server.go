// Package realtime is the websocket gateway between glasses clients and TPAs.
package realtime

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"glasshub/internal/auth"
	"glasshub/internal/directory"
	"glasshub/internal/lifecycle"
	"glasshub/internal/observe"
	"glasshub/internal/session"
	"glasshub/internal/subscription"
	"glasshub/internal/transcription"
	"glasshub/internal/users"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const DefaultMicDebounce = time.Second

// Deps are the collaborators a Server drives.
type Deps struct {
	Sessions      *session.Registry
	Subscriptions *subscription.Registry
	Apps          *lifecycle.Manager
	Directory     directory.Directory
	Users         users.Store
	Verifier      auth.Verifier
	Transcription transcription.Provider
	Observer      observe.Observer
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// Options tunes a Server.
type Options struct {
	SystemPackage  string
	MicDebounce    time.Duration
	AllowedOrigins []string
}

// Server accepts glasses and TPA connections and routes messages between
// them, the session registry and the app lifecycle manager.
type Server struct {
	sessions *session.Registry
	subs     *subscription.Registry
	apps     *lifecycle.Manager
	dir      directory.Directory
	users    users.Store
	verifier auth.Verifier
	provider transcription.Provider
	observer observe.Observer
	metrics  http.Handler

	opts     Options
	logger   *zap.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	clients   map[*client]bool
	clientsMu sync.Mutex

	mics   map[*session.UserSession]*micDebouncer
	micsMu sync.Mutex
}

// New creates a gateway and registers its session expiry hook.
func New(deps Deps, opts Options, logger *zap.Logger) *Server {
	if opts.MicDebounce <= 0 {
		opts.MicDebounce = DefaultMicDebounce
	}
	if deps.Observer == nil {
		deps.Observer = observe.Nop{}
	}
	if deps.Transcription == nil {
		deps.Transcription = transcription.NewNop()
	}
	if deps.Users == nil {
		deps.Users = users.NewMemory()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		sessions: deps.Sessions,
		subs:     deps.Subscriptions,
		apps:     deps.Apps,
		dir:      deps.Directory,
		users:    deps.Users,
		verifier: deps.Verifier,
		provider: deps.Transcription,
		observer: deps.Observer,
		metrics:  deps.Metrics,
		opts:     opts,
		logger:   logger.Named("realtime"),
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[*client]bool),
		mics:     make(map[*session.UserSession]*micDebouncer),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.sessions.OnExpire(s.onSessionExpired)
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/glasses-ws", s.handleGlassesSocket)
	mux.HandleFunc("/tpa-ws", s.handleTPASocket)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/apps/{pkg}/start", s.handleStartApp)
	mux.HandleFunc("POST /sessions/{id}/apps/{pkg}/stop", s.handleStopApp)
	mux.HandleFunc("GET /sessions/{id}/apps/{pkg}/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("GET /apps", s.handleListApps)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.corsMiddleware(mux)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return len(s.opts.AllowedOrigins) == 0 ||
		slices.Contains(s.opts.AllowedOrigins, "*") ||
		slices.Contains(s.opts.AllowedOrigins, origin)
}

// checkOrigin lets non-browser clients through; they send no Origin header.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.originAllowed(origin)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
	_ = c.Close()
}

// Shutdown closes every connection and ends every session.
func (s *Server) Shutdown() {
	s.cancel()

	s.clientsMu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		_ = c.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}

	s.micsMu.Lock()
	for sess, d := range s.mics {
		d.stop()
		delete(s.mics, sess)
	}
	s.micsMu.Unlock()

	s.sessions.Shutdown()
}

// onSessionExpired releases everything a session held once its reconnect
// grace window has passed.
func (s *Server) onSessionExpired(sess *session.UserSession) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	id := sess.ID()
	s.apps.StopAll(ctx, sess, lifecycle.ReasonSessionEnded)
	s.subs.RemoveSession(id)
	if err := s.provider.Stop(ctx, id); err != nil {
		s.logger.Debug("stop transcription", zap.String("session_id", id), zap.Error(err))
	}
	s.dropMicrophone(sess)
}
