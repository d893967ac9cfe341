// Package web exposes the gateway over HTTP: thread messaging, handoff
// control, pipeline runs, status, metrics and a websocket event feed.
package web

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/synodos/internal/config"
	"github.com/mtzanidakis/synodos/internal/handoff"
	"github.com/mtzanidakis/synodos/internal/metrics"
	"github.com/mtzanidakis/synodos/internal/natsbus"
	"github.com/mtzanidakis/synodos/internal/pipeline"
	"github.com/mtzanidakis/synodos/internal/registry"
	"github.com/mtzanidakis/synodos/internal/router"
	"github.com/mtzanidakis/synodos/internal/store"
	"github.com/mtzanidakis/synodos/internal/tracing"
	"github.com/nats-io/nats.go"
)

const (
	sessionCookieName = "session"
	sessionMaxAge     = 30 * 24 * time.Hour // 30 days
)

type Options struct {
	Store      *store.Store
	Router     *router.Router
	Handoffs   *handoff.Coordinator
	Pipelines  *pipeline.Executor
	Registry   *registry.Registry
	Propagator *tracing.Propagator
	// Client feeds bus events to websocket clients. Optional.
	Client  *natsbus.Client
	Metrics *metrics.Collector
	Config  config.WebConfig
	Version string
	Logger  *slog.Logger
}

type Server struct {
	store      *store.Store
	router     *router.Router
	handoffs   *handoff.Coordinator
	pipelines  *pipeline.Executor
	registry   *registry.Registry
	propagator *tracing.Propagator
	nats       *natsbus.Client
	metrics    *metrics.Collector
	hub        *Hub
	cfg        config.WebConfig
	version    string
	startedAt  time.Time
	logger     *slog.Logger

	sessionMu sync.Mutex
	sessions  map[string]time.Time // token → expiry

	sub *nats.Subscription
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "web")
	if opts.Propagator == nil {
		opts.Propagator = tracing.NewPropagator(tracing.DefaultMaxDepth)
	}
	return &Server{
		store:      opts.Store,
		router:     opts.Router,
		handoffs:   opts.Handoffs,
		pipelines:  opts.Pipelines,
		registry:   opts.Registry,
		propagator: opts.Propagator,
		nats:       opts.Client,
		metrics:    opts.Metrics,
		hub:        NewHub(logger),
		cfg:        opts.Config,
		version:    opts.Version,
		startedAt:  time.Now(),
		logger:     logger,
		sessions:   make(map[string]time.Time),
	}
}

// Handler returns the full route table wrapped in the auth middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Auth endpoints (public)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/check", s.handleAuthCheck)

	s.registerAPI(mux)

	mux.HandleFunc("/api/ws", s.handleWebSocket)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	if err := s.subscribeEvents(); err != nil {
		s.logger.Error("websocket event feed unavailable", "error", err)
	}
	defer s.unsubscribeEvents()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		// Session/auth for API routes (except public auth endpoints)
		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" {
			if r.URL.Path == "/api/login" || r.URL.Path == "/api/auth/check" {
				next.ServeHTTP(w, r)
				return
			}
			if !s.checkAuth(w, r) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) passwordOK(pass string) bool {
	return subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1
}

// validSession reports whether token is live and, if so, extends it.
func (s *Server) validSession(token string) bool {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	expiry, ok := s.sessions[token]
	if ok && time.Now().Before(expiry) {
		s.sessions[token] = time.Now().Add(sessionMaxAge)
		return true
	}
	if ok {
		delete(s.sessions, token)
	}
	return false
}

// checkAuth validates session cookie or Basic Auth. Returns true if authenticated.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && s.validSession(cookie.Value) {
		s.setSessionCookie(w, cookie.Value)
		return true
	}

	// Fall back to Basic Auth (for programmatic API access)
	if _, pass, ok := r.BasicAuth(); ok && s.passwordOK(pass) {
		return true
	}

	jsonError(w, "unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) createSession() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	s.sessionMu.Lock()
	s.sessions[token] = time.Now().Add(sessionMaxAge)
	s.sessionMu.Unlock()

	return token, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == "" {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.passwordOK(body.Password) {
		jsonError(w, "invalid password", http.StatusUnauthorized)
		return
	}

	token, err := s.createSession()
	if err != nil {
		jsonError(w, "session creation failed", http.StatusInternalServerError)
		return
	}

	s.setSessionCookie(w, token)
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.sessionMu.Lock()
		delete(s.sessions, cookie.Value)
		s.sessionMu.Unlock()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	// No auth configured, clients can skip login.
	if s.cfg.Auth == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil && s.validSession(cookie.Value) {
		s.setSessionCookie(w, cookie.Value)
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}
	jsonError(w, "unauthorized", http.StatusUnauthorized)
}

// subscribeEvents forwards every bus event to websocket clients.
func (s *Server) subscribeEvents() error {
	if s.nats == nil {
		return nil
	}
	sub, err := s.nats.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.logger.Warn("invalid NATS event payload", "error", err)
			return
		}
		event.Topic = msg.Subject
		s.hub.Broadcast(event)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Server) unsubscribeEvents() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}
