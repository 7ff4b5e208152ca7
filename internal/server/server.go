package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/gcdistribution/portal/internal/auth"
	"github.com/gcdistribution/portal/internal/config"
	"github.com/gcdistribution/portal/internal/control"
	"github.com/gcdistribution/portal/internal/logging"
	"github.com/gcdistribution/portal/internal/relay"
	"github.com/gcdistribution/portal/internal/runstore"
	"github.com/gcdistribution/portal/internal/worker"
)

// multipartMemory is how much of an upload is held in memory before the
// rest spills to a temporary file.
const multipartMemory = 32 << 20

// Launcher starts the worker of a newly created run.
type Launcher interface {
	Start(run *runstore.Run, creds worker.Credentials, commission int) (*worker.Handle, error)
}

// StaticSource provides the current collaborator snapshot.
type StaticSource interface {
	Static() *config.Static
}

// Config holds server configuration options.
type Config struct {
	Port           int
	AllowedOrigins []string
	MaxUploadBytes int64
	ConfigDir      string
	LoginRateLimit config.LoginRateLimit
}

// Deps are the components the server routes requests to.
type Deps struct {
	Store    *runstore.Store
	Workers  Launcher
	Control  *control.Controller
	Relay    *relay.Relay
	Static   StaticSource
	Sessions *auth.Sessions
	Logger   *logging.Logger
}

// Server is the portal's HTTP front end.
type Server struct {
	cfg  Config
	deps Deps
	log  *logging.Logger

	logins *loginThrottle

	mu       sync.RWMutex
	server   *http.Server
	listener net.Listener
	started  bool
}

// NewServer creates a new Server instance.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("run store is required")
	case deps.Workers == nil:
		return nil, errors.New("worker launcher is required")
	case deps.Control == nil:
		return nil, errors.New("controller is required")
	case deps.Relay == nil:
		return nil, errors.New("relay is required")
	case deps.Static == nil:
		return nil, errors.New("static config source is required")
	case deps.Sessions == nil:
		return nil, errors.New("session store is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = config.DefaultMaxUploadMB << 20
	}
	log := deps.Logger
	if log == nil {
		log = logging.Discard()
	}

	return &Server{
		cfg:    cfg,
		deps:   deps,
		log:    log,
		logins: newLoginThrottle(cfg.LoginRateLimit, log),
	}, nil
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.cfg.Port
}

// Start starts the HTTP server.
// The server runs until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	// No write timeout: websocket connections are long-lived and
	// downloads may be large.
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.started = true
	s.mu.Unlock()

	go s.cleanupLoop(ctx)
	go func() {
		<-ctx.Done()
		if err := s.Stop(); err != nil {
			s.log.Warn("server stop failed", "error", err)
		}
	}()

	s.log.Info("server listening", "addr", listener.Addr().String())
	err = s.server.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server and closes every websocket.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Hijacked websocket connections are invisible to Shutdown.
	s.deps.Relay.Close()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	s.started = false
	return nil
}

// ListenAddr returns the actual address the server is listening on.
// Useful when port 0 is used to get an available port.
// Returns empty string if not started.
func (s *Server) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logins.prune()
		}
	}
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.withAuth(s.handleLogout)).Methods(http.MethodPost)
	r.HandleFunc("/auth/me", s.withAuth(s.handleMe)).Methods(http.MethodGet)

	r.HandleFunc("/stock/upload", s.withAuth(s.handleUpload)).Methods(http.MethodPost)
	r.HandleFunc("/stock/runs", s.withAuth(s.handleRuns)).Methods(http.MethodGet)
	r.HandleFunc("/stock/control/{runId}", s.withAuth(s.handleControl)).Methods(http.MethodPost)
	r.HandleFunc("/stock/control/{runId}", s.withAuth(s.handleControlState)).Methods(http.MethodGet)
	r.HandleFunc("/stock/download/{runId}/{filename}", s.withAuth(s.handleDownload)).Methods(http.MethodGet)

	r.HandleFunc("/config/clients", s.withAuth(s.handleClients)).Methods(http.MethodGet)
	r.HandleFunc("/config/clients", s.withAuth(s.handleSaveClients)).Methods(http.MethodPost)

	// Browsers cannot set headers on a websocket handshake, so the token
	// may also come as ?token=.
	r.Handle("/ws", s.withAuth(s.deps.Relay.ServeHTTP)).Methods(http.MethodGet)
}

type sessionKey struct{}

// withAuth wraps a handler with authentication middleware.
func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			respondError(w, http.StatusUnauthorized, "No token provided")
			return
		}

		session, ok := s.deps.Sessions.Lookup(token)
		if !ok {
			respondError(w, http.StatusUnauthorized, "Invalid or expired session")
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey{}, session)
		handler(w, r.WithContext(ctx))
	}
}

// sessionFrom returns the session withAuth attached to the request.
func sessionFrom(r *http.Request) (auth.Session, bool) {
	s, ok := r.Context().Value(sessionKey{}).(auth.Session)
	return s, ok
}

// OriginChecker returns a websocket origin check accepting the same origins
// as the CORS policy. A "*" entry, or an empty list, accepts any origin.
func OriginChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{
		"success": false,
		"message": message,
	})
}
