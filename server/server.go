// Package server implements the Taskyard HTTP server: REST API, auth, and
// the SSE event stream.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/taskyard/comms"
	"github.com/GoCodeAlone/taskyard/config"
	"github.com/GoCodeAlone/taskyard/engine"
	"github.com/GoCodeAlone/taskyard/server/api"
	"github.com/GoCodeAlone/taskyard/server/ws"
	"github.com/GoCodeAlone/taskyard/task"
)

// Server is the Taskyard HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	engine   *engine.Service
	bus      comms.Bus
	hub      *ws.Hub
	detach   func()
	handlers *api.Handlers

	routesOnce sync.Once

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret []byte

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		hub:       ws.NewHub(logger),
		startTime: time.Now(),
		version:   ver,
	}
}

// SetEngine attaches the task engine to the server.
func (s *Server) SetEngine(svc *engine.Service) {
	s.engine = svc
}

// SetBus attaches the event bus the SSE stream and event history read from.
func (s *Server) SetBus(bus comms.Bus) {
	s.bus = bus
}

// Handler registers routes on first use and returns the root handler.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.registerRoutes)
	return s.mux
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop detaches from the bus and gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.detach != nil {
		s.detach()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Engine:  s.engine,
		Bus:     s.bus,
		Logger:  s.logger,
		Version: s.version,
		StartAt: s.startTime,
		Caller:  requestCaller,
	}
	s.handlers = h
	if s.bus != nil {
		s.detach = s.hub.Attach(s.bus)
	}

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())

	// SSE: auth handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API, wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	kind := task.KindInternal
	switch status {
	case http.StatusBadRequest:
		kind = task.KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = task.KindAuthorization
	}
	writeJSON(w, status, api.ErrorBody{Error: msg, Kind: kind})
}

// handleSSE streams lifecycle events for tasks inside the caller's scope.
// The credential comes from the token query parameter or the
// Authorization header.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	credential := r.URL.Query().Get("token")
	if credential == "" {
		credential = bearer(r)
	}
	if credential == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c, err := s.authenticate(credential)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.logger.Debug("sse client connected", slog.String("agent_id", c.AgentID))
	s.hub.ServeSSE(w, r, func(ev *comms.Event) bool {
		return c.CanSee(ev.Task)
	})
}
