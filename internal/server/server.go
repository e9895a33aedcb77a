package server

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tutodecode/termlab/internal/api"
	"github.com/tutodecode/termlab/internal/models"
	"github.com/tutodecode/termlab/internal/pty"
	"github.com/tutodecode/termlab/internal/sandbox"
	"github.com/tutodecode/termlab/internal/ws"
)

// Options wires the server to its backends.
type Options struct {
	Sessions    pty.SessionManager
	Runner      sandbox.Runner
	History     api.HistoryReader
	Health      models.HealthResponse
	DefaultCols uint16
	DefaultRows uint16

	// AllowedOrigins are browser origins admitted besides loopback pages.
	AllowedOrigins []string
	Logger         *log.Logger
}

type Server struct {
	router chi.Router
	health models.HealthResponse
	logger *log.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("http")
	}
	s := &Server{
		router: chi.NewRouter(),
		health: opts.Health,
		logger: logger,
	}
	s.routes(opts)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(opts Options) {
	sessions := api.NewSessionsHandler(opts.Sessions, opts.DefaultCols, opts.DefaultRows, s.logger)
	commands := api.NewCommandsHandler(opts.Runner, opts.History, s.logger)
	policy := newOriginPolicy(opts.AllowedOrigins)
	wsHandler := ws.NewHandler(opts.Sessions, policy.checkOrigin, s.logger.WithPrefix("ws"))

	r := s.router
	r.Use(recoveryMiddleware(s.logger))
	r.Use(loggingMiddleware(s.logger))
	r.Use(originGuard(policy, s.logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(corsMiddleware(policy))
		r.Use(middleware.AllowContentType("application/json"))

		// Health
		r.Get("/health", s.handleHealth)

		// Sessions
		r.Get("/sessions", sessions.HandleList)
		r.Post("/sessions", sessions.HandleCreate)
		r.Post("/sessions/input", sessions.HandleInput)
		r.Get("/sessions/output", sessions.HandleOutput)
		r.Post("/sessions/resize", sessions.HandleResize)
		r.Delete("/sessions", sessions.HandleDelete)
		r.Delete("/sessions/{id}", sessions.HandleDelete)

		// Commands
		r.Get("/commands", commands.HandleAllowed)
		r.Post("/commands", commands.HandleRun)
		r.Get("/history", commands.HandleHistory)
		r.Get("/metrics", commands.HandleMetrics)
	})

	// WebSocket
	r.Get("/ws/session/{id}", wsHandler.ServeHTTP)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := s.health
	if resp.Status == "" {
		resp.Status = "ok"
	}
	if resp.Tools == nil {
		resp.Tools = []models.ToolStatus{}
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
