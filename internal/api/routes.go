package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flexinfer/conductor/internal/auth"
)

// Server holds the HTTP router and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	authmw   *auth.Middleware
}

// NewServer creates the API server. authmw may be nil when auth is disabled.
func NewServer(h *Handlers, authmw *auth.Middleware) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		authmw:   authmw,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Health and observability
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Run management
	api.HandleFunc("/runs", s.handlers.CreateRun).Methods("POST")
	api.HandleFunc("/runs", s.handlers.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.DeleteRun).Methods("DELETE")
	api.HandleFunc("/runs/{id}/cancel", s.handlers.CancelRun).Methods("POST")
	api.HandleFunc("/runs/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// RunStore diagnostics
	api.HandleFunc("/runstore/info", s.handlers.RunStoreInfo).Methods("GET")
	api.HandleFunc("/runstore/selfcheck", s.handlers.RunStoreSelfCheck).Methods("GET")

	// Middleware, outermost first.
	s.router.Use(s.handlers.RecoveryMiddleware)
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.RequestIDMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RateLimitMiddleware)
	if s.authmw != nil {
		s.router.Use(s.authmw.Handler)
	}
}
