// Package api provides HTTP handlers and routing for the taskflow service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	limiter  *RateLimiter
}

// NewServer creates a new API server with the given handlers. A nil
// limiter disables rate limiting.
func NewServer(h *Handlers, limiter *RateLimiter) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		limiter:  limiter,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return TracingMiddleware(s.handlers.config.OTelEnabled)(s.router)
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Pipelines
	api.HandleFunc("/pipelines", s.handlers.CreatePipeline).Methods("POST")
	api.HandleFunc("/pipelines", s.handlers.ListPipelines).Methods("GET")
	api.HandleFunc("/pipelines/validate", s.handlers.ValidatePipeline).Methods("POST")
	api.HandleFunc("/pipelines/{id}", s.handlers.GetPipeline).Methods("GET")
	api.HandleFunc("/pipelines/{id}", s.handlers.UpdatePipeline).Methods("PUT")
	api.HandleFunc("/pipelines/{id}", s.handlers.DeletePipeline).Methods("DELETE")
	api.HandleFunc("/pipelines/{id}/plan", s.handlers.PlanPipeline).Methods("GET")
	api.HandleFunc("/pipelines/{id}/runs", s.handlers.StartRun).Methods("POST")

	// Runs
	api.HandleFunc("/runs", s.handlers.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/cancel", s.handlers.CancelRun).Methods("POST")
	api.HandleFunc("/runs/{id}/events", s.handlers.StreamEvents).Methods("GET")

	api.HandleFunc("/operators", s.handlers.ListOperators).Methods("GET")
	api.HandleFunc("/schedules", s.handlers.ListSchedules).Methods("GET")

	// Preflight requests only need the CORS middleware.
	s.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	s.router.Use(s.handlers.RequestIDMiddleware)
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
	if s.limiter != nil {
		s.router.Use(s.limiter.Middleware)
	}
}
