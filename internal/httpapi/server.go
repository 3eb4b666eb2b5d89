// Package httpapi exposes the turn orchestrator over HTTP: turn execution
// (sync and async), status and listing, cleanup, health, Prometheus
// exposition, and the business KPI summary.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/semaphore"

	"turnforge/internal/engine"
	"turnforge/internal/metrics"
)

// Server wires the router, the engine, and request admission.
type Server struct {
	engine      *engine.Engine
	metrics     *metrics.Registry
	validate    *validator.Validate
	sem         *semaphore.Weighted
	serviceName string
	version     string
	router      chi.Router
}

// NewServer builds the API server. maxConcurrent caps simultaneously
// executing turns; excess run requests get 429.
func NewServer(eng *engine.Engine, reg *metrics.Registry, serviceName, version string, maxConcurrent int) *Server {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	s := &Server{
		engine:      eng,
		metrics:     reg,
		validate:    validator.New(),
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		serviceName: serviceName,
		version:     version,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "traceparent", "tracestate", "baggage"},
		MaxAge:         300,
	}))
	r.Use(s.traceContextMiddleware)
	r.Use(s.metricsMiddleware)

	r.Get("/metrics", s.metrics.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/turns:run", s.handleRunTurn)
		r.Get("/turns", s.handleListTurns)
		r.Get("/turns/{turnID}/status", s.handleTurnStatus)
		r.Delete("/turns/{turnID}", s.handleDeleteTurn)
		r.Get("/health", s.handleHealth)
		r.Get("/metrics/business-kpis", s.handleBusinessKPIs)
	})
	return r
}

// errorEnvelope is the uniform error body.
type errorEnvelope struct {
	Detail    string `json:"detail"`
	ErrorType string `json:"error_type"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, errorType, detail string) {
	writeJSON(w, status, errorEnvelope{Detail: detail, ErrorType: errorType})
}
