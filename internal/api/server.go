// Package api exposes the engine over HTTP: assembly, cache statistics,
// performance summaries, alerts, and Prometheus metrics.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/engine"
	"github.com/swm-sink/la-factoria-content-factory-sub007/pkg/config"
)

// Server is the HTTP API server.
type Server struct {
	engine *engine.Engine
	config *config.Config
}

// NewServer creates an API server on top of a running engine.
func NewServer(e *engine.Engine, cfg *config.Config) *Server {
	return &Server{engine: e, config: cfg}
}

// SetupRoutes configures HTTP routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/assemble", s.handleAssemble)
	mux.HandleFunc("/api/v1/cache/stats", s.handleCacheStats)
	mux.HandleFunc("/api/v1/cache/invalidate", s.handleInvalidate)
	mux.HandleFunc("/api/v1/performance/summary", s.handleSummary)
	mux.HandleFunc("/api/v1/alerts", s.handleAlerts)

	mux.Handle("/metrics", promhttp.Handler())

	return s.loggingMiddleware(mux)
}

// HTTPServer builds the http.Server with the configured timeouts. The
// caller owns its lifecycle, including graceful shutdown.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.config.Server.Addr,
		Handler:      s.SetupRoutes(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}
}

// loggingMiddleware logs request method, path, and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[API] %s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

// respondJSON writes a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// parseJSON parses a JSON request body.
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}
