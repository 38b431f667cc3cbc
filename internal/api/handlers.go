package api

import (
	"net/http"
	"time"

	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/assembler"
	"github.com/swm-sink/la-factoria-content-factory-sub007/pkg/types"
)

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": s.engine.Uptime().String(),
	})
}

// handleAssemble runs one context assembly.
func (s *Server) handleAssemble(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req assembler.Request
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Description == "" && req.ExplicitComplexity == nil {
		s.respondError(w, http.StatusBadRequest, "description or explicit_complexity required")
		return
	}

	result, err := s.engine.Assemble(r.Context(), req)
	if err != nil {
		s.respondAssembleError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// respondAssembleError maps engine error kinds to HTTP statuses.
func (s *Server) respondAssembleError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := types.KindOf(err)
	switch kind {
	case types.KindQualityGateFailed:
		status = http.StatusUnprocessableEntity
	case types.KindTimeout:
		status = http.StatusGatewayTimeout
	case types.KindFragmentStoreUnavailable:
		status = http.StatusBadGateway
	}

	s.respondJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

// handleCacheStats returns per-tier and aggregate cache counters.
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respondJSON(w, http.StatusOK, s.engine.CacheStats())
}

// handleInvalidate evicts one fragment key from every tier.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Key    string `json:"key"`
		Domain string `json:"domain"`
	}
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Key == "" {
		s.respondError(w, http.StatusBadRequest, "key required")
		return
	}

	s.engine.Invalidate(r.Context(), req.Key, req.Domain)
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// handleSummary returns the rolling performance summary. The span query
// parameter (Go duration, default 15m) bounds the window.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	span := 15 * time.Minute
	if raw := r.URL.Query().Get("span"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid span: "+err.Error())
			return
		}
		span = parsed
	}

	s.respondJSON(w, http.StatusOK, s.engine.Summary(span))
}

// handleAlerts returns currently firing alerts.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	alerts := s.engine.Alerts()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}
