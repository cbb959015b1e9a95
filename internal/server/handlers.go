// Package server provides the HTTP server and routing for QuantFleet.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/quantfleet/quantfleet/internal/executor"
	"github.com/quantfleet/quantfleet/internal/preload"
)

// statsResponse aggregates the executor's nested stats with the preloader's.
type statsResponse struct {
	Executor  executor.Stats `json:"executor"`
	Preloader preload.Stats  `json:"preloader"`
}

// invalidateRequest selects cache entries by pattern or tag. Exactly one of
// the two must be set.
type invalidateRequest struct {
	Pattern string `json:"pattern,omitempty"`
	Tag     string `json:"tag,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"service": "quantfleet",
		"pool":    s.container.Executor.HealthCheck(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleStats reports executor, pool, controller, cache, and preloader stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statsResponse{
		Executor:  s.container.Executor.Stats(),
		Preloader: s.container.Preloader.Stats(),
	})
}

// handleCacheInvalidate removes cache entries by key pattern or by tag.
func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch {
	case req.Pattern != "" && req.Tag != "":
		s.writeError(w, http.StatusBadRequest, "provide either pattern or tag, not both")
	case req.Pattern != "":
		removed, err := s.container.Cache.InvalidateByPattern(req.Pattern)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
	case req.Tag != "":
		removed := s.container.Cache.InvalidateByTag(req.Tag)
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
	default:
		s.writeError(w, http.StatusBadRequest, "provide a pattern or a tag")
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
