package api

import (
	"net/http"
)

// handleHealth serves GET /v1/health. The snapshot is assembled
// best-effort: a failing metric reads as zero rather than failing the
// probe, but an unreachable store turns the status unhealthy with a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return
	}

	health := s.engine.Health()
	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, health, status)
}
