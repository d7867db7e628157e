package httpapi

import "net/http"

type healthResponse struct {
	Status   string `json:"status"`
	LogError string `json:"log_error,omitempty"`
}

// handleHealth reports liveness/readiness. It never requires auth — load
// balancers and orchestrators probe it unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.health.StreamInfo(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", LogError: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
