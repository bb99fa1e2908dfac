package api

import (
	"net/http"
)

type healthResponse struct {
	Status  string `json:"status"`
	Kinds   int    `json:"kinds"`
	Pollers int    `json:"pollers"`
	Error   string `json:"error,omitempty"`
}

// handleHealthz reports "ok" while the record store answers and
// "unavailable" with 503 otherwise.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Kinds:   len(s.engine.Kinds()),
		Pollers: len(s.engine.Pollers().List()),
	}
	if _, err := s.engine.Stats(r.Context()); err != nil {
		s.logger.Warn("health check: store unavailable", "error", err)
		resp.Status = "unavailable"
		resp.Error = err.Error()
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
