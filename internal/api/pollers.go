package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/runsync/internal/poller"
)

// pollerResponse is a poller as reported by the API. Delay is rendered as a
// Go duration string.
type pollerResponse struct {
	poller.Info
	Delay string `json:"delay"`
}

func toPollerResponse(info poller.Info) pollerResponse {
	return pollerResponse{Info: info, Delay: info.Delay.String()}
}

func (s *Server) handleListPollers(w http.ResponseWriter, _ *http.Request) {
	infos := s.engine.Pollers().List()
	out := make([]pollerResponse, len(infos))
	for i, info := range infos {
		out[i] = toPollerResponse(info)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStartPoller(w http.ResponseWriter, r *http.Request) {
	s.controlPoller(w, r, s.engine.Pollers().StartOne, "start poller")
}

func (s *Server) handleStopPoller(w http.ResponseWriter, r *http.Request) {
	s.controlPoller(w, r, s.engine.Pollers().StopOne, "stop poller")
}

func (s *Server) controlPoller(w http.ResponseWriter, r *http.Request, op func(string) error, name string) {
	pollerName := chi.URLParam(r, "name")
	if err := op(pollerName); err != nil {
		s.writeEngineError(w, err, name)
		return
	}
	for _, info := range s.engine.Pollers().List() {
		if info.Name == pollerName {
			s.writeJSON(w, http.StatusOK, toPollerResponse(info))
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "poller not found")
}
