package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/runsync/internal/attrs"
	"github.com/seantiz/runsync/internal/convert"
	"github.com/seantiz/runsync/internal/engine"
	"github.com/seantiz/runsync/internal/fsm"
	"github.com/seantiz/runsync/internal/model"
	"github.com/seantiz/runsync/internal/poller"
	"github.com/seantiz/runsync/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB

	idempotencyHeader = "Idempotency-Key"
)

// submitRunRequest is the JSON body for POST /v1/runs.
type submitRunRequest struct {
	Kind           string           `json:"kind"`
	Entity         model.EntityType `json:"entity"`
	Project        string           `json:"project"`
	Name           string           `json:"name"`
	Spec           *attrs.Map       `json:"spec"`
	IdempotencyKey string           `json:"idempotency_key"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Record `json:"runs"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if req.Entity != "" && !req.Entity.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown entity "+strconv.Quote(string(req.Entity)))
		return
	}
	if key := r.Header.Get(idempotencyHeader); key != "" {
		req.IdempotencyKey = key
	}

	id, err := s.engine.Submit(r.Context(), engine.RunRequest{
		Kind:           req.Kind,
		Entity:         req.Entity,
		Project:        req.Project,
		Name:           req.Name,
		Spec:           req.Spec,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeEngineError(w, err, "submit run")
		return
	}

	rec, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err, "get submitted run")
		return
	}
	s.writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err, "get run")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	q := r.URL.Query()
	f := store.Filter{
		Entity:  model.EntityType(q.Get("entity")),
		Kind:    q.Get("kind"),
		Project: q.Get("project"),
		State:   model.State(q.Get("state")),
	}

	runs, total, err := s.engine.List(r.Context(), f, limit, offset)
	if err != nil {
		s.writeEngineError(w, err, "list runs")
		return
	}

	if runs == nil {
		runs = []*model.Record{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err, "cancel run")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// writeEngineError maps core errors onto HTTP statuses. Unclassified errors
// are logged and reported as 500 with a generic message.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, op string) {
	var (
		uke *convert.UnsupportedKindError
		ce  *convert.ConversionError
		ite *fsm.IllegalTransitionError
	)
	switch {
	case errors.As(err, &uke), errors.As(err, &ce), errors.Is(err, engine.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, poller.ErrPollerNotFound):
		s.writeError(w, http.StatusNotFound, "poller not found")
	case errors.As(err, &ite), errors.Is(err, store.ErrStaleWrite):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
