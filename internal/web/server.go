// Package web exposes the admin/status HTTP surface: pool occupancy, run
// status lookups, and job cancellation (SPEC_FULL.md §4.10).
package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/forgehq/agentrunner/internal/agent/fingerprint"
	"github.com/forgehq/agentrunner/internal/agent/pool"
	"github.com/forgehq/agentrunner/internal/agent/runner"
	"github.com/forgehq/agentrunner/internal/db/repository"
)

type Server struct {
	router chi.Router
	runner *runner.Runner
	pool   *pool.Pool
	runs   *repository.RunRepository
}

func NewServer(r *runner.Runner, p *pool.Pool, runs *repository.RunRepository, limiter func(http.Handler) http.Handler) *Server {
	s := &Server{
		router: chi.NewRouter(),
		runner: r,
		pool:   p,
		runs:   runs,
	}

	s.routes(limiter)
	return s
}

// Router exposes the underlying handler for cmd/agentd's http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes(limiter func(http.Handler) http.Handler) {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if limiter != nil {
		r.Use(limiter)
	}

	r.Get("/pool", s.handlePoolSnapshot)
	r.Delete("/pool/{fingerprint}", s.handleEvictFingerprint)
	r.Get("/jobs/{instanceId}", s.handleGetRun)
	r.Post("/jobs/{instanceId}/cancel", s.handleCancel)
}

func (s *Server) handlePoolSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Snapshots())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")
	if s.runs == nil {
		http.Error(w, "run history is not configured", http.StatusNotImplemented)
		return
	}

	rec, err := s.runs.Get(r.Context(), instanceID)
	if err != nil {
		http.Error(w, "run not found: "+err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEvictFingerprint(w http.ResponseWriter, r *http.Request) {
	fp, err := fingerprint.Parse(chi.URLParam(r, "fingerprint"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := s.pool.EvictFingerprint(fp)
	writeJSON(w, http.StatusOK, map[string]int{"evicted": n})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")
	if !s.runner.Cancel(instanceID) {
		http.Error(w, "no running job with that instance id", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
