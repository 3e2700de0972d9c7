package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListPlatforms(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runtime.Platforms())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.runtime.Jobs(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleListCores(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runtime.Cores())
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	g, err := s.runtime.Graph(r.Context())
	if err != nil {
		s.logger.Error("graph snapshot", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "graph engine unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleListData(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runtime.Data())
}
