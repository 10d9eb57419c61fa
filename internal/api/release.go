package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) handleListReleases(w http.ResponseWriter, r *http.Request) {
	releases, err := s.releases.GetReleases(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, releases)
}

func (s *Server) handleActiveRelease(w http.ResponseWriter, r *http.Request) {
	release, err := s.releases.GetActiveRelease(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, release)
}

func (s *Server) handleLatestRelease(w http.ResponseWriter, r *http.Request) {
	release, err := s.releases.GetLatestRelease(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, release)
}

func (s *Server) handleGetRelease(w http.ResponseWriter, r *http.Request) {
	release, err := s.releases.GetReleaseById(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, release)
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	release, err := s.orch.Calculate(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, release)
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	release, err := s.orch.Build(r.Context(), vars["version"], vars["label"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, release)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	release, err := s.orch.Publish(r.Context(), mux.Vars(r)["version"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, release)
}
