// Package healthcheck exposes liveness/readiness over HTTP for the
// files-service's store clients and background consumers (a
// SUPPLEMENTED FEATURE: stores + consumer offset staleness), mirroring
// the teacher's private/healthcheck server.
package healthcheck

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the error class for the healthcheck package.
var Error = errs.Class("healthcheck")

// ErrCheckExists is returned by Server.AddCheck when a check with the
// same Name is already registered.
var ErrCheckExists = errs.New("check already exists")

// Check is one thing worth reporting on: a store ping, or how stale a
// consumer group's last-consumed offset is.
type Check interface {
	// Name identifies the check in the JSON response and in its
	// per-check route (/health/<name>).
	Name() string
	// Healthy reports whether the check currently passes.
	Healthy(ctx context.Context) bool
}

// Server aggregates Checks and serves them over HTTP.
type Server struct {
	log *zap.Logger

	mu     sync.RWMutex
	checks map[string]Check
}

// NewServer constructs an empty Server.
func NewServer(log *zap.Logger) *Server {
	return &Server{
		log:    log.Named("healthcheck"),
		checks: make(map[string]Check),
	}
}

// AddCheck registers check. Returns ErrCheckExists if its Name is
// already registered.
func (s *Server) AddCheck(check Check) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.checks[check.Name()]; exists {
		return Error.Wrap(ErrCheckExists)
	}
	s.checks[check.Name()] = check
	return nil
}

// Handler returns an http.Handler serving GET /health (all checks) and
// GET /health/{name} (one check).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleAll)
	mux.HandleFunc("/health/", s.handleOne)
	return mux
}

func (s *Server) handleAll(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	checks := make(map[string]Check, len(s.checks))
	for name, c := range s.checks {
		checks[name] = c
	}
	s.mu.RUnlock()

	results := make(map[string]bool, len(checks))
	allHealthy := true
	for name, c := range checks {
		healthy := c.Healthy(r.Context())
		results[name] = healthy
		allHealthy = allHealthy && healthy
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, results)
}

func (s *Server) handleOne(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Path[len("/health/"):]

	s.mu.RLock()
	check, ok := s.checks[name]
	s.mu.RUnlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	healthy := check.Healthy(r.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Healthy bool `json:"healthy"`
	}{Healthy: healthy})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
