// Package api is the thin HTTP boundary over §4's core logic (spec.md
// §6): routing, request decoding, and error-to-status mapping only — no
// business logic lives here. Modeled on the teacher's
// metasearch.Server (a *mux.Router wrapped in a Server struct exposing
// a plain http.Handler) and satellite/marketing/marketingweb's
// httptest-driven route tests.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/icgc-argo/files-service/internal/filestore"
	"github.com/icgc-argo/files-service/internal/healthcheck"
	"github.com/icgc-argo/files-service/internal/releaseorchestrator"
	"github.com/icgc-argo/files-service/internal/releasestore"
)

// Error is the error class for the api package.
var Error = errs.Class("api")

// Config tunes which routes Server mounts.
type Config struct {
	// DebugRoutesEnabled mounts the debug delete routes (spec.md §4.1,
	// "terminal deletion only via debug path").
	DebugRoutesEnabled bool
}

// Server wires the HTTP boundary to the core packages. It never writes
// to the release store directly — release writes only flow through
// the Orchestrator, which owns the state-machine transitions.
type Server struct {
	log      *zap.Logger
	files    filestore.Store
	releases releasestore.Store
	orch     *releaseorchestrator.Orchestrator
	health   *healthcheck.Server
	cfg      Config

	Handler http.Handler
}

// NewServer constructs a Server and builds its routing table.
func NewServer(log *zap.Logger, files filestore.Store, releases releasestore.Store, orch *releaseorchestrator.Orchestrator, health *healthcheck.Server, cfg Config) *Server {
	s := &Server{
		log:      log.Named("api"),
		files:    files,
		releases: releases,
		orch:     orch,
		health:   health,
		cfg:      cfg,
	}
	s.Handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/files", s.handleListFiles).Methods(http.MethodGet)
	r.HandleFunc("/files", s.handleCreateFile).Methods(http.MethodPost)
	r.HandleFunc("/files/{id}", s.handleGetFile).Methods(http.MethodGet)
	r.HandleFunc("/files/{id}/labels", s.handleUpdateLabels).Methods(http.MethodPatch)
	r.HandleFunc("/files/{id}/labels", s.handleRemoveLabels).Methods(http.MethodDelete)

	r.HandleFunc("/admin/index/{datacenter}", s.handleReindex).Methods(http.MethodPost)
	r.HandleFunc("/admin/promote/{stage}", s.handlePromote).Methods(http.MethodPost)
	r.HandleFunc("/admin/demote/{stage}", s.handleDemote).Methods(http.MethodPost)
	r.HandleFunc("/admin/clinicalExemption/remove", s.handleClinicalExemptionRemove).Methods(http.MethodPost)
	r.HandleFunc("/admin/clinicalExemption/{reason}", s.handleClinicalExemption).Methods(http.MethodPost)

	r.HandleFunc("/release", s.handleListReleases).Methods(http.MethodGet)
	r.HandleFunc("/release/active", s.handleActiveRelease).Methods(http.MethodGet)
	r.HandleFunc("/release/latest", s.handleLatestRelease).Methods(http.MethodGet)
	r.HandleFunc("/release/{id}", s.handleGetRelease).Methods(http.MethodGet)
	r.HandleFunc("/release/calculate", s.handleCalculate).Methods(http.MethodPost)
	r.HandleFunc("/release/build/{version}/{label}", s.handleBuild).Methods(http.MethodPost)
	r.HandleFunc("/release/publish/{version}", s.handlePublish).Methods(http.MethodPost)

	if s.cfg.DebugRoutesEnabled {
		r.HandleFunc("/debug/files/{id}", s.handleDebugDeleteFile).Methods(http.MethodDelete)
		r.HandleFunc("/debug/files", s.handleDebugDeleteAll).Methods(http.MethodDelete)
	}

	if s.health != nil {
		r.PathPrefix("/health").Handler(s.health.Handler())
	}

	return r
}
