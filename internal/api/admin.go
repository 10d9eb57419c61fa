package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/icgc-argo/files-service/internal/filemodel"
	"github.com/icgc-argo/files-service/internal/filestore"
)

// fileFilterBody is the §6 admin endpoints' shared request body: a
// FileFilter plus the implicit dryRun query param.
type fileFilterBody struct {
	Include *filemodel.FilterSet `json:"include"`
	Exclude *filemodel.FilterSet `json:"exclude"`
}

func (b fileFilterBody) toFilter() filemodel.Filter {
	return filemodel.Filter{Include: b.Include, Exclude: b.Exclude}
}

func decodeFilterBody(r *http.Request) (filemodel.Filter, error) {
	var body fileFilterBody
	if r.ContentLength == 0 {
		return filemodel.Filter{}, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return filemodel.Filter{}, filestore.Error.Wrap(filestore.ErrInvalidArgument).Wrap(err)
	}
	return body.toFilter(), nil
}

func isDryRun(r *http.Request) bool {
	return r.URL.Query().Get("dryRun") == "true"
}

// applyAdminUpdate runs filter through a dry-run preview (matching
// objectIds only, no write) or a live filestore.UpdateBulk, per §6's
// dryRun contract.
func (s *Server) applyAdminUpdate(w http.ResponseWriter, r *http.Request, update filestore.BulkUpdate) {
	filter, err := decodeFilterBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if isDryRun(r) {
		it, err := s.files.GetAllFiles(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		defer it.Close()

		var objectIDs []string
		for it.Next(r.Context()) {
			objectIDs = append(objectIDs, it.Current().ObjectID)
		}
		if err := it.Err(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			DryRun    bool     `json:"dryRun"`
			ObjectIDs []string `json:"objectIds"`
		}{true, objectIDs})
		return
	}

	result, err := s.files.UpdateBulk(r.Context(), filter, update, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	stage := filemodel.EmbargoStage(mux.Vars(r)["stage"])
	s.applyAdminUpdate(w, r, filestore.BulkUpdate{
		AdminControls: &filestore.AdminControls{AdminPromote: &stage},
	})
}

func (s *Server) handleDemote(w http.ResponseWriter, r *http.Request) {
	stage := filemodel.EmbargoStage(mux.Vars(r)["stage"])
	s.applyAdminUpdate(w, r, filestore.BulkUpdate{
		AdminControls: &filestore.AdminControls{AdminDemote: &stage},
	})
}

func (s *Server) handleClinicalExemption(w http.ResponseWriter, r *http.Request) {
	reason := filemodel.ClinicalExemptionReason(mux.Vars(r)["reason"])
	s.applyAdminUpdate(w, r, filestore.BulkUpdate{
		AdminControls: &filestore.AdminControls{ClinicalExemption: &reason},
	})
}

func (s *Server) handleClinicalExemptionRemove(w http.ResponseWriter, r *http.Request) {
	s.applyAdminUpdate(w, r, filestore.BulkUpdate{
		AdminControls: &filestore.AdminControls{ClearClinicalExemption: true},
	})
}

// handleReindex lists the distinct programs matching the optional
// `study` query parameter (applied as a program filter) and returns
// them, with the {datacenter} path value, as 202 Accepted. It starts no
// re-indexing and no per-program recalculation.
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	study := r.URL.Query().Get("study")
	filter := filemodel.Filter{}
	if study != "" {
		filter.Include = &filemodel.FilterSet{Programs: []string{study}}
	}

	programs, err := s.files.GetPrograms(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, struct {
		DataCenter string   `json:"dataCenter"`
		Programs   []string `json:"programs"`
	}{mux.Vars(r)["datacenter"], programs})
}
