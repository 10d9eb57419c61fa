package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/icgc-argo/files-service/internal/filemodel"
	"github.com/icgc-argo/files-service/internal/filestore"
)

// filterFromQuery builds an include-only filemodel.Filter from the
// §6 GET /files query params (analyses, donors, programs, fileIds,
// objectIds — each a comma-separated list).
func filterFromQuery(q url.Values) filemodel.Filter {
	set := &filemodel.FilterSet{
		Analyses:  splitCSV(q.Get("analyses")),
		Donors:    splitCSV(q.Get("donors")),
		Programs:  splitCSV(q.Get("programs")),
		FileIDs:   splitCSV(q.Get("fileIds")),
		ObjectIDs: splitCSV(q.Get("objectIds")),
	}
	if set.IsEmpty() {
		return filemodel.Filter{}
	}
	return filemodel.Filter{Include: set}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 50
	}

	result, err := s.files.GetPaginatedFiles(r.Context(), page, limit, filterFromQuery(q))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var (
		file *filemodel.File
		err  error
	)
	if fileID, parseErr := filemodel.ParseFileID(id); parseErr == nil {
		file, err = s.files.GetById(r.Context(), fileID)
	} else {
		file, err = s.files.GetByObjectId(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var in filestore.CreateFileInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, filestore.Error.Wrap(filestore.ErrInvalidArgument))
		return
	}

	file, err := s.files.GetOrCreateByObjectId(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

func (s *Server) handleUpdateLabels(w http.ResponseWriter, r *http.Request) {
	fileID, err := filemodel.ParseFileID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, filestore.Error.Wrap(filestore.ErrInvalidArgument).Wrap(err))
		return
	}

	var labels map[string][]string
	if err := json.NewDecoder(r.Body).Decode(&labels); err != nil {
		writeError(w, filestore.Error.Wrap(filestore.ErrInvalidArgument))
		return
	}

	file, err := s.files.AddOrUpdateLabel(r.Context(), fileID, labels)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleRemoveLabels(w http.ResponseWriter, r *http.Request) {
	fileID, err := filemodel.ParseFileID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, filestore.Error.Wrap(filestore.ErrInvalidArgument).Wrap(err))
		return
	}

	keys := splitCSV(r.URL.Query().Get("keys"))
	file, err := s.files.RemoveLabel(r.Context(), fileID, keys)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleDebugDeleteFile(w http.ResponseWriter, r *http.Request) {
	fileID, err := filemodel.ParseFileID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, filestore.Error.Wrap(filestore.ErrInvalidArgument).Wrap(err))
		return
	}
	if err := s.files.DeleteByIds(r.Context(), []int64{fileID}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDebugDeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := s.files.DeleteAll(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
