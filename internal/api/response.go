package api

import (
	"encoding/json"
	"net/http"

	"github.com/icgc-argo/files-service/internal/apierrors"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError classifies err via apierrors and writes the matching
// status + {error, message} body.
func writeError(w http.ResponseWriter, err error) {
	status, body := apierrors.Response(err)
	writeJSON(w, status, body)
}
