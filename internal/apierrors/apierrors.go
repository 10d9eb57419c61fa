// Package apierrors classifies a zeebo/errs-wrapped error into an HTTP
// status and a `{error, message}` response body (spec.md §6/§7),
// mirroring the teacher's certificate/rpcerrs package (a StatusMap from
// sentinel errors to response codes) but for the HTTP boundary instead
// of gRPC. Core packages never import net/http or this package; only
// internal/api does.
package apierrors

import (
	"errors"
	"net/http"

	"github.com/zeebo/errs"

	"github.com/icgc-argo/files-service/internal/filestore"
	"github.com/icgc-argo/files-service/internal/ingestion"
	"github.com/icgc-argo/files-service/internal/releaseorchestrator"
	"github.com/icgc-argo/files-service/internal/releasestore"
)

// Kind is one of the §7 error kinds every core package's sentinel
// errors classify into.
type Kind string

// Known kinds, in the order §7 lists their HTTP status mapping.
const (
	InvalidArgument Kind = "INVALID_ARGUMENT"
	Unauthorized    Kind = "UNAUTHORIZED"
	Forbidden       Kind = "FORBIDDEN"
	NotFound        Kind = "NOT_FOUND"
	StateConflict   Kind = "STATE_CONFLICT"
	Upstream        Kind = "UPSTREAM"
	Transient       Kind = "TRANSIENT"
	Fatal           Kind = "FATAL"
)

// kinds maps each core package's sentinel errors to the kind they
// classify as. Classify ranges over this map, so the sentinels are
// checked in no fixed order; none of them wraps another.
var kinds = map[error]Kind{
	filestore.ErrNotFound:                  NotFound,
	filestore.ErrInvalidArgument:           InvalidArgument,
	releasestore.ErrInvalidTransition:      StateConflict,
	releaseorchestrator.ErrVersionMismatch: StateConflict,
	ingestion.ErrInvalidMessage:            InvalidArgument,
}

// Classify walks err's wrap chain looking for a recognized sentinel,
// returning its Kind, or Fatal if none matches (spec.md §7's default:
// unclassified errors are 500s).
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return Fatal
}

// StatusCode maps a Kind to the HTTP status spec.md §6 names.
func StatusCode(kind Kind) int {
	switch kind {
	case InvalidArgument:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case StateConflict:
		return http.StatusConflict
	case Upstream, Transient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Body is the `{error, message}` response body spec.md §6 describes.
type Body struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Response classifies err into the status code and body the HTTP
// boundary should write.
func Response(err error) (int, Body) {
	kind := Classify(err)
	status := StatusCode(kind)
	message := err.Error()
	if unwrapped := errs.Unwrap(err); unwrapped != nil {
		message = unwrapped.Error()
	}
	return status, Body{Error: string(kind), Message: message}
}
