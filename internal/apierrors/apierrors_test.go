package apierrors_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/icgc-argo/files-service/internal/apierrors"
	"github.com/icgc-argo/files-service/internal/filestore"
	"github.com/icgc-argo/files-service/internal/releaseorchestrator"
)

func TestClassifyRecognizesWrappedSentinels(t *testing.T) {
	assert.Equal(t, apierrors.NotFound, apierrors.Classify(filestore.Error.Wrap(filestore.ErrNotFound)))
	assert.Equal(t, apierrors.StateConflict, apierrors.Classify(releaseorchestrator.Error.Wrap(releaseorchestrator.ErrVersionMismatch)))
}

func TestClassifyDefaultsToFatal(t *testing.T) {
	assert.Equal(t, apierrors.Fatal, apierrors.Classify(filestore.Error.New("boom")))
}

func TestResponseMapsToHTTPStatus(t *testing.T) {
	status, body := apierrors.Response(filestore.Error.Wrap(filestore.ErrNotFound))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", body.Error)
	assert.NotEmpty(t, body.Message)
}

func TestResponseUnclassifiedIsInternalServerError(t *testing.T) {
	status, body := apierrors.Response(filestore.Error.New("unexpected"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "FATAL", body.Error)
}
