package ingestion_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/icgc-argo/files-service/internal/docbuilder"
	"github.com/icgc-argo/files-service/internal/external"
	"github.com/icgc-argo/files-service/internal/filemanager"
	"github.com/icgc-argo/files-service/internal/filemodel"
	"github.com/icgc-argo/files-service/internal/filestore"
	"github.com/icgc-argo/files-service/internal/indexer"
	"github.com/icgc-argo/files-service/internal/ingestion"
	"github.com/icgc-argo/files-service/internal/testcontext"
)

func TestParseAnalysisUpdateMessageRejectsNonStringFields(t *testing.T) {
	_, err := ingestion.ParseAnalysisUpdateMessage([]byte(`{"analysisId":1,"studyId":"S1","state":"PUBLISHED","action":"PUBLISH","songServerId":"DC1","analysis":{"analysisId":"A1","analysisState":"PUBLISHED"}}`))
	require.Error(t, err)
}

func TestParseAnalysisUpdateMessageRejectsNonStringAnalysisSubfields(t *testing.T) {
	_, err := ingestion.ParseAnalysisUpdateMessage([]byte(`{"analysisId":"A1","studyId":"S1","state":"PUBLISHED","action":"PUBLISH","songServerId":"DC1","analysis":{"analysisId":1,"analysisState":"PUBLISHED"}}`))
	require.Error(t, err)
}

func TestParseAnalysisUpdateMessageAcceptsValidShape(t *testing.T) {
	msg, err := ingestion.ParseAnalysisUpdateMessage([]byte(`{"analysisId":"A1","studyId":"S1","state":"PUBLISHED","action":"PUBLISH","songServerId":"DC1","analysis":{"analysisId":"A1","analysisState":"PUBLISHED"}}`))
	require.NoError(t, err)
	assert.Equal(t, "A1", msg.AnalysisID)
	assert.Equal(t, filemodel.StatusPublished, msg.State)
}

// fakeTransformClient is a hand-written external.AnalysisTransformClient fake.
type fakeTransformClient struct {
	fragments external.AnalysisFragments
	err       error
}

func (c *fakeTransformClient) Transform(ctx context.Context, analyses []string, repoCode string) (external.AnalysisFragments, error) {
	return c.fragments, c.err
}

// fakeAnalysisFileStore is a hand-written ingestion.AnalysisFileStore fake.
type fakeAnalysisFileStore struct {
	byAnalysisID map[string][]*filemodel.File
	updated      map[string]filemodel.SongAnalysisStatus
}

func (s *fakeAnalysisFileStore) GetByAnalysisId(ctx context.Context, analysisID string) ([]*filemodel.File, error) {
	return s.byAnalysisID[analysisID], nil
}

func (s *fakeAnalysisFileStore) UpdateSongPublishStatus(ctx context.Context, objectID string, status filestore.SongPublishStatus) (*filemodel.File, error) {
	if s.updated == nil {
		s.updated = map[string]filemodel.SongAnalysisStatus{}
	}
	s.updated[objectID] = *status.Status
	return &filemodel.File{ObjectID: objectID}, nil
}

// fakeRestrictedRemover records removed docs.
type fakeRestrictedRemover struct {
	removed []indexer.Doc
}

func (r *fakeRestrictedRemover) RemoveRestrictedFileDocs(ctx context.Context, docs []indexer.Doc) error {
	r.removed = append(r.removed, docs...)
	return nil
}

func newManager(t *testing.T) (*filemanager.Manager, *filestore.MemoryStore) {
	store := filestore.NewMemoryStore()
	sources := &fakeSourceReader{}
	mgr := filemanager.New(store, sources, &fakeIndexWriter{})
	return mgr, store
}

type fakeSourceReader struct{}

func (fakeSourceReader) ReadSources(ctx context.Context, f *filemodel.File) (filemanager.Sources, error) {
	return filemanager.Sources{}, nil
}

type fakeIndexWriter struct{}

func (fakeIndexWriter) UpdateRestrictedFile(ctx context.Context, f *filemodel.File, doc indexer.Doc) error {
	return nil
}
func (fakeIndexWriter) IndexRestrictedFileDocs(ctx context.Context, docs []indexer.Doc) error {
	return nil
}
func (fakeIndexWriter) RemoveRestrictedFileDocs(ctx context.Context, docs []indexer.Doc) error {
	return nil
}

func TestAnalysisUpdateHandlerPublishedSavesAndIndexes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mgr, _ := newManager(t)
	transform := &fakeTransformClient{fragments: external.AnalysisFragments{
		"O1": {{ObjectID: "O1", StudyID: "PRG1", Donors: []docbuilder.Donor{{DonorID: "D1"}}}},
	}}
	remover := &fakeRestrictedRemover{}
	h := &ingestion.AnalysisUpdateHandler{
		Transform: transform,
		Store:     &fakeAnalysisFileStore{},
		Indexer:   remover,
		Manager:   mgr,
		Log:       zaptest.NewLogger(t),
	}

	raw := []byte(`{"analysisId":"A1","studyId":"PRG1","state":"PUBLISHED","action":"PUBLISH","songServerId":"DC1","analysis":{"analysisId":"A1","analysisState":"PUBLISHED"}}`)
	require.NoError(t, h.Handle(ctx, raw))
}

func TestAnalysisUpdateHandlerNonPublishedUpdatesStatusAndRemovesRestricted(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mgr, _ := newManager(t)
	store := &fakeAnalysisFileStore{byAnalysisID: map[string][]*filemodel.File{
		"A1": {
			{ObjectID: "O1", ProgramID: "PRG1", ReleaseState: filemodel.ReleaseStateRestricted},
			{ObjectID: "O2", ProgramID: "PRG1", ReleaseState: filemodel.ReleaseStateUnreleased},
		},
	}}
	remover := &fakeRestrictedRemover{}
	h := &ingestion.AnalysisUpdateHandler{
		Transform: &fakeTransformClient{},
		Store:     store,
		Indexer:   remover,
		Manager:   mgr,
		Log:       zaptest.NewLogger(t),
	}

	raw := []byte(`{"analysisId":"A1","studyId":"PRG1","state":"SUPPRESSED","action":"PUBLISH","songServerId":"DC1","analysis":{"analysisId":"A1","analysisState":"SUPPRESSED"}}`)
	require.NoError(t, h.Handle(ctx, raw))

	assert.Equal(t, filemodel.StatusSuppressed, store.updated["O1"])
	assert.Equal(t, filemodel.StatusSuppressed, store.updated["O2"])
	require.Len(t, remover.removed, 1)
	assert.Equal(t, "O1", remover.removed[0].ObjectID)
}

func TestParseClinicalUpdateMessageRequiresProgramID(t *testing.T) {
	_, err := ingestion.ParseClinicalUpdateMessage([]byte(`{"donorIds":["D1"]}`))
	require.Error(t, err)
}

func TestParseClinicalUpdateMessageAcceptsOptionalDonorIDs(t *testing.T) {
	msg, err := ingestion.ParseClinicalUpdateMessage([]byte(`{"programId":"PRG1"}`))
	require.NoError(t, err)
	assert.Equal(t, "PRG1", msg.ProgramID)
	assert.Empty(t, msg.DonorIDs)
}

// fakeRestrictedUpdater records which files were pushed to the
// restricted index.
type fakeRestrictedUpdater struct {
	updated []string
}

func (u *fakeRestrictedUpdater) UpdateRestrictedFile(ctx context.Context, f *filemodel.File, doc indexer.Doc) error {
	u.updated = append(u.updated, f.ObjectID)
	return nil
}

func TestClinicalUpdateHandlerRecalculatesUnreleasedFilesOnly(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := filestore.NewMemoryStore()
	published := time.Now().AddDate(-3, 0, 0)
	_, err := store.GetOrCreateByObjectId(ctx, filestore.CreateFileInput{ObjectID: "O1", ProgramID: "PRG1", DonorID: "D1", Status: filemodel.StatusPublished})
	require.NoError(t, err)
	state := filemodel.ReleaseStateRestricted
	_, err = store.GetOrCreateByObjectId(ctx, filestore.CreateFileInput{ObjectID: "O2", ProgramID: "PRG1", DonorID: "D2", Status: filemodel.StatusPublished})
	require.NoError(t, err)
	_, err = store.UpdateReleaseProperties(ctx, "O2", filestore.ReleaseProperties{ReleaseState: &state})
	require.NoError(t, err)

	sources := &fakeClinicalSourceReader{published: published}
	mgr := filemanager.New(store, sources, &fakeIndexWriter{})
	updater := &fakeRestrictedUpdater{}
	h := &ingestion.ClinicalUpdateHandler{Store: store, Manager: mgr, Indexer: updater, Log: zaptest.NewLogger(t)}

	require.NoError(t, h.Handle(ctx, []byte(`{"programId":"PRG1","donorIds":["D1","D2"]}`)))

	// O2 was already RESTRICTED (not UNRELEASED) so it is skipped; only
	// O1 is eligible for recalculation.
	assert.Equal(t, []string{"O1"}, updater.updated)
}

type fakeClinicalSourceReader struct {
	published time.Time
}

func (r *fakeClinicalSourceReader) ReadSources(ctx context.Context, f *filemodel.File) (filemanager.Sources, error) {
	return filemanager.Sources{}, nil
}

func TestRecalculateTriggerHandlerUpdatesOnlyChangedFiles(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := filestore.NewMemoryStore()
	_, err := store.GetOrCreateByObjectId(ctx, filestore.CreateFileInput{ObjectID: "O1", ProgramID: "PRG1", Status: filemodel.StatusPublished})
	require.NoError(t, err)

	sources := &fakeSourceReader{}
	mgr := filemanager.New(store, sources, &fakeIndexWriter{})
	updater := &fakeRestrictedUpdater{}
	h := &ingestion.RecalculateTriggerHandler{Store: store, Manager: mgr, Indexer: updater, Log: zaptest.NewLogger(t)}

	require.NoError(t, h.Handle(ctx, nil))
	// First pass: UNRELEASED->RESTRICTED is a change, so O1 is pushed.
	assert.Equal(t, []string{"O1"}, updater.updated)

	updater.updated = nil
	require.NoError(t, h.Handle(ctx, nil))
	// Second pass: nothing changed, so nothing is pushed.
	assert.Empty(t, updater.updated)
}
