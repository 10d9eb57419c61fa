package indexer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/icgc-argo/files-service/internal/filemodel"
	"github.com/icgc-argo/files-service/internal/indexgen"
	"github.com/icgc-argo/files-service/internal/testcontext"
)

// fakeCluster is a hand-written bulkCluster + clusterAdmin fake.
type fakeCluster struct {
	mu       sync.Mutex
	exists   map[string]bool
	indexed  map[string][]string
	deleted  map[string][]string
	partial  map[string]map[string]interface{}
	aliased  []string
	dropped  []string
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		exists:  make(map[string]bool),
		indexed: make(map[string][]string),
		deleted: make(map[string][]string),
		partial: make(map[string]map[string]interface{}),
	}
}

func (c *fakeCluster) IndexExists(name string) bool { return c.exists[name] }
func (c *fakeCluster) CreateIndex(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exists[name] = true
	return nil
}
func (c *fakeCluster) CloseIndex(name string) error                                  { return nil }
func (c *fakeCluster) OpenIndex(name string) error                                    { return nil }
func (c *fakeCluster) PutSettings(name string, settings map[string]interface{}) error { return nil }
func (c *fakeCluster) PutMapping(name string, mapping map[string]interface{}) error   { return nil }

func (c *fakeCluster) BulkIndex(ctx context.Context, index string, docs []Doc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range docs {
		c.indexed[index] = append(c.indexed[index], d.ObjectID)
	}
	return nil
}

func (c *fakeCluster) BulkDelete(ctx context.Context, index string, objectIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted[index] = append(c.deleted[index], objectIDs...)
	return nil
}

func (c *fakeCluster) PartialUpdate(ctx context.Context, index, objectID string, fields map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partial[index+"/"+objectID] = fields
	return nil
}

func (c *fakeCluster) DeleteByID(ctx context.Context, index, objectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted[index] = append(c.deleted[index], objectID)
	return nil
}

func (c *fakeCluster) AttachToAlias(ctx context.Context, alias string, indices []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aliased = append(c.aliased, indices...)
	return nil
}

func (c *fakeCluster) DeleteIndices(ctx context.Context, names []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = append(c.dropped, names...)
	return nil
}

func newTestIndexer(t *testing.T, cluster *fakeCluster) *Indexer {
	resolver := indexgen.NewResolverWithCluster(cluster, zaptest.NewLogger(t), "argo", indexgen.Settings{})
	return New(cluster, resolver, "argo_file_centric", zaptest.NewLogger(t))
}

func TestIndexRestrictedFileDocsFiltersAndBuckets(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cluster := newFakeCluster()
	idx := newTestIndexer(t, cluster)

	docs := []Doc{
		{Program: "PRG1", ObjectID: "O1", ReleaseState: filemodel.ReleaseStateRestricted, UpstreamStatus: filemodel.StatusPublished},
		{Program: "PRG1", ObjectID: "O2", ReleaseState: filemodel.ReleaseStateQueued, UpstreamStatus: filemodel.StatusPublished},
		{Program: "PRG2", ObjectID: "O3", ReleaseState: filemodel.ReleaseStateRestricted, UpstreamStatus: filemodel.StatusUnpublished},
		{Program: "PRG2", ObjectID: "O4", ReleaseState: filemodel.ReleaseStateRestricted, UpstreamStatus: filemodel.StatusPublished},
	}
	require.NoError(t, idx.IndexRestrictedFileDocs(ctx, docs))

	var allIndexed []string
	for _, ids := range cluster.indexed {
		allIndexed = append(allIndexed, ids...)
	}
	assert.ElementsMatch(t, []string{"O1", "O4"}, allIndexed)
}

func TestChunkSplitsAtMaxBulkSize(t *testing.T) {
	docs := make([]Doc, maxBulkChunk+1)
	chunks := chunk(docs)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], maxBulkChunk)
	assert.Len(t, chunks[1], 1)
}

func TestUpdateRestrictedFileDeletesWhenUnreleased(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cluster := newFakeCluster()
	idx := newTestIndexer(t, cluster)

	f := &filemodel.File{ObjectID: "O1", ProgramID: "PRG1", ReleaseState: filemodel.ReleaseStateUnreleased, Status: filemodel.StatusPublished}
	require.NoError(t, idx.UpdateRestrictedFile(ctx, f, Doc{}))

	assert.Contains(t, cluster.deleted["argo_PRG1_restricted_1"], "O1")
}

func TestUpdateRestrictedFilePartialUpdatesWhenRestricted(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cluster := newFakeCluster()
	idx := newTestIndexer(t, cluster)

	f := &filemodel.File{
		ObjectID: "O1", ProgramID: "PRG1",
		ReleaseState: filemodel.ReleaseStateRestricted,
		EmbargoStage: filemodel.EmbargoStageMemberAccess,
		Status:       filemodel.StatusPublished,
	}
	require.NoError(t, idx.UpdateRestrictedFile(ctx, f, Doc{}))

	fields, ok := cluster.partial["argo_PRG1_restricted_1/O1"]
	require.True(t, ok)
	assert.Equal(t, "MEMBER_ACCESS", fields["embargo_stage"])
}

func TestUpdateRestrictedFileSkipsWhenNotUpstreamPublished(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cluster := newFakeCluster()
	idx := newTestIndexer(t, cluster)

	f := &filemodel.File{ObjectID: "O1", ProgramID: "PRG1", ReleaseState: filemodel.ReleaseStateRestricted, Status: filemodel.StatusUnpublished}
	require.NoError(t, idx.UpdateRestrictedFile(ctx, f, Doc{}))
	assert.Empty(t, cluster.partial)
	assert.Empty(t, cluster.deleted)
}

func TestReleaseAttachesTrackedIndicesAndClearsThem(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cluster := newFakeCluster()
	idx := newTestIndexer(t, cluster)

	_, err := idx.resolver.NextIndex(ctx, indexgen.Key{Program: "PRG1", Visibility: indexgen.Restricted}, "")
	require.NoError(t, err)

	require.NoError(t, idx.Release(ctx, ReleaseOptions{PublicRelease: false}))
	assert.Len(t, cluster.aliased, 1)
	assert.Empty(t, idx.resolver.Tracked())
}

func TestReleaseRejectsReleasingSameGenerationTwice(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cluster := newFakeCluster()
	idx := newTestIndexer(t, cluster)

	require.NoError(t, idx.Release(ctx, ReleaseOptions{AdditionalIndices: []string{"already_released"}}))
	err := idx.Release(ctx, ReleaseOptions{AdditionalIndices: []string{"already_released"}})
	require.Error(t, err)
}

func TestReleaseOmitsPublicIndicesUnlessRequested(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cluster := newFakeCluster()
	idx := newTestIndexer(t, cluster)

	_, err := idx.resolver.NextIndex(ctx, indexgen.Key{Program: "PRG1", Visibility: indexgen.Public}, "")
	require.NoError(t, err)

	require.NoError(t, idx.Release(ctx, ReleaseOptions{PublicRelease: false}))
	assert.Empty(t, cluster.aliased, "public generation must not be released without PublicRelease")
	assert.Len(t, idx.resolver.Tracked(), 1, "public generation stays tracked for a later release")
}

func TestDeleteIndicesPurgesResolverTracking(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	cluster := newFakeCluster()
	idx := newTestIndexer(t, cluster)

	name, err := idx.resolver.NextIndex(ctx, indexgen.Key{Program: "PRG1", Visibility: indexgen.Restricted}, "")
	require.NoError(t, err)

	require.NoError(t, idx.DeleteIndices(ctx, []string{name}))
	assert.Contains(t, cluster.dropped, name)
	assert.Empty(t, idx.resolver.Tracked())
}
