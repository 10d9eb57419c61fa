package releasestore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icgc-argo/files-service/internal/filemodel"
	"github.com/icgc-argo/files-service/internal/releasestore"
	"github.com/icgc-argo/files-service/internal/testcontext"
)

func TestCanTransitionTable(t *testing.T) {
	tests := []struct {
		description string
		source      filemodel.ReleaseLifecycleState
		target      filemodel.ReleaseLifecycleState
		allowed     bool
	}{
		{"created to calculating", filemodel.ReleaseCreated, filemodel.ReleaseCalculating, true},
		{"calculated to calculating", filemodel.ReleaseCalculated, filemodel.ReleaseCalculating, true},
		{"built to calculating", filemodel.ReleaseBuilt, filemodel.ReleaseCalculating, true},
		{"building to calculating (not allowed)", filemodel.ReleaseBuilding, filemodel.ReleaseCalculating, false},
		{"calculating to calculated", filemodel.ReleaseCalculating, filemodel.ReleaseCalculated, true},
		{"created to calculated (not allowed)", filemodel.ReleaseCreated, filemodel.ReleaseCalculated, false},
		{"calculated to building", filemodel.ReleaseCalculated, filemodel.ReleaseBuilding, true},
		{"built to publishing", filemodel.ReleaseBuilt, filemodel.ReleasePublishing, true},
		{"calculated to publishing (not allowed)", filemodel.ReleaseCalculated, filemodel.ReleasePublishing, false},
		{"publishing to published", filemodel.ReleasePublishing, filemodel.ReleasePublished, true},
		{"error_publish to building", filemodel.ReleaseErrorPublish, filemodel.ReleaseBuilding, true},
		{"error_publish to publishing", filemodel.ReleaseErrorPublish, filemodel.ReleasePublishing, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.description, func(t *testing.T) {
			assert.Equal(t, tt.allowed, releasestore.CanTransition(tt.source, tt.target))
		})
	}
}

func TestVersionIsOrderIndependentAndSeparatorBearing(t *testing.T) {
	v1 := releasestore.Version([]string{"O4", "O5"}, []string{"O1", "O2", "O3"}, nil)
	v2 := releasestore.Version([]string{"O5", "O4"}, []string{"O3", "O1", "O2"}, nil)
	assert.Equal(t, v1, v2, "version must be order-independent (sorting makes it so)")

	// Different sublist assignment of the same overall set must differ,
	// proving the literal "kept"/"added"/"removed" separators matter.
	v3 := releasestore.Version([]string{"O1"}, nil, nil)
	v4 := releasestore.Version(nil, []string{"O1"}, nil)
	assert.NotEqual(t, v3, v4)
}

func TestCalculateFlow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := releasestore.NewMemoryStore()

	begin, err := store.BeginCalculatingActiveRelease(ctx)
	require.NoError(t, err)
	require.True(t, begin.Updated)
	assert.Equal(t, filemodel.ReleaseCalculating, begin.Release.State)

	_, err = store.UpdateActiveReleaseFiles(ctx, []string{"O4", "O5"}, []string{"O1", "O2", "O3"}, nil)
	require.NoError(t, err)

	finished, err := store.FinishCalculatingActiveRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, filemodel.ReleaseCalculated, finished.State)
	require.NotNil(t, finished.Version)
	assert.Equal(t, releasestore.Version([]string{"O4", "O5"}, []string{"O1", "O2", "O3"}, nil), *finished.Version)
	assert.NotNil(t, finished.CalculatedAt)
}

func TestBeginBuildingWhileCalculatingReportsNotUpdated(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := releasestore.NewMemoryStore()
	_, err := store.BeginCalculatingActiveRelease(ctx)
	require.NoError(t, err)

	result, err := store.BeginBuildingActiveRelease(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, result.Updated, "CALCULATING has no direct transition to BUILDING")
}

func TestSetActiveReleaseErrorMapsToErrorCounterpart(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := releasestore.NewMemoryStore()
	_, err := store.BeginCalculatingActiveRelease(ctx)
	require.NoError(t, err)

	errored, err := store.SetActiveReleaseError(ctx, "boom")
	require.NoError(t, err)
	assert.Equal(t, filemodel.ReleaseErrorCalculate, errored.State)
	require.NotNil(t, errored.Error)
	assert.Equal(t, "boom", *errored.Error)
}

func TestSetActiveReleaseErrorFromNonIngStateFails(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := releasestore.NewMemoryStore()
	_, err := store.SetActiveReleaseError(ctx, "boom")
	require.Error(t, err)
}

func TestLabelUniqueness(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := releasestore.NewMemoryStore()
	_, err := store.BeginCalculatingActiveRelease(ctx)
	require.NoError(t, err)
	_, err = store.FinishCalculatingActiveRelease(ctx)
	require.NoError(t, err)

	result, err := store.BeginBuildingActiveRelease(ctx, "shared-label")
	require.NoError(t, err)
	require.True(t, result.Updated)
}

func TestLabelUniquenessRejectsCollision(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := releasestore.NewMemoryStore()

	// First release takes "shared-label" and runs all the way to PUBLISHED,
	// which seeds a fresh active release behind it.
	_, err := store.BeginCalculatingActiveRelease(ctx)
	require.NoError(t, err)
	_, err = store.FinishCalculatingActiveRelease(ctx)
	require.NoError(t, err)
	_, err = store.BeginBuildingActiveRelease(ctx, "shared-label")
	require.NoError(t, err)
	_, err = store.FinishBuildingActiveRelease(ctx, []string{"idx1"}, "snap1")
	require.NoError(t, err)
	_, err = store.BeginPublishingActiveRelease(ctx)
	require.NoError(t, err)
	_, err = store.FinishPublishingActiveRelease(ctx)
	require.NoError(t, err)

	// The new active release reaches CALCULATED, then collides on the
	// same label: the transition to BUILDING must not be applied.
	_, err = store.BeginCalculatingActiveRelease(ctx)
	require.NoError(t, err)
	before, err := store.FinishCalculatingActiveRelease(ctx)
	require.NoError(t, err)

	result, err := store.BeginBuildingActiveRelease(ctx, "shared-label")
	require.NoError(t, err)
	assert.False(t, result.Updated)
	assert.Equal(t, releasestore.ErrLabelTaken.Error(), result.Message)

	after, err := store.GetActiveRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.Nil(t, after.Label)
}

func TestExactlyOneActiveReleaseAfterPublish(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := releasestore.NewMemoryStore()
	_, err := store.BeginCalculatingActiveRelease(ctx)
	require.NoError(t, err)
	_, err = store.FinishCalculatingActiveRelease(ctx)
	require.NoError(t, err)
	_, err = store.BeginBuildingActiveRelease(ctx, "r1")
	require.NoError(t, err)
	_, err = store.FinishBuildingActiveRelease(ctx, []string{"idx1"}, "snap1")
	require.NoError(t, err)
	_, err = store.BeginPublishingActiveRelease(ctx)
	require.NoError(t, err)
	published, err := store.FinishPublishingActiveRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, filemodel.ReleasePublished, published.State)

	active, err := store.GetActiveRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, filemodel.ReleaseCreated, active.State, "publishing seeds a fresh active release")
	assert.NotEqual(t, published.ID, active.ID)
}
