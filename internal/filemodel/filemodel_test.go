package filemodel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icgc-argo/files-service/internal/filemodel"
)

func TestParseFileID(t *testing.T) {
	tests := []struct {
		description string
		id          string
		expected    int64
		expectError bool
	}{
		{description: "valid id", id: "FL1", expected: 1},
		{description: "valid multi-digit id", id: "FL42", expected: 42},
		{description: "missing prefix", id: "42", expectError: true},
		{description: "wrong prefix", id: "XL42", expectError: true},
		{description: "non-numeric suffix", id: "FLx", expectError: true},
		{description: "zero suffix", id: "FL0", expectError: true},
		{description: "negative suffix", id: "FL-1", expectError: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.description, func(t *testing.T) {
			n, err := filemodel.ParseFileID(tt.id)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, n)
		})
	}
}

func TestFormatFileID(t *testing.T) {
	assert.Equal(t, "FL1", filemodel.FormatFileID(1))
	assert.Equal(t, "FL123", filemodel.FormatFileID(123))
}

func TestNormalizeLabelKey(t *testing.T) {
	assert.Equal(t, "donor_age", filemodel.NormalizeLabelKey("Donor_Age"))
	assert.Equal(t, "donor_age", filemodel.NormalizeLabelKey("  Donor_Age  "))
}

func TestValidateLabelKey(t *testing.T) {
	require.NoError(t, filemodel.ValidateLabelKey("donor_age"))
	require.Error(t, filemodel.ValidateLabelKey("X, Y"))
}

func TestLabelsMerge(t *testing.T) {
	l := filemodel.Labels{"a": {"1"}}

	merged, err := l.Merge(map[string][]string{"Donor_Age": {"52"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"52"}, merged["donor_age"])
	assert.Equal(t, []string{"1"}, merged["a"])

	_, err = l.Merge(map[string][]string{"X, Y": {"1"}})
	require.Error(t, err)
}

func TestLabelsWithoutKeys(t *testing.T) {
	l := filemodel.Labels{"a": {"1"}, "b": {"2"}}
	out := l.WithoutKeys([]string{"A"})
	assert.NotContains(t, out, "a")
	assert.Contains(t, out, "b")
}

func TestEmbargoStageRank(t *testing.T) {
	assert.True(t, filemodel.EmbargoStageProgramOnly.Rank() < filemodel.EmbargoStageMemberAccess.Rank())
	assert.Equal(t, filemodel.EmbargoStagePublic, filemodel.EmbargoStageUnreleased.Max(filemodel.EmbargoStagePublic))
	assert.Equal(t, filemodel.EmbargoStageUnreleased, filemodel.EmbargoStageUnreleased.Min(filemodel.EmbargoStagePublic))
}

func TestSortedUnique(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, filemodel.SortedUnique([]string{"c", "a", "b", "a"}))
}
