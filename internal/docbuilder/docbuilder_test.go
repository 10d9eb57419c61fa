package docbuilder_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icgc-argo/files-service/internal/docbuilder"
	"github.com/icgc-argo/files-service/internal/filemodel"
)

func sampleFile() *filemodel.File {
	return &filemodel.File{
		ObjectID:     "O1",
		FileID:       7,
		ProgramID:    "PRG1",
		DonorID:      "D1",
		AnalysisID:   "AN1",
		EmbargoStage: filemodel.EmbargoStageProgramOnly,
		ReleaseState: filemodel.ReleaseStateRestricted,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
}

func TestBuildRejectsFragmentWithNoDonors(t *testing.T) {
	_, err := docbuilder.Build(sampleFile(), &docbuilder.UpstreamFragment{
		ObjectID: "O1",
		Donors:   nil,
	})
	require.Error(t, err)
}

func TestBuildWarnsOnMultipleDonorsAndAttributesFirst(t *testing.T) {
	result, err := docbuilder.Build(sampleFile(), &docbuilder.UpstreamFragment{
		ObjectID: "O1",
		Donors:   []docbuilder.Donor{{DonorID: "D1"}, {DonorID: "D2"}},
	})
	require.NoError(t, err)
	assert.Contains(t, result.Warnings, docbuilder.MultipleDonorsWarning)
	assert.Equal(t, "D1", result.Document["donor_id"])
}

func TestBuildOmitsMetricsUnlessAlignedReadsWorkflow(t *testing.T) {
	withoutMetrics, err := docbuilder.Build(sampleFile(), &docbuilder.UpstreamFragment{
		ObjectID: "O1",
		Donors:   []docbuilder.Donor{{DonorID: "D1"}},
		DataType: "Submitted Reads",
		Workflow: "DNA Seq Alignment",
		Metrics:  docbuilder.Metrics{"pairsMappedPct": 0.97},
	})
	require.NoError(t, err)
	assert.NotContains(t, withoutMetrics.Document, "metrics")

	withMetrics, err := docbuilder.Build(sampleFile(), &docbuilder.UpstreamFragment{
		ObjectID: "O1",
		Donors:   []docbuilder.Donor{{DonorID: "D1"}},
		DataType: "Aligned Reads",
		Workflow: "DNA Seq Alignment",
		Metrics:  docbuilder.Metrics{"pairsMappedPct": 0.97},
	})
	require.NoError(t, err)
	require.Contains(t, withMetrics.Document, "metrics")
	metrics := withMetrics.Document["metrics"].(map[string]interface{})
	assert.Equal(t, 0.97, metrics["pairs_mapped_pct"])
}

// TestRoundTripRecoversEveryFileAttribute is the repository's §4.4
// round-trip property: every dbFile attribute surfaced in the document
// must be recoverable via its snake_case key.
func TestRoundTripRecoversEveryFileAttribute(t *testing.T) {
	f := sampleFile()
	result, err := docbuilder.Build(f, &docbuilder.UpstreamFragment{
		ObjectID: "O1",
		StudyID:  "ST1",
		Analysis: map[string]interface{}{"analysisId": "AN1"},
		Donors:   []docbuilder.Donor{{DonorID: "D1"}},
	})
	require.NoError(t, err)
	doc := result.Document

	assert.Equal(t, f.SurfacedFileID(), doc["file_id"])
	assert.Equal(t, string(f.EmbargoStage), doc["embargo_stage"])
	assert.Equal(t, string(f.ReleaseState), doc["release_state"])

	meta := doc["meta"].(map[string]interface{})
	assert.Equal(t, string(f.EmbargoStage), meta["embargo_stage"])
	assert.Equal(t, string(f.ReleaseState), meta["release_state"])

	assert.Equal(t, "O1", doc["object_id"])
	assert.Equal(t, "ST1", doc["study_id"])
	analysis := doc["analysis"].(map[string]interface{})
	assert.Equal(t, "AN1", analysis["analysis_id"])
}

func TestSnakeCaseKeysHandlesNestingAndAcronyms(t *testing.T) {
	in := map[string]interface{}{
		"objectID": "O1",
		"nested": map[string]interface{}{
			"donorList": []interface{}{
				map[string]interface{}{"donorId": "D1"},
			},
		},
	}
	out := docbuilder.SnakeCaseKeys(in).(map[string]interface{})
	assert.Equal(t, "O1", out["object_id"])
	nested := out["nested"].(map[string]interface{})
	list := nested["donor_list"].([]interface{})
	item := list[0].(map[string]interface{})
	assert.Equal(t, "D1", item["donor_id"])
}

func TestCamelToSnakeExamples(t *testing.T) {
	cases := map[string]string{
		"fileId":       "file_id",
		"embargoStage": "embargo_stage",
		"objectID":     "object_id",
		"donorId":      "donor_id",
		"a":            "a",
	}
	for in, want := range cases {
		in, want := in, want
		t.Run(in, func(t *testing.T) {
			out := docbuilder.SnakeCaseKeys(map[string]interface{}{in: 1}).(map[string]interface{})
			_, ok := out[want]
			assert.True(t, ok, "expected key %q in %v", want, out)
		})
	}
}
