package embargo_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/icgc-argo/files-service/internal/embargo"
	"github.com/icgc-argo/files-service/internal/filemodel"
)

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func TestStageForDateBoundaries(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		description string
		monthsAgo   int
		expected    filemodel.EmbargoStage
	}{
		{"no start date", -1, filemodel.EmbargoStageUnreleased},
		{"just started", 0, filemodel.EmbargoStageProgramOnly},
		{"11 months", 11, filemodel.EmbargoStageProgramOnly},
		{"exactly 12 months", 12, filemodel.EmbargoStageMemberAccess},
		{"17 months", 17, filemodel.EmbargoStageMemberAccess},
		{"exactly 18 months", 18, filemodel.EmbargoStageAssociateAccess},
		{"23 months", 23, filemodel.EmbargoStageAssociateAccess},
		{"exactly 24 months", 24, filemodel.EmbargoStagePublic},
		{"36 months", 36, filemodel.EmbargoStagePublic},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.description, func(t *testing.T) {
			var start *time.Time
			if tt.monthsAgo >= 0 {
				s := now.AddDate(0, -tt.monthsAgo, 0)
				start = &s
			}
			assert.Equal(t, tt.expected, embargo.StageForDate(now, start))
		})
	}
}

func TestCalculateStageAdminHoldFreezes(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	start := now.AddDate(-3, 0, 0) // long past PUBLIC
	promote := filemodel.EmbargoStagePublic

	f := &filemodel.File{
		EmbargoStart: &start,
		EmbargoStage: filemodel.EmbargoStageProgramOnly,
		AdminHold:    true,
		AdminPromote: &promote,
	}

	assert.Equal(t, filemodel.EmbargoStageProgramOnly, embargo.CalculateStage(now, f))
}

func TestCalculateStageNoStartIsUnreleased(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &filemodel.File{}
	assert.Equal(t, filemodel.EmbargoStageUnreleased, embargo.CalculateStage(now, f))
}

func TestCalculateStagePromoteThenDemote(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	start := now.AddDate(0, -1, 0) // PROGRAM_ONLY baseline

	promote := filemodel.EmbargoStagePublic
	demote := filemodel.EmbargoStageMemberAccess

	f := &filemodel.File{
		EmbargoStart: &start,
		AdminPromote: &promote,
		AdminDemote:  &demote,
	}

	// promote raises PROGRAM_ONLY -> PUBLIC, demote then lowers PUBLIC -> MEMBER_ACCESS.
	assert.Equal(t, filemodel.EmbargoStageMemberAccess, embargo.CalculateStage(now, f))
}

func TestCalculateStageDemoteOnlyLowers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	start := now.AddDate(-3, 0, 0) // already PUBLIC baseline
	demote := filemodel.EmbargoStageMemberAccess

	f := &filemodel.File{
		EmbargoStart: &start,
		AdminDemote:  &demote,
	}

	assert.Equal(t, filemodel.EmbargoStageMemberAccess, embargo.CalculateStage(now, f))
}

func TestCalculateEmbargoStartDateRequiresClinicalCompletionWhenNotExempt(t *testing.T) {
	published := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	result := embargo.CalculateEmbargoStartDate(embargo.CalculateEmbargoStartDateInput{
		DBFile:       &filemodel.File{},
		SongAnalysis: &embargo.SongAnalysis{FirstPublishedAt: &published},
		// no clinical donor
	})

	assert.Nil(t, result)
}

func TestCalculateEmbargoStartDateRequiresA(t *testing.T) {
	result := embargo.CalculateEmbargoStartDate(embargo.CalculateEmbargoStartDateInput{
		DBFile: &filemodel.File{},
		ClinicalDonor: &embargo.ClinicalDonor{
			CoreCompletionPercentage: 1,
		},
	})

	assert.Nil(t, result)
}

func TestCalculateEmbargoStartDateTakesMax(t *testing.T) {
	a := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	b := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)
	normal := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	tumour := time.Date(2020, 9, 1, 0, 0, 0, 0, time.UTC)

	result := embargo.CalculateEmbargoStartDate(embargo.CalculateEmbargoStartDateInput{
		DBFile:       &filemodel.File{},
		SongAnalysis: &embargo.SongAnalysis{FirstPublishedAt: &a},
		ClinicalDonor: &embargo.ClinicalDonor{
			CoreCompletionPercentage: 1,
			CoreCompletionDate:       &b,
		},
		MatchedSamplePairs: []embargo.MatchedSamplePair{
			{NormalFirstPublishedAt: &normal, TumourFirstPublishedAt: &tumour},
			{NormalFirstPublishedAt: &normal}, // missing tumour, ignored
		},
	})

	// tumour (Sept) is the max candidate.
	assertTimeEqual(t, tumour, *result)
}

// S5 — clinical exemption bypass scenario from spec.md §8.
func TestCalculateEmbargoStartDateClinicalExemptionBypass(t *testing.T) {
	published := time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC)
	reason := filemodel.ClinicalExemptionReason("OTHER")

	result := embargo.CalculateEmbargoStartDate(embargo.CalculateEmbargoStartDateInput{
		DBFile:       &filemodel.File{ClinicalExemption: &reason},
		SongAnalysis: &embargo.SongAnalysis{FirstPublishedAt: &published},
		// donor absent entirely, and exemption bypasses that requirement
	})

	assertTimeEqual(t, published, *result)
}

func assertTimeEqual(t *testing.T, expected, actual time.Time) {
	t.Helper()
	assert.True(t, expected.Equal(actual), "expected %s, got %s", expected, actual)
}
