// Package embargo implements the pure embargo-stage calculator (spec.md
// §4.3). Every function here is total: it never errors, and absence of
// inputs maps to EmbargoStageUnreleased rather than failing.
package embargo

import (
	"time"

	"github.com/icgc-argo/files-service/internal/filemodel"
)

// monthsBetween returns the number of whole months between start and now,
// treating a day-of-month shortfall as not yet complete (so exactly 12
// months elapsed is 12, not 11 or 13).
func monthsBetween(now, start time.Time) int {
	months := (now.Year()-start.Year())*12 + int(now.Month()) - int(start.Month())
	if now.Day() < start.Day() {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}

// StageForDate derives an embargo stage purely from elapsed time since
// start, relative to now. A nil start means the file has not begun its
// embargo clock.
func StageForDate(now time.Time, start *time.Time) filemodel.EmbargoStage {
	if start == nil {
		return filemodel.EmbargoStageUnreleased
	}
	months := monthsBetween(now, *start)
	switch {
	case months < 12:
		return filemodel.EmbargoStageProgramOnly
	case months < 18:
		return filemodel.EmbargoStageMemberAccess
	case months < 24:
		return filemodel.EmbargoStageAssociateAccess
	default:
		return filemodel.EmbargoStagePublic
	}
}

// CalculateStage derives a file's embargo stage from its embargoStart,
// admin overrides, and hold flag, per spec.md §4.3:
//
//  1. no embargoStart -> UNRELEASED
//  2. adminHold -> frozen at the file's current stored stage
//  3. stage from elapsed time
//  4. adminPromote raises the stage (applied before demote)
//  5. adminDemote lowers the stage (applied after promote)
func CalculateStage(now time.Time, f *filemodel.File) filemodel.EmbargoStage {
	if f.EmbargoStart == nil {
		return filemodel.EmbargoStageUnreleased
	}
	if f.AdminHold {
		return f.EmbargoStage
	}

	stage := StageForDate(now, f.EmbargoStart)
	if f.AdminPromote != nil {
		stage = stage.Max(*f.AdminPromote)
	}
	if f.AdminDemote != nil {
		stage = stage.Min(*f.AdminDemote)
	}
	return stage
}

// SongAnalysis is the subset of upstream analysis fields the calculator
// reads.
type SongAnalysis struct {
	FirstPublishedAt *time.Time `json:"firstPublishedAt"`
}

// MatchedSamplePair is one normal/tumour pair of matched samples for a
// donor, as resolved via the gateway collaborator (spec.md §6).
type MatchedSamplePair struct {
	NormalFirstPublishedAt *time.Time `json:"normalFirstPublishedAt"`
	TumourFirstPublishedAt *time.Time `json:"tumourFirstPublishedAt"`
}

// ClinicalDonor is the subset of clinical-registry fields the calculator
// reads.
type ClinicalDonor struct {
	CoreCompletionPercentage float64    `json:"coreCompletionPercentage"`
	CoreCompletionDate       *time.Time `json:"coreCompletionDate"`
}

// CalculateEmbargoStartDateInput bundles the calculator's external
// observations for one file.
type CalculateEmbargoStartDateInput struct {
	DBFile             *filemodel.File
	SongAnalysis       *SongAnalysis
	MatchedSamplePairs []MatchedSamplePair
	ClinicalDonor      *ClinicalDonor
}

// CalculateEmbargoStartDate implements spec.md §4.3's embargo start-date
// derivation. It returns nil when the candidate set yields no date (the
// file is not yet eligible to start its embargo clock).
func CalculateEmbargoStartDate(in CalculateEmbargoStartDateInput) *time.Time {
	exempt := in.DBFile.ClinicalExemption != nil

	if !exempt {
		if in.ClinicalDonor == nil || in.ClinicalDonor.CoreCompletionPercentage != 1 {
			return nil
		}
	}

	// Candidate A: song analysis first-publish date. Required.
	var a *time.Time
	if in.SongAnalysis != nil {
		a = in.SongAnalysis.FirstPublishedAt
	}
	if a == nil {
		return nil
	}

	result := *a

	// Candidate B: donor core-completion date, only when not exempt.
	if !exempt && in.ClinicalDonor != nil && in.ClinicalDonor.CoreCompletionDate != nil {
		if in.ClinicalDonor.CoreCompletionDate.After(result) {
			result = *in.ClinicalDonor.CoreCompletionDate
		}
	}

	// Candidate C: max(normal, tumour) firstPublishedAt across matched
	// pairs where both are present, only when not exempt.
	if !exempt {
		for _, pair := range in.MatchedSamplePairs {
			if pair.NormalFirstPublishedAt == nil || pair.TumourFirstPublishedAt == nil {
				continue
			}
			candidate := *pair.NormalFirstPublishedAt
			if pair.TumourFirstPublishedAt.After(candidate) {
				candidate = *pair.TumourFirstPublishedAt
			}
			if candidate.After(result) {
				result = candidate
			}
		}
	}

	return &result
}
