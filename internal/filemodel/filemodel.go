// Package filemodel defines the authoritative file and release record
// types shared by every component in this repository.
package filemodel

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Error is the error class for the filemodel package.
var Error = errs.Class("filemodel")

// SongAnalysisStatus is the upstream publish state of an analysis/file.
type SongAnalysisStatus string

// Known SongAnalysisStatus values.
const (
	StatusPublished   SongAnalysisStatus = "PUBLISHED"
	StatusUnpublished SongAnalysisStatus = "UNPUBLISHED"
	StatusSuppressed  SongAnalysisStatus = "SUPPRESSED"
)

// EmbargoStage is the time-gated access tier of a file.
type EmbargoStage string

// Known EmbargoStage values, in ascending order.
const (
	EmbargoStageUnreleased      EmbargoStage = "UNRELEASED"
	EmbargoStageProgramOnly     EmbargoStage = "PROGRAM_ONLY"
	EmbargoStageMemberAccess    EmbargoStage = "MEMBER_ACCESS"
	EmbargoStageAssociateAccess EmbargoStage = "ASSOCIATE_ACCESS"
	EmbargoStagePublic          EmbargoStage = "PUBLIC"
)

var embargoStageRank = map[EmbargoStage]int{
	EmbargoStageUnreleased:      0,
	EmbargoStageProgramOnly:     1,
	EmbargoStageMemberAccess:    2,
	EmbargoStageAssociateAccess: 3,
	EmbargoStagePublic:          4,
}

// Rank returns the ordinal position of the stage, used for max/min
// comparisons against admin overrides. Unknown stages rank below
// EmbargoStageUnreleased.
func (s EmbargoStage) Rank() int {
	if r, ok := embargoStageRank[s]; ok {
		return r
	}
	return -1
}

// Max returns the higher-ranked of the two stages.
func (s EmbargoStage) Max(other EmbargoStage) EmbargoStage {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// Min returns the lower-ranked of the two stages.
func (s EmbargoStage) Min(other EmbargoStage) EmbargoStage {
	if other.Rank() < s.Rank() {
		return other
	}
	return s
}

// ReleaseState describes whether a file has been, is queued to be, or
// has not been made public.
type ReleaseState string

// Known ReleaseState values.
const (
	ReleaseStateUnreleased ReleaseState = "UNRELEASED"
	ReleaseStateRestricted ReleaseState = "RESTRICTED"
	ReleaseStateQueued     ReleaseState = "QUEUED"
	ReleaseStatePublic     ReleaseState = "PUBLIC"
)

// ClinicalExemptionReason is an enumerated reason a file's embargo start
// does not require donor clinical completeness.
type ClinicalExemptionReason string

// Labels is a set of (key, values) pairs attached to a File. Keys are
// normalized to lowercase+trimmed and must be unique and comma-free.
type Labels map[string][]string

// NormalizeLabelKey lowercases and trims a label key, per spec.md §3.
func NormalizeLabelKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// ValidateLabelKey rejects keys containing a comma (the label-key/value
// list is serialized with commas elsewhere, so a comma in the key is
// ambiguous).
func ValidateLabelKey(key string) error {
	if strings.Contains(key, ",") {
		return Error.New("invalid label key %q: must not contain a comma", key)
	}
	return nil
}

// Merge returns a copy of l with the given labels added/overwritten,
// normalizing and validating every key.
func (l Labels) Merge(in map[string][]string) (Labels, error) {
	out := make(Labels, len(l)+len(in))
	for k, v := range l {
		out[k] = v
	}
	for k, v := range in {
		norm := NormalizeLabelKey(k)
		if err := ValidateLabelKey(norm); err != nil {
			return nil, err
		}
		out[norm] = v
	}
	return out, nil
}

// WithoutKeys returns a copy of l with the given keys removed; each key
// is normalized with NormalizeLabelKey before matching.
func (l Labels) WithoutKeys(keys []string) Labels {
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[NormalizeLabelKey(k)] = true
	}
	out := make(Labels, len(l))
	for k, v := range l {
		if !drop[k] {
			out[k] = v
		}
	}
	return out
}

// FileIDPrefix is the required prefix of every surfaced file ID.
const FileIDPrefix = "FL"

// FormatFileID renders a numeric file ID in its surfaced form, e.g. 1 -> "FL1".
func FormatFileID(n int64) string {
	return fmt.Sprintf("%s%d", FileIDPrefix, n)
}

// ParseFileID parses a surfaced file ID of the form "FL<positive integer>".
// "FL0" is rejected: the numeric suffix must map to a strictly positive,
// auto-assigned counter value.
func ParseFileID(id string) (int64, error) {
	if !strings.HasPrefix(id, FileIDPrefix) {
		return 0, Error.New("invalid file id %q: must start with %q", id, FileIDPrefix)
	}
	suffix := strings.TrimPrefix(id, FileIDPrefix)
	n, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0, Error.New("invalid file id %q: non-numeric suffix", id)
	}
	if n <= 0 {
		return 0, Error.New("invalid file id %q: suffix must be positive", id)
	}
	return n, nil
}

// File is the authoritative record for one upstream data object.
type File struct {
	ObjectID string `bson:"objectId"`
	FileID   int64  `bson:"fileId"`

	RepoID     string `bson:"repoId"`
	ProgramID  string `bson:"programId"`
	DonorID    string `bson:"donorId"`
	AnalysisID string `bson:"analysisId"`

	Status         SongAnalysisStatus `bson:"status"`
	FirstPublished *time.Time         `bson:"firstPublished,omitempty"`

	EmbargoStart *time.Time   `bson:"embargoStart,omitempty"`
	EmbargoStage EmbargoStage `bson:"embargoStage"`
	ReleaseState ReleaseState `bson:"releaseState"`

	AdminPromote *EmbargoStage `bson:"adminPromote,omitempty"`
	AdminDemote  *EmbargoStage `bson:"adminDemote,omitempty"`
	AdminHold    bool          `bson:"adminHold"`

	ClinicalExemption *ClinicalExemptionReason `bson:"clinicalExemption,omitempty"`

	Labels Labels `bson:"labels,omitempty"`

	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`

	// Version is the optimistic-concurrency token; bumped by the store
	// on every write, compared-and-swapped by UpdateBulk.
	Version int64 `bson:"version"`
}

// SurfacedFileID returns the "FL"-prefixed external id for this file.
func (f *File) SurfacedFileID() string {
	return FormatFileID(f.FileID)
}

// Filter selects files by set-membership disjunction within include/
// exclude, intersected with each other.
type Filter struct {
	Include *FilterSet
	Exclude *FilterSet
}

// FilterSet is one side (include or exclude) of a Filter.
type FilterSet struct {
	Analyses  []string
	Donors    []string
	Programs  []string
	FileIDs   []string
	ObjectIDs []string
}

// IsEmpty reports whether the filter set carries no criteria.
func (s *FilterSet) IsEmpty() bool {
	return s == nil || (len(s.Analyses) == 0 && len(s.Donors) == 0 &&
		len(s.Programs) == 0 && len(s.FileIDs) == 0 && len(s.ObjectIDs) == 0)
}

// Release is the single active-or-published release record.
type Release struct {
	ID    string       `bson:"_id"`
	State ReleaseLifecycleState `bson:"state"`
	Error *string      `bson:"error,omitempty"`

	FilesKept    []string `bson:"filesKept"`
	FilesAdded   []string `bson:"filesAdded"`
	FilesRemoved []string `bson:"filesRemoved"`

	Version *string `bson:"version,omitempty"`
	Label   *string `bson:"label,omitempty"`
	Indices []string `bson:"indices"`
	Snapshot *string `bson:"snapshot,omitempty"`

	CalculatedAt *time.Time `bson:"calculatedAt,omitempty"`
	BuiltAt      *time.Time `bson:"builtAt,omitempty"`
	PublishedAt  *time.Time `bson:"publishedAt,omitempty"`

	CreatedAt time.Time `bson:"createdAt"`
}

// ReleaseLifecycleState is the nine-state release machine's state type.
type ReleaseLifecycleState string

// Known release machine states.
const (
	ReleaseCreated        ReleaseLifecycleState = "CREATED"
	ReleaseCalculating    ReleaseLifecycleState = "CALCULATING"
	ReleaseCalculated     ReleaseLifecycleState = "CALCULATED"
	ReleaseBuilding       ReleaseLifecycleState = "BUILDING"
	ReleaseBuilt          ReleaseLifecycleState = "BUILT"
	ReleasePublishing     ReleaseLifecycleState = "PUBLISHING"
	ReleasePublished      ReleaseLifecycleState = "PUBLISHED"
	ReleaseErrorBuild     ReleaseLifecycleState = "ERROR_BUILD"
	ReleaseErrorCalculate ReleaseLifecycleState = "ERROR_CALCULATE"
	ReleaseErrorPublish   ReleaseLifecycleState = "ERROR_PUBLISH"
)

// SortedUnique returns a sorted copy of ss with duplicates removed.
func SortedUnique(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
