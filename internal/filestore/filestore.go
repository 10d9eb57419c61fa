// Package filestore implements the file-record store (spec.md §4.1, L1):
// durable file records keyed by objectId, auto-assigned numeric fileId,
// paginated/streamed reads, and bulk conditional updates.
package filestore

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"github.com/icgc-argo/files-service/internal/filemodel"
)

// Error is the error class for the filestore package. Store
// implementations classify failures as errs.Class-wrapped
// InvalidArgument/NotFound/StateConflict per spec.md §7 via the
// sentinel errors below.
var Error = errs.Class("filestore")

// Sentinel errors classified per spec.md §7. Implementations should wrap
// these with errs.Wrap so callers can errors.Is against them.
var (
	ErrNotFound      = errs.New("not found")
	ErrInvalidArgument = errs.New("invalid argument")
	ErrStateConflict = errs.New("state conflict")
)

// CreateFileInput is the set of fields needed to create a new file
// record on first observation of an objectId.
type CreateFileInput struct {
	ObjectID   string
	RepoID     string
	ProgramID  string
	DonorID    string
	AnalysisID string
	Status     filemodel.SongAnalysisStatus
}

// ReleaseProperties is the set of release-related fields L7 may update
// after recalculation.
type ReleaseProperties struct {
	EmbargoStage *filemodel.EmbargoStage
	ReleaseState *filemodel.ReleaseState
	EmbargoStart *time.Time
	// ClearEmbargoStart distinguishes "set EmbargoStart to nil" from
	// "leave it untouched" (EmbargoStart == nil alone is ambiguous).
	ClearEmbargoStart bool
}

// AdminControls is the set of admin-override fields admin endpoints may
// update.
type AdminControls struct {
	AdminPromote      *filemodel.EmbargoStage
	ClearAdminPromote bool
	AdminDemote       *filemodel.EmbargoStage
	ClearAdminDemote  bool
	AdminHold         *bool

	ClinicalExemption      *filemodel.ClinicalExemptionReason
	ClearClinicalExemption bool
}

// SongPublishStatus is the set of upstream publish fields L7 updates
// from analysis-update events.
type SongPublishStatus struct {
	Status         *filemodel.SongAnalysisStatus
	FirstPublished *time.Time
}

// Page is one page of a paginated file listing.
type Page struct {
	Files []*filemodel.File
	Total int64
}

// Iterator is a lazy, restartable sequence of files, used for streaming
// reads (GetAllFiles) so callers can early-exit without paying for the
// whole result set (spec.md §9, "Streaming reads").
type Iterator interface {
	// Next advances the iterator and reports whether a file is
	// available via Current. Returns false at end of sequence or on
	// error (check Err).
	Next(ctx context.Context) bool
	Current() *filemodel.File
	Err() error
	Close() error
}

// BulkUpdate is one optimistic-concurrency conditional update applied by
// UpdateBulk: every file matching filter whose Version still equals the
// value observed when filter was evaluated is updated; others are
// skipped and reported as conflicts.
type BulkUpdate struct {
	ReleaseProperties *ReleaseProperties
	AdminControls     *AdminControls
}

// BulkUpdateResult reports the outcome of UpdateBulk.
type BulkUpdateResult struct {
	UpdatedObjectIDs  []string
	ConflictObjectIDs []string
	Documents         []*filemodel.File // populated iff returnDocuments was set
}

// Store is the durable file-record store.
type Store interface {
	// GetOrCreateByObjectId is at-most-one create per objectId: if a
	// record already exists it is returned unchanged, otherwise a new
	// one is created with an auto-assigned fileId.
	GetOrCreateByObjectId(ctx context.Context, in CreateFileInput) (*filemodel.File, error)

	GetById(ctx context.Context, fileID int64) (*filemodel.File, error)
	GetByObjectId(ctx context.Context, objectID string) (*filemodel.File, error)
	GetByAnalysisId(ctx context.Context, analysisID string) ([]*filemodel.File, error)
	GetByObjectIds(ctx context.Context, objectIDs []string) ([]*filemodel.File, error)

	GetFiles(ctx context.Context, filter filemodel.Filter) (Iterator, error)
	GetAllFiles(ctx context.Context, filter filemodel.Filter) (Iterator, error)
	GetPaginatedFiles(ctx context.Context, page, limit int, filter filemodel.Filter) (Page, error)

	CountFiles(ctx context.Context, filter filemodel.Filter) (int64, error)
	GetPrograms(ctx context.Context, filter filemodel.Filter) ([]string, error)

	UpdateReleaseProperties(ctx context.Context, objectID string, props ReleaseProperties) (*filemodel.File, error)
	UpdateAdminControls(ctx context.Context, objectID string, controls AdminControls) (*filemodel.File, error)
	UpdateSongPublishStatus(ctx context.Context, objectID string, status SongPublishStatus) (*filemodel.File, error)

	UpdateBulk(ctx context.Context, filter filemodel.Filter, update BulkUpdate, returnDocuments bool) (BulkUpdateResult, error)

	AddOrUpdateLabel(ctx context.Context, fileID int64, labels map[string][]string) (*filemodel.File, error)
	RemoveLabel(ctx context.Context, fileID int64, keys []string) (*filemodel.File, error)

	DeleteByIds(ctx context.Context, fileIDs []int64) error
	DeleteAll(ctx context.Context) error
}

// Matches reports whether f satisfies filter: every criterion within
// include is a disjunction (OR), include and exclude intersect (AND-NOT).
func Matches(f *filemodel.File, filter filemodel.Filter) bool {
	if filter.Include != nil && !filter.Include.IsEmpty() && !matchesSet(f, filter.Include) {
		return false
	}
	if filter.Exclude != nil && !filter.Exclude.IsEmpty() && matchesSet(f, filter.Exclude) {
		return false
	}
	return true
}

// matchesSet reports whether f satisfies every non-empty criterion in s.
// Each individual criterion is a set-membership disjunction (OR within
// the list); distinct criteria (analyses, donors, programs, ...)
// combine with AND, matching a conventional query-builder semantics
// where each field becomes its own "$in" clause.
func matchesSet(f *filemodel.File, s *filemodel.FilterSet) bool {
	if len(s.Analyses) > 0 && !containsString(s.Analyses, f.AnalysisID) {
		return false
	}
	if len(s.Donors) > 0 && !containsString(s.Donors, f.DonorID) {
		return false
	}
	if len(s.Programs) > 0 && !containsString(s.Programs, f.ProgramID) {
		return false
	}
	if len(s.FileIDs) > 0 && !containsString(s.FileIDs, f.SurfacedFileID()) {
		return false
	}
	if len(s.ObjectIDs) > 0 && !containsString(s.ObjectIDs, f.ObjectID) {
		return false
	}
	return true
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
