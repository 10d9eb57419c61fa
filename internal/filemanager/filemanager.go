// Package filemanager orchestrates upsert-or-update of file records,
// recalculation via the embargo calculator, and downstream indexing
// (spec.md §4.7, L7).
package filemanager

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"github.com/icgc-argo/files-service/internal/docbuilder"
	"github.com/icgc-argo/files-service/internal/embargo"
	"github.com/icgc-argo/files-service/internal/filemodel"
	"github.com/icgc-argo/files-service/internal/filestore"
	"github.com/icgc-argo/files-service/internal/indexer"
)

// Error is the error class for the filemanager package.
var Error = errs.Class("filemanager")

// Sources bundles the external collaborators UpdateFileFromExternalSources
// reads from, per spec.md §4.7 step 1.
type Sources struct {
	Analysis *embargo.SongAnalysis
	Pairs    []embargo.MatchedSamplePair
	Donor    *embargo.ClinicalDonor
}

// SourceReader refreshes the upstream observations for one file. It is
// the narrow seam filemanager needs over the external package's
// richer clients, letting callers (ingestion, admin jobs) decide how
// to fetch/cache/batch the underlying calls.
type SourceReader interface {
	ReadSources(ctx context.Context, f *filemodel.File) (Sources, error)
}

// Manager implements spec.md §4.7.
type Manager struct {
	store   filestore.Store
	sources SourceReader
	indexer IndexWriter
	now     func() time.Time
}

// IndexWriter is the slice of the indexer the file manager drives.
type IndexWriter interface {
	UpdateRestrictedFile(ctx context.Context, f *filemodel.File, doc indexer.Doc) error
	IndexRestrictedFileDocs(ctx context.Context, docs []indexer.Doc) error
	RemoveRestrictedFileDocs(ctx context.Context, docs []indexer.Doc) error
}

// New constructs a Manager. now defaults to time.Now; tests may
// substitute a fixed clock.
func New(store filestore.Store, sources SourceReader, idx IndexWriter) *Manager {
	return &Manager{store: store, sources: sources, indexer: idx, now: time.Now}
}

// UpdateFileFromExternalSources is the recalculation entry point used
// by all admin/clinical paths (spec.md §4.7):
//  1. refresh songAnalysis/matchedSamplePairs/clinicalDonor
//  2. recompute embargoStart, persist if changed
//  3. recompute embargoStage, decide releaseState, persist only if
//     either changed
func (m *Manager) UpdateFileFromExternalSources(ctx context.Context, f *filemodel.File) (*filemodel.File, error) {
	sources, err := m.sources.ReadSources(ctx, f)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	newStart := embargo.CalculateEmbargoStartDate(embargo.CalculateEmbargoStartDateInput{
		DBFile:             f,
		SongAnalysis:       sources.Analysis,
		MatchedSamplePairs: sources.Pairs,
		ClinicalDonor:      sources.Donor,
	})

	if !sameTime(f.EmbargoStart, newStart) {
		updated, err := m.store.UpdateReleaseProperties(ctx, f.ObjectID, filestore.ReleaseProperties{
			EmbargoStart:      newStart,
			ClearEmbargoStart: newStart == nil,
		})
		if err != nil {
			return nil, Error.Wrap(err)
		}
		f = updated
	}

	withNewStart := *f
	withNewStart.EmbargoStart = newStart
	calculatedStage := embargo.CalculateStage(m.now(), &withNewStart)
	stage, state := decideReleaseState(f.ReleaseState, calculatedStage)

	if stage == f.EmbargoStage && state == f.ReleaseState {
		return f, nil
	}

	updated, err := m.store.UpdateReleaseProperties(ctx, f.ObjectID, filestore.ReleaseProperties{
		EmbargoStage: &stage,
		ReleaseState: &state,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return updated, nil
}

// decideReleaseState applies the §4.7 release-state decision table.
func decideReleaseState(current filemodel.ReleaseState, calculated filemodel.EmbargoStage) (filemodel.EmbargoStage, filemodel.ReleaseState) {
	if current == filemodel.ReleaseStatePublic {
		return calculated, filemodel.ReleaseStatePublic
	}
	if calculated == filemodel.EmbargoStagePublic {
		return filemodel.EmbargoStageAssociateAccess, filemodel.ReleaseStateQueued
	}
	return calculated, filemodel.ReleaseStateRestricted
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// RdpcFileFragment is one upstream file fragment as delivered by a
// data-center's RDPC feed, carrying enough of the upstream
// docbuilder.UpstreamFragment plus the song-publish-status fields L7
// needs to decide indexed-vs-deleted.
type RdpcFileFragment struct {
	docbuilder.UpstreamFragment
	AnalysisID     string
	RepoID         string
	AnalysisState  filemodel.SongAnalysisStatus
	FirstPublished *time.Time
}

// SaveAndIndexResult reports which objectIds were indexed vs removed.
type SaveAndIndexResult struct {
	Indexed []string
	Removed []string
}

// SaveAndIndexFilesFromRdpcData implements spec.md §4.7's ingestion
// entry point: get-or-create, patch upstream status, recalculate,
// build the document, then partition by upstream analysis state.
func (m *Manager) SaveAndIndexFilesFromRdpcData(ctx context.Context, fragments []RdpcFileFragment, dataCenterID string) (SaveAndIndexResult, error) {
	var result SaveAndIndexResult
	var indexDocs, removeDocs []indexer.Doc

	for _, frag := range fragments {
		f, err := m.store.GetOrCreateByObjectId(ctx, filestore.CreateFileInput{
			ObjectID:   frag.ObjectID,
			RepoID:     dataCenterID,
			ProgramID:  frag.StudyID,
			DonorID:    firstDonorID(frag.Donors),
			AnalysisID: frag.AnalysisID,
			Status:     frag.AnalysisState,
		})
		if err != nil {
			return result, Error.Wrap(err)
		}

		if f.Status != frag.AnalysisState || !sameTime(f.FirstPublished, frag.FirstPublished) {
			status := frag.AnalysisState
			f, err = m.store.UpdateSongPublishStatus(ctx, f.ObjectID, filestore.SongPublishStatus{
				Status:         &status,
				FirstPublished: frag.FirstPublished,
			})
			if err != nil {
				return result, Error.Wrap(err)
			}
		}

		f, err = m.UpdateFileFromExternalSources(ctx, f)
		if err != nil {
			return result, Error.Wrap(err)
		}

		built, err := docbuilder.Build(f, &frag.UpstreamFragment)
		if err != nil {
			return result, Error.Wrap(err)
		}

		doc := indexer.Doc{
			Program:        f.ProgramID,
			ObjectID:       f.ObjectID,
			ReleaseState:   f.ReleaseState,
			EmbargoStage:   f.EmbargoStage,
			UpstreamStatus: f.Status,
			Body:           built.Document,
		}

		if frag.AnalysisState == filemodel.StatusPublished {
			indexDocs = append(indexDocs, doc)
			result.Indexed = append(result.Indexed, f.ObjectID)
		} else {
			removeDocs = append(removeDocs, doc)
			result.Removed = append(result.Removed, f.ObjectID)
		}
	}

	if len(indexDocs) > 0 {
		if err := m.indexer.IndexRestrictedFileDocs(ctx, indexDocs); err != nil {
			return result, Error.Wrap(err)
		}
	}
	if len(removeDocs) > 0 {
		if err := m.indexer.RemoveRestrictedFileDocs(ctx, removeDocs); err != nil {
			return result, Error.Wrap(err)
		}
	}
	return result, nil
}

func firstDonorID(donors []docbuilder.Donor) string {
	if len(donors) == 0 {
		return ""
	}
	return donors[0].DonorID
}
