// Package releaseorchestrator drives the three-phase public release
// pipeline (calculate, build, publish) over releasestore's state
// machine (spec.md §4.9, L9).
package releaseorchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	elastic "gopkg.in/olivere/elastic.v5"

	"github.com/icgc-argo/files-service/internal/broker"
	"github.com/icgc-argo/files-service/internal/docbuilder"
	"github.com/icgc-argo/files-service/internal/external"
	"github.com/icgc-argo/files-service/internal/filemodel"
	"github.com/icgc-argo/files-service/internal/filestore"
	"github.com/icgc-argo/files-service/internal/indexer"
	"github.com/icgc-argo/files-service/internal/releasestore"
)

// Error is the error class for the releaseorchestrator package.
var Error = errs.Class("releaseorchestrator")

// ErrVersionMismatch is returned when a Build/Publish call's submitted
// version no longer matches the active release's current version.
var ErrVersionMismatch = errs.New("submitted version does not match active release")

// PublicReleaseEvent is the outbound §6 event shape, emitted on a
// successful Publish.
type PublicReleaseEvent struct {
	ID          string               `json:"id"`
	PublishedAt time.Time            `json:"publishedAt"`
	Label       string               `json:"label"`
	Programs    []ProgramReleaseInfo `json:"programs"`
}

// ProgramReleaseInfo is one program's contribution to a PublicReleaseEvent.
type ProgramReleaseInfo struct {
	ID            string   `json:"id"`
	DonorsUpdated []string `json:"donorsUpdated"`
}

// Snapshotter takes a cluster snapshot over a set of indices. A narrow
// seam over *elastic.Client's snapshot API, mirroring indexgen's own
// clusterAdmin/liveCluster split.
type Snapshotter interface {
	CreateSnapshot(ctx context.Context, repository, name string, indices []string) error
}

type liveSnapshotter struct {
	client *elastic.Client
}

// NewSnapshotter wraps a real Elasticsearch client.
func NewSnapshotter(client *elastic.Client) Snapshotter {
	return &liveSnapshotter{client: client}
}

func (s *liveSnapshotter) CreateSnapshot(ctx context.Context, repository, name string, indices []string) error {
	_, err := s.client.SnapshotCreate(repository, name).
		Indices(indices...).
		WaitForCompletion(true).
		Do(ctx)
	return err
}

// Config bundles the Orchestrator's tunables.
type Config struct {
	SnapshotRepository string
	EventsTopic        string
	StoreConcurrency   int // cap on concurrent per-file store writes, default 10 (spec.md §5)
}

// Orchestrator implements spec.md §4.9's calculate/build/publish pipeline.
type Orchestrator struct {
	releases    releasestore.Store
	files       filestore.Store
	newIndexer  func() *indexer.Indexer
	transform   external.AnalysisTransformClient
	snapshotter Snapshotter
	events      broker.Producer
	cfg         Config
	log         *zap.Logger
	now         func() time.Time

	idx *indexer.Indexer
}

// New constructs an Orchestrator. newIndexer must return a freshly
// constructed *indexer.Indexer (fresh resolver, empty memoization) each
// time it is called: Build replaces the orchestrator's working indexer
// with a new one at the start of every release cycle, per spec.md §5's
// "a new instance (fresh release phase) starts empty".
func New(releases releasestore.Store, files filestore.Store, newIndexer func() *indexer.Indexer, transform external.AnalysisTransformClient, snapshotter Snapshotter, events broker.Producer, cfg Config, log *zap.Logger) *Orchestrator {
	if cfg.StoreConcurrency <= 0 {
		cfg.StoreConcurrency = 10
	}
	return &Orchestrator{
		releases:    releases,
		files:       files,
		newIndexer:  newIndexer,
		transform:   transform,
		snapshotter: snapshotter,
		events:      events,
		cfg:         cfg,
		log:         log.Named("releaseorchestrator"),
		now:         time.Now,
	}
}

// Calculate implements spec.md §4.9's "Calculate" step.
func (o *Orchestrator) Calculate(ctx context.Context) (*filemodel.Release, error) {
	begin, err := o.releases.BeginCalculatingActiveRelease(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !begin.Updated {
		return nil, Error.New("%s", begin.Message)
	}

	it, err := o.files.GetAllFiles(ctx, filemodel.Filter{})
	if err != nil {
		return o.failCalculate(ctx, err)
	}
	defer it.Close()

	var kept, added []string
	for it.Next(ctx) {
		f := it.Current()
		switch f.ReleaseState {
		case filemodel.ReleaseStatePublic:
			kept = append(kept, f.ObjectID)
		case filemodel.ReleaseStateQueued:
			added = append(added, f.ObjectID)
		}
	}
	if err := it.Err(); err != nil {
		return o.failCalculate(ctx, err)
	}

	// removed is always empty: spec.md §4.9 notes there is no withdraw
	// path yet.
	if _, err := o.releases.UpdateActiveReleaseFiles(ctx, kept, added, nil); err != nil {
		return o.failCalculate(ctx, err)
	}

	release, err := o.releases.FinishCalculatingActiveRelease(ctx)
	if err != nil {
		return o.failCalculate(ctx, err)
	}
	return release, nil
}

func (o *Orchestrator) failCalculate(ctx context.Context, cause error) (*filemodel.Release, error) {
	if _, setErr := o.releases.SetActiveReleaseError(ctx, cause.Error()); setErr != nil {
		o.log.Error("failed to record calculate error on active release", zap.Error(setErr))
	}
	return nil, Error.Wrap(cause)
}

// Build implements spec.md §4.9's "Build" step.
func (o *Orchestrator) Build(ctx context.Context, version, label string) (*filemodel.Release, error) {
	if label == "" {
		return nil, Error.New("label must not be empty")
	}
	if err := o.checkVersion(ctx, version); err != nil {
		return nil, err
	}

	begin, err := o.releases.BeginBuildingActiveRelease(ctx, label)
	if err != nil {
		return o.failBuild(ctx, err)
	}
	if !begin.Updated {
		return nil, Error.New("%s", begin.Message)
	}
	release := begin.Release

	o.idx = o.newIndexer()

	if len(release.Indices) > 0 {
		if err := o.idx.DeleteIndices(ctx, release.Indices); err != nil {
			return o.failBuild(ctx, err)
		}
	}

	touchedIDs := filemodel.SortedUnique(append(append([]string{}, release.FilesKept...), release.FilesAdded...))
	touchedFiles, err := o.files.GetByObjectIds(ctx, touchedIDs)
	if err != nil {
		return o.failBuild(ctx, err)
	}

	programs := uniquePrograms(touchedFiles)
	newIndices, err := o.idx.CreateEmptyPublicIndices(ctx, programs)
	if err != nil {
		return o.failBuild(ctx, err)
	}

	docs, err := o.buildPublicDocs(ctx, touchedFiles)
	if err != nil {
		return o.failBuild(ctx, err)
	}
	if err := o.idx.IndexPublicFileDocs(ctx, docs); err != nil {
		return o.failBuild(ctx, err)
	}

	snapshotName := fmt.Sprintf("release_%s_%d", label, o.now().UnixMilli())
	if err := o.snapshotter.CreateSnapshot(ctx, o.cfg.SnapshotRepository, snapshotName, newIndices); err != nil {
		return o.failBuild(ctx, err)
	}

	built, err := o.releases.FinishBuildingActiveRelease(ctx, newIndices, snapshotName)
	if err != nil {
		return o.failBuild(ctx, err)
	}
	return built, nil
}

func (o *Orchestrator) failBuild(ctx context.Context, cause error) (*filemodel.Release, error) {
	if _, setErr := o.releases.SetActiveReleaseError(ctx, cause.Error()); setErr != nil {
		o.log.Error("failed to record build error on active release", zap.Error(setErr))
	}
	return nil, Error.Wrap(cause)
}

// buildPublicDocs re-fetches the upstream analysis for every file
// (grouped by data center and de-duplicated by analysisId), then
// rebuilds each file-centric document with embargoStage/releaseState
// forced to PUBLIC in the document only (spec.md §4.9 step 4).
func (o *Orchestrator) buildPublicDocs(ctx context.Context, files []*filemodel.File) ([]indexer.Doc, error) {
	byDataCenter := make(map[string][]*filemodel.File)
	for _, f := range files {
		byDataCenter[f.RepoID] = append(byDataCenter[f.RepoID], f)
	}

	fragmentsByObjectID := make(map[string]docbuilder.UpstreamFragment, len(files))
	for repoID, group := range byDataCenter {
		var analysisIDs []string
		seen := make(map[string]bool)
		for _, f := range group {
			if !seen[f.AnalysisID] {
				seen[f.AnalysisID] = true
				analysisIDs = append(analysisIDs, f.AnalysisID)
			}
		}
		fragments, err := o.transform.Transform(ctx, analysisIDs, repoID)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		for objectID, perObject := range fragments {
			if len(perObject) == 0 {
				continue
			}
			fragmentsByObjectID[objectID] = perObject[0]
		}
	}

	docs := make([]indexer.Doc, 0, len(files))
	for _, f := range files {
		frag, ok := fragmentsByObjectID[f.ObjectID]
		if !ok {
			continue
		}
		forced := *f
		forced.EmbargoStage = filemodel.EmbargoStagePublic
		forced.ReleaseState = filemodel.ReleaseStatePublic
		built, err := docbuilder.Build(&forced, &frag)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		docs = append(docs, indexer.Doc{
			Program:        f.ProgramID,
			ObjectID:       f.ObjectID,
			ReleaseState:   filemodel.ReleaseStatePublic,
			EmbargoStage:   filemodel.EmbargoStagePublic,
			UpstreamStatus: f.Status,
			Body:           built.Document,
		})
	}
	return docs, nil
}

// Publish implements spec.md §4.9's "Publish" step.
func (o *Orchestrator) Publish(ctx context.Context, version string) (*filemodel.Release, error) {
	if err := o.checkVersion(ctx, version); err != nil {
		return nil, err
	}
	if o.idx == nil {
		return nil, Error.New("no build-phase indexer available; Build must run before Publish")
	}

	begin, err := o.releases.BeginPublishingActiveRelease(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !begin.Updated {
		return nil, Error.New("%s", begin.Message)
	}
	release := begin.Release

	addedFiles, err := o.files.GetByObjectIds(ctx, release.FilesAdded)
	if err != nil {
		return o.failPublish(ctx, err)
	}
	removedFiles, err := o.files.GetByObjectIds(ctx, release.FilesRemoved)
	if err != nil {
		return o.failPublish(ctx, err)
	}

	if len(addedFiles) > 0 {
		var toRemove []indexer.Doc
		for _, f := range addedFiles {
			toRemove = append(toRemove, indexer.Doc{Program: f.ProgramID, ObjectID: f.ObjectID, ReleaseState: filemodel.ReleaseStateRestricted})
		}
		if err := o.idx.RemoveRestrictedFileDocs(ctx, toRemove); err != nil {
			return o.failPublish(ctx, err)
		}
	}

	// Removed-files re-indexing is a future feature (spec.md §4.9 step
	// 2); Calculate never populates FilesRemoved today, so this is
	// dead weight until a withdraw path exists, kept only as the named
	// extension point.
	if len(removedFiles) > 0 {
		docs, err := o.buildPublicDocs(ctx, removedFiles)
		if err != nil {
			return o.failPublish(ctx, err)
		}
		for i := range docs {
			docs[i].ReleaseState = filemodel.ReleaseStateRestricted
		}
		if err := o.idx.IndexRestrictedFileDocs(ctx, docs); err != nil {
			return o.failPublish(ctx, err)
		}
	}

	touchedPrograms := uniquePrograms(append(addedFiles, removedFiles...))
	if err := o.idx.EnsureRestrictedGeneration(ctx, touchedPrograms); err != nil {
		return o.failPublish(ctx, err)
	}
	if err := o.idx.Release(ctx, indexer.ReleaseOptions{PublicRelease: true}); err != nil {
		return o.failPublish(ctx, err)
	}

	if err := o.persistPublicState(ctx, addedFiles); err != nil {
		return o.failPublish(ctx, err)
	}

	published, err := o.releases.FinishPublishingActiveRelease(ctx)
	if err != nil {
		return o.failPublish(ctx, err)
	}

	o.emitPublicReleaseEvent(ctx, published, addedFiles, removedFiles)
	o.idx = nil
	return published, nil
}

func (o *Orchestrator) failPublish(ctx context.Context, cause error) (*filemodel.Release, error) {
	if _, setErr := o.releases.SetActiveReleaseError(ctx, cause.Error()); setErr != nil {
		o.log.Error("failed to record publish error on active release", zap.Error(setErr))
	}
	return nil, Error.Wrap(cause)
}

func (o *Orchestrator) persistPublicState(ctx context.Context, files []*filemodel.File) error {
	sem := semaphore.NewWeighted(int64(o.cfg.StoreConcurrency))
	g, gctx := errgroup.WithContext(ctx)
	public := filemodel.ReleaseStatePublic
	publicStage := filemodel.EmbargoStagePublic
	for _, f := range files {
		f := f
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			_, err := o.files.UpdateReleaseProperties(gctx, f.ObjectID, filestore.ReleaseProperties{
				EmbargoStage: &publicStage,
				ReleaseState: &public,
			})
			return err
		})
	}
	return Error.Wrap(g.Wait())
}

// emitPublicReleaseEvent best-effort publishes the outbound event;
// failure is logged but never rolls back the already-published release
// (spec.md §4.9 step 5).
func (o *Orchestrator) emitPublicReleaseEvent(ctx context.Context, release *filemodel.Release, added, removed []*filemodel.File) {
	if o.events == nil {
		return
	}
	byProgram := make(map[string]map[string]bool)
	for _, f := range append(append([]*filemodel.File{}, added...), removed...) {
		if byProgram[f.ProgramID] == nil {
			byProgram[f.ProgramID] = make(map[string]bool)
		}
		if f.DonorID != "" {
			byProgram[f.ProgramID][f.DonorID] = true
		}
	}
	var programs []ProgramReleaseInfo
	for program, donors := range byProgram {
		donorList := make([]string, 0, len(donors))
		for d := range donors {
			donorList = append(donorList, d)
		}
		programs = append(programs, ProgramReleaseInfo{ID: program, DonorsUpdated: filemodel.SortedUnique(donorList)})
	}

	label := ""
	if release.Label != nil {
		label = *release.Label
	}
	publishedAt := o.now()
	if release.PublishedAt != nil {
		publishedAt = *release.PublishedAt
	}
	event := PublicReleaseEvent{ID: release.ID, PublishedAt: publishedAt, Label: label, Programs: programs}

	payload, err := json.Marshal(event)
	if err != nil {
		o.log.Error("failed to marshal outbound publicRelease event", zap.Error(err))
		return
	}
	if err := o.events.SendMessage(ctx, o.cfg.EventsTopic, release.ID, payload); err != nil {
		o.log.Error("failed to emit outbound publicRelease event", zap.Error(err))
	}
}

func (o *Orchestrator) checkVersion(ctx context.Context, version string) error {
	active, err := o.releases.GetActiveRelease(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	if active.Version == nil || *active.Version != version {
		return Error.Wrap(ErrVersionMismatch)
	}
	return nil
}

func uniquePrograms(files []*filemodel.File) []string {
	var programs []string
	seen := make(map[string]bool)
	for _, f := range files {
		if !seen[f.ProgramID] {
			seen[f.ProgramID] = true
			programs = append(programs, f.ProgramID)
		}
	}
	return programs
}
