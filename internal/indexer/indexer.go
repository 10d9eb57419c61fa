// Package indexer materializes file-centric documents into per-program
// restricted/public generations and releases them to the shared alias
// (spec.md §4.5/§4.6, L6).
package indexer

import (
	"context"
	"sort"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/icgc-argo/files-service/internal/filemodel"
	"github.com/icgc-argo/files-service/internal/indexgen"
)

// Error is the error class for the indexer package.
var Error = errs.Class("indexer")

// maxBulkChunk is the per-request document cap from spec.md §4.5.
const maxBulkChunk = 5000

// maxConcurrentBulk and maxConcurrentGenerations are the §4.5/§5
// concurrency caps per indexer instance.
const (
	maxConcurrentBulk        = 5
	maxConcurrentGenerations = 5
)

// Doc is a file-centric document ready for indexing, plus the routing
// fields the indexer needs that don't themselves belong in the
// document body.
type Doc struct {
	Program        string
	ObjectID       string
	ReleaseState   filemodel.ReleaseState
	EmbargoStage   filemodel.EmbargoStage
	UpstreamStatus filemodel.SongAnalysisStatus
	Body           map[string]interface{}
}

// bulkCluster is the narrow slice of Elasticsearch's bulk/alias API the
// indexer needs, kept separate from indexgen's clusterAdmin so the
// indexer can be tested with its own small fake.
type bulkCluster interface {
	BulkIndex(ctx context.Context, index string, docs []Doc) error
	BulkDelete(ctx context.Context, index string, objectIDs []string) error
	PartialUpdate(ctx context.Context, index, objectID string, fields map[string]interface{}) error
	DeleteByID(ctx context.Context, index, objectID string) error
	AttachToAlias(ctx context.Context, alias string, indices []string) error
	DeleteIndices(ctx context.Context, names []string) error
}

// ReleaseOptions controls Release's alias attachment.
type ReleaseOptions struct {
	PublicRelease     bool
	AdditionalIndices []string
}

// Indexer bulk-writes file-centric documents into program-bucketed
// generations resolved via indexgen.Resolver.
type Indexer struct {
	cluster  bulkCluster
	resolver *indexgen.Resolver
	alias    string
	log      *zap.Logger

	bulkSem *semaphore.Weighted
	genSem  *semaphore.Weighted

	mu       sync.Mutex
	released map[string]bool
}

// New constructs an Indexer. Releasing the same generation twice is
// forbidden per spec.md §4.5; that bookkeeping lives on the instance,
// not globally, matching the resolver's own per-instance memoization.
func New(cluster bulkCluster, resolver *indexgen.Resolver, alias string, log *zap.Logger) *Indexer {
	return &Indexer{
		cluster:  cluster,
		resolver: resolver,
		alias:    alias,
		log:      log.Named("indexer"),
		bulkSem:  semaphore.NewWeighted(maxConcurrentBulk),
		genSem:   semaphore.NewWeighted(maxConcurrentGenerations),
		released: make(map[string]bool),
	}
}

// bucketByProgram groups docs into per-program slices, preserving
// insertion order within each bucket.
func bucketByProgram(docs []Doc) map[string][]Doc {
	buckets := make(map[string][]Doc)
	for _, d := range docs {
		buckets[d.Program] = append(buckets[d.Program], d)
	}
	return buckets
}

// chunk splits docs into slices of at most maxBulkChunk.
func chunk(docs []Doc) [][]Doc {
	var out [][]Doc
	for len(docs) > maxBulkChunk {
		out = append(out, docs[:maxBulkChunk])
		docs = docs[maxBulkChunk:]
	}
	if len(docs) > 0 {
		out = append(out, docs)
	}
	return out
}

// bulkIndexByVisibility resolves the next index per program and
// bulk-indexes each program's bucket into it, chunked and bounded by
// maxConcurrentBulk, with at most maxConcurrentGenerations resolver
// calls in flight.
func (x *Indexer) bulkIndexByVisibility(ctx context.Context, docs []Doc, vis indexgen.Visibility) error {
	buckets := bucketByProgram(docs)

	programs := make([]string, 0, len(buckets))
	for p := range buckets {
		programs = append(programs, p)
	}
	sort.Strings(programs)

	indexByProgram := make(map[string]string, len(programs))
	var mapMu sync.Mutex
	var genGroup errgroup.Group
	for _, program := range programs {
		program := program
		if err := x.genSem.Acquire(ctx, 1); err != nil {
			return Error.Wrap(err)
		}
		genGroup.Go(func() error {
			defer x.genSem.Release(1)
			name, err := x.resolver.NextIndex(ctx, indexgen.Key{Program: program, Visibility: vis}, "")
			if err != nil {
				return err
			}
			mapMu.Lock()
			indexByProgram[program] = name
			mapMu.Unlock()
			return nil
		})
	}
	if err := genGroup.Wait(); err != nil {
		return Error.Wrap(err)
	}

	var bulkGroup errgroup.Group
	for _, program := range programs {
		program := program
		index := indexByProgram[program]
		for _, batch := range chunk(buckets[program]) {
			batch := batch
			if err := x.bulkSem.Acquire(ctx, 1); err != nil {
				return Error.Wrap(err)
			}
			bulkGroup.Go(func() error {
				defer x.bulkSem.Release(1)
				return x.cluster.BulkIndex(ctx, index, batch)
			})
		}
	}
	if err := bulkGroup.Wait(); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// UpdateRestrictedFile applies the §4.5 partial-update/delete rule for
// a single already-indexed restricted file.
func (x *Indexer) UpdateRestrictedFile(ctx context.Context, f *filemodel.File, doc Doc) error {
	eligible := f.ReleaseState == filemodel.ReleaseStateRestricted || f.ReleaseState == filemodel.ReleaseStateUnreleased
	if !eligible || f.Status != filemodel.StatusPublished {
		return nil
	}
	key := indexgen.Key{Program: f.ProgramID, Visibility: indexgen.Restricted}
	index, err := x.resolver.NextIndex(ctx, key, "")
	if err != nil {
		return Error.Wrap(err)
	}
	if f.ReleaseState == filemodel.ReleaseStateUnreleased {
		return x.cluster.DeleteByID(ctx, index, f.ObjectID)
	}
	return x.cluster.PartialUpdate(ctx, index, f.ObjectID, map[string]interface{}{
		"embargo_stage":      string(f.EmbargoStage),
		"release_state":      string(f.ReleaseState),
		"meta.embargo_stage": string(f.EmbargoStage),
		"meta.release_state": string(f.ReleaseState),
	})
}

// IndexRestrictedFileDocs filters to RESTRICTED + upstream-PUBLISHED
// docs and indexes them.
func (x *Indexer) IndexRestrictedFileDocs(ctx context.Context, docs []Doc) error {
	return x.bulkIndexByVisibility(ctx, filterDocs(docs, func(d Doc) bool {
		return d.ReleaseState == filemodel.ReleaseStateRestricted && d.UpstreamStatus == filemodel.StatusPublished
	}), indexgen.Restricted)
}

// RemoveRestrictedFileDocs filters to RESTRICTED docs and deletes them
// from their generation.
func (x *Indexer) RemoveRestrictedFileDocs(ctx context.Context, docs []Doc) error {
	restricted := filterDocs(docs, func(d Doc) bool { return d.ReleaseState == filemodel.ReleaseStateRestricted })
	buckets := bucketByProgram(restricted)
	var g errgroup.Group
	for program, bucket := range buckets {
		program, bucket := program, bucket
		g.Go(func() error {
			index, err := x.resolver.NextIndex(ctx, indexgen.Key{Program: program, Visibility: indexgen.Restricted}, "")
			if err != nil {
				return err
			}
			ids := make([]string, len(bucket))
			for i, d := range bucket {
				ids[i] = d.ObjectID
			}
			return x.cluster.BulkDelete(ctx, index, ids)
		})
	}
	return Error.Wrap(g.Wait())
}

// IndexPublicFileDocs filters to PUBLIC state + PUBLIC embargoStage +
// upstream-PUBLISHED docs and indexes them.
func (x *Indexer) IndexPublicFileDocs(ctx context.Context, docs []Doc) error {
	return x.bulkIndexByVisibility(ctx, filterDocs(docs, func(d Doc) bool {
		return d.ReleaseState == filemodel.ReleaseStatePublic &&
			d.EmbargoStage == filemodel.EmbargoStagePublic &&
			d.UpstreamStatus == filemodel.StatusPublished
	}), indexgen.Public)
}

// CreateEmptyRestrictedIndices creates (without cloning) one empty
// restricted generation per program and returns the new index names.
func (x *Indexer) CreateEmptyRestrictedIndices(ctx context.Context, programs []string) ([]string, error) {
	return x.createEmpty(ctx, programs, indexgen.Restricted)
}

// CreateEmptyPublicIndices creates (without cloning) one empty public
// generation per program and returns the new index names.
func (x *Indexer) CreateEmptyPublicIndices(ctx context.Context, programs []string) ([]string, error) {
	return x.createEmpty(ctx, programs, indexgen.Public)
}

func (x *Indexer) createEmpty(ctx context.Context, programs []string, vis indexgen.Visibility) ([]string, error) {
	names := make([]string, len(programs))
	var g errgroup.Group
	for i, program := range programs {
		i, program := i, program
		if err := x.genSem.Acquire(ctx, 1); err != nil {
			return nil, Error.Wrap(err)
		}
		g.Go(func() error {
			defer x.genSem.Release(1)
			name, err := x.resolver.CreateEmptyIndex(ctx, indexgen.Key{Program: program, Visibility: vis})
			if err != nil {
				return err
			}
			names[i] = name
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Error.Wrap(err)
	}
	return names, nil
}

// EnsureRestrictedGeneration resolves (and tracks) the next restricted
// index for each program without indexing any documents into it. The
// release orchestrator's Publish step uses this to guarantee a fresh
// restricted generation is released even when no restricted document
// changed this cycle (spec.md §4.9 step 3).
func (x *Indexer) EnsureRestrictedGeneration(ctx context.Context, programs []string) error {
	var g errgroup.Group
	for _, program := range programs {
		program := program
		if err := x.genSem.Acquire(ctx, 1); err != nil {
			return Error.Wrap(err)
		}
		g.Go(func() error {
			defer x.genSem.Release(1)
			_, err := x.resolver.NextIndex(ctx, indexgen.Key{Program: program, Visibility: indexgen.Restricted}, "")
			return err
		})
	}
	return Error.Wrap(g.Wait())
}

// Release attaches every tracked next-index (restricted always, public
// iff opts.PublicRelease) plus opts.AdditionalIndices to the alias,
// then drops the released keys from the resolver's tracked next-index
// map (public keys stay tracked unless opts.PublicRelease is set).
// Alias-release failures are
// per-index and logged but do not stop the remaining releases, per
// spec.md §4.5.
func (x *Indexer) Release(ctx context.Context, opts ReleaseOptions) error {
	tracked := x.resolver.Tracked()

	var toRelease []indexgen.Key
	for key := range tracked {
		if key.Visibility == indexgen.Public && !opts.PublicRelease {
			continue
		}
		toRelease = append(toRelease, key)
	}

	names := append([]string(nil), opts.AdditionalIndices...)
	for _, key := range toRelease {
		names = append(names, tracked[key])
	}

	x.mu.Lock()
	for _, name := range names {
		if x.released[name] {
			x.mu.Unlock()
			return Error.New("generation %q has already been released", name)
		}
	}
	x.mu.Unlock()

	for _, name := range names {
		if err := x.cluster.AttachToAlias(ctx, x.alias, []string{name}); err != nil {
			x.log.Error("alias attach failed", zap.String("index", name), zap.Error(err))
			continue
		}
		x.mu.Lock()
		x.released[name] = true
		x.mu.Unlock()
	}

	for _, key := range toRelease {
		x.resolver.Forget(key)
	}
	return nil
}

// DeleteIndices drops names from the cluster and purges any resolver
// map entry referring to them.
func (x *Indexer) DeleteIndices(ctx context.Context, names []string) error {
	if err := x.cluster.DeleteIndices(ctx, names); err != nil {
		return Error.Wrap(err)
	}
	byName := make(map[string]bool, len(names))
	x.mu.Lock()
	for _, n := range names {
		byName[n] = true
		delete(x.released, n)
	}
	x.mu.Unlock()
	for key, name := range x.resolver.Tracked() {
		if byName[name] {
			x.resolver.Forget(key)
		}
	}
	return nil
}

func filterDocs(docs []Doc, keep func(Doc) bool) []Doc {
	out := make([]Doc, 0, len(docs))
	for _, d := range docs {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}
