// Package indexgen resolves, creates, and prepares Elasticsearch
// generation indices on demand (spec.md §4.5, L5).
package indexgen

import (
	"context"
	"fmt"
	"sync"

	elastic "gopkg.in/olivere/elastic.v5"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Error is the error class for the indexgen package.
var Error = errs.Class("indexgen")

// clusterAdmin is the narrow slice of *elastic.Client the resolver
// needs, so tests can substitute a hand-written fake instead of
// standing up a real Elasticsearch cluster (storj-storj's metasearch
// tests use the same narrow-interface-plus-fake approach).
type clusterAdmin interface {
	IndexExists(name string) bool
	CreateIndex(name string) error
	CloseIndex(name string) error
	OpenIndex(name string) error
	PutSettings(name string, settings map[string]interface{}) error
	PutMapping(name string, mapping map[string]interface{}) error
}

type liveCluster struct {
	client *elastic.Client
}

func (c *liveCluster) IndexExists(name string) bool {
	exists, err := c.client.IndexExists(name).Do(context.Background())
	return err == nil && exists
}

func (c *liveCluster) CreateIndex(name string) error {
	_, err := c.client.CreateIndex(name).Do(context.Background())
	return err
}

func (c *liveCluster) CloseIndex(name string) error {
	_, err := c.client.CloseIndex(name).Do(context.Background())
	return err
}

func (c *liveCluster) OpenIndex(name string) error {
	_, err := c.client.OpenIndex(name).Do(context.Background())
	return err
}

func (c *liveCluster) PutSettings(name string, settings map[string]interface{}) error {
	_, err := c.client.IndexPutSettings(name).BodyJson(settings).Do(context.Background())
	return err
}

func (c *liveCluster) PutMapping(name string, mapping map[string]interface{}) error {
	_, err := c.client.PutMapping().Index(name).Type("_doc").BodyJson(mapping).Do(context.Background())
	return err
}

// Visibility distinguishes restricted from public index generations.
type Visibility string

// Known visibilities.
const (
	Restricted Visibility = "restricted"
	Public     Visibility = "public"
)

// Key identifies one (program, visibility) generation lineage.
type Key struct {
	Program    string
	Visibility Visibility
}

func (k Key) String() string {
	return fmt.Sprintf("%s.%s", k.Program, k.Visibility)
}

// Settings bundles the canonical index settings+mapping applied to
// every newly created generation.
type Settings struct {
	Settings map[string]interface{}
	Mapping  map[string]interface{}
}

// Resolver hands out current/next generation index names per
// (program, visibility), memoizing within its own lifetime and
// coalescing concurrent requests for the same key so the underlying
// cluster call happens at most once per key (spec.md §4.5/§5).
type Resolver struct {
	cluster  clusterAdmin
	log      *zap.Logger
	settings Settings
	prefix   string

	group singleflight.Group

	mu   sync.Mutex
	next map[Key]string
}

// NewResolver constructs a Resolver backed by a real Elasticsearch
// cluster. prefix namespaces index names, e.g. "argo_file_centric".
func NewResolver(client *elastic.Client, log *zap.Logger, prefix string, settings Settings) *Resolver {
	return newResolver(&liveCluster{client: client}, log, prefix, settings)
}

// NewResolverWithCluster constructs a Resolver against any cluster-admin
// implementation, exported so the indexer package's own tests can drive
// a Resolver with their hand-written fake cluster instead of a live one.
func NewResolverWithCluster(cluster clusterAdmin, log *zap.Logger, prefix string, settings Settings) *Resolver {
	return newResolver(cluster, log, prefix, settings)
}

func newResolver(cluster clusterAdmin, log *zap.Logger, prefix string, settings Settings) *Resolver {
	return &Resolver{
		cluster:  cluster,
		log:      log.Named("indexgen"),
		settings: settings,
		prefix:   prefix,
		next:     make(map[Key]string),
	}
}

// indexName builds the deterministic generation name for (key, generation).
func (r *Resolver) indexName(key Key, generation int) string {
	return fmt.Sprintf("%s_%s_%s_%d", r.prefix, key.Program, key.Visibility, generation)
}

// NextIndex returns the memoized "next" index name for key, creating it
// and applying settings+mappings exactly once if it does not already
// exist in this resolver's lifetime. cloneFrom is only recorded in the
// creation log line; no documents are cloned.
// Concurrent calls for the same key coalesce onto a single creation.
func (r *Resolver) NextIndex(ctx context.Context, key Key, cloneFrom string) (string, error) {
	r.mu.Lock()
	if name, ok := r.next[key]; ok {
		r.mu.Unlock()
		return name, nil
	}
	r.mu.Unlock()

	name, err, _ := r.group.Do(key.String(), func() (interface{}, error) {
		r.mu.Lock()
		if name, ok := r.next[key]; ok {
			r.mu.Unlock()
			return name, nil
		}
		r.mu.Unlock()

		name := r.indexName(key, 1)
		if err := r.createAndPrepare(ctx, name, cloneFrom); err != nil {
			return "", err
		}
		r.mu.Lock()
		r.next[key] = name
		r.mu.Unlock()
		return name, nil
	})
	if err != nil {
		return "", err
	}
	return name.(string), nil
}

// CreateEmptyIndex creates a fresh, unmapped-clone generation for key
// without consulting or updating the memoized "next" map: used for the
// build-phase public indices in spec.md §4.9, which are always created
// empty and tracked by the caller instead.
func (r *Resolver) CreateEmptyIndex(ctx context.Context, key Key) (string, error) {
	name := r.indexName(key, 1)
	if err := r.createAndPrepare(ctx, name, ""); err != nil {
		return "", err
	}
	return name, nil
}

// createAndPrepare creates name (optionally cloning cloneFrom's
// documents is left to the caller; this only creates the shell), then
// applies the canonical settings via the close/put-settings/put-
// mapping/open sequence required by some ES settings changes.
func (r *Resolver) createAndPrepare(ctx context.Context, name, cloneFrom string) error {
	if r.cluster.IndexExists(name) {
		return nil
	}

	if err := r.cluster.CreateIndex(name); err != nil {
		return Error.Wrap(err)
	}
	if err := r.cluster.CloseIndex(name); err != nil {
		return Error.Wrap(err)
	}
	if err := r.cluster.PutSettings(name, r.settings.Settings); err != nil {
		return Error.Wrap(err)
	}
	if err := r.cluster.PutMapping(name, r.settings.Mapping); err != nil {
		return Error.Wrap(err)
	}
	if err := r.cluster.OpenIndex(name); err != nil {
		return Error.Wrap(err)
	}

	r.log.Info("created generation index", zap.String("index", name), zap.String("clonedFrom", cloneFrom))
	return nil
}

// Forget drops key's memoized "next" index name, used after a Release
// attaches it to the alias (spec.md §4.5: "clears the tracked
// next-index map").
func (r *Resolver) Forget(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.next, key)
}

// Tracked returns a snapshot of every currently memoized (key -> name)
// pair.
func (r *Resolver) Tracked() map[Key]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Key]string, len(r.next))
	for k, v := range r.next {
		out[k] = v
	}
	return out
}
