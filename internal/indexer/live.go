package indexer

import (
	"context"

	elastic "gopkg.in/olivere/elastic.v5"

	"github.com/icgc-argo/files-service/internal/external"
)

// liveCluster is the production bulkCluster, mirroring indexgen's own
// liveCluster wrapper around *elastic.Client.
type liveCluster struct {
	client   *elastic.Client
	rollcall external.RollcallClient
}

// NewLiveCluster wraps client as a bulkCluster for New, so
// cmd/files-service can wire a real Indexer against a live
// Elasticsearch cluster. Alias releases are driven directly against
// Elasticsearch's own alias API.
func NewLiveCluster(client *elastic.Client) bulkCluster {
	return &liveCluster{client: client}
}

// NewLiveClusterWithRollcall wraps client as a bulkCluster whose
// AttachToAlias delegates to rollcall's alias-release endpoint
// (spec.md §6's "POST /aliases/release") instead of driving the
// Elasticsearch alias API directly.
func NewLiveClusterWithRollcall(client *elastic.Client, rollcall external.RollcallClient) bulkCluster {
	return &liveCluster{client: client, rollcall: rollcall}
}

func (c *liveCluster) BulkIndex(ctx context.Context, index string, docs []Doc) error {
	bulk := c.client.Bulk()
	for _, d := range docs {
		bulk.Add(elastic.NewBulkIndexRequest().Index(index).Type("_doc").Id(d.ObjectID).Doc(d.Body))
	}
	resp, err := bulk.Do(ctx)
	if err != nil {
		return err
	}
	if failed := resp.Failed(); len(failed) > 0 {
		return Error.New("bulk index: %d of %d documents failed, first: %s", len(failed), len(docs), failed[0].Error.Reason)
	}
	return nil
}

func (c *liveCluster) BulkDelete(ctx context.Context, index string, objectIDs []string) error {
	bulk := c.client.Bulk()
	for _, id := range objectIDs {
		bulk.Add(elastic.NewBulkDeleteRequest().Index(index).Type("_doc").Id(id))
	}
	resp, err := bulk.Do(ctx)
	if err != nil {
		return err
	}
	if failed := resp.Failed(); len(failed) > 0 {
		return Error.New("bulk delete: %d of %d documents failed, first: %s", len(failed), len(objectIDs), failed[0].Error.Reason)
	}
	return nil
}

func (c *liveCluster) PartialUpdate(ctx context.Context, index, objectID string, fields map[string]interface{}) error {
	_, err := c.client.Update().Index(index).Type("_doc").Id(objectID).Doc(fields).Do(ctx)
	return err
}

func (c *liveCluster) DeleteByID(ctx context.Context, index, objectID string) error {
	_, err := c.client.Delete().Index(index).Type("_doc").Id(objectID).Do(ctx)
	if elastic.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *liveCluster) AttachToAlias(ctx context.Context, alias string, indices []string) error {
	if c.rollcall != nil {
		return c.rollcall.ReleaseAlias(ctx, external.AliasReleaseRequest{Alias: alias, Indices: indices})
	}

	svc := c.client.Alias()
	existing, err := c.client.Aliases().Alias(alias).Do(ctx)
	if err == nil {
		for index := range existing.Indices {
			remove := true
			for _, keep := range indices {
				if index == keep {
					remove = false
					break
				}
			}
			if remove {
				svc.Remove(index, alias)
			}
		}
	}
	for _, index := range indices {
		svc.Add(index, alias)
	}
	_, err = svc.Do(ctx)
	return err
}

func (c *liveCluster) DeleteIndices(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	_, err := c.client.DeleteIndex(names...).Do(ctx)
	return err
}
