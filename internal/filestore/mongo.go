package filestore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/icgc-argo/files-service/internal/filemodel"
)

// collectionFiles and collectionCounters mirror the two collections a
// Mongoose-style files-service deployment keeps: the file records
// themselves and a shared auto-increment counter document keyed by
// name (spec.md §6, "Auto-increment counter keyed fileId").
const (
	collectionFiles    = "files"
	collectionCounters = "counters"
)

// MongoStore is the production Store implementation.
type MongoStore struct {
	files    *mongo.Collection
	counters *mongo.Collection
}

// NewMongoStore wires a MongoStore against an already-connected
// *mongo.Database. Connecting, authenticating, and tuning the driver
// are the narrow "mongo driver configuration" concern spec.md's
// Non-goals exclude; this constructor only consumes an established
// connection.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		files:    db.Collection(collectionFiles),
		counters: db.Collection(collectionCounters),
	}
}

var _ Store = (*MongoStore)(nil)

func (s *MongoStore) nextFileID(ctx context.Context) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "fileId"},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return doc.Seq, nil
}

func (s *MongoStore) GetOrCreateByObjectId(ctx context.Context, in CreateFileInput) (*filemodel.File, error) {
	existing, err := s.GetByObjectId(ctx, in.ObjectID)
	if err == nil {
		return existing, nil
	}
	if !errIsNotFound(err) {
		return nil, Error.Wrap(err)
	}

	id, err := s.nextFileID(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	f := &filemodel.File{
		ObjectID:     in.ObjectID,
		FileID:       id,
		RepoID:       in.RepoID,
		ProgramID:    in.ProgramID,
		DonorID:      in.DonorID,
		AnalysisID:   in.AnalysisID,
		Status:       in.Status,
		EmbargoStage: filemodel.EmbargoStageUnreleased,
		ReleaseState: filemodel.ReleaseStateUnreleased,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}

	_, err = s.files.InsertOne(ctx, f)
	if mongo.IsDuplicateKeyError(err) {
		// Lost the at-most-one-create race; the winner's record is
		// authoritative.
		return s.GetByObjectId(ctx, in.ObjectID)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return f, nil
}

func (s *MongoStore) GetById(ctx context.Context, fileID int64) (*filemodel.File, error) {
	return s.findOne(ctx, bson.M{"fileId": fileID})
}

func (s *MongoStore) GetByObjectId(ctx context.Context, objectID string) (*filemodel.File, error) {
	return s.findOne(ctx, bson.M{"objectId": objectID})
}

func (s *MongoStore) findOne(ctx context.Context, query bson.M) (*filemodel.File, error) {
	var f filemodel.File
	err := s.files.FindOne(ctx, query).Decode(&f)
	if err == mongo.ErrNoDocuments {
		return nil, Error.Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &f, nil
}

func (s *MongoStore) GetByAnalysisId(ctx context.Context, analysisID string) ([]*filemodel.File, error) {
	return s.findMany(ctx, bson.M{"analysisId": analysisID})
}

func (s *MongoStore) GetByObjectIds(ctx context.Context, objectIDs []string) ([]*filemodel.File, error) {
	return s.findMany(ctx, bson.M{"objectId": bson.M{"$in": objectIDs}})
}

func (s *MongoStore) findMany(ctx context.Context, query bson.M) ([]*filemodel.File, error) {
	cur, err := s.files.Find(ctx, query)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*filemodel.File
	for cur.Next(ctx) {
		var f filemodel.File
		if err := cur.Decode(&f); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, &f)
	}
	return out, Error.Wrap(cur.Err())
}

// toMongoFilter translates a filemodel.Filter to a bson query, each
// criterion an "$in", distinct criteria intersected with "$and", and
// the exclude side wrapped in "$nor".
func toMongoFilter(filter filemodel.Filter) bson.M {
	query := bson.M{}
	if filter.Include != nil {
		for k, v := range setConditions(filter.Include) {
			query[k] = v
		}
	}
	if filter.Exclude != nil {
		exclude := bson.M{}
		for k, v := range setConditions(filter.Exclude) {
			exclude[k] = v
		}
		if len(exclude) > 0 {
			query["$nor"] = []bson.M{exclude}
		}
	}
	return query
}

func setConditions(s *filemodel.FilterSet) map[string]bson.M {
	out := map[string]bson.M{}
	if len(s.Analyses) > 0 {
		out["analysisId"] = bson.M{"$in": s.Analyses}
	}
	if len(s.Donors) > 0 {
		out["donorId"] = bson.M{"$in": s.Donors}
	}
	if len(s.Programs) > 0 {
		out["programId"] = bson.M{"$in": s.Programs}
	}
	if len(s.FileIDs) > 0 {
		// FileIDs are surfaced "FL<n>" strings; the stored fileId is numeric.
		ids := make([]int64, 0, len(s.FileIDs))
		for _, id := range s.FileIDs {
			if n, err := filemodel.ParseFileID(id); err == nil {
				ids = append(ids, n)
			}
		}
		out["fileId"] = bson.M{"$in": ids}
	}
	if len(s.ObjectIDs) > 0 {
		out["objectId"] = bson.M{"$in": s.ObjectIDs}
	}
	return out
}

type mongoIterator struct {
	cur     *mongo.Cursor
	ctx     context.Context
	current *filemodel.File
	err     error
}

func (it *mongoIterator) Next(ctx context.Context) bool {
	if !it.cur.Next(ctx) {
		return false
	}
	var f filemodel.File
	if err := it.cur.Decode(&f); err != nil {
		it.err = Error.Wrap(err)
		return false
	}
	it.current = &f
	return true
}

func (it *mongoIterator) Current() *filemodel.File { return it.current }
func (it *mongoIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return Error.Wrap(it.cur.Err())
}
func (it *mongoIterator) Close() error { return it.cur.Close(it.ctx) }

func (s *MongoStore) GetFiles(ctx context.Context, filter filemodel.Filter) (Iterator, error) {
	cur, err := s.files.Find(ctx, toMongoFilter(filter))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &mongoIterator{cur: cur, ctx: ctx}, nil
}

// GetAllFiles is the long-running/"infinite" scan variant used by the
// recalculation trigger (spec.md §4.8, §9 "streaming reads"): same
// cursor-backed Iterator, batched server-side so a long scan doesn't
// load the whole population into memory.
func (s *MongoStore) GetAllFiles(ctx context.Context, filter filemodel.Filter) (Iterator, error) {
	opts := options.Find().SetNoCursorTimeout(true).SetBatchSize(500)
	cur, err := s.files.Find(ctx, toMongoFilter(filter), opts)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &mongoIterator{cur: cur, ctx: ctx}, nil
}

func (s *MongoStore) GetPaginatedFiles(ctx context.Context, page, limit int, filter filemodel.Filter) (Page, error) {
	query := toMongoFilter(filter)
	total, err := s.files.CountDocuments(ctx, query)
	if err != nil {
		return Page{}, Error.Wrap(err)
	}

	opts := options.Find().SetSkip(int64(page * limit)).SetLimit(int64(limit))
	cur, err := s.files.Find(ctx, query, opts)
	if err != nil {
		return Page{}, Error.Wrap(err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var files []*filemodel.File
	for cur.Next(ctx) {
		var f filemodel.File
		if err := cur.Decode(&f); err != nil {
			return Page{}, Error.Wrap(err)
		}
		files = append(files, &f)
	}
	return Page{Files: files, Total: total}, Error.Wrap(cur.Err())
}

func (s *MongoStore) CountFiles(ctx context.Context, filter filemodel.Filter) (int64, error) {
	n, err := s.files.CountDocuments(ctx, toMongoFilter(filter))
	return n, Error.Wrap(err)
}

func (s *MongoStore) GetPrograms(ctx context.Context, filter filemodel.Filter) ([]string, error) {
	result, err := s.files.Distinct(ctx, "programId", toMongoFilter(filter))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := make([]string, 0, len(result))
	for _, v := range result {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (s *MongoStore) UpdateReleaseProperties(ctx context.Context, objectID string, props ReleaseProperties) (*filemodel.File, error) {
	set := bson.M{"updatedAt": time.Now()}
	unset := bson.M{}
	if props.EmbargoStage != nil {
		set["embargoStage"] = *props.EmbargoStage
	}
	if props.ReleaseState != nil {
		set["releaseState"] = *props.ReleaseState
	}
	if props.ClearEmbargoStart {
		unset["embargoStart"] = ""
	} else if props.EmbargoStart != nil {
		set["embargoStart"] = *props.EmbargoStart
	}
	return s.updateOne(ctx, objectID, set, unset)
}

func (s *MongoStore) UpdateAdminControls(ctx context.Context, objectID string, controls AdminControls) (*filemodel.File, error) {
	set := bson.M{"updatedAt": time.Now()}
	unset := bson.M{}
	if controls.ClearAdminPromote {
		unset["adminPromote"] = ""
	} else if controls.AdminPromote != nil {
		set["adminPromote"] = *controls.AdminPromote
	}
	if controls.ClearAdminDemote {
		unset["adminDemote"] = ""
	} else if controls.AdminDemote != nil {
		set["adminDemote"] = *controls.AdminDemote
	}
	if controls.AdminHold != nil {
		set["adminHold"] = *controls.AdminHold
	}
	if controls.ClearClinicalExemption {
		unset["clinicalExemption"] = ""
	} else if controls.ClinicalExemption != nil {
		set["clinicalExemption"] = *controls.ClinicalExemption
	}
	return s.updateOne(ctx, objectID, set, unset)
}

func (s *MongoStore) UpdateSongPublishStatus(ctx context.Context, objectID string, status SongPublishStatus) (*filemodel.File, error) {
	set := bson.M{"updatedAt": time.Now()}
	if status.Status != nil {
		set["status"] = *status.Status
	}
	if status.FirstPublished != nil {
		set["firstPublished"] = *status.FirstPublished
	}
	return s.updateOne(ctx, objectID, set, nil)
}

func (s *MongoStore) updateOne(ctx context.Context, objectID string, set, unset bson.M) (*filemodel.File, error) {
	update := bson.M{"$inc": bson.M{"version": 1}}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	var f filemodel.File
	err := s.files.FindOneAndUpdate(ctx,
		bson.M{"objectId": objectID},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&f)
	if err == mongo.ErrNoDocuments {
		return nil, Error.Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &f, nil
}

// UpdateBulk applies update to every file matching filter, using each
// file's observed version as an optimistic-concurrency guard: a file
// mutated between the match and the write (version changed) is
// reported as a conflict rather than clobbered, per spec.md §5
// ("Ordering").
func (s *MongoStore) UpdateBulk(ctx context.Context, filter filemodel.Filter, update BulkUpdate, returnDocuments bool) (BulkUpdateResult, error) {
	matchQuery := toMongoFilter(filter)
	cur, err := s.files.Find(ctx, matchQuery)
	if err != nil {
		return BulkUpdateResult{}, Error.Wrap(err)
	}
	var candidates []filemodel.File
	for cur.Next(ctx) {
		var f filemodel.File
		if err := cur.Decode(&f); err != nil {
			_ = cur.Close(ctx)
			return BulkUpdateResult{}, Error.Wrap(err)
		}
		candidates = append(candidates, f)
	}
	_ = cur.Close(ctx)
	if err := cur.Err(); err != nil {
		return BulkUpdateResult{}, Error.Wrap(err)
	}

	set := bson.M{"updatedAt": time.Now()}
	unset := bson.M{}
	if update.ReleaseProperties != nil {
		props := update.ReleaseProperties
		if props.EmbargoStage != nil {
			set["embargoStage"] = *props.EmbargoStage
		}
		if props.ReleaseState != nil {
			set["releaseState"] = *props.ReleaseState
		}
		if props.ClearEmbargoStart {
			unset["embargoStart"] = ""
		} else if props.EmbargoStart != nil {
			set["embargoStart"] = *props.EmbargoStart
		}
	}
	if update.AdminControls != nil {
		c := update.AdminControls
		if c.ClearAdminPromote {
			unset["adminPromote"] = ""
		} else if c.AdminPromote != nil {
			set["adminPromote"] = *c.AdminPromote
		}
		if c.ClearAdminDemote {
			unset["adminDemote"] = ""
		} else if c.AdminDemote != nil {
			set["adminDemote"] = *c.AdminDemote
		}
		if c.AdminHold != nil {
			set["adminHold"] = *c.AdminHold
		}
		if c.ClearClinicalExemption {
			unset["clinicalExemption"] = ""
		} else if c.ClinicalExemption != nil {
			set["clinicalExemption"] = *c.ClinicalExemption
		}
	}

	mongoUpdate := bson.M{"$inc": bson.M{"version": 1}, "$set": set}
	if len(unset) > 0 {
		mongoUpdate["$unset"] = unset
	}

	var result BulkUpdateResult
	for _, candidate := range candidates {
		res := s.files.FindOneAndUpdate(ctx,
			bson.M{"objectId": candidate.ObjectID, "version": candidate.Version},
			mongoUpdate,
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		)
		var updated filemodel.File
		if err := res.Decode(&updated); err != nil {
			if err == mongo.ErrNoDocuments {
				result.ConflictObjectIDs = append(result.ConflictObjectIDs, candidate.ObjectID)
				continue
			}
			return BulkUpdateResult{}, Error.Wrap(err)
		}
		result.UpdatedObjectIDs = append(result.UpdatedObjectIDs, candidate.ObjectID)
		if returnDocuments {
			result.Documents = append(result.Documents, &updated)
		}
	}
	return result, nil
}

func (s *MongoStore) AddOrUpdateLabel(ctx context.Context, fileID int64, labels map[string][]string) (*filemodel.File, error) {
	f, err := s.GetById(ctx, fileID)
	if err != nil {
		return nil, err
	}
	merged, err := f.Labels.Merge(labels)
	if err != nil {
		return nil, Error.Wrap(ErrInvalidArgument).Wrap(err)
	}
	var updated filemodel.File
	err = s.files.FindOneAndUpdate(ctx,
		bson.M{"fileId": fileID},
		bson.M{"$set": bson.M{"labels": merged, "updatedAt": time.Now()}, "$inc": bson.M{"version": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &updated, nil
}

func (s *MongoStore) RemoveLabel(ctx context.Context, fileID int64, keys []string) (*filemodel.File, error) {
	f, err := s.GetById(ctx, fileID)
	if err != nil {
		return nil, err
	}
	remaining := f.Labels.WithoutKeys(keys)
	var updated filemodel.File
	err = s.files.FindOneAndUpdate(ctx,
		bson.M{"fileId": fileID},
		bson.M{"$set": bson.M{"labels": remaining, "updatedAt": time.Now()}, "$inc": bson.M{"version": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &updated, nil
}

func (s *MongoStore) DeleteByIds(ctx context.Context, fileIDs []int64) error {
	_, err := s.files.DeleteMany(ctx, bson.M{"fileId": bson.M{"$in": fileIDs}})
	return Error.Wrap(err)
}

func (s *MongoStore) DeleteAll(ctx context.Context) error {
	_, err := s.files.DeleteMany(ctx, bson.M{})
	return Error.Wrap(err)
}

func errIsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
