package releasestore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/icgc-argo/files-service/internal/filemodel"
)

const collectionReleases = "releases"

// MongoStore is the production Store implementation, mirroring
// filestore.MongoStore's FindOneAndUpdate-driven CAS style.
type MongoStore struct {
	releases *mongo.Collection
}

// NewMongoStore wires a MongoStore against an already-connected
// *mongo.Database, same narrow scope as filestore.NewMongoStore.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{releases: db.Collection(collectionReleases)}
}

var _ Store = (*MongoStore)(nil)

// EnsureActiveRelease seeds a CREATED release document if no
// non-PUBLISHED release currently exists, mirroring MemoryStore's
// seedActive called from NewMemoryStore. Unlike the in-memory store,
// the Mongo-backed store can't seed unconditionally at construction
// time (the collection may already hold a prior run's active release),
// so callers invoke this once during startup instead.
func (s *MongoStore) EnsureActiveRelease(ctx context.Context) error {
	count, err := s.releases.CountDocuments(ctx, bson.M{"state": bson.M{"$ne": filemodel.ReleasePublished}})
	if err != nil {
		return Error.Wrap(err)
	}
	if count > 0 {
		return nil
	}
	_, err = s.releases.InsertOne(ctx, &filemodel.Release{
		ID:        uuid.NewString(),
		State:     filemodel.ReleaseCreated,
		CreatedAt: time.Now(),
		Indices:   []string{},
	})
	return Error.Wrap(err)
}

func (s *MongoStore) activeFilter() bson.M {
	return bson.M{"state": bson.M{"$ne": filemodel.ReleasePublished}}
}

func (s *MongoStore) GetActiveRelease(ctx context.Context) (*filemodel.Release, error) {
	var r filemodel.Release
	err := s.releases.FindOne(ctx, s.activeFilter()).Decode(&r)
	if err == mongo.ErrNoDocuments {
		return nil, Error.Wrap(ErrNoActiveRelease)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &r, nil
}

func (s *MongoStore) GetLatestRelease(ctx context.Context) (*filemodel.Release, error) {
	opts := options.FindOne().SetSort(bson.M{"createdAt": -1})
	var r filemodel.Release
	err := s.releases.FindOne(ctx, bson.M{}, opts).Decode(&r)
	if err == mongo.ErrNoDocuments {
		return nil, Error.Wrap(ErrNoActiveRelease)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &r, nil
}

func (s *MongoStore) GetReleases(ctx context.Context) ([]*filemodel.Release, error) {
	opts := options.Find().SetSort(bson.M{"createdAt": 1})
	cur, err := s.releases.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []*filemodel.Release
	for cur.Next(ctx) {
		var r filemodel.Release
		if err := cur.Decode(&r); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, Error.Wrap(cur.Err())
}

func (s *MongoStore) GetReleaseById(ctx context.Context, id string) (*filemodel.Release, error) {
	var r filemodel.Release
	err := s.releases.FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if err == mongo.ErrNoDocuments {
		return nil, Error.Wrap(ErrNoActiveRelease)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &r, nil
}

// begin performs the active release's state check and FindOneAndUpdate
// in a single atomic operation: the write's query includes the current
// state, so a concurrent Begin* racing for the same transition loses
// the CAS rather than double-applying it.
func (s *MongoStore) begin(ctx context.Context, target filemodel.ReleaseLifecycleState) (BeginResult, error) {
	active, err := s.GetActiveRelease(ctx)
	if err != nil {
		if errors.Is(err, ErrNoActiveRelease) {
			return BeginResult{Updated: false, Message: ErrNoActiveRelease.Error()}, nil
		}
		return BeginResult{}, err
	}

	ok, message := beginTransition(active, target)
	if !ok {
		return BeginResult{Release: active, Updated: false, Message: message}, nil
	}
	previous := active.State

	set := bson.M{"state": target}
	unset := entryClearFields(target)

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	var updated filemodel.Release
	err = s.releases.FindOneAndUpdate(ctx,
		bson.M{"_id": active.ID, "state": previous},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err == mongo.ErrNoDocuments {
		return BeginResult{}, Error.New("lost race transitioning to %s", target)
	}
	if err != nil {
		return BeginResult{}, Error.Wrap(err)
	}
	return BeginResult{Release: &updated, PreviousState: previous, Updated: true}, nil
}

// entryClearFields mirrors applyEntryClears's per-target field list as
// a bson "$unset" document instead of in-place struct mutation.
func entryClearFields(target filemodel.ReleaseLifecycleState) bson.M {
	switch target {
	case filemodel.ReleaseCalculating:
		return bson.M{"filesKept": "", "filesAdded": "", "filesRemoved": "",
			"builtAt": "", "calculatedAt": "", "label": "", "snapshot": "", "error": ""}
	case filemodel.ReleaseBuilding:
		return bson.M{"builtAt": "", "label": "", "snapshot": "", "error": ""}
	case filemodel.ReleasePublishing:
		return bson.M{"error": ""}
	default:
		return nil
	}
}

func (s *MongoStore) BeginCalculatingActiveRelease(ctx context.Context) (BeginResult, error) {
	return s.begin(ctx, filemodel.ReleaseCalculating)
}

// BeginBuildingActiveRelease checks the release-label uniqueness
// constraint before transitioning to BUILDING (not after), so a label
// collision never leaves the active release stuck in a persisted
// BUILDING state with no reported transition. The state transition and
// the label assignment commit in a single FindOneAndUpdate.
func (s *MongoStore) BeginBuildingActiveRelease(ctx context.Context, label string) (BeginResult, error) {
	if label == "" {
		return BeginResult{}, Error.New("label must not be empty")
	}

	active, err := s.GetActiveRelease(ctx)
	if err != nil {
		if errors.Is(err, ErrNoActiveRelease) {
			return BeginResult{Updated: false, Message: ErrNoActiveRelease.Error()}, nil
		}
		return BeginResult{}, err
	}

	ok, message := beginTransition(active, filemodel.ReleaseBuilding)
	if !ok {
		return BeginResult{Release: active, Updated: false, Message: message}, nil
	}

	taken, err := s.releases.CountDocuments(ctx, bson.M{"label": label, "_id": bson.M{"$ne": active.ID}})
	if err != nil {
		return BeginResult{}, Error.Wrap(err)
	}
	if taken > 0 {
		return BeginResult{Release: active, Updated: false, Message: ErrLabelTaken.Error()}, nil
	}
	previous := active.State

	set := bson.M{"state": filemodel.ReleaseBuilding, "label": label}
	unset := entryClearFields(filemodel.ReleaseBuilding)
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	var updated filemodel.Release
	err = s.releases.FindOneAndUpdate(ctx,
		bson.M{"_id": active.ID, "state": previous},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err == mongo.ErrNoDocuments {
		return BeginResult{}, Error.New("lost race transitioning to %s", filemodel.ReleaseBuilding)
	}
	if err != nil {
		return BeginResult{}, Error.Wrap(err)
	}
	return BeginResult{Release: &updated, PreviousState: previous, Updated: true}, nil
}

func (s *MongoStore) BeginPublishingActiveRelease(ctx context.Context) (BeginResult, error) {
	return s.begin(ctx, filemodel.ReleasePublishing)
}

func (s *MongoStore) finish(ctx context.Context, target filemodel.ReleaseLifecycleState, extra bson.M) (*filemodel.Release, error) {
	active, err := s.GetActiveRelease(ctx)
	if err != nil {
		return nil, err
	}
	finished := finishStateFor(active.State)
	if finished != target || !CanTransition(active.State, finished) {
		return nil, Error.Wrap(ErrInvalidTransition)
	}

	set := bson.M{"state": finished}
	for k, v := range extra {
		set[k] = v
	}
	now := time.Now()
	switch finished {
	case filemodel.ReleaseCalculated:
		set["calculatedAt"] = now
	case filemodel.ReleaseBuilt:
		set["builtAt"] = now
	case filemodel.ReleasePublished:
		set["publishedAt"] = now
	}

	var updated filemodel.Release
	err = s.releases.FindOneAndUpdate(ctx,
		bson.M{"_id": active.ID, "state": active.State},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err == mongo.ErrNoDocuments {
		return nil, Error.New("lost race finishing %s", active.State)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if finished == filemodel.ReleasePublished {
		if err := s.EnsureActiveRelease(ctx); err != nil {
			return nil, err
		}
	}
	return &updated, nil
}

func (s *MongoStore) FinishCalculatingActiveRelease(ctx context.Context) (*filemodel.Release, error) {
	return s.finish(ctx, filemodel.ReleaseCalculated, nil)
}

func (s *MongoStore) FinishBuildingActiveRelease(ctx context.Context, indices []string, snapshot string) (*filemodel.Release, error) {
	return s.finish(ctx, filemodel.ReleaseBuilt, bson.M{"indices": indices, "snapshot": snapshot})
}

func (s *MongoStore) FinishPublishingActiveRelease(ctx context.Context) (*filemodel.Release, error) {
	return s.finish(ctx, filemodel.ReleasePublished, nil)
}

func (s *MongoStore) SetActiveReleaseError(ctx context.Context, message string) (*filemodel.Release, error) {
	active, err := s.GetActiveRelease(ctx)
	if err != nil {
		return nil, err
	}
	target, ok := errorCounterpart[active.State]
	if !ok {
		return nil, Error.New("cannot set error from non-*ING state %s", active.State)
	}

	var updated filemodel.Release
	err = s.releases.FindOneAndUpdate(ctx,
		bson.M{"_id": active.ID, "state": active.State},
		bson.M{"$set": bson.M{"state": target, "error": message}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &updated, nil
}

func (s *MongoStore) UpdateActiveReleaseFiles(ctx context.Context, kept, added, removed []string) (*filemodel.Release, error) {
	active, err := s.GetActiveRelease(ctx)
	if err != nil {
		return nil, err
	}
	v := Version(kept, added, removed)

	var updated filemodel.Release
	err = s.releases.FindOneAndUpdate(ctx,
		bson.M{"_id": active.ID},
		bson.M{"$set": bson.M{"filesKept": kept, "filesAdded": added, "filesRemoved": removed, "version": v}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &updated, nil
}

// Reset discards the active release document entirely and seeds a
// fresh CREATED one, mirroring MemoryStore.Reset.
func (s *MongoStore) Reset(ctx context.Context) (*filemodel.Release, error) {
	if _, err := s.releases.DeleteMany(ctx, s.activeFilter()); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := s.EnsureActiveRelease(ctx); err != nil {
		return nil, err
	}
	return s.GetActiveRelease(ctx)
}
