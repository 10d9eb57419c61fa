package releasestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/icgc-argo/files-service/internal/filemodel"
)

// MemoryStore is an in-memory Store implementation used by component
// tests, mirroring filestore.MemoryStore's hand-written-fake approach.
type MemoryStore struct {
	mu       sync.Mutex
	byID     map[string]*filemodel.Release
	labels   map[string]string // label -> release id
	activeID string
}

// NewMemoryStore returns a MemoryStore seeded with one CREATED release,
// matching the "single active record" invariant from spec.md §3.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		byID:   make(map[string]*filemodel.Release),
		labels: make(map[string]string),
	}
	s.seedActive()
	return s
}

func (s *MemoryStore) seedActive() {
	r := &filemodel.Release{
		ID:        uuid.NewString(),
		State:     filemodel.ReleaseCreated,
		CreatedAt: time.Now(),
		Indices:   []string{},
	}
	s.byID[r.ID] = r
	s.activeID = r.ID
}

var _ Store = (*MemoryStore)(nil)

func cloneRelease(r *filemodel.Release) *filemodel.Release {
	cp := *r
	cp.FilesKept = append([]string(nil), r.FilesKept...)
	cp.FilesAdded = append([]string(nil), r.FilesAdded...)
	cp.FilesRemoved = append([]string(nil), r.FilesRemoved...)
	cp.Indices = append([]string(nil), r.Indices...)
	return &cp
}

func (s *MemoryStore) activeLocked() *filemodel.Release {
	if s.activeID == "" {
		return nil
	}
	return s.byID[s.activeID]
}

func (s *MemoryStore) GetActiveRelease(ctx context.Context) (*filemodel.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.activeLocked()
	if active == nil {
		return nil, Error.Wrap(ErrNoActiveRelease)
	}
	return cloneRelease(active), nil
}

func (s *MemoryStore) GetLatestRelease(ctx context.Context) (*filemodel.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *filemodel.Release
	for _, r := range s.byID {
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, Error.Wrap(ErrNoActiveRelease)
	}
	return cloneRelease(latest), nil
}

func (s *MemoryStore) GetReleases(ctx context.Context) ([]*filemodel.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*filemodel.Release, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, cloneRelease(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetReleaseById(ctx context.Context, id string) (*filemodel.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, Error.Wrap(ErrNoActiveRelease)
	}
	return cloneRelease(r), nil
}

func (s *MemoryStore) begin(target filemodel.ReleaseLifecycleState) (BeginResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeLocked()
	ok, message := beginTransition(active, target)
	if !ok {
		var rel *filemodel.Release
		if active != nil {
			rel = cloneRelease(active)
		}
		return BeginResult{Release: rel, Updated: false, Message: message}, nil
	}

	previous := active.State
	active.State = target
	applyEntryClears(active, target)
	return BeginResult{Release: cloneRelease(active), PreviousState: previous, Updated: true}, nil
}

func (s *MemoryStore) BeginCalculatingActiveRelease(ctx context.Context) (BeginResult, error) {
	return s.begin(filemodel.ReleaseCalculating)
}

func (s *MemoryStore) BeginBuildingActiveRelease(ctx context.Context, label string) (BeginResult, error) {
	if label == "" {
		return BeginResult{}, Error.New("label must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeLocked()
	ok, message := beginTransition(active, filemodel.ReleaseBuilding)
	if !ok {
		var rel *filemodel.Release
		if active != nil {
			rel = cloneRelease(active)
		}
		return BeginResult{Release: rel, Updated: false, Message: message}, nil
	}

	if owner, taken := s.labels[label]; taken && owner != active.ID {
		return BeginResult{Release: cloneRelease(active), Updated: false, Message: ErrLabelTaken.Error()}, nil
	}

	previous := active.State
	active.State = filemodel.ReleaseBuilding
	applyEntryClears(active, filemodel.ReleaseBuilding)
	s.labels[label] = active.ID
	active.Label = &label
	return BeginResult{Release: cloneRelease(active), PreviousState: previous, Updated: true}, nil
}

func (s *MemoryStore) BeginPublishingActiveRelease(ctx context.Context) (BeginResult, error) {
	return s.begin(filemodel.ReleasePublishing)
}

func (s *MemoryStore) finish(target filemodel.ReleaseLifecycleState) (*filemodel.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeLocked()
	if active == nil {
		return nil, Error.Wrap(ErrNoActiveRelease)
	}
	finished := finishStateFor(active.State)
	if !CanTransition(active.State, finished) {
		return nil, Error.Wrap(ErrInvalidTransition)
	}
	active.State = finished
	stampCompletion(active, finished, time.Now())
	if finished == filemodel.ReleasePublished {
		s.seedActive()
	}
	return cloneRelease(active), nil
}

func (s *MemoryStore) FinishCalculatingActiveRelease(ctx context.Context) (*filemodel.Release, error) {
	return s.finish(filemodel.ReleaseCalculated)
}

func (s *MemoryStore) FinishBuildingActiveRelease(ctx context.Context, indices []string, snapshot string) (*filemodel.Release, error) {
	s.mu.Lock()
	active := s.activeLocked()
	if active != nil {
		active.Indices = indices
		active.Snapshot = &snapshot
	}
	s.mu.Unlock()
	return s.finish(filemodel.ReleaseBuilt)
}

func (s *MemoryStore) FinishPublishingActiveRelease(ctx context.Context) (*filemodel.Release, error) {
	return s.finish(filemodel.ReleasePublished)
}

func (s *MemoryStore) SetActiveReleaseError(ctx context.Context, message string) (*filemodel.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeLocked()
	if active == nil {
		return nil, Error.Wrap(ErrNoActiveRelease)
	}
	target, ok := errorCounterpart[active.State]
	if !ok {
		return nil, Error.New("cannot set error from non-*ING state %s", active.State)
	}
	active.State = target
	active.Error = &message
	return cloneRelease(active), nil
}

func (s *MemoryStore) UpdateActiveReleaseFiles(ctx context.Context, kept, added, removed []string) (*filemodel.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeLocked()
	if active == nil {
		return nil, Error.Wrap(ErrNoActiveRelease)
	}
	active.FilesKept = kept
	active.FilesAdded = added
	active.FilesRemoved = removed
	v := Version(kept, added, removed)
	active.Version = &v
	return cloneRelease(active), nil
}

func (s *MemoryStore) Reset(ctx context.Context) (*filemodel.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID != "" {
		delete(s.byID, s.activeID)
	}
	s.seedActive()
	return cloneRelease(s.activeLocked()), nil
}
