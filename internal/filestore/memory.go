package filestore

import (
	"context"
	"sync"
	"time"

	"github.com/icgc-argo/files-service/internal/filemodel"
)

// MemoryStore is an in-memory Store implementation, used by component
// tests that exercise filestore's Store interface without a live Mongo
// cluster, mirroring the teacher's hand-written in-memory repositories
// (e.g. metasearch's mockRepo) rather than pulling in a mocking
// framework.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[int64]*filemodel.File
	byObjID map[string]int64
	nextID  int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[int64]*filemodel.File),
		byObjID: make(map[string]int64),
	}
}

var _ Store = (*MemoryStore)(nil)

func cloneFile(f *filemodel.File) *filemodel.File {
	cp := *f
	if f.FirstPublished != nil {
		t := *f.FirstPublished
		cp.FirstPublished = &t
	}
	if f.EmbargoStart != nil {
		t := *f.EmbargoStart
		cp.EmbargoStart = &t
	}
	if f.AdminPromote != nil {
		v := *f.AdminPromote
		cp.AdminPromote = &v
	}
	if f.AdminDemote != nil {
		v := *f.AdminDemote
		cp.AdminDemote = &v
	}
	if f.ClinicalExemption != nil {
		v := *f.ClinicalExemption
		cp.ClinicalExemption = &v
	}
	if f.Labels != nil {
		labels := make(filemodel.Labels, len(f.Labels))
		for k, v := range f.Labels {
			vs := make([]string, len(v))
			copy(vs, v)
			labels[k] = vs
		}
		cp.Labels = labels
	}
	return &cp
}

func (s *MemoryStore) GetOrCreateByObjectId(ctx context.Context, in CreateFileInput) (*filemodel.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byObjID[in.ObjectID]; ok {
		return cloneFile(s.byID[id]), nil
	}

	s.nextID++
	now := time.Now()
	f := &filemodel.File{
		ObjectID:     in.ObjectID,
		FileID:       s.nextID,
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
	s.byID[f.FileID] = f
	s.byObjID[f.ObjectID] = f.FileID
	return cloneFile(f), nil
}

func (s *MemoryStore) GetById(ctx context.Context, fileID int64) (*filemodel.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.byID[fileID]
	if !ok {
		return nil, Error.Wrap(ErrNotFound)
	}
	return cloneFile(f), nil
}

func (s *MemoryStore) GetByObjectId(ctx context.Context, objectID string) (*filemodel.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byObjID[objectID]
	if !ok {
		return nil, Error.Wrap(ErrNotFound)
	}
	return cloneFile(s.byID[id]), nil
}

func (s *MemoryStore) GetByAnalysisId(ctx context.Context, analysisID string) ([]*filemodel.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*filemodel.File
	for _, f := range s.byID {
		if f.AnalysisID == analysisID {
			out = append(out, cloneFile(f))
		}
	}
	return out, nil
}

func (s *MemoryStore) GetByObjectIds(ctx context.Context, objectIDs []string) ([]*filemodel.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(objectIDs))
	for _, o := range objectIDs {
		want[o] = true
	}
	var out []*filemodel.File
	for _, f := range s.byID {
		if want[f.ObjectID] {
			out = append(out, cloneFile(f))
		}
	}
	return out, nil
}

func (s *MemoryStore) snapshot(filter filemodel.Filter) []*filemodel.File {
	var out []*filemodel.File
	for _, f := range s.byID {
		if Matches(f, filter) {
			out = append(out, cloneFile(f))
		}
	}
	return out
}

type sliceIterator struct {
	files []*filemodel.File
	pos   int
}

func (it *sliceIterator) Next(ctx context.Context) bool {
	if it.pos >= len(it.files) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Current() *filemodel.File {
	if it.pos == 0 || it.pos > len(it.files) {
		return nil
	}
	return it.files[it.pos-1]
}

func (it *sliceIterator) Err() error   { return nil }
func (it *sliceIterator) Close() error { return nil }

func (s *MemoryStore) GetFiles(ctx context.Context, filter filemodel.Filter) (Iterator, error) {
	s.mu.Lock()
	files := s.snapshot(filter)
	s.mu.Unlock()
	return &sliceIterator{files: files}, nil
}

func (s *MemoryStore) GetAllFiles(ctx context.Context, filter filemodel.Filter) (Iterator, error) {
	return s.GetFiles(ctx, filter)
}

func (s *MemoryStore) GetPaginatedFiles(ctx context.Context, page, limit int, filter filemodel.Filter) (Page, error) {
	s.mu.Lock()
	files := s.snapshot(filter)
	s.mu.Unlock()

	total := int64(len(files))
	start := page * limit
	if start > len(files) {
		start = len(files)
	}
	end := start + limit
	if end > len(files) {
		end = len(files)
	}
	return Page{Files: files[start:end], Total: total}, nil
}

func (s *MemoryStore) CountFiles(ctx context.Context, filter filemodel.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, f := range s.byID {
		if Matches(f, filter) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetPrograms(ctx context.Context, filter filemodel.Filter) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, f := range s.byID {
		if Matches(f, filter) && !seen[f.ProgramID] {
			seen[f.ProgramID] = true
			out = append(out, f.ProgramID)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateReleaseProperties(ctx context.Context, objectID string, props ReleaseProperties) (*filemodel.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byObjID[objectID]
	if !ok {
		return nil, Error.Wrap(ErrNotFound)
	}
	f := s.byID[id]
	if props.EmbargoStage != nil {
		f.EmbargoStage = *props.EmbargoStage
	}
	if props.ReleaseState != nil {
		f.ReleaseState = *props.ReleaseState
	}
	if props.ClearEmbargoStart {
		f.EmbargoStart = nil
	} else if props.EmbargoStart != nil {
		t := *props.EmbargoStart
		f.EmbargoStart = &t
	}
	f.Version++
	f.UpdatedAt = time.Now()
	return cloneFile(f), nil
}

func (s *MemoryStore) UpdateAdminControls(ctx context.Context, objectID string, controls AdminControls) (*filemodel.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byObjID[objectID]
	if !ok {
		return nil, Error.Wrap(ErrNotFound)
	}
	f := s.byID[id]
	if controls.ClearAdminPromote {
		f.AdminPromote = nil
	} else if controls.AdminPromote != nil {
		v := *controls.AdminPromote
		f.AdminPromote = &v
	}
	if controls.ClearAdminDemote {
		f.AdminDemote = nil
	} else if controls.AdminDemote != nil {
		v := *controls.AdminDemote
		f.AdminDemote = &v
	}
	if controls.AdminHold != nil {
		f.AdminHold = *controls.AdminHold
	}
	if controls.ClearClinicalExemption {
		f.ClinicalExemption = nil
	} else if controls.ClinicalExemption != nil {
		v := *controls.ClinicalExemption
		f.ClinicalExemption = &v
	}
	f.Version++
	f.UpdatedAt = time.Now()
	return cloneFile(f), nil
}

func (s *MemoryStore) UpdateSongPublishStatus(ctx context.Context, objectID string, status SongPublishStatus) (*filemodel.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byObjID[objectID]
	if !ok {
		return nil, Error.Wrap(ErrNotFound)
	}
	f := s.byID[id]
	if status.Status != nil {
		f.Status = *status.Status
	}
	if status.FirstPublished != nil {
		t := *status.FirstPublished
		f.FirstPublished = &t
	}
	f.Version++
	f.UpdatedAt = time.Now()
	return cloneFile(f), nil
}

func (s *MemoryStore) UpdateBulk(ctx context.Context, filter filemodel.Filter, update BulkUpdate, returnDocuments bool) (BulkUpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result BulkUpdateResult
	for _, f := range s.byID {
		if !Matches(f, filter) {
			continue
		}
		if update.ReleaseProperties != nil {
			props := update.ReleaseProperties
			if props.EmbargoStage != nil {
				f.EmbargoStage = *props.EmbargoStage
			}
			if props.ReleaseState != nil {
				f.ReleaseState = *props.ReleaseState
			}
			if props.ClearEmbargoStart {
				f.EmbargoStart = nil
			} else if props.EmbargoStart != nil {
				t := *props.EmbargoStart
				f.EmbargoStart = &t
			}
		}
		if update.AdminControls != nil {
			c := update.AdminControls
			if c.ClearAdminPromote {
				f.AdminPromote = nil
			} else if c.AdminPromote != nil {
				v := *c.AdminPromote
				f.AdminPromote = &v
			}
			if c.ClearAdminDemote {
				f.AdminDemote = nil
			} else if c.AdminDemote != nil {
				v := *c.AdminDemote
				f.AdminDemote = &v
			}
			if c.AdminHold != nil {
				f.AdminHold = *c.AdminHold
			}
			if c.ClearClinicalExemption {
				f.ClinicalExemption = nil
			} else if c.ClinicalExemption != nil {
				v := *c.ClinicalExemption
				f.ClinicalExemption = &v
			}
		}
		f.Version++
		f.UpdatedAt = time.Now()
		result.UpdatedObjectIDs = append(result.UpdatedObjectIDs, f.ObjectID)
		if returnDocuments {
			result.Documents = append(result.Documents, cloneFile(f))
		}
	}
	return result, nil
}

func (s *MemoryStore) AddOrUpdateLabel(ctx context.Context, fileID int64, labels map[string][]string) (*filemodel.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.byID[fileID]
	if !ok {
		return nil, Error.Wrap(ErrNotFound)
	}
	merged, err := f.Labels.Merge(labels)
	if err != nil {
		return nil, Error.Wrap(ErrInvalidArgument).Wrap(err)
	}
	f.Labels = merged
	f.Version++
	f.UpdatedAt = time.Now()
	return cloneFile(f), nil
}

func (s *MemoryStore) RemoveLabel(ctx context.Context, fileID int64, keys []string) (*filemodel.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.byID[fileID]
	if !ok {
		return nil, Error.Wrap(ErrNotFound)
	}
	f.Labels = f.Labels.WithoutKeys(keys)
	f.Version++
	f.UpdatedAt = time.Now()
	return cloneFile(f), nil
}

func (s *MemoryStore) DeleteByIds(ctx context.Context, fileIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range fileIDs {
		if f, ok := s.byID[id]; ok {
			delete(s.byObjID, f.ObjectID)
			delete(s.byID, id)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[int64]*filemodel.File)
	s.byObjID = make(map[string]int64)
	s.nextID = 0
	return nil
}
