package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"shopfloor/internal/types"
)

// JobStore records job lifecycles. MarkRunning is the single-flight point:
// it must atomically move a pending record to running and report false if
// the record was in any other state.
type JobStore interface {
	Create(ctx context.Context, job *types.JobRecord) error
	Get(ctx context.Context, id string) (*types.JobRecord, error)
	MarkRunning(ctx context.Context, id string, at time.Time) (bool, error)
	Save(ctx context.Context, job *types.JobRecord) error
	ListUnfinished(ctx context.Context) ([]*types.JobRecord, error)
}

// MemoryStore is an in-process JobStore. It holds non-persisted jobs and
// stands in for the database in tests and single-binary setups.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*types.JobRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*types.JobRecord)}
}

func (s *MemoryStore) Create(_ context.Context, job *types.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return types.NewAppError(types.ErrCodeConflictJobState, "job already exists", nil)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*types.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) MarkRunning(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != types.JobPending {
		return false, nil
	}
	job.Status = types.JobRunning
	job.StartedAt = &at
	return true, nil
}

func (s *MemoryStore) Save(_ context.Context, job *types.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) ListUnfinished(_ context.Context) ([]*types.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.JobRecord
	for _, job := range s.jobs {
		if job.Status == types.JobPending || job.Status == types.JobRunning {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out, nil
}

func cloneJob(j *types.JobRecord) *types.JobRecord {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	return &cp
}
