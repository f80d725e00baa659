package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/vidscope/internal/model"
)

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with a mutex-guarded map. Records are copied
// on the way in and on the way out, so a reader never observes a record that
// is being written.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*model.Job)}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// CreateJob inserts a new job record.
func (s *MemoryStore) CreateJob(_ context.Context, j *model.Job) error {
	if err := checkCreate(j); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return ErrAlreadyExists
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

// GetJob retrieves a snapshot of a job by ID.
func (s *MemoryStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

// ListJobs returns a page of jobs ordered by created_at DESC, along with the
// total count of all jobs.
func (s *MemoryStore) ListJobs(_ context.Context, limit, offset int) ([]*model.Job, int, error) {
	s.mu.RLock()
	all := make([]*model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		all = append(all, j.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(a, b int) bool {
		if all[a].CreatedAt.Equal(all[b].CreatedAt) {
			return all[a].ID > all[b].ID
		}
		return all[a].CreatedAt.After(all[b].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

// MarkRunning transitions a pending job to running and records started_at.
func (s *MemoryStore) MarkRunning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !model.ValidTransition(j.Status, model.StatusRunning) {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	j.Status = model.StatusRunning
	j.StartedAt = &now
	return nil
}

// UpdateProgress records a new progress value for a non-terminal job.
func (s *MemoryStore) UpdateProgress(_ context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	apply, err := checkProgress(j, progress)
	if err != nil {
		return err
	}
	if apply {
		j.Progress = progress
	}
	return nil
}

// SetTerminal writes the job's final outcome.
func (s *MemoryStore) SetTerminal(_ context.Context, id string, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if err := checkOutcome(j, o); err != nil {
		return err
	}
	now := time.Now().UTC()
	j.Status = o.Status
	j.FinishedAt = &now
	if o.Status == model.StatusCompleted {
		j.Progress = model.ProgressMax
		j.Results = model.CloneVariants(o.Results)
	} else {
		j.Error = o.Error
	}
	return nil
}

// DeleteJob removes a job. Deleting an absent job is not an error.
func (s *MemoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// GetJobStats returns aggregate statistics over all jobs.
func (s *MemoryStore) GetJobStats(_ context.Context) (*JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &JobStats{Total: len(s.jobs), CountByStatus: make(map[string]int)}
	var sum time.Duration
	var n int
	for _, j := range s.jobs {
		stats.CountByStatus[j.Status]++
		if j.StartedAt != nil && j.FinishedAt != nil {
			sum += j.FinishedAt.Sub(*j.StartedAt)
			n++
		}
	}
	if n > 0 {
		stats.AvgDurationMS = float64(sum.Milliseconds()) / float64(n)
	}
	return stats, nil
}
