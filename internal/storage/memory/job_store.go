// Package memory keeps jobs, dead letters and artifacts in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
)

// JobStore implements apply.Store for development and tests.
type JobStore struct {
	mu          sync.RWMutex
	jobs        map[string]apply.Job
	deadLetters []apply.DeadLetter
	deadIndex   map[string]struct{}
	platforms   map[string]apply.PlatformState
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:      make(map[string]apply.Job),
		deadIndex: make(map[string]struct{}),
		platforms: make(map[string]apply.PlatformState),
	}
}

// Insert stores a job unless its ID has been seen before.
func (s *JobStore) Insert(_ context.Context, job apply.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return false, nil
	}
	s.jobs[job.ID] = cloneJob(job)
	return true, nil
}

// UpdateStatus sets the status of a job.
func (s *JobStore) UpdateStatus(_ context.Context, jobID string, status apply.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, apply.ErrNotFound)
	}
	job.Status = status
	s.jobs[jobID] = job
	return nil
}

// UpdateRetry records a retry and the earliest time the job may run again.
func (s *JobStore) UpdateRetry(_ context.Context, jobID string, retryCount int, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, apply.ErrNotFound)
	}
	job.RetryCount = retryCount
	job.NotBefore = notBefore
	job.Status = apply.JobStatusPending
	s.jobs[jobID] = job
	return nil
}

// LoadUnresolved returns pending and dispatched jobs oldest first.
func (s *JobStore) LoadUnresolved(_ context.Context) ([]apply.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]apply.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job.Status.Resolved() {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteStale drops never-retried pending jobs created before cutoff, except keep.
func (s *JobStore) DeleteStale(_ context.Context, cutoff time.Time, keep []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	skip := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		skip[id] = struct{}{}
	}
	var n int64
	for id, job := range s.jobs {
		if _, ok := skip[id]; ok {
			continue
		}
		if job.Status == apply.JobStatusPending && job.RetryCount == 0 && job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// Get returns a job by ID.
func (s *JobStore) Get(_ context.Context, jobID string) (apply.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return apply.Job{}, fmt.Errorf("job %s: %w", jobID, apply.ErrNotFound)
	}
	return cloneJob(job), nil
}

// AddDeadLetter appends entry once per job.
func (s *JobStore) AddDeadLetter(_ context.Context, entry apply.DeadLetter) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deadIndex[entry.Job.ID]; exists {
		return false, nil
	}
	s.deadIndex[entry.Job.ID] = struct{}{}
	entry.Job = cloneJob(entry.Job)
	s.deadLetters = append(s.deadLetters, entry)
	return true, nil
}

// ListDeadLetters returns the newest entries first. limit <= 0 returns all.
func (s *JobStore) ListDeadLetters(_ context.Context, limit int) ([]apply.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.deadLetters)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]apply.DeadLetter, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.deadLetters[i]
		entry.Job = cloneJob(entry.Job)
		out = append(out, entry)
	}
	return out, nil
}

// CountDeadLetters returns the number of dead-lettered jobs.
func (s *JobStore) CountDeadLetters(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deadLetters), nil
}

// Close is a no-op.
func (s *JobStore) Close() error { return nil }

func cloneJob(job apply.Job) apply.Job {
	if job.Payload != nil {
		payload := make(map[string]string, len(job.Payload))
		for k, v := range job.Payload {
			payload[k] = v
		}
		job.Payload = payload
	}
	return job
}

// LoadPlatformStates returns the stored balancer rows ordered by platform.
func (s *JobStore) LoadPlatformStates(_ context.Context) ([]apply.PlatformState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]apply.PlatformState, 0, len(s.platforms))
	for _, st := range s.platforms {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}

// SavePlatformState replaces the row for state.Platform.
func (s *JobStore) SavePlatformState(_ context.Context, state apply.PlatformState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.platforms[state.Platform] = state
	return nil
}
