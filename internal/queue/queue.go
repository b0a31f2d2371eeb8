// Package queue holds pending jobs in per-platform FIFOs backed by a JobStore.
//
// Every unresolved job occupies one slot in the dedup index from the moment it is
// enqueued until it is resolved, whether it is waiting in a FIFO or dispatched to a
// worker. The store is written through on enqueue, retry and resolution so a restart
// can rebuild the FIFOs with Load.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
	"github.com/JakeFAU/apply-orchestrator/internal/clock/system"
)

type slot struct {
	// elem is nil while the job is being inserted or is out with a worker.
	elem     *list.Element
	platform string
}

// Queue is safe for concurrent use.
type Queue struct {
	store  apply.JobStore
	clock  apply.Clock
	logger *zap.Logger

	mu     sync.Mutex
	fifos  map[string]*list.List
	index  map[string]*slot
	loaded bool
}

// New builds a Queue over store. clock may be nil.
func New(store apply.JobStore, clock apply.Clock, logger *zap.Logger) (*Queue, error) {
	if store == nil {
		return nil, errors.New("job store is required")
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:  store,
		clock:  clock,
		logger: logger.Named("queue"),
		fifos:  make(map[string]*list.List),
		index:  make(map[string]*slot),
	}, nil
}

// Enqueue appends job to its platform's FIFO. It returns false when the dedup key is
// already unresolved in memory or known to the store.
func (q *Queue) Enqueue(ctx context.Context, job apply.Job) (bool, error) {
	if job.ID == "" || job.Platform == "" {
		return false, errors.New("job id and platform are required")
	}
	q.mu.Lock()
	if _, dup := q.index[job.ID]; dup {
		q.mu.Unlock()
		return false, nil
	}
	q.index[job.ID] = &slot{platform: job.Platform}
	q.mu.Unlock()

	job.Status = apply.JobStatusPending
	inserted, err := q.store.Insert(ctx, job)
	if err != nil || !inserted {
		q.mu.Lock()
		delete(q.index, job.ID)
		q.mu.Unlock()
		if err != nil {
			return false, fmt.Errorf("insert job: %w", err)
		}
		return false, nil
	}

	q.mu.Lock()
	q.pushBackLocked(job)
	q.mu.Unlock()
	return true, nil
}

// NextFor pops the oldest eligible job for platform. Jobs whose NotBefore lies in the
// future are skipped without losing their position.
func (q *Queue) NextFor(platform string) (apply.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fifo := q.fifos[platform]
	if fifo == nil {
		return apply.Job{}, false
	}
	now := q.clock.Now()
	for e := fifo.Front(); e != nil; e = e.Next() {
		job := e.Value.(apply.Job)
		if !job.NotBefore.IsZero() && job.NotBefore.After(now) {
			continue
		}
		fifo.Remove(e)
		if s, ok := q.index[job.ID]; ok {
			s.elem = nil
		}
		job.Status = apply.JobStatusDispatched
		return job, true
	}
	return apply.Job{}, false
}

// Requeue puts a failed job at the tail with its retry count incremented and a
// not-before of now+delay, and persists both.
func (q *Queue) Requeue(ctx context.Context, job apply.Job, delay time.Duration) (apply.Job, error) {
	job.RetryCount++
	job.NotBefore = q.clock.Now().Add(delay)
	job.Status = apply.JobStatusPending

	q.mu.Lock()
	q.pushBackLocked(job)
	q.mu.Unlock()

	if err := q.store.UpdateRetry(ctx, job.ID, job.RetryCount, job.NotBefore); err != nil {
		return job, fmt.Errorf("persist retry: %w", err)
	}
	return job, nil
}

// Return puts a dispatched job back at the head of its FIFO without counting a retry.
// It is used when a job never reached an executor.
func (q *Queue) Return(_ context.Context, job apply.Job) {
	job.Status = apply.JobStatusPending
	q.mu.Lock()
	defer q.mu.Unlock()
	fifo := q.fifoLocked(job.Platform)
	q.index[job.ID] = &slot{elem: fifo.PushFront(job), platform: job.Platform}
}

// Resolve releases the dedup slot and records the terminal status.
func (q *Queue) Resolve(ctx context.Context, job apply.Job, status apply.JobStatus, rec *apply.ErrorRecord) error {
	q.mu.Lock()
	if s, ok := q.index[job.ID]; ok {
		if s.elem != nil {
			q.fifos[s.platform].Remove(s.elem)
		}
		delete(q.index, job.ID)
	}
	q.mu.Unlock()

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("platform", job.Platform),
		zap.String("status", string(status)),
	}
	if rec != nil {
		fields = append(fields, zap.String("category", string(rec.Category)))
	}
	q.logger.Debug("job resolved", fields...)

	if err := q.store.UpdateStatus(ctx, job.ID, status); err != nil {
		return fmt.Errorf("persist status: %w", err)
	}
	return nil
}

// EvictStale drops waiting jobs that were never retried and are older than olderThan,
// in memory and in the store. Jobs out with a worker are never touched. It returns the
// number evicted from memory.
func (q *Queue) EvictStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.clock.Now().Add(-olderThan)
	evicted := 0
	q.mu.Lock()
	var inFlight []string
	for id, s := range q.index {
		if s.elem == nil {
			inFlight = append(inFlight, id)
		}
	}
	for _, fifo := range q.fifos {
		for e := fifo.Front(); e != nil; {
			next := e.Next()
			job := e.Value.(apply.Job)
			if job.RetryCount == 0 && job.CreatedAt.Before(cutoff) {
				fifo.Remove(e)
				delete(q.index, job.ID)
				evicted++
			}
			e = next
		}
	}
	q.mu.Unlock()

	deleted, err := q.store.DeleteStale(ctx, cutoff, inFlight)
	if err != nil {
		return evicted, fmt.Errorf("delete stale jobs: %w", err)
	}
	if evicted > 0 || deleted > 0 {
		q.logger.Info("stale jobs evicted",
			zap.Int("memory", evicted),
			zap.Int64("store", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return evicted, nil
}

// Load rebuilds the FIFOs from the store's unresolved jobs. Only the first call reads
// the store; later calls return 0.
func (q *Queue) Load(ctx context.Context) (int, error) {
	q.mu.Lock()
	if q.loaded {
		q.mu.Unlock()
		return 0, nil
	}
	q.mu.Unlock()

	jobs, err := q.store.LoadUnresolved(ctx)
	if err != nil {
		return 0, fmt.Errorf("load unresolved jobs: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.loaded {
		return 0, nil
	}
	q.loaded = true
	n := 0
	for _, job := range jobs {
		if _, dup := q.index[job.ID]; dup {
			continue
		}
		job.Status = apply.JobStatusPending
		q.pushBackLocked(job)
		n++
	}
	return n, nil
}

// Depth is the number of jobs waiting across all platforms.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, fifo := range q.fifos {
		n += fifo.Len()
	}
	return n
}

// DepthFor is the number of jobs waiting for platform.
func (q *Queue) DepthFor(platform string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if fifo := q.fifos[platform]; fifo != nil {
		return fifo.Len()
	}
	return 0
}

// Depths reports waiting jobs per platform.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.fifos))
	for name, fifo := range q.fifos {
		out[name] = fifo.Len()
	}
	return out
}

// Pending lists waiting jobs for platform in dispatch order.
func (q *Queue) Pending(platform string) []apply.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	fifo := q.fifos[platform]
	if fifo == nil {
		return nil
	}
	out := make([]apply.Job, 0, fifo.Len())
	for e := fifo.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(apply.Job))
	}
	return out
}

// Platforms lists platforms that have ever had a job, sorted.
func (q *Queue) Platforms() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.fifos))
	for name := range q.fifos {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (q *Queue) fifoLocked(platform string) *list.List {
	fifo := q.fifos[platform]
	if fifo == nil {
		fifo = list.New()
		q.fifos[platform] = fifo
	}
	return fifo
}

func (q *Queue) pushBackLocked(job apply.Job) {
	fifo := q.fifoLocked(job.Platform)
	q.index[job.ID] = &slot{elem: fifo.PushBack(job), platform: job.Platform}
}
