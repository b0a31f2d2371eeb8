package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
	"github.com/JakeFAU/apply-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/apply-orchestrator/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newQueue(t *testing.T) (*Queue, *memory.JobStore, *fakeClock) {
	t.Helper()
	store := memory.NewJobStore()
	clk := &fakeClock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	q, err := New(store, clk, zap.NewNop())
	require.NoError(t, err)
	return q, store, clk
}

func newJob(t *testing.T, clk apply.Clock, platform, url string) apply.Job {
	t.Helper()
	job, err := apply.NewJob(sha256.New(), clk, platform, url, nil)
	require.NoError(t, err)
	return job
}

func TestEnqueueDedup(t *testing.T) {
	t.Parallel()

	q, _, clk := newQueue(t)
	ctx := context.Background()

	first := newJob(t, clk, "lever", "https://jobs.lever.co/acme/123?utm_source=feed")
	dup := newJob(t, clk, "lever", "https://JOBS.lever.co/acme/123/#apply")
	require.Equal(t, first.ID, dup.ID)

	ok, err := q.Enqueue(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = q.Enqueue(ctx, dup)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, q.Depth())

	job, ok := q.NextFor("lever")
	require.True(t, ok)
	ok, err = q.Enqueue(ctx, dup)
	require.NoError(t, err)
	require.False(t, ok, "dispatched jobs still hold their dedup slot")

	require.NoError(t, q.Resolve(ctx, job, apply.JobStatusSucceeded, nil))
	ok, err = q.Enqueue(ctx, dup)
	require.NoError(t, err)
	require.False(t, ok, "resolved keys are rejected by the store")
}

func TestEnqueueConcurrentDedup(t *testing.T) {
	t.Parallel()

	q, _, clk := newQueue(t)
	job := newJob(t, clk, "greenhouse", "https://boards.greenhouse.io/acme/jobs/1")

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := q.Enqueue(context.Background(), job)
			if err == nil && ok {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), accepted.Load())
	require.Equal(t, 1, q.DepthFor("greenhouse"))
}

func TestNextForFIFOPerPlatform(t *testing.T) {
	t.Parallel()

	q, _, clk := newQueue(t)
	ctx := context.Background()
	urls := []string{"https://a.example/1", "https://a.example/2", "https://a.example/3"}
	for _, u := range urls {
		_, err := q.Enqueue(ctx, newJob(t, clk, "direct", u))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, newJob(t, clk, "lever", "https://b.example/1"))
	require.NoError(t, err)

	for _, u := range urls {
		job, ok := q.NextFor("direct")
		require.True(t, ok)
		require.Equal(t, u, job.URL)
		require.Equal(t, apply.JobStatusDispatched, job.Status)
	}
	_, ok := q.NextFor("direct")
	require.False(t, ok)
	_, ok = q.NextFor("unknown")
	require.False(t, ok)
	require.Equal(t, map[string]int{"direct": 0, "lever": 1}, q.Depths())
	require.Equal(t, []string{"direct", "lever"}, q.Platforms())
}

func TestRequeueHonorsNotBefore(t *testing.T) {
	t.Parallel()

	q, store, clk := newQueue(t)
	ctx := context.Background()
	a := newJob(t, clk, "lever", "https://a.example/1")
	b := newJob(t, clk, "lever", "https://a.example/2")
	_, _ = q.Enqueue(ctx, a)
	_, _ = q.Enqueue(ctx, b)

	got, ok := q.NextFor("lever")
	require.True(t, ok)
	require.Equal(t, a.ID, got.ID)

	requeued, err := q.Requeue(ctx, got, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, requeued.RetryCount)

	persisted, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, 1, persisted.RetryCount)
	require.Equal(t, clk.Now().Add(time.Minute), persisted.NotBefore)

	got, ok = q.NextFor("lever")
	require.True(t, ok)
	require.Equal(t, b.ID, got.ID)
	_, ok = q.NextFor("lever")
	require.False(t, ok, "backed-off job must wait")

	clk.Advance(time.Minute)
	got, ok = q.NextFor("lever")
	require.True(t, ok)
	require.Equal(t, a.ID, got.ID)
	require.Equal(t, 1, got.RetryCount)
}

func TestReturnGoesToHeadWithoutRetry(t *testing.T) {
	t.Parallel()

	q, _, clk := newQueue(t)
	ctx := context.Background()
	a := newJob(t, clk, "lever", "https://a.example/1")
	b := newJob(t, clk, "lever", "https://a.example/2")
	_, _ = q.Enqueue(ctx, a)
	_, _ = q.Enqueue(ctx, b)

	got, _ := q.NextFor("lever")
	q.Return(ctx, got)

	again, ok := q.NextFor("lever")
	require.True(t, ok)
	require.Equal(t, a.ID, again.ID)
	require.Zero(t, again.RetryCount)
}

func TestResolveRemovesWaitingJob(t *testing.T) {
	t.Parallel()

	q, store, clk := newQueue(t)
	ctx := context.Background()
	a := newJob(t, clk, "lever", "https://a.example/1")
	_, _ = q.Enqueue(ctx, a)

	rec := &apply.ErrorRecord{Category: apply.CategoryFormError}
	require.NoError(t, q.Resolve(ctx, a, apply.JobStatusAborted, rec))
	require.Zero(t, q.Depth())
	persisted, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, apply.JobStatusAborted, persisted.Status)
}

func TestEvictStale(t *testing.T) {
	t.Parallel()

	q, store, clk := newQueue(t)
	ctx := context.Background()
	retried := newJob(t, clk, "direct", "https://a.example/retried")
	stale := newJob(t, clk, "direct", "https://a.example/stale")
	_, _ = q.Enqueue(ctx, retried)
	_, _ = q.Enqueue(ctx, stale)
	got, _ := q.NextFor("direct")
	require.Equal(t, retried.ID, got.ID)
	_, err := q.Requeue(ctx, got, 0)
	require.NoError(t, err)

	clk.Advance(8 * 24 * time.Hour)
	fresh := newJob(t, clk, "lever", "https://a.example/fresh")
	_, _ = q.Enqueue(ctx, fresh)

	n, err := q.EvictStale(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, q.DepthFor("direct"))
	require.Equal(t, 1, q.DepthFor("lever"))

	_, err = store.Get(ctx, stale.ID)
	require.ErrorIs(t, err, apply.ErrNotFound)
	_, err = store.Get(ctx, retried.ID)
	require.NoError(t, err)

	ok, err := q.Enqueue(ctx, stale)
	require.NoError(t, err)
	require.True(t, ok, "evicted jobs may be rediscovered")
}

func TestEvictStaleSparesDispatchedJobs(t *testing.T) {
	t.Parallel()

	q, store, clk := newQueue(t)
	ctx := context.Background()
	job := newJob(t, clk, "lever", "https://jobs.lever.co/acme/9")
	ok, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(8 * 24 * time.Hour)
	working, ok := q.NextFor("lever")
	require.True(t, ok)

	n, err := q.EvictStale(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = store.Get(ctx, job.ID)
	require.NoError(t, err, "row of a job out with a worker survives the sweep")

	require.NoError(t, q.Resolve(ctx, working, apply.JobStatusSucceeded, nil))
	persisted, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, apply.JobStatusSucceeded, persisted.Status)

	again, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	require.False(t, again, "a resolved URL is not applied to twice")
}

func TestLoadRestoresUnresolvedOnce(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	clk := &fakeClock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	before, err := New(store, clk, nil)
	require.NoError(t, err)
	a := newJob(t, clk, "lever", "https://a.example/1")
	b := newJob(t, clk, "lever", "https://a.example/2")
	c := newJob(t, clk, "lever", "https://a.example/3")
	for _, j := range []apply.Job{a, b, c} {
		_, err := before.Enqueue(ctx, j)
		require.NoError(t, err)
		clk.Advance(time.Second)
	}
	done, _ := before.NextFor("lever")
	require.NoError(t, before.Resolve(ctx, done, apply.JobStatusSucceeded, nil))
	_, _ = before.NextFor("lever")

	after, err := New(store, clk, nil)
	require.NoError(t, err)
	n, err := after.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = after.Load(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	pending := after.Pending("lever")
	require.Len(t, pending, 2)
	require.Equal(t, b.ID, pending[0].ID)
	require.Equal(t, c.ID, pending[1].ID)
	require.Equal(t, apply.JobStatusPending, pending[0].Status)
}

type failingStore struct {
	*memory.JobStore
}

func (failingStore) Insert(context.Context, apply.Job) (bool, error) {
	return false, errors.New("disk full")
}

func TestEnqueueStoreErrorFreesSlot(t *testing.T) {
	t.Parallel()

	q, err := New(failingStore{memory.NewJobStore()}, nil, nil)
	require.NoError(t, err)
	job := apply.Job{ID: "x", Platform: "lever"}
	_, err = q.Enqueue(context.Background(), job)
	require.ErrorContains(t, err, "disk full")
	_, err = q.Enqueue(context.Background(), job)
	require.ErrorContains(t, err, "disk full", "slot must be released after a failed insert")

	_, err = q.Enqueue(context.Background(), apply.Job{ID: "y"})
	require.Error(t, err)
}
