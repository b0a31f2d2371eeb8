package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
	"github.com/JakeFAU/apply-orchestrator/internal/balancer"
	"github.com/JakeFAU/apply-orchestrator/internal/events"
	eventsmemory "github.com/JakeFAU/apply-orchestrator/internal/events/memory"
	"github.com/JakeFAU/apply-orchestrator/internal/executor"
	"github.com/JakeFAU/apply-orchestrator/internal/proxy"
	"github.com/JakeFAU/apply-orchestrator/internal/queue"
	"github.com/JakeFAU/apply-orchestrator/internal/resilience"
	"github.com/JakeFAU/apply-orchestrator/internal/session"
	"github.com/JakeFAU/apply-orchestrator/internal/sessionstate"
	"github.com/JakeFAU/apply-orchestrator/internal/storage/memory"
)

type fakeHandle struct {
	proxy  string
	closed atomic.Bool
}

func (h *fakeHandle) Context() context.Context { return context.Background() }
func (h *fakeHandle) Proxy() string            { return h.proxy }
func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	return nil
}

type fakeLauncher struct {
	fail bool
}

func (l *fakeLauncher) Launch(_ context.Context, proxyURL string) (session.Handle, error) {
	if l.fail {
		return nil, errors.New("no browser available")
	}
	return &fakeHandle{proxy: proxyURL}, nil
}

type fakeProxies struct {
	mu        sync.Mutex
	succeeded []string
	failed    []string
}

func (p *fakeProxies) MarkSuccess(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.succeeded = append(p.succeeded, address)
}

func (p *fakeProxies) MarkFailed(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, address)
}

func (p *fakeProxies) failures() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.failed...)
}

type fakeAuth struct {
	mu          sync.Mutex
	state       *sessionstate.State
	invalidated []string
}

func (a *fakeAuth) Load(context.Context, string) (*sessionstate.State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, nil
}

func (a *fakeAuth) Invalidate(_ context.Context, platform string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invalidated = append(a.invalidated, platform)
	a.state = nil
	return nil
}

func (a *fakeAuth) invalidations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.invalidated...)
}

type harness struct {
	store    *memory.JobStore
	queue    *queue.Queue
	balancer *balancer.Balancer
	pool     *session.Pool
	handler  *resilience.Handler
	events   *eventsmemory.Publisher
	blobs    *memory.BlobStore
}

type harnessOptions struct {
	platforms   []balancer.PlatformConfig
	maxSessions int
	maxRetries  int
	launcher    session.Launcher
	proxies     session.ProxySource
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.maxSessions == 0 {
		opts.maxSessions = 2
	}
	if opts.launcher == nil {
		opts.launcher = &fakeLauncher{}
	}
	store := memory.NewJobStore()
	q, err := queue.New(store, nil, zap.NewNop())
	require.NoError(t, err)
	bal, err := balancer.New(balancer.Config{Platforms: opts.platforms, Seed: 7}, q, zap.NewNop())
	require.NoError(t, err)
	pool, err := session.NewPool(session.Config{
		MaxSessions:           opts.maxSessions,
		MaxRequestsPerSession: 100,
		AcquireTimeout:        time.Second,
	}, opts.launcher, opts.proxies, zap.NewNop())
	require.NoError(t, err)
	handler, err := resilience.NewHandler(resilience.Config{
		MaxRetriesPerJob: opts.maxRetries,
		Breaker:          resilience.BreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute, HalfOpen: true},
		Backoff:          resilience.BackoffConfig{Base: time.Millisecond, Max: 2 * time.Millisecond},
	}, nil, resilience.NewDeadLetters(store), nil, nil, zap.NewNop())
	require.NoError(t, err)
	return &harness{
		store:    store,
		queue:    q,
		balancer: bal,
		pool:     pool,
		handler:  handler,
		events:   eventsmemory.New(0),
		blobs:    memory.NewBlobStore(),
	}
}

func (h *harness) deps(exec executor.Executor) Deps {
	return Deps{
		Pool:      h.pool,
		Balancer:  h.balancer,
		Queue:     h.queue,
		Errors:    h.handler,
		Executor:  exec,
		Events:    h.events,
		Artifacts: h.blobs,
	}
}

func (h *harness) enqueue(t *testing.T, platform string, n int) []apply.Job {
	t.Helper()
	jobs := make([]apply.Job, 0, n)
	for i := range n {
		job := apply.Job{
			ID:        fmt.Sprintf("%s-%d", platform, i),
			Platform:  platform,
			URL:       fmt.Sprintf("https://%s.example.com/jobs/%d", platform, i),
			CreatedAt: time.Now(),
			Status:    apply.JobStatusPending,
		}
		ok, err := h.queue.Enqueue(context.Background(), job)
		require.NoError(t, err)
		require.True(t, ok)
		jobs = append(jobs, job)
	}
	return jobs
}

func fastConfig(workers int) Config {
	return Config{
		Workers:         workers,
		IdleBackoff:     2 * time.Millisecond,
		QuotaBackoff:    2 * time.Millisecond,
		JobTimeout:      time.Second,
		AcquireTimeout:  time.Second,
		DrainTimeout:    time.Second,
		StatsInterval:   10 * time.Millisecond,
		OutcomeTopic:    "outcomes",
		DeadLetterTopic: "dead-letters",
	}
}

func succeed(context.Context, *session.Session, apply.Job) apply.Outcome {
	return apply.Outcome{Success: true}
}

func stop(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{platforms: []balancer.PlatformConfig{{Name: "a", DailyQuota: 1, Weight: 1}}})
	deps := h.deps(executor.Func(succeed))

	missing := deps
	missing.Executor = nil
	_, err := New(Config{}, missing, nil)
	require.Error(t, err)

	_, err = New(Config{DailyResetCron: "not a cron"}, deps, nil)
	require.Error(t, err)

	o, err := New(Config{}, deps, nil)
	require.NoError(t, err)
	require.Equal(t, 1, o.cfg.Workers)
	require.Equal(t, "0 0 * * *", o.cfg.DailyResetCron)
}

func TestHappyPathExhaustsQuota(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{platforms: []balancer.PlatformConfig{{Name: "a", DailyQuota: 5, Weight: 1}}})
	h.enqueue(t, "a", 7)

	o, err := New(fastConfig(1), h.deps(executor.Func(succeed)), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	require.ErrorIs(t, o.Start(context.Background()), ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		p, _ := h.balancer.Platform("a")
		return p.RemainingQuota == 0
	}, 2*time.Second, 5*time.Millisecond)

	_, ok := h.balancer.NextPlatform()
	require.False(t, ok, "exhausted platform must not be selected")

	stop(t, o)
	st := o.Stats(context.Background())
	require.False(t, st.Running)
	require.EqualValues(t, 5, st.Submitted)
	require.Equal(t, 2, st.QueueDepth)
	require.Equal(t, 0, h.pool.Stats().InUse)

	var outcomes int
	for _, m := range h.events.Records() {
		ev := m.Event
		require.Equal(t, "outcomes", m.Topic)
		require.Equal(t, apply.JobStatusSucceeded, ev.Status)
		outcomes++
	}
	require.Equal(t, 5, outcomes)

	o.ResetDaily()
	p, _ := h.balancer.Platform("a")
	require.Equal(t, 5, p.RemainingQuota)
}

func TestGracefulShutdownReturnsInFlightJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{
		platforms:   []balancer.PlatformConfig{{Name: "a", DailyQuota: 10, Weight: 1}},
		maxSessions: 3,
	})
	h.enqueue(t, "a", 3)

	var started atomic.Int32
	block := executor.Func(func(ctx context.Context, _ *session.Session, _ apply.Job) apply.Outcome {
		started.Add(1)
		<-ctx.Done()
		return apply.Outcome{Err: ctx.Err()}
	})
	cfg := fastConfig(3)
	cfg.DrainTimeout = 20 * time.Millisecond
	o, err := New(cfg, h.deps(block), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))

	require.Eventually(t, func() bool { return started.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	stop(t, o)

	st := o.Stats(context.Background())
	require.EqualValues(t, 3, st.Interrupted)
	require.Zero(t, st.Failed)
	require.Equal(t, 3, h.queue.Depth(), "interrupted jobs go back to the queue")
	for _, job := range h.queue.Pending("a") {
		require.Zero(t, job.RetryCount)
	}
	pool := h.pool.Stats()
	require.Zero(t, pool.InUse)
	require.Zero(t, pool.Idle)

	unresolved, err := h.store.LoadUnresolved(context.Background())
	require.NoError(t, err)
	require.Len(t, unresolved, 3)
}

func TestGracefulShutdownLetsJobsFinish(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{
		platforms:   []balancer.PlatformConfig{{Name: "a", DailyQuota: 10, Weight: 1}},
		maxSessions: 3,
	})
	h.enqueue(t, "a", 3)

	var started atomic.Int32
	release := make(chan struct{})
	slow := executor.Func(func(context.Context, *session.Session, apply.Job) apply.Outcome {
		started.Add(1)
		<-release
		return apply.Outcome{Success: true}
	})
	cfg := fastConfig(3)
	cfg.DrainTimeout = 5 * time.Second
	o, err := New(cfg, h.deps(slow), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	require.Eventually(t, func() bool { return started.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stopped <- o.Stop(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, <-stopped)

	st := o.Stats(context.Background())
	require.EqualValues(t, 3, st.Submitted)
	require.Zero(t, st.Interrupted)
	require.Zero(t, h.queue.Depth())
	require.Zero(t, h.pool.Stats().InUse)
}

func TestRetryExhaustionDeadLettersOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{
		platforms:  []balancer.PlatformConfig{{Name: "a", DailyQuota: 100, Weight: 1}},
		maxRetries: 2,
	})
	jobs := h.enqueue(t, "a", 1)

	var calls atomic.Int32
	refused := executor.Func(func(context.Context, *session.Session, apply.Job) apply.Outcome {
		calls.Add(1)
		return apply.Outcome{Err: errors.New("dial tcp 10.0.0.1:443: connection refused")}
	})
	o, err := New(fastConfig(1), h.deps(refused), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))

	require.Eventually(t, func() bool {
		n, _ := h.store.CountDeadLetters(context.Background())
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	stop(t, o)

	require.EqualValues(t, 3, calls.Load(), "initial attempt plus two retries")
	st := o.Stats(context.Background())
	require.EqualValues(t, 2, st.Retried)
	require.EqualValues(t, 1, st.DeadLettered)
	require.EqualValues(t, 3, st.Failed)
	require.Equal(t, 1, st.DeadLetters)
	require.Zero(t, st.QueueDepth)

	got, err := h.store.Get(context.Background(), jobs[0].ID)
	require.NoError(t, err)
	require.Equal(t, apply.JobStatusDead, got.Status)

	var deadEvents int
	for _, m := range h.events.Records() {
		if m.Topic == "dead-letters" {
			deadEvents++
			require.Equal(t, events.TypeDeadLetter, m.Event.Type)
		}
	}
	require.Equal(t, 1, deadEvents)
}

func TestStartFailsWithoutSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{
		platforms: []balancer.PlatformConfig{{Name: "a", DailyQuota: 1, Weight: 1}},
		launcher:  &fakeLauncher{fail: true},
	})
	o, err := New(fastConfig(1), h.deps(executor.Func(succeed)), zap.NewNop())
	require.NoError(t, err)
	require.Error(t, o.Start(context.Background()))
	require.False(t, o.Running())
	require.NoError(t, o.Stop(context.Background()))
}

func TestAuthFailureSkipsAndInvalidatesState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{platforms: []balancer.PlatformConfig{{Name: "a", DailyQuota: 10, Weight: 1}}})
	jobs := h.enqueue(t, "a", 1)

	auth := &fakeAuth{state: &sessionstate.State{Platform: "a", Headers: map[string]string{"Authorization": "Bearer x"}}}
	var sawAuth atomic.Bool
	exec := executor.Func(func(ctx context.Context, _ *session.Session, _ apply.Job) apply.Outcome {
		if st := executor.AuthFrom(ctx); st != nil && st.Platform == "a" {
			sawAuth.Store(true)
		}
		return apply.Outcome{Err: &apply.TaskError{Category: apply.CategoryAuth, Msg: "login required"}}
	})
	deps := h.deps(exec)
	deps.Auth = auth
	o, err := New(fastConfig(1), deps, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))

	require.Eventually(t, func() bool { return len(auth.invalidations()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop(t, o)

	require.True(t, sawAuth.Load())
	st := o.Stats(context.Background())
	require.EqualValues(t, 1, st.Skipped)
	got, err := h.store.Get(context.Background(), jobs[0].ID)
	require.NoError(t, err)
	require.Equal(t, apply.JobStatusSkipped, got.Status)
}

func TestNetworkFailureBlamesProxyAndArtifactsAreStored(t *testing.T) {
	t.Parallel()

	ep, err := proxy.ParseEndpoint("http://user:pw@10.1.1.1:3128")
	require.NoError(t, err)
	h := newHarness(t, harnessOptions{
		platforms: []balancer.PlatformConfig{{Name: "a", DailyQuota: 10, Weight: 1}},
		proxies:   proxy.NewManager([]proxy.Endpoint{ep}, proxy.Config{}, nil),
	})
	jobs := h.enqueue(t, "a", 1)

	exec := executor.Func(func(context.Context, *session.Session, apply.Job) apply.Outcome {
		return apply.Outcome{
			Err:       errors.New("connection reset by peer"),
			Artifacts: []apply.Artifact{{Name: "../final.png", ContentType: "image/png", Data: []byte("png")}},
		}
	})
	feedback := &fakeProxies{}
	deps := h.deps(exec)
	deps.Proxies = feedback
	o, err := New(fastConfig(1), deps, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))

	require.Eventually(t, func() bool { return len(feedback.failures()) >= 1 }, 2*time.Second, 5*time.Millisecond)
	stop(t, o)

	require.Equal(t, ep.Address(), feedback.failures()[0])
	paths := h.blobs.Paths()
	require.NotEmpty(t, paths)
	require.Contains(t, paths[0], "a/")
	require.Contains(t, paths[0], jobs[0].ID+"/final.png")
}

func TestDailyFailureLimitPausesWorkers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{platforms: []balancer.PlatformConfig{{Name: "a", DailyQuota: 10, Weight: 1}}})
	h.enqueue(t, "a", 3)

	var calls atomic.Int32
	exec := executor.Func(func(context.Context, *session.Session, apply.Job) apply.Outcome {
		calls.Add(1)
		return apply.Outcome{Err: &apply.TaskError{Category: apply.CategoryFormError, Msg: "invalid phone"}}
	})
	cfg := fastConfig(1)
	cfg.MaxDailyFailures = 1
	cfg.FailureCooldown = time.Hour
	o, err := New(cfg, h.deps(exec), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
	stop(t, o)

	st := o.Stats(context.Background())
	require.EqualValues(t, 1, st.Aborted)
	require.EqualValues(t, 1, st.DailyFailures)
	require.Equal(t, 2, st.QueueDepth)
}

func TestDelayBounds(t *testing.T) {
	t.Parallel()

	o := &Orchestrator{cfg: Config{MinDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond}}
	for range 200 {
		d := o.delay()
		require.GreaterOrEqual(t, d, 10*time.Millisecond)
		require.LessOrEqual(t, d, 20*time.Millisecond)
	}
	o.cfg.MaxDelay = 0
	require.Equal(t, 10*time.Millisecond, o.delay())
}
