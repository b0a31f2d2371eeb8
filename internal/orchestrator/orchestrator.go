// Package orchestrator runs the worker pool that turns queued jobs into executor calls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
	"github.com/JakeFAU/apply-orchestrator/internal/balancer"
	"github.com/JakeFAU/apply-orchestrator/internal/captcha"
	"github.com/JakeFAU/apply-orchestrator/internal/clock/system"
	"github.com/JakeFAU/apply-orchestrator/internal/executor"
	"github.com/JakeFAU/apply-orchestrator/internal/queue"
	"github.com/JakeFAU/apply-orchestrator/internal/resilience"
	"github.com/JakeFAU/apply-orchestrator/internal/session"
	"github.com/JakeFAU/apply-orchestrator/internal/sessionstate"
)

// ErrAlreadyRunning is returned by Start on a running orchestrator.
var ErrAlreadyRunning = errors.New("orchestrator already running")

// Config controls worker pacing, backoff and shutdown.
type Config struct {
	Workers int
	// MinDelay and MaxDelay bound the randomized pause after every dispatched job.
	MinDelay time.Duration
	MaxDelay time.Duration
	// MaxDailyFailures pauses all workers for FailureCooldown once reached. Zero disables it.
	MaxDailyFailures int
	FailureCooldown  time.Duration
	IdleBackoff      time.Duration
	QuotaBackoff     time.Duration
	JobTimeout       time.Duration
	AcquireTimeout   time.Duration
	DrainTimeout     time.Duration
	StatsInterval    time.Duration
	DailyResetCron   string
	Location         *time.Location
	WarmSessions     int
	OutcomeTopic     string
	DeadLetterTopic  string
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = time.Hour
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = time.Minute
	}
	if c.QuotaBackoff <= 0 {
		c.QuotaBackoff = 5 * time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = time.Minute
	}
	if c.DailyResetCron == "" {
		c.DailyResetCron = "0 0 * * *"
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.WarmSessions <= 0 {
		c.WarmSessions = 1
	}
}

// Limiter paces dispatches per platform.
type Limiter interface {
	Wait(ctx context.Context, platform string) error
}

// ProxyFeedback receives proxy health signals. *proxy.Manager satisfies it.
type ProxyFeedback interface {
	MarkSuccess(address string)
	MarkFailed(address string)
}

// AuthStates loads and drops per-platform authentication state.
type AuthStates interface {
	Load(ctx context.Context, platform string) (*sessionstate.State, error)
	Invalidate(ctx context.Context, platform string) error
}

// Discoverer refreshes the queue in the background until ctx ends.
type Discoverer interface {
	Run(ctx context.Context)
}

// CaptchaCounter reports solver results.
type CaptchaCounter interface {
	Stats() captcha.Stats
}

// Deps are the orchestrator's collaborators. Pool, Balancer, Queue, Errors and
// Executor are required; the rest may be nil.
type Deps struct {
	Pool      *session.Pool
	Balancer  *balancer.Balancer
	Queue     *queue.Queue
	Errors    *resilience.Handler
	Executor  executor.Executor
	Limiter   Limiter
	Proxies   ProxyFeedback
	Auth      AuthStates
	Artifacts apply.ArtifactStore
	Events    apply.Publisher
	Discovery Discoverer
	Captcha   CaptchaCounter
	Clock     apply.Clock
}

// Orchestrator owns the workers, the stats reporter and the daily reset.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	clock  apply.Clock
	logger *zap.Logger

	running atomic.Bool

	mu         sync.Mutex
	loopCtx    context.Context
	stopLoops  context.CancelFunc
	workCtx    context.Context
	cancelWork context.CancelFunc
	cron       *cron.Cron
	workers    sync.WaitGroup
	background sync.WaitGroup
	startedAt  time.Time

	counters counters
}

type counters struct {
	submitted     atomic.Int64
	failed        atomic.Int64
	skipped       atomic.Int64
	aborted       atomic.Int64
	retried       atomic.Int64
	deadLettered  atomic.Int64
	interrupted   atomic.Int64
	captchaSolved atomic.Int64
	dailyFailures atomic.Int64
}

// New validates deps and applies config defaults.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Pool == nil:
		return nil, errors.New("session pool is required")
	case deps.Balancer == nil:
		return nil, errors.New("balancer is required")
	case deps.Queue == nil:
		return nil, errors.New("queue is required")
	case deps.Errors == nil:
		return nil, errors.New("error handler is required")
	case deps.Executor == nil:
		return nil, errors.New("executor is required")
	}
	cfg.setDefaults()
	if _, err := cron.ParseStandard(cfg.DailyResetCron); err != nil {
		return nil, fmt.Errorf("parse daily reset cron %q: %w", cfg.DailyResetCron, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = system.New()
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		clock:  clock,
		logger: logger.Named("orchestrator"),
	}, nil
}

// Start reloads persisted jobs, warms the session pool and launches the workers.
// It fails when the pool cannot create a single session.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	loaded, err := o.deps.Queue.Load(ctx)
	if err != nil {
		o.running.Store(false)
		return fmt.Errorf("reload queue: %w", err)
	}
	if err := o.deps.Pool.Warm(ctx, o.cfg.WarmSessions); err != nil {
		o.running.Store(false)
		return fmt.Errorf("start session pool: %w", err)
	}

	base := context.WithoutCancel(ctx)
	o.mu.Lock()
	o.loopCtx, o.stopLoops = context.WithCancel(base)
	o.workCtx, o.cancelWork = context.WithCancel(base)
	o.startedAt = o.clock.Now()
	o.cron = cron.New(cron.WithLocation(o.cfg.Location))
	if _, err := o.cron.AddFunc(o.cfg.DailyResetCron, o.ResetDaily); err != nil {
		o.mu.Unlock()
		o.stopLoops()
		o.cancelWork()
		o.running.Store(false)
		return fmt.Errorf("schedule daily reset: %w", err)
	}
	o.cron.Start()
	loopCtx := o.loopCtx
	o.mu.Unlock()

	o.background.Add(1)
	go func() {
		defer o.background.Done()
		o.report(loopCtx)
	}()
	if o.deps.Discovery != nil {
		o.background.Add(1)
		go func() {
			defer o.background.Done()
			o.deps.Discovery.Run(loopCtx)
		}()
	}
	for i := range o.cfg.Workers {
		o.workers.Add(1)
		go func(id int) {
			defer o.workers.Done()
			o.work(id)
		}(i)
	}

	o.logger.Info("orchestrator started",
		zap.Int("workers", o.cfg.Workers),
		zap.Int("reloaded_jobs", loaded),
		zap.Int("queue_depth", o.deps.Queue.Depth()),
	)
	return nil
}

// Stop halts the worker loops, lets in-flight jobs finish for up to DrainTimeout,
// then cancels them. Jobs interrupted this way go back to the queue. The session
// pool and discovery are closed before Stop returns.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.running.CompareAndSwap(true, false) {
		return nil
	}
	o.mu.Lock()
	stopLoops, cancelWork, c := o.stopLoops, o.cancelWork, o.cron
	o.mu.Unlock()

	o.logger.Info("orchestrator stopping", zap.Duration("drain_timeout", o.cfg.DrainTimeout))
	stopLoops()
	cronDone := c.Stop()

	done := make(chan struct{})
	go func() {
		o.workers.Wait()
		o.background.Wait()
		close(done)
	}()

	drain := time.NewTimer(o.cfg.DrainTimeout)
	defer drain.Stop()
	var errs []error
	select {
	case <-done:
	case <-drain.C:
		o.logger.Warn("drain timeout reached, cancelling in-flight jobs")
		cancelWork()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for workers: %w", ctx.Err()))
		}
	case <-ctx.Done():
		cancelWork()
		errs = append(errs, fmt.Errorf("wait for workers: %w", ctx.Err()))
	}
	cancelWork()

	select {
	case <-cronDone.Done():
	case <-ctx.Done():
	}
	if err := o.deps.Pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close session pool: %w", err))
	}

	o.logger.Info("orchestrator stopped",
		zap.Int64("submitted", o.counters.submitted.Load()),
		zap.Int64("failed", o.counters.failed.Load()),
		zap.Int64("interrupted", o.counters.interrupted.Load()),
		zap.Int("queue_depth", o.deps.Queue.Depth()),
	)
	return errors.Join(errs...)
}

// Run starts the orchestrator and blocks until ctx is done, then stops it.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.DrainTimeout+30*time.Second)
	defer cancel()
	return o.Stop(stopCtx)
}

// Running reports whether the workers are active.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// ResetDaily restores platform quotas and clears the daily failure count.
func (o *Orchestrator) ResetDaily() {
	o.deps.Balancer.ResetQuotas()
	prev := o.counters.dailyFailures.Swap(0)
	o.logger.Info("daily reset", zap.Int64("failures_cleared", prev))
}

func (o *Orchestrator) contexts() (context.Context, context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loopCtx, o.workCtx
}
