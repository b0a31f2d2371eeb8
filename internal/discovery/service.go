package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
	"github.com/JakeFAU/apply-orchestrator/internal/metrics"
)

// Queue is the subset of the job queue discovery feeds.
type Queue interface {
	Enqueue(ctx context.Context, job apply.Job) (bool, error)
	EvictStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config controls the discovery schedule.
type Config struct {
	Interval      time.Duration
	SweepInterval time.Duration
	Retention     time.Duration
	// Platforms, when non-empty, restricts candidates to known platforms.
	Platforms []string
}

// Result summarizes one discovery pass.
type Result struct {
	Found      int
	Enqueued   int
	Duplicates int
	Rejected   int
}

// Service runs sources on an interval and evicts stale jobs on another.
type Service struct {
	cfg     Config
	queue   Queue
	sources []Source
	hasher  apply.Hasher
	clock   apply.Clock
	logger  *zap.Logger
	allowed map[string]struct{}

	mu      sync.Mutex
	lastRun time.Time
	last    Result
}

// NewService wires a discovery service.
func NewService(cfg Config, queue Queue, hasher apply.Hasher, clock apply.Clock, logger *zap.Logger, sources ...Source) (*Service, error) {
	if queue == nil || hasher == nil || clock == nil {
		return nil, errors.New("discovery requires a queue, hasher and clock")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var allowed map[string]struct{}
	if len(cfg.Platforms) > 0 {
		allowed = make(map[string]struct{}, len(cfg.Platforms))
		for _, p := range cfg.Platforms {
			allowed[p] = struct{}{}
		}
	}
	return &Service{
		cfg:     cfg,
		queue:   queue,
		sources: sources,
		hasher:  hasher,
		clock:   clock,
		logger:  logger.Named("discovery"),
		allowed: allowed,
	}, nil
}

// Run discovers immediately, then on every interval, and sweeps stale jobs until ctx ends.
func (s *Service) Run(ctx context.Context) {
	discoverTicker := time.NewTicker(s.cfg.Interval)
	defer discoverTicker.Stop()
	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	defer sweepTicker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-discoverTicker.C:
			s.runOnce(ctx)
		case <-sweepTicker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("stale sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) runOnce(ctx context.Context) {
	res, err := s.RunOnce(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("discovery pass failed", zap.Error(err))
	}
	s.logger.Info("discovery pass complete",
		zap.Int("found", res.Found),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("rejected", res.Rejected),
	)
}

// RunOnce queries every source and enqueues new candidates. A failing source does
// not stop the others; their errors are joined.
func (s *Service) RunOnce(ctx context.Context) (Result, error) {
	var (
		res  Result
		errs []error
	)
	for _, src := range s.sources {
		candidates, err := src.Discover(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", src.Name(), err))
		}
		res.Found += len(candidates)
		for _, c := range candidates {
			if err := ctx.Err(); err != nil {
				return res, errors.Join(append(errs, err)...)
			}
			if !s.platformAllowed(c.Platform) {
				res.Rejected++
				continue
			}
			job, err := apply.NewJob(s.hasher, s.clock, c.Platform, c.URL, c.Payload)
			if err != nil {
				s.logger.Debug("candidate rejected", zap.String("url", c.URL), zap.Error(err))
				res.Rejected++
				continue
			}
			added, err := s.queue.Enqueue(ctx, job)
			if err != nil {
				errs = append(errs, fmt.Errorf("enqueue %s: %w", job.URL, err))
				continue
			}
			if !added {
				res.Duplicates++
				continue
			}
			res.Enqueued++
			metrics.ObserveEnqueued(job.Platform, src.Name())
		}
	}
	s.mu.Lock()
	s.lastRun = s.clock.Now()
	s.last = res
	s.mu.Unlock()
	return res, errors.Join(errs...)
}

// Sweep evicts jobs that sat in the queue longer than the retention window.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	n, err := s.queue.EvictStale(ctx, s.cfg.Retention)
	if err != nil {
		return n, fmt.Errorf("evict stale jobs: %w", err)
	}
	if n > 0 {
		s.logger.Info("stale jobs evicted", zap.Int("count", n), zap.Duration("retention", s.cfg.Retention))
	}
	return n, nil
}

// Last returns the time and result of the most recent pass.
func (s *Service) Last() (time.Time, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.last
}

func (s *Service) platformAllowed(p string) bool {
	if s.allowed == nil {
		return true
	}
	_, ok := s.allowed[p]
	return ok
}
