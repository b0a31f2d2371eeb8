// Package ratelimit paces dispatches per platform with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/apply-orchestrator/internal/metrics"
)

// Rule is the pacing for one platform. RPS <= 0 means unlimited.
type Rule struct {
	RPS   float64
	Burst int
}

// Config holds rate limiter configuration.
type Config struct {
	Default   Rule
	Platforms map[string]Rule
}

// Limiter manages per-platform rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      Config
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}
}

func newLimiter(r Rule) *rate.Limiter {
	limit := rate.Limit(r.RPS)
	if r.RPS <= 0 {
		limit = rate.Inf
	}
	burst := r.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(limit, burst)
}

func (l *Limiter) limiterFor(platform string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[platform]
	if !exists {
		rule, ok := l.cfg.Platforms[platform]
		if !ok {
			rule = l.cfg.Default
		}
		limiter = newLimiter(rule)
		l.limiters[platform] = limiter
	}
	return limiter
}

// Wait blocks until platform may be dispatched to, respecting the context.
func (l *Limiter) Wait(ctx context.Context, platform string) error {
	start := time.Now()
	if err := l.limiterFor(platform).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not delays.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(platform, d)
	}
	return nil
}

// Allow reports whether platform may be dispatched to now, consuming a token if so.
func (l *Limiter) Allow(platform string) bool {
	return l.limiterFor(platform).Allow()
}
