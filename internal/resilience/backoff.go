package resilience

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
)

// BackoffConfig controls retry delays.
type BackoffConfig struct {
	Base      time.Duration
	Max       time.Duration
	JitterMax time.Duration
	// RateLimitFactor multiplies Base for RATE_LIMIT failures.
	RateLimitFactor float64
}

// Backoff computes base·2^retry plus jitter, capped at Max.
type Backoff struct {
	cfg    BackoffConfig
	jitter func(limit time.Duration) time.Duration
}

// NewBackoff applies defaults to cfg.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Base <= 0 {
		cfg.Base = 30 * time.Second
	}
	if cfg.Max <= 0 {
		cfg.Max = 30 * time.Minute
	}
	if cfg.RateLimitFactor < 1 {
		cfg.RateLimitFactor = 4
	}
	return &Backoff{cfg: cfg, jitter: randomJitter}
}

// Delay returns the wait before attempt retry+1 of a job that failed with cat.
func (b *Backoff) Delay(retry int, cat apply.Category) time.Duration {
	base := float64(b.cfg.Base)
	if cat == apply.CategoryRateLimit {
		base *= b.cfg.RateLimitFactor
	}
	delay := base * math.Pow(2, float64(max(retry, 0)))
	if delay > float64(b.cfg.Max) {
		delay = float64(b.cfg.Max)
	}
	d := time.Duration(delay) + b.jitter(b.cfg.JitterMax)
	if d > b.cfg.Max {
		d = b.cfg.Max
	}
	return d
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
