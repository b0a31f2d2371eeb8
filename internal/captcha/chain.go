// Package captcha solves verification challenges through an ordered chain of providers.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrAllProvidersFailed is returned when no provider in the chain produced a token.
var ErrAllProvidersFailed = errors.New("all captcha providers failed")

// Kind identifies the challenge widget.
type Kind string

// Supported challenge kinds.
const (
	KindRecaptchaV2 Kind = "recaptcha_v2"
	KindHCaptcha    Kind = "hcaptcha"
	KindTurnstile   Kind = "turnstile"
)

// Challenge is what a page asks the browser to prove.
type Challenge struct {
	Kind    Kind
	SiteKey string
	PageURL string
}

// Solver returns a response token for a challenge.
type Solver interface {
	Name() string
	Solve(ctx context.Context, ch Challenge) (string, error)
}

// Stats counts chain results per provider.
type Stats struct {
	Solved map[string]int64 `json:"solved"`
	Failed map[string]int64 `json:"failed"`
}

// Chain tries providers in order until one succeeds.
type Chain struct {
	providers []Solver
	logger    *zap.Logger

	mu     sync.Mutex
	solved map[string]int64
	failed map[string]int64
}

// NewChain builds a chain. An empty chain always fails with ErrAllProvidersFailed.
func NewChain(logger *zap.Logger, providers ...Solver) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		providers: providers,
		logger:    logger.Named("captcha"),
		solved:    make(map[string]int64),
		failed:    make(map[string]int64),
	}
}

// Name identifies the chain when it is nested in another chain.
func (c *Chain) Name() string { return "chain" }

// Solve returns the first token produced. Provider errors are joined onto ErrAllProvidersFailed.
func (c *Chain) Solve(ctx context.Context, ch Challenge) (string, error) {
	errs := []error{ErrAllProvidersFailed}
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		token, err := p.Solve(ctx, ch)
		if err == nil && token != "" {
			c.count(c.solved, p.Name())
			c.logger.Debug("captcha solved", zap.String("provider", p.Name()), zap.String("kind", string(ch.Kind)))
			return token, nil
		}
		if err == nil {
			err = errors.New("empty token")
		}
		c.count(c.failed, p.Name())
		c.logger.Warn("captcha provider failed", zap.String("provider", p.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return "", errors.Join(errs...)
}

// Stats returns copies of the per-provider counters.
func (c *Chain) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Stats{Solved: make(map[string]int64, len(c.solved)), Failed: make(map[string]int64, len(c.failed))}
	for k, v := range c.solved {
		out.Solved[k] = v
	}
	for k, v := range c.failed {
		out.Failed[k] = v
	}
	return out
}

func (c *Chain) count(m map[string]int64, name string) {
	c.mu.Lock()
	m[name]++
	c.mu.Unlock()
}
