// Package balancer spreads work across platforms by quota and weight.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
	"github.com/JakeFAU/apply-orchestrator/internal/clock/system"
)

const (
	throttleFactor = 0.9
	minWeight      = 0.001
	lowQuotaRatio  = 0.1

	stateWriteTimeout = 5 * time.Second
)

// PlatformConfig is the static configuration of one platform.
type PlatformConfig struct {
	Name       string
	DailyQuota int
	Weight     float64
}

// Config controls selection and feedback.
type Config struct {
	Platforms []PlatformConfig
	// EMAAlpha is the smoothing factor for success rates. Defaults to 0.1.
	EMAAlpha float64
	// SuccessFeedback throttles platforms whose success rate drops below FeedbackFloor
	// once MinSamples outcomes have been seen.
	SuccessFeedback bool
	FeedbackFloor   float64
	MinSamples      int
	// Seed makes selection deterministic. Zero picks a random seed.
	Seed uint64
	// State persists quota and weight after every change. Nil keeps them in memory.
	State apply.PlatformStateStore
	// Clock dates persisted state. Defaults to the UTC wall clock.
	Clock apply.Clock
}

// Platform is the mutable per-platform state.
type Platform struct {
	Name           string  `json:"name"`
	DailyQuota     int     `json:"daily_quota"`
	RemainingQuota int     `json:"remaining_quota"`
	Weight         float64 `json:"weight"`
	SuccessRate    float64 `json:"success_rate"`
	Samples        int     `json:"samples"`
	baseWeight     float64
}

// JobSource hands out the next job for a platform. The queue satisfies it.
type JobSource interface {
	NextFor(platform string) (apply.Job, bool)
}

// Balancer owns platform state; every mutation happens under mu. Writes to the state
// store are serialized by saveMu, which is taken before mu is released so rows are
// written in mutation order.
type Balancer struct {
	mu        sync.Mutex
	saveMu    sync.Mutex
	platforms map[string]*Platform
	order     []string
	cfg       Config
	rng       *rand.Rand
	jobs      JobSource
	logger    *zap.Logger
}

// New validates cfg and builds a Balancer.
func New(cfg Config, jobs JobSource, logger *zap.Logger) (*Balancer, error) {
	if len(cfg.Platforms) == 0 {
		return nil, errors.New("at least one platform is required")
	}
	if cfg.EMAAlpha <= 0 || cfg.EMAAlpha > 1 {
		cfg.EMAAlpha = 0.1
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	b := &Balancer{
		platforms: make(map[string]*Platform, len(cfg.Platforms)),
		cfg:       cfg,
		rng:       rand.New(rand.NewPCG(seed, seed>>1|1)),
		jobs:      jobs,
		logger:    logger.Named("balancer"),
	}
	for _, pc := range cfg.Platforms {
		if pc.Name == "" {
			return nil, errors.New("platform name is required")
		}
		if _, dup := b.platforms[pc.Name]; dup {
			return nil, fmt.Errorf("duplicate platform %q", pc.Name)
		}
		if pc.DailyQuota < 0 {
			return nil, fmt.Errorf("platform %s: daily quota must be >= 0", pc.Name)
		}
		if pc.Weight <= 0 {
			return nil, fmt.Errorf("platform %s: weight must be > 0", pc.Name)
		}
		b.platforms[pc.Name] = &Platform{
			Name:           pc.Name,
			DailyQuota:     pc.DailyQuota,
			RemainingQuota: pc.DailyQuota,
			Weight:         pc.Weight,
			SuccessRate:    1,
			baseWeight:     pc.Weight,
		}
		b.order = append(b.order, pc.Name)
	}
	sort.Strings(b.order)
	return b, nil
}

// Restore loads persisted state for configured platforms. Quota and weight are taken
// only from rows dated today; older rows contribute their success rate. It returns the
// number of platforms restored.
func (b *Balancer) Restore(ctx context.Context) (int, error) {
	if b.cfg.State == nil {
		return 0, nil
	}
	states, err := b.cfg.State.LoadPlatformStates(ctx)
	if err != nil {
		return 0, fmt.Errorf("load platform state: %w", err)
	}
	today := b.day()

	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, st := range states {
		p, ok := b.platforms[st.Platform]
		if !ok {
			continue
		}
		p.SuccessRate = min(max(st.SuccessRate, 0), 1)
		p.Samples = max(st.Samples, 0)
		if st.Day == today {
			p.RemainingQuota = min(max(st.RemainingQuota, 0), p.DailyQuota)
			p.Weight = min(max(st.Weight, minWeight), p.baseWeight)
		}
		n++
		b.logger.Info("platform state restored",
			zap.String("platform", p.Name),
			zap.String("day", st.Day),
			zap.Int("remaining_quota", p.RemainingQuota),
			zap.Float64("weight", p.Weight),
		)
	}
	return n, nil
}

// NextPlatform picks a platform with remaining quota, weighted by Weight.
// It returns false only when every quota is exhausted.
func (b *Balancer) NextPlatform() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.order))
	cum := make([]float64, 0, len(b.order))
	total := 0.0
	for _, name := range b.order {
		p := b.platforms[name]
		if p.RemainingQuota <= 0 {
			continue
		}
		total += p.Weight
		names = append(names, name)
		cum = append(cum, total)
	}
	if len(names) == 0 {
		return "", false
	}
	r := b.rng.Float64() * total
	i := sort.Search(len(cum), func(i int) bool { return cum[i] > r })
	if i == len(cum) {
		i = len(cum) - 1
	}
	return names[i], true
}

// NextJobFor delegates to the job source.
func (b *Balancer) NextJobFor(platform string) (apply.Job, bool) {
	if b.jobs == nil {
		return apply.Job{}, false
	}
	return b.jobs.NextFor(platform)
}

// RecordOutcome updates quota, success rate and weight for platform and persists them.
func (b *Balancer) RecordOutcome(platform string, success bool, jobID string) {
	b.mu.Lock()
	p, ok := b.platforms[platform]
	if !ok {
		b.mu.Unlock()
		b.logger.Warn("outcome for unknown platform", zap.String("platform", platform), zap.String("job_id", jobID))
		return
	}
	b.recordLocked(p, success)
	b.persistAndUnlock(p)
}

func (b *Balancer) recordLocked(p *Platform, success bool) {
	value := 0.0
	if success {
		value = 1
	}
	if p.Samples == 0 {
		p.SuccessRate = value
	} else {
		p.SuccessRate = b.cfg.EMAAlpha*value + (1-b.cfg.EMAAlpha)*p.SuccessRate
	}
	p.Samples++

	if success {
		if p.RemainingQuota > 0 {
			p.RemainingQuota--
		}
		if float64(p.RemainingQuota) < lowQuotaRatio*float64(p.DailyQuota) {
			b.throttle(p, "low quota")
		}
		return
	}
	if b.cfg.SuccessFeedback && p.Samples >= b.cfg.MinSamples && p.SuccessRate < b.cfg.FeedbackFloor {
		b.throttle(p, "low success rate")
	}
}

func (b *Balancer) throttle(p *Platform, reason string) {
	p.Weight *= throttleFactor
	if p.Weight < minWeight {
		p.Weight = minWeight
	}
	b.logger.Debug("platform throttled",
		zap.String("platform", p.Name),
		zap.String("reason", reason),
		zap.Float64("weight", p.Weight),
		zap.Int("remaining_quota", p.RemainingQuota),
	)
}

// ResetQuotas restores every platform's daily quota and configured weight.
func (b *Balancer) ResetQuotas() {
	b.mu.Lock()
	all := make([]*Platform, 0, len(b.order))
	for _, name := range b.order {
		p := b.platforms[name]
		p.RemainingQuota = p.DailyQuota
		p.Weight = p.baseWeight
		all = append(all, p)
	}
	b.logger.Info("platform quotas reset", zap.Int("platforms", len(b.platforms)))
	b.persistAndUnlock(all...)
}

// persistAndUnlock snapshots ps, releases mu and writes the snapshots to the state
// store. The caller must hold mu.
func (b *Balancer) persistAndUnlock(ps ...*Platform) {
	if b.cfg.State == nil {
		b.mu.Unlock()
		return
	}
	day := b.day()
	states := make([]apply.PlatformState, 0, len(ps))
	for _, p := range ps {
		states = append(states, apply.PlatformState{
			Platform:       p.Name,
			Day:            day,
			RemainingQuota: p.RemainingQuota,
			Weight:         p.Weight,
			SuccessRate:    p.SuccessRate,
			Samples:        p.Samples,
		})
	}
	b.saveMu.Lock()
	b.mu.Unlock()
	defer b.saveMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stateWriteTimeout)
	defer cancel()
	for _, st := range states {
		if err := b.cfg.State.SavePlatformState(ctx, st); err != nil {
			b.logger.Warn("failed to persist platform state", zap.String("platform", st.Platform), zap.Error(err))
		}
	}
}

func (b *Balancer) day() string {
	return b.cfg.Clock.Now().Format(time.DateOnly)
}

// Snapshot returns copies of platform state ordered by name.
func (b *Balancer) Snapshot() []Platform {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Platform, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, *b.platforms[name])
	}
	return out
}

// Platform returns a copy of one platform's state.
func (b *Balancer) Platform(name string) (Platform, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.platforms[name]
	if !ok {
		return Platform{}, false
	}
	return *p, true
}

// Names lists configured platforms.
func (b *Balancer) Names() []string {
	return append([]string(nil), b.order...)
}
