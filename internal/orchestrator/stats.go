package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/apply-orchestrator/internal/balancer"
	"github.com/JakeFAU/apply-orchestrator/internal/metrics"
	"github.com/JakeFAU/apply-orchestrator/internal/resilience"
	"github.com/JakeFAU/apply-orchestrator/internal/session"
)

// Stats is a point-in-time snapshot of the orchestrator.
type Stats struct {
	At             time.Time                          `json:"at"`
	Running        bool                               `json:"running"`
	Uptime         time.Duration                      `json:"uptime"`
	Submitted      int64                              `json:"submitted"`
	Failed         int64                              `json:"failed"`
	Skipped        int64                              `json:"skipped"`
	Aborted        int64                              `json:"aborted"`
	Retried        int64                              `json:"retried"`
	DeadLettered   int64                              `json:"dead_lettered"`
	Interrupted    int64                              `json:"interrupted"`
	DailyFailures  int64                              `json:"daily_failures"`
	CaptchaSolved  int64                              `json:"captcha_solved"`
	ActiveSessions int                                `json:"active_sessions"`
	IdleSessions   int                                `json:"idle_sessions"`
	Pool           session.Stats                      `json:"pool"`
	QueueDepth     int                                `json:"queue_depth"`
	QueueDepths    map[string]int                     `json:"queue_depths"`
	Platforms      []balancer.Platform                `json:"platforms"`
	DeadLetters    int                                `json:"dead_letters"`
	Breakers       map[string]resilience.BreakerState `json:"breakers"`
	OpenBreakers   []string                           `json:"open_breakers,omitempty"`
	Failures       map[string]int64                   `json:"failures_by_category"`
}

// Stats collects a snapshot. The dead-letter count is read from the store with ctx.
func (o *Orchestrator) Stats(ctx context.Context) Stats {
	now := o.clock.Now()
	pool := o.deps.Pool.Stats()
	st := Stats{
		At:             now,
		Running:        o.running.Load(),
		Submitted:      o.counters.submitted.Load(),
		Failed:         o.counters.failed.Load(),
		Skipped:        o.counters.skipped.Load(),
		Aborted:        o.counters.aborted.Load(),
		Retried:        o.counters.retried.Load(),
		DeadLettered:   o.counters.deadLettered.Load(),
		Interrupted:    o.counters.interrupted.Load(),
		DailyFailures:  o.counters.dailyFailures.Load(),
		CaptchaSolved:  o.counters.captchaSolved.Load(),
		ActiveSessions: pool.InUse,
		IdleSessions:   pool.Idle,
		Pool:           pool,
		QueueDepth:     o.deps.Queue.Depth(),
		QueueDepths:    o.deps.Queue.Depths(),
		Platforms:      o.deps.Balancer.Snapshot(),
		Breakers:       o.deps.Errors.BreakerStates(),
		OpenBreakers:   o.deps.Errors.OpenBreakers(),
		Failures:       make(map[string]int64),
	}
	o.mu.Lock()
	if !o.startedAt.IsZero() && st.Running {
		st.Uptime = now.Sub(o.startedAt)
	}
	o.mu.Unlock()
	for cat, n := range o.deps.Errors.Counts() {
		st.Failures[string(cat)] = n
	}
	if o.deps.Captcha != nil {
		var solved int64
		for _, n := range o.deps.Captcha.Stats().Solved {
			solved += n
		}
		if solved > st.CaptchaSolved {
			st.CaptchaSolved = solved
		}
	}
	if n, err := o.deps.Errors.DeadLetters().Count(ctx); err == nil {
		st.DeadLetters = n
	} else {
		o.logger.Warn("count dead letters", zap.Error(err))
	}
	return st
}

// report logs a snapshot, refreshes gauges and reaps idle sessions every StatsInterval.
func (o *Orchestrator) report(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped := o.deps.Pool.ReapIdle(); reaped > 0 {
				o.logger.Debug("idle sessions reaped", zap.Int("count", reaped))
			}
			o.publishStats(o.Stats(ctx))
		}
	}
}

func (o *Orchestrator) publishStats(st Stats) {
	metrics.SetSessions(st.Pool.Idle, st.Pool.InUse, st.Pool.Launching)
	for platform, depth := range st.QueueDepths {
		metrics.SetQueueDepth(platform, depth)
	}
	for _, p := range st.Platforms {
		metrics.SetPlatform(p.Name, p.RemainingQuota, p.Weight, p.SuccessRate)
	}
	for name, state := range st.Breakers {
		metrics.SetBreaker(name, state != resilience.StateClosed)
	}
	metrics.SetDeadLetters(st.DeadLetters)

	o.logger.Info("stats",
		zap.Int64("submitted", st.Submitted),
		zap.Int64("failed", st.Failed),
		zap.Int64("skipped", st.Skipped),
		zap.Int64("retried", st.Retried),
		zap.Int64("dead_lettered", st.DeadLettered),
		zap.Int64("daily_failures", st.DailyFailures),
		zap.Int64("captcha_solved", st.CaptchaSolved),
		zap.Int("active_sessions", st.ActiveSessions),
		zap.Int("idle_sessions", st.IdleSessions),
		zap.Int("queue_depth", st.QueueDepth),
		zap.Int("dead_letters", st.DeadLetters),
		zap.Strings("open_breakers", st.OpenBreakers),
		zap.Any("platforms", st.Platforms),
	)
}
