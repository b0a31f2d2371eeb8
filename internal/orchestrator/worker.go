package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"path"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
	"github.com/JakeFAU/apply-orchestrator/internal/events"
	"github.com/JakeFAU/apply-orchestrator/internal/executor"
	"github.com/JakeFAU/apply-orchestrator/internal/metrics"
	"github.com/JakeFAU/apply-orchestrator/internal/session"
	"github.com/JakeFAU/apply-orchestrator/internal/telemetry"
)

// work is one worker's loop. It checks the running flag every iteration and
// after each executor call.
func (o *Orchestrator) work(id int) {
	loopCtx, _ := o.contexts()
	logger := o.logger.With(zap.Int("worker", id))
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for o.running.Load() {
		if limit := o.cfg.MaxDailyFailures; limit > 0 && o.counters.dailyFailures.Load() >= int64(limit) {
			logger.Warn("daily failure limit reached, cooling down",
				zap.Int("limit", limit),
				zap.Duration("cooldown", o.cfg.FailureCooldown),
			)
			o.sleep(loopCtx, o.cfg.FailureCooldown)
			continue
		}
		if !o.deps.Errors.Admit() {
			o.sleep(loopCtx, o.cfg.IdleBackoff)
			continue
		}
		platform, ok := o.deps.Balancer.NextPlatform()
		if !ok {
			o.deps.Errors.Abandon()
			logger.Debug("all platform quotas exhausted", zap.Duration("backoff", o.cfg.QuotaBackoff))
			o.sleep(loopCtx, o.cfg.QuotaBackoff)
			continue
		}
		job, ok := o.deps.Balancer.NextJobFor(platform)
		if !ok {
			o.deps.Errors.Abandon()
			o.sleep(loopCtx, o.cfg.IdleBackoff)
			continue
		}
		if o.dispatch(logger, job) {
			o.sleep(loopCtx, o.delay())
		}
	}
}

// dispatch runs one job end to end. It reports whether the executor was called.
func (o *Orchestrator) dispatch(logger *zap.Logger, job apply.Job) bool {
	loopCtx, workCtx := o.contexts()
	logger = logger.With(zap.String("job_id", job.ID), zap.String("platform", job.Platform))
	persistCtx := context.WithoutCancel(workCtx)

	if o.deps.Limiter != nil {
		if err := o.deps.Limiter.Wait(loopCtx, job.Platform); err != nil {
			o.deps.Queue.Return(persistCtx, job)
			o.deps.Errors.Abandon()
			return false
		}
	}

	sess, err := o.deps.Pool.Acquire(loopCtx, o.cfg.AcquireTimeout)
	if err != nil {
		o.deps.Queue.Return(persistCtx, job)
		o.deps.Errors.Abandon()
		switch {
		case errors.Is(err, session.ErrAcquireTimeout):
			logger.Warn("session acquire timed out, job returned to queue", zap.Error(err))
		case !o.running.Load():
		default:
			logger.Error("session acquire failed, job returned to queue", zap.Error(err))
		}
		return false
	}
	defer func() {
		if err := o.deps.Pool.Release(sess); err != nil {
			logger.Error("release session", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx := workCtx
	if o.deps.Auth != nil {
		st, err := o.deps.Auth.Load(ctx, job.Platform)
		if err != nil {
			logger.Warn("session state unavailable", zap.Error(err))
		}
		ctx = executor.WithAuth(ctx, st)
	}

	start := o.clock.Now()
	out := o.execute(ctx, sess, job)
	took := o.clock.Now().Sub(start)

	if out.CaptchaSolved {
		o.counters.captchaSolved.Add(1)
	}
	if !out.Success && out.Err == nil {
		out.Err = errors.New("task failed without error detail")
	}

	// Jobs cut short by shutdown never reached a verdict.
	if !out.Success && workCtx.Err() != nil {
		o.deps.Queue.Return(persistCtx, job)
		o.deps.Errors.Abandon()
		o.counters.interrupted.Add(1)
		metrics.ObserveJob(job.Platform, "interrupted", took)
		logger.Info("job interrupted by shutdown, returned to queue")
		return true
	}

	uris := o.storeArtifacts(persistCtx, logger, job, out.Artifacts)
	if out.Success {
		o.succeed(persistCtx, logger, sess, job, uris, took)
	} else {
		o.fail(persistCtx, logger, sess, job, out.Err, uris, took)
	}
	return true
}

func (o *Orchestrator) execute(ctx context.Context, sess *session.Session, job apply.Job) apply.Outcome {
	jobCtx, cancel := context.WithTimeout(ctx, o.cfg.JobTimeout)
	defer cancel()

	jobCtx, span := telemetry.Tracer().Start(jobCtx, "apply.execute",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.platform", job.Platform),
			attribute.Int("job.retry_count", job.RetryCount),
			attribute.String("session.id", sess.ID),
		),
	)
	defer span.End()

	out := o.deps.Executor.Execute(jobCtx, sess, job)
	if !out.Success {
		span.SetStatus(codes.Error, "task failed")
		if out.Err != nil {
			span.RecordError(out.Err)
		}
	}
	return out
}

func (o *Orchestrator) succeed(ctx context.Context, logger *zap.Logger, sess *session.Session, job apply.Job, uris []string, took time.Duration) {
	o.deps.Balancer.RecordOutcome(job.Platform, true, job.ID)
	o.deps.Errors.RecordSuccess()
	if o.deps.Proxies != nil && sess.Proxy != "" {
		o.deps.Proxies.MarkSuccess(sess.Proxy)
	}
	if err := o.deps.Queue.Resolve(ctx, job, apply.JobStatusSucceeded, nil); err != nil {
		logger.Error("resolve job", zap.Error(err))
	}
	o.counters.submitted.Add(1)
	metrics.ObserveJob(job.Platform, string(apply.JobStatusSucceeded), took)
	o.publish(ctx, logger, o.cfg.OutcomeTopic, events.Outcome(job, apply.JobStatusSucceeded, nil, uris, o.clock.Now()))
	logger.Info("job succeeded", zap.Duration("took", took), zap.Strings("artifacts", uris))
}

func (o *Orchestrator) fail(ctx context.Context, logger *zap.Logger, sess *session.Session, job apply.Job, taskErr error, uris []string, took time.Duration) {
	d := o.deps.Errors.Decide(ctx, taskErr, job)
	if d.Failure {
		o.deps.Balancer.RecordOutcome(job.Platform, false, job.ID)
		o.counters.failed.Add(1)
		o.counters.dailyFailures.Add(1)
		metrics.ObserveFailure(string(d.Category))
	}
	if o.deps.Proxies != nil && sess.Proxy != "" && blamesProxy(d.Category) {
		o.deps.Proxies.MarkFailed(sess.Proxy)
	}
	if d.Category == apply.CategoryAuth && o.deps.Auth != nil {
		if err := o.deps.Auth.Invalidate(ctx, job.Platform); err != nil {
			logger.Warn("invalidate session state", zap.Error(err))
		}
	}

	var status apply.JobStatus
	switch d.Verdict {
	case apply.VerdictRetry:
		next, err := o.deps.Queue.Requeue(ctx, job, d.Backoff)
		if err != nil {
			logger.Error("requeue job", zap.Error(err))
		}
		o.counters.retried.Add(1)
		metrics.ObserveJob(job.Platform, "retried", took)
		logger.Info("job requeued",
			zap.String("category", string(d.Category)),
			zap.Int("retry_count", next.RetryCount),
			zap.Duration("backoff", d.Backoff),
		)
		return
	case apply.VerdictSkip:
		status = apply.JobStatusSkipped
		o.counters.skipped.Add(1)
	default:
		status = apply.JobStatusAborted
		if d.DeadLettered {
			status = apply.JobStatusDead
			o.counters.deadLettered.Add(1)
		}
		o.counters.aborted.Add(1)
	}

	rec := d.Record
	if err := o.deps.Queue.Resolve(ctx, job, status, &rec); err != nil {
		logger.Error("resolve job", zap.Error(err))
	}
	metrics.ObserveJob(job.Platform, string(status), took)
	o.publish(ctx, logger, o.cfg.OutcomeTopic, events.Outcome(job, status, &rec, uris, o.clock.Now()))
	if d.DeadLettered {
		o.publish(ctx, logger, o.cfg.DeadLetterTopic, events.DeadLetter(job, rec))
	}
}

// blamesProxy reports whether a failure category points at the egress path.
func blamesProxy(cat apply.Category) bool {
	return cat == apply.CategoryNetwork || cat == apply.CategoryTimeout
}

// storeArtifacts writes artifacts under platform/yyyy/mm/dd/job/name and returns their URIs.
func (o *Orchestrator) storeArtifacts(ctx context.Context, logger *zap.Logger, job apply.Job, artifacts []apply.Artifact) []string {
	if o.deps.Artifacts == nil || len(artifacts) == 0 {
		return nil
	}
	day := o.clock.Now().UTC().Format("2006/01/02")
	uris := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		name := path.Base(a.Name)
		if name == "." || name == "/" || name == "" {
			name = "artifact"
		}
		key := path.Join(job.Platform, day, job.ID, name)
		uri, err := o.deps.Artifacts.PutObject(ctx, key, a.ContentType, bytes.NewReader(a.Data))
		if err != nil {
			logger.Warn("store artifact", zap.String("artifact", key), zap.Error(err))
			continue
		}
		uris = append(uris, uri)
	}
	return uris
}

func (o *Orchestrator) publish(ctx context.Context, logger *zap.Logger, topic string, ev events.Event) {
	if o.deps.Events == nil || topic == "" {
		return
	}
	if _, err := o.deps.Events.Publish(ctx, topic, ev); err != nil {
		logger.Warn("publish event", zap.String("topic", topic), zap.String("type", ev.Type), zap.Error(err))
	}
}

// delay returns a uniformly random pause in [MinDelay, MaxDelay].
func (o *Orchestrator) delay() time.Duration {
	lo, hi := o.cfg.MinDelay, o.cfg.MaxDelay
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

// sleep waits for d or until ctx ends.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
