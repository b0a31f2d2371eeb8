package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
	"github.com/JakeFAU/apply-orchestrator/internal/clock/system"
	"github.com/JakeFAU/apply-orchestrator/internal/id/uuid"
)

// Breaker scopes.
const (
	ScopeCategory = "category"
	ScopeGlobal   = "global"
)

// Config for the Handler.
type Config struct {
	MaxRetriesPerJob int
	// Scope is ScopeCategory (one breaker per tripping category) or ScopeGlobal.
	Scope   string
	Breaker BreakerConfig
	Backoff BackoffConfig
}

// Decision is the handler's answer for one failure.
type Decision struct {
	Verdict  apply.Verdict
	Category apply.Category
	Record   apply.ErrorRecord
	// Backoff is set for VerdictRetry.
	Backoff      time.Duration
	DeadLettered bool
	// BreakerOpen means the verdict was forced by an open breaker.
	BreakerOpen bool
	// Failure is false for outcomes that do not count against daily failure limits.
	Failure bool
}

// Handler applies the failure taxonomy. It is safe for concurrent use.
type Handler struct {
	cfg         Config
	classifier  *Classifier
	backoff     *Backoff
	deadLetters *DeadLetters
	clock       apply.Clock
	ids         apply.IDGenerator
	logger      *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
	counts   map[apply.Category]int64
}

// NewHandler builds a Handler. classifier, clock and ids may be nil.
func NewHandler(
	cfg Config,
	classifier *Classifier,
	deadLetters *DeadLetters,
	clock apply.Clock,
	ids apply.IDGenerator,
	logger *zap.Logger,
) (*Handler, error) {
	if deadLetters == nil {
		return nil, fmt.Errorf("dead letters are required")
	}
	if cfg.MaxRetriesPerJob < 0 {
		return nil, fmt.Errorf("max retries per job must be >= 0")
	}
	switch cfg.Scope {
	case "":
		cfg.Scope = ScopeCategory
	case ScopeCategory, ScopeGlobal:
	default:
		return nil, fmt.Errorf("unknown breaker scope %q", cfg.Scope)
	}
	if classifier == nil {
		classifier = defaultClassifier
	}
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.WithPrefix("err")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		cfg:         cfg,
		classifier:  classifier,
		backoff:     NewBackoff(cfg.Backoff),
		deadLetters: deadLetters,
		clock:       clock,
		ids:         ids,
		logger:      logger.Named("errors"),
		breakers:    make(map[string]*Breaker),
		counts:      make(map[apply.Category]int64),
	}
	if cfg.Scope == ScopeGlobal {
		h.breakers[ScopeGlobal] = NewBreaker(ScopeGlobal, cfg.Breaker, clock.Now)
	} else {
		for _, cat := range apply.Categories() {
			if trips(cat) {
				h.breakers[string(cat)] = NewBreaker(string(cat), cfg.Breaker, clock.Now)
			}
		}
	}
	return h, nil
}

// trips reports whether failures in cat count toward a breaker.
func trips(cat apply.Category) bool {
	switch cat {
	case apply.CategoryFormError, apply.CategoryExternalRedirect:
		return false
	default:
		return true
	}
}

func (h *Handler) breakerFor(cat apply.Category) *Breaker {
	if h.cfg.Scope == ScopeGlobal {
		return h.breakers[ScopeGlobal]
	}
	return h.breakers[string(cat)]
}

// Admit is the pre-dispatch gate. It refuses while any breaker is open or a half-open
// trial is already in flight; otherwise it claims any pending half-open trials.
func (h *Handler) Admit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range h.breakers {
		if !b.Peek() {
			return false
		}
	}
	for _, b := range h.breakers {
		b.Allow()
	}
	return true
}

// Abandon releases trials claimed by Admit when no task was dispatched.
func (h *Handler) Abandon() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range h.breakers {
		b.ReleaseTrial()
	}
}

// RecordSuccess closes every breaker.
func (h *Handler) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range h.breakers {
		b.RecordSuccess()
	}
}

// Decide classifies err for job and returns what to do with it. Jobs that exhaust
// their retries are routed to the dead-letter store exactly once.
func (h *Handler) Decide(ctx context.Context, err error, job apply.Job) Decision {
	cat := h.classifier.Classify(err)
	rec := h.record(cat, err, job)

	h.mu.Lock()
	h.counts[cat]++
	breaker := h.breakerFor(cat)
	breakerOpen := breaker != nil && breaker.IsOpen()
	if breaker != nil && trips(cat) {
		breaker.RecordFailure()
	}
	for _, b := range h.breakers {
		b.ReleaseTrial()
	}
	h.mu.Unlock()

	d := Decision{Category: cat, Record: rec, Failure: cat != apply.CategoryExternalRedirect}
	switch {
	case breakerOpen:
		d.Verdict = apply.VerdictAbort
		d.BreakerOpen = true
	case cat == apply.CategoryNetwork, cat == apply.CategoryRateLimit, cat == apply.CategoryTimeout:
		if job.RetryCount < h.cfg.MaxRetriesPerJob {
			d.Verdict = apply.VerdictRetry
			d.Backoff = h.backoff.Delay(job.RetryCount, cat)
			break
		}
		d.Verdict = apply.VerdictAbort
		added, routeErr := h.deadLetters.Route(ctx, job, rec)
		if routeErr != nil {
			h.logger.Error("dead letter routing failed", zap.String("job_id", job.ID), zap.Error(routeErr))
		}
		d.DeadLettered = added
	case cat == apply.CategoryAuth, cat == apply.CategoryCaptcha, cat == apply.CategoryExternalRedirect:
		d.Verdict = apply.VerdictSkip
	default:
		d.Verdict = apply.VerdictAbort
	}

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("platform", job.Platform),
		zap.String("category", string(cat)),
		zap.String("verdict", string(d.Verdict)),
		zap.Int("retry_count", job.RetryCount),
		zap.Error(err),
	}
	switch rec.Severity {
	case apply.SeverityCritical:
		h.logger.Error("unclassified task failure", fields...)
	case apply.SeverityInfo:
		h.logger.Info("task failure", fields...)
	default:
		h.logger.Warn("task failure", fields...)
	}
	return d
}

func (h *Handler) record(cat apply.Category, err error, job apply.Job) apply.ErrorRecord {
	id, idErr := h.ids.NewID()
	if idErr != nil {
		id = job.ID + "-" + fmt.Sprint(job.RetryCount)
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return apply.ErrorRecord{
		ID:         id,
		At:         h.clock.Now(),
		Category:   cat,
		Severity:   Severity(cat),
		JobID:      job.ID,
		Platform:   job.Platform,
		RetryCount: job.RetryCount,
		Message:    msg,
	}
}

// BreakerStates reports every breaker's state keyed by name.
func (h *Handler) BreakerStates() map[string]BreakerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]BreakerState, len(h.breakers))
	for name, b := range h.breakers {
		out[name] = b.State()
	}
	return out
}

// OpenBreakers lists breakers that are open inside their reset timeout.
func (h *Handler) OpenBreakers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for name, b := range h.breakers {
		if b.IsOpen() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Counts returns failures seen per category.
func (h *Handler) Counts() map[apply.Category]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[apply.Category]int64, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}

// DeadLetters exposes the dead-letter router.
func (h *Handler) DeadLetters() *DeadLetters { return h.deadLetters }
