// Package executor runs a single job inside a loaned browser session.
package executor

import (
	"context"
	"sync"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
	"github.com/JakeFAU/apply-orchestrator/internal/session"
	"github.com/JakeFAU/apply-orchestrator/internal/sessionstate"
)

// Executor performs the browser work for one job. It never panics on target failures;
// problems are reported through Outcome.Err.
type Executor interface {
	Execute(ctx context.Context, sess *session.Session, job apply.Job) apply.Outcome
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, sess *session.Session, job apply.Job) apply.Outcome

// Execute calls f.
func (f Func) Execute(ctx context.Context, sess *session.Session, job apply.Job) apply.Outcome {
	return f(ctx, sess, job)
}

// Registry routes jobs to a per-platform executor, falling back to a default.
type Registry struct {
	mu         sync.RWMutex
	byPlatform map[string]Executor
	fallback   Executor
}

// NewRegistry creates a registry whose default executor is fallback.
func NewRegistry(fallback Executor) *Registry {
	return &Registry{
		byPlatform: make(map[string]Executor),
		fallback:   fallback,
	}
}

// Register installs an executor for platform, replacing any previous one.
func (r *Registry) Register(platform string, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPlatform[platform] = exec
}

// For returns the executor for platform, or the default.
func (r *Registry) For(platform string) Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if exec, ok := r.byPlatform[platform]; ok {
		return exec
	}
	return r.fallback
}

// Execute dispatches the job to the platform's executor.
func (r *Registry) Execute(ctx context.Context, sess *session.Session, job apply.Job) apply.Outcome {
	exec := r.For(job.Platform)
	if exec == nil {
		return apply.Outcome{Err: &apply.TaskError{
			Category: apply.CategoryUnknown,
			Msg:      "no executor registered for platform " + job.Platform,
		}}
	}
	return exec.Execute(ctx, sess, job)
}

type authKey struct{}

// WithAuth attaches the platform's saved authentication state to ctx.
func WithAuth(ctx context.Context, st *sessionstate.State) context.Context {
	if st == nil {
		return ctx
	}
	return context.WithValue(ctx, authKey{}, st)
}

// AuthFrom returns the authentication state attached by WithAuth, if any.
func AuthFrom(ctx context.Context) *sessionstate.State {
	st, _ := ctx.Value(authKey{}).(*sessionstate.State)
	return st
}
