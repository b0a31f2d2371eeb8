package resilience

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
)

// DeadLetters routes each job to the dead-letter store at most once.
type DeadLetters struct {
	store apply.DeadLetterStore

	mu     sync.Mutex
	routed map[string]struct{}
}

// NewDeadLetters wraps store.
func NewDeadLetters(store apply.DeadLetterStore) *DeadLetters {
	return &DeadLetters{store: store, routed: make(map[string]struct{})}
}

// Route appends (job, rec). It returns false when the job was already dead-lettered
// by this process or a previous one.
func (d *DeadLetters) Route(ctx context.Context, job apply.Job, rec apply.ErrorRecord) (bool, error) {
	d.mu.Lock()
	if _, seen := d.routed[job.ID]; seen {
		d.mu.Unlock()
		return false, nil
	}
	d.routed[job.ID] = struct{}{}
	d.mu.Unlock()

	added, err := d.store.AddDeadLetter(ctx, apply.DeadLetter{Job: job, Record: rec})
	if err != nil {
		d.mu.Lock()
		delete(d.routed, job.ID)
		d.mu.Unlock()
		return false, fmt.Errorf("add dead letter: %w", err)
	}
	return added, nil
}

// List returns up to limit entries, newest first.
func (d *DeadLetters) List(ctx context.Context, limit int) ([]apply.DeadLetter, error) {
	entries, err := d.store.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return entries, nil
}

// Count returns the number of dead-lettered jobs.
func (d *DeadLetters) Count(ctx context.Context) (int, error) {
	n, err := d.store.CountDeadLetters(ctx)
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}
