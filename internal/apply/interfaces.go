package apply

import (
	"context"
	"io"
	"time"
)

// JobStore persists jobs so that unresolved work survives a restart.
type JobStore interface {
	// Insert stores the job unless its ID is already known. It reports whether a row was written.
	Insert(ctx context.Context, job Job) (bool, error)
	UpdateStatus(ctx context.Context, jobID string, status JobStatus) error
	UpdateRetry(ctx context.Context, jobID string, retryCount int, notBefore time.Time) error
	// LoadUnresolved returns pending and dispatched jobs ordered by creation time.
	LoadUnresolved(ctx context.Context) ([]Job, error)
	// DeleteStale removes pending jobs that were never retried and were created before
	// cutoff. Jobs whose IDs are in keep survive regardless.
	DeleteStale(ctx context.Context, cutoff time.Time, keep []string) (int64, error)
	Close() error
}

// DeadLetterStore keeps terminal (job, error) pairs.
type DeadLetterStore interface {
	// AddDeadLetter appends an entry. It reports false when the job was already dead-lettered.
	AddDeadLetter(ctx context.Context, entry DeadLetter) (bool, error)
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	CountDeadLetters(ctx context.Context) (int, error)
}

// PlatformStateStore keeps one balancer state row per platform.
type PlatformStateStore interface {
	LoadPlatformStates(ctx context.Context) ([]PlatformState, error)
	// SavePlatformState replaces the row for state.Platform.
	SavePlatformState(ctx context.Context, state PlatformState) error
}

// Store is the combined persistence surface provided by storage drivers.
type Store interface {
	JobStore
	DeadLetterStore
	PlatformStateStore
}

// ArtifactStore writes raw artifacts and returns a URI.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes outcome events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
