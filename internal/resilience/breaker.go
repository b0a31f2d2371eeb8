package resilience

import (
	"sync"
	"time"
)

// BreakerState is the circuit state.
type BreakerState string

// Breaker states.
const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes a breaker.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	// HalfOpen admits exactly one trial after ResetTimeout instead of closing outright.
	HalfOpen bool
}

// Breaker counts consecutive failures and opens at FailureThreshold.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trial    bool
}

// NewBreaker builds a closed breaker. now may be nil.
func NewBreaker(name string, cfg BreakerConfig, now func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{name: name, cfg: cfg, now: now, state: StateClosed}
}

// Name identifies the breaker.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether work may proceed, advancing Open to Closed (literal mode) or
// HalfOpen (trial mode) once the reset timeout has passed. In HalfOpen only the
// caller that receives the trial is allowed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked(true)
}

// Peek answers Allow without changing state.
func (b *Breaker) Peek() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked(false)
}

func (b *Breaker) allowLocked(commit bool) bool {
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false
		}
		if !commit {
			return true
		}
		if b.cfg.HalfOpen {
			b.state = StateHalfOpen
			b.trial = true
		} else {
			b.state = StateClosed
			b.failures = 0
		}
		return true
	case StateHalfOpen:
		if b.trial {
			return false
		}
		if commit {
			b.trial = true
		}
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.trial = false
}

// RecordFailure counts a failure; a failed trial reopens immediately. A failure that
// arrives after the reset timeout of an open breaker is evaluated as if the timeout had
// been observed: it counts toward a fresh threshold in literal mode and is a failed
// trial in half-open mode.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		if b.cfg.HalfOpen {
			b.open()
			return
		}
		b.state = StateClosed
		b.failures = 0
	}
	switch b.state {
	case StateHalfOpen:
		b.open()
	case StateOpen:
		b.failures++
	default:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

// ReleaseTrial gives back an unused half-open trial.
func (b *Breaker) ReleaseTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trial = false
	}
}

// IsOpen reports whether the breaker is open and still inside its reset timeout.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && b.now().Sub(b.openedAt) < b.cfg.ResetTimeout
}

// State returns the stored state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.trial = false
}
