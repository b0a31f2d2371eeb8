// Package session manages a bounded pool of reusable browser sessions.
//
// A session is loaned to exactly one worker at a time. Sessions that have served
// MaxRequestsPerSession tasks or sat idle past IdleTimeout are recycled before the
// next loan: the old browser is closed and a replacement with a fresh ID is launched.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPoolClosed is returned by Acquire after Close has been called.
var ErrPoolClosed = errors.New("session pool closed")

// ErrAcquireTimeout is matched by *AcquireTimeoutError.
var ErrAcquireTimeout = errors.New("session acquire timeout")

// ErrUnknownSession is returned when releasing a session the pool did not loan.
var ErrUnknownSession = errors.New("session not on loan")

// AcquireTimeoutError reports how long Acquire waited before giving up.
type AcquireTimeoutError struct {
	Waited time.Duration
}

func (e *AcquireTimeoutError) Error() string {
	return fmt.Sprintf("no session available after %s", e.Waited)
}

// Is makes errors.Is(err, ErrAcquireTimeout) true.
func (e *AcquireTimeoutError) Is(target error) bool {
	return target == ErrAcquireTimeout
}

// State of a pooled session.
type State string

// Session states.
const (
	StateIdle      State = "idle"
	StateInUse     State = "in_use"
	StateRecycling State = "recycling"
)

// Handle is a live browser owned by a session.
type Handle interface {
	// Context is the browser context new tabs are created from.
	Context() context.Context
	// Proxy is the address of the proxy the browser routes through, or "".
	Proxy() string
	Close() error
}

// Launcher starts browsers.
type Launcher interface {
	Launch(ctx context.Context, proxyURL string) (Handle, error)
}

// Session is a pooled browser. Fields are owned by the pool; holders treat them as read-only.
type Session struct {
	ID           string
	Handle       Handle
	CreatedAt    time.Time
	LastUsedAt   time.Time
	RequestCount int
	State        State
	Proxy        string
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Max           int   `json:"max"`
	Idle          int   `json:"idle"`
	InUse         int   `json:"in_use"`
	Launching     int   `json:"launching"`
	Created       int64 `json:"sessions_created"`
	Recycled      int64 `json:"sessions_recycled"`
	Reaped        int64 `json:"sessions_reaped"`
	LaunchFailed  int64 `json:"launch_failed"`
	TotalRequests int64 `json:"total_requests"`
}
