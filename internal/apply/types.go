// Package apply defines core types shared across the orchestration subsystems.
package apply

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// JobStatus represents the lifecycle state of an application job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusDispatched JobStatus = "dispatched"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusSkipped    JobStatus = "skipped"
	JobStatusAborted    JobStatus = "aborted"
	JobStatusDead       JobStatus = "dead"
	JobStatusExpired    JobStatus = "expired"
)

// Resolved reports whether the status is terminal.
func (s JobStatus) Resolved() bool {
	switch s {
	case JobStatusPending, JobStatusDispatched:
		return false
	default:
		return true
	}
}

// Job is one unit of work: a single application against a platform.
type Job struct {
	// ID is derived from the normalized URL and doubles as the dedup key.
	ID         string            `json:"id"`
	Platform   string            `json:"platform"`
	URL        string            `json:"url"`
	Payload    map[string]string `json:"payload,omitempty"`
	RetryCount int               `json:"retry_count"`
	CreatedAt  time.Time         `json:"created_at"`
	NotBefore  time.Time         `json:"not_before,omitempty"`
	Status     JobStatus         `json:"status"`
}

// Category is the failure taxonomy used by the error handler.
type Category string

// Failure categories.
const (
	CategoryNetwork          Category = "network"
	CategoryRateLimit        Category = "rate_limit"
	CategoryCaptcha          Category = "captcha"
	CategoryAuth             Category = "auth"
	CategoryTimeout          Category = "timeout"
	CategoryFormError        Category = "form_error"
	CategoryExternalRedirect Category = "external_redirect"
	CategoryUnknown          Category = "unknown"
)

// Categories lists every category in a stable order.
func Categories() []Category {
	return []Category{
		CategoryNetwork,
		CategoryRateLimit,
		CategoryCaptcha,
		CategoryAuth,
		CategoryTimeout,
		CategoryFormError,
		CategoryExternalRedirect,
		CategoryUnknown,
	}
}

// Severity grades an ErrorRecord for reporting.
type Severity string

// Severity levels.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Verdict is the error handler's instruction for a failed job.
type Verdict string

// Verdicts.
const (
	VerdictRetry Verdict = "retry"
	VerdictSkip  Verdict = "skip"
	VerdictAbort Verdict = "abort"
)

// ErrorRecord captures one failure. Records are never mutated after creation.
type ErrorRecord struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	Category   Category  `json:"category"`
	Severity   Severity  `json:"severity"`
	JobID      string    `json:"job_id"`
	Platform   string    `json:"platform"`
	RetryCount int       `json:"retry_count"`
	Message    string    `json:"message"`
}

// DeadLetter pairs a job with the failure that exhausted its retries.
type DeadLetter struct {
	Job    Job         `json:"job"`
	Record ErrorRecord `json:"record"`
}

// PlatformState is the persisted balancer state of one platform. Day is the calendar
// date, in the configured location, that RemainingQuota and Weight belong to.
type PlatformState struct {
	Platform       string  `json:"platform"`
	Day            string  `json:"day"`
	RemainingQuota int     `json:"remaining_quota"`
	Weight         float64 `json:"weight"`
	SuccessRate    float64 `json:"success_rate"`
	Samples        int     `json:"samples"`
}

// Artifact is an opaque blob produced by a task execution (screenshots, HTML dumps).
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

// Outcome is the result contract returned by a task executor.
type Outcome struct {
	Success       bool
	Err           error
	Artifacts     []Artifact
	CaptchaSolved bool
}

// TaskError is returned by executors that know more about a failure than its message.
// Category, when set, short-circuits classification.
type TaskError struct {
	Category   Category
	StatusCode int
	Msg        string
	Err        error
}

func (e *TaskError) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	return msg
}

// Unwrap exposes the underlying error.
func (e *TaskError) Unwrap() error {
	return e.Err
}
