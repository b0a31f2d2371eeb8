// Package events defines the notifications published when jobs finish.
package events

import (
	"time"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
)

// Event types.
const (
	TypeOutcome    = "job.outcome"
	TypeDeadLetter = "job.dead_letter"
)

// Event describes a finished job. It carries no payload values or credentials.
type Event struct {
	Type       string          `json:"type"`
	JobID      string          `json:"job_id"`
	Platform   string          `json:"platform"`
	URL        string          `json:"url"`
	Status     apply.JobStatus `json:"status"`
	Category   apply.Category  `json:"category,omitempty"`
	RetryCount int             `json:"retry_count"`
	Message    string          `json:"message,omitempty"`
	Artifacts  []string        `json:"artifacts,omitempty"`
	At         time.Time       `json:"at"`
}

// Key is the partition key for brokers that support one.
func (e Event) Key() string { return e.JobID }

// Outcome builds an outcome event for job.
func Outcome(job apply.Job, status apply.JobStatus, rec *apply.ErrorRecord, artifacts []string, at time.Time) Event {
	ev := Event{
		Type:       TypeOutcome,
		JobID:      job.ID,
		Platform:   job.Platform,
		URL:        job.URL,
		Status:     status,
		RetryCount: job.RetryCount,
		Artifacts:  artifacts,
		At:         at,
	}
	if rec != nil {
		ev.Category = rec.Category
		ev.Message = rec.Message
	}
	return ev
}

// DeadLetter builds a dead-letter event.
func DeadLetter(job apply.Job, rec apply.ErrorRecord) Event {
	return Event{
		Type:       TypeDeadLetter,
		JobID:      job.ID,
		Platform:   job.Platform,
		URL:        job.URL,
		Status:     apply.JobStatusDead,
		Category:   rec.Category,
		RetryCount: rec.RetryCount,
		Message:    rec.Message,
		At:         rec.At,
	}
}

// Keyer is implemented by payloads that carry a partition key.
type Keyer interface {
	Key() string
}
