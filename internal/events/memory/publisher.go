// Package memory keeps the most recent job events in process memory.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/apply-orchestrator/internal/events"
)

// DefaultCapacity bounds how many events a Publisher retains.
const DefaultCapacity = 1000

// Record is one accepted event.
type Record struct {
	ID    string
	Topic string
	Event events.Event
}

// Publisher retains the last capacity events, oldest first.
type Publisher struct {
	mu        sync.RWMutex
	capacity  int
	published int
	records   []Record
}

// New returns a Publisher. capacity <= 0 means DefaultCapacity.
func New(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Publisher{capacity: capacity}
}

// Publish accepts events.Event payloads and returns topic/job/sequence as the ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	var ev events.Event
	switch v := payload.(type) {
	case events.Event:
		ev = v
	case *events.Event:
		if v == nil {
			return "", errors.New("nil event")
		}
		ev = *v
	default:
		return "", fmt.Errorf("unsupported event payload %T", payload)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.published++
	id := fmt.Sprintf("%s/%s/%d", topic, ev.Key(), p.published)
	if len(p.records) == p.capacity {
		copy(p.records, p.records[1:])
		p.records = p.records[:len(p.records)-1]
	}
	p.records = append(p.records, Record{ID: id, Topic: topic, Event: ev})
	return id, nil
}

// Records returns the retained events.
func (p *Publisher) Records() []Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Record(nil), p.records...)
}

// ForJob returns the retained events of one job.
func (p *Publisher) ForJob(jobID string) []Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Record
	for _, r := range p.records {
		if r.Event.JobID == jobID {
			out = append(out, r)
		}
	}
	return out
}

// Published counts every accepted event, including ones no longer retained.
func (p *Publisher) Published() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.published
}

// Close is a no-op.
func (p *Publisher) Close() error { return nil }
