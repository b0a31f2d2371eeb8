// Package discovery finds job postings and feeds them into the queue.
package discovery

import "context"

// Candidate is a posting found by a Source, before dedup.
type Candidate struct {
	Platform string
	URL      string
	Payload  map[string]string
}

// Source produces candidates on demand.
type Source interface {
	Name() string
	Discover(ctx context.Context) ([]Candidate, error)
}
