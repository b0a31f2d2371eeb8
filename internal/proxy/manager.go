// Package proxy rotates outbound proxy endpoints and blacklists the ones that fail.
package proxy

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNoProxies is returned when every endpoint is blacklisted or none are configured.
var ErrNoProxies = errors.New("no healthy proxies")

// Health of an endpoint.
type Health string

const (
	// Healthy endpoints are eligible for selection.
	Healthy Health = "healthy"
	// Blacklisted endpoints are skipped until their TTL lapses.
	Blacklisted Health = "blacklisted"
)

// Config tunes failure handling.
type Config struct {
	// MaxFailures is the number of consecutive failures before blacklisting. Defaults to 1.
	MaxFailures int
	// BlacklistTTL bounds how long an endpoint stays blacklisted. Zero means forever.
	BlacklistTTL time.Duration
	Seed         uint64
}

type entry struct {
	endpoint         Endpoint
	failures         int
	health           Health
	blacklistedUntil time.Time
}

// Status is a read-only view of one endpoint.
type Status struct {
	Address          string    `json:"address"`
	Health           Health    `json:"health"`
	Failures         int       `json:"failures"`
	BlacklistedUntil time.Time `json:"blacklisted_until,omitempty"`
}

// Manager hands out healthy endpoints at random, favoring the front of the rotation.
type Manager struct {
	mu      sync.Mutex
	entries []*entry
	cfg     Config
	rng     *rand.Rand
	now     func() time.Time
	logger  *zap.Logger
}

// NewManager builds a Manager over endpoints. Duplicate addresses are collapsed.
func NewManager(endpoints []Endpoint, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	seen := make(map[string]struct{}, len(endpoints))
	entries := make([]*entry, 0, len(endpoints))
	for _, ep := range endpoints {
		key := ep.Address()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		entries = append(entries, &entry{endpoint: ep, health: Healthy})
	}
	return &Manager{
		entries: entries,
		cfg:     cfg,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:     time.Now,
		logger:  logger.Named("proxy"),
	}
}

// Get returns a random healthy endpoint. Among n healthy endpoints, the one at
// rotation position i is picked with weight n-i, so recently successful endpoints are
// preferred and every healthy endpoint still sees traffic.
func (m *Manager) Get() (Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	healthy := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		m.restoreIfExpired(e, now)
		if e.health == Healthy {
			healthy = append(healthy, e)
		}
	}
	if len(healthy) == 0 {
		return Endpoint{}, ErrNoProxies
	}
	n := len(healthy)
	r := m.rng.IntN(n * (n + 1) / 2)
	for i, e := range healthy {
		r -= n - i
		if r < 0 {
			return e.endpoint, nil
		}
	}
	return healthy[n-1].endpoint, nil
}

// MarkFailed records a failure against address and blacklists it past MaxFailures.
func (m *Manager) MarkFailed(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.find(address)
	if e == nil || e.health == Blacklisted {
		return
	}
	e.failures++
	if e.failures < m.cfg.MaxFailures {
		return
	}
	e.health = Blacklisted
	if m.cfg.BlacklistTTL > 0 {
		e.blacklistedUntil = m.now().Add(m.cfg.BlacklistTTL)
	}
	m.logger.Warn("proxy blacklisted",
		zap.String("proxy", address),
		zap.Int("failures", e.failures),
		zap.Duration("ttl", m.cfg.BlacklistTTL),
	)
}

// MarkSuccess clears the failure counter and moves address to the front of the rotation.
func (m *Manager) MarkSuccess(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.endpoint.Address() != address {
			continue
		}
		e.failures = 0
		if i > 0 {
			copy(m.entries[1:i+1], m.entries[:i])
			m.entries[0] = e
		}
		return
	}
}

// Statuses lists every endpoint in rotation order.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]Status, 0, len(m.entries))
	for _, e := range m.entries {
		m.restoreIfExpired(e, now)
		out = append(out, Status{
			Address:          e.endpoint.Address(),
			Health:           e.health,
			Failures:         e.failures,
			BlacklistedUntil: e.blacklistedUntil,
		})
	}
	return out
}

// Healthy returns the number of endpoints currently eligible.
func (m *Manager) Healthy() int {
	n := 0
	for _, s := range m.Statuses() {
		if s.Health == Healthy {
			n++
		}
	}
	return n
}

func (m *Manager) find(address string) *entry {
	for _, e := range m.entries {
		if e.endpoint.Address() == address {
			return e
		}
	}
	return nil
}

func (m *Manager) restoreIfExpired(e *entry, now time.Time) {
	if e.health != Blacklisted || e.blacklistedUntil.IsZero() || now.Before(e.blacklistedUntil) {
		return
	}
	e.health = Healthy
	e.failures = 0
	e.blacklistedUntil = time.Time{}
	m.logger.Info("proxy restored", zap.String("proxy", e.endpoint.Address()))
}
