package sessionstate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
	"github.com/JakeFAU/apply-orchestrator/internal/clock/system"
)

// Manager fronts a Store with an in-process cache.
type Manager struct {
	store  Store
	ttl    time.Duration
	clock  apply.Clock
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]State
}

// NewManager builds a Manager. ttl sets ExpiresAt on saved states that lack one; zero
// means saved states never expire.
func NewManager(store Store, ttl time.Duration, clock apply.Clock, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session state store is required")
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		ttl:    ttl,
		clock:  clock,
		logger: logger.Named("sessionstate"),
		cache:  make(map[string]State),
	}, nil
}

// Load returns the state for platform, or nil when none is stored or it has expired.
func (m *Manager) Load(ctx context.Context, platform string) (*State, error) {
	now := m.clock.Now()
	m.mu.RLock()
	cached, ok := m.cache[platform]
	m.mu.RUnlock()
	if ok && !cached.Expired(now) {
		return &cached, nil
	}

	st, found, err := m.store.Get(ctx, platform)
	if err != nil {
		return nil, fmt.Errorf("load session state %s: %w", platform, err)
	}
	if !found || st.Expired(now) {
		m.mu.Lock()
		delete(m.cache, platform)
		m.mu.Unlock()
		return nil, nil
	}
	m.mu.Lock()
	m.cache[platform] = st
	m.mu.Unlock()
	return &st, nil
}

// Save stores state, stamping UpdatedAt and a default expiry.
func (m *Manager) Save(ctx context.Context, st State) error {
	if st.Platform == "" {
		return errors.New("platform is required")
	}
	st.UpdatedAt = m.clock.Now()
	if st.ExpiresAt.IsZero() && m.ttl > 0 {
		st.ExpiresAt = st.UpdatedAt.Add(m.ttl)
	}
	if err := m.store.Set(ctx, st); err != nil {
		return fmt.Errorf("save session state %s: %w", st.Platform, err)
	}
	m.mu.Lock()
	m.cache[st.Platform] = st
	m.mu.Unlock()
	m.logger.Info("session state saved",
		zap.String("platform", st.Platform),
		zap.Int("cookies", len(st.Cookies)),
		zap.Time("expires_at", st.ExpiresAt),
	)
	return nil
}

// Invalidate drops the state for platform, typically after an AUTH failure.
func (m *Manager) Invalidate(ctx context.Context, platform string) error {
	m.mu.Lock()
	delete(m.cache, platform)
	m.mu.Unlock()
	if err := m.store.Delete(ctx, platform); err != nil {
		return fmt.Errorf("invalidate session state %s: %w", platform, err)
	}
	m.logger.Info("session state invalidated", zap.String("platform", platform))
	return nil
}

// Export summarizes every stored, unexpired state without exposing cookie values.
func (m *Manager) Export(ctx context.Context) ([]Summary, error) {
	platforms, err := m.store.Platforms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list session states: %w", err)
	}
	sort.Strings(platforms)
	out := make([]Summary, 0, len(platforms))
	for _, p := range platforms {
		st, err := m.Load(ctx, p)
		if err != nil {
			return nil, err
		}
		if st == nil {
			continue
		}
		out = append(out, Summary{
			Platform:    st.Platform,
			Cookies:     len(st.Cookies),
			Headers:     len(st.Headers),
			LocalValues: len(st.LocalStorage),
			UpdatedAt:   st.UpdatedAt,
			ExpiresAt:   st.ExpiresAt,
		})
	}
	return out, nil
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
