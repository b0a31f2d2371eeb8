package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
	"github.com/JakeFAU/apply-orchestrator/internal/clock/system"
	"github.com/JakeFAU/apply-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/apply-orchestrator/internal/proxy"
)

// Config bounds the pool.
type Config struct {
	MaxSessions           int
	MaxRequestsPerSession int
	IdleTimeout           time.Duration
	AcquireTimeout        time.Duration
	LaunchTimeout         time.Duration
}

// ProxySource supplies proxies for new sessions. *proxy.Manager satisfies it.
type ProxySource interface {
	Get() (proxy.Endpoint, error)
}

// Pool loans sessions to workers. All state changes happen under mu; browser
// launches and closes happen outside it with the slot reserved.
type Pool struct {
	cfg      Config
	launcher Launcher
	proxies  ProxySource
	ids      apply.IDGenerator
	clock    apply.Clock
	logger   *zap.Logger

	mu        sync.Mutex
	idle      []*Session
	loaned    map[string]*Session
	launching int
	closed    bool
	changed   chan struct{}

	created       int64
	recycled      int64
	reaped        int64
	launchFailed  int64
	totalRequests int64
}

// NewPool validates cfg and returns an empty pool. proxies may be nil.
func NewPool(cfg Config, launcher Launcher, proxies ProxySource, logger *zap.Logger) (*Pool, error) {
	if launcher == nil {
		return nil, errors.New("launcher is required")
	}
	if cfg.MaxSessions <= 0 {
		return nil, fmt.Errorf("max sessions must be > 0")
	}
	if cfg.MaxRequestsPerSession <= 0 {
		return nil, fmt.Errorf("max requests per session must be > 0")
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:      cfg,
		launcher: launcher,
		proxies:  proxies,
		ids:      uuid.WithPrefix("sess"),
		clock:    system.New(),
		logger:   logger.Named("pool"),
		loaned:   make(map[string]*Session),
		changed:  make(chan struct{}),
	}, nil
}

// Acquire loans a session, launching or recycling as needed. A timeout <= 0 uses
// the configured AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Session, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		now := p.clock.Now()
		if n := len(p.idle); n > 0 {
			s := p.idle[n-1]
			p.idle = p.idle[:n-1]
			if !p.expired(s, now) {
				p.loanLocked(s, now)
				p.mu.Unlock()
				return s, nil
			}
			s.State = StateRecycling
			p.launching++
			p.mu.Unlock()
			return p.recycle(ctx, s)
		}
		if p.totalLocked() < p.cfg.MaxSessions {
			p.launching++
			p.mu.Unlock()
			s, err := p.launch(ctx)
			return p.finishLaunch(s, err, true)
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return nil, &AcquireTimeoutError{Waited: time.Since(start)}
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire session: %w", ctx.Err())
		}
	}
}

// Release returns a loaned session to the idle set regardless of task outcome.
func (p *Pool) Release(s *Session) error {
	if s == nil {
		return ErrUnknownSession
	}
	p.mu.Lock()
	if _, ok := p.loaned[s.ID]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("release %s: %w", s.ID, ErrUnknownSession)
	}
	delete(p.loaned, s.ID)
	s.State = StateIdle
	s.LastUsedAt = p.clock.Now()
	if p.closed {
		p.broadcastLocked()
		p.mu.Unlock()
		p.closeHandle(s)
		return nil
	}
	p.idle = append(p.idle, s)
	p.broadcastLocked()
	p.mu.Unlock()
	return nil
}

// Warm launches up to n sessions ahead of demand. It fails only when n > 0 and none start.
func (p *Pool) Warm(ctx context.Context, n int) error {
	created := 0
	var lastErr error
	for range n {
		p.mu.Lock()
		if p.closed || p.totalLocked() >= p.cfg.MaxSessions {
			p.mu.Unlock()
			break
		}
		p.launching++
		p.mu.Unlock()

		s, err := p.launch(ctx)
		if _, err = p.finishLaunch(s, err, false); err != nil {
			lastErr = err
			p.logger.Warn("warm launch failed", zap.Error(err))
			continue
		}
		created++
	}
	if n > 0 && created == 0 {
		if lastErr == nil {
			lastErr = errors.New("pool at capacity or closed")
		}
		return fmt.Errorf("warm pool: no sessions created: %w", lastErr)
	}
	p.logger.Info("pool warmed", zap.Int("requested", n), zap.Int("created", created))
	return nil
}

// ReapIdle closes idle sessions unused for longer than IdleTimeout.
func (p *Pool) ReapIdle() int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}
	p.mu.Lock()
	now := p.clock.Now()
	keep := p.idle[:0]
	var stale []*Session
	for _, s := range p.idle {
		if now.Sub(s.LastUsedAt) > p.cfg.IdleTimeout {
			stale = append(stale, s)
			continue
		}
		keep = append(keep, s)
	}
	p.idle = keep
	p.reaped += int64(len(stale))
	if len(stale) > 0 {
		p.broadcastLocked()
	}
	p.mu.Unlock()

	for _, s := range stale {
		p.closeHandle(s)
	}
	if len(stale) > 0 {
		p.logger.Debug("reaped idle sessions", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Close stops loaning, closes idle sessions, and waits for loaned ones to come back.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.broadcastLocked()
	p.mu.Unlock()

	for _, s := range idle {
		p.closeHandle(s)
	}

	for {
		p.mu.Lock()
		outstanding := len(p.loaned) + p.launching
		changed := p.changed
		p.mu.Unlock()
		if outstanding == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("close pool with %d sessions outstanding: %w", outstanding, ctx.Err())
		}
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Max:           p.cfg.MaxSessions,
		Idle:          len(p.idle),
		InUse:         len(p.loaned),
		Launching:     p.launching,
		Created:       p.created,
		Recycled:      p.recycled,
		Reaped:        p.reaped,
		LaunchFailed:  p.launchFailed,
		TotalRequests: p.totalRequests,
	}
}

func (p *Pool) expired(s *Session, now time.Time) bool {
	if s.RequestCount >= p.cfg.MaxRequestsPerSession {
		return true
	}
	return p.cfg.IdleTimeout > 0 && now.Sub(s.LastUsedAt) > p.cfg.IdleTimeout
}

func (p *Pool) totalLocked() int {
	return len(p.idle) + len(p.loaned) + p.launching
}

func (p *Pool) loanLocked(s *Session, now time.Time) {
	s.State = StateInUse
	s.LastUsedAt = now
	s.RequestCount++
	p.totalRequests++
	p.loaned[s.ID] = s
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// recycle closes old and launches its replacement. The caller has reserved a slot.
func (p *Pool) recycle(ctx context.Context, old *Session) (*Session, error) {
	p.closeHandle(old)
	p.mu.Lock()
	p.recycled++
	p.mu.Unlock()
	p.logger.Debug("session recycled",
		zap.String("session_id", old.ID),
		zap.Int("requests", old.RequestCount),
	)
	s, err := p.launch(ctx)
	return p.finishLaunch(s, err, true)
}

// launch starts a browser for a reserved slot. It does not touch pool state.
func (p *Pool) launch(ctx context.Context) (*Session, error) {
	id, err := p.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	proxyURL, proxyAddr := "", ""
	if p.proxies != nil {
		ep, perr := p.proxies.Get()
		switch {
		case perr == nil:
			proxyURL, proxyAddr = ep.URL(), ep.Address()
		case errors.Is(perr, proxy.ErrNoProxies):
			p.logger.Warn("launching without proxy", zap.String("session_id", id))
		default:
			return nil, fmt.Errorf("select proxy: %w", perr)
		}
	}

	launchCtx, cancel := context.WithTimeout(ctx, p.cfg.LaunchTimeout)
	defer cancel()
	handle, err := p.launcher.Launch(launchCtx, proxyURL)
	if err != nil {
		return nil, fmt.Errorf("launch session: %w", err)
	}
	// Launchers that manage their own egress report no proxy.
	if handle.Proxy() == "" {
		proxyAddr = ""
	}
	now := p.clock.Now()
	return &Session{
		ID:         id,
		Handle:     handle,
		CreatedAt:  now,
		LastUsedAt: now,
		State:      StateIdle,
		Proxy:      proxyAddr,
	}, nil
}

// finishLaunch releases the reserved slot and either loans or parks the new session.
func (p *Pool) finishLaunch(s *Session, err error, loan bool) (*Session, error) {
	p.mu.Lock()
	p.launching--
	if err != nil {
		p.launchFailed++
		p.broadcastLocked()
		p.mu.Unlock()
		return nil, err
	}
	p.created++
	if p.closed {
		p.broadcastLocked()
		p.mu.Unlock()
		p.closeHandle(s)
		return nil, ErrPoolClosed
	}
	if loan {
		p.loanLocked(s, s.CreatedAt)
	} else {
		p.idle = append(p.idle, s)
	}
	p.broadcastLocked()
	p.mu.Unlock()
	p.logger.Debug("session launched", zap.String("session_id", s.ID), zap.String("proxy", s.Proxy))
	return s, nil
}

func (p *Pool) closeHandle(s *Session) {
	if s.Handle == nil {
		return
	}
	if err := s.Handle.Close(); err != nil {
		p.logger.Warn("close session", zap.String("session_id", s.ID), zap.Error(err))
	}
}
