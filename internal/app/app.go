// Package app builds the long-lived services from configuration and hands them to
// the CLI commands. It is the only place that knows which driver backs which interface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/apply-orchestrator/internal/api"
	"github.com/JakeFAU/apply-orchestrator/internal/apply"
	"github.com/JakeFAU/apply-orchestrator/internal/balancer"
	"github.com/JakeFAU/apply-orchestrator/internal/captcha"
	"github.com/JakeFAU/apply-orchestrator/internal/clock/system"
	"github.com/JakeFAU/apply-orchestrator/internal/config"
	"github.com/JakeFAU/apply-orchestrator/internal/discovery"
	"github.com/JakeFAU/apply-orchestrator/internal/events/kafka"
	eventsmemory "github.com/JakeFAU/apply-orchestrator/internal/events/memory"
	"github.com/JakeFAU/apply-orchestrator/internal/events/pubsub"
	"github.com/JakeFAU/apply-orchestrator/internal/executor"
	"github.com/JakeFAU/apply-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/apply-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/apply-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/apply-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/apply-orchestrator/internal/proxy"
	"github.com/JakeFAU/apply-orchestrator/internal/queue"
	"github.com/JakeFAU/apply-orchestrator/internal/resilience"
	"github.com/JakeFAU/apply-orchestrator/internal/session"
	"github.com/JakeFAU/apply-orchestrator/internal/sessionstate"
	"github.com/JakeFAU/apply-orchestrator/internal/storage/gcs"
	"github.com/JakeFAU/apply-orchestrator/internal/storage/local"
	"github.com/JakeFAU/apply-orchestrator/internal/storage/memory"
	"github.com/JakeFAU/apply-orchestrator/internal/storage/postgres"
	"github.com/JakeFAU/apply-orchestrator/internal/storage/sqlite"
	"github.com/JakeFAU/apply-orchestrator/internal/telemetry"
)

// Store is a job store that also keeps dead letters and balancer state. Every storage
// driver satisfies it.
type Store interface {
	apply.JobStore
	apply.DeadLetterStore
	apply.PlatformStateStore
	Close() error
}

// App holds the wired services. Build it with New and release it with Close.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Store        Store
	Queue        *queue.Queue
	DeadLetters  *resilience.DeadLetters
	Sessions     *sessionstate.Manager
	Orchestrator *orchestrator.Orchestrator
	Server       *api.Server
	Discovery    *discovery.Service
	Tracer       *sdktrace.TracerProvider

	pool    *session.Pool
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// OpenStore opens the configured job store.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewJobStore(), nil
	case "sqlite":
		s, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLitePath})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := postgres.NewJobStore(ctx, postgres.Config{DSN: cfg.PostgresDSN, MaxConns: cfg.MaxConns, Migrate: true})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}

// New wires every component described by cfg. On error, anything already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	logger.Info("Initializing application services...")

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.Tracer = tp
	a.addCloser("tracer", func() error { return tp.Shutdown(context.Background()) })

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	clk := system.NewIn(loc)
	hasher := sha256.New()

	store, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.addCloser("job store", store.Close)
	logger.Info("Job store ready", zap.String("driver", cfg.Storage.Driver))

	q, err := queue.New(store, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("init queue: %w", err)
	}
	a.Queue = q

	bc := balancerConfig(cfg)
	bc.State = store
	bc.Clock = clk
	bal, err := balancer.New(bc, q, logger)
	if err != nil {
		return nil, fmt.Errorf("init balancer: %w", err)
	}
	if _, err := bal.Restore(ctx); err != nil {
		return nil, err
	}

	a.DeadLetters = resilience.NewDeadLetters(store)
	handler, err := resilience.NewHandler(resilience.Config{
		MaxRetriesPerJob: cfg.Retry.MaxRetriesPerJob,
		Scope:            cfg.Breaker.Scope,
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
			HalfOpen:         cfg.Breaker.HalfOpen,
		},
		Backoff: resilience.BackoffConfig{
			Base:            cfg.Retry.BaseDelay,
			Max:             cfg.Retry.MaxDelay,
			JitterMax:       cfg.Retry.JitterMax,
			RateLimitFactor: cfg.Retry.RateLimitFactor,
		},
	}, resilience.NewClassifier(), a.DeadLetters, clk, uuid.New(), logger)
	if err != nil {
		return nil, fmt.Errorf("init error handler: %w", err)
	}

	proxies, err := buildProxies(cfg.Proxy, logger)
	if err != nil {
		return nil, err
	}

	launcher, err := session.NewLauncher(session.LauncherConfig{
		Driver:    cfg.Session.Driver,
		Headless:  cfg.Session.Headless,
		UserAgent: cfg.Session.UserAgent,
		ExecPath:  cfg.Session.ExecPath,
		Cloud: session.CloudConfig{
			WSURL:     cfg.Session.Cloud.WSURL,
			APIKey:    cfg.Session.Cloud.APIKey,
			ProjectID: cfg.Session.Cloud.ProjectID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init launcher: %w", err)
	}
	var proxySource session.ProxySource
	if proxies != nil {
		proxySource = proxies
	}
	pool, err := session.NewPool(session.Config{
		MaxSessions:           cfg.Session.MaxSessions,
		MaxRequestsPerSession: cfg.Session.MaxRequestsPerSession,
		IdleTimeout:           cfg.Session.IdleTimeout,
		AcquireTimeout:        cfg.Session.AcquireTimeout,
	}, launcher, proxySource, logger)
	if err != nil {
		return nil, fmt.Errorf("init session pool: %w", err)
	}
	a.pool = pool

	sessions, err := buildSessionStates(ctx, cfg.SessionState, clk, logger)
	if err != nil {
		return nil, err
	}
	a.Sessions = sessions
	a.addCloser("session state", sessions.Close)

	chain, err := buildCaptcha(cfg.Captcha, logger)
	if err != nil {
		return nil, err
	}
	var solver captcha.Solver
	var counter orchestrator.CaptchaCounter
	if chain != nil {
		solver = chain
		counter = chain
	}
	nav := executor.NewNavigate(executor.NavigateConfig{
		UserAgent:         cfg.Session.UserAgent,
		NavigationTimeout: cfg.Session.NavigationTimeout,
		Screenshot:        cfg.Session.Screenshot,
	}, solver, logger)
	registry := executor.NewRegistry(nav)

	artifacts, err := a.buildArtifacts(ctx, cfg.Artifacts)
	if err != nil {
		return nil, err
	}
	publisher, err := a.buildEvents(ctx, cfg.Events)
	if err != nil {
		return nil, err
	}

	deps := orchestrator.Deps{
		Pool:      pool,
		Balancer:  bal,
		Queue:     q,
		Errors:    handler,
		Executor:  registry,
		Limiter:   ratelimit.New(limiterConfig(cfg)),
		Auth:      sessions,
		Artifacts: artifacts,
		Events:    publisher,
		Captcha:   counter,
		Clock:     clk,
	}
	if proxies != nil {
		deps.Proxies = proxies
	}

	if cfg.Discovery.Enabled {
		svc, derr := buildDiscovery(cfg, q, hasher, clk, logger)
		if derr != nil {
			return nil, derr
		}
		a.Discovery = svc
		deps.Discovery = svc
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Workers:          cfg.Orchestrator.MaxConcurrentApplications,
		MinDelay:         cfg.Orchestrator.MinDelay,
		MaxDelay:         cfg.Orchestrator.MaxDelay,
		MaxDailyFailures: cfg.Orchestrator.MaxDailyFailures,
		FailureCooldown:  cfg.Orchestrator.FailureCooldown,
		IdleBackoff:      cfg.Orchestrator.IdleBackoff,
		QuotaBackoff:     cfg.Orchestrator.QuotaBackoff,
		JobTimeout:       cfg.Orchestrator.JobTimeout,
		AcquireTimeout:   cfg.Session.AcquireTimeout,
		DrainTimeout:     cfg.Orchestrator.DrainTimeout,
		StatsInterval:    cfg.Stats.Interval,
		DailyResetCron:   cfg.Orchestrator.DailyResetCron,
		Location:         loc,
		WarmSessions:     cfg.Session.Warm,
		OutcomeTopic:     cfg.Events.Topic,
		DeadLetterTopic:  cfg.Events.DeadLetterTopic,
	}, deps, logger)
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}
	a.Orchestrator = orch

	if cfg.Server.Enabled {
		a.Server = api.NewServer(api.Deps{
			Stats:       orch,
			Queue:       q,
			DeadLetters: a.DeadLetters,
			Sessions:    sessions,
			Hasher:      hasher,
			Clock:       clk,
			Platforms:   cfg.PlatformNames(),
		}, api.Config{APIKey: cfg.Server.APIKey}, logger)
	}

	logger.Info("Application services initialized successfully.",
		zap.Strings("platforms", cfg.PlatformNames()),
		zap.Int("workers", cfg.Orchestrator.MaxConcurrentApplications),
	)
	return a, nil
}

// HTTPServer returns an http.Server for the API, or nil when the server is disabled.
func (a *App) HTTPServer() *http.Server {
	if a.Server == nil {
		return nil
	}
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Close releases every opened resource in reverse order. Stop the orchestrator first;
// closing an already closed session pool is a no-op.
func (a *App) Close(ctx context.Context) error {
	a.Logger.Info("Shutting down application services...")
	var errs []error
	if a.pool != nil {
		if err := a.pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session pool: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.Logger.Warn("Error closing service", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

func (a *App) buildArtifacts(ctx context.Context, cfg config.ArtifactsConfig) (apply.ArtifactStore, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "local":
		s, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local artifacts: %w", err)
		}
		return s, nil
	case "gcs":
		s, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs artifacts: %w", err)
		}
		a.addCloser("gcs artifacts", s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown artifacts driver: %s", cfg.Driver)
	}
}

func (a *App) buildEvents(ctx context.Context, cfg config.EventsConfig) (apply.Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return eventsmemory.New(0), nil
	case "pubsub":
		p, err := pubsub.Open(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub events: %w", err)
		}
		a.addCloser("pubsub events", p.Close)
		return p, nil
	case "kafka":
		w, err := kafka.NewWriter(kafka.Config{Brokers: cfg.Brokers})
		if err != nil {
			return nil, fmt.Errorf("init kafka events: %w", err)
		}
		p := kafka.New(w)
		a.addCloser("kafka events", p.Close)
		return p, nil
	default:
		return nil, fmt.Errorf("unknown events driver: %s", cfg.Driver)
	}
}

func balancerConfig(cfg config.Config) balancer.Config {
	out := balancer.Config{
		EMAAlpha:        cfg.Balancer.EMAAlpha,
		SuccessFeedback: cfg.Balancer.SuccessFeedback,
		FeedbackFloor:   cfg.Balancer.FeedbackFloor,
		MinSamples:      cfg.Balancer.MinSamples,
		Seed:            cfg.Balancer.Seed,
	}
	for _, name := range cfg.PlatformNames() {
		p := cfg.Platforms[name]
		out.Platforms = append(out.Platforms, balancer.PlatformConfig{
			Name:       name,
			DailyQuota: p.DailyQuota,
			Weight:     p.Weight,
		})
	}
	return out
}

func limiterConfig(cfg config.Config) ratelimit.Config {
	out := ratelimit.Config{Platforms: make(map[string]ratelimit.Rule)}
	for name, p := range cfg.Platforms {
		if p.RPS > 0 {
			out.Platforms[name] = ratelimit.Rule{RPS: p.RPS, Burst: p.Burst}
		}
	}
	return out
}

func buildProxies(cfg config.ProxyConfig, logger *zap.Logger) (*proxy.Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var endpoints []proxy.Endpoint
	if cfg.File != "" {
		fromFile, err := proxy.LoadFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("load proxy file: %w", err)
		}
		endpoints = append(endpoints, fromFile...)
	}
	listed, err := proxy.ParseEndpoints(cfg.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("parse proxy endpoints: %w", err)
	}
	endpoints = append(endpoints, listed...)
	if len(endpoints) == 0 {
		return nil, errors.New("proxy enabled but no endpoints configured")
	}
	logger.Info("Proxy rotation enabled", zap.Int("endpoints", len(endpoints)))
	return proxy.NewManager(endpoints, proxy.Config{
		MaxFailures:  cfg.MaxFailures,
		BlacklistTTL: cfg.BlacklistTTL,
	}, logger), nil
}

func buildSessionStates(ctx context.Context, cfg config.SessionStateConfig, clk apply.Clock, logger *zap.Logger) (*sessionstate.Manager, error) {
	var store sessionstate.Store
	switch cfg.Driver {
	case "", "memory":
		store = sessionstate.NewMemoryStore()
	case "redis":
		rs := sessionstate.NewRedisStore(cfg.RedisAddr, cfg.Prefix, cfg.TTL)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("connect session state: %w", err)
		}
		store = rs
	default:
		return nil, fmt.Errorf("unknown session state driver: %s", cfg.Driver)
	}
	m, err := sessionstate.NewManager(store, cfg.TTL, clk, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init session state: %w", err)
	}
	return m, nil
}

func buildCaptcha(cfg config.CaptchaConfig, logger *zap.Logger) (*captcha.Chain, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client := &http.Client{Timeout: 30 * time.Second}
	providers := make([]captcha.Solver, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		solver, err := captcha.NewTaskAPI(captcha.ProviderConfig{
			Name:         p.Name,
			APIKey:       p.APIKey,
			BaseURL:      p.BaseURL,
			PollInterval: p.PollInterval,
			MaxPolls:     p.MaxPolls,
		}, client)
		if err != nil {
			return nil, fmt.Errorf("init captcha provider %s: %w", p.Name, err)
		}
		providers = append(providers, solver)
	}
	return captcha.NewChain(logger, providers...), nil
}

func buildDiscovery(cfg config.Config, q *queue.Queue, hasher apply.Hasher, clk apply.Clock, logger *zap.Logger) (*discovery.Service, error) {
	var sources []discovery.Source
	if cfg.Discovery.SeedFile != "" {
		sources = append(sources, discovery.NewFileSource(cfg.Discovery.SeedFile))
	}
	if len(cfg.Discovery.Listings) > 0 {
		colly, err := discovery.NewCollySource(discovery.CollyConfig{
			UserAgent:     cfg.Discovery.UserAgent,
			RespectRobots: cfg.Discovery.RespectRobots,
		}, cfg.Discovery.Listings, logger)
		if err != nil {
			return nil, fmt.Errorf("init listing crawler: %w", err)
		}
		sources = append(sources, colly)
	}
	svc, err := discovery.NewService(discovery.Config{
		Interval:      cfg.Discovery.Interval,
		SweepInterval: cfg.Discovery.SweepInterval,
		Retention:     cfg.Discovery.Retention,
		Platforms:     cfg.PlatformNames(),
	}, q, hasher, clk, logger, sources...)
	if err != nil {
		return nil, fmt.Errorf("init discovery: %w", err)
	}
	return svc, nil
}
