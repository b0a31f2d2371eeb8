package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
	"github.com/JakeFAU/apply-orchestrator/internal/metrics"
	"github.com/JakeFAU/apply-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/apply-orchestrator/internal/sessionstate"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// StatsSource reports orchestrator state.
type StatsSource interface {
	Stats(ctx context.Context) orchestrator.Stats
	Running() bool
}

// Enqueuer accepts manually submitted jobs. *queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job apply.Job) (bool, error)
}

// DeadLetterLister reads terminal failures.
type DeadLetterLister interface {
	List(ctx context.Context, limit int) ([]apply.DeadLetter, error)
}

// SessionStates manages platform auth state. *sessionstate.Manager satisfies it.
type SessionStates interface {
	Save(ctx context.Context, st sessionstate.State) error
	Invalidate(ctx context.Context, platform string) error
	Export(ctx context.Context) ([]sessionstate.Summary, error)
}

// Deps are the server's collaborators. Sessions may be nil.
type Deps struct {
	Stats       StatsSource
	Queue       Enqueuer
	DeadLetters DeadLetterLister
	Sessions    SessionStates
	Hasher      apply.Hasher
	Clock       apply.Clock
	// Platforms restricts manual enqueue to configured platform names.
	Platforms []string
}

// Config controls server behavior.
type Config struct {
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the orchestrator and its stores.
type Server struct {
	router    chi.Router
	deps      Deps
	platforms map[string]struct{}
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. When cfg.APIKey is
// set, every /v1 route requires it.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		deps:      deps,
		platforms: make(map[string]struct{}, len(deps.Platforms)),
		logger:    logger.Named("api"),
	}
	for _, p := range deps.Platforms {
		s.platforms[p] = struct{}{}
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/stats", s.getStats)
		r.Get("/deadletters", s.listDeadLetters)
		r.Post("/jobs", s.submitJob)
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Put("/{platform}", s.putSession)
			r.Delete("/{platform}", s.deleteSession)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Stats == nil || !s.deps.Stats.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Stats.Stats(r.Context()))
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}
	entries, err := s.deps.DeadLetters.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list dead letters", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if entries == nil {
		entries = []apply.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": entries, "count": len(entries)})
}

type jobRequest struct {
	Platform string            `json:"platform"`
	URL      string            `json:"url"`
	Payload  map[string]string `json:"payload"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Platform = strings.TrimSpace(req.Platform)
	if _, ok := s.platforms[req.Platform]; !ok {
		writeError(w, http.StatusBadRequest, "unknown platform")
		return
	}
	job, err := apply.NewJob(s.deps.Hasher, s.deps.Clock, req.Platform, req.URL, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	added, err := s.deps.Queue.Enqueue(r.Context(), job)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	if !added {
		writeJSON(w, http.StatusConflict, map[string]any{"job_id": job.ID, "enqueued": false})
		return
	}
	metrics.ObserveEnqueued(job.Platform, "api")
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "enqueued": true})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusNotFound, "session state disabled")
		return
	}
	summaries, err := s.deps.Sessions.Export(r.Context())
	if err != nil {
		s.logger.Error("export session state", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to export session state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

type sessionRequest struct {
	Cookies      []sessionstate.Cookie `json:"cookies"`
	Headers      map[string]string     `json:"headers"`
	LocalStorage map[string]string     `json:"local_storage"`
	ExpiresAt    time.Time             `json:"expires_at"`
}

func (s *Server) putSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusNotFound, "session state disabled")
		return
	}
	platform := chi.URLParam(r, "platform")
	if _, ok := s.platforms[platform]; !ok {
		writeError(w, http.StatusNotFound, "unknown platform")
		return
	}
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Cookies) == 0 && len(req.Headers) == 0 && len(req.LocalStorage) == 0 {
		writeError(w, http.StatusBadRequest, "cookies, headers or local_storage required")
		return
	}
	st := sessionstate.State{
		Platform:     platform,
		Cookies:      req.Cookies,
		Headers:      req.Headers,
		LocalStorage: req.LocalStorage,
		ExpiresAt:    req.ExpiresAt,
	}
	if err := s.deps.Sessions.Save(r.Context(), st); err != nil {
		s.logger.Error("save session state", zap.String("platform", platform), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save session state")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusNotFound, "session state disabled")
		return
	}
	platform := chi.URLParam(r, "platform")
	if err := s.deps.Sessions.Invalidate(r.Context(), platform); err != nil {
		s.logger.Error("invalidate session state", zap.String("platform", platform), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to invalidate session state")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
