// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
)

//go:embed schema.sql
var schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate applies the embedded schema on open.
	Migrate bool
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore implements apply.Store on Postgres.
type JobStore struct {
	pool pgxPool
}

// NewJobStore connects to Postgres using the provided config.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &JobStore{pool: pool}
	if cfg.Migrate {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool pgxPool) (*JobStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Insert stores a job unless its ID already exists, resolved or not.
func (s *JobStore) Insert(ctx context.Context, job apply.Job) (bool, error) {
	payload, err := marshalPayload(job.Payload)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO jobs (id, platform, url, payload, retry_count, created_at, not_before, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO NOTHING`,
		job.ID, job.Platform, job.URL, payload, job.RetryCount, job.CreatedAt, nullableTime(job.NotBefore), string(job.Status),
	)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateStatus sets a job's status.
func (s *JobStore) UpdateStatus(ctx context.Context, jobID string, status apply.JobStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), jobID,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, apply.ErrNotFound)
	}
	return nil
}

// UpdateRetry records a retry and returns the job to pending.
func (s *JobStore) UpdateRetry(ctx context.Context, jobID string, retryCount int, notBefore time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET retry_count = $1, not_before = $2, status = $3, updated_at = NOW() WHERE id = $4`,
		retryCount, nullableTime(notBefore), string(apply.JobStatusPending), jobID,
	)
	if err != nil {
		return fmt.Errorf("update job retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, apply.ErrNotFound)
	}
	return nil
}

// LoadUnresolved returns pending and dispatched jobs oldest first.
func (s *JobStore) LoadUnresolved(ctx context.Context) ([]apply.Job, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, platform, url, payload, retry_count, created_at, not_before, status
FROM jobs
WHERE status IN ($1, $2)
ORDER BY created_at, id`,
		string(apply.JobStatusPending), string(apply.JobStatusDispatched),
	)
	if err != nil {
		return nil, fmt.Errorf("query unresolved jobs: %w", err)
	}
	defer rows.Close()

	var out []apply.Job
	for rows.Next() {
		var (
			job       apply.Job
			payload   []byte
			notBefore pgtype.Timestamptz
			status    string
		)
		if err := rows.Scan(&job.ID, &job.Platform, &job.URL, &payload, &job.RetryCount, &job.CreatedAt, &notBefore, &status); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &job.Payload); err != nil {
				return nil, fmt.Errorf("decode payload for %s: %w", job.ID, err)
			}
		}
		if notBefore.Valid {
			job.NotBefore = notBefore.Time
		}
		job.Status = apply.JobStatus(status)
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// DeleteStale drops never-retried pending jobs created before cutoff, except keep.
func (s *JobStore) DeleteStale(ctx context.Context, cutoff time.Time, keep []string) (int64, error) {
	if keep == nil {
		keep = []string{}
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE status = $1 AND retry_count = 0 AND created_at < $2 AND NOT (id = ANY($3))`,
		string(apply.JobStatusPending), cutoff, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("delete stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AddDeadLetter appends an entry once per job.
func (s *JobStore) AddDeadLetter(ctx context.Context, entry apply.DeadLetter) (bool, error) {
	jobJSON, err := json.Marshal(entry.Job)
	if err != nil {
		return false, fmt.Errorf("marshal dead letter job: %w", err)
	}
	recJSON, err := json.Marshal(entry.Record)
	if err != nil {
		return false, fmt.Errorf("marshal dead letter record: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO dead_letters (job_id, job, record, category, at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (job_id) DO NOTHING`,
		entry.Job.ID, jobJSON, recJSON, string(entry.Record.Category), entry.Record.At,
	)
	if err != nil {
		return false, fmt.Errorf("insert dead letter: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListDeadLetters returns the newest entries first. limit <= 0 returns all.
func (s *JobStore) ListDeadLetters(ctx context.Context, limit int) ([]apply.DeadLetter, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.pool.Query(ctx, `SELECT job, record FROM dead_letters ORDER BY seq DESC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT job, record FROM dead_letters ORDER BY seq DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []apply.DeadLetter
	for rows.Next() {
		var jobJSON, recJSON []byte
		if err := rows.Scan(&jobJSON, &recJSON); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		var entry apply.DeadLetter
		if err := json.Unmarshal(jobJSON, &entry.Job); err != nil {
			return nil, fmt.Errorf("decode dead letter job: %w", err)
		}
		if err := json.Unmarshal(recJSON, &entry.Record); err != nil {
			return nil, fmt.Errorf("decode dead letter record: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// CountDeadLetters returns the number of dead-lettered jobs.
func (s *JobStore) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// LoadPlatformStates returns the stored balancer rows ordered by platform.
func (s *JobStore) LoadPlatformStates(ctx context.Context) ([]apply.PlatformState, error) {
	rows, err := s.pool.Query(ctx, `
SELECT platform, to_char(day, 'YYYY-MM-DD'), remaining_quota, weight, success_rate, samples
FROM platform_state ORDER BY platform`)
	if err != nil {
		return nil, fmt.Errorf("query platform state: %w", err)
	}
	defer rows.Close()

	var out []apply.PlatformState
	for rows.Next() {
		var st apply.PlatformState
		if err := rows.Scan(&st.Platform, &st.Day, &st.RemainingQuota, &st.Weight, &st.SuccessRate, &st.Samples); err != nil {
			return nil, fmt.Errorf("scan platform state: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate platform state: %w", err)
	}
	return out, nil
}

// SavePlatformState replaces the row for state.Platform.
func (s *JobStore) SavePlatformState(ctx context.Context, state apply.PlatformState) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO platform_state (platform, day, remaining_quota, weight, success_rate, samples)
VALUES ($1, $2::date, $3, $4, $5, $6)
ON CONFLICT (platform) DO UPDATE SET
	day = EXCLUDED.day,
	remaining_quota = EXCLUDED.remaining_quota,
	weight = EXCLUDED.weight,
	success_rate = EXCLUDED.success_rate,
	samples = EXCLUDED.samples,
	updated_at = NOW()`,
		state.Platform, state.Day, state.RemainingQuota, state.Weight, state.SuccessRate, state.Samples,
	)
	if err != nil {
		return fmt.Errorf("save platform state: %w", err)
	}
	return nil
}

func marshalPayload(p map[string]string) ([]byte, error) {
	if len(p) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
