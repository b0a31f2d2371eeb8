// Package sqlite persists jobs and dead letters in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
)

//go:embed schema.sql
var schema string

// Config controls the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// JobStore implements apply.Store on SQLite.
type JobStore struct {
	db *sql.DB
}

// Open creates the database file if needed and applies the schema.
func Open(ctx context.Context, cfg Config) (*JobStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &JobStore{db: db}, nil
}

// Close closes the database.
func (s *JobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Insert stores a job unless its ID already exists, resolved or not.
func (s *JobStore) Insert(ctx context.Context, job apply.Job) (bool, error) {
	payload, err := marshalPayload(job.Payload)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, platform, url, payload, retry_count, created_at, not_before, status, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		job.ID, job.Platform, job.URL, payload, job.RetryCount,
		toNanos(job.CreatedAt), toNanos(job.NotBefore), string(job.Status), time.Now().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert job rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateStatus sets a job's status.
func (s *JobStore) UpdateStatus(ctx context.Context, jobID string, status apply.JobStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixNano(), jobID,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return expectOne(res, jobID)
}

// UpdateRetry records a retry and returns the job to pending.
func (s *JobStore) UpdateRetry(ctx context.Context, jobID string, retryCount int, notBefore time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET retry_count = ?, not_before = ?, status = ?, updated_at = ? WHERE id = ?`,
		retryCount, toNanos(notBefore), string(apply.JobStatusPending), time.Now().UnixNano(), jobID,
	)
	if err != nil {
		return fmt.Errorf("update job retry: %w", err)
	}
	return expectOne(res, jobID)
}

// LoadUnresolved returns pending and dispatched jobs oldest first.
func (s *JobStore) LoadUnresolved(ctx context.Context) ([]apply.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, platform, url, payload, retry_count, created_at, not_before, status
		 FROM jobs WHERE status IN (?, ?) ORDER BY created_at, id`,
		string(apply.JobStatusPending), string(apply.JobStatusDispatched),
	)
	if err != nil {
		return nil, fmt.Errorf("query unresolved jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []apply.Job
	for rows.Next() {
		var (
			job       apply.Job
			payload   sql.NullString
			createdAt int64
			notBefore int64
			status    string
		)
		if err := rows.Scan(&job.ID, &job.Platform, &job.URL, &payload, &job.RetryCount, &createdAt, &notBefore, &status); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &job.Payload); err != nil {
				return nil, fmt.Errorf("decode payload for %s: %w", job.ID, err)
			}
		}
		job.CreatedAt = fromNanos(createdAt)
		job.NotBefore = fromNanos(notBefore)
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
	keepJSON, err := json.Marshal(keep)
	if err != nil {
		return 0, fmt.Errorf("marshal kept job ids: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = ? AND retry_count = 0 AND created_at < ?
		 AND id NOT IN (SELECT value FROM json_each(?))`,
		string(apply.JobStatusPending), toNanos(cutoff), string(keepJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("delete stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete stale rows affected: %w", err)
	}
	return n, nil
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters(job_id, job, record, category, at) VALUES(?,?,?,?,?)
		 ON CONFLICT(job_id) DO NOTHING`,
		entry.Job.ID, string(jobJSON), string(recJSON), string(entry.Record.Category), toNanos(entry.Record.At),
	)
	if err != nil {
		return false, fmt.Errorf("insert dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert dead letter rows affected: %w", err)
	}
	return n == 1, nil
}

// ListDeadLetters returns the newest entries first. limit <= 0 returns all.
func (s *JobStore) ListDeadLetters(ctx context.Context, limit int) ([]apply.DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job, record FROM dead_letters ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []apply.DeadLetter
	for rows.Next() {
		var jobJSON, recJSON string
		if err := rows.Scan(&jobJSON, &recJSON); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		var entry apply.DeadLetter
		if err := json.Unmarshal([]byte(jobJSON), &entry.Job); err != nil {
			return nil, fmt.Errorf("decode dead letter job: %w", err)
		}
		if err := json.Unmarshal([]byte(recJSON), &entry.Record); err != nil {
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
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// LoadPlatformStates returns the stored balancer rows ordered by platform.
func (s *JobStore) LoadPlatformStates(ctx context.Context) ([]apply.PlatformState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, day, remaining_quota, weight, success_rate, samples
		 FROM platform_state ORDER BY platform`)
	if err != nil {
		return nil, fmt.Errorf("query platform state: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO platform_state(platform, day, remaining_quota, weight, success_rate, samples, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(platform) DO UPDATE SET
		   day = excluded.day,
		   remaining_quota = excluded.remaining_quota,
		   weight = excluded.weight,
		   success_rate = excluded.success_rate,
		   samples = excluded.samples,
		   updated_at = excluded.updated_at`,
		state.Platform, state.Day, state.RemainingQuota, state.Weight, state.SuccessRate, state.Samples, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save platform state: %w", err)
	}
	return nil
}

func expectOne(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", jobID, apply.ErrNotFound)
	}
	return nil
}

func marshalPayload(p map[string]string) (any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
