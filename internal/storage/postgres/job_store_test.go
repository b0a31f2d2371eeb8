package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
)

func newMockStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewJobStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

var created = time.Unix(1760000000, 0).UTC()

func TestNewJobStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewJobStore(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewJobStoreWithPool(nil)
	require.Error(t, err)
}

func TestInsertReportsConflict(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	job := apply.Job{
		ID:        "abc",
		Platform:  "lever",
		URL:       "https://jobs.lever.co/acme/1",
		Payload:   map[string]string{"resume": "r1"},
		CreatedAt: created,
		Status:    apply.JobStatusPending,
	}
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("abc", "lever", "https://jobs.lever.co/acme/1", []byte(`{"resume":"r1"}`), 0, created, nil, "pending").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("abc", "lever", "https://jobs.lever.co/acme/1", []byte(`{"resume":"r1"}`), 0, created, nil, "pending").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	added, err := store.Insert(context.Background(), job)
	require.NoError(t, err)
	require.True(t, added)
	added, err = store.Insert(context.Background(), job)
	require.NoError(t, err)
	require.False(t, added)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("succeeded", "abc").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("aborted", "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.UpdateStatus(context.Background(), "abc", apply.JobStatusSucceeded))
	err := store.UpdateStatus(context.Background(), "missing", apply.JobStatusAborted)
	require.ErrorIs(t, err, apply.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRetry(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	notBefore := created.Add(time.Minute)
	mock.ExpectExec("UPDATE jobs SET retry_count").
		WithArgs(2, notBefore, "pending", "abc").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateRetry(context.Background(), "abc", 2, notBefore))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRetryPropagatesErrors(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET retry_count").
		WithArgs(1, nil, "pending", "abc").
		WillReturnError(errors.New("connection reset by peer"))

	err := store.UpdateRetry(context.Background(), "abc", 1, time.Time{})
	require.ErrorContains(t, err, "connection reset by peer")
}

func TestLoadUnresolved(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	notBefore := created.Add(time.Hour)
	rows := pgxmock.NewRows([]string{"id", "platform", "url", "payload", "retry_count", "created_at", "not_before", "status"}).
		AddRow("a", "lever", "https://jobs.lever.co/acme/1", []byte(`{"k":"v"}`), 1, created, pgtype.Timestamptz{Time: notBefore, Valid: true}, "pending").
		AddRow("b", "greenhouse", "https://boards.greenhouse.io/acme/2", nil, 0, created.Add(time.Second), nil, "dispatched")
	mock.ExpectQuery("SELECT id, platform, url").
		WithArgs("pending", "dispatched").
		WillReturnRows(rows)

	jobs, err := store.LoadUnresolved(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, map[string]string{"k": "v"}, jobs[0].Payload)
	require.Equal(t, notBefore, jobs[0].NotBefore)
	require.Equal(t, 1, jobs[0].RetryCount)
	require.Equal(t, apply.JobStatusDispatched, jobs[1].Status)
	require.Nil(t, jobs[1].Payload)
	require.True(t, jobs[1].NotBefore.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteStale(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM jobs").
		WithArgs("pending", created, []string{}).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("DELETE FROM jobs").
		WithArgs("pending", created, []string{"job-1"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	n, err := store.DeleteStale(context.Background(), created, nil)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	n, err = store.DeleteStale(context.Background(), created, []string{"job-1"})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetters(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	ctx := context.Background()

	entry := apply.DeadLetter{
		Job:    apply.Job{ID: "abc", Platform: "lever", URL: "https://x.test/1", CreatedAt: created, Status: apply.JobStatusDead},
		Record: apply.ErrorRecord{ID: "r1", At: created, Category: apply.CategoryTimeout, Severity: apply.SeverityWarning, JobID: "abc"},
	}
	mock.ExpectExec("INSERT INTO dead_letters").
		WithArgs("abc", pgxmock.AnyArg(), pgxmock.AnyArg(), "timeout", created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	added, err := store.AddDeadLetter(ctx, entry)
	require.NoError(t, err)
	require.True(t, added)

	mock.ExpectQuery("SELECT job, record FROM dead_letters").
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows([]string{"job", "record"}).
			AddRow([]byte(`{"id":"abc","platform":"lever","status":"dead"}`), []byte(`{"id":"r1","category":"timeout"}`)))
	list, err := store.ListDeadLetters(ctx, 5)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "abc", list[0].Job.ID)
	require.Equal(t, apply.CategoryTimeout, list[0].Record.Category)

	mock.ExpectQuery("SELECT COUNT").WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	n, err := store.CountDeadLetters(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlatformState(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO platform_state").
		WithArgs("lever", "2026-05-01", 6, 0.9, 0.95, 4).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.SavePlatformState(ctx, apply.PlatformState{
		Platform: "lever", Day: "2026-05-01", RemainingQuota: 6, Weight: 0.9, SuccessRate: 0.95, Samples: 4,
	}))

	mock.ExpectQuery("SELECT platform").
		WillReturnRows(pgxmock.NewRows([]string{"platform", "day", "remaining_quota", "weight", "success_rate", "samples"}).
			AddRow("greenhouse", "2026-05-01", 2, 0.5, 0.25, 8).
			AddRow("lever", "2026-05-01", 6, 0.9, 0.95, 4))
	states, err := store.LoadPlatformStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	require.Equal(t, apply.PlatformState{Platform: "lever", Day: "2026-05-01", RemainingQuota: 6, Weight: 0.9, SuccessRate: 0.95, Samples: 4}, states[1])

	mock.ExpectExec("INSERT INTO platform_state").WillReturnError(errors.New("conn reset"))
	require.ErrorContains(t, store.SavePlatformState(ctx, apply.PlatformState{Platform: "lever"}), "save platform state")
	require.NoError(t, mock.ExpectationsWereMet())
}
