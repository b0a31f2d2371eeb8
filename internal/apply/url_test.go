package apply_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/apply-orchestrator/internal/apply"
	"github.com/JakeFAU/apply-orchestrator/internal/hash/sha256"
)

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTPS://Jobs.Lever.co:443/acme/123/?utm_source=x&b=2&a=1#apply": "https://jobs.lever.co/acme/123?a=1&b=2",
		"http://boards.greenhouse.io:80/acme/jobs/9?gh_jid=9&gclid=abc":  "http://boards.greenhouse.io/acme/jobs/9?gh_jid=9",
		"https://example.com/":                       "https://example.com/",
		"  https://example.com:8443/path?trk=feed  ": "https://example.com:8443/path",
	}
	for in, want := range cases {
		got, err := apply.NormalizeURL(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "/relative/path", "example.com/jobs", "http://[::1"} {
		_, err := apply.NormalizeURL(bad)
		require.Error(t, err, bad)
	}
}

func TestDedupKeyCollapsesVariants(t *testing.T) {
	t.Parallel()

	h := sha256.New()
	a, err := apply.DedupKey(h, "https://jobs.lever.co/acme/123?utm_campaign=spring")
	require.NoError(t, err)
	b, err := apply.DedupKey(h, "https://JOBS.lever.co/acme/123/#top")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := apply.DedupKey(h, "https://jobs.lever.co/acme/124")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestNewJob(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job, err := apply.NewJob(sha256.New(), stubClock{now: now}, "lever",
		"https://jobs.lever.co/acme/123/?ref=home", map[string]string{"resume": "r1"})
	require.NoError(t, err)
	require.Equal(t, "https://jobs.lever.co/acme/123", job.URL)
	require.Equal(t, "lever", job.Platform)
	require.Equal(t, apply.JobStatusPending, job.Status)
	require.Equal(t, now, job.CreatedAt)
	require.Zero(t, job.RetryCount)
	require.NotEmpty(t, job.ID)

	_, err = apply.NewJob(sha256.New(), stubClock{now: now}, " ", "https://x.test/", nil)
	require.Error(t, err)
}

func TestJobStatusResolved(t *testing.T) {
	t.Parallel()

	require.False(t, apply.JobStatusPending.Resolved())
	require.False(t, apply.JobStatusDispatched.Resolved())
	for _, s := range []apply.JobStatus{apply.JobStatusSucceeded, apply.JobStatusSkipped, apply.JobStatusAborted, apply.JobStatusDead, apply.JobStatusExpired} {
		require.True(t, s.Resolved(), s)
	}
}

func TestTaskErrorMessage(t *testing.T) {
	t.Parallel()

	err := &apply.TaskError{Category: apply.CategoryRateLimit, StatusCode: 429, Msg: "too many requests"}
	require.Equal(t, "too many requests (status 429)", err.Error())
}
