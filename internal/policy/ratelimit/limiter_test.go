package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitPacesPlatform(t *testing.T) {
	t.Parallel()

	l := New(Config{Platforms: map[string]Rule{"lever": {RPS: 10, Burst: 1}}})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "lever"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "lever"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterPlatformsIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{Default: Rule{RPS: 1, Burst: 1}})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "b"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.False(t, l.Allow("a"))
}

func TestLimiterUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for range 100 {
		require.True(t, l.Allow("anything"))
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{Default: Rule{RPS: 0.01, Burst: 1}})
	require.True(t, l.Allow("slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "slow"))
}
