package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after))
}

func TestClockNowIn(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("test", 3600)
	got := NewIn(loc).Now()
	require.Equal(t, loc, got.Location())

	require.Equal(t, time.UTC, NewIn(nil).Now().Location())
}
