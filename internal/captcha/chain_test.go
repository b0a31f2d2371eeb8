package captcha

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSolver struct {
	name  string
	token string
	err   error
	calls int
}

func (s *stubSolver) Name() string { return s.name }

func (s *stubSolver) Solve(context.Context, Challenge) (string, error) {
	s.calls++
	return s.token, s.err
}

func TestChainFallsBackInOrder(t *testing.T) {
	t.Parallel()

	first := &stubSolver{name: "first", err: errors.New("quota exceeded")}
	second := &stubSolver{name: "second", token: "tok-2"}
	third := &stubSolver{name: "third", token: "tok-3"}
	chain := NewChain(zap.NewNop(), first, second, third)

	token, err := chain.Solve(context.Background(), Challenge{Kind: KindRecaptchaV2})
	require.NoError(t, err)
	require.Equal(t, "tok-2", token)
	require.Equal(t, 1, first.calls)
	require.Equal(t, 1, second.calls)
	require.Zero(t, third.calls)

	stats := chain.Stats()
	require.Equal(t, int64(1), stats.Solved["second"])
	require.Equal(t, int64(1), stats.Failed["first"])
}

func TestChainAllFail(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	chain := NewChain(nil,
		&stubSolver{name: "a", err: boom},
		&stubSolver{name: "b"},
	)
	_, err := chain.Solve(context.Background(), Challenge{Kind: KindHCaptcha})
	require.ErrorIs(t, err, ErrAllProvidersFailed)
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "b: empty token")
}

func TestChainEmpty(t *testing.T) {
	t.Parallel()

	_, err := NewChain(nil).Solve(context.Background(), Challenge{})
	require.ErrorIs(t, err, ErrAllProvidersFailed)
}

func TestChainStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &stubSolver{name: "a", token: "x"}
	_, err := NewChain(nil, s).Solve(ctx, Challenge{})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, s.calls)
}
