package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMultiplierStaysInBounds(t *testing.T) {
	th := New(DefaultConfig())
	for i := 0; i < 50; i++ {
		th.RegisterError(429)
	}
	require.LessOrEqual(t, th.CurrentMultiplier(), maxMultiplier)
	require.GreaterOrEqual(t, th.CurrentMultiplier(), minMultiplier)

	for i := 0; i < 50; i++ {
		th.RegisterSuccess()
	}
	require.GreaterOrEqual(t, th.CurrentMultiplier(), minMultiplier)
}

func TestSingleRateLimitErrorTriplesMultiplier(t *testing.T) {
	th := New(DefaultConfig())
	require.Equal(t, 1.0, th.CurrentMultiplier())
	th.RegisterError(429)
	require.Equal(t, 3.0, th.CurrentMultiplier())
}

func TestGenericErrorUsesLowerCeiling(t *testing.T) {
	th := New(DefaultConfig())
	for i := 0; i < 50; i++ {
		th.RegisterError(0)
	}
	require.Equal(t, errorCeiling, th.CurrentMultiplier())
}

func TestRecoveryIsMonotonicAndConvergesToOne(t *testing.T) {
	th := New(DefaultConfig())
	th.RegisterError(429)
	th.RegisterError(429)
	prev := th.CurrentMultiplier()
	require.Greater(t, prev, 1.0)

	for i := 0; i < 200; i++ {
		th.RegisterSuccess()
		cur := th.CurrentMultiplier()
		require.LessOrEqual(t, cur, prev)
		prev = cur
	}
	require.InDelta(t, 1.0, prev, 1e-9)
}

func TestRateLimitPauseFloorIsTwo(t *testing.T) {
	th := New(DefaultConfig())
	th.currentMultiplier = 2.4
	err := th.RateLimitPause(context.Background(), time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 2.0, th.CurrentMultiplier())
}

func TestRateLimitPauseHonorsCancellation(t *testing.T) {
	th := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := th.RateLimitPause(ctx, 60*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWaitHonorsCancellation(t *testing.T) {
	th := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := th.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
