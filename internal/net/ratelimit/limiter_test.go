package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowRespectsBurst(t *testing.T) {
	l := NewLimiter(1, 2)
	require.True(t, l.Allow("prices"))
	require.True(t, l.Allow("prices"))
	require.False(t, l.Allow("prices"))
}

func TestLimiter_TracksSourcesIndependently(t *testing.T) {
	l := NewLimiter(1, 1)
	require.True(t, l.Allow("prices"))
	require.True(t, l.Allow("fundamentals"))
	require.False(t, l.Allow("prices"))
}

func TestLimiter_WaitBlocksUntilTokenAvailable(t *testing.T) {
	l := NewLimiter(1000, 1)
	require.True(t, l.Allow("prices"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx, "prices"))
}

func TestLimiter_WaitHonorsContextCancellation(t *testing.T) {
	l := NewLimiter(0.01, 1)
	require.True(t, l.Allow("prices"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "prices")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFromPerMinute_ComputesRpsAndBurst(t *testing.T) {
	l := FromPerMinute(60)
	require.Equal(t, 1.0, l.rps)
	require.Equal(t, 60, l.burst)
}

func TestFromPerMinute_ClampsBurstToAtLeastOne(t *testing.T) {
	l := FromPerMinute(0)
	require.Equal(t, 1, l.burst)
}

func TestStats_ReportsOnlyRegisteredSources(t *testing.T) {
	l := NewLimiter(1, 5)
	l.Allow("prices")

	stats := l.Stats()
	require.Contains(t, stats, "prices")
	require.NotContains(t, stats, "fundamentals")
	require.Equal(t, "prices", stats["prices"].Source)
}
