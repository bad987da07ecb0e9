package resilience_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klappmedia/mcash-gateway/internal/resilience"
)

func TestBreakerOpensOnFailureRatio(t *testing.T) {
	b := resilience.NewBreaker(4, 0.5, time.Minute)

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.Report(true)
	}
	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.Report(false)
	}
	require.False(t, b.Allow(), "breaker should be open at 50% failures")
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := resilience.NewBreaker(1, 0.5, 10*time.Millisecond)

	require.True(t, b.Allow())
	b.Report(false)
	require.False(t, b.Allow())

	time.Sleep(15 * time.Millisecond)
	require.True(t, b.Allow(), "cool-off expired, probe allowed")
	b.Report(true)
	require.True(t, b.Allow())
}

func TestBackoffGrowsExponentially(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, base, resilience.Backoff(base, 1, 0))
	require.Equal(t, 2*base, resilience.Backoff(base, 2, 0))
	require.Equal(t, 4*base, resilience.Backoff(base, 3, 0))
}
