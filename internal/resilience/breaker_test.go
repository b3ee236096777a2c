package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pos/internal/resilience"
)

func TestBreakerTransitions(t *testing.T) {
	breaker := resilience.NewBreaker(2, 0.5, 50*time.Millisecond)
	ctx := context.Background()

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)

	require.False(t, breaker.Allow(ctx), "breaker should open after threshold exceeded")

	time.Sleep(60 * time.Millisecond)
	require.True(t, breaker.Allow(ctx), "breaker should move to half-open after cool off")
	breaker.Report(ctx, true)
	require.True(t, breaker.Allow(ctx), "breaker should close after successful probe")
}

func TestBackoffWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	d1 := resilience.Backoff(base, 1, 0)
	require.Equal(t, base, d1)

	d2 := resilience.Backoff(base, 3, 0)
	require.Equal(t, base*4, d2)

	// With jitter the delay should stay within expected range.
	d3 := resilience.Backoff(base, 2, 0.2)
	min := base*2 - (base * 2 / 5)
	max := base*2 + (base * 2 / 5)
	require.GreaterOrEqual(t, d3, min)
	require.LessOrEqual(t, d3, max)
}

func TestBreakerStateWithClock(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	breaker := resilience.NewBreaker(1, 0.5, time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.Equal(t, resilience.Closed, breaker.State())
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State())
	require.False(t, breaker.Allow(ctx))

	now = now.Add(2 * time.Minute)
	require.True(t, breaker.Allow(ctx))
	require.Equal(t, resilience.HalfOpen, breaker.State())
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State())
}

func TestBreakerHalfOpenAdmitsOneProbe(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	breaker := resilience.NewBreaker(1, 0.5, time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	breaker.Report(ctx, false)
	now = now.Add(61 * time.Second)
	require.True(t, breaker.Allow(ctx))
	require.False(t, breaker.Allow(ctx), "second caller must wait for the probe")

	// the probe never reported; its slot frees up after the cool-off
	now = now.Add(61 * time.Second)
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, true)
	require.Equal(t, resilience.Closed, breaker.State())
	require.True(t, breaker.Allow(ctx))
}

func TestBreakerSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	breaker := resilience.NewBreaker(3, 0.5, time.Minute).
		WithTarget(" retail-backend ").
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	breaker.Report(ctx, true)
	breaker.Report(ctx, false)
	snap := breaker.Snapshot()
	require.Equal(t, "retail-backend", snap.Target)
	require.Equal(t, resilience.Closed, snap.State)
	require.Equal(t, 1, snap.Failures)
	require.Equal(t, 1, snap.Successes)
	require.Zero(t, snap.RetryAfter)

	breaker.Report(ctx, false)
	now = now.Add(20 * time.Second)
	snap = breaker.Snapshot()
	require.Equal(t, resilience.Open, snap.State)
	require.Equal(t, 40*time.Second, snap.RetryAfter)
}

func TestBackoffIsCapped(t *testing.T) {
	require.Equal(t, resilience.MaxBackoff, resilience.Backoff(time.Second, 40, 0))
	require.Equal(t, resilience.MaxBackoff, resilience.Backoff(time.Hour, 1, 0))
	require.Equal(t, 100*time.Millisecond, resilience.Backoff(0, 0, 0))
}

func TestNilBreakerAllowsEverything(t *testing.T) {
	var breaker *resilience.Breaker
	ctx := context.Background()
	for range 5 {
		require.True(t, breaker.Allow(ctx))
		breaker.Report(ctx, false)
	}
}
