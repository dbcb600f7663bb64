package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/relaysms/gateway/internal/hotstore"
)

func newTestStore(t *testing.T) *hotstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := hotstore.New(context.Background(), hotstore.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// Scenario 6 from the testable-properties section: N consecutive
// provider failures trip the breaker, and dispatch stops attempting
// delivery until the recovery window elapses.

func TestBreaker_TripsAfterThresholdFailures(t *testing.T) {
	hot := newTestStore(t)
	ctx := context.Background()
	b := New(hot, "provider", 3, time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.RecordFailure(ctx))
		open, err := b.IsOpen(ctx)
		require.NoError(t, err)
		require.False(t, open, "breaker should not trip before threshold is reached")
	}

	require.NoError(t, b.RecordFailure(ctx))
	open, err := b.IsOpen(ctx)
	require.NoError(t, err)
	require.True(t, open, "breaker should trip on the threshold-th failure")
}

func TestBreaker_ClosesAfterRecoveryWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	hot, err := hotstore.New(context.Background(), hotstore.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { hot.Close() })

	ctx := context.Background()
	b := New(hot, "provider", 1, time.Minute)

	require.NoError(t, b.RecordFailure(ctx))
	open, err := b.IsOpen(ctx)
	require.NoError(t, err)
	require.True(t, open)

	mr.FastForward(time.Minute + time.Second)

	open, err = b.IsOpen(ctx)
	require.NoError(t, err)
	require.False(t, open, "breaker should close again once the open flag's TTL has elapsed")
}

func TestBreaker_RecordSuccessClearsFailureCount(t *testing.T) {
	hot := newTestStore(t)
	ctx := context.Background()
	b := New(hot, "provider", 3, time.Minute)

	require.NoError(t, b.RecordFailure(ctx))
	require.NoError(t, b.RecordFailure(ctx))
	require.NoError(t, b.RecordSuccess(ctx))

	require.NoError(t, b.RecordFailure(ctx))
	require.NoError(t, b.RecordFailure(ctx))
	open, err := b.IsOpen(ctx)
	require.NoError(t, err)
	require.False(t, open, "a success reset should mean two more failures aren't enough to trip a threshold-3 breaker")
}
