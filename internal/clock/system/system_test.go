package system

import (
	"context"
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

func TestClockSleepReturnsAfterDelay(t *testing.T) {
	t.Parallel()

	clk := New()
	start := time.Now()
	require.NoError(t, clk.Sleep(context.Background(), 20*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestClockSleepHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New().Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}

func TestClockSleepZeroDuration(t *testing.T) {
	t.Parallel()

	require.NoError(t, New().Sleep(context.Background(), 0))
}
