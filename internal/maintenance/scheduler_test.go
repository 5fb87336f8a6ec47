package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
)

type countingTask struct {
	calls atomic.Int64
	n     int
	err   error
}

func (c *countingTask) Sweep(context.Context) (int, error)       { return c.do() }
func (c *countingTask) SnapshotAll(context.Context) (int, error) { return c.do() }
func (c *countingTask) Prune(context.Context) (int, error)       { return c.do() }

func (c *countingTask) do() (int, error) {
	c.calls.Add(1)
	return c.n, c.err
}

func TestNewRegistersEnabledJobs(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.QueuePrune = ""
	s, err := New(cfg, Targets{Identities: &countingTask{}, Limiter: &countingTask{}, Queue: &countingTask{}}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 2, s.Jobs())

	s, err = New(DefaultConfig(), Targets{Limiter: &countingTask{}}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, s.Jobs())
}

func TestNewRejectsBadSpec(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.IdentitySweep = "every minute please"
	_, err := New(cfg, Targets{Identities: &countingTask{}}, nil)
	require.ErrorContains(t, err, "schedule identity_sweep")
}

func TestRunExecutesNamedJob(t *testing.T) {
	t.Parallel()

	sweep := &countingTask{n: 4}
	s, err := New(DefaultConfig(), Targets{Identities: sweep}, nil)
	require.NoError(t, err)

	n, err := s.Run(context.Background(), JobIdentitySweep)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.EqualValues(t, 1, sweep.calls.Load())

	_, err = s.Run(context.Background(), JobQueuePrune)
	require.ErrorIs(t, err, governance.ErrNotFound)
}

func TestRunAllJoinsErrors(t *testing.T) {
	t.Parallel()

	sweep := &countingTask{}
	snap := &countingTask{err: governance.Persistence("limiter snapshot", errors.New("disk full"))}
	prune := &countingTask{err: errors.New("boom")}
	s, err := New(DefaultConfig(), Targets{Identities: sweep, Limiter: snap, Queue: prune}, nil)
	require.NoError(t, err)

	err = s.RunAll(context.Background())
	require.Error(t, err)
	require.True(t, governance.IsPersistence(err))
	require.ErrorContains(t, err, "boom")
	require.EqualValues(t, 1, sweep.calls.Load())
	require.EqualValues(t, 1, snap.calls.Load())
	require.EqualValues(t, 1, prune.calls.Load())
}

func TestStartRunsOnSchedule(t *testing.T) {
	t.Parallel()

	snap := &countingTask{}
	s, err := New(Config{LimiterSnapshot: "* * * * * *"}, Targets{Limiter: snap}, nil)
	require.NoError(t, err)

	s.Start()
	s.Start()
	require.Eventually(t, func() bool { return snap.calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}
