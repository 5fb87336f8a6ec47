package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	collyfetcher "github.com/YallaPapi/pubscrape-sub005/internal/fetcher/colly"
	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
	"github.com/YallaPapi/pubscrape-sub005/internal/governor"
	"github.com/YallaPapi/pubscrape-sub005/internal/worker"
)

type pollingGovernor struct {
	polls atomic.Int64
}

func (g *pollingGovernor) NextWork(context.Context) (*governor.Work, time.Duration, error) {
	g.polls.Add(1)
	return nil, 0, nil
}

func (g *pollingGovernor) IsCancelled(string) bool { return false }

func (g *pollingGovernor) Abandon(context.Context, string) (bool, error) { return false, nil }

func (g *pollingGovernor) ReportSuccess(context.Context, string, time.Duration, int, int) (governance.Resolution, error) {
	return governance.Resolution{}, nil
}

func (g *pollingGovernor) ReportFailure(context.Context, string, time.Duration, int,
	governance.ErrorKind, string) (governance.Resolution, error) {
	return governance.Resolution{}, nil
}

type noopFetcher struct{}

func (noopFetcher) Fetch(context.Context, collyfetcher.Request) (collyfetcher.Response, error) {
	return collyfetcher.Response{}, nil
}

// TestDispatcherRunStartsWorkers ensures workers begin polling and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	gov := &pollingGovernor{}
	workers := make([]*worker.Worker, 3)
	for i := range workers {
		workers[i] = worker.New(gov, noopFetcher{}, nil, worker.Config{IdlePoll: time.Millisecond}, zap.NewNop())
	}
	d := New(workers)
	require.Equal(t, 3, d.Size())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return gov.polls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}
