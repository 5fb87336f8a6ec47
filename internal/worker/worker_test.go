package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	collyfetcher "github.com/YallaPapi/pubscrape-sub005/internal/fetcher/colly"
	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
	"github.com/YallaPapi/pubscrape-sub005/internal/governor"
	"github.com/YallaPapi/pubscrape-sub005/internal/identity"
)

type report struct {
	id      string
	success bool
	status  int
	kind    governance.ErrorKind
	results int
}

type fakeGovernor struct {
	mu         sync.Mutex
	work       []*governor.Work
	wait       time.Duration
	nextErr    error
	cancelled  map[string]bool
	abandoned  []string
	liveCtx    []bool
	abandonErr error
	reports    []report
	polls      int
}

func (g *fakeGovernor) NextWork(context.Context) (*governor.Work, time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls++
	if g.nextErr != nil {
		return nil, 0, g.nextErr
	}
	if len(g.work) == 0 {
		return nil, g.wait, nil
	}
	w := g.work[0]
	g.work = g.work[1:]
	return w, 0, nil
}

func (g *fakeGovernor) IsCancelled(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled[id]
}

func (g *fakeGovernor) Abandon(ctx context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.abandoned = append(g.abandoned, id)
	g.liveCtx = append(g.liveCtx, ctx.Err() == nil)
	return true, g.abandonErr
}

func (g *fakeGovernor) ReportSuccess(_ context.Context, id string, _ time.Duration, status, results int) (governance.Resolution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reports = append(g.reports, report{id: id, success: true, status: status, results: results})
	return governance.Resolution{ItemID: id, Status: governance.StatusCompleted, Terminal: true}, nil
}

func (g *fakeGovernor) ReportFailure(_ context.Context, id string, _ time.Duration, status int,
	kind governance.ErrorKind, _ string) (governance.Resolution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reports = append(g.reports, report{id: id, status: status, kind: kind})
	return governance.Resolution{Status: governance.StatusRetrying}, nil
}

func (g *fakeGovernor) snapshot() ([]report, []string, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]report(nil), g.reports...), append([]string(nil), g.abandoned...), g.polls
}

type fakeFetcher struct {
	mu       sync.Mutex
	resp     collyfetcher.Response
	err      error
	requests []collyfetcher.Request
}

func (f *fakeFetcher) Fetch(_ context.Context, req collyfetcher.Request) (collyfetcher.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.resp, f.err
}

func newWork(id string) *governor.Work {
	return &governor.Work{
		ItemID:   id,
		Payload:  governance.Payload{Query: "coffee shops", Target: "www.bing.com"},
		Attempt:  1,
		Identity: identity.Lease{Token: "lease-1", ProxyURL: "http://proxy:8080"},
	}
}

func TestStepReportsSuccessWithResultCount(t *testing.T) {
	t.Parallel()

	gov := &fakeGovernor{work: []*governor.Work{newWork("item-1")}}
	fetcher := &fakeFetcher{resp: collyfetcher.Response{
		StatusCode: http.StatusOK,
		Body:       []byte(`<html><body><a href="/1">1</a><a href="/2">2</a></body></html>`),
	}}
	w := New(gov, fetcher, collyfetcher.NewDetector(collyfetcher.DetectorConfig{}), Config{}, zap.NewNop())

	worked, _, err := w.Step(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	reports, _, _ := gov.snapshot()
	require.Equal(t, []report{{id: "item-1", success: true, status: http.StatusOK, results: 2}}, reports)
	require.Equal(t, "https://www.bing.com/search?q=coffee+shops", fetcher.requests[0].URL)
	require.Equal(t, "http://proxy:8080", fetcher.requests[0].Identity.ProxyURL)
}

func TestStepClassifiesStatusFailures(t *testing.T) {
	t.Parallel()

	cases := map[int]governance.ErrorKind{
		http.StatusTooManyRequests:    governance.ErrorKindRateLimited,
		http.StatusServiceUnavailable: governance.ErrorKindServer,
		http.StatusForbidden:          governance.ErrorKindBlocked,
		http.StatusNotFound:           governance.ErrorKindClient,
	}
	for status, kind := range cases {
		gov := &fakeGovernor{work: []*governor.Work{newWork("item-1")}}
		w := New(gov, &fakeFetcher{resp: collyfetcher.Response{StatusCode: status}}, nil, Config{}, nil)
		_, _, err := w.Step(context.Background())
		require.NoError(t, err)
		reports, _, _ := gov.snapshot()
		require.Equal(t, []report{{id: "item-1", status: status, kind: kind}}, reports)
	}
}

func TestStepDetectsCaptchaOnOKPage(t *testing.T) {
	t.Parallel()

	gov := &fakeGovernor{work: []*governor.Work{newWork("item-1")}}
	fetcher := &fakeFetcher{resp: collyfetcher.Response{
		StatusCode: http.StatusOK,
		Body:       []byte(`<html><body><div class="g-recaptcha"></div></body></html>`),
	}}
	w := New(gov, fetcher, collyfetcher.NewDetector(collyfetcher.DetectorConfig{}), Config{}, nil)

	_, _, err := w.Step(context.Background())
	require.NoError(t, err)
	reports, _, _ := gov.snapshot()
	require.Equal(t, governance.ErrorKindCaptcha, reports[0].kind)
	require.Equal(t, http.StatusOK, reports[0].status)
}

func TestStepReportsTransportErrors(t *testing.T) {
	t.Parallel()

	gov := &fakeGovernor{work: []*governor.Work{newWork("item-1")}}
	w := New(gov, &fakeFetcher{err: errors.New("connection refused")}, nil, Config{}, nil)

	_, _, err := w.Step(context.Background())
	require.NoError(t, err)
	reports, _, _ := gov.snapshot()
	require.Equal(t, []report{{id: "item-1", kind: governance.ErrorKindTransport}}, reports)
}

func TestStepAbandonsCancelledWork(t *testing.T) {
	t.Parallel()

	gov := &fakeGovernor{
		work:      []*governor.Work{newWork("item-1")},
		cancelled: map[string]bool{"item-1": true},
	}
	fetcher := &fakeFetcher{}
	w := New(gov, fetcher, nil, Config{}, nil)

	worked, _, err := w.Step(context.Background())
	require.NoError(t, err)
	require.True(t, worked)
	reports, abandoned, _ := gov.snapshot()
	require.Empty(t, reports)
	require.Equal(t, []string{"item-1"}, abandoned)
	require.Empty(t, fetcher.requests)
}

func TestStepReportsAbandonFailure(t *testing.T) {
	t.Parallel()

	gov := &fakeGovernor{
		work:       []*governor.Work{newWork("item-1")},
		cancelled:  map[string]bool{"item-1": true},
		abandonErr: errors.New("store down"),
	}
	w := New(gov, &fakeFetcher{}, nil, Config{}, nil)
	worked, _, err := w.Step(context.Background())
	require.True(t, worked)
	require.EqualError(t, err, "abandon cancelled item: store down")
}

// blockingFetcher waits for the request context, as a slow fetch does when
// the worker is stopped.
type blockingFetcher struct {
	started chan struct{}
}

func (f *blockingFetcher) Fetch(ctx context.Context, _ collyfetcher.Request) (collyfetcher.Response, error) {
	close(f.started)
	<-ctx.Done()
	return collyfetcher.Response{}, ctx.Err()
}

func TestStepAbandonsInFlightWorkOnShutdown(t *testing.T) {
	t.Parallel()

	gov := &fakeGovernor{work: []*governor.Work{newWork("item-1")}}
	fetcher := &blockingFetcher{started: make(chan struct{})}
	w := New(gov, fetcher, nil, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-fetcher.started
		cancel()
	}()
	worked, _, err := w.Step(ctx)
	require.True(t, worked)
	require.ErrorIs(t, err, context.Canceled)

	reports, abandoned, _ := gov.snapshot()
	require.Empty(t, reports, "a stopped fetch is not charged as a failure")
	require.Equal(t, []string{"item-1"}, abandoned)
	gov.mu.Lock()
	defer gov.mu.Unlock()
	require.Equal(t, []bool{true}, gov.liveCtx, "the requeue must not inherit the cancelled context")
}

func TestStepReturnsAdvisoryWait(t *testing.T) {
	t.Parallel()

	gov := &fakeGovernor{wait: 3 * time.Second}
	w := New(gov, &fakeFetcher{}, nil, Config{}, nil)

	worked, wait, err := w.Step(context.Background())
	require.NoError(t, err)
	require.False(t, worked)
	require.Equal(t, 3*time.Second, wait)
}

func TestStepWrapsGovernorErrors(t *testing.T) {
	t.Parallel()

	gov := &fakeGovernor{nextErr: errors.New("boom")}
	w := New(gov, &fakeFetcher{}, nil, Config{}, nil)
	_, _, err := w.Step(context.Background())
	require.EqualError(t, err, "next work: boom")
}

func TestRunDrainsAndStops(t *testing.T) {
	t.Parallel()

	gov := &fakeGovernor{work: []*governor.Work{newWork("item-1"), newWork("item-2")}}
	w := New(gov, &fakeFetcher{resp: collyfetcher.Response{StatusCode: http.StatusOK}}, nil,
		Config{IdlePoll: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		reports, _, polls := gov.snapshot()
		return len(reports) == 2 && polls > 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
}

func TestFetchURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://duckduckgo.com/search?q=a%26b",
		FetchURL(governance.Payload{Target: "duckduckgo.com", Query: "a&b"}))
	require.Equal(t, "https://example.com/listing",
		FetchURL(governance.Payload{Target: "duckduckgo.com", Metadata: map[string]string{"url": "https://example.com/listing"}}))
}
