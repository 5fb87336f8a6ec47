// Package worker implements the fetch loop that consumes governed work.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	collyfetcher "github.com/YallaPapi/pubscrape-sub005/internal/fetcher/colly"
	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
	"github.com/YallaPapi/pubscrape-sub005/internal/governor"
	"github.com/YallaPapi/pubscrape-sub005/internal/metrics"
)

// Governor is the subset of the governor a worker drives.
type Governor interface {
	NextWork(ctx context.Context) (*governor.Work, time.Duration, error)
	IsCancelled(id string) bool
	Abandon(ctx context.Context, id string) (bool, error)
	ReportSuccess(ctx context.Context, id string, latency time.Duration, statusCode, resultCount int) (governance.Resolution, error)
	ReportFailure(ctx context.Context, id string, latency time.Duration, statusCode int,
		kind governance.ErrorKind, reason string) (governance.Resolution, error)
}

// Fetcher performs the external request.
type Fetcher interface {
	Fetch(ctx context.Context, req collyfetcher.Request) (collyfetcher.Response, error)
}

// Inspector turns a response into a failure kind and a result count.
type Inspector interface {
	Inspect(resp collyfetcher.Response) (governance.ErrorKind, int)
}

// Config controls Worker behavior.
type Config struct {
	Name           string
	RequestTimeout time.Duration
	// IdlePoll spaces NextWork calls while nothing is admissible.
	IdlePoll time.Duration
	// MaxPark caps how long a single advisory delay is honoured.
	MaxPark time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 250 * time.Millisecond
	}
	if c.MaxPark <= 0 {
		c.MaxPark = 5 * time.Second
	}
	return c
}

// Worker consumes dispatched work and reports outcomes.
type Worker struct {
	gov       Governor
	fetcher   Fetcher
	inspector Inspector
	idle      *rate.Limiter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. A nil inspector classifies by status code only.
func New(gov Governor, fetcher Fetcher, inspector Inspector, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if cfg.Name != "" {
		logger = logger.With(zap.String("worker", cfg.Name))
	}
	return &Worker{
		gov:       gov,
		fetcher:   fetcher,
		inspector: inspector,
		idle:      rate.NewLimiter(rate.Every(cfg.IdlePoll), 1),
		cfg:       cfg,
		logger:    logger,
	}
}

// Run processes work until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	for {
		if ctx.Err() != nil {
			return
		}
		worked, wait, err := w.Step(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("work step failed", zap.Error(err))
		}
		if !worked {
			if err := w.park(ctx, wait); err != nil {
				return
			}
		}
	}
}

// Step dispatches and settles at most one item. worked is false when nothing
// was admissible; wait is then the advisory delay.
func (w *Worker) Step(ctx context.Context) (bool, time.Duration, error) {
	work, wait, err := w.gov.NextWork(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("next work: %w", err)
	}
	if work == nil {
		return false, wait, nil
	}
	if w.gov.IsCancelled(work.ItemID) {
		if _, err := w.gov.Abandon(ctx, work.ItemID); err != nil {
			return true, 0, fmt.Errorf("abandon cancelled item: %w", err)
		}
		metrics.ObserveFetch("cancelled")
		w.logger.Debug("skipping cancelled item", zap.String("item_id", work.ItemID))
		return true, 0, nil
	}
	return true, 0, w.process(ctx, work)
}

func (w *Worker) process(ctx context.Context, work *governor.Work) error {
	logger := w.logger.With(
		zap.String("item_id", work.ItemID),
		zap.String("target", work.Payload.Target),
		zap.Int("attempt", work.Attempt),
	)
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := w.fetcher.Fetch(fetchCtx, collyfetcher.Request{
		URL:      FetchURL(work.Payload),
		Identity: work.Identity,
	})
	latency := time.Since(start)
	if resp.Duration > 0 {
		latency = resp.Duration
	}
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down: hand the item back instead of charging an attempt.
			if _, aerr := w.gov.Abandon(context.WithoutCancel(ctx), work.ItemID); aerr != nil {
				logger.Error("abandon on shutdown", zap.Error(aerr))
			}
			return ctx.Err()
		}
		kind := collyfetcher.ClassifyError(err)
		metrics.ObserveFetch(string(kind))
		logger.Warn("fetch failed", zap.String("kind", string(kind)), zap.Error(err))
		_, rerr := w.gov.ReportFailure(ctx, work.ItemID, latency, 0, kind, err.Error())
		return wrapReport(rerr)
	}

	kind, results := w.inspect(resp)
	if kind == governance.ErrorKindNone {
		metrics.ObserveFetch("success")
		logger.Debug("fetch succeeded", zap.Int("status", resp.StatusCode), zap.Int("results", results))
		_, rerr := w.gov.ReportSuccess(ctx, work.ItemID, latency, resp.StatusCode, results)
		return wrapReport(rerr)
	}
	metrics.ObserveFetch(string(kind))
	logger.Info("fetch rejected", zap.Int("status", resp.StatusCode), zap.String("kind", string(kind)))
	res, rerr := w.gov.ReportFailure(ctx, work.ItemID, latency, resp.StatusCode, kind, "")
	if rerr == nil && res.Terminal {
		logger.Warn("item failed terminally", zap.String("status", string(res.Status)), zap.Int("attempts", res.Attempts))
	}
	return wrapReport(rerr)
}

func (w *Worker) inspect(resp collyfetcher.Response) (governance.ErrorKind, int) {
	if w.inspector != nil {
		return w.inspector.Inspect(resp)
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return governance.ErrorKindNone, 0
	}
	return governance.KindForStatus(resp.StatusCode), 0
}

func wrapReport(err error) error {
	if err != nil {
		return fmt.Errorf("report outcome: %w", err)
	}
	return nil
}

func (w *Worker) park(ctx context.Context, wait time.Duration) error {
	if wait > w.cfg.MaxPark {
		wait = w.cfg.MaxPark
	}
	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := w.idle.Wait(ctx); err != nil {
		return fmt.Errorf("idle wait: %w", err)
	}
	return nil
}

// FetchURL resolves the address a payload is fetched from: metadata["url"]
// when present, otherwise a search on the target host.
func FetchURL(p governance.Payload) string {
	if u := p.Metadata["url"]; u != "" {
		return u
	}
	return fmt.Sprintf("https://%s/search?q=%s", p.Target, url.QueryEscape(p.Query))
}
