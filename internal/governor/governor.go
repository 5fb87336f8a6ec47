// Package governor ties the request queue, the rate limiter and the identity
// pool into the contract workers consume: take work with a leased identity,
// then report how the fetch went.
package governor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YallaPapi/pubscrape-sub005/internal/clock/system"
	"github.com/YallaPapi/pubscrape-sub005/internal/events"
	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
	"github.com/YallaPapi/pubscrape-sub005/internal/identity"
	"github.com/YallaPapi/pubscrape-sub005/internal/policy/ratelimit"
	"github.com/YallaPapi/pubscrape-sub005/internal/queue"
)

// Identity scopes.
const (
	// ScopeTarget keeps one identity per target host.
	ScopeTarget = "target"
	// ScopeShared leases the healthiest pooled identity for any target.
	ScopeShared = "shared"
)

// Config tunes the facade.
type Config struct {
	IdentityScope  string        `mapstructure:"identity_scope"`
	EventsTopic    string        `mapstructure:"events_topic"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

func (c Config) withDefaults() Config {
	if c.IdentityScope == "" {
		c.IdentityScope = ScopeTarget
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}

// Work is one dispatched item together with the identity to fetch it as.
type Work struct {
	ItemID   string              `json:"item_id"`
	Payload  governance.Payload  `json:"payload"`
	Priority governance.Priority `json:"priority"`
	Attempt  int                 `json:"attempt"`
	Identity identity.Lease      `json:"identity"`
}

type lease struct {
	target    string
	identity  identity.Lease
	admission governance.Admission
}

// RestoreReport summarizes startup recovery across every component.
type RestoreReport struct {
	Queue      queue.RestoreReport `json:"queue"`
	Targets    int                 `json:"targets"`
	Identities int                 `json:"identities"`
}

// Governor is safe for concurrent use. The queue must have been built with
// the limiter as its admitter so that every dispatched item holds a
// concurrency slot until it is reported.
type Governor struct {
	cfg       Config
	queue     *queue.Queue
	limiter   *ratelimit.Limiter
	pool      *identity.Pool
	publisher governance.Publisher
	clock     governance.Clock
	logger    *zap.Logger

	mu     sync.Mutex
	leases map[string]lease
}

// Option customizes a Governor.
type Option func(*Governor)

// WithPublisher exports outcome events to p on the configured topic.
func WithPublisher(p governance.Publisher) Option { return func(g *Governor) { g.publisher = p } }

// WithClock overrides the wall clock.
func WithClock(c governance.Clock) Option { return func(g *Governor) { g.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(g *Governor) { g.logger = l } }

// New assembles a Governor from its components.
func New(cfg Config, q *queue.Queue, l *ratelimit.Limiter, p *identity.Pool, opts ...Option) (*Governor, error) {
	if q == nil || l == nil || p == nil {
		return nil, errors.New("governor requires a queue, a limiter and an identity pool")
	}
	cfg = cfg.withDefaults()
	if cfg.IdentityScope != ScopeTarget && cfg.IdentityScope != ScopeShared {
		return nil, fmt.Errorf("unknown identity scope %q", cfg.IdentityScope)
	}
	g := &Governor{
		cfg:     cfg,
		queue:   q,
		limiter: l,
		pool:    p,
		leases:  make(map[string]lease),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.clock == nil {
		g.clock = system.New()
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	return g, nil
}

// Restore loads every component's persisted state. Each is recovered
// independently; their errors are joined.
func (g *Governor) Restore(ctx context.Context) (RestoreReport, error) {
	var (
		report RestoreReport
		errs   []error
		err    error
	)
	if report.Queue, err = g.queue.Restore(ctx); err != nil {
		errs = append(errs, fmt.Errorf("restore queue: %w", err))
	}
	if report.Targets, err = g.limiter.Restore(ctx); err != nil {
		errs = append(errs, fmt.Errorf("restore limiter: %w", err))
	}
	if report.Identities, err = g.pool.Restore(ctx); err != nil {
		errs = append(errs, fmt.Errorf("restore identities: %w", err))
	}
	return report, errors.Join(errs...)
}

// Submit enqueues work with duplicate suppression. accepted is false when an
// equivalent item is already pending or in flight.
func (g *Governor) Submit(ctx context.Context, sub governance.Submission) (string, bool, error) {
	return g.queue.Enqueue(ctx, sub, true)
}

// NextWork dispatches the next admissible item. A nil Work means nothing is
// admissible now; wait is the advisory delay before asking again.
func (g *Governor) NextWork(ctx context.Context) (*Work, time.Duration, error) {
	item, wait, err := g.queue.Dequeue(ctx, true)
	if err != nil || item == nil {
		return nil, wait, err
	}
	w, err := g.dispatch(ctx, item)
	return w, 0, err
}

// NextWorkWait blocks until an item is dispatched or ctx ends.
func (g *Governor) NextWorkWait(ctx context.Context) (*Work, error) {
	item, err := g.queue.DequeueWait(ctx, true)
	if err != nil {
		return nil, err
	}
	return g.dispatch(ctx, item)
}

func (g *Governor) dispatch(ctx context.Context, item *governance.QueuedItem) (*Work, error) {
	target := item.Payload.Target
	hint := ""
	if g.cfg.IdentityScope == ScopeTarget {
		hint = ratelimit.Hostname(target)
	}
	il, err := g.pool.Acquire(ctx, hint)
	if err != nil {
		g.limiter.Release(target, item.Admission)
		err = fmt.Errorf("lease identity for %s: %w", item.ID, err)
		if rqErr := g.queue.Requeue(ctx, item.ID); rqErr != nil {
			g.logger.Error("requeue after identity failure", zap.String("item_id", item.ID), zap.Error(rqErr))
			return nil, errors.Join(err, fmt.Errorf("requeue %s: %w", item.ID, rqErr))
		}
		return nil, err
	}

	g.mu.Lock()
	g.leases[item.ID] = lease{target: target, identity: il, admission: item.Admission}
	g.mu.Unlock()

	g.logger.Debug("work dispatched",
		zap.String("item_id", item.ID),
		zap.String("target", target),
		zap.String("identity_id", il.IdentityID),
		zap.Int("attempt", item.Attempts+1),
	)
	return &Work{
		ItemID:   item.ID,
		Payload:  item.Payload,
		Priority: item.Priority,
		Attempt:  item.Attempts + 1,
		Identity: il,
	}, nil
}

// ReportSuccess completes an item and credits its target and identity. A
// non-empty Resolution together with an error means the completion is
// durable but feeding the limiter or the identity pool failed.
func (g *Governor) ReportSuccess(ctx context.Context, id string, latency time.Duration, statusCode, resultCount int) (governance.Resolution, error) {
	out := governance.Outcome{
		Success:     true,
		Latency:     latency,
		StatusCode:  statusCode,
		ResultCount: resultCount,
	}
	return g.settle(ctx, id, out, func() (governance.Resolution, error) {
		item, err := g.queue.Get(id)
		if err != nil {
			return governance.Resolution{}, err
		}
		if err := g.queue.Complete(ctx, id, resultCount, latency); err != nil {
			return governance.Resolution{}, err
		}
		return governance.Resolution{
			ItemID:   id,
			Status:   governance.StatusCompleted,
			Attempts: item.Attempts + 1,
			Terminal: true,
		}, nil
	})
}

// ReportFailure records a failed fetch. An empty kind is derived from the
// status code. Retryable failures (429, 5xx, transport, blocks, captchas)
// go back to the queue while attempts remain; everything else is terminal.
// Application failures are not held against the target.
func (g *Governor) ReportFailure(ctx context.Context, id string, latency time.Duration, statusCode int, kind governance.ErrorKind, reason string) (governance.Resolution, error) {
	if kind == governance.ErrorKindNone {
		kind = governance.KindForStatus(statusCode)
	}
	if reason == "" {
		reason = fmt.Sprintf("%s failure (status %d)", kind, statusCode)
	}
	out := governance.Outcome{
		Latency:    latency,
		StatusCode: statusCode,
		ErrorKind:  kind,
		Error:      reason,
	}
	retry := governance.Retryable(statusCode, kind)
	return g.settle(ctx, id, out, func() (governance.Resolution, error) {
		return g.queue.Fail(ctx, id, reason, retry)
	})
}

// settle applies the queue transition first; only once it is durable are
// the slot released and the limiter and identity fed. A cancelled item that
// was still leased skips the queue transition.
func (g *Governor) settle(ctx context.Context, id string, out governance.Outcome, transition func() (governance.Resolution, error)) (governance.Resolution, error) {
	item, err := g.queue.Get(id)
	if err != nil {
		return governance.Resolution{}, err
	}

	var res governance.Resolution
	if item.Status == governance.StatusCancelled {
		if _, held := g.peek(id); !held {
			return governance.Resolution{}, fmt.Errorf("report %s: item is cancelled: %w", id, governance.ErrInvalidTransition)
		}
		res = governance.Resolution{ItemID: id, Status: governance.StatusCancelled, Attempts: item.Attempts, Terminal: true}
	} else if res, err = transition(); err != nil {
		return governance.Resolution{}, err
	}

	l, held := g.take(id)
	if held {
		g.limiter.ReleaseSlot(l.target)
	}

	var errs []error
	if err := g.limiter.RecordOutcome(ctx, item.Payload.Target, out); err != nil {
		errs = append(errs, fmt.Errorf("record target outcome: %w", err))
	}
	if held {
		kind, err := g.pool.RecordOutcome(ctx, l.identity.IdentityID, out)
		switch {
		case errors.Is(err, governance.ErrNotFound):
			// Retired while the fetch was in flight.
		case err != nil:
			errs = append(errs, fmt.Errorf("record identity outcome: %w", err))
		case kind != identity.RotationNone:
			g.logger.Info("identity rotated",
				zap.String("identity_id", l.identity.IdentityID),
				zap.String("kind", string(kind)),
				zap.String("item_id", id),
			)
		}
	}
	g.publish(ctx, item, res, out)
	return res, errors.Join(errs...)
}

// Cancel withdraws an item. In-flight items are flagged; their worker
// should check IsCancelled before fetching and call Abandon.
func (g *Governor) Cancel(ctx context.Context, id string) (bool, error) {
	return g.queue.Cancel(ctx, id)
}

// IsCancelled reports whether id has been cancelled.
func (g *Governor) IsCancelled(id string) bool {
	return g.queue.IsCancelled(id)
}

// Abandon drops the lease of an item whose fetch will not run or whose
// result will not be reported. The concurrency slot and any half-open probe
// the dispatch took are handed back without recording an outcome, and an
// item that was not cancelled returns to the pending set without consuming
// an attempt. held is false when id had no lease.
func (g *Governor) Abandon(ctx context.Context, id string) (bool, error) {
	l, ok := g.take(id)
	if !ok {
		return false, nil
	}
	g.limiter.Release(l.target, l.admission)

	item, err := g.queue.Get(id)
	if err != nil {
		return true, err
	}
	if item.Status != governance.StatusProcessing {
		return true, nil
	}
	if err := g.queue.Requeue(ctx, id); err != nil {
		return true, fmt.Errorf("requeue abandoned %s: %w", id, err)
	}
	g.logger.Debug("work abandoned", zap.String("item_id", id), zap.String("target", l.target))
	return true, nil
}

// Item returns a copy of the queued item.
func (g *Governor) Item(id string) (governance.QueuedItem, error) {
	return g.queue.Get(id)
}

// Stats returns statistics for a target, or for the global scope when
// target is empty or "global".
func (g *Governor) Stats(target string) governance.TargetStats {
	if t := strings.TrimSpace(target); t == "" || strings.EqualFold(t, ratelimit.GlobalTarget) {
		return g.limiter.GlobalStats()
	}
	return g.limiter.Stats(target)
}

// QueueStats summarizes the queue.
func (g *Governor) QueueStats() governance.QueueStats {
	return g.queue.Stats()
}

// Identities lists pooled identities with their health.
func (g *Governor) Identities() []identity.Summary {
	return g.pool.Identities()
}

// Leases returns how many dispatched items have not been reported yet.
func (g *Governor) Leases() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.leases)
}

func (g *Governor) peek(id string) (lease, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.leases[id]
	return l, ok
}

func (g *Governor) take(id string) (lease, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.leases[id]
	if ok {
		delete(g.leases, id)
	}
	return l, ok
}

// publish is best-effort: the queue already holds the durable outcome.
func (g *Governor) publish(ctx context.Context, item governance.QueuedItem, res governance.Resolution, out governance.Outcome) {
	if g.publisher == nil || g.cfg.EventsTopic == "" {
		return
	}
	var typ events.Type
	switch res.Status {
	case governance.StatusCompleted:
		typ = events.TypeCompleted
	case governance.StatusFailed:
		typ = events.TypeFailed
	case governance.StatusRetrying:
		typ = events.TypeRetryScheduled
	default:
		return
	}
	attempts := res.Attempts
	if typ == events.TypeCompleted {
		attempts = item.Attempts + 1
	}
	ev := events.Event{
		Type:        typ,
		ItemID:      item.ID,
		Target:      item.Payload.Target,
		Status:      string(res.Status),
		Attempts:    attempts,
		ResultCount: out.ResultCount,
		Error:       out.Error,
		RetryAt:     res.RetryAt,
		Timestamp:   g.clock.Now(),
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.PublishTimeout)
	defer cancel()
	if _, err := g.publisher.Publish(pctx, g.cfg.EventsTopic, ev); err != nil {
		g.logger.Warn("outcome event not published",
			zap.String("item_id", item.ID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
	}
}
