// Package queue implements the persisted priority request queue: ordered
// dispatch, duplicate suppression at submission time, bounded retries with
// exponential backoff and rate-limit-group gating.
//
// Every mutation is written to the storage backend first and applied to the
// in-memory index only once the write succeeded, so the two never diverge.
package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YallaPapi/pubscrape-sub005/internal/clock/system"
	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
	"github.com/YallaPapi/pubscrape-sub005/internal/hash/sha256"
	"github.com/YallaPapi/pubscrape-sub005/internal/id/uuid"
	"github.com/YallaPapi/pubscrape-sub005/internal/metrics"
	"github.com/YallaPapi/pubscrape-sub005/internal/policy/group"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage/memory"
)

// Config tunes retry behaviour and history retention.
type Config struct {
	DefaultMaxAttempts int                   `mapstructure:"default_max_attempts"`
	RetryBaseDelay     time.Duration         `mapstructure:"retry_base_delay"`
	RetryMaxDelay      time.Duration         `mapstructure:"retry_max_delay"`
	HistoryLimit       int                   `mapstructure:"history_limit"`
	PollInterval       time.Duration         `mapstructure:"poll_interval"`
	Groups             map[string]group.Rule `mapstructure:"groups"`
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Admitter is consulted for each candidate item's target during a
// rate-limit-respecting dequeue. An allowed Admit holds a concurrency slot
// that the caller releases once the work is reported; Release undoes an
// admission whose work is dropped without an outcome.
type Admitter interface {
	Admit(target string) governance.Admission
	Release(target string, adm governance.Admission)
}

// Deduper derives the duplicate-suppression key of a payload.
type Deduper interface {
	DedupeKey(p governance.Payload) (string, error)
}

// Queue is safe for concurrent use. A single lock guards the ordered
// pending slice, the item table and the dedupe index.
type Queue struct {
	cfg      Config
	store    storage.Backend
	clock    governance.Clock
	ids      governance.IDGenerator
	deduper  Deduper
	admitter Admitter
	groups   *group.Policy
	logger   *zap.Logger

	mu         sync.Mutex
	items      map[string]*governance.QueuedItem
	pending    []*governance.QueuedItem
	dedupe     map[string]string
	seq        uint64
	duplicates int64
	changed    chan struct{}
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock overrides the wall clock.
func WithClock(c governance.Clock) Option { return func(q *Queue) { q.clock = c } }

// WithIDGenerator overrides item id generation.
func WithIDGenerator(g governance.IDGenerator) Option { return func(q *Queue) { q.ids = g } }

// WithDeduper overrides dedupe key derivation.
func WithDeduper(d Deduper) Option { return func(q *Queue) { q.deduper = d } }

// WithAdmitter gates dispatch on per-target admission.
func WithAdmitter(a Admitter) Option { return func(q *Queue) { q.admitter = a } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(q *Queue) { q.logger = l } }

// New creates an empty queue over store. Call Restore before use to load
// persisted state.
func New(cfg Config, store storage.Backend, opts ...Option) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:     cfg,
		store:   store,
		groups:  group.New(cfg.Groups),
		items:   make(map[string]*governance.QueuedItem),
		dedupe:  make(map[string]string),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.store == nil {
		q.store = memory.New()
	}
	if q.clock == nil {
		q.clock = system.New()
	}
	if q.ids == nil {
		q.ids = uuid.New()
	}
	if q.deduper == nil {
		q.deduper = sha256.New()
	}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	return q
}

// Groups exposes the rate-limit-group policy for rule updates.
func (q *Queue) Groups() *group.Policy {
	return q.groups
}

// Enqueue admits a submission. With dedupe set, a submission equivalent to
// an active (pending, retrying or processing) item is rejected: accepted is
// false and the duplicate counter grows. Items enqueued without dedupe are
// not entered into the index.
func (q *Queue) Enqueue(ctx context.Context, sub governance.Submission, dedupe bool) (string, bool, error) {
	if err := validate(sub); err != nil {
		return "", false, err
	}
	var key string
	if dedupe {
		k, err := q.deduper.DedupeKey(sub.Payload)
		if err != nil {
			return "", false, fmt.Errorf("derive dedupe key: %w", err)
		}
		key = k
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if dedupe {
		if id, ok := q.dedupe[key]; ok {
			if existing, ok := q.items[id]; ok && existing.Status.Active() {
				q.duplicates++
				metrics.ObserveDuplicate()
				q.logger.Debug("duplicate submission filtered",
					zap.String("existing_id", id),
					zap.String("target", sub.Payload.Target),
				)
				return "", false, nil
			}
		}
	}

	id, err := q.ids.NewID()
	if err != nil {
		return "", false, fmt.Errorf("generate item id: %w", err)
	}
	now := q.clock.Now()
	item := governance.QueuedItem{
		ID:          id,
		Payload:     sub.Payload,
		Priority:    sub.Priority,
		Seq:         q.seq + 1,
		CreatedAt:   now,
		ScheduledAt: now,
		Status:      governance.StatusPending,
		MaxAttempts: sub.MaxAttempts,
		DedupeKey:   key,
	}
	if !sub.ScheduledAt.IsZero() {
		item.ScheduledAt = sub.ScheduledAt.UTC()
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = q.cfg.DefaultMaxAttempts
	}

	muts, err := itemMutations(item)
	if err != nil {
		return "", false, err
	}
	if dedupe {
		m, err := storage.PutJSON(storage.BucketDedupe, key, id)
		if err != nil {
			return "", false, err
		}
		muts = append(muts, m)
	}
	if err := q.apply(ctx, "enqueue", muts...); err != nil {
		return "", false, err
	}

	q.seq = item.Seq
	ptr := &item
	q.items[id] = ptr
	q.insertPending(ptr)
	if dedupe {
		q.dedupe[key] = id
	}
	q.signal()
	metrics.ObserveQueueTransition(string(governance.StatusPending))
	q.logger.Debug("item enqueued",
		zap.String("item_id", id),
		zap.String("target", item.Payload.Target),
		zap.String("priority", item.Priority.String()),
	)
	return id, true, nil
}

func validate(sub governance.Submission) error {
	if strings.TrimSpace(sub.Payload.Target) == "" {
		return fmt.Errorf("%w: target is required", governance.ErrInvalidSubmission)
	}
	if strings.TrimSpace(sub.Payload.Query) == "" && sub.Payload.Metadata["url"] == "" {
		return fmt.Errorf("%w: query or metadata url is required", governance.ErrInvalidSubmission)
	}
	if !sub.Priority.Valid() {
		return fmt.Errorf("%w: priority %d out of range", governance.ErrInvalidSubmission, int(sub.Priority))
	}
	if sub.MaxAttempts < 0 {
		return fmt.Errorf("%w: max attempts must not be negative", governance.ErrInvalidSubmission)
	}
	return nil
}

// Dequeue returns the first eligible item in priority order and marks it
// processing. Items not yet ready are skipped; with respectLimits, so are
// items whose rate-limit group or target currently denies dispatch. When
// nothing is eligible the item is nil and wait is the shortest advisory
// delay seen (zero if nothing is queued at all).
func (q *Queue) Dequeue(ctx context.Context, respectLimits bool) (*governance.QueuedItem, time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked(ctx, respectLimits)
}

func (q *Queue) dequeueLocked(ctx context.Context, respectLimits bool) (*governance.QueuedItem, time.Duration, error) {
	now := q.clock.Now()
	wait := time.Duration(-1)
	note := func(d time.Duration) {
		if d > 0 && (wait < 0 || d < wait) {
			wait = d
		}
	}
	denied := make(map[string]bool)

	idx := -1
	admitted := false
	var grant governance.Admission
	for i, it := range q.pending {
		if !it.Ready(now) {
			note(readyAt(*it).Sub(now))
			continue
		}
		if respectLimits {
			if ok, d := q.groups.Allow(it.Payload.RateLimitGroup, now); !ok {
				note(d)
				continue
			}
			if q.admitter != nil {
				if denied[it.Payload.Target] {
					continue
				}
				adm := q.admitter.Admit(it.Payload.Target)
				if !adm.Allowed() {
					denied[it.Payload.Target] = true
					note(adm.Delay)
					continue
				}
				admitted = true
				grant = adm
			}
		}
		idx = i
		break
	}
	if idx < 0 {
		if wait < 0 {
			wait = 0
			if len(q.pending) > 0 {
				wait = q.cfg.PollInterval
			}
		}
		return nil, wait, nil
	}

	ptr := q.pending[idx]
	next := *ptr
	next.Status = governance.StatusProcessing
	started := now
	next.StartedAt = &started
	next.FinishedAt = nil

	muts, err := itemMutations(next)
	if err == nil {
		err = q.apply(ctx, "dequeue", muts...)
	}
	if err != nil {
		if admitted {
			q.admitter.Release(next.Payload.Target, grant)
		}
		return nil, 0, err
	}

	*ptr = next
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	q.groups.Record(next.Payload.RateLimitGroup, now)
	metrics.ObserveQueueTransition(string(governance.StatusProcessing))
	out := next
	out.Admission = grant
	return &out, 0, nil
}

// DequeueWait blocks until an item is dispatched, the context ends, or a
// store error occurs. It parks on enqueue notifications and on the advisory
// delay returned by Dequeue, whichever comes first.
func (q *Queue) DequeueWait(ctx context.Context, respectLimits bool) (*governance.QueuedItem, error) {
	for {
		q.mu.Lock()
		item, wait, err := q.dequeueLocked(ctx, respectLimits)
		changed := q.changed
		q.mu.Unlock()
		if err != nil || item != nil {
			return item, err
		}
		if wait <= 0 || wait > q.cfg.PollInterval {
			wait = q.cfg.PollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Complete marks a processing item completed.
func (q *Queue) Complete(ctx context.Context, id string, resultCount int, duration time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ptr, err := q.processing(id)
	if err != nil {
		return err
	}
	now := q.clock.Now()
	next := *ptr
	next.Status = governance.StatusCompleted
	next.FinishedAt = &now
	next.ResultCount = resultCount
	next.Duration = duration
	next.LastError = ""

	muts, err := itemMutations(next)
	if err != nil {
		return err
	}
	muts = append(muts, q.releaseKeyMutations(next)...)
	if err := q.apply(ctx, "complete", muts...); err != nil {
		return err
	}
	*ptr = next
	q.releaseKey(next)
	metrics.ObserveQueueTransition(string(governance.StatusCompleted))
	return nil
}

// Fail records a failed attempt. With retry set and attempts remaining the
// item goes back into the pending set as retrying, delayed by
// min(RetryMaxDelay, RetryBaseDelay*2^(attempts-1)); otherwise it becomes
// terminally failed and its dedupe key is released.
func (q *Queue) Fail(ctx context.Context, id, reason string, retry bool) (governance.Resolution, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ptr, err := q.processing(id)
	if err != nil {
		return governance.Resolution{}, err
	}
	now := q.clock.Now()
	next := *ptr
	next.Attempts++
	next.LastError = reason

	res := governance.Resolution{ItemID: id, Attempts: next.Attempts}
	if retry && next.Attempts < next.MaxAttempts {
		next.Status = governance.StatusRetrying
		next.DelayUntil = now.Add(q.retryDelay(next.Attempts))
		next.StartedAt = nil
		res.Status = governance.StatusRetrying
		res.RetryAt = next.DelayUntil
	} else {
		next.Status = governance.StatusFailed
		next.FinishedAt = &now
		res.Status = governance.StatusFailed
		res.Terminal = true
	}

	muts, err := itemMutations(next)
	if err != nil {
		return governance.Resolution{}, err
	}
	if res.Terminal {
		muts = append(muts, q.releaseKeyMutations(next)...)
	}
	if err := q.apply(ctx, "fail", muts...); err != nil {
		return governance.Resolution{}, err
	}

	*ptr = next
	if res.Terminal {
		q.releaseKey(next)
	} else {
		q.insertPending(ptr)
		q.signal()
		metrics.ObserveRetryScheduled()
	}
	metrics.ObserveQueueTransition(string(next.Status))
	q.logger.Debug("item attempt failed",
		zap.String("item_id", id),
		zap.Int("attempts", next.Attempts),
		zap.String("status", string(next.Status)),
		zap.String("reason", reason),
	)
	return res, nil
}

func (q *Queue) retryDelay(attempts int) time.Duration {
	d := q.cfg.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.RetryMaxDelay {
			return q.cfg.RetryMaxDelay
		}
	}
	return min(d, q.cfg.RetryMaxDelay)
}

// Cancel withdraws an item. Pending and retrying items leave the pending
// set; a processing item is flagged so its worker can skip the fetch. Both
// end up cancelled. It reports false for items already in a terminal state.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ptr, ok := q.items[id]
	if !ok {
		return false, fmt.Errorf("cancel %s: %w", id, governance.ErrNotFound)
	}
	if ptr.Status.Terminal() {
		return false, nil
	}
	wasQueued := ptr.Status != governance.StatusProcessing
	now := q.clock.Now()
	next := *ptr
	next.Status = governance.StatusCancelled
	next.FinishedAt = &now

	muts, err := itemMutations(next)
	if err != nil {
		return false, err
	}
	muts = append(muts, q.releaseKeyMutations(next)...)
	if err := q.apply(ctx, "cancel", muts...); err != nil {
		return false, err
	}
	if wasQueued {
		q.removePending(id)
	}
	*ptr = next
	q.releaseKey(next)
	metrics.ObserveQueueTransition(string(governance.StatusCancelled))
	return true, nil
}

// IsCancelled reports whether id has been cancelled.
func (q *Queue) IsCancelled(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ptr, ok := q.items[id]
	return ok && ptr.Status == governance.StatusCancelled
}

// Requeue returns a processing item to the pending set without consuming
// an attempt.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ptr, err := q.processing(id)
	if err != nil {
		return err
	}
	next := *ptr
	next.Status = governance.StatusPending
	next.StartedAt = nil

	muts, err := itemMutations(next)
	if err != nil {
		return err
	}
	if err := q.apply(ctx, "requeue", muts...); err != nil {
		return err
	}
	*ptr = next
	q.insertPending(ptr)
	q.signal()
	metrics.ObserveQueueTransition(string(governance.StatusPending))
	return nil
}

// Get returns a copy of the item.
func (q *Queue) Get(id string) (governance.QueuedItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ptr, ok := q.items[id]
	if !ok {
		return governance.QueuedItem{}, fmt.Errorf("get %s: %w", id, governance.ErrNotFound)
	}
	return *ptr, nil
}

// Pending returns copies of the pending set in dispatch order.
func (q *Queue) Pending() []governance.QueuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]governance.QueuedItem, len(q.pending))
	for i, p := range q.pending {
		out[i] = *p
	}
	return out
}

// DedupeIndex returns a copy of the dedupe index.
func (q *Queue) DedupeIndex() map[string]string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]string, len(q.dedupe))
	for k, v := range q.dedupe {
		out[k] = v
	}
	return out
}

func (q *Queue) processing(id string) (*governance.QueuedItem, error) {
	ptr, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, governance.ErrNotFound)
	}
	if ptr.Status != governance.StatusProcessing {
		return nil, fmt.Errorf("item %s is %s: %w", id, ptr.Status, governance.ErrInvalidTransition)
	}
	return ptr, nil
}

func (q *Queue) apply(ctx context.Context, op string, muts ...storage.Mutation) error {
	if err := q.store.Apply(ctx, muts...); err != nil {
		metrics.ObservePersistenceError("queue_" + op)
		q.logger.Error("queue persistence failed", zap.String("op", op), zap.Error(err))
		return governance.Persistence(op, err)
	}
	return nil
}

func itemMutations(item governance.QueuedItem) ([]storage.Mutation, error) {
	m, err := storage.PutJSON(storage.BucketItems, item.ID, item)
	if err != nil {
		return nil, err
	}
	return []storage.Mutation{m}, nil
}

// releaseKeyMutations deletes the item's dedupe entry if it still owns it.
func (q *Queue) releaseKeyMutations(item governance.QueuedItem) []storage.Mutation {
	if item.DedupeKey == "" || q.dedupe[item.DedupeKey] != item.ID {
		return nil
	}
	return []storage.Mutation{storage.Delete(storage.BucketDedupe, item.DedupeKey)}
}

func (q *Queue) releaseKey(item governance.QueuedItem) {
	if item.DedupeKey != "" && q.dedupe[item.DedupeKey] == item.ID {
		delete(q.dedupe, item.DedupeKey)
	}
}

func (q *Queue) insertPending(ptr *governance.QueuedItem) {
	i := sort.Search(len(q.pending), func(i int) bool { return less(ptr, q.pending[i]) })
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = ptr
}

func (q *Queue) removePending(id string) {
	for i, p := range q.pending {
		if p.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// signal wakes every DequeueWait caller. Requires q.mu.
func (q *Queue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// less orders by priority, then scheduled time, then creation time, then
// submission sequence, which makes the order total.
func less(a, b *governance.QueuedItem) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

func readyAt(it governance.QueuedItem) time.Time {
	if it.DelayUntil.After(it.ScheduledAt) {
		return it.DelayUntil
	}
	return it.ScheduledAt
}
