package queue

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage"
)

// RestoreReport summarizes what Restore recovered.
type RestoreReport struct {
	Items          int `json:"items"`
	Pending        int `json:"pending"`
	Resurfaced     int `json:"resurfaced"`
	Skipped        int `json:"skipped"`
	DedupeRepaired int `json:"dedupe_repaired"`
}

// Restore replaces the in-memory index with the persisted state. Items that
// were processing when the previous process stopped resurface as pending
// and are counted as orphaned. The dedupe index is rebuilt from the item
// table and any drift in the stored index is repaired.
func (q *Queue) Restore(ctx context.Context) (RestoreReport, error) {
	var report RestoreReport
	raw, err := q.store.Load(ctx, storage.BucketItems)
	if err != nil {
		return report, governance.Persistence("load items", err)
	}
	items := decodeItems(raw, q.logger)
	report.Skipped = len(raw) - len(items)

	storedIndex, err := q.store.Load(ctx, storage.BucketDedupe)
	if err != nil {
		q.logger.Warn("dedupe index unavailable, rebuilding from items", zap.Error(err))
		storedIndex = nil
	}

	sort.Slice(items, func(i, j int) bool { return less(items[i], items[j]) })

	var muts []storage.Mutation
	index := make(map[string]string)
	var seq uint64
	for _, it := range items {
		seq = max(seq, it.Seq)
		if it.Status == governance.StatusProcessing {
			it.Status = governance.StatusPending
			it.StartedAt = nil
			it.Orphaned++
			report.Resurfaced++
			m, err := storage.PutJSON(storage.BucketItems, it.ID, *it)
			if err != nil {
				return report, err
			}
			muts = append(muts, m)
		}
		if it.DedupeKey != "" && it.Status.Active() {
			if _, taken := index[it.DedupeKey]; !taken {
				index[it.DedupeKey] = it.ID
			}
		}
	}

	for key, id := range index {
		var stored string
		if b, ok := storedIndex[key]; ok && json.Unmarshal(b, &stored) == nil && stored == id {
			continue
		}
		m, err := storage.PutJSON(storage.BucketDedupe, key, id)
		if err != nil {
			return report, err
		}
		muts = append(muts, m)
		report.DedupeRepaired++
	}
	for key := range storedIndex {
		if _, ok := index[key]; !ok {
			muts = append(muts, storage.Delete(storage.BucketDedupe, key))
			report.DedupeRepaired++
		}
	}
	if len(muts) > 0 {
		if err := q.store.Apply(ctx, muts...); err != nil {
			return report, governance.Persistence("restore", err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make(map[string]*governance.QueuedItem, len(items))
	q.pending = q.pending[:0]
	for _, it := range items {
		q.items[it.ID] = it
		if it.Status == governance.StatusPending || it.Status == governance.StatusRetrying {
			q.pending = append(q.pending, it)
		}
	}
	q.dedupe = index
	q.seq = seq
	q.signal()

	report.Items = len(items)
	report.Pending = len(q.pending)
	q.logger.Info("queue restored",
		zap.Int("items", report.Items),
		zap.Int("pending", report.Pending),
		zap.Int("resurfaced", report.Resurfaced),
		zap.Int("skipped", report.Skipped),
		zap.Int("dedupe_repaired", report.DedupeRepaired),
	)
	return report, nil
}

func decodeItems(raw map[string][]byte, logger *zap.Logger) []*governance.QueuedItem {
	out := make([]*governance.QueuedItem, 0, len(raw))
	for key, b := range raw {
		var it governance.QueuedItem
		if err := json.Unmarshal(b, &it); err != nil || it.ID == "" {
			logger.Warn("skipping malformed queue item", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, &it)
	}
	return out
}

// Prune drops the oldest terminal items beyond the configured history limit.
func (q *Queue) Prune(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var terminal []*governance.QueuedItem
	for _, it := range q.items {
		if it.Status.Terminal() {
			terminal = append(terminal, it)
		}
	}
	excess := len(terminal) - q.cfg.HistoryLimit
	if excess <= 0 {
		return 0, nil
	}
	sort.Slice(terminal, func(i, j int) bool {
		return finishedAt(terminal[i]).Before(finishedAt(terminal[j]))
	})
	victims := terminal[:excess]
	muts := make([]storage.Mutation, 0, len(victims))
	for _, it := range victims {
		muts = append(muts, storage.Delete(storage.BucketItems, it.ID))
	}
	if err := q.apply(ctx, "prune", muts...); err != nil {
		return 0, err
	}
	for _, it := range victims {
		delete(q.items, it.ID)
	}
	return len(victims), nil
}

func finishedAt(it *governance.QueuedItem) time.Time {
	if it.FinishedAt != nil {
		return *it.FinishedAt
	}
	return it.CreatedAt
}

// Stats summarizes the queue. Retrying items count as pending.
func (q *Queue) Stats() governance.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := summarize(q.items)
	st.DuplicatesFiltered = q.duplicates
	return st
}

// Inspect computes queue statistics straight from a store without loading
// or mutating a live queue.
func Inspect(ctx context.Context, store storage.Backend, logger *zap.Logger) (governance.QueueStats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	raw, err := store.Load(ctx, storage.BucketItems)
	if err != nil {
		return governance.QueueStats{}, governance.Persistence("load items", err)
	}
	items := make(map[string]*governance.QueuedItem, len(raw))
	for _, it := range decodeItems(raw, logger) {
		items[it.ID] = it
	}
	return summarize(items), nil
}

func summarize(items map[string]*governance.QueuedItem) governance.QueueStats {
	var st governance.QueueStats
	for _, it := range items {
		switch it.Status {
		case governance.StatusPending, governance.StatusRetrying:
			st.Pending++
		case governance.StatusProcessing:
			st.Processing++
		case governance.StatusCompleted:
			st.Completed++
		case governance.StatusFailed:
			st.Failed++
		case governance.StatusCancelled:
			st.Cancelled++
		}
	}
	if done := st.Completed + st.Failed; done > 0 {
		st.SuccessRate = float64(st.Completed) / float64(done)
	}
	return st
}
