package ratelimit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
	"github.com/YallaPapi/pubscrape-sub005/internal/policy/circuit"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage"
)

// Snapshot is the durable part of a target's state. Sliding windows and
// latency samples are rebuilt from live traffic after a restart.
type Snapshot struct {
	Target       string        `json:"target"`
	Profile      string        `json:"profile"`
	Breaker      circuit.State `json:"breaker"`
	BackoffLevel int           `json:"backoff_level"`
	BackoffUntil time.Time     `json:"backoff_until,omitempty"`
	SoftCap      int           `json:"soft_cap"`
	QPS          float64       `json:"qps"`
}

func (s Snapshot) equal(o Snapshot) bool {
	return s.Target == o.Target &&
		s.Profile == o.Profile &&
		s.Breaker.State == o.Breaker.State &&
		s.Breaker.FailureCount == o.Breaker.FailureCount &&
		s.Breaker.SuccessCount == o.Breaker.SuccessCount &&
		s.Breaker.ProbeInFlight == o.Breaker.ProbeInFlight &&
		s.Breaker.LastFailureAt.Equal(o.Breaker.LastFailureAt) &&
		s.Breaker.NextAttemptAt.Equal(o.Breaker.NextAttemptAt) &&
		s.BackoffLevel == o.BackoffLevel &&
		s.BackoffUntil.Equal(o.BackoffUntil) &&
		s.SoftCap == o.SoftCap &&
		s.QPS == o.QPS
}

// snapshot requires t.mu.
func (t *target) snapshot() Snapshot {
	return Snapshot{
		Target:       t.name,
		Profile:      t.cfg.Profile,
		Breaker:      t.breaker.Snapshot(),
		BackoffLevel: t.backoffLevel,
		BackoffUntil: t.backoffUntil,
		SoftCap:      t.softCap,
		QPS:          t.qps,
	}
}

// restore requires t.mu. Adaptive values are clamped to the current
// configuration in case it changed since the snapshot was taken.
func (t *target) restore(s Snapshot) {
	t.breaker.Restore(s.Breaker)
	t.backoffLevel = min(max(s.BackoffLevel, 0), t.cfg.Backoff.MaxLevel)
	t.backoffUntil = s.BackoffUntil
	t.softCap = t.cfg.SoftRPM
	if s.SoftCap > 0 {
		t.softCap = min(s.SoftCap, t.cfg.SoftRPM)
	}
	t.qps = t.cfg.MaxQPS
	if s.QPS > 0 {
		t.qps = min(max(s.QPS, t.cfg.MinQPS), t.cfg.MaxQPS)
	}
}

func (l *Limiter) persist(ctx context.Context, snaps ...Snapshot) error {
	if l.store == nil || len(snaps) == 0 {
		return nil
	}
	muts := make([]storage.Mutation, 0, len(snaps))
	for _, s := range snaps {
		m, err := storage.PutJSON(storage.BucketLimiter, s.Target, s)
		if err != nil {
			return err
		}
		muts = append(muts, m)
	}
	return l.store.Apply(ctx, muts...)
}

// SnapshotAll writes every tracked target's state in one batch.
func (l *Limiter) SnapshotAll(ctx context.Context) (int, error) {
	names := l.Targets()
	snaps := make([]Snapshot, 0, len(names))
	for _, name := range names {
		t, _ := l.lookup(name)
		if t == nil {
			continue
		}
		t.mu.Lock()
		snaps = append(snaps, t.snapshot())
		t.mu.Unlock()
	}
	if err := l.persist(ctx, snaps...); err != nil {
		return 0, governance.Persistence("snapshot limiter", err)
	}
	return len(snaps), nil
}

// Restore loads persisted target state. Malformed records are skipped.
func (l *Limiter) Restore(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	records, err := l.store.Load(ctx, storage.BucketLimiter)
	if err != nil {
		return 0, governance.Persistence("load limiter", err)
	}
	restored := 0
	for key, raw := range records {
		var snap Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			l.logger.Warn("skipping malformed limiter record", zap.String("target", key), zap.Error(err))
			continue
		}
		t := l.target(key)
		t.mu.Lock()
		t.restore(snap)
		t.mu.Unlock()
		restored++
	}
	return restored, nil
}
