// Package ratelimit implements per-target and global admission control:
// circuit breaking, sliding-window request caps, QPS spacing, concurrency
// ceilings, escalating backoff and latency-driven limit adaptation.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YallaPapi/pubscrape-sub005/internal/clock/system"
	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
	"github.com/YallaPapi/pubscrape-sub005/internal/metrics"
	"github.com/YallaPapi/pubscrape-sub005/internal/policy/circuit"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage"
)

type sample struct {
	at      time.Time
	latency time.Duration
	success bool
	neutral bool
}

type target struct {
	mu   sync.Mutex
	name string
	cfg  TargetConfig

	breaker      *circuit.Breaker
	softCap      int
	qps          float64
	admitted     []time.Time
	lastAdmitted time.Time
	backoffLevel int
	backoffUntil time.Time
	active       int
	samples      []sample
}

type global struct {
	mu       sync.Mutex
	admitted []time.Time
	active   int
	samples  []sample
}

// Limiter decides whether a request against a target may proceed now.
// Every target has its own lock; the global window is locked after the
// target lock, never before.
type Limiter struct {
	cfg        Config
	classifier *Classifier
	clock      governance.Clock
	store      storage.Backend
	logger     *zap.Logger

	randMu sync.Mutex
	rnd    *rand.Rand

	mu      sync.RWMutex
	targets map[string]*target

	global global
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the wall clock.
func WithClock(c governance.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithStore persists breaker, backoff and adaptive state to s.
func WithStore(s storage.Backend) Option {
	return func(l *Limiter) { l.store = s }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithRand sets the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(l *Limiter) { l.rnd = r }
}

// New creates a Limiter.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	cfg = cfg.withDefaults()
	classifier, err := NewClassifier(cfg.Profiles, cfg.Overrides, cfg.ClassifierCacheSize)
	if err != nil {
		return nil, err
	}
	l := &Limiter{
		cfg:        cfg,
		classifier: classifier,
		targets:    make(map[string]*target),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.clock == nil {
		l.clock = system.New()
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.rnd == nil {
		l.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return l, nil
}

// ClassifyTarget returns the memoized configuration for name.
func (l *Limiter) ClassifyTarget(name string) TargetConfig {
	return l.classifier.Classify(name)
}

func (l *Limiter) lookup(name string) (*target, string) {
	key := Hostname(name)
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.targets[key], key
}

func (l *Limiter) target(name string) *target {
	if t, _ := l.lookup(name); t != nil {
		return t
	}
	key := Hostname(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.targets[key]; ok {
		return t
	}
	cfg := l.classifier.Classify(key)
	t := &target{
		name:    key,
		cfg:     cfg,
		softCap: cfg.SoftRPM,
		qps:     cfg.MaxQPS,
	}
	t.breaker = circuit.New(cfg.Breaker, func(from, to governance.CircuitState) {
		metrics.ObserveCircuitTransition(key, string(to))
		l.logger.Info("circuit transition",
			zap.String("target", key),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	})
	l.targets[key] = t
	return t
}

// CheckAdmission evaluates, in order, the circuit breaker, active backoff,
// the global window, the per-target hard cap, the per-target soft cap and
// QPS spacing, then the concurrency ceilings. The first check that denies
// wins. An allowed decision books the request in both windows and consumes
// a pending half-open probe, but does not take a concurrency slot. A caller
// that drops an allowed request without recording an outcome must hand the
// probe back with ReleaseProbe.
func (l *Limiter) CheckAdmission(name string) governance.Admission {
	return l.admit(name, false)
}

// Admit is CheckAdmission plus an atomic AcquireSlot when allowed. Callers
// pair an allowed Admit with ReleaseSlot once the outcome is recorded, or
// with Release when the request is dropped unreported.
func (l *Limiter) Admit(name string) governance.Admission {
	return l.admit(name, true)
}

func (l *Limiter) admit(name string, acquire bool) governance.Admission {
	t := l.target(name)
	t.mu.Lock()
	defer t.mu.Unlock()

	adm := l.evaluate(t, l.clock.Now(), acquire)
	metrics.ObserveAdmission(string(adm.Decision))
	if !adm.Allowed() {
		l.logger.Debug("admission denied",
			zap.String("target", t.name),
			zap.String("decision", string(adm.Decision)),
			zap.Duration("delay", adm.Delay),
			zap.String("reason", adm.Reason),
		)
	}
	return adm
}

func (l *Limiter) evaluate(t *target, now time.Time, acquire bool) governance.Admission {
	if adm := t.breaker.Evaluate(now); !adm.Allowed() {
		return adm
	}
	if now.Before(t.backoffUntil) {
		return governance.Admission{
			Decision: governance.DecisionBackoffRequired,
			Delay:    t.backoffUntil.Sub(now),
			Reason:   fmt.Sprintf("backoff level %d", t.backoffLevel),
		}
	}

	g := &l.global
	g.mu.Lock()
	defer g.mu.Unlock()

	windowStart := now.Add(-l.cfg.Window)
	historyStart := now.Add(-l.cfg.History)

	g.admitted = pruneTimes(g.admitted, historyStart)
	if n, oldest := inWindow(g.admitted, windowStart); n >= l.cfg.GlobalRPM {
		return rateLimited(oldest.Add(l.cfg.Window).Sub(now), "global window full")
	}

	t.admitted = pruneTimes(t.admitted, historyStart)
	n, oldest := inWindow(t.admitted, windowStart)
	if n >= t.cfg.HardRPM {
		return rateLimited(oldest.Add(l.cfg.Window).Sub(now), "target hard cap")
	}

	interval := time.Duration(float64(time.Second) / t.qps)
	if n >= t.softCap {
		if soft := l.cfg.Window / time.Duration(t.softCap); soft > interval {
			interval = soft
		}
	}
	if !t.lastAdmitted.IsZero() {
		if wait := t.lastAdmitted.Add(interval).Sub(now); wait > 0 {
			return rateLimited(wait, "request spacing")
		}
	}

	if t.active >= t.cfg.MaxConcurrent {
		return rateLimited(l.cfg.ConcurrencyRetryDelay, "target concurrency ceiling")
	}
	if g.active >= l.cfg.GlobalConcurrency {
		return rateLimited(l.cfg.ConcurrencyRetryDelay, "global concurrency ceiling")
	}

	t.admitted = append(t.admitted, now)
	g.admitted = append(g.admitted, now)
	t.lastAdmitted = now
	probe := t.breaker.CommitProbe()
	if acquire {
		t.active++
		g.active++
	}
	return governance.Admission{Decision: governance.DecisionAllowed, Probe: probe}
}

func rateLimited(delay time.Duration, reason string) governance.Admission {
	if delay < 0 {
		delay = 0
	}
	return governance.Admission{Decision: governance.DecisionRateLimited, Delay: delay, Reason: reason}
}

// AcquireSlot takes an in-flight slot for name if both the target and the
// global ceilings have room.
func (l *Limiter) AcquireSlot(name string) bool {
	t := l.target(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	l.global.mu.Lock()
	defer l.global.mu.Unlock()

	if t.active >= t.cfg.MaxConcurrent || l.global.active >= l.cfg.GlobalConcurrency {
		return false
	}
	t.active++
	l.global.active++
	return true
}

// ReleaseSlot returns a slot taken by AcquireSlot or Admit. Extra releases
// are ignored.
func (l *Limiter) ReleaseSlot(name string) {
	t := l.target(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == 0 {
		return
	}
	t.active--
	l.global.mu.Lock()
	if l.global.active > 0 {
		l.global.active--
	}
	l.global.mu.Unlock()
}

// ReleaseProbe hands back the half-open probe taken by an admission whose
// request will not report an outcome. It is a no-op for admissions that did
// not take the probe.
func (l *Limiter) ReleaseProbe(name string, adm governance.Admission) {
	if adm.Probe == 0 {
		return
	}
	t := l.target(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.breaker.CancelProbe(adm.Probe) {
		l.logger.Info("half-open probe released unreported", zap.String("target", t.name))
	}
}

// Release undoes an allowed Admit whose request is dropped without an
// outcome: the slot is returned and any probe it took is handed back.
func (l *Limiter) Release(name string, adm governance.Admission) {
	l.ReleaseProbe(name, adm)
	l.ReleaseSlot(name)
}

// RecordOutcome feeds a finished request back into the target's breaker,
// backoff and adaptive limits. Application-level failures are neutral: they
// are sampled for latency but do not count against the target. When the
// persisted part of the state changes it is written to the store before the
// call returns; on a store failure the previous state is kept and a
// PersistenceError is returned.
func (l *Limiter) RecordOutcome(ctx context.Context, name string, out governance.Outcome) error {
	t := l.target(name)
	t.mu.Lock()
	defer t.mu.Unlock()

	now := l.clock.Now()
	before := t.snapshot()
	level, until := t.backoffLevel, t.backoffUntil

	neutral := !out.Success && out.ErrorKind == governance.ErrorKindApplication
	switch {
	case out.Success:
		t.breaker.RecordSuccess()
		level, until = 0, time.Time{}
	case neutral:
	default:
		t.breaker.RecordFailure(now)
		if governance.QualifiesForBackoff(out.StatusCode, out.ErrorKind) {
			level, until = l.escalate(t.cfg.Backoff, level, until, now)
		}
	}

	s := sample{at: now, latency: out.Latency, success: out.Success, neutral: neutral}
	samples := append(pruneSamples(t.samples, now.Add(-l.cfg.History)), s)
	softCap, qps := l.adapt(t, samples)

	t.backoffLevel, t.backoffUntil = level, until
	t.softCap, t.qps = softCap, qps
	after := t.snapshot()

	if !after.equal(before) {
		if err := l.persist(ctx, after); err != nil {
			t.restore(before)
			metrics.ObservePersistenceError("limiter")
			return governance.Persistence("record outcome", err)
		}
	}
	t.samples = samples

	l.global.mu.Lock()
	l.global.samples = append(pruneSamples(l.global.samples, now.Add(-l.cfg.History)), s)
	l.global.mu.Unlock()

	metrics.SetBackoffLevel(t.name, t.backoffLevel)
	metrics.ObserveOutcome(out.Success, out.Latency)
	if t.backoffLevel != before.BackoffLevel && t.backoffLevel > 0 {
		l.logger.Warn("backoff escalated",
			zap.String("target", t.name),
			zap.Int("level", t.backoffLevel),
			zap.Time("until", t.backoffUntil),
			zap.Int("status_code", out.StatusCode),
		)
	}
	if softCap != before.SoftCap {
		l.logger.Info("adaptive limits adjusted",
			zap.String("target", t.name),
			zap.Int("soft_cap", softCap),
			zap.Float64("qps", qps),
		)
	}
	return nil
}

// escalate raises the backoff level and returns the new deadline, which
// never moves earlier than the current one.
func (l *Limiter) escalate(cfg BackoffConfig, level int, until, now time.Time) (int, time.Time) {
	if level < cfg.MaxLevel {
		level++
	}
	delay := float64(cfg.Base) * math.Pow(cfg.Multiplier, float64(level))
	l.randMu.Lock()
	r := l.rnd.Float64()
	l.randMu.Unlock()
	delay *= 1 + cfg.Jitter*(2*r-1)
	if delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	next := now.Add(time.Duration(delay))
	if next.Before(until) {
		next = until
	}
	return level, next
}

// adapt lowers the soft cap and QPS by a fifth when trailing latency is
// slow, and raises them by a tenth, up to the configured values, when the
// trailing samples are fast and failure free.
func (l *Limiter) adapt(t *target, samples []sample) (int, float64) {
	softCap, qps := t.softCap, t.qps
	trailing := samples
	if len(trailing) > l.cfg.AdaptiveSamples {
		trailing = trailing[len(trailing)-l.cfg.AdaptiveSamples:]
	}
	if len(trailing) == 0 {
		return softCap, qps
	}
	var (
		total    time.Duration
		failures int
	)
	for _, s := range trailing {
		total += s.latency
		if !s.success && !s.neutral {
			failures++
		}
	}
	avg := total / time.Duration(len(trailing))
	switch {
	case avg > t.cfg.SlowThreshold:
		softCap = max(1, int(float64(softCap)*0.8))
		qps = math.Max(t.cfg.MinQPS, qps*0.8)
	case failures == 0 && avg < t.cfg.SlowThreshold/2:
		softCap = min(t.cfg.SoftRPM, max(softCap+1, int(math.Ceil(float64(softCap)*1.1))))
		qps = math.Min(t.cfg.MaxQPS, qps*1.1)
	}
	return softCap, qps
}

// Targets returns the names of every tracked target, sorted.
func (l *Limiter) Targets() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.targets))
	for name := range l.targets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func pruneTimes(ts []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(cutoff) })
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

func inWindow(ts []time.Time, start time.Time) (int, time.Time) {
	i := sort.Search(len(ts), func(i int) bool { return ts[i].After(start) })
	if i == len(ts) {
		return 0, time.Time{}
	}
	return len(ts) - i, ts[i]
}

func pruneSamples(samples []sample, cutoff time.Time) []sample {
	i := sort.Search(len(samples), func(i int) bool { return !samples[i].at.Before(cutoff) })
	if i == 0 {
		return samples
	}
	return append(samples[:0:0], samples[i:]...)
}
