package ratelimit

import (
	"time"

	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
)

// GlobalTarget is the name Stats reports for the global scope.
const GlobalTarget = "global"

// Stats returns the statistics view for one target. Unknown targets report
// their classified defaults.
func (l *Limiter) Stats(name string) governance.TargetStats {
	now := l.clock.Now()
	t, key := l.lookup(name)
	if t == nil {
		cfg := l.classifier.Classify(key)
		return governance.TargetStats{
			Target:         key,
			CircuitState:   governance.CircuitClosed,
			CurrentSoftCap: cfg.SoftRPM,
			CurrentQPS:     cfg.MaxQPS,
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	since := now.Add(-l.cfg.History)
	br := t.breaker.Snapshot()
	st := governance.TargetStats{
		Target:           t.name,
		CircuitState:     br.State,
		ActiveRequests:   t.active,
		RequestsLast5Min: countSince(t.admitted, since),
		CurrentSoftCap:   t.softCap,
		CurrentQPS:       t.qps,
		BackoffLevel:     t.backoffLevel,
	}
	if now.Before(t.backoffUntil) {
		st.BackoffUntil = t.backoffUntil
	}
	if br.State == governance.CircuitOpen && now.Before(br.NextAttemptAt) {
		st.NextAttemptIn = br.NextAttemptAt.Sub(now)
	}
	st.SuccessRate, st.AvgLatencyMs = summarize(t.samples, since)
	return st
}

// GlobalStats aggregates every target. The circuit state is the most severe
// state of any target and the backoff level is the highest.
func (l *Limiter) GlobalStats() governance.TargetStats {
	now := l.clock.Now()
	since := now.Add(-l.cfg.History)
	st := governance.TargetStats{
		Target:         GlobalTarget,
		CircuitState:   governance.CircuitClosed,
		CurrentSoftCap: l.cfg.GlobalRPM,
	}
	for _, name := range l.Targets() {
		ts := l.Stats(name)
		st.CurrentQPS += ts.CurrentQPS
		st.BackoffLevel = max(st.BackoffLevel, ts.BackoffLevel)
		if ts.BackoffUntil.After(st.BackoffUntil) {
			st.BackoffUntil = ts.BackoffUntil
		}
		if severity(ts.CircuitState) > severity(st.CircuitState) {
			st.CircuitState = ts.CircuitState
		}
	}

	l.global.mu.Lock()
	defer l.global.mu.Unlock()
	st.ActiveRequests = l.global.active
	st.RequestsLast5Min = countSince(l.global.admitted, since)
	st.SuccessRate, st.AvgLatencyMs = summarize(l.global.samples, since)
	return st
}

func severity(s governance.CircuitState) int {
	switch s {
	case governance.CircuitOpen:
		return 2
	case governance.CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}

func countSince(ts []time.Time, since time.Time) int {
	n := 0
	for i := len(ts) - 1; i >= 0 && !ts[i].Before(since); i-- {
		n++
	}
	return n
}

// summarize returns the success rate (0..1) over non-neutral samples and the
// mean latency in milliseconds over all samples since the cutoff.
func summarize(samples []sample, since time.Time) (float64, float64) {
	var (
		counted, ok, n int
		total          time.Duration
	)
	for _, s := range samples {
		if s.at.Before(since) {
			continue
		}
		n++
		total += s.latency
		if s.neutral {
			continue
		}
		counted++
		if s.success {
			ok++
		}
	}
	var rate, avg float64
	if counted > 0 {
		rate = float64(ok) / float64(counted)
	}
	if n > 0 {
		avg = float64(total) / float64(n) / float64(time.Millisecond)
	}
	return rate, avg
}
