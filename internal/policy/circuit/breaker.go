// Package circuit implements the per-target circuit breaker consulted first
// by every admission check.
package circuit

import (
	"sync"
	"time"

	"github.com/YallaPapi/pubscrape-sub005/internal/governance"
)

// Config tunes a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// SuccessThreshold is the number of consecutive half-open successes that closes it.
	SuccessThreshold int `mapstructure:"success_threshold"`
	// OpenTimeout is how long the circuit stays open before a probe is allowed.
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
	// ProbeWait is the advisory delay returned while a half-open probe is outstanding.
	ProbeWait time.Duration `mapstructure:"probe_wait"`
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 60 * time.Second
	}
	if c.ProbeWait <= 0 {
		c.ProbeWait = 5 * time.Second
	}
	return c
}

// State is the persisted form of a breaker.
type State struct {
	State         governance.CircuitState `json:"state"`
	FailureCount  int                     `json:"failure_count"`
	SuccessCount  int                     `json:"success_count"`
	LastFailureAt time.Time               `json:"last_failure_at,omitempty"`
	NextAttemptAt time.Time               `json:"next_attempt_at,omitempty"`
	ProbeInFlight bool                    `json:"probe_in_flight,omitempty"`
}

// TransitionFunc observes state changes.
type TransitionFunc func(from, to governance.CircuitState)

// Breaker is a CLOSED/OPEN/HALF_OPEN state machine. Callers pass the current
// time explicitly so evaluation stays a pure computation over the clock the
// caller owns.
type Breaker struct {
	mu           sync.Mutex
	cfg          Config
	st           State
	probe        uint64
	onTransition TransitionFunc
}

// New creates a closed Breaker. onTransition may be nil.
func New(cfg Config, onTransition TransitionFunc) *Breaker {
	return &Breaker{
		cfg:          cfg.withDefaults(),
		st:           State{State: governance.CircuitClosed},
		onTransition: onTransition,
	}
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config {
	return b.cfg
}

// Evaluate reports whether the breaker lets a request through at now. An
// expired OPEN circuit moves to HALF_OPEN here; the probe itself is only
// consumed by CommitProbe, so a request that is later denied by another
// check does not burn the probe.
func (b *Breaker) Evaluate(now time.Time) governance.Admission {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st.State {
	case governance.CircuitOpen:
		if now.Before(b.st.NextAttemptAt) {
			return governance.Admission{
				Decision: governance.DecisionCircuitOpen,
				Delay:    b.st.NextAttemptAt.Sub(now),
				Reason:   "circuit open",
			}
		}
		b.transition(governance.CircuitHalfOpen)
		b.st.SuccessCount = 0
		b.st.ProbeInFlight = false
		fallthrough
	case governance.CircuitHalfOpen:
		if b.st.ProbeInFlight {
			return governance.Admission{
				Decision: governance.DecisionCircuitOpen,
				Delay:    b.cfg.ProbeWait,
				Reason:   "half-open probe in flight",
			}
		}
	}
	return governance.Admission{Decision: governance.DecisionAllowed}
}

// CommitProbe marks the half-open probe as taken and returns a token that
// identifies it. It returns zero, and does nothing, in any other state.
func (b *Breaker) CommitProbe() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st.State != governance.CircuitHalfOpen {
		return 0
	}
	b.probe++
	b.st.ProbeInFlight = true
	return b.probe
}

// CancelProbe hands back the probe identified by token when its request
// will never report an outcome, so the next Evaluate admits a new probe.
// A stale token, from before the circuit reopened, is ignored.
func (b *Breaker) CancelProbe(token uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if token == 0 || token != b.probe || !b.st.ProbeInFlight || b.st.State != governance.CircuitHalfOpen {
		return false
	}
	b.st.ProbeInFlight = false
	return true
}

// RecordSuccess registers a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st.State {
	case governance.CircuitClosed:
		b.st.FailureCount = 0
	case governance.CircuitHalfOpen:
		b.st.SuccessCount++
		b.st.ProbeInFlight = false
		if b.st.SuccessCount >= b.cfg.SuccessThreshold {
			b.transition(governance.CircuitClosed)
			b.st.FailureCount = 0
			b.st.SuccessCount = 0
			b.st.NextAttemptAt = time.Time{}
		}
	}
}

// RecordFailure registers a failed request at now.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.st.LastFailureAt = now
	switch b.st.State {
	case governance.CircuitClosed:
		b.st.FailureCount++
		if b.st.FailureCount >= b.cfg.FailureThreshold {
			b.open(now)
		}
	case governance.CircuitHalfOpen:
		b.open(now)
	}
}

// Snapshot returns a copy of the current state.
func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

// Restore replaces the current state. An unknown state value closes the
// breaker. A probe recorded as in flight is dropped: its request did not
// survive the restart, so a half-open circuit admits a fresh probe.
func (b *Breaker) Restore(st State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch st.State {
	case governance.CircuitClosed, governance.CircuitOpen, governance.CircuitHalfOpen:
	default:
		st = State{State: governance.CircuitClosed}
	}
	st.ProbeInFlight = false
	b.st = st
	b.probe++
}

// CurrentState returns the state without evaluating expiry.
func (b *Breaker) CurrentState() governance.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.State
}

func (b *Breaker) open(now time.Time) {
	b.transition(governance.CircuitOpen)
	b.st.NextAttemptAt = now.Add(b.cfg.OpenTimeout)
	b.st.FailureCount = 0
	b.st.SuccessCount = 0
	b.st.ProbeInFlight = false
}

func (b *Breaker) transition(to governance.CircuitState) {
	from := b.st.State
	b.st.State = to
	if from != to && b.onTransition != nil {
		b.onTransition(from, to)
	}
}
