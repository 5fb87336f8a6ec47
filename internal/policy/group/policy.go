// Package group enforces producer-defined rate-limit groups: a request
// ceiling per time window plus a minimum cooldown between dispatches,
// evaluated independently of per-target limits.
package group

import (
	"sort"
	"sync"
	"time"
)

// Rule caps dispatches for one group. Zero fields disable that check.
type Rule struct {
	MaxRequests int           `mapstructure:"max_requests" json:"max_requests"`
	Window      time.Duration `mapstructure:"window" json:"window"`
	MinInterval time.Duration `mapstructure:"min_interval" json:"min_interval"`
}

// Policy tracks dispatch history per group.
type Policy struct {
	mu      sync.Mutex
	rules   map[string]Rule
	history map[string][]time.Time
}

// New creates a Policy with the given rules.
func New(rules map[string]Rule) *Policy {
	p := &Policy{
		rules:   make(map[string]Rule, len(rules)),
		history: make(map[string][]time.Time),
	}
	for name, r := range rules {
		p.rules[name] = r
	}
	return p
}

// SetRule installs or replaces a rule.
func (p *Policy) SetRule(name string, r Rule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[name] = r
}

// Allow reports whether group may dispatch at now, and if not, how long
// until it may. Groups without a rule are always allowed.
func (p *Policy) Allow(name string, now time.Time) (bool, time.Duration) {
	if name == "" {
		return true, 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rule, ok := p.rules[name]
	if !ok {
		return true, 0
	}
	hist := p.prune(name, rule, now)
	var wait time.Duration
	if n := len(hist); n > 0 && rule.MinInterval > 0 {
		if d := hist[n-1].Add(rule.MinInterval).Sub(now); d > wait {
			wait = d
		}
	}
	if rule.MaxRequests > 0 && rule.Window > 0 && len(hist) >= rule.MaxRequests {
		oldest := hist[len(hist)-rule.MaxRequests]
		if d := oldest.Add(rule.Window).Sub(now); d > wait {
			wait = d
		}
	}
	return wait <= 0, wait
}

// Record books a dispatch for group at now.
func (p *Policy) Record(name string, now time.Time) {
	if name == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rule, ok := p.rules[name]
	if !ok {
		return
	}
	p.history[name] = append(p.prune(name, rule, now), now)
}

func (p *Policy) prune(name string, rule Rule, now time.Time) []time.Time {
	hist := p.history[name]
	keep := rule.Window
	if rule.MinInterval > keep {
		keep = rule.MinInterval
	}
	cutoff := now.Add(-keep)
	i := sort.Search(len(hist), func(i int) bool { return hist[i].After(cutoff) })
	if i > 0 {
		hist = append(hist[:0:0], hist[i:]...)
		p.history[name] = hist
	}
	return hist
}
