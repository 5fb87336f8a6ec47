package ratelimit

import (
	"time"

	"github.com/YallaPapi/pubscrape-sub005/internal/policy/circuit"
)

// Built-in profile names.
const (
	ProfileSearchEngine = "search_engine"
	ProfileDirectory    = "directory"
	ProfileGeneric      = "generic"
)

// BackoffConfig shapes the escalating delay applied after qualifying failures.
type BackoffConfig struct {
	Base       time.Duration `mapstructure:"base"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     float64       `mapstructure:"jitter"`
	Max        time.Duration `mapstructure:"max"`
	MaxLevel   int           `mapstructure:"max_level"`
}

// TargetConfig is the closed per-target configuration produced by ClassifyTarget.
type TargetConfig struct {
	Profile       string         `mapstructure:"-" json:"profile"`
	SoftRPM       int            `mapstructure:"soft_rpm" json:"soft_rpm"`
	HardRPM       int            `mapstructure:"hard_rpm" json:"hard_rpm"`
	MaxQPS        float64        `mapstructure:"max_qps" json:"max_qps"`
	MinQPS        float64        `mapstructure:"min_qps" json:"min_qps"`
	MaxConcurrent int            `mapstructure:"max_concurrent" json:"max_concurrent"`
	SlowThreshold time.Duration  `mapstructure:"slow_threshold" json:"slow_threshold"`
	Breaker       circuit.Config `mapstructure:"breaker" json:"breaker"`
	Backoff       BackoffConfig  `mapstructure:"backoff" json:"backoff"`
}

// Config holds limiter-wide settings.
type Config struct {
	GlobalRPM             int           `mapstructure:"global_rpm"`
	GlobalConcurrency     int           `mapstructure:"global_concurrency"`
	ConcurrencyRetryDelay time.Duration `mapstructure:"concurrency_retry_delay"`
	// Window is the sliding window for per-minute caps.
	Window time.Duration `mapstructure:"window"`
	// History is how long admission and outcome samples are kept for stats.
	History time.Duration `mapstructure:"history"`
	// AdaptiveSamples is how many trailing outcomes feed the adaptive policy.
	AdaptiveSamples     int                     `mapstructure:"adaptive_samples"`
	ClassifierCacheSize int                     `mapstructure:"classifier_cache_size"`
	Profiles            map[string]TargetConfig `mapstructure:"profiles"`
	// Overrides maps a host (or host suffix) to a profile name.
	Overrides map[string]string `mapstructure:"overrides"`
}

func (c Config) withDefaults() Config {
	if c.GlobalRPM <= 0 {
		c.GlobalRPM = 120
	}
	if c.GlobalConcurrency <= 0 {
		c.GlobalConcurrency = 16
	}
	if c.ConcurrencyRetryDelay <= 0 {
		c.ConcurrencyRetryDelay = time.Second
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.History < c.Window {
		c.History = 5 * time.Minute
	}
	if c.AdaptiveSamples <= 0 {
		c.AdaptiveSamples = 10
	}
	if c.ClassifierCacheSize <= 0 {
		c.ClassifierCacheSize = 1024
	}
	return c
}

// DefaultProfiles returns the built-in profile table.
func DefaultProfiles() map[string]TargetConfig {
	return map[string]TargetConfig{
		ProfileSearchEngine: {
			Profile:       ProfileSearchEngine,
			SoftRPM:       6,
			HardRPM:       10,
			MaxQPS:        0.1,
			MinQPS:        0.01,
			MaxConcurrent: 1,
			SlowThreshold: 3 * time.Second,
			Breaker:       circuit.Config{FailureThreshold: 3, SuccessThreshold: 2, OpenTimeout: 2 * time.Minute},
			Backoff:       BackoffConfig{Base: 5 * time.Second, Multiplier: 2, Jitter: 0.1, Max: 5 * time.Minute, MaxLevel: 10},
		},
		ProfileDirectory: {
			Profile:       ProfileDirectory,
			SoftRPM:       20,
			HardRPM:       30,
			MaxQPS:        0.5,
			MinQPS:        0.05,
			MaxConcurrent: 2,
			SlowThreshold: 5 * time.Second,
			Breaker:       circuit.Config{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: time.Minute},
			Backoff:       BackoffConfig{Base: 2 * time.Second, Multiplier: 2, Jitter: 0.1, Max: 5 * time.Minute, MaxLevel: 10},
		},
		ProfileGeneric: {
			Profile:       ProfileGeneric,
			SoftRPM:       30,
			HardRPM:       60,
			MaxQPS:        1,
			MinQPS:        0.1,
			MaxConcurrent: 4,
			SlowThreshold: 5 * time.Second,
			Breaker:       circuit.Config{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: time.Minute},
			Backoff:       BackoffConfig{Base: 2 * time.Second, Multiplier: 2, Jitter: 0.1, Max: 5 * time.Minute, MaxLevel: 10},
		},
	}
}

// merge overlays the non-zero fields of o onto base.
func merge(base, o TargetConfig) TargetConfig {
	if o.SoftRPM > 0 {
		base.SoftRPM = o.SoftRPM
	}
	if o.HardRPM > 0 {
		base.HardRPM = o.HardRPM
	}
	if o.MaxQPS > 0 {
		base.MaxQPS = o.MaxQPS
	}
	if o.MinQPS > 0 {
		base.MinQPS = o.MinQPS
	}
	if o.MaxConcurrent > 0 {
		base.MaxConcurrent = o.MaxConcurrent
	}
	if o.SlowThreshold > 0 {
		base.SlowThreshold = o.SlowThreshold
	}
	if o.Breaker.FailureThreshold > 0 {
		base.Breaker.FailureThreshold = o.Breaker.FailureThreshold
	}
	if o.Breaker.SuccessThreshold > 0 {
		base.Breaker.SuccessThreshold = o.Breaker.SuccessThreshold
	}
	if o.Breaker.OpenTimeout > 0 {
		base.Breaker.OpenTimeout = o.Breaker.OpenTimeout
	}
	if o.Breaker.ProbeWait > 0 {
		base.Breaker.ProbeWait = o.Breaker.ProbeWait
	}
	if o.Backoff.Base > 0 {
		base.Backoff.Base = o.Backoff.Base
	}
	if o.Backoff.Multiplier > 0 {
		base.Backoff.Multiplier = o.Backoff.Multiplier
	}
	if o.Backoff.Jitter > 0 {
		base.Backoff.Jitter = o.Backoff.Jitter
	}
	if o.Backoff.Max > 0 {
		base.Backoff.Max = o.Backoff.Max
	}
	if o.Backoff.MaxLevel > 0 {
		base.Backoff.MaxLevel = o.Backoff.MaxLevel
	}
	return normalizeTarget(base)
}

// normalizeTarget keeps a TargetConfig internally consistent.
func normalizeTarget(c TargetConfig) TargetConfig {
	if c.HardRPM <= 0 {
		c.HardRPM = 60
	}
	if c.SoftRPM <= 0 || c.SoftRPM > c.HardRPM {
		c.SoftRPM = c.HardRPM
	}
	if c.MaxQPS <= 0 {
		c.MaxQPS = 1
	}
	if c.MinQPS <= 0 || c.MinQPS > c.MaxQPS {
		c.MinQPS = c.MaxQPS / 10
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = 5 * time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = 2 * time.Second
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = 2
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		c.Backoff.Jitter = 0.1
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 5 * time.Minute
	}
	if c.Backoff.MaxLevel <= 0 || c.Backoff.MaxLevel > 10 {
		c.Backoff.MaxLevel = 10
	}
	return c
}
