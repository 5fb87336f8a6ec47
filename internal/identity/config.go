package identity

import (
	"fmt"
	"time"
)

// ProxyConfig describes one egress endpoint available to the pool.
type ProxyConfig struct {
	URL    string  `mapstructure:"url" json:"url"`
	Region string  `mapstructure:"region" json:"region"`
	Weight float64 `mapstructure:"weight" json:"weight"`
}

// Config bounds identity lifetimes and sets the health thresholds.
// MinHealth is the floor below which an identity is rotated before reuse;
// nil selects DefaultMinHealth and zero disables the floor.
type Config struct {
	MaxIdentities   int           `mapstructure:"max_identities"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	MaxUses         int           `mapstructure:"max_uses"`
	MaxIdle         time.Duration `mapstructure:"max_idle"`
	RetireAfter     time.Duration `mapstructure:"retire_after"`
	MinHealth       *float64      `mapstructure:"min_health"`
	HistorySize     int           `mapstructure:"history_size"`
	RotationLogSize int           `mapstructure:"rotation_log_size"`
	ViewportJitter  int           `mapstructure:"viewport_jitter"`
	Seed            uint64        `mapstructure:"seed"`
	Proxies         []ProxyConfig `mapstructure:"proxies"`
}

// DefaultMinHealth is the health floor used when none is configured.
const DefaultMinHealth = 0.2

// Float returns a pointer to v, for optional thresholds such as MinHealth.
func Float(v float64) *float64 { return &v }

func (c Config) withDefaults() Config {
	if c.MaxIdentities <= 0 {
		c.MaxIdentities = 32
	}
	if c.MaxAge <= 0 {
		c.MaxAge = time.Hour
	}
	if c.MaxUses <= 0 {
		c.MaxUses = 50
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 30 * time.Minute
	}
	if c.RetireAfter <= 0 {
		c.RetireAfter = 4 * c.MaxAge
	}
	if c.MinHealth == nil {
		floor := DefaultMinHealth
		c.MinHealth = &floor
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	if c.RotationLogSize <= 0 {
		c.RotationLogSize = 20
	}
	if c.ViewportJitter <= 0 {
		c.ViewportJitter = 16
	}
	for i := range c.Proxies {
		if c.Proxies[i].Weight <= 0 {
			c.Proxies[i].Weight = 1
		}
	}
	return c
}

// Validate checks the thresholds that defaults cannot repair.
func (c Config) Validate() error {
	if c.MinHealth != nil && (*c.MinHealth < 0 || *c.MinHealth > 1) {
		return fmt.Errorf("identity min_health must be within [0,1], got %v", *c.MinHealth)
	}
	for i, p := range c.Proxies {
		if p.URL == "" {
			return fmt.Errorf("identity proxy %d: url is required", i)
		}
	}
	return nil
}
