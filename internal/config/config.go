// Package config loads and validates governor configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/YallaPapi/pubscrape-sub005/internal/events/pubsub"
	collyfetcher "github.com/YallaPapi/pubscrape-sub005/internal/fetcher/colly"
	"github.com/YallaPapi/pubscrape-sub005/internal/governor"
	"github.com/YallaPapi/pubscrape-sub005/internal/identity"
	"github.com/YallaPapi/pubscrape-sub005/internal/logging"
	"github.com/YallaPapi/pubscrape-sub005/internal/maintenance"
	"github.com/YallaPapi/pubscrape-sub005/internal/policy/ratelimit"
	"github.com/YallaPapi/pubscrape-sub005/internal/queue"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage/postgres"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage/redis"
	"github.com/YallaPapi/pubscrape-sub005/internal/storage/sqlite"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Events providers.
const (
	EventsNone   = "none"
	EventsMemory = "memory"
	EventsPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Auth        AuthConfig         `mapstructure:"auth"`
	Logging     logging.Config     `mapstructure:"logging"`
	Storage     StorageConfig      `mapstructure:"storage"`
	RateLimit   ratelimit.Config   `mapstructure:"ratelimit"`
	Queue       queue.Config       `mapstructure:"queue"`
	Identity    identity.Config    `mapstructure:"identity"`
	Governor    governor.Config    `mapstructure:"governor"`
	Worker      WorkerConfig       `mapstructure:"worker"`
	Events      EventsConfig       `mapstructure:"events"`
	Maintenance maintenance.Config `mapstructure:"maintenance"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StorageConfig selects the durable backend.
type StorageConfig struct {
	Backend  string          `mapstructure:"backend"`
	SQLite   sqlite.Config   `mapstructure:"sqlite"`
	Postgres postgres.Config `mapstructure:"postgres"`
	Redis    redis.Config    `mapstructure:"redis"`
}

// WorkerConfig controls the in-process worker pool.
type WorkerConfig struct {
	Enabled        bool                        `mapstructure:"enabled"`
	Concurrency    int                         `mapstructure:"concurrency"`
	RequestTimeout time.Duration               `mapstructure:"request_timeout"`
	IdlePoll       time.Duration               `mapstructure:"idle_poll"`
	MaxPark        time.Duration               `mapstructure:"max_park"`
	Fetcher        collyfetcher.Config         `mapstructure:"fetcher"`
	Detector       collyfetcher.DetectorConfig `mapstructure:"detector"`
}

// EventsConfig selects where outcome events go.
type EventsConfig struct {
	Provider string        `mapstructure:"provider"`
	PubSub   pubsub.Config `mapstructure:"pubsub"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GOVERNOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 14)
	v.SetDefault("logging.file.compress", true)
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.sqlite.path", "data/governor.db")
	v.SetDefault("storage.postgres.table", "governor_state")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.key_prefix", "governor")
	v.SetDefault("ratelimit.global_rpm", 120)
	v.SetDefault("ratelimit.global_concurrency", 16)
	v.SetDefault("ratelimit.concurrency_retry_delay", "1s")
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("ratelimit.history", "5m")
	v.SetDefault("ratelimit.adaptive_samples", 10)
	v.SetDefault("ratelimit.classifier_cache_size", 1024)
	v.SetDefault("queue.default_max_attempts", 3)
	v.SetDefault("queue.retry_base_delay", "2s")
	v.SetDefault("queue.retry_max_delay", "5m")
	v.SetDefault("queue.history_limit", 1000)
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("identity.max_identities", 32)
	v.SetDefault("identity.max_age", "1h")
	v.SetDefault("identity.max_uses", 50)
	v.SetDefault("identity.max_idle", "30m")
	v.SetDefault("identity.retire_after", "4h")
	v.SetDefault("identity.min_health", identity.DefaultMinHealth)
	v.SetDefault("identity.history_size", 50)
	v.SetDefault("identity.rotation_log_size", 20)
	v.SetDefault("identity.viewport_jitter", 16)
	v.SetDefault("governor.identity_scope", governor.ScopeTarget)
	v.SetDefault("governor.events_topic", "governor-outcomes")
	v.SetDefault("governor.publish_timeout", "5s")
	v.SetDefault("worker.enabled", false)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.request_timeout", "30s")
	v.SetDefault("worker.idle_poll", "250ms")
	v.SetDefault("worker.max_park", "5s")
	v.SetDefault("worker.fetcher.timeout", "15s")
	v.SetDefault("worker.fetcher.respect_robots", false)
	v.SetDefault("worker.fetcher.max_body_bytes", 10<<20)
	v.SetDefault("events.provider", EventsNone)
	v.SetDefault("events.pubsub.topic", "governor-outcomes")
	v.SetDefault("events.pubsub.create_topic", false)
	def := maintenance.DefaultConfig()
	v.SetDefault("maintenance.identity_sweep", def.IdentitySweep)
	v.SetDefault("maintenance.limiter_snapshot", def.LimiterSnapshot)
	v.SetDefault("maintenance.queue_prune", def.QueuePrune)
	v.SetDefault("maintenance.job_timeout", "1m")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, sqlite, postgres, redis", c.Storage.Backend))
	}
	if c.Storage.Backend == BackendPostgres && c.Storage.Postgres.DSN == "" {
		errs = append(errs, errors.New("storage.postgres.dsn must be set for the postgres backend"))
	}
	if c.Queue.DefaultMaxAttempts <= 0 {
		errs = append(errs, errors.New("queue.default_max_attempts must be > 0"))
	}
	if c.Worker.Enabled && c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be > 0 when workers are enabled"))
	}
	if c.RateLimit.GlobalConcurrency <= 0 {
		errs = append(errs, errors.New("ratelimit.global_concurrency must be > 0"))
	}
	switch c.Events.Provider {
	case EventsNone, EventsMemory:
	case EventsPubSub:
		if c.Events.PubSub.ProjectID == "" {
			errs = append(errs, errors.New("events.pubsub.project_id must be set for the pubsub provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("events.provider %q is not one of none, memory, pubsub", c.Events.Provider))
	}
	switch c.Governor.IdentityScope {
	case governor.ScopeTarget, governor.ScopeShared:
	default:
		errs = append(errs, fmt.Errorf("governor.identity_scope %q is not one of target, shared", c.Governor.IdentityScope))
	}
	if err := c.Identity.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("identity: %w", err))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	return errors.Join(errs...)
}

// EventsTopic is the topic outcome events are published to.
func (c Config) EventsTopic() string {
	if c.Events.Provider == EventsPubSub && c.Events.PubSub.Topic != "" {
		return c.Events.PubSub.Topic
	}
	return c.Governor.EventsTopic
}
