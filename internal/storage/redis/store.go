// Package redis persists governor state as one Redis hash per bucket.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/YallaPapi/pubscrape-sub005/internal/storage"
)

// Config controls the Redis connection.
type Config struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// Store implements storage.Backend with MULTI/EXEC batches.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// Open dials Redis and verifies connectivity with PING.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("storage.redis.addr is required")
	}
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(rdb, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "governor"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) key(bucket storage.Bucket) string {
	return fmt.Sprintf("%s:%s", s.prefix, bucket)
}

// Apply queues the batch in a MULTI/EXEC transaction.
func (s *Store) Apply(ctx context.Context, mutations ...storage.Mutation) error {
	if err := storage.Validate(mutations); err != nil {
		return err
	}
	if len(mutations) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range mutations {
			if m.Delete {
				pipe.HDel(ctx, s.key(m.Bucket), m.Key)
				continue
			}
			pipe.HSet(ctx, s.key(m.Bucket), m.Key, m.Value)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("exec batch: %w", err)
	}
	return nil
}

// Load returns every field of the bucket hash.
func (s *Store) Load(ctx context.Context, bucket storage.Bucket) (map[string][]byte, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(bucket)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", bucket, err)
	}
	out := make(map[string][]byte, len(fields))
	for k, v := range fields {
		out[k] = []byte(v)
	}
	return out, nil
}

// Ping issues PING.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
