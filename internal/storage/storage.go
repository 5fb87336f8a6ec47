// Package storage defines the durable state contract shared by the queue,
// the rate limiter and the identity pool. Backends persist opaque JSON
// documents grouped into independent buckets; every batch of mutations is
// applied atomically.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Bucket names one independently recoverable slice of state.
type Bucket string

// Buckets persisted by the governor.
const (
	BucketItems      Bucket = "items"
	BucketDedupe     Bucket = "dedupe"
	BucketLimiter    Bucket = "limiter"
	BucketIdentities Bucket = "identities"
)

// Buckets lists every bucket in load order.
var Buckets = []Bucket{BucketItems, BucketDedupe, BucketLimiter, BucketIdentities}

// Mutation is a single put or delete inside an atomic batch.
type Mutation struct {
	Bucket Bucket
	Key    string
	Value  []byte
	Delete bool
}

// Put returns a mutation storing value under key.
func Put(bucket Bucket, key string, value []byte) Mutation {
	return Mutation{Bucket: bucket, Key: key, Value: value}
}

// PutJSON marshals v and returns the corresponding put mutation.
func PutJSON(bucket Bucket, key string, v any) (Mutation, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Mutation{}, fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	return Put(bucket, key, raw), nil
}

// Delete returns a mutation removing key.
func Delete(bucket Bucket, key string) Mutation {
	return Mutation{Bucket: bucket, Key: key, Delete: true}
}

// Backend is a durable key/value store partitioned into buckets.
type Backend interface {
	// Apply writes every mutation or none of them.
	Apply(ctx context.Context, mutations ...Mutation) error
	// Load returns every key in bucket. A missing bucket yields an empty map.
	Load(ctx context.Context, bucket Bucket) (map[string][]byte, error)
	// Close releases backend resources.
	Close() error
}

// Validate rejects mutations with an empty key or an unknown bucket.
func Validate(mutations []Mutation) error {
	for _, m := range mutations {
		if m.Key == "" {
			return fmt.Errorf("mutation for bucket %q has empty key", m.Bucket)
		}
		if !known(m.Bucket) {
			return fmt.Errorf("unknown bucket %q", m.Bucket)
		}
	}
	return nil
}

func known(b Bucket) bool {
	for _, candidate := range Buckets {
		if candidate == b {
			return true
		}
	}
	return false
}

// Pinger is implemented by backends that can verify connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks b when it supports it; other backends are always reachable.
func Ping(ctx context.Context, b Backend) error {
	p, ok := b.(Pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	return nil
}
