// Package memory keeps governor state in process memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/YallaPapi/pubscrape-sub005/internal/storage"
)

// Store implements storage.Backend over nested maps.
type Store struct {
	mu       sync.RWMutex
	data     map[storage.Bucket]map[string][]byte
	applyErr error
	applies  int
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: make(map[storage.Bucket]map[string][]byte)}
}

// Apply writes the batch under a single lock.
func (s *Store) Apply(_ context.Context, mutations ...storage.Mutation) error {
	if err := storage.Validate(mutations); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return fmt.Errorf("apply batch: %w", s.applyErr)
	}
	for _, m := range mutations {
		bucket, ok := s.data[m.Bucket]
		if !ok {
			bucket = make(map[string][]byte)
			s.data[m.Bucket] = bucket
		}
		if m.Delete {
			delete(bucket, m.Key)
			continue
		}
		bucket[m.Key] = append([]byte(nil), m.Value...)
	}
	s.applies++
	return nil
}

// Load returns a copy of bucket.
func (s *Store) Load(_ context.Context, bucket storage.Bucket) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.data[bucket]))
	for k, v := range s.data[bucket] {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// FailApplies makes every subsequent Apply return err. A nil err restores
// normal behaviour. It exists to exercise persistence failure paths.
func (s *Store) FailApplies(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyErr = err
}

// Drop removes a whole bucket, simulating loss of that slice of state.
func (s *Store) Drop(bucket storage.Bucket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, bucket)
}

// Applies reports how many batches have been committed.
func (s *Store) Applies() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applies
}
