package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YallaPapi/pubscrape-sub005/internal/storage"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "governor.db")
	s, err := Open(Config{Path: path})
	require.NoError(t, err)
	return s, path
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	// Given a store with a few rows
	ctx := context.Background()
	s, path := openTemp(t)
	require.NoError(t, s.Apply(ctx,
		storage.Put(storage.BucketItems, "item-1", []byte(`{"id":"item-1"}`)),
		storage.Put(storage.BucketDedupe, "hash-1", []byte(`"item-1"`)),
		storage.Put(storage.BucketLimiter, "www.google.com", []byte(`{"backoff_level":2}`)),
	))
	require.NoError(t, s.Apply(ctx,
		storage.Put(storage.BucketItems, "item-1", []byte(`{"id":"item-1","status":"completed"}`)),
		storage.Delete(storage.BucketDedupe, "hash-1"),
	))
	require.NoError(t, s.Close())

	// When it is reopened
	reopened, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	// Then every bucket loads independently
	items, err := reopened.Load(ctx, storage.BucketItems)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"item-1","status":"completed"}`, string(items["item-1"]))

	dedupe, err := reopened.Load(ctx, storage.BucketDedupe)
	require.NoError(t, err)
	assert.Empty(t, dedupe)

	limiter, err := reopened.Load(ctx, storage.BucketLimiter)
	require.NoError(t, err)
	assert.Len(t, limiter, 1)
}

func TestStoreReadOnlyOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, path := openTemp(t)
	require.NoError(t, s.Apply(ctx, storage.Put(storage.BucketIdentities, "id-1", []byte(`{}`))))
	require.NoError(t, s.Close())

	ro, err := Open(Config{Path: path, ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	got, err := ro.Load(ctx, storage.BucketIdentities)
	require.NoError(t, err)
	require.Contains(t, got, "id-1")
	require.Error(t, ro.Apply(ctx, storage.Put(storage.BucketIdentities, "id-2", []byte(`{}`))))
}

func TestStoreRejectsUnknownBucket(t *testing.T) {
	t.Parallel()

	s, _ := openTemp(t)
	defer s.Close()
	err := s.Apply(context.Background(), storage.Put("other", "k", []byte("v")))
	require.Error(t, err)
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{})
	require.Error(t, err)
}
