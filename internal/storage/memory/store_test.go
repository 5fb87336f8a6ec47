package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/YallaPapi/pubscrape-sub005/internal/storage"
)

func TestStoreApplyAndLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	require.NoError(t, s.Apply(ctx,
		storage.Put(storage.BucketItems, "a", []byte(`{"id":"a"}`)),
		storage.Put(storage.BucketItems, "b", []byte(`{"id":"b"}`)),
		storage.Put(storage.BucketDedupe, "k", []byte(`"a"`)),
	))
	require.NoError(t, s.Apply(ctx, storage.Delete(storage.BucketItems, "b")))

	items, err := s.Load(ctx, storage.BucketItems)
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"a": []byte(`{"id":"a"}`)}, items)

	// Returned maps are copies.
	items["a"][0] = 'X'
	again, err := s.Load(ctx, storage.BucketItems)
	require.NoError(t, err)
	require.Equal(t, byte('{'), again["a"][0])

	empty, err := s.Load(ctx, storage.BucketIdentities)
	require.NoError(t, err)
	require.Empty(t, empty)
	require.Equal(t, 2, s.Applies())
}

func TestStoreFailAppliesLeavesDataUntouched(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	require.NoError(t, s.Apply(ctx, storage.Put(storage.BucketLimiter, "t", []byte("1"))))

	boom := errors.New("disk full")
	s.FailApplies(boom)
	err := s.Apply(ctx, storage.Put(storage.BucketLimiter, "t", []byte("2")))
	require.ErrorIs(t, err, boom)

	s.FailApplies(nil)
	got, err := s.Load(ctx, storage.BucketLimiter)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got["t"])
}

func TestStoreRejectsInvalidMutations(t *testing.T) {
	t.Parallel()

	s := New()
	require.Error(t, s.Apply(context.Background(), storage.Put("bogus", "k", nil)))
	require.Error(t, s.Apply(context.Background(), storage.Put(storage.BucketItems, "", nil)))
}
