package ratelimit

import "github.com/YallaPapi/pubscrape-sub005/internal/storage"

func storagePut(key string, value []byte) storage.Mutation {
	return storage.Put(storage.BucketLimiter, key, value)
}
