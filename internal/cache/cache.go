// Package cache defines the key/value memoization contract. Its one caller
// is postprocess.OutputHashRecorder, which stores each job's output hash;
// resolved dependencies are not cached through it.
package cache

import "context"

// Cache is implemented by both the in-process (freecache) and
// cross-instance (redis) memoization backends.
type Cache interface {
	Put(ctx context.Context, key string, value interface{}, ttlSeconds int) error
	Get(ctx context.Context, key string, out interface{}) error
	GetDefaultTTL() int
}
