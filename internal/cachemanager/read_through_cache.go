package cachemanager

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// ReadThroughCache fronts a loader with a cache. A miss calls the loader
// and stores its result; concurrent misses on one key share a single load.
// Errors are never cached.
type ReadThroughCache[K ~string, V any, I any] struct {
	cache  CacheManager[K, V]
	load   func(ctx context.Context, input I) (V, error)
	bypass bool

	inflight singleflight.Group
}

// NewReadThroughCache wraps load. With bypass set every Get calls load
// directly and nothing is stored.
func NewReadThroughCache[K ~string, V any, I any](
	cache CacheManager[K, V],
	load func(ctx context.Context, input I) (V, error),
	bypass bool,
) *ReadThroughCache[K, V, I] {
	return &ReadThroughCache[K, V, I]{
		cache:  cache,
		load:   load,
		bypass: bypass,
	}
}

// Get returns the cached value for key, loading it from input on a miss.
// A shared load runs with the context of the caller that started it.
func (r *ReadThroughCache[K, V, I]) Get(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	if r.bypass {
		return r.load(ctx, input)
	}

	if value, ok := r.cache.Get(ctx, key); ok {
		return value, nil
	}

	v, err, _ := r.inflight.Do(string(key), func() (any, error) {
		value, err := r.load(ctx, input)
		if err != nil {
			return value, err
		}
		r.cache.Set(ctx, key, value, ttl)
		return value, nil
	})
	value, _ := v.(V)
	return value, err
}

// Invalidate drops key so the next Get reloads it.
func (r *ReadThroughCache[K, V, I]) Invalidate(ctx context.Context, key K) error {
	r.inflight.Forget(string(key))
	return r.cache.Delete(ctx, key)
}
