// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package genericcache implements a sharded LRU cache that associates keys
// with reference counted values. Values are initialized on demand and are
// released once they have been evicted and the last reference is dropped.
package genericcache

import (
	"context"
)

// Cache implements a generic cache that associates arbitrary keys with values.
// It uses multiple shards to reduce contention; each shard runs an
// independent LRU policy over its share of the capacity.
type Cache[K Key, V any, InitOpts any] struct {
	shards []shard[K, V, InitOpts]
}

// Key must be implemented by the key type used with a Cache.
type Key interface {
	comparable

	// Shard maps the key to a shard index between 0 and numShards-1.
	Shard(numShards int) int
}

// InitValueFn is called to initialize a new value that is being added to the
// cache. The opts are those passed to the FindOrCreate call that missed.
//
// It is guaranteed that there will be no concurrent calls to InitValueFn() with
// the same key.
type InitValueFn[K Key, V any, InitOpts any] func(ctx context.Context, key K, opts InitOpts, v *V) error

// ReleaseValueFn is called to release a value that is no longer used
// (specifically: it was evicted from the cache AND there are no outstanding
// ValueRefs on it).
type ReleaseValueFn[V any] func(*V)

// New creates a Cache with the given capacity (in number of values) and number
// of shards.
func New[K Key, V any, InitOpts any](
	capacity int,
	numShards int,
	initValueFn InitValueFn[K, V, InitOpts],
	releaseValueFn ReleaseValueFn[V],
) *Cache[K, V, InitOpts] {
	c := &Cache[K, V, InitOpts]{}
	c.Init(capacity, numShards, initValueFn, releaseValueFn)
	return c
}

// Init can be used instead of New when the cache is embedded in another struct.
func (c *Cache[K, V, InitOpts]) Init(
	capacity int,
	numShards int,
	initValueFn InitValueFn[K, V, InitOpts],
	releaseValueFn ReleaseValueFn[V],
) {
	if numShards < 1 {
		numShards = 1
	}
	c.shards = make([]shard[K, V, InitOpts], numShards)
	shardCapacity := max(1, (capacity+numShards-1)/numShards)
	for i := range c.shards {
		c.shards[i].init(shardCapacity, initValueFn, releaseValueFn)
	}
}

// Close the cache, releasing all values that have no outstanding references.
// Values that are still referenced are released by their last Unref.
func (c *Cache[K, V, InitOpts]) Close() {
	for i := range c.shards {
		c.shards[i].close()
	}
	c.shards = nil
}

// FindOrCreate retrieves an existing value or creates a new value for the given
// key. The result can be accessed via ValueRef.Value(). The caller must call
// ValueRef.Unref() when it no longer needs the value.
//
// If the value has to be initialized and initialization fails, the error is
// returned and nothing is cached; a later call retries.
func (c *Cache[K, V, InitOpts]) FindOrCreate(
	ctx context.Context, key K, opts InitOpts,
) (ValueRef[K, V, InitOpts], error) {
	s := c.getShard(key)
	v := s.findOrCreateValue(ctx, key, opts)
	if err := v.err; err != nil {
		s.unrefValue(v)
		return ValueRef[K, V, InitOpts]{}, err
	}
	return ValueRef[K, V, InitOpts]{shard: s, value: v}, nil
}

// ValueRef is returned by FindOrCreate. It holds a reference on a value; the
// value will be kept "alive" even if the cache decides to evict the value to
// make room for another one.
type ValueRef[K Key, V any, InitOpts any] struct {
	shard *shard[K, V, InitOpts]
	value *value[V]
}

// Value returns the value. This method and the returned value can only be used
// until ref.Unref() is called.
func (ref ValueRef[K, V, InitOpts]) Value() *V {
	return &ref.value.v
}

// Unref releases the reference. This must be called or the underlying value
// will never be cleaned up.
func (ref ValueRef[K, V, InitOpts]) Unref() {
	ref.shard.unrefValue(ref.value)
}

// Evict removes any entry associated with the given key. The value is released
// immediately if it has no outstanding references, otherwise when the last
// reference is dropped.
func (c *Cache[K, V, InitOpts]) Evict(key K) {
	c.getShard(key).evict(key)
}

// EvictAll evicts all entries in the cache with a key that satisfies the given
// predicate, returning the evicted keys. It is an O(n) operation.
func (c *Cache[K, V, InitOpts]) EvictAll(predicate func(K) bool) []K {
	var keys []K
	for i := range c.shards {
		keys = append(keys, c.shards[i].evictAll(predicate)...)
	}
	return keys
}

func (c *Cache[K, V, InitOpts]) getShard(key K) *shard[K, V, InitOpts] {
	return &c.shards[key.Shard(len(c.shards))]
}

// Metrics holds metrics for the cache.
type Metrics struct {
	// The count of objects in the cache.
	Count int64
	// The number of cache hits.
	Hits int64
	// The number of cache misses.
	Misses int64
}

// Metrics retrieves metrics for the cache.
func (c *Cache[K, V, InitOpts]) Metrics() Metrics {
	var m Metrics
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		m.Count += int64(s.mu.size)
		s.mu.Unlock()
		m.Hits += s.hits.Load()
		m.Misses += s.misses.Load()
	}
	return m
}
