// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package genericcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/invariants"
	"github.com/cockroachdb/swiss"
)

// node is an entry in a shard's LRU list.
type node[K Key, V any] struct {
	key   K
	value *value[V]

	links struct {
		next *node[K, V]
		prev *node[K, V]
	}
}

func (n *node[K, V]) unlink() {
	n.links.prev.links.next = n.links.next
	n.links.next.links.prev = n.links.prev
	n.links.prev = nil
	n.links.next = nil
}

type value[V any] struct {
	// v and err can only be used after initialized is closed.
	v   V
	err error

	initialized chan struct{}
	refCount    atomic.Int32
}

type shard[K Key, V any, InitOpts any] struct {
	hits   atomic.Int64
	misses atomic.Int64

	capacity int

	mu struct {
		sync.Mutex
		nodes *swiss.Map[K, *node[K, V]]
		// lru is the sentinel of the circular LRU list. lru.links.next is the
		// most recently used node.
		lru  node[K, V]
		size int
	}

	initValueFn    InitValueFn[K, V, InitOpts]
	releaseValueFn ReleaseValueFn[V]
}

func (s *shard[K, V, InitOpts]) init(
	capacity int, initValueFn InitValueFn[K, V, InitOpts], releaseValueFn ReleaseValueFn[V],
) {
	s.capacity = capacity
	s.initValueFn = initValueFn
	s.releaseValueFn = releaseValueFn
	s.mu.nodes = swiss.New[K, *node[K, V]](min(capacity, 1<<10))
	s.mu.lru.links.next = &s.mu.lru
	s.mu.lru.links.prev = &s.mu.lru
}

// pushFront links n as the most recently used node. s.mu must be held.
func (s *shard[K, V, InitOpts]) pushFront(n *node[K, V]) {
	n.links.prev = &s.mu.lru
	n.links.next = s.mu.lru.links.next
	n.links.next.links.prev = n
	s.mu.lru.links.next = n
}

// removeNode unlinks n and drops it from the map. The caller takes over the
// shard's reference on the node's value. s.mu must be held.
func (s *shard[K, V, InitOpts]) removeNode(n *node[K, V]) *value[V] {
	n.unlink()
	s.mu.nodes.Delete(n.key)
	s.mu.size--
	v := n.value
	n.value = nil
	return v
}

func (s *shard[K, V, InitOpts]) unrefValue(v *value[V]) {
	if v.refCount.Add(-1) == 0 {
		<-v.initialized
		if v.err == nil {
			s.releaseValueFn(&v.v)
		}
	}
}

// findOrCreateValue returns an initialized value for the key, taking a
// reference count on it. If the key is not already in the cache, a new value is
// created and initialized, evicting the least recently used values as
// necessary.
//
// The caller is responsible for unrefing the value.
func (s *shard[K, V, InitOpts]) findOrCreateValue(
	ctx context.Context, key K, opts InitOpts,
) *value[V] {
	s.mu.Lock()
	if n, ok := s.mu.nodes.Get(key); ok {
		v := n.value
		v.refCount.Add(1)
		n.unlink()
		s.pushFront(n)
		s.mu.Unlock()
		s.hits.Add(1)
		<-v.initialized
		return v
	}

	v := &value[V]{initialized: make(chan struct{})}
	// One ref count for the shard, one for the caller.
	v.refCount.Store(2)
	n := &node[K, V]{key: key, value: v}
	s.mu.nodes.Put(key, n)
	s.pushFront(n)
	s.mu.size++

	// Evicted values are released after the mutex is dropped: releasing waits
	// for initialization, which may itself need the mutex.
	var evicted []*value[V]
	for s.mu.size > s.capacity {
		evicted = append(evicted, s.removeNode(s.mu.lru.links.prev))
	}
	s.mu.Unlock()
	s.misses.Add(1)
	for _, ev := range evicted {
		s.unrefValue(ev)
	}

	v.err = s.initValueFn(ctx, key, opts, &v.v)
	if v.err != nil {
		s.mu.Lock()
		// The node might have already been evicted.
		if n, ok := s.mu.nodes.Get(key); ok && n.value == v {
			s.removeNode(n)
			// The caller's reference remains.
			v.refCount.Add(-1)
		}
		s.mu.Unlock()
	}
	close(v.initialized)
	return v
}

func (s *shard[K, V, InitOpts]) evict(key K) {
	s.mu.Lock()
	var v *value[V]
	if n, ok := s.mu.nodes.Get(key); ok {
		v = s.removeNode(n)
	}
	s.mu.Unlock()
	if v != nil {
		s.unrefValue(v)
	}
}

func (s *shard[K, V, InitOpts]) evictAll(predicate func(K) bool) []K {
	var keys []K
	s.mu.Lock()
	s.mu.nodes.All(func(k K, _ *node[K, V]) bool {
		if predicate(k) {
			keys = append(keys, k)
		}
		return true
	})
	s.mu.Unlock()
	for _, k := range keys {
		s.evict(k)
	}
	return keys
}

func (s *shard[K, V, InitOpts]) close() {
	s.mu.Lock()
	var values []*value[V]
	for s.mu.lru.links.next != &s.mu.lru {
		values = append(values, s.removeNode(s.mu.lru.links.next))
	}
	s.mu.Unlock()
	for _, v := range values {
		if invariants.Enabled && v.refCount.Load() != 1 {
			panic(errors.AssertionFailedf("genericcache: closing cache with %d outstanding references",
				v.refCount.Load()-1))
		}
		s.unrefValue(v)
	}
}
