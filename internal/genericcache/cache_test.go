// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package genericcache

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

type intKey int

// Randomly distribute small key values to shards.
var randPerm = rand.Perm(50)

func (k intKey) Shard(numShards int) int {
	if int(k) < len(randPerm) {
		return randPerm[k] % numShards
	}
	return int(k) % numShards
}

func mustFind[V any](
	t *testing.T, c *Cache[intKey, V, struct{}], k intKey,
) ValueRef[intKey, V, struct{}] {
	t.Helper()
	ref, err := c.FindOrCreate(context.Background(), k, struct{}{})
	require.NoError(t, err)
	return ref
}

func TestBasic(t *testing.T) {
	initFn := func(ctx context.Context, k intKey, _ struct{}, v *string) error {
		*v = fmt.Sprint(k)
		return nil
	}
	releaseFn := func(v *string) {
		*v = "bogus"
	}
	c := New[intKey, string, struct{}](10, 1, initFn, releaseFn)

	for i := range 100 {
		k := intKey(i % 10)
		ref := mustFind(t, c, k)
		require.Equal(t, fmt.Sprint(k), *ref.Value())
		ref.Unref()
	}
	m := c.Metrics()
	require.Equal(t, int64(10), m.Misses)
	require.Equal(t, int64(90), m.Hits)
	require.Equal(t, int64(10), m.Count)

	for i := range 100 {
		k := intKey(i % 10)
		ref := mustFind(t, c, k)
		require.Equal(t, fmt.Sprint(k), *ref.Value())
		ref.Unref()
	}
	require.Equal(t, int64(10), c.Metrics().Misses)

	c.Close()
}

func TestInitOpts(t *testing.T) {
	initFn := func(ctx context.Context, k intKey, suffix string, v *string) error {
		*v = fmt.Sprintf("%d%s", k, suffix)
		return nil
	}
	c := New[intKey, string, string](4, 2, initFn, func(*string) {})
	defer c.Close()

	ref, err := c.FindOrCreate(context.Background(), 1, "-a")
	require.NoError(t, err)
	require.Equal(t, "1-a", *ref.Value())
	ref.Unref()

	// The options are only used when the value is created.
	ref, err = c.FindOrCreate(context.Background(), 1, "-b")
	require.NoError(t, err)
	require.Equal(t, "1-a", *ref.Value())
	ref.Unref()
}

func TestLRU(t *testing.T) {
	var released []int
	initFn := func(ctx context.Context, k intKey, _ struct{}, v *int) error {
		*v = int(k)
		return nil
	}
	releaseFn := func(v *int) {
		released = append(released, *v)
	}
	c := New[intKey, int, struct{}](3, 1, initFn, releaseFn)
	for _, k := range []intKey{1, 2, 3} {
		mustFind(t, c, k).Unref()
	}
	// Touch 1 so that 2 is the least recently used.
	mustFind(t, c, 1).Unref()
	mustFind(t, c, 4).Unref()
	require.Equal(t, []int{2}, released)

	// A referenced value survives eviction until it is unreferenced.
	ref := mustFind(t, c, 3)
	mustFind(t, c, 5).Unref()
	mustFind(t, c, 6).Unref()
	require.Equal(t, []int{2, 1, 4}, released)
	mustFind(t, c, 7).Unref()
	require.Equal(t, []int{2, 1, 4}, released)
	require.Equal(t, 3, *ref.Value())
	ref.Unref()
	require.Equal(t, []int{2, 1, 4, 3}, released)

	c.Close()
	slices.Sort(released)
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, released)
}

func TestEvict(t *testing.T) {
	var initialized []int
	initFn := func(ctx context.Context, k intKey, _ struct{}, v *int) error {
		initialized = append(initialized, int(k))
		*v = int(k)
		return nil
	}
	expectInitialized := func(vals ...int) {
		t.Helper()
		slices.Sort(initialized)
		slices.Sort(vals)
		require.Equal(t, vals, initialized)
		initialized = nil
	}
	var released []int
	expectReleased := func(vals ...int) {
		t.Helper()
		slices.Sort(released)
		slices.Sort(vals)
		require.Equal(t, vals, released)
		released = nil
	}
	releaseFn := func(v *int) {
		released = append(released, *v)
		*v = -1
	}
	c := New[intKey, int, struct{}](20, 1+rand.IntN(4), initFn, releaseFn)
	mustFind(t, c, 1).Unref()
	mustFind(t, c, 2).Unref()
	mustFind(t, c, 3).Unref()
	mustFind(t, c, 4).Unref()
	expectInitialized(1, 2, 3, 4)
	expectReleased()
	c.Evict(2)
	expectReleased(2)
	mustFind(t, c, 2).Unref()
	expectInitialized(2)
	keys := c.EvictAll(func(k intKey) bool {
		return k%2 == 1
	})
	slices.Sort(keys)
	require.Equal(t, []intKey{1, 3}, keys)
	expectReleased(1, 3)
	mustFind(t, c, 2).Unref()
	expectInitialized()
	mustFind(t, c, 3).Unref()
	expectInitialized(3)

	// Evicting a referenced value defers the release to the last Unref.
	ref := mustFind(t, c, 4)
	c.Evict(4)
	expectReleased()
	ref.Unref()
	expectReleased(4)

	c.Close()
	expectReleased(2, 3)
}

func TestErrorHandling(t *testing.T) {
	var fail atomic.Int32
	initFn := func(ctx context.Context, k intKey, _ struct{}, v *int) error {
		if errVal := fail.Load(); errVal != 0 {
			time.Sleep(10 * time.Millisecond)
			return errors.Newf("%d", errVal)
		}
		*v = int(k)
		return nil
	}
	var released atomic.Int32
	releaseFn := func(v *int) {
		released.Add(1)
	}
	c := New[intKey, int, struct{}](20, 4, initFn, releaseFn)
	ctx := context.Background()

	fail.Store(1)
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		go func() {
			defer wg.Done()
			_, err := c.FindOrCreate(ctx, 1, struct{}{})
			require.ErrorContains(t, err, "1")
		}()
	}
	wg.Wait()

	fail.Store(2)
	// A new attempt should try again and return the new error.
	_, err := c.FindOrCreate(ctx, 1, struct{}{})
	require.ErrorContains(t, err, "2")
	require.Equal(t, int64(0), c.Metrics().Count)

	fail.Store(0)
	// A new attempt should succeed.
	v, err := c.FindOrCreate(ctx, 1, struct{}{})
	require.NoError(t, err)
	require.Equal(t, 1, *v.Value())
	v.Unref()

	c.Close()
	// Failed initializations are never released.
	require.Equal(t, int32(1), released.Load())
}
