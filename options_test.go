// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/bloom"
	"github.com/cockroachdb/levelkv/vfs"
	"github.com/stretchr/testify/require"
)

func TestOptionsString(t *testing.T) {
	const expected = `[Options]
  block_cache_size=8388608
  block_restart_interval=16
  block_size=4096
  comparer=leveldb.BytewiseComparator
  compaction_rate_limit=0
  compression=Default
  disable_automatic_compactions=false
  filter_policy=none
  l0_compaction_threshold=4
  l0_slowdown_writes_threshold=8
  l0_stop_writes_threshold=12
  lbase_max_bytes=10485760
  max_manifest_file_size=67108864
  max_mem_compact_level=2
  max_open_files=1000
  mem_table_size=4194304
  paranoid_checks=false
  target_file_size=2097152
  verify_checksums=false
`
	var o *Options
	o = o.EnsureDefaults()
	require.Equal(t, expected, o.String())
	require.NoError(t, o.Validate())

	o.FilterPolicy = bloom.FilterPolicy(10)
	o.Compression = SnappyCompression
	s := o.String()
	require.Contains(t, s, "filter_policy=leveldb.BuiltinBloomFilter2\n")
	require.Contains(t, s, "compression=Snappy\n")
}

func TestOptionsEnsureDefaults(t *testing.T) {
	fs := vfs.NewMem()
	el := &EventListener{}
	o := (&Options{
		BlockSize:      1 << 10,
		BlockCacheSize: -1,
		FS:             fs,
		EventListener:  el,
		MemTableSize:   1 << 20,
	}).EnsureDefaults()

	// Explicit values are kept.
	require.Equal(t, 1<<10, o.BlockSize)
	require.Equal(t, 1<<20, o.MemTableSize)
	require.Equal(t, fs, o.FS)
	require.Same(t, el, o.EventListener)
	require.Equal(t, 0, o.blockCacheEntries())

	// Unset event handlers are filled in.
	require.NotNil(t, el.BackgroundError)
	require.NotNil(t, el.WriteStallEnd)
	require.Same(t, DefaultComparer, o.Comparer)
	require.Equal(t, DefaultLogger, o.Logger)
	require.Equal(t, 990, o.tableCacheSize())
}

func TestOptionsValidate(t *testing.T) {
	testCases := []struct {
		options  Options
		expected string
	}{
		{Options{}, ""},
		{
			Options{L0CompactionThreshold: 10},
			"L0SlowdownWritesThreshold (8) must be >= L0CompactionThreshold (10)",
		},
		{
			Options{L0SlowdownWritesThreshold: 20},
			"L0StopWritesThreshold (12) must be >= L0SlowdownWritesThreshold (20)",
		},
		{
			Options{MaxMemCompactLevel: 6},
			"MaxMemCompactLevel (6) must be <= 5",
		},
		{
			Options{MaxOpenFiles: 10},
			"MaxOpenFiles (10) must be > 10",
		},
		{
			Options{Compression: ZstdCompression + 1},
			"is unknown",
		},
		{
			Options{CompactionRateLimit: -1},
			"CompactionRateLimit (-1) must be >= 0",
		},
	}
	for _, tc := range testCases {
		t.Run("", func(t *testing.T) {
			err := tc.options.EnsureDefaults().Validate()
			if tc.expected == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidArgument))
			require.Contains(t, err.Error(), tc.expected)
		})
	}

	// Every problem is reported, one per line.
	err := (&Options{L0CompactionThreshold: 10, MaxOpenFiles: 5}).EnsureDefaults().Validate()
	require.Error(t, err)
	require.Len(t, strings.Split(err.Error(), "\n"), 2)
}

func TestOptionsLevelSizes(t *testing.T) {
	o := (&Options{LBaseMaxBytes: 1 << 20, TargetFileSize: 1 << 10}).EnsureDefaults()
	require.Equal(t, float64(1<<20), o.maxBytesForLevel(0))
	require.Equal(t, float64(1<<20), o.maxBytesForLevel(1))
	require.Equal(t, float64(10<<20), o.maxBytesForLevel(2))
	require.Equal(t, float64(1000<<20), o.maxBytesForLevel(4))
	require.Equal(t, uint64(10<<10), o.maxGrandparentOverlapBytes())
	require.Equal(t, uint64(25<<10), o.expandedCompactionByteSizeLimit())

	// A tiny block cache still holds one block.
	o.BlockCacheSize = 100
	require.Equal(t, 1, o.blockCacheEntries())
	o.BlockCacheSize = 8 << 20
	require.Equal(t, 2048, o.blockCacheEntries())
}

func TestWriteOptions(t *testing.T) {
	var o *WriteOptions
	require.True(t, o.GetSync())
	require.True(t, Sync.GetSync())
	require.False(t, NoSync.GetSync())
}
