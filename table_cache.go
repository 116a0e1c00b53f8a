// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/internal/genericcache"
	"github.com/cockroachdb/levelkv/internal/manifest"
	"github.com/cockroachdb/levelkv/sstable"
	"github.com/cockroachdb/levelkv/vfs"
)

// tableCacheShards is the maximum number of shards of the table and block
// caches.
const tableCacheShards = 16

// cacheShards returns the number of shards for a cache of the given
// capacity. Every shard holds at least one entry.
func cacheShards(capacity int) int {
	return max(1, min(tableCacheShards, capacity))
}

func shardFileNum(fileNum base.FileNum, offset uint64, numShards int) int {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(fileNum))
	binary.LittleEndian.PutUint64(buf[8:], offset)
	return int(xxhash.Sum64(buf[:]) % uint64(numShards))
}

type tableCacheKey base.FileNum

// Shard implements genericcache.Key.
func (k tableCacheKey) Shard(numShards int) int {
	return shardFileNum(base.FileNum(k), 0, numShards)
}

type tableCacheValue struct {
	reader *sstable.Reader
}

// tableCache holds open table readers, evicting the least recently used
// readers beyond its capacity. A reader stays open while an iterator over it
// is live, even after it was evicted.
type tableCache struct {
	dirname    string
	fs         vfs.FS
	logger     base.Logger
	readerOpts sstable.ReaderOptions

	filterMetrics sstable.FilterMetricsTracker
	blocks        *blockCache
	cache         genericcache.Cache[tableCacheKey, tableCacheValue, struct{}]
}

var _ manifest.TableGetter = (*tableCache)(nil)

func newTableCache(dirname string, opts *Options) *tableCache {
	c := &tableCache{
		dirname:    dirname,
		fs:         opts.FS,
		logger:     opts.Logger,
		readerOpts: opts.makeReaderOptions(),
		blocks:     newBlockCache(opts.blockCacheEntries()),
	}
	c.readerOpts.FilterMetrics = &c.filterMetrics
	if c.blocks != nil {
		c.readerOpts.Cache = c.blocks
	}
	c.cache.Init(opts.tableCacheSize(), cacheShards(opts.tableCacheSize()), c.openReader, c.closeReader)
	return c
}

func (c *tableCache) openReader(
	_ context.Context, key tableCacheKey, _ struct{}, v *tableCacheValue,
) error {
	fileNum := base.FileNum(key)
	f, err := c.openTable(fileNum)
	if err != nil {
		return err
	}
	o := c.readerOpts
	o.FileNum = fileNum
	r, err := sstable.NewReader(f, o)
	if err != nil {
		return errors.Wrapf(err, "levelkv: opening table %s", fileNum)
	}
	v.reader = r
	return nil
}

// openTable opens the file of a table, falling back to the legacy ".sst"
// name used by older LevelDB versions.
func (c *tableCache) openTable(fileNum base.FileNum) (vfs.File, error) {
	path := base.MakeFilepath(c.fs, c.dirname, base.FileTypeTable, fileNum)
	f, err := c.fs.Open(path)
	if err == nil {
		return f, nil
	}
	if !vfs.IsNotExist(err) {
		return nil, errors.WithStack(err)
	}
	legacy := c.fs.PathJoin(c.dirname, fmt.Sprintf("%s.sst", fileNum))
	if f, legacyErr := c.fs.Open(legacy); legacyErr == nil {
		return f, nil
	}
	return nil, base.AddDetailsToNotExistError(c.fs, path, errors.WithStack(err))
}

func (c *tableCache) closeReader(v *tableCacheValue) {
	if v.reader == nil {
		return
	}
	if err := v.reader.Close(); err != nil {
		c.logger.Errorf("levelkv: closing table: %v", err)
	}
	v.reader = nil
}

func (c *tableCache) findReader(
	meta *manifest.FileMetadata,
) (genericcache.ValueRef[tableCacheKey, tableCacheValue, struct{}], error) {
	return c.cache.FindOrCreate(context.Background(), tableCacheKey(meta.FileNum), struct{}{})
}

// Get implements manifest.TableGetter.
func (c *tableCache) Get(
	meta *manifest.FileMetadata, key base.InternalKey,
) (sstable.GetResult, []byte, error) {
	ref, err := c.findReader(meta)
	if err != nil {
		return sstable.GetNotFound, nil, err
	}
	defer ref.Unref()
	return ref.Value().reader.Get(key)
}

// newIter returns an iterator over the table. The reader is kept open until
// the iterator is closed.
func (c *tableCache) newIter(meta *manifest.FileMetadata) (internalIterator, error) {
	ref, err := c.findReader(meta)
	if err != nil {
		return nil, err
	}
	return &tableCacheIter{
		InternalIterator: ref.Value().reader.NewIter(),
		unref:            ref.Unref,
	}, nil
}

// approximateOffsetOf returns the approximate offset of key within the
// table.
func (c *tableCache) approximateOffsetOf(meta *manifest.FileMetadata, key base.InternalKey) (uint64, error) {
	ref, err := c.findReader(meta)
	if err != nil {
		return 0, err
	}
	defer ref.Unref()
	return ref.Value().reader.ApproximateOffsetOf(key), nil
}

// evict drops the table's reader and cached blocks. It is called when the
// table is deleted.
func (c *tableCache) evict(fileNum base.FileNum) {
	c.cache.Evict(tableCacheKey(fileNum))
	c.blocks.evictFile(fileNum)
}

func (c *tableCache) metrics() (CacheMetrics, sstable.FilterMetrics) {
	m := c.cache.Metrics()
	return CacheMetrics{Count: m.Count, Hits: m.Hits, Misses: m.Misses}, c.filterMetrics.Load()
}

func (c *tableCache) close() {
	c.cache.Close()
	if c.blocks != nil {
		c.blocks.cache.Close()
	}
}

// tableCacheIter releases its table cache reference when closed.
type tableCacheIter struct {
	base.InternalIterator
	unref func()
}

func (i *tableCacheIter) Close() error {
	err := i.InternalIterator.Close()
	if i.unref != nil {
		i.unref()
		i.unref = nil
	}
	return err
}

type blockCacheKey struct {
	fileNum base.FileNum
	offset  uint64
}

// Shard implements genericcache.Key.
func (k blockCacheKey) Shard(numShards int) int {
	return shardFileNum(k.fileNum, k.offset, numShards)
}

// blockCache caches decoded data blocks of all tables, keyed by file number
// and block offset. It implements sstable.BlockCache.
type blockCache struct {
	cache genericcache.Cache[blockCacheKey, []byte, func() ([]byte, error)]
}

var _ sstable.BlockCache = (*blockCache)(nil)

// newBlockCache returns a cache of the given number of blocks, or nil if
// entries is zero.
func newBlockCache(entries int) *blockCache {
	if entries <= 0 {
		return nil
	}
	c := &blockCache{}
	c.cache.Init(entries, cacheShards(entries),
		func(_ context.Context, _ blockCacheKey, read func() ([]byte, error), v *[]byte) error {
			b, err := read()
			*v = b
			return err
		},
		func(v *[]byte) { *v = nil })
	return c
}

// GetOrRead implements sstable.BlockCache. The cache serves a single DB, so
// the cache ID is not part of the key.
func (c *blockCache) GetOrRead(
	_ uint64, fileNum base.FileNum, offset uint64, read func() ([]byte, error),
) ([]byte, error) {
	ref, err := c.cache.FindOrCreate(context.Background(), blockCacheKey{fileNum, offset}, read)
	if err != nil {
		return nil, err
	}
	b := *ref.Value()
	ref.Unref()
	return b, nil
}

func (c *blockCache) evictFile(fileNum base.FileNum) {
	if c == nil {
		return
	}
	c.cache.EvictAll(func(k blockCacheKey) bool { return k.fileNum == fileNum })
}
