// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/sstable/block"
	"github.com/cockroachdb/levelkv/sstable/rowblk"
)

// Compression is the per-block compression algorithm to use.
type Compression = block.Compression

// The available compression types.
const (
	DefaultCompression = block.DefaultCompression
	NoCompression      = block.NoCompression
	SnappyCompression  = block.SnappyCompression
	ZstdCompression    = block.ZstdCompression
)

const (
	// DefaultBlockSize is the default target size of uncompressed data blocks.
	DefaultBlockSize = 4096
	// DefaultBlockRestartInterval is the default number of keys between
	// restart points in data blocks.
	DefaultBlockRestartInterval = rowblk.DefaultRestartInterval
)

// WriterOptions holds the parameters used to control building a table.
type WriterOptions struct {
	// BlockRestartInterval is the number of keys between restart points
	// for delta encoding of keys.
	//
	// The default value is 16.
	BlockRestartInterval int

	// BlockSize is the target uncompressed size in bytes of each table block.
	//
	// The default value is 4096.
	BlockSize int

	// Comparer defines a total ordering over the space of []byte keys: a 'less
	// than' relationship. The same comparison algorithm must be used for reads
	// and writes over the lifetime of the DB.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *base.Comparer

	// Compression defines the per-block compression to use.
	//
	// The default value (DefaultCompression) uses snappy compression.
	Compression Compression

	// FilterPolicy defines a filter algorithm (such as a Bloom filter) that can
	// reduce disk reads for Get calls.
	//
	// One such implementation is bloom.FilterPolicy(10) from the levelkv/bloom
	// package.
	//
	// The default value means to use no filter.
	FilterPolicy base.FilterPolicy
}

func (o WriterOptions) ensureDefaults() WriterOptions {
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = DefaultBlockRestartInterval
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	o.Comparer = o.Comparer.EnsureDefaults()
	return o
}

// BlockCache caches decoded blocks. Blocks are immutable once read, so a
// cached block may be shared between readers. Implementations must be safe
// for concurrent use.
type BlockCache interface {
	// GetOrRead returns the block at the given offset of the table with the
	// given file number, calling read to load it when it is not cached.
	GetOrRead(cacheID uint64, fileNum base.FileNum, offset uint64, read func() ([]byte, error)) ([]byte, error)
}

// ReaderOptions holds the parameters needed for reading a table.
type ReaderOptions struct {
	// Comparer defines a total ordering over the space of []byte keys. It must
	// match the ordering the table was written with.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *base.Comparer

	// FilterPolicy is used to consult the table's filter block, if the table
	// holds one written by a policy of the same name.
	FilterPolicy base.FilterPolicy

	// FilterMetrics, if set, counts filter hits and misses.
	FilterMetrics *FilterMetricsTracker

	// VerifyChecksums forces the checksum of every data block to be verified
	// as it is read. Index, metaindex and filter blocks are always verified.
	VerifyChecksums bool

	// Cache is an optional cache of data blocks.
	Cache BlockCache
	// CacheID and FileNum identify the table within the cache.
	CacheID uint64
	FileNum base.FileNum

	// Logger receives diagnostics for non-fatal problems, such as a filter
	// block that cannot be loaded.
	Logger base.Logger
}

func (o ReaderOptions) ensureDefaults() ReaderOptions {
	o.Comparer = o.Comparer.EnsureDefaults()
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	return o
}
