// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/internal/manifest"
	"github.com/cockroachdb/levelkv/sstable"
	"github.com/cockroachdb/levelkv/vfs"
	"github.com/prometheus/client_golang/prometheus"
)

// Compression exports the sstable.Compression type.
type Compression = sstable.Compression

// Exported Compression constants.
const (
	DefaultCompression = sstable.DefaultCompression
	NoCompression      = sstable.NoCompression
	SnappyCompression  = sstable.SnappyCompression
	ZstdCompression    = sstable.ZstdCompression
)

const (
	numLevels = manifest.NumLevels

	// levelMultiplier is the ratio between the maximum sizes of adjacent
	// levels.
	levelMultiplier = 10

	// numNonTableCacheFiles is the number of file descriptors reserved for
	// the WAL, the manifest and other non-table files.
	numNonTableCacheFiles = 10
)

// Options holds the optional parameters for configuring levelkv. These
// options apply to the DB at large; per-table options such as BlockSize are
// applied to every table the DB writes.
type Options struct {
	// BlockRestartInterval is the number of keys between restart points for
	// delta encoding of keys.
	//
	// The default value is 16.
	BlockRestartInterval int

	// BlockCacheSize is the approximate number of bytes of decoded data
	// blocks kept in memory across all tables. A negative value disables the
	// block cache.
	//
	// The default value is 8 MiB.
	BlockCacheSize int64

	// BlockSize is the target uncompressed size in bytes of each table block.
	//
	// The default value is 4096.
	BlockSize int

	// Comparer defines a total ordering over the space of []byte keys: a 'less
	// than' relationship. The same comparison algorithm must be used for reads
	// and writes over the lifetime of the DB.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *Comparer

	// Compression defines the per-block compression to use.
	//
	// The default value (DefaultCompression) uses snappy compression.
	Compression Compression

	// CompactionRateLimit limits the rate, in bytes per second, at which
	// compactions write table data. Zero means no limit.
	CompactionRateLimit int64

	// DisableAutomaticCompactions stops compactions from being scheduled
	// after flushes and seek-triggered lookups. Manual compactions still run.
	DisableAutomaticCompactions bool

	// ErrorIfExists causes an error on Open if the database already exists.
	ErrorIfExists bool

	// ErrorIfNotExists causes an error on Open if the database does not
	// already exist. By default a missing database is created.
	ErrorIfNotExists bool

	// EventListener provides hooks to listening to significant DB events such
	// as flushes, compactions, and table deletion.
	EventListener *EventListener

	// FilterPolicy defines a filter algorithm (such as a Bloom filter) that
	// can reduce disk reads for Get calls.
	//
	// One such implementation is bloom.FilterPolicy(10) from the levelkv/bloom
	// package.
	//
	// The default value means to use no filter.
	FilterPolicy FilterPolicy

	// FS provides the interface for persistent file storage.
	//
	// The default value uses the underlying operating system's file system.
	FS vfs.FS

	// L0CompactionThreshold is the number of L0 files at which a compaction
	// of L0 is triggered.
	//
	// The default value is 4.
	L0CompactionThreshold int

	// L0SlowdownWritesThreshold is the number of L0 files at which each write
	// is delayed by a millisecond.
	//
	// The default value is 8.
	L0SlowdownWritesThreshold int

	// L0StopWritesThreshold is the number of L0 files at which writes stop
	// until a compaction brings the count down.
	//
	// The default value is 12.
	L0StopWritesThreshold int

	// LBaseMaxBytes is the maximum number of bytes for L1. Each subsequent
	// level may hold ten times as much.
	//
	// The default value is 10 MiB.
	LBaseMaxBytes int64

	// Logger used to write log messages.
	//
	// The default logger uses the Go standard library log package.
	Logger Logger

	// MaxManifestFileSize is the size at which the manifest is rolled over to
	// a new file holding a snapshot of the current version.
	//
	// The default value is 64 MiB.
	MaxManifestFileSize int64

	// MaxMemCompactLevel is the deepest level a flushed memtable may be
	// placed at when it overlaps nothing above that level.
	//
	// The default value is 2.
	MaxMemCompactLevel int

	// MaxOpenFiles is a soft limit on the number of open files that can be
	// used by the DB. Ten are reserved for files other than tables.
	//
	// The default value is 1000.
	MaxOpenFiles int

	// MemTableSize is the size of the memtable at which it is flushed to L0.
	//
	// The default value is 4 MiB.
	MemTableSize int

	// Metrics, if set, has the DB's prometheus collectors registered on
	// Open and unregistered on Close.
	Metrics prometheus.Registerer

	// ParanoidChecks makes a corrupted WAL record fail Open. By default the
	// corrupt tail of the log is dropped and logged.
	ParanoidChecks bool

	// TargetFileSize is the target size of the tables written by
	// compactions.
	//
	// The default value is 2 MiB.
	TargetFileSize int64

	// VerifyChecksums forces the checksum of every data block to be verified
	// when it is read.
	VerifyChecksums bool
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = sstable.DefaultBlockRestartInterval
	}
	if o.BlockSize <= 0 {
		o.BlockSize = sstable.DefaultBlockSize
	}
	if o.BlockCacheSize == 0 {
		o.BlockCacheSize = 8 << 20
	}
	o.Comparer = o.Comparer.EnsureDefaults()
	if o.Logger == nil {
		o.Logger = DefaultLogger
	}
	if o.EventListener == nil {
		o.EventListener = &EventListener{}
	}
	o.EventListener.EnsureDefaults(o.Logger)
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.L0CompactionThreshold <= 0 {
		o.L0CompactionThreshold = 4
	}
	if o.L0SlowdownWritesThreshold <= 0 {
		o.L0SlowdownWritesThreshold = 8
	}
	if o.L0StopWritesThreshold <= 0 {
		o.L0StopWritesThreshold = 12
	}
	if o.LBaseMaxBytes <= 0 {
		o.LBaseMaxBytes = 10 << 20
	}
	if o.MaxManifestFileSize <= 0 {
		o.MaxManifestFileSize = 64 << 20
	}
	if o.MaxMemCompactLevel <= 0 {
		o.MaxMemCompactLevel = 2
	}
	if o.MaxOpenFiles <= 0 {
		o.MaxOpenFiles = 1000
	}
	if o.MemTableSize <= 0 {
		o.MemTableSize = 4 << 20
	}
	if o.TargetFileSize <= 0 {
		o.TargetFileSize = 2 << 20
	}
	return o
}

// Validate verifies that the options are mutually consistent. For example,
// L0StopWritesThreshold must be >= L0SlowdownWritesThreshold.
func (o *Options) Validate() error {
	// Note that we can presume Options.EnsureDefaults has been called, so there
	// is no need to check for zero values.

	var buf strings.Builder
	if o.L0SlowdownWritesThreshold < o.L0CompactionThreshold {
		fmt.Fprintf(&buf, "L0SlowdownWritesThreshold (%d) must be >= L0CompactionThreshold (%d)\n",
			o.L0SlowdownWritesThreshold, o.L0CompactionThreshold)
	}
	if o.L0StopWritesThreshold < o.L0SlowdownWritesThreshold {
		fmt.Fprintf(&buf, "L0StopWritesThreshold (%d) must be >= L0SlowdownWritesThreshold (%d)\n",
			o.L0StopWritesThreshold, o.L0SlowdownWritesThreshold)
	}
	if o.MaxMemCompactLevel > numLevels-2 {
		fmt.Fprintf(&buf, "MaxMemCompactLevel (%d) must be <= %d\n",
			o.MaxMemCompactLevel, numLevels-2)
	}
	if o.MaxOpenFiles <= numNonTableCacheFiles {
		fmt.Fprintf(&buf, "MaxOpenFiles (%d) must be > %d\n",
			o.MaxOpenFiles, numNonTableCacheFiles)
	}
	if o.Compression < DefaultCompression || o.Compression > ZstdCompression {
		fmt.Fprintf(&buf, "Compression (%d) is unknown\n", o.Compression)
	}
	if o.CompactionRateLimit < 0 {
		fmt.Fprintf(&buf, "CompactionRateLimit (%d) must be >= 0\n", o.CompactionRateLimit)
	}

	if buf.Len() == 0 {
		return nil
	}
	return errors.Mark(errors.New(strings.TrimSuffix(buf.String(), "\n")), ErrInvalidArgument)
}

// String returns the options formatted one per line, in the style of an
// OPTIONS file.
func (o *Options) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[Options]\n")
	fmt.Fprintf(&buf, "  block_cache_size=%d\n", o.BlockCacheSize)
	fmt.Fprintf(&buf, "  block_restart_interval=%d\n", o.BlockRestartInterval)
	fmt.Fprintf(&buf, "  block_size=%d\n", o.BlockSize)
	fmt.Fprintf(&buf, "  comparer=%s\n", o.Comparer.Name)
	fmt.Fprintf(&buf, "  compaction_rate_limit=%d\n", o.CompactionRateLimit)
	fmt.Fprintf(&buf, "  compression=%s\n", o.Compression)
	fmt.Fprintf(&buf, "  disable_automatic_compactions=%t\n", o.DisableAutomaticCompactions)
	fmt.Fprintf(&buf, "  filter_policy=%s\n", base.FilterPolicyName(o.FilterPolicy))
	fmt.Fprintf(&buf, "  l0_compaction_threshold=%d\n", o.L0CompactionThreshold)
	fmt.Fprintf(&buf, "  l0_slowdown_writes_threshold=%d\n", o.L0SlowdownWritesThreshold)
	fmt.Fprintf(&buf, "  l0_stop_writes_threshold=%d\n", o.L0StopWritesThreshold)
	fmt.Fprintf(&buf, "  lbase_max_bytes=%d\n", o.LBaseMaxBytes)
	fmt.Fprintf(&buf, "  max_manifest_file_size=%d\n", o.MaxManifestFileSize)
	fmt.Fprintf(&buf, "  max_mem_compact_level=%d\n", o.MaxMemCompactLevel)
	fmt.Fprintf(&buf, "  max_open_files=%d\n", o.MaxOpenFiles)
	fmt.Fprintf(&buf, "  mem_table_size=%d\n", o.MemTableSize)
	fmt.Fprintf(&buf, "  paranoid_checks=%t\n", o.ParanoidChecks)
	fmt.Fprintf(&buf, "  target_file_size=%d\n", o.TargetFileSize)
	fmt.Fprintf(&buf, "  verify_checksums=%t\n", o.VerifyChecksums)
	return buf.String()
}

// maxBytesForLevel returns the size at which a level's compaction score
// reaches 1. Level 0 is scored by file count instead.
func (o *Options) maxBytesForLevel(level int) float64 {
	result := float64(o.LBaseMaxBytes)
	for ; level > 1; level-- {
		result *= levelMultiplier
	}
	return result
}

// maxGrandparentOverlapBytes is the maximum number of bytes of grandparent
// (level+2) data a single compaction output file may overlap.
func (o *Options) maxGrandparentOverlapBytes() uint64 {
	return uint64(10 * o.TargetFileSize)
}

// expandedCompactionByteSizeLimit is the maximum number of bytes in all
// compacted files. We avoid expanding the lower level file set of a
// compaction if it would make the total compaction cover more than this many
// bytes.
func (o *Options) expandedCompactionByteSizeLimit() uint64 {
	return uint64(25 * o.TargetFileSize)
}

func (o *Options) tableCacheSize() int {
	return o.MaxOpenFiles - numNonTableCacheFiles
}

// blockCacheEntries is the capacity of the block cache in blocks, or zero
// when the block cache is disabled.
func (o *Options) blockCacheEntries() int {
	if o.BlockCacheSize <= 0 {
		return 0
	}
	return max(1, int(o.BlockCacheSize/int64(o.BlockSize)))
}

// makeWriterOptions constructs sstable.WriterOptions from the corresponding
// options in the receiver.
func (o *Options) makeWriterOptions() sstable.WriterOptions {
	return sstable.WriterOptions{
		BlockRestartInterval: o.BlockRestartInterval,
		BlockSize:            o.BlockSize,
		Comparer:             o.Comparer,
		Compression:          o.Compression,
		FilterPolicy:         o.FilterPolicy,
	}
}

// makeReaderOptions constructs sstable.ReaderOptions from the corresponding
// options in the receiver.
func (o *Options) makeReaderOptions() sstable.ReaderOptions {
	return sstable.ReaderOptions{
		Comparer:        o.Comparer,
		FilterPolicy:    o.FilterPolicy,
		VerifyChecksums: o.VerifyChecksums,
		Logger:          o.Logger,
	}
}

// WriteOptions hold the optional per-query parameters for Set and Delete
// operations.
//
// Like Options, a nil *WriteOptions is valid and means to use the default
// values.
type WriteOptions struct {
	// Sync is whether to sync writes through the OS buffer cache and down onto
	// the actual disk, if applicable. Setting Sync is required for durability of
	// individual write operations but can result in slower writes.
	//
	// If false, and the process or machine crashes, then a recent write may be
	// lost. This is due to the recently written data being buffered inside the
	// process running levelkv. This differs from the semantics of a write
	// system call in which the data is buffered in the OS buffer cache and
	// would thus survive a process crash.
	//
	// The default value is true.
	Sync bool
}

// Sync specifies the default write options for writes which synchronize to
// disk.
var Sync = &WriteOptions{Sync: true}

// NoSync specifies the default write options for writes which do not
// synchronize to disk.
var NoSync = &WriteOptions{Sync: false}

// GetSync returns the Sync value or true if the receiver is nil.
func (o *WriteOptions) GetSync() bool {
	return o == nil || o.Sync
}
