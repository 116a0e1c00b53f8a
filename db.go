// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package levelkv provides an ordered key/value store that reads and writes
// the LevelDB on-disk format.
package levelkv // import "github.com/cockroachdb/levelkv"

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/internal/rate"
	"github.com/cockroachdb/levelkv/record"
	"github.com/cockroachdb/levelkv/vfs"
)

// Reader is a readable key/value store.
//
// It is safe to call Get and NewIter from concurrent goroutines.
type Reader interface {
	// Get gets the value for the given key. It returns ErrNotFound if the DB
	// does not contain the key.
	//
	// The caller may modify the returned slice.
	Get(key []byte) (value []byte, err error)

	// NewIter returns an iterator that is unpositioned (Iterator.Valid() will
	// return false). The iterator can be positioned via a call to SeekGE,
	// SeekLT, First or Last.
	NewIter(o *IterOptions) (*Iterator, error)
}

// Writer is a writable key/value store.
//
// Goroutine safety is dependent on the specific implementation.
type Writer interface {
	// Apply the operations contained in the batch to the DB.
	//
	// It is safe to modify the contents of the arguments after Apply returns.
	Apply(batch *Batch, o *WriteOptions) error

	// Delete deletes the value for the given key. Deletes are blind all will
	// succeed even if the given key does not exist.
	//
	// It is safe to modify the contents of the arguments after Delete returns.
	Delete(key []byte, o *WriteOptions) error

	// Set sets the value for the given key. It overwrites any previous value
	// for that key; a DB is not a multi-map.
	//
	// It is safe to modify the contents of the arguments after Set returns.
	Set(key, value []byte, o *WriteOptions) error
}

var (
	_ Reader = (*DB)(nil)
	_ Reader = (*Snapshot)(nil)
	_ Writer = (*DB)(nil)
)

// DB provides a concurrent, persistent ordered key/value store.
//
// A DB's basic operations (Get, Set, Delete) should be self-explanatory. Get
// and Delete will return ErrNotFound if the requested key is not in the
// store. Callers are free to ignore this error.
//
// A DB also allows for iterating over the key/value pairs in key order. If d
// is a DB, the code below prints all key/value pairs whose keys are 'greater
// than or equal to' k:
//
//	iter, _ := d.NewIter(nil)
//	for iter.SeekGE(k); iter.Valid(); iter.Next() {
//		fmt.Printf("key=%q value=%q\n", iter.Key(), iter.Value())
//	}
//	return iter.Close()
//
// Writes are serialized: each batch is appended to the WAL, then applied to
// the memtable, and becomes visible to reads once its sequence numbers are
// published. A full memtable is switched for a new one, with a new WAL, and
// flushed to a level 0 table in the background. The same background
// goroutine compacts the levels.
//
// The DB must be closed after use, by calling Close.
type DB struct {
	dirname    string
	opts       *Options
	cmp        Compare
	dataDir    vfs.File
	fileLock   io.Closer
	tableCache *tableCache
	metrics    *dbMetrics

	// compactionLimiter paces compaction writes, or is nil when unlimited.
	compactionLimiter *rate.Limiter

	// closed is set by Close, and observed by running compactions without
	// holding mu.
	closed atomic.Bool

	// iterCount is the number of open iterators.
	iterCount atomic.Int32

	// writeMu serializes writers. A writer holds it while appending to the
	// WAL and applying its batch to the memtable, so the mutable memtable and
	// the WAL only change under it.
	writeMu sync.Mutex

	mu struct {
		sync.Mutex

		nextJobID int

		versions versionSet

		log struct {
			number FileNum
			file   vfs.File
			*record.Writer
			// bytesWritten is the number of bytes written to the WAL since
			// the DB was opened.
			bytesWritten uint64
		}

		mem struct {
			// The current mutable memTable.
			mutable *memTable
			// imm is the memtable being flushed, or nil.
			imm *memTable
		}

		compact struct {
			cond       sync.Cond
			compacting bool
			manual     *manualCompaction
			// pendingOutputs holds the file numbers of the tables being
			// written by flushes and compactions. They are not obsolete even
			// though no version references them yet.
			pendingOutputs map[FileNum]struct{}
		}

		snapshots snapshotList

		// bgErr is the first error of a background flush or compaction, or
		// of a WAL write. Once set, writes fail.
		bgErr error

		closed bool
	}
}

// Get gets the value for the given key. It returns ErrNotFound if the DB
// does not contain the key.
//
// The caller may modify the returned slice.
func (d *DB) Get(key []byte) ([]byte, error) {
	return d.getInternal(key, nil)
}

func (d *DB) getInternal(key []byte, s *Snapshot) ([]byte, error) {
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	seqNum := d.mu.versions.lastSeqNum
	if s != nil {
		seqNum = s.seqNum
	}
	mem, imm := d.mu.mem.mutable, d.mu.mem.imm
	current := d.mu.versions.currentVersion()
	current.Ref()
	d.mu.Unlock()
	defer current.Unref()

	ikey := base.MakeInternalKey(key, seqNum, InternalKeyKindMax)
	for _, m := range [2]*memTable{mem, imm} {
		if m == nil {
			continue
		}
		if value, kind, ok := m.get(ikey); ok {
			if kind == InternalKeyKindDelete {
				return nil, ErrNotFound
			}
			return append([]byte(nil), value...), nil
		}
	}

	value, stats, err := current.Get(ikey, d.tableCache, d.cmp)
	d.mu.Lock()
	if current.UpdateStats(stats) {
		d.maybeScheduleCompaction()
	}
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), value...), nil
}

// Set sets the value for the given key. It overwrites any previous value
// for that key; a DB is not a multi-map.
//
// It is safe to modify the contents of the arguments after Set returns.
func (d *DB) Set(key, value []byte, opts *WriteOptions) error {
	var b Batch
	b.Set(key, value)
	return d.Apply(&b, opts)
}

// Delete deletes the value for the given key. Deletes are blind all will
// succeed even if the given key does not exist.
//
// It is safe to modify the contents of the arguments after Delete returns.
func (d *DB) Delete(key []byte, opts *WriteOptions) error {
	var b Batch
	b.Delete(key)
	return d.Apply(&b, opts)
}

// Apply the operations contained in the batch to the DB. The batch is
// applied atomically: a reader observes all of its operations or none.
//
// It is safe to modify the contents of the arguments after Apply returns.
func (d *DB) Apply(batch *Batch, opts *WriteOptions) error {
	if err := batch.validate(); err != nil {
		return err
	}
	if batch.Empty() {
		return nil
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	d.mu.Lock()
	if err := d.makeRoomForWrite(false); err != nil {
		d.mu.Unlock()
		return err
	}
	seqNum := d.mu.versions.lastSeqNum + 1
	batch.setSeqNum(seqNum)
	mem := d.mu.mem.mutable
	logWriter, logFile := d.mu.log.Writer, d.mu.log.file
	d.mu.Unlock()

	repr := batch.Repr()
	_, err := logWriter.WriteRecord(repr)
	if err == nil && opts.GetSync() {
		start := crtime.NowMono()
		err = errors.WithStack(logFile.Sync())
		d.metrics.observeWALSync(start.Elapsed())
	}
	if err != nil {
		// The WAL may hold a partial record; later writes could not be
		// recovered after it.
		d.mu.Lock()
		if d.mu.bgErr == nil {
			d.mu.bgErr = err
		}
		d.mu.Unlock()
		return err
	}
	if err := mem.apply(batch, seqNum); err != nil {
		return err
	}

	d.mu.Lock()
	d.mu.versions.lastSeqNum = seqNum + SeqNum(batch.Count()) - 1
	d.mu.log.bytesWritten += uint64(len(repr))
	d.mu.Unlock()
	return nil
}

// makeRoomForWrite ensures the mutable memtable has room for a write,
// switching to a new memtable and WAL when it is full, or unconditionally
// when force is set. Writes are delayed while L0 has many files and stopped
// while the previous memtable is still being flushed or L0 has too many
// files.
//
// DB.mu and DB.writeMu must be held. DB.mu is released while waiting.
func (d *DB) makeRoomForWrite(force bool) error {
	allowDelay := !force
	stalled := false
	defer func() {
		if stalled {
			d.opts.EventListener.WriteStallEnd()
		}
	}()
	stall := func(reason string) {
		if !stalled {
			stalled = true
			d.opts.EventListener.WriteStallBegin(WriteStallBeginInfo{Reason: reason})
		}
		d.mu.compact.cond.Wait()
	}

	for {
		if d.mu.closed {
			return ErrClosed
		}
		if d.mu.bgErr != nil {
			return d.mu.bgErr
		}
		l0Files := len(d.mu.versions.currentVersion().Levels[0])
		switch {
		case allowDelay && l0Files >= d.opts.L0SlowdownWritesThreshold:
			// We are getting close to hitting a hard limit on the number of
			// L0 files. Rather than delaying a single write by several
			// seconds when we hit the hard limit, start delaying each
			// individual write by 1ms to reduce latency variance.
			d.mu.Unlock()
			time.Sleep(time.Millisecond)
			d.mu.Lock()
			allowDelay = false
			continue

		case !force && d.mu.mem.mutable.approximateMemoryUsage() <= d.opts.MemTableSize:
			// There is room in the current memtable.
			return nil

		case d.mu.mem.imm != nil:
			// We have filled up the current memtable, but the previous one
			// is still being flushed, so we wait.
			stall("memtable count limit reached")
			continue

		case l0Files >= d.opts.L0StopWritesThreshold:
			// There are too many level-0 files.
			stall("L0 file count limit exceeded")
			continue

		case force && d.mu.mem.mutable.empty():
			return nil
		}

		// Attempt to switch to a new memtable and trigger flushing of old.
		if err := d.switchMemTable(); err != nil {
			return err
		}
		force = false
		d.maybeScheduleCompaction()
	}
}

// switchMemTable makes the mutable memtable immutable and creates a new
// memtable backed by a new WAL. DB.mu must be held.
func (d *DB) switchMemTable() error {
	newLogNum := d.mu.versions.getNextFileNum()
	newLogFile, err := d.opts.FS.Create(base.MakeFilepath(d.opts.FS, d.dirname, base.FileTypeLog, newLogNum))
	if err != nil {
		return errors.WithStack(err)
	}
	// The WAL's directory entry must be durable before a synced write to it
	// can be.
	if err := d.dataDir.Sync(); err != nil {
		_ = newLogFile.Close()
		return errors.WithStack(err)
	}
	if err := d.closeLog(); err != nil {
		_ = newLogFile.Close()
		d.mu.bgErr = err
		return err
	}
	d.mu.log.number = newLogNum
	d.mu.log.file = newLogFile
	d.mu.log.Writer = record.NewWriter(newLogFile)
	d.mu.mem.imm = d.mu.mem.mutable
	d.mu.mem.mutable = newMemTable(d.cmp, newLogNum)
	return nil
}

// closeLog syncs and closes the current WAL. DB.mu must be held.
func (d *DB) closeLog() error {
	if d.mu.log.Writer == nil {
		return nil
	}
	err := d.mu.log.Writer.Close()
	if err == nil {
		err = errors.WithStack(d.mu.log.file.Sync())
	}
	err = firstError(err, errors.WithStack(d.mu.log.file.Close()))
	d.mu.log.Writer = nil
	d.mu.log.file = nil
	return err
}

// NewIter returns an iterator that is unpositioned (Iterator.Valid() will
// return false). The iterator can be positioned via a call to SeekGE,
// SeekLT, First or Last. The iterator provides a point-in-time view of the
// current DB state.
func (d *DB) NewIter(o *IterOptions) (*Iterator, error) {
	return d.newIter(nil, o)
}

func (d *DB) newIter(s *Snapshot, o *IterOptions) (*Iterator, error) {
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	seqNum := d.mu.versions.lastSeqNum
	if s != nil {
		seqNum = s.seqNum
	}
	mem, imm := d.mu.mem.mutable, d.mu.mem.imm
	current := d.mu.versions.currentVersion()
	current.Ref()
	d.mu.Unlock()

	iters := []internalIterator{mem.newIter()}
	if imm != nil {
		iters = append(iters, imm.newIter())
	}
	tableIters, err := newVersionIters(d.cmp, d.tableCache, current)
	if err != nil {
		current.Unref()
		return nil, err
	}
	iters = append(iters, tableIters...)

	d.iterCount.Add(1)
	return &Iterator{
		cmp:    d.cmp,
		iter:   newMergingIter(d.cmp, iters...),
		seqNum: seqNum,
		lower:  o.GetLowerBound(),
		upper:  o.GetUpperBound(),
		release: func() {
			current.Unref()
			d.iterCount.Add(-1)
		},
	}, nil
}

// NewSnapshot returns a point-in-time view of the current DB state. Iterators
// created with this handle will all observe a stable snapshot of the current
// DB state. The caller must call Snapshot.Close() when the snapshot is no
// longer needed.
func (d *DB) NewSnapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mu.closed {
		panic(ErrClosed)
	}
	s := &Snapshot{
		db:     d,
		seqNum: d.mu.versions.lastSeqNum,
	}
	d.mu.snapshots.pushBack(s)
	return s
}

// Flush the memtable to stable storage, waiting for the flush to complete.
func (d *DB) Flush() error {
	d.writeMu.Lock()
	d.mu.Lock()
	err := d.makeRoomForWrite(true)
	d.writeMu.Unlock()
	if err == nil {
		err = d.waitForFlushLocked()
	}
	d.mu.Unlock()
	return err
}

// waitForFlushLocked waits for the immutable memtable to be flushed. DB.mu
// must be held.
func (d *DB) waitForFlushLocked() error {
	for d.mu.mem.imm != nil && d.mu.bgErr == nil && !d.mu.closed {
		d.mu.compact.cond.Wait()
	}
	if d.mu.closed {
		return ErrClosed
	}
	return d.mu.bgErr
}

// Compact the specified range of keys in the database. The memtable is
// flushed, then every level holding tables in the range is compacted into
// the next, down to the deepest level overlapping the range. A nil start
// or end is unbounded.
func (d *DB) Compact(start, end []byte) error {
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if start != nil && end != nil && d.cmp(start, end) > 0 {
		d.mu.Unlock()
		return errors.Mark(errors.Errorf("levelkv: compaction range start %q is after end %q", start, end),
			ErrInvalidArgument)
	}
	cur := d.mu.versions.currentVersion()
	maxLevelWithFiles := 1
	for level := 1; level < numLevels; level++ {
		if cur.OverlapInLevel(level, d.cmp, start, end) {
			maxLevelWithFiles = level
		}
	}
	d.mu.Unlock()

	if err := d.Flush(); err != nil {
		return err
	}
	for level := 0; level < maxLevelWithFiles; level++ {
		if err := d.manualCompact(level, start, end); err != nil {
			return err
		}
	}
	return nil
}

// manualCompact compacts the range of the level into the next level,
// waiting until it is done.
func (d *DB) manualCompact(level int, start, end []byte) error {
	m := &manualCompaction{
		level: level,
		start: start,
		end:   end,
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for !m.done {
		if d.mu.closed {
			return ErrClosed
		}
		if d.mu.bgErr != nil {
			return d.mu.bgErr
		}
		if d.mu.compact.manual == nil {
			d.mu.compact.manual = m
			d.maybeScheduleCompaction()
		}
		d.mu.compact.cond.Wait()
	}
	return m.err
}

// Metrics returns metrics about the database.
func (d *DB) Metrics() *Metrics {
	metrics := &Metrics{}
	d.mu.Lock()
	*metrics = d.mu.versions.metrics
	if d.mu.mem.mutable != nil {
		metrics.MemTable.Size = uint64(d.mu.mem.mutable.approximateMemoryUsage())
		metrics.MemTable.Count = d.mu.mem.mutable.count.Load()
	}
	if d.mu.log.Writer != nil {
		metrics.WAL.Size = uint64(d.mu.log.Size())
	}
	metrics.WAL.BytesWritten = d.mu.log.bytesWritten
	d.mu.Unlock()
	metrics.TableCache, metrics.Filter = d.tableCache.metrics()
	return metrics
}

// EstimateDiskUsage returns the approximate number of bytes of table data
// for the user key range [start, end).
func (d *DB) EstimateDiskUsage(start, end []byte) (uint64, error) {
	if d.cmp(start, end) > 0 {
		return 0, errors.Mark(errors.Errorf("levelkv: invalid key range [%q, %q)", start, end), ErrInvalidArgument)
	}
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return 0, ErrClosed
	}
	current := d.mu.versions.currentVersion()
	current.Ref()
	d.mu.Unlock()
	defer current.Unref()

	startOffset, err := d.mu.versions.approximateOffsetOf(current, base.MakeSearchKey(start), d.tableCache)
	if err != nil {
		return 0, err
	}
	endOffset, err := d.mu.versions.approximateOffsetOf(current, base.MakeSearchKey(end), d.tableCache)
	if err != nil {
		return 0, err
	}
	if endOffset < startOffset {
		return 0, nil
	}
	return endOffset - startOffset, nil
}

// Close closes the DB. Background work is waited for, and the WAL and the
// manifest are synced and closed.
//
// It is not safe to close a DB until all outstanding iterators are closed.
// It is valid to call Close multiple times. Other methods should not be
// called after the DB has been closed.
func (d *DB) Close() error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mu.closed {
		return nil
	}
	d.mu.closed = true
	d.closed.Store(true)
	d.mu.compact.cond.Broadcast()
	for d.mu.compact.compacting {
		d.mu.compact.cond.Wait()
	}

	err := d.closeLog()
	err = firstError(err, d.mu.versions.close())
	err = firstError(err, errors.WithStack(d.dataDir.Close()))
	d.tableCache.close()
	d.metrics.unregister(d.opts.Metrics)
	err = firstError(err, errors.WithStack(d.fileLock.Close()))
	if n := d.iterCount.Load(); n > 0 {
		err = firstError(err, errors.Errorf("levelkv: %d unclosed iterators", errors.Safe(n)))
	}
	return err
}
