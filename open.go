// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"bytes"
	"cmp"
	"io"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/batchrepr"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/internal/rate"
	"github.com/cockroachdb/levelkv/record"
	"github.com/cockroachdb/levelkv/vfs"
)

// Open opens a DB whose files live in the given directory.
//
// A missing DB is created unless Options.ErrorIfNotExists is set. An existing
// DB is recovered: the manifest named by CURRENT is replayed to rebuild the
// current version, and the WALs not yet flushed are replayed into tables.
func Open(dirname string, opts *Options) (db *DB, err error) {
	if opts != nil {
		o := *opts
		opts = &o
	}
	opts = opts.EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	d := &DB{
		dirname:    dirname,
		opts:       opts,
		cmp:        opts.Comparer.Compare,
		tableCache: newTableCache(dirname, opts),
	}
	d.metrics = newDBMetrics(d.Metrics)
	if opts.CompactionRateLimit > 0 {
		limit := float64(opts.CompactionRateLimit)
		d.compactionLimiter = rate.NewLimiter(limit, limit)
	}
	d.mu.nextJobID = 1
	d.mu.compact.cond.L = &d.mu.Mutex
	d.mu.compact.pendingOutputs = make(map[FileNum]struct{})

	d.mu.Lock()
	defer d.mu.Unlock()

	defer func() {
		if db != nil {
			return
		}
		// Release everything acquired so far.
		_ = d.closeLog()
		_ = d.mu.versions.close()
		if d.dataDir != nil {
			_ = d.dataDir.Close()
		}
		d.tableCache.close()
		if d.fileLock != nil {
			_ = d.fileLock.Close()
		}
	}()

	fs := opts.FS
	if err := fs.MkdirAll(dirname, 0755); err != nil {
		return nil, errors.WithStack(err)
	}
	d.fileLock, err = fs.Lock(base.MakeFilepath(fs, dirname, base.FileTypeLock, 0))
	if err != nil {
		return nil, errors.Wrapf(err, "levelkv: could not lock DB %q", dirname)
	}
	d.dataDir, err = fs.OpenDir(dirname)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	jobID := d.mu.nextJobID
	d.mu.nextJobID++

	currentName := base.MakeFilepath(fs, dirname, base.FileTypeCurrent, 0)
	if _, err := fs.Stat(currentName); vfs.IsNotExist(err) {
		if opts.ErrorIfNotExists {
			return nil, errors.Mark(errors.Errorf("levelkv: database %q does not exist", dirname),
				ErrInvalidArgument)
		}
		// Create the DB if it did not already exist.
		if err := d.mu.versions.create(jobID, dirname, d.dataDir, opts, &d.mu.Mutex); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, errors.Wrapf(err, "levelkv: database %q", dirname)
	} else if opts.ErrorIfExists {
		return nil, errors.Mark(errors.Errorf("levelkv: database %q already exists", dirname),
			ErrInvalidArgument)
	} else {
		// Load the version set.
		if err := d.mu.versions.load(dirname, opts, &d.mu.Mutex); err != nil {
			return nil, err
		}
	}

	ls, err := fs.List(dirname)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := d.checkLiveTablesExist(ls); err != nil {
		return nil, err
	}

	// Replay any newer log files than the ones named in the manifest.
	type fileNumAndName struct {
		num  FileNum
		name string
	}
	var logFiles []fileNumAndName
	for _, filename := range ls {
		ft, fn, ok := base.ParseFilename(fs, filename)
		if !ok {
			continue
		}
		// Don't reuse any obsolete file numbers to avoid modifying an
		// ingested table or a manifest.
		d.mu.versions.markFileNumUsed(fn)
		if ft == base.FileTypeLog && (fn >= d.mu.versions.logNum || fn == d.mu.versions.prevLogNum) {
			logFiles = append(logFiles, fileNumAndName{fn, filename})
		}
	}
	slices.SortFunc(logFiles, func(a, b fileNumAndName) int {
		return cmp.Compare(a.num, b.num)
	})

	var ve versionEdit
	for _, lf := range logFiles {
		maxSeqNum, err := d.replayWAL(&ve, fs.PathJoin(dirname, lf.name), lf.num)
		if err != nil {
			return nil, err
		}
		if d.mu.versions.lastSeqNum < maxSeqNum {
			d.mu.versions.lastSeqNum = maxSeqNum
		}
	}

	// Create an empty WAL and memtable for new writes.
	newLogNum := d.mu.versions.getNextFileNum()
	logFile, err := fs.Create(base.MakeFilepath(fs, dirname, base.FileTypeLog, newLogNum))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := d.dataDir.Sync(); err != nil {
		_ = logFile.Close()
		return nil, errors.WithStack(err)
	}
	d.mu.log.number = newLogNum
	d.mu.log.file = logFile
	d.mu.log.Writer = record.NewWriter(logFile)
	d.mu.mem.mutable = newMemTable(d.cmp, newLogNum)

	// Write a new manifest edit that points at the new WAL, supersedes the
	// replayed ones and adds the tables they were flushed to.
	ve.SetLogNum(newLogNum)
	ve.PrevLogNum, ve.HasPrevLogNum = 0, true
	// A recovered DB always writes this edit to a new manifest, which is
	// removed if the edit fails.
	d.mu.versions.logLock()
	if err := d.mu.versions.logAndApply(jobID, &ve, nil, d.dataDir); err != nil {
		d.removeUninstalledTables(&ve)
		return nil, err
	}
	clear(d.mu.compact.pendingOutputs)

	if err := d.metrics.register(opts.Metrics); err != nil {
		return nil, err
	}
	d.deleteObsoleteFiles(jobID)
	d.maybeScheduleCompaction()
	return d, nil
}

// checkLiveTablesExist returns a corruption error if a table of the current
// version is missing from the listing of the DB directory.
func (d *DB) checkLiveTablesExist(ls []string) error {
	expected := make(map[FileNum]struct{})
	d.mu.versions.addLiveFileNums(expected)
	for _, filename := range ls {
		if ft, fn, ok := base.ParseFilename(d.opts.FS, filename); ok && ft == base.FileTypeTable {
			delete(expected, fn)
		}
	}
	if len(expected) == 0 {
		return nil
	}
	missing := make([]FileNum, 0, len(expected))
	for fn := range expected {
		missing = append(missing, fn)
	}
	slices.Sort(missing)
	return base.CorruptionErrorf("levelkv: %d missing files; e.g.: %s",
		errors.Safe(len(missing)), base.MakeFilepath(d.opts.FS, d.dirname, base.FileTypeTable, missing[0]))
}

// replayWAL replays the batches of a WAL into memtables, flushing a memtable
// to an L0 table in the edit whenever it fills up, and flushing the last one
// at the end. It returns the largest sequence number replayed.
//
// A torn record at the end of the log is the expected result of a crash and
// ends the replay. Corrupted records fail the replay when
// Options.ParanoidChecks is set, and are otherwise logged and skipped.
//
// DB.mu must be held.
func (d *DB) replayWAL(ve *versionEdit, filename string, logNum FileNum) (maxSeqNum SeqNum, err error) {
	file, err := d.opts.FS.Open(filename)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer file.Close()

	var (
		b   Batch
		buf bytes.Buffer
		mem *memTable
		rr  = record.NewReader(file)
	)
	// flushMem writes the memtable to a table at L0. Recovered tables are
	// always placed at L0, since later recovered tables may overlap them.
	flushMem := func() error {
		if mem == nil {
			return nil
		}
		_, _, err := d.writeLevel0Table(mem, ve, nil)
		mem = nil
		return err
	}

	for {
		r, err := rr.Next()
		if err == nil {
			buf.Reset()
			_, err = io.Copy(&buf, r)
		}
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			d.opts.Logger.Infof("levelkv: WAL %s ends with a torn record; ignoring the tail", logNum)
			break
		}
		if err != nil {
			if !record.IsInvalidRecord(err) {
				return 0, errors.Wrapf(err, "levelkv: reading WAL %s", logNum)
			}
			if d.opts.ParanoidChecks {
				return 0, base.MarkCorruptionError(errors.Wrapf(err, "levelkv: reading WAL %s", logNum))
			}
			d.opts.Logger.Errorf("levelkv: WAL %s: skipping corrupted records: %v", logNum, err)
			rr.Recover()
			continue
		}

		if buf.Len() < batchrepr.HeaderLen {
			err := base.CorruptionErrorf("levelkv: WAL %s: record too small (%d bytes)",
				logNum, errors.Safe(buf.Len()))
			if d.opts.ParanoidChecks {
				return 0, err
			}
			d.opts.Logger.Errorf("%v", err)
			continue
		}

		// The memtable copies the batch's keys and values, so the buffer can
		// be reused for the next record.
		if err := b.SetRepr(buf.Bytes()); err != nil {
			return 0, base.MarkCorruptionError(err)
		}
		seqNum := b.seqNum()
		if mem == nil {
			mem = newMemTable(d.cmp, logNum)
		}
		if err := mem.apply(&b, seqNum); err != nil {
			return 0, base.MarkCorruptionError(errors.Wrapf(err, "levelkv: WAL %s", logNum))
		}
		if n := b.Count(); n > 0 {
			maxSeqNum = max(maxSeqNum, seqNum+SeqNum(n)-1)
		}

		if mem.approximateMemoryUsage() > d.opts.MemTableSize {
			if err := flushMem(); err != nil {
				return 0, err
			}
		}
	}
	if err := flushMem(); err != nil {
		return 0, err
	}
	return maxSeqNum, nil
}
