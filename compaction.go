// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"context"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/internal/manifest"
	"github.com/cockroachdb/levelkv/sstable"
	"github.com/cockroachdb/levelkv/vfs"
)

type compactionReason int

const (
	// compactionReasonDefault compacts a level whose score reached 1.
	compactionReasonDefault compactionReason = iota
	// compactionReasonMove moves a table to the next level without
	// rewriting it.
	compactionReasonMove
	// compactionReasonSeek compacts a table that exhausted its seek budget.
	compactionReasonSeek
	// compactionReasonManual compacts a key range on request.
	compactionReasonManual
)

func (r compactionReason) String() string {
	switch r {
	case compactionReasonDefault:
		return "default"
	case compactionReasonMove:
		return "move"
	case compactionReasonSeek:
		return "seek"
	case compactionReasonManual:
		return "manual"
	}
	return "unknown"
}

// compaction is a table compaction from one level to the next, starting from
// a given version.
type compaction struct {
	cmp  Compare
	opts *Options
	// version is the version the inputs were picked from. It is referenced
	// for the lifetime of the compaction.
	version *version
	reason  compactionReason

	// startLevel is the level being compacted. The outputs are written to
	// outputLevel, which is startLevel+1.
	startLevel  int
	outputLevel int

	// maxOutputFileSize is the size at which an output table is finished.
	maxOutputFileSize uint64
	// maxOverlapBytes bounds the grandparent bytes an output table may
	// overlap.
	maxOverlapBytes uint64

	// inputs are the tables to be compacted: inputs[0] from startLevel and
	// inputs[1] from outputLevel. inputs[2] holds the grandparents, the
	// tables of the level after outputLevel that the compaction's key range
	// overlaps. They are not compacted.
	inputs [3][]*fileMetadata

	// compactPointer is the largest key of the start level inputs. It is
	// recorded in the compaction's edit.
	compactPointer InternalKey

	// State for shouldStopBefore.
	grandparentIndex int
	seenKey          bool
	overlappedBytes  uint64

	// levelPtrs holds, per level past the output level, the index of the
	// first file that may contain the keys passed to isBaseLevelForKey.
	// Keys arrive in increasing order, so the indexes only move forward.
	levelPtrs [numLevels]int
}

func newCompaction(opts *Options, cur *version, level int, reason compactionReason) *compaction {
	cur.Ref()
	return &compaction{
		cmp:               opts.Comparer.Compare,
		opts:              opts,
		version:           cur,
		reason:            reason,
		startLevel:        level,
		outputLevel:       level + 1,
		maxOutputFileSize: uint64(opts.TargetFileSize),
		maxOverlapBytes:   opts.maxGrandparentOverlapBytes(),
	}
}

// release drops the compaction's reference to its input version. DB.mu must
// be held.
func (c *compaction) release() {
	if c.version != nil {
		c.version.UnrefLocked()
		c.version = nil
	}
}

// isTrivialMove returns whether the compaction can be performed by moving
// its single input table to the output level. The move is not allowed when
// the table overlaps too many grandparent bytes, since that would make a
// later compaction of the output level expensive.
func (c *compaction) isTrivialMove() bool {
	return len(c.inputs[0]) == 1 && len(c.inputs[1]) == 0 &&
		manifest.TotalSize(c.inputs[2]) <= c.maxOverlapBytes
}

// addInputDeletions records the deletion of every input table in the edit.
func (c *compaction) addInputDeletions(ve *versionEdit) {
	for i := 0; i < 2; i++ {
		for _, f := range c.inputs[i] {
			ve.DeleteFile(c.startLevel+i, f.FileNum)
		}
	}
}

// isBaseLevelForKey returns whether no level past the output level can
// contain ukey. A deletion of such a key can be dropped by the compaction.
// Successive calls must pass increasing user keys.
func (c *compaction) isBaseLevelForKey(ukey []byte) bool {
	for level := c.outputLevel + 1; level < numLevels; level++ {
		files := c.version.Levels[level]
		for c.levelPtrs[level] < len(files) {
			f := files[c.levelPtrs[level]]
			if c.cmp(ukey, f.Largest.UserKey) <= 0 {
				// We've advanced far enough.
				if c.cmp(ukey, f.Smallest.UserKey) >= 0 {
					// Key falls in this file's range, so definitely not base level.
					return false
				}
				break
			}
			c.levelPtrs[level]++
		}
	}
	return true
}

// shouldStopBefore returns whether the current output table should be
// finished before key is added, because the table overlaps too many
// grandparent bytes. Successive calls must pass increasing keys.
func (c *compaction) shouldStopBefore(key InternalKey) bool {
	grandparents := c.inputs[2]
	for c.grandparentIndex < len(grandparents) &&
		base.InternalCompare(c.cmp, key, grandparents[c.grandparentIndex].Largest) > 0 {
		if c.seenKey {
			c.overlappedBytes += grandparents[c.grandparentIndex].Size
		}
		c.grandparentIndex++
	}
	c.seenKey = true

	if c.overlappedBytes > c.maxOverlapBytes {
		// Too much overlap for current output; start new output.
		c.overlappedBytes = 0
		return true
	}
	return false
}

// inputInfo describes the compaction's inputs for the event listener.
func (c *compaction) inputInfo() []LevelInfo {
	info := make([]LevelInfo, 0, 2)
	for i := 0; i < 2; i++ {
		li := LevelInfo{Level: c.startLevel + i}
		for _, f := range c.inputs[i] {
			li.Tables = append(li.Tables, tableInfo(f))
		}
		info = append(info, li)
	}
	return info
}

// newInputIter returns a merging iterator over the compaction's inputs. L0
// tables each get their own iterator since they may overlap; the inputs of
// a sorted level are concatenated.
func (c *compaction) newInputIter(tc *tableCache) (internalIterator, error) {
	var iters []internalIterator
	if c.startLevel == 0 {
		for _, f := range c.inputs[0] {
			iter, err := tc.newIter(f)
			if err != nil {
				for _, it := range iters {
					_ = it.Close()
				}
				return nil, errors.Wrapf(err, "levelkv: could not open table %s", f.FileNum)
			}
			iters = append(iters, iter)
		}
	} else {
		iters = append(iters, newLevelIter(c.cmp, tc, c.inputs[0]))
	}
	if len(c.inputs[1]) > 0 {
		iters = append(iters, newLevelIter(c.cmp, tc, c.inputs[1]))
	}
	return newMergingIter(c.cmp, iters...), nil
}

// manualCompaction is a request to compact a key range of a level. It is
// served one compaction at a time, with start moved past the compacted range
// after each, until no input remains.
type manualCompaction struct {
	level      int
	start, end []byte
	done       bool
	err        error
}

// maybeScheduleCompaction starts a background compaction if there is work to
// do and none is running. DB.mu must be held.
func (d *DB) maybeScheduleCompaction() {
	if d.mu.compact.compacting || d.mu.closed || d.mu.bgErr != nil {
		return
	}
	if d.mu.mem.imm == nil && d.mu.compact.manual == nil {
		if d.opts.DisableAutomaticCompactions {
			return
		}
		v := d.mu.versions.currentVersion()
		if v.CompactionScore < 1 && v.FileToCompact == nil {
			return
		}
	}
	d.mu.compact.compacting = true
	go d.backgroundCompaction()
}

func (d *DB) backgroundCompaction() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.compact1(); err != nil && !errors.Is(err, ErrClosed) {
		// An error writing or installing a table leaves the on-disk state
		// unknown. Later writes and compactions fail with the error.
		d.mu.bgErr = err
		d.opts.EventListener.BackgroundError(err)
	}
	d.mu.compact.compacting = false

	// The previous compaction may have produced too many files in a level, so
	// reschedule another compaction if needed.
	d.maybeScheduleCompaction()
	d.mu.compact.cond.Broadcast()
}

// compact1 runs one unit of background work: a flush of the immutable
// memtable, a step of the pending manual compaction, or the best automatic
// compaction. DB.mu must be held.
func (d *DB) compact1() error {
	if d.mu.mem.imm != nil {
		return d.flushMemTable()
	}

	if m := d.mu.compact.manual; m != nil {
		d.mu.compact.manual = nil
		c := d.mu.versions.compactRange(m.level, m.start, m.end)
		if c == nil {
			m.done = true
			return nil
		}
		resume := append([]byte(nil), c.inputs[0][len(c.inputs[0])-1].Largest.UserKey...)
		if err := d.runCompaction(c); err != nil {
			m.done, m.err = true, err
			return err
		}
		m.start = resume
		return nil
	}

	c := d.mu.versions.pickCompaction()
	if c == nil {
		return nil
	}
	return d.runCompaction(c)
}

// runCompaction runs the compaction and installs its result. DB.mu must be
// held, and is released while tables are written.
func (d *DB) runCompaction(c *compaction) (err error) {
	defer c.release()

	jobID := d.mu.nextJobID
	d.mu.nextJobID++
	info := CompactionInfo{
		JobID:  jobID,
		Reason: c.reason.String(),
		Input:  c.inputInfo(),
		Output: LevelInfo{Level: c.outputLevel},
	}
	startTime := crtime.NowMono()
	defer func() {
		info.Done = true
		info.Duration = startTime.Elapsed()
		info.Err = err
		d.opts.EventListener.CompactionEnd(info)
		d.metrics.observeCompaction(info.Duration)
	}()

	if c.reason != compactionReasonManual && c.isTrivialMove() {
		meta := c.inputs[0][0]
		c.reason = compactionReasonMove
		info.Reason = c.reason.String()
		d.opts.EventListener.CompactionBegin(info)

		ve := &versionEdit{}
		ve.DeleteFile(c.startLevel, meta.FileNum)
		ve.AddFile(c.outputLevel, meta)
		ve.SetCompactPointer(c.startLevel, c.compactPointer)
		metrics := map[int]*LevelMetrics{
			c.outputLevel: {BytesMoved: meta.Size, TablesMoved: 1},
		}
		d.mu.versions.logLock()
		if err := d.mu.versions.logAndApply(jobID, ve, metrics, d.dataDir); err != nil {
			return err
		}
		d.mu.versions.incrementCompactions(c.reason)
		info.Output.Tables = []TableInfo{tableInfo(meta)}
		return nil
	}

	d.opts.EventListener.CompactionBegin(info)
	ve, pendingOutputs, err := d.compactDiskTables(c)
	defer func() {
		for _, fileNum := range pendingOutputs {
			delete(d.mu.compact.pendingOutputs, fileNum)
		}
	}()
	if err != nil {
		return err
	}

	metrics := &LevelMetrics{
		BytesRead: manifest.TotalSize(c.inputs[0]) + manifest.TotalSize(c.inputs[1]),
	}
	if c.startLevel != c.outputLevel {
		metrics.BytesIn = manifest.TotalSize(c.inputs[0])
	}
	for _, nf := range ve.NewFiles {
		metrics.BytesWritten += nf.Meta.Size
		metrics.TablesCompacted++
		info.Output.Tables = append(info.Output.Tables, tableInfo(nf.Meta))
	}

	// A failed edit may still have reached the manifest, so its tables are
	// kept. The background error stops them from being collected.
	d.mu.versions.logLock()
	if err := d.mu.versions.logAndApply(jobID, ve, map[int]*LevelMetrics{c.outputLevel: metrics}, d.dataDir); err != nil {
		return err
	}
	d.mu.versions.incrementCompactions(c.reason)
	// The input version still holds the compacted tables live.
	c.release()
	d.deleteObsoleteFiles(jobID)
	return nil
}

// compactDiskTables merges the compaction's input tables into new tables
// for the output level, returning the edit that replaces the inputs with the
// outputs and the file numbers of the outputs, which the caller must remove
// from the pending outputs. DB.mu must be held and is released while the
// tables are written.
func (d *DB) compactDiskTables(c *compaction) (ve *versionEdit, pendingOutputs []FileNum, retErr error) {
	// Entries hidden from every reader by a newer entry of the same user key
	// can be dropped.
	smallestSnapshot := min(d.mu.snapshots.earliest(), d.mu.versions.lastSeqNum)

	d.mu.Unlock()
	defer d.mu.Lock()

	iter, err := c.newInputIter(d.tableCache)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		retErr = firstError(retErr, iter.Close())
	}()

	var (
		filenames    []string
		outputs      []*fileMetadata
		tw           *sstable.Writer
		bytesWritten uint64
		pacer        = newCompactionPacer(d.compactionLimiter)
	)
	defer func() {
		if retErr == nil {
			return
		}
		if tw != nil {
			tw.Abandon()
		}
		for _, filename := range filenames {
			_ = d.opts.FS.Remove(filename)
		}
	}()

	newOutput := func() error {
		d.mu.Lock()
		fileNum := d.mu.versions.getNextFileNum()
		d.mu.compact.pendingOutputs[fileNum] = struct{}{}
		d.mu.Unlock()
		pendingOutputs = append(pendingOutputs, fileNum)

		filename := base.MakeFilepath(d.opts.FS, d.dirname, base.FileTypeTable, fileNum)
		file, err := d.opts.FS.Create(filename)
		if err != nil {
			return errors.WithStack(err)
		}
		filenames = append(filenames, filename)
		tw = sstable.NewWriter(file, d.opts.makeWriterOptions())
		outputs = append(outputs, &fileMetadata{FileNum: fileNum})
		return nil
	}

	finishOutput := func() error {
		if tw == nil {
			return nil
		}
		w := tw
		tw = nil
		if err := w.Finish(); err != nil {
			return err
		}
		meta, err := w.Metadata()
		if err != nil {
			return err
		}
		f := outputs[len(outputs)-1]
		f.Size = meta.Size
		f.Smallest = meta.Smallest.Clone()
		f.Largest = meta.Largest.Clone()
		bytesWritten += meta.Size
		return nil
	}

	var (
		currentUkey    []byte
		hasCurrentUkey bool
		lastSeqForKey  SeqNum
	)
	for valid := iter.First(); valid; valid = iter.Next() {
		if d.closed.Load() {
			return nil, pendingOutputs, ErrClosed
		}
		key := iter.Key()
		if c.shouldStopBefore(key) && tw != nil {
			if err := finishOutput(); err != nil {
				return nil, pendingOutputs, err
			}
		}

		if !hasCurrentUkey || c.cmp(key.UserKey, currentUkey) != 0 {
			// First occurrence of this user key.
			currentUkey = append(currentUkey[:0], key.UserKey...)
			hasCurrentUkey = true
			lastSeqForKey = base.SeqNumMax
		}
		drop := false
		switch {
		case lastSeqForKey <= smallestSnapshot:
			// Hidden by a newer entry for the same user key.
			drop = true
		case key.Kind() == InternalKeyKindDelete && key.SeqNum() <= smallestSnapshot &&
			c.isBaseLevelForKey(key.UserKey):
			// For this user key:
			// (1) there is no data in higher levels
			// (2) data in lower levels will have larger sequence numbers
			// (3) data in layers that are being compacted here and have
			//     smaller sequence numbers will be dropped in the next
			//     few iterations of this loop (by the rule above).
			// Therefore this deletion marker is obsolete and can be dropped.
			drop = true
		}
		lastSeqForKey = key.SeqNum()
		if drop {
			continue
		}

		if tw == nil {
			if err := newOutput(); err != nil {
				return nil, pendingOutputs, err
			}
		}
		if err := tw.Add(key, iter.Value()); err != nil {
			return nil, pendingOutputs, err
		}
		if err := pacer.maybeThrottle(context.Background(), bytesWritten+tw.FileSize()); err != nil {
			return nil, pendingOutputs, err
		}
		if tw.EstimatedSize() >= c.maxOutputFileSize {
			if err := finishOutput(); err != nil {
				return nil, pendingOutputs, err
			}
		}
	}
	if err := iter.Error(); err != nil {
		return nil, pendingOutputs, err
	}
	if err := finishOutput(); err != nil {
		return nil, pendingOutputs, err
	}

	ve = &versionEdit{}
	c.addInputDeletions(ve)
	for _, f := range outputs {
		ve.AddFile(c.outputLevel, f)
	}
	ve.SetCompactPointer(c.startLevel, c.compactPointer)
	return ve, pendingOutputs, nil
}

// flushMemTable writes the immutable memtable to a table and installs it,
// retiring the WAL that backed the memtable. DB.mu must be held.
func (d *DB) flushMemTable() (err error) {
	imm := d.mu.mem.imm
	jobID := d.mu.nextJobID
	d.mu.nextJobID++
	info := FlushInfo{JobID: jobID, Input: int(imm.count.Load())}
	d.opts.EventListener.FlushBegin(info)
	startTime := crtime.NowMono()
	defer func() {
		info.Done = true
		info.Duration = startTime.Elapsed()
		info.Err = err
		d.opts.EventListener.FlushEnd(info)
		d.metrics.observeFlush(info.Duration)
	}()

	ve := &versionEdit{}
	meta, level, err := d.writeLevel0Table(imm, ve, d.mu.versions.currentVersion())
	if err != nil {
		return err
	}
	// The writes of every WAL older than the mutable memtable's are now in
	// tables.
	ve.SetLogNum(d.mu.mem.mutable.logNum)
	ve.PrevLogNum, ve.HasPrevLogNum = 0, true

	var metrics map[int]*LevelMetrics
	if meta != nil {
		defer delete(d.mu.compact.pendingOutputs, meta.FileNum)
		metrics = map[int]*LevelMetrics{
			level: {BytesWritten: meta.Size, TablesFlushed: 1},
		}
		info.Output = []TableInfo{tableInfo(meta)}
		info.Level = level
	}
	d.mu.versions.logLock()
	if err := d.mu.versions.logAndApply(jobID, ve, metrics, d.dataDir); err != nil {
		return err
	}
	d.mu.versions.incrementFlushes()
	d.mu.mem.imm = nil
	d.deleteObsoleteFiles(jobID)
	return nil
}

// writeLevel0Table writes the memtable to a new table and adds it to the
// edit. The table is placed at the level picked by
// PickLevelForMemTableOutput against baseVersion, or at L0 when it is nil. An
// empty memtable writes nothing and returns a nil table.
//
// DB.mu must be held and is released while the table is written. On success
// the table's file number is left in the pending outputs.
func (d *DB) writeLevel0Table(
	mem *memTable, ve *versionEdit, baseVersion *version,
) (_ *fileMetadata, level int, _ error) {
	if mem.empty() {
		return nil, 0, nil
	}
	meta := &fileMetadata{FileNum: d.mu.versions.getNextFileNum()}
	d.mu.compact.pendingOutputs[meta.FileNum] = struct{}{}
	filename := makeTableFilename(d.opts.FS, d.dirname, meta.FileNum)

	err := func() error {
		d.mu.Unlock()
		defer d.mu.Lock()

		iter := mem.newIter()
		defer iter.Close()
		file, err := d.opts.FS.Create(filename)
		if err != nil {
			return errors.WithStack(err)
		}
		tw := sstable.NewWriter(file, d.opts.makeWriterOptions())
		for valid := iter.First(); valid; valid = iter.Next() {
			if err := tw.Add(iter.Key(), iter.Value()); err != nil {
				tw.Abandon()
				return err
			}
		}
		if err := tw.Finish(); err != nil {
			return err
		}
		m, err := tw.Metadata()
		if err != nil {
			return err
		}
		meta.Size = m.Size
		meta.Smallest = m.Smallest.Clone()
		meta.Largest = m.Largest.Clone()
		return nil
	}()
	if err != nil {
		delete(d.mu.compact.pendingOutputs, meta.FileNum)
		_ = d.opts.FS.Remove(filename)
		return nil, 0, err
	}

	if baseVersion != nil {
		level = baseVersion.PickLevelForMemTableOutput(d.cmp, meta.Smallest.UserKey, meta.Largest.UserKey,
			d.opts.MaxMemCompactLevel, d.opts.maxGrandparentOverlapBytes())
	}
	ve.AddFile(level, meta)
	return meta, level, nil
}

// removeUninstalledTables removes the tables an edit that failed to install
// would have added. It is only safe when the edit cannot have reached a
// manifest that outlives the failure.
func (d *DB) removeUninstalledTables(ve *versionEdit) {
	for _, nf := range ve.NewFiles {
		_ = d.opts.FS.Remove(makeTableFilename(d.opts.FS, d.dirname, nf.Meta.FileNum))
	}
}

func makeTableFilename(fs vfs.FS, dirname string, fileNum FileNum) string {
	return base.MakeFilepath(fs, dirname, base.FileTypeTable, fileNum)
}
