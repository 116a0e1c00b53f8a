// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"bytes"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/internal/manifest"
	"github.com/cockroachdb/levelkv/record"
	"github.com/cockroachdb/levelkv/vfs"
)

// Provide type aliases for the various manifest structs.
type fileMetadata = manifest.FileMetadata
type version = manifest.Version
type versionEdit = manifest.VersionEdit

// maxCurrentFileSize bounds the size of a valid CURRENT file.
const maxCurrentFileSize = 4096

// versionSet manages a collection of immutable versions, and manages the
// creation of a new version from the most recent version. A new version is
// created from an existing version by applying a version edit which is just
// like it sounds: a delta from the previous version. Version edits are logged
// to the manifest file, which is replayed at startup.
type versionSet struct {
	// Immutable fields.
	dirname string
	mu      *sync.Mutex
	opts    *Options
	fs      vfs.FS
	cmp     Compare
	cmpName string

	// Mutable fields.
	versions manifest.VersionList

	metrics Metrics

	// compactPointers holds, per level, the largest key of the last
	// compaction of the level. The next size compaction of the level starts
	// at the first file after it, or at the start of the level when no
	// pointer has been recorded.
	compactPointers [numLevels]compactPointer

	// logNum is the number of the WAL holding the writes not yet flushed to
	// a table. prevLogNum is only non-zero for DBs written by LevelDB.
	logNum     FileNum
	prevLogNum FileNum

	// The next file number. A single counter is used to assign file numbers
	// for the WAL, MANIFEST and table files.
	nextFileNum FileNum

	// The upper bound on sequence numbers that have been assigned so far.
	lastSeqNum SeqNum

	// The current manifest file number.
	manifestFileNum FileNum

	manifestFile vfs.File
	manifest     *record.Writer

	writing    bool
	writerCond sync.Cond
}

type compactPointer struct {
	key InternalKey
	ok  bool
}

func (vs *versionSet) init(dirname string, opts *Options, mu *sync.Mutex) {
	vs.dirname = dirname
	vs.mu = mu
	vs.writerCond.L = mu
	vs.opts = opts
	vs.fs = opts.FS
	vs.cmp = opts.Comparer.Compare
	vs.cmpName = opts.Comparer.Name
	vs.versions.Init(mu)
	vs.nextFileNum = 1
}

// create creates a version set for a fresh DB. The manifest holds a single
// edit naming the comparer and the initial counters, and CURRENT points at
// it.
func (vs *versionSet) create(jobID int, dirname string, dir vfs.File, opts *Options, mu *sync.Mutex) error {
	vs.init(dirname, opts, mu)
	newVersion := &version{}
	vs.finalizeVersion(newVersion)
	vs.append(newVersion)

	vs.manifestFileNum = vs.getNextFileNum()
	ve := versionEdit{ComparerName: vs.cmpName}
	ve.SetLogNum(0)
	ve.SetNextFileNum(vs.nextFileNum)
	ve.SetLastSeqNum(0)

	filename := base.MakeFilepath(vs.fs, dirname, base.FileTypeManifest, vs.manifestFileNum)
	err := func() error {
		f, w, err := vs.createManifest(vs.manifestFileNum, &ve)
		if err != nil {
			return err
		}
		if err := f.Sync(); err != nil {
			_ = w.Close()
			_ = f.Close()
			return errors.Wrap(err, "levelkv: MANIFEST sync failed")
		}
		vs.manifestFile, vs.manifest = f, w
		if err := setCurrentFile(dirname, vs.fs, vs.manifestFileNum); err != nil {
			return errors.Wrap(err, "levelkv: MANIFEST set current failed")
		}
		if err := dir.Sync(); err != nil {
			return errors.Wrap(err, "levelkv: MANIFEST dirsync failed")
		}
		return nil
	}()
	if err != nil {
		_ = vs.close()
		_ = vs.fs.Remove(filename)
	}

	vs.opts.EventListener.ManifestCreated(ManifestCreateInfo{
		JobID:   jobID,
		Path:    filename,
		FileNum: vs.manifestFileNum,
		Err:     err,
	})
	return err
}

// load loads the version set from the manifest file named by CURRENT. Any
// error reading the manifest is a corruption error.
func (vs *versionSet) load(dirname string, opts *Options, mu *sync.Mutex) error {
	vs.init(dirname, opts, mu)

	// Read the CURRENT file to find the current manifest file.
	currentName := base.MakeFilepath(vs.fs, dirname, base.FileTypeCurrent, 0)
	current, err := vs.fs.Open(currentName)
	if err != nil {
		return errors.Wrapf(err, "levelkv: could not open CURRENT file for DB %q", dirname)
	}
	defer current.Close()
	stat, err := current.Stat()
	if err != nil {
		return errors.WithStack(err)
	}
	n := stat.Size()
	if n == 0 {
		return base.CorruptionErrorf("levelkv: CURRENT file for DB %q is empty", dirname)
	}
	if n > maxCurrentFileSize {
		return base.CorruptionErrorf("levelkv: CURRENT file for DB %q is too large", dirname)
	}
	b := make([]byte, n)
	if _, err := current.ReadAt(b, 0); err != nil && err != io.EOF {
		return errors.WithStack(err)
	}
	if b[n-1] != '\n' {
		return base.CorruptionErrorf("levelkv: CURRENT file for DB %q is malformed", dirname)
	}
	b = bytes.TrimSpace(b)

	fileType, manifestFileNum, ok := base.ParseFilename(vs.fs, string(b))
	if !ok || fileType != base.FileTypeManifest {
		return base.CorruptionErrorf("levelkv: MANIFEST name %q is malformed", b)
	}
	vs.manifestFileNum = manifestFileNum

	manifestName := vs.fs.PathJoin(dirname, string(b))
	manifestFile, err := vs.fs.Open(manifestName)
	if err != nil {
		err = base.AddDetailsToNotExistError(vs.fs, manifestName, err)
		return errors.Wrapf(err, "levelkv: could not open manifest file %q for DB %q", b, dirname)
	}
	defer manifestFile.Close()

	var (
		builder        manifest.VersionBuilder
		hasLogNum      bool
		hasNextFileNum bool
		hasLastSeqNum  bool
	)
	rr := record.NewReader(manifestFile)
	for {
		r, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return base.MarkCorruptionError(errors.Wrapf(err, "levelkv: error when loading manifest file %q", b))
		}
		var ve versionEdit
		if err := ve.Decode(r); err != nil {
			return base.MarkCorruptionError(errors.Wrapf(err, "levelkv: error when loading manifest file %q", b))
		}
		if ve.ComparerName != "" && ve.ComparerName != vs.cmpName {
			return errors.Mark(errors.Newf("levelkv: manifest file %q for DB %q: "+
				"comparer name from file %q != comparer name from Options %q",
				errors.Safe(b), dirname, errors.Safe(ve.ComparerName), errors.Safe(vs.cmpName)),
				ErrInvalidArgument)
		}
		builder.Apply(&ve)
		for _, cp := range ve.CompactPointers {
			vs.compactPointers[cp.Level] = compactPointer{key: cp.Key.Clone(), ok: true}
		}
		if ve.HasLogNum {
			vs.logNum, hasLogNum = ve.LogNum, true
		}
		if ve.HasPrevLogNum {
			vs.prevLogNum = ve.PrevLogNum
		}
		if ve.HasNextFileNum {
			vs.nextFileNum, hasNextFileNum = ve.NextFileNum, true
		}
		if ve.HasLastSeqNum {
			vs.lastSeqNum, hasLastSeqNum = ve.LastSeqNum, true
		}
	}
	switch {
	case !hasNextFileNum:
		return base.CorruptionErrorf("levelkv: no next file number entry in manifest file %q", b)
	case !hasLogNum:
		return base.CorruptionErrorf("levelkv: no log number entry in manifest file %q", b)
	case !hasLastSeqNum:
		return base.CorruptionErrorf("levelkv: no last sequence number entry in manifest file %q", b)
	}
	vs.markFileNumUsed(vs.logNum)
	vs.markFileNumUsed(vs.prevLogNum)
	vs.markFileNumUsed(vs.manifestFileNum)

	newVersion, err := builder.SaveTo(vs.cmp)
	if err != nil {
		return err
	}
	vs.finalizeVersion(newVersion)
	vs.append(newVersion)
	vs.updateLevelMetrics(newVersion)
	return nil
}

func (vs *versionSet) close() error {
	var err error
	if vs.manifest != nil {
		err = vs.manifest.Close()
		vs.manifest = nil
	}
	if vs.manifestFile != nil {
		err = firstError(err, vs.manifestFile.Close())
		vs.manifestFile = nil
	}
	return err
}

// logLock locks the manifest for writing. The lock must be released by either
// a call to logUnlock or logAndApply.
//
// DB.mu must be held when calling this method.
func (vs *versionSet) logLock() {
	// Wait for any existing writing to the manifest to complete, then mark the
	// manifest as busy.
	for vs.writing {
		vs.writerCond.Wait()
	}
	vs.writing = true
}

// logUnlock releases the lock for manifest writing.
//
// DB.mu must be held when calling this method.
func (vs *versionSet) logUnlock() {
	if !vs.writing {
		vs.opts.Logger.Fatalf("MANIFEST not locked for writing")
	}
	vs.writing = false
	vs.writerCond.Signal()
}

// logAndApply logs the version edit to the manifest, applies the version edit
// to the current version, and installs the new version.
//
// DB.mu must be held when calling this method and will be released temporarily
// while performing file I/O. Requires that the manifest is locked for writing
// (see logLock). Will unconditionally release the manifest lock (via
// logUnlock) even if an error occurs.
//
// The edit is applied all or nothing: on error the current version is
// unchanged, and a manifest created for the edit is removed.
func (vs *versionSet) logAndApply(
	jobID int, ve *versionEdit, metrics map[int]*LevelMetrics, dir vfs.File,
) error {
	if !vs.writing {
		vs.opts.Logger.Fatalf("MANIFEST not locked for writing")
	}
	defer vs.logUnlock()

	if ve.HasLogNum {
		if ve.LogNum < vs.logNum || vs.nextFileNum <= ve.LogNum {
			return errors.AssertionFailedf("levelkv: inconsistent versionEdit logNum %s", ve.LogNum)
		}
	} else {
		ve.SetLogNum(vs.logNum)
	}
	if !ve.HasPrevLogNum && vs.prevLogNum != 0 {
		ve.PrevLogNum, ve.HasPrevLogNum = vs.prevLogNum, true
	}

	// Generate a new manifest if we don't currently have one, or the current one
	// is too large. The manifest's number is allocated before the edit records
	// the next file number.
	var newManifestFileNum FileNum
	if vs.manifest == nil || vs.manifest.Size() >= vs.opts.MaxManifestFileSize {
		newManifestFileNum = vs.getNextFileNum()
	}
	ve.SetNextFileNum(vs.nextFileNum)
	ve.SetLastSeqNum(vs.lastSeqNum)

	currentVersion := vs.currentVersion()
	var newVersion *version
	var newManifestFile vfs.File
	var newManifest *record.Writer
	var snapshot *versionEdit
	if newManifestFileNum != 0 {
		snapshot = vs.snapshotEdit(currentVersion)
	}

	if err := func() error {
		vs.mu.Unlock()
		defer vs.mu.Lock()

		builder := manifest.VersionBuilder{Base: currentVersion}
		builder.Apply(ve)
		var err error
		newVersion, err = builder.SaveTo(vs.cmp)
		if err != nil {
			return err
		}
		vs.finalizeVersion(newVersion)

		if newManifestFileNum == 0 {
			if err := vs.writeEdit(vs.manifest, vs.manifestFile, ve); err != nil {
				// The manifest may hold a torn record. Stop appending to it so
				// that the next edit starts a new manifest.
				_ = vs.close()
				return err
			}
			return nil
		}

		filename := base.MakeFilepath(vs.fs, vs.dirname, base.FileTypeManifest, newManifestFileNum)
		err = func() error {
			newManifestFile, newManifest, err = vs.createManifest(newManifestFileNum, snapshot)
			if err != nil {
				return err
			}
			if err := vs.writeEdit(newManifest, newManifestFile, ve); err != nil {
				return err
			}
			if err := setCurrentFile(vs.dirname, vs.fs, newManifestFileNum); err != nil {
				return errors.Wrap(err, "levelkv: MANIFEST set current failed")
			}
			if err := dir.Sync(); err != nil {
				return errors.Wrap(err, "levelkv: MANIFEST dirsync failed")
			}
			return nil
		}()
		if err != nil {
			if newManifest != nil {
				_ = newManifest.Close()
				_ = newManifestFile.Close()
				newManifest, newManifestFile = nil, nil
			}
			_ = vs.fs.Remove(filename)
		}
		vs.opts.EventListener.ManifestCreated(ManifestCreateInfo{
			JobID:   jobID,
			Path:    filename,
			FileNum: newManifestFileNum,
			Err:     err,
		})
		return err
	}(); err != nil {
		if newVersion != nil {
			releaseUninstalledVersion(newVersion)
		}
		return err
	}

	// Install the new version.
	if newManifestFileNum != 0 {
		_ = vs.close()
		vs.manifestFile, vs.manifest = newManifestFile, newManifest
		vs.manifestFileNum = newManifestFileNum
	}
	vs.append(newVersion)
	vs.logNum = ve.LogNum
	vs.prevLogNum = ve.PrevLogNum
	for _, cp := range ve.CompactPointers {
		vs.compactPointers[cp.Level] = compactPointer{key: cp.Key.Clone(), ok: true}
	}

	for level, update := range metrics {
		vs.metrics.Levels[level].Add(update)
	}
	vs.updateLevelMetrics(newVersion)
	return nil
}

// releaseUninstalledVersion drops the file references taken by a version
// that was built but never installed.
func releaseUninstalledVersion(v *version) {
	for _, files := range v.Levels {
		for _, f := range files {
			f.Unref()
		}
	}
}

// writeEdit appends the edit to the manifest as one record and syncs it.
func (vs *versionSet) writeEdit(w *record.Writer, f vfs.File, ve *versionEdit) error {
	rw, err := w.Next()
	if err != nil {
		return errors.Wrap(err, "levelkv: MANIFEST write failed")
	}
	if err := ve.Encode(rw); err != nil {
		return errors.Wrap(err, "levelkv: MANIFEST write failed")
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "levelkv: MANIFEST flush failed")
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "levelkv: MANIFEST sync failed")
	}
	return nil
}

// snapshotEdit returns an edit that recreates v from an empty version: the
// comparer name, the compact pointers and every file. It is the first record
// of a new manifest. DB.mu must be held.
func (vs *versionSet) snapshotEdit(v *version) *versionEdit {
	snapshot := &versionEdit{ComparerName: vs.cmpName}
	for level, cp := range vs.compactPointers {
		if cp.ok {
			snapshot.SetCompactPointer(level, cp.key)
		}
	}
	for level, files := range v.Levels {
		for _, meta := range files {
			snapshot.AddFile(level, meta)
		}
	}
	return snapshot
}

// createManifest creates a manifest file whose first record is the given
// edit. The caller owns the returned file and writer. On error the file is
// removed.
func (vs *versionSet) createManifest(
	fileNum FileNum, first *versionEdit,
) (_ vfs.File, _ *record.Writer, err error) {
	var (
		filename     = base.MakeFilepath(vs.fs, vs.dirname, base.FileTypeManifest, fileNum)
		manifestFile vfs.File
		w            *record.Writer
	)
	defer func() {
		if err == nil {
			return
		}
		if w != nil {
			_ = w.Close()
		}
		if manifestFile != nil {
			_ = manifestFile.Close()
		}
		_ = vs.fs.Remove(filename)
	}()
	manifestFile, err = vs.fs.Create(filename)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	w = record.NewWriter(manifestFile)
	rw, err := w.Next()
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	if err := first.Encode(rw); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	if err := w.Flush(); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	return manifestFile, w, nil
}

// finalizeVersion computes the level that most needs compaction. Level 0
// is scored by file count, since each L0 file costs a seek on every read;
// the other levels by size.
func (vs *versionSet) finalizeVersion(v *version) {
	bestLevel, bestScore := -1, -1.0
	for level := 0; level < numLevels-1; level++ {
		var score float64
		if level == 0 {
			score = float64(len(v.Levels[0])) / float64(vs.opts.L0CompactionThreshold)
		} else {
			score = float64(manifest.TotalSize(v.Levels[level])) / vs.opts.maxBytesForLevel(level)
		}
		if score > bestScore {
			bestLevel, bestScore = level, score
		}
	}
	v.CompactionLevel, v.CompactionScore = bestLevel, bestScore
}

func (vs *versionSet) updateLevelMetrics(v *version) {
	for i := range vs.metrics.Levels {
		l := &vs.metrics.Levels[i]
		l.NumFiles = int64(len(v.Levels[i]))
		l.Size = manifest.TotalSize(v.Levels[i])
		l.Score = 0
		if i == 0 {
			l.Score = float64(l.NumFiles) / float64(vs.opts.L0CompactionThreshold)
		} else if i < numLevels-1 {
			l.Score = float64(l.Size) / vs.opts.maxBytesForLevel(i)
		}
	}
}

func (vs *versionSet) incrementCompactions(reason compactionReason) {
	vs.metrics.Compact.Count++
	switch reason {
	case compactionReasonDefault:
		vs.metrics.Compact.DefaultCount++
	case compactionReasonMove:
		vs.metrics.Compact.MoveCount++
	case compactionReasonSeek:
		vs.metrics.Compact.SeekCount++
	case compactionReasonManual:
		vs.metrics.Compact.ManualCount++
	}
}

func (vs *versionSet) incrementFlushes() {
	vs.metrics.Flush.Count++
}

func (vs *versionSet) markFileNumUsed(fileNum FileNum) {
	if vs.nextFileNum <= fileNum {
		vs.nextFileNum = fileNum + 1
	}
}

func (vs *versionSet) getNextFileNum() FileNum {
	x := vs.nextFileNum
	vs.nextFileNum++
	return x
}

func (vs *versionSet) append(v *version) {
	if v.Refs() != 0 {
		panic("levelkv: version should be unreferenced")
	}
	if !vs.versions.Empty() {
		vs.versions.Back().UnrefLocked()
	}
	v.Ref()
	vs.versions.PushBack(v)
}

func (vs *versionSet) currentVersion() *version {
	return vs.versions.Back()
}

// addLiveFileNums adds the numbers of the tables of every live version.
func (vs *versionSet) addLiveFileNums(m map[FileNum]struct{}) {
	for v := range vs.versions.All() {
		for _, files := range v.Levels {
			for _, f := range files {
				m[f.FileNum] = struct{}{}
			}
		}
	}
}

// approximateOffsetOf returns the approximate number of bytes of table data
// that precede key in v.
func (vs *versionSet) approximateOffsetOf(v *version, key InternalKey, tc *tableCache) (uint64, error) {
	var result uint64
levels:
	for level, files := range v.Levels {
		for _, f := range files {
			switch {
			case base.InternalCompare(vs.cmp, f.Largest, key) <= 0:
				// The entire file is before key.
				result += f.Size
			case base.InternalCompare(vs.cmp, f.Smallest, key) > 0:
				// The entire file is after key. Files of the sorted levels
				// after this one are too; files of L0 may not be.
				if level > 0 {
					continue levels
				}
			default:
				offset, err := tc.approximateOffsetOf(f, key)
				if err != nil {
					return 0, err
				}
				result += offset
			}
		}
	}
	return result, nil
}
