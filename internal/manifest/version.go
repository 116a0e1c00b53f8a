// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bytes"
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/sstable"
)

// Version is a collection of file metadata for on-disk tables at various
// levels. In-memory DBs are written to level-0 tables, and compactions
// migrate data from level N to level N+1. The tables map internal keys (which
// are a user key, a delete or set bit, and a sequence number) to user values.
//
// The tables at level 0 may have overlapping internal key ranges. If two
// level 0 tables have file numbers i and j and i < j, then every internal
// key in table i has a smaller sequence number than every internal key in
// table j.
//
// The tables at any non-0 level are sorted by their internal key range and any
// two tables at the same non-0 level do not overlap.
//
// The internal key ranges of two tables at different levels X and Y may
// overlap, for any X != Y.
//
// Finally, for every internal key in a table at level X, there is no internal
// key in a higher level table that has both the same user key and a higher
// sequence number.
type Version struct {
	refs atomic.Int32

	// Levels holds the files of each level, sorted by smallest key.
	Levels [NumLevels][]*FileMetadata

	// The level with the highest compaction score and the score itself. A
	// score of 1 or more means the level needs a compaction. Set when the
	// version is installed.
	CompactionScore float64
	CompactionLevel int

	// FileToCompact is the file whose AllowedSeeks budget ran out, and the
	// level it is in. Guarded by the DB mutex.
	FileToCompact      *FileMetadata
	FileToCompactLevel int

	// The list the version is linked into.
	list *VersionList
}

// String implements fmt.Stringer, printing the user key bounds of the files
// of each non-empty level.
func (v *Version) String() string {
	return v.format(false)
}

// DebugString prints the full internal key bounds of the files of each
// non-empty level.
func (v *Version) DebugString() string {
	return v.format(true)
}

func (v *Version) format(verbose bool) string {
	var buf bytes.Buffer
	for level := 0; level < NumLevels; level++ {
		if len(v.Levels[level]) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "%d:\n", level)
		for _, f := range v.Levels[level] {
			if verbose {
				fmt.Fprintf(&buf, "  %s\n", f)
			} else {
				fmt.Fprintf(&buf, "  %s:%s-%s\n", f.FileNum, f.Smallest.UserKey, f.Largest.UserKey)
			}
		}
	}
	return buf.String()
}

// Ref increments the version refcount.
func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref decrements the version refcount. If the last reference to the
// version was removed, the version is removed from the list of versions and
// its file references are released. Requires that the VersionList mutex is NOT
// locked.
func (v *Version) Unref() {
	if v.refs.Add(-1) == 0 {
		l := v.list
		l.mu.Lock()
		l.Remove(v)
		v.releaseFiles()
		l.mu.Unlock()
	}
}

// UnrefLocked decrements the version refcount. If the last reference to the
// version was removed, the version is removed from the list of versions and
// its file references are released. Requires that the VersionList mutex is
// already locked.
func (v *Version) UnrefLocked() {
	if v.refs.Add(-1) == 0 {
		v.list.Remove(v)
		v.releaseFiles()
	}
}

func (v *Version) releaseFiles() {
	for _, files := range v.Levels {
		for _, f := range files {
			f.Unref()
		}
	}
}

// Refs returns the number of references to the version.
func (v *Version) Refs() int32 {
	return v.refs.Load()
}

// TableGetter looks up a key in a single table.
type TableGetter interface {
	Get(meta *FileMetadata, key base.InternalKey) (sstable.GetResult, []byte, error)
}

// GetStats records the first file a lookup consulted without finding the
// key, when the lookup had to consult more than one file.
type GetStats struct {
	SeekFile      *FileMetadata
	SeekFileLevel int
}

// Get looks up key, an internal key carrying the sequence number of the read
// snapshot. Level 0 files whose range contains the user key are searched
// newest first, then at most one file in each deeper level. The search stops
// at the first table that holds an entry for the user key. A deletion
// returns base.ErrNotFound.
func (v *Version) Get(
	key base.InternalKey, tg TableGetter, cmp base.Compare,
) ([]byte, GetStats, error) {
	var stats GetStats
	var lastFile *FileMetadata
	lastLevel := -1

	search := func(level int, f *FileMetadata) (value []byte, done bool, err error) {
		if lastFile != nil && stats.SeekFile == nil {
			// More than one file is consulted; charge the first.
			stats.SeekFile, stats.SeekFileLevel = lastFile, lastLevel
		}
		lastFile, lastLevel = f, level

		res, value, err := tg.Get(f, key)
		if err != nil {
			return nil, true, err
		}
		switch res {
		case sstable.GetFound:
			return value, true, nil
		case sstable.GetDeleted:
			return nil, true, base.ErrNotFound
		case sstable.GetCorrupt:
			return nil, true, base.CorruptionErrorf("levelkv: corrupted key for %q in table %s",
				key.UserKey, f.FileNum)
		default:
			return nil, false, nil
		}
	}

	var l0 []*FileMetadata
	for _, f := range v.Levels[0] {
		if f.ContainsUserKey(cmp, key.UserKey) {
			l0 = append(l0, f)
		}
	}
	slices.SortFunc(l0, func(a, b *FileMetadata) int {
		switch {
		case a.FileNum > b.FileNum:
			return -1
		case a.FileNum < b.FileNum:
			return 1
		}
		return 0
	})
	for _, f := range l0 {
		if value, done, err := search(0, f); done {
			return value, stats, err
		}
	}

	for level := 1; level < NumLevels; level++ {
		files := v.Levels[level]
		i := FindFile(cmp, files, key)
		if i == len(files) {
			continue
		}
		f := files[i]
		if cmp(key.UserKey, f.Smallest.UserKey) < 0 {
			// All of f is past the key.
			continue
		}
		if value, done, err := search(level, f); done {
			return value, stats, err
		}
	}
	return nil, stats, base.ErrNotFound
}

// UpdateStats charges a seek to the file recorded in stats. It returns true
// when the file exhausted its AllowedSeeks and was made the version's seek
// compaction candidate. The DB mutex must be held.
func (v *Version) UpdateStats(stats GetStats) bool {
	f := stats.SeekFile
	if f == nil {
		return false
	}
	if f.AllowedSeeks.Add(-1) <= 0 && v.FileToCompact == nil {
		v.FileToCompact = f
		v.FileToCompactLevel = stats.SeekFileLevel
		return true
	}
	return false
}

// Overlaps returns all elements of v.Levels[level] whose user key range
// intersects the inclusive range [start, end]. A nil start or end is
// unbounded. If level is non-zero then the user key ranges of
// v.Levels[level] are assumed to not overlap (although they may touch). If
// level is zero then that assumption cannot be made, and the [start, end]
// range is expanded to the union of those matching ranges so far and the
// computation is repeated until [start, end] stabilizes.
func (v *Version) Overlaps(level int, cmp base.Compare, start, end []byte) (ret []*FileMetadata) {
	if level == 0 {
	loop:
		for {
			for _, meta := range v.Levels[level] {
				smallest := meta.Smallest.UserKey
				largest := meta.Largest.UserKey
				if start != nil && cmp(largest, start) < 0 {
					// meta is completely before the specified range; skip it.
					continue
				}
				if end != nil && cmp(smallest, end) > 0 {
					// meta is completely after the specified range; skip it.
					continue
				}
				ret = append(ret, meta)

				// Check if the newly added file has expanded the range. If so,
				// restart the search.
				restart := false
				if start != nil && cmp(smallest, start) < 0 {
					start = smallest
					restart = true
				}
				if end != nil && cmp(largest, end) > 0 {
					end = largest
					restart = true
				}
				if restart {
					ret = ret[:0]
					continue loop
				}
			}
			return ret
		}
	}

	// Binary search to find the range of files which overlaps with our target
	// range.
	files := v.Levels[level]
	lower := 0
	if start != nil {
		lower = sort.Search(len(files), func(i int) bool {
			return cmp(files[i].Largest.UserKey, start) >= 0
		})
	}
	upper := len(files)
	if end != nil {
		upper = sort.Search(len(files), func(i int) bool {
			return cmp(files[i].Smallest.UserKey, end) > 0
		})
	}
	if lower >= upper {
		return nil
	}
	return files[lower:upper]
}

// OverlapInLevel returns whether some file in the level overlaps the user
// key range [smallest, largest]. A nil bound is unbounded.
func (v *Version) OverlapInLevel(level int, cmp base.Compare, smallest, largest []byte) bool {
	return SomeFileOverlapsRange(cmp, level > 0, v.Levels[level], smallest, largest)
}

// PickLevelForMemTableOutput returns the level a new table holding the user
// key range [smallest, largest] should be placed at. The table is pushed
// down while it overlaps nothing in the next level and not more than
// maxGrandparentOverlapBytes of the level after that, to at most
// maxMemCompactLevel.
func (v *Version) PickLevelForMemTableOutput(
	cmp base.Compare, smallest, largest []byte, maxMemCompactLevel int, maxGrandparentOverlapBytes uint64,
) int {
	level := 0
	if v.OverlapInLevel(0, cmp, smallest, largest) {
		return level
	}
	for level < maxMemCompactLevel && level+1 < NumLevels {
		if v.OverlapInLevel(level+1, cmp, smallest, largest) {
			break
		}
		if level+2 < NumLevels {
			overlaps := v.Overlaps(level+2, cmp, smallest, largest)
			if TotalSize(overlaps) > maxGrandparentOverlapBytes {
				break
			}
		}
		level++
	}
	return level
}

// CheckOrdering checks that the files of each level are sorted by smallest
// key, that each file's bounds are consistent, and that files of the
// non-zero levels do not overlap.
func (v *Version) CheckOrdering(cmp base.Compare) error {
	for level, files := range v.Levels {
		for i, f := range files {
			if base.InternalCompare(cmp, f.Smallest, f.Largest) > 0 {
				return base.CorruptionErrorf("levelkv: L%d file %s has inconsistent bounds", errors.Safe(level), f)
			}
			if i == 0 {
				continue
			}
			prev := files[i-1]
			if level == 0 {
				if bySmallest(cmp)(prev, f) >= 0 {
					return base.CorruptionErrorf("levelkv: L0 files are not sorted: %s, %s", prev, f)
				}
				continue
			}
			if base.InternalCompare(cmp, prev.Largest, f.Smallest) >= 0 {
				return base.CorruptionErrorf("levelkv: L%d files are not in increasing key order: %s, %s",
					errors.Safe(level), prev, f)
			}
		}
	}
	return nil
}

// FindFile returns the smallest index i such that files[i].Largest >= key,
// or len(files) if there is no such file. The files must be sorted and
// non-overlapping.
func FindFile(cmp base.Compare, files []*FileMetadata, key base.InternalKey) int {
	return sort.Search(len(files), func(i int) bool {
		return base.InternalCompare(cmp, files[i].Largest, key) >= 0
	})
}

// afterFile returns whether the user key is after all the keys of f. A nil
// key is before every file.
func afterFile(cmp base.Compare, ukey []byte, f *FileMetadata) bool {
	return ukey != nil && cmp(ukey, f.Largest.UserKey) > 0
}

// beforeFile returns whether the user key is before all the keys of f. A nil
// key is after every file.
func beforeFile(cmp base.Compare, ukey []byte, f *FileMetadata) bool {
	return ukey != nil && cmp(ukey, f.Smallest.UserKey) < 0
}

// SomeFileOverlapsRange returns whether some file in files overlaps the user
// key range [smallest, largest]. A nil smallest is before all keys and a nil
// largest is after all keys. If disjoint is set, files must be sorted and
// non-overlapping, and a binary search is used.
func SomeFileOverlapsRange(
	cmp base.Compare, disjoint bool, files []*FileMetadata, smallest, largest []byte,
) bool {
	if !disjoint {
		for _, f := range files {
			if afterFile(cmp, smallest, f) || beforeFile(cmp, largest, f) {
				continue
			}
			return true
		}
		return false
	}

	i := 0
	if smallest != nil {
		i = FindFile(cmp, files, base.MakeSearchKey(smallest))
	}
	if i >= len(files) {
		// The beginning of the range is after all files.
		return false
	}
	return !beforeFile(cmp, largest, files[i])
}

// VersionList holds the live versions in the order they were created. The
// last version is the current one.
type VersionList struct {
	mu       *sync.Mutex
	versions []*Version
}

// Init initializes the version list. mu is the mutex guarding the list.
func (l *VersionList) Init(mu *sync.Mutex) {
	l.mu = mu
	l.versions = nil
}

// Empty returns true if the list is empty, and false otherwise.
func (l *VersionList) Empty() bool {
	return len(l.versions) == 0
}

// Len returns the number of live versions.
func (l *VersionList) Len() int {
	return len(l.versions)
}

// Front returns the oldest version in the list, or nil if the list is empty.
func (l *VersionList) Front() *Version {
	if l.Empty() {
		return nil
	}
	return l.versions[0]
}

// Back returns the newest version in the list, or nil if the list is empty.
func (l *VersionList) Back() *Version {
	if l.Empty() {
		return nil
	}
	return l.versions[len(l.versions)-1]
}

// All returns the versions from oldest to newest.
func (l *VersionList) All() iter.Seq[*Version] {
	return slices.Values(l.versions)
}

// PushBack adds a new version to the back of the list. The version must not
// already be in a list.
func (l *VersionList) PushBack(v *Version) {
	if v.list != nil {
		panic("levelkv: version list is inconsistent")
	}
	l.versions = append(l.versions, v)
	v.list = l
}

// Remove removes the specified version from the list.
func (l *VersionList) Remove(v *Version) {
	if v.list != l {
		panic("levelkv: version list is inconsistent")
	}
	i := slices.Index(l.versions, v)
	if i < 0 {
		panic("levelkv: version list is inconsistent")
	}
	l.versions = slices.Delete(l.versions, i, i+1)
	v.list = nil
}
