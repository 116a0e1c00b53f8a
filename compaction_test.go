// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/vfs"
	"github.com/stretchr/testify/require"
)

func TestCompactionReasonString(t *testing.T) {
	for reason, want := range map[compactionReason]string{
		compactionReasonDefault: "default",
		compactionReasonMove:    "move",
		compactionReasonSeek:    "seek",
		compactionReasonManual:  "manual",
		compactionReason(99):    "unknown",
	} {
		require.Equal(t, want, reason.String())
	}
}

func TestIsTrivialMove(t *testing.T) {
	a := newTestFile(1, 10, "a.SET.1", "b.SET.1")
	b := newTestFile(2, 10, "c.SET.1", "d.SET.1")
	testCases := []struct {
		inputs [3][]*fileMetadata
		want   bool
	}{
		{[3][]*fileMetadata{{a}, nil, nil}, true},
		{[3][]*fileMetadata{{a}, nil, {b}}, true},
		{[3][]*fileMetadata{{a}, {b}, nil}, false},
		{[3][]*fileMetadata{{a, b}, nil, nil}, false},
		{[3][]*fileMetadata{{a}, nil, {newTestFile(3, 1000, "a.SET.1", "z.SET.1")}}, false},
	}
	for i, tc := range testCases {
		c := &compaction{inputs: tc.inputs, maxOverlapBytes: 100}
		require.Equal(t, tc.want, c.isTrivialMove(), "case %d", i)
	}
}

func TestShouldStopBefore(t *testing.T) {
	c := &compaction{
		cmp:             DefaultComparer.Compare,
		maxOverlapBytes: 15,
	}
	c.inputs[2] = []*fileMetadata{
		newTestFile(1, 10, "a.SET.1", "b.SET.1"),
		newTestFile(2, 10, "c.SET.1", "d.SET.1"),
		newTestFile(3, 10, "e.SET.1", "f.SET.1"),
	}
	testCases := []struct {
		key  string
		want bool
	}{
		{"a.SET.9", false},
		{"c.SET.9", false},
		// Passing a second grandparent takes the overlap past the limit.
		{"e.SET.9", true},
		{"e.SET.8", false},
		{"g.SET.9", false},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.want, c.shouldStopBefore(base.ParseInternalKey(tc.key)), tc.key)
	}
}

func TestIsBaseLevelForKey(t *testing.T) {
	v := &version{}
	v.Levels[3] = []*fileMetadata{newTestFile(1, 1, "d.SET.1", "f.SET.1")}
	v.Levels[5] = []*fileMetadata{
		newTestFile(2, 1, "h.SET.1", "h.SET.1"),
		newTestFile(3, 1, "m.SET.1", "p.SET.1"),
	}
	c := &compaction{
		cmp:         DefaultComparer.Compare,
		version:     v,
		startLevel:  0,
		outputLevel: 1,
	}
	// Keys must be presented in increasing order.
	for _, tc := range []struct {
		ukey string
		want bool
	}{
		{"a", true},
		{"d", false},
		{"e", false},
		{"g", true},
		{"h", false},
		{"k", true},
		{"o", false},
		{"z", true},
	} {
		require.Equal(t, tc.want, c.isBaseLevelForKey([]byte(tc.ukey)), tc.ukey)
	}

	// Levels at or above the output level are not consulted.
	c = &compaction{
		cmp:         DefaultComparer.Compare,
		version:     v,
		startLevel:  4,
		outputLevel: 5,
	}
	require.True(t, c.isBaseLevelForKey([]byte("e")))
}

func TestCompactionDropsObsoleteEntries(t *testing.T) {
	d, err := Open("db", &Options{
		FS:                          vfs.NewMem(),
		DisableAutomaticCompactions: true,
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Close()) }()

	// Three versions of "a" and a deleted "b", flushed to tables at L2, L1
	// and L0.
	require.NoError(t, d.Set([]byte("a"), []byte("1"), NoSync))
	require.NoError(t, d.Set([]byte("b"), []byte("1"), NoSync))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("a"), []byte("2"), NoSync))
	require.NoError(t, d.Flush())
	s := d.NewSnapshot()
	require.NoError(t, d.Set([]byte("a"), []byte("3"), NoSync))
	require.NoError(t, d.Delete([]byte("b"), NoSync))
	require.NoError(t, d.Flush())
	m := d.Metrics()
	for level, want := range []int64{1, 1, 1} {
		require.Equal(t, want, m.Levels[level].NumFiles, "L%d", level)
	}

	// The snapshot keeps a@2 and b@1 alive. Only a@1 is hidden from every
	// reader.
	require.NoError(t, d.Compact(nil, nil))
	require.Equal(t, 4, countInternalEntries(t, d))
	v, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "2", string(v))
	v, err = s.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
	require.NoError(t, s.Close())

	// Without the snapshot only the newest version of "a" survives, and the
	// deletion of "b" is dropped along with the value it deletes, since no
	// deeper level holds "b".
	require.NoError(t, d.Set([]byte("a"), []byte("4"), NoSync))
	require.NoError(t, d.Compact(nil, nil))
	require.Equal(t, 1, countInternalEntries(t, d))
	_, err = d.Get([]byte("b"))
	require.True(t, errors.Is(err, ErrNotFound), "%v", err)
	v, err = d.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "4", string(v))
	require.EqualValues(t, 3, d.Metrics().Compact.ManualCount)
}

func TestCompactionKeepsEntriesNewerThanSmallestSnapshot(t *testing.T) {
	d, err := Open("db", &Options{
		FS:                          vfs.NewMem(),
		DisableAutomaticCompactions: true,
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Close()) }()

	set := func(v string) {
		require.NoError(t, d.Set([]byte("a"), []byte(v), NoSync))
	}
	set("1")
	set("2")
	require.NoError(t, d.Flush())
	s1 := d.NewSnapshot()
	set("3")
	set("4")
	s2 := d.NewSnapshot()
	set("5")
	require.NoError(t, d.Flush())

	// Only a@1 is below the smallest snapshot and hidden by a@2. a@3 is read
	// by no snapshot but is newer than the smallest one, so it stays.
	require.NoError(t, d.Compact(nil, nil))
	require.Equal(t, 4, countInternalEntries(t, d))
	for _, c := range []struct {
		s    *Snapshot
		want string
	}{{s1, "2"}, {s2, "4"}} {
		v, err := c.s.Get([]byte("a"))
		require.NoError(t, err)
		require.Equal(t, c.want, string(v))
	}

	// With s1 gone the smallest snapshot is s2, and a@3 and a@2 go. The new
	// write gives the compaction a table to merge into the bottom level.
	require.NoError(t, s1.Close())
	set("6")
	require.NoError(t, d.Compact(nil, nil))
	require.Equal(t, 3, countInternalEntries(t, d))
	require.NoError(t, s2.Close())
}

func TestCompactionDeletesInputTables(t *testing.T) {
	mem := vfs.NewMem()
	var deleted []TableDeleteInfo
	d, err := Open("db", &Options{
		FS:                          mem,
		DisableAutomaticCompactions: true,
		EventListener: &EventListener{
			TableDeleted: func(info TableDeleteInfo) { deleted = append(deleted, info) },
		},
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Close()) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Set([]byte("a"), []byte(fmt.Sprint(i)), NoSync))
		require.NoError(t, d.Flush())
	}
	require.Equal(t, 3, countTables(t, mem, "db"))
	require.NoError(t, d.Compact(nil, nil))

	// Each compaction's inputs are gone from disk as soon as it is
	// installed, without waiting for a later flush or compaction.
	var live int64
	for _, l := range d.Metrics().Levels {
		live += l.NumFiles
	}
	require.EqualValues(t, 1, live)
	require.Equal(t, 1, countTables(t, mem, "db"))
	d.mu.Lock()
	require.NotEmpty(t, deleted)
	d.mu.Unlock()
}

// countTables returns the number of table files in dir.
func countTables(t *testing.T, fs vfs.FS, dir string) int {
	t.Helper()
	ls, err := fs.List(dir)
	require.NoError(t, err)
	n := 0
	for _, name := range ls {
		if ft, _, ok := base.ParseFilename(fs, name); ok && ft == base.FileTypeTable {
			n++
		}
	}
	return n
}

// countInternalEntries returns the number of internal entries in the tables
// of the current version.
func countInternalEntries(t *testing.T, d *DB) int {
	t.Helper()
	d.mu.Lock()
	v := d.mu.versions.currentVersion()
	v.Ref()
	d.mu.Unlock()
	defer v.Unref()

	iters, err := newVersionIters(d.cmp, d.tableCache, v)
	require.NoError(t, err)
	iter := newMergingIter(d.cmp, iters...)
	n := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		n++
	}
	require.NoError(t, iter.Close())
	return n
}

// waitForCompactions waits for the background compaction goroutine to run
// out of work.
func waitForCompactions(d *DB) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.mu.compact.compacting {
		d.mu.compact.cond.Wait()
	}
}

func TestCompactionTrivialMove(t *testing.T) {
	mem := vfs.NewMem()
	d, err := Open("db", &Options{FS: mem})
	require.NoError(t, err)
	require.NoError(t, d.Set([]byte("a"), []byte("1"), NoSync))
	require.NoError(t, d.Set([]byte("z"), []byte("1"), NoSync))
	require.NoError(t, d.Close())

	// The WAL is recovered to a table at L0, which is then moved as is to
	// the empty L1.
	var begin, end []CompactionInfo
	d, err = Open("db", &Options{
		FS:                    mem,
		L0CompactionThreshold: 1,
		EventListener: &EventListener{
			CompactionBegin: func(info CompactionInfo) { begin = append(begin, info) },
			CompactionEnd:   func(info CompactionInfo) { end = append(end, info) },
		},
	})
	require.NoError(t, err)
	waitForCompactions(d)

	m := d.Metrics()
	require.EqualValues(t, 1, m.Compact.Count)
	require.EqualValues(t, 1, m.Compact.MoveCount)
	require.EqualValues(t, 0, m.Levels[0].NumFiles)
	require.EqualValues(t, 1, m.Levels[1].NumFiles)
	require.EqualValues(t, 1, m.Levels[1].TablesMoved)
	require.EqualValues(t, 0, m.Levels[1].BytesWritten)
	require.Equal(t, m.Levels[1].Size, m.Levels[1].BytesMoved)

	d.mu.Lock()
	require.Len(t, begin, 1)
	require.Len(t, end, 1)
	require.Equal(t, "move", end[0].Reason)
	require.True(t, end[0].Done)
	require.NoError(t, end[0].Err)
	require.Len(t, end[0].Output.Tables, 1)
	d.mu.Unlock()

	v, err := d.Get([]byte("z"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
	require.NoError(t, d.Close())
}

func TestCompactionOutputSplitting(t *testing.T) {
	opts := &Options{
		FS:                          vfs.NewMem(),
		DisableAutomaticCompactions: true,
		TargetFileSize:              4 << 10,
		Compression:                 NoCompression,
	}
	d, err := Open("db", opts)
	require.NoError(t, err)

	// A table spanning the whole key range is flushed to L2, so that the
	// next flush lands in L1 and Compact merges it into L2.
	require.NoError(t, d.Set([]byte("a"), []byte("1"), NoSync))
	require.NoError(t, d.Set([]byte("z"), []byte("1"), NoSync))
	require.NoError(t, d.Flush())
	value := make([]byte, 100)
	for i := 0; i < 400; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("key%04d", i)), value, NoSync))
	}
	require.NoError(t, d.Compact(nil, nil))

	m := d.Metrics()
	require.EqualValues(t, 0, m.Levels[0].NumFiles)
	require.EqualValues(t, 0, m.Levels[1].NumFiles)
	require.Greater(t, m.Levels[2].NumFiles, int64(1))
	require.EqualValues(t, m.Levels[2].NumFiles, m.Levels[2].TablesCompacted)

	// Every output table is roughly bounded by the target size.
	d.mu.Lock()
	v := d.mu.versions.currentVersion()
	for _, f := range v.Levels[2] {
		require.Less(t, f.Size, uint64(3*opts.TargetFileSize), "%s", f.FileNum)
	}
	require.NoError(t, v.CheckOrdering(d.cmp))
	d.mu.Unlock()

	iter, err := d.NewIter(nil)
	require.NoError(t, err)
	var keys []string
	for valid := iter.First(); valid; valid = iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	require.NoError(t, iter.Close())
	require.Len(t, keys, 402)
	require.Equal(t, "a", keys[0])
	require.Equal(t, "key0000", keys[1])
	require.Equal(t, "key0399", keys[400])
	require.Equal(t, "z", keys[401])
	require.NoError(t, d.Close())
}
