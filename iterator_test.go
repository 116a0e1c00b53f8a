// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/stretchr/testify/require"
)

// newTestIterator returns an Iterator over a memtable holding the given
// entries, each "key.KIND.seq:value" with sequence numbers increasing per
// key.
func newTestIterator(t *testing.T, entries []string, seqNum SeqNum, o *IterOptions) *Iterator {
	t.Helper()
	mem := newMemTable(DefaultComparer.Compare, 1)
	for _, e := range entries {
		k, v, _ := strings.Cut(e, ":")
		mem.set(base.ParseInternalKey(k), []byte(v))
	}
	return &Iterator{
		cmp:    DefaultComparer.Compare,
		iter:   mem.newIter(),
		seqNum: seqNum,
		lower:  o.GetLowerBound(),
		upper:  o.GetUpperBound(),
	}
}

// runIteratorOps applies space separated operations to iter, returning the
// position after each: "key:value", or "." when exhausted.
func runIteratorOps(t *testing.T, iter *Iterator, ops string) string {
	t.Helper()
	var results []string
	for _, op := range strings.Fields(ops) {
		name, arg, _ := strings.Cut(op, "=")
		var valid bool
		switch name {
		case "first":
			valid = iter.First()
		case "last":
			valid = iter.Last()
		case "next":
			valid = iter.Next()
		case "prev":
			valid = iter.Prev()
		case "seek-ge":
			valid = iter.SeekGE([]byte(arg))
		case "seek-lt":
			valid = iter.SeekLT([]byte(arg))
		default:
			t.Fatalf("unknown op %q", op)
		}
		require.Equal(t, valid, iter.Valid(), "%s", op)
		if valid {
			results = append(results, fmt.Sprintf("%s:%s", iter.Key(), iter.Value()))
		} else {
			results = append(results, ".")
		}
	}
	return strings.Join(results, " ")
}

func TestIterator(t *testing.T) {
	entries := []string{
		"a.SET.1:a1",
		"b.SET.2:b2",
		"b.DEL.3:",
		"c.SET.4:c4",
		"c.SET.5:c5",
		"d.SET.6:d6",
	}
	testCases := []struct {
		seqNum SeqNum
		opts   *IterOptions
		ops    string
		want   string
	}{
		{
			seqNum: base.SeqNumMax,
			ops:    "first next next next",
			want:   "a:a1 c:c5 d:d6 .",
		},
		{
			seqNum: base.SeqNumMax,
			ops:    "last prev prev prev",
			want:   "d:d6 c:c5 a:a1 .",
		},
		{
			// Switching directions.
			seqNum: base.SeqNumMax,
			ops:    "first next prev next next prev prev",
			want:   "a:a1 c:c5 a:a1 c:c5 d:d6 c:c5 a:a1",
		},
		{
			seqNum: base.SeqNumMax,
			ops:    "last prev next prev",
			want:   "d:d6 c:c5 d:d6 c:c5",
		},
		{
			seqNum: base.SeqNumMax,
			ops:    "seek-ge=b seek-ge=c seek-ge=bb seek-ge=e seek-ge=a",
			want:   "c:c5 c:c5 c:c5 . a:a1",
		},
		{
			seqNum: base.SeqNumMax,
			ops:    "seek-lt=c seek-lt=b seek-lt=a seek-lt=z seek-lt=d",
			want:   "a:a1 a:a1 . d:d6 c:c5",
		},
		{
			seqNum: base.SeqNumMax,
			ops:    "seek-lt=d next seek-ge=c prev",
			want:   "c:c5 d:d6 c:c5 a:a1",
		},
		{
			// Entries newer than the sequence number are invisible.
			seqNum: 4,
			ops:    "first next next last prev prev",
			want:   "a:a1 c:c4 . c:c4 a:a1 .",
		},
		{
			seqNum: 2,
			ops:    "first next next seek-ge=c seek-lt=c",
			want:   "a:a1 b:b2 . . b:b2",
		},
		{
			seqNum: 0,
			ops:    "first last",
			want:   ". .",
		},
		{
			seqNum: base.SeqNumMax,
			opts:   &IterOptions{LowerBound: []byte("b"), UpperBound: []byte("d")},
			ops:    "first next last prev",
			want:   "c:c5 . c:c5 .",
		},
		{
			seqNum: base.SeqNumMax,
			opts:   &IterOptions{LowerBound: []byte("b"), UpperBound: []byte("d")},
			ops:    "seek-ge=a seek-lt=z seek-lt=c seek-ge=d",
			want:   "c:c5 c:c5 . .",
		},
		{
			seqNum: base.SeqNumMax,
			opts:   &IterOptions{LowerBound: []byte("a"), UpperBound: []byte("c")},
			ops:    "first next last",
			want:   "a:a1 . a:a1",
		},
	}
	for i, tc := range testCases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			iter := newTestIterator(t, entries, tc.seqNum, tc.opts)
			require.Equal(t, tc.want, runIteratorOps(t, iter, tc.ops))
			require.NoError(t, iter.Close())
		})
	}
}

func TestIteratorClose(t *testing.T) {
	released := 0
	iter := newTestIterator(t, []string{"a.SET.1:a"}, base.SeqNumMax, nil)
	iter.release = func() { released++ }
	require.True(t, iter.First())
	require.NoError(t, iter.Close())
	require.Equal(t, 1, released)
	require.False(t, iter.Valid())
	require.Nil(t, iter.Key())
	require.Error(t, iter.Close())
	require.Equal(t, 1, released)
}

func TestDBIterator(t *testing.T) {
	d := openMem(t, &Options{DisableAutomaticCompactions: true})
	defer func() { require.NoError(t, d.Close()) }()

	// Spread the versions of the keys across tables at several levels and
	// the memtable.
	require.NoError(t, d.Set([]byte("a"), []byte("a1"), nil))
	require.NoError(t, d.Set([]byte("e"), []byte("e1"), nil))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("b"), []byte("b1"), nil))
	require.NoError(t, d.Set([]byte("c"), []byte("c1"), nil))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Delete([]byte("b"), nil))
	require.NoError(t, d.Set([]byte("c"), []byte("c2"), nil))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("d"), []byte("d1"), nil))
	require.NoError(t, d.Delete([]byte("e"), nil))

	iter, err := d.NewIter(nil)
	require.NoError(t, err)
	require.Equal(t, "a:a1 c:c2 d:d1 .", runIteratorOps(t, iter, "first next next next"))
	require.Equal(t, "d:d1 c:c2 a:a1 .", runIteratorOps(t, iter, "last prev prev prev"))

	// The iterator keeps its view while the DB changes.
	require.NoError(t, d.Set([]byte("f"), []byte("f1"), nil))
	require.NoError(t, d.Flush())
	require.Equal(t, "d:d1 .", runIteratorOps(t, iter, "seek-ge=cc next"))
	require.NoError(t, iter.Close())

	iter, err = d.NewIter(&IterOptions{LowerBound: []byte("b"), UpperBound: []byte("f")})
	require.NoError(t, err)
	require.Equal(t, "c:c2 d:d1 .", runIteratorOps(t, iter, "first next next"))
	require.Equal(t, "d:d1 c:c2 .", runIteratorOps(t, iter, "last prev prev"))
	require.NoError(t, iter.Close())
}
