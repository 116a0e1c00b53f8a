// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/stretchr/testify/require"
)

// memGet returns the memtable's answer for ukey at seqNum as "value",
// "<deleted>" or "<absent>".
func memGet(m *memTable, ukey string, seqNum base.SeqNum) string {
	value, kind, ok := m.get(base.MakeInternalKey([]byte(ukey), seqNum, base.InternalKeyKindMax))
	switch {
	case !ok:
		return "<absent>"
	case kind == base.InternalKeyKindDelete:
		return "<deleted>"
	default:
		return string(value)
	}
}

func TestMemTableGet(t *testing.T) {
	m := newMemTable(DefaultComparer.Compare, 1)
	require.True(t, m.empty())
	m.set(base.ParseInternalKey("a.SET.1"), []byte("v1"))
	m.set(base.ParseInternalKey("a.SET.3"), []byte("v3"))
	m.set(base.ParseInternalKey("a.DEL.5"), nil)
	m.set(base.ParseInternalKey("b.SET.2"), []byte("b2"))
	require.False(t, m.empty())
	require.EqualValues(t, 4, m.count.Load())

	testCases := []struct {
		ukey   string
		seqNum base.SeqNum
		want   string
	}{
		{"a", 0, "<absent>"},
		{"a", 1, "v1"},
		{"a", 2, "v1"},
		{"a", 3, "v3"},
		{"a", 4, "v3"},
		{"a", 5, "<deleted>"},
		{"a", base.SeqNumMax, "<deleted>"},
		{"b", 1, "<absent>"},
		{"b", 2, "b2"},
		{"c", base.SeqNumMax, "<absent>"},
		{"", base.SeqNumMax, "<absent>"},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.want, memGet(m, tc.ukey, tc.seqNum), "%s@%d", tc.ukey, tc.seqNum)
	}
}

func TestMemTableCopiesInput(t *testing.T) {
	m := newMemTable(DefaultComparer.Compare, 1)
	key, value := []byte("key"), []byte("value")
	m.set(base.MakeInternalKey(key, 1, base.InternalKeyKindSet), value)
	copy(key, "xxx")
	copy(value, "xxxxx")
	require.Equal(t, "value", memGet(m, "key", 1))
	require.Equal(t, "<absent>", memGet(m, "xxx", 1))
}

func TestMemTableApply(t *testing.T) {
	var b Batch
	b.Set([]byte("b"), []byte("1"))
	b.Set([]byte("a"), []byte("2"))
	b.Delete([]byte("b"))

	m := newMemTable(DefaultComparer.Compare, 1)
	require.NoError(t, m.apply(&b, 10))
	require.Equal(t, "1", memGet(m, "b", 10))
	require.Equal(t, "2", memGet(m, "a", 11))
	require.Equal(t, "<deleted>", memGet(m, "b", 12))

	var keys []string
	iter := m.newIter()
	for valid := iter.First(); valid; valid = iter.Next() {
		keys = append(keys, iter.Key().String())
	}
	require.NoError(t, iter.Close())
	require.Equal(t, []string{"a#11,SET", "b#12,DEL", "b#10,SET"}, keys)

	// A corrupt batch stops the apply with an error.
	var bad Batch
	bad.Set([]byte("k"), []byte("v"))
	require.NoError(t, bad.SetRepr(bad.Repr()[:len(bad.Repr())-1]))
	require.Error(t, m.apply(&bad, 20))
}

func TestMemTableApproximateMemoryUsage(t *testing.T) {
	m := newMemTable(DefaultComparer.Compare, 1)
	require.Equal(t, 0, m.approximateMemoryUsage())

	value := make([]byte, 1000)
	m.set(base.MakeInternalKey([]byte("a"), 1, base.InternalKeyKindSet), value)
	first := m.approximateMemoryUsage()
	require.GreaterOrEqual(t, first, 1000+len("a"))

	// A second version of the same key does not copy the key again.
	m.set(base.MakeInternalKey([]byte("a"), 2, base.InternalKeyKindSet), value)
	require.Equal(t, 2*first-len("a"), m.approximateMemoryUsage())
}

func TestMemTableIter(t *testing.T) {
	m := newMemTable(DefaultComparer.Compare, 1)
	for _, k := range []string{"c.SET.4", "a.SET.1", "b.SET.3", "a.SET.5", "b.DEL.6", "d.SET.2"} {
		m.set(base.ParseInternalKey(k), []byte(k))
	}
	iter := m.newIter()
	defer func() { require.NoError(t, iter.Close()) }()

	// Later writes are not observed by an open iterator.
	m.set(base.ParseInternalKey("e.SET.7"), nil)

	var fwd []string
	for valid := iter.First(); valid; valid = iter.Next() {
		fwd = append(fwd, string(iter.Value()))
	}
	require.Equal(t, []string{"a.SET.5", "a.SET.1", "b.DEL.6", "b.SET.3", "c.SET.4", "d.SET.2"}, fwd)
	require.False(t, iter.Valid())
	require.Equal(t, base.InvalidInternalKey, iter.Key())
	require.Nil(t, iter.Value())

	var bwd []string
	for valid := iter.Last(); valid; valid = iter.Prev() {
		bwd = append(bwd, string(iter.Value()))
	}
	require.Equal(t, []string{"d.SET.2", "c.SET.4", "b.SET.3", "b.DEL.6", "a.SET.1", "a.SET.5"}, bwd)

	for _, tc := range []struct {
		seek string
		want string
	}{
		{"a.SET.9", "a.SET.5"},
		{"a.SET.4", "a.SET.1"},
		{"b.SET.9", "b.DEL.6"},
		{"bb.SET.9", "c.SET.4"},
		{"d.SET.1", ""},
	} {
		valid := iter.SeekGE(base.ParseInternalKey(tc.seek))
		if tc.want == "" {
			require.False(t, valid, tc.seek)
			continue
		}
		require.True(t, valid, tc.seek)
		require.Equal(t, tc.want, string(iter.Value()), tc.seek)
	}
	require.NoError(t, iter.Error())
}

func TestMemTableConcurrentReads(t *testing.T) {
	const n = 1000
	m := newMemTable(DefaultComparer.Compare, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			m.set(base.MakeInternalKey([]byte(fmt.Sprintf("%04d", i)), base.SeqNum(i+1), base.InternalKeyKindSet),
				[]byte(fmt.Sprint(i)))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				// A key is either absent or holds its final value.
				got := memGet(m, fmt.Sprintf("%04d", i), base.SeqNumMax)
				if got != "<absent>" && got != fmt.Sprint(i) {
					t.Errorf("key %04d: got %q", i, got)
				}
			}
		}()
	}
	wg.Wait()

	iter := m.newIter()
	var count int
	prev := ""
	for valid := iter.First(); valid; valid = iter.Next() {
		k := string(iter.Key().UserKey)
		require.True(t, strings.Compare(prev, k) < 0)
		prev = k
		count++
	}
	require.Equal(t, n, count)
	require.NoError(t, iter.Close())
}
