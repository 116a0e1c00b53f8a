// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FakeKVs builds SET entries from "key:seqnum" strings. Each value is the
// string it was built from.
func FakeKVs(keys ...string) []InternalKV {
	kvs := make([]InternalKV, 0, len(keys))
	for _, s := range keys {
		ukey, seq, ok := strings.Cut(s, ":")
		n, err := strconv.ParseUint(seq, 10, 64)
		if !ok || err != nil {
			panic(fmt.Sprintf("invalid fake key %q", s))
		}
		kvs = append(kvs, InternalKV{
			K: MakeInternalKey([]byte(ukey), SeqNum(n), InternalKeyKindSet),
			V: []byte(s),
		})
	}
	return kvs
}

// FakeIter iterates over a sorted slice of entries in memory.
type FakeIter struct {
	kvs []InternalKV
	// pos is the current entry, or -1 or len(kvs) off either end.
	pos int
	err error
}

var _ InternalIterator = (*FakeIter)(nil)

// NewFakeIter returns an unpositioned iterator over kvs, which must be in
// InternalCompare order under DefaultComparer.
func NewFakeIter(kvs []InternalKV) *FakeIter {
	return &FakeIter{kvs: kvs, pos: -1}
}

// SetCloseErr makes Error and Close return err.
func (f *FakeIter) SetCloseErr(err error) { f.err = err }

func (f *FakeIter) String() string { return "fake" }

func (f *FakeIter) SeekGE(key InternalKey) bool {
	f.pos = sort.Search(len(f.kvs), func(i int) bool {
		return InternalCompare(DefaultComparer.Compare, key, f.kvs[i].K) <= 0
	})
	return f.Valid()
}

func (f *FakeIter) First() bool {
	f.pos = 0
	return f.Valid()
}

func (f *FakeIter) Last() bool {
	f.pos = len(f.kvs) - 1
	return f.Valid()
}

func (f *FakeIter) Next() bool {
	f.pos = min(f.pos+1, len(f.kvs))
	return f.Valid()
}

func (f *FakeIter) Prev() bool {
	f.pos = max(f.pos-1, -1)
	return f.Valid()
}

func (f *FakeIter) Valid() bool { return f.pos >= 0 && f.pos < len(f.kvs) }

func (f *FakeIter) Key() InternalKey {
	if !f.Valid() {
		return InvalidInternalKey
	}
	return f.kvs[f.pos].K
}

func (f *FakeIter) Value() []byte {
	if !f.Valid() {
		return nil
	}
	return f.kvs[f.pos].V
}

func (f *FakeIter) Error() error { return f.err }

func (f *FakeIter) Close() error { return f.err }
