// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/internal/invariants"
	"github.com/zhangyunhao116/skipmap"
)

// memEntry is one version of a user key. Entries of a key form a list
// ordered from newest to oldest sequence number.
type memEntry struct {
	seqNum base.SeqNum
	kind   base.InternalKeyKind
	value  []byte
	next   *memEntry
}

// memKey holds the versions of one user key.
type memKey struct {
	head atomic.Pointer[memEntry]
}

// memEntryOverhead approximates the bookkeeping bytes of one entry: the
// entry itself, the skipmap node of a new key and the encoded trailer.
const memEntryOverhead = 64

// memTable buffers recent writes in memory until they are flushed to L0.
//
// It is safe to call get and newIter concurrently with each other and with
// set, but set must not be called concurrently with itself: the DB serializes
// writers through its commit mutex.
//
// Keys are held in a concurrent skipmap ordered by user key. Each key maps to
// the list of its versions, so a user key lookup is one skipmap search.
type memTable struct {
	cmp   base.Compare
	skm   *skipmap.FuncMap[[]byte, *memKey]
	size  atomic.Int64
	count atomic.Int64
	// logNum is the number of the WAL holding the memtable's writes.
	logNum base.FileNum
}

func newMemTable(cmp base.Compare, logNum base.FileNum) *memTable {
	return &memTable{
		cmp: cmp,
		skm: skipmap.NewFunc[[]byte, *memKey](func(a, b []byte) bool {
			return cmp(a, b) < 0
		}),
		logNum: logNum,
	}
}

// set adds an entry for key. Keys and values are copied. Sequence numbers of
// a user key must arrive in increasing order.
func (m *memTable) set(key base.InternalKey, value []byte) {
	e := &memEntry{
		seqNum: key.SeqNum(),
		kind:   key.Kind(),
		value:  append([]byte(nil), value...),
	}
	size := len(value) + memEntryOverhead
	mk, ok := m.skm.Load(key.UserKey)
	if !ok {
		ukey := append([]byte(nil), key.UserKey...)
		mk, _ = m.skm.LoadOrStore(ukey, &memKey{})
		size += len(ukey)
	}
	prev := mk.head.Load()
	if invariants.Enabled && prev != nil && prev.seqNum >= e.seqNum {
		panic(errors.AssertionFailedf("levelkv: memtable sequence number %s after %s for %q",
			e.seqNum, prev.seqNum, key.UserKey))
	}
	e.next = prev
	mk.head.Store(e)

	m.size.Add(int64(size))
	m.count.Add(1)
}

// apply adds the batch's entries, numbering them from seqNum.
func (m *memTable) apply(b *Batch, seqNum base.SeqNum) error {
	r := b.reader()
	for {
		kind, ukey, value, ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		m.set(base.MakeInternalKey(ukey, seqNum, kind), value)
		seqNum++
	}
	return nil
}

// get returns the newest entry for key.UserKey with a sequence number at or
// below key's. It returns ok=false when the memtable holds no such entry; a
// deletion returns ok=true and kind InternalKeyKindDelete.
func (m *memTable) get(key base.InternalKey) (value []byte, kind base.InternalKeyKind, ok bool) {
	mk, found := m.skm.Load(key.UserKey)
	if !found {
		return nil, 0, false
	}
	seqNum := key.SeqNum()
	for e := mk.head.Load(); e != nil; e = e.next {
		if e.seqNum <= seqNum {
			return e.value, e.kind, true
		}
	}
	return nil, 0, false
}

// approximateMemoryUsage returns the approximate number of bytes held by the
// memtable.
func (m *memTable) approximateMemoryUsage() int {
	return int(m.size.Load())
}

func (m *memTable) empty() bool {
	return m.count.Load() == 0
}

// newIter returns an iterator over a snapshot of the memtable's entries in
// internal key order. Entries set after the call are not observed.
func (m *memTable) newIter() internalIterator {
	kvs := make([]base.InternalKV, 0, m.count.Load())
	m.skm.Range(func(ukey []byte, mk *memKey) bool {
		for e := mk.head.Load(); e != nil; e = e.next {
			kvs = append(kvs, base.InternalKV{
				K: base.MakeInternalKey(ukey, e.seqNum, e.kind),
				V: e.value,
			})
		}
		return true
	})
	return &memTableIter{cmp: m.cmp, kvs: kvs, index: -1}
}

// memTableIter iterates over a sorted slice of entries.
type memTableIter struct {
	cmp   base.Compare
	kvs   []base.InternalKV
	index int
}

var _ internalIterator = (*memTableIter)(nil)

func (i *memTableIter) SeekGE(key base.InternalKey) bool {
	i.index = sort.Search(len(i.kvs), func(j int) bool {
		return base.InternalCompare(i.cmp, i.kvs[j].K, key) >= 0
	})
	return i.Valid()
}

func (i *memTableIter) First() bool {
	i.index = 0
	return i.Valid()
}

func (i *memTableIter) Last() bool {
	i.index = len(i.kvs) - 1
	return i.Valid()
}

func (i *memTableIter) Next() bool {
	if i.index < len(i.kvs) {
		i.index++
	}
	return i.Valid()
}

func (i *memTableIter) Prev() bool {
	if i.index >= 0 {
		i.index--
	}
	return i.Valid()
}

func (i *memTableIter) Key() base.InternalKey {
	if !i.Valid() {
		return base.InvalidInternalKey
	}
	return i.kvs[i.index].K
}

func (i *memTableIter) Value() []byte {
	if !i.Valid() {
		return nil
	}
	return i.kvs[i.index].V
}

func (i *memTableIter) Valid() bool {
	return i.index >= 0 && i.index < len(i.kvs)
}

func (i *memTableIter) Error() error { return nil }

func (i *memTableIter) Close() error { return nil }

func (i *memTableIter) String() string { return "memtable" }
