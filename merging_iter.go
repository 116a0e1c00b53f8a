// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/levelkv/internal/base"
)

type mergingIterLevel struct {
	iter internalIterator
}

// mergingIterHeap is a heap of the valid levels of a merging iterator,
// ordered by the current key of each level. A reverse heap puts the largest
// key on top.
type mergingIterHeap struct {
	cmp     base.Compare
	reverse bool
	items   []*mergingIterLevel
}

func (h *mergingIterHeap) len() int {
	return len(h.items)
}

func (h *mergingIterHeap) clear() {
	h.items = h.items[:0]
}

func (h *mergingIterHeap) less(i, j int) bool {
	ikey, jkey := h.items[i].iter.Key(), h.items[j].iter.Key()
	if c := h.cmp(ikey.UserKey, jkey.UserKey); c != 0 {
		if h.reverse {
			return c > 0
		}
		return c < 0
	}
	if h.reverse {
		return ikey.Trailer < jkey.Trailer
	}
	return ikey.Trailer > jkey.Trailer
}

func (h *mergingIterHeap) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *mergingIterHeap) init() {
	n := h.len()
	for i := n/2 - 1; i >= 0; i-- {
		h.down(i, n)
	}
}

// fixTop restores the heap property after the top of the heap has been
// repositioned.
func (h *mergingIterHeap) fixTop() {
	h.down(0, h.len())
}

func (h *mergingIterHeap) pop() *mergingIterLevel {
	n := h.len() - 1
	h.swap(0, n)
	h.down(0, n)
	item := h.items[n]
	h.items = h.items[:n]
	return item
}

func (h *mergingIterHeap) down(i, n int) {
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 { // j1 < 0 after int overflow
			break
		}
		j := j1 // left child
		if j2 := j1 + 1; j2 < n && h.less(j2, j1) {
			j = j2 // right child
		}
		if !h.less(j, i) {
			break
		}
		h.swap(i, j)
		i = j
	}
}

// mergingIter provides a merged view of multiple iterators from different
// sources (memtable, level-0 tables, the levels below). Each child must be
// sorted by internal key; the merged view yields every entry of every
// child, in internal key order. Entries with the same user key are not
// collapsed: that is the job of the caller, which knows the read snapshot.
//
// The iterator keeps the children in a min-heap while moving forward and in
// a max-heap while moving backward. While moving forward every child that is
// not at the top of the heap is positioned at a key greater than the current
// key; switching direction repositions the children so that they are all
// before the current key.
type mergingIter struct {
	cmp    base.Compare
	levels []mergingIterLevel
	heap   mergingIterHeap
	err    error
}

var _ internalIterator = (*mergingIter)(nil)

// newMergingIter returns an iterator that merges its input. Walking the
// resultant iterator will return all key/value pairs of all input iterators
// in strictly increasing internal key order.
func newMergingIter(cmp base.Compare, iters ...internalIterator) *mergingIter {
	m := &mergingIter{
		cmp:    cmp,
		levels: make([]mergingIterLevel, len(iters)),
	}
	m.heap.cmp = cmp
	m.heap.items = make([]*mergingIterLevel, 0, len(iters))
	for i := range iters {
		m.levels[i].iter = iters[i]
	}
	return m
}

func (m *mergingIter) initHeap(reverse bool) {
	m.heap.reverse = reverse
	m.heap.clear()
	for i := range m.levels {
		l := &m.levels[i]
		if l.iter.Valid() {
			m.heap.items = append(m.heap.items, l)
		} else {
			m.noteErr(l.iter)
		}
	}
	m.heap.init()
}

// noteErr records the error of a child that became invalid.
func (m *mergingIter) noteErr(iter internalIterator) {
	if m.err == nil {
		m.err = iter.Error()
	}
}

func (m *mergingIter) top() *mergingIterLevel {
	return m.heap.items[0]
}

// switchToMinHeap repositions the children for forward iteration. Every
// child other than the current one is positioned at the first key after
// the current key, and the current child is advanced.
func (m *mergingIter) switchToMinHeap() {
	cur := m.top()
	key := cur.iter.Key().Clone()
	for i := range m.levels {
		l := &m.levels[i]
		if l == cur {
			continue
		}
		if l.iter.SeekGE(key) && base.InternalCompare(m.cmp, key, l.iter.Key()) == 0 {
			l.iter.Next()
		}
	}
	cur.iter.Next()
	m.initHeap(false)
}

// switchToMaxHeap repositions the children for backward iteration. Every
// child other than the current one is positioned at the last key before
// the current key, and the current child is moved back.
func (m *mergingIter) switchToMaxHeap() {
	cur := m.top()
	key := cur.iter.Key().Clone()
	for i := range m.levels {
		l := &m.levels[i]
		if l == cur {
			continue
		}
		if l.iter.SeekGE(key) {
			l.iter.Prev()
		} else if l.iter.Error() == nil {
			// Every key of the child is before key.
			l.iter.Last()
		}
	}
	cur.iter.Prev()
	m.initHeap(true)
}

// SeekGE implements internalIterator.
func (m *mergingIter) SeekGE(key base.InternalKey) bool {
	m.err = nil
	for i := range m.levels {
		m.levels[i].iter.SeekGE(key)
	}
	m.initHeap(false)
	return m.Valid()
}

// First implements internalIterator.
func (m *mergingIter) First() bool {
	m.err = nil
	for i := range m.levels {
		m.levels[i].iter.First()
	}
	m.initHeap(false)
	return m.Valid()
}

// Last implements internalIterator.
func (m *mergingIter) Last() bool {
	m.err = nil
	for i := range m.levels {
		m.levels[i].iter.Last()
	}
	m.initHeap(true)
	return m.Valid()
}

// Next implements internalIterator.
func (m *mergingIter) Next() bool {
	if !m.Valid() {
		return false
	}
	if m.heap.reverse {
		m.switchToMinHeap()
		return m.Valid()
	}
	m.step(m.top().iter.Next())
	return m.Valid()
}

// Prev implements internalIterator.
func (m *mergingIter) Prev() bool {
	if !m.Valid() {
		return false
	}
	if !m.heap.reverse {
		m.switchToMaxHeap()
		return m.Valid()
	}
	m.step(m.top().iter.Prev())
	return m.Valid()
}

// step restores the heap after the top child was moved.
func (m *mergingIter) step(valid bool) {
	if valid {
		m.heap.fixTop()
		return
	}
	l := m.heap.pop()
	m.noteErr(l.iter)
}

// Key implements internalIterator.
func (m *mergingIter) Key() base.InternalKey {
	if !m.Valid() {
		return base.InvalidInternalKey
	}
	return m.top().iter.Key()
}

// Value implements internalIterator.
func (m *mergingIter) Value() []byte {
	if !m.Valid() {
		return nil
	}
	return m.top().iter.Value()
}

// Valid implements internalIterator.
func (m *mergingIter) Valid() bool {
	return m.err == nil && m.heap.len() > 0
}

// Error implements internalIterator.
func (m *mergingIter) Error() error {
	return m.err
}

// Close implements internalIterator.
func (m *mergingIter) Close() error {
	err := m.err
	for i := range m.levels {
		err = firstError(err, m.levels[i].iter.Close())
	}
	m.levels = nil
	m.heap.clear()
	return err
}

func (m *mergingIter) String() string {
	var buf strings.Builder
	buf.WriteString("merging(")
	for i := range m.levels {
		if i > 0 {
			buf.WriteString(", ")
		}
		if s, ok := m.levels[i].iter.(fmt.Stringer); ok {
			buf.WriteString(s.String())
		} else {
			fmt.Fprintf(&buf, "%T", m.levels[i].iter)
		}
	}
	buf.WriteString(")")
	return buf.String()
}
