// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package itertwo implements a two-level iterator: an index iterator whose
// values locate blocks, and a function that opens an iterator over the block
// a value locates.
package itertwo

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
)

// BlockFunc opens an iterator over the block located by an index value. The
// value is only valid for the duration of the call.
type BlockFunc func(value []byte) (base.InternalIterator, error)

type exhausted int8

const (
	notExhausted exhausted = iota
	// beforeFirst: positioned before the first entry. Next moves to First.
	beforeFirst
	// afterLast: positioned after the last entry. Prev moves to Last.
	afterLast
)

// Iterator is a two-level iterator. The data iterator for the current index
// entry is opened lazily and reused while the index stays on the same value.
type Iterator struct {
	index base.InternalIterator
	fn    BlockFunc
	// data is the iterator over the block at the current index position, or
	// nil.
	data base.InternalIterator
	// dataValue is the index value data was opened from.
	dataValue []byte
	err       error
	pos       exhausted
}

var _ base.InternalIterator = (*Iterator)(nil)

// New returns a two-level iterator. The iterator takes ownership of index.
func New(index base.InternalIterator, fn BlockFunc) *Iterator {
	return &Iterator{index: index, fn: fn}
}

func (i *Iterator) closeData() {
	if i.data != nil {
		if err := i.data.Close(); err != nil && i.err == nil {
			i.err = err
		}
		i.data = nil
	}
}

// initData opens the data iterator for the current index entry, unless the
// cached one was opened from the same index value.
func (i *Iterator) initData() {
	if !i.index.Valid() {
		i.closeData()
		return
	}
	v := i.index.Value()
	if i.data != nil && bytes.Equal(v, i.dataValue) {
		return
	}
	i.closeData()
	i.dataValue = append(i.dataValue[:0], v...)
	data, err := i.fn(v)
	if err != nil {
		i.err = err
		return
	}
	i.data = data
}

// failed reports whether an error stops iteration.
func (i *Iterator) failed() bool {
	if i.err != nil {
		return true
	}
	if err := i.index.Error(); err != nil {
		i.err = err
		return true
	}
	if i.data != nil {
		if err := i.data.Error(); err != nil {
			i.err = err
			return true
		}
	}
	return false
}

// skipEmptyForward moves past index entries whose data iterator is empty or
// could not be opened.
func (i *Iterator) skipEmptyForward() bool {
	for i.data == nil || !i.data.Valid() {
		if i.failed() {
			return false
		}
		if !i.index.Valid() {
			i.closeData()
			i.pos = afterLast
			return false
		}
		i.index.Next()
		i.initData()
		if i.data != nil {
			i.data.First()
		}
	}
	i.pos = notExhausted
	return true
}

func (i *Iterator) skipEmptyBackward() bool {
	for i.data == nil || !i.data.Valid() {
		if i.failed() {
			return false
		}
		if !i.index.Valid() {
			i.closeData()
			i.pos = beforeFirst
			return false
		}
		i.index.Prev()
		i.initData()
		if i.data != nil {
			i.data.Last()
		}
	}
	i.pos = notExhausted
	return true
}

// SeekGE implements base.InternalIterator.SeekGE, as documented in the
// levelkv/internal/base package.
func (i *Iterator) SeekGE(key base.InternalKey) bool {
	if i.err != nil {
		return false
	}
	i.index.SeekGE(key)
	i.initData()
	if i.data != nil {
		i.data.SeekGE(key)
	}
	return i.skipEmptyForward()
}

// First implements base.InternalIterator.First, as documented in the
// levelkv/internal/base package.
func (i *Iterator) First() bool {
	if i.err != nil {
		return false
	}
	i.index.First()
	i.initData()
	if i.data != nil {
		i.data.First()
	}
	return i.skipEmptyForward()
}

// Last implements base.InternalIterator.Last, as documented in the
// levelkv/internal/base package.
func (i *Iterator) Last() bool {
	if i.err != nil {
		return false
	}
	i.index.Last()
	i.initData()
	if i.data != nil {
		i.data.Last()
	}
	return i.skipEmptyBackward()
}

// Next implements base.InternalIterator.Next, as documented in the
// levelkv/internal/base package.
func (i *Iterator) Next() bool {
	if i.err != nil {
		return false
	}
	switch {
	case i.pos == beforeFirst:
		return i.First()
	case i.data == nil:
		return false
	}
	i.data.Next()
	return i.skipEmptyForward()
}

// Prev implements base.InternalIterator.Prev, as documented in the
// levelkv/internal/base package.
func (i *Iterator) Prev() bool {
	if i.err != nil {
		return false
	}
	switch {
	case i.pos == afterLast:
		return i.Last()
	case i.data == nil:
		return false
	}
	i.data.Prev()
	return i.skipEmptyBackward()
}

// Key implements base.InternalIterator.Key, as documented in the
// levelkv/internal/base package.
func (i *Iterator) Key() base.InternalKey {
	if !i.Valid() {
		return base.InvalidInternalKey
	}
	return i.data.Key()
}

// Value implements base.InternalIterator.Value, as documented in the
// levelkv/internal/base package.
func (i *Iterator) Value() []byte {
	if !i.Valid() {
		return nil
	}
	return i.data.Value()
}

// Valid implements base.InternalIterator.Valid, as documented in the
// levelkv/internal/base package.
func (i *Iterator) Valid() bool {
	return i.err == nil && i.data != nil && i.data.Valid()
}

// Error implements base.InternalIterator.Error, as documented in the
// levelkv/internal/base package.
func (i *Iterator) Error() error {
	if i.err != nil {
		return i.err
	}
	if err := i.index.Error(); err != nil {
		return err
	}
	if i.data != nil {
		return i.data.Error()
	}
	return nil
}

// Close implements base.InternalIterator.Close, as documented in the
// levelkv/internal/base package.
func (i *Iterator) Close() error {
	if i.index == nil {
		return i.err
	}
	i.closeData()
	err := errors.CombineErrors(i.err, i.index.Close())
	i.index = nil
	i.err = err
	return err
}

func (i *Iterator) String() string {
	return "two-level"
}
