// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
)

// IterOptions hold the optional per-query parameters for NewIter.
//
// Like Options, a nil *IterOptions is valid and means to use the default
// values.
type IterOptions struct {
	// LowerBound specifies the smallest key (inclusive) that the iterator will
	// return during iteration.
	LowerBound []byte
	// UpperBound specifies the largest key (exclusive) that the iterator will
	// return during iteration.
	UpperBound []byte
}

// GetLowerBound returns the LowerBound or nil if the receiver is nil.
func (o *IterOptions) GetLowerBound() []byte {
	if o == nil {
		return nil
	}
	return o.LowerBound
}

// GetUpperBound returns the UpperBound or nil if the receiver is nil.
func (o *IterOptions) GetUpperBound() []byte {
	if o == nil {
		return nil
	}
	return o.UpperBound
}

type iterDir int8

const (
	iterDirForward iterDir = iota
	iterDirReverse
)

// Iterator iterates over a DB's key/value pairs in key order, as of the
// sequence number it was created at. Deleted keys and entries newer than the
// sequence number are not visible.
//
// When moving forward the internal iterator is positioned at the entry
// yielding the current key. When moving backward it is positioned before
// all the entries of the current key, whose value is then held in a copy.
//
// An iterator must be closed after use, but it is not necessary to read an
// iterator until exhaustion.
//
// An iterator is not goroutine-safe, but it is safe to use multiple iterators
// concurrently, with each in a dedicated goroutine.
type Iterator struct {
	cmp    Compare
	iter   internalIterator
	seqNum SeqNum
	lower  []byte
	upper  []byte
	dir    iterDir
	valid  bool
	err    error

	// savedKey and savedValue hold the current entry in the reverse
	// direction, and the key to skip when switching to forward.
	savedKey   []byte
	savedValue []byte

	// release drops the iterator's hold on the DB's state.
	release func()
}

// visible returns whether the internal entry is at or below the iterator's
// sequence number.
func (i *Iterator) visible(key InternalKey) bool {
	return key.SeqNum() <= i.seqNum
}

// findNextEntry moves forward to the first live entry, skipping the entries
// of skip when skipping is set. The internal iterator stays at the entry.
func (i *Iterator) findNextEntry(skipping bool, skip []byte) {
	i.savedKey = append(i.savedKey[:0], skip...)
	for ; i.iter.Valid(); i.iter.Next() {
		key := i.iter.Key()
		if !i.visible(key) {
			continue
		}
		switch key.Kind() {
		case InternalKeyKindDelete:
			// Arrange to skip all upcoming entries for this key since they
			// are hidden by this deletion.
			i.savedKey = append(i.savedKey[:0], key.UserKey...)
			skipping = true
		case InternalKeyKindSet:
			if skipping && i.cmp(key.UserKey, i.savedKey) <= 0 {
				// Entry hidden.
				continue
			}
			if i.upper != nil && i.cmp(key.UserKey, i.upper) >= 0 {
				i.valid = false
				return
			}
			i.valid = true
			return
		}
	}
	i.valid = false
	i.err = i.iter.Error()
}

// findPrevEntry moves backward to the previous live entry, leaving the
// internal iterator before all the entries of the entry's key and the entry
// in savedKey and savedValue.
func (i *Iterator) findPrevEntry() {
	kind := InternalKeyKindDelete
	for ; i.iter.Valid(); i.iter.Prev() {
		key := i.iter.Key()
		if !i.visible(key) {
			continue
		}
		if kind != InternalKeyKindDelete && i.cmp(key.UserKey, i.savedKey) < 0 {
			// We encountered a live entry of a previous key.
			break
		}
		kind = key.Kind()
		if kind == InternalKeyKindDelete {
			i.savedKey = i.savedKey[:0]
			i.savedValue = i.savedValue[:0]
		} else {
			i.savedKey = append(i.savedKey[:0], key.UserKey...)
			i.savedValue = append(i.savedValue[:0], i.iter.Value()...)
		}
	}
	if err := i.iter.Error(); err != nil {
		i.err = err
		i.valid = false
		return
	}
	if kind == InternalKeyKindDelete {
		i.valid = false
		i.savedKey = i.savedKey[:0]
		i.dir = iterDirForward
		return
	}
	if i.lower != nil && i.cmp(i.savedKey, i.lower) < 0 {
		i.valid = false
		return
	}
	i.valid = true
}

// SeekGE moves the iterator to the first key/value pair whose key is greater
// than or equal to the given key. Returns true if the iterator is pointing at
// a valid entry and false otherwise.
func (i *Iterator) SeekGE(key []byte) bool {
	if i.err != nil {
		return false
	}
	if i.lower != nil && i.cmp(key, i.lower) < 0 {
		key = i.lower
	}
	i.dir = iterDirForward
	i.iter.SeekGE(base.MakeInternalKey(key, i.seqNum, InternalKeyKindMax))
	i.findNextEntry(false, nil)
	return i.valid
}

// SeekLT moves the iterator to the last key/value pair whose key is less
// than the given key. Returns true if the iterator is pointing at a valid
// entry and false otherwise.
func (i *Iterator) SeekLT(key []byte) bool {
	if i.err != nil {
		return false
	}
	if i.upper != nil && i.cmp(key, i.upper) > 0 {
		key = i.upper
	}
	i.dir = iterDirReverse
	i.seekBefore(key)
	i.findPrevEntry()
	return i.valid
}

// seekBefore positions the internal iterator at the last entry whose user
// key is less than ukey.
func (i *Iterator) seekBefore(ukey []byte) {
	if i.iter.SeekGE(base.MakeSearchKey(ukey)) {
		i.iter.Prev()
	} else if i.iter.Error() == nil {
		i.iter.Last()
	}
}

// First moves the iterator the first key/value pair. Returns true if the
// iterator is pointing at a valid entry and false otherwise.
func (i *Iterator) First() bool {
	if i.err != nil {
		return false
	}
	if i.lower != nil {
		return i.SeekGE(i.lower)
	}
	i.dir = iterDirForward
	i.iter.First()
	i.findNextEntry(false, nil)
	return i.valid
}

// Last moves the iterator the last key/value pair. Returns true if the
// iterator is pointing at a valid entry and false otherwise.
func (i *Iterator) Last() bool {
	if i.err != nil {
		return false
	}
	if i.upper != nil {
		return i.SeekLT(i.upper)
	}
	i.dir = iterDirReverse
	i.iter.Last()
	i.findPrevEntry()
	return i.valid
}

// Next moves the iterator to the next key/value pair. Returns true if the
// iterator is pointing at a valid entry and false otherwise.
func (i *Iterator) Next() bool {
	if i.err != nil || !i.valid {
		return false
	}
	if i.dir == iterDirReverse {
		i.dir = iterDirForward
		// The internal iterator is before the entries of the current key, so
		// advance into them. savedKey already holds the key to skip.
		if !i.iter.Valid() {
			i.iter.First()
		} else {
			i.iter.Next()
		}
		skip := append([]byte(nil), i.savedKey...)
		i.findNextEntry(true, skip)
		return i.valid
	}
	skip := append(i.savedKey[:0], i.iter.Key().UserKey...)
	i.iter.Next()
	i.findNextEntry(true, skip)
	return i.valid
}

// Prev moves the iterator to the previous key/value pair. Returns true if the
// iterator is pointing at a valid entry and false otherwise.
func (i *Iterator) Prev() bool {
	if i.err != nil || !i.valid {
		return false
	}
	if i.dir == iterDirForward {
		// The internal iterator is at the current entry. Scan backwards
		// until the key changes so we can use the normal reverse scanning
		// code.
		i.savedKey = append(i.savedKey[:0], i.iter.Key().UserKey...)
		for {
			if !i.iter.Prev() {
				i.valid = false
				i.err = i.iter.Error()
				i.savedKey = i.savedKey[:0]
				i.savedValue = i.savedValue[:0]
				return false
			}
			if i.cmp(i.iter.Key().UserKey, i.savedKey) < 0 {
				break
			}
		}
		i.dir = iterDirReverse
	}
	i.findPrevEntry()
	return i.valid
}

// Key returns the key of the current key/value pair, or nil if done. The
// caller should not modify the contents of the returned slice, and its
// contents may change on the next call to Next.
func (i *Iterator) Key() []byte {
	if !i.valid {
		return nil
	}
	if i.dir == iterDirReverse {
		return i.savedKey
	}
	return i.iter.Key().UserKey
}

// Value returns the value of the current key/value pair, or nil if done. The
// caller should not modify the contents of the returned slice, and its
// contents may change on the next call to Next.
func (i *Iterator) Value() []byte {
	if !i.valid {
		return nil
	}
	if i.dir == iterDirReverse {
		return i.savedValue
	}
	return i.iter.Value()
}

// Valid returns true if the iterator is positioned at a valid key/value pair
// and false otherwise.
func (i *Iterator) Valid() bool {
	return i.valid
}

// Error returns any accumulated error.
func (i *Iterator) Error() error {
	return i.err
}

// Close closes the iterator and returns any accumulated error. Exhausting
// all the key/value pairs in a table is not considered to be an error.
// It is not valid to call any method, including Close, after the iterator
// has been closed.
func (i *Iterator) Close() error {
	if i.iter == nil {
		return errors.New("levelkv: iterator already closed")
	}
	err := firstError(i.err, i.iter.Close())
	i.iter = nil
	i.valid = false
	if i.release != nil {
		i.release()
		i.release = nil
	}
	return err
}
