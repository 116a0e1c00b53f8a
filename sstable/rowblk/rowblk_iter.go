// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package rowblk

import (
	"encoding/binary"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
)

// Iter is an iterator over a single block of data. The key and value are only
// valid until the next positioning call.
//
// Iter works on the encoded form of keys: internal keys are compared with
// base.InternalCompareEncoded, except for iterators created with NewRawIter,
// which compare stored keys directly with the user comparison function.
type Iter struct {
	cmp base.Compare
	raw bool
	// data is the block, including the restart array.
	data []byte
	// restarts is the offset of the restart array within data.
	restarts int32
	// numRestarts is the number of restart points.
	numRestarts int32
	// offset is the offset of the current entry. offset is -1 when the
	// iterator is positioned before the first entry and restarts when it is
	// positioned after the last one.
	offset int32
	// nextOffset is the offset of the entry following the current one.
	nextOffset int32
	// key is the current key, reconstructed from the prefix-compressed entries.
	key []byte
	ikey base.InternalKey
	val  []byte
	// searchKey holds the encoded seek key.
	searchKey []byte
	valid     bool
	err       error
}

var _ base.InternalIterator = (*Iter)(nil)

// NewIter constructs a new row-oriented block iterator over a block whose keys
// are encoded internal keys.
func NewIter(cmp base.Compare, block []byte) (*Iter, error) {
	i := &Iter{}
	return i, i.Init(cmp, block)
}

// NewRawIter constructs an iterator over a block whose keys are plain byte
// strings, such as the metaindex block.
func NewRawIter(cmp base.Compare, block []byte) (*Iter, error) {
	i := &Iter{}
	if err := i.Init(cmp, block); err != nil {
		return i, err
	}
	i.raw = true
	return i, nil
}

// Init initializes the block iterator from the provided block.
func (i *Iter) Init(cmp base.Compare, block []byte) error {
	*i = Iter{
		cmp:       cmp,
		key:       i.key[:0],
		searchKey: i.searchKey[:0],
	}
	if len(block) < EmptySize {
		i.err = base.CorruptionErrorf("rowblk: block too short: %d bytes", errors.Safe(len(block)))
		return i.err
	}
	// Compute the restart array bounds in uint64 so that a bogus count
	// cannot wrap around.
	numRestarts := uint64(binary.LittleEndian.Uint32(block[len(block)-4:]))
	maxRestarts := uint64(len(block)-EmptySize) / 4
	if numRestarts > maxRestarts {
		i.err = base.CorruptionErrorf("rowblk: bad restart count %d for block of %d bytes",
			errors.Safe(numRestarts), errors.Safe(len(block)))
		return i.err
	}
	i.data = block
	i.numRestarts = int32(numRestarts)
	i.restarts = int32(len(block)) - 4*(1+i.numRestarts)
	i.offset = -1
	return nil
}

func (i *Iter) restartOffset(index int32) int32 {
	return int32(binary.LittleEndian.Uint32(i.data[i.restarts+4*index:]))
}

// corrupt invalidates the iterator and records a corruption error.
func (i *Iter) corrupt(format string, args ...interface{}) bool {
	i.err = base.CorruptionErrorf(format, args...)
	i.valid = false
	i.offset = i.restarts
	i.nextOffset = i.restarts
	i.ikey = base.InvalidInternalKey
	i.val = nil
	return false
}

// decodeVarint decodes a varint32 at data[offset:limit]. The one byte case is
// handled directly since it is by far the most common.
func decodeVarint(data []byte, offset, limit int32) (uint32, int32) {
	if offset < limit && data[offset] < 128 {
		return uint32(data[offset]), 1
	}
	if offset >= limit {
		return 0, 0
	}
	v, n := binary.Uvarint(data[offset:limit])
	if n <= 0 || v > 1<<32-1 {
		return 0, 0
	}
	return uint32(v), int32(n)
}

// readEntry decodes the entry at i.offset, appending to the shared prefix of
// the current key. It returns false and records a corruption error if the
// entry is malformed.
func (i *Iter) readEntry() bool {
	p := i.offset
	shared, n := decodeVarint(i.data, p, i.restarts)
	if n == 0 {
		return i.corrupt("rowblk: bad entry at offset %d", errors.Safe(i.offset))
	}
	p += n
	unshared, n := decodeVarint(i.data, p, i.restarts)
	if n == 0 {
		return i.corrupt("rowblk: bad entry at offset %d", errors.Safe(i.offset))
	}
	p += n
	valueLen, n := decodeVarint(i.data, p, i.restarts)
	if n == 0 {
		return i.corrupt("rowblk: bad entry at offset %d", errors.Safe(i.offset))
	}
	p += n
	if int(shared) > len(i.key) {
		return i.corrupt("rowblk: entry at offset %d shares %d bytes of a %d byte key",
			errors.Safe(i.offset), errors.Safe(shared), errors.Safe(len(i.key)))
	}
	if uint64(p)+uint64(unshared)+uint64(valueLen) > uint64(i.restarts) {
		return i.corrupt("rowblk: entry at offset %d overflows the block", errors.Safe(i.offset))
	}
	i.key = append(i.key[:shared], i.data[p:p+int32(unshared)]...)
	p += int32(unshared)
	i.val = i.data[p : p+int32(valueLen) : p+int32(valueLen)]
	i.nextOffset = p + int32(valueLen)
	if i.raw {
		i.ikey = base.InternalKey{UserKey: i.key, Trailer: base.MakeTrailer(0, base.InternalKeyKindSet)}
	} else {
		i.ikey = base.DecodeInternalKey(i.key)
	}
	i.valid = true
	return true
}

// seekRestart positions the iterator at the restart point with the given
// index and decodes its entry.
func (i *Iter) seekRestart(index int32) bool {
	i.key = i.key[:0]
	i.offset = i.restartOffset(index)
	if i.offset < 0 || i.offset >= i.restarts {
		return i.corrupt("rowblk: restart %d has bad offset %d", errors.Safe(index), errors.Safe(i.offset))
	}
	return i.readEntry()
}

func (i *Iter) compare(a, b []byte) int {
	if i.raw {
		return i.cmp(a, b)
	}
	return base.InternalCompareEncoded(i.cmp, a, b)
}

func (i *Iter) empty() bool {
	return i.numRestarts == 0 || i.restarts == 0
}

// SeekGE implements base.InternalIterator.SeekGE, as documented in the
// levelkv/internal/base package. For a raw iterator only the user key of key
// is used.
func (i *Iter) SeekGE(key base.InternalKey) bool {
	if i.raw {
		return i.seekGE(key.UserKey)
	}
	i.searchKey = key.AppendEncoded(i.searchKey[:0])
	return i.seekGE(i.searchKey)
}

// SeekGERaw positions the iterator at the first entry whose stored key is
// greater than or equal to key.
func (i *Iter) SeekGERaw(key []byte) bool {
	return i.seekGE(key)
}

func (i *Iter) seekGE(key []byte) bool {
	if i.err != nil {
		return false
	}
	if i.empty() {
		i.offset, i.valid = i.restarts, false
		return false
	}
	// Find the index of the smallest restart point whose key is > the key
	// sought; index will be numRestarts if there is no such restart point.
	// Restart keys are stored in full, so they can be compared without
	// decoding the preceding entries.
	var decodeErr bool
	index := sort.Search(int(i.numRestarts), func(j int) bool {
		if decodeErr {
			return true
		}
		offset := i.restartOffset(int32(j))
		if offset < 0 || offset >= i.restarts {
			decodeErr = true
			return true
		}
		// For a restart point, there are 0 bytes shared with the previous key.
		// The varint encoding of 0 occupies 1 byte.
		if i.data[offset] != 0 {
			decodeErr = true
			return true
		}
		p := offset + 1
		unshared, n := decodeVarint(i.data, p, i.restarts)
		if n == 0 {
			decodeErr = true
			return true
		}
		p += n
		_, n = decodeVarint(i.data, p, i.restarts)
		if n == 0 {
			decodeErr = true
			return true
		}
		p += n
		if uint64(p)+uint64(unshared) > uint64(i.restarts) {
			decodeErr = true
			return true
		}
		return i.compare(key, i.data[p:p+int32(unshared)]) < 0
	})
	if decodeErr {
		return i.corrupt("rowblk: malformed restart point")
	}

	// Since keys are strictly increasing, if index > 0 then the restart point
	// at index-1 will be the largest whose key is <= the key sought. If index
	// == 0, then all keys in this block are larger than the key sought, and
	// the first entry is the answer.
	if index > 0 {
		index--
	}
	if !i.seekRestart(int32(index)) {
		return false
	}
	for i.compare(i.key, key) < 0 {
		if !i.Next() {
			return false
		}
	}
	return true
}

// First implements base.InternalIterator.First, as documented in the
// levelkv/internal/base package.
func (i *Iter) First() bool {
	if i.err != nil {
		return false
	}
	if i.empty() {
		i.offset, i.valid = i.restarts, false
		return false
	}
	return i.seekRestart(0)
}

// Last implements base.InternalIterator.Last, as documented in the
// levelkv/internal/base package.
func (i *Iter) Last() bool {
	if i.err != nil {
		return false
	}
	if i.empty() {
		i.offset, i.valid = i.restarts, false
		return false
	}
	if !i.seekRestart(i.numRestarts - 1) {
		return false
	}
	for i.nextOffset < i.restarts {
		i.offset = i.nextOffset
		if !i.readEntry() {
			return false
		}
	}
	return true
}

// Next implements base.InternalIterator.Next, as documented in the
// levelkv/internal/base package.
func (i *Iter) Next() bool {
	if i.err != nil {
		return false
	}
	if i.offset < 0 {
		return i.First()
	}
	if !i.valid {
		return false
	}
	i.offset = i.nextOffset
	if i.offset >= i.restarts {
		i.offset = i.restarts
		i.valid = false
		i.ikey = base.InvalidInternalKey
		i.val = nil
		return false
	}
	return i.readEntry()
}

// Prev implements base.InternalIterator.Prev, as documented in the
// levelkv/internal/base package.
func (i *Iter) Prev() bool {
	if i.err != nil {
		return false
	}
	if i.offset >= i.restarts {
		return i.Last()
	}
	if !i.valid || i.offset <= 0 {
		i.offset, i.valid = -1, false
		i.ikey = base.InvalidInternalKey
		i.val = nil
		return false
	}
	target := i.offset
	// Find the last restart point strictly before the current entry, then
	// replay forward until reaching the entry before target.
	index := int32(sort.Search(int(i.numRestarts), func(j int) bool {
		return i.restartOffset(int32(j)) >= target
	})) - 1
	if index < 0 {
		return i.corrupt("rowblk: no restart point before offset %d", errors.Safe(target))
	}
	if !i.seekRestart(index) {
		return false
	}
	for i.nextOffset < target {
		i.offset = i.nextOffset
		if !i.readEntry() {
			return false
		}
	}
	return true
}

// Key implements base.InternalIterator.Key, as documented in the
// levelkv/internal/base package.
func (i *Iter) Key() base.InternalKey {
	if !i.valid {
		return base.InvalidInternalKey
	}
	return i.ikey
}

// KeyRaw returns the key at the iterator position as stored in the block.
func (i *Iter) KeyRaw() []byte {
	if !i.valid {
		return nil
	}
	return i.key
}

// Value implements base.InternalIterator.Value, as documented in the
// levelkv/internal/base package.
func (i *Iter) Value() []byte {
	if !i.valid {
		return nil
	}
	return i.val
}

// Valid implements base.InternalIterator.Valid, as documented in the
// levelkv/internal/base package.
func (i *Iter) Valid() bool {
	return i.valid
}

// Error implements base.InternalIterator.Error, as documented in the
// levelkv/internal/base package.
func (i *Iter) Error() error {
	return i.err
}

// Close implements base.InternalIterator.Close, as documented in the
// levelkv/internal/base package.
func (i *Iter) Close() error {
	i.data = nil
	i.valid = false
	return i.err
}

func (i *Iter) String() string {
	return "block"
}
