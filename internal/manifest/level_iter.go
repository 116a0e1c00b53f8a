// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"encoding/binary"

	"github.com/cockroachdb/levelkv/internal/base"
)

// LevelIterValueLen is the length of a LevelIter value: the file number and
// size as little-endian fixed64s.
const LevelIterValueLen = 16

// DecodeLevelIterValue decodes a value returned by LevelIter.
func DecodeLevelIterValue(v []byte) (base.FileNum, uint64, error) {
	if len(v) != LevelIterValueLen {
		return 0, 0, base.CorruptionErrorf("levelkv: bad level iterator value of length %d", len(v))
	}
	return base.FileNum(binary.LittleEndian.Uint64(v)), binary.LittleEndian.Uint64(v[8:]), nil
}

// LevelIter iterates over the files of a sorted, non-overlapping level. The
// key of each entry is the file's largest key and the value locates the
// file, so that the iterator can serve as the index of a two-level iterator
// over the level's contents.
type LevelIter struct {
	cmp   base.Compare
	files []*FileMetadata
	index int
	value [LevelIterValueLen]byte
}

var _ base.InternalIterator = (*LevelIter)(nil)

// NewLevelIter returns an iterator over files, which must be sorted and
// non-overlapping.
func NewLevelIter(cmp base.Compare, files []*FileMetadata) *LevelIter {
	return &LevelIter{cmp: cmp, files: files, index: len(files)}
}

func (l *LevelIter) valid() bool {
	if l.index < 0 || l.index >= len(l.files) {
		return false
	}
	f := l.files[l.index]
	binary.LittleEndian.PutUint64(l.value[:], uint64(f.FileNum))
	binary.LittleEndian.PutUint64(l.value[8:], f.Size)
	return true
}

// SeekGE implements base.InternalIterator.
func (l *LevelIter) SeekGE(key base.InternalKey) bool {
	l.index = FindFile(l.cmp, l.files, key)
	return l.valid()
}

// First implements base.InternalIterator.
func (l *LevelIter) First() bool {
	l.index = 0
	return l.valid()
}

// Last implements base.InternalIterator.
func (l *LevelIter) Last() bool {
	l.index = len(l.files) - 1
	return l.valid()
}

// Next implements base.InternalIterator.
func (l *LevelIter) Next() bool {
	if l.index < len(l.files) {
		l.index++
	}
	return l.valid()
}

// Prev implements base.InternalIterator.
func (l *LevelIter) Prev() bool {
	if l.index >= 0 {
		l.index--
	}
	return l.valid()
}

// Key implements base.InternalIterator.
func (l *LevelIter) Key() base.InternalKey {
	if l.index < 0 || l.index >= len(l.files) {
		return base.InvalidInternalKey
	}
	return l.files[l.index].Largest
}

// Value implements base.InternalIterator.
func (l *LevelIter) Value() []byte {
	if l.index < 0 || l.index >= len(l.files) {
		return nil
	}
	return l.value[:]
}

// Current returns the file at the iterator position, or nil.
func (l *LevelIter) Current() *FileMetadata {
	if l.index < 0 || l.index >= len(l.files) {
		return nil
	}
	return l.files[l.index]
}

// Valid implements base.InternalIterator.
func (l *LevelIter) Valid() bool {
	return l.index >= 0 && l.index < len(l.files)
}

// Error implements base.InternalIterator.
func (l *LevelIter) Error() error { return nil }

// Close implements base.InternalIterator.
func (l *LevelIter) Close() error { return nil }

func (l *LevelIter) String() string { return "level" }
