// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/redact"
)

// FileMetadata holds the metadata for an on-disk table. A FileMetadata is
// shared by pointer between all the versions that contain the table.
type FileMetadata struct {
	// refs is the number of versions referencing the file. The file is
	// obsolete when the count falls to zero.
	refs atomic.Int32
	// AllowedSeeks is the number of lookups that may consult this file
	// without finding the key before the file is compacted. It is
	// initialized when the file is added to a version.
	AllowedSeeks atomic.Int64

	// FileNum is the file number.
	FileNum base.FileNum
	// Size is the size of the file, in bytes.
	Size uint64
	// Smallest and Largest are the inclusive bounds for the internal keys
	// stored in the table.
	Smallest base.InternalKey
	Largest  base.InternalKey
}

// Ref increments the reference count.
func (m *FileMetadata) Ref() {
	m.refs.Add(1)
}

// Unref decrements the reference count and returns the new count.
func (m *FileMetadata) Unref() int32 {
	v := m.refs.Add(-1)
	if v < 0 {
		panic(fmt.Sprintf("levelkv: file %s has negative refs %d", m.FileNum, v))
	}
	return v
}

// Refs returns the current reference count.
func (m *FileMetadata) Refs() int32 {
	return m.refs.Load()
}

// String implements fmt.Stringer.
func (m *FileMetadata) String() string {
	return redact.StringWithoutMarkers(m)
}

// SafeFormat implements redact.SafeFormatter.
func (m *FileMetadata) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s:[%s-%s]", m.FileNum, m.Smallest, m.Largest)
}

// ContainsUserKey returns whether the file's bounds contain the user key.
func (m *FileMetadata) ContainsUserKey(cmp base.Compare, ukey []byte) bool {
	return cmp(m.Smallest.UserKey, ukey) <= 0 && cmp(ukey, m.Largest.UserKey) <= 0
}

// TotalSize returns the total size of all the files in f.
func TotalSize(f []*FileMetadata) (size uint64) {
	for _, x := range f {
		size += x.Size
	}
	return size
}

// KeyRange returns the minimum smallest and maximum largest internal key for
// all the files in f0 and f1.
func KeyRange(cmp base.Compare, f0, f1 []*FileMetadata) (smallest, largest base.InternalKey) {
	first := true
	for _, f := range [2][]*FileMetadata{f0, f1} {
		for _, meta := range f {
			if first {
				first = false
				smallest, largest = meta.Smallest, meta.Largest
				continue
			}
			if base.InternalCompare(cmp, meta.Smallest, smallest) < 0 {
				smallest = meta.Smallest
			}
			if base.InternalCompare(cmp, meta.Largest, largest) > 0 {
				largest = meta.Largest
			}
		}
	}
	return smallest, largest
}

// bySmallest orders files by smallest internal key, breaking ties by file
// number.
func bySmallest(cmp base.Compare) func(a, b *FileMetadata) int {
	return func(a, b *FileMetadata) int {
		if c := base.InternalCompare(cmp, a.Smallest, b.Smallest); c != 0 {
			return c
		}
		switch {
		case a.FileNum < b.FileNum:
			return -1
		case a.FileNum > b.FileNum:
			return 1
		}
		return 0
	}
}
