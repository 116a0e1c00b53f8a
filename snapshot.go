// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"math"
	"slices"
)

// Snapshot is a read-only view of the DB as of one sequence number. While it
// is open, compactions keep the newest entry of each key below that sequence
// number.
type Snapshot struct {
	db     *DB
	seqNum SeqNum

	// list is the list holding the snapshot while it is open.
	list *snapshotList
}

// Get gets the value for the given key as of the snapshot. It returns
// ErrNotFound if the key is absent or was deleted at the snapshot.
//
// The caller may modify the returned slice.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	if s.db == nil {
		panic(ErrClosed)
	}
	return s.db.getInternal(key, s)
}

// NewIter returns an iterator over the DB as of the snapshot. The iterator
// is unpositioned (Iterator.Valid() will return false) until it is
// positioned by First, Last, SeekGE or SeekLT.
func (s *Snapshot) NewIter(o *IterOptions) (*Iterator, error) {
	if s.db == nil {
		panic(ErrClosed)
	}
	return s.db.newIter(s, o)
}

// Close releases the snapshot. Until it is closed, compactions retain the
// entries it can read. The caller must not hold d.mu.
func (s *Snapshot) Close() error {
	db := s.db
	if db == nil {
		panic(ErrClosed)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.mu.snapshots.remove(s)
	s.db = nil
	return nil
}

// snapshotList holds the open snapshots in the order they were taken, which
// is also sequence number order. The zero value is an empty list.
type snapshotList struct {
	snapshots []*Snapshot
}

func (l *snapshotList) empty() bool { return len(l.snapshots) == 0 }

func (l *snapshotList) count() int { return len(l.snapshots) }

// earliest returns the sequence number of the oldest snapshot, or the
// largest sequence number if there is none.
func (l *snapshotList) earliest() SeqNum {
	if l.empty() {
		return SeqNum(math.MaxUint64)
	}
	return l.snapshots[0].seqNum
}

func (l *snapshotList) toSlice() []SeqNum {
	var seqNums []SeqNum
	for _, s := range l.snapshots {
		seqNums = append(seqNums, s.seqNum)
	}
	return seqNums
}

func (l *snapshotList) pushBack(s *Snapshot) {
	if s.list != nil {
		panic("levelkv: snapshot list is inconsistent")
	}
	l.snapshots = append(l.snapshots, s)
	s.list = l
}

func (l *snapshotList) remove(s *Snapshot) {
	i := slices.Index(l.snapshots, s)
	if s.list != l || i < 0 {
		panic("levelkv: snapshot list is inconsistent")
	}
	l.snapshots = slices.Delete(l.snapshots, i, i+1)
	s.list = nil
}
