// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package rowblk defines facilities for row-oriented table blocks: a sorted
// run of prefix-compressed key/value entries followed by an array of restart
// points.
//
// Each entry is encoded as:
//
//	shared key length   varint32
//	unshared key length varint32
//	value length        varint32
//	unshared key bytes
//	value bytes
//
// Every RestartInterval entries the key is stored in full (shared length
// zero) and the offset of that entry is recorded as a restart point. The
// block ends with the restart offsets (fixed32 each) and their count
// (fixed32).
package rowblk

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/internal/invariants"
)

const (
	// MaximumRestartOffset bounds the offset of an entry, which restart
	// points store as a uint32 with the top bit clear.
	MaximumRestartOffset = 1 << 31
	// EmptySize is the size of a block with no entries and no restart
	// points: just the restart count.
	EmptySize = 4
	// DefaultRestartInterval is the RestartInterval used when none is set.
	DefaultRestartInterval = 16
)

// ErrBlockTooBig is returned when an entry would start past
// MaximumRestartOffset.
var ErrBlockTooBig = errors.New("rowblk: block size exceeds maximum size")

// Writer encodes sorted entries into a block. The zero value is ready to use.
type Writer struct {
	// RestartInterval is the number of entries per restart point.
	RestartInterval int
	// Compare, when set, checks in invariants builds that keys are added in
	// increasing order: by base.InternalCompare for Add, and by Compare itself
	// for AddRaw.
	Compare base.Compare

	buf      []byte
	restarts []uint32
	entries  int
	raw      bool
	// key and prevKey are the encoded keys of the last two entries. value
	// aliases the last value in buf.
	key, prevKey []byte
	value        []byte
}

// Reset empties the writer and keeps its buffers and settings.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.restarts = w.restarts[:0]
	w.entries = 0
	w.raw = false
	w.key, w.prevKey, w.value = w.key[:0], w.prevKey[:0], nil
}

// EntryCount returns the number of entries added since the last Finish.
func (w *Writer) EntryCount() int { return w.entries }

// CurKey returns the internal key of the last entry added with Add.
func (w *Writer) CurKey() base.InternalKey { return base.DecodeInternalKey(w.key) }

// CurRawKey returns the last key as stored in the block.
func (w *Writer) CurRawKey() []byte { return w.key }

// CurValue returns the last value added.
func (w *Writer) CurValue() []byte { return w.value }

// Add appends an entry keyed by an internal key. Keys must strictly increase.
func (w *Writer) Add(key base.InternalKey, value []byte) error {
	w.key, w.prevKey = key.AppendEncoded(w.prevKey[:0]), w.key
	return w.appendEntry(value)
}

// AddRaw appends an entry keyed by key as given, for blocks of plain byte
// keys such as the metaindex.
func (w *Writer) AddRaw(key, value []byte) error {
	w.key, w.prevKey = append(w.prevKey[:0], key...), w.key
	w.raw = true
	return w.appendEntry(value)
}

// appendEntry encodes w.key and value after the previous entry.
func (w *Writer) appendEntry(value []byte) error {
	if len(w.buf) >= MaximumRestartOffset {
		return errors.WithDetailf(ErrBlockTooBig, "block is %d bytes long", len(w.buf))
	}
	if w.RestartInterval <= 0 {
		w.RestartInterval = DefaultRestartInterval
	}
	if invariants.Enabled && w.Compare != nil && w.entries > 0 {
		c := w.Compare(w.prevKey, w.key)
		if !w.raw {
			c = base.InternalCompareEncoded(w.Compare, w.prevKey, w.key)
		}
		if c >= 0 {
			panic(errors.AssertionFailedf("rowblk: keys added out of order: %q >= %q", w.prevKey, w.key))
		}
	}
	shared := 0
	if w.entries%w.RestartInterval == 0 {
		w.restarts = append(w.restarts, uint32(len(w.buf)))
	} else {
		shared = base.SharedPrefixLen(w.key, w.prevKey)
	}
	w.buf = binary.AppendUvarint(w.buf, uint64(shared))
	w.buf = binary.AppendUvarint(w.buf, uint64(len(w.key)-shared))
	w.buf = binary.AppendUvarint(w.buf, uint64(len(value)))
	w.buf = append(w.buf, w.key[shared:]...)
	start := len(w.buf)
	w.buf = append(w.buf, value...)
	w.value = w.buf[start:]
	w.entries++
	return nil
}

// Finish appends the restart array and returns the block, then resets the
// writer. The block is valid until the writer is next used.
func (w *Writer) Finish() []byte {
	if len(w.restarts) == 0 {
		// An empty block still has one restart point.
		w.restarts = append(w.restarts, 0)
	}
	for _, off := range w.restarts {
		w.buf = binary.LittleEndian.AppendUint32(w.buf, off)
	}
	block := binary.LittleEndian.AppendUint32(w.buf, uint32(len(w.restarts)))
	w.buf = block
	w.Reset()
	return block
}

// EstimatedSize returns the size the block would have if finished now.
func (w *Writer) EstimatedSize() int {
	return len(w.buf) + 4*len(w.restarts) + EmptySize
}
