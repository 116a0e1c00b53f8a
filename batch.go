// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/batchrepr"
	"github.com/cockroachdb/levelkv/internal/base"
)

const invalidBatchCount = 1<<32 - 1

// ErrInvalidBatch indicates that a batch is invalid or otherwise corrupted.
var ErrInvalidBatch = batchrepr.ErrInvalidBatch

// Batch is a sequence of Sets and/or Deletes that are applied atomically.
//
// The zero value is an empty batch.
type Batch struct {
	// data is the wire format of a batch's log entry:
	//   - 8 bytes for a sequence number of the first batch element,
	//     or zeroes if the batch has not yet been applied,
	//   - 4 bytes for the count: the number of elements in the batch,
	//     or "\xff\xff\xff\xff" if the batch is invalid,
	//   - count elements, being:
	//     - one byte for the kind: delete (0) or set (1),
	//     - the varint-string user key,
	//     - the varint-string value (if kind == set).
	// The sequence number and count are stored in little-endian order.
	data []byte
}

// Set adds an action to the batch that sets the key to map to the value.
func (b *Batch) Set(key, value []byte) {
	b.add(base.InternalKeyKindSet, key, value)
}

// Delete adds an action to the batch that deletes the entry for key.
func (b *Batch) Delete(key []byte) {
	b.add(base.InternalKeyKindDelete, key, nil)
}

func (b *Batch) add(kind base.InternalKeyKind, key, value []byte) {
	if len(b.data) == 0 {
		b.init(batchrepr.HeaderLen + 2*len(key) + len(value))
	}
	if b.increment() {
		b.data = batchrepr.AppendEntry(b.data, kind, key, value)
	}
}

func (b *Batch) init(cap int) {
	n := 256
	for n < cap {
		n *= 2
	}
	b.data = make([]byte, batchrepr.HeaderLen, n)
}

// Append adds the entries of other to b. The header of other is ignored.
func (b *Batch) Append(other *Batch) {
	if other.Empty() {
		return
	}
	if len(b.data) == 0 {
		b.init(len(other.data))
	}
	count := uint64(b.Count()) + uint64(other.Count())
	if count >= invalidBatchCount {
		batchrepr.SetCount(b.data, invalidBatchCount)
		return
	}
	batchrepr.SetCount(b.data, uint32(count))
	b.data = append(b.data, other.data[batchrepr.HeaderLen:]...)
}

// Count returns the number of entries in the batch.
func (b *Batch) Count() uint32 {
	h, _ := batchrepr.ReadHeader(b.data)
	return h.Count
}

// Empty returns true if the batch holds no entries.
func (b *Batch) Empty() bool {
	return batchrepr.IsEmpty(b.data)
}

// Len returns the size of the batch representation in bytes.
func (b *Batch) Len() int {
	if len(b.data) == 0 {
		return batchrepr.HeaderLen
	}
	return len(b.data)
}

// Repr returns the underlying batch representation. It is not a copy: the
// slice is only valid until the next modification of the batch.
func (b *Batch) Repr() []byte {
	if len(b.data) == 0 {
		b.init(batchrepr.HeaderLen)
	}
	return b.data
}

// SetRepr sets the underlying batch representation. The batch takes
// ownership of data.
func (b *Batch) SetRepr(data []byte) error {
	if len(data) < batchrepr.HeaderLen {
		return errors.Wrapf(ErrInvalidBatch, "batch repr too small: %d < %d",
			errors.Safe(len(data)), errors.Safe(batchrepr.HeaderLen))
	}
	b.data = data
	return nil
}

// Reset clears the batch so that it can be reused.
func (b *Batch) Reset() {
	if b.data != nil {
		b.data = b.data[:batchrepr.HeaderLen]
		clear(b.data)
	}
}

// seqNum returns the sequence number stored in the batch header.
func (b *Batch) seqNum() base.SeqNum {
	if len(b.data) == 0 {
		return 0
	}
	return batchrepr.ReadSeqNum(b.data)
}

func (b *Batch) setSeqNum(seqNum base.SeqNum) {
	batchrepr.SetSeqNum(b.Repr(), seqNum)
}

// increment increments the batch count, returning false if the count had
// already reached the invalid marker and nothing more may be added.
func (b *Batch) increment() (ok bool) {
	h, _ := batchrepr.ReadHeader(b.data)
	if h.Count == invalidBatchCount {
		return false
	}
	batchrepr.SetCount(b.data, h.Count+1)
	return h.Count+1 != invalidBatchCount
}

// reader returns a reader over the batch entries.
func (b *Batch) reader() batchrepr.Reader {
	return batchrepr.Read(b.data)
}

// validate checks that the entries of the batch decode and that their number
// matches the header count.
func (b *Batch) validate() error {
	h, ok := batchrepr.ReadHeader(b.data)
	if !ok {
		return nil
	}
	if h.Count == invalidBatchCount {
		return errors.Wrap(ErrInvalidBatch, "batch count overflow")
	}
	r := b.reader()
	var n uint32
	for {
		_, _, _, ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		n++
	}
	if n != h.Count {
		return errors.Wrapf(ErrInvalidBatch, "batch holds %d entries, header says %d",
			errors.Safe(n), errors.Safe(h.Count))
	}
	return nil
}
