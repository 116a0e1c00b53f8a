// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/sstable/block"
	"github.com/cockroachdb/levelkv/sstable/rowblk"
)

// ErrWriterClosed is returned by Writer operations after the writer has been
// finished or abandoned.
var ErrWriterClosed = errors.New("levelkv/table: writer is closed")

// Writable is the file a table is written to. vfs.File implements it.
type Writable interface {
	io.Writer
	io.Closer
	Sync() error
}

// WriterMetadata holds info about a finished table.
type WriterMetadata struct {
	// Size is the size of the table file in bytes.
	Size uint64
	// Smallest and Largest are the bounds of the table's keys. They are only
	// meaningful if NumEntries > 0.
	Smallest base.InternalKey
	Largest  base.InternalKey
	// NumEntries is the number of entries in the table, including deletions.
	NumEntries   uint64
	NumDeletions uint64
}

type writerState int8

const (
	writerOpen writerState = iota
	writerFinished
	writerAbandoned
)

// Writer is a table writer. A Writer may only be finished or abandoned once;
// all calls after that return ErrWriterClosed.
type Writer struct {
	writable Writable
	opts     WriterOptions
	compare  base.Compare
	state    writerState
	// err is the first error encountered. It poisons the writer: all
	// subsequent operations return it.
	err  error
	meta WriterMetadata

	// offset is the offset in the file at which the next block is written.
	offset     uint64
	dataBlock  rowblk.Writer
	indexBlock rowblk.Writer
	filter     *filterWriter

	// The handle of the last flushed data block. Its index entry is added
	// once the first key of the next block is known, so that the entry can be
	// keyed by a short separator.
	pendingBH    block.Handle
	pendingIndex bool

	lastKey       base.InternalKey
	lastKeyBuf    []byte
	sepBuf        []byte
	compressedBuf []byte
	handleBuf     []byte
}

// NewWriter returns a new table writer for the file. Closing the writer will
// close the file.
func NewWriter(w Writable, o WriterOptions) *Writer {
	o = o.ensureDefaults()
	tw := &Writer{
		writable: w,
		opts:     o,
		compare:  o.Comparer.Compare,
	}
	tw.dataBlock = rowblk.Writer{RestartInterval: o.BlockRestartInterval}
	tw.indexBlock = rowblk.Writer{RestartInterval: 1}
	if o.FilterPolicy != nil {
		tw.filter = newFilterWriter(o.FilterPolicy)
	}
	return tw
}

// Set sets the value for the given key. The sequence number is set to 0.
// Intended for use to externally construct a table for ingestion
// or for tests.
func (w *Writer) Set(key, value []byte) error {
	return w.Add(base.MakeInternalKey(key, 0, base.InternalKeyKindSet), value)
}

// Delete deletes the value for the given key. The sequence number is set to
// 0. Intended for use to externally construct a table for ingestion
// or for tests.
func (w *Writer) Delete(key []byte) error {
	return w.Add(base.MakeInternalKey(key, 0, base.InternalKeyKindDelete), nil)
}

// Add adds a key/value pair to the table being written. Keys must be added in
// strictly increasing internal key order.
func (w *Writer) Add(key base.InternalKey, value []byte) error {
	if w.state != writerOpen {
		return ErrWriterClosed
	}
	if w.err != nil {
		return w.err
	}
	if w.meta.NumEntries > 0 && base.InternalCompare(w.compare, w.lastKey, key) >= 0 {
		w.err = errors.AssertionFailedf("levelkv/table: keys must be added in strictly increasing order: %s, %s",
			w.lastKey.Pretty(w.opts.Comparer.FormatKey), key.Pretty(w.opts.Comparer.FormatKey))
		return w.err
	}

	if w.pendingIndex {
		sep := w.lastKey.Separator(w.compare, w.opts.Comparer.Separator, w.sepBuf[:0], key)
		if sep.SeqNum() == base.SeqNumMax {
			// The separator was built in sepBuf rather than aliasing lastKey.
			w.sepBuf = sep.UserKey[:0]
		}
		if err := w.addIndexEntry(sep); err != nil {
			return err
		}
	}
	if w.filter != nil {
		w.filter.addKey(key.UserKey)
	}
	if err := w.dataBlock.Add(key, value); err != nil {
		w.err = err
		return err
	}

	w.lastKeyBuf = append(w.lastKeyBuf[:0], key.UserKey...)
	w.lastKey = base.InternalKey{UserKey: w.lastKeyBuf, Trailer: key.Trailer}
	if w.meta.NumEntries == 0 {
		w.meta.Smallest = key.Clone()
	}
	w.meta.NumEntries++
	if key.Kind() == base.InternalKeyKindDelete {
		w.meta.NumDeletions++
	}

	if w.dataBlock.EstimatedSize() >= w.opts.BlockSize {
		w.flush()
	}
	return w.err
}

func (w *Writer) addIndexEntry(sep base.InternalKey) error {
	w.handleBuf = w.pendingBH.AppendVarints(w.handleBuf[:0])
	if err := w.indexBlock.Add(sep, w.handleBuf); err != nil {
		w.err = err
		return err
	}
	w.pendingIndex = false
	return nil
}

// flush writes the current data block, if it holds any entries.
func (w *Writer) flush() {
	if w.err != nil || w.dataBlock.EntryCount() == 0 {
		return
	}
	w.pendingBH, w.err = w.writeBlock(w.dataBlock.Finish(), w.opts.Compression)
	if w.err != nil {
		return
	}
	w.pendingIndex = true
	if w.filter != nil {
		w.filter.startBlock(w.offset)
	}
}

// writeBlock compresses and writes a block, returning its handle.
func (w *Writer) writeBlock(b []byte, compression Compression) (block.Handle, error) {
	indicator, data := block.Compress(compression, w.compressedBuf, b)
	if indicator != block.NoCompressionIndicator {
		w.compressedBuf = data[:0]
	}
	return w.writeRawBlock(data, indicator)
}

func (w *Writer) writeRawBlock(data []byte, indicator block.CompressionIndicator) (block.Handle, error) {
	trailer := block.MakeTrailer(indicator, block.Checksum(data, indicator))
	bh := block.Handle{Offset: w.offset, Length: uint64(len(data))}
	if _, err := w.writable.Write(data); err != nil {
		return block.Handle{}, errors.WithStack(err)
	}
	if _, err := w.writable.Write(trailer[:]); err != nil {
		return block.Handle{}, errors.WithStack(err)
	}
	w.offset += uint64(len(data)) + block.TrailerLen
	return bh, nil
}

// EstimatedSize returns the estimated size of the table being written if
// Finish were called now: the bytes flushed so far plus the buffered data
// block.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.dataBlock.EstimatedSize())
}

// FileSize returns the number of bytes written to the file so far.
func (w *Writer) FileSize() uint64 {
	return w.offset
}

// NumEntries returns the number of entries added so far.
func (w *Writer) NumEntries() uint64 {
	return w.meta.NumEntries
}

// Finish writes the remaining data block, the filter, metaindex and index
// blocks and the footer, then syncs and closes the file. The writer is closed
// whether or not Finish succeeds.
func (w *Writer) Finish() (err error) {
	if w.state != writerOpen {
		return ErrWriterClosed
	}
	w.state = writerFinished
	defer func() {
		if closeErr := w.writable.Close(); err == nil && closeErr != nil {
			err = errors.WithStack(closeErr)
			w.err = err
		}
	}()

	w.flush()
	if w.err != nil {
		return w.err
	}

	var filterBH block.Handle
	if w.filter != nil {
		if filterBH, w.err = w.writeRawBlock(w.filter.finish(), block.NoCompressionIndicator); w.err != nil {
			return w.err
		}
	}

	metaindex := rowblk.Writer{RestartInterval: w.opts.BlockRestartInterval}
	if w.filter != nil {
		if w.err = metaindex.AddRaw([]byte(w.filter.metaName()), filterBH.AppendVarints(nil)); w.err != nil {
			return w.err
		}
	}
	var f footer
	if f.metaindexBH, w.err = w.writeBlock(metaindex.Finish(), w.opts.Compression); w.err != nil {
		return w.err
	}

	if w.pendingIndex {
		succ := w.lastKey.Successor(w.compare, w.opts.Comparer.Successor, w.sepBuf[:0])
		if err := w.addIndexEntry(succ); err != nil {
			return err
		}
	}
	if f.indexBH, w.err = w.writeBlock(w.indexBlock.Finish(), w.opts.Compression); w.err != nil {
		return w.err
	}

	var buf [footerLen]byte
	if _, err := w.writable.Write(f.encode(buf[:])); err != nil {
		w.err = errors.WithStack(err)
		return w.err
	}
	w.offset += footerLen
	if err := w.writable.Sync(); err != nil {
		w.err = errors.WithStack(err)
		return w.err
	}

	w.meta.Size = w.offset
	if w.meta.NumEntries > 0 {
		w.meta.Largest = w.lastKey.Clone()
	}
	return nil
}

// Abandon closes the file without finishing the table. The caller is
// responsible for removing the file.
func (w *Writer) Abandon() {
	if w.state != writerOpen {
		return
	}
	w.state = writerAbandoned
	_ = w.writable.Close()
}

// Metadata returns the metadata for the finished table. It is only valid to
// call Metadata once Finish has returned successfully.
func (w *Writer) Metadata() (*WriterMetadata, error) {
	if w.state != writerFinished || w.err != nil {
		return nil, errors.AssertionFailedf("levelkv/table: writer is not finished")
	}
	return &w.meta, nil
}
