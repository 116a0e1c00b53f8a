// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package record

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/levelkv/internal/crc"
)

// Writer writes records to a log. Data is buffered a block at a time: a full
// block is written as soon as it fills, and Flush writes whatever is buffered.
type Writer struct {
	dst     io.Writer
	flusher interface{ Flush() error }

	// block holds block number blockNum of the log. block[:written] has been
	// written to dst. The chunk being filled has its header at chunkStart,
	// and block[:end] is in use.
	block      [BlockSize]byte
	blockNum   int64
	written    int
	chunkStart int
	end        int

	// open is whether a record's last chunk is still being filled, and
	// continued is whether that chunk follows an earlier one of the record.
	open      bool
	continued bool

	// gen identifies the record most recently started by Next. Writers of
	// earlier records fail.
	gen int
	err error
}

// NewWriter returns a Writer of a log to dst. If dst has a Flush method, Flush
// calls it after writing the buffered data.
func NewWriter(dst io.Writer) *Writer {
	w := &Writer{dst: dst}
	w.flusher, _ = dst.(interface{ Flush() error })
	return w
}

// Next finishes the current record and returns a writer for a new one. The
// returned writer becomes stale at the next call to Next, Flush or Close.
func (w *Writer) Next() (io.Writer, error) {
	w.gen++
	if w.err != nil {
		return nil, w.err
	}
	if w.open {
		w.sealChunk(true)
		w.open = false
	}
	if BlockSize-w.end < HeaderSize {
		// No room for a header. Pad the block with zeroes.
		clear(w.block[w.end:])
		if w.emitBlock(); w.err != nil {
			return nil, w.err
		}
	}
	w.chunkStart = w.end
	w.end += HeaderSize
	w.open, w.continued = true, false
	return recordWriter{w: w, gen: w.gen}, nil
}

// WriteRecord writes p as a complete record and returns the log offset just
// past its end.
func (w *Writer) WriteRecord(p []byte) (int64, error) {
	rw, err := w.Next()
	if err != nil {
		return -1, err
	}
	if _, err := rw.Write(p); err != nil {
		return -1, err
	}
	w.writeBuffered()
	return w.Size(), w.err
}

// Flush finishes the current record and writes the buffered data.
func (w *Writer) Flush() error {
	w.gen++
	if w.writeBuffered(); w.err != nil {
		return w.err
	}
	if w.flusher != nil {
		w.err = w.flusher.Flush()
	}
	return w.err
}

// Close finishes the current record and writes the buffered data. The Writer
// cannot be used afterwards. Close does not close the underlying writer.
func (w *Writer) Close() error {
	w.gen++
	if w.writeBuffered(); w.err != nil {
		return w.err
	}
	w.err = errClosedWriter
	return nil
}

// Size returns the length of the log written so far, including buffered
// data. A nil Writer has size zero.
func (w *Writer) Size() int64 {
	if w == nil {
		return 0
	}
	return w.blockNum*BlockSize + int64(w.end)
}

// sealChunk fills in the header of the chunk being filled.
func (w *Writer) sealChunk(last bool) {
	typ := fullChunk
	switch {
	case w.continued && last:
		typ = lastChunk
	case w.continued:
		typ = middleChunk
	case !last:
		typ = firstChunk
	}
	h := w.block[w.chunkStart : w.chunkStart+HeaderSize]
	h[6] = typ
	binary.LittleEndian.PutUint16(h[4:6], uint16(w.end-w.chunkStart-HeaderSize))
	binary.LittleEndian.PutUint32(h[0:4], crc.New(w.block[w.chunkStart+6:w.end]).Value())
}

// emitBlock writes the unwritten rest of the block and starts the next one.
func (w *Writer) emitBlock() {
	_, w.err = w.dst.Write(w.block[w.written:])
	w.blockNum++
	w.written, w.chunkStart, w.end = 0, 0, 0
}

// writeBuffered finishes the open record and writes the buffered part of the
// block.
func (w *Writer) writeBuffered() {
	if w.err != nil {
		return
	}
	if w.open {
		w.sealChunk(true)
		w.open = false
	}
	_, w.err = w.dst.Write(w.block[w.written:w.end])
	w.written = w.end
}

// recordWriter writes the record started by one call to Writer.Next.
type recordWriter struct {
	w   *Writer
	gen int
}

func (rw recordWriter) Write(p []byte) (int, error) {
	w := rw.w
	if rw.gen != w.gen {
		return 0, errStaleWriter
	}
	if w.err != nil {
		return 0, w.err
	}
	n := len(p)
	for len(p) > 0 {
		if w.end == BlockSize {
			// The block is full. The record continues in a new chunk.
			w.sealChunk(false)
			if w.emitBlock(); w.err != nil {
				return 0, w.err
			}
			w.end = HeaderSize
			w.continued = true
		}
		c := copy(w.block[w.end:], p)
		w.end += c
		p = p[c:]
	}
	return n, nil
}
