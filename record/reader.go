// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package record

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/levelkv/internal/crc"
)

// Reader reads the records of a log.
type Reader struct {
	src io.Reader

	// block[:blockLen] holds the block at offset blockOff of the log, and pos
	// is the offset in block of the next chunk header. blockOff is -1 until
	// the first block is read.
	block    [BlockSize]byte
	blockLen int
	blockOff int64
	pos      int

	// payload is the unread part of the current chunk, and final is whether
	// that chunk ends its record.
	payload []byte
	final   bool

	// gen identifies the record most recently returned by Next. Readers of
	// earlier records fail.
	gen int
	// resync is set by Recover. Damaged chunks are then skipped a block at a
	// time instead of being reported.
	resync bool
	err    error
}

// NewReader returns a Reader of the log in src.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src, blockOff: -1}
}

// Next returns a reader of the next record, or io.EOF after the last one. The
// unread part of the previous record is skipped, and its reader becomes
// stale.
func (r *Reader) Next() (io.Reader, error) {
	r.gen++
	if r.err != nil {
		return nil, r.err
	}
	if r.err = r.readChunk(true); r.err != nil {
		return nil, r.err
	}
	return recordReader{r: r, gen: r.gen}, nil
}

// Offset returns the offset in the log just past the last chunk read. Called
// before Next, it is the offset at which the next record starts, unless that
// record is preceded by block padding.
func (r *Reader) Offset() int64 {
	if r.blockOff < 0 {
		return 0
	}
	return r.blockOff + int64(r.pos)
}

// Recover clears the error returned by Next or a record reader, and skips the
// rest of the current block. The following Next returns the first intact
// record that starts after it, or io.EOF. The current record's reader becomes
// stale.
func (r *Reader) Recover() {
	if r.blockLen == 0 {
		return
	}
	r.err = nil
	r.resync = true
	r.pos = r.blockLen
	r.payload, r.final = nil, false
	r.gen++
}

// readBlock loads the next block of the log. It returns io.EOF at the end of
// the log.
func (r *Reader) readBlock() error {
	if r.blockOff >= 0 && r.blockLen < BlockSize {
		// The last block already was short.
		return io.EOF
	}
	n, err := io.ReadFull(r.src, r.block[:])
	switch err {
	case nil, io.ErrUnexpectedEOF:
	default:
		return err
	}
	if r.blockOff < 0 {
		r.blockOff = 0
	} else {
		r.blockOff += BlockSize
	}
	r.blockLen, r.pos = n, 0
	return nil
}

// readChunk makes the next chunk's payload current. With wantFirst, chunks
// are skipped until one that starts a record.
func (r *Reader) readChunk(wantFirst bool) error {
	for {
		if r.blockLen-r.pos < HeaderSize {
			// A partial header at the end of a full block is padding. At the
			// end of the log it is a torn write, unless nothing is left.
			torn := r.pos < r.blockLen && r.blockLen < BlockSize
			err := r.readBlock()
			switch {
			case err == io.EOF && (torn || !wantFirst):
				return io.ErrUnexpectedEOF
			case err != nil:
				return err
			}
			continue
		}

		h := r.block[r.pos : r.pos+HeaderSize]
		checksum := binary.LittleEndian.Uint32(h[0:4])
		length := int(binary.LittleEndian.Uint16(h[4:6]))
		typ := h[6]

		if checksum == 0 && length == 0 && typ == zeroChunk {
			// Zeroed space runs to the end of the block. Anything else in
			// the rest of the block means a write was lost.
			if !wantFirst && !r.resync {
				return ErrZeroedChunk
			}
			if !r.resync && !allZero(r.block[r.pos+HeaderSize:r.blockLen]) {
				return ErrZeroedChunk
			}
			r.pos = r.blockLen
			continue
		}

		start, end := r.pos+HeaderSize, r.pos+HeaderSize+length
		valid := typ >= fullChunk && typ <= lastChunk && end <= r.blockLen &&
			checksum == crc.New(r.block[r.pos+6:end]).Value()
		if !valid {
			if r.resync {
				r.pos = r.blockLen
				continue
			}
			return ErrInvalidChunk
		}
		r.pos = end
		if wantFirst && typ != fullChunk && typ != firstChunk {
			// The tail of a record whose start was skipped or damaged.
			continue
		}
		r.payload = r.block[start:end]
		r.final = typ == fullChunk || typ == lastChunk
		r.resync = false
		return nil
	}
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// recordReader reads the record returned by one call to Reader.Next.
type recordReader struct {
	r   *Reader
	gen int
}

func (rr recordReader) Read(p []byte) (int, error) {
	r := rr.r
	if rr.gen != r.gen {
		return 0, errStaleReader
	}
	for len(r.payload) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.final {
			return 0, io.EOF
		}
		r.err = r.readChunk(false)
	}
	n := copy(p, r.payload)
	r.payload = r.payload[n:]
	return n, nil
}
