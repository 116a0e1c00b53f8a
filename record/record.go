// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package record implements the log format shared by the write-ahead log and
// the MANIFEST: a sequence of records, each an opaque byte string.
//
// A log is a sequence of 32 KiB blocks; only the final block may be short. A
// record is stored as one or more chunks, and a chunk never spans a block
// boundary. Each chunk is a 7 byte header followed by its payload:
//
//	+--------------+------------+----------+---------+
//	| checksum (4) | length (2) | type (1) | payload |
//	+--------------+------------+----------+---------+
//
// The checksum is the masked CRC-32C of the type byte and the payload, and the
// length is the payload length, both little-endian. The type says whether the
// chunk holds a whole record or the first, a middle or the last piece of one.
// When fewer than 7 bytes remain in a block, the writer zero-fills them and
// moves to the next block.
//
// Readers and Writers are not safe for concurrent use.
package record

import (
	"io"

	"github.com/cockroachdb/errors"
)

// Chunk types. Type 0 is reserved for zeroed, preallocated space.
const (
	zeroChunk   byte = 0
	fullChunk   byte = 1
	firstChunk  byte = 2
	middleChunk byte = 3
	lastChunk   byte = 4
)

const (
	// BlockSize is the size of the blocks a log is divided into.
	BlockSize = 32 << 10
	// HeaderSize is the size of a chunk header.
	HeaderSize = 7
)

var (
	// ErrZeroedChunk is returned when the reader finds a zeroed header
	// followed by data, which usually means preallocated space was only
	// partly written.
	ErrZeroedChunk = errors.New("levelkv/record: zeroed chunk")

	// ErrInvalidChunk is returned for a chunk whose type, length or checksum
	// is invalid, typically because of corruption or a torn write at the tail
	// of the log.
	ErrInvalidChunk = errors.New("levelkv/record: invalid chunk")

	errStaleReader  = errors.New("levelkv/record: stale reader")
	errStaleWriter  = errors.New("levelkv/record: stale writer")
	errClosedWriter = errors.New("levelkv/record: closed Writer")
)

// IsInvalidRecord returns whether err reports a damaged or torn record as
// opposed to an I/O failure. Recovery treats these like the end of the log.
func IsInvalidRecord(err error) bool {
	return errors.Is(err, ErrZeroedChunk) || errors.Is(err, ErrInvalidChunk) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
