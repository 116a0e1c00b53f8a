// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package block implements the physical framing of table blocks: block
// handles, the compression/checksum trailer, and block compression.
package block

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/internal/crc"
)

// Handle is the file offset and length of a block.
type Handle struct {
	// Offset identifies the offset of the block within the file.
	Offset uint64
	// Length is the length of the block data (excludes the trailer).
	Length uint64
}

// MaxHandleLen is the maximum length of a variable-width encoded Handle.
const MaxHandleLen = 2 * binary.MaxVarintLen64

// EncodeVarints encodes the block handle into dst using a variable-width
// encoding and returns the number of bytes written.
func (h Handle) EncodeVarints(dst []byte) int {
	n := binary.PutUvarint(dst, h.Offset)
	m := binary.PutUvarint(dst[n:], h.Length)
	return n + m
}

// AppendVarints appends the variable-width encoding of the handle to dst.
func (h Handle) AppendVarints(dst []byte) []byte {
	dst = binary.AppendUvarint(dst, h.Offset)
	return binary.AppendUvarint(dst, h.Length)
}

// DecodeHandle returns the block handle encoded in a variable-width encoding at
// the start of src, as well as the number of bytes it occupies. It returns zero
// if given invalid input.
func DecodeHandle(src []byte) (Handle, int) {
	offset, n := binary.Uvarint(src)
	if n <= 0 {
		return Handle{}, 0
	}
	length, m := binary.Uvarint(src[n:])
	if m <= 0 {
		return Handle{}, 0
	}
	return Handle{Offset: offset, Length: length}, n + m
}

// TrailerLen is the length of the trailer at the end of a block.
const TrailerLen = 5

// Trailer is the trailer at the end of a block, encoding the compression
// indicator and a checksum.
type Trailer = [TrailerLen]byte

// MakeTrailer constructs a trailer from a compression indicator and a
// checksum.
func MakeTrailer(indicator CompressionIndicator, checksum uint32) (t Trailer) {
	t[0] = byte(indicator)
	binary.LittleEndian.PutUint32(t[1:5], checksum)
	return t
}

// Checksum computes the masked CRC-32C over the block data followed by the
// compression indicator byte.
func Checksum(data []byte, indicator CompressionIndicator) uint32 {
	return crc.New(data).Update([]byte{byte(indicator)}).Value()
}

// ValidateChecksum validates the checksum of a block. b holds the block data
// followed by its trailer.
func ValidateChecksum(b []byte, bh Handle) error {
	if uint64(len(b)) != bh.Length+TrailerLen {
		return base.CorruptionErrorf("block %d/%d: truncated block",
			errors.Safe(bh.Offset), errors.Safe(bh.Length))
	}
	expectedChecksum := binary.LittleEndian.Uint32(b[bh.Length+1:])
	computedChecksum := crc.New(b[:bh.Length+1]).Value()
	if expectedChecksum != computedChecksum {
		return base.CorruptionErrorf("block %d/%d: crc32c checksum mismatch %x != %x",
			errors.Safe(bh.Offset), errors.Safe(bh.Length),
			errors.Safe(expectedChecksum), errors.Safe(computedChecksum))
	}
	return nil
}

// CheckBounds returns a corruption error unless the block identified by bh
// and its trailer lie within a file of the given size.
func CheckBounds(bh Handle, fileSize uint64) error {
	if bh.Offset > fileSize || bh.Length > fileSize-bh.Offset ||
		fileSize-bh.Offset-bh.Length < TrailerLen {
		return base.CorruptionErrorf("block %d/%d: extends past the end of a %d byte file",
			errors.Safe(bh.Offset), errors.Safe(bh.Length), errors.Safe(fileSize))
	}
	return nil
}

// ReadRaw reads the block identified by bh, including its trailer, from r, a
// file of fileSize bytes.
func ReadRaw(r io.ReaderAt, fileSize uint64, bh Handle, buf []byte) ([]byte, error) {
	if err := CheckBounds(bh, fileSize); err != nil {
		return nil, err
	}
	n := int(bh.Length) + TrailerLen
	if n < TrailerLen {
		return nil, base.CorruptionErrorf("block %d/%d: invalid length",
			errors.Safe(bh.Offset), errors.Safe(bh.Length))
	}
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := r.ReadAt(buf, int64(bh.Offset)); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, base.CorruptionErrorf("block %d/%d: truncated read",
				errors.Safe(bh.Offset), errors.Safe(bh.Length))
		}
		return nil, err
	}
	return buf, nil
}

// Read reads, optionally verifies and decompresses the block identified by
// bh in a file of fileSize bytes. The returned slice is owned by the caller.
func Read(r io.ReaderAt, fileSize uint64, bh Handle, verifyChecksum bool) ([]byte, error) {
	b, err := ReadRaw(r, fileSize, bh, nil)
	if err != nil {
		return nil, err
	}
	if verifyChecksum {
		if err := ValidateChecksum(b, bh); err != nil {
			return nil, err
		}
	}
	indicator := CompressionIndicator(b[bh.Length])
	data, err := Decompress(indicator, b[:bh.Length])
	if err != nil {
		return nil, errors.Wrapf(err, "block %d/%d", errors.Safe(bh.Offset), errors.Safe(bh.Length))
	}
	return data, nil
}
