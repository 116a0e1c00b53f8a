// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package batchrepr encodes and decodes write batches in LevelDB's WriteBatch
// format, both in memory and as write-ahead log records.
//
// A batch starts with a 12-byte header: the sequence number of its first
// entry as a fixed64 and the entry count as a fixed32, both little-endian.
// Each entry follows as a kind byte and a uvarint-prefixed user key, plus a
// uvarint-prefixed value for sets.
package batchrepr

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
)

// ErrInvalidBatch marks a batch that cannot be decoded. It is a corruption
// error.
var ErrInvalidBatch = base.MarkCorruptionError(errors.New("levelkv: invalid batch"))

// HeaderLen is the length of the batch header.
const HeaderLen = 12

// countOffset is where the entry count starts in the header.
const countOffset = 8

// Header is the decoded batch header.
type Header struct {
	// SeqNum is assigned at commit and is zero before.
	SeqNum base.SeqNum
	Count  uint32
}

func (h Header) String() string {
	return fmt.Sprintf("[seqNum=%d,count=%d]", h.SeqNum, h.Count)
}

// IsEmpty reports whether repr holds no entries.
func IsEmpty(repr []byte) bool { return len(repr) <= HeaderLen }

// ReadHeader decodes the header of repr. It returns false if repr is shorter
// than a header.
func ReadHeader(repr []byte) (Header, bool) {
	if len(repr) < HeaderLen {
		return Header{}, false
	}
	return Header{
		SeqNum: ReadSeqNum(repr),
		Count:  binary.LittleEndian.Uint32(repr[countOffset:]),
	}, true
}

// ReadSeqNum returns the sequence number in the header of repr, which must be
// at least HeaderLen long.
func ReadSeqNum(repr []byte) base.SeqNum {
	return base.SeqNum(binary.LittleEndian.Uint64(repr))
}

// Reader walks the entries of a batch. The slice is the undecoded rest.
type Reader []byte

// Read returns a Reader of the entries in repr. The header is not checked.
func Read(repr []byte) Reader {
	if IsEmpty(repr) {
		return nil
	}
	return Reader(repr[HeaderLen:])
}

// Next decodes the next entry. At the end of the batch it returns ok=false and
// a nil error; for an undecodable entry it returns ok=false and an error
// marked with ErrInvalidBatch. The key and value alias the batch.
func (r *Reader) Next() (kind base.InternalKeyKind, ukey, value []byte, ok bool, err error) {
	rest := *r
	if len(rest) == 0 {
		return 0, nil, nil, false, nil
	}
	kind = base.InternalKeyKind(rest[0])
	if kind > base.InternalKeyKindMax {
		return 0, nil, nil, false, errors.Wrapf(ErrInvalidBatch, "invalid key kind 0x%x", rest[0])
	}
	if rest, ukey, ok = DecodeStr(rest[1:]); !ok {
		return 0, nil, nil, false, errors.Wrap(ErrInvalidBatch, "decoding user key")
	}
	if kind == base.InternalKeyKindSet {
		if rest, value, ok = DecodeStr(rest); !ok {
			return 0, nil, nil, false, errors.Wrapf(ErrInvalidBatch, "decoding %s value", kind)
		}
	}
	*r = rest
	return kind, ukey, value, true, nil
}

// DecodeStr splits a uvarint-prefixed string off the front of data. It
// returns false if the prefix is malformed or the string is cut short.
func DecodeStr(data []byte) (rest, s []byte, ok bool) {
	n, w := binary.Uvarint(data)
	if w <= 0 || n > uint64(len(data)-w) {
		return nil, nil, false
	}
	end := w + int(n)
	return data[end:], data[w:end], true
}
