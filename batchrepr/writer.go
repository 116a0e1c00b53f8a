// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package batchrepr

import (
	"encoding/binary"

	"github.com/cockroachdb/levelkv/internal/base"
)

// SetSeqNum mutates the provided batch representation, storing the provided
// sequence number in its header. The provided byte slice must already be at
// least HeaderLen bytes long or else SetSeqNum will panic.
func SetSeqNum(repr []byte, seqNum base.SeqNum) {
	binary.LittleEndian.PutUint64(repr[:countOffset], uint64(seqNum))
}

// SetCount mutates the provided batch representation, storing the provided
// count in its header. The provided byte slice must already be at least
// HeaderLen bytes long or else SetCount will panic.
func SetCount(repr []byte, count uint32) {
	binary.LittleEndian.PutUint32(repr[countOffset:HeaderLen], count)
}

// AppendStr appends s to dst, prefixed by its length as a uvarint.
func AppendStr(dst []byte, s []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// AppendEntry appends one entry to dst. The value is only encoded for
// InternalKeyKindSet. The header count is not updated.
func AppendEntry(dst []byte, kind base.InternalKeyKind, ukey, value []byte) []byte {
	dst = append(dst, byte(kind))
	dst = AppendStr(dst, ukey)
	if kind == base.InternalKeyKindSet {
		dst = AppendStr(dst, value)
	}
	return dst
}
