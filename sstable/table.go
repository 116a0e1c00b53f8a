// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

/*
Package sstable implements readers and writers of LevelDB tables.

Tables are either opened for reading or created for writing but not both.

A reader can create iterators, which allow seeking and next/prev
iteration. There may be multiple key/value pairs that have the same user key
and different sequence numbers.

A reader can be used concurrently. Multiple goroutines can call NewIter
concurrently, and each iterator can run concurrently with other iterators.
However, any particular iterator should not be used concurrently, and iterators
should not be used once a reader is closed.

A writer writes key/value pairs in increasing key order, and cannot be used
concurrently. A table cannot be read until the writer has finished.

To return the value for a key:

	r, err := sstable.NewReader(file, sstable.ReaderOptions{})
	if err != nil {
		return err
	}
	defer r.Close()
	res, value, err := r.Get(base.MakeSearchKey(key))

To count the number of entries in a table:

	i, n := r.NewIter(), 0
	for valid := i.First(); valid; valid = i.Next() {
		n++
	}
	if err := i.Close(); err != nil {
		return 0, err
	}
	return n, nil

To write a table with three entries:

	w := sstable.NewWriter(file, sstable.WriterOptions{})
	if err := w.Set([]byte("apple"), []byte("red")); err != nil {
		w.Abandon()
		return err
	}
	if err := w.Set([]byte("banana"), []byte("yellow")); err != nil {
		w.Abandon()
		return err
	}
	if err := w.Set([]byte("cherry"), []byte("red")); err != nil {
		w.Abandon()
		return err
	}
	return w.Finish()
*/
package sstable // import "github.com/cockroachdb/levelkv/sstable"

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/sstable/block"
)

/*
The table file format looks like:

<start_of_file>
[data block 0]
[data block 1]
...
[data block N-1]
[filter block]
[metaindex block]
[index block]
[footer]
<end_of_file>

Each block consists of some data and a 5 byte trailer: a 1 byte compression
indicator and a 4 byte masked CRC-32C checksum of the (possibly compressed)
data followed by the indicator byte. Each block is compressed independently.

The decompressed block data is a sequence of prefix compressed key/value
entries followed by an array of restart points; see the rowblk package.

An index block is a block with N key/value entries. The i'th value is the
encoded block handle of the i'th data block. The i'th key is a separator for
i < N-1, and a successor for i == N-1. The separator between blocks i and i+1
is a key that is >= every key in block i and is < every key i block i+1. The
successor for the final block is a key that is >= every key in block N-1. The
index block restart interval is 1: every entry is a restart point.

The metaindex block maps "filter.<policy name>" to the handle of the filter
block. Its keys are plain byte strings, not internal keys.

A block handle is an offset and a length; the length does not include the 5
byte trailer. Both numbers are varint-encoded, with no padding between the two
values. The maximum size of an encoded block handle is therefore 20 bytes.

The footer is:

	metaindex handle (varint64 offset, varint64 size)
	index handle     (varint64 offset, varint64 size)
	<padding> to make the total size 2 * block.MaxHandleLen
	magic number     (8 bytes, 0xdb4775248b80fb57 little-endian)
*/

const (
	footerLen   = 48
	magic       = "\x57\xfb\x80\x8b\x24\x75\x47\xdb"
	magicOffset = footerLen - len(magic)

	// TableMagic is the magic number stored at the end of every table.
	TableMagic uint64 = 0xdb4775248b80fb57

	metaFilterPrefix = "filter."
)

// ReadableFile describes the smallest subset of vfs.File that is required for
// reading tables.
type ReadableFile interface {
	io.ReaderAt
	io.Closer
	Stat() (os.FileInfo, error)
}

type footer struct {
	// size is the size of the table file.
	size        uint64
	metaindexBH block.Handle
	indexBH     block.Handle
	footerBH    block.Handle
}

func (f footer) encode(buf []byte) []byte {
	buf = buf[:footerLen]
	clear(buf)
	n := f.metaindexBH.EncodeVarints(buf[0:])
	f.indexBH.EncodeVarints(buf[n:])
	copy(buf[magicOffset:], magic)
	return buf
}

// decodeFooter decodes a footer stored in buf, which holds the last footerLen
// bytes of a table of the given size.
func decodeFooter(buf []byte, size uint64) (footer, error) {
	var f footer
	if len(buf) != footerLen {
		return f, base.CorruptionErrorf("levelkv/table: invalid table (footer is %d bytes)", errors.Safe(len(buf)))
	}
	if string(buf[magicOffset:]) != magic {
		return f, base.CorruptionErrorf("levelkv/table: invalid table (bad magic number: 0x%x)",
			errors.Safe(binary.LittleEndian.Uint64(buf[magicOffset:])))
	}
	f.size = size
	f.footerBH = block.Handle{Offset: size - footerLen, Length: footerLen}

	var n int
	f.metaindexBH, n = block.DecodeHandle(buf)
	if n == 0 {
		return f, base.CorruptionErrorf("levelkv/table: invalid table (bad metaindex block handle)")
	}
	buf = buf[n:magicOffset]
	f.indexBH, n = block.DecodeHandle(buf)
	if n == 0 {
		return f, base.CorruptionErrorf("levelkv/table: invalid table (bad index block handle)")
	}
	return f, nil
}

func readFooter(f ReadableFile) (footer, error) {
	stat, err := f.Stat()
	if err != nil {
		return footer{}, errors.Wrap(err, "levelkv/table: invalid table (could not stat file)")
	}
	size := stat.Size()
	if size < footerLen {
		return footer{}, base.CorruptionErrorf("levelkv/table: invalid table (file size is too small: %d)",
			errors.Safe(size))
	}
	buf := make([]byte, footerLen)
	if _, err := f.ReadAt(buf, size-footerLen); err != nil && err != io.EOF {
		return footer{}, errors.Wrap(err, "levelkv/table: invalid table (could not read footer)")
	}
	f, err := decodeFooter(buf, uint64(size))
	if err != nil {
		return f, err
	}
	// Both blocks precede the footer.
	for _, bh := range []block.Handle{f.metaindexBH, f.indexBH} {
		if err := block.CheckBounds(bh, f.footerBH.Offset); err != nil {
			return f, errors.Wrap(err, "levelkv/table: invalid table")
		}
	}
	return f, nil
}
