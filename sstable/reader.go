// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/internal/itertwo"
	"github.com/cockroachdb/levelkv/sstable/block"
	"github.com/cockroachdb/levelkv/sstable/rowblk"
)

// GetResult classifies the outcome of a point lookup in a table.
type GetResult int8

const (
	// GetNotFound means the table holds no entry for the user key.
	GetNotFound GetResult = iota
	// GetFound means the newest visible entry for the user key is a SET.
	GetFound
	// GetDeleted means the newest visible entry for the user key is a
	// deletion tombstone.
	GetDeleted
	// GetCorrupt means the entry found could not be decoded.
	GetCorrupt
)

func (r GetResult) String() string {
	switch r {
	case GetNotFound:
		return "not-found"
	case GetFound:
		return "found"
	case GetDeleted:
		return "deleted"
	case GetCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Reader is a table reader. It is safe for concurrent use; iterators are not.
type Reader struct {
	file   ReadableFile
	opts   ReaderOptions
	cmp    base.Compare
	footer footer
	// index is the decoded index block.
	index  []byte
	filter *filterReader
	// filterBH is the handle of the filter block, if one was loaded.
	filterBH block.Handle
}

// NewReader returns a new table reader for the file. Closing the reader will
// close the file.
func NewReader(f ReadableFile, o ReaderOptions) (*Reader, error) {
	o = o.ensureDefaults()
	r := &Reader{
		file: f,
		opts: o,
		cmp:  o.Comparer.Compare,
	}
	if f == nil {
		return nil, errors.New("levelkv/table: nil file")
	}
	var err error
	if r.footer, err = readFooter(f); err != nil {
		return nil, errors.CombineErrors(err, f.Close())
	}
	if r.index, err = block.Read(f, r.footer.size, r.footer.indexBH, true /* verifyChecksum */); err != nil {
		return nil, errors.CombineErrors(errors.Wrap(err, "levelkv/table: reading index block"), f.Close())
	}
	if _, err := rowblk.NewIter(r.cmp, r.index); err != nil {
		return nil, errors.CombineErrors(errors.Wrap(err, "levelkv/table: invalid index block"), f.Close())
	}
	if o.FilterPolicy != nil {
		// The table stays usable without its filter.
		if err := r.readFilter(); err != nil {
			o.Logger.Errorf("levelkv/table: %s: ignoring filter block: %v", o.FileNum, err)
		}
	}
	return r, nil
}

// readFilter locates the filter block through the metaindex and loads it if
// it was written by the configured policy.
func (r *Reader) readFilter() error {
	meta, err := block.Read(r.file, r.footer.size, r.footer.metaindexBH, true /* verifyChecksum */)
	if err != nil {
		return err
	}
	iter, err := rowblk.NewRawIter(bytes.Compare, meta)
	if err != nil {
		return err
	}
	name := []byte(metaFilterPrefix + r.opts.FilterPolicy.Name())
	if !iter.SeekGERaw(name) || !bytes.Equal(iter.KeyRaw(), name) {
		return iter.Close()
	}
	bh, n := block.DecodeHandle(iter.Value())
	if err := iter.Close(); err != nil {
		return err
	}
	if n == 0 {
		return base.CorruptionErrorf("levelkv/table: bad filter block handle")
	}
	data, err := block.Read(r.file, r.footer.size, bh, true /* verifyChecksum */)
	if err != nil {
		return err
	}
	r.filterBH = bh
	r.filter = newFilterReader(r.opts.FilterPolicy, data, r.opts.FilterMetrics)
	return nil
}

// readDataBlock returns the decoded data block identified by bh, going
// through the block cache when one is configured.
func (r *Reader) readDataBlock(bh block.Handle) ([]byte, error) {
	read := func() ([]byte, error) {
		return block.Read(r.file, r.footer.size, bh, r.opts.VerifyChecksums)
	}
	if r.opts.Cache == nil {
		return read()
	}
	return r.opts.Cache.GetOrRead(r.opts.CacheID, r.opts.FileNum, bh.Offset, read)
}

func decodeIndexValue(v []byte) (block.Handle, error) {
	bh, n := block.DecodeHandle(v)
	if n == 0 || n != len(v) {
		return block.Handle{}, base.CorruptionErrorf("levelkv/table: bad block handle in index")
	}
	return bh, nil
}

func (r *Reader) newIndexIter() *rowblk.Iter {
	// The index block was validated when the reader was opened.
	iter, _ := rowblk.NewIter(r.cmp, r.index)
	return iter
}

// Get looks up key, an internal key with the sequence number of the read
// snapshot. The returned value is only meaningful for GetFound and remains
// valid for the life of the reader.
func (r *Reader) Get(key base.InternalKey) (GetResult, []byte, error) {
	index := r.newIndexIter()
	if !index.SeekGE(key) {
		return classifyGetError(index.Close())
	}
	bh, err := decodeIndexValue(index.Value())
	if err != nil {
		return classifyGetError(errors.CombineErrors(err, index.Close()))
	}
	if err := index.Close(); err != nil {
		return classifyGetError(err)
	}
	if r.filter != nil && !r.filter.keyMayMatch(bh.Offset, key.UserKey) {
		return GetNotFound, nil, nil
	}

	data, err := r.readDataBlock(bh)
	if err != nil {
		return classifyGetError(err)
	}
	iter, err := rowblk.NewIter(r.cmp, data)
	if err != nil {
		return classifyGetError(err)
	}
	if !iter.SeekGE(key) {
		return classifyGetError(iter.Close())
	}
	k := iter.Key()
	switch {
	case !k.Valid():
		return GetCorrupt, nil, base.CorruptionErrorf("levelkv/table: %s: corrupt key in data block %d",
			r.opts.FileNum, errors.Safe(bh.Offset))
	case r.cmp(k.UserKey, key.UserKey) != 0:
		return GetNotFound, nil, nil
	case k.Kind() == base.InternalKeyKindDelete:
		return GetDeleted, nil, nil
	default:
		return GetFound, iter.Value(), nil
	}
}

// classifyGetError maps an error hit while reading the index or a data block
// during Get to its result. A nil error means the key is not in the table.
func classifyGetError(err error) (GetResult, []byte, error) {
	switch {
	case err == nil:
		return GetNotFound, nil, nil
	case base.IsCorruptionError(err):
		return GetCorrupt, nil, err
	default:
		return GetNotFound, nil, err
	}
}

// NewIter returns an iterator over the table's entries.
func (r *Reader) NewIter() base.InternalIterator {
	return itertwo.New(r.newIndexIter(), func(v []byte) (base.InternalIterator, error) {
		bh, err := decodeIndexValue(v)
		if err != nil {
			return nil, err
		}
		data, err := r.readDataBlock(bh)
		if err != nil {
			return nil, err
		}
		return rowblk.NewIter(r.cmp, data)
	})
}

// ApproximateOffsetOf returns the approximate file offset of the data for
// key: the offset of the block the key would be in, or for keys past the
// last entry the offset of the metaindex block, which is close to the end of
// the data.
func (r *Reader) ApproximateOffsetOf(key base.InternalKey) uint64 {
	index := r.newIndexIter()
	defer index.Close()
	if index.SeekGE(key) {
		if bh, err := decodeIndexValue(index.Value()); err == nil {
			return bh.Offset
		}
	}
	return r.footer.metaindexBH.Offset
}

// ValidateBlockChecksums verifies the checksum of every block in the table.
func (r *Reader) ValidateBlockChecksums() error {
	l, err := r.Layout()
	if err != nil {
		return err
	}
	var buf []byte
	check := func(bh block.Handle) error {
		b, err := block.ReadRaw(r.file, r.footer.size, bh, buf)
		if err != nil {
			return err
		}
		buf = b
		return block.ValidateChecksum(b, bh)
	}
	for _, bh := range l.Data {
		if err := check(bh); err != nil {
			return err
		}
	}
	for _, bh := range []block.Handle{l.Filter, l.Metaindex, l.Index} {
		if bh.Length == 0 && bh.Offset == 0 {
			continue
		}
		if err := check(bh); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the reader and its file.
func (r *Reader) Close() error {
	if r.file == nil {
		return errors.New("levelkv/table: reader already closed")
	}
	err := r.file.Close()
	r.file = nil
	return err
}
