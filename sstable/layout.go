// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bytes"
	"fmt"
	"io"

	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/sstable/block"
	"github.com/cockroachdb/levelkv/sstable/rowblk"
)

// Layout describes the block organization of a table.
type Layout struct {
	Data []block.Handle
	// Filter is the zero handle if the table has no filter block or it was
	// not read.
	Filter    block.Handle
	Metaindex block.Handle
	Index     block.Handle
	Footer    block.Handle
}

// Layout returns the layout (block organization) of the table.
func (r *Reader) Layout() (*Layout, error) {
	l := &Layout{
		Metaindex: r.footer.metaindexBH,
		Index:     r.footer.indexBH,
		Footer:    r.footer.footerBH,
		Filter:    r.filterBH,
	}
	iter := r.newIndexIter()
	for valid := iter.First(); valid; valid = iter.Next() {
		bh, err := decodeIndexValue(iter.Value())
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		l.Data = append(l.Data, bh)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	if l.Filter == (block.Handle{}) {
		// Locate the filter block even when the reader was opened without a
		// filter policy.
		meta, err := block.Read(r.file, r.footer.size, r.footer.metaindexBH, true /* verifyChecksum */)
		if err != nil {
			return nil, err
		}
		mi, err := rowblk.NewRawIter(bytes.Compare, meta)
		if err != nil {
			return nil, err
		}
		for valid := mi.First(); valid; valid = mi.Next() {
			if len(mi.KeyRaw()) > len(metaFilterPrefix) && string(mi.KeyRaw()[:len(metaFilterPrefix)]) == metaFilterPrefix {
				if bh, n := block.DecodeHandle(mi.Value()); n > 0 {
					l.Filter = bh
				}
			}
		}
		if err := mi.Close(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Describe writes a description of the layout to w, one block per line.
// When verbose is set the keys of each data block are listed, which
// requires reading the blocks.
func (l *Layout) Describe(w io.Writer, verbose bool, r *Reader, fmtKey base.FormatKey) {
	if fmtKey == nil {
		fmtKey = base.DefaultFormatter
	}
	for i, bh := range l.Data {
		fmt.Fprintf(w, "%10d  data[%d] (%d)\n", bh.Offset, i, bh.Length)
		if !verbose || r == nil {
			continue
		}
		data, err := r.readDataBlock(bh)
		if err != nil {
			fmt.Fprintf(w, "%10s  error: %v\n", "", err)
			continue
		}
		iter, err := rowblk.NewIter(r.cmp, data)
		if err != nil {
			fmt.Fprintf(w, "%10s  error: %v\n", "", err)
			continue
		}
		for valid := iter.First(); valid; valid = iter.Next() {
			fmt.Fprintf(w, "%10s    %s\n", "", iter.Key().Pretty(fmtKey))
		}
		if err := iter.Close(); err != nil {
			fmt.Fprintf(w, "%10s  error: %v\n", "", err)
		}
	}
	if l.Filter.Length > 0 {
		fmt.Fprintf(w, "%10d  filter (%d)\n", l.Filter.Offset, l.Filter.Length)
	}
	fmt.Fprintf(w, "%10d  meta-index (%d)\n", l.Metaindex.Offset, l.Metaindex.Length)
	fmt.Fprintf(w, "%10d  index (%d)\n", l.Index.Offset, l.Index.Length)
	fmt.Fprintf(w, "%10d  footer (%d)\n", l.Footer.Offset, l.Footer.Length)
	fmt.Fprintf(w, "%10d  EOF\n", l.Footer.Offset+l.Footer.Length)
}
