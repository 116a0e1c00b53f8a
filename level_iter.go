// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/internal/itertwo"
	"github.com/cockroachdb/levelkv/internal/manifest"
)

// newLevelIter returns an iterator over the tables of a sorted level. It is a
// two-level iterator whose index walks the level's file list, opening each
// table through the table cache as the iterator reaches it.
func newLevelIter(cmp Compare, tc *tableCache, files []*fileMetadata) internalIterator {
	index := manifest.NewLevelIter(cmp, files)
	return itertwo.New(index, func([]byte) (base.InternalIterator, error) {
		return tc.newIter(index.Current())
	})
}

// newVersionIters returns iterators over every table of v: one per L0 table
// and one per non-empty sorted level. On error the iterators opened so far
// are closed.
func newVersionIters(cmp Compare, tc *tableCache, v *version) ([]internalIterator, error) {
	var iters []internalIterator
	for _, f := range v.Levels[0] {
		iter, err := tc.newIter(f)
		if err != nil {
			for _, it := range iters {
				_ = it.Close()
			}
			return nil, err
		}
		iters = append(iters, iter)
	}
	for level := 1; level < numLevels; level++ {
		if len(v.Levels[level]) == 0 {
			continue
		}
		iters = append(iters, newLevelIter(cmp, tc, v.Levels[level]))
	}
	return iters, nil
}
