// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/internal/invariants"
)

// MinAllowedSeeks is the smallest seek budget a new file is given.
const MinAllowedSeeks = 100

// AllowedSeeksFor returns the seek budget of a new file of the given size.
//
// One seek costs about as much as compacting 16KB of data: a 1MB file is
// allowed 64 seeks before it is compacted.
func AllowedSeeksFor(size uint64) int64 {
	return max(MinAllowedSeeks, int64(size/16384))
}

// VersionBuilder accumulates a sequence of version edits and applies them to
// a base version to produce a new version.
//
// The C++ LevelDB code calls this concept a VersionSet::Builder.
type VersionBuilder struct {
	// Base is the version the edits are applied to. A nil Base is an empty
	// version.
	Base *Version

	added   [NumLevels][]*FileMetadata
	deleted [NumLevels]map[base.FileNum]bool
}

// Apply accumulates the file additions and deletions of the edit. Deletions
// are applied before additions, so that an edit can move a file to a
// different level.
func (b *VersionBuilder) Apply(ve *VersionEdit) {
	for df := range ve.DeletedFiles {
		dmap := b.deleted[df.Level]
		if dmap == nil {
			dmap = make(map[base.FileNum]bool)
			b.deleted[df.Level] = dmap
		}
		dmap[df.FileNum] = true
	}

	for _, nf := range ve.NewFiles {
		if dmap := b.deleted[nf.Level]; dmap != nil {
			delete(dmap, nf.Meta.FileNum)
		}
		nf.Meta.AllowedSeeks.Store(AllowedSeeksFor(nf.Meta.Size))
		b.added[nf.Level] = append(b.added[nf.Level], nf.Meta)
	}
}

// SaveTo applies the accumulated edits to the base version, returning the new
// version. Every file placed in the new version is referenced. The new
// version itself is unreferenced.
func (b *VersionBuilder) SaveTo(cmp base.Compare) (*Version, error) {
	v := new(Version)
	order := bySmallest(cmp)
	for level := range v.Levels {
		var baseFiles []*FileMetadata
		if b.Base != nil {
			baseFiles = b.Base.Levels[level]
		}
		added := slices.Clone(b.added[level])
		slices.SortFunc(added, order)
		n := len(baseFiles) + len(added)
		if n == 0 {
			continue
		}
		dmap := b.deleted[level]
		files := make([]*FileMetadata, 0, n)
		maybeAdd := func(f *FileMetadata) error {
			if dmap[f.FileNum] {
				return nil
			}
			if level > 0 && len(files) > 0 {
				prev := files[len(files)-1]
				if base.InternalCompare(cmp, prev.Largest, f.Smallest) >= 0 {
					err := base.CorruptionErrorf("levelkv: L%d files %s and %s overlap", errors.Safe(level), prev, f)
					if invariants.Enabled {
						panic(err)
					}
					return err
				}
			}
			files = append(files, f)
			return nil
		}

		// Merge the sorted base files with the sorted added files.
		i := 0
		for _, f := range added {
			for ; i < len(baseFiles) && order(baseFiles[i], f) < 0; i++ {
				if err := maybeAdd(baseFiles[i]); err != nil {
					return nil, err
				}
			}
			if err := maybeAdd(f); err != nil {
				return nil, err
			}
		}
		for ; i < len(baseFiles); i++ {
			if err := maybeAdd(baseFiles[i]); err != nil {
				return nil, err
			}
		}
		v.Levels[level] = files
	}
	for _, files := range v.Levels {
		for _, f := range files {
			f.Ref()
		}
	}
	return v, nil
}
