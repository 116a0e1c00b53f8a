// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"slices"

	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/internal/manifest"
)

// pickCompaction picks the best compaction, if any, for the current version.
// Compactions triggered by a level being too big are preferred over those
// triggered by a table that was consulted by too many fruitless lookups.
//
// DB.mu must be held.
func (vs *versionSet) pickCompaction() *compaction {
	cur := vs.currentVersion()

	var c *compaction
	switch {
	case cur.CompactionScore >= 1:
		level := cur.CompactionLevel
		c = newCompaction(vs.opts, cur, level, compactionReasonDefault)
		// Start after the key range of the level's previous compaction, and
		// wrap around to the start of the level.
		cp := vs.compactPointers[level]
		for _, f := range cur.Levels[level] {
			if !cp.ok || base.InternalCompare(vs.cmp, f.Largest, cp.key) > 0 {
				c.inputs[0] = []*fileMetadata{f}
				break
			}
		}
		if len(c.inputs[0]) == 0 {
			c.inputs[0] = []*fileMetadata{cur.Levels[level][0]}
		}

	case cur.FileToCompact != nil && cur.FileToCompactLevel < numLevels-1:
		c = newCompaction(vs.opts, cur, cur.FileToCompactLevel, compactionReasonSeek)
		c.inputs[0] = []*fileMetadata{cur.FileToCompact}

	default:
		return nil
	}

	// L0 tables may overlap each other, so pick up all the tables that
	// overlap the chosen one.
	if c.startLevel == 0 {
		smallest, largest := manifest.KeyRange(vs.cmp, c.inputs[0], nil)
		c.inputs[0] = slices.Clone(cur.Overlaps(0, vs.cmp, smallest.UserKey, largest.UserKey))
	}

	c.setupOtherInputs(vs)
	return c
}

// compactRange returns a compaction of the tables of the level overlapping
// the user key range [start, end], or nil if there are none. A nil bound is
// unbounded. The inputs of a sorted level are cut off once they reach the
// target file size, so a large range is compacted in several steps.
//
// DB.mu must be held.
func (vs *versionSet) compactRange(level int, start, end []byte) *compaction {
	cur := vs.currentVersion()
	inputs := cur.Overlaps(level, vs.cmp, start, end)
	if len(inputs) == 0 {
		return nil
	}

	// L0 tables cannot be cut off since they may overlap each other.
	if level > 0 {
		limit := uint64(vs.opts.TargetFileSize)
		var total uint64
		for i, f := range inputs {
			total += f.Size
			if total >= limit {
				inputs = inputs[:i+1]
				break
			}
		}
	}

	c := newCompaction(vs.opts, cur, level, compactionReasonManual)
	c.inputs[0] = slices.Clone(inputs)
	c.setupOtherInputs(vs)
	return c
}

// setupOtherInputs fills in the output level inputs and the grandparents of
// a compaction whose start level inputs have been chosen, and records the
// compaction's compact pointer.
func (c *compaction) setupOtherInputs(vs *versionSet) {
	cur := c.version
	cmp := c.cmp

	c.inputs[0] = addBoundaryInputs(cmp, cur.Levels[c.startLevel], c.inputs[0])
	smallest, largest := manifest.KeyRange(cmp, c.inputs[0], nil)
	c.inputs[1] = addBoundaryInputs(cmp, cur.Levels[c.outputLevel],
		cur.Overlaps(c.outputLevel, cmp, smallest.UserKey, largest.UserKey))
	allStart, allLimit := manifest.KeyRange(cmp, c.inputs[0], c.inputs[1])

	// Grow the start level inputs if that does not change the output level
	// inputs and the compaction stays under the size limit.
	if len(c.inputs[1]) > 0 {
		expanded0 := addBoundaryInputs(cmp, cur.Levels[c.startLevel],
			cur.Overlaps(c.startLevel, cmp, allStart.UserKey, allLimit.UserKey))
		size := manifest.TotalSize(expanded0) + manifest.TotalSize(c.inputs[1])
		if len(expanded0) > len(c.inputs[0]) && size < c.opts.expandedCompactionByteSizeLimit() {
			newStart, newLimit := manifest.KeyRange(cmp, expanded0, nil)
			expanded1 := addBoundaryInputs(cmp, cur.Levels[c.outputLevel],
				cur.Overlaps(c.outputLevel, cmp, newStart.UserKey, newLimit.UserKey))
			if len(expanded1) == len(c.inputs[1]) {
				c.inputs[0], c.inputs[1] = expanded0, expanded1
				allStart, allLimit = manifest.KeyRange(cmp, c.inputs[0], c.inputs[1])
			}
		}
	}

	if c.outputLevel+1 < numLevels {
		c.inputs[2] = cur.Overlaps(c.outputLevel+1, cmp, allStart.UserKey, allLimit.UserKey)
	}

	// The next compaction of the level starts after this one's key range.
	// The pointer is updated now, rather than when the compaction's edit is
	// applied, so that a failed compaction tries a different range next.
	_, largest = manifest.KeyRange(cmp, c.inputs[0], nil)
	c.compactPointer = largest.Clone()
	vs.compactPointers[c.startLevel] = compactPointer{key: c.compactPointer, ok: true}
}

// addBoundaryInputs returns a copy of inputs extended with the files of the
// level whose smallest key has the same user key as the inputs' largest key.
// Such a file holds older entries of that user key; leaving it behind would
// let those entries reappear once the newer ones move down a level.
func addBoundaryInputs(cmp Compare, levelFiles, inputs []*fileMetadata) []*fileMetadata {
	inputs = slices.Clone(inputs)
	if len(inputs) == 0 {
		return inputs
	}
	_, largest := manifest.KeyRange(cmp, inputs, nil)
	for {
		b := findSmallestBoundaryFile(cmp, levelFiles, largest)
		if b == nil || slices.Contains(inputs, b) {
			return inputs
		}
		inputs = append(inputs, b)
		largest = b.Largest
	}
}

// findSmallestBoundaryFile returns the file with the smallest largest key
// among the files whose smallest key is after largest but shares its user
// key, or nil.
func findSmallestBoundaryFile(cmp Compare, levelFiles []*fileMetadata, largest InternalKey) *fileMetadata {
	var b *fileMetadata
	for _, f := range levelFiles {
		if base.InternalCompare(cmp, f.Smallest, largest) > 0 &&
			cmp(f.Smallest.UserKey, largest.UserKey) == 0 {
			if b == nil || base.InternalCompare(cmp, f.Largest, b.Largest) < 0 {
				b = f
			}
		}
	}
	return b
}
