// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cockroachdb/levelkv/internal/base"
)

// FilterMetrics holds metrics for the filter policy.
type FilterMetrics struct {
	// The number of hits for the filter policy. This is the
	// number of times the filter policy was successfully used to avoid access
	// of a data block.
	Hits int64
	// The number of misses for the filter policy. This is the number of times
	// the filter policy was checked but was unable to filter an access of a data
	// block.
	Misses int64
}

// FilterMetricsTracker is used to keep track of filter metrics. It contains the
// same metrics as FilterMetrics, but they can be updated atomically. An
// instance of FilterMetricsTracker can be passed to a Reader as a ReaderOption.
type FilterMetricsTracker struct {
	// See FilterMetrics.Hits.
	hits atomic.Int64
	// See FilterMetrics.Misses.
	misses atomic.Int64
}

// Load returns the current values as FilterMetrics.
func (m *FilterMetricsTracker) Load() FilterMetrics {
	return FilterMetrics{
		Hits:   m.hits.Load(),
		Misses: m.misses.Load(),
	}
}

// A filter block holds one filter for every 2KB (1<<filterBaseLog bytes) of
// data block offsets: the filter with index i covers the keys of the data
// blocks that start in [i<<filterBaseLog, (i+1)<<filterBaseLog). A filter
// that covers no keys is empty.
//
// The block is encoded as:
//
//	filter 0
//	...
//	filter N-1
//	offset of filter 0     fixed32
//	...
//	offset of filter N-1   fixed32
//	offset of offset array fixed32
//	filterBaseLog          1 byte
const (
	filterBaseLog = 11
	filterBase    = 1 << filterBaseLog
)

// filterWriter builds a filter block.
type filterWriter struct {
	policy base.FilterPolicy
	writer base.FilterWriter
	// nKeys is the number of keys added to the pending filter.
	nKeys   int
	data    []byte
	offsets []uint32
}

func newFilterWriter(policy base.FilterPolicy) *filterWriter {
	return &filterWriter{
		policy: policy,
		writer: policy.NewWriter(),
	}
}

func (f *filterWriter) metaName() string {
	return metaFilterPrefix + f.policy.Name()
}

// startBlock is called with the offset of each new data block. The keys added
// so far end up in the filters for the offsets before blockOffset; filters
// for ranges without blocks are left empty.
func (f *filterWriter) startBlock(blockOffset uint64) {
	index := blockOffset / filterBase
	for uint64(len(f.offsets)) < index {
		f.generate()
	}
}

// addKey adds a user key to the pending filter.
func (f *filterWriter) addKey(key []byte) {
	f.writer.AddKey(key)
	f.nKeys++
}

func (f *filterWriter) generate() {
	f.offsets = append(f.offsets, uint32(len(f.data)))
	if f.nKeys == 0 {
		return
	}
	f.data = f.writer.Finish(f.data)
	f.nKeys = 0
}

// finish returns the encoded filter block. The returned slice aliases the
// writer's buffer.
func (f *filterWriter) finish() []byte {
	if f.nKeys > 0 {
		f.generate()
	}
	arrayOffset := uint32(len(f.data))
	for _, o := range f.offsets {
		f.data = binary.LittleEndian.AppendUint32(f.data, o)
	}
	f.data = binary.LittleEndian.AppendUint32(f.data, arrayOffset)
	f.data = append(f.data, filterBaseLog)
	return f.data
}

// filterReader answers filter queries over an encoded filter block.
// A malformed block matches every key.
type filterReader struct {
	policy base.FilterPolicy
	data   []byte
	// offsets holds the offset array followed by the offset of the array
	// itself, which is the end of the last filter.
	offsets []byte
	num     uint64
	baseLog uint8
	metrics *FilterMetricsTracker
}

func newFilterReader(policy base.FilterPolicy, data []byte, metrics *FilterMetricsTracker) *filterReader {
	r := &filterReader{policy: policy, metrics: metrics}
	n := len(data)
	if n < 5 {
		return r
	}
	arrayOffset := binary.LittleEndian.Uint32(data[n-5:])
	if uint64(arrayOffset) > uint64(n-5) {
		return r
	}
	r.data = data[:arrayOffset]
	r.offsets = data[arrayOffset : n-1]
	r.num = uint64(n-5-int(arrayOffset)) / 4
	r.baseLog = data[n-1]
	return r
}

// keyMayMatch returns whether the data block at blockOffset may contain the
// user key.
func (r *filterReader) keyMayMatch(blockOffset uint64, key []byte) bool {
	mayMatch := r.mayMatch(blockOffset, key)
	if r.metrics != nil {
		if mayMatch {
			r.metrics.misses.Add(1)
		} else {
			r.metrics.hits.Add(1)
		}
	}
	return mayMatch
}

func (r *filterReader) mayMatch(blockOffset uint64, key []byte) bool {
	if r.baseLog >= 64 {
		return true
	}
	index := blockOffset >> r.baseLog
	if index >= r.num {
		// Errors are treated as potential matches.
		return true
	}
	start := binary.LittleEndian.Uint32(r.offsets[index*4:])
	limit := binary.LittleEndian.Uint32(r.offsets[index*4+4:])
	switch {
	case start == limit:
		// Empty filters do not match any keys.
		return false
	case start < limit && uint64(limit) <= uint64(len(r.data)):
		return r.policy.MayContain(r.data[start:limit], key)
	default:
		return true
	}
}
