// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package bloom implements Bloom filters.
package bloom

import (
	"fmt"

	"github.com/cockroachdb/levelkv/internal/base"
)

const (
	// minBits is the minimum size of a filter, in bits. Tiny filters have a
	// very high false positive rate.
	minBits = 64
	// maxProbes is the largest probe count that can be encoded. Filters with
	// a larger count are reserved for future encodings and always match.
	maxProbes = 30
)

// hash implements a hashing algorithm similar to the Murmur hash.
func hash(b []byte) uint32 {
	const (
		seed = 0xbc9f1d34
		m    = 0xc6a4a793
	)
	h := uint32(seed) ^ (uint32(len(b)) * m)
	for ; len(b) >= 4; b = b[4:] {
		h += uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		h *= m
		h ^= h >> 16
	}
	// The trailing bytes are treated as unsigned, matching LevelDB's
	// util/hash.cc.
	switch len(b) {
	case 3:
		h += uint32(b[2]) << 16
		fallthrough
	case 2:
		h += uint32(b[1]) << 8
		fallthrough
	case 1:
		h += uint32(b[0])
		h *= m
		h ^= h >> 24
	}
	return h
}

// numProbes returns the number of probes for the given bits per key. The
// value is rounded down to reduce probing cost a little.
func numProbes(bitsPerKey int) uint32 {
	k := uint32(float64(bitsPerKey) * 0.69) // 0.69 =~ ln(2).
	if k < 1 {
		k = 1
	}
	if k > maxProbes {
		k = maxProbes
	}
	return k
}

// filter is an encoded Bloom filter: a bit array followed by a single byte
// holding the number of probes.
type filter []byte

// MayContain returns whether the filter may contain given key. False positives
// are possible, where it returns true for keys not in the original set.
func (f filter) MayContain(key []byte) bool {
	if len(f) < 2 {
		return false
	}
	k := f[len(f)-1]
	if k > maxProbes {
		// Reserved for potentially new encodings for short Bloom filters.
		// Consider it a match.
		return true
	}
	nBits := uint32(8 * (len(f) - 1))
	h := hash(key)
	delta := h>>17 | h<<15
	for j := uint8(0); j < k; j++ {
		bitPos := h % nBits
		if f[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

// filterWriter implements base.FilterWriter for Bloom filters. It stores the
// hashes of the added keys and builds the bit array on Finish.
type filterWriter struct {
	bitsPerKey int
	hashes     []uint32
}

var _ base.FilterWriter = (*filterWriter)(nil)

// AddKey implements the base.FilterWriter interface.
func (w *filterWriter) AddKey(key []byte) {
	w.hashes = append(w.hashes, hash(key))
}

// Finish implements the base.FilterWriter interface.
func (w *filterWriter) Finish(dst []byte) []byte {
	nBits := len(w.hashes) * w.bitsPerKey
	if nBits < minBits {
		nBits = minBits
	}
	nBytes := (nBits + 7) / 8
	nBits = nBytes * 8

	k := numProbes(w.bitsPerKey)
	start := len(dst)
	dst = append(dst, make([]byte, nBytes)...)
	dst = append(dst, byte(k))
	f := dst[start : start+nBytes]
	for _, h := range w.hashes {
		delta := h>>17 | h<<15
		for j := uint32(0); j < k; j++ {
			bitPos := h % uint32(nBits)
			f[bitPos/8] |= 1 << (bitPos % 8)
			h += delta
		}
	}
	w.hashes = w.hashes[:0]
	return dst
}

// Name is the name of the Bloom filter policy. This string looks arbitrary,
// but its value is written to LevelDB .ldb files, and should be this exact
// value to be compatible with those files and with the C++ LevelDB code.
const Name = "leveldb.BuiltinBloomFilter2"

// FilterPolicy implements base.FilterPolicy with a Bloom filter that uses
// approximately the given number of bits per key. A good value is 10, which
// yields a filter with ~1% false positive rate.
//
// The name is the same for every bits per key value since the probe count is
// stored in each encoded filter.
type FilterPolicy int

var _ base.FilterPolicy = FilterPolicy(0)

// Name implements the base.FilterPolicy interface.
func (p FilterPolicy) Name() string {
	return Name
}

// MayContain implements the base.FilterPolicy interface.
func (p FilterPolicy) MayContain(f, key []byte) bool {
	return filter(f).MayContain(key)
}

// NewWriter implements the base.FilterPolicy interface.
func (p FilterPolicy) NewWriter() base.FilterWriter {
	if p < 1 {
		panic(fmt.Sprintf("invalid bits per key %d", int(p)))
	}
	return &filterWriter{bitsPerKey: int(p)}
}
