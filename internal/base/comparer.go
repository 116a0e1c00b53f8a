// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Compare orders user keys, returning a negative, zero or positive result.
// It returns zero only for identical keys, and the empty key sorts first.
type Compare func(a, b []byte) int

// Equal reports whether two user keys are identical.
type Equal func(a, b []byte) bool

// FormatKey returns a formatter for a user key.
type FormatKey func(key []byte) fmt.Formatter

// DefaultFormatter prints printable ASCII as is and escapes every other byte
// in hex.
var DefaultFormatter FormatKey = func(key []byte) fmt.Formatter { return FormatBytes(key) }

// Separator appends to dst a key k with a <= k < b, given a < b. Index blocks
// store separators between data blocks, so a short k makes a small index.
// Appending a is always correct.
type Separator func(dst, a, b []byte) []byte

// Successor appends to dst a key k >= a. Appending a is always correct.
type Successor func(dst, a []byte) []byte

// Comparer is a named ordering of user keys. The name is recorded in the
// manifest, and a database refuses to open with a comparer of another name.
type Comparer struct {
	Compare   Compare
	Equal     Equal
	Separator Separator
	Successor Successor
	FormatKey FormatKey
	Name      string
}

// EnsureDefaults returns c with its optional functions filled in, copying c
// if any were missing. A nil c yields DefaultComparer. Compare and Name are
// required.
func (c *Comparer) EnsureDefaults() *Comparer {
	if c == nil {
		return DefaultComparer
	}
	if c.Compare == nil || c.Name == "" {
		panic("invalid Comparer: mandatory field not set")
	}
	if c.Equal != nil && c.Separator != nil && c.Successor != nil && c.FormatKey != nil {
		return c
	}
	n := *c
	if n.Equal == nil {
		compare := n.Compare
		n.Equal = func(a, b []byte) bool { return compare(a, b) == 0 }
	}
	if n.Separator == nil {
		n.Separator = func(dst, a, _ []byte) []byte { return append(dst, a...) }
	}
	if n.Successor == nil {
		n.Successor = func(dst, a []byte) []byte { return append(dst, a...) }
	}
	if n.FormatKey == nil {
		n.FormatKey = DefaultFormatter
	}
	return &n
}

// DefaultComparer orders keys bytewise. Its name is the one LevelDB writes,
// so databases are interchangeable.
var DefaultComparer = &Comparer{
	Compare:   bytes.Compare,
	Equal:     bytes.Equal,
	Separator: bytewiseSeparator,
	Successor: bytewiseSuccessor,
	FormatKey: DefaultFormatter,
	Name:      "leveldb.BytewiseComparator",
}

// bytewiseSeparator shortens a to the shared prefix plus one byte where it
// can. For example "black" and "blue" give "blb".
func bytewiseSeparator(dst, a, b []byte) []byte {
	n := SharedPrefixLen(a, b)
	if n == len(a) || n == len(b) || a[n] >= b[n] {
		// One key is a prefix of the other.
		return append(dst, a...)
	}
	if a[n]+1 < b[n] || n+1 < len(b) {
		return appendIncremented(dst, a[:n+1])
	}
	// b is a[:n] followed by a[n]+1. Keep a[n] and bump a later byte.
	for i := n + 1; i < len(a); i++ {
		if a[i] != 0xff {
			return appendIncremented(dst, a[:i+1])
		}
	}
	return append(dst, a...)
}

// bytewiseSuccessor returns the shortest key above every key with a's first
// non-0xff byte as a prefix. A key of only 0xff bytes is its own successor.
func bytewiseSuccessor(dst, a []byte) []byte {
	for i, c := range a {
		if c != 0xff {
			return appendIncremented(dst, a[:i+1])
		}
	}
	return append(dst, a...)
}

// appendIncremented appends p with its last byte, which is below 0xff,
// incremented.
func appendIncremented(dst, p []byte) []byte {
	dst = append(dst, p...)
	dst[len(dst)-1]++
	return dst
}

// SharedPrefixLen returns the length of the longest common prefix of a and b.
func SharedPrefixLen(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for ; i+8 <= n; i += 8 {
		if binary.LittleEndian.Uint64(a[i:]) != binary.LittleEndian.Uint64(b[i:]) {
			break
		}
	}
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// FormatBytes formats a key with printable ASCII kept and other bytes written
// as \xNN.
type FormatBytes []byte

// Format implements fmt.Formatter.
func (p FormatBytes) Format(s fmt.State, _ rune) {
	const hex = "0123456789abcdef"
	buf := make([]byte, 0, len(p))
	for _, c := range p {
		if c < utf8.RuneSelf && c >= 0x20 && c != 0x7f {
			buf = append(buf, c)
		} else {
			buf = append(buf, '\\', 'x', hex[c>>4], hex[c&0xf])
		}
	}
	s.Write(buf)
}
