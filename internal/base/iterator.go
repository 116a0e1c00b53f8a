// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

// InternalIterator iterates over a DB's key/value pairs in key order. Unlike
// the user-facing Iterator, the returned keys are InternalKeys composed of the
// user-key, a sequence number and a key kind. In forward iteration, key/value
// pairs for identical user-keys are returned in descending sequence order. In
// reverse iteration, key/value pairs for identical user-keys are returned in
// ascending sequence order.
//
// InternalIterators provide 3 absolute positioning methods and 2 relative
// positioning methods. The absolute positioning methods are:
//
// - SeekGE
// - First
// - Last
//
// The relative positioning methods are:
//
// - Next
// - Prev
//
// Each positioning method returns true if the iterator is left pointing at a
// valid entry and false otherwise. It is undefined to call relative
// positioning methods without ever calling an absolute positioning method.
//
// An iterator that encounters an error becomes invalid; the error is returned
// by Error and again by Close.
//
// The Key and Value returned by an iterator are only valid until the next
// positioning call.
type InternalIterator interface {
	// SeekGE moves the iterator to the first key/value pair whose key is
	// greater than or equal to the given key.
	SeekGE(key InternalKey) bool

	// First moves the iterator the the first key/value pair.
	First() bool

	// Last moves the iterator the the last key/value pair.
	Last() bool

	// Next moves the iterator to the next key/value pair.
	Next() bool

	// Prev moves the iterator to the previous key/value pair.
	Prev() bool

	// Key returns the encoded internal key of the current key/value pair, or
	// an invalid key if done.
	Key() InternalKey

	// Value returns the value of the current key/value pair, or nil if done.
	Value() []byte

	// Valid returns true if the iterator is positioned at a valid key/value
	// pair and false otherwise.
	Valid() bool

	// Error returns any accumulated error.
	Error() error

	// Close closes the iterator and returns any accumulated error. Exhausting
	// all the key/value pairs in a table is not considered to be an error.
	// It is valid to call Close multiple times. Other methods should not be
	// called after the iterator has been closed.
	Close() error
}

// ErrorIter is an InternalIterator that is always invalid and returns its
// error from Error and Close.
type ErrorIter struct {
	err error
}

var _ InternalIterator = (*ErrorIter)(nil)

// NewErrorIter returns an iterator that reports err.
func NewErrorIter(err error) *ErrorIter {
	return &ErrorIter{err: err}
}

// SeekGE implements InternalIterator.
func (c *ErrorIter) SeekGE(key InternalKey) bool { return false }

// First implements InternalIterator.
func (c *ErrorIter) First() bool { return false }

// Last implements InternalIterator.
func (c *ErrorIter) Last() bool { return false }

// Next implements InternalIterator.
func (c *ErrorIter) Next() bool { return false }

// Prev implements InternalIterator.
func (c *ErrorIter) Prev() bool { return false }

// Key implements InternalIterator.
func (c *ErrorIter) Key() InternalKey { return InvalidInternalKey }

// Value implements InternalIterator.
func (c *ErrorIter) Value() []byte { return nil }

// Valid implements InternalIterator.
func (c *ErrorIter) Valid() bool { return false }

// Error implements InternalIterator.
func (c *ErrorIter) Error() error { return c.err }

// Close implements InternalIterator.
func (c *ErrorIter) Close() error { return c.err }
