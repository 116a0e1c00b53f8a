// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
)

// SeqNum exports the base.SeqNum type.
type SeqNum = base.SeqNum

// InternalKeyKind exports the base.InternalKeyKind type.
type InternalKeyKind = base.InternalKeyKind

// These constants are part of the file format, and should not be changed.
const (
	InternalKeyKindDelete  = base.InternalKeyKindDelete
	InternalKeyKindSet     = base.InternalKeyKindSet
	InternalKeyKindMax     = base.InternalKeyKindMax
	InternalKeyKindInvalid = base.InternalKeyKindInvalid
)

// InternalKey exports the base.InternalKey type.
type InternalKey = base.InternalKey

// FileNum exports the base.FileNum type.
type FileNum = base.FileNum

// Comparer exports the base.Comparer type.
type Comparer = base.Comparer

// Compare exports the base.Compare type.
type Compare = base.Compare

// Logger exports the base.Logger type.
type Logger = base.Logger

// FilterPolicy exports the base.FilterPolicy type.
type FilterPolicy = base.FilterPolicy

// DefaultComparer exports the base.DefaultComparer variable.
var DefaultComparer = base.DefaultComparer

// DefaultLogger exports the base.DefaultLogger variable.
var DefaultLogger = base.DefaultLogger

// MakeInternalKey constructs an internal key from a specified user key,
// sequence number and kind.
func MakeInternalKey(userKey []byte, seqNum SeqNum, kind InternalKeyKind) InternalKey {
	return base.MakeInternalKey(userKey, seqNum, kind)
}

type internalIterator = base.InternalIterator

var (
	// ErrNotFound is returned when a get operation does not find the
	// requested key.
	ErrNotFound = base.ErrNotFound
	// ErrCorruption marks errors caused by data that is not in the expected
	// format.
	ErrCorruption = base.ErrCorruption
	// ErrInvalidArgument marks errors caused by options that are
	// incompatible with the on-disk state.
	ErrInvalidArgument = base.ErrInvalidArgument
	// ErrClosed is returned by operations on a closed DB.
	ErrClosed = errors.New("levelkv: closed")
)
