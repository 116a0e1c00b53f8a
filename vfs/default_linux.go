// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build linux && !arm
// +build linux,!arm

package vfs

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Sync implements File.Sync with fdatasync(2), which flushes file data and
// the metadata needed to read it back (such as the size) but skips the
// modification time.
func (f osFile) Sync() error {
	for {
		err := unix.Fdatasync(int(f.Fd()))
		if err != unix.EINTR {
			return errors.WithStack(err)
		}
	}
}
