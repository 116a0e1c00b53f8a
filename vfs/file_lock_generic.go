// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !darwin && !dragonfly && !freebsd && !linux && !netbsd && !openbsd
// +build !darwin,!dragonfly,!freebsd,!linux,!netbsd,!openbsd

package vfs

import (
	"io"
	"runtime"

	"github.com/cockroachdb/errors"
)

func (defaultFS) Lock(name string) (io.Closer, error) {
	return nil, errors.Errorf("levelkv: file locking is not implemented on %s/%s",
		runtime.GOOS, runtime.GOARCH)
}
