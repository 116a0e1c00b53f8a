// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !linux || arm
// +build !linux arm

package vfs

import "github.com/cockroachdb/errors"

// Sync implements File.Sync.
func (f osFile) Sync() error {
	return errors.WithStack(f.File.Sync())
}
