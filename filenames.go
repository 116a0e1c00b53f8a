// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/vfs"
)

// setCurrentFile points CURRENT at the manifest with the given file number.
// The new contents are written to a temporary file that is synced and then
// renamed over CURRENT, so a crash leaves either the old or the new CURRENT.
func setCurrentFile(dirname string, fs vfs.FS, fileNum base.FileNum) (err error) {
	newFilename := base.MakeFilepath(fs, dirname, base.FileTypeCurrent, 0)
	oldFilename := base.MakeFilepath(fs, dirname, base.FileTypeTemp, fileNum)
	_ = fs.Remove(oldFilename)
	f, err := fs.Create(oldFilename)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = fs.Remove(oldFilename)
		}
	}()
	if _, err := fmt.Fprintf(f, "MANIFEST-%s\n", fileNum); err != nil {
		_ = f.Close()
		return errors.WithStack(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.WithStack(err)
	}
	if err := f.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(fs.Rename(oldFilename, newFilename))
}
