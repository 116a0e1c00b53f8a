// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/levelkv/vfs"
	"github.com/cockroachdb/redact"
	"github.com/stretchr/testify/require"
)

func TestParseFilename(t *testing.T) {
	testCases := map[string]bool{
		"000000.log":          true,
		"000000.log.zip":      false,
		"000000..log":         false,
		"a000000.log":         false,
		"abcdef.log":          false,
		"000001ldb":           false,
		"000001.ldb":          true,
		"000001.sst":          true,
		"000002.dbtmp":        true,
		"CURRENT":             true,
		"LOCK":                true,
		"LOG":                 true,
		"LOG.old":             true,
		"xLOCK":               false,
		"x.LOCK":              false,
		"MANIFEST":            false,
		"MANIFEST123456":      false,
		"MANIFEST-":           false,
		"MANIFEST-123456":     true,
		"MANIFEST-123456.doc": false,
		"CURRENT.123456":      false,
	}
	fs := vfs.NewMem()
	for tc, want := range testCases {
		_, _, got := ParseFilename(fs, fs.PathJoin("foo", tc))
		require.Equal(t, want, got, "%q", tc)
	}
}

func TestFilenameRoundTrip(t *testing.T) {
	testCases := map[FileType]bool{
		// CURRENT, LOCK and LOG files aren't numbered.
		FileTypeCurrent: false,
		FileTypeLock:    false,
		FileTypeInfoLog: false,
		// The remaining file types are numbered.
		FileTypeLog:      true,
		FileTypeManifest: true,
		FileTypeTable:    true,
		FileTypeTemp:     true,
	}
	fs := vfs.NewMem()
	for fileType, numbered := range testCases {
		fileNums := []FileNum{0}
		if numbered {
			fileNums = []FileNum{0, 1, 2, 3, 10, 42, 99, 1001}
		}
		for _, fileNum := range fileNums {
			filename := MakeFilepath(fs, "foo", fileType, fileNum)
			gotFT, gotFN, gotOK := ParseFilename(fs, filename)
			require.True(t, gotOK, "%q", filename)
			require.Equal(t, fileType, gotFT, "%q", filename)
			require.Equal(t, fileNum, gotFN, "%q", filename)
		}
	}
}

func TestFileTypeSafeFormat(t *testing.T) {
	require.Equal(t, "sstable", FileTypeTable.String())
	require.Equal(t, "manifest", string(redact.Sprint(FileTypeManifest).Redact()))
	require.Equal(t, "unknown", FileType(100).String())
	require.Equal(t, "000042", FileNum(42).String())
}

func TestAddDetailsToNotExistError(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("db", 0755))
	f, err := fs.Create(fs.PathJoin("db", MakeFilename(FileTypeTable, 7)))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	filename := fs.PathJoin("db", MakeFilename(FileTypeTable, 5))
	_, err = fs.Open(filename)
	require.True(t, oserror.IsNotExist(err))

	err = AddDetailsToNotExistError(fs, filename, err)
	require.True(t, oserror.IsNotExist(err))
	require.Contains(t, errors.FlattenDetails(err),
		"directory contains 1 files, 0 unknown, 1 tables, 0 logs, 0 manifests")
}
