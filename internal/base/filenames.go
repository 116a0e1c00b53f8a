// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/vfs"
	"github.com/cockroachdb/redact"
)

// FileNum numbers the logs, tables and manifests of a database. All three
// draw from one counter.
type FileNum uint64

func (fn FileNum) String() string { return fmt.Sprintf("%06d", uint64(fn)) }

// SafeFormat implements redact.SafeFormatter.
func (fn FileNum) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%06d", redact.SafeUint(fn))
}

// FileType is the role of a file in a database directory.
type FileType int

const (
	FileTypeLog FileType = iota
	FileTypeLock
	FileTypeTable
	FileTypeManifest
	FileTypeCurrent
	FileTypeTemp
	FileTypeInfoLog
)

func (ft FileType) String() string { return redact.StringWithoutMarkers(ft) }

// SafeFormat implements redact.SafeFormatter.
func (ft FileType) SafeFormat(w redact.SafePrinter, _ rune) {
	var s string
	switch ft {
	case FileTypeLog:
		s = "log"
	case FileTypeLock:
		s = "lock"
	case FileTypeTable:
		s = "sstable"
	case FileTypeManifest:
		s = "manifest"
	case FileTypeCurrent:
		s = "current"
	case FileTypeTemp:
		s = "temp"
	case FileTypeInfoLog:
		s = "info-log"
	default:
		s = "unknown"
	}
	w.Print(redact.SafeString(s))
}

const manifestPrefix = "MANIFEST-"

// numberedSuffixes maps the extension of a numbered file to its type. Tables
// are written as ".ldb", and ".sst" is read for older databases.
var numberedSuffixes = map[string]FileType{
	"log":   FileTypeLog,
	"ldb":   FileTypeTable,
	"sst":   FileTypeTable,
	"dbtmp": FileTypeTemp,
}

// MakeFilename returns the name of a file of the given type. Unnumbered types
// ignore fileNum.
func MakeFilename(fileType FileType, fileNum FileNum) string {
	switch fileType {
	case FileTypeLock:
		return "LOCK"
	case FileTypeCurrent:
		return "CURRENT"
	case FileTypeInfoLog:
		return "LOG"
	case FileTypeManifest:
		return manifestPrefix + fileNum.String()
	case FileTypeLog:
		return fileNum.String() + ".log"
	case FileTypeTable:
		return fileNum.String() + ".ldb"
	case FileTypeTemp:
		return fileNum.String() + ".dbtmp"
	}
	panic(errors.AssertionFailedf("unknown file type %d", int(fileType)))
}

// MakeFilepath returns the path of a file of the given type in dirname.
func MakeFilepath(fs vfs.FS, dirname string, fileType FileType, fileNum FileNum) string {
	return fs.PathJoin(dirname, MakeFilename(fileType, fileNum))
}

// ParseFilename reports the type and number of the file at path, and false
// if the base name is not one a database writes.
func ParseFilename(fs vfs.FS, path string) (fileType FileType, fileNum FileNum, ok bool) {
	name := fs.PathBase(path)
	switch name {
	case "CURRENT":
		return FileTypeCurrent, 0, true
	case "LOCK":
		return FileTypeLock, 0, true
	case "LOG", "LOG.old":
		return FileTypeInfoLog, 0, true
	}
	if num, found := strings.CutPrefix(name, manifestPrefix); found {
		fileNum, ok = parseFileNum(num)
		return FileTypeManifest, fileNum, ok
	}
	num, suffix, found := strings.Cut(name, ".")
	if !found {
		return 0, 0, false
	}
	fileType, known := numberedSuffixes[suffix]
	if !known {
		return 0, 0, false
	}
	fileNum, ok = parseFileNum(num)
	return fileType, fileNum, ok
}

func parseFileNum(s string) (FileNum, bool) {
	n, err := strconv.ParseUint(s, 10, 64)
	return FileNum(n), err == nil
}

// AddDetailsToNotExistError attaches a summary of filename's directory to a
// not-exist error, to tell a missing file from a missing directory.
func AddDetailsToNotExistError(fs vfs.FS, filename string, err error) error {
	names, listErr := fs.List(fs.PathDir(filename))
	if listErr != nil {
		return errors.WithDetailf(err, "list err: %+v", listErr)
	}
	counts := make(map[FileType]int)
	unknown := 0
	for _, name := range names {
		if typ, _, ok := ParseFilename(fs, name); ok {
			counts[typ]++
		} else {
			unknown++
		}
	}
	return errors.WithDetailf(err,
		"filename: %s; directory contains %d files, %d unknown, %d tables, %d logs, %d manifests",
		filename, len(names), unknown, counts[FileTypeTable], counts[FileTypeLog], counts[FileTypeManifest])
}
