// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package vfs is the file system interface a database reads and writes its
// directory through. Default uses the operating system, and NewMem returns an
// in-memory file system for tests that can simulate a crash.
package vfs // import "github.com/cockroachdb/levelkv/vfs"

import (
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

// File is an open file. Directories opened with OpenDir support only Sync and
// Close.
type File interface {
	io.Closer
	io.Reader
	io.ReaderAt
	io.Writer
	Stat() (os.FileInfo, error)
	Sync() error
}

// FS is a file system. Names use the separator of the implementation, which
// PathJoin, PathBase and PathDir apply.
type FS interface {
	// Create opens name for writing, truncating any existing file.
	Create(name string) (File, error)
	Open(name string) (File, error)
	// OpenDir opens a directory so that Sync can persist its entries.
	OpenDir(name string) (File, error)
	Remove(name string) error
	// RemoveAll removes name and everything below it. A missing name is not
	// an error.
	RemoveAll(name string) error
	// Rename replaces any file at newname.
	Rename(oldname, newname string) error
	// MkdirAll succeeds if dir already exists.
	MkdirAll(dir string, perm os.FileMode) error
	// Lock takes an exclusive lock on name, creating the file if needed. It
	// fails at once if another holder has the lock. Closing the returned
	// Closer releases it.
	Lock(name string) (io.Closer, error)
	// List returns the names of the entries of dir, without the dir prefix.
	List(dir string) ([]string, error)
	Stat(name string) (os.FileInfo, error)

	PathBase(path string) string
	PathJoin(elem ...string) string
	PathDir(path string) string
}

// Default is the operating system's file system.
var Default FS = defaultFS{}

type defaultFS struct{}

func openOS(name string, flag int, perm os.FileMode) (File, error) {
	f, err := os.OpenFile(name, flag|syscall.O_CLOEXEC, perm)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return osFile{f}, nil
}

func (defaultFS) Create(name string) (File, error) {
	return openOS(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (defaultFS) Open(name string) (File, error) {
	return openOS(name, os.O_RDONLY, 0)
}

func (defaultFS) OpenDir(name string) (File, error) {
	return openOS(name, os.O_RDONLY, 0)
}

func (defaultFS) Remove(name string) error { return errors.WithStack(os.Remove(name)) }

func (defaultFS) RemoveAll(name string) error { return errors.WithStack(os.RemoveAll(name)) }

func (defaultFS) Rename(oldname, newname string) error {
	return errors.WithStack(os.Rename(oldname, newname))
}

func (defaultFS) MkdirAll(dir string, perm os.FileMode) error {
	return errors.WithStack(os.MkdirAll(dir, perm))
}

func (defaultFS) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (defaultFS) Stat(name string) (os.FileInfo, error) {
	info, err := os.Stat(name)
	return info, errors.WithStack(err)
}

func (defaultFS) PathBase(path string) string    { return filepath.Base(path) }
func (defaultFS) PathJoin(elem ...string) string { return filepath.Join(elem...) }
func (defaultFS) PathDir(path string) string     { return filepath.Dir(path) }

// osFile is an *os.File whose Sync is chosen per platform.
type osFile struct {
	*os.File
}

// IsNotExist reports whether err means a file or directory is missing. It
// sees through wrapping.
func IsNotExist(err error) bool {
	return oserror.IsNotExist(err)
}
