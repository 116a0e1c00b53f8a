// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package errorfs wraps a vfs.FS so that tests can inject errors into chosen
// file system operations.
package errorfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/vfs"
)

// ErrInjected is the error returned by Always. Injected errors are wrapped
// with the operation and path they failed, so match them with errors.Is.
var ErrInjected = errors.New("injected error")

// Op identifies a file system operation.
type Op int

// The operations an Injector is consulted on. File closes are never failed.
const (
	OpCreate Op = iota
	OpOpen
	OpOpenDir
	OpRemove
	OpRemoveAll
	OpRename
	OpMkdirAll
	OpLock
	OpList
	OpStat
	OpFileRead
	OpFileReadAt
	OpFileWrite
	OpFileStat
	OpFileSync
)

var opNames = [...]string{
	OpCreate:     "create",
	OpOpen:       "open",
	OpOpenDir:    "open-dir",
	OpRemove:     "remove",
	OpRemoveAll:  "remove-all",
	OpRename:     "rename",
	OpMkdirAll:   "mkdir-all",
	OpLock:       "lock",
	OpList:       "list",
	OpStat:       "stat",
	OpFileRead:   "read",
	OpFileReadAt: "read-at",
	OpFileWrite:  "write",
	OpFileStat:   "file-stat",
	OpFileSync:   "sync",
}

func (o Op) String() string {
	if o < 0 || int(o) >= len(opNames) {
		return fmt.Sprintf("op(%d)", int(o))
	}
	return opNames[o]
}

// Injector decides whether an operation fails. It is called before the
// operation runs with the path it acts on; for Rename that is the old name.
type Injector interface {
	MaybeError(op Op, path string) error
}

// InjectorFunc adapts a function to an Injector.
type InjectorFunc func(op Op, path string) error

// MaybeError implements Injector.
func (f InjectorFunc) MaybeError(op Op, path string) error { return f(op, path) }

// Always fails every operation it is consulted on with ErrInjected.
func Always() Injector {
	return InjectorFunc(func(Op, string) error { return ErrInjected })
}

// OnOp consults next only for op.
func OnOp(op Op, next Injector) Injector {
	return InjectorFunc(func(o Op, path string) error {
		if o != op {
			return nil
		}
		return next.MaybeError(o, path)
	})
}

// PathMatch consults next only for paths matching pattern, in the syntax of
// filepath.Match.
func PathMatch(pattern string, next Injector) Injector {
	if _, err := filepath.Match(pattern, ""); err != nil {
		panic(err)
	}
	return InjectorFunc(func(op Op, path string) error {
		if ok, _ := filepath.Match(pattern, path); !ok {
			return nil
		}
		return next.MaybeError(op, path)
	})
}

// Nth consults next on the nth operation it sees, counting from zero, and
// lets every other operation through.
func Nth(n int64, next Injector) *Counter {
	return &Counter{target: n, next: next}
}

// Counter is the Injector returned by Nth.
type Counter struct {
	seen   atomic.Int64
	target int64
	next   Injector
}

// Seen returns the number of operations the counter has seen.
func (c *Counter) Seen() int64 { return c.seen.Load() }

// MaybeError implements Injector.
func (c *Counter) MaybeError(op Op, path string) error {
	if c.seen.Add(1)-1 != c.target {
		return nil
	}
	return c.next.MaybeError(op, path)
}

// FS is a vfs.FS that consults an Injector before each operation.
type FS struct {
	fs  vfs.FS
	inj Injector
}

var _ vfs.FS = (*FS)(nil)

// Wrap returns fs with errors injected by inj.
func Wrap(fs vfs.FS, inj Injector) *FS {
	return &FS{fs: fs, inj: inj}
}

// Unwrap returns the wrapped FS.
func (fs *FS) Unwrap() vfs.FS { return fs.fs }

func inject(inj Injector, op Op, path string) error {
	if err := inj.MaybeError(op, path); err != nil {
		return errors.Wrapf(err, "errorfs: %s %s", op, path)
	}
	return nil
}

func (fs *FS) wrapFile(name string, f vfs.File, err error) (vfs.File, error) {
	if err != nil {
		return nil, err
	}
	return &file{File: f, name: name, inj: fs.inj}, nil
}

// Create implements vfs.FS.
func (fs *FS) Create(name string) (vfs.File, error) {
	if err := inject(fs.inj, OpCreate, name); err != nil {
		return nil, err
	}
	f, err := fs.fs.Create(name)
	return fs.wrapFile(name, f, err)
}

// Open implements vfs.FS.
func (fs *FS) Open(name string) (vfs.File, error) {
	if err := inject(fs.inj, OpOpen, name); err != nil {
		return nil, err
	}
	f, err := fs.fs.Open(name)
	return fs.wrapFile(name, f, err)
}

// OpenDir implements vfs.FS.
func (fs *FS) OpenDir(name string) (vfs.File, error) {
	if err := inject(fs.inj, OpOpenDir, name); err != nil {
		return nil, err
	}
	f, err := fs.fs.OpenDir(name)
	return fs.wrapFile(name, f, err)
}

// Remove implements vfs.FS. Removing a missing file succeeds without
// consulting the injector.
func (fs *FS) Remove(name string) error {
	if _, err := fs.fs.Stat(name); vfs.IsNotExist(err) {
		return nil
	}
	if err := inject(fs.inj, OpRemove, name); err != nil {
		return err
	}
	return fs.fs.Remove(name)
}

// RemoveAll implements vfs.FS.
func (fs *FS) RemoveAll(name string) error {
	if err := inject(fs.inj, OpRemoveAll, name); err != nil {
		return err
	}
	return fs.fs.RemoveAll(name)
}

// Rename implements vfs.FS.
func (fs *FS) Rename(oldname, newname string) error {
	if err := inject(fs.inj, OpRename, oldname); err != nil {
		return err
	}
	return fs.fs.Rename(oldname, newname)
}

// MkdirAll implements vfs.FS.
func (fs *FS) MkdirAll(dir string, perm os.FileMode) error {
	if err := inject(fs.inj, OpMkdirAll, dir); err != nil {
		return err
	}
	return fs.fs.MkdirAll(dir, perm)
}

// Lock implements vfs.FS.
func (fs *FS) Lock(name string) (io.Closer, error) {
	if err := inject(fs.inj, OpLock, name); err != nil {
		return nil, err
	}
	return fs.fs.Lock(name)
}

// List implements vfs.FS.
func (fs *FS) List(dir string) ([]string, error) {
	if err := inject(fs.inj, OpList, dir); err != nil {
		return nil, err
	}
	return fs.fs.List(dir)
}

// Stat implements vfs.FS.
func (fs *FS) Stat(name string) (os.FileInfo, error) {
	if err := inject(fs.inj, OpStat, name); err != nil {
		return nil, err
	}
	return fs.fs.Stat(name)
}

// PathBase implements vfs.FS.
func (fs *FS) PathBase(p string) string { return fs.fs.PathBase(p) }

// PathDir implements vfs.FS.
func (fs *FS) PathDir(p string) string { return fs.fs.PathDir(p) }

// PathJoin implements vfs.FS.
func (fs *FS) PathJoin(elem ...string) string { return fs.fs.PathJoin(elem...) }

// file wraps a vfs.File. Close is inherited and never fails by injection.
type file struct {
	vfs.File
	name string
	inj  Injector
}

func (f *file) Read(p []byte) (int, error) {
	if err := inject(f.inj, OpFileRead, f.name); err != nil {
		return 0, err
	}
	return f.File.Read(p)
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if err := inject(f.inj, OpFileReadAt, f.name); err != nil {
		return 0, err
	}
	return f.File.ReadAt(p, off)
}

func (f *file) Write(p []byte) (int, error) {
	if err := inject(f.inj, OpFileWrite, f.name); err != nil {
		return 0, err
	}
	return f.File.Write(p)
}

func (f *file) Stat() (os.FileInfo, error) {
	if err := inject(f.inj, OpFileStat, f.name); err != nil {
		return nil, err
	}
	return f.File.Stat()
}

func (f *file) Sync() error {
	if err := inject(f.inj, OpFileSync, f.name); err != nil {
		return err
	}
	return f.File.Sync()
}
