// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs // import "github.com/cockroachdb/levelkv/vfs"

import (
	"fmt"
	"io"
	"maps"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

// memSep separates the elements of a MemFS path. Paths are interpreted
// relative to the root, so "/db/CURRENT" and "db/CURRENT" name the same file.
const memSep = "/"

var (
	errMemEmptyName = errors.New("levelkv/vfs: empty file name")
	errMemNotDir    = errors.New("not a directory")
	errMemClosed    = errors.New("levelkv/vfs: file already closed")
)

// NewMem returns an empty in-memory FS.
func NewMem() *MemFS {
	return &MemFS{root: newMemDir(), locks: make(map[string]struct{})}
}

// NewMemFile returns a standalone read-only File over data, which the file
// takes ownership of. Sync is a no-op.
func NewMemFile(data []byte) File {
	n := &memNode{modTime: time.Now()}
	n.data = data
	return &memFile{name: "memfile", n: n, readable: true}
}

// MemFS is an FS held in memory.
//
// Each file and directory remembers its contents as of its last Sync.
// CrashClone builds a new MemFS out of that synced state, which is what a
// process would find after a machine crash.
type MemFS struct {
	// mu protects the directory tree and locks. File contents are protected
	// by their node's mutex.
	mu    sync.Mutex
	root  *memNode
	locks map[string]struct{}
}

var _ FS = (*MemFS)(nil)

// memNode is a directory or a file.
type memNode struct {
	isDir bool

	// Directories. syncedChildren is nil until the directory is first
	// synced; until then every entry is considered durable.
	children       map[string]*memNode
	syncedChildren map[string]*memNode

	// Files.
	dataMu     sync.Mutex
	data       []byte
	syncedData []byte
	modTime    time.Time
}

func newMemDir() *memNode {
	return &memNode{isDir: true, children: make(map[string]*memNode)}
}

func memPathError(op, name string, err error) error {
	return &os.PathError{Op: op, Path: name, Err: err}
}

// splitMemPath returns the elements of name. The root has no elements.
func splitMemPath(name string) []string {
	cleaned := strings.Trim(path.Clean(memSep+name), memSep)
	if cleaned == "" {
		return nil
	}
	return strings.Split(cleaned, memSep)
}

// parent returns the directory holding name and name's final element. The
// final element is empty when name is the root. y.mu must be held.
func (y *MemFS) parent(op, name string) (*memNode, string, error) {
	elems := splitMemPath(name)
	if len(elems) == 0 {
		return y.root, "", nil
	}
	dir := y.root
	for _, e := range elems[:len(elems)-1] {
		child, ok := dir.children[e]
		switch {
		case !ok:
			return nil, "", memPathError(op, name, oserror.ErrNotExist)
		case !child.isDir:
			return nil, "", memPathError(op, name, errMemNotDir)
		}
		dir = child
	}
	return dir, elems[len(elems)-1], nil
}

// lookup returns the node named by name. y.mu must be held.
func (y *MemFS) lookup(op, name string) (*memNode, string, error) {
	dir, base, err := y.parent(op, name)
	if err != nil {
		return nil, "", err
	}
	if base == "" {
		return y.root, memSep, nil
	}
	n, ok := dir.children[base]
	if !ok {
		return nil, "", memPathError(op, name, oserror.ErrNotExist)
	}
	return n, base, nil
}

// Create implements FS.Create.
func (y *MemFS) Create(name string) (File, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	dir, base, err := y.parent("create", name)
	if err != nil {
		return nil, err
	}
	if base == "" || strings.HasSuffix(name, memSep) {
		return nil, errMemEmptyName
	}
	n := &memNode{modTime: time.Now()}
	dir.children[base] = n
	return &memFile{name: base, n: n, fs: y, readable: true, writable: true}, nil
}

// Open implements FS.Open.
func (y *MemFS) Open(name string) (File, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	n, base, err := y.lookup("open", name)
	if err != nil {
		return nil, err
	}
	return &memFile{name: base, n: n, fs: y, readable: !n.isDir}, nil
}

// OpenDir implements FS.OpenDir.
func (y *MemFS) OpenDir(name string) (File, error) {
	return y.Open(name)
}

// Remove implements FS.Remove. A directory must be empty.
func (y *MemFS) Remove(name string) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	dir, base, err := y.parent("remove", name)
	if err != nil {
		return err
	}
	if base == "" {
		return errMemEmptyName
	}
	n, ok := dir.children[base]
	if !ok {
		return memPathError("remove", name, oserror.ErrNotExist)
	}
	if len(n.children) > 0 {
		return memPathError("remove", name, oserror.ErrExist)
	}
	delete(dir.children, base)
	return nil
}

// RemoveAll implements FS.RemoveAll. Like os.RemoveAll, a missing path or
// parent directory is not an error.
func (y *MemFS) RemoveAll(name string) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	dir, base, err := y.parent("remove", name)
	switch {
	case oserror.IsNotExist(err):
		return nil
	case err != nil:
		return err
	case base == "":
		return errMemEmptyName
	}
	delete(dir.children, base)
	return nil
}

// Rename implements FS.Rename, replacing newname if it exists.
func (y *MemFS) Rename(oldname, newname string) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	oldDir, oldBase, err := y.parent("rename", oldname)
	if err != nil {
		return err
	}
	n, ok := oldDir.children[oldBase]
	if oldBase == "" || !ok {
		return memPathError("rename", oldname, oserror.ErrNotExist)
	}
	newDir, newBase, err := y.parent("rename", newname)
	if err != nil {
		return err
	}
	if newBase == "" {
		return errMemEmptyName
	}
	delete(oldDir.children, oldBase)
	newDir.children[newBase] = n
	return nil
}

// MkdirAll implements FS.MkdirAll.
func (y *MemFS) MkdirAll(dirname string, perm os.FileMode) error {
	y.mu.Lock()
	defer y.mu.Unlock()
	dir := y.root
	for _, e := range splitMemPath(dirname) {
		child, ok := dir.children[e]
		if !ok {
			child = newMemDir()
			dir.children[e] = child
		} else if !child.isDir {
			return memPathError("mkdir", dirname, errMemNotDir)
		}
		dir = child
	}
	return nil
}

// Lock implements FS.Lock. Other processes cannot see a MemFS, so the lock
// only excludes other holders within this process, which lets a test reopen
// a DB on the same MemFS after closing it. The lock file is created so that
// it shows up in directory listings.
func (y *MemFS) Lock(name string) (io.Closer, error) {
	y.mu.Lock()
	if _, held := y.locks[name]; held {
		y.mu.Unlock()
		// Mimic flock(2) on a lock held elsewhere.
		return nil, syscall.EAGAIN
	}
	y.locks[name] = struct{}{}
	y.mu.Unlock()

	f, err := y.Create(name)
	if err != nil {
		y.unlock(name)
		return nil, err
	}
	return &memFileLock{fs: y, f: f, name: name}, nil
}

func (y *MemFS) unlock(name string) {
	y.mu.Lock()
	defer y.mu.Unlock()
	delete(y.locks, name)
}

// List implements FS.List.
func (y *MemFS) List(dirname string) ([]string, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	n, _, err := y.lookup("open", dirname)
	if err != nil {
		return nil, err
	}
	if !n.isDir {
		return nil, memPathError("open", dirname, errMemNotDir)
	}
	return slices.Collect(maps.Keys(n.children)), nil
}

// Stat implements FS.Stat.
func (y *MemFS) Stat(name string) (os.FileInfo, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	n, base, err := y.lookup("stat", name)
	if err != nil {
		return nil, err
	}
	return n.stat(base), nil
}

// PathBase implements FS.PathBase. MemFS always separates with '/'.
func (*MemFS) PathBase(p string) string { return path.Base(p) }

// PathJoin implements FS.PathJoin.
func (*MemFS) PathJoin(elem ...string) string { return path.Join(elem...) }

// PathDir implements FS.PathDir.
func (*MemFS) PathDir(p string) string { return path.Dir(p) }

// String prints the tree, one entry per line, with the size of each file in
// a right-aligned column and directories suffixed by '/'.
func (y *MemFS) String() string {
	y.mu.Lock()
	defer y.mu.Unlock()
	var b strings.Builder
	b.WriteString("          /\n")
	y.root.format(&b, 1)
	return b.String()
}

func (n *memNode) format(b *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, name := range slices.Sorted(maps.Keys(n.children)) {
		child := n.children[name]
		if child.isDir {
			fmt.Fprintf(b, "          %s%s/\n", indent, name)
			child.format(b, depth+1)
			continue
		}
		child.dataMu.Lock()
		fmt.Fprintf(b, "%8d  %s%s\n", len(child.data), indent, name)
		child.dataMu.Unlock()
	}
}

// CrashClone returns a new MemFS holding only the synced state of y: file
// data written after the file's last Sync is lost, and a directory that has
// been synced keeps only the entries it had at that Sync.
func (y *MemFS) CrashClone() *MemFS {
	y.mu.Lock()
	defer y.mu.Unlock()
	return &MemFS{root: y.root.syncedCopy(), locks: make(map[string]struct{})}
}

func (n *memNode) syncedCopy() *memNode {
	if n.isDir {
		entries := n.syncedChildren
		if entries == nil {
			entries = n.children
		}
		c := newMemDir()
		for name, child := range entries {
			c.children[name] = child.syncedCopy()
		}
		return c
	}
	n.dataMu.Lock()
	defer n.dataMu.Unlock()
	return &memNode{
		data:       slices.Clone(n.syncedData),
		syncedData: slices.Clone(n.syncedData),
		modTime:    n.modTime,
	}
}

func (n *memNode) stat(name string) os.FileInfo {
	fi := &memFileInfo{name: name, isDir: n.isDir}
	if !n.isDir {
		n.dataMu.Lock()
		fi.size = int64(len(n.data))
		fi.modTime = n.modTime
		n.dataMu.Unlock()
	}
	return fi
}

// memFile is an open handle on a memNode. Writes always append at the
// handle's position; files are written once, front to back.
type memFile struct {
	name               string
	n                  *memNode
	fs                 *MemFS // nil for NewMemFile
	pos                int64
	readable, writable bool
}

var _ File = (*memFile)(nil)

func (f *memFile) checkRead() error {
	switch {
	case f.n == nil:
		return errMemClosed
	case f.n.isDir:
		return errors.New("levelkv/vfs: cannot read a directory")
	case !f.readable:
		return errors.New("levelkv/vfs: file was not opened for reading")
	}
	return nil
}

func (f *memFile) Close() error {
	if f.n == nil {
		return errMemClosed
	}
	f.n = nil
	return nil
}

func (f *memFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if err := f.checkRead(); err != nil {
		return 0, err
	}
	f.n.dataMu.Lock()
	defer f.n.dataMu.Unlock()
	if off >= int64(len(f.n.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.n.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	switch {
	case f.n == nil:
		return 0, errMemClosed
	case f.n.isDir:
		return 0, errors.New("levelkv/vfs: cannot write a directory")
	case !f.writable:
		return 0, errors.New("levelkv/vfs: file was not created for writing")
	}
	f.n.dataMu.Lock()
	defer f.n.dataMu.Unlock()
	f.n.data = append(f.n.data[:f.pos], p...)
	f.n.modTime = time.Now()
	f.pos += int64(len(p))
	return len(p), nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	if f.n == nil {
		return nil, errMemClosed
	}
	return f.n.stat(f.name), nil
}

// Sync records the current contents of a file, or the current entries of a
// directory, as durable.
func (f *memFile) Sync() error {
	if f.n == nil {
		return errMemClosed
	}
	if f.fs == nil {
		return nil
	}
	if f.n.isDir {
		f.fs.mu.Lock()
		f.n.syncedChildren = maps.Clone(f.n.children)
		f.fs.mu.Unlock()
		return nil
	}
	f.n.dataMu.Lock()
	f.n.syncedData = append(f.n.syncedData[:0], f.n.data...)
	f.n.dataMu.Unlock()
	return nil
}

type memFileInfo struct {
	name    string
	size    int64
	modTime time.Time
	isDir   bool
}

var _ os.FileInfo = (*memFileInfo)(nil)

func (fi *memFileInfo) Name() string       { return fi.name }
func (fi *memFileInfo) Size() int64        { return fi.size }
func (fi *memFileInfo) ModTime() time.Time { return fi.modTime }
func (fi *memFileInfo) IsDir() bool        { return fi.isDir }
func (fi *memFileInfo) Sys() interface{}   { return nil }

func (fi *memFileInfo) Mode() os.FileMode {
	if fi.isDir {
		return os.ModeDir | 0755
	}
	return 0644
}

type memFileLock struct {
	fs   *MemFS
	f    File
	name string
}

func (l *memFileLock) Close() error {
	if l.fs == nil {
		return nil
	}
	l.fs.unlock(l.name)
	l.fs = nil
	return l.f.Close()
}
