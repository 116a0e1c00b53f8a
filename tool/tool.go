// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package tool implements the introspection and benchmarking commands of the
// levelkv binary.
package tool

import (
	"github.com/cockroachdb/levelkv"
	"github.com/cockroachdb/levelkv/bloom"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/vfs"
	"github.com/spf13/cobra"
)

// Comparer exports the base.Comparer type.
type Comparer = base.Comparer

// FilterPolicy exports the base.FilterPolicy type.
type FilterPolicy = base.FilterPolicy

// T is the container for all of the introspection tools.
type T struct {
	Commands []*cobra.Command
	bench    *benchT
	db       *dbT
	manifest *manifestT
	sstable  *sstableT
	wal      *walT
	opts     toolOpts
}

// toolOpts is the configuration shared by every command.
type toolOpts struct {
	fs        vfs.FS
	comparers map[string]*Comparer
	filters   map[string]FilterPolicy
	// comparer is the name of the comparer used to open DBs and tables.
	comparer string
	// filter is the name of the filter policy used to open DBs.
	filter string
}

func (o *toolOpts) getComparer() (*Comparer, error) {
	c := o.comparers[o.comparer]
	if c == nil {
		return nil, base.InvalidArgumentErrorf("unknown comparer %q", o.comparer)
	}
	return c, nil
}

func (o *toolOpts) getFilter() FilterPolicy {
	return o.filters[o.filter]
}

// dbOptions returns the options used to open an existing DB.
func (o *toolOpts) dbOptions() (*levelkv.Options, error) {
	cmp, err := o.getComparer()
	if err != nil {
		return nil, err
	}
	return &levelkv.Options{
		Comparer:         cmp,
		FilterPolicy:     o.getFilter(),
		FS:               o.fs,
		ErrorIfNotExists: true,
		Logger:           quietLogger{},
	}, nil
}

// Option configures a T.
type Option func(*T)

// FS sets the filesystem the tools read from. The default is the operating
// system's filesystem.
func FS(fs vfs.FS) Option {
	return func(t *T) { t.opts.fs = fs }
}

// New creates a new introspection tool.
func New(opts ...Option) *T {
	t := &T{
		opts: toolOpts{
			fs:        vfs.Default,
			comparers: make(map[string]*Comparer),
			filters:   make(map[string]FilterPolicy),
			comparer:  base.DefaultComparer.Name,
		},
	}
	for _, opt := range opts {
		opt(t)
	}

	t.RegisterComparer(base.DefaultComparer)
	t.RegisterFilter(bloom.FilterPolicy(10))
	t.opts.filter = bloom.FilterPolicy(10).Name()

	t.bench = newBench(&t.opts)
	t.db = newDB(&t.opts)
	t.manifest = newManifest(&t.opts)
	t.sstable = newSSTable(&t.opts)
	t.wal = newWAL(&t.opts)
	t.Commands = []*cobra.Command{
		t.bench.Root,
		t.db.Root,
		t.manifest.Root,
		t.sstable.Root,
		t.wal.Root,
	}
	for _, cmd := range t.Commands {
		cmd.PersistentFlags().StringVar(
			&t.opts.comparer, "comparer", t.opts.comparer, "comparer name")
	}
	return t
}

// RegisterComparer registers a comparer for use by the introspection tools.
func (t *T) RegisterComparer(c *Comparer) {
	t.opts.comparers[c.Name] = c
}

// RegisterFilter registers a filter policy for use by the introspection tools.
func (t *T) RegisterFilter(f FilterPolicy) {
	t.opts.filters[f.Name()] = f
}

// quietLogger drops informational messages, which would otherwise interleave
// with command output.
type quietLogger struct{}

func (quietLogger) Infof(format string, args ...interface{}) {}

func (quietLogger) Errorf(format string, args ...interface{}) {
	base.DefaultLogger.Errorf(format, args...)
}

func (quietLogger) Fatalf(format string, args ...interface{}) {
	base.DefaultLogger.Fatalf(format, args...)
}
