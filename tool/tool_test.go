// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/cockroachdb/crlib/crstrings"
	"github.com/cockroachdb/levelkv"
	"github.com/cockroachdb/levelkv/bloom"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/vfs"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// runTool runs a single command line against a fresh tool reading from fs and
// returns what the command wrote to stdout and stderr.
func runTool(t *testing.T, fs vfs.FS, args ...string) (stdout, stderr string) {
	t.Helper()
	tool := New(FS(fs))
	root := &cobra.Command{Use: "levelkv"}
	root.AddCommand(tool.Commands...)
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(args)
	require.NoError(t, root.Execute())
	return outBuf.String(), errBuf.String()
}

// buildDB writes the keys a-e to a DB at dir, flushing them to a single table
// when flush is set.
func buildDB(t *testing.T, fs vfs.FS, dir string, flush bool) {
	t.Helper()
	d, err := levelkv.Open(dir, &levelkv.Options{
		FS:           fs,
		FilterPolicy: bloom.FilterPolicy(10),
		Logger:       quietLogger{},
	})
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, d.Set([]byte(k), []byte("val-"+k), nil))
	}
	if flush {
		require.NoError(t, d.Flush())
	}
	require.NoError(t, d.Close())
}

func listFiles(t *testing.T, fs vfs.FS, dir string, fileType base.FileType) []string {
	t.Helper()
	ls, err := fs.List(dir)
	require.NoError(t, err)
	var paths []string
	for _, name := range ls {
		if ft, _, ok := base.ParseFilename(fs, name); ok && ft == fileType {
			paths = append(paths, fs.PathJoin(dir, name))
		}
	}
	sort.Strings(paths)
	return paths
}

func TestDBCommands(t *testing.T) {
	mem := vfs.NewMem()
	buildDB(t, mem, "db", true)

	t.Run("get", func(t *testing.T) {
		stdout, stderr := runTool(t, mem, "db", "get", "db", "c", "--value=%s")
		require.Empty(t, stderr)
		require.Equal(t, "val-c\n", stdout)

		stdout, _ = runTool(t, mem, "db", "get", "db", "hex:63")
		require.Equal(t, "[76616c2d63]\n", stdout)

		_, stderr = runTool(t, mem, "db", "get", "db", "z")
		require.Equal(t, "levelkv: not found\n", stderr)
	})

	t.Run("scan", func(t *testing.T) {
		stdout, stderr := runTool(t, mem,
			"db", "scan", "db", "--start=b", "--end=d", "--value=%s")
		require.Empty(t, stderr)
		require.Equal(t, []string{"b val-b", "c val-c", "scanned 2 records"},
			crstrings.Lines(stdout))

		stdout, _ = runTool(t, mem, "db", "scan", "db", "--value=null")
		require.Equal(t, []string{"a", "b", "c", "d", "e", "scanned 5 records"},
			crstrings.Lines(stdout))
	})

	t.Run("check", func(t *testing.T) {
		stdout, stderr := runTool(t, mem, "db", "check", "db")
		require.Empty(t, stderr)
		require.True(t, strings.HasPrefix(stdout, "checked 5 records ("), stdout)
	})

	t.Run("lsm", func(t *testing.T) {
		stdout, stderr := runTool(t, mem, "db", "lsm", "db", "-v")
		require.Empty(t, stderr)
		require.Contains(t, stdout, "LEVEL")
		require.Contains(t, stdout, "TOTAL")
		require.Contains(t, stdout, "flush: ")
	})

	t.Run("compact", func(t *testing.T) {
		stdout, stderr := runTool(t, mem, "db", "compact", "db")
		require.Empty(t, stderr)
		require.True(t, strings.HasPrefix(stdout, "compacted: "), stdout)

		stdout, _ = runTool(t, mem, "db", "scan", "db", "--value=null")
		require.Equal(t, "scanned 5 records", crstrings.Lines(stdout)[5])
	})

	t.Run("missing", func(t *testing.T) {
		_, stderr := runTool(t, mem, "db", "check", "nonexistent")
		require.Contains(t, stderr, "opening nonexistent")
	})

	t.Run("unknown-comparer", func(t *testing.T) {
		_, stderr := runTool(t, mem, "db", "check", "db", "--comparer=foo")
		require.Equal(t, "unknown comparer \"foo\"\n", stderr)
	})
}

func TestSSTableCommands(t *testing.T) {
	mem := vfs.NewMem()
	buildDB(t, mem, "db", true)
	tables := listFiles(t, mem, "db", base.FileTypeTable)
	require.Len(t, tables, 1)
	path := tables[0]

	t.Run("check", func(t *testing.T) {
		stdout, stderr := runTool(t, mem, "sstable", "check", path)
		require.Empty(t, stderr)
		require.Equal(t, fmt.Sprintf("%s: 5 entries ok\n", path), stdout)

		_, stderr = runTool(t, mem, "sstable", "check", path, "db/missing.ldb")
		require.Equal(t, "check failed\n", stderr)
	})

	t.Run("scan", func(t *testing.T) {
		stdout, stderr := runTool(t, mem,
			"sstable", "scan", path, "--start=b", "--end=e", "--value=%s")
		require.Empty(t, stderr)
		require.Equal(t, []string{
			path,
			"b#2,SET val-b",
			"c#3,SET val-c",
			"d#4,SET val-d",
		}, crstrings.Lines(stdout))
	})

	t.Run("layout", func(t *testing.T) {
		stdout, stderr := runTool(t, mem, "sstable", "layout", path, "-v")
		require.Empty(t, stderr)
		require.Contains(t, stdout, "data[0]")
		require.Contains(t, stdout, "filter (")
		require.Contains(t, stdout, "footer (")
		require.Contains(t, stdout, "EOF")
	})
}

func TestManifestDump(t *testing.T) {
	mem := vfs.NewMem()
	buildDB(t, mem, "db", true)
	manifests := listFiles(t, mem, "db", base.FileTypeManifest)
	require.NotEmpty(t, manifests)

	stdout, stderr := runTool(t, mem, "manifest", "dump", manifests[len(manifests)-1])
	require.Empty(t, stderr)
	require.Contains(t, stdout, "comparer:     "+base.DefaultComparer.Name)
	require.Contains(t, stdout, "add-table:     L2")
	require.Contains(t, stdout, "--- version after ")
	require.Contains(t, stdout, "2:\n")
}

func TestWALDump(t *testing.T) {
	mem := vfs.NewMem()
	d, err := levelkv.Open("db", &levelkv.Options{FS: mem, Logger: quietLogger{}})
	require.NoError(t, err)
	b := &levelkv.Batch{}
	b.Set([]byte("a"), []byte("1"))
	b.Set([]byte("b"), []byte("2"))
	require.NoError(t, d.Apply(b, nil))
	require.NoError(t, d.Delete([]byte("c"), nil))
	require.NoError(t, d.Close())

	logs := listFiles(t, mem, "db", base.FileTypeLog)
	require.Len(t, logs, 1)

	stdout, stderr := runTool(t, mem, "wal", "dump", logs[0], "--value=%s")
	require.Empty(t, stderr)
	require.Equal(t, logs[0]+`
0(22) seq=1 count=2
    a#1,SET 1
    b#2,SET 2
29(15) seq=3 count=1
    c#3,DEL 
`, stdout)
}

func TestBenchWrite(t *testing.T) {
	mem := vfs.NewMem()
	stdout, stderr := runTool(t, mem,
		"bench", "write", "bench", "-n", "200", "--batch", "10", "-c", "2", "--value-size", "16")
	require.Empty(t, stderr)
	lines := crstrings.Lines(stdout)
	require.True(t, strings.HasPrefix(lines[0], "wrote 200 records"), lines[0])
	require.Contains(t, stdout, "(20 batches)")

	stdout, _ = runTool(t, mem, "db", "scan", "bench", "--value=null", "--start=key0000000198")
	require.Equal(t, []string{"key0000000198", "key0000000199", "scanned 2 records"},
		crstrings.Lines(stdout))

	_, stderr = runTool(t, mem, "bench", "write", "bench", "-n", "0")
	require.NotEmpty(t, stderr)
}
