// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"io"

	"github.com/cockroachdb/levelkv/internal/manifest"
	"github.com/cockroachdb/levelkv/record"
	"github.com/spf13/cobra"
)

// manifestT implements manifest-level tools, including both configuration
// state and the commands themselves.
type manifestT struct {
	Root *cobra.Command
	Dump *cobra.Command

	opts *toolOpts
}

func newManifest(opts *toolOpts) *manifestT {
	m := &manifestT{opts: opts}

	m.Root = &cobra.Command{
		Use:   "manifest",
		Short: "manifest introspection tools",
	}
	m.Dump = &cobra.Command{
		Use:   "dump <manifest-files>",
		Short: "print manifest contents",
		Long: `
Print the contents of the MANIFEST files: every version edit, followed by the
version the edits produce.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  m.runDump,
	}
	m.Root.AddCommand(m.Dump)
	return m
}

func (m *manifestT) runDump(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	for _, arg := range args {
		func() {
			f, err := m.opts.fs.Open(arg)
			if err != nil {
				fmt.Fprintf(stderr, "%s\n", err)
				return
			}
			defer f.Close()

			fmt.Fprintf(stdout, "%s\n", arg)

			var bv manifest.VersionBuilder
			var comparer *Comparer
			var editIdx int
			rr := record.NewReader(f)
			for {
				offset := rr.Offset()
				r, err := rr.Next()
				if err == io.EOF {
					break
				} else if err != nil {
					fmt.Fprintf(stdout, "%s\n", err)
					break
				}

				var ve manifest.VersionEdit
				if err := ve.Decode(r); err != nil {
					fmt.Fprintf(stdout, "%d/%d\n  %s\n", offset, editIdx, err)
					break
				}
				if ve.ComparerName != "" {
					comparer = m.opts.comparers[ve.ComparerName]
					if comparer == nil {
						fmt.Fprintf(stderr, "comparer %q unknown\n", ve.ComparerName)
					}
				}
				fmt.Fprintf(stdout, "%d/%d\n", offset, editIdx)
				fmt.Fprint(stdout, ve.String())
				bv.Apply(&ve)
				editIdx++
			}

			if comparer == nil {
				return
			}
			v, err := bv.SaveTo(comparer.Compare)
			if err != nil {
				fmt.Fprintf(stdout, "%s\n", err)
				return
			}
			fmt.Fprintf(stdout, "--- version after %d edits ---\n", editIdx)
			fmt.Fprint(stdout, v.DebugString())
		}()
	}
}
