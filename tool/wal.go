// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"io"

	"github.com/cockroachdb/levelkv/batchrepr"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/record"
	"github.com/spf13/cobra"
)

// walT implements WAL-level tools, including both configuration state and the
// commands themselves.
type walT struct {
	Root *cobra.Command
	Dump *cobra.Command

	opts     *toolOpts
	fmtKey   formatter
	fmtValue formatter
}

func newWAL(opts *toolOpts) *walT {
	w := &walT{opts: opts}
	w.fmtKey.mustSet("quoted")
	w.fmtValue.mustSet("[%x]")

	w.Root = &cobra.Command{
		Use:   "wal",
		Short: "WAL introspection tools",
	}
	w.Dump = &cobra.Command{
		Use:   "dump <wal-files>",
		Short: "print WAL contents",
		Long: `
Print the contents of the WAL files: the header of each batch, followed by its
entries.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  w.runDump,
	}
	w.Root.AddCommand(w.Dump)
	w.Dump.Flags().Var(
		&w.fmtKey, "key", "key formatter")
	w.Dump.Flags().Var(
		&w.fmtValue, "value", "value formatter")
	return w
}

func (w *walT) runDump(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	for _, arg := range args {
		func() {
			f, err := w.opts.fs.Open(arg)
			if err != nil {
				fmt.Fprintf(stderr, "%s\n", err)
				return
			}
			defer f.Close()

			fmt.Fprintf(stdout, "%s\n", arg)
			rr := record.NewReader(f)
			for {
				offset := rr.Offset()
				r, err := rr.Next()
				if err == nil {
					var data []byte
					data, err = io.ReadAll(r)
					if err == nil {
						err = w.dumpBatch(stdout, offset, data)
					}
				}
				if err == io.EOF {
					return
				} else if record.IsInvalidRecord(err) {
					fmt.Fprintf(stdout, "%d: torn record: %s\n", offset, err)
					return
				} else if err != nil {
					fmt.Fprintf(stdout, "%d: %s\n", offset, err)
					return
				}
			}
		}()
	}
}

func (w *walT) dumpBatch(out io.Writer, offset int64, data []byte) error {
	h, ok := batchrepr.ReadHeader(data)
	if !ok {
		return base.CorruptionErrorf("batch of %d bytes is too short", len(data))
	}
	fmt.Fprintf(out, "%d(%d) seq=%d count=%d\n", offset, len(data), h.SeqNum, h.Count)
	r := batchrepr.Read(data)
	seqNum := h.SeqNum
	for {
		kind, ukey, value, ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fmt.Fprint(out, "    ")
		formatKeyValue(out, w.fmtKey, w.fmtValue, base.MakeInternalKey(ukey, seqNum, kind), value)
		seqNum++
	}
}
