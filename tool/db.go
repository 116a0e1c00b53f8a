// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"io"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv"
	"github.com/cockroachdb/levelkv/internal/humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// dbT implements db-level tools, including both configuration state and the
// commands themselves.
type dbT struct {
	Root    *cobra.Command
	Check   *cobra.Command
	Compact *cobra.Command
	Get     *cobra.Command
	LSM     *cobra.Command
	Scan    *cobra.Command

	opts *toolOpts

	// Flags.
	fmtKey   formatter
	fmtValue formatter
	start    key
	end      key
	verbose  bool
}

func newDB(opts *toolOpts) *dbT {
	d := &dbT{opts: opts}
	d.fmtKey.mustSet("quoted")
	d.fmtValue.mustSet("[%x]")

	d.Root = &cobra.Command{
		Use:   "db",
		Short: "DB introspection tools",
	}
	d.Check = &cobra.Command{
		Use:   "check <dir>",
		Short: "verify checksums and metadata",
		Long: `
Verify the checksums of every table and that the keys visible through a full
scan of the DB are in increasing order.
`,
		Args: cobra.ExactArgs(1),
		Run:  d.runCheck,
	}
	d.Compact = &cobra.Command{
		Use:   "compact <dir>",
		Short: "compact the DB",
		Long: `
Compact the entire DB, or the range given by --start and --end.
`,
		Args: cobra.ExactArgs(1),
		Run:  d.runCompact,
	}
	d.Get = &cobra.Command{
		Use:   "get <dir> <key>",
		Short: "get the value for a key",
		Args:  cobra.ExactArgs(2),
		Run:   d.runGet,
	}
	d.LSM = &cobra.Command{
		Use:   "lsm <dir>",
		Short: "print LSM structure",
		Long: `
Print the structure of the LSM tree: the tables and bytes of each level, their
compaction scores, and the flush and compaction statistics gathered since the
DB was opened. The -v flag additionally prints the DB metrics.
`,
		Args: cobra.ExactArgs(1),
		Run:  d.runLSM,
	}
	d.Scan = &cobra.Command{
		Use:   "scan <dir>",
		Short: "print DB records",
		Long: `
Print the live records of the DB in key order, optionally bounded by --start
(inclusive) and --end (exclusive).
`,
		Args: cobra.ExactArgs(1),
		Run:  d.runScan,
	}

	d.Root.AddCommand(d.Check, d.Compact, d.Get, d.LSM, d.Scan)
	for _, cmd := range []*cobra.Command{d.Compact, d.Scan} {
		cmd.Flags().Var(
			&d.start, "start", "start key of the range")
		cmd.Flags().Var(
			&d.end, "end", "end key of the range")
	}
	for _, cmd := range []*cobra.Command{d.Get, d.Scan} {
		cmd.Flags().Var(
			&d.fmtValue, "value", "value formatter")
	}
	d.Scan.Flags().Var(
		&d.fmtKey, "key", "key formatter")
	d.LSM.Flags().BoolVarP(
		&d.verbose, "verbose", "v", false, "verbose output")
	return d
}

func (d *dbT) openDB(dir string) (*levelkv.DB, error) {
	opts, err := d.opts.dbOptions()
	if err != nil {
		return nil, err
	}
	db, err := levelkv.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", dir)
	}
	return db, nil
}

func (d *dbT) closeDB(stderr io.Writer, db *levelkv.DB) {
	if err := db.Close(); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
	}
}

func (d *dbT) runCheck(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	db, err := d.openDB(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer d.closeDB(stderr, db)

	iter, err := db.NewIter(nil)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	cmp := d.opts.comparers[d.opts.comparer].Compare
	var prev []byte
	var count, size int64
	for valid := iter.First(); valid; valid = iter.Next() {
		k := iter.Key()
		if count > 0 && cmp(prev, k) >= 0 {
			fmt.Fprintf(stderr, "out of order keys %q >= %q\n", prev, k)
			break
		}
		prev = append(prev[:0], k...)
		count++
		size += int64(len(k) + len(iter.Value()))
	}
	if err := errors.CombineErrors(iter.Error(), iter.Close()); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	fmt.Fprintf(stdout, "checked %d %s (%s)\n",
		count, makePlural("record", count), humanize.Bytes.Int64(size))
}

func (d *dbT) runCompact(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	db, err := d.openDB(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer d.closeDB(stderr, db)

	if err := db.Compact(d.start, d.end); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	m := db.Metrics()
	fmt.Fprintf(stdout, "compacted: %d %s\n",
		m.Compact.Count, makePlural("compaction", m.Compact.Count))
}

func (d *dbT) runGet(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	db, err := d.openDB(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer d.closeDB(stderr, db)

	var k key
	if err := k.Set(args[1]); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	value, err := db.Get(k)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	fmt.Fprintf(stdout, "%s\n", d.fmtValue.fn(value))
}

func (d *dbT) runLSM(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	db, err := d.openDB(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer d.closeDB(stderr, db)

	m := db.Metrics()
	tbl := tablewriter.NewWriter(stdout)
	tbl.SetHeader([]string{"level", "tables", "size", "score"})
	var total levelkv.LevelMetrics
	for level := range m.Levels {
		l := &m.Levels[level]
		total.Add(l)
		tbl.Append([]string{
			strconv.Itoa(level),
			strconv.FormatInt(l.NumFiles, 10),
			humanize.Bytes.Uint64(l.Size).String(),
			fmt.Sprintf("%.2f", l.Score),
		})
	}
	tbl.SetFooter([]string{
		"total",
		strconv.FormatInt(total.NumFiles, 10),
		humanize.Bytes.Uint64(total.Size).String(),
		"",
	})
	tbl.Render()

	if d.verbose {
		fmt.Fprint(stdout, m.String())
	}
}

func (d *dbT) runScan(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	db, err := d.openDB(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer d.closeDB(stderr, db)

	iter, err := db.NewIter(&levelkv.IterOptions{
		LowerBound: d.start,
		UpperBound: d.end,
	})
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	var count int64
	for valid := iter.First(); valid; valid = iter.Next() {
		if d.fmtKey.spec != "null" {
			fmt.Fprintf(stdout, "%s", d.fmtKey.fn(iter.Key()))
			if d.fmtValue.spec != "null" {
				fmt.Fprint(stdout, " ")
			}
		}
		if d.fmtValue.spec != "null" {
			fmt.Fprintf(stdout, "%s", d.fmtValue.fn(iter.Value()))
		}
		fmt.Fprintln(stdout)
		count++
	}
	if err := errors.CombineErrors(iter.Error(), iter.Close()); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	fmt.Fprintf(stdout, "scanned %d %s\n", count, makePlural("record", count))
}

func makePlural(singular string, count int64) string {
	if count == 1 {
		return singular
	}
	return singular + "s"
}
