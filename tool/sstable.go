// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/sstable"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// sstableT implements sstable-level tools, including both configuration state
// and the commands themselves.
type sstableT struct {
	Root   *cobra.Command
	Check  *cobra.Command
	Layout *cobra.Command
	Scan   *cobra.Command

	opts *toolOpts

	// Flags.
	fmtKey      formatter
	fmtValue    formatter
	start       key
	end         key
	verbose     bool
	concurrency int
}

func newSSTable(opts *toolOpts) *sstableT {
	s := &sstableT{opts: opts}
	s.fmtKey.mustSet("quoted")
	s.fmtValue.mustSet("[%x]")

	s.Root = &cobra.Command{
		Use:   "sstable",
		Short: "sstable introspection tools",
	}
	s.Check = &cobra.Command{
		Use:   "check <sstables>",
		Short: "verify checksums and key ordering",
		Long: `
Verify the checksum of every block of the sstables and that their keys are in
increasing order. The sstables are checked concurrently.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  s.runCheck,
	}
	s.Layout = &cobra.Command{
		Use:   "layout <sstables>",
		Short: "print sstable block layout",
		Long: `
Print the layout for the sstables. The -v flag controls whether the keys of
each data block are displayed or omitted.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  s.runLayout,
	}
	s.Scan = &cobra.Command{
		Use:   "scan <sstables>",
		Short: "print sstable records",
		Long: `
Print the records in the sstables. The sstables are scanned in command line
order which means the records will be printed in that order.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  s.runScan,
	}

	s.Root.AddCommand(s.Check, s.Layout, s.Scan)
	s.Check.Flags().IntVarP(
		&s.concurrency, "concurrency", "c", 4, "number of sstables checked at once")
	s.Layout.Flags().BoolVarP(
		&s.verbose, "verbose", "v", false, "verbose output")
	s.Layout.Flags().Var(
		&s.fmtKey, "key", "key formatter")
	s.Scan.Flags().Var(
		&s.fmtKey, "key", "key formatter")
	s.Scan.Flags().Var(
		&s.fmtValue, "value", "value formatter")
	s.Scan.Flags().Var(
		&s.start, "start", "start key for the scan")
	s.Scan.Flags().Var(
		&s.end, "end", "end key for the scan")
	return s
}

func (s *sstableT) openReader(path string) (*sstable.Reader, error) {
	cmp, err := s.opts.getComparer()
	if err != nil {
		return nil, err
	}
	f, err := s.opts.fs.Open(path)
	if err != nil {
		return nil, err
	}
	return sstable.NewReader(f, sstable.ReaderOptions{
		Comparer:        cmp,
		FilterPolicy:    s.opts.getFilter(),
		VerifyChecksums: true,
		Logger:          quietLogger{},
	})
}

func (s *sstableT) runCheck(cmd *cobra.Command, args []string) {
	stdout := cmd.OutOrStdout()
	results := make([]string, len(args))
	var g errgroup.Group
	g.SetLimit(max(1, s.concurrency))
	for i, arg := range args {
		g.Go(func() error {
			n, err := s.check(arg)
			if err != nil {
				results[i] = fmt.Sprintf("%s: %s", arg, err)
				return err
			}
			results[i] = fmt.Sprintf("%s: %d entries ok", arg, n)
			return nil
		})
	}
	err := g.Wait()
	for _, r := range results {
		fmt.Fprintln(stdout, r)
	}
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "check failed")
	}
}

// check validates every block checksum of the table, then iterates over it
// verifying that keys increase. It returns the number of entries.
func (s *sstableT) check(path string) (n int, err error) {
	r, err := s.openReader(path)
	if err != nil {
		return 0, err
	}
	defer func() { err = errors.CombineErrors(err, r.Close()) }()

	if err := r.ValidateBlockChecksums(); err != nil {
		return 0, err
	}
	cmp := s.opts.comparers[s.opts.comparer].Compare
	iter := r.NewIter()
	var prev base.InternalKey
	for valid := iter.First(); valid; valid = iter.Next() {
		k := iter.Key()
		if n > 0 && base.InternalCompare(cmp, prev, k) >= 0 {
			return n, base.CorruptionErrorf("out of order keys %s >= %s", prev, k)
		}
		prev = k.Clone()
		n++
	}
	return n, errors.CombineErrors(iter.Error(), iter.Close())
}

func (s *sstableT) runLayout(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	for _, arg := range args {
		func() {
			r, err := s.openReader(arg)
			if err != nil {
				fmt.Fprintf(stderr, "%s\n", err)
				return
			}
			defer r.Close()

			fmt.Fprintf(stdout, "%s\n", arg)
			l, err := r.Layout()
			if err != nil {
				fmt.Fprintf(stderr, "%s\n", err)
				return
			}
			l.Describe(stdout, s.verbose, r, s.fmtKey.fn)
		}()
	}
}

func (s *sstableT) runScan(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	for _, arg := range args {
		func() {
			r, err := s.openReader(arg)
			if err != nil {
				fmt.Fprintf(stderr, "%s\n", err)
				return
			}
			defer r.Close()

			fmt.Fprintf(stdout, "%s\n", arg)
			cmp := s.opts.comparers[s.opts.comparer].Compare
			iter := r.NewIter()
			defer iter.Close()

			valid := iter.First()
			if s.start != nil {
				valid = iter.SeekGE(base.MakeSearchKey(s.start))
			}
			for ; valid; valid = iter.Next() {
				k := iter.Key()
				if s.end != nil && cmp(s.end, k.UserKey) <= 0 {
					break
				}
				formatKeyValue(stdout, s.fmtKey, s.fmtValue, k, iter.Value())
			}
			if err := iter.Error(); err != nil {
				fmt.Fprintf(stdout, "%s\n", err)
			}
		}()
	}
}
