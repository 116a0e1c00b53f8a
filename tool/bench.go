// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package tool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv"
	"github.com/cockroachdb/levelkv/internal/humanize"
	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

const (
	minLatency = 10 * time.Microsecond
	maxLatency = 10 * time.Second
)

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1)
}

// benchT implements the write benchmark.
type benchT struct {
	Root  *cobra.Command
	Write *cobra.Command

	opts *toolOpts

	// Flags.
	count       int
	valueSize   int
	batchSize   int
	concurrency int
	sync        bool
	seed        int64
	interval    time.Duration
}

func newBench(opts *toolOpts) *benchT {
	b := &benchT{opts: opts}

	b.Root = &cobra.Command{
		Use:   "bench",
		Short: "benchmarks",
	}
	b.Write = &cobra.Command{
		Use:   "write <dir>",
		Short: "run the sequential write benchmark",
		Long: `
Write --count records of --value-size bytes into the DB at <dir>, creating it
if it does not exist. Records are grouped into batches of --batch records and
written by --concurrency workers. Batch latencies and write throughput are
reported when the run completes.
`,
		Args: cobra.ExactArgs(1),
		Run:  b.runWrite,
	}
	b.Root.AddCommand(b.Write)
	b.Write.Flags().IntVarP(
		&b.count, "count", "n", 10000, "number of records to write")
	b.Write.Flags().IntVar(
		&b.valueSize, "value-size", 100, "size of each value in bytes")
	b.Write.Flags().IntVar(
		&b.batchSize, "batch", 1, "records per batch")
	b.Write.Flags().IntVarP(
		&b.concurrency, "concurrency", "c", 1, "number of concurrent writers")
	b.Write.Flags().BoolVar(
		&b.sync, "sync", false, "sync the WAL after every batch")
	b.Write.Flags().Int64Var(
		&b.seed, "seed", 1, "seed used to generate values")
	b.Write.Flags().DurationVar(
		&b.interval, "interval", 100*time.Millisecond, "throughput sampling interval")
	return b
}

// benchResult is the outcome of a write run.
type benchResult struct {
	ops     int64
	bytes   int64
	elapsed time.Duration
	// hist holds the merged batch latencies of every worker.
	hist *hdrhistogram.Histogram
	// throughput holds the records written per second in each sampling
	// interval.
	throughput []float64
}

func (b *benchT) runWrite(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	if b.count <= 0 || b.batchSize <= 0 || b.concurrency <= 0 || b.valueSize < 0 {
		fmt.Fprintf(stderr, "count, batch and concurrency must be positive\n")
		return
	}
	opts, err := b.opts.dbOptions()
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	opts.ErrorIfNotExists = false
	db, err := levelkv.Open(args[0], opts)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}

	res, err := b.write(db)
	if err = errors.CombineErrors(err, db.Close()); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}

	secs := res.elapsed.Seconds()
	if secs == 0 {
		secs = 1e-9
	}
	fmt.Fprintf(stdout, "wrote %d records (%s) in %s\n",
		res.ops, humanize.Bytes.Int64(res.bytes), res.elapsed.Round(time.Millisecond))
	fmt.Fprintf(stdout, "%.1f ops/sec, %s/sec\n",
		float64(res.ops)/secs, humanize.Bytes.Int64(int64(float64(res.bytes)/secs)))
	fmt.Fprintf(stdout, "batch latency: p50 %s p95 %s p99 %s max %s (%d batches)\n",
		time.Duration(res.hist.ValueAtQuantile(50)),
		time.Duration(res.hist.ValueAtQuantile(95)),
		time.Duration(res.hist.ValueAtQuantile(99)),
		time.Duration(res.hist.Max()),
		res.hist.TotalCount())
	if len(res.throughput) > 1 {
		fmt.Fprintln(stdout, asciigraph.Plot(res.throughput,
			asciigraph.Height(10), asciigraph.Caption("ops/sec")))
	}
}

// write runs the workers against db. Worker i writes the records whose index
// is congruent to i modulo the concurrency so keys are unique across workers.
func (b *benchT) write(db *levelkv.DB) (benchResult, error) {
	var ops atomic.Int64
	hists := make([]*hdrhistogram.Histogram, b.concurrency)
	writeOpts := levelkv.NoSync
	if b.sync {
		writeOpts = levelkv.Sync
	}

	start := crtime.NowMono()
	done := make(chan struct{})
	var throughput []float64
	var samplerWG sync.WaitGroup
	samplerWG.Add(1)
	go func() {
		defer samplerWG.Done()
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		var last int64
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				n := ops.Load()
				throughput = append(throughput, float64(n-last)/b.interval.Seconds())
				last = n
			}
		}
	}()

	var g errgroup.Group
	for i := 0; i < b.concurrency; i++ {
		hists[i] = newHistogram()
		g.Go(func() error {
			rng := rand.New(rand.NewSource(uint64(b.seed) + uint64(i)))
			value := make([]byte, b.valueSize)
			batch := &levelkv.Batch{}
			for idx := i; idx < b.count; {
				batch.Reset()
				for j := 0; j < b.batchSize && idx < b.count; j++ {
					_, _ = rng.Read(value)
					batch.Set([]byte(fmt.Sprintf("key%010d", idx)), value)
					idx += b.concurrency
				}
				n := int64(batch.Count())
				batchStart := crtime.NowMono()
				if err := db.Apply(batch, writeOpts); err != nil {
					return err
				}
				elapsed := min(max(batchStart.Elapsed(), minLatency), maxLatency)
				if err := hists[i].RecordValue(elapsed.Nanoseconds()); err != nil {
					return err
				}
				ops.Add(n)
			}
			return nil
		})
	}
	err := g.Wait()
	elapsed := start.Elapsed()
	close(done)
	samplerWG.Wait()

	res := benchResult{
		ops:        ops.Load(),
		elapsed:    elapsed,
		hist:       newHistogram(),
		throughput: throughput,
	}
	res.bytes = res.ops * int64(len("key0000000000")+b.valueSize)
	for _, h := range hists {
		res.hist.Merge(h)
	}
	return res, err
}
