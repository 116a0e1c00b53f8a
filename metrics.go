// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/humanize"
	"github.com/cockroachdb/levelkv/sstable"
	"github.com/prometheus/client_golang/prometheus"
)

// CacheMetrics holds metrics for the table cache.
type CacheMetrics struct {
	// The number of open tables in the cache.
	Count int64
	// The number of cache hits.
	Hits int64
	// The number of cache misses.
	Misses int64
}

// LevelMetrics holds per-level metrics such as the number of files and total
// size of the files, and compaction related metrics.
type LevelMetrics struct {
	// The total number of files in the level.
	NumFiles int64
	// The total size in bytes of the files in the level.
	Size uint64
	// The level's compaction score.
	Score float64
	// The number of incoming bytes from other levels read during
	// compactions. This excludes bytes moved and bytes flushed.
	BytesIn uint64
	// The number of bytes read for compactions at the level. This includes bytes
	// read from other levels (BytesIn), as well as bytes read for the level.
	BytesRead uint64
	// The number of bytes written during flushes and compactions. The sum of
	// BytesWritten over all levels is the total write amplification numerator.
	BytesWritten uint64
	// The number of bytes moved into the level by a trivial move.
	BytesMoved uint64
	// The number of tables written to the level by flushes.
	TablesFlushed uint64
	// The number of tables written to the level by compactions.
	TablesCompacted uint64
	// The number of tables moved into the level by trivial moves.
	TablesMoved uint64
}

// Add updates the counter metrics for the level.
func (m *LevelMetrics) Add(u *LevelMetrics) {
	m.NumFiles += u.NumFiles
	m.Size += u.Size
	m.BytesIn += u.BytesIn
	m.BytesRead += u.BytesRead
	m.BytesWritten += u.BytesWritten
	m.BytesMoved += u.BytesMoved
	m.TablesFlushed += u.TablesFlushed
	m.TablesCompacted += u.TablesCompacted
	m.TablesMoved += u.TablesMoved
}

// WriteAmp computes the write amplification for compactions at this
// level. Computed as BytesWritten / BytesIn.
func (m *LevelMetrics) WriteAmp() float64 {
	if m.BytesIn == 0 {
		return 0
	}
	return float64(m.BytesWritten) / float64(m.BytesIn)
}

// Metrics holds metrics for various subsystems of the DB such as the table
// cache, compactions, flushes and levels.
type Metrics struct {
	Compact struct {
		// The total number of compactions, and per-reason counts.
		Count        int64
		DefaultCount int64
		MoveCount    int64
		SeekCount    int64
		ManualCount  int64
	}

	Flush struct {
		// The total number of flushes.
		Count int64
	}

	Filter sstable.FilterMetrics

	Levels [numLevels]LevelMetrics

	MemTable struct {
		// The approximate number of bytes buffered in the memtable.
		Size uint64
		// The number of entries in the memtable.
		Count int64
	}

	TableCache CacheMetrics

	WAL struct {
		// Number of bytes written to the current WAL.
		Size uint64
		// Number of bytes written through the WAL, including bytes of logs
		// since deleted.
		BytesWritten uint64
	}
}

// Total returns the sum of the per-level metrics.
func (m *Metrics) Total() LevelMetrics {
	var total LevelMetrics
	for level := 0; level < numLevels; level++ {
		total.Add(&m.Levels[level])
	}
	// Compute total bytes-in as the bytes written to the WAL.
	total.BytesIn = m.WAL.BytesWritten
	return total
}

// String pretty-prints the metrics as a table of per-level statistics
// followed by the subsystem counters.
func (m *Metrics) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "level | tables    size | score |      in |    read | written | moved | w-amp\n")
	fmt.Fprintf(&buf, "------+----------------+-------+---------+---------+---------+-------+------\n")
	formatRow := func(label string, l *LevelMetrics, score string) {
		fmt.Fprintf(&buf, "%5s | %6d %7s | %5s | %7s | %7s | %7s | %5d | %5.1f\n",
			label, l.NumFiles, humanize.Bytes.Uint64(l.Size), score,
			humanize.Bytes.Uint64(l.BytesIn), humanize.Bytes.Uint64(l.BytesRead),
			humanize.Bytes.Uint64(l.BytesWritten), l.TablesMoved, l.WriteAmp())
	}
	for level := 0; level < numLevels; level++ {
		l := &m.Levels[level]
		formatRow(strconv.Itoa(level), l, fmt.Sprintf("%.2f", l.Score))
	}
	total := m.Total()
	formatRow("total", &total, "-")
	fmt.Fprintf(&buf, "flush: %d\n", m.Flush.Count)
	fmt.Fprintf(&buf, "compact: %d (default %d, move %d, seek %d, manual %d)\n",
		m.Compact.Count, m.Compact.DefaultCount, m.Compact.MoveCount,
		m.Compact.SeekCount, m.Compact.ManualCount)
	fmt.Fprintf(&buf, "memtable: %d entries (%s)\n", m.MemTable.Count, humanize.Bytes.Uint64(m.MemTable.Size))
	fmt.Fprintf(&buf, "wal: %s (%s written)\n",
		humanize.Bytes.Uint64(m.WAL.Size), humanize.Bytes.Uint64(m.WAL.BytesWritten))
	fmt.Fprintf(&buf, "table-cache: %d tables, %d hits, %d misses\n",
		m.TableCache.Count, m.TableCache.Hits, m.TableCache.Misses)
	fmt.Fprintf(&buf, "filter: %d hits, %d misses\n", m.Filter.Hits, m.Filter.Misses)
	return buf.String()
}

const metricsNamespace = "levelkv"

// dbMetrics holds the prometheus collectors of a DB. The latency histograms
// are observed directly; everything else is read from a Metrics snapshot
// when the collector is scraped.
type dbMetrics struct {
	metricsFn func() *Metrics

	flushDuration      prometheus.Histogram
	compactionDuration prometheus.Histogram
	walSyncLatency     prometheus.Histogram

	flushes           *prometheus.Desc
	compactions       *prometheus.Desc
	levelFiles        *prometheus.Desc
	levelBytes        *prometheus.Desc
	levelScore        *prometheus.Desc
	levelBytesRead    *prometheus.Desc
	levelBytesWritten *prometheus.Desc
	tableCacheHits    *prometheus.Desc
	tableCacheMisses  *prometheus.Desc
	filterHits        *prometheus.Desc
	filterMisses      *prometheus.Desc
	memTableBytes     *prometheus.Desc
}

var _ prometheus.Collector = (*dbMetrics)(nil)

func newDBMetrics(metricsFn func() *Metrics) *dbMetrics {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, labels, nil)
	}
	latencyBuckets := prometheus.ExponentialBuckets(0.0001, 4, 12)
	return &dbMetrics{
		metricsFn: metricsFn,
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent flushing memtables.",
			Buckets:   latencyBuckets,
		}),
		compactionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "compaction_duration_seconds",
			Help:      "Time spent running compactions.",
			Buckets:   latencyBuckets,
		}),
		walSyncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "wal_sync_latency_seconds",
			Help:      "Latency of WAL syncs.",
			Buckets:   latencyBuckets,
		}),
		flushes:           desc("flushes_total", "Number of memtable flushes."),
		compactions:       desc("compactions_total", "Number of compactions by reason.", "reason"),
		levelFiles:        desc("level_files", "Number of tables per level.", "level"),
		levelBytes:        desc("level_bytes", "Total size of the tables per level.", "level"),
		levelScore:        desc("level_score", "Compaction score per level.", "level"),
		levelBytesRead:    desc("level_read_bytes_total", "Bytes read by compactions per level.", "level"),
		levelBytesWritten: desc("level_written_bytes_total", "Bytes written by flushes and compactions per level.", "level"),
		tableCacheHits:    desc("table_cache_hits_total", "Table cache hits."),
		tableCacheMisses:  desc("table_cache_misses_total", "Table cache misses."),
		filterHits:        desc("filter_hits_total", "Filter lookups that ruled out a table."),
		filterMisses:      desc("filter_misses_total", "Filter lookups that did not rule out a table."),
		memTableBytes:     desc("memtable_bytes", "Approximate size of the memtable."),
	}
}

// Describe implements prometheus.Collector.
func (m *dbMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.flushDuration.Describe(ch)
	m.compactionDuration.Describe(ch)
	m.walSyncLatency.Describe(ch)
	for _, d := range []*prometheus.Desc{
		m.flushes, m.compactions, m.levelFiles, m.levelBytes, m.levelScore,
		m.levelBytesRead, m.levelBytesWritten, m.tableCacheHits, m.tableCacheMisses,
		m.filterHits, m.filterMisses, m.memTableBytes,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (m *dbMetrics) Collect(ch chan<- prometheus.Metric) {
	m.flushDuration.Collect(ch)
	m.compactionDuration.Collect(ch)
	m.walSyncLatency.Collect(ch)

	s := m.metricsFn()
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter(m.flushes, float64(s.Flush.Count))
	counter(m.compactions, float64(s.Compact.DefaultCount), "default")
	counter(m.compactions, float64(s.Compact.MoveCount), "move")
	counter(m.compactions, float64(s.Compact.SeekCount), "seek")
	counter(m.compactions, float64(s.Compact.ManualCount), "manual")
	for level := range s.Levels {
		l := &s.Levels[level]
		label := strconv.Itoa(level)
		gauge(m.levelFiles, float64(l.NumFiles), label)
		gauge(m.levelBytes, float64(l.Size), label)
		gauge(m.levelScore, l.Score, label)
		counter(m.levelBytesRead, float64(l.BytesRead), label)
		counter(m.levelBytesWritten, float64(l.BytesWritten), label)
	}
	counter(m.tableCacheHits, float64(s.TableCache.Hits))
	counter(m.tableCacheMisses, float64(s.TableCache.Misses))
	counter(m.filterHits, float64(s.Filter.Hits))
	counter(m.filterMisses, float64(s.Filter.Misses))
	gauge(m.memTableBytes, float64(s.MemTable.Size))
}

func (m *dbMetrics) register(r prometheus.Registerer) error {
	if r == nil {
		return nil
	}
	return errors.Wrap(r.Register(m), "levelkv: registering metrics")
}

func (m *dbMetrics) unregister(r prometheus.Registerer) {
	if r != nil {
		r.Unregister(m)
	}
}

func (m *dbMetrics) observeFlush(d time.Duration) {
	m.flushDuration.Observe(d.Seconds())
}

func (m *dbMetrics) observeCompaction(d time.Duration) {
	m.compactionDuration.Observe(d.Seconds())
}

func (m *dbMetrics) observeWALSync(d time.Duration) {
	m.walSyncLatency.Observe(d.Seconds())
}
