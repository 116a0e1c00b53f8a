// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/bloom"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/cockroachdb/levelkv/sstable/block"
	"github.com/cockroachdb/levelkv/sstable/rowblk"
	"github.com/cockroachdb/levelkv/vfs"
	"github.com/stretchr/testify/require"
)

// memWritable collects a table in memory.
type memWritable struct {
	bytes.Buffer
	synced bool
	closed bool
}

func (w *memWritable) Sync() error {
	w.synced = true
	return nil
}

func (w *memWritable) Close() error {
	w.closed = true
	return nil
}

type kv struct {
	key   base.InternalKey
	value string
}

func buildTable(t *testing.T, o WriterOptions, kvs []kv) ([]byte, *WriterMetadata) {
	t.Helper()
	f := &memWritable{}
	w := NewWriter(f, o)
	for _, e := range kvs {
		require.NoError(t, w.Add(e.key, []byte(e.value)))
	}
	require.NoError(t, w.Finish())
	require.True(t, f.synced)
	require.True(t, f.closed)
	meta, err := w.Metadata()
	require.NoError(t, err)
	require.Equal(t, uint64(f.Len()), meta.Size)
	return f.Bytes(), meta
}

func openTable(t *testing.T, data []byte, o ReaderOptions) *Reader {
	t.Helper()
	r, err := NewReader(vfs.NewMemFile(data), o)
	require.NoError(t, err)
	return r
}

func TestFooterRoundTrip(t *testing.T) {
	handles := []block.Handle{
		{Offset: 0, Length: 0},
		{Offset: 1, Length: 2},
		{Offset: 1 << 50, Length: 1<<50 + 7},
		{Offset: 1<<64 - 1, Length: 1<<64 - 1},
	}
	for _, mi := range handles {
		for _, idx := range handles {
			f := footer{metaindexBH: mi, indexBH: idx}
			var buf [footerLen]byte
			encoded := f.encode(buf[:])
			require.Len(t, encoded, footerLen)
			require.Equal(t, magic, string(encoded[magicOffset:]))

			const size = 1 << 20
			decoded, err := decodeFooter(encoded, size)
			require.NoError(t, err)
			require.Equal(t, mi, decoded.metaindexBH)
			require.Equal(t, idx, decoded.indexBH)
			require.Equal(t, block.Handle{Offset: size - footerLen, Length: footerLen}, decoded.footerBH)
		}
	}
}

func TestFooterBadMagic(t *testing.T) {
	var buf [footerLen]byte
	encoded := footer{indexBH: block.Handle{Offset: 10, Length: 20}}.encode(buf[:])
	encoded[footerLen-1] ^= 0x01
	_, err := decodeFooter(encoded, 1000)
	require.Error(t, err)
	require.True(t, errors.Is(err, base.ErrCorruption), "%v", err)

	_, err = decodeFooter(encoded[:footerLen-1], 1000)
	require.True(t, errors.Is(err, base.ErrCorruption), "%v", err)
}

func TestReaderTooSmall(t *testing.T) {
	for _, n := range []int{0, 1, footerLen - 1} {
		_, err := NewReader(vfs.NewMemFile(make([]byte, n)), ReaderOptions{})
		require.True(t, errors.Is(err, base.ErrCorruption), "%d: %v", n, err)
	}
	// Large enough, but the magic is missing.
	_, err := NewReader(vfs.NewMemFile(make([]byte, 2*footerLen)), ReaderOptions{})
	require.True(t, errors.Is(err, base.ErrCorruption), "%v", err)
}

func TestReaderFooterHandleOutOfBounds(t *testing.T) {
	data, _ := buildTable(t, WriterOptions{}, []kv{
		{base.ParseInternalKey("a.SET.1"), "1"},
		{base.ParseInternalKey("b.SET.2"), "2"},
	})
	footerOff := len(data) - footerLen
	for _, bh := range []block.Handle{
		{Offset: 0, Length: 1 << 63},
		{Offset: 0, Length: 1 << 40},
		{Offset: 0, Length: uint64(footerOff)},
		{Offset: uint64(footerOff), Length: 0},
		{Offset: 1<<64 - 1, Length: 1},
	} {
		for _, index := range []bool{true, false} {
			corrupt := slices.Clone(data)
			f, err := decodeFooter(corrupt[footerOff:], uint64(len(corrupt)))
			require.NoError(t, err)
			if index {
				f.indexBH = bh
			} else {
				f.metaindexBH = bh
			}
			f.encode(corrupt[footerOff:])
			_, err = NewReader(vfs.NewMemFile(corrupt), ReaderOptions{})
			require.True(t, errors.Is(err, base.ErrCorruption), "%+v: %v", bh, err)
		}
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	const n = 2000
	rng := rand.New(rand.NewPCG(1, 2))
	kvs := make([]kv, n)
	for i := range kvs {
		v := make([]byte, rng.IntN(200))
		for j := range v {
			// Compressible values.
			v[j] = 'a' + byte(rng.IntN(4))
		}
		kind := base.InternalKeyKindSet
		if i%7 == 0 {
			kind = base.InternalKeyKindDelete
			v = nil
		}
		kvs[i] = kv{
			key:   base.MakeInternalKey([]byte(fmt.Sprintf("key%05d", i*2)), base.SeqNum(i), kind),
			value: string(v),
		}
	}

	for _, c := range []Compression{NoCompression, SnappyCompression, ZstdCompression} {
		for _, policy := range []base.FilterPolicy{nil, bloom.FilterPolicy(10)} {
			t.Run(fmt.Sprintf("%s/%s", c, base.FilterPolicyName(policy)), func(t *testing.T) {
				data, meta := buildTable(t, WriterOptions{
					BlockSize:    512,
					Compression:  c,
					FilterPolicy: policy,
				}, kvs)
				require.Equal(t, uint64(n), meta.NumEntries)
				require.Equal(t, uint64((n+6)/7), meta.NumDeletions)
				require.Equal(t, kvs[0].key.String(), meta.Smallest.String())
				require.Equal(t, kvs[n-1].key.String(), meta.Largest.String())

				var fm FilterMetricsTracker
				r := openTable(t, data, ReaderOptions{
					FilterPolicy:    policy,
					FilterMetrics:   &fm,
					VerifyChecksums: true,
				})
				defer func() { require.NoError(t, r.Close()) }()

				iter := r.NewIter()
				i := 0
				for valid := iter.First(); valid; valid = iter.Next() {
					require.Equal(t, kvs[i].key.String(), iter.Key().String())
					require.Equal(t, kvs[i].value, string(iter.Value()))
					i++
				}
				require.Equal(t, n, i)
				for valid := iter.Last(); valid; valid = iter.Prev() {
					i--
					require.Equal(t, kvs[i].key.String(), iter.Key().String())
				}
				require.Equal(t, 0, i)
				require.NoError(t, iter.Close())

				for i, e := range kvs {
					res, v, err := r.Get(base.MakeSearchKey(e.key.UserKey))
					require.NoError(t, err)
					if i%7 == 0 {
						require.Equal(t, GetDeleted, res)
					} else {
						require.Equal(t, GetFound, res)
						require.Equal(t, e.value, string(v))
					}
					// Keys between the stored ones are absent.
					res, _, err = r.Get(base.MakeSearchKey([]byte(fmt.Sprintf("key%05d", i*2+1))))
					require.NoError(t, err)
					require.Equal(t, GetNotFound, res)
				}
				if policy != nil {
					// Most absent keys are filtered out; every present key
					// passes the filter.
					m := fm.Load()
					require.GreaterOrEqual(t, m.Misses, int64(n))
					require.Greater(t, m.Hits, int64(n/2))
				}

				require.NoError(t, r.ValidateBlockChecksums())
			})
		}
	}
}

func TestReaderGetSnapshot(t *testing.T) {
	data, _ := buildTable(t, WriterOptions{}, []kv{
		{base.ParseInternalKey("a.SET.1"), "a1"},
		{base.ParseInternalKey("b.SET.5"), "b5"},
		{base.ParseInternalKey("b.DEL.4"), ""},
		{base.ParseInternalKey("b.SET.3"), "b3"},
	})
	r := openTable(t, data, ReaderOptions{})
	defer r.Close()

	testCases := []struct {
		seq   base.SeqNum
		res   GetResult
		value string
	}{
		{base.SeqNumMax, GetFound, "b5"},
		{5, GetFound, "b5"},
		{4, GetDeleted, ""},
		{3, GetFound, "b3"},
		{2, GetNotFound, ""},
	}
	for _, tc := range testCases {
		res, v, err := r.Get(base.MakeInternalKey([]byte("b"), tc.seq, base.InternalKeyKindMax))
		require.NoError(t, err)
		require.Equal(t, tc.res, res, "seq %s", tc.seq)
		require.Equal(t, tc.value, string(v))
	}
	res, _, err := r.Get(base.MakeSearchKey([]byte("c")))
	require.NoError(t, err)
	require.Equal(t, GetNotFound, res)
}

func TestReaderGetCorruptIndex(t *testing.T) {
	data, _ := buildTable(t, WriterOptions{}, []kv{
		{base.ParseInternalKey("a.SET.1"), "a1"},
		{base.ParseInternalKey("b.SET.2"), "b2"},
	})
	r := openTable(t, data, ReaderOptions{})
	defer r.Close()

	for _, value := range [][]byte{
		{0xff},
		{0x00, 0x80},
		{0x00, 0x05, 0x00},
	} {
		w := &rowblk.Writer{RestartInterval: 16}
		require.NoError(t, w.Add(base.ParseInternalKey("z.SET.1"), value))
		r.index = w.Finish()
		res, v, err := r.Get(base.MakeSearchKey([]byte("b")))
		require.Equal(t, GetCorrupt, res, "%x", value)
		require.Nil(t, v)
		require.True(t, errors.Is(err, base.ErrCorruption), "%v", err)
	}

	// An index handle pointing past the end of the file.
	w := &rowblk.Writer{RestartInterval: 16}
	bh := block.Handle{Offset: uint64(len(data)), Length: 10}
	require.NoError(t, w.Add(base.ParseInternalKey("z.SET.1"), bh.AppendVarints(nil)))
	r.index = w.Finish()
	res, _, err := r.Get(base.MakeSearchKey([]byte("b")))
	require.Equal(t, GetCorrupt, res)
	require.True(t, errors.Is(err, base.ErrCorruption), "%v", err)
}

func TestEmptyTable(t *testing.T) {
	data, meta := buildTable(t, WriterOptions{FilterPolicy: bloom.FilterPolicy(10)}, nil)
	require.Equal(t, uint64(0), meta.NumEntries)
	r := openTable(t, data, ReaderOptions{FilterPolicy: bloom.FilterPolicy(10)})
	defer r.Close()
	iter := r.NewIter()
	require.False(t, iter.First())
	require.False(t, iter.Last())
	require.NoError(t, iter.Close())
	res, _, err := r.Get(base.MakeSearchKey([]byte("a")))
	require.NoError(t, err)
	require.Equal(t, GetNotFound, res)
	require.NoError(t, r.ValidateBlockChecksums())
}

func TestApproximateOffsetOf(t *testing.T) {
	data, _ := buildTable(t, WriterOptions{
		BlockSize:   1024,
		Compression: NoCompression,
	}, []kv{
		{base.ParseInternalKey("k01.SET.0"), "hello"},
		{base.ParseInternalKey("k02.SET.0"), "hello2"},
		{base.ParseInternalKey("k03.SET.0"), strings.Repeat("x", 10000)},
		{base.ParseInternalKey("k04.SET.0"), strings.Repeat("x", 200000)},
		{base.ParseInternalKey("k05.SET.0"), strings.Repeat("x", 300000)},
		{base.ParseInternalKey("k06.SET.0"), "hello3"},
		{base.ParseInternalKey("k07.SET.0"), strings.Repeat("x", 100000)},
	})
	r := openTable(t, data, ReaderOptions{})
	defer r.Close()

	testCases := []struct {
		key      string
		min, max uint64
	}{
		{"abc", 0, 0},
		{"k01", 0, 0},
		{"k01a", 0, 0},
		{"k02", 0, 0},
		{"k03", 0, 0},
		{"k04", 10000, 11000},
		{"k04a", 210000, 211000},
		{"k05", 210000, 211000},
		{"k06", 510000, 511000},
		{"k07", 510000, 511000},
		{"xyz", 610000, 612000},
	}
	for _, tc := range testCases {
		off := r.ApproximateOffsetOf(base.MakeSearchKey([]byte(tc.key)))
		require.GreaterOrEqual(t, off, tc.min, tc.key)
		require.LessOrEqual(t, off, tc.max, tc.key)
	}
}

func TestWriterClosed(t *testing.T) {
	w := NewWriter(&memWritable{}, WriterOptions{})
	require.NoError(t, w.Set([]byte("a"), []byte("1")))
	require.NoError(t, w.Finish())
	require.True(t, errors.Is(w.Set([]byte("b"), []byte("2")), ErrWriterClosed))
	require.True(t, errors.Is(w.Delete([]byte("b")), ErrWriterClosed))
	require.True(t, errors.Is(w.Finish(), ErrWriterClosed))

	f := &memWritable{}
	w = NewWriter(f, WriterOptions{})
	require.NoError(t, w.Set([]byte("a"), []byte("1")))
	w.Abandon()
	require.True(t, f.closed)
	require.True(t, errors.Is(w.Set([]byte("b"), []byte("2")), ErrWriterClosed))
	require.True(t, errors.Is(w.Finish(), ErrWriterClosed))
	_, err := w.Metadata()
	require.Error(t, err)
}

func TestWriterOutOfOrder(t *testing.T) {
	w := NewWriter(&memWritable{}, WriterOptions{})
	require.NoError(t, w.Set([]byte("b"), []byte("1")))
	err := w.Set([]byte("a"), []byte("2"))
	require.Error(t, err)
	require.True(t, errors.IsAssertionFailure(err), "%v", err)
	// The writer is poisoned.
	require.Equal(t, err, w.Set([]byte("c"), []byte("3")))
	require.Equal(t, err, w.Finish())

	// Duplicate internal keys are also out of order.
	w = NewWriter(&memWritable{}, WriterOptions{})
	require.NoError(t, w.Set([]byte("b"), []byte("1")))
	require.Error(t, w.Set([]byte("b"), []byte("1")))
}

func TestChecksumCorruption(t *testing.T) {
	var kvs []kv
	for i := 0; i < 100; i++ {
		kvs = append(kvs, kv{base.MakeInternalKey([]byte(fmt.Sprintf("k%03d", i)), 0, base.InternalKeyKindSet), "value"})
	}
	data, _ := buildTable(t, WriterOptions{BlockSize: 256, Compression: NoCompression}, kvs)
	// Flip a bit inside the first data block.
	data[3] ^= 0x10

	r := openTable(t, data, ReaderOptions{VerifyChecksums: true})
	iter := r.NewIter()
	require.False(t, iter.First())
	err := iter.Close()
	require.True(t, errors.Is(err, base.ErrCorruption), "%v", err)

	_, _, err = r.Get(base.MakeSearchKey([]byte("k000")))
	require.True(t, errors.Is(err, base.ErrCorruption), "%v", err)
	require.NoError(t, r.Close())

	// Without VerifyChecksums the data block is read as is, but validation
	// still catches it.
	r = openTable(t, data, ReaderOptions{})
	err = r.ValidateBlockChecksums()
	require.True(t, errors.Is(err, base.ErrCorruption), "%v", err)
	require.NoError(t, r.Close())
}

type recordingLogger struct {
	base.NoopLogger
	errors []string
}

func (l *recordingLogger) Errorf(format string, args ...interface{}) {
	l.errors = append(l.errors, fmt.Sprintf(format, args...))
}

func TestCorruptFilterIsIgnored(t *testing.T) {
	policy := bloom.FilterPolicy(10)
	data, _ := buildTable(t, WriterOptions{FilterPolicy: policy}, []kv{
		{base.ParseInternalKey("a.SET.1"), "1"},
		{base.ParseInternalKey("b.SET.1"), "2"},
	})
	r := openTable(t, data, ReaderOptions{FilterPolicy: policy})
	l, err := r.Layout()
	require.NoError(t, err)
	require.NotZero(t, l.Filter.Length)
	require.NotNil(t, r.filter)
	require.NoError(t, r.Close())

	data[l.Filter.Offset] ^= 0xff
	logger := &recordingLogger{}
	r = openTable(t, data, ReaderOptions{FilterPolicy: policy, Logger: logger})
	defer r.Close()
	require.Nil(t, r.filter)
	require.Len(t, logger.errors, 1)
	res, v, err := r.Get(base.MakeSearchKey([]byte("b")))
	require.NoError(t, err)
	require.Equal(t, GetFound, res)
	require.Equal(t, "2", string(v))
}

func TestFilterPolicyMismatch(t *testing.T) {
	data, _ := buildTable(t, WriterOptions{FilterPolicy: bloom.FilterPolicy(10)}, []kv{
		{base.ParseInternalKey("a.SET.1"), "1"},
	})
	// A table written with a different policy is read without a filter.
	r := openTable(t, data, ReaderOptions{FilterPolicy: exactFilterPolicy{}})
	defer r.Close()
	require.Nil(t, r.filter)
	res, _, err := r.Get(base.MakeSearchKey([]byte("a")))
	require.NoError(t, err)
	require.Equal(t, GetFound, res)
}

func TestLayout(t *testing.T) {
	var kvs []kv
	for i := 0; i < 50; i++ {
		kvs = append(kvs, kv{base.MakeInternalKey([]byte(fmt.Sprintf("k%03d", i)), 0, base.InternalKeyKindSet), strings.Repeat("v", 50)})
	}
	data, _ := buildTable(t, WriterOptions{BlockSize: 512, FilterPolicy: bloom.FilterPolicy(10)}, kvs)
	r := openTable(t, data, ReaderOptions{})
	defer r.Close()
	l, err := r.Layout()
	require.NoError(t, err)
	require.Greater(t, len(l.Data), 1)
	require.Equal(t, uint64(0), l.Data[0].Offset)
	for i := 1; i < len(l.Data); i++ {
		require.Equal(t, l.Data[i-1].Offset+l.Data[i-1].Length+block.TrailerLen, l.Data[i].Offset)
	}
	last := l.Data[len(l.Data)-1]
	require.Equal(t, last.Offset+last.Length+block.TrailerLen, l.Filter.Offset)
	require.Equal(t, uint64(len(data)), l.Footer.Offset+l.Footer.Length)

	var buf bytes.Buffer
	l.Describe(&buf, false, r, nil)
	require.Contains(t, buf.String(), "data[0]")
	require.Contains(t, buf.String(), "footer (48)")
}

type mapBlockCache struct {
	blocks map[uint64][]byte
	reads  int
}

func (c *mapBlockCache) GetOrRead(
	cacheID uint64, fileNum base.FileNum, offset uint64, read func() ([]byte, error),
) ([]byte, error) {
	if b, ok := c.blocks[offset]; ok {
		return b, nil
	}
	c.reads++
	b, err := read()
	if err != nil {
		return nil, err
	}
	c.blocks[offset] = b
	return b, nil
}

func TestReaderBlockCache(t *testing.T) {
	data, _ := buildTable(t, WriterOptions{}, []kv{
		{base.ParseInternalKey("a.SET.1"), "1"},
		{base.ParseInternalKey("b.SET.1"), "2"},
	})
	c := &mapBlockCache{blocks: map[uint64][]byte{}}
	r := openTable(t, data, ReaderOptions{Cache: c})
	defer r.Close()
	for i := 0; i < 3; i++ {
		res, _, err := r.Get(base.MakeSearchKey([]byte("a")))
		require.NoError(t, err)
		require.Equal(t, GetFound, res)
	}
	require.Equal(t, 1, c.reads)
}
