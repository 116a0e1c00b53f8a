// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package record

import (
	"bytes"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

// fill returns n bytes of repetitions of pattern.
func fill(pattern string, n int) []byte {
	return []byte(strings.Repeat(pattern, n/len(pattern)+1)[:n])
}

// writeLog writes each record, alternating between streaming it through Next
// and writing it with WriteRecord.
func writeLog(t *testing.T, records [][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for i, rec := range records {
		if i%2 == 0 {
			rw, err := w.Next()
			require.NoError(t, err)
			// Split the write to cover records built from several writes.
			half := len(rec) / 2
			_, err = rw.Write(rec[:half])
			require.NoError(t, err)
			_, err = rw.Write(rec[half:])
			require.NoError(t, err)
		} else {
			_, err := w.WriteRecord(rec)
			require.NoError(t, err)
		}
	}
	require.NoError(t, w.Close())
	require.EqualValues(t, buf.Len(), w.Size())
	return buf.Bytes()
}

func readLog(t *testing.T, data []byte) [][]byte {
	t.Helper()
	r := NewReader(bytes.NewReader(data))
	var records [][]byte
	for {
		rr, err := r.Next()
		if err == io.EOF {
			return records
		}
		require.NoError(t, err)
		rec, err := io.ReadAll(rr)
		require.NoError(t, err)
		records = append(records, rec)
	}
}

func TestRoundTrip(t *testing.T) {
	sizes := [][]int{
		{},
		{0},
		{0, 0, 0},
		{1, 10, 100, 1000},
		{BlockSize - HeaderSize},
		{BlockSize - HeaderSize, BlockSize - HeaderSize, 1},
		{BlockSize - 2*HeaderSize, 0, 5},
		{BlockSize - HeaderSize - 6, 3},
		{BlockSize - HeaderSize + 1, 1},
		{3 * BlockSize, 17, 2*BlockSize + 5},
	}
	for _, s := range sizes {
		t.Run(fmt.Sprint(s), func(t *testing.T) {
			var records [][]byte
			for i, n := range s {
				records = append(records, fill(fmt.Sprintf("%c%d", 'a'+i, n), n))
			}
			got := readLog(t, writeLog(t, records))
			require.Equal(t, len(records), len(got))
			for i := range records {
				require.True(t, bytes.Equal(records[i], got[i]), "record %d", i)
			}
		})
	}
}

func TestRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewPCG(0, uint64(BlockSize)))
	records := make([][]byte, 200)
	for i := range records {
		n := rng.IntN(16)
		if rng.IntN(4) == 0 {
			n = rng.IntN(3 * BlockSize)
		}
		records[i] = fill(fmt.Sprintf("%d.", i), n)
	}
	data := writeLog(t, records)
	got := readLog(t, data)
	require.Equal(t, len(records), len(got))
	for i := range records {
		require.True(t, bytes.Equal(records[i], got[i]), "record %d", i)
	}

	// Reading only a prefix of each record still yields every record.
	r := NewReader(bytes.NewReader(data))
	for i := range records {
		rr, err := r.Next()
		require.NoError(t, err)
		p := make([]byte, min(3, len(records[i])))
		_, err = io.ReadFull(rr, p)
		require.NoError(t, err)
		require.Equal(t, records[i][:len(p)], p, "record %d", i)
	}
	_, err := r.Next()
	require.Equal(t, io.EOF, err)
}

func TestEmptyAndZeroedLogs(t *testing.T) {
	for _, n := range []int{0, 10, BlockSize, 2*BlockSize + 100} {
		r := NewReader(bytes.NewReader(make([]byte, n)))
		_, err := r.Next()
		require.Equal(t, io.EOF, err, "%d zero bytes", n)
	}
}

func TestZeroedChunk(t *testing.T) {
	data := writeLog(t, [][]byte{[]byte("a")})
	// Zeroed space that is followed by data within the block.
	data = append(data, make([]byte, HeaderSize)...)
	data = append(data, 'x')

	r := NewReader(bytes.NewReader(data))
	rr, err := r.Next()
	require.NoError(t, err)
	rec, err := io.ReadAll(rr)
	require.NoError(t, err)
	require.Equal(t, "a", string(rec))
	_, err = r.Next()
	require.Equal(t, ErrZeroedChunk, err)
	require.True(t, IsInvalidRecord(err))
}

func TestFlush(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	rw, err := w.Next()
	require.NoError(t, err)
	_, err = rw.Write([]byte("abc"))
	require.NoError(t, err)
	// Nothing reaches buf until the block fills or the writer flushes.
	require.Zero(t, buf.Len())
	require.NoError(t, w.Flush())
	require.Equal(t, HeaderSize+3, buf.Len())

	_, err = w.WriteRecord(make([]byte, 5000))
	require.NoError(t, err)
	require.Equal(t, 2*HeaderSize+5003, buf.Len())

	// A record that overflows the block is written in two chunks. The first
	// block is written as soon as it is full.
	rw, err = w.Next()
	require.NoError(t, err)
	_, err = rw.Write(make([]byte, 30000))
	require.NoError(t, err)
	require.Equal(t, BlockSize, buf.Len())
	require.NoError(t, w.Flush())
	require.Equal(t, 4*HeaderSize+35003, buf.Len())
	require.EqualValues(t, buf.Len(), w.Size())

	var lengths []int
	for _, rec := range readLog(t, buf.Bytes()) {
		lengths = append(lengths, len(rec))
	}
	require.Equal(t, []int{3, 5000, 30000}, lengths)
}

func TestStale(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w0, err := w.Next()
	require.NoError(t, err)
	w1, err := w.Next()
	require.NoError(t, err)
	_, err = w0.Write([]byte("x"))
	require.True(t, errors.Is(err, errStaleWriter), "%v", err)
	_, err = w1.Write([]byte("12"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	_, err = w1.Write([]byte("3"))
	require.True(t, errors.Is(err, errStaleWriter), "%v", err)
	require.NoError(t, w.Close())
	_, err = w.Next()
	require.True(t, errors.Is(err, errClosedWriter), "%v", err)

	r := NewReader(bytes.NewReader(buf.Bytes()))
	r0, err := r.Next()
	require.NoError(t, err)
	r1, err := r.Next()
	require.NoError(t, err)
	p := make([]byte, 2)
	_, err = r0.Read(p)
	require.True(t, errors.Is(err, errStaleReader), "%v", err)
	n, err := r1.Read(p)
	require.NoError(t, err)
	require.Equal(t, "12", string(p[:n]))
}

func TestOffset(t *testing.T) {
	records := [][]byte{
		[]byte("first"),
		fill("pad", BlockSize-2*HeaderSize-len("first")-3),
		[]byte("next block"),
	}
	var buf bytes.Buffer
	w := NewWriter(&buf)
	var ends []int64
	for _, rec := range records {
		end, err := w.WriteRecord(rec)
		require.NoError(t, err)
		ends = append(ends, end)
	}
	require.NoError(t, w.Close())
	require.EqualValues(t, HeaderSize+len("first"), ends[0])
	require.EqualValues(t, BlockSize-3, ends[1])
	require.EqualValues(t, BlockSize+HeaderSize+len("next block"), ends[2])

	r := NewReader(bytes.NewReader(buf.Bytes()))
	require.Zero(t, r.Offset())
	for i := range records {
		_, err := r.Next()
		require.NoError(t, err)
		require.Equal(t, ends[i], r.Offset(), "record %d", i)
	}
}

func TestTornTail(t *testing.T) {
	records := [][]byte{[]byte("complete"), fill("x", 100), fill("y", BlockSize)}
	data := writeLog(t, records)
	firstEnd := HeaderSize + len("complete")

	for _, n := range []int{
		firstEnd + 1,
		firstEnd + 5,
		firstEnd + 50,
		firstEnd + HeaderSize + 101,
		BlockSize + 10,
		len(data) - 1,
	} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			r := NewReader(bytes.NewReader(data[:n]))
			rr, err := r.Next()
			require.NoError(t, err)
			rec, err := io.ReadAll(rr)
			require.NoError(t, err)
			require.Equal(t, "complete", string(rec))

			// A later record is cut short, either in its header or in its
			// payload.
			for {
				rr, err = r.Next()
				if err == nil {
					_, err = io.ReadAll(rr)
				}
				if err != nil {
					break
				}
			}
			require.True(t, IsInvalidRecord(err), "%v", err)
		})
	}
}

// corruptChunk damages the payload of the chunk at off.
func corruptChunk(data []byte, off int) {
	data[off+HeaderSize] ^= 0xff
}

func TestRecoverSkipsDamagedBlock(t *testing.T) {
	records := [][]byte{
		fill("a", BlockSize-HeaderSize),
		fill("b", BlockSize-HeaderSize),
		fill("c", BlockSize-HeaderSize),
	}
	data := writeLog(t, records)
	corruptChunk(data, BlockSize)

	src := bytes.NewReader(data)
	r := NewReader(src)
	rr, err := r.Next()
	require.NoError(t, err)
	rec, err := io.ReadAll(rr)
	require.NoError(t, err)
	require.Equal(t, records[0], rec)

	_, err = r.Next()
	require.Equal(t, ErrInvalidChunk, err)
	r.Recover()
	// Recover itself does not read ahead.
	require.EqualValues(t, 2*BlockSize, int(src.Size())-src.Len())

	rr, err = r.Next()
	require.NoError(t, err)
	rec, err = io.ReadAll(rr)
	require.NoError(t, err)
	require.Equal(t, records[2], rec)
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestRecoverWithinRecord(t *testing.T) {
	// The first record spans blocks 0 to 3. The second and third start in
	// block 3, and the fourth in block 4.
	records := [][]byte{
		fill("a", 3*BlockSize),
		fill("b", 100),
		fill("c", BlockSize-HeaderSize),
		fill("d", 10),
	}
	data := writeLog(t, records)
	corruptChunk(data, 2*BlockSize)

	r := NewReader(bytes.NewReader(data))
	rr, err := r.Next()
	require.NoError(t, err)
	_, err = io.ReadAll(rr)
	require.Equal(t, ErrInvalidChunk, err)
	_, err = r.Next()
	require.Equal(t, ErrInvalidChunk, err)

	// The tail of the damaged record in block 3 is skipped.
	r.Recover()
	_, err = rr.Read(make([]byte, 1))
	require.True(t, errors.Is(err, errStaleReader), "%v", err)
	for _, want := range records[1:] {
		rr, err = r.Next()
		require.NoError(t, err)
		rec, err := io.ReadAll(rr)
		require.NoError(t, err)
		require.Equal(t, want, rec)
	}
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestRecoverSkipsConsecutiveDamage(t *testing.T) {
	var records [][]byte
	for i := 0; i < 5; i++ {
		records = append(records, fill(string(rune('a'+i)), BlockSize-HeaderSize))
	}
	data := writeLog(t, records)
	for _, b := range []int{1, 2, 3} {
		corruptChunk(data, b*BlockSize)
	}

	r := NewReader(bytes.NewReader(data))
	_, err := r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	require.Equal(t, ErrInvalidChunk, err)
	r.Recover()
	rr, err := r.Next()
	require.NoError(t, err)
	rec, err := io.ReadAll(rr)
	require.NoError(t, err)
	require.Equal(t, records[4], rec)

	// Damage in the last block leaves nothing to recover.
	corruptChunk(data, 4*BlockSize)
	r = NewReader(bytes.NewReader(data))
	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	require.Error(t, err)
	r.Recover()
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}
