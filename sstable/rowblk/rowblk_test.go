// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package rowblk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/stretchr/testify/require"
)

var cmp = base.DefaultComparer.Compare

func ikey(s string) base.InternalKey {
	return base.ParseInternalKey(s)
}

func TestBlockWriter(t *testing.T) {
	w := &Writer{RestartInterval: 16}
	_ = w.Add(ikey("apple.SET.1"), nil)
	_ = w.Add(ikey("apricot.SET.1"), nil)
	_ = w.Add(ikey("banana.SET.1"), nil)
	block := w.Finish()

	expected := []byte(
		"\x00\x0d\x00apple\x01\x01\x00\x00\x00\x00\x00\x00" +
			"\x02\x0d\x00ricot\x01\x01\x00\x00\x00\x00\x00\x00" +
			"\x00\x0e\x00banana\x01\x01\x00\x00\x00\x00\x00\x00" +
			// Restart points.
			"\x00\x00\x00\x00" +
			"\x01\x00\x00\x00")
	require.Equal(t, expected, block)
}

func TestBlockWriterRestarts(t *testing.T) {
	w := &Writer{RestartInterval: 2}
	_ = w.AddRaw([]byte("apple"), []byte("red"))
	_ = w.AddRaw([]byte("apricot"), []byte("orange"))
	_ = w.AddRaw([]byte("banana"), []byte("yellow"))
	require.Equal(t, 3, w.EntryCount())
	require.Equal(t, "banana", string(w.CurRawKey()))
	require.Equal(t, "yellow", string(w.CurValue()))
	require.Equal(t, len(w.buf)+4*2+EmptySize, w.EstimatedSize())
	block := w.Finish()

	expected := []byte(
		"\x00\x05\x03applered" +
			"\x02\x05\x06ricotorange" +
			"\x00\x06\x06bananayellow" +
			// Restart points.
			"\x00\x00\x00\x00" +
			"\x19\x00\x00\x00" +
			"\x02\x00\x00\x00")
	require.Equal(t, expected, block)
}

func TestBlockWriterEmpty(t *testing.T) {
	w := &Writer{}
	require.Equal(t, EmptySize, w.EstimatedSize())
	block := w.Finish()
	require.Equal(t, []byte("\x00\x00\x00\x00\x01\x00\x00\x00"), block)

	it, err := NewIter(cmp, block)
	require.NoError(t, err)
	require.False(t, it.First())
	require.False(t, it.Last())
	require.False(t, it.SeekGE(ikey("a.SET.1")))
	require.NoError(t, it.Close())
}

func TestBlockWriterReset(t *testing.T) {
	w := &Writer{RestartInterval: 4, Compare: cmp}
	_ = w.Add(ikey("b.SET.1"), []byte("1"))
	w.Reset()
	require.Equal(t, 0, w.EntryCount())
	require.Equal(t, 4, w.RestartInterval)
	_ = w.Add(ikey("a.SET.1"), []byte("2"))
	it, err := NewIter(cmp, w.Finish())
	require.NoError(t, err)
	require.True(t, it.First())
	require.Equal(t, "a#1,SET", it.Key().String())
	require.Equal(t, "2", string(it.Value()))
	require.False(t, it.Next())
}

// TestIterDataDriven builds a block from the input of a "build" command and
// runs positioning operations from "iter" commands against it.
func TestIterDataDriven(t *testing.T) {
	var block []byte
	datadriven.RunTest(t, "testdata/iter", func(t *testing.T, d *datadriven.TestData) string {
		switch d.Cmd {
		case "build":
			w := &Writer{RestartInterval: 16, Compare: cmp}
			d.MaybeScanArgs(t, "restart-interval", &w.RestartInterval)
			for _, line := range strings.Split(d.Input, "\n") {
				j := strings.Index(line, ":")
				if err := w.Add(ikey(line[:j]), []byte(line[j+1:])); err != nil {
					return err.Error()
				}
			}
			block = slices.Clone(w.Finish())
			return ""

		case "iter":
			it, err := NewIter(cmp, block)
			if err != nil {
				return err.Error()
			}
			var b bytes.Buffer
			for _, line := range strings.Split(d.Input, "\n") {
				parts := strings.Fields(line)
				if len(parts) == 0 {
					continue
				}
				var valid bool
				switch parts[0] {
				case "seek-ge":
					valid = it.SeekGE(ikey(parts[1]))
				case "first":
					valid = it.First()
				case "last":
					valid = it.Last()
				case "next":
					valid = it.Next()
				case "prev":
					valid = it.Prev()
				default:
					return fmt.Sprintf("unknown op: %s", parts[0])
				}
				if valid {
					fmt.Fprintf(&b, "<%s:%s>\n", it.Key(), it.Value())
				} else if err := it.Error(); err != nil {
					fmt.Fprintf(&b, "<err=%v>\n", err)
				} else {
					b.WriteString(".\n")
				}
			}
			require.NoError(t, it.Close())
			return b.String()

		default:
			return fmt.Sprintf("unknown command: %s", d.Cmd)
		}
	})
}

func randomKVs(rng *rand.Rand, n int) []base.InternalKV {
	keys := make(map[string]bool)
	var kvs []base.InternalKV
	for len(kvs) < n {
		k := fmt.Sprintf("%0*d", 1+rng.IntN(12), rng.IntN(1_000_000))
		if keys[k] {
			continue
		}
		keys[k] = true
		kvs = append(kvs, base.InternalKV{
			K: base.MakeInternalKey([]byte(k), base.SeqNum(rng.IntN(100)), base.InternalKeyKindSet),
			V: []byte(strconv.Itoa(len(kvs))),
		})
	}
	slices.SortFunc(kvs, func(a, b base.InternalKV) int {
		return base.InternalCompare(cmp, a.K, b.K)
	})
	return kvs
}

// TestIterRandomized checks forward and backward iteration and seeks against
// a sorted slice for a variety of restart intervals.
func TestIterRandomized(t *testing.T) {
	rng := rand.New(rand.NewPCG(0, 1))
	for _, restartInterval := range []int{1, 2, 3, 16, 1000} {
		t.Run(fmt.Sprintf("restart-interval=%d", restartInterval), func(t *testing.T) {
			kvs := randomKVs(rng, 500)
			w := &Writer{RestartInterval: restartInterval, Compare: cmp}
			for _, kv := range kvs {
				require.NoError(t, w.Add(kv.K, kv.V))
			}
			it, err := NewIter(cmp, slices.Clone(w.Finish()))
			require.NoError(t, err)

			j := 0
			for valid := it.First(); valid; valid = it.Next() {
				require.Equal(t, kvs[j].K, it.Key())
				require.Equal(t, kvs[j].V, it.Value())
				j++
			}
			require.Equal(t, len(kvs), j)

			j = len(kvs) - 1
			for valid := it.Last(); valid; valid = it.Prev() {
				require.Equal(t, kvs[j].K, it.Key())
				require.Equal(t, kvs[j].V, it.Value())
				j--
			}
			require.Equal(t, -1, j)

			for k := 0; k < 200; k++ {
				target := base.MakeInternalKey(
					[]byte(fmt.Sprintf("%0*d", 1+rng.IntN(12), rng.IntN(1_000_000))),
					base.SeqNum(rng.IntN(100)), base.InternalKeyKindSet)
				want, _ := slices.BinarySearchFunc(kvs, target, func(kv base.InternalKV, t base.InternalKey) int {
					return base.InternalCompare(cmp, kv.K, t)
				})
				if want == len(kvs) {
					require.False(t, it.SeekGE(target))
					// Prev from the exhausted position returns the last key.
					require.True(t, it.Prev())
					require.Equal(t, kvs[len(kvs)-1].K, it.Key())
					continue
				}
				require.True(t, it.SeekGE(target))
				require.Equal(t, kvs[want].K, it.Key())
				if want > 0 {
					require.True(t, it.Prev())
					require.Equal(t, kvs[want-1].K, it.Key())
					require.True(t, it.Next())
					require.Equal(t, kvs[want].K, it.Key())
				}
			}
			require.NoError(t, it.Close())
		})
	}
}

func TestIterRaw(t *testing.T) {
	w := &Writer{RestartInterval: 16, Compare: cmp}
	require.NoError(t, w.AddRaw([]byte("filter.a"), []byte("1")))
	require.NoError(t, w.AddRaw([]byte("filter.b"), []byte("2")))
	it, err := NewRawIter(cmp, slices.Clone(w.Finish()))
	require.NoError(t, err)
	require.True(t, it.SeekGERaw([]byte("filter.b")))
	require.Equal(t, "filter.b", string(it.KeyRaw()))
	require.Equal(t, "2", string(it.Value()))
	require.True(t, it.SeekGE(base.MakeSearchKey([]byte("filter.0"))))
	require.Equal(t, "filter.a", string(it.KeyRaw()))
	require.False(t, it.SeekGERaw([]byte("filter.c")))
	require.Nil(t, it.KeyRaw())
}

func TestIterCorruption(t *testing.T) {
	w := &Writer{RestartInterval: 2}
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		_ = w.Add(ikey(k+".SET.1"), []byte("value"))
	}
	good := slices.Clone(w.Finish())

	t.Run("short", func(t *testing.T) {
		_, err := NewIter(cmp, []byte{1, 2})
		require.True(t, base.IsCorruptionError(err))
	})

	t.Run("restart-count", func(t *testing.T) {
		b := slices.Clone(good)
		binary.LittleEndian.PutUint32(b[len(b)-4:], 1<<30)
		_, err := NewIter(cmp, b)
		require.True(t, base.IsCorruptionError(err))
	})

	t.Run("value-length", func(t *testing.T) {
		b := slices.Clone(good)
		// The third byte of the first entry is its value length.
		b[2] = 0x7f
		it, err := NewIter(cmp, b)
		require.NoError(t, err)
		require.False(t, it.First())
		require.True(t, base.IsCorruptionError(it.Error()))
		require.False(t, it.Next())
		require.False(t, it.Prev())
		require.True(t, base.IsCorruptionError(it.Close()))
	})

	t.Run("restart-offset", func(t *testing.T) {
		b := slices.Clone(good)
		restarts := len(b) - 4*(1+3)
		binary.LittleEndian.PutUint32(b[restarts+4:], uint32(len(b)))
		it, err := NewIter(cmp, b)
		require.NoError(t, err)
		require.False(t, it.SeekGE(ikey("d.SET.1")))
		require.True(t, base.IsCorruptionError(it.Error()))
	})

	t.Run("truncated-varint", func(t *testing.T) {
		b := slices.Clone(good)
		// Turn the lengths of the first entry into one long varint that runs
		// into the key bytes.
		b[0], b[1], b[2] = 0x80, 0x80, 0x80
		it, err := NewIter(cmp, b)
		require.NoError(t, err)
		require.False(t, it.First())
		require.True(t, base.IsCorruptionError(it.Error()))
	})
}
