// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/kr/pretty"
	"github.com/stretchr/testify/require"
)

func checkRoundTrip(t *testing.T, e0 VersionEdit) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, e0.Encode(&buf))
	encoded := append([]byte(nil), buf.Bytes()...)

	var e1 VersionEdit
	require.NoError(t, e1.Decode(&buf))
	if diff := pretty.Diff(e0, e1); diff != nil {
		t.Fatalf("%s\n%s", diff, pretty.Sprint(e1))
	}

	// Re-encoding the decoded edit yields the same bytes.
	var buf2 bytes.Buffer
	require.NoError(t, e1.Encode(&buf2))
	require.Equal(t, encoded, buf2.Bytes())
}

func TestVersionEditRoundTrip(t *testing.T) {
	testCases := []VersionEdit{
		// An empty version edit.
		{},
		// A complete version edit.
		{
			ComparerName:   "11",
			LogNum:         22,
			HasLogNum:      true,
			PrevLogNum:     33,
			HasPrevLogNum:  true,
			NextFileNum:    44,
			HasNextFileNum: true,
			LastSeqNum:     55,
			HasLastSeqNum:  true,
			CompactPointers: []CompactPointerEntry{
				{Level: 0, Key: base.ParseInternalKey("600.SET.601")},
				{Level: 1, Key: base.ParseInternalKey("700.DEL.701")},
			},
			DeletedFiles: map[DeletedFileEntry]bool{
				{Level: 3, FileNum: 703}: true,
				{Level: 4, FileNum: 704}: true,
			},
			NewFiles: []NewFileEntry{
				{
					Level: 5,
					Meta: &FileMetadata{
						FileNum:  805,
						Size:     8050,
						Smallest: base.ParseInternalKey("abc.DEL.8051"),
						Largest:  base.ParseInternalKey("xyz.SET.8052"),
					},
				},
				{
					Level: 6,
					Meta: &FileMetadata{
						FileNum:  806,
						Size:     8060,
						Smallest: base.ParseInternalKey("A.SET.8061"),
						Largest:  base.ParseInternalKey("Z.DEL.8062"),
					},
				},
			},
		},
		// Values that need multi-byte varints.
		{
			LogNum:         1 << 50,
			HasLogNum:      true,
			NextFileNum:    1<<50 + 1,
			HasNextFileNum: true,
			LastSeqNum:     1<<50 + 2,
			HasLastSeqNum:  true,
			NewFiles: []NewFileEntry{
				{
					Level: 0,
					Meta: &FileMetadata{
						FileNum:  1 << 50,
						Size:     1 << 50,
						Smallest: base.MakeInternalKey([]byte{}, 0, base.InternalKeyKindDelete),
						Largest:  base.MakeInternalKey(bytes.Repeat([]byte{0xff}, 300), base.SeqNumMax, base.InternalKeyKindSet),
					},
				},
			},
		},
	}
	for _, tc := range testCases {
		checkRoundTrip(t, tc)
	}
}

func TestVersionEditZeroValues(t *testing.T) {
	// A zero log number is still encoded when it is set.
	var ve VersionEdit
	ve.SetLogNum(0)
	ve.SetLastSeqNum(0)
	checkRoundTrip(t, ve)

	var buf bytes.Buffer
	require.NoError(t, ve.Encode(&buf))
	require.Equal(t, []byte{tagLogNumber, 0, tagLastSequence, 0}, buf.Bytes())
}

func TestVersionEditDeletedFilesSorted(t *testing.T) {
	var ve VersionEdit
	ve.DeleteFile(2, 9)
	ve.DeleteFile(1, 20)
	ve.DeleteFile(2, 3)
	var buf bytes.Buffer
	require.NoError(t, ve.Encode(&buf))
	require.Equal(t, []byte{
		tagDeletedFile, 1, 20,
		tagDeletedFile, 2, 3,
		tagDeletedFile, 2, 9,
	}, buf.Bytes())
}

func TestVersionEditEncodeLayout(t *testing.T) {
	var ve VersionEdit
	ve.ComparerName = "c"
	ve.SetNextFileNum(5)
	ve.AddFile(1, &FileMetadata{
		FileNum:  4,
		Size:     300,
		Smallest: base.MakeInternalKey([]byte("a"), 1, base.InternalKeyKindSet),
		Largest:  base.MakeInternalKey([]byte("b"), 2, base.InternalKeyKindDelete),
	})
	var buf bytes.Buffer
	require.NoError(t, ve.Encode(&buf))
	require.Equal(t, []byte{
		tagComparator, 1, 'c',
		tagNextFileNumber, 5,
		tagNewFile, 1, 4, 0xac, 0x02,
		9, 'a', 0x01, 0x01, 0, 0, 0, 0, 0, 0,
		9, 'b', 0x00, 0x02, 0, 0, 0, 0, 0, 0,
	}, buf.Bytes())
}

func TestVersionEditDecodeCorruption(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"unknown tag", []byte{8}},
		{"unknown large tag", []byte{0x80, 0x01}},
		{"truncated tag", []byte{0x80}},
		{"truncated log number", []byte{tagLogNumber}},
		{"truncated comparator", []byte{tagComparator, 5, 'a', 'b'}},
		{"bad level", []byte{tagDeletedFile, NumLevels, 1}},
		{"short key", []byte{tagCompactPointer, 1, 3, 'a', 'b', 'c'}},
		{"truncated new file", []byte{tagNewFile, 1, 4, 10}},
		{"overflowing varint", []byte{tagLastSequence, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}},
		{"huge comparator length", binary.AppendUvarint([]byte{tagComparator}, 1<<62)},
		{"huge key length", binary.AppendUvarint([]byte{tagNewFile, 1, 4, 10}, 1<<40)},
		{"key longer than record", []byte{tagCompactPointer, 1, 20, 'a', 0, 0, 0, 0, 0, 0, 0, 0}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var ve VersionEdit
			err := ve.Decode(bytes.NewReader(tc.data))
			require.Error(t, err)
			require.True(t, errors.Is(err, base.ErrCorruption), "%+v", err)
		})
	}
}

func TestVersionEditString(t *testing.T) {
	var ve VersionEdit
	ve.ComparerName = "leveldb.BytewiseComparator"
	ve.SetLogNum(3)
	ve.SetNextFileNum(7)
	ve.SetLastSeqNum(42)
	ve.DeleteFile(0, 2)
	ve.AddFile(1, &FileMetadata{
		FileNum:  6,
		Size:     100,
		Smallest: base.ParseInternalKey("a.SET.1"),
		Largest:  base.ParseInternalKey("c.SET.9"),
	})
	require.Equal(t, `  comparer:     leveldb.BytewiseComparator
  log-num:       3
  next-file-num: 7
  last-seq-num:  42
  del-table:     L0 000002
  add-table:     L1 000006:[a#1,SET-c#9,SET] size=100
`, ve.String())
}
