// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
)

/*
The MANIFEST file is a sequence of records in the record package's log
format. Each record holds one encoded VersionEdit. The first record of a
manifest is a snapshot: an edit that, applied to an empty version, yields the
version current when the manifest was created.

An encoded VersionEdit is a sequence of (tag, payload) pairs. Tags are
varints. Integers are varints, and strings and keys are a varint length
followed by that many bytes. Internal keys are encoded as stored in tables:
the user key followed by the 8 byte trailer.

	tag  name              payload
	1    comparator        string
	2    log number        varint
	3    next file number  varint
	4    last sequence     varint
	5    compact pointer   level varint, internal key
	6    deleted file      level varint, file number varint
	7    new file          level varint, file number varint, size varint,
	                       smallest internal key, largest internal key
	9    prev log number   varint

Tag 8 is no longer used.
*/

// Tags for the versionEdit disk format.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
	tagPrevLogNumber  = 9
)

// NumLevels is the number of levels a Version contains.
const NumLevels = 7

var errCorruptManifest = base.CorruptionErrorf("levelkv: corrupt manifest")

// CompactPointerEntry records the key at which the next compaction of a level
// should start.
type CompactPointerEntry struct {
	Level int
	Key   base.InternalKey
}

// DeletedFileEntry holds the state for a file deletion from a level. The file
// itself might still be referenced by another level.
type DeletedFileEntry struct {
	Level   int
	FileNum base.FileNum
}

// NewFileEntry holds the state for a new file or one moved from a different
// level.
type NewFileEntry struct {
	Level int
	Meta  *FileMetadata
}

// VersionEdit holds the state for an edit to a Version along with other
// on-disk state (log numbers, next file number, and the last sequence number).
type VersionEdit struct {
	// ComparerName is the value of Options.Comparer.Name. This is only set in
	// the first VersionEdit in a manifest (either when the DB is created, or
	// a new manifest is created) and is used to verify that the comparer
	// specified at Open matches the comparer that was previously used.
	ComparerName string

	// LogNum is the file number of the WAL holding writes not yet flushed to
	// tables. Older WALs are obsolete.
	LogNum    base.FileNum
	HasLogNum bool

	// PrevLogNum is kept for compatibility with manifests written by older
	// LevelDB versions, which could have two live WALs. It is always zero in
	// manifests written by this package.
	PrevLogNum    base.FileNum
	HasPrevLogNum bool

	// NextFileNum is the next unused file number.
	NextFileNum    base.FileNum
	HasNextFileNum bool

	// LastSeqNum is an upper bound on the sequence numbers that have been
	// assigned. These sequence numbers may not have been written to a WAL.
	LastSeqNum    base.SeqNum
	HasLastSeqNum bool

	CompactPointers []CompactPointerEntry
	// A file num may be present in both DeletedFiles and NewFiles when it is
	// moved from a lower level to a higher level (when the compaction found
	// that there was no overlapping file at the higher level).
	DeletedFiles map[DeletedFileEntry]bool
	NewFiles     []NewFileEntry
}

// SetLogNum sets the WAL file number.
func (v *VersionEdit) SetLogNum(n base.FileNum) {
	v.LogNum, v.HasLogNum = n, true
}

// SetNextFileNum sets the next file number.
func (v *VersionEdit) SetNextFileNum(n base.FileNum) {
	v.NextFileNum, v.HasNextFileNum = n, true
}

// SetLastSeqNum sets the last sequence number.
func (v *VersionEdit) SetLastSeqNum(n base.SeqNum) {
	v.LastSeqNum, v.HasLastSeqNum = n, true
}

// AddFile adds a new file at the given level.
func (v *VersionEdit) AddFile(level int, meta *FileMetadata) {
	v.NewFiles = append(v.NewFiles, NewFileEntry{Level: level, Meta: meta})
}

// DeleteFile records the removal of a file from the given level.
func (v *VersionEdit) DeleteFile(level int, fileNum base.FileNum) {
	if v.DeletedFiles == nil {
		v.DeletedFiles = make(map[DeletedFileEntry]bool)
	}
	v.DeletedFiles[DeletedFileEntry{Level: level, FileNum: fileNum}] = true
}

// SetCompactPointer records the compact pointer for a level.
func (v *VersionEdit) SetCompactPointer(level int, key base.InternalKey) {
	v.CompactPointers = append(v.CompactPointers, CompactPointerEntry{Level: level, Key: key.Clone()})
}

// sortedDeletedFiles returns the deleted files ordered by level, then file
// number, so that encodings are deterministic.
func (v *VersionEdit) sortedDeletedFiles() []DeletedFileEntry {
	s := make([]DeletedFileEntry, 0, len(v.DeletedFiles))
	for df := range v.DeletedFiles {
		s = append(s, df)
	}
	slices.SortFunc(s, func(a, b DeletedFileEntry) int {
		if a.Level != b.Level {
			return a.Level - b.Level
		}
		switch {
		case a.FileNum < b.FileNum:
			return -1
		case a.FileNum > b.FileNum:
			return 1
		}
		return 0
	})
	return s
}

// Decode decodes an edit from the specified reader.
func (v *VersionEdit) Decode(r io.Reader) error {
	data, err := io.ReadAll(r)
	d := versionEditDecoder{bytes.NewReader(data)}
	if err != nil {
		return d.corrupt(err, "record")
	}
	for {
		tag, err := binary.ReadUvarint(d)
		if err == io.EOF {
			break
		}
		if err != nil {
			return d.corrupt(err, "tag")
		}
		switch tag {
		case tagComparator:
			s, err := d.readBytes("comparator name")
			if err != nil {
				return err
			}
			v.ComparerName = string(s)

		case tagLogNumber:
			n, err := d.readFileNum("log number")
			if err != nil {
				return err
			}
			v.SetLogNum(n)

		case tagPrevLogNumber:
			n, err := d.readFileNum("previous log number")
			if err != nil {
				return err
			}
			v.PrevLogNum, v.HasPrevLogNum = n, true

		case tagNextFileNumber:
			n, err := d.readFileNum("next file number")
			if err != nil {
				return err
			}
			v.SetNextFileNum(n)

		case tagLastSequence:
			n, err := d.readUvarint("last sequence number")
			if err != nil {
				return err
			}
			v.SetLastSeqNum(base.SeqNum(n))

		case tagCompactPointer:
			level, err := d.readLevel("compaction pointer")
			if err != nil {
				return err
			}
			key, err := d.readInternalKey("compaction pointer")
			if err != nil {
				return err
			}
			v.CompactPointers = append(v.CompactPointers, CompactPointerEntry{Level: level, Key: key})

		case tagDeletedFile:
			level, err := d.readLevel("deleted file")
			if err != nil {
				return err
			}
			fileNum, err := d.readFileNum("deleted file")
			if err != nil {
				return err
			}
			v.DeleteFile(level, fileNum)

		case tagNewFile:
			level, err := d.readLevel("new-file entry")
			if err != nil {
				return err
			}
			fileNum, err := d.readFileNum("new-file entry")
			if err != nil {
				return err
			}
			size, err := d.readUvarint("new-file entry")
			if err != nil {
				return err
			}
			smallest, err := d.readInternalKey("new-file entry")
			if err != nil {
				return err
			}
			largest, err := d.readInternalKey("new-file entry")
			if err != nil {
				return err
			}
			v.AddFile(level, &FileMetadata{
				FileNum:  fileNum,
				Size:     size,
				Smallest: smallest,
				Largest:  largest,
			})

		default:
			return errors.Wrapf(errCorruptManifest, "unknown tag %d", errors.Safe(tag))
		}
	}
	return nil
}

// String implements fmt.Stringer for a VersionEdit.
func (v *VersionEdit) String() string {
	var buf bytes.Buffer
	if v.ComparerName != "" {
		fmt.Fprintf(&buf, "  comparer:     %s\n", v.ComparerName)
	}
	if v.HasLogNum {
		fmt.Fprintf(&buf, "  log-num:       %d\n", v.LogNum)
	}
	if v.HasPrevLogNum {
		fmt.Fprintf(&buf, "  prev-log-num:  %d\n", v.PrevLogNum)
	}
	if v.HasNextFileNum {
		fmt.Fprintf(&buf, "  next-file-num: %d\n", v.NextFileNum)
	}
	if v.HasLastSeqNum {
		fmt.Fprintf(&buf, "  last-seq-num:  %d\n", v.LastSeqNum)
	}
	for _, cp := range v.CompactPointers {
		fmt.Fprintf(&buf, "  compact-pointer: L%d %s\n", cp.Level, cp.Key)
	}
	for _, df := range v.sortedDeletedFiles() {
		fmt.Fprintf(&buf, "  del-table:     L%d %s\n", df.Level, df.FileNum)
	}
	for _, nf := range v.NewFiles {
		fmt.Fprintf(&buf, "  add-table:     L%d %s size=%d\n", nf.Level, nf.Meta, nf.Meta.Size)
	}
	return buf.String()
}

// Encode encodes an edit to the specified writer.
func (v *VersionEdit) Encode(w io.Writer) error {
	e := versionEditEncoder{new(bytes.Buffer)}
	if v.ComparerName != "" {
		e.writeUvarint(tagComparator)
		e.writeString(v.ComparerName)
	}
	if v.HasLogNum {
		e.writeUvarint(tagLogNumber)
		e.writeUvarint(uint64(v.LogNum))
	}
	if v.HasPrevLogNum {
		e.writeUvarint(tagPrevLogNumber)
		e.writeUvarint(uint64(v.PrevLogNum))
	}
	if v.HasNextFileNum {
		e.writeUvarint(tagNextFileNumber)
		e.writeUvarint(uint64(v.NextFileNum))
	}
	if v.HasLastSeqNum {
		e.writeUvarint(tagLastSequence)
		e.writeUvarint(uint64(v.LastSeqNum))
	}
	for _, x := range v.CompactPointers {
		e.writeUvarint(tagCompactPointer)
		e.writeUvarint(uint64(x.Level))
		e.writeKey(x.Key)
	}
	for _, x := range v.sortedDeletedFiles() {
		e.writeUvarint(tagDeletedFile)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(uint64(x.FileNum))
	}
	for _, x := range v.NewFiles {
		e.writeUvarint(tagNewFile)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(uint64(x.Meta.FileNum))
		e.writeUvarint(x.Meta.Size)
		e.writeKey(x.Meta.Smallest)
		e.writeKey(x.Meta.Largest)
	}
	_, err := w.Write(e.Bytes())
	return errors.WithStack(err)
}

// versionEditDecoder reads the fields of one manifest record. The whole
// record is in memory so lengths can be checked against what is left.
type versionEditDecoder struct {
	*bytes.Reader
}

// corrupt converts a decoding error to a corruption error, keeping the
// original error as the cause.
func (d versionEditDecoder) corrupt(err error, field string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Wrapf(errCorruptManifest, "truncated %s", errors.Safe(field))
	}
	return base.MarkCorruptionError(errors.Wrapf(err, "levelkv: corrupt manifest: %s", errors.Safe(field)))
}

func (d versionEditDecoder) readBytes(field string) ([]byte, error) {
	n, err := d.readUvarint(field)
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Len()) {
		return nil, errors.Wrapf(errCorruptManifest, "%s: length %d exceeds the %d bytes left",
			errors.Safe(field), errors.Safe(n), errors.Safe(d.Len()))
	}
	s := make([]byte, n)
	if _, err := io.ReadFull(d, s); err != nil {
		return nil, d.corrupt(err, field)
	}
	return s, nil
}

func (d versionEditDecoder) readInternalKey(field string) (base.InternalKey, error) {
	b, err := d.readBytes(field)
	if err != nil {
		return base.InternalKey{}, err
	}
	if len(b) < base.InternalTrailerLen {
		return base.InternalKey{}, errors.Wrapf(errCorruptManifest, "%s: short internal key", errors.Safe(field))
	}
	return base.DecodeInternalKey(b), nil
}

func (d versionEditDecoder) readLevel(field string) (int, error) {
	u, err := d.readUvarint(field)
	if err != nil {
		return 0, err
	}
	if u >= NumLevels {
		return 0, errors.Wrapf(errCorruptManifest, "%s: level %d", errors.Safe(field), errors.Safe(u))
	}
	return int(u), nil
}

func (d versionEditDecoder) readFileNum(field string) (base.FileNum, error) {
	u, err := d.readUvarint(field)
	if err != nil {
		return 0, err
	}
	return base.FileNum(u), nil
}

func (d versionEditDecoder) readUvarint(field string) (uint64, error) {
	u, err := binary.ReadUvarint(d)
	if err != nil {
		return 0, d.corrupt(err, field)
	}
	return u, nil
}

type versionEditEncoder struct {
	*bytes.Buffer
}

func (e versionEditEncoder) writeBytes(p []byte) {
	e.writeUvarint(uint64(len(p)))
	e.Write(p)
}

func (e versionEditEncoder) writeKey(k base.InternalKey) {
	e.writeUvarint(uint64(k.Size()))
	e.Write(k.UserKey)
	buf := k.EncodeTrailer()
	e.Write(buf[:])
}

func (e versionEditEncoder) writeString(s string) {
	e.writeUvarint(uint64(len(s)))
	e.WriteString(s)
}

func (e versionEditEncoder) writeUvarint(u uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], u)
	e.Write(buf[:n])
}
