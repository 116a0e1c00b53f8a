// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base // import "github.com/cockroachdb/levelkv/internal/base"

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/invariants"
	"github.com/cockroachdb/redact"
)

// SeqNum orders writes. Every write batch is assigned the next sequence
// numbers, and among entries for one user key the highest sequence number
// wins. A reader at sequence number s sees only entries below s.
type SeqNum uint64

const (
	// SeqNumZero is the zero sequence number.
	SeqNumZero SeqNum = 0
	// SeqNumMax is the largest sequence number that fits in a trailer.
	SeqNumMax SeqNum = 1<<56 - 1
)

func (s SeqNum) String() string {
	if s == SeqNumMax {
		return "inf"
	}
	return strconv.FormatUint(uint64(s), 10)
}

// SafeFormat implements redact.SafeFormatter.
func (s SeqNum) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(s.String()))
}

func parseSeqNum(s string) (SeqNum, error) {
	if s == "inf" {
		return SeqNumMax, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	return SeqNum(n), err
}

// InternalKeyKind says whether an entry sets or deletes its user key. The
// values are stored on disk.
type InternalKeyKind uint8

const (
	InternalKeyKindDelete InternalKeyKind = 0
	InternalKeyKindSet    InternalKeyKind = 1

	// InternalKeyKindMax is the largest valid kind. For one user key and
	// sequence number it sorts first, so seek keys and index separators use
	// it.
	InternalKeyKindMax InternalKeyKind = InternalKeyKindSet

	// InternalKeyKindInvalid marks a key that failed to decode.
	InternalKeyKindInvalid InternalKeyKind = 255
)

func (k InternalKeyKind) String() string {
	switch k {
	case InternalKeyKindDelete:
		return "DEL"
	case InternalKeyKindSet:
		return "SET"
	case InternalKeyKindInvalid:
		return "INVALID"
	}
	return fmt.Sprintf("UNKNOWN:%d", uint8(k))
}

// SafeFormat implements redact.SafeFormatter.
func (k InternalKeyKind) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(k.String()))
}

func parseKind(s string) (InternalKeyKind, error) {
	switch s {
	case "DEL":
		return InternalKeyKindDelete, nil
	case "SET", "MAX":
		return InternalKeyKindSet, nil
	case "INVALID":
		return InternalKeyKindInvalid, nil
	}
	return 0, errors.Newf("unknown kind %q", s)
}

// InternalTrailerLen is the encoded length of an InternalKeyTrailer.
const InternalTrailerLen = 8

// InternalKeyTrailer packs a sequence number into the high 56 bits and the
// kind into the low byte.
type InternalKeyTrailer uint64

// MakeTrailer packs seqNum and kind.
func MakeTrailer(seqNum SeqNum, kind InternalKeyKind) InternalKeyTrailer {
	return InternalKeyTrailer(seqNum)<<8 | InternalKeyTrailer(kind)
}

// SeqNum returns the sequence number half of the trailer.
func (t InternalKeyTrailer) SeqNum() SeqNum { return SeqNum(t >> 8) }

// Kind returns the kind half of the trailer.
func (t InternalKeyTrailer) Kind() InternalKeyKind { return InternalKeyKind(t) }

func (t InternalKeyTrailer) String() string {
	return fmt.Sprintf("%s,%s", t.SeqNum(), t.Kind())
}

// InternalKey is the key of an entry in a memtable or table: the user's key
// plus a trailer. Encoded, the trailer follows the user key as a
// little-endian uint64.
type InternalKey struct {
	UserKey []byte
	Trailer InternalKeyTrailer
}

// InternalKV is an entry: an internal key and its value.
type InternalKV struct {
	K InternalKey
	V []byte
}

// InvalidInternalKey is the key DecodeInternalKey returns for input shorter
// than a trailer.
var InvalidInternalKey = MakeInternalKey(nil, SeqNumZero, InternalKeyKindInvalid)

// MakeInternalKey returns the internal key for userKey at seqNum.
func MakeInternalKey(userKey []byte, seqNum SeqNum, kind InternalKeyKind) InternalKey {
	return InternalKey{UserKey: userKey, Trailer: MakeTrailer(seqNum, kind)}
}

// MakeSearchKey returns the first internal key for userKey, which sorts
// before every entry for it.
func MakeSearchKey(userKey []byte) InternalKey {
	return MakeInternalKey(userKey, SeqNumMax, InternalKeyKindMax)
}

// DecodeInternalKey splits an encoded key. The user key aliases encoded and
// has no spare capacity.
func DecodeInternalKey(encoded []byte) InternalKey {
	n := len(encoded) - InternalTrailerLen
	if n < 0 {
		return InternalKey{Trailer: InternalKeyTrailer(InternalKeyKindInvalid)}
	}
	return InternalKey{
		UserKey: encoded[:n:n],
		Trailer: InternalKeyTrailer(binary.LittleEndian.Uint64(encoded[n:])),
	}
}

// InternalCompare orders internal keys by user key ascending and then by
// trailer descending, so newer entries come first.
func InternalCompare(userCmp Compare, a, b InternalKey) int {
	if c := userCmp(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	return cmp.Compare(b.Trailer, a.Trailer)
}

// InternalCompareEncoded is InternalCompare on encoded keys.
func InternalCompareEncoded(userCmp Compare, a, b []byte) int {
	return InternalCompare(userCmp, DecodeInternalKey(a), DecodeInternalKey(b))
}

// Size returns the encoded length of k.
func (k InternalKey) Size() int { return len(k.UserKey) + InternalTrailerLen }

// Encode writes k into buf, which must hold at least k.Size() bytes.
func (k InternalKey) Encode(buf []byte) {
	n := copy(buf, k.UserKey)
	binary.LittleEndian.PutUint64(buf[n:], uint64(k.Trailer))
}

// AppendEncoded appends the encoding of k to dst.
func (k InternalKey) AppendEncoded(dst []byte) []byte {
	return binary.LittleEndian.AppendUint64(append(dst, k.UserKey...), uint64(k.Trailer))
}

// EncodeTrailer returns the encoded trailer.
func (k InternalKey) EncodeTrailer() (buf [InternalTrailerLen]byte) {
	binary.LittleEndian.PutUint64(buf[:], uint64(k.Trailer))
	return buf
}

// SeqNum returns the sequence number of k.
func (k InternalKey) SeqNum() SeqNum { return k.Trailer.SeqNum() }

// SetSeqNum replaces the sequence number of k, keeping its kind.
func (k *InternalKey) SetSeqNum(seqNum SeqNum) {
	k.Trailer = MakeTrailer(seqNum, k.Kind())
}

// Kind returns the kind of k.
func (k InternalKey) Kind() InternalKeyKind { return k.Trailer.Kind() }

// Valid reports whether k has a known kind.
func (k InternalKey) Valid() bool { return k.Kind() <= InternalKeyKindMax }

// Clone returns k with its user key copied.
func (k InternalKey) Clone() InternalKey {
	if len(k.UserKey) > 0 {
		k.UserKey = append([]byte(nil), k.UserKey...)
	}
	return k
}

// Separator returns a key x with k <= x < other that is no longer than k,
// built in buf. When the user separator shortens the key, x carries the first
// trailer so that it sorts after every entry for k's user key.
func (k InternalKey) Separator(cmp Compare, sep Separator, buf []byte, other InternalKey) InternalKey {
	if invariants.Enabled && (len(k.UserKey) == 0 || len(other.UserKey) == 0) {
		panic(errors.AssertionFailedf("empty keys passed to Separator: %s, %s", k, other))
	}
	buf = sep(buf, k.UserKey, other.UserKey)
	if len(buf) > len(k.UserKey) || cmp(k.UserKey, buf) >= 0 {
		return k
	}
	return MakeSearchKey(buf)
}

// Successor returns a key x >= k that is no longer than k, built in buf.
func (k InternalKey) Successor(cmp Compare, succ Successor, buf []byte) InternalKey {
	buf = succ(buf, k.UserKey)
	if len(k.UserKey) > 0 && len(buf) > len(k.UserKey) || cmp(k.UserKey, buf) >= 0 {
		return k
	}
	return MakeSearchKey(buf)
}

// String formats k as userkey#seqnum,kind.
func (k InternalKey) String() string {
	return fmt.Sprintf("%s#%s,%s", FormatBytes(k.UserKey), k.SeqNum(), k.Kind())
}

// SafeFormat implements redact.SafeFormatter. The user key is unsafe.
func (k InternalKey) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s#%s,%s", redact.Unsafe(string(k.UserKey)), k.SeqNum(), k.Kind())
}

// Pretty returns a formatter that prints the user key with f.
func (k InternalKey) Pretty(f FormatKey) fmt.Formatter {
	return prettyKey{k: k, formatKey: f}
}

type prettyKey struct {
	k         InternalKey
	formatKey FormatKey
}

func (p prettyKey) Format(s fmt.State, _ rune) {
	fmt.Fprintf(s, "%s#%s,%s", p.formatKey(p.k.UserKey), p.k.SeqNum(), p.k.Kind())
}

// ParseInternalKey parses "userkey.KIND.seqnum", such as "foo.SET.7" or
// "bar.DEL.inf". The user key may itself contain dots. It panics on malformed
// input and is meant for tests.
func ParseInternalKey(s string) InternalKey {
	rest, seq, ok1 := cutLast(s, ".")
	ukey, kind, ok2 := cutLast(rest, ".")
	if !ok1 || !ok2 {
		panic(fmt.Sprintf("invalid internal key %q", s))
	}
	seqNum, err := parseSeqNum(seq)
	if err != nil {
		panic(fmt.Sprintf("invalid internal key %q: %v", s, err))
	}
	k, err := parseKind(kind)
	if err != nil {
		panic(fmt.Sprintf("invalid internal key %q: %v", s, err))
	}
	return MakeInternalKey([]byte(ukey), seqNum, k)
}

func cutLast(s, sep string) (before, after string, found bool) {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}
