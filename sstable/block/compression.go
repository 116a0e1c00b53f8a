// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package block

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/levelkv/internal/base"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression is the per-block compression algorithm to use.
type Compression int

// The available compression types.
const (
	DefaultCompression Compression = iota
	NoCompression
	SnappyCompression
	ZstdCompression
	NCompression
)

// String implements fmt.Stringer, returning a human-readable name for the
// compression algorithm.
func (c Compression) String() string {
	switch c {
	case DefaultCompression:
		return "Default"
	case NoCompression:
		return "NoCompression"
	case SnappyCompression:
		return "Snappy"
	case ZstdCompression:
		return "ZSTD"
	default:
		return "Unknown"
	}
}

// CompressionFromString returns a Compression from its string
// representation. Inverse of c.String() above.
func CompressionFromString(s string) Compression {
	switch s {
	case "Default":
		return DefaultCompression
	case "NoCompression":
		return NoCompression
	case "Snappy":
		return SnappyCompression
	case "ZSTD":
		return ZstdCompression
	default:
		return DefaultCompression
	}
}

// CompressionIndicator is the byte stored physically within the block.Trailer
// to indicate the compression type.
type CompressionIndicator byte

// These constants are part of the file format and should not be changed.
// They are different from the Compression constants because the latter
// are designed so that the zero value of the Compression type means to
// use the default compression (which is snappy).
const (
	NoCompressionIndicator     CompressionIndicator = 0
	SnappyCompressionIndicator CompressionIndicator = 1
	ZstdCompressionIndicator   CompressionIndicator = 2
)

// String implements fmt.Stringer.
func (i CompressionIndicator) String() string {
	switch i {
	case NoCompressionIndicator:
		return "none"
	case SnappyCompressionIndicator:
		return "snappy"
	case ZstdCompressionIndicator:
		return "zstd"
	default:
		return "unknown"
	}
}

var zstdCodec struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// zstd encoders and decoders are safe for concurrent EncodeAll and DecodeAll
// calls, so a single pair is shared.
func initZstd() {
	zstdCodec.once.Do(func() {
		zstdCodec.enc, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		zstdCodec.dec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
}

// Compress compresses src with the given algorithm, appending to dst[:0].
// When compression is not worthwhile (it saves less than 12.5% of the input)
// or the algorithm is NoCompression, src is returned unchanged with the
// NoCompressionIndicator.
func Compress(c Compression, dst, src []byte) (CompressionIndicator, []byte) {
	var indicator CompressionIndicator
	var compressed []byte
	switch c {
	case NoCompression:
		return NoCompressionIndicator, src
	case DefaultCompression, SnappyCompression:
		indicator = SnappyCompressionIndicator
		compressed = snappy.Encode(dst[:cap(dst)], src)
	case ZstdCompression:
		initZstd()
		indicator = ZstdCompressionIndicator
		compressed = zstdCodec.enc.EncodeAll(src, dst[:0])
	default:
		panic(errors.AssertionFailedf("levelkv: unknown compression %d", c))
	}
	if len(compressed) >= len(src)-len(src)/8 {
		return NoCompressionIndicator, src
	}
	return indicator, compressed
}

// Decompress decompresses src according to the indicator. An uncompressed
// block is returned as is.
func Decompress(indicator CompressionIndicator, src []byte) ([]byte, error) {
	switch indicator {
	case NoCompressionIndicator:
		return src, nil
	case SnappyCompressionIndicator:
		decoded, err := snappy.Decode(nil, src)
		if err != nil {
			return nil, base.MarkCorruptionError(err)
		}
		return decoded, nil
	case ZstdCompressionIndicator:
		initZstd()
		decoded, err := zstdCodec.dec.DecodeAll(src, nil)
		if err != nil {
			return nil, base.MarkCorruptionError(err)
		}
		return decoded, nil
	default:
		return nil, base.CorruptionErrorf("unknown block compression: %d", errors.Safe(indicator))
	}
}
