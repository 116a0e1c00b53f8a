// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package levelkv

import (
	"context"

	"github.com/cockroachdb/levelkv/internal/rate"
)

// pacer is the interface for compaction rate limiters. The rate limiter is
// applied after each output block of a compaction is written, to limit
// background IO usage so that it does not contend with foreground traffic.
type pacer interface {
	maybeThrottle(ctx context.Context, bytesWritten uint64) error
}

var nilPacer = &noopPacer{}

type noopPacer struct{}

func (p *noopPacer) maybeThrottle(context.Context, uint64) error { return nil }

// compactionPacer throttles compactions to a target write rate. It is given
// the cumulative number of bytes written by the compaction and charges the
// limiter for the increase since the previous call.
type compactionPacer struct {
	limiter   *rate.Limiter
	prevBytes uint64
}

func newCompactionPacer(limiter *rate.Limiter) pacer {
	if limiter == nil {
		return nilPacer
	}
	return &compactionPacer{limiter: limiter}
}

func (p *compactionPacer) maybeThrottle(ctx context.Context, bytesWritten uint64) error {
	if bytesWritten <= p.prevBytes {
		return nil
	}
	n := bytesWritten - p.prevBytes
	p.prevBytes = bytesWritten
	return p.limiter.Wait(ctx, float64(n))
}
