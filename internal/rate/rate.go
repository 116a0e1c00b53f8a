// Copyright 2023 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package rate provides a byte rate limiter built on a token bucket.
package rate

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/tokenbucket"
)

// A Limiter paces a stream of writes to a rate of r bytes per second. It
// implements a token bucket of size b, initially full.
//
// A write larger than the burst waits for a full bucket and then puts the
// bucket into debt, delaying the writes that follow.
//
// Limiter is safe for concurrent use.
type Limiter struct {
	mu struct {
		sync.Mutex
		tb    tokenbucket.TokenBucket
		rate  float64
		burst float64
	}
	sleepFn func(ctx context.Context, d time.Duration) error
}

// NewLimiter returns a Limiter allowing r bytes per second with bursts of at
// most b bytes.
func NewLimiter(r float64, b float64) *Limiter {
	l := &Limiter{sleepFn: sleep}
	l.mu.tb.Init(tokenbucket.TokensPerSecond(r), tokenbucket.Tokens(b))
	l.mu.rate = r
	l.mu.burst = b
	return l
}

// NewLimiterWithCustomTime is like NewLimiter, but reads the current time
// from nowFn and waits by calling sleepFn.
func NewLimiterWithCustomTime(
	r float64, b float64, nowFn func() time.Time, sleepFn func(d time.Duration),
) *Limiter {
	l := &Limiter{
		sleepFn: func(_ context.Context, d time.Duration) error {
			sleepFn(d)
			return nil
		},
	}
	l.mu.tb.InitWithNowFn(tokenbucket.TokensPerSecond(r), tokenbucket.Tokens(b), nowFn)
	l.mu.rate = r
	l.mu.burst = b
	return l
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until n bytes may be written or the context is canceled.
func (l *Limiter) Wait(ctx context.Context, n float64) error {
	for {
		l.mu.Lock()
		ok, d := l.mu.tb.TryToFulfill(tokenbucket.Tokens(n))
		l.mu.Unlock()
		if ok {
			return nil
		}
		if err := l.sleepFn(ctx, d); err != nil {
			return err
		}
	}
}

// Remove takes n bytes from the bucket without waiting. It can put the bucket
// into debt, delaying future writes.
func (l *Limiter) Remove(n float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mu.tb.Adjust(-tokenbucket.Tokens(n))
}

// Rate returns the current rate limit in bytes per second.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mu.rate
}

// SetRate updates the rate limit, keeping the burst.
func (l *Limiter) SetRate(r float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mu.tb.UpdateConfig(tokenbucket.TokensPerSecond(r), tokenbucket.Tokens(l.mu.burst))
	l.mu.rate = r
}
