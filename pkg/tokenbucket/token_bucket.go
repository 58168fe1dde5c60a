// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package tokenbucket limits byte streams, such as background rebuild copies,
// to a configured rate.
package tokenbucket

import (
	"sync"
	"time"
)

// Bucket is a token bucket counting bytes. It is safe for concurrent use.
// A bucket with a zero rate is unlimited.
type Bucket struct {
	lock    sync.Mutex
	rate    float64 // bytes per second
	burst   float64 // bytes
	current float64
	last    time.Time
}

// New returns a full bucket that fills at 'rate' bytes per second and holds
// at most 'burst' bytes.
func New(rate, burst int64) *Bucket {
	return &Bucket{
		rate:    float64(rate),
		burst:   float64(burst),
		current: float64(burst),
		last:    time.Now(),
	}
}

// Reserve takes 'n' bytes at time 'now', going into debt if needed, and
// returns how long the caller should wait before using them. The result is
// zero or negative if the bytes were there.
func (b *Bucket) Reserve(n int64, now time.Time) time.Duration {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.rate <= 0 {
		return 0
	}
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.current += b.rate * elapsed.Seconds()
		b.last = now
	}
	if b.current > b.burst {
		b.current = b.burst
	}
	b.current -= float64(n)
	return time.Duration(-b.current / b.rate * float64(time.Second))
}

// Wait is Reserve followed by sleeping for the returned time.
func (b *Bucket) Wait(n int64) {
	if d := b.Reserve(n, time.Now()); d > 0 {
		time.Sleep(d)
	}
}

// SetRate changes the rate and burst. A zero rate removes the limit. Debt
// taken at the old rate is kept.
func (b *Bucket) SetRate(rate, burst int64) {
	b.lock.Lock()
	b.rate = float64(rate)
	b.burst = float64(burst)
	b.lock.Unlock()
}

// Rate returns the current rate in bytes per second.
func (b *Bucket) Rate() int64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return int64(b.rate)
}
