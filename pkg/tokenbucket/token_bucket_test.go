// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package tokenbucket

import (
	"math"
	"testing"
	"time"
)

const kb = 1024

func TestBasics(t *testing.T) {
	b := New(100*kb, 500*kb)
	start := b.last

	// t=1, take 100k. no wait.
	if b.Reserve(100*kb, start.Add(time.Second)) > 0 {
		t.Errorf("a")
	}
	// t=2, take 500k, which is all there is.
	if b.Reserve(500*kb, start.Add(2*time.Second)) > 0 {
		t.Errorf("b")
	}
	// t=2.1, take 100k. only 10k came in, so wait 0.9s.
	if d := b.Reserve(100*kb, start.Add(2100*time.Millisecond)); d < 850*time.Millisecond || d > 950*time.Millisecond {
		t.Errorf("c: %s", d)
	}
	// t=2.5, still in debt.
	if b.Reserve(kb, start.Add(2500*time.Millisecond)) <= 0 {
		t.Errorf("d")
	}
	// Time going backwards changes nothing.
	if b.Reserve(0, start) <= 0 {
		t.Errorf("e")
	}

	// t=100, the bucket is full again but can't hold more than the burst.
	if b.Reserve(500*kb, start.Add(100*time.Second)) > 0 {
		t.Errorf("f")
	}
	if b.Reserve(1, start.Add(200*time.Second)) > 0 {
		t.Errorf("g")
	}
	if b.Reserve(500*kb, start.Add(200*time.Second)) <= 0 {
		t.Errorf("h")
	}
}

func TestUnlimited(t *testing.T) {
	b := New(0, 0)
	for i := 0; i < 10; i++ {
		if d := b.Reserve(1<<30, time.Now()); d != 0 {
			t.Fatalf("unlimited bucket asked to wait %s", d)
		}
	}

	b.SetRate(kb, kb)
	if b.Rate() != kb {
		t.Fatalf("rate %d", b.Rate())
	}
	b.Reserve(kb, time.Now())
	if b.Reserve(kb, time.Now()) <= 0 {
		t.Fatalf("limited bucket didn't ask to wait")
	}
	b.SetRate(0, 0)
	if b.Reserve(kb, time.Now()) != 0 {
		t.Fatalf("limit not removed")
	}
}

// Copying 'total' bytes in 'chunk' sized pieces takes as long as the rate
// says, minus what the initial burst covers.
func TestCopyRate(t *testing.T) {
	testCopyRate(t, 100*kb, 0, kb, 1000*kb)
	testCopyRate(t, 100*kb, 0, 64*kb, 1024*kb)
	testCopyRate(t, 100*kb, 128*kb, 64*kb, 1024*kb)
	testCopyRate(t, 4096*kb, 64*kb, 64*kb, 64*1024*kb)
}

func testCopyRate(t *testing.T, rate, burst, chunk, total int64) {
	expected := float64(total-burst) / float64(rate)

	b := New(rate, burst)
	start := b.last
	now := start

	for done := int64(0); done < total; done += chunk {
		if d := b.Reserve(chunk, now); d > 0 {
			now = now.Add(d)
		}
	}

	elapsed := now.Sub(start).Seconds()
	// The last chunk is waited for before it is copied.
	slack := float64(chunk) / float64(rate)
	if math.Abs(elapsed-expected) > slack+0.001 {
		t.Errorf("rate %d chunk %d: took %v, expected %v", rate, chunk, elapsed, expected)
	}
}

// Several copiers sharing one bucket get the rate between them.
func TestShared(t *testing.T) {
	const rate, chunk, n = 100 * kb, kb, 10
	const perCopier = 100 * kb
	b := New(rate, 0)
	start := b.last
	now := start

	for i := 0; i < n*perCopier/chunk; i++ {
		if d := b.Reserve(chunk, now); d > 0 {
			now = now.Add(d)
		}
	}

	elapsed := now.Sub(start).Seconds()
	expected := float64(n*perCopier) / rate
	if math.Abs(elapsed-expected)/expected > 0.01 {
		t.Errorf("took %v, expected %v", elapsed, expected)
	}
}
