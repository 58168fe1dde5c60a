// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package retry runs operations that fail with retriable errors, such as a
// node that is busy, until they succeed or a bound is hit.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Task is an operation to retry. It receives the attempt number, starting
// at 0.
type Task func(attempt int) error

// Retrier retries a Task with jittered exponential backoff.
type Retrier struct {
	// MinSleep is the initial and shortest sleep between attempts.
	MinSleep time.Duration

	// MaxSleep is the longest sleep between attempts.
	MaxSleep time.Duration

	// MaxRetry, if greater than zero, bounds the total time spent.
	MaxRetry time.Duration

	// MaxNumRetries, if greater than zero, bounds the number of attempts.
	MaxNumRetries int

	// Retriable says whether an error is worth another attempt. If nil, every
	// error is.
	Retriable func(error) bool
}

// Do runs 'task' until it returns nil or an error that isn't retriable, a
// bound is hit, or 'ctx' is done. It returns the task's last error, or the
// context's error if that came first.
func (r *Retrier) Do(ctx context.Context, task Task) error {
	minSleep, maxSleep := r.MinSleep, r.MaxSleep
	if maxSleep < minSleep {
		maxSleep = minSleep
	}
	backoff := minSleep
	start := time.Now()
	for i := 0; ; i++ {
		err := task(i)
		if err == nil || (r.Retriable != nil && !r.Retriable(err)) {
			return err
		}
		if r.MaxNumRetries > 0 && i+1 >= r.MaxNumRetries ||
			r.MaxRetry > 0 && time.Since(start)+backoff > r.MaxRetry {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = time.Duration(float64(backoff) * (1.75 + 0.5*rand.Float64()))
		if backoff > maxSleep {
			backoff = maxSleep + time.Duration(float64(minSleep)*rand.Float64())
		}
	}
}
