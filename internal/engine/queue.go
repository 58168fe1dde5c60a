// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"sync"
	"time"

	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
)

// ioItem is a unit of work on the I/O queue: either a client request to start
// on 'vol', or a disk request on 'sd' that completed.
type ioItem struct {
	bp   *blockio.Bio
	vol  *Volume
	sd   *Subdisk
	base int64 // subdisk offset added at dispatch
	done bool
}

// queue holds a node's pending events and I/O. Any goroutine may push; only the
// worker pops. The lock is held across push and pop only, never across
// dispatch.
type queue struct {
	lock   sync.Mutex
	events []*event
	io     []ioItem
	closed bool

	// Buffered with size one so pushes never block.
	wake chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pushEvent appends 'e'. Returns false if the queue was closed.
func (q *queue) pushEvent(e *event) bool {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return false
	}
	q.events = append(q.events, e)
	q.lock.Unlock()
	q.kick()
	return true
}

// pushIO appends 'it'. Returns false if the queue was closed.
func (q *queue) pushIO(it ioItem) bool {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return false
	}
	q.io = append(q.io, it)
	q.lock.Unlock()
	q.kick()
	return true
}

// pushIOFront puts 'items' at the head of the I/O queue, keeping their order.
func (q *queue) pushIOFront(items []ioItem) bool {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return false
	}
	q.io = append(append(make([]ioItem, 0, len(items)+len(q.io)), items...), q.io...)
	q.lock.Unlock()
	q.kick()
	return true
}

func (q *queue) popEvent() *event {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.events) == 0 {
		return nil
	}
	e := q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]
	return e
}

func (q *queue) popIO() (ioItem, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.io) == 0 {
		return ioItem{}, false
	}
	it := q.io[0]
	q.io[0] = ioItem{}
	q.io = q.io[1:]
	return it, true
}

// wait blocks until something is pushed or 'timeout' passes.
func (q *queue) wait(timeout time.Duration) {
	t := time.NewTimer(timeout)
	select {
	case <-q.wake:
	case <-t.C:
	}
	t.Stop()
}

// references returns true if a queued event is about 'v'.
func (q *queue) references(v *Volume) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	for _, e := range q.events {
		if e.references(v) {
			return true
		}
	}
	return false
}

// takeStarts removes and returns the queued client requests for 'v'.
// Completions stay queued.
func (q *queue) takeStarts(v *Volume) []*blockio.Bio {
	q.lock.Lock()
	defer q.lock.Unlock()
	var out []*blockio.Bio
	kept := q.io[:0]
	for _, it := range q.io {
		if !it.done && it.vol == v {
			out = append(out, it.bp)
		} else {
			kept = append(kept, it)
		}
	}
	for i := len(kept); i < len(q.io); i++ {
		q.io[i] = ioItem{}
	}
	q.io = kept
	return out
}

func (q *queue) lengths() (events, io int) {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.events), len(q.io)
}

// close refuses further pushes and returns whatever was still queued.
func (q *queue) close() ([]*event, []ioItem) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.closed = true
	events, io := q.events, q.io
	q.events, q.io = nil, nil
	return events, io
}
