// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/softraid/internal/core"
	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
)

// rangeLock keeps client requests out of [offset, offset+length) while a
// synchronizer works on it. It is pending while client writes that were in
// flight when it was taken are still running.
type rangeLock struct {
	offset int64
	length int64
	token  interface{}
	// In-flight writes the lock waits for.
	waiting map[*blockio.Bio]struct{}
}

func (l *rangeLock) overlaps(bp *blockio.Bio) bool {
	return bp.Overlaps(l.offset, l.length)
}

// LockRange locks [off, off+length). From now on client requests overlapping
// the range are parked until UnlockRange. If client writes overlapping the
// range are in flight, other than 'ignore', the lock is pending: LockRange
// returns their count and core.ErrBusy, and the transform's
// RangeLocker.Locked is called with 'token' once they have completed.
func (v *Volume) LockRange(off, length int64, ignore *blockio.Bio, token interface{}) (int, error) {
	if length <= 0 {
		return 0, core.ErrInvalidArgument.Error()
	}
	l := &rangeLock{offset: off, length: length, token: token, waiting: make(map[*blockio.Bio]struct{})}
	for bp := range v.inflight {
		if bp != ignore && bp.IsWrite() && l.overlaps(bp) {
			l.waiting[bp] = struct{}{}
		}
	}
	v.locks = append(v.locks, l)
	if pending := len(l.waiting); pending > 0 {
		log.V(1).Infof("%s: lock [%d,+%d) waits for %d writes", v, off, length, pending)
		return pending, core.ErrBusy.Error()
	}
	log.V(2).Infof("%s: locked [%d,+%d)", v, off, length)
	return 0, nil
}

// UnlockRange removes the lock on exactly [off, off+length) and requeues all
// parked requests, in arrival order, at the head of the I/O queue.
func (v *Volume) UnlockRange(off, length int64) error {
	idx := -1
	for i, l := range v.locks {
		if l.offset == off && l.length == length {
			idx = i
			break
		}
	}
	if idx < 0 {
		return core.ErrNoSuchEntity.Error()
	}
	v.locks = append(v.locks[:idx], v.locks[idx+1:]...)
	log.V(2).Infof("%s: unlocked [%d,+%d)", v, off, length)

	if len(v.parked) == 0 {
		return nil
	}
	items := make([]ioItem, len(v.parked))
	for i, bp := range v.parked {
		items[i] = ioItem{bp: bp, vol: v}
	}
	v.parked = nil
	if !v.node.q.pushIOFront(items) {
		for _, it := range items {
			it.bp.Deliver(core.ErrIO.Error())
		}
	}
	return nil
}

// Locks returns the number of range locks held.
func (v *Volume) Locks() int {
	return len(v.locks)
}

// Parked returns the number of client requests waiting for a lock.
func (v *Volume) Parked() int {
	return len(v.parked)
}

// lockedBy returns the first lock overlapping 'bp', or nil.
func (v *Volume) lockedBy(bp *blockio.Bio) *rangeLock {
	for _, l := range v.locks {
		if l.overlaps(bp) {
			return l
		}
	}
	return nil
}

// writeDone updates the locks waiting for 'bp' and reports the ones that
// stopped being pending. Locked may take or drop locks, so work on a copy.
func (v *Volume) writeDone(bp *blockio.Bio) {
	for _, l := range append([]*rangeLock(nil), v.locks...) {
		if _, ok := l.waiting[bp]; !ok {
			continue
		}
		delete(l.waiting, bp)
		if len(l.waiting) > 0 {
			continue
		}
		log.V(1).Infof("%s: lock [%d,+%d) acquired", v, l.offset, l.length)
		if rl, ok := v.tr.(RangeLocker); ok {
			rl.Locked(v, l.token)
		}
	}
}
