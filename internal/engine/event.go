// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"fmt"
	"time"
)

// event is a state-change message for the worker. Everything but err and the
// done channel is immutable once queued.
type event struct {
	target interface{} // nil for the node, else *Volume, *Disk or *Subdisk
	kind   TargetKind
	code   EventCode

	// Closed by the worker after dispatch if somebody waits.
	done chan struct{}
	err  error

	// For eventControl only.
	fn func() error

	enqueueTime time.Time
}

func newEvent(target interface{}, code EventCode, wait bool) *event {
	e := &event{target: target, kind: kindOf(target), code: code, enqueueTime: time.Now()}
	if wait {
		e.done = make(chan struct{})
	}
	return e
}

func newControlEvent(fn func() error) *event {
	e := newEvent(nil, eventControl, true)
	e.fn = fn
	return e
}

func kindOf(target interface{}) TargetKind {
	switch target.(type) {
	case *Volume:
		return TargetVolume
	case *Disk:
		return TargetDisk
	case *Subdisk:
		return TargetSubdisk
	}
	return TargetNode
}

// finish records the result and wakes the waiter, if any.
func (e *event) finish(err error) {
	e.err = err
	if e.done != nil {
		close(e.done)
	}
}

// references returns true if the event is about 'v' or one of its subdisks.
func (e *event) references(v *Volume) bool {
	switch t := e.target.(type) {
	case *Volume:
		return t == v
	case *Subdisk:
		return t.vol == v
	}
	return false
}

func (e *event) String() string {
	switch t := e.target.(type) {
	case *Volume:
		return fmt.Sprintf("%s volume=%s", e.code, t.name)
	case *Disk:
		return fmt.Sprintf("%s disk=%s", e.code, t)
	case *Subdisk:
		return fmt.Sprintf("%s subdisk=%s", e.code, t)
	}
	return e.code.String()
}
