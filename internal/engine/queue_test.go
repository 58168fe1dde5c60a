// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"testing"
	"time"

	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
)

func TestQueueOrder(t *testing.T) {
	q := newQueue()
	v1, v2 := &Volume{name: "a"}, &Volume{name: "b"}
	for _, code := range []EventCode{EventVolumeStart, EventVolumeUp, EventVolumeDown} {
		if !q.pushEvent(newEvent(v1, code, false)) {
			t.Fatal("push failed")
		}
	}
	if !q.references(v1) || q.references(v2) {
		t.Fatal("wrong references")
	}
	for _, want := range []EventCode{EventVolumeStart, EventVolumeUp, EventVolumeDown} {
		if e := q.popEvent(); e == nil || e.code != want || e.kind != TargetVolume {
			t.Fatalf("expected %s, got %+v", want, e)
		}
	}
	if q.popEvent() != nil {
		t.Fatal("queue should be empty")
	}

	b := func(off int64) *blockio.Bio { return blockio.NewBio(blockio.CmdRead, off, nil) }
	q.pushIO(ioItem{bp: b(1), vol: v1})
	q.pushIO(ioItem{bp: b(2), sd: &Subdisk{vol: v1}, done: true})
	q.pushIO(ioItem{bp: b(3), vol: v2})
	q.pushIOFront([]ioItem{{bp: b(10), vol: v2}, {bp: b(11), vol: v2}})

	starts := q.takeStarts(v1)
	if len(starts) != 1 || starts[0].Offset != 1 {
		t.Fatalf("bad takeStarts result %v", starts)
	}
	var got []int64
	for {
		it, ok := q.popIO()
		if !ok {
			break
		}
		got = append(got, it.bp.Offset)
	}
	want := []int64{10, 11, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestQueueWakeAndClose(t *testing.T) {
	q := newQueue()
	start := time.Now()
	go q.pushEvent(newEvent(nil, EventNodeWake, false))
	q.wait(10 * time.Second)
	if time.Since(start) > 5*time.Second {
		t.Fatal("wait wasn't woken by push")
	}

	// Pushes don't block even if nobody waits.
	for i := 0; i < 10; i++ {
		q.pushIO(ioItem{bp: blockio.NewBio(blockio.CmdFlush, 0, nil)})
	}
	events, io := q.close()
	if len(events) != 1 || len(io) != 10 {
		t.Fatalf("close returned %d events, %d io", len(events), len(io))
	}
	if q.pushEvent(newEvent(nil, EventNodeWake, false)) || q.pushIO(ioItem{}) || q.pushIOFront(nil) {
		t.Fatal("push after close should fail")
	}
	if e, i := q.lengths(); e != 0 || i != 0 {
		t.Fatal("closed queue should be empty")
	}
}

func TestEventFinish(t *testing.T) {
	e := newControlEvent(func() error { return nil })
	if e.kind != TargetNode || e.done == nil {
		t.Fatal("control events are waited for")
	}
	go e.finish(e.fn())
	<-e.done
	if e.err != nil {
		t.Fatal(e.err)
	}
	sd := &Subdisk{vol: &Volume{name: "v"}}
	if !newEvent(sd, EventSubdiskNew, false).references(sd.vol) {
		t.Fatal("subdisk events reference their volume")
	}
}
