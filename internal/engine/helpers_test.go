// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/softraid/internal/core"
	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
)

const testLevel = "test-mirror"

// seenEvent is a subdisk event as the test transform saw it.
type seenEvent struct {
	vol     string
	pos     int
	code    EventCode
	hasDisk bool
}

// testTransform mirrors writes to all active subdisks and reads from the first
// one. Subdisk failures make a subdisk stale, NEW makes it active again.
type testTransform struct {
	events   []seenEvent
	starts   map[*blockio.Bio]int
	hold     bool
	held     []*blockio.Bio
	locked   []interface{}
	idles    int
	busyStop bool
	freed    bool
}

func newTestTransform() Transform {
	return &testTransform{starts: make(map[*blockio.Bio]int)}
}

type testReq struct {
	parent *blockio.Bio
	err    error
}

func (tr *testTransform) Taste(v *Volume) bool {
	return v.Level() == testLevel
}

func (tr *testTransform) Start(v *Volume) error {
	var size int64
	for _, sd := range v.Subdisks() {
		if sd.State() == SubdiskNew {
			sd.ChangeState(SubdiskActive)
		}
		if sd.Size() > 0 && (size == 0 || sd.Size() < size) {
			size = sd.Size()
		}
	}
	v.SetMediaSize(size)
	tr.update(v)
	return nil
}

func (tr *testTransform) update(v *Volume) {
	active := 0
	for _, sd := range v.Subdisks() {
		if sd.State() == SubdiskActive {
			active++
		}
	}
	switch {
	case active == v.NumSubdisks():
		v.ChangeState(VolumeOptimal)
	case active > 0:
		v.ChangeState(VolumeDegraded)
	default:
		v.ChangeState(VolumeBroken)
	}
}

func (tr *testTransform) Stop(v *Volume) error {
	if tr.busyStop {
		return core.ErrBusy.Error()
	}
	return nil
}

func (tr *testTransform) Event(sd *Subdisk, code EventCode) error {
	tr.events = append(tr.events, seenEvent{vol: sd.Volume().Name(), pos: sd.Pos(), code: code, hasDisk: sd.Disk() != nil})
	switch code {
	case EventSubdiskDisconnected:
		sd.ChangeState(SubdiskNone)
	case EventSubdiskFailed:
		if sd.Disk() != nil {
			sd.ChangeState(SubdiskStale)
		}
	case EventSubdiskNew:
		if sd.Disk() != nil {
			sd.ChangeState(SubdiskActive)
		}
	}
	tr.update(sd.Volume())
	return nil
}

func (tr *testTransform) IOStart(v *Volume, bp *blockio.Bio) {
	tr.starts[bp]++
	if tr.hold && bp.IsWrite() {
		tr.held = append(tr.held, bp)
		return
	}
	var targets []*Subdisk
	for _, sd := range v.Subdisks() {
		if sd.State() == SubdiskActive {
			targets = append(targets, sd)
		}
	}
	if len(targets) == 0 {
		v.Deliver(bp, core.ErrIO.Error())
		return
	}
	if bp.Cmd == blockio.CmdRead {
		targets = targets[:1]
	}
	req := &testReq{parent: bp}
	children := make([]*blockio.Bio, len(targets))
	for i := range targets {
		children[i] = bp.Clone()
		children[i].Caller = req
	}
	for i, sd := range targets {
		sd.Submit(children[i])
	}
}

func (tr *testTransform) IODone(sd *Subdisk, bp *blockio.Bio) {
	req := bp.Caller.(*testReq)
	if bp.Err != nil && req.err == nil {
		req.err = bp.Err
	}
	req.parent.Inbed++
	if req.parent.Inbed == req.parent.Children {
		sd.Volume().Deliver(req.parent, req.err)
	}
}

func (tr *testTransform) Locked(v *Volume, token interface{}) {
	tr.locked = append(tr.locked, token)
}

func (tr *testTransform) Idle(v *Volume) {
	tr.idles++
}

func (tr *testTransform) Free(v *Volume) {
	tr.freed = true
}

// release completes the held writes in order.
func (tr *testTransform) release(v *Volume) {
	held := tr.held
	tr.held = nil
	for _, bp := range held {
		v.Deliver(bp, nil)
	}
}

// testMetadata destroys disks that disconnect and records dirty marks.
type testMetadata struct {
	dirty     []bool
	freeDisks int
	freed     bool
	lastGone  bool
}

func (md *testMetadata) Event(d *Disk, code EventCode) error {
	if code != EventDiskDisconnected {
		return core.ErrNotSupported.Error()
	}
	n := d.Node()
	n.DestroyDisk(d)
	if md.lastGone && len(n.Disks()) == 0 {
		return n.MarkStopping(DestroyDelayed)
	}
	return nil
}

func (md *testMetadata) FreeDisk(n *Node, d *Disk) {
	md.freeDisks++
}

func (md *testMetadata) Free(n *Node) {
	md.freed = true
}

func (md *testMetadata) WriteMetadata(v *Volume, dirty bool) error {
	md.dirty = append(md.dirty, dirty)
	return nil
}

// newTestNode creates a node in its own topology. It is destroyed when the
// test ends.
func newTestNode(t *testing.T, md Metadata) (*Node, *blockio.Topology) {
	cfg := DefaultTestConfig
	topo := blockio.NewTopology()
	n, err := NewNode(strings.Replace(t.Name(), "/", "-", -1), md, &Options{Config: &cfg, Topology: topo})
	require.NoError(t, err)
	t.Cleanup(func() { n.Destroy(DestroyHard) })
	return n, topo
}

// newTestVolume creates volume 'name' with one memory disk per slot and
// binds them.
func newTestVolume(t *testing.T, n *Node, name string, slots int) (*Volume, []*blockio.MemDevice) {
	v, err := n.CreateVolume(name, testLevel, slots)
	require.NoError(t, err)
	var devs []*blockio.MemDevice
	for i := 0; i < slots; i++ {
		dev := blockio.NewMemDevice(fmt.Sprintf("%s-%s-d%d", n.Name(), name, i), 1<<20)
		d, err := n.CreateDisk(dev)
		require.NoError(t, err)
		require.NoError(t, n.BindSubdisk(v, i, d, 4096, 0))
		devs = append(devs, dev)
	}
	return v, devs
}

// onWorker runs 'fn' on the node's worker and fails the test on error. 'fn'
// must use assert, not require: FailNow would end the worker goroutine.
func onWorker(t *testing.T, n *Node, fn func() error) {
	t.Helper()
	require.NoError(t, n.Do(fn))
}

// startVolume starts 'v' and waits until the resulting up or down event has
// been processed.
func startVolume(t *testing.T, n *Node, v *Volume) {
	t.Helper()
	require.NoError(t, n.StartVolume(v))
	onWorker(t, n, func() error { return nil })
}

// transformOf returns the test transform of 'v'. Worker context.
func transformOf(v *Volume) *testTransform {
	return v.Transform().(*testTransform)
}

// submit starts a request on 'p' and returns a channel with its result.
func submit(p *blockio.Provider, cmd blockio.Cmd, off int64, data []byte) <-chan error {
	done := make(chan error, 1)
	bp := blockio.NewBio(cmd, off, data)
	bp.Done = func(b *blockio.Bio) { done <- b.Err }
	p.Start(bp)
	return done
}
