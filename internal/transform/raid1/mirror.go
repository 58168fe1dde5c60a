// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package raid1 is a mirror transform. Writes go to every active subdisk,
// reads go to one of them round-robin and are retried on another one on
// error. Stale subdisks are rebuilt in the background, one range-locked chunk
// at a time.
package raid1

import (
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/softraid/internal/core"
	"github.com/westerndigitalcorporation/softraid/internal/engine"
	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
	"github.com/westerndigitalcorporation/softraid/pkg/tokenbucket"
)

// Level is the volume level this transform tastes.
const Level = "RAID1"

// Priority is the registry priority of the transform.
const Priority = 100

// DefaultChunkSize is how much is rebuilt under one range lock.
const DefaultChunkSize = 64 << 10

// DefaultRebuildRate is the rebuild rate of new mirrors in bytes per second.
// Zero is unlimited.
var DefaultRebuildRate int64

func init() {
	if err := engine.RegisterTransform(Level, Priority, New); err != nil {
		log.Fatalf("registering %s: %s", Level, err)
	}
}

// Mirror is the per-volume transform instance.
type Mirror struct {
	// ChunkSize is the rebuild unit.
	ChunkSize int64

	started  bool
	stopping bool
	next     int // round-robin read position
	rb       *rebuild
	limit    *tokenbucket.Bucket
}

// New returns an untasted Mirror.
func New() engine.Transform {
	return &Mirror{
		ChunkSize: DefaultChunkSize,
		limit:     tokenbucket.New(DefaultRebuildRate, DefaultChunkSize),
	}
}

// SetRebuildRate limits rebuilds to 'rate' bytes per second. Zero removes
// the limit.
func (m *Mirror) SetRebuildRate(rate int64) {
	m.limit.SetRate(rate, m.ChunkSize)
}

// RebuildRate returns the rebuild limit.
func (m *Mirror) RebuildRate() int64 {
	return m.limit.Rate()
}

// readState follows a client read across retries.
type readState struct {
	parent *blockio.Bio
	tried  uint32 // bit per subdisk position
}

// writeState collects the results of a client write's copies.
type writeState struct {
	parent *blockio.Bio
	left   int
	ok     int
	err    error
}

// rebuild copies an active subdisk onto a stale one.
type rebuild struct {
	src, dst *engine.Subdisk
	pos      int64
	len      int64

	locked    bool // holding the lock on [pos, pos+len)
	waiting   bool // lock pending on client writes
	busy      bool // a chunk read or write is outstanding
	throttled bool // waiting for the rate limit
}

// Taste accepts volumes created with level RAID1.
func (m *Mirror) Taste(v *engine.Volume) bool {
	return v.Level() == Level
}

// Start activates the subdisks present at assembly and sizes the volume.
func (m *Mirror) Start(v *engine.Volume) error {
	var size int64
	for _, sd := range v.Subdisks() {
		if sd.State() == engine.SubdiskNew {
			sd.ChangeState(engine.SubdiskActive)
		}
		if sd.State() != engine.SubdiskNone && sd.Size() > 0 && (size == 0 || sd.Size() < size) {
			size = sd.Size()
		}
	}
	if size == 0 {
		log.Errorf("%s: no usable subdisks", v)
		v.ChangeState(engine.VolumeBroken)
		return core.ErrNoSuchEntity.Error()
	}
	v.SetMediaSize(size)
	m.started = true
	m.update(v)
	return nil
}

// update derives the volume state from the subdisk states.
func (m *Mirror) update(v *engine.Volume) {
	if m.stopping {
		if m.rb == nil {
			v.ChangeState(engine.VolumeStopped)
		}
		return
	}
	active, syncing := 0, 0
	for _, sd := range v.Subdisks() {
		switch sd.State() {
		case engine.SubdiskActive:
			active++
		case engine.SubdiskSynchronizing:
			syncing++
		}
	}
	switch {
	case active == v.NumSubdisks():
		v.ChangeState(engine.VolumeOptimal)
	case active > 0 && active+syncing == v.NumSubdisks():
		v.ChangeState(engine.VolumeSuboptimal)
	case active > 0:
		v.ChangeState(engine.VolumeDegraded)
	default:
		v.ChangeState(engine.VolumeBroken)
	}
}

// Stop quiesces the mirror. An outstanding rebuild chunk makes it busy.
func (m *Mirror) Stop(v *engine.Volume) error {
	m.stopping = true
	if m.rb != nil && m.rb.busy {
		return core.ErrBusy.Error()
	}
	m.abortRebuild(v)
	return nil
}

// Event handles subdisk changes.
func (m *Mirror) Event(sd *engine.Subdisk, code engine.EventCode) error {
	v := sd.Volume()
	switch code {
	case engine.EventSubdiskDisconnected, engine.EventSubdiskFailed:
		log.Infof("%s: %s, dropping it", sd, code)
		if m.rb != nil && (m.rb.src == sd || m.rb.dst == sd) {
			m.abortRebuild(v)
		}
		sd.ChangeState(engine.SubdiskNone)
	case engine.EventSubdiskNew:
		if sd.Disk() == nil {
			return core.ErrInvalidArgument.Error()
		}
		if m.started {
			// Joined a running mirror: needs a rebuild first.
			sd.ChangeState(engine.SubdiskStale)
		}
	default:
		return core.ErrNotSupported.Error()
	}
	m.update(v)
	m.startRebuild(v)
	return nil
}

// IOStart splits a client request onto the subdisks.
func (m *Mirror) IOStart(v *engine.Volume, bp *blockio.Bio) {
	if bp.Cmd == blockio.CmdRead {
		rs := &readState{parent: bp}
		if !m.sendRead(v, rs) {
			v.Deliver(bp, core.ErrIO.Error())
		}
		return
	}

	var targets []*engine.Subdisk
	for _, sd := range v.Subdisks() {
		if sd.State() == engine.SubdiskActive {
			targets = append(targets, sd)
		}
	}
	if len(targets) == 0 {
		v.Deliver(bp, core.ErrIO.Error())
		return
	}
	// The rebuilt part of the target must see new writes too.
	if rb := m.rb; rb != nil && bp.IsWrite() && bp.Offset < rb.pos {
		targets = append(targets, rb.dst)
	}

	ws := &writeState{parent: bp, left: len(targets)}
	children := make([]*blockio.Bio, len(targets))
	for i := range targets {
		children[i] = bp.Clone()
		children[i].Caller = ws
	}
	for i, sd := range targets {
		sd.Submit(children[i])
	}
}

// sendRead sends 'rs' to the next active subdisk it hasn't tried. Returns
// false if there's none.
func (m *Mirror) sendRead(v *engine.Volume, rs *readState) bool {
	sds := v.Subdisks()
	for i := 0; i < len(sds); i++ {
		sd := sds[(m.next+i)%len(sds)]
		if sd.State() != engine.SubdiskActive || rs.tried&(1<<uint(sd.Pos())) != 0 {
			continue
		}
		m.next = (sd.Pos() + 1) % len(sds)
		rs.tried |= 1 << uint(sd.Pos())
		child := rs.parent.Clone()
		child.Caller = rs
		sd.Submit(child)
		return true
	}
	return false
}

// IODone handles completions of client copies and rebuild chunks.
func (m *Mirror) IODone(sd *engine.Subdisk, bp *blockio.Bio) {
	v := sd.Volume()
	switch st := bp.Caller.(type) {
	case *readState:
		st.parent.Inbed++
		if bp.Err == nil {
			v.Deliver(st.parent, nil)
			return
		}
		log.Errorf("%s: read failed: %s", sd, bp.Err)
		v.Node().QueueEvent(sd, engine.EventSubdiskFailed)
		if !m.sendRead(v, st) {
			v.Deliver(st.parent, bp.Err)
		}

	case *writeState:
		st.parent.Inbed++
		st.left--
		if bp.Err != nil {
			log.Errorf("%s: %s failed: %s", sd, bp.Cmd, bp.Err)
			st.err = bp.Err
			v.Node().QueueEvent(sd, engine.EventSubdiskFailed)
		} else if sd.State() == engine.SubdiskActive {
			st.ok++
		}
		if st.left > 0 {
			return
		}
		if st.ok > 0 {
			v.Deliver(st.parent, nil)
		} else {
			v.Deliver(st.parent, st.err)
		}

	case *rebuild:
		m.rebuildDone(v, st, bp)

	default:
		log.Errorf("%s: completion of unknown request %s", sd, bp)
	}
}

// Idle starts rebuilding a stale subdisk if there is one.
func (m *Mirror) Idle(v *engine.Volume) {
	m.startRebuild(v)
}

// startRebuild picks a stale subdisk and an active one to copy it from, unless
// a rebuild is already running.
func (m *Mirror) startRebuild(v *engine.Volume) {
	if m.rb != nil || m.stopping || !v.State().Alive() {
		return
	}
	var src, dst *engine.Subdisk
	for _, sd := range v.Subdisks() {
		switch sd.State() {
		case engine.SubdiskActive:
			if src == nil {
				src = sd
			}
		case engine.SubdiskStale:
			if dst == nil {
				dst = sd
			}
		}
	}
	if src == nil || dst == nil {
		return
	}
	log.Infof("%s: rebuilding %s from %s", v, dst, src)
	m.rb = &rebuild{src: src, dst: dst}
	dst.ChangeState(engine.SubdiskSynchronizing)
	m.update(v)
	m.step(v)
}

// step locks the next chunk, or finishes the rebuild.
func (m *Mirror) step(v *engine.Volume) {
	rb := m.rb
	if m.stopping {
		m.abortRebuild(v)
		m.update(v)
		return
	}
	if rb.pos >= v.MediaSize() {
		log.Infof("%s: rebuild of %s done", v, rb.dst)
		m.rb = nil
		rb.dst.ChangeState(engine.SubdiskActive)
		m.update(v)
		m.startRebuild(v)
		return
	}
	rb.len = m.ChunkSize
	if rb.pos+rb.len > v.MediaSize() {
		rb.len = v.MediaSize() - rb.pos
	}
	if d := m.limit.Reserve(rb.len, time.Now()); d > 0 {
		rb.throttled = true
		n := v.Node()
		time.AfterFunc(d, func() {
			n.Do(func() error {
				m.unthrottle(v, rb)
				return nil
			})
		})
		return
	}
	m.lockChunk(v)
}

// unthrottle continues a rebuild that waited for the rate limit.
func (m *Mirror) unthrottle(v *engine.Volume, rb *rebuild) {
	if rb != m.rb || !rb.throttled {
		return
	}
	rb.throttled = false
	if m.stopping {
		m.abortRebuild(v)
		m.update(v)
		return
	}
	m.lockChunk(v)
}

func (m *Mirror) lockChunk(v *engine.Volume) {
	rb := m.rb
	_, err := v.LockRange(rb.pos, rb.len, nil, rb)
	rb.locked = true
	if core.ErrBusy.Is(err) {
		rb.waiting = true
		return
	}
	m.copyChunk(rb)
}

// Locked continues a rebuild whose lock was pending.
func (m *Mirror) Locked(v *engine.Volume, token interface{}) {
	rb, ok := token.(*rebuild)
	if !ok || rb != m.rb || !rb.waiting {
		return
	}
	rb.waiting = false
	m.copyChunk(rb)
}

func (m *Mirror) copyChunk(rb *rebuild) {
	bp := blockio.NewBio(blockio.CmdRead, rb.pos, make([]byte, rb.len))
	bp.Flags = blockio.FlagSync
	bp.Caller = rb
	rb.busy = true
	rb.src.Submit(bp)
}

func (m *Mirror) rebuildDone(v *engine.Volume, rb *rebuild, bp *blockio.Bio) {
	rb.busy = false
	if rb != m.rb {
		return
	}
	if bp.Err != nil {
		log.Errorf("%s: rebuild %s failed: %s", v, bp.Cmd, bp.Err)
		failed := rb.src
		if bp.Cmd == blockio.CmdWrite {
			failed = rb.dst
		}
		m.abortRebuild(v)
		v.Node().QueueEvent(failed, engine.EventSubdiskFailed)
		m.update(v)
		return
	}
	if m.stopping {
		m.abortRebuild(v)
		m.update(v)
		return
	}
	if bp.Cmd == blockio.CmdRead {
		wbp := blockio.NewBio(blockio.CmdWrite, rb.pos, bp.Data)
		wbp.Flags = blockio.FlagSync
		wbp.Caller = rb
		rb.busy = true
		rb.dst.Submit(wbp)
		return
	}
	if err := v.UnlockRange(rb.pos, rb.len); err != nil {
		log.Errorf("%s: unlocking rebuilt chunk: %s", v, err)
	}
	rb.locked = false
	rb.pos += rb.len
	m.step(v)
}

// abortRebuild drops the rebuild, leaving the target stale.
func (m *Mirror) abortRebuild(v *engine.Volume) {
	rb := m.rb
	if rb == nil {
		return
	}
	m.rb = nil
	if rb.locked {
		v.UnlockRange(rb.pos, rb.len)
	}
	if rb.dst.State() == engine.SubdiskSynchronizing {
		rb.dst.ChangeState(engine.SubdiskStale)
	}
	log.Infof("%s: rebuild of %s stopped at %d", v, rb.dst, rb.pos)
}

// Progress returns how far the current rebuild got, in bytes, and false if
// there is none.
func (m *Mirror) Progress() (int64, bool) {
	if m.rb == nil {
		return 0, false
	}
	return m.rb.pos, true
}

// Free releases nothing; the mirror holds no resources of its own.
func (m *Mirror) Free(v *engine.Volume) {
	m.rb = nil
}
