// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"fmt"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/softraid/internal/core"
	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
)

// Subdisk is one slot of a volume, bound to a region of a disk. Methods must
// be called on the node's worker.
type Subdisk struct {
	vol *Volume
	pos int

	// The bound disk, resolved through the node. Zero iff state is
	// SubdiskNone.
	disk   DiskID
	offset int64
	size   int64
	state  SubdiskState
}

// Volume returns the subdisk's volume.
func (sd *Subdisk) Volume() *Volume {
	return sd.vol
}

// Pos returns the slot index.
func (sd *Subdisk) Pos() int {
	return sd.pos
}

// State returns the subdisk state.
func (sd *Subdisk) State() SubdiskState {
	return sd.state
}

// Offset returns where the subdisk starts on its disk.
func (sd *Subdisk) Offset() int64 {
	return sd.offset
}

// Size returns the subdisk's size.
func (sd *Subdisk) Size() int64 {
	return sd.size
}

// Disk returns the bound disk, or nil.
func (sd *Subdisk) Disk() *Disk {
	if sd.disk == 0 {
		return nil
	}
	return sd.vol.node.Disk(sd.disk)
}

func (sd *Subdisk) String() string {
	return fmt.Sprintf("%s:%d", sd.vol, sd.pos)
}

// SetExtent sets where on the disk the subdisk lives.
func (sd *Subdisk) SetExtent(offset, size int64) {
	sd.offset, sd.size = offset, size
}

// Bind binds the subdisk to 'd'. A subdisk in state NONE becomes NEW.
func (sd *Subdisk) Bind(d *Disk) error {
	if d.destroyed || d.node != sd.vol.node {
		return core.ErrInvalidArgument.Error()
	}
	if sd.disk != 0 {
		return core.ErrAlreadyExists.Error()
	}
	sd.disk = d.id
	d.subdisks = append(d.subdisks, sd)
	log.V(1).Infof("%s: bound to disk %s", sd, d)
	if sd.state == SubdiskNone {
		sd.ChangeState(SubdiskNew)
	}
	return nil
}

// unbind drops the disk binding, if any.
func (sd *Subdisk) unbind() {
	if sd.disk == 0 {
		return
	}
	if d := sd.Disk(); d != nil {
		for i, o := range d.subdisks {
			if o == sd {
				d.subdisks = append(d.subdisks[:i], d.subdisks[i+1:]...)
				break
			}
		}
	}
	sd.disk = 0
}

// ChangeState records a new state. Going to NONE unbinds the disk; any other
// state requires one.
func (sd *Subdisk) ChangeState(s SubdiskState) error {
	if s != SubdiskNone && sd.disk == 0 {
		return core.ErrInvalidArgument.Error()
	}
	if s != sd.state {
		log.Infof("%s: subdisk state %s -> %s", sd, sd.state, s)
		sd.state = s
	}
	if s == SubdiskNone {
		sd.unbind()
	}
	return nil
}

// Submit sends 'bp' to the subdisk's disk, at an offset relative to the
// subdisk. bp.Done is overwritten: the completion is queued for the worker,
// which hands it to the transform's IODone. If there's no disk the request
// fails with blockio.ErrDeviceGone, also through the queue.
func (sd *Subdisk) Submit(bp *blockio.Bio) {
	n := sd.vol.node
	sd.vol.outstanding++
	it := ioItem{bp: bp, sd: sd, base: sd.offset, done: true}
	bp.Done = func(b *blockio.Bio) {
		if !n.q.pushIO(it) {
			log.V(1).Infof("%s: dropped completion of %s: node is gone", sd, b)
		}
	}

	var c *blockio.Consumer
	if d := sd.Disk(); d != nil {
		c = d.consumer
	}
	bp.Offset += it.base
	if c == nil {
		bp.Deliver(blockio.ErrDeviceGone)
		return
	}
	c.Submit(bp)
}
