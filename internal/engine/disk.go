// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"fmt"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/softraid/internal/core"
	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
)

// DiskID identifies a disk within its node. Zero is never used.
type DiskID int

// Disk is a backing device attached to a node. Methods must be called on the
// node's worker.
type Disk struct {
	node      *Node
	id        DiskID
	consumer  *blockio.Consumer
	subdisks  []*Subdisk
	state     DiskState
	destroyed bool

	// Private belongs to the metadata strategy.
	Private interface{}
}

// NewDisk creates a disk with no device and no members. Worker context; see
// CreateDisk otherwise.
func (n *Node) NewDisk() *Disk {
	d := &Disk{node: n, id: n.nextDiskID}
	n.nextDiskID++
	n.disks = append(n.disks, d)
	log.V(1).Infof("%s: disk %d created", n.name, d.id)
	return d
}

// Disk resolves 'id', returning nil if there's no such disk (anymore).
func (n *Node) Disk(id DiskID) *Disk {
	for _, d := range n.disks {
		if d.id == id {
			return d
		}
	}
	return nil
}

// Disks returns the node's disks in creation order.
func (n *Node) Disks() []*Disk {
	return append([]*Disk(nil), n.disks...)
}

// ID returns the disk's id.
func (d *Disk) ID() DiskID {
	return d.id
}

// Node returns the disk's node.
func (d *Disk) Node() *Node {
	return d.node
}

// State returns the disk state.
func (d *Disk) State() DiskState {
	return d.state
}

// Name returns the name of the attached device, or "" if none.
func (d *Disk) Name() string {
	if d.consumer == nil {
		return ""
	}
	return d.consumer.Name()
}

// Consumer returns the consumer attached to the disk's device, or nil.
func (d *Disk) Consumer() *blockio.Consumer {
	return d.consumer
}

// Subdisks returns the subdisks bound to the disk.
func (d *Disk) Subdisks() []*Subdisk {
	return append([]*Subdisk(nil), d.subdisks...)
}

func (d *Disk) String() string {
	if name := d.Name(); name != "" {
		return fmt.Sprintf("%d(%s)", d.id, name)
	}
	return fmt.Sprintf("%d", d.id)
}

// Attach attaches the disk to 'dev' and opens it for read, write and
// exclusive access. When the device goes away an EventDiskDisconnected is
// queued for the disk.
func (d *Disk) Attach(dev blockio.Device) error {
	if d.consumer != nil {
		return core.ErrAlreadyExists.Error()
	}
	n := d.node
	c, err := n.topo.Attach(dev, func(*blockio.Consumer) {
		n.QueueEvent(d, EventDiskDisconnected)
	})
	if err != nil {
		log.Errorf("%s: attaching %s: %s", n.name, dev.Name(), err)
		return core.ErrResource.Error()
	}
	if err = c.Access(1, 1, 1); err != nil {
		n.topo.Detach(c)
		return core.ErrResource.Error()
	}
	d.consumer = c
	log.Infof("%s: disk %s attached", n.name, d)
	return nil
}

// ChangeState records a new disk state. The engine attaches no meaning to it.
func (d *Disk) ChangeState(s DiskState) {
	if s == d.state {
		return
	}
	log.Infof("%s: disk %s state %s -> %s", d.node.name, d, d.state, s)
	d.state = s
}

// DestroyDisk removes 'd' from the node. Every bound subdisk first gets an
// EventSubdiskDisconnected, dispatched synchronously so the transform sees it
// while the disk is still resolvable. Worker context.
func (n *Node) DestroyDisk(d *Disk) {
	if d.destroyed {
		return
	}
	for _, sd := range d.Subdisks() {
		n.dispatch(newEvent(sd, EventSubdiskDisconnected, false))
		if sd.disk == d.id {
			// The transform may not have seen the event, e.g. before START.
			sd.ChangeState(SubdiskNone)
		}
	}
	if n.md != nil {
		n.md.FreeDisk(n, d)
	}
	if d.consumer != nil {
		d.consumer.Access(-1, -1, -1)
		if err := n.topo.Detach(d.consumer); err != nil {
			log.Errorf("%s: detaching %s: %s", n.name, d, err)
		}
	}
	for i, o := range n.disks {
		if o == d {
			n.disks = append(n.disks[:i], n.disks[i+1:]...)
			break
		}
	}
	d.destroyed = true
	log.Infof("%s: disk %s destroyed", n.name, d)
}
