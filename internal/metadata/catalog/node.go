// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package catalog

import (
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/softraid/internal/core"
	"github.com/westerndigitalcorporation/softraid/internal/engine"
	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
)

// nodeMeta is the metadata strategy of a node assembled from the catalog.
// All methods run on the node's worker.
type nodeMeta struct {
	cat *Catalog
	id  string

	// Attached disks by slot.
	attached map[int]*engine.Disk
}

func newNodeMeta(c *Catalog, id string) *nodeMeta {
	return &nodeMeta{cat: c, id: id, attached: make(map[int]*engine.Disk)}
}

// assemble attaches 'dev' as member 'slot' and binds it into every volume,
// creating the volumes on the first member. Volumes are started once all
// members are there; until then their start timers run.
func (nm *nodeMeta) assemble(n *engine.Node, slot int, dev blockio.Device) error {
	r, err := nm.cat.Record(nm.id)
	if err != nil {
		return err
	}
	if slot < 0 || slot >= len(r.Members) {
		return core.ErrInvalidArgument.Error()
	}
	if nm.attached[slot] != nil {
		return core.ErrAlreadyExists.Error()
	}
	stale := r.Members[slot].Stale

	d := n.NewDisk()
	if err := d.Attach(dev); err != nil {
		n.DestroyDisk(d)
		return err
	}
	d.Private = slot
	nm.attached[slot] = d
	if stale {
		d.ChangeState(engine.DiskStale)
	} else {
		d.ChangeState(engine.DiskActive)
	}

	for i, vs := range r.Volumes {
		v := n.Volume(vs.Name)
		if v == nil {
			if v, err = n.NewVolume(vs.Name, vs.Level, len(r.Members)); err != nil {
				return err
			}
			v.Private = r.ID
		}
		off, size := r.extent(i, dev.Size())
		if size <= 0 {
			log.Errorf("%s: %s is too small for volume %s", n, dev.Name(), vs.Name)
			return core.ErrInvalidArgument.Error()
		}
		sd := v.Subdisk(slot)
		sd.SetExtent(off, size)
		if err := sd.Bind(d); err != nil {
			return err
		}
		if stale {
			sd.ChangeState(engine.SubdiskStale)
		}
		n.QueueEvent(sd, engine.EventSubdiskNew)
	}

	log.Infof("%s: member %d (%s) attached, %d of %d", n, slot, dev.Name(), len(nm.attached), len(r.Members))
	if len(nm.attached) == len(r.Members) {
		for _, v := range n.Volumes() {
			n.QueueEvent(v, engine.EventVolumeStart)
		}
	}
	return nil
}

// Event handles disk events. A disconnected disk is destroyed and, if any
// volume stays up without it, recorded as stale. The node is destroyed once
// its last disk went away and its volumes are closed.
func (nm *nodeMeta) Event(d *engine.Disk, code engine.EventCode) error {
	if code != engine.EventDiskDisconnected {
		return core.ErrNotSupported.Error()
	}
	n := d.Node()
	slot, ok := d.Private.(int)
	n.DestroyDisk(d)

	alive := false
	for _, v := range n.Volumes() {
		if v.State().Alive() {
			alive = true
		}
	}
	if ok && alive {
		nm.modify(n, func(r *Record) {
			r.Members[slot].Stale = true
		})
	}
	if len(n.Disks()) == 0 {
		log.Infof("%s: last disk gone", n)
		return n.MarkStopping(engine.DestroyDelayed)
	}
	return nil
}

// FreeDisk forgets the disk's slot.
func (nm *nodeMeta) FreeDisk(n *engine.Node, d *engine.Disk) {
	if slot, ok := d.Private.(int); ok && nm.attached[slot] == d {
		delete(nm.attached, slot)
	}
}

// Free is called when the node is gone.
func (nm *nodeMeta) Free(n *engine.Node) {
	nm.attached = nil
	log.V(1).Infof("%s: catalog metadata released", n)
}

// WriteMetadata records the volume's dirty flag, along with which attached
// members are in sync.
func (nm *nodeMeta) WriteMetadata(v *engine.Volume, dirty bool) error {
	return nm.modify(v.Node(), func(r *Record) {
		if vs := r.volume(v.Name()); vs != nil {
			vs.Dirty = dirty
		}
	})
}

// modify applies 'fn' to the node's record, refreshes the member stale
// flags from the subdisk states, and stores the result.
func (nm *nodeMeta) modify(n *engine.Node, fn func(r *Record)) error {
	r, err := nm.cat.Record(nm.id)
	if err != nil {
		return err
	}
	fn(r)
	for slot, d := range nm.attached {
		if slot >= len(r.Members) {
			continue
		}
		r.Members[slot].Stale = !inSync(n, d)
		if r.Members[slot].Stale {
			d.ChangeState(engine.DiskStale)
		} else {
			d.ChangeState(engine.DiskActive)
		}
	}
	if err := nm.cat.update(r); err != nil {
		log.Errorf("%s: updating catalog: %s", n, err)
		return err
	}
	return nil
}

// inSync returns true if no running volume has 'd' bound to a subdisk that
// isn't active.
func inSync(n *engine.Node, d *engine.Disk) bool {
	for _, v := range n.Volumes() {
		if v.Transform() == nil {
			continue
		}
		for _, sd := range v.Subdisks() {
			if sd.Disk() == d && sd.State() != engine.SubdiskActive {
				return false
			}
		}
	}
	return true
}
