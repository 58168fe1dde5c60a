// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/softraid/internal/core"
	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
)

// SubmitEvent queues an event about 'target', which is nil for the node
// itself or a *Volume, *Disk or *Subdisk of this node. If 'wait' is set it
// blocks until the worker dispatched the event and returns the result.
//
// Never call SubmitEvent with 'wait' from the worker; use QueueEvent there.
func (n *Node) SubmitEvent(target interface{}, code EventCode, wait bool) error {
	e := newEvent(target, code, wait)
	if !n.q.pushEvent(e) {
		return core.ErrNoSuchEntity.Error()
	}
	if !wait {
		return nil
	}
	<-e.done
	return e.err
}

// QueueEvent queues an event without waiting for it. Safe from any
// goroutine, including the worker.
func (n *Node) QueueEvent(target interface{}, code EventCode) {
	if err := n.SubmitEvent(target, code, false); err != nil {
		log.V(1).Infof("%s: dropped %s: node is gone", n.name, code)
	}
}

// Do runs 'fn' on the worker and returns its result. Everything reachable
// from the node may be used inside 'fn'. Same restriction as SubmitEvent:
// never from the worker.
func (n *Node) Do(fn func() error) error {
	e := newControlEvent(fn)
	if !n.q.pushEvent(e) {
		return core.ErrNoSuchEntity.Error()
	}
	<-e.done
	return e.err
}

// Destroy destroys the node.
//
// DestroySoft fails with core.ErrBusy if any volume is open. DestroyDelayed
// returns right away and the node goes when its last volume is closed; opens
// that reach the worker before that close are still allowed. DestroyHard
// destroys the node regardless, and further closes of its volumes are
// no-ops.
//
// Except for DestroyDelayed, Destroy waits up to Config.DestroyTimeout for the
// worker to finish and returns core.ErrBusy if it didn't. The node keeps
// going away in that case. Destroying a destroyed node returns nil.
func (n *Node) Destroy(mode DestroyMode) error {
	select {
	case <-n.done:
		return nil
	default:
	}

	err := n.Do(func() error { return n.MarkStopping(mode) })
	if core.ErrNoSuchEntity.Is(err) {
		<-n.done
		return nil
	}
	if err != nil || mode == DestroyDelayed {
		return err
	}

	// The worker may be asleep; make it run the reaper.
	n.q.kick()
	t := time.NewTimer(n.config.DestroyTimeout)
	defer t.Stop()
	select {
	case <-n.done:
		return nil
	case <-t.C:
		log.Errorf("%s: teardown didn't finish in %s", n.name, n.config.DestroyTimeout)
		return core.ErrBusy.Error()
	}
}

// CreateVolume creates a volume with 'subdisks' slots. It will be started
// after Config.StartTimeout unless StartVolume is called first.
func (n *Node) CreateVolume(name, level string, subdisks int) (v *Volume, err error) {
	err = n.Do(func() error {
		v, err = n.NewVolume(name, level, subdisks)
		return err
	})
	return v, err
}

// CreateDisk creates a disk attached to 'dev'.
func (n *Node) CreateDisk(dev blockio.Device) (d *Disk, err error) {
	err = n.Do(func() error {
		d = n.NewDisk()
		if err := d.Attach(dev); err != nil {
			n.DestroyDisk(d)
			return err
		}
		return nil
	})
	return d, err
}

// BindSubdisk binds slot 'pos' of 'v' to 'd', covering 'size' bytes of the
// disk from 'offset'. A size of zero means the rest of the disk.
func (n *Node) BindSubdisk(v *Volume, pos int, d *Disk, offset, size int64) error {
	return n.Do(func() error {
		if v.freed || d.destroyed {
			return core.ErrStale.Error()
		}
		sd := v.Subdisk(pos)
		if sd == nil {
			return core.ErrInvalidArgument.Error()
		}
		if size == 0 && d.consumer != nil {
			size = d.consumer.Device().Size() - offset
		}
		sd.SetExtent(offset, size)
		return sd.Bind(d)
	})
}

// StartVolume starts 'v' now instead of waiting for its timer.
func (n *Node) StartVolume(v *Volume) error {
	return n.SubmitEvent(v, EventVolumeStart, true)
}

// DestroyVolume destroys the volume called 'name'. Without 'force' it fails
// with core.ErrBusy while the volume is open. If the volume has I/O in
// flight, ErrBusy is returned and destruction finishes in the background.
func (n *Node) DestroyVolume(name string, force bool) error {
	return n.Do(func() error {
		v := n.Volume(name)
		if v == nil {
			return core.ErrNoSuchEntity.Error()
		}
		return n.destroyVolume(v, force)
	})
}

// LookupVolume finds a volume by name from outside the worker.
func (n *Node) LookupVolume(name string) (v *Volume, err error) {
	err = n.Do(func() error {
		if v = n.Volume(name); v == nil {
			return core.ErrNoSuchEntity.Error()
		}
		return nil
	})
	return v, err
}

// CreateNode creates an empty node using the metadata format 'format'. An
// empty format creates a node without metadata.
func CreateNode(name, format string, opts *Options) (*Node, error) {
	if format == "" {
		return NewNode(name, nil, opts)
	}
	class := lookupMetadata(format)
	if class == nil {
		return nil, core.ErrNotSupported.Error()
	}
	return class.Create(name, opts)
}

// Taste offers 'dev' to every registered metadata class in priority order.
// The first one that recognizes it attaches it to its node.
func Taste(dev blockio.Device, opts *Options) (*Node, TasteResult, error) {
	for _, class := range metadataClasses() {
		n, res, err := class.Taste(dev, opts)
		if err != nil {
			log.Errorf("%s: tasting %s: %s", class.Name(), dev.Name(), err)
			return nil, TasteFail, err
		}
		if res != TasteFail {
			log.Infof("%s: %s belongs to node %s (%s)", class.Name(), dev.Name(), n.Name(), res)
			return n, res, nil
		}
	}
	return nil, TasteFail, nil
}
