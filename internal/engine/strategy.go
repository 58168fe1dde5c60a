// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import "github.com/westerndigitalcorporation/softraid/pkg/blockio"

// Transform implements a RAID level: how client requests map onto subdisk
// requests, and what volume state follows from subdisk states.
//
// All methods are called on the node's worker goroutine and must not block.
// Anything that waits on I/O is expressed by returning core.ErrBusy or by
// continuing from IODone.
type Transform interface {
	// Taste returns true if this transform can run 'v'. The engine keeps the
	// first instance that accepts.
	Taste(v *Volume) bool

	// Start is called once when the volume is started. It typically sets the
	// media size and calls v.ChangeState.
	Start(v *Volume) error

	// Stop asks the transform to quiesce. It returns nil if the volume is
	// stopped, or core.ErrBusy if it will call v.ChangeState(VolumeStopped)
	// later.
	Stop(v *Volume) error

	// Event reports something that happened to a subdisk.
	Event(sd *Subdisk, code EventCode) error

	// IOStart is given a client request to service. The transform must
	// eventually call v.Deliver for it.
	IOStart(v *Volume, bp *blockio.Bio)

	// IODone is given a request the transform submitted to a subdisk, once it
	// completed. bp.Err holds the result.
	IODone(sd *Subdisk, bp *blockio.Bio)

	// Free releases the transform's resources. The volume is gone after this.
	Free(v *Volume)
}

// RangeLocker is implemented by transforms that take range locks.
type RangeLocker interface {
	// Locked is called when the lock taken with 'token' stopped being
	// pending, i.e. every in-flight write it waited for has completed.
	Locked(v *Volume, token interface{})
}

// Idler is implemented by transforms with background work, e.g. rebuild.
type Idler interface {
	// Idle is called when the volume had no I/O for Config.IdleThreshold.
	Idle(v *Volume)
}

// Metadata is the per-node instance of an on-disk format. Its methods are
// called on the worker goroutine.
type Metadata interface {
	// Event reports something that happened to a disk.
	Event(d *Disk, code EventCode) error

	// FreeDisk is called while 'd' is destroyed, after its subdisks were
	// disconnected and before its consumer is detached.
	FreeDisk(n *Node, d *Disk)

	// Free is called during node teardown, after all disks are gone.
	Free(n *Node)
}

// MetadataWriter is implemented by metadata that records whether a volume has
// unsynchronized writes.
type MetadataWriter interface {
	WriteMetadata(v *Volume, dirty bool) error
}

// TasteResult is what a MetadataClass found on a device.
type TasteResult int

// Taste results.
const (
	// TasteFail means the device doesn't carry this format.
	TasteFail TasteResult = iota
	// TasteNewNode means a node was created for the device.
	TasteNewNode
	// TasteExistingNode means the device was added to a running node.
	TasteExistingNode
)

func (r TasteResult) String() string {
	switch r {
	case TasteNewNode:
		return "new"
	case TasteExistingNode:
		return "existing"
	}
	return "fail"
}

// MetadataClass is a registered on-disk format. Its methods are called on
// management goroutines, never on a worker.
type MetadataClass interface {
	// Name identifies the format, e.g. in CreateNode.
	Name() string

	// Taste looks for the format on 'dev' and, if found, attaches it to the
	// node it belongs to, creating that node if needed.
	Taste(dev blockio.Device, opts *Options) (*Node, TasteResult, error)

	// Create returns a new, empty node using this format.
	Create(name string, opts *Options) (*Node, error)
}
