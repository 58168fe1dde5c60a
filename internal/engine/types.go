// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import "fmt"

// MaxSubdisks is the number of subdisk slots in a volume.
const MaxSubdisks = 16

// VolumeState is the externally visible condition of a volume.
type VolumeState int

// Volume states. Degraded through Optimal are "alive": the volume serves I/O.
const (
	VolumeStarting VolumeState = iota
	VolumeBroken
	VolumeDegraded
	VolumeSuboptimal
	VolumeOptimal
	VolumeUnsupported
	VolumeStopped
)

var volumeStateNames = map[VolumeState]string{
	VolumeStarting:    "STARTING",
	VolumeBroken:      "BROKEN",
	VolumeDegraded:    "DEGRADED",
	VolumeSuboptimal:  "SUBOPTIMAL",
	VolumeOptimal:     "OPTIMAL",
	VolumeUnsupported: "UNSUPPORTED",
	VolumeStopped:     "STOPPED",
}

func (s VolumeState) String() string {
	if n, ok := volumeStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("VolumeState(%d)", int(s))
}

// Alive returns true if a volume in state 's' should have a provider.
func (s VolumeState) Alive() bool {
	return s >= VolumeDegraded && s <= VolumeOptimal
}

// DiskState is the role of a disk as decided by the metadata strategy.
type DiskState int

// Disk states.
const (
	DiskNone DiskState = iota
	DiskOffline
	DiskStale
	DiskSpare
	DiskActive
)

func (s DiskState) String() string {
	switch s {
	case DiskNone:
		return "NONE"
	case DiskOffline:
		return "OFFLINE"
	case DiskStale:
		return "STALE"
	case DiskSpare:
		return "SPARE"
	case DiskActive:
		return "ACTIVE"
	}
	return fmt.Sprintf("DiskState(%d)", int(s))
}

// SubdiskState is the condition of one volume position.
type SubdiskState int

// Subdisk states. A subdisk has a disk iff its state isn't SubdiskNone.
const (
	SubdiskNone SubdiskState = iota
	SubdiskNew
	SubdiskStale
	SubdiskSynchronizing
	SubdiskActive
)

func (s SubdiskState) String() string {
	switch s {
	case SubdiskNone:
		return "NONE"
	case SubdiskNew:
		return "NEW"
	case SubdiskStale:
		return "STALE"
	case SubdiskSynchronizing:
		return "SYNCHRONIZING"
	case SubdiskActive:
		return "ACTIVE"
	}
	return fmt.Sprintf("SubdiskState(%d)", int(s))
}

// EventCode says what happened to an event's target.
type EventCode int

// Event codes.
const (
	// Runs a closure on the worker. Internal.
	eventControl EventCode = iota + 1

	// EventNodeWake does nothing; it makes the worker run an iteration.
	EventNodeWake

	// Volume events.
	EventVolumeStart
	EventVolumeUp
	EventVolumeDown

	// EventDiskDisconnected is queued when a disk's device goes away.
	EventDiskDisconnected

	// Subdisk events, forwarded to the volume's transform.
	EventSubdiskNew
	EventSubdiskFailed
	EventSubdiskDisconnected
)

var eventNames = map[EventCode]string{
	eventControl:             "control",
	EventNodeWake:            "wake",
	EventVolumeStart:         "volume-start",
	EventVolumeUp:            "volume-up",
	EventVolumeDown:          "volume-down",
	EventDiskDisconnected:    "disk-disconnected",
	EventSubdiskNew:          "subdisk-new",
	EventSubdiskFailed:       "subdisk-failed",
	EventSubdiskDisconnected: "subdisk-disconnected",
}

func (c EventCode) String() string {
	if n, ok := eventNames[c]; ok {
		return n
	}
	return fmt.Sprintf("EventCode(%d)", int(c))
}

// TargetKind is the type of entity an event is about.
type TargetKind int

// Event target kinds.
const (
	TargetNode TargetKind = iota
	TargetVolume
	TargetDisk
	TargetSubdisk
)

func (k TargetKind) String() string {
	switch k {
	case TargetNode:
		return "node"
	case TargetVolume:
		return "volume"
	case TargetDisk:
		return "disk"
	case TargetSubdisk:
		return "subdisk"
	}
	return fmt.Sprintf("TargetKind(%d)", int(k))
}

// DestroyMode says how Node.Destroy treats open volumes.
type DestroyMode int

// Destroy modes.
const (
	// DestroySoft fails with core.ErrBusy if any volume is open.
	DestroySoft DestroyMode = iota + 1
	// DestroyDelayed destroys the node once the last volume is closed.
	DestroyDelayed
	// DestroyHard destroys the node regardless of opens.
	DestroyHard
)

func (m DestroyMode) String() string {
	switch m {
	case 0:
		return "none"
	case DestroySoft:
		return "soft"
	case DestroyDelayed:
		return "delayed"
	case DestroyHard:
		return "hard"
	}
	return fmt.Sprintf("DestroyMode(%d)", int(m))
}
