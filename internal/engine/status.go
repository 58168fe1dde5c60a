// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"bytes"
	"fmt"
	"time"
)

// Commands with op metrics, in display order.
var ops = []string{"read", "write", "delete", "flush"}

// NodeStatus is a snapshot of a node.
type NodeStatus struct {
	Name     string
	Stopping string
	Events   int // Queued events.
	IO       int // Queued I/O items.
	Volumes  []VolumeStatus
	Disks    []DiskStatus
}

// VolumeStatus is a snapshot of a volume.
type VolumeStatus struct {
	Name        string
	Level       string
	Transform   string
	State       string
	MediaSize   int64
	SectorSize  int64
	Provider    string
	Opens       int
	Inflight    int
	Outstanding int
	Locks       int
	Parked      int
	Dirty       bool
	LastWrite   time.Time

	// Client request latency quantiles.
	P50, P90, P99 time.Duration
	// Counts and latencies per command, from the op metric.
	Ops map[string]string

	Subdisks []SubdiskStatus
}

// SubdiskStatus is a snapshot of a subdisk.
type SubdiskStatus struct {
	Pos    int
	State  string
	Disk   string
	Offset int64
	Size   int64
}

// DiskStatus is a snapshot of a disk.
type DiskStatus struct {
	ID       DiskID
	Device   string
	State    string
	Subdisks []string
}

// Status returns a snapshot of the node, taken on its worker.
func (n *Node) Status() (st NodeStatus, err error) {
	err = n.Do(func() error {
		st = n.status()
		return nil
	})
	return st, err
}

func (n *Node) status() NodeStatus {
	events, io := n.q.lengths()
	st := NodeStatus{
		Name:     n.name,
		Stopping: n.stopping.String(),
		Events:   events,
		IO:       io,
	}
	for _, v := range n.volumes {
		st.Volumes = append(st.Volumes, v.status())
	}
	for _, d := range n.disks {
		ds := DiskStatus{ID: d.id, Device: d.Name(), State: d.state.String()}
		for _, sd := range d.subdisks {
			ds.Subdisks = append(ds.Subdisks, sd.String())
		}
		st.Disks = append(st.Disks, ds)
	}
	return st
}

func (v *Volume) status() VolumeStatus {
	vs := VolumeStatus{
		Name:        v.name,
		Level:       v.level,
		Transform:   v.trName,
		State:       v.state.String(),
		MediaSize:   v.mediaSize,
		SectorSize:  v.sectorSize,
		Opens:       v.opens,
		Inflight:    len(v.inflight),
		Outstanding: v.outstanding,
		Locks:       len(v.locks),
		Parked:      len(v.parked),
		Dirty:       v.dirty,
		LastWrite:   v.lastWrite,
		P50:         v.LatencyQuantile(0.5),
		P90:         v.LatencyQuantile(0.9),
		P99:         v.LatencyQuantile(0.99),
		Ops:         make(map[string]string),
	}
	if v.provider != nil {
		vs.Provider = v.provider.Name()
	}
	for _, op := range ops {
		if opm.Count("all", v.node.name, v.name, op) > 0 {
			vs.Ops[op] = opm.String(v.node.name, v.name, op)
		}
	}
	for _, sd := range v.Subdisks() {
		ss := SubdiskStatus{Pos: sd.pos, State: sd.state.String(), Offset: sd.offset, Size: sd.size}
		if d := sd.Disk(); d != nil {
			ss.Disk = d.String()
		}
		vs.Subdisks = append(vs.Subdisks, ss)
	}
	return vs
}

// Dump renders the status as indented text.
func (st NodeStatus) Dump() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "node %s", st.Name)
	if st.Stopping != DestroyMode(0).String() {
		fmt.Fprintf(&b, " (stopping: %s)", st.Stopping)
	}
	fmt.Fprintf(&b, "\n  queued: %d events, %d io\n", st.Events, st.IO)
	for _, v := range st.Volumes {
		fmt.Fprintf(&b, "  volume %s: %s", v.Name, v.State)
		if v.Transform != "" {
			fmt.Fprintf(&b, " [%s]", v.Transform)
		}
		fmt.Fprintf(&b, " size=%d opens=%d inflight=%d outstanding=%d locks=%d parked=%d dirty=%t\n",
			v.MediaSize, v.Opens, v.Inflight, v.Outstanding, v.Locks, v.Parked, v.Dirty)
		if v.Provider != "" {
			fmt.Fprintf(&b, "    provider %s\n", v.Provider)
		}
		fmt.Fprintf(&b, "    latency p50=%s p90=%s p99=%s\n", v.P50, v.P90, v.P99)
		for _, op := range ops {
			if s, ok := v.Ops[op]; ok {
				fmt.Fprintf(&b, "    %s: %s\n", op, s)
			}
		}
		for _, sd := range v.Subdisks {
			fmt.Fprintf(&b, "    subdisk %d: %s", sd.Pos, sd.State)
			if sd.Disk != "" {
				fmt.Fprintf(&b, " on disk %s at %d+%d", sd.Disk, sd.Offset, sd.Size)
			}
			b.WriteString("\n")
		}
	}
	for _, d := range st.Disks {
		fmt.Fprintf(&b, "  disk %d: %s %s", d.ID, d.Device, d.State)
		if len(d.Subdisks) > 0 {
			fmt.Fprintf(&b, " members %v", d.Subdisks)
		}
		b.WriteString("\n")
	}
	return b.String()
}
