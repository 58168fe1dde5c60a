// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/westerndigitalcorporation/softraid/internal/core"
)

// DataOffset is where the first volume starts on every member device. The
// space before it is left alone.
const DataOffset = 4096

// Record describes one array: its node, member devices and volumes. Every
// member contributes the same slot to every volume, and volumes are laid out
// one after another on each member.
type Record struct {
	ID   string `json:"id"`
	Node string `json:"node"`

	// Bumped on every update.
	Generation uint64 `json:"generation"`

	Members []Member     `json:"members"`
	Volumes []VolumeSpec `json:"volumes"`
}

// Member is a device of an array. The slot is its index in Record.Members.
type Member struct {
	Device string `json:"device"`

	// Stale is set when the device missed writes and must be rebuilt before
	// it can be read from.
	Stale bool `json:"stale,omitempty"`
}

// VolumeSpec describes a volume of an array.
type VolumeSpec struct {
	Name  string `json:"name"`
	Level string `json:"level"`

	// Size of the volume's region on each member. Zero means the rest of the
	// device, which only the last volume may use.
	Size int64 `json:"size"`

	Dirty bool `json:"dirty,omitempty"`
}

// validate checks that the record is something we can assemble.
func (r *Record) validate() error {
	if r.Node == "" {
		return fmt.Errorf("array has no node name")
	}
	if len(r.Volumes) > 0 && len(r.Members) == 0 {
		return fmt.Errorf("array %s has volumes but no members", r.Node)
	}
	devs := make(map[string]bool)
	for _, m := range r.Members {
		if m.Device == "" || devs[m.Device] {
			return fmt.Errorf("array %s: bad or duplicate member %q", r.Node, m.Device)
		}
		devs[m.Device] = true
	}
	names := make(map[string]bool)
	for i, vs := range r.Volumes {
		if vs.Name == "" || names[vs.Name] {
			return fmt.Errorf("array %s: bad or duplicate volume %q", r.Node, vs.Name)
		}
		names[vs.Name] = true
		if vs.Size < 0 || (vs.Size == 0 && i != len(r.Volumes)-1) {
			return fmt.Errorf("array %s: volume %s: only the last volume may take the rest", r.Node, vs.Name)
		}
	}
	return nil
}

// slot returns the slot of device 'name', or -1.
func (r *Record) slot(name string) int {
	for i, m := range r.Members {
		if m.Device == name {
			return i
		}
	}
	return -1
}

// extent returns where volume 'i' lives on a member of size 'devSize'.
func (r *Record) extent(i int, devSize int64) (offset, size int64) {
	offset = DataOffset
	for _, vs := range r.Volumes[:i] {
		offset += vs.Size
	}
	size = r.Volumes[i].Size
	if size == 0 {
		size = devSize - offset
	}
	return offset, size
}

// volume returns the volume called 'name', or nil.
func (r *Record) volume(name string) *VolumeSpec {
	for i := range r.Volumes {
		if r.Volumes[i].Name == name {
			return &r.Volumes[i]
		}
	}
	return nil
}

func (r *Record) clone() *Record {
	c := *r
	c.Members = append([]Member(nil), r.Members...)
	c.Volumes = append([]VolumeSpec(nil), r.Volumes...)
	return &c
}

func (r *Record) String() string {
	return fmt.Sprintf("array %s (node %s, gen %d, %d members, %d volumes)",
		r.ID, r.Node, r.Generation, len(r.Members), len(r.Volumes))
}

// encodeRecord serializes a record as snappy-compressed JSON.
func encodeRecord(r *Record) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, b), nil
}

// decodeRecord is the inverse of encodeRecord.
func decodeRecord(b []byte) (*Record, error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, err
	}
	r := new(Record)
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, err
	}
	if r.ID == "" {
		return nil, core.ErrInvalidArgument.Error()
	}
	return r, nil
}
