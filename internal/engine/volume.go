// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"fmt"
	"time"

	"github.com/beorn7/perks/quantile"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/softraid/internal/core"
	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
)

// ProviderPrefix is prepended to volume names to name their providers.
const ProviderPrefix = "raid/"

var latencyObjectives = map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001}

// Volume is a logical RAID device made of up to MaxSubdisks subdisks.
//
// Unless noted otherwise, methods must be called on the node's worker, i.e.
// from strategy callbacks or inside Node.Do.
type Volume struct {
	node  *Node
	name  string
	level string

	mediaSize  int64
	sectorSize int64

	state   VolumeState
	tr      Transform
	trName  string
	started bool

	subdisks  [MaxSubdisks]Subdisk
	nsubdisks int

	// Client requests handed to the transform, with their op metric.
	inflight map[*blockio.Bio]*latencyMeasurer
	// Subdisk requests dispatched and not yet completed.
	outstanding int

	locks  []*rangeLock
	parked []*blockio.Bio

	opens     int
	lastIO    time.Time
	lastWrite time.Time
	dirty     bool

	provider *blockio.Provider
	timer    *time.Timer

	// Destruction progress.
	stopping      bool
	force         bool
	stopRequested bool
	stopped       bool
	freed         bool

	latency *quantile.Stream

	// Private belongs to the metadata strategy.
	Private interface{}
}

// NewVolume creates a volume with 'subdisks' slots. 'level' tells transforms
// what layout the volume wants. Worker context; see CreateVolume otherwise.
func (n *Node) NewVolume(name, level string, subdisks int) (*Volume, error) {
	if name == "" || subdisks <= 0 || subdisks > MaxSubdisks {
		return nil, core.ErrInvalidArgument.Error()
	}
	if n.stopping != 0 {
		return nil, core.ErrNoSuchEntity.Error()
	}
	if n.Volume(name) != nil {
		return nil, core.ErrAlreadyExists.Error()
	}

	now := time.Now()
	v := &Volume{
		node:       n,
		name:       name,
		level:      level,
		sectorSize: blockio.DefaultSectorSize,
		nsubdisks:  subdisks,
		inflight:   make(map[*blockio.Bio]*latencyMeasurer),
		lastIO:     now,
		lastWrite:  now,
		latency:    quantile.NewTargeted(latencyObjectives),
	}
	for i := range v.subdisks {
		v.subdisks[i] = Subdisk{vol: v, pos: i}
	}
	v.timer = time.AfterFunc(n.config.StartTimeout, func() {
		n.QueueEvent(v, EventVolumeStart)
	})
	n.volumes = append(n.volumes, v)
	metricVolumeState.WithLabelValues(n.name, name).Set(float64(v.state))
	log.Infof("%s: volume %s created, level %q, %d subdisks", n.name, name, level, subdisks)
	return v, nil
}

// Volume returns the volume called 'name', or nil. Worker context.
func (n *Node) Volume(name string) *Volume {
	for _, v := range n.volumes {
		if v.name == name {
			return v
		}
	}
	return nil
}

// Volumes returns the node's volumes in creation order. Worker context.
func (n *Node) Volumes() []*Volume {
	return append([]*Volume(nil), n.volumes...)
}

// Name returns the volume name. Safe from any goroutine.
func (v *Volume) Name() string {
	return v.name
}

// Node returns the node the volume belongs to. Safe from any goroutine.
func (v *Volume) Node() *Node {
	return v.node
}

// Level returns the layout the volume was created with.
func (v *Volume) Level() string {
	return v.level
}

// State returns the current state.
func (v *Volume) State() VolumeState {
	return v.state
}

// TransformName returns the name of the transform class running the volume.
func (v *Volume) TransformName() string {
	return v.trName
}

// Transform returns the transform running the volume, if tasted.
func (v *Volume) Transform() Transform {
	return v.tr
}

// MediaSize returns the size the volume's provider gets.
func (v *Volume) MediaSize() int64 {
	return v.mediaSize
}

// SetMediaSize sets the provider size. Takes effect on the next launch.
func (v *Volume) SetMediaSize(size int64) {
	v.mediaSize = size
}

// SectorSize returns the provider sector size.
func (v *Volume) SectorSize() int64 {
	return v.sectorSize
}

// SetSectorSize sets the provider sector size.
func (v *Volume) SetSectorSize(size int64) {
	v.sectorSize = size
}

// NumSubdisks returns the number of used slots.
func (v *Volume) NumSubdisks() int {
	return v.nsubdisks
}

// Subdisk returns slot 'pos', or nil if it's out of range.
func (v *Volume) Subdisk(pos int) *Subdisk {
	if pos < 0 || pos >= v.nsubdisks {
		return nil
	}
	return &v.subdisks[pos]
}

// Subdisks returns the used slots.
func (v *Volume) Subdisks() []*Subdisk {
	out := make([]*Subdisk, v.nsubdisks)
	for i := range out {
		out[i] = &v.subdisks[i]
	}
	return out
}

// Opens returns the open count.
func (v *Volume) Opens() int {
	return v.opens
}

// Inflight returns the number of client requests in the transform.
func (v *Volume) Inflight() int {
	return len(v.inflight)
}

// Outstanding returns the number of subdisk requests not yet completed.
func (v *Volume) Outstanding() int {
	return v.outstanding
}

// Stopping returns true once the volume is being destroyed.
func (v *Volume) Stopping() bool {
	return v.stopping
}

// Dirty returns true if the volume has writes not yet marked clean.
func (v *Volume) Dirty() bool {
	return v.dirty
}

// Provider returns the volume's provider, or nil while it is down.
func (v *Volume) Provider() *blockio.Provider {
	return v.provider
}

func (v *Volume) String() string {
	return fmt.Sprintf("%s/%s", v.node.name, v.name)
}

// ChangeState records a new state. Alive states bring the provider up, all
// others take it down; both happen through a queued event.
func (v *Volume) ChangeState(s VolumeState) {
	old := v.state
	if s == VolumeStopped && v.stopping {
		v.stopped = true
	}
	if s == old {
		return
	}
	v.state = s
	metricVolumeState.WithLabelValues(v.node.name, v.name).Set(float64(s))
	log.Infof("%s: volume state %s -> %s", v, old, s)
	v.node.evlog.Printf("volume %s: %s -> %s", v.name, old, s)
	if s.Alive() {
		v.node.QueueEvent(v, EventVolumeUp)
	} else {
		v.node.QueueEvent(v, EventVolumeDown)
	}
}

func (v *Volume) cancelTimer() {
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
}

// start tastes transforms if needed and starts the one found.
func (v *Volume) start() error {
	v.cancelTimer()
	if v.started || v.stopping {
		return nil
	}
	if v.tr == nil {
		for _, c := range transformClasses() {
			tr := c.factory()
			if tr.Taste(v) {
				v.tr, v.trName = tr, c.name
				log.Infof("%s: using transform %s", v, c.name)
				break
			}
		}
	}
	if v.tr == nil {
		log.Errorf("%s: no transform for level %q", v, v.level)
		v.ChangeState(VolumeUnsupported)
		return core.ErrNotSupported.Error()
	}
	v.started = true
	return v.tr.Start(v)
}

// launchProvider makes the volume visible.
func (v *Volume) launchProvider() error {
	if v.provider != nil || v.stopping {
		return nil
	}
	p, err := v.node.topo.CreateProvider(ProviderPrefix+v.name, v.mediaSize, v.sectorSize, volumeHandler{v})
	if err != nil {
		log.Errorf("%s: creating provider: %s", v, err)
		return core.ErrResource.Error()
	}
	v.provider = p
	return nil
}

// withdrawProvider fails all queued and parked client requests and removes
// the provider. Requests already in the transform complete normally.
func (v *Volume) withdrawProvider() {
	if v.provider == nil {
		return
	}
	ioErr := core.ErrIO.Error()
	v.provider.SetError(ioErr)
	for _, bp := range v.node.q.takeStarts(v) {
		bp.Deliver(ioErr)
	}
	parked := v.parked
	v.parked = nil
	for _, bp := range parked {
		bp.Deliver(ioErr)
	}
	if err := v.node.topo.DestroyProvider(v.provider); err != nil {
		log.Errorf("%s: destroying provider: %s", v, err)
	}
	v.provider = nil
}

// access applies open count deltas. Worker context.
func (v *Volume) access(dr, dw, de int) error {
	delta := dr + dw + de
	if delta > 0 {
		if v.stopping {
			return core.ErrNoSuchEntity.Error()
		}
		if s := v.node.stopping; s == DestroySoft || s == DestroyHard {
			return core.ErrNoSuchEntity.Error()
		}
	}
	if v.opens+delta < 0 {
		return core.ErrInvalidArgument.Error()
	}
	v.opens += delta
	log.V(1).Infof("%s: access %d,%d,%d, opens now %d", v, dr, dw, de, v.opens)
	return nil
}

// markDirty records the dirty flag, through the metadata if it cares.
func (v *Volume) markDirty(dirty bool) {
	if w, ok := v.node.md.(MetadataWriter); ok {
		if err := w.WriteMetadata(v, dirty); err != nil {
			log.Errorf("%s: writing metadata: %s", v, err)
		}
	}
	v.dirty = dirty
	log.V(1).Infof("%s: dirty=%t", v, dirty)
}

// LatencyQuantile returns the q-quantile of client request latency.
func (v *Volume) LatencyQuantile(q float64) time.Duration {
	if v.latency.Count() == 0 {
		return 0
	}
	return time.Duration(v.latency.Query(q) * float64(time.Second))
}

// destroyVolume tries to destroy 'v'. It returns core.ErrBusy until the
// transform stopped and all I/O drained; the reaper keeps retrying from then
// on. With 'force' open counts are discarded.
func (n *Node) destroyVolume(v *Volume, force bool) error {
	if v.freed {
		return nil
	}
	if force {
		v.force = true
	}
	if v.force {
		v.opens = 0
	}
	if v.opens > 0 {
		return core.ErrBusy.Error()
	}
	if !v.stopping {
		log.Infof("%s: destroying", v)
		v.stopping = true
	}
	v.cancelTimer()

	if !v.stopRequested {
		v.stopRequested = true
		var err error
		if v.tr != nil && v.started {
			err = v.tr.Stop(v)
		}
		switch {
		case err == nil:
			v.stopped = true
		case core.ErrBusy.Is(err):
			log.V(1).Infof("%s: transform busy stopping", v)
		default:
			log.Errorf("%s: transform failed to stop: %s", v, err)
			v.stopped = true
		}
	}
	if !v.stopped {
		return core.ErrBusy.Error()
	}
	if v.state != VolumeStopped {
		v.state = VolumeStopped
		log.Infof("%s: volume state -> %s", v, v.state)
	}
	v.withdrawProvider()
	if len(v.inflight) > 0 || v.outstanding > 0 || n.q.references(v) {
		return core.ErrBusy.Error()
	}
	n.freeVolume(v)
	return nil
}

// freeVolume unbinds the subdisks and unlinks the volume.
func (n *Node) freeVolume(v *Volume) {
	for i := 0; i < v.nsubdisks; i++ {
		v.subdisks[i].unbind()
		v.subdisks[i].state = SubdiskNone
	}
	if v.tr != nil {
		v.tr.Free(v)
	}
	for i, o := range n.volumes {
		if o == v {
			n.volumes = append(n.volumes[:i], n.volumes[i+1:]...)
			break
		}
	}
	v.freed = true
	metricVolumeState.DeleteLabelValues(n.name, v.name)
	metricParked.DeleteLabelValues(n.name, v.name)
	opm.forget(n.name, v.name)
	log.Infof("%s: volume destroyed", v)
}

// volumeHandler connects a volume's provider to the node. It runs on client
// goroutines.
type volumeHandler struct {
	v *Volume
}

// Start queues a client request for the worker.
func (h volumeHandler) Start(bp *blockio.Bio) {
	if !h.v.node.q.pushIO(ioItem{bp: bp, vol: h.v}) {
		bp.Deliver(core.ErrIO.Error())
	}
}

// Access forwards open and close to the worker. Closes of volumes on a node
// that is gone succeed.
func (h volumeHandler) Access(dr, dw, de int) error {
	err := h.v.node.Do(func() error {
		if h.v.freed {
			return core.ErrNoSuchEntity.Error()
		}
		return h.v.access(dr, dw, de)
	})
	if err != nil && dr <= 0 && dw <= 0 && de <= 0 && core.ErrNoSuchEntity.Is(err) {
		return nil
	}
	return err
}
