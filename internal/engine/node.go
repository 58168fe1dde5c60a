// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// A Node owns one array's disks and volumes and serializes everything that
// happens to them through a single worker goroutine.

package engine

import (
	"sort"
	"sync"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/net/trace"

	"github.com/westerndigitalcorporation/softraid/internal/core"
	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
)

// Live nodes by name.
var nodeTable = struct {
	lock  sync.Mutex
	nodes map[string]*Node
}{nodes: make(map[string]*Node)}

// Node is the top-level container for an array.
//
// Fields below 'q' are owned by the worker goroutine. Other goroutines reach
// them through Do, SubmitEvent or QueueEvent only.
type Node struct {
	name   string
	config Config
	topo   *blockio.Topology
	md     Metadata

	q *queue

	// Recent events and failures, served at /debug/events.
	evlog trace.EventLog

	// Closed when teardown finished.
	done chan struct{}

	disks      []*Disk
	volumes    []*Volume
	nextDiskID DiskID
	stopping   DestroyMode
	lastIdle   time.Time
}

// NewNode creates a node called 'name' and starts its worker. 'md' may be nil
// for nodes managed by hand.
func NewNode(name string, md Metadata, opts *Options) (*Node, error) {
	o := opts.fill()
	if name == "" {
		return nil, core.ErrInvalidArgument.Error()
	}
	if err := o.Config.Validate(); err != nil {
		log.Errorf("node %s: bad config: %s", name, err)
		return nil, core.ErrInvalidArgument.Error()
	}

	n := &Node{
		name:       name,
		config:     *o.Config,
		topo:       o.Topology,
		md:         md,
		q:          newQueue(),
		done:       make(chan struct{}),
		nextDiskID: 1,
		lastIdle:   time.Now(),
	}

	nodeTable.lock.Lock()
	if _, ok := nodeTable.nodes[name]; ok {
		nodeTable.lock.Unlock()
		log.Errorf("node %s already exists", name)
		return nil, core.ErrResource.Error()
	}
	nodeTable.nodes[name] = n
	nodeTable.lock.Unlock()

	n.evlog = trace.NewEventLog("engine.Node", name)
	go n.worker()
	log.Infof("node %s created", name)
	return n, nil
}

// LookupNode returns the live node called 'name', or nil.
func LookupNode(name string) *Node {
	nodeTable.lock.Lock()
	defer nodeTable.lock.Unlock()
	return nodeTable.nodes[name]
}

// Nodes returns all live nodes sorted by name.
func Nodes() []*Node {
	nodeTable.lock.Lock()
	out := make([]*Node, 0, len(nodeTable.nodes))
	for _, n := range nodeTable.nodes {
		out = append(out, n)
	}
	nodeTable.lock.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Name returns the node name.
func (n *Node) Name() string {
	return n.name
}

// Config returns the node's configuration.
func (n *Node) Config() Config {
	return n.config
}

// Topology returns the topology the node's disks and providers live in.
func (n *Node) Topology() *blockio.Topology {
	return n.topo
}

// Metadata returns the node's metadata strategy, if any.
func (n *Node) Metadata() Metadata {
	return n.md
}

// Done is closed once the node has been torn down.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// String returns the name of the node, for logging.
func (n *Node) String() string {
	return n.name
}

//
// Worker
//

func (n *Node) worker() {
	for {
		if e := n.q.popEvent(); e != nil {
			metricEventWait.WithLabelValues(n.name).Observe(time.Since(e.enqueueTime).Seconds())
			n.dispatch(e)
		} else if it, ok := n.q.popIO(); ok {
			n.runIO(it)
		} else {
			n.q.wait(n.config.PollInterval)
			n.idle(time.Now())
		}
		if n.reap() {
			return
		}
	}
}

// dispatch runs one event to completion.
func (n *Node) dispatch(e *event) {
	metricEvents.WithLabelValues(n.name, e.code.String()).Inc()
	if e.code != eventControl {
		log.V(2).Infof("%s: dispatching %s", n.name, e)
		n.evlog.Printf("%s", e)
	}

	var err error
	switch e.code {
	case eventControl:
		err = e.fn()
	case EventNodeWake:
	default:
		switch t := e.target.(type) {
		case *Volume:
			err = n.volumeEvent(t, e.code)
		case *Disk:
			err = n.diskEvent(t, e.code)
		case *Subdisk:
			err = n.subdiskEvent(t, e.code)
		default:
			err = core.ErrInvalidArgument.Error()
		}
	}
	if err != nil {
		n.evlog.Errorf("%s: %s", e, err)
		if e.done == nil {
			log.Errorf("%s: %s failed: %s", n.name, e, err)
		}
	}
	e.finish(err)
}

func (n *Node) volumeEvent(v *Volume, code EventCode) error {
	if v.freed {
		return core.ErrStale.Error()
	}
	switch code {
	case EventVolumeStart:
		return v.start()
	case EventVolumeUp:
		return v.launchProvider()
	case EventVolumeDown:
		v.cancelTimer()
		v.withdrawProvider()
		return nil
	}
	return core.ErrInvalidArgument.Error()
}

func (n *Node) diskEvent(d *Disk, code EventCode) error {
	if d.destroyed {
		return core.ErrStale.Error()
	}
	if n.md != nil {
		return n.md.Event(d, code)
	}
	if code == EventDiskDisconnected {
		n.DestroyDisk(d)
		return nil
	}
	return core.ErrNotSupported.Error()
}

func (n *Node) subdiskEvent(sd *Subdisk, code EventCode) error {
	v := sd.vol
	if v.freed {
		return core.ErrStale.Error()
	}
	if v.tr == nil {
		// Nothing to tell yet; Start looks at subdisk states.
		return nil
	}
	return v.tr.Event(sd, code)
}

// idle runs background work for quiet volumes, at most once per PollInterval.
func (n *Node) idle(now time.Time) {
	if now.Sub(n.lastIdle) < n.config.PollInterval {
		return
	}
	n.lastIdle = now

	events, io := n.q.lengths()
	metricQueueLength.WithLabelValues(n.name, "event").Observe(float64(events))
	metricQueueLength.WithLabelValues(n.name, "io").Observe(float64(io))

	for _, v := range n.volumes {
		if v.stopping || v.tr == nil {
			continue
		}
		if v.dirty && len(v.inflight) == 0 && now.Sub(v.lastWrite) >= n.config.CleanDelay {
			v.markDirty(false)
		}
		if len(v.inflight) > 0 || now.Sub(v.lastIO) < n.config.IdleThreshold {
			continue
		}
		if idler, ok := v.tr.(Idler); ok {
			idler.Idle(v)
		}
	}
}

// reap retries whatever waits for I/O or closes to drain: volume destruction
// and node teardown. Returns true if the node is gone and the worker must
// exit.
func (n *Node) reap() bool {
	if n.stopping == DestroyDelayed && n.opens() == 0 {
		log.Infof("%s: last close, destroying", n.name)
		n.stopping = DestroyHard
	}

	force := n.stopping == DestroyHard
	nodeStopping := n.stopping == DestroySoft || force
	for _, v := range append([]*Volume(nil), n.volumes...) {
		if v.stopping || nodeStopping {
			n.destroyVolume(v, force)
		}
	}
	if !nodeStopping || len(n.volumes) > 0 {
		return false
	}

	n.teardown()
	return true
}

// opens returns the sum of all volumes' open counts.
func (n *Node) opens() int {
	total := 0
	for _, v := range n.volumes {
		total += v.opens
	}
	return total
}

// teardown releases everything and makes the node unreachable. Runs on the
// worker, which exits afterwards.
func (n *Node) teardown() {
	for len(n.disks) > 0 {
		n.DestroyDisk(n.disks[0])
	}
	if n.md != nil {
		n.md.Free(n)
	}

	nodeTable.lock.Lock()
	if nodeTable.nodes[n.name] == n {
		delete(nodeTable.nodes, n.name)
	}
	nodeTable.lock.Unlock()

	events, io := n.q.close()
	for _, e := range events {
		e.finish(core.ErrNoSuchEntity.Error())
	}
	for _, it := range io {
		if !it.done {
			it.bp.Deliver(core.ErrIO.Error())
		}
	}
	close(n.done)
	n.evlog.Printf("destroyed")
	n.evlog.Finish()
	log.Infof("node %s destroyed", n.name)
}

// MarkStopping starts destroying the node from the worker. It is the
// worker-context counterpart of Destroy, for metadata strategies that decide
// the node should go, e.g. when its last disk disappeared.
func (n *Node) MarkStopping(mode DestroyMode) error {
	switch mode {
	case DestroySoft:
		if n.opens() > 0 {
			return core.ErrBusy.Error()
		}
		if n.stopping != DestroyHard {
			n.stopping = DestroySoft
		}
	case DestroyDelayed:
		if n.stopping == 0 {
			n.stopping = DestroyDelayed
		}
	case DestroyHard:
		n.stopping = DestroyHard
	default:
		return core.ErrInvalidArgument.Error()
	}
	log.Infof("%s: stopping (%s)", n.name, n.stopping)
	n.evlog.Printf("stopping (%s)", n.stopping)
	return nil
}

// Stopping returns the mode the node is being destroyed with, or zero.
// Worker context.
func (n *Node) Stopping() DestroyMode {
	return n.stopping
}
