// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockio

import (
	"errors"
	"sort"
	"sync"
	"time"

	log "github.com/golang/glog"
)

var (
	// ErrExists is returned when creating a provider or attaching a device
	// whose name is already taken.
	ErrExists = errors.New("name already in topology")

	// ErrNotAttached is returned when detaching or orphaning something the
	// topology doesn't know about.
	ErrNotAttached = errors.New("not attached")

	// ErrUnsupported is returned by consumers for commands a device can't do.
	ErrUnsupported = errors.New("command not supported by device")

	// ErrBadAccess is returned when access counts would go negative.
	ErrBadAccess = errors.New("access count underflow")
)

// Topology tracks providers (devices we export) and consumers (attachments to
// devices we use). Its lock is the global topology lock: it is held while a
// consumer is attached or detached and while a provider is created or
// destroyed, and never across I/O.
type Topology struct {
	lock      sync.Mutex
	providers map[string]*Provider
	consumers map[string]*Consumer
}

// NewTopology returns an empty topology.
func NewTopology() *Topology {
	return &Topology{
		providers: make(map[string]*Provider),
		consumers: make(map[string]*Consumer),
	}
}

// Default is the process-wide topology.
var Default = NewTopology()

//------ Providers ------//

// ProviderHandler services requests for a provider.
type ProviderHandler interface {
	// Start is called for every request submitted to the provider. The
	// handler owns the request from then on and must eventually Deliver it.
	Start(bp *Bio)

	// Access is called with access count deltas when the provider is opened
	// or closed. A non-nil error refuses the change.
	Access(dr, dw, de int) error
}

// Provider is a device exported through the topology.
type Provider struct {
	topo   *Topology
	name   string
	size   int64
	sector int64
	h      ProviderHandler

	lock      sync.Mutex
	err       error
	destroyed bool
	acr       int
	acw       int
	ace       int
}

// CreateProvider registers a new provider named 'name'.
func (t *Topology) CreateProvider(name string, size, sector int64, h ProviderHandler) (*Provider, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.providers[name]; ok {
		return nil, ErrExists
	}
	p := &Provider{topo: t, name: name, size: size, sector: sector, h: h}
	t.providers[name] = p
	log.Infof("provider %s created, %d bytes", name, size)
	return p, nil
}

// DestroyProvider withdraws 'p'. Requests submitted afterwards fail with
// ErrDeviceGone. Closes are still forwarded to the handler.
func (t *Topology) DestroyProvider(p *Provider) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.providers[p.name] != p {
		return ErrNotAttached
	}
	delete(t.providers, p.name)
	p.lock.Lock()
	p.destroyed = true
	p.lock.Unlock()
	log.Infof("provider %s destroyed", p.name)
	return nil
}

// Provider returns the live provider named 'name', or nil.
func (t *Topology) Provider(name string) *Provider {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.providers[name]
}

// Providers returns the names of all live providers, sorted.
func (t *Topology) Providers() []string {
	t.lock.Lock()
	names := make([]string, 0, len(t.providers))
	for name := range t.providers {
		names = append(names, name)
	}
	t.lock.Unlock()
	sort.Strings(names)
	return names
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return p.name
}

// Size returns the provider's media size.
func (p *Provider) Size() int64 {
	return p.size
}

// SectorSize returns the provider's sector size.
func (p *Provider) SectorSize() int64 {
	return p.sector
}

// SetError makes all further requests fail with 'err'.
func (p *Provider) SetError(err error) {
	p.lock.Lock()
	p.err = err
	p.lock.Unlock()
}

// Error returns the error set by SetError, or ErrDeviceGone once destroyed.
func (p *Provider) Error() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.destroyed {
		return ErrDeviceGone
	}
	return p.err
}

// Start submits 'bp' to the provider. Requests not within the provider fail
// with ErrOutOfRange.
func (p *Provider) Start(bp *Bio) {
	if err := p.Error(); err != nil {
		bp.Deliver(err)
		return
	}
	if bp.Offset < 0 || bp.Length < 0 || bp.End() > p.size {
		bp.Deliver(ErrOutOfRange)
		return
	}
	if bp.Start.IsZero() {
		bp.Start = time.Now()
	}
	p.h.Start(bp)
}

// Access changes the provider's open counts. Opening a destroyed provider
// fails with ErrDeviceGone.
func (p *Provider) Access(dr, dw, de int) error {
	p.lock.Lock()
	if p.destroyed && (dr > 0 || dw > 0 || de > 0) {
		p.lock.Unlock()
		return ErrDeviceGone
	}
	if p.acr+dr < 0 || p.acw+dw < 0 || p.ace+de < 0 {
		p.lock.Unlock()
		return ErrBadAccess
	}
	p.lock.Unlock()

	if err := p.h.Access(dr, dw, de); err != nil {
		return err
	}

	p.lock.Lock()
	p.acr += dr
	p.acw += dw
	p.ace += de
	p.lock.Unlock()
	return nil
}

// Open is Access(1, 1, 0).
func (p *Provider) Open() error {
	return p.Access(1, 1, 0)
}

// Close is Access(-1, -1, 0).
func (p *Provider) Close() error {
	return p.Access(-1, -1, 0)
}

// Opens returns the current access counts.
func (p *Provider) Opens() (r, w, e int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.acr, p.acw, p.ace
}

// Do submits a request for 'cmd' and waits for it to complete.
func (p *Provider) Do(cmd Cmd, off int64, data []byte) error {
	done := make(chan error, 1)
	bp := NewBio(cmd, off, data)
	bp.Done = func(b *Bio) { done <- b.Err }
	p.Start(bp)
	return <-done
}

//------ Consumers ------//

// Consumer is an attachment to a backing Device.
type Consumer struct {
	topo   *Topology
	dev    Device
	orphan func(*Consumer)

	lock     sync.Mutex
	detached bool
	orphaned bool
	acr      int
	acw      int
	ace      int
}

// Attach attaches a consumer to 'dev'. 'orphan' is called, on its own
// goroutine and at most once, if the device goes away while attached.
func (t *Topology) Attach(dev Device, orphan func(*Consumer)) (*Consumer, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.consumers[dev.Name()]; ok {
		return nil, ErrExists
	}
	c := &Consumer{topo: t, dev: dev, orphan: orphan}
	t.consumers[dev.Name()] = c
	log.V(1).Infof("consumer attached to %s", dev.Name())
	return c, nil
}

// Detach detaches 'c'. Its access counts are dropped and further requests
// fail with ErrDeviceGone.
func (t *Topology) Detach(c *Consumer) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.consumers[c.dev.Name()] != c {
		return ErrNotAttached
	}
	delete(t.consumers, c.dev.Name())
	c.lock.Lock()
	c.detached = true
	c.acr, c.acw, c.ace = 0, 0, 0
	c.lock.Unlock()
	log.V(1).Infof("consumer detached from %s", c.dev.Name())
	return nil
}

// Orphan reports that 'dev' went away. The consumer attached to it, if any,
// gets its orphan callback.
func (t *Topology) Orphan(dev Device) error {
	t.lock.Lock()
	c, ok := t.consumers[dev.Name()]
	t.lock.Unlock()
	if !ok {
		return ErrNotAttached
	}

	c.lock.Lock()
	first := !c.orphaned
	c.orphaned = true
	c.lock.Unlock()

	if first && c.orphan != nil {
		log.Infof("device %s orphaned", dev.Name())
		go c.orphan(c)
	}
	return nil
}

// Consumers returns the names of all attached devices, sorted.
func (t *Topology) Consumers() []string {
	t.lock.Lock()
	names := make([]string, 0, len(t.consumers))
	for name := range t.consumers {
		names = append(names, name)
	}
	t.lock.Unlock()
	sort.Strings(names)
	return names
}

// Device returns the device 'c' is attached to.
func (c *Consumer) Device() Device {
	return c.dev
}

// Name returns the name of the attached device.
func (c *Consumer) Name() string {
	return c.dev.Name()
}

// Access changes the consumer's open counts.
func (c *Consumer) Access(dr, dw, de int) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.detached && (dr > 0 || dw > 0 || de > 0) {
		return ErrDeviceGone
	}
	if c.acr+dr < 0 || c.acw+dw < 0 || c.ace+de < 0 {
		return ErrBadAccess
	}
	c.acr += dr
	c.acw += dw
	c.ace += de
	return nil
}

// Opens returns the current access counts.
func (c *Consumer) Opens() (r, w, e int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.acr, c.acw, c.ace
}

// Submit runs 'bp' against the device asynchronously. bp.Done is called on
// a goroutine other than the caller's.
func (c *Consumer) Submit(bp *Bio) {
	c.lock.Lock()
	gone := c.detached
	c.lock.Unlock()
	if gone {
		go bp.Deliver(ErrDeviceGone)
		return
	}
	go func() {
		bp.Deliver(c.execute(bp))
	}()
}

func (c *Consumer) execute(bp *Bio) error {
	var err error
	switch bp.Cmd {
	case CmdRead:
		_, err = c.dev.ReadAt(bp.Data[:bp.Length], bp.Offset)
	case CmdWrite:
		_, err = c.dev.WriteAt(bp.Data[:bp.Length], bp.Offset)
	case CmdDelete:
		if tr, ok := c.dev.(Trimmer); ok {
			err = tr.Trim(bp.Offset, bp.Length)
		} else {
			_, err = c.dev.WriteAt(make([]byte, bp.Length), bp.Offset)
		}
	case CmdFlush:
		err = c.dev.Flush()
	default:
		err = ErrUnsupported
	}
	if err != nil {
		log.V(1).Infof("%s: %s failed: %s", c.dev.Name(), bp, err)
	}
	return err
}
