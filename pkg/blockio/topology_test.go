// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockio

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler completes reads and writes against an in-memory device inline.
type echoHandler struct {
	lock   sync.Mutex
	dev    *MemDevice
	access int
	refuse error
}

func (h *echoHandler) Start(bp *Bio) {
	var err error
	switch bp.Cmd {
	case CmdRead:
		_, err = h.dev.ReadAt(bp.Data, bp.Offset)
	case CmdWrite:
		_, err = h.dev.WriteAt(bp.Data, bp.Offset)
	default:
		err = ErrUnsupported
	}
	bp.Deliver(err)
}

func (h *echoHandler) Access(dr, dw, de int) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.refuse != nil {
		return h.refuse
	}
	h.access += dr + dw + de
	return nil
}

func TestProviderLifecycle(t *testing.T) {
	topo := NewTopology()
	h := &echoHandler{dev: NewMemDevice("backing", 1024)}
	p, err := topo.CreateProvider("raid/v0", 1024, 512, h)
	require.NoError(t, err)

	_, err = topo.CreateProvider("raid/v0", 1024, 512, h)
	assert.Equal(t, ErrExists, err)
	assert.Equal(t, []string{"raid/v0"}, topo.Providers())
	assert.Equal(t, p, topo.Provider("raid/v0"))

	require.NoError(t, p.Open())
	require.NoError(t, p.Do(CmdWrite, 0, []byte("abc")))
	buf := make([]byte, 3)
	require.NoError(t, p.Do(CmdRead, 0, buf))
	assert.Equal(t, "abc", string(buf))
	assert.Equal(t, ErrUnsupported, p.Do(CmdGetAttr, 0, nil))
	assert.Equal(t, ErrOutOfRange, p.Do(CmdWrite, -512, []byte("abc")))
	assert.Equal(t, ErrOutOfRange, p.Do(CmdWrite, 1022, []byte("abc")))
	assert.Equal(t, ErrOutOfRange, p.Do(CmdRead, 1024, buf))
	assert.Equal(t, make([]byte, 3), h.dev.Bytes(1021, 3))

	h.refuse = errors.New("no")
	assert.Equal(t, h.refuse, p.Close())
	h.refuse = nil

	boom := errors.New("volume down")
	p.SetError(boom)
	assert.Equal(t, boom, p.Do(CmdRead, 0, buf))

	require.NoError(t, topo.DestroyProvider(p))
	assert.Equal(t, ErrNotAttached, topo.DestroyProvider(p))
	assert.Nil(t, topo.Provider("raid/v0"))
	assert.Equal(t, ErrDeviceGone, p.Do(CmdRead, 0, buf))
	assert.Equal(t, ErrDeviceGone, p.Open())

	// Closing a withdrawn provider still reaches the handler.
	require.NoError(t, p.Close())
	r, w, _ := p.Opens()
	assert.Equal(t, 0, r)
	assert.Equal(t, 0, w)
	assert.Equal(t, 0, h.access)
	assert.Equal(t, ErrBadAccess, p.Close())
}

func TestConsumerIO(t *testing.T) {
	topo := NewTopology()
	dev := NewMemDevice("sda", 4096)
	c, err := topo.Attach(dev, nil)
	require.NoError(t, err)
	_, err = topo.Attach(dev, nil)
	assert.Equal(t, ErrExists, err)
	require.NoError(t, c.Access(1, 1, 1))

	done := make(chan error, 1)
	bp := NewBio(CmdWrite, 512, []byte("xyz"))
	bp.Done = func(b *Bio) { done <- b.Err }
	c.Submit(bp)
	require.NoError(t, <-done)
	assert.Equal(t, "xyz", string(dev.Bytes(512, 3)))

	bp = NewBio(CmdDelete, 512, nil)
	bp.Length = 3
	bp.Done = func(b *Bio) { done <- b.Err }
	c.Submit(bp)
	require.NoError(t, <-done)
	assert.Equal(t, make([]byte, 3), dev.Bytes(512, 3))

	require.NoError(t, topo.Detach(c))
	assert.Equal(t, ErrNotAttached, topo.Detach(c))
	r, w, e := c.Opens()
	assert.Equal(t, [3]int{0, 0, 0}, [3]int{r, w, e})
	assert.Equal(t, ErrDeviceGone, c.Access(1, 0, 0))

	bp = NewBio(CmdRead, 0, make([]byte, 4))
	bp.Done = func(b *Bio) { done <- b.Err }
	c.Submit(bp)
	assert.Equal(t, ErrDeviceGone, <-done)
}

func TestOrphanOnce(t *testing.T) {
	topo := NewTopology()
	dev := NewMemDevice("sdb", 4096)
	orphaned := make(chan *Consumer, 2)
	c, err := topo.Attach(dev, func(c *Consumer) { orphaned <- c })
	require.NoError(t, err)

	dev.Remove()
	require.NoError(t, topo.Orphan(dev))
	require.NoError(t, topo.Orphan(dev))
	assert.Equal(t, c, <-orphaned)
	select {
	case <-orphaned:
		t.Fatal("orphan callback ran twice")
	default:
	}

	require.NoError(t, topo.Detach(c))
	assert.Equal(t, ErrNotAttached, topo.Orphan(dev))
	assert.Empty(t, topo.Consumers())
}
