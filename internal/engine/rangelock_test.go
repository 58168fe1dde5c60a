// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/softraid/internal/core"
	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
	"github.com/westerndigitalcorporation/softraid/pkg/testutil"
)

func waitResult(t *testing.T, what string, c <-chan error) error {
	t.Helper()
	select {
	case err := <-c:
		return err
	case <-time.After(testutil.WaitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	return nil
}

// W1=[0,100) and W2=[50,150) are in flight when a synchronizer locks [0,200).
// The lock is pending on both and acquired once they complete. W3=[10,20)
// arrives while locked, is parked, and runs exactly once after unlock.
func TestRangeLockScenario(t *testing.T) {
	n, topo := newTestNode(t, nil)
	v, devs := newTestVolume(t, n, "v", 2)
	startVolume(t, n, v)
	p := topo.Provider("raid/v")
	require.NotNil(t, p)

	onWorker(t, n, func() error {
		transformOf(v).hold = true
		return nil
	})
	w1 := submit(p, blockio.CmdWrite, 0, make([]byte, 100))
	w2 := submit(p, blockio.CmdWrite, 50, make([]byte, 100))
	testutil.WaitFor(t, "two writes in flight", func() bool {
		var inflight int
		n.Do(func() error { inflight = v.Inflight(); return nil })
		return inflight == 2
	})

	var pending int
	var lockErr error
	onWorker(t, n, func() error {
		pending, lockErr = v.LockRange(0, 200, nil, "resync")
		return nil
	})
	assert.Equal(t, 2, pending)
	assert.True(t, core.ErrBusy.Is(lockErr))

	onWorker(t, n, func() error {
		tr := transformOf(v)
		assert.Empty(t, tr.locked)
		tr.hold = false
		tr.release(v)
		assert.Equal(t, []interface{}{"resync"}, tr.locked)
		return nil
	})
	assert.NoError(t, waitResult(t, "W1", w1))
	assert.NoError(t, waitResult(t, "W2", w2))

	w3data := []byte("0123456789")
	w3 := submit(p, blockio.CmdWrite, 10, w3data)
	testutil.WaitFor(t, "W3 parked", func() bool {
		var parked int
		n.Do(func() error { parked = v.Parked(); return nil })
		return parked == 1
	})
	select {
	case <-w3:
		t.Fatal("W3 completed while the range was locked")
	default:
	}
	_, writes := devs[0].Counts()
	assert.Equal(t, 0, writes)

	// Synchronizer requests bypass the lock.
	syncDone := make(chan error, 1)
	sbp := blockio.NewBio(blockio.CmdRead, 0, make([]byte, 100))
	sbp.Flags = blockio.FlagSync
	sbp.Done = func(b *blockio.Bio) { syncDone <- b.Err }
	p.Start(sbp)
	assert.NoError(t, waitResult(t, "sync read", syncDone))

	onWorker(t, n, func() error { return v.UnlockRange(0, 200) })
	assert.NoError(t, waitResult(t, "W3", w3))
	assert.Equal(t, w3data, devs[0].Bytes(4096+10, 10))
	onWorker(t, n, func() error {
		tr := transformOf(v)
		assert.Len(t, tr.starts, 4)
		for bp, count := range tr.starts {
			assert.Equal(t, 1, count, "%s started %d times", bp, count)
		}
		assert.Equal(t, 0, v.Locks())
		assert.Equal(t, 0, v.Parked())
		assert.True(t, core.ErrNoSuchEntity.Is(v.UnlockRange(0, 200)))
		return nil
	})
}

func TestRangeLockIgnoreAndFree(t *testing.T) {
	n, topo := newTestNode(t, nil)
	v, _ := newTestVolume(t, n, "v", 1)
	startVolume(t, n, v)
	p := topo.Provider("raid/v")

	onWorker(t, n, func() error {
		transformOf(v).hold = true
		return nil
	})
	w1 := submit(p, blockio.CmdWrite, 0, make([]byte, 100))
	r1 := submit(p, blockio.CmdRead, 0, make([]byte, 100))
	assert.NoError(t, waitResult(t, "read", r1))

	onWorker(t, n, func() error {
		var w *blockio.Bio
		for bp := range v.inflight {
			w = bp
		}
		// The ignored write doesn't count; reads never do.
		pending, err := v.LockRange(0, 1000, w, 1)
		assert.Equal(t, 0, pending)
		assert.NoError(t, err)
		_, err = v.LockRange(0, 0, nil, 2)
		assert.True(t, core.ErrInvalidArgument.Is(err))

		// A lock with nothing to wait for never calls back.
		transformOf(v).release(v)
		assert.Empty(t, transformOf(v).locked)
		return nil
	})
	assert.NoError(t, waitResult(t, "W1", w1))

	// Taking the volume down fails parked requests.
	r2 := submit(p, blockio.CmdRead, 10, make([]byte, 10))
	testutil.WaitFor(t, "read parked", func() bool {
		var parked int
		n.Do(func() error { parked = v.Parked(); return nil })
		return parked == 1
	})
	onWorker(t, n, func() error { v.ChangeState(VolumeBroken); return nil })
	assert.True(t, core.ErrIO.Is(waitResult(t, "parked read", r2)))
	assert.Nil(t, topo.Provider("raid/v"))
}
