// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/softraid/internal/core"
	"github.com/westerndigitalcorporation/softraid/internal/engine"
	"github.com/westerndigitalcorporation/softraid/internal/metadata/catalog"
	"github.com/westerndigitalcorporation/softraid/internal/transform/raid1"
	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
	"github.com/westerndigitalcorporation/softraid/pkg/testutil"
)

type testCli struct {
	t   *testing.T
	b   *raidCli
	out *bytes.Buffer
	dir string
	db  string
}

func newTestCli(t *testing.T) *testCli {
	dir, err := os.MkdirTemp(testutil.TempDir(), "raidctl")
	require.NoError(t, err)

	b := newRaidCli()
	b.topo = blockio.NewTopology()
	cfg := engine.DefaultTestConfig
	b.cfg = &cfg
	out := &bytes.Buffer{}
	b.out = out
	t.Cleanup(b.stop)
	return &testCli{t: t, b: b, out: out, dir: dir, db: filepath.Join(dir, "catalog.db")}
}

// run runs one command and returns what it printed.
func (tc *testCli) run(args ...string) (string, error) {
	tc.out.Reset()
	err := tc.b.run(append([]string{"raidctl", "--catalog", tc.db}, args...))
	return tc.out.String(), err
}

func (tc *testCli) mustRun(args ...string) string {
	out, err := tc.run(args...)
	require.NoError(tc.t, err, "%v", args)
	return out
}

func (tc *testCli) path(name string) string {
	return filepath.Join(tc.dir, name)
}

// waitStatus waits until the dump of 'node' contains 'want'.
func (tc *testCli) waitStatus(node, want string) {
	testutil.WaitFor(tc.t, want, func() bool {
		out, err := tc.run("status", "--node", node)
		return err == nil && strings.Contains(out, want)
	})
}

func TestParseVolume(t *testing.T) {
	vs, err := parseVolume("data:RAID1")
	require.NoError(t, err)
	assert.Equal(t, catalog.VolumeSpec{Name: "data", Level: "RAID1"}, vs)

	vs, err = parseVolume("boot:RAID1:0x100000")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), vs.Size)

	for _, bad := range []string{"data", "a:b:c:d", "a:b:-1", "a:b:big"} {
		_, err = parseVolume(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseMode(t *testing.T) {
	m, err := parseMode("Delayed")
	require.NoError(t, err)
	assert.Equal(t, engine.DestroyDelayed, m)
	_, err = parseMode("gentle")
	assert.Error(t, err)
}

func TestConfigFile(t *testing.T) {
	tc := newTestCli(t)
	tc.b.cfg = nil
	path := tc.path("config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"StartTimeout": 2000000000}`), 0644))

	tc.mustRun("--config", path, "--clean-delay", "7s", "list")
	require.NotNil(t, tc.b.cfg)
	assert.Equal(t, 2*time.Second, tc.b.cfg.StartTimeout)
	assert.Equal(t, 7*time.Second, tc.b.cfg.CleanDelay)
	assert.Equal(t, engine.DefaultProdConfig.PollInterval, tc.b.cfg.PollInterval)

	tc.b.cfg = nil
	_, err := tc.run("--poll-interval", "-1s", "list")
	assert.Error(t, err)
}

// Walks an array through its life: define, assemble, I/O, a lost member,
// and teardown.
func TestArrayLifecycle(t *testing.T) {
	tc := newTestCli(t)
	node := "lifecycle"
	d0, d1 := tc.path("d0"), tc.path("d1")

	id := strings.TrimSpace(tc.mustRun("define", "-n", node, "-m", d0, "-m", d1, "-v", "vol:RAID1"))
	assert.NotEmpty(t, id)
	out := tc.mustRun("list")
	assert.Contains(t, out, node)
	assert.Contains(t, out, "volume vol: RAID1")

	tc.mustRun("attach", "-f", d0, "--size", "1048576")
	tc.mustRun("taste", "-f", d1, "--size", "1048576")
	_, err := tc.run("attach", "-f", d1)
	assert.Error(t, err)
	tc.waitStatus(node, "volume vol: OPTIMAL [RAID1]")
	require.NotNil(t, tc.b.topo.Provider(engine.ProviderPrefix+"vol"))

	tc.mustRun("write", "-v", "vol", "-o", "4096", "-d", "hello mirror")
	assert.Equal(t, "hello mirror", tc.mustRun("read", "-v", "vol", "-o", "4096", "-l", "12"))
	for _, p := range []string{d0, d1} {
		b, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, "hello mirror", string(b[catalog.DataOffset+4096:catalog.DataOffset+4096+12]))
	}

	tc.mustRun("detach", "-f", d1)
	tc.waitStatus(node, "volume vol: DEGRADED")
	testutil.WaitFor(t, "stale member", func() bool {
		out, err := tc.run("list")
		return err == nil && strings.Contains(out, "stale=true")
	})
	assert.Equal(t, "hello mirror", tc.mustRun("read", "-v", "vol", "-o", "4096", "-l", "12"))

	_, err = tc.run("remove", "--id", id)
	assert.Error(t, err)
	tc.mustRun("destroy", "-n", node, "--mode", "hard")
	assert.Nil(t, engine.LookupNode(node))
	_, err = tc.run("read", "-v", "vol")
	assert.Error(t, err)
	tc.mustRun("remove", "--id", id)
	assert.Empty(t, tc.mustRun("list"))
}

func TestAttachStranger(t *testing.T) {
	tc := newTestCli(t)
	_, err := tc.run("attach", "-f", tc.path("nobody"), "--size", "65536")
	assert.Error(t, err)
	assert.Empty(t, tc.b.devs)
	assert.Empty(t, tc.b.topo.Consumers())
}

func TestSetupCommands(t *testing.T) {
	tc := newTestCli(t)
	tc.mustRun("--setup", "create -n setup-node --format=", "status")
	n := engine.LookupNode("setup-node")
	require.NotNil(t, n)
	assert.Nil(t, n.Metadata())
	assert.Contains(t, tc.mustRun("status"), "node setup-node")

	_, err := tc.run("destroy", "-n", "setup-node", "--mode", "bogus")
	assert.Error(t, err)
	tc.mustRun("destroy", "-n", "setup-node")
	assert.Nil(t, engine.LookupNode("setup-node"))
}

// assemble defines and attaches a two-member mirror and waits for it.
func (tc *testCli) assemble(node, vol string) (d0, d1 string) {
	d0, d1 = tc.path(node+"-d0"), tc.path(node+"-d1")
	tc.mustRun("define", "-n", node, "-m", d0, "-m", d1, "-v", vol+":RAID1")
	tc.mustRun("attach", "-f", d0, "--size", "1048576")
	tc.mustRun("attach", "-f", d1, "--size", "1048576")
	tc.waitStatus(node, "volume "+vol+": OPTIMAL")
	return d0, d1
}

func TestInjectFailures(t *testing.T) {
	tc := newTestCli(t)
	node := "inject"
	_, d1 := tc.assemble(node, "ivol")

	_, err := tc.run("inject", "--set", `{"device_errors": {"/no/such/dev": "read"}}`)
	assert.Error(t, err)
	_, err = tc.run("inject", "--set", `{"device_errors": {"`+d1+`": "sometimes"}}`)
	assert.Error(t, err)
	_, err = tc.run("inject", "--set", `{"disk_full": true}`)
	assert.Error(t, err)

	tc.mustRun("inject", "--set", `{"device_errors": {"`+d1+`": "write"}}`)
	// The copy on the healthy member is enough.
	tc.mustRun("write", "-v", "ivol", "-d", "one copy")
	tc.waitStatus(node, "volume ivol: DEGRADED")
	assert.Equal(t, "one copy", tc.mustRun("read", "-v", "ivol", "-l", "8"))

	tc.mustRun("inject")
	r, w := tc.b.devs[d1].Errors()
	assert.NoError(t, r)
	assert.NoError(t, w)
}

func TestThrottle(t *testing.T) {
	tc := newTestCli(t)
	node := "throttle"
	tc.assemble(node, "tvol")

	tc.mustRun("throttle", "-n", node, "-v", "tvol", "--rate", "1048576")
	n := engine.LookupNode(node)
	require.NotNil(t, n)
	require.NoError(t, n.Do(func() error {
		assert.Equal(t, int64(1<<20), n.Volume("tvol").Transform().(*raid1.Mirror).RebuildRate())
		return nil
	}))

	_, err := tc.run("throttle", "-n", node, "-v", "nope", "--rate", "1")
	assert.Error(t, err)
	_, err = tc.run("throttle", "-n", node, "-v", "tvol", "--rate", "-1")
	assert.Error(t, err)
}

// Destroying an open node is retried while asked to.
func TestDestroyWait(t *testing.T) {
	tc := newTestCli(t)
	node := "busy"
	tc.assemble(node, "bvol")
	p := tc.b.topo.Provider(engine.ProviderPrefix + "bvol")
	require.NotNil(t, p)
	require.NoError(t, p.Open())

	_, err := tc.run("destroy", "-n", node)
	assert.True(t, core.ErrBusy.Is(err))
	_, err = tc.run("destroy", "-n", node, "--wait", "50ms")
	assert.True(t, core.ErrBusy.Is(err))
	require.NotNil(t, engine.LookupNode(node))

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Close()
	}()
	tc.mustRun("destroy", "-n", node, "--wait", "5s")
	assert.Nil(t, engine.LookupNode(node))
}
