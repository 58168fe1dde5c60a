// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package statusz

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/softraid/internal/engine"
	"github.com/westerndigitalcorporation/softraid/internal/transform/raid1"
	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
	"github.com/westerndigitalcorporation/softraid/pkg/failures"
)

// newMirrorNode creates a node with a started two-disk RAID1 volume "m".
func newMirrorNode(t *testing.T) *engine.Node {
	cfg := engine.DefaultTestConfig
	n, err := engine.NewNode(strings.Replace(t.Name(), "/", "-", -1), nil,
		&engine.Options{Config: &cfg, Topology: blockio.NewTopology()})
	require.NoError(t, err)
	t.Cleanup(func() { n.Destroy(engine.DestroyHard) })

	v, err := n.CreateVolume("m", raid1.Level, 2)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		d, err := n.CreateDisk(blockio.NewMemDevice(n.Name()+"-d"+string(rune('0'+i)), 1<<20))
		require.NoError(t, err)
		require.NoError(t, n.BindSubdisk(v, i, d, 0, 0))
	}
	require.NoError(t, n.StartVolume(v))
	require.NoError(t, n.Do(func() error { return nil }))
	return n
}

func get(t *testing.T, srv *httptest.Server, path, accept string) (int, string, string) {
	req, err := http.NewRequest("GET", srv.URL+path, nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, resp.Header.Get("Content-Type"), string(body)
}

func TestStatusPage(t *testing.T) {
	n := newMirrorNode(t)
	srv := httptest.NewServer(New("raidctl"))
	defer srv.Close()

	code, ctype, body := get(t, srv, "/", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "text/html", ctype)
	assert.Contains(t, body, "Node "+n.Name())
	assert.Contains(t, body, "OPTIMAL")
	assert.Contains(t, body, raid1.Level)

	code, ctype, body = get(t, srv, "/", "application/json")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "application/json", ctype)
	var sd StatusData
	require.NoError(t, json.Unmarshal([]byte(body), &sd))
	assert.Equal(t, "raidctl", sd.JobName)
	assert.Contains(t, sd.Transforms, raid1.Level)
	var found bool
	for _, ns := range sd.Nodes {
		if ns.Name == n.Name() {
			found = true
			require.Len(t, ns.Volumes, 1)
			assert.Equal(t, "OPTIMAL", ns.Volumes[0].State)
			assert.Len(t, ns.Disks, 2)
		}
	}
	assert.True(t, found)
}

func TestNodeEndpoints(t *testing.T) {
	n := newMirrorNode(t)
	srv := httptest.NewServer(New("raidctl"))
	defer srv.Close()

	code, _, body := get(t, srv, "/nodes/"+n.Name(), "")
	require.Equal(t, http.StatusOK, code)
	var st engine.NodeStatus
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, n.Name(), st.Name)
	require.Len(t, st.Volumes, 1)
	assert.Equal(t, engine.ProviderPrefix+"m", st.Volumes[0].Provider)
	assert.Len(t, st.Volumes[0].Subdisks, 2)

	code, ctype, body := get(t, srv, "/nodes/"+n.Name()+"/dump", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "text/plain", ctype)
	assert.Contains(t, body, "volume m: OPTIMAL [RAID1]")

	code, _, body = get(t, srv, "/nodes", "")
	assert.Equal(t, http.StatusOK, code)
	var all []engine.NodeStatus
	require.NoError(t, json.Unmarshal([]byte(body), &all))
	assert.NotEmpty(t, all)

	code, _, _ = get(t, srv, "/nodes/nope", "")
	assert.Equal(t, http.StatusNotFound, code)

	require.NoError(t, n.Destroy(engine.DestroyHard))
	code, _, _ = get(t, srv, "/nodes/"+n.Name()+"/dump", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHostAndMetrics(t *testing.T) {
	srv := httptest.NewServer(New("raidctl"))
	defer srv.Close()

	code, _, body := get(t, srv, "/host", "")
	assert.Equal(t, http.StatusOK, code)
	var h HostStatus
	require.NoError(t, json.Unmarshal([]byte(body), &h))
	assert.False(t, h.Reboot.IsZero())

	code, _, _ = get(t, srv, "/metrics", "")
	assert.Equal(t, http.StatusOK, code)

	req, err := http.NewRequest("POST", srv.URL+"/nodes", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandle(t *testing.T) {
	s := New("raidctl")
	reg := failures.New()
	var got json.RawMessage
	require.NoError(t, reg.Register("device_errors", func(v json.RawMessage) error {
		got = v
		return nil
	}))
	s.Handle(failures.DefaultPath, reg)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Post(srv.URL+failures.DefaultPath, "application/json", strings.NewReader(`{"device_errors": {"d0": "read"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"d0": "read"}`, string(got))

	code, _, body := get(t, srv, failures.DefaultPath, "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"device_errors": {"d0": "read"}}`, body)
}

func TestEvents(t *testing.T) {
	newMirrorNode(t)
	srv := httptest.NewServer(New("raidctl"))
	defer srv.Close()

	code, _, body := get(t, srv, "/debug/events", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "engine.Node")
}

func TestByteToMB(t *testing.T) {
	assert.Equal(t, uint64(3), byteToMB(uint64(3<<20)))
	assert.Equal(t, uint64(2), byteToMB(int64(2<<20)))
	assert.Equal(t, uint64(0), byteToMB("x"))
}
