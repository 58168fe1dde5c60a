// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package statusz serves a read-only view of the nodes running in the
// process: an html status page, JSON snapshots, per-node text dumps, recent
// node events and the prometheus metrics.
package statusz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/trace"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/softraid/internal/core"
	"github.com/westerndigitalcorporation/softraid/internal/engine"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>softraid status</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding: 4px 8px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
    table.disks th {
      background-color: #3399FF;
    }
  </style>
</head>

<body>

<h3>{{.JobName}}</h3>

<table>
  <tr>
    <td>Free memory:</td>
    <td>{{byteToMB .Host.FreeMem}} / {{byteToMB .Host.TotalMem}} mb</td>
  </tr>
  <tr>
    <td>Last reboot:</td>
    <td>{{.Host.Reboot}}</td>
  </tr>
  <tr>
    <td>Transforms:</td>
    <td>{{range .Transforms}}{{.}} {{end}}</td>
  </tr>
</table>

{{range .Nodes}}
{{$node := .Name}}
<h2>Node {{.Name}}{{if ne .Stopping "none"}} (stopping: {{.Stopping}}){{end}}</h2>
Queued: {{.Events}} events, {{.IO}} requests
<br><br>
<table class="status">
  <caption>Volumes</caption>
  <tr>
    <th>Name</th>
    <th>State</th>
    <th>Transform</th>
    <th>Provider</th>
    <th>Size</th>
    <th>Opens</th>
    <th>In flight / Outstanding</th>
    <th>Locks / Parked</th>
    <th>Dirty</th>
    <th>Latency p50 / p90 / p99</th>
  </tr>
  {{range .Volumes}}
  <tr>
    <td><a href="/nodes/{{$node}}">{{.Name}}</a></td>
    <td>{{.State}}</td>
    <td>{{.Transform}}</td>
    <td>{{.Provider}}</td>
    <td>{{byteToMB .MediaSize}} MB</td>
    <td>{{.Opens}}</td>
    <td>{{.Inflight}} / {{.Outstanding}}</td>
    <td>{{.Locks}} / {{.Parked}}</td>
    <td>{{.Dirty}}</td>
    <td>{{.P50}} / {{.P90}} / {{.P99}}</td>
  </tr>
  {{end}}
</table>
<br>
<table class="status disks">
  <caption>Disks</caption>
  <tr>
    <th>ID</th>
    <th>Device</th>
    <th>State</th>
    <th>Members</th>
  </tr>
  {{range .Disks}}
  <tr>
    <td>{{.ID}}</td>
    <td>{{.Device}}</td>
    <td>{{.State}}</td>
    <td>{{range .Subdisks}}{{.}} {{end}}</td>
  </tr>
  {{end}}
</table>
<br>
<a href="/nodes/{{.Name}}/dump">dump</a>
{{end}}

<br>
status update time: {{.Now}}
</body>
</html>
`

// HostStatus describes the machine.
type HostStatus struct {
	FreeMem  uint64
	TotalMem uint64
	Reboot   time.Time
}

// StatusData is what the status page shows.
type StatusData struct {
	JobName    string
	Host       HostStatus
	Transforms []string
	Nodes      []engine.NodeStatus
	Now        time.Time
}

// Convert bytes into mbs.
func byteToMB(in interface{}) uint64 {
	switch v := in.(type) {
	case uint64:
		return v / 1024 / 1024
	case int64:
		return uint64(v) / 1024 / 1024
	}
	return 0
}

var (
	// When did we start?
	reboot = time.Now()

	funcMap        = template.FuncMap{"byteToMB": byteToMB}
	statusTemplate = template.Must(template.New("status_html").Funcs(funcMap).Parse(statusTemplateStr))
)

// Server routes the status endpoints.
type Server struct {
	// JobName is shown as the page title.
	JobName string

	router *mux.Router
}

// New returns a status server.
func New(jobName string) *Server {
	s := &Server{JobName: jobName, router: mux.NewRouter()}
	s.router.HandleFunc("/", s.statusHandler).Methods("GET")
	s.router.HandleFunc("/host", s.hostHandler).Methods("GET")
	s.router.HandleFunc("/nodes", s.nodesHandler).Methods("GET")
	s.router.HandleFunc("/nodes/{name}", s.nodeHandler).Methods("GET")
	s.router.HandleFunc("/nodes/{name}/dump", s.dumpHandler).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/debug/events", trace.Events).Methods("GET")
	return s
}

// Handle mounts 'h' on 'path' for all methods, e.g. a failure injection
// service.
func (s *Server) Handle(path string, h http.Handler) {
	s.router.Handle(path, h)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func hostStatus() HostStatus {
	mem := sigar.Mem{}
	if err := mem.Get(); nil != err {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}
	return HostStatus{FreeMem: mem.ActualFree, TotalMem: mem.Total, Reboot: reboot}
}

// nodeStatuses collects the status of all nodes. Nodes that go away while
// we're at it are skipped.
func nodeStatuses() []engine.NodeStatus {
	var out []engine.NodeStatus
	for _, n := range engine.Nodes() {
		st, err := n.Status()
		if err != nil {
			log.V(1).Infof("skipping node %s: %s", n.Name(), err)
			continue
		}
		out = append(out, st)
	}
	return out
}

// Generate status data.
func (s *Server) genStatus() StatusData {
	return StatusData{
		JobName:    s.JobName,
		Host:       hostStatus(),
		Transforms: engine.Transforms(),
		Nodes:      nodeStatuses(),
		Now:        time.Now(),
	}
}

// statusHandler sends the JSON encoded status if the "Accept" header asks for
// it, html otherwise.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Accept") == "application/json" {
		replyJSON(w, s.genStatus())
		return
	}
	var b bytes.Buffer
	if err := statusTemplate.Execute(&b, s.genStatus()); err != nil {
		replyError(w, http.StatusInternalServerError, fmt.Sprintf("failed to encode html status data: %s", err))
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write(b.Bytes())
}

func (s *Server) hostHandler(w http.ResponseWriter, r *http.Request) {
	replyJSON(w, hostStatus())
}

func (s *Server) nodesHandler(w http.ResponseWriter, r *http.Request) {
	replyJSON(w, nodeStatuses())
}

// lookup returns the status of the node named in the request, or replies
// with an error.
func lookup(w http.ResponseWriter, r *http.Request) (engine.NodeStatus, bool) {
	name := mux.Vars(r)["name"]
	n := engine.LookupNode(name)
	if n == nil {
		replyError(w, http.StatusNotFound, fmt.Sprintf("no node %q", name))
		return engine.NodeStatus{}, false
	}
	st, err := n.Status()
	if core.ErrNoSuchEntity.Is(err) {
		replyError(w, http.StatusNotFound, fmt.Sprintf("node %q is gone", name))
		return st, false
	} else if err != nil {
		replyError(w, http.StatusInternalServerError, err.Error())
		return st, false
	}
	return st, true
}

func (s *Server) nodeHandler(w http.ResponseWriter, r *http.Request) {
	if st, ok := lookup(w, r); ok {
		replyJSON(w, st)
	}
}

func (s *Server) dumpHandler(w http.ResponseWriter, r *http.Request) {
	if st, ok := lookup(w, r); ok {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(st.Dump()))
	}
}

func replyJSON(w http.ResponseWriter, v interface{}) {
	var b bytes.Buffer
	if err := json.NewEncoder(&b).Encode(v); err != nil {
		replyError(w, http.StatusInternalServerError, fmt.Sprintf("failed to encode json status data: %s", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b.Bytes())
}

func replyError(w http.ResponseWriter, code int, msg string) {
	if code >= http.StatusInternalServerError {
		log.Errorf(msg)
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	w.Write([]byte(msg))
}
