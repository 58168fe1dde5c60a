// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package failures implements a failure injection service. A Registry holds a
// failure configuration made of keys, each owned by a handler, and serves it
// over HTTP so faults can be injected into a running process.
//
// The value of every key is an opaque json.RawMessage that starts out nil,
// meaning no failure. Handlers have the type
//
//		func(value json.RawMessage) error
//
// and are called when their key is set or reset. It's up to the handler to
// interpret the value.
//
// A GET returns the whole configuration as a JSON object with one member per
// registered key. A POST replaces the whole configuration: keys missing from
// the posted object are reset to nil, so posting "{}" clears all failures.
//
// For example, raidctl registers a handler that makes attached devices fail:
//
//		reg := failures.New()
//		reg.Register("device_errors", func(v json.RawMessage) error {
//			var errs map[string]string // device -> "read", "write" or "both"
//			if v != nil {
//				if err := json.Unmarshal(v, &errs); err != nil {
//					return err
//				}
//			}
//			...
//		})
//
// and mounts the registry on its status server, after which
//
//		curl http://<host>:<port>/failures -XPOST -d '{"device_errors": {"/dev/sdb": "write"}}'
//
// makes every write to /dev/sdb fail until the next POST.
package failures

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
)

// DefaultPath is where servers usually mount a Registry.
const DefaultPath = "/failures"

// ServeHTTP implements http.Handler.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case "GET":
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(r)
	case "POST":
		r.doPost(w, req)
	default:
		replyError(w, fmt.Sprintf("Unsupported method %s", req.Method), http.StatusMethodNotAllowed)
	}
}

func (r *Registry) doPost(w http.ResponseWriter, req *http.Request) {
	body, err := ioutil.ReadAll(req.Body)
	if err != nil {
		replyError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = r.ApplyJSON(body); err != nil {
		replyError(w, err.Error(), http.StatusBadRequest)
	}
}

func replyError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	fmt.Fprintln(w, msg)
}
