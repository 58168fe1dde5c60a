// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package failures

import (
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/golang/glog"
)

// Handler applies the value of a failure key. A nil value means no failure.
type Handler func(value json.RawMessage) error

// Registry is a failure configuration. It is safe for concurrent use.
type Registry struct {
	lock     sync.Mutex
	configs  map[string]json.RawMessage // nil value: no failure
	handlers map[string]Handler
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		configs:  make(map[string]json.RawMessage),
		handlers: make(map[string]Handler),
	}
}

// Register adds 'key', owned by 'handler'. A key can only be registered once.
func (r *Registry) Register(key string, handler Handler) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.handlers[key]; ok {
		return fmt.Errorf("key %q is already registered", key)
	}
	r.handlers[key] = handler
	r.configs[key] = nil
	return nil
}

// MarshalJSON returns the configuration as one JSON object.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return json.Marshal(r.configs)
}

// ApplyJSON decodes a configuration object and applies it.
func (r *Registry) ApplyJSON(data []byte) error {
	var updates map[string]json.RawMessage
	if err := json.Unmarshal(data, &updates); err != nil {
		return err
	}
	return r.Apply(updates)
}

// Apply replaces the configuration with 'updates'. Handlers are called for
// keys that are set, and with nil for keys that had a value and are missing.
// Unknown keys fail the whole update before any handler runs.
func (r *Registry) Apply(updates map[string]json.RawMessage) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	for key := range updates {
		if _, ok := r.configs[key]; !ok {
			return fmt.Errorf("key %q is not registered", key)
		}
	}

	for key, cur := range r.configs {
		// JSON null is the same as leaving the key out.
		next := updates[key]
		if string(next) == "null" {
			next = nil
		}
		if next == nil && cur == nil {
			continue
		}
		if err := r.handlers[key](next); err != nil {
			return err
		}
		log.Infof("failure %s set to %s", key, next)
		r.configs[key] = next
	}
	return nil
}
