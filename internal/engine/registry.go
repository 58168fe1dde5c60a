// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"sort"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/softraid/internal/core"
)

// TransformFactory returns a fresh, untasted Transform instance.
type TransformFactory func() Transform

type transformClass struct {
	name     string
	priority int
	factory  TransformFactory
}

type metadataClass struct {
	priority int
	class    MetadataClass
}

// Process-wide strategy tables, kept sorted by ascending priority. Readers
// take a copy under the lock.
var registry struct {
	lock       sync.Mutex
	transforms []transformClass
	metadata   []metadataClass
}

// RegisterTransform adds a transform class. Lower priorities are tasted first.
// Typically called from an init function.
func RegisterTransform(name string, priority int, factory TransformFactory) error {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	for _, c := range registry.transforms {
		if c.name == name {
			return core.ErrAlreadyExists.Error()
		}
	}
	registry.transforms = append(registry.transforms, transformClass{name: name, priority: priority, factory: factory})
	sort.SliceStable(registry.transforms, func(i, j int) bool {
		return registry.transforms[i].priority < registry.transforms[j].priority
	})
	log.V(1).Infof("registered transform %s at priority %d", name, priority)
	return nil
}

// UnregisterTransform removes a transform class. Volumes already using it are
// unaffected.
func UnregisterTransform(name string) error {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	for i, c := range registry.transforms {
		if c.name == name {
			registry.transforms = append(registry.transforms[:i], registry.transforms[i+1:]...)
			return nil
		}
	}
	return core.ErrNoSuchEntity.Error()
}

// RegisterMetadata adds a metadata class. Lower priorities are tasted first.
func RegisterMetadata(class MetadataClass, priority int) error {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	for _, c := range registry.metadata {
		if c.class.Name() == class.Name() {
			return core.ErrAlreadyExists.Error()
		}
	}
	registry.metadata = append(registry.metadata, metadataClass{priority: priority, class: class})
	sort.SliceStable(registry.metadata, func(i, j int) bool {
		return registry.metadata[i].priority < registry.metadata[j].priority
	})
	log.V(1).Infof("registered metadata %s at priority %d", class.Name(), priority)
	return nil
}

// UnregisterMetadata removes the metadata class named 'name'.
func UnregisterMetadata(name string) error {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	for i, c := range registry.metadata {
		if c.class.Name() == name {
			registry.metadata = append(registry.metadata[:i], registry.metadata[i+1:]...)
			return nil
		}
	}
	return core.ErrNoSuchEntity.Error()
}

// Transforms returns the names of registered transforms in taste order.
func Transforms() []string {
	var names []string
	for _, c := range transformClasses() {
		names = append(names, c.name)
	}
	return names
}

func transformClasses() []transformClass {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	return append([]transformClass(nil), registry.transforms...)
}

func metadataClasses() []MetadataClass {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	out := make([]MetadataClass, len(registry.metadata))
	for i, c := range registry.metadata {
		out[i] = c.class
	}
	return out
}

// lookupMetadata returns the metadata class called 'name', or nil.
func lookupMetadata(name string) MetadataClass {
	for _, c := range metadataClasses() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}
