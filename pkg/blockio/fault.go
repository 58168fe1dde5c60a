// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockio

import (
	"sync"
)

// FaultDevice wraps a Device and fails its reads and writes on demand.
type FaultDevice struct {
	Device

	lock     sync.Mutex
	readErr  error
	writeErr error
}

// NewFaultDevice wraps 'dev'. Requests pass through until SetErrors is called.
func NewFaultDevice(dev Device) *FaultDevice {
	return &FaultDevice{Device: dev}
}

// SetErrors makes subsequent reads and/or writes fail. Pass nil to clear.
func (f *FaultDevice) SetErrors(read, write error) {
	f.lock.Lock()
	f.readErr, f.writeErr = read, write
	f.lock.Unlock()
}

// Errors returns the injected errors.
func (f *FaultDevice) Errors() (read, write error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.readErr, f.writeErr
}

// ReadAt fails with the injected read error, if any.
func (f *FaultDevice) ReadAt(p []byte, off int64) (int, error) {
	if err, _ := f.Errors(); err != nil {
		return 0, err
	}
	return f.Device.ReadAt(p, off)
}

// WriteAt fails with the injected write error, if any.
func (f *FaultDevice) WriteAt(p []byte, off int64) (int, error) {
	if _, err := f.Errors(); err != nil {
		return 0, err
	}
	return f.Device.WriteAt(p, off)
}
