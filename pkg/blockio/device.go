// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockio

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ncw/directio"
)

var (
	// ErrDeviceGone is returned for I/O to a device that was removed or to a
	// consumer that was detached.
	ErrDeviceGone = errors.New("device removed")

	// ErrOutOfRange is returned for I/O beyond the end of a device.
	ErrOutOfRange = errors.New("request out of device range")

	// ErrUnaligned is returned by direct-I/O devices for requests that aren't
	// sector aligned.
	ErrUnaligned = errors.New("request not aligned to sector size")
)

// DefaultSectorSize is used by devices that aren't told otherwise.
const DefaultSectorSize = 512

// Device is a backing store a consumer can be attached to.
//
// Device must be safe for concurrent use: the substrate issues requests from
// multiple goroutines at once.
type Device interface {
	// Name identifies the device. It must be stable across restarts since
	// metadata formats use it to recognize members.
	Name() string

	// Size is the media size in bytes.
	Size() int64

	// SectorSize is the minimum I/O unit in bytes.
	SectorSize() int64

	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)

	// Flush makes previous writes durable.
	Flush() error

	Close() error
}

// Trimmer is implemented by devices that can discard ranges.
type Trimmer interface {
	Trim(off, length int64) error
}

// MemDevice is a memory-only implementation of Device that is useful for
// testing. It supports fault injection and simulated removal.
type MemDevice struct {
	lock     sync.Mutex
	name     string
	data     []byte
	sector   int64
	readErr  error
	writeErr error
	delay    time.Duration
	gone     bool
	reads    int
	writes   int
}

// NewMemDevice returns a zero-filled MemDevice of 'size' bytes.
func NewMemDevice(name string, size int64) *MemDevice {
	return &MemDevice{name: name, data: make([]byte, size), sector: DefaultSectorSize}
}

// Name returns the device name.
func (m *MemDevice) Name() string {
	return m.name
}

// Size returns the device size.
func (m *MemDevice) Size() int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return int64(len(m.data))
}

// SectorSize returns the sector size.
func (m *MemDevice) SectorSize() int64 {
	return m.sector
}

// SetErrors makes subsequent reads and/or writes fail. Pass nil to clear.
func (m *MemDevice) SetErrors(read, write error) {
	m.lock.Lock()
	m.readErr, m.writeErr = read, write
	m.lock.Unlock()
}

// SetDelay makes every request take at least 'd'.
func (m *MemDevice) SetDelay(d time.Duration) {
	m.lock.Lock()
	m.delay = d
	m.lock.Unlock()
}

// Remove simulates the device going away. All further requests fail with
// ErrDeviceGone. Use Topology.Orphan to notify consumers.
func (m *MemDevice) Remove() {
	m.lock.Lock()
	m.gone = true
	m.lock.Unlock()
}

// Counts returns the number of reads and writes that reached the device.
func (m *MemDevice) Counts() (reads, writes int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.reads, m.writes
}

// Bytes returns a copy of [off, off+length).
func (m *MemDevice) Bytes(off, length int64) []byte {
	m.lock.Lock()
	defer m.lock.Unlock()
	out := make([]byte, length)
	copy(out, m.data[off:off+length])
	return out
}

func (m *MemDevice) wait() {
	m.lock.Lock()
	d := m.delay
	m.lock.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
}

// ReadAt reads from the device.
func (m *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	m.wait()
	m.lock.Lock()
	defer m.lock.Unlock()
	m.reads++
	if m.gone {
		return 0, ErrDeviceGone
	}
	if m.readErr != nil {
		return 0, m.readErr
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, ErrOutOfRange
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt writes to the device.
func (m *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	m.wait()
	m.lock.Lock()
	defer m.lock.Unlock()
	m.writes++
	if m.gone {
		return 0, ErrDeviceGone
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, ErrOutOfRange
	}
	return copy(m.data[off:], p), nil
}

// Trim zeroes a range.
func (m *MemDevice) Trim(off, length int64) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.gone {
		return ErrDeviceGone
	}
	if off < 0 || off+length > int64(len(m.data)) {
		return ErrOutOfRange
	}
	for i := off; i < off+length; i++ {
		m.data[i] = 0
	}
	return nil
}

// Flush is a no-op unless the device is gone.
func (m *MemDevice) Flush() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.gone {
		return ErrDeviceGone
	}
	return nil
}

// Close releases nothing; the data stays around for inspection.
func (m *MemDevice) Close() error {
	return nil
}

// FileDevice is a Device backed by a regular file or a block device node.
type FileDevice struct {
	f      *os.File
	name   string
	size   int64
	direct bool
}

// OpenFileDevice opens 'path' as a device. If 'size' is positive the file is
// created and extended to that size when needed. If 'direct' is set the file
// is opened with O_DIRECT (or the platform equivalent) and requests must be
// aligned to directio.BlockSize.
func OpenFileDevice(path string, size int64, direct bool) (*FileDevice, error) {
	flags := os.O_RDWR
	if size > 0 {
		flags |= os.O_CREATE
	}

	var f *os.File
	var err error
	if direct {
		f, err = directio.OpenFile(path, flags, 0600)
	} else {
		f, err = os.OpenFile(path, flags, 0600)
	}
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < size {
		if err = f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		size = fi.Size()
	}
	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("device %q has zero size", path)
	}
	return &FileDevice{f: f, name: path, size: size, direct: direct}, nil
}

// Name returns the path of the device.
func (d *FileDevice) Name() string {
	return d.name
}

// Size returns the device size.
func (d *FileDevice) Size() int64 {
	return d.size
}

// SectorSize returns the sector size.
func (d *FileDevice) SectorSize() int64 {
	if d.direct {
		return directio.BlockSize
	}
	return DefaultSectorSize
}

func (d *FileDevice) check(n int, off int64) error {
	if off < 0 || off+int64(n) > d.size {
		return ErrOutOfRange
	}
	if d.direct && (off%directio.BlockSize != 0 || n%directio.BlockSize != 0) {
		return ErrUnaligned
	}
	return nil
}

// ReadAt reads from the device. Direct devices bounce through an aligned
// buffer since callers' slices carry no alignment guarantee.
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := d.check(len(p), off); err != nil {
		return 0, err
	}
	if !d.direct {
		return d.f.ReadAt(p, off)
	}
	buf := directio.AlignedBlock(len(p))
	n, err := d.f.ReadAt(buf, off)
	copy(p, buf[:n])
	return n, err
}

// WriteAt writes to the device.
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if err := d.check(len(p), off); err != nil {
		return 0, err
	}
	if !d.direct {
		return d.f.WriteAt(p, off)
	}
	buf := directio.AlignedBlock(len(p))
	copy(buf, p)
	return d.f.WriteAt(buf, off)
}

// Flush syncs the file.
func (d *FileDevice) Flush() error {
	return d.f.Sync()
}

// Close closes the file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}
