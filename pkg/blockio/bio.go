// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package blockio is a small block I/O substrate: requests (Bio), backing
// devices, and a topology of providers (exported devices) and consumers
// (attachments to backing devices).
package blockio

import (
	"bytes"
	"fmt"
	"time"
)

// Cmd is the operation a Bio asks for.
type Cmd int

// Request commands.
const (
	CmdRead Cmd = iota + 1
	CmdWrite
	CmdDelete
	CmdFlush
	CmdGetAttr
)

func (c Cmd) String() string {
	switch c {
	case CmdRead:
		return "read"
	case CmdWrite:
		return "write"
	case CmdDelete:
		return "delete"
	case CmdFlush:
		return "flush"
	case CmdGetAttr:
		return "getattr"
	}
	return fmt.Sprintf("cmd(%d)", int(c))
}

// Flags modify how a Bio is handled.
type Flags uint32

const (
	// FlagSync marks requests issued by a synchronizer (rebuild/resync). They
	// are exempt from range-lock admission.
	FlagSync Flags = 1 << iota
)

// Bio is a single block I/O request and, once Done is called, its response.
type Bio struct {
	Cmd    Cmd
	Offset int64
	Length int64
	Flags  Flags

	// Data is the buffer for reads and writes. len(Data) == Length for those
	// commands.
	Data []byte

	// Attribute is the attribute name for CmdGetAttr.
	Attribute string

	// Err is set before Done is called.
	Err error

	// Done is called exactly once when the request completes. It may be
	// called on any goroutine.
	Done func(*Bio)

	// Parent is the request this one was cloned from, if any. Children and
	// Inbed count clones issued and clones completed, respectively; they are
	// maintained by whoever splits the parent.
	Parent   *Bio
	Children int
	Inbed    int

	// Caller is private to the code that issued the request, Driver to the
	// code servicing it.
	Caller interface{}
	Driver interface{}

	// Start is when the request entered the system. Set by Provider.Start.
	Start time.Time
}

// NewBio returns a request for cmd at off. For reads and writes the length is
// len(data).
func NewBio(cmd Cmd, off int64, data []byte) *Bio {
	return &Bio{Cmd: cmd, Offset: off, Length: int64(len(data)), Data: data}
}

// Clone returns a child request with the same command, range and buffer.
// The child's Done and Caller are unset.
func (b *Bio) Clone() *Bio {
	b.Children++
	return &Bio{
		Cmd:       b.Cmd,
		Offset:    b.Offset,
		Length:    b.Length,
		Flags:     b.Flags,
		Data:      b.Data,
		Attribute: b.Attribute,
		Parent:    b,
		Start:     b.Start,
	}
}

// End returns the first offset past the request.
func (b *Bio) End() int64 {
	return b.Offset + b.Length
}

// Overlaps returns true if the request intersects [off, off+length).
func (b *Bio) Overlaps(off, length int64) bool {
	return b.Offset < off+length && off < b.End()
}

// IsWrite returns true for commands that modify data.
func (b *Bio) IsWrite() bool {
	return b.Cmd == CmdWrite || b.Cmd == CmdDelete
}

// Deliver completes the request with err.
func (b *Bio) Deliver(err error) {
	b.Err = err
	if b.Done != nil {
		b.Done(b)
	}
}

func (b *Bio) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s off=%d len=%d", b.Cmd, b.Offset, b.Length)
	if b.Flags&FlagSync != 0 {
		buf.WriteString(" sync")
	}
	if b.Cmd == CmdGetAttr {
		fmt.Fprintf(&buf, " attr=%s", b.Attribute)
	}
	return buf.String()
}
