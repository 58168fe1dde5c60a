// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
)

// Error is our own defined error type. Control-plane operations return these
// (wrapped as Go errors via Error()) and I/O completions carry them in
// blockio.Bio.Err.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Control plane errors ------//

	// ErrBusy is returned when an operation can't proceed because of
	// outstanding opens, I/O or events. It is always safe to retry later.
	ErrBusy

	// ErrResource is returned when an allocation or registration that an
	// operation depends on fails. It is fatal to that operation only.
	ErrResource

	// ErrNotSupported is returned for request commands the current
	// transform doesn't implement.
	ErrNotSupported

	// ErrNoSuchEntity is returned when a referenced node, volume, disk or
	// lock doesn't exist (anymore).
	ErrNoSuchEntity

	// ErrStale is returned when a handle refers to an entity that was
	// destroyed concurrently.
	ErrStale

	// ErrInvalidArgument is returned if an argument is bad or confusing.
	ErrInvalidArgument

	// ErrAlreadyExists is returned when creating something that is already there.
	ErrAlreadyExists

	//------ Data path errors ------//

	// ErrIO is returned if a request can't be served because its volume went
	// down or no subdisk could satisfy it.
	ErrIO

	//------ Meta-error ------//

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown
)

var description = map[Error]string{
	NoError: "no error",

	ErrBusy:            "busy, retry later",
	ErrResource:        "resource allocation failed",
	ErrNotSupported:    "operation not supported",
	ErrNoSuchEntity:    "no such entity",
	ErrStale:           "stale handle",
	ErrInvalidArgument: "invalid argument",
	ErrAlreadyExists:   "already exists",

	ErrIO: "I/O error",

	ErrUnknown: "unknown error",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver error
// underneath.
func (e Error) Is(g error) bool {
	var ge goError
	if !errors.As(g, &ge) {
		return false
	}
	return Error(ge) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// FromError gets the underlying core.Error from an error. A nil error maps to
// NoError, any error that isn't one of ours maps to ErrUnknown.
func FromError(err error) Error {
	if err == nil {
		return NoError
	}
	var ge goError
	if errors.As(err, &ge) {
		return Error(ge)
	}
	return ErrUnknown
}

// IsRetriable checks if the caller should retry on a given returned error.
func IsRetriable(err error) bool {
	return ErrBusy.Is(err)
}
