// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package testutil holds helpers shared by the tests of all packages.
//
// Every package with tests has a main_test.go that hands its testing.M to
// TestMain, so the scratch directory returned by TempDir goes away after a
// successful run and glog output is flushed:
//
//	func TestMain(m *testing.M) {
//		testutil.TestMain(m)
//	}
package testutil

import (
	"flag"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	log "github.com/golang/glog"
)

// WaitTimeout bounds WaitFor and Eventually.
var WaitTimeout = 5 * time.Second

// How often WaitFor and Eventually poll.
const pollEvery = 2 * time.Millisecond

var (
	scratchOnce sync.Once
	scratch     string
)

// TempDir returns a scratch directory private to this test binary. Tests that
// need their own directory create one inside it with os.MkdirTemp.
func TempDir() string {
	scratchOnce.Do(func() {
		var err error
		prefix := "softraid-" + filepath.Base(os.Args[0]) + "-"
		if scratch, err = os.MkdirTemp("", prefix); err != nil {
			log.Fatalf("creating scratch dir: %s", err)
		}
		log.V(1).Infof("scratch dir %s", scratch)
	})
	return scratch
}

// TestMain runs the tests in 'm' and exits with their status. The scratch
// directory is kept when something failed.
func TestMain(m *testing.M) {
	flag.Parse()
	status := m.Run()
	if status == 0 && scratch != "" {
		if err := os.RemoveAll(scratch); err != nil {
			log.Errorf("removing %s: %s", scratch, err)
		}
	} else if scratch != "" {
		log.Infof("keeping %s", scratch)
	}
	log.Flush()
	os.Exit(status)
}

// WaitFor polls 'cond' until it returns true, failing the test with 'what' if
// that doesn't happen within WaitTimeout.
func WaitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	Eventually(t, func() error {
		if cond() {
			return nil
		}
		return waitError(what)
	})
}

type waitError string

func (w waitError) Error() string {
	return "waiting for " + string(w)
}

// Eventually polls 'cond' until it returns nil. The error describes what is
// still missing and is reported if WaitTimeout passes first.
func Eventually(t testing.TB, cond func() error) {
	t.Helper()
	deadline := time.Now().Add(WaitTimeout)
	for {
		err := cond()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out: %s", err)
		}
		time.Sleep(pollEvery)
	}
}
