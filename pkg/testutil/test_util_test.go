// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testutil

import (
	"os"
	"testing"
	"time"
)

func TestTempDir(t *testing.T) {
	dir := TempDir()
	if dir != TempDir() {
		t.Fatalf("scratch dir changed")
	}
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		t.Fatalf("no scratch dir %q: %v", dir, err)
	}
	sub, err := os.MkdirTemp(dir, "sub")
	if err != nil {
		t.Fatalf("mkdir in scratch dir: %s", err)
	}
	if err = os.WriteFile(sub+"/f", []byte("x"), 0644); err != nil {
		t.Fatalf("write: %s", err)
	}
}

func TestWaitFor(t *testing.T) {
	start := time.Now()
	calls := 0
	WaitFor(t, "third call", func() bool {
		calls++
		return calls == 3
	})
	if calls != 3 {
		t.Errorf("cond called %d times", calls)
	}
	if time.Since(start) < 2*pollEvery {
		t.Errorf("didn't wait between polls")
	}
}

func TestWaitErrorText(t *testing.T) {
	if got := waitError("disk").Error(); got != "waiting for disk" {
		t.Errorf("got %q", got)
	}
}
