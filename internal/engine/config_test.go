// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"testing"
	"time"

	"github.com/westerndigitalcorporation/softraid/internal/core"
)

func TestConfigValidate(t *testing.T) {
	if err := DefaultProdConfig.Validate(); err != nil {
		t.Fatalf("prod config: %s", err)
	}
	if err := DefaultTestConfig.Validate(); err != nil {
		t.Fatalf("test config: %s", err)
	}

	bad := []func(c *Config){
		func(c *Config) { c.StartTimeout = 0 },
		func(c *Config) { c.PollInterval = -time.Second },
		func(c *Config) { c.DestroyTimeout = 0 },
		func(c *Config) { c.CleanDelay = -1 },
	}
	for i, fn := range bad {
		c := DefaultTestConfig
		fn(&c)
		if c.Validate() == nil {
			t.Errorf("case %d: expected an error", i)
		}
	}
}

func TestBadConfigRefused(t *testing.T) {
	cfg := DefaultTestConfig
	cfg.PollInterval = 0
	if _, err := NewNode("badconfig", nil, &Options{Config: &cfg}); !core.ErrInvalidArgument.Is(err) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if LookupNode("badconfig") != nil {
		t.Fatalf("node shouldn't exist")
	}
}
