// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"fmt"
	"time"

	"github.com/westerndigitalcorporation/softraid/pkg/blockio"
)

// Config encapsulates timing parameters for a Node.
type Config struct {
	// How long a new volume waits for its disks to show up before it is
	// started anyway.
	StartTimeout time.Duration
	// How long the worker sleeps when it has nothing to do.
	PollInterval time.Duration
	// A volume with no I/O for this long is considered idle.
	IdleThreshold time.Duration
	// A dirty volume with no writes for this long is marked clean.
	CleanDelay time.Duration
	// How long Destroy waits for the worker to finish teardown.
	DestroyTimeout time.Duration
}

// Validate validates the configuration object has reasonable(not obviously
// wrong) values.
func (c Config) Validate() error {
	if c.StartTimeout <= 0 {
		return fmt.Errorf("StartTimeout must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("PollInterval must be positive")
	}
	if c.DestroyTimeout <= 0 {
		return fmt.Errorf("DestroyTimeout must be positive")
	}
	if c.IdleThreshold < 0 || c.CleanDelay < 0 {
		return fmt.Errorf("IdleThreshold and CleanDelay can not be negative")
	}
	return nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production.
var DefaultProdConfig = Config{
	StartTimeout:   30 * time.Second,
	PollInterval:   time.Second,
	IdleThreshold:  time.Second,
	CleanDelay:     5 * time.Second,
	DestroyTimeout: 3 * time.Second,
}

// DefaultTestConfig specifies the default values for Config that is used for testing.
var DefaultTestConfig = Config{
	StartTimeout:   time.Second,
	PollInterval:   5 * time.Millisecond,
	IdleThreshold:  10 * time.Millisecond,
	CleanDelay:     50 * time.Millisecond,
	DestroyTimeout: 3 * time.Second,
}

// Options are the optional parameters of NewNode.
type Options struct {
	// Config defaults to DefaultProdConfig.
	Config *Config
	// Topology defaults to blockio.Default.
	Topology *blockio.Topology
}

func (o *Options) fill() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Config == nil {
		cfg := DefaultProdConfig
		out.Config = &cfg
	}
	if out.Topology == nil {
		out.Topology = blockio.Default
	}
	return out
}
